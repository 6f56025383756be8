package httpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/cors"

	"github.com/poly-workshop/llm-orchestrator/internal/infrastructure/auth"
	"github.com/poly-workshop/llm-orchestrator/internal/infrastructure/health"
	"github.com/poly-workshop/llm-orchestrator/internal/infrastructure/transport/httpapi"
)

type CORS struct {
	AllowedOrigins   []string
	AllowCredentials bool
}

type Server struct {
	srv *http.Server
}

// New builds the public API server: CORS, then authentication, then the
// generation routes.
func New(listen string, api *httpapi.Handler, authMgr *auth.Manager, c CORS) (*Server, error) {
	if listen == "" {
		return nil, fmt.Errorf("http listen address is empty")
	}
	if api == nil {
		return nil, fmt.Errorf("api handler is nil")
	}
	if authMgr == nil {
		return nil, fmt.Errorf("auth manager is nil")
	}

	gw := runtime.NewServeMux()
	if err := api.Register(gw); err != nil {
		return nil, err
	}

	corsHandler := cors.New(cors.Options{
		AllowedOrigins: c.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{
			"Authorization",
			"Content-Type",
			auth.HeaderServiceToken,
			auth.HeaderTenantID,
			auth.HeaderActorID,
			auth.HeaderActorRoles,
			"X-Request-ID",
		},
		AllowCredentials: c.AllowCredentials,
	})

	return &Server{srv: &http.Server{
		Addr:              listen,
		Handler:           corsHandler.Handler(auth.Middleware(authMgr)(gw)),
		ReadHeaderTimeout: 5 * time.Second,
	}}, nil
}

func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start serves until ctx is done, then shuts down with a 5s grace period.
func (s *Server) Start(ctx context.Context) error {
	return serve(ctx, "http", s.srv)
}

// HealthServer serves /livez, /readyz and /metrics.
type HealthServer struct {
	srv *http.Server
}

func NewHealth(listen string, checks map[string]health.ReadyzChecker, metrics http.Handler) (*HealthServer, error) {
	if listen == "" {
		return nil, fmt.Errorf("health listen address is empty")
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/livez", health.Livez)
	mux.HandleFunc("/readyz", health.Readyz(checks))
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}
	return &HealthServer{srv: &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}}, nil
}

func (s *HealthServer) Handler() http.Handler { return s.srv.Handler }

func (s *HealthServer) Start(ctx context.Context) error {
	return serve(ctx, "health", s.srv)
}

func serve(ctx context.Context, name string, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info(name+" listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
