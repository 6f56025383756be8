package grpcserver

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/poly-workshop/go-webmods/grpcutils"
	"google.golang.org/grpc"

	"github.com/poly-workshop/llm-orchestrator/internal/infrastructure/auth"
	"github.com/poly-workshop/llm-orchestrator/internal/infrastructure/transport/grpcadapter"
)

type Server struct {
	listenAddr string
	s          *grpc.Server
	lis        net.Listener
}

func New(listenAddr string, svc grpcadapter.Service, authMgr *auth.Manager) (*Server, error) {
	if listenAddr == "" {
		return nil, fmt.Errorf("grpc listen address is empty")
	}
	if svc == nil {
		return nil, fmt.Errorf("generation service is nil")
	}
	if authMgr == nil {
		return nil, fmt.Errorf("auth manager is nil")
	}

	unaryInts := grpc.ChainUnaryInterceptor(
		grpcutils.BuildRequestIDInterceptor(),
		grpcutils.BuildLogInterceptor(slog.Default()),
		auth.UnaryServerInterceptor(authMgr),
	)
	streamInts := grpc.ChainStreamInterceptor(
		auth.StreamServerInterceptor(authMgr),
	)

	s := grpc.NewServer(unaryInts, streamInts)
	grpcadapter.Register(s, grpcadapter.NewGenerationService(svc))

	return &Server{listenAddr: listenAddr, s: s}, nil
}

// Serve accepts connections on lis until Stop is called.
func (srv *Server) Serve(lis net.Listener) error {
	srv.lis = lis
	slog.Info("grpc listening", "addr", lis.Addr().String())
	return srv.s.Serve(lis)
}

func (srv *Server) Start() error {
	lis, err := net.Listen("tcp", srv.listenAddr)
	if err != nil {
		return err
	}
	return srv.Serve(lis)
}

func (srv *Server) Stop(ctx context.Context) error {
	if srv.s == nil {
		return nil
	}

	done := make(chan struct{})
	go func() {
		srv.s.GracefulStop()
		close(done)
	}()

	select {
	case <-ctx.Done():
		srv.s.Stop()
		return ctx.Err()
	case <-done:
		return nil
	case <-time.After(5 * time.Second):
		srv.s.Stop()
		return fmt.Errorf("grpc graceful stop timed out")
	}
}
