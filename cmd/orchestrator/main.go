package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/poly-workshop/go-webmods/app"

	"github.com/poly-workshop/llm-orchestrator/internal/infrastructure/auth"
	"github.com/poly-workshop/llm-orchestrator/internal/infrastructure/bootstrap"
	"github.com/poly-workshop/llm-orchestrator/internal/infrastructure/config"
	"github.com/poly-workshop/llm-orchestrator/internal/infrastructure/health"
	"github.com/poly-workshop/llm-orchestrator/internal/infrastructure/server/grpcserver"
	"github.com/poly-workshop/llm-orchestrator/internal/infrastructure/server/httpserver"
	"github.com/poly-workshop/llm-orchestrator/internal/infrastructure/transport/httpapi"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs"
	}
	app.InitWithConfigPath("llm-orchestrator", configPath)

	cfg, err := config.LoadServer()
	if err != nil {
		slog.Error("load config failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := bootstrap.Build(ctx, "llm-orchestrator", cfg.Backends)
	if err != nil {
		slog.Error("bootstrap failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := rt.Close(closeCtx); err != nil {
			slog.Warn("shutdown incomplete", "error", err)
		}
	}()

	serviceTokens := make([]auth.ServiceToken, 0, len(cfg.Auth.ServiceTokens))
	for _, t := range cfg.Auth.ServiceTokens {
		serviceTokens = append(serviceTokens, auth.ServiceToken{Name: t.Name, Token: t.Token})
	}
	authMgr := auth.NewManager(serviceTokens, cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer)
	if !authMgr.Enabled() {
		slog.Warn("auth disabled: trusting actor headers")
	}

	apiSrv, err := httpserver.New(cfg.HTTP.Listen, httpapi.NewHandler(rt.Executor), authMgr, httpserver.CORS{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowCredentials: cfg.CORS.AllowCredentials,
	})
	if err != nil {
		slog.Error("create http server failed", "error", err)
		os.Exit(1)
	}

	var grpcSrv *grpcserver.Server
	if cfg.GRPC.Listen != "" {
		grpcSrv, err = grpcserver.New(cfg.GRPC.Listen, rt.Executor, authMgr)
		if err != nil {
			slog.Error("create grpc server failed", "error", err)
			os.Exit(1)
		}
		rt.Ready["grpc"] = health.GRPCDialReadyChecker(dialTarget(cfg.GRPC.Listen))
	}

	healthSrv, err := httpserver.NewHealth(cfg.Health.Listen, rt.Ready, rt.Metrics.Handler())
	if err != nil {
		slog.Error("create health server failed", "error", err)
		os.Exit(1)
	}

	errCh := make(chan error, 4)
	go func() { errCh <- apiSrv.Start(ctx) }()
	go func() { errCh <- healthSrv.Start(ctx) }()
	if grpcSrv != nil {
		go func() { errCh <- grpcSrv.Start() }()
	}
	// The in-memory queue is only visible to this process.
	if cfg.Queue.Driver == config.QueueMemory {
		go func() { errCh <- rt.Worker().Run(ctx) }()
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			slog.Error("server exited", "error", err)
		}
		stop()
	}

	if grpcSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = grpcSrv.Stop(shutdownCtx)
	}
}

func dialTarget(listen string) string {
	if strings.HasPrefix(listen, ":") {
		return "localhost" + listen
	}
	return listen
}
