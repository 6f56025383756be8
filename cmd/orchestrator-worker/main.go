package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/poly-workshop/go-webmods/app"

	"github.com/poly-workshop/llm-orchestrator/internal/infrastructure/bootstrap"
	"github.com/poly-workshop/llm-orchestrator/internal/infrastructure/config"
	"github.com/poly-workshop/llm-orchestrator/internal/infrastructure/server/httpserver"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs"
	}
	app.InitWithConfigPath("llm-orchestrator-worker", configPath)

	cfg, err := config.LoadWorker()
	if err != nil {
		slog.Error("load config failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := bootstrap.Build(ctx, "llm-orchestrator-worker", cfg.Backends)
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

	healthSrv, err := httpserver.NewHealth(cfg.Health.Listen, rt.Ready, rt.Metrics.Handler())
	if err != nil {
		slog.Error("create health server failed", "error", err)
		os.Exit(1)
	}
	go func() {
		if err := healthSrv.Start(ctx); err != nil {
			slog.Error("health server exited", "error", err)
			stop()
		}
	}()

	slog.Info("worker started", "concurrency", cfg.Worker.Concurrency, "queue", cfg.Queue.Key)
	if err := rt.Worker().Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("worker exited", "error", err)
		os.Exit(1)
	}
	slog.Info("worker stopped")
}
