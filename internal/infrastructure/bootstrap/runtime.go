// Package bootstrap assembles the executor and its backends from config.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/poly-workshop/llm-orchestrator/internal/application/orchestrator"
	"github.com/poly-workshop/llm-orchestrator/internal/infrastructure/config"
	"github.com/poly-workshop/llm-orchestrator/internal/infrastructure/health"
	"github.com/poly-workshop/llm-orchestrator/internal/infrastructure/jobqueue/memoryqueue"
	"github.com/poly-workshop/llm-orchestrator/internal/infrastructure/jobqueue/redisqueue"
	"github.com/poly-workshop/llm-orchestrator/internal/infrastructure/llmprovider/aigateway"
	"github.com/poly-workshop/llm-orchestrator/internal/infrastructure/llmprovider/openaicompat"
	"github.com/poly-workshop/llm-orchestrator/internal/infrastructure/metrics"
	"github.com/poly-workshop/llm-orchestrator/internal/infrastructure/store/cached"
	"github.com/poly-workshop/llm-orchestrator/internal/infrastructure/store/memory"
	"github.com/poly-workshop/llm-orchestrator/internal/infrastructure/store/postgres"
	"github.com/poly-workshop/llm-orchestrator/internal/infrastructure/store/yamlpolicy"
	"github.com/poly-workshop/llm-orchestrator/internal/infrastructure/tracing"
	"github.com/poly-workshop/llm-orchestrator/internal/infrastructure/usagecallback"
)

const tracerName = "github.com/poly-workshop/llm-orchestrator"

type queue interface {
	orchestrator.JobQueue
	orchestrator.JobSource
}

type store interface {
	orchestrator.InvocationRepository
	cached.Source
	yamlpolicy.Seeder
}

// Runtime owns every long-lived backend. Close releases them in reverse
// order of construction.
type Runtime struct {
	Executor *orchestrator.Executor
	Queue    orchestrator.JobSource
	Metrics  *metrics.Recorder
	Ready    map[string]health.ReadyzChecker

	cfg     config.Backends
	closers []func(context.Context) error
}

func Build(ctx context.Context, service string, cfg config.Backends) (rt *Runtime, err error) {
	rt = &Runtime{cfg: cfg, Metrics: metrics.NewRecorder(), Ready: map[string]health.ReadyzChecker{}}
	defer func() {
		if err != nil {
			_ = rt.Close(context.WithoutCancel(ctx))
		}
	}()

	shutdownTracing, err := tracing.Init(ctx, service, tracing.Config{
		Exporter:    cfg.Tracing.Exporter,
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		SampleRatio: cfg.Tracing.SampleRatio,
		Environment: cfg.Tracing.Environment,
	})
	if err != nil {
		return rt, fmt.Errorf("init tracing: %w", err)
	}
	rt.closers = append(rt.closers, shutdownTracing)

	st, err := rt.openStore(ctx)
	if err != nil {
		return rt, err
	}
	if cfg.Policy.SeedFile != "" {
		f, err := yamlpolicy.Load(cfg.Policy.SeedFile)
		if err != nil {
			return rt, err
		}
		if err := yamlpolicy.Apply(ctx, st, f); err != nil {
			return rt, fmt.Errorf("apply policy seed: %w", err)
		}
		slog.Info("policy seed applied", "file", cfg.Policy.SeedFile, "tenants", len(f.Tenants))
	}

	q, err := rt.openQueue(ctx)
	if err != nil {
		return rt, err
	}
	rt.Queue = q

	opts := orchestrator.Options{
		Queue:   q,
		Metrics: rt.Metrics,
		Tracer:  tracing.Tracer(tracerName),
	}
	if cfg.Notify.URL != "" {
		n := usagecallback.NewNotifier(
			usagecallback.New(nil, cfg.Notify.Timeout, cfg.Notify.Secret),
			cfg.Notify.URL,
			cfg.Notify.MaxInflight,
		)
		opts.Notifier = n
		rt.closers = append(rt.closers, func(ctx context.Context) error {
			n.Wait(ctx)
			return nil
		})
	}

	policies := cached.New(st, cfg.Policy.CacheSize, cfg.Policy.CacheTTL)
	rt.Executor = orchestrator.NewExecutor(policies, st, Gateways(cfg.Gateway.Providers), opts)
	return rt, nil
}

func (rt *Runtime) openStore(ctx context.Context) (store, error) {
	if rt.cfg.Database.DSN == "" {
		slog.Warn("database.dsn not set: using in-memory store")
		return memory.NewStore(), nil
	}
	db, err := postgres.Open(ctx, rt.cfg.Database.DSN, rt.cfg.Database.MaxOpenConns)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, func(context.Context) error { return db.Close() })
	pg := postgres.New(db)
	if rt.cfg.Database.Migrate {
		if err := pg.Migrate(ctx); err != nil {
			return nil, err
		}
	}
	rt.Ready["database"] = health.PingChecker(pg.Ping)
	return pg, nil
}

func (rt *Runtime) openQueue(ctx context.Context) (queue, error) {
	if rt.cfg.Queue.Driver != config.QueueRedis {
		return memoryqueue.New(memoryqueue.WithLeaseTTL(rt.cfg.Queue.LeaseTTL)), nil
	}
	client, err := redisqueue.Dial(ctx, rt.cfg.Redis.URL)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, func(context.Context) error { return client.Close() })
	q := redisqueue.New(client, rt.cfg.Queue.Key, rt.cfg.Queue.BlockTimeout, rt.cfg.Queue.LeaseTTL)
	rt.Ready["queue"] = health.PingChecker(q.Ping)
	return q, nil
}

// Worker returns a pool draining rt.Queue.
func (rt *Runtime) Worker() *orchestrator.Worker {
	return orchestrator.NewWorker(rt.Queue, rt.Executor, orchestrator.WorkerOptions{
		Concurrency: rt.cfg.Worker.Concurrency,
		LeaseTTL:    rt.cfg.Queue.LeaseTTL,
	})
}

func (rt *Runtime) Close(ctx context.Context) error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}

// Gateways builds the provider registry keyed by provider name.
func Gateways(providers []config.ProviderConfig) map[string]orchestrator.Gateway {
	out := make(map[string]orchestrator.Gateway, len(providers))
	for _, p := range providers {
		switch p.Kind {
		case config.KindAIGateway:
			out[p.Name] = aigateway.NewClient(p.BaseURL, p.APIKey, p.Timeout, p.StreamTimeout)
		default:
			out[p.Name] = openaicompat.NewProvider(p.Name, p.BaseURL, p.APIKey, p.Timeout)
		}
	}
	return out
}
