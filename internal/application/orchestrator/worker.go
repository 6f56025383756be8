package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/poly-workshop/llm-orchestrator/internal/domain/invocation"
)

const defaultLeaseTTL = 60 * time.Second

type WorkerOptions struct {
	Concurrency int
	// LeaseTTL must match the lease the JobSource grants on Claim. Held
	// leases are extended every LeaseTTL/3 and expired ones are swept every
	// LeaseTTL/2.
	LeaseTTL time.Duration
}

// Worker drains the job queue and runs queued invocations.
type Worker struct {
	source      JobSource
	exec        *Executor
	concurrency int
	leaseTTL    time.Duration
	backoff     time.Duration
}

func NewWorker(source JobSource, exec *Executor, opts WorkerOptions) *Worker {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = defaultLeaseTTL
	}
	return &Worker{
		source:      source,
		exec:        exec,
		concurrency: opts.Concurrency,
		leaseTTL:    opts.LeaseTTL,
		backoff:     time.Second,
	}
}

// Run blocks until ctx is done and every in-flight job has finished.
func (w *Worker) Run(ctx context.Context) error {
	w.reap(ctx)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(w.leaseTTL / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.reap(ctx)
			}
		}
	}()

	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.loop(ctx, slot)
		}(i)
	}
	wg.Wait()
	return nil
}

// reap returns jobs whose holder stopped extending the lease.
func (w *Worker) reap(ctx context.Context) {
	n, err := w.source.RequeueExpired(ctx)
	if err != nil {
		if ctx.Err() == nil {
			slog.Warn("requeue expired jobs failed", "error", err)
		}
		return
	}
	if n > 0 {
		slog.Info("requeued jobs with expired leases", "count", n)
	}
}

func (w *Worker) loop(ctx context.Context, slot int) {
	for {
		job, err := w.source.Claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, ErrNoJob) {
				continue
			}
			slog.Warn("claim job failed", "slot", slot, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.backoff):
			}
			continue
		}
		w.handle(ctx, job)
	}
}

// handle runs one job while keeping its lease alive. In-flight work is not
// cancelled by shutdown. Jobs are acknowledged once their invocation is
// terminal or gone; anything else is left to expire and be requeued.
func (w *Worker) handle(ctx context.Context, job Job) {
	runCtx := context.WithoutCancel(ctx)

	stop := make(chan struct{})
	var hb sync.WaitGroup
	hb.Add(1)
	go func() {
		defer hb.Done()
		w.keepAlive(runCtx, job, stop)
	}()
	inv, err := w.exec.RunQueued(runCtx, job.InvocationID)
	close(stop)
	hb.Wait()

	switch {
	case errors.Is(err, invocation.ErrNotFound):
		slog.Warn("queued invocation not found", "invocation_id", job.InvocationID)
	case err != nil:
		slog.Error("run queued invocation failed", "invocation_id", job.InvocationID, "error", err)
		return
	case !inv.Status().Terminal():
		slog.Warn("queued invocation not terminal after run", "invocation_id", inv.ID, "status", inv.Status())
		return
	default:
		slog.Info("queued invocation finished",
			"invocation_id", inv.ID,
			"status", inv.Status(),
			"queued_for", time.Since(job.EnqueuedAt).Round(time.Millisecond),
		)
	}
	if err := w.source.Ack(runCtx, job); err != nil {
		slog.Warn("ack job failed", "invocation_id", job.InvocationID, "error", err)
	}
}

func (w *Worker) keepAlive(ctx context.Context, job Job, stop <-chan struct{}) {
	ticker := time.NewTicker(w.leaseTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		err := w.source.Extend(ctx, job)
		switch {
		case errors.Is(err, ErrLeaseLost):
			slog.Warn("job lease lost while running", "invocation_id", job.InvocationID)
			return
		case err != nil:
			slog.Warn("extend job lease failed", "invocation_id", job.InvocationID, "error", err)
		}
	}
}
