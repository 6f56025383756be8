// Package memoryqueue is an in-process job queue for single binary setups
// where the HTTP server and the worker share one process.
package memoryqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/poly-workshop/llm-orchestrator/internal/application/orchestrator"
)

const defaultLeaseTTL = 60 * time.Second

type lease struct {
	job      orchestrator.Job
	deadline time.Time
}

type Queue struct {
	mu       sync.Mutex
	items    []orchestrator.Job
	inflight map[string]lease
	counter  uint64
	notify   chan struct{}

	leaseTTL time.Duration
	now      func() time.Time
}

type Option func(*Queue)

func WithLeaseTTL(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.leaseTTL = d
		}
	}
}

// WithClock replaces time.Now for lease bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

func New(opts ...Option) *Queue {
	q := &Queue{
		items:    make([]orchestrator.Job, 0, 64),
		inflight: make(map[string]lease),
		notify:   make(chan struct{}, 1),
		leaseTTL: defaultLeaseTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) Enqueue(_ context.Context, job orchestrator.Job) error {
	job.Receipt = ""
	q.mu.Lock()
	q.items = append(q.items, job)
	q.mu.Unlock()
	q.signal()
	return nil
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Claim blocks until a job is available or ctx is done.
func (q *Queue) Claim(ctx context.Context) (orchestrator.Job, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			job := q.items[0]
			q.items = q.items[1:]
			q.counter++
			job.Receipt = fmt.Sprintf("mem:%d", q.counter)
			q.inflight[job.Receipt] = lease{job: job, deadline: q.now().Add(q.leaseTTL)}
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				q.signal()
			}
			return job, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return orchestrator.Job{}, ctx.Err()
		case <-q.notify:
		}
	}
}

func (q *Queue) Ack(_ context.Context, job orchestrator.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, job.Receipt)
	return nil
}

// Extend returns orchestrator.ErrLeaseLost once the claim was requeued or
// acknowledged.
func (q *Queue) Extend(_ context.Context, job orchestrator.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.inflight[job.Receipt]
	if !ok {
		return orchestrator.ErrLeaseLost
	}
	l.deadline = q.now().Add(q.leaseTTL)
	q.inflight[job.Receipt] = l
	return nil
}

// RequeueExpired puts claims whose deadline has passed at the front of the
// queue.
func (q *Queue) RequeueExpired(_ context.Context) (int, error) {
	q.mu.Lock()
	now := q.now()
	var expired []orchestrator.Job
	for receipt, l := range q.inflight {
		if l.deadline.After(now) {
			continue
		}
		job := l.job
		job.Receipt = ""
		expired = append(expired, job)
		delete(q.inflight, receipt)
	}
	if len(expired) > 0 {
		q.items = append(expired, q.items...)
	}
	q.mu.Unlock()
	if len(expired) > 0 {
		q.signal()
	}
	return len(expired), nil
}

// Len reports queued and in-flight jobs.
func (q *Queue) Len() (queued, inflight int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items), len(q.inflight)
}
