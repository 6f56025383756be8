package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/poly-workshop/llm-orchestrator/internal/domain/invocation"
	"github.com/poly-workshop/llm-orchestrator/internal/domain/llm"
)

var activeStatuses = []invocation.Status{invocation.StatusPending, invocation.StatusRunning}

// Records owns every lifecycle write to invocation rows.
type Records struct {
	repo  InvocationRepository
	now   func() time.Time
	newID func() string
}

func NewRecords(repo InvocationRepository) *Records {
	return &Records{
		repo:  repo,
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
}

// Create persists inv as pending. ID, CreatedAt and State are assigned here.
func (r *Records) Create(ctx context.Context, inv invocation.Invocation) (invocation.Invocation, error) {
	inv.ID = r.newID()
	inv.CreatedAt = r.now()
	inv.State = invocation.Pending{}
	if err := r.repo.Create(ctx, inv); err != nil {
		return invocation.Invocation{}, fmt.Errorf("create invocation: %w", err)
	}
	return inv, nil
}

// CreateRunning persists inv directly in running, as streaming does.
func (r *Records) CreateRunning(ctx context.Context, inv invocation.Invocation) (invocation.Invocation, error) {
	inv.ID = r.newID()
	inv.CreatedAt = r.now()
	inv.State = invocation.Pending{}.Start(inv.CreatedAt)
	if err := r.repo.Create(ctx, inv); err != nil {
		return invocation.Invocation{}, fmt.Errorf("create invocation: %w", err)
	}
	return inv, nil
}

func (r *Records) MarkRunning(ctx context.Context, id string) (invocation.Invocation, error) {
	inv, err := r.repo.GetByID(ctx, id)
	if err != nil {
		return invocation.Invocation{}, err
	}
	pending, ok := inv.State.(invocation.Pending)
	if !ok {
		return inv, fmt.Errorf("mark running %s: status is %s: %w", id, inv.Status(), invocation.ErrStale)
	}
	next := pending.Start(r.now())
	if err := r.repo.Transition(ctx, id, []invocation.Status{invocation.StatusPending}, next); err != nil {
		return invocation.Invocation{}, fmt.Errorf("mark running %s: %w", id, err)
	}
	inv.State = next
	return inv, nil
}

// Complete moves a pending or running invocation to completed. Completing a
// terminal invocation returns invocation.ErrTerminal.
func (r *Records) Complete(ctx context.Context, id string, usage llm.TokenUsage, durationMs int64, snapshot *invocation.Snapshot) (invocation.Invocation, error) {
	inv, err := r.repo.GetByID(ctx, id)
	if err != nil {
		return invocation.Invocation{}, err
	}
	active, ok := inv.State.(invocation.Active)
	if !ok {
		return inv, invocation.ErrTerminal
	}
	next := active.Complete(r.now(), usage, durationMs, snapshot)
	if err := r.repo.Transition(ctx, id, activeStatuses, next); err != nil {
		if errors.Is(err, invocation.ErrStale) {
			return inv, invocation.ErrTerminal
		}
		return invocation.Invocation{}, fmt.Errorf("complete %s: %w", id, err)
	}
	inv.State = next
	return inv, nil
}

// Fail moves a pending or running invocation to failed. On a terminal
// invocation it is a no-op returning the stored record.
func (r *Records) Fail(ctx context.Context, id, message string) (invocation.Invocation, error) {
	inv, err := r.repo.GetByID(ctx, id)
	if err != nil {
		return invocation.Invocation{}, err
	}
	active, ok := inv.State.(invocation.Active)
	if !ok {
		return inv, nil
	}
	next := active.Fail(r.now(), message)
	if err := r.repo.Transition(ctx, id, activeStatuses, next); err != nil {
		if errors.Is(err, invocation.ErrStale) {
			return r.repo.GetByID(ctx, id)
		}
		return invocation.Invocation{}, fmt.Errorf("fail %s: %w", id, err)
	}
	inv.State = next
	return inv, nil
}

func (r *Records) Get(ctx context.Context, tenantID, id string) (invocation.Invocation, error) {
	if id == "" {
		return invocation.Invocation{}, llm.InvalidArgument("id is required")
	}
	return r.repo.Get(ctx, tenantID, id)
}

func (r *Records) GetByID(ctx context.Context, id string) (invocation.Invocation, error) {
	return r.repo.GetByID(ctx, id)
}
