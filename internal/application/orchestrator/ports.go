package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/poly-workshop/llm-orchestrator/internal/domain/invocation"
	"github.com/poly-workshop/llm-orchestrator/internal/domain/llm"
	"github.com/poly-workshop/llm-orchestrator/internal/domain/policy"
)

// Gateway is an application port for the upstream AI provider integration.
// One implementation serves one provider name; implementations live in
// infrastructure. Upstream failures are returned as *llm.GatewayError.
type Gateway interface {
	Generate(ctx context.Context, req llm.GenerateRequest) (llm.GenerateResponse, error)
	// GenerateStream calls onChunk for every decoded chunk in arrival order
	// and returns the concatenated text. An error from onChunk aborts the
	// stream and is returned as is.
	GenerateStream(ctx context.Context, req llm.GenerateRequest, onChunk llm.ChunkHandler) (string, error)
	Health(ctx context.Context) (llm.HealthResult, error)
}

// PolicyStore is the read-only view of tenant policy. Lookups that find
// nothing return policy.ErrNotFound.
type PolicyStore interface {
	TaskPolicy(ctx context.Context, tenantID, taskType string) (policy.TaskPolicy, error)
	ActiveProviderConfig(ctx context.Context, tenantID string) (policy.ProviderConfig, error)
	ProviderConfig(ctx context.Context, tenantID, id string) (policy.ProviderConfig, error)
	Template(ctx context.Context, tenantID, id string) (policy.Template, error)
}

// InvocationRepository persists invocation records.
type InvocationRepository interface {
	Create(ctx context.Context, inv invocation.Invocation) error
	// Get is tenant scoped; rows of other tenants are reported as not found.
	Get(ctx context.Context, tenantID, id string) (invocation.Invocation, error)
	// GetByID is used by the background worker, which has no request scope.
	GetByID(ctx context.Context, id string) (invocation.Invocation, error)
	// Transition stores next only while the row's status is one of from.
	// It returns invocation.ErrStale when the row has moved on and
	// invocation.ErrNotFound when it does not exist.
	Transition(ctx context.Context, id string, from []invocation.Status, next invocation.State) error
}

// Job is one queued invocation.
type Job struct {
	InvocationID string    `json:"invocation_id"`
	TenantID     string    `json:"tenant_id"`
	EnqueuedAt   time.Time `json:"enqueued_at"`

	// Receipt is set by the JobSource on claim and handed back on Ack.
	Receipt string `json:"-"`
}

var (
	// ErrNoJob is returned by JobSource.Claim when a poll found nothing.
	ErrNoJob = errors.New("no job available")
	// ErrLeaseLost is returned by JobSource.Extend once the claim expired
	// and was handed back to the queue.
	ErrLeaseLost = errors.New("job lease lost")
)

type JobQueue interface {
	Enqueue(ctx context.Context, job Job) error
}

// JobSource is the consumer side of the queue used by the worker. A claim
// holds a lease that the holder keeps alive with Extend; claims whose lease
// ran out are returned to the queue by RequeueExpired.
type JobSource interface {
	// Claim blocks until a job is available or ctx is done.
	Claim(ctx context.Context) (Job, error)
	Ack(ctx context.Context, job Job) error
	Extend(ctx context.Context, job Job) error
	RequeueExpired(ctx context.Context) (int, error)
}

// Notifier receives every invocation that reached a terminal state.
// Implementations must not block the caller.
type Notifier interface {
	Notify(ctx context.Context, inv invocation.Invocation)
}

// Metrics is the instrumentation port; see metrics.Recorder.
type Metrics interface {
	Admission(taskType, result string)
	Invocation(mode invocation.Mode, status invocation.Status, durationMs int64)
	Tokens(usage llm.TokenUsage, estimated bool)
	StreamDisconnect()
}

type nopMetrics struct{}

func (nopMetrics) Admission(string, string) {}
func (nopMetrics) Invocation(invocation.Mode, invocation.Status, int64) {}
func (nopMetrics) Tokens(llm.TokenUsage, bool) {}
func (nopMetrics) StreamDisconnect() {}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, invocation.Invocation) {}
