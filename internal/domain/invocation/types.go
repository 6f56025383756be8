package invocation

import (
	"errors"
	"time"

	"github.com/poly-workshop/llm-orchestrator/internal/domain/llm"
)

var (
	ErrNotFound = errors.New("invocation not found")
	// ErrTerminal is returned when completing an invocation that already
	// reached completed or failed.
	ErrTerminal = errors.New("invocation already terminal")
	// ErrStale is returned by repositories when a conditional transition finds
	// the stored row no longer in the expected status.
	ErrStale = errors.New("invocation state changed concurrently")
)

// Mode is the execution strategy an invocation was created for.
type Mode string

const (
	ModeSync   Mode = "sync"
	ModeAsync  Mode = "async"
	ModeStream Mode = "stream"
)

// Context is the request shape stored on the invocation and replayed by the
// background worker.
type Context struct {
	Messages    []llm.Message
	MaxTokens   int
	Temperature float64
	ReturnURL   string
	// Extra holds caller supplied context fields forwarded to the gateway.
	Extra map[string]any
}

// Invocation is the auditable record of one generation attempt.
type Invocation struct {
	ID       string
	TenantID string
	ActorID  string

	ProviderConfigID string
	TaskPolicyID     string
	TemplateID       string

	TaskType     string
	ProviderName string
	Model        string
	Mode         Mode

	Context     Context
	Fingerprint string

	State     State
	CreatedAt time.Time
}

func (inv Invocation) Status() Status {
	if inv.State == nil {
		return StatusPending
	}
	return inv.State.Status()
}

// Usage is non-nil only for completed invocations.
func (inv Invocation) Usage() *llm.TokenUsage {
	if c, ok := inv.State.(Completed); ok {
		u := c.Usage
		return &u
	}
	return nil
}

// Content returns the persisted response text of a completed invocation.
func (inv Invocation) Content() string {
	if c, ok := inv.State.(Completed); ok && c.Response != nil {
		return c.Response.Content
	}
	return ""
}

func (inv Invocation) ErrorMessage() string {
	if f, ok := inv.State.(Failed); ok {
		return f.Message
	}
	return ""
}

// Request rebuilds the gateway request from the stored context.
func (inv Invocation) Request() llm.GenerateRequest {
	ctx := make(map[string]any, len(inv.Context.Extra)+2)
	for k, v := range inv.Context.Extra {
		ctx[k] = v
	}
	ctx["tenant_id"] = inv.TenantID
	ctx["user_id"] = inv.ActorID
	return llm.GenerateRequest{
		Provider:    inv.ProviderName,
		Model:       inv.Model,
		Messages:    inv.Context.Messages,
		TaskType:    inv.TaskType,
		MaxTokens:   inv.Context.MaxTokens,
		Temperature: inv.Context.Temperature,
		Context:     ctx,
	}
}
