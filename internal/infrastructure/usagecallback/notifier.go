package usagecallback

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/poly-workshop/llm-orchestrator/internal/domain/invocation"
)

// Notifier posts terminal invocations to a webhook in the background.
// Delivery is best effort; failures are logged and dropped.
type Notifier struct {
	sender *Sender
	url    string
	sem    chan struct{}
	wg     sync.WaitGroup
}

func NewNotifier(sender *Sender, url string, maxInflight int) *Notifier {
	if maxInflight <= 0 {
		maxInflight = 16
	}
	return &Notifier{sender: sender, url: url, sem: make(chan struct{}, maxInflight)}
}

// Notify never blocks. When maxInflight deliveries are already pending the
// notification is dropped.
func (n *Notifier) Notify(ctx context.Context, inv invocation.Invocation) {
	if n == nil || n.url == "" || !inv.Status().Terminal() {
		return
	}
	select {
	case n.sem <- struct{}{}:
	default:
		slog.WarnContext(ctx, "usage callback dropped: too many in flight", "invocation_id", inv.ID)
		return
	}

	payload := PayloadFor(inv, time.Now())
	ctx = context.WithoutCancel(ctx)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer func() { <-n.sem }()
		if err := n.sender.Send(ctx, n.url, payload); err != nil {
			slog.WarnContext(ctx, "usage callback failed", "invocation_id", payload.InvocationID, "error", err)
		}
	}()
}

// Wait blocks until pending deliveries finish or ctx is done.
func (n *Notifier) Wait(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func PayloadFor(inv invocation.Invocation, now time.Time) Payload {
	p := Payload{
		InvocationID: inv.ID,
		TenantID:     inv.TenantID,
		ActorID:      inv.ActorID,
		TaskType:     inv.TaskType,
		Provider:     inv.ProviderName,
		Model:        inv.Model,
		Mode:         string(inv.Mode),
		Status:       string(inv.Status()),
		ReturnURL:    inv.Context.ReturnURL,
		OccurredAt:   now.Unix(),
	}
	switch s := inv.State.(type) {
	case invocation.Completed:
		p.Event = "invocation.completed"
		p.DurationMs = s.DurationMs
		p.Usage = &Usage{
			PromptTokens:     s.Usage.PromptTokens,
			CompletionTokens: s.Usage.CompletionTokens,
			TotalTokens:      s.Usage.TotalTokens,
		}
	case invocation.Failed:
		p.Event = "invocation.failed"
		p.DurationMs = s.DurationMs
		p.Error = s.Message
	}
	return p
}
