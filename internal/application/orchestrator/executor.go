package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/poly-workshop/llm-orchestrator/internal/domain/invocation"
	"github.com/poly-workshop/llm-orchestrator/internal/domain/llm"
)

const DefaultSystemPrompt = "You are a helpful K-12 education assistant."

const (
	msgGenerationFailed = "Generation failed"
	msgStreamFailed     = "Stream failed"
	msgEnqueueFailed    = "enqueue failed"
	msgInterrupted      = "worker interrupted before completion"
	msgNotRecorded      = "generation result could not be recorded"
)

// GenerationError is returned once an invocation was recorded and then
// failed. Status is the HTTP status the caller should see.
type GenerationError struct {
	InvocationID string
	Status       int
	Message      string
}

func (e *GenerationError) Error() string { return e.Message }

func (e *GenerationError) HTTPStatus() int {
	if e.Status == 0 {
		return http.StatusBadGateway
	}
	return e.Status
}

// ErrQueueUnavailable is returned by Enqueue when the job could not be queued.
var ErrQueueUnavailable = errors.New("job queue unavailable")

// GenerateInput is a caller's generation request.
type GenerateInput struct {
	TaskType   string
	TemplateID string
	// Messages take precedence over Prompt when at least one is usable.
	Messages  []llm.Message
	Prompt    string
	Limits    Limits
	ReturnURL string
	Extra     map[string]any
}

type GenerateResult struct {
	InvocationID string
	Content      string
	Provider     string
	Model        string
	Usage        llm.TokenUsage
	Status       invocation.Status
}

type EnqueueResult struct {
	InvocationID string
	Status       invocation.Status
	Message      string
	PollURL      string
}

type EventKind int

const (
	EventToken EventKind = iota + 1
	EventDone
	EventError
)

// StreamEvent is one frame produced by Stream. Exactly one Done or Error
// event ends a stream unless the consumer went away first.
type StreamEvent struct {
	Kind         EventKind
	InvocationID string
	Token        string
	Content      string
	Error        string
}

type Options struct {
	Queue    JobQueue
	Notifier Notifier
	Metrics  Metrics
	Tracer   trace.Tracer
	// PollPath is prefixed to the invocation id in async responses.
	PollPath string
}

// Executor runs generations in blocking, queued and streamed modes.
type Executor struct {
	resolver *Resolver
	records  *Records
	gateways map[string]Gateway

	queue    JobQueue
	notifier Notifier
	metrics  Metrics
	tracer   trace.Tracer
	pollPath string
}

func NewExecutor(policies PolicyStore, repo InvocationRepository, gateways map[string]Gateway, opts Options) *Executor {
	e := &Executor{
		resolver: NewResolver(policies),
		records:  NewRecords(repo),
		gateways: gateways,
		queue:    opts.Queue,
		notifier: opts.Notifier,
		metrics:  opts.Metrics,
		tracer:   opts.Tracer,
		pollPath: opts.PollPath,
	}
	if e.notifier == nil {
		e.notifier = nopNotifier{}
	}
	if e.metrics == nil {
		e.metrics = nopMetrics{}
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer("llm-orchestrator")
	}
	if e.pollPath == "" {
		e.pollPath = "/v1/generations/"
	}
	return e
}

// Records exposes the record manager, e.g. for the worker.
func (e *Executor) Records() *Records { return e.records }

type admitted struct {
	inv     invocation.Invocation
	gateway Gateway
}

// admit resolves policy and builds the invocation draft. Nothing is
// persisted when it fails.
func (e *Executor) admit(ctx context.Context, scope RequestScope, mode invocation.Mode, in GenerateInput) (admitted, error) {
	if err := scope.validate(); err != nil {
		return admitted{}, err
	}
	if strings.TrimSpace(in.TaskType) == "" {
		return admitted{}, llm.InvalidArgument("task_type is required")
	}
	res, err := e.resolver.Resolve(ctx, scope, in.TaskType, in.TemplateID, in.Limits)
	if err != nil {
		if ae, ok := AsAdmissionError(err); ok {
			e.metrics.Admission(in.TaskType, string(ae.Reason))
		}
		return admitted{}, err
	}
	gw := e.gateways[res.Provider.ProviderName]
	if gw == nil {
		e.metrics.Admission(in.TaskType, string(ReasonGatewayUnavailable))
		slog.WarnContext(ctx, "no gateway registered for provider", "provider", res.Provider.ProviderName)
		return admitted{}, admissionError(ReasonGatewayUnavailable)
	}

	messages, err := buildMessages(res, in)
	if err != nil {
		e.metrics.Admission(in.TaskType, "invalid")
		return admitted{}, err
	}
	e.metrics.Admission(in.TaskType, "admitted")

	inv := invocation.Invocation{
		TenantID:         scope.TenantID,
		ActorID:          scope.ActorID,
		ProviderConfigID: res.Provider.ID,
		TaskPolicyID:     res.Policy.ID,
		TaskType:         in.TaskType,
		ProviderName:     res.Provider.ProviderName,
		Model:            res.Model,
		Mode:             mode,
		Context: invocation.Context{
			Messages:    messages,
			MaxTokens:   res.MaxTokens,
			Temperature: res.Temperature,
			ReturnURL:   in.ReturnURL,
			Extra:       in.Extra,
		},
		Fingerprint: llm.Fingerprint(messages),
	}
	if res.Template != nil {
		inv.TemplateID = res.Template.ID
	}
	return admitted{inv: inv, gateway: gw}, nil
}

// buildMessages puts the system instruction first, then the caller's
// messages with blank entries dropped, or the prompt as a single user turn.
func buildMessages(res Resolution, in GenerateInput) ([]llm.Message, error) {
	system := DefaultSystemPrompt
	if res.Template != nil && strings.TrimSpace(res.Template.SystemPrompt) != "" {
		system = res.Template.SystemPrompt
	}
	out := []llm.Message{{Role: "system", Content: system}}

	if len(in.Messages) > 0 {
		for _, m := range in.Messages {
			if strings.TrimSpace(m.Role) == "" || strings.TrimSpace(m.Content) == "" {
				continue
			}
			out = append(out, llm.Message{Role: m.Role, Content: m.Content})
		}
	} else if strings.TrimSpace(in.Prompt) != "" {
		out = append(out, llm.Message{Role: "user", Content: in.Prompt})
	}

	if len(out) == 1 {
		return nil, llm.InvalidArgument("prompt or messages is required")
	}
	return out, nil
}

// Generate runs a generation and blocks until the upstream call finishes.
func (e *Executor) Generate(ctx context.Context, scope RequestScope, in GenerateInput) (GenerateResult, error) {
	adm, err := e.admit(ctx, scope, invocation.ModeSync, in)
	if err != nil {
		return GenerateResult{}, err
	}
	inv, err := e.records.Create(ctx, adm.inv)
	if err != nil {
		return GenerateResult{}, err
	}
	running, err := e.records.MarkRunning(ctx, inv.ID)
	if err != nil {
		e.abandon(context.WithoutCancel(ctx), inv, err)
		return GenerateResult{}, err
	}
	return e.execute(ctx, running, adm.gateway)
}

// Enqueue records a pending invocation and hands it to the job queue.
func (e *Executor) Enqueue(ctx context.Context, scope RequestScope, in GenerateInput) (EnqueueResult, error) {
	if e.queue == nil {
		return EnqueueResult{}, ErrQueueUnavailable
	}
	adm, err := e.admit(ctx, scope, invocation.ModeAsync, in)
	if err != nil {
		return EnqueueResult{}, err
	}
	inv, err := e.records.Create(ctx, adm.inv)
	if err != nil {
		return EnqueueResult{}, err
	}

	job := Job{InvocationID: inv.ID, TenantID: inv.TenantID, EnqueuedAt: inv.CreatedAt}
	if err := e.queue.Enqueue(ctx, job); err != nil {
		slog.ErrorContext(ctx, "enqueue invocation failed", "invocation_id", inv.ID, "error", err)
		failed, ferr := e.records.Fail(context.WithoutCancel(ctx), inv.ID, msgEnqueueFailed)
		if ferr != nil {
			slog.WarnContext(ctx, "fail invocation after enqueue error", "invocation_id", inv.ID, "error", ferr)
		} else {
			e.finish(ctx, failed)
		}
		return EnqueueResult{}, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}

	return EnqueueResult{
		InvocationID: inv.ID,
		Status:       invocation.StatusPending,
		Message:      "Generation queued",
		PollURL:      e.pollPath + inv.ID,
	}, nil
}

// RunQueued executes a queued invocation. Terminal invocations are returned
// untouched. A running invocation means an earlier attempt was interrupted;
// it is failed rather than sent upstream twice.
func (e *Executor) RunQueued(ctx context.Context, invocationID string) (invocation.Invocation, error) {
	inv, err := e.records.GetByID(ctx, invocationID)
	if err != nil {
		return invocation.Invocation{}, err
	}
	switch inv.State.(type) {
	case invocation.Completed, invocation.Failed:
		return inv, nil
	case invocation.Running:
		failed, err := e.records.Fail(ctx, inv.ID, msgInterrupted)
		if err != nil {
			return inv, err
		}
		e.finish(ctx, failed)
		return failed, nil
	}

	gw := e.gateways[inv.ProviderName]
	if gw == nil {
		failed, err := e.records.Fail(ctx, inv.ID, "no gateway registered for provider "+inv.ProviderName)
		if err != nil {
			return inv, err
		}
		e.finish(ctx, failed)
		return failed, nil
	}

	inv, err = e.records.MarkRunning(ctx, inv.ID)
	if err != nil {
		return inv, err
	}
	if _, err := e.execute(ctx, inv, gw); err != nil {
		var genErr *GenerationError
		if !errors.As(err, &genErr) {
			return inv, err
		}
	}
	return e.records.GetByID(ctx, inv.ID)
}

// execute is the shared blocking path from a running invocation on.
func (e *Executor) execute(ctx context.Context, inv invocation.Invocation, gw Gateway) (GenerateResult, error) {
	ctx, span := e.startSpan(ctx, "orchestrator.generate", inv)
	defer span.End()

	sw := llm.StartStopwatch()
	resp, err := gw.Generate(ctx, inv.Request())
	writeCtx := context.WithoutCancel(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return GenerateResult{}, e.failExecution(writeCtx, inv, err, msgGenerationFailed)
	}

	usage, estimated := resolveUsage(resp.Usage, inv.Context.Messages, resp.Content)
	done, err := e.records.Complete(writeCtx, inv.ID, usage, sw.ElapsedMillis(), &invocation.Snapshot{Content: resp.Content})
	if err != nil {
		span.RecordError(err)
		e.abandon(writeCtx, inv, err)
		return GenerateResult{}, err
	}
	e.metrics.Tokens(usage, estimated)
	e.finish(writeCtx, done)
	span.SetAttributes(attribute.Int("llm.usage.total_tokens", usage.TotalTokens))

	provider := resp.Provider
	if provider == "" {
		provider = inv.ProviderName
	}
	model := resp.Model
	if model == "" {
		model = inv.Model
	}
	return GenerateResult{
		InvocationID: inv.ID,
		Content:      resp.Content,
		Provider:     provider,
		Model:        model,
		Usage:        usage,
		Status:       invocation.StatusCompleted,
	}, nil
}

// failExecution records the failure and returns the caller facing error.
// Gateway errors keep their message and status; anything else surfaces as
// generic with a 502.
func (e *Executor) failExecution(ctx context.Context, inv invocation.Invocation, cause error, generic string) error {
	out := &GenerationError{InvocationID: inv.ID, Status: http.StatusBadGateway, Message: generic}
	if gwErr, ok := llm.AsGatewayError(cause); ok {
		out.Status = gwErr.HTTPStatus()
		out.Message = gwErr.Message
	}
	slog.WarnContext(ctx, "generation failed",
		"invocation_id", inv.ID,
		"provider", inv.ProviderName,
		"mode", inv.Mode,
		"error", cause,
	)
	failed, err := e.records.Fail(ctx, inv.ID, cause.Error())
	if err != nil {
		slog.ErrorContext(ctx, "record invocation failure", "invocation_id", inv.ID, "error", err)
		return out
	}
	e.finish(ctx, failed)
	return out
}

// abandon fails a row left active by a store error on the way to its next
// state. Rows another writer already moved on are left alone.
func (e *Executor) abandon(ctx context.Context, inv invocation.Invocation, cause error) {
	if errors.Is(cause, invocation.ErrStale) || errors.Is(cause, invocation.ErrTerminal) {
		return
	}
	failed, err := e.records.Fail(ctx, inv.ID, msgNotRecorded)
	if err != nil {
		slog.ErrorContext(ctx, "fail unrecorded invocation", "invocation_id", inv.ID, "cause", cause, "error", err)
		return
	}
	if failed.Status() == invocation.StatusFailed {
		e.finish(ctx, failed)
	}
}

// Stream records a running invocation and returns the event channel fed by
// the upstream stream. Admission errors are returned before anything is
// recorded. The channel is always closed; when ctx is cancelled the producer
// stops without emitting further events and leaves the row running.
func (e *Executor) Stream(ctx context.Context, scope RequestScope, in GenerateInput) (<-chan StreamEvent, error) {
	adm, err := e.admit(ctx, scope, invocation.ModeStream, in)
	if err != nil {
		return nil, err
	}
	inv, err := e.records.CreateRunning(ctx, adm.inv)
	if err != nil {
		return nil, err
	}
	events := make(chan StreamEvent)
	go e.produce(ctx, inv, adm.gateway, events)
	return events, nil
}

func (e *Executor) produce(ctx context.Context, inv invocation.Invocation, gw Gateway, events chan<- StreamEvent) {
	defer close(events)
	ctx, span := e.startSpan(ctx, "orchestrator.stream", inv)
	defer span.End()

	send := func(ev StreamEvent) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	sw := llm.StartStopwatch()
	var reported *llm.TokenUsage
	chunks := 0
	full, err := gw.GenerateStream(ctx, inv.Request(), func(c llm.StreamChunk) error {
		if c.Usage != nil {
			u := *c.Usage
			reported = &u
		}
		if c.Token == "" {
			return nil
		}
		chunks++
		if !send(StreamEvent{Kind: EventToken, InvocationID: inv.ID, Token: c.Token}) {
			return ctx.Err()
		}
		return nil
	})
	writeCtx := context.WithoutCancel(ctx)
	span.SetAttributes(attribute.Int("stream.chunks", chunks))

	if err != nil && ctx.Err() != nil {
		e.metrics.StreamDisconnect()
		slog.InfoContext(writeCtx, "stream consumer disconnected", "invocation_id", inv.ID, "chunks", chunks)
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		genErr := e.failExecution(writeCtx, inv, err, msgStreamFailed)
		send(StreamEvent{Kind: EventError, InvocationID: inv.ID, Error: genErr.Error()})
		return
	}

	usage, estimated := resolveUsage(reported, inv.Context.Messages, full)
	done, err := e.records.Complete(writeCtx, inv.ID, usage, sw.ElapsedMillis(), &invocation.Snapshot{Content: full})
	if err != nil {
		span.RecordError(err)
		slog.ErrorContext(writeCtx, "complete streamed invocation", "invocation_id", inv.ID, "error", err)
		e.abandon(writeCtx, inv, err)
		send(StreamEvent{Kind: EventError, InvocationID: inv.ID, Error: msgStreamFailed})
		return
	}
	e.metrics.Tokens(usage, estimated)
	e.finish(writeCtx, done)
	send(StreamEvent{Kind: EventDone, InvocationID: inv.ID, Content: full})
}

// Get returns the caller's tenant scoped invocation.
func (e *Executor) Get(ctx context.Context, scope RequestScope, id string) (invocation.Invocation, error) {
	if err := scope.validate(); err != nil {
		return invocation.Invocation{}, err
	}
	return e.records.Get(ctx, scope.TenantID, id)
}

// GatewayHealth probes the adapter registered for provider.
func (e *Executor) GatewayHealth(ctx context.Context, provider string) (llm.HealthResult, error) {
	gw := e.gateways[provider]
	if gw == nil {
		return llm.HealthResult{}, llm.InvalidArgument("unknown provider: " + provider)
	}
	return gw.Health(ctx)
}

// finish publishes a terminal invocation to metrics and the notifier.
func (e *Executor) finish(ctx context.Context, inv invocation.Invocation) {
	var durationMs int64
	switch s := inv.State.(type) {
	case invocation.Completed:
		durationMs = s.DurationMs
	case invocation.Failed:
		durationMs = s.DurationMs
	}
	e.metrics.Invocation(inv.Mode, inv.Status(), durationMs)
	e.notifier.Notify(ctx, inv)
}

func (e *Executor) startSpan(ctx context.Context, name string, inv invocation.Invocation) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("invocation.id", inv.ID),
		attribute.String("tenant", inv.TenantID),
		attribute.String("invocation.mode", string(inv.Mode)),
		attribute.String("llm.provider", inv.ProviderName),
		attribute.String("llm.model", inv.Model),
	))
}

// resolveUsage prefers provider reported usage and falls back to the
// character based estimate.
func resolveUsage(reported *llm.TokenUsage, messages []llm.Message, completion string) (llm.TokenUsage, bool) {
	if reported != nil {
		return *reported, false
	}
	return llm.EstimateUsage(messages, completion), true
}
