package orchestrator

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/poly-workshop/llm-orchestrator/internal/domain/invocation"
	"github.com/poly-workshop/llm-orchestrator/internal/domain/llm"
	"github.com/poly-workshop/llm-orchestrator/internal/domain/policy"
)

const testTenant = "tenant-1"

var teacherScope = RequestScope{TenantID: testTenant, ActorID: "user-1", Roles: []string{"teacher"}}

type harness struct {
	policies *fakePolicies
	repo     *fakeRepo
	gateway  *fakeGateway
	queue    *fakeQueue
	notifier *recordingNotifier
	exec     *Executor
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		policies: newFakePolicies(),
		repo:     newFakeRepo(),
		gateway: &fakeGateway{resp: llm.GenerateResponse{
			Content:  "A lesson about fractions.",
			Provider: "openai",
			Model:    "gpt-4o-mini",
			Usage:    &llm.TokenUsage{PromptTokens: 12, CompletionTokens: 30, TotalTokens: 42},
		}},
		queue:    &fakeQueue{},
		notifier: &recordingNotifier{},
	}
	h.policies.policies[testTenant+"/lesson_plan"] = policy.TaskPolicy{
		ID:       "policy-1",
		TenantID: testTenant,
		TaskType: "lesson_plan",
		Enabled:  true,
	}
	h.policies.configs = []policy.ProviderConfig{{
		ID:           "cfg-1",
		TenantID:     testTenant,
		ProviderName: "openai",
		DefaultModel: "gpt-4o-mini",
		Status:       policy.ProviderActive,
	}}
	h.exec = NewExecutor(h.policies, h.repo, map[string]Gateway{"openai": h.gateway}, Options{
		Queue:    h.queue,
		Notifier: h.notifier,
	})
	return h
}

func (h *harness) setPolicy(fn func(p *policy.TaskPolicy)) {
	p := h.policies.policies[testTenant+"/lesson_plan"]
	fn(&p)
	h.policies.policies[testTenant+"/lesson_plan"] = p
}

func lessonInput() GenerateInput {
	return GenerateInput{TaskType: "lesson_plan", Prompt: "Create a lesson on fractions"}
}

func TestGenerate_Completes(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	res, err := h.exec.Generate(context.Background(), teacherScope, lessonInput())
	require.NoError(t, err)
	require.Equal(t, invocation.StatusCompleted, res.Status)
	require.Equal(t, "A lesson about fractions.", res.Content)
	require.Equal(t, llm.TokenUsage{PromptTokens: 12, CompletionTokens: 30, TotalTokens: 42}, res.Usage)

	inv := h.repo.only()
	require.Equal(t, res.InvocationID, inv.ID)
	require.Equal(t, invocation.StatusCompleted, inv.Status())
	require.Equal(t, invocation.ModeSync, inv.Mode)
	require.Equal(t, "A lesson about fractions.", inv.Content())
	require.Equal(t, 42, inv.Usage().TotalTokens)
	require.Equal(t, llm.Fingerprint(inv.Context.Messages), inv.Fingerprint)
	require.Equal(t, []invocation.Status{invocation.StatusCompleted}, h.notifier.statuses())

	// System instruction first, then the prompt as a user turn.
	require.Equal(t, []llm.Message{
		{Role: "system", Content: DefaultSystemPrompt},
		{Role: "user", Content: "Create a lesson on fractions"},
	}, h.gateway.lastReq.Messages)
	require.Equal(t, DefaultMaxTokens, h.gateway.lastReq.MaxTokens)
	require.Equal(t, DefaultTemperature, h.gateway.lastReq.Temperature)
}

func TestGenerate_EstimatesMissingUsage(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.gateway.resp = llm.GenerateResponse{Content: strings.Repeat("x", 40)}

	res, err := h.exec.Generate(context.Background(), teacherScope, lessonInput())
	require.NoError(t, err)

	want := llm.EstimateUsage(h.repo.only().Context.Messages, strings.Repeat("x", 40))
	require.Equal(t, want, res.Usage)
	require.Equal(t, 10, res.Usage.CompletionTokens)
	require.Equal(t, "openai", res.Provider)
	require.Equal(t, "gpt-4o-mini", res.Model)
}

func TestGenerate_AdmissionFailuresRecordNothing(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(h *harness)
		scope  RequestScope
		reason AdmissionReason
		status int
	}{
		{
			name:   "missing policy",
			mutate: func(h *harness) { delete(h.policies.policies, testTenant+"/lesson_plan") },
			reason: ReasonPolicyNotEnabled,
			status: http.StatusForbidden,
		},
		{
			name:   "disabled policy",
			mutate: func(h *harness) { h.setPolicy(func(p *policy.TaskPolicy) { p.Enabled = false }) },
			reason: ReasonPolicyNotEnabled,
			status: http.StatusForbidden,
		},
		{
			name: "role not allowed",
			mutate: func(h *harness) {
				h.setPolicy(func(p *policy.TaskPolicy) { p.AllowedRoles = []string{"admin"} })
			},
			reason: ReasonRoleNotAuthorized,
			status: http.StatusForbidden,
		},
		{
			name:   "approval required",
			mutate: func(h *harness) { h.setPolicy(func(p *policy.TaskPolicy) { p.RequiresApproval = true }) },
			reason: ReasonApprovalRequired,
			status: http.StatusForbidden,
		},
		{
			name:   "no active provider",
			mutate: func(h *harness) { h.policies.configs[0].Status = policy.ProviderInactive },
			reason: ReasonNoActiveProvider,
			status: http.StatusServiceUnavailable,
		},
		{
			name:   "no gateway for provider",
			mutate: func(h *harness) { h.policies.configs[0].ProviderName = "bedrock" },
			reason: ReasonGatewayUnavailable,
			status: http.StatusServiceUnavailable,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			tc.mutate(h)

			_, err := h.exec.Generate(context.Background(), teacherScope, lessonInput())
			ae, ok := AsAdmissionError(err)
			require.True(t, ok, "expected admission error, got %v", err)
			require.Equal(t, tc.reason, ae.Reason)
			require.Equal(t, tc.status, ae.HTTPStatus())
			require.Zero(t, h.repo.count())
			require.Zero(t, h.gateway.callCount())
		})
	}
}

func TestApprovalRequired_RejectedInEveryMode(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.setPolicy(func(p *policy.TaskPolicy) { p.RequiresApproval = true })
	ctx := context.Background()

	_, err := h.exec.Generate(ctx, teacherScope, lessonInput())
	require.Equal(t, "This AI action requires approval", err.Error())
	_, err = h.exec.Enqueue(ctx, teacherScope, lessonInput())
	require.Equal(t, "This AI action requires approval", err.Error())
	_, err = h.exec.Stream(ctx, teacherScope, lessonInput())
	require.Equal(t, "This AI action requires approval", err.Error())

	require.Zero(t, h.repo.count())
	require.Empty(t, h.queue.jobs)
}

func TestGenerate_MissingPromptIsInvalid(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	in := GenerateInput{TaskType: "lesson_plan", Messages: []llm.Message{{Role: "user", Content: "  "}, {Role: "", Content: "hi"}}}
	_, err := h.exec.Generate(context.Background(), teacherScope, in)
	require.ErrorIs(t, err, llm.ErrInvalidArgument)
	require.Zero(t, h.repo.count())
}

func TestGenerate_UnauthenticatedScope(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	_, err := h.exec.Generate(context.Background(), RequestScope{TenantID: testTenant}, lessonInput())
	require.ErrorIs(t, err, ErrUnauthenticated)
	require.Zero(t, h.repo.count())
}

func TestGenerate_MessagesAndTemplate(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.policies.templates["tpl-1"] = policy.Template{
		ID:           "tpl-1",
		TenantID:     testTenant,
		TaskType:     "lesson_plan",
		SystemPrompt: "You write standards aligned lessons.",
		Status:       policy.TemplateActive,
	}

	in := GenerateInput{
		TaskType:   "lesson_plan",
		TemplateID: "tpl-1",
		Prompt:     "ignored when messages are present",
		Messages: []llm.Message{
			{Role: "user", Content: "Grade 5"},
			{Role: "assistant", Content: ""},
			{Role: "user", Content: "Fractions"},
		},
	}
	_, err := h.exec.Generate(context.Background(), teacherScope, in)
	require.NoError(t, err)
	require.Equal(t, []llm.Message{
		{Role: "system", Content: "You write standards aligned lessons."},
		{Role: "user", Content: "Grade 5"},
		{Role: "user", Content: "Fractions"},
	}, h.gateway.lastReq.Messages)
	require.Equal(t, "tpl-1", h.repo.only().TemplateID)
}

func TestGenerate_GatewayErrorCarriesStatus(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.gateway.err = llm.NewGatewayError(http.StatusTooManyRequests, "rate limited upstream")

	_, err := h.exec.Generate(context.Background(), teacherScope, lessonInput())
	var genErr *GenerationError
	require.True(t, errors.As(err, &genErr))
	require.Equal(t, http.StatusTooManyRequests, genErr.HTTPStatus())
	require.Equal(t, "rate limited upstream", genErr.Message)

	inv := h.repo.only()
	require.Equal(t, invocation.StatusFailed, inv.Status())
	require.Equal(t, "rate limited upstream", inv.ErrorMessage())
	require.Nil(t, inv.Usage())
	require.Equal(t, []invocation.Status{invocation.StatusFailed}, h.notifier.statuses())
}

func TestGenerate_OtherErrorIsGeneric(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.gateway.err = errBoom

	_, err := h.exec.Generate(context.Background(), teacherScope, lessonInput())
	var genErr *GenerationError
	require.True(t, errors.As(err, &genErr))
	require.Equal(t, http.StatusBadGateway, genErr.HTTPStatus())
	require.Equal(t, "Generation failed", genErr.Message)
	require.Equal(t, "boom", h.repo.only().ErrorMessage())
}

func TestGenerate_StoreFailureDoesNotStrandRow(t *testing.T) {
	t.Parallel()

	for _, broken := range []invocation.Status{invocation.StatusRunning, invocation.StatusCompleted} {
		t.Run(string(broken), func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			h.repo.breakOnce[broken] = errBoom

			_, err := h.exec.Generate(context.Background(), teacherScope, lessonInput())
			require.ErrorIs(t, err, errBoom)

			row := h.repo.only()
			require.Equal(t, invocation.StatusFailed, row.Status())
			require.Equal(t, msgNotRecorded, row.State.(invocation.Failed).Message)
			require.Equal(t, []invocation.Status{invocation.StatusFailed}, h.notifier.statuses())
		})
	}
}

func TestResolvedLimitsReachGateway(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	maxTokens := 2048
	temp := 0.5
	h.setPolicy(func(p *policy.TaskPolicy) {
		p.ModelOverride = "gpt-4o"
		p.MaxTokensLimit = &maxTokens
		p.TemperatureLimit = &temp
	})

	in := lessonInput()
	in.Limits = Limits{MaxTokens: "8000", Temperature: "1.5"}
	_, err := h.exec.Generate(context.Background(), teacherScope, in)
	require.NoError(t, err)
	require.Equal(t, "gpt-4o", h.gateway.lastReq.Model)
	require.Equal(t, 2048, h.gateway.lastReq.MaxTokens)
	require.Equal(t, 0.5, h.gateway.lastReq.Temperature)
	require.Equal(t, "lesson_plan", h.gateway.lastReq.TaskType)
}

func TestEnqueue_ThenRunQueued(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.exec.Enqueue(ctx, teacherScope, lessonInput())
	require.NoError(t, err)
	require.Equal(t, invocation.StatusPending, res.Status)
	require.Equal(t, "/v1/generations/"+res.InvocationID, res.PollURL)
	require.Len(t, h.queue.jobs, 1)
	require.Equal(t, res.InvocationID, h.queue.jobs[0].InvocationID)

	inv, err := h.exec.Get(ctx, teacherScope, res.InvocationID)
	require.NoError(t, err)
	require.Equal(t, invocation.StatusPending, inv.Status())
	require.Equal(t, invocation.ModeAsync, inv.Mode)
	require.Zero(t, h.gateway.callCount())

	done, err := h.exec.RunQueued(ctx, res.InvocationID)
	require.NoError(t, err)
	require.Equal(t, invocation.StatusCompleted, done.Status())
	require.Equal(t, 1, h.gateway.callCount())

	// Terminal rows are not executed again.
	again, err := h.exec.RunQueued(ctx, res.InvocationID)
	require.NoError(t, err)
	require.Equal(t, invocation.StatusCompleted, again.Status())
	require.Equal(t, 1, h.gateway.callCount())
}

func TestRunQueued_GatewayFailureIsRecorded(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.gateway.err = llm.NewGatewayError(0, "upstream unavailable")
	ctx := context.Background()

	res, err := h.exec.Enqueue(ctx, teacherScope, lessonInput())
	require.NoError(t, err)

	inv, err := h.exec.RunQueued(ctx, res.InvocationID)
	require.NoError(t, err)
	require.Equal(t, invocation.StatusFailed, inv.Status())
	require.Equal(t, "upstream unavailable", inv.ErrorMessage())
}

func TestRunQueued_InterruptedRunningRowIsFailed(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.exec.Enqueue(ctx, teacherScope, lessonInput())
	require.NoError(t, err)
	_, err = h.exec.Records().MarkRunning(ctx, res.InvocationID)
	require.NoError(t, err)

	inv, err := h.exec.RunQueued(ctx, res.InvocationID)
	require.NoError(t, err)
	require.Equal(t, invocation.StatusFailed, inv.Status())
	require.Zero(t, h.gateway.callCount())
}

func TestEnqueue_QueueFailureFailsRow(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.queue.err = errBoom

	_, err := h.exec.Enqueue(context.Background(), teacherScope, lessonInput())
	require.ErrorIs(t, err, ErrQueueUnavailable)

	inv := h.repo.only()
	require.Equal(t, invocation.StatusFailed, inv.Status())
	require.Equal(t, "enqueue failed", inv.ErrorMessage())
}

func TestGet_IsTenantScoped(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.exec.Generate(ctx, teacherScope, lessonInput())
	require.NoError(t, err)

	other := RequestScope{TenantID: "tenant-2", ActorID: "user-9"}
	_, err = h.exec.Get(ctx, other, res.InvocationID)
	require.ErrorIs(t, err, invocation.ErrNotFound)
}

func collect(t *testing.T, events <-chan StreamEvent) []StreamEvent {
	t.Helper()
	var out []StreamEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("stream did not close")
		}
	}
}

func TestStream_TokensThenDone(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.gateway.chunks = []llm.StreamChunk{{Token: "Hel"}, {Token: ""}, {Token: "lo"}, {Token: " world"}}

	events, err := h.exec.Stream(context.Background(), teacherScope, lessonInput())
	require.NoError(t, err)
	got := collect(t, events)

	require.Len(t, got, 4)
	require.Equal(t, []string{"Hel", "lo", " world"}, []string{got[0].Token, got[1].Token, got[2].Token})
	for _, ev := range got[:3] {
		require.Equal(t, EventToken, ev.Kind)
	}
	require.Equal(t, EventDone, got[3].Kind)
	require.Equal(t, "Hello world", got[3].Content)

	inv := h.repo.only()
	require.Equal(t, got[3].InvocationID, inv.ID)
	require.Equal(t, invocation.StatusCompleted, inv.Status())
	require.Equal(t, invocation.ModeStream, inv.Mode)
	require.Equal(t, "Hello world", inv.Content())
	require.Equal(t, llm.EstimateUsage(inv.Context.Messages, "Hello world"), *inv.Usage())
}

func TestStream_StoreFailureFailsRow(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.gateway.chunks = []llm.StreamChunk{{Token: "Hi"}}
	h.repo.breakOnce[invocation.StatusCompleted] = errBoom

	events, err := h.exec.Stream(context.Background(), teacherScope, lessonInput())
	require.NoError(t, err)
	got := collect(t, events)

	require.Len(t, got, 2)
	require.Equal(t, EventError, got[1].Kind)
	require.Equal(t, invocation.StatusFailed, h.repo.only().Status())
}

func TestStream_ReportedUsageWins(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.gateway.chunks = []llm.StreamChunk{
		{Token: "a", Usage: &llm.TokenUsage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2}},
		{Usage: &llm.TokenUsage{PromptTokens: 7, CompletionTokens: 3, TotalTokens: 10}},
	}

	events, err := h.exec.Stream(context.Background(), teacherScope, lessonInput())
	require.NoError(t, err)
	got := collect(t, events)
	require.Equal(t, EventDone, got[len(got)-1].Kind)
	require.Equal(t, llm.TokenUsage{PromptTokens: 7, CompletionTokens: 3, TotalTokens: 10}, *h.repo.only().Usage())
}

func TestStream_GatewayErrorEndsWithOneErrorFrame(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.gateway.chunks = []llm.StreamChunk{{Token: "partial"}}
	h.gateway.streamErr = llm.NewGatewayError(http.StatusBadGateway, "upstream reset")

	events, err := h.exec.Stream(context.Background(), teacherScope, lessonInput())
	require.NoError(t, err)
	got := collect(t, events)

	require.Len(t, got, 2)
	require.Equal(t, EventToken, got[0].Kind)
	require.Equal(t, EventError, got[1].Kind)
	require.Equal(t, "upstream reset", got[1].Error)

	inv := h.repo.only()
	require.Equal(t, invocation.StatusFailed, inv.Status())
	require.Equal(t, "upstream reset", inv.ErrorMessage())
}

func TestStream_OtherErrorIsGeneric(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.gateway.streamErr = errBoom

	events, err := h.exec.Stream(context.Background(), teacherScope, lessonInput())
	require.NoError(t, err)
	got := collect(t, events)

	require.Len(t, got, 1)
	require.Equal(t, EventError, got[0].Kind)
	require.Equal(t, "Stream failed", got[0].Error)
	require.Equal(t, "boom", h.repo.only().ErrorMessage())
}

func TestStream_ConsumerDisconnectLeavesRowRunning(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.gateway.chunks = []llm.StreamChunk{{Token: "first"}}
	h.gateway.blockAfterChunks = true

	ctx, cancel := context.WithCancel(context.Background())
	events, err := h.exec.Stream(ctx, teacherScope, lessonInput())
	require.NoError(t, err)

	first := <-events
	require.Equal(t, "first", first.Token)
	cancel()

	rest := collect(t, events)
	require.Empty(t, rest)

	inv := h.repo.only()
	require.Equal(t, invocation.StatusRunning, inv.Status())
	require.Nil(t, inv.Usage())
	require.Empty(t, h.notifier.statuses())
}

func TestGatewayHealth(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	res, err := h.exec.GatewayHealth(context.Background(), "openai")
	require.NoError(t, err)
	require.Equal(t, "ok", res.Status)

	_, err = h.exec.GatewayHealth(context.Background(), "nope")
	require.ErrorIs(t, err, llm.ErrInvalidArgument)
}
