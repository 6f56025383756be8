package orchestrator

import (
	"context"
	"testing"

	"github.com/poly-workshop/llm-orchestrator/internal/domain/policy"
)

func intPtr(v int) *int { return &v }
func floatPtr(v float64) *float64 { return &v }

func TestClampMaxTokens(t *testing.T) {
	t.Parallel()

	cases := []struct {
		raw     string
		ceiling *int
		want    int
	}{
		{raw: "", want: 4096},
		{raw: "abc", want: 4096},
		{raw: "0", want: 4096},
		{raw: "-5", want: 4096},
		{raw: " 512 ", want: 512},
		{raw: "8000", ceiling: intPtr(2048), want: 2048},
		{raw: "1000", ceiling: intPtr(2048), want: 1000},
		{raw: "", ceiling: intPtr(2048), want: 2048},
		{raw: "", ceiling: intPtr(8192), want: 4096},
	}
	for _, tc := range cases {
		if got := clampMaxTokens(tc.raw, tc.ceiling); got != tc.want {
			t.Fatalf("clampMaxTokens(%q, %v) = %d, want %d", tc.raw, tc.ceiling, got, tc.want)
		}
	}
}

func TestClampTemperature(t *testing.T) {
	t.Parallel()

	cases := []struct {
		raw     string
		ceiling *float64
		want    float64
	}{
		{raw: "", want: 0.7},
		{raw: "warm", want: 0.7},
		{raw: "-0.1", want: 0.7},
		{raw: "NaN", want: 0.7},
		{raw: "Inf", want: 0.7},
		{raw: "0", want: 0},
		{raw: "1.2", want: 1.2},
		{raw: "1.5", ceiling: floatPtr(0.5), want: 0.5},
		{raw: "0.2", ceiling: floatPtr(0.5), want: 0.2},
		{raw: "", ceiling: floatPtr(1.0), want: 0.7},
	}
	for _, tc := range cases {
		if got := clampTemperature(tc.raw, tc.ceiling); got != tc.want {
			t.Fatalf("clampTemperature(%q, %v) = %v, want %v", tc.raw, tc.ceiling, got, tc.want)
		}
	}
}

func TestResolve_ModelAndProviderSelection(t *testing.T) {
	t.Parallel()

	store := newFakePolicies()
	store.policies[testTenant+"/quiz"] = policy.TaskPolicy{ID: "p", TenantID: testTenant, TaskType: "quiz", Enabled: true}
	store.configs = []policy.ProviderConfig{
		{ID: "active", TenantID: testTenant, ProviderName: "openai", DefaultModel: "gpt-4o-mini", Status: policy.ProviderActive},
		{ID: "pinned", TenantID: testTenant, ProviderName: "anthropic", DefaultModel: "claude", Status: policy.ProviderActive},
		{ID: "retired", TenantID: testTenant, ProviderName: "dashscope", DefaultModel: "qwen", Status: policy.ProviderInactive},
	}
	r := NewResolver(store)
	ctx := context.Background()

	res, err := r.Resolve(ctx, teacherScope, "quiz", "", Limits{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Provider.ID != "active" || res.Model != "gpt-4o-mini" {
		t.Fatalf("expected active config default model, got %s/%s", res.Provider.ID, res.Model)
	}

	p := store.policies[testTenant+"/quiz"]
	p.ProviderConfigID = "pinned"
	p.ModelOverride = "claude-sonnet"
	store.policies[testTenant+"/quiz"] = p
	res, err = r.Resolve(ctx, teacherScope, "quiz", "", Limits{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Provider.ID != "pinned" || res.Model != "claude-sonnet" {
		t.Fatalf("expected pinned config with override, got %s/%s", res.Provider.ID, res.Model)
	}

	// An inactive pinned config falls back to the tenant's active config.
	p.ProviderConfigID = "retired"
	p.ModelOverride = "  "
	store.policies[testTenant+"/quiz"] = p
	res, err = r.Resolve(ctx, teacherScope, "quiz", "", Limits{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Provider.ID != "active" || res.Model != "gpt-4o-mini" {
		t.Fatalf("expected fallback to active config, got %s/%s", res.Provider.ID, res.Model)
	}
}

func TestResolve_RolesAndTemplates(t *testing.T) {
	t.Parallel()

	store := newFakePolicies()
	store.policies[testTenant+"/quiz"] = policy.TaskPolicy{
		TenantID: testTenant, TaskType: "quiz", Enabled: true, AllowedRoles: []string{"teacher", "admin"},
	}
	store.configs = []policy.ProviderConfig{{ID: "c", TenantID: testTenant, ProviderName: "openai", DefaultModel: "m", Status: policy.ProviderActive}}
	store.templates["archived"] = policy.Template{ID: "archived", TenantID: testTenant, SystemPrompt: "old", Status: policy.TemplateArchived}
	store.templates["other-tenant"] = policy.Template{ID: "other-tenant", TenantID: "tenant-2", SystemPrompt: "x", Status: policy.TemplateActive}
	r := NewResolver(store)
	ctx := context.Background()

	student := RequestScope{TenantID: testTenant, ActorID: "s", Roles: []string{"student"}}
	_, err := r.Resolve(ctx, student, "quiz", "", Limits{})
	if ae, ok := AsAdmissionError(err); !ok || ae.Reason != ReasonRoleNotAuthorized {
		t.Fatalf("expected role_not_authorized, got %v", err)
	}

	for _, id := range []string{"archived", "other-tenant", "missing"} {
		res, err := r.Resolve(ctx, teacherScope, "quiz", id, Limits{})
		if err != nil {
			t.Fatalf("resolve with template %s: %v", id, err)
		}
		if res.Template != nil {
			t.Fatalf("template %s must not be used", id)
		}
	}
}
