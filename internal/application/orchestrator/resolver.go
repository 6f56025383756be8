package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/poly-workshop/llm-orchestrator/internal/domain/policy"
)

const (
	DefaultMaxTokens   = 4096
	DefaultTemperature = 0.7
)

type AdmissionReason string

const (
	ReasonPolicyNotEnabled   AdmissionReason = "policy_not_enabled"
	ReasonRoleNotAuthorized  AdmissionReason = "role_not_authorized"
	ReasonApprovalRequired   AdmissionReason = "approval_required"
	ReasonNoActiveProvider   AdmissionReason = "no_active_provider"
	ReasonGatewayUnavailable AdmissionReason = "gateway_unavailable"
)

// AdmissionError rejects a request before any invocation is recorded.
type AdmissionError struct {
	Reason  AdmissionReason
	Message string
}

func (e *AdmissionError) Error() string { return e.Message }

func (e *AdmissionError) HTTPStatus() int {
	switch e.Reason {
	case ReasonNoActiveProvider, ReasonGatewayUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusForbidden
	}
}

func AsAdmissionError(err error) (*AdmissionError, bool) {
	var ae *AdmissionError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

func admissionError(reason AdmissionReason) *AdmissionError {
	msg := ""
	switch reason {
	case ReasonPolicyNotEnabled:
		msg = "AI task type not enabled"
	case ReasonRoleNotAuthorized:
		msg = "Your role is not authorized for this task type"
	case ReasonApprovalRequired:
		msg = "This AI action requires approval"
	case ReasonNoActiveProvider:
		msg = "No AI provider configured"
	case ReasonGatewayUnavailable:
		msg = "AI provider is not available"
	}
	return &AdmissionError{Reason: reason, Message: msg}
}

// Limits carries the caller's requested values as raw scalars. An empty
// string means the value was not supplied.
type Limits struct {
	MaxTokens   string
	Temperature string
}

// Resolution is everything a generation needs from tenant policy.
type Resolution struct {
	Policy   policy.TaskPolicy
	Provider policy.ProviderConfig
	// Template is nil when the caller named none or it is unusable.
	Template *policy.Template

	Model       string
	MaxTokens   int
	Temperature float64
}

// Resolver decides whether a request is admitted and with which model and
// limits. It has no side effects.
type Resolver struct {
	store PolicyStore
}

func NewResolver(store PolicyStore) *Resolver {
	return &Resolver{store: store}
}

func (r *Resolver) Resolve(ctx context.Context, scope RequestScope, taskType, templateID string, limits Limits) (Resolution, error) {
	p, err := r.store.TaskPolicy(ctx, scope.TenantID, taskType)
	if errors.Is(err, policy.ErrNotFound) {
		return Resolution{}, admissionError(ReasonPolicyNotEnabled)
	}
	if err != nil {
		return Resolution{}, fmt.Errorf("load task policy: %w", err)
	}
	if !p.Enabled {
		return Resolution{}, admissionError(ReasonPolicyNotEnabled)
	}
	if !p.AllowsRoles(scope.Roles) {
		return Resolution{}, admissionError(ReasonRoleNotAuthorized)
	}
	if p.RequiresApproval {
		return Resolution{}, admissionError(ReasonApprovalRequired)
	}

	cfg, err := r.providerConfig(ctx, scope.TenantID, p)
	if err != nil {
		return Resolution{}, err
	}

	tpl, err := r.template(ctx, scope.TenantID, templateID)
	if err != nil {
		return Resolution{}, err
	}

	model := strings.TrimSpace(p.ModelOverride)
	if model == "" {
		model = cfg.DefaultModel
	}

	return Resolution{
		Policy:      p,
		Provider:    cfg,
		Template:    tpl,
		Model:       model,
		MaxTokens:   clampMaxTokens(limits.MaxTokens, p.MaxTokensLimit),
		Temperature: clampTemperature(limits.Temperature, p.TemperatureLimit),
	}, nil
}

// providerConfig prefers the config pinned by the policy while it is active,
// then the tenant's active config.
func (r *Resolver) providerConfig(ctx context.Context, tenantID string, p policy.TaskPolicy) (policy.ProviderConfig, error) {
	if p.ProviderConfigID != "" {
		cfg, err := r.store.ProviderConfig(ctx, tenantID, p.ProviderConfigID)
		switch {
		case err == nil && cfg.Active():
			return cfg, nil
		case err != nil && !errors.Is(err, policy.ErrNotFound):
			return policy.ProviderConfig{}, fmt.Errorf("load pinned provider config: %w", err)
		}
	}
	cfg, err := r.store.ActiveProviderConfig(ctx, tenantID)
	if errors.Is(err, policy.ErrNotFound) {
		return policy.ProviderConfig{}, admissionError(ReasonNoActiveProvider)
	}
	if err != nil {
		return policy.ProviderConfig{}, fmt.Errorf("load provider config: %w", err)
	}
	if !cfg.Active() {
		return policy.ProviderConfig{}, admissionError(ReasonNoActiveProvider)
	}
	return cfg, nil
}

func (r *Resolver) template(ctx context.Context, tenantID, id string) (*policy.Template, error) {
	if id == "" {
		return nil, nil
	}
	tpl, err := r.store.Template(ctx, tenantID, id)
	if errors.Is(err, policy.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load template: %w", err)
	}
	if tpl.Status == policy.TemplateArchived {
		return nil, nil
	}
	return &tpl, nil
}

func clampMaxTokens(raw string, ceiling *int) int {
	v := DefaultMaxTokens
	if n, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil && n > 0 {
		v = n
	}
	if ceiling != nil && *ceiling < v {
		v = *ceiling
	}
	return v
}

func clampTemperature(raw string, ceiling *float64) float64 {
	v := DefaultTemperature
	if f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64); err == nil && f >= 0 && !math.IsInf(f, 0) {
		v = f
	}
	if ceiling != nil && *ceiling < v {
		v = *ceiling
	}
	return v
}
