package policy

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")

// TaskPolicy holds a tenant's rules for one task type, e.g. "lesson_plan".
type TaskPolicy struct {
	ID       string
	TenantID string
	TaskType string
	Enabled  bool

	// AllowedRoles is empty when any authenticated actor may invoke the task.
	AllowedRoles     []string
	RequiresApproval bool

	ModelOverride    string
	MaxTokensLimit   *int
	TemperatureLimit *float64

	// ProviderConfigID pins the policy to one provider config. Empty means the
	// tenant's active config.
	ProviderConfigID string

	Settings map[string]any
}

// AllowsRoles reports whether an actor holding roles may invoke the task.
func (p TaskPolicy) AllowsRoles(roles []string) bool {
	if len(p.AllowedRoles) == 0 {
		return true
	}
	for _, allowed := range p.AllowedRoles {
		for _, r := range roles {
			if r == allowed {
				return true
			}
		}
	}
	return false
}

type ProviderStatus string

const (
	ProviderActive   ProviderStatus = "active"
	ProviderInactive ProviderStatus = "inactive"
)

// ProviderConfig selects an upstream provider and default model for a tenant.
// Settings are opaque to the orchestrator.
type ProviderConfig struct {
	ID              string
	TenantID        string
	ProviderName    string
	DefaultModel    string
	Status          ProviderStatus
	AvailableModels []string
	Settings        map[string]any
	UpdatedAt       time.Time
}

func (c ProviderConfig) Active() bool { return c.Status == ProviderActive }

type TemplateStatus string

const (
	TemplateActive   TemplateStatus = "active"
	TemplateArchived TemplateStatus = "archived"
)

type Template struct {
	ID                 string
	TenantID           string
	TaskType           string
	SystemPrompt       string
	UserPromptTemplate string
	Status             TemplateStatus
}
