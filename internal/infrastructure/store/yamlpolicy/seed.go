// Package yamlpolicy loads tenant policy from a YAML seed file into a store.
package yamlpolicy

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/poly-workshop/llm-orchestrator/internal/domain/policy"
)

// Seeder is implemented by stores that accept policy writes.
type Seeder interface {
	PutTaskPolicy(ctx context.Context, p policy.TaskPolicy) error
	PutProviderConfig(ctx context.Context, cfg policy.ProviderConfig) error
	PutTemplate(ctx context.Context, t policy.Template) error
}

type File struct {
	Tenants []Tenant `yaml:"tenants"`
}

type Tenant struct {
	ID              string           `yaml:"id"`
	ProviderConfigs []ProviderConfig `yaml:"provider_configs"`
	TaskPolicies    []TaskPolicy     `yaml:"task_policies"`
	Templates       []Template       `yaml:"templates"`
}

type ProviderConfig struct {
	ID              string         `yaml:"id"`
	ProviderName    string         `yaml:"provider_name"`
	DefaultModel    string         `yaml:"default_model"`
	Status          string         `yaml:"status"`
	AvailableModels []string       `yaml:"available_models"`
	Settings        map[string]any `yaml:"settings"`
}

type TaskPolicy struct {
	ID               string         `yaml:"id"`
	TaskType         string         `yaml:"task_type"`
	Enabled          bool           `yaml:"enabled"`
	AllowedRoles     []string       `yaml:"allowed_roles"`
	RequiresApproval bool           `yaml:"requires_approval"`
	ModelOverride    string         `yaml:"model_override"`
	MaxTokensLimit   *int           `yaml:"max_tokens_limit"`
	TemperatureLimit *float64       `yaml:"temperature_limit"`
	ProviderConfigID string         `yaml:"provider_config_id"`
	Settings         map[string]any `yaml:"settings"`
}

type Template struct {
	ID                 string `yaml:"id"`
	TaskType           string `yaml:"task_type"`
	SystemPrompt       string `yaml:"system_prompt"`
	UserPromptTemplate string `yaml:"user_prompt_template"`
	Status             string `yaml:"status"`
}

func Load(path string) (File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read policy seed: %w", err)
	}
	return Parse(raw)
}

func Parse(raw []byte) (File, error) {
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return File{}, fmt.Errorf("parse policy seed: %w", err)
	}
	if err := f.validate(); err != nil {
		return File{}, err
	}
	return f, nil
}

func (f File) validate() error {
	for i, t := range f.Tenants {
		if strings.TrimSpace(t.ID) == "" {
			return fmt.Errorf("tenants[%d]: missing id", i)
		}
		active := 0
		for j, c := range t.ProviderConfigs {
			if c.ID == "" || c.ProviderName == "" || c.DefaultModel == "" {
				return fmt.Errorf("tenant %s provider_configs[%d]: id, provider_name and default_model are required", t.ID, j)
			}
			switch policy.ProviderStatus(c.Status) {
			case policy.ProviderActive:
				active++
			case policy.ProviderInactive, "":
			default:
				return fmt.Errorf("tenant %s provider config %s: unknown status %q", t.ID, c.ID, c.Status)
			}
		}
		if active > 1 {
			return fmt.Errorf("tenant %s: more than one active provider config", t.ID)
		}
		for j, p := range t.TaskPolicies {
			if p.TaskType == "" {
				return fmt.Errorf("tenant %s task_policies[%d]: missing task_type", t.ID, j)
			}
		}
		for j, tpl := range t.Templates {
			if tpl.ID == "" {
				return fmt.Errorf("tenant %s templates[%d]: missing id", t.ID, j)
			}
		}
	}
	return nil
}

// Apply writes every entry of f into s. Provider configs go first so that
// policies can pin them.
func Apply(ctx context.Context, s Seeder, f File) error {
	for _, t := range f.Tenants {
		for _, c := range t.ProviderConfigs {
			status := policy.ProviderStatus(c.Status)
			if status == "" {
				status = policy.ProviderInactive
			}
			if err := s.PutProviderConfig(ctx, policy.ProviderConfig{
				ID:              c.ID,
				TenantID:        t.ID,
				ProviderName:    c.ProviderName,
				DefaultModel:    c.DefaultModel,
				Status:          status,
				AvailableModels: c.AvailableModels,
				Settings:        c.Settings,
			}); err != nil {
				return err
			}
		}
		for _, p := range t.TaskPolicies {
			id := p.ID
			if id == "" {
				id = t.ID + ":" + p.TaskType
			}
			if err := s.PutTaskPolicy(ctx, policy.TaskPolicy{
				ID:               id,
				TenantID:         t.ID,
				TaskType:         p.TaskType,
				Enabled:          p.Enabled,
				AllowedRoles:     p.AllowedRoles,
				RequiresApproval: p.RequiresApproval,
				ModelOverride:    p.ModelOverride,
				MaxTokensLimit:   p.MaxTokensLimit,
				TemperatureLimit: p.TemperatureLimit,
				ProviderConfigID: p.ProviderConfigID,
				Settings:         p.Settings,
			}); err != nil {
				return err
			}
		}
		for _, tpl := range t.Templates {
			status := policy.TemplateStatus(tpl.Status)
			if status == "" {
				status = policy.TemplateActive
			}
			if err := s.PutTemplate(ctx, policy.Template{
				ID:                 tpl.ID,
				TenantID:           t.ID,
				TaskType:           tpl.TaskType,
				SystemPrompt:       tpl.SystemPrompt,
				UserPromptTemplate: tpl.UserPromptTemplate,
				Status:             status,
			}); err != nil {
				return err
			}
		}
	}
	return nil
}
