package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/poly-workshop/llm-orchestrator/internal/domain/policy"
)

const taskPolicyColumns = `id, tenant_id, task_type, enabled, allowed_roles, requires_approval,
	model_override, max_tokens_limit, temperature_limit, provider_config_id, settings`

const providerConfigColumns = `id, tenant_id, provider_name, default_model, status, available_models, settings, updated_at`

func (s *Store) TaskPolicy(ctx context.Context, tenantID, taskType string) (policy.TaskPolicy, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskPolicyColumns+` FROM ai_task_policies WHERE tenant_id=$1 AND task_type=$2`,
		tenantID, taskType,
	)
	var (
		p           policy.TaskPolicy
		override    sql.NullString
		maxTokens   sql.NullInt64
		temperature sql.NullFloat64
		pinned      sql.NullString
		settings    []byte
	)
	err := row.Scan(&p.ID, &p.TenantID, &p.TaskType, &p.Enabled, pq.Array(&p.AllowedRoles), &p.RequiresApproval,
		&override, &maxTokens, &temperature, &pinned, &settings)
	if errors.Is(err, sql.ErrNoRows) {
		return policy.TaskPolicy{}, policy.ErrNotFound
	}
	if err != nil {
		return policy.TaskPolicy{}, fmt.Errorf("query task policy: %w", err)
	}
	p.ModelOverride = override.String
	p.ProviderConfigID = pinned.String
	if maxTokens.Valid {
		v := int(maxTokens.Int64)
		p.MaxTokensLimit = &v
	}
	if temperature.Valid {
		v := temperature.Float64
		p.TemperatureLimit = &v
	}
	if p.Settings, err = decodeSettings(settings); err != nil {
		return policy.TaskPolicy{}, err
	}
	return p, nil
}

// ActiveProviderConfig returns the tenant's active config, preferring the most
// recently updated one should the partial unique index ever be missing.
func (s *Store) ActiveProviderConfig(ctx context.Context, tenantID string) (policy.ProviderConfig, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+providerConfigColumns+` FROM ai_provider_configs
		 WHERE tenant_id=$1 AND status='active' ORDER BY updated_at DESC LIMIT 1`,
		tenantID,
	)
	return scanProviderConfig(row)
}

func (s *Store) ProviderConfig(ctx context.Context, tenantID, id string) (policy.ProviderConfig, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+providerConfigColumns+` FROM ai_provider_configs WHERE tenant_id=$1 AND id=$2`,
		tenantID, id,
	)
	return scanProviderConfig(row)
}

func scanProviderConfig(row *sql.Row) (policy.ProviderConfig, error) {
	var (
		c        policy.ProviderConfig
		status   string
		settings []byte
	)
	err := row.Scan(&c.ID, &c.TenantID, &c.ProviderName, &c.DefaultModel, &status, pq.Array(&c.AvailableModels), &settings, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return policy.ProviderConfig{}, policy.ErrNotFound
	}
	if err != nil {
		return policy.ProviderConfig{}, fmt.Errorf("query provider config: %w", err)
	}
	c.Status = policy.ProviderStatus(status)
	if c.Settings, err = decodeSettings(settings); err != nil {
		return policy.ProviderConfig{}, err
	}
	return c, nil
}

func (s *Store) Template(ctx context.Context, tenantID, id string) (policy.Template, error) {
	var (
		t      policy.Template
		status string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, task_type, system_prompt, user_prompt_template, status
		 FROM ai_templates WHERE tenant_id=$1 AND id=$2`,
		tenantID, id,
	).Scan(&t.ID, &t.TenantID, &t.TaskType, &t.SystemPrompt, &t.UserPromptTemplate, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return policy.Template{}, policy.ErrNotFound
	}
	if err != nil {
		return policy.Template{}, fmt.Errorf("query template: %w", err)
	}
	t.Status = policy.TemplateStatus(status)
	return t, nil
}

func (s *Store) PutTaskPolicy(ctx context.Context, p policy.TaskPolicy) error {
	settings, err := encodeSettings(p.Settings)
	if err != nil {
		return err
	}
	var maxTokens sql.NullInt64
	if p.MaxTokensLimit != nil {
		maxTokens = sql.NullInt64{Int64: int64(*p.MaxTokensLimit), Valid: true}
	}
	var temperature sql.NullFloat64
	if p.TemperatureLimit != nil {
		temperature = sql.NullFloat64{Float64: *p.TemperatureLimit, Valid: true}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO ai_task_policies (`+taskPolicyColumns+`, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		 ON CONFLICT (tenant_id, task_type) DO UPDATE SET
		   enabled=EXCLUDED.enabled, allowed_roles=EXCLUDED.allowed_roles,
		   requires_approval=EXCLUDED.requires_approval, model_override=EXCLUDED.model_override,
		   max_tokens_limit=EXCLUDED.max_tokens_limit, temperature_limit=EXCLUDED.temperature_limit,
		   provider_config_id=EXCLUDED.provider_config_id, settings=EXCLUDED.settings,
		   updated_at=EXCLUDED.updated_at`,
		p.ID, p.TenantID, p.TaskType, p.Enabled, pq.Array(p.AllowedRoles), p.RequiresApproval,
		nullString(p.ModelOverride), maxTokens, temperature, nullString(p.ProviderConfigID), settings, s.now(),
	)
	if err != nil {
		return fmt.Errorf("upsert task policy %s/%s: %w", p.TenantID, p.TaskType, err)
	}
	return nil
}

// PutProviderConfig upserts cfg. Activating a config deactivates the
// tenant's other configs in the same transaction.
func (s *Store) PutProviderConfig(ctx context.Context, cfg policy.ProviderConfig) error {
	settings, err := encodeSettings(cfg.Settings)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now()
	if cfg.Active() {
		if _, err := tx.ExecContext(ctx,
			`UPDATE ai_provider_configs SET status='inactive', updated_at=$3
			 WHERE tenant_id=$1 AND id<>$2 AND status='active'`,
			cfg.TenantID, cfg.ID, now,
		); err != nil {
			return fmt.Errorf("deactivate provider configs: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO ai_provider_configs (`+providerConfigColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		 ON CONFLICT (id) DO UPDATE SET
		   provider_name=EXCLUDED.provider_name, default_model=EXCLUDED.default_model,
		   status=EXCLUDED.status, available_models=EXCLUDED.available_models,
		   settings=EXCLUDED.settings, updated_at=EXCLUDED.updated_at`,
		cfg.ID, cfg.TenantID, cfg.ProviderName, cfg.DefaultModel, string(cfg.Status), pq.Array(cfg.AvailableModels), settings, now,
	); err != nil {
		return fmt.Errorf("upsert provider config %s: %w", cfg.ID, err)
	}
	return tx.Commit()
}

func (s *Store) PutTemplate(ctx context.Context, t policy.Template) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ai_templates (id, tenant_id, task_type, system_prompt, user_prompt_template, status, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)
		 ON CONFLICT (id) DO UPDATE SET
		   task_type=EXCLUDED.task_type, system_prompt=EXCLUDED.system_prompt,
		   user_prompt_template=EXCLUDED.user_prompt_template, status=EXCLUDED.status,
		   updated_at=EXCLUDED.updated_at`,
		t.ID, t.TenantID, t.TaskType, t.SystemPrompt, t.UserPromptTemplate, string(t.Status), s.now(),
	)
	if err != nil {
		return fmt.Errorf("upsert template %s: %w", t.ID, err)
	}
	return nil
}

func encodeSettings(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode settings: %w", err)
	}
	return b, nil
}

func decodeSettings(b []byte) (map[string]any, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	return m, nil
}
