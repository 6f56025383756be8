package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/poly-workshop/llm-orchestrator/internal/domain/invocation"
	"github.com/poly-workshop/llm-orchestrator/internal/domain/llm"
)

const invocationColumns = `id, tenant_id, actor_id, provider_config_id, task_policy_id, template_id,
	task_type, provider_name, model, mode, context, fingerprint, status,
	started_at, completed_at, failed_at, duration_ms, error_message,
	prompt_tokens, completion_tokens, total_tokens, response, created_at`

type messageJSON struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type contextJSON struct {
	Messages    []messageJSON  `json:"messages"`
	MaxTokens   int            `json:"max_tokens"`
	Temperature float64        `json:"temperature"`
	ReturnURL   string         `json:"return_url,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
}

type responseJSON struct {
	Content string `json:"content"`
}

func encodeContext(c invocation.Context) ([]byte, error) {
	out := contextJSON{
		Messages:    make([]messageJSON, 0, len(c.Messages)),
		MaxTokens:   c.MaxTokens,
		Temperature: c.Temperature,
		ReturnURL:   c.ReturnURL,
		Extra:       c.Extra,
	}
	for _, m := range c.Messages {
		out.Messages = append(out.Messages, messageJSON{Role: m.Role, Content: m.Content})
	}
	return json.Marshal(out)
}

func decodeContext(b []byte) (invocation.Context, error) {
	var in contextJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return invocation.Context{}, fmt.Errorf("decode invocation context: %w", err)
	}
	c := invocation.Context{
		Messages:    make([]llm.Message, 0, len(in.Messages)),
		MaxTokens:   in.MaxTokens,
		Temperature: in.Temperature,
		ReturnURL:   in.ReturnURL,
		Extra:       in.Extra,
	}
	for _, m := range in.Messages {
		c.Messages = append(c.Messages, llm.Message{Role: m.Role, Content: m.Content})
	}
	return c, nil
}

// stateArgs flattens a state into the column order used by Create and
// Transition: status, started_at, completed_at, failed_at, duration_ms,
// error_message, prompt_tokens, completion_tokens, total_tokens, response.
func stateArgs(s invocation.State) ([]any, error) {
	f := invocation.Flatten(s)
	var (
		duration sql.NullInt64
		errMsg   sql.NullString
		prompt   sql.NullInt64
		compl    sql.NullInt64
		total    sql.NullInt64
		response []byte
	)
	if f.DurationMs != nil {
		duration = sql.NullInt64{Int64: *f.DurationMs, Valid: true}
	}
	if f.ErrorMessage != nil {
		errMsg = sql.NullString{String: *f.ErrorMessage, Valid: true}
	}
	if f.Usage != nil {
		prompt = sql.NullInt64{Int64: int64(f.Usage.PromptTokens), Valid: true}
		compl = sql.NullInt64{Int64: int64(f.Usage.CompletionTokens), Valid: true}
		total = sql.NullInt64{Int64: int64(f.Usage.TotalTokens), Valid: true}
	}
	if f.Response != nil {
		b, err := json.Marshal(responseJSON{Content: f.Response.Content})
		if err != nil {
			return nil, fmt.Errorf("encode response snapshot: %w", err)
		}
		response = b
	}
	return []any{
		string(f.Status), nullTime(f.StartedAt), nullTime(f.CompletedAt), nullTime(f.FailedAt),
		duration, errMsg, prompt, compl, total, response,
	}, nil
}

func (s *Store) Create(ctx context.Context, inv invocation.Invocation) error {
	ctxJSON, err := encodeContext(inv.Context)
	if err != nil {
		return fmt.Errorf("encode invocation context: %w", err)
	}
	state, err := stateArgs(inv.State)
	if err != nil {
		return err
	}
	args := []any{
		inv.ID, inv.TenantID, inv.ActorID, inv.ProviderConfigID, inv.TaskPolicyID, nullString(inv.TemplateID),
		inv.TaskType, inv.ProviderName, inv.Model, string(inv.Mode), ctxJSON, inv.Fingerprint,
	}
	args = append(args, state...)
	args = append(args, inv.CreatedAt)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO ai_invocations (`+invocationColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("insert invocation: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, tenantID, id string) (invocation.Invocation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+invocationColumns+` FROM ai_invocations WHERE id=$1 AND tenant_id=$2`,
		id, tenantID,
	)
	return scanInvocation(row)
}

func (s *Store) GetByID(ctx context.Context, id string) (invocation.Invocation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+invocationColumns+` FROM ai_invocations WHERE id=$1`,
		id,
	)
	return scanInvocation(row)
}

// Transition is a conditional update: rows whose status is not in from are
// left untouched, so a terminal invocation is never overwritten.
func (s *Store) Transition(ctx context.Context, id string, from []invocation.Status, next invocation.State) error {
	state, err := stateArgs(next)
	if err != nil {
		return err
	}
	statuses := make([]string, 0, len(from))
	for _, st := range from {
		statuses = append(statuses, string(st))
	}
	args := append([]any{id}, state...)
	args = append(args, s.now(), pq.Array(statuses))
	res, err := s.db.ExecContext(ctx,
		`UPDATE ai_invocations SET
		   status=$2, started_at=$3, completed_at=$4, failed_at=$5, duration_ms=$6,
		   error_message=$7, prompt_tokens=$8, completion_tokens=$9, total_tokens=$10,
		   response=$11, updated_at=$12
		 WHERE id=$1 AND status = ANY($13)`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("update invocation %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM ai_invocations WHERE id=$1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check invocation %s: %w", id, err)
	}
	if !exists {
		return invocation.ErrNotFound
	}
	return invocation.ErrStale
}

func scanInvocation(row *sql.Row) (invocation.Invocation, error) {
	var (
		inv        invocation.Invocation
		templateID sql.NullString
		mode       string
		ctxJSON    []byte
		status     string
		started    sql.NullTime
		completed  sql.NullTime
		failed     sql.NullTime
		duration   sql.NullInt64
		errMsg     sql.NullString
		prompt     sql.NullInt64
		compl      sql.NullInt64
		total      sql.NullInt64
		response   []byte
	)
	err := row.Scan(
		&inv.ID, &inv.TenantID, &inv.ActorID, &inv.ProviderConfigID, &inv.TaskPolicyID, &templateID,
		&inv.TaskType, &inv.ProviderName, &inv.Model, &mode, &ctxJSON, &inv.Fingerprint, &status,
		&started, &completed, &failed, &duration, &errMsg,
		&prompt, &compl, &total, &response, &inv.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return invocation.Invocation{}, invocation.ErrNotFound
	}
	if err != nil {
		return invocation.Invocation{}, fmt.Errorf("scan invocation: %w", err)
	}
	inv.TemplateID = templateID.String
	inv.Mode = invocation.Mode(mode)
	inv.CreatedAt = inv.CreatedAt.UTC()
	if inv.Context, err = decodeContext(ctxJSON); err != nil {
		return invocation.Invocation{}, err
	}

	f := invocation.Fields{
		Status:      invocation.Status(status),
		StartedAt:   timeFromNull(started),
		CompletedAt: timeFromNull(completed),
		FailedAt:    timeFromNull(failed),
	}
	if duration.Valid {
		f.DurationMs = &duration.Int64
	}
	if errMsg.Valid {
		f.ErrorMessage = &errMsg.String
	}
	if total.Valid {
		f.Usage = &llm.TokenUsage{
			PromptTokens:     int(prompt.Int64),
			CompletionTokens: int(compl.Int64),
			TotalTokens:      int(total.Int64),
		}
	}
	if len(response) > 0 {
		var r responseJSON
		if err := json.Unmarshal(response, &r); err != nil {
			return invocation.Invocation{}, fmt.Errorf("decode response snapshot: %w", err)
		}
		f.Response = &invocation.Snapshot{Content: r.Content}
	}
	if inv.State, err = invocation.Restore(f); err != nil {
		return invocation.Invocation{}, fmt.Errorf("invocation %s: %w", inv.ID, err)
	}
	return inv, nil
}
