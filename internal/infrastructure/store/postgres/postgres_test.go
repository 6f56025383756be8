package postgres

import (
	"context"
	"database/sql/driver"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/poly-workshop/llm-orchestrator/internal/domain/invocation"
	"github.com/poly-workshop/llm-orchestrator/internal/domain/llm"
	"github.com/poly-workshop/llm-orchestrator/internal/domain/policy"
)

var fixedNow = time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	s := New(db)
	s.now = func() time.Time { return fixedNow }
	return s, mock
}

func anyArgs(n int) []driver.Value {
	out := make([]driver.Value, n)
	for i := range out {
		out[i] = sqlmock.AnyArg()
	}
	return out
}

func TestMigrate_AppliesPendingFiles(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS schema_migrations`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`)).
		WithArgs("0001_init.sql").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS ai_provider_configs`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO schema_migrations`)).
		WithArgs("0001_init.sql", fixedNow).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_SkipsAppliedFiles(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS schema_migrations`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT EXISTS`)).
		WithArgs("0001_init.sql").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskPolicy(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	cols := []string{"id", "tenant_id", "task_type", "enabled", "allowed_roles", "requires_approval",
		"model_override", "max_tokens_limit", "temperature_limit", "provider_config_id", "settings"}
	mock.ExpectQuery(regexp.QuoteMeta(`FROM ai_task_policies WHERE tenant_id=$1 AND task_type=$2`)).
		WithArgs("t1", "lesson_plan").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"p1", "t1", "lesson_plan", true, "{teacher,admin}", false,
			"gpt-4o", int64(2048), 0.5, nil, `{"tone":"friendly"}`,
		))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM ai_task_policies`)).
		WithArgs("t1", "quiz").
		WillReturnRows(sqlmock.NewRows(cols))

	p, err := s.TaskPolicy(context.Background(), "t1", "lesson_plan")
	require.NoError(t, err)
	require.True(t, p.Enabled)
	require.Equal(t, []string{"teacher", "admin"}, p.AllowedRoles)
	require.Equal(t, "gpt-4o", p.ModelOverride)
	require.Equal(t, 2048, *p.MaxTokensLimit)
	require.Equal(t, 0.5, *p.TemperatureLimit)
	require.Empty(t, p.ProviderConfigID)
	require.Equal(t, "friendly", p.Settings["tone"])

	_, err = s.TaskPolicy(context.Background(), "t1", "quiz")
	require.ErrorIs(t, err, policy.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestActiveProviderConfig(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	cols := []string{"id", "tenant_id", "provider_name", "default_model", "status", "available_models", "settings", "updated_at"}
	mock.ExpectQuery(regexp.QuoteMeta(`WHERE tenant_id=$1 AND status='active' ORDER BY updated_at DESC LIMIT 1`)).
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("c1", "t1", "openai", "gpt-4o-mini", "active", "{gpt-4o-mini,gpt-4o}", "{}", fixedNow))

	cfg, err := s.ActiveProviderConfig(context.Background(), "t1")
	require.NoError(t, err)
	require.True(t, cfg.Active())
	require.Equal(t, "openai", cfg.ProviderName)
	require.Equal(t, []string{"gpt-4o-mini", "gpt-4o"}, cfg.AvailableModels)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPutProviderConfig_DeactivatesOthers(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE ai_provider_configs SET status='inactive'`)).
		WithArgs("t1", "c2", fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO ai_provider_configs`)).
		WithArgs(anyArgs(8)...).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := s.PutProviderConfig(context.Background(), policy.ProviderConfig{
		ID: "c2", TenantID: "t1", ProviderName: "anthropic", DefaultModel: "claude", Status: policy.ProviderActive,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInvocation_CreateAndGet(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	inv := invocation.Invocation{
		ID: "inv-1", TenantID: "t1", ActorID: "u1", ProviderConfigID: "c1", TaskPolicyID: "p1",
		TaskType: "lesson_plan", ProviderName: "openai", Model: "gpt-4o-mini", Mode: invocation.ModeSync,
		Context: invocation.Context{
			Messages:    []llm.Message{{Role: "user", Content: "hi"}},
			MaxTokens:   4096,
			Temperature: 0.7,
		},
		Fingerprint: "abc",
		State:       invocation.Pending{},
		CreatedAt:   fixedNow,
	}
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO ai_invocations`)).
		WithArgs(anyArgs(23)...).
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, s.Create(context.Background(), inv))

	cols := []string{"id", "tenant_id", "actor_id", "provider_config_id", "task_policy_id", "template_id",
		"task_type", "provider_name", "model", "mode", "context", "fingerprint", "status",
		"started_at", "completed_at", "failed_at", "duration_ms", "error_message",
		"prompt_tokens", "completion_tokens", "total_tokens", "response", "created_at"}
	mock.ExpectQuery(regexp.QuoteMeta(`FROM ai_invocations WHERE id=$1 AND tenant_id=$2`)).
		WithArgs("inv-1", "t1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"inv-1", "t1", "u1", "c1", "p1", nil,
			"lesson_plan", "openai", "gpt-4o-mini", "sync",
			`{"messages":[{"role":"user","content":"hi"}],"max_tokens":4096,"temperature":0.7}`, "abc", "completed",
			fixedNow, fixedNow.Add(time.Second), nil, int64(1000), nil,
			int64(10), int64(5), int64(15), `{"content":"hello"}`, fixedNow,
		))

	got, err := s.Get(context.Background(), "t1", "inv-1")
	require.NoError(t, err)
	require.Equal(t, invocation.StatusCompleted, got.Status())
	require.Equal(t, llm.TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}, *got.Usage())
	require.Equal(t, "hello", got.Content())
	require.Equal(t, inv.Context.Messages, got.Context.Messages)
	require.Empty(t, got.TemplateID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransition(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)
	active := []invocation.Status{invocation.StatusPending, invocation.StatusRunning}
	next := invocation.Failed{FailedAt: fixedNow, Message: "boom"}

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE ai_invocations SET`)).
		WithArgs(anyArgs(13)...).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.Transition(context.Background(), "inv-1", active, next))

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE ai_invocations SET`)).
		WithArgs(anyArgs(13)...).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT EXISTS(SELECT 1 FROM ai_invocations WHERE id=$1)`)).
		WithArgs("inv-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	require.ErrorIs(t, s.Transition(context.Background(), "inv-1", active, next), invocation.ErrStale)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE ai_invocations SET`)).
		WithArgs(anyArgs(13)...).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT EXISTS`)).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	require.ErrorIs(t, s.Transition(context.Background(), "missing", active, next), invocation.ErrNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}
