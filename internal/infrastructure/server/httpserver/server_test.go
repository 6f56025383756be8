package httpserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/poly-workshop/llm-orchestrator/internal/application/orchestrator"
	"github.com/poly-workshop/llm-orchestrator/internal/domain/llm"
	"github.com/poly-workshop/llm-orchestrator/internal/infrastructure/auth"
	"github.com/poly-workshop/llm-orchestrator/internal/infrastructure/health"
	"github.com/poly-workshop/llm-orchestrator/internal/infrastructure/metrics"
	"github.com/poly-workshop/llm-orchestrator/internal/infrastructure/store/memory"
	"github.com/poly-workshop/llm-orchestrator/internal/infrastructure/transport/httpapi"
)

func newAPI(t *testing.T, mgr *auth.Manager) http.Handler {
	t.Helper()
	store := memory.NewStore()
	exec := orchestrator.NewExecutor(store, store, map[string]orchestrator.Gateway{}, orchestrator.Options{})
	srv, err := New(":0", httpapi.NewHandler(exec), mgr, CORS{AllowedOrigins: []string{"https://app.example.com"}})
	require.NoError(t, err)
	return srv.Handler()
}

func TestServer_RequiresCredentialsWhenAuthEnabled(t *testing.T) {
	t.Parallel()
	h := newAPI(t, auth.NewManager([]auth.ServiceToken{{Name: "lms", Token: "s3cret"}}, "", ""))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/generations/abc", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/generations/abc", nil)
	req.Header.Set(auth.HeaderServiceToken, "s3cret")
	req.Header.Set(auth.HeaderTenantID, "t1")
	req.Header.Set(auth.HeaderActorID, "u1")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Contains(t, rec.Body.String(), "Invocation not found")
}

func TestServer_CORSPreflightSkipsAuth(t *testing.T) {
	t.Parallel()
	h := newAPI(t, auth.NewManager([]auth.ServiceToken{{Name: "lms", Token: "s3cret"}}, "", ""))

	req := httptest.NewRequest(http.MethodOptions, "/v1/generations", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "content-type,x-tenant-id")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestServer_UnknownGatewayHealth(t *testing.T) {
	t.Parallel()
	h := newAPI(t, auth.NewManager(nil, "", ""))

	req := httptest.NewRequest(http.MethodGet, "/v1/gateways/openai/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthServer(t *testing.T) {
	t.Parallel()
	rec := metrics.NewRecorder()
	rec.Tokens(llm.TokenUsage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2}, false)

	failing := health.PingChecker(func(context.Context) error { return context.DeadlineExceeded })
	srv, err := NewHealth(":0", map[string]health.ReadyzChecker{"database": failing}, rec.Handler())
	require.NoError(t, err)
	h := srv.Handler()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/livez", nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.Contains(t, w.Body.String(), "database")

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, strings.Contains(w.Body.String(), "orchestrator_tokens_total"))
}
