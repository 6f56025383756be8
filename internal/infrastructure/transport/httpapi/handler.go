// Package httpapi serves the generation endpoints on a grpc-gateway mux.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"

	"github.com/poly-workshop/llm-orchestrator/internal/application/orchestrator"
	"github.com/poly-workshop/llm-orchestrator/internal/domain/invocation"
	"github.com/poly-workshop/llm-orchestrator/internal/domain/llm"
	"github.com/poly-workshop/llm-orchestrator/internal/infrastructure/auth"
	"github.com/poly-workshop/llm-orchestrator/internal/infrastructure/transport/framing"
	"github.com/poly-workshop/llm-orchestrator/internal/infrastructure/transport/sse"
	"github.com/poly-workshop/llm-orchestrator/internal/infrastructure/transport/wire"
)

// Service is the slice of the executor the HTTP surface needs.
type Service interface {
	Generate(ctx context.Context, scope orchestrator.RequestScope, in orchestrator.GenerateInput) (orchestrator.GenerateResult, error)
	Enqueue(ctx context.Context, scope orchestrator.RequestScope, in orchestrator.GenerateInput) (orchestrator.EnqueueResult, error)
	Stream(ctx context.Context, scope orchestrator.RequestScope, in orchestrator.GenerateInput) (<-chan orchestrator.StreamEvent, error)
	Get(ctx context.Context, scope orchestrator.RequestScope, id string) (invocation.Invocation, error)
	GatewayHealth(ctx context.Context, provider string) (llm.HealthResult, error)
}

type Handler struct {
	svc Service
}

func NewHandler(svc Service) *Handler {
	return &Handler{svc: svc}
}

// Register mounts the routes on mux.
func (h *Handler) Register(mux *runtime.ServeMux) error {
	routes := []struct {
		method, pattern string
		fn              runtime.HandlerFunc
	}{
		{http.MethodPost, "/v1/generations", h.create},
		{http.MethodPost, "/v1/generations/stream", h.stream},
		{http.MethodGet, "/v1/generations/{id}", h.get},
		{http.MethodGet, "/v1/gateways/{provider}/health", h.gatewayHealth},
	}
	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, rt.fn); err != nil {
			return err
		}
	}
	return nil
}

// ScopeFromContext builds the request scope from the authenticated actor.
func ScopeFromContext(ctx context.Context) orchestrator.RequestScope {
	a, _ := auth.ActorFromContext(ctx)
	return orchestrator.RequestScope{TenantID: a.TenantID, ActorID: a.ActorID, Roles: a.Roles}
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	req, err := wire.DecodeGenerateRequest(r.Body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	scope := ScopeFromContext(r.Context())
	async := req.Async || wire.ParseBool(r.URL.Query().Get("async"))

	if async {
		res, err := h.svc.Enqueue(r.Context(), scope, req.Input())
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, wire.NewEnqueueResponse(res))
		return
	}

	res, err := h.svc.Generate(r.Context(), scope, req.Input())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wire.NewGenerateResponse(res))
}

func (h *Handler) stream(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	req, err := wire.DecodeGenerateRequest(r.Body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := sse.Check(w); err != nil {
		writeError(w, r, err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	events, err := h.svc.Stream(ctx, ScopeFromContext(ctx), req.Input())
	if err != nil {
		writeError(w, r, err)
		return
	}

	sw, err := sse.NewWriter(w)
	if err != nil {
		cancel()
		for range events {
		}
		writeError(w, r, err)
		return
	}
	if err := framing.Forward(ctx, cancel, events, sw); err != nil {
		slog.InfoContext(r.Context(), "stream closed early", "error", err)
	}
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request, params map[string]string) {
	inv, err := h.svc.Get(r.Context(), ScopeFromContext(r.Context()), params["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wire.NewInvocationView(inv))
}

func (h *Handler) gatewayHealth(w http.ResponseWriter, r *http.Request, params map[string]string) {
	provider := params["provider"]
	res, err := h.svc.GatewayHealth(r.Context(), provider)
	if err != nil {
		if errors.Is(err, llm.ErrInvalidArgument) {
			writeJSON(w, http.StatusNotFound, wire.ErrorBody{Error: "Unknown provider"})
			return
		}
		writeJSON(w, http.StatusServiceUnavailable, wire.GatewayHealthResponse{Provider: provider, Status: "unavailable", Message: err.Error()})
		return
	}
	status := http.StatusOK
	if res.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, wire.NewGatewayHealthResponse(provider, res))
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := wire.Classify(err)
	if status >= http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
