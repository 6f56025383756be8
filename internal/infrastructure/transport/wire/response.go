package wire

import (
	"time"

	"github.com/poly-workshop/llm-orchestrator/internal/application/orchestrator"
	"github.com/poly-workshop/llm-orchestrator/internal/domain/invocation"
	"github.com/poly-workshop/llm-orchestrator/internal/domain/llm"
)

type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

func usageOf(u llm.TokenUsage) *Usage {
	return &Usage{PromptTokens: u.PromptTokens, CompletionTokens: u.CompletionTokens, TotalTokens: u.TotalTokens}
}

type GenerateResponse struct {
	ID       string `json:"id"`
	Content  string `json:"content"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Usage    *Usage `json:"usage"`
	Status   string `json:"status"`
}

func NewGenerateResponse(r orchestrator.GenerateResult) GenerateResponse {
	return GenerateResponse{
		ID:       r.InvocationID,
		Content:  r.Content,
		Provider: r.Provider,
		Model:    r.Model,
		Usage:    usageOf(r.Usage),
		Status:   string(r.Status),
	}
}

type EnqueueResponse struct {
	InvocationID string `json:"invocationId"`
	Status       string `json:"status"`
	Message      string `json:"message"`
	PollURL      string `json:"pollUrl"`
}

func NewEnqueueResponse(r orchestrator.EnqueueResult) EnqueueResponse {
	return EnqueueResponse{
		InvocationID: r.InvocationID,
		Status:       string(r.Status),
		Message:      r.Message,
		PollURL:      r.PollURL,
	}
}

// InvocationView is the polling snapshot of one invocation. Usage and
// content are present only once completed.
type InvocationView struct {
	ID           string     `json:"id"`
	Status       string     `json:"status"`
	TaskType     string     `json:"taskType"`
	Provider     string     `json:"provider"`
	Model        string     `json:"model"`
	Mode         string     `json:"mode"`
	Usage        *Usage     `json:"usage"`
	Content      *string    `json:"content,omitempty"`
	ErrorMessage *string    `json:"errorMessage,omitempty"`
	DurationMs   *int64     `json:"durationMs,omitempty"`
	ReturnURL    string     `json:"returnUrl,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	FailedAt     *time.Time `json:"failedAt,omitempty"`
}

func NewInvocationView(inv invocation.Invocation) InvocationView {
	f := invocation.Flatten(inv.State)
	v := InvocationView{
		ID:           inv.ID,
		Status:       string(f.Status),
		TaskType:     inv.TaskType,
		Provider:     inv.ProviderName,
		Model:        inv.Model,
		Mode:         string(inv.Mode),
		ErrorMessage: f.ErrorMessage,
		DurationMs:   f.DurationMs,
		ReturnURL:    inv.Context.ReturnURL,
		CreatedAt:    inv.CreatedAt,
		StartedAt:    f.StartedAt,
		CompletedAt:  f.CompletedAt,
		FailedAt:     f.FailedAt,
	}
	if f.Usage != nil {
		v.Usage = usageOf(*f.Usage)
	}
	if f.Response != nil {
		content := f.Response.Content
		v.Content = &content
	}
	return v
}

type GatewayHealthResponse struct {
	Provider  string `json:"provider"`
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	LatencyMs int64  `json:"latencyMs"`
}

func NewGatewayHealthResponse(provider string, h llm.HealthResult) GatewayHealthResponse {
	return GatewayHealthResponse{
		Provider:  provider,
		Status:    h.Status,
		Message:   h.Message,
		LatencyMs: h.Latency.Milliseconds(),
	}
}
