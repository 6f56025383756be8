// Package aigateway is the client for the platform's internal AI gateway
// service, which fronts providers such as Anthropic.
package aigateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/poly-workshop/llm-orchestrator/internal/domain/llm"
	"github.com/poly-workshop/llm-orchestrator/internal/infrastructure/llmprovider/eventstream"
)

// Client implements orchestrator.Gateway against the AI gateway service.
type Client struct {
	baseURL      string
	serviceToken string

	httpClient   *http.Client
	streamClient *http.Client
}

func NewClient(baseURL, serviceToken string, timeout, streamTimeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	if streamTimeout <= 0 {
		streamTimeout = 300 * time.Second
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		serviceToken: serviceToken,
		httpClient:   &http.Client{Timeout: timeout},
		streamClient: &http.Client{Timeout: streamTimeout},
	}
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type generateReq struct {
	Provider    string         `json:"provider"`
	Model       string         `json:"model"`
	Messages    []message      `json:"messages"`
	TaskType    string         `json:"task_type,omitempty"`
	MaxTokens   int            `json:"max_tokens"`
	Temperature float64        `json:"temperature"`
	Context     map[string]any `json:"context,omitempty"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (u *usage) toDomain() *llm.TokenUsage {
	if u == nil {
		return nil
	}
	total := u.TotalTokens
	if total == 0 {
		total = u.PromptTokens + u.CompletionTokens
	}
	return &llm.TokenUsage{PromptTokens: u.PromptTokens, CompletionTokens: u.CompletionTokens, TotalTokens: total}
}

type generateResp struct {
	Content      string `json:"content"`
	Model        string `json:"model"`
	Provider     string `json:"provider"`
	FinishReason string `json:"finish_reason"`
	Usage        *usage `json:"usage"`
}

type streamEvent struct {
	Content *string `json:"content"`
	Delta   *string `json:"delta"`
	Text    *string `json:"text"`
	Usage   *usage  `json:"usage"`
	Error   string  `json:"error"`
}

// token picks the first present of content, delta and text.
func (ev streamEvent) token() string {
	for _, s := range []*string{ev.Content, ev.Delta, ev.Text} {
		if s != nil && *s != "" {
			return *s
		}
	}
	return ""
}

func newGenerateReq(req llm.GenerateRequest) generateReq {
	msgs := make([]message, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, message{Role: m.Role, Content: m.Content})
	}
	return generateReq{
		Provider:    req.Provider,
		Model:       req.Model,
		Messages:    msgs,
		TaskType:    req.TaskType,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Context:     req.Context,
	}
}

func (c *Client) Generate(ctx context.Context, req llm.GenerateRequest) (llm.GenerateResponse, error) {
	resp, err := c.post(ctx, c.httpClient, "/v1/generate", newGenerateReq(req), "application/json")
	if err != nil {
		return llm.GenerateResponse{}, err
	}
	defer resp.Body.Close()

	var out generateResp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return llm.GenerateResponse{}, llm.NewGatewayError(0, "decode ai gateway response: %v", err)
	}
	if out.Provider == "" {
		out.Provider = req.Provider
	}
	if out.Model == "" {
		out.Model = req.Model
	}
	return llm.GenerateResponse{
		Content:      out.Content,
		Provider:     out.Provider,
		Model:        out.Model,
		FinishReason: out.FinishReason,
		Usage:        out.Usage.toDomain(),
	}, nil
}

// GenerateStream forwards every non-empty token in arrival order. Lines that
// are not valid JSON are skipped. An error event ends the stream with a
// gateway error.
func (c *Client) GenerateStream(ctx context.Context, req llm.GenerateRequest, onChunk llm.ChunkHandler) (string, error) {
	resp, err := c.post(ctx, c.streamClient, "/v1/generate_stream", newGenerateReq(req), "text/event-stream")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var full strings.Builder
	var handlerErr error
	err = eventstream.ReadData(resp.Body, func(data string) (bool, error) {
		var ev streamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return false, nil
		}
		if ev.Error != "" {
			return true, llm.NewGatewayError(0, "ai gateway stream error: %s", ev.Error)
		}
		var raw map[string]any
		_ = json.Unmarshal([]byte(data), &raw)

		chunk := llm.StreamChunk{Token: ev.token(), Usage: ev.Usage.toDomain(), Raw: raw}
		if chunk.Token == "" && chunk.Usage == nil {
			return false, nil
		}
		full.WriteString(chunk.Token)
		if err := onChunk(chunk); err != nil {
			handlerErr = err
			return true, err
		}
		return false, nil
	})
	if handlerErr != nil {
		return full.String(), handlerErr
	}
	if err != nil {
		if _, ok := llm.AsGatewayError(err); ok {
			return full.String(), err
		}
		if ctx.Err() != nil {
			return full.String(), ctx.Err()
		}
		return full.String(), llm.NewGatewayError(0, "stream request failed: %v", err)
	}
	return full.String(), nil
}

func (c *Client) Health(ctx context.Context) (llm.HealthResult, error) {
	start := time.Now()
	r, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/health", nil)
	if err != nil {
		return llm.HealthResult{}, err
	}
	resp, err := c.httpClient.Do(r)
	if err != nil {
		return llm.HealthResult{}, llm.NewGatewayError(0, "ai gateway unreachable: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		Status string `json:"status"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&body)
	res := llm.HealthResult{Status: body.Status, Latency: time.Since(start)}
	if resp.StatusCode >= 400 {
		res.Status = "degraded"
		res.Message = resp.Status
	}
	if res.Status == "" {
		res.Status = "ok"
	}
	return res, nil
}

func (c *Client) post(ctx context.Context, client *http.Client, path string, in any, accept string) (*http.Response, error) {
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	r, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("Accept", accept)
	r.Header.Set("Authorization", "Bearer "+c.serviceToken)

	resp, err := client.Do(r)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, llm.NewGatewayError(0, "ai gateway request failed: %v", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := strings.TrimSpace(string(raw))
		if msg == "" {
			msg = resp.Status
		}
		return nil, llm.NewGatewayError(resp.StatusCode, "AI Gateway error: %d: %s", resp.StatusCode, msg)
	}
	return resp, nil
}
