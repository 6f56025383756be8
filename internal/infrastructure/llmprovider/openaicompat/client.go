// Package openaicompat talks to providers exposing the OpenAI chat
// completions API (OpenAI, DashScope compatible mode, OpenRouter).
package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/poly-workshop/llm-orchestrator/internal/domain/llm"
	"github.com/poly-workshop/llm-orchestrator/internal/infrastructure/llmprovider/eventstream"
)

// Provider implements orchestrator.Gateway for one OpenAI-compatible endpoint.
type Provider struct {
	name    string
	baseURL string
	apiKey  string

	httpClient *http.Client
	// streamClient has no overall timeout; streams are bounded by ctx.
	streamClient *http.Client
}

func NewProvider(name, baseURL, apiKey string, timeout time.Duration) *Provider {
	baseURL = strings.TrimRight(baseURL, "/")
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Provider{
		name:         name,
		baseURL:      baseURL,
		apiKey:       apiKey,
		httpClient:   &http.Client{Timeout: timeout},
		streamClient: &http.Client{},
	}
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatReq struct {
	Model         string         `json:"model"`
	Messages      []message      `json:"messages"`
	Temperature   float64        `json:"temperature"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	User          string         `json:"user,omitempty"`
	Stream        bool           `json:"stream,omitempty"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
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

type choice struct {
	Index        int     `json:"index"`
	Message      message `json:"message"`
	Delta        message `json:"delta"`
	FinishReason string  `json:"finish_reason"`
}

type chatResp struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []choice `json:"choices"`
	Usage   *usage   `json:"usage"`
}

func (p *Provider) buildRequest(req llm.GenerateRequest, stream bool) chatReq {
	msgs := make([]message, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, message{Role: m.Role, Content: m.Content})
	}
	body := chatReq{
		Model:       req.Model,
		Messages:    msgs,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if user, ok := req.Context["user_id"].(string); ok {
		body.User = user
	}
	if stream {
		body.Stream = true
		body.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	return body
}

func (p *Provider) Generate(ctx context.Context, req llm.GenerateRequest) (llm.GenerateResponse, error) {
	var out chatResp
	if err := p.doJSON(ctx, http.MethodPost, "/chat/completions", p.buildRequest(req, false), &out); err != nil {
		return llm.GenerateResponse{}, err
	}
	if len(out.Choices) == 0 {
		return llm.GenerateResponse{}, llm.NewGatewayError(0, "%s returned no choices", p.name)
	}

	model := out.Model
	if model == "" {
		model = req.Model
	}
	return llm.GenerateResponse{
		Content:      out.Choices[0].Message.Content,
		Provider:     p.name,
		Model:        model,
		FinishReason: out.Choices[0].FinishReason,
		Usage:        out.Usage.toDomain(),
	}, nil
}

func (p *Provider) GenerateStream(ctx context.Context, req llm.GenerateRequest, onChunk llm.ChunkHandler) (string, error) {
	resp, err := p.send(ctx, p.streamClient, http.MethodPost, "/chat/completions", p.buildRequest(req, true), "text/event-stream")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var full strings.Builder
	var handlerErr error
	err = eventstream.ReadData(resp.Body, func(data string) (bool, error) {
		var chunk chatResp
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return false, nil
		}
		var raw map[string]any
		_ = json.Unmarshal([]byte(data), &raw)

		c := llm.StreamChunk{Usage: chunk.Usage.toDomain(), Raw: raw}
		if len(chunk.Choices) > 0 {
			c.Token = chunk.Choices[0].Delta.Content
		}
		full.WriteString(c.Token)
		if err := onChunk(c); err != nil {
			handlerErr = err
			return true, err
		}
		return false, nil
	})
	if handlerErr != nil {
		return full.String(), handlerErr
	}
	if err != nil {
		if ctx.Err() != nil {
			return full.String(), ctx.Err()
		}
		return full.String(), llm.NewGatewayError(0, "%s stream interrupted: %v", p.name, err)
	}
	return full.String(), nil
}

// Health lists models as a cheap authenticated probe.
func (p *Provider) Health(ctx context.Context) (llm.HealthResult, error) {
	start := time.Now()
	err := p.doJSON(ctx, http.MethodGet, "/models", nil, nil)
	latency := time.Since(start)
	if err != nil {
		var gwErr *llm.GatewayError
		if errors.As(err, &gwErr) && gwErr.StatusCode != 0 {
			return llm.HealthResult{Status: "degraded", Message: gwErr.Message, Latency: latency}, nil
		}
		return llm.HealthResult{}, err
	}
	return llm.HealthResult{Status: "ok", Latency: latency}, nil
}

func (p *Provider) doJSON(ctx context.Context, method, path string, in any, out any) error {
	resp, err := p.send(ctx, p.httpClient, method, path, in, "application/json")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return llm.NewGatewayError(0, "decode %s response: %v", p.name, err)
	}
	return nil
}

// send performs the request and returns the response only for 2xx statuses.
func (p *Provider) send(ctx context.Context, client *http.Client, method, path string, in any, accept string) (*http.Response, error) {
	if p.apiKey == "" {
		return nil, llm.NewGatewayError(http.StatusServiceUnavailable, "%s api key is empty", p.name)
	}
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(b)
	}

	r, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if in != nil {
		r.Header.Set("Content-Type", "application/json")
	}
	r.Header.Set("Accept", accept)
	r.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := client.Do(r)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, llm.NewGatewayError(0, "%s request failed: %v", p.name, err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := strings.TrimSpace(string(raw))
		if msg == "" {
			msg = resp.Status
		}
		return nil, llm.NewGatewayError(resp.StatusCode, "%s http %d: %s", p.name, resp.StatusCode, msg)
	}
	return resp, nil
}
