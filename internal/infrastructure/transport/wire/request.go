// Package wire holds the JSON shapes shared by the HTTP and gRPC surfaces.
package wire

import (
	"bytes"
	"encoding/json"
	"io"
	"strconv"
	"strings"

	"github.com/poly-workshop/llm-orchestrator/internal/application/orchestrator"
	"github.com/poly-workshop/llm-orchestrator/internal/domain/llm"
)

const maxBodyBytes = 1 << 20

// GenerateRequest is a decoded generation request. Numeric limits are kept
// as raw scalars; the resolver owns parsing and defaults.
type GenerateRequest struct {
	TaskType    string
	TemplateID  string
	Prompt      string
	Messages    []llm.Message
	MaxTokens   string
	Temperature string
	ReturnURL   string
	Context     map[string]any
	Async       bool
}

// Both camelCase and snake_case keys are accepted; the first present wins.
var aliases = map[string][]string{
	"taskType":    {"taskType", "task_type"},
	"templateId":  {"templateId", "template_id", "ai_template_id"},
	"prompt":      {"prompt"},
	"messages":    {"messages"},
	"maxTokens":   {"maxTokens", "max_tokens"},
	"temperature": {"temperature"},
	"returnUrl":   {"returnUrl", "return_url"},
	"context":     {"context"},
	"async":       {"async"},
}

// DecodeGenerateRequest reads a JSON object body. An empty body decodes to
// an empty request.
func DecodeGenerateRequest(r io.Reader) (GenerateRequest, error) {
	raw, err := io.ReadAll(io.LimitReader(r, maxBodyBytes+1))
	if err != nil {
		return GenerateRequest{}, llm.InvalidArgument("unreadable body")
	}
	if len(raw) > maxBodyBytes {
		return GenerateRequest{}, llm.InvalidArgument("body too large")
	}
	return ParseGenerateRequest(raw)
}

func ParseGenerateRequest(raw []byte) (GenerateRequest, error) {
	var fields map[string]json.RawMessage
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &fields); err != nil {
			return GenerateRequest{}, llm.InvalidArgument("body must be a JSON object")
		}
	}
	get := func(key string) json.RawMessage {
		for _, k := range aliases[key] {
			if v, ok := fields[k]; ok {
				return v
			}
		}
		return nil
	}

	req := GenerateRequest{
		TaskType:    scalar(get("taskType")),
		TemplateID:  scalar(get("templateId")),
		Prompt:      scalar(get("prompt")),
		MaxTokens:   scalar(get("maxTokens")),
		Temperature: scalar(get("temperature")),
		ReturnURL:   scalar(get("returnUrl")),
		Async:       ParseBool(scalar(get("async"))),
	}
	if v := get("messages"); len(v) > 0 && string(v) != "null" {
		var msgs []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		}
		if err := json.Unmarshal(v, &msgs); err != nil {
			return GenerateRequest{}, llm.InvalidArgument("messages must be an array of {role, content}")
		}
		for _, m := range msgs {
			req.Messages = append(req.Messages, llm.Message{Role: m.Role, Content: m.Content})
		}
	}
	if v := get("context"); len(v) > 0 && string(v) != "null" {
		if err := json.Unmarshal(v, &req.Context); err != nil {
			return GenerateRequest{}, llm.InvalidArgument("context must be an object")
		}
	}
	if req.ReturnURL == "" && req.Context != nil {
		if s, ok := req.Context["return_url"].(string); ok {
			req.ReturnURL = s
		}
	}
	return req, nil
}

// Input converts the request into the executor's input.
func (r GenerateRequest) Input() orchestrator.GenerateInput {
	return orchestrator.GenerateInput{
		TaskType:   r.TaskType,
		TemplateID: r.TemplateID,
		Messages:   r.Messages,
		Prompt:     r.Prompt,
		Limits:     orchestrator.Limits{MaxTokens: r.MaxTokens, Temperature: r.Temperature},
		ReturnURL:  r.ReturnURL,
		Extra:      r.Context,
	}
}

// scalar renders a JSON scalar as text: strings unquoted, numbers and bools
// verbatim. Objects, arrays and null yield "".
func scalar(v json.RawMessage) string {
	v = bytes.TrimSpace(v)
	if len(v) == 0 {
		return ""
	}
	switch v[0] {
	case '"':
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return ""
		}
		return strings.TrimSpace(s)
	case '{', '[', 'n':
		return ""
	default:
		return string(v)
	}
}

func ParseBool(s string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(s))
	return err == nil && b
}
