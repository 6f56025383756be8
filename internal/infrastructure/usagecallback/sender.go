package usagecallback

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const HeaderSignature = "X-Orchestrator-Signature"

type Sender struct {
	client  *http.Client
	timeout time.Duration
	secret  []byte
}

// New returns a sender. When secret is set every body is signed with
// HMAC-SHA256 in the X-Orchestrator-Signature header.
func New(client *http.Client, timeout time.Duration, secret string) *Sender {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &Sender{client: client, timeout: timeout, secret: []byte(secret)}
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type Payload struct {
	Event        string `json:"event"`
	InvocationID string `json:"invocation_id"`
	TenantID     string `json:"tenant_id"`
	ActorID      string `json:"actor_id,omitempty"`
	TaskType     string `json:"task_type"`
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	Mode         string `json:"mode"`
	Status       string `json:"status"`
	Usage        *Usage `json:"usage,omitempty"`
	DurationMs   int64  `json:"duration_ms"`
	Error        string `json:"error,omitempty"`
	ReturnURL    string `json:"return_url,omitempty"`
	OccurredAt   int64  `json:"occurred_at_unix"`
}

func (s *Sender) Send(ctx context.Context, url string, payload Payload) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("usage callback sender not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if len(s.secret) > 0 {
		req.Header.Set(HeaderSignature, "sha256="+Sign(s.secret, b))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("usage callback non-2xx: %s", resp.Status)
	}
	return nil
}

// Sign returns hex(HMAC-SHA256(secret, body)).
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
