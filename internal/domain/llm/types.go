package llm

import "time"

// Message is one role/content pair of a chat-style prompt.
type Message struct {
	Role    string
	Content string
}

type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// GenerateRequest is what the orchestrator hands to a Gateway.
type GenerateRequest struct {
	// Provider is the upstream provider name from the tenant's provider config,
	// e.g. "openai" or "anthropic".
	Provider string
	Model    string

	Messages []Message

	TaskType    string
	MaxTokens   int
	Temperature float64

	// Context is passed through to the gateway untouched (tenant id, actor id,
	// caller supplied context fields).
	Context map[string]any
}

type GenerateResponse struct {
	Content      string
	Provider     string
	Model        string
	FinishReason string

	// Usage is nil when the provider did not report token counts.
	Usage *TokenUsage
}

// StreamChunk is one parsed upstream chunk of a streamed generation.
type StreamChunk struct {
	// Token is the text delta carried by the chunk; may be empty.
	Token string
	// Usage is set when the chunk carried a usage object.
	Usage *TokenUsage
	// Raw is the decoded chunk payload as received.
	Raw map[string]any
}

// ChunkHandler receives chunks in upstream order. Returning an error aborts the
// stream and the error is returned from GenerateStream.
type ChunkHandler func(chunk StreamChunk) error

type HealthResult struct {
	Status  string
	Message string
	Latency time.Duration
}
