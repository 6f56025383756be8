package llm

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"
)

// charsPerToken is the coarse ratio used when a provider does not report usage.
const charsPerToken = 4

type fingerprintMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Fingerprint is the hex SHA-256 of the JSON encoded message list. It is an
// audit identifier only and is not used for deduplication.
func Fingerprint(messages []Message) string {
	payload := make([]fingerprintMessage, 0, len(messages))
	for _, m := range messages {
		payload = append(payload, fingerprintMessage{Role: m.Role, Content: m.Content})
	}
	b, _ := json.Marshal(payload)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// EstimateUsage approximates token counts at four characters per token:
// prompt from the concatenated message contents, completion from the
// generated text. It is not a provider accurate count.
func EstimateUsage(messages []Message, completion string) TokenUsage {
	var sb strings.Builder
	for _, m := range messages {
		sb.WriteString(m.Content)
	}
	prompt := estimateTokens(sb.String())
	out := estimateTokens(completion)
	return TokenUsage{
		PromptTokens:     prompt,
		CompletionTokens: out,
		TotalTokens:      prompt + out,
	}
}

func estimateTokens(s string) int {
	n := utf8.RuneCountInString(s)
	return (n + charsPerToken - 1) / charsPerToken
}

// Stopwatch measures elapsed time on the monotonic clock.
type Stopwatch struct {
	start time.Time
}

func StartStopwatch() Stopwatch {
	return Stopwatch{start: time.Now()}
}

// ElapsedMillis returns whole milliseconds since the stopwatch started.
func (s Stopwatch) ElapsedMillis() int64 {
	return time.Since(s.start).Milliseconds()
}
