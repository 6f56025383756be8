// Package framing turns executor stream events into client frames and owns
// client disconnect handling for every streaming transport.
package framing

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/poly-workshop/llm-orchestrator/internal/application/orchestrator"
)

// ErrClientGone is returned by Forward when a frame could not be delivered.
var ErrClientGone = errors.New("stream client disconnected")

// Frame is one message to the client. Exactly one of the three shapes is
// used: a token frame, a done frame or an error frame.
type Frame struct {
	Token        string `json:"token,omitempty"`
	Done         bool   `json:"done,omitempty"`
	InvocationID string `json:"invocationId,omitempty"`
	Content      string `json:"content,omitempty"`
	Error        string `json:"error,omitempty"`
}

func (f Frame) Terminal() bool { return f.Done || f.Error != "" }

// MarshalJSON writes done frames with every field present, so an empty
// completion still carries "content":"".
func (f Frame) MarshalJSON() ([]byte, error) {
	if f.Done {
		return json.Marshal(struct {
			Done         bool   `json:"done"`
			InvocationID string `json:"invocationId"`
			Content      string `json:"content"`
		}{Done: true, InvocationID: f.InvocationID, Content: f.Content})
	}
	type plain Frame
	return json.Marshal(plain(f))
}

type Writer interface {
	WriteFrame(Frame) error
}

func FrameFor(ev orchestrator.StreamEvent) Frame {
	switch ev.Kind {
	case orchestrator.EventToken:
		return Frame{Token: ev.Token, InvocationID: ev.InvocationID}
	case orchestrator.EventDone:
		return Frame{Done: true, InvocationID: ev.InvocationID, Content: ev.Content}
	default:
		return Frame{Error: ev.Error}
	}
}

// Forward writes every event to w in order until the producer closes
// events. When a write fails, cancel stops the producer and the remaining
// events are drained so the producer can finish its bookkeeping; Forward then
// returns ErrClientGone.
func Forward(ctx context.Context, cancel context.CancelFunc, events <-chan orchestrator.StreamEvent, w Writer) error {
	var gone bool
	for ev := range events {
		if gone {
			continue
		}
		if ctx.Err() != nil {
			gone = true
			continue
		}
		if err := w.WriteFrame(FrameFor(ev)); err != nil {
			gone = true
			cancel()
		}
	}
	if gone {
		return ErrClientGone
	}
	return nil
}
