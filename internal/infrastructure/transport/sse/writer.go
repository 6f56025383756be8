// Package sse writes server-sent event frames to an HTTP response.
package sse

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/poly-workshop/llm-orchestrator/internal/infrastructure/transport/framing"
)

var ErrStreamingUnsupported = errors.New("response writer does not support flushing")

type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// Check reports whether w can carry an event stream without writing to it.
func Check(w http.ResponseWriter) error {
	if _, ok := w.(http.Flusher); !ok {
		return ErrStreamingUnsupported
	}
	return nil
}

// NewWriter sends the event-stream headers and a 200 status.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &Writer{w: w, flusher: flusher}, nil
}

// WriteFrame writes "data: <json>\n\n" and flushes.
func (s *Writer) WriteFrame(f framing.Frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	buf := make([]byte, 0, len(b)+8)
	buf = append(buf, "data: "...)
	buf = append(buf, b...)
	buf = append(buf, '\n', '\n')
	if _, err := s.w.Write(buf); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
