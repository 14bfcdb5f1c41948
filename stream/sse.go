package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// wireFrame is the JSON envelope every sink writes.
type wireFrame struct {
	Type           FrameType `json:"type"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Data           any       `json:"data,omitempty"`
}

// MarshalFrame encodes a frame into its wire JSON.
func MarshalFrame(frame Frame) ([]byte, error) {
	return json.Marshal(wireFrame{
		Type:           frame.Type(),
		ConversationID: frame.ConversationID(),
		Data:           frame.Payload(),
	})
}

// SSESink writes frames as Server-Sent Events, one "data:" line per frame
// followed by a blank line, flushing after every frame so deltas reach the
// client without buffering delay.
type SSESink struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
	closed  bool
}

// NewSSESink wraps w. When w is an http.ResponseWriter the sink sets the
// SSE headers and flushes after each frame.
func NewSSESink(w io.Writer) *SSESink {
	s := &SSESink{w: w}
	if rw, ok := w.(http.ResponseWriter); ok {
		rw.Header().Set("Content-Type", "text/event-stream")
		rw.Header().Set("Cache-Control", "no-cache")
		rw.Header().Set("Connection", "keep-alive")
		if f, ok := w.(http.Flusher); ok {
			s.flusher = f
		}
	}
	return s
}

// Send writes one frame in SSE wire format.
func (s *SSESink) Send(ctx context.Context, frame Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := MarshalFrame(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("sse sink closed")
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

// Close marks the sink closed. The underlying writer is owned by the HTTP
// server and is not closed here.
func (s *SSESink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
