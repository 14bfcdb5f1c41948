package stream

import (
	"context"
	"sync"
)

// MemorySink records frames in order. Used by tests and by callers that
// want to inspect a turn's frames after the fact.
type MemorySink struct {
	mu     sync.Mutex
	frames []Frame
	closed bool
}

// NewMemorySink constructs an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Send records the frame.
func (s *MemorySink) Send(_ context.Context, frame Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, frame)
	return nil
}

// Close marks the sink closed. Frames stay readable.
func (s *MemorySink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Frames returns a copy of the recorded frames.
func (s *MemorySink) Frames() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Frame, len(s.frames))
	copy(out, s.frames)
	return out
}

// Types returns the recorded frame types in order.
func (s *MemorySink) Types() []FrameType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]FrameType, len(s.frames))
	for i, f := range s.frames {
		out[i] = f.Type()
	}
	return out
}
