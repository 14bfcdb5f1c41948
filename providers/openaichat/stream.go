package openaichat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"

	openai "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/packages/ssestream"
	"goa.design/clue/log"

	"github.com/budchat/budchat/events"
	"github.com/budchat/budchat/providers"
)

// streamer adapts a Chat Completions SSE chunk stream to
// providers.Streamer.
type streamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *ssestream.Stream[openai.ChatCompletionChunk]

	out chan providers.StreamEvent

	errMu    sync.Mutex
	errSet   bool
	finalErr error
}

func newStreamer(ctx context.Context, stream *ssestream.Stream[openai.ChatCompletionChunk]) providers.Streamer {
	cctx, cancel := context.WithCancel(ctx)
	s := &streamer{
		ctx:    cctx,
		cancel: cancel,
		stream: stream,
		out:    make(chan providers.StreamEvent, 32),
	}
	go s.run()
	return s
}

// Recv returns the next normalized event or io.EOF when the stream ends.
func (s *streamer) Recv() (providers.StreamEvent, error) {
	select {
	case ev, ok := <-s.out:
		if ok {
			return ev, nil
		}
		if err := s.err(); err != nil {
			return providers.StreamEvent{}, err
		}
		return providers.StreamEvent{}, io.EOF
	case <-s.ctx.Done():
		err := s.ctx.Err()
		s.setErr(err)
		return providers.StreamEvent{}, err
	}
}

// Close aborts the underlying HTTP stream.
func (s *streamer) Close() error {
	s.cancel()
	if s.stream == nil {
		return nil
	}
	return s.stream.Close()
}

func (s *streamer) run() {
	defer close(s.out)
	defer func() {
		if s.stream != nil {
			_ = s.stream.Close()
		}
	}()

	p := newChunkProcessor(s.emit)
	for {
		select {
		case <-s.ctx.Done():
			s.setErr(s.ctx.Err())
			return
		default:
		}
		if !s.stream.Next() {
			if err := s.stream.Err(); err != nil {
				s.setErr(err)
			} else if err := p.flush(); err != nil {
				s.setErr(err)
			} else if err := s.ctx.Err(); err != nil {
				s.setErr(err)
			}
			return
		}
		if err := p.handle(s.ctx, s.stream.Current()); err != nil {
			s.setErr(err)
			return
		}
	}
}

func (s *streamer) emit(ev providers.StreamEvent) error {
	select {
	case <-s.ctx.Done():
		return s.ctx.Err()
	case s.out <- ev:
		return nil
	}
}

func (s *streamer) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.errSet {
		return
	}
	s.errSet = true
	s.finalErr = err
}

func (s *streamer) err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.finalErr
}

type (
	// chunkProcessor reduces Chat Completions chunks into normalized
	// StreamEvents. Tool calls arrive sliced across chunks keyed by index:
	// the first slice carries id and name, later slices append raw argument
	// fragments. Fragments parse only once the choice finishes.
	chunkProcessor struct {
		emit func(providers.StreamEvent) error

		calls      map[int64]*callBuffer
		finishSeen bool
		stopReason string
		usageSent  bool
	}

	callBuffer struct {
		index int64
		id    string
		name  string
		args  []byte
	}
)

func newChunkProcessor(emit func(providers.StreamEvent) error) *chunkProcessor {
	return &chunkProcessor{
		emit:  emit,
		calls: make(map[int64]*callBuffer),
	}
}

func (p *chunkProcessor) handle(ctx context.Context, chunk openai.ChatCompletionChunk) error {
	// The usage-only terminal chunk has no choices.
	if len(chunk.Choices) == 0 {
		return p.emitUsage(chunk)
	}
	choice := chunk.Choices[0]

	if choice.Delta.Content != "" {
		if err := p.emit(providers.StreamEvent{
			Type: providers.StreamText,
			Text: choice.Delta.Content,
		}); err != nil {
			return err
		}
	}

	for _, tc := range choice.Delta.ToolCalls {
		cb := p.calls[tc.Index]
		if cb == nil {
			cb = &callBuffer{index: tc.Index}
			p.calls[tc.Index] = cb
		}
		if tc.ID != "" && cb.id == "" {
			cb.id = tc.ID
		}
		if tc.Function.Name != "" && cb.name == "" {
			cb.name = tc.Function.Name
			if err := p.emit(providers.StreamEvent{
				Type:     providers.StreamToolStart,
				ToolID:   cb.id,
				ToolName: cb.name,
			}); err != nil {
				return err
			}
		}
		if tc.Function.Arguments != "" {
			cb.args = append(cb.args, tc.Function.Arguments...)
			if err := p.emit(providers.StreamEvent{
				Type:      providers.StreamToolArgsDelta,
				ToolID:    cb.id,
				ToolName:  cb.name,
				ArgsDelta: tc.Function.Arguments,
			}); err != nil {
				return err
			}
		}
	}

	if choice.FinishReason != "" {
		p.finishSeen = true
		p.stopReason = choice.FinishReason
		if err := p.finalizeCalls(); err != nil {
			return err
		}
	}
	if chunk.Usage.TotalTokens > 0 {
		if err := p.emitUsage(chunk); err != nil {
			return err
		}
	}
	if choice.FinishReason != "" {
		log.Debugf(ctx, "openai chat stream: finish reason %q", choice.FinishReason)
	}
	return nil
}

// finalizeCalls parses each accumulated argument buffer and emits the
// completed tool calls in index order. An unparseable final buffer is a
// hard error; mid-stream fragments were allowed to be partial, the final
// state is not.
func (p *chunkProcessor) finalizeCalls() error {
	if len(p.calls) == 0 {
		return nil
	}
	ordered := make([]*callBuffer, 0, len(p.calls))
	for _, cb := range p.calls {
		ordered = append(ordered, cb)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].index < ordered[j].index })
	p.calls = make(map[int64]*callBuffer)

	for _, cb := range ordered {
		raw := cb.args
		if len(raw) == 0 {
			raw = []byte("{}")
		}
		var args map[string]any
		if err := json.Unmarshal(raw, &args); err != nil {
			return fmt.Errorf("openai chat stream: tool %q arguments: %w", cb.id, err)
		}
		if err := p.emit(providers.StreamEvent{
			Type:     providers.StreamToolCall,
			ToolID:   cb.id,
			ToolName: cb.name,
			Args:     args,
		}); err != nil {
			return err
		}
	}
	return nil
}

// flush runs at clean stream end. Some gateways omit the finish_reason
// chunk; pending calls finalize from whatever accumulated, then the stop
// event closes the turn.
func (p *chunkProcessor) flush() error {
	if err := p.finalizeCalls(); err != nil {
		return err
	}
	if !p.finishSeen && p.stopReason == "" {
		p.stopReason = "stop"
	}
	return p.emit(providers.StreamEvent{Type: providers.StreamStop, StopReason: p.stopReason})
}

func (p *chunkProcessor) emitUsage(chunk openai.ChatCompletionChunk) error {
	if p.usageSent || chunk.Usage.TotalTokens == 0 {
		return nil
	}
	p.usageSent = true
	usage := events.TokenUsage{
		InputTokens:  int(chunk.Usage.PromptTokens),
		OutputTokens: int(chunk.Usage.CompletionTokens),
		TotalTokens:  int(chunk.Usage.TotalTokens),
	}
	return p.emit(providers.StreamEvent{Type: providers.StreamUsage, Usage: &usage})
}
