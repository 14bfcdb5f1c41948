package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"goa.design/clue/log"

	"github.com/budchat/budchat/events"
	"github.com/budchat/budchat/providers"
)

// streamer adapts an Anthropic Messages SSE stream to providers.Streamer.
type streamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *ssestream.Stream[sdk.MessageStreamEventUnion]

	out chan providers.StreamEvent

	errMu    sync.Mutex
	errSet   bool
	finalErr error
}

func newStreamer(ctx context.Context, stream *ssestream.Stream[sdk.MessageStreamEventUnion]) providers.Streamer {
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
	// chunkProcessor reduces Anthropic stream events into normalized
	// StreamEvents. Tool input JSON accumulates as raw partial fragments per
	// content block and parses only at content_block_stop.
	chunkProcessor struct {
		emit func(providers.StreamEvent) error

		toolBlocks map[int]*toolBuffer
		stopReason string
	}

	toolBuffer struct {
		id        string
		name      string
		fragments []string
		startedAt int64
	}
)

func newChunkProcessor(emit func(providers.StreamEvent) error) *chunkProcessor {
	return &chunkProcessor{
		emit:       emit,
		toolBlocks: make(map[int]*toolBuffer),
	}
}

func (p *chunkProcessor) handle(ctx context.Context, event sdk.MessageStreamEventUnion) error {
	switch ev := event.AsAny().(type) {
	case sdk.MessageStartEvent:
		p.toolBlocks = make(map[int]*toolBuffer)
		p.stopReason = ""
		return nil
	case sdk.ContentBlockStartEvent:
		idx := int(ev.Index)
		if toolUse, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
			if toolUse.ID == "" {
				return errors.New("anthropic stream: tool use block missing id")
			}
			if toolUse.Name == "" {
				return fmt.Errorf("anthropic stream: tool use block %q missing name", toolUse.ID)
			}
			p.toolBlocks[idx] = &toolBuffer{
				id:        toolUse.ID,
				name:      toolUse.Name,
				startedAt: time.Now().UnixMilli(),
			}
			return p.emit(providers.StreamEvent{
				Type:     providers.StreamToolStart,
				ToolID:   toolUse.ID,
				ToolName: toolUse.Name,
			})
		}
		return nil
	case sdk.ContentBlockDeltaEvent:
		idx := int(ev.Index)
		switch delta := ev.Delta.AsAny().(type) {
		case sdk.TextDelta:
			if delta.Text == "" {
				return nil
			}
			return p.emit(providers.StreamEvent{Type: providers.StreamText, Text: delta.Text})
		case sdk.InputJSONDelta:
			if delta.PartialJSON == "" {
				return nil
			}
			tb := p.toolBlocks[idx]
			if tb == nil {
				return nil
			}
			tb.fragments = append(tb.fragments, delta.PartialJSON)
			return p.emit(providers.StreamEvent{
				Type:      providers.StreamToolArgsDelta,
				ToolID:    tb.id,
				ToolName:  tb.name,
				ArgsDelta: delta.PartialJSON,
			})
		case sdk.ThinkingDelta:
			if delta.Thinking == "" {
				return nil
			}
			return p.emit(providers.StreamEvent{
				Type:   providers.StreamReasoningDelta,
				ItemID: fmt.Sprintf("thinking_%d", idx),
				Text:   delta.Thinking,
			})
		default:
			return nil
		}
	case sdk.ContentBlockStopEvent:
		idx := int(ev.Index)
		tb := p.toolBlocks[idx]
		if tb == nil {
			return nil
		}
		delete(p.toolBlocks, idx)
		args, perr := parseToolInput(tb.finalInput())
		if perr != nil {
			// Unparseable final state is a real error, unlike mid-stream
			// fragments.
			return fmt.Errorf("anthropic stream: tool %q input: %w", tb.id, perr)
		}
		return p.emit(providers.StreamEvent{
			Type:     providers.StreamToolCall,
			ToolID:   tb.id,
			ToolName: tb.name,
			Args:     args,
		})
	case sdk.MessageDeltaEvent:
		p.stopReason = string(ev.Delta.StopReason)
		usage := events.TokenUsage{
			InputTokens:  int(ev.Usage.InputTokens),
			OutputTokens: int(ev.Usage.OutputTokens),
			TotalTokens:  int(ev.Usage.InputTokens + ev.Usage.OutputTokens),
		}
		return p.emit(providers.StreamEvent{Type: providers.StreamUsage, Usage: &usage})
	case sdk.MessageStopEvent:
		p.toolBlocks = make(map[int]*toolBuffer)
		return p.emit(providers.StreamEvent{Type: providers.StreamStop, StopReason: p.stopReason})
	default:
		// Unrecognized variants are ignored, not fatal; vendors add event
		// types without notice.
		log.Debugf(ctx, "anthropic stream: ignoring event type %q", event.Type)
		return nil
	}
}

func (tb *toolBuffer) finalInput() string {
	if len(tb.fragments) == 0 {
		return "{}"
	}
	joined := strings.Join(tb.fragments, "")
	if strings.TrimSpace(joined) == "" {
		return "{}"
	}
	return joined
}

func parseToolInput(raw string) (map[string]any, error) {
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, err
	}
	return args, nil
}
