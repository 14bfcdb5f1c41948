package openairesponses

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/openai/openai-go/v2/packages/ssestream"
	"github.com/openai/openai-go/v2/responses"
	"goa.design/clue/log"

	"github.com/budchat/budchat/events"
	"github.com/budchat/budchat/providers"
)

// streamer adapts the Responses semantic event stream to
// providers.Streamer.
type streamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *ssestream.Stream[responses.ResponseStreamEventUnion]

	out chan providers.StreamEvent

	errMu    sync.Mutex
	errSet   bool
	finalErr error
}

func newStreamer(ctx context.Context, stream *ssestream.Stream[responses.ResponseStreamEventUnion]) providers.Streamer {
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

	p := newEventProcessor(s.emit)
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
	// eventProcessor reduces the Responses event taxonomy into normalized
	// StreamEvents. Item-scoped deltas key on the vendor item id; tool
	// argument fragments accumulate per item and parse only when the item
	// completes.
	eventProcessor struct {
		emit func(providers.StreamEvent) error

		calls map[string]*callState
	}

	callState struct {
		callID      string
		name        string
		serverLabel string
		fragments   []string
	}
)

func newEventProcessor(emit func(providers.StreamEvent) error) *eventProcessor {
	return &eventProcessor{
		emit:  emit,
		calls: make(map[string]*callState),
	}
}

func (p *eventProcessor) handle(ctx context.Context, event responses.ResponseStreamEventUnion) error {
	switch ev := event.AsAny().(type) {
	case responses.ResponseCreatedEvent, responses.ResponseInProgressEvent:
		return nil

	case responses.ResponseOutputItemAddedEvent:
		return p.itemAdded(ev.Item)

	case responses.ResponseTextDeltaEvent:
		if ev.Delta == "" {
			return nil
		}
		return p.emit(providers.StreamEvent{
			Type:   providers.StreamText,
			ItemID: ev.ItemID,
			Text:   ev.Delta,
		})

	case responses.ResponseReasoningSummaryPartAddedEvent:
		return p.emit(providers.StreamEvent{
			Type:         providers.StreamReasoningPartAdd,
			ItemID:       ev.ItemID,
			SummaryIndex: int(ev.SummaryIndex),
			Text:         ev.Part.Text,
		})

	case responses.ResponseReasoningSummaryTextDeltaEvent:
		if ev.Delta == "" {
			return nil
		}
		return p.emit(providers.StreamEvent{
			Type:         providers.StreamReasoningDelta,
			ItemID:       ev.ItemID,
			SummaryIndex: int(ev.SummaryIndex),
			Text:         ev.Delta,
		})

	case responses.ResponseReasoningSummaryPartDoneEvent:
		return p.emit(providers.StreamEvent{
			Type:         providers.StreamReasoningPartDone,
			ItemID:       ev.ItemID,
			SummaryIndex: int(ev.SummaryIndex),
		})

	case responses.ResponseFunctionCallArgumentsDeltaEvent:
		return p.argsDelta(ev.ItemID, ev.Delta)

	case responses.ResponseMcpCallArgumentsDeltaEvent:
		return p.argsDelta(ev.ItemID, ev.Delta)

	case responses.ResponseOutputItemDoneEvent:
		return p.itemDone(ev.Item)

	case responses.ResponseWebSearchCallInProgressEvent:
		return p.builtInStatus(events.WebSearchCallSegment{ItemID: ev.ItemID, Status: events.BuiltInInProgress})
	case responses.ResponseWebSearchCallSearchingEvent:
		return p.builtInStatus(events.WebSearchCallSegment{ItemID: ev.ItemID, Status: events.BuiltInSearching})
	case responses.ResponseWebSearchCallCompletedEvent:
		return p.builtInStatus(events.WebSearchCallSegment{ItemID: ev.ItemID, Status: events.BuiltInCompleted})

	case responses.ResponseCodeInterpreterCallInProgressEvent:
		return p.builtInStatus(events.CodeInterpreterCallSegment{ItemID: ev.ItemID, Status: events.BuiltInInProgress})
	case responses.ResponseCodeInterpreterCallInterpretingEvent:
		return p.builtInStatus(events.CodeInterpreterCallSegment{ItemID: ev.ItemID, Status: events.BuiltInInterpreting})
	case responses.ResponseCodeInterpreterCallCompletedEvent:
		return p.builtInStatus(events.CodeInterpreterCallSegment{ItemID: ev.ItemID, Status: events.BuiltInCompleted})

	case responses.ResponseCompletedEvent:
		return p.completed(&ev.Response)
	case responses.ResponseIncompleteEvent:
		return p.completed(&ev.Response)
	case responses.ResponseFailedEvent:
		if reason := ev.Response.Error.Message; reason != "" {
			return fmt.Errorf("openai responses stream: response failed: %s", reason)
		}
		return fmt.Errorf("openai responses stream: response failed")
	case responses.ResponseErrorEvent:
		return fmt.Errorf("openai responses stream: %s", ev.Message)

	default:
		// Unrecognized variants are ignored, not fatal; the taxonomy grows
		// without notice.
		log.Debugf(ctx, "openai responses stream: ignoring event type %q", event.Type)
		return nil
	}
}

// itemAdded announces new output items so consumers can open segments
// before any delta arrives.
func (p *eventProcessor) itemAdded(item responses.ResponseOutputItemUnion) error {
	switch out := item.AsAny().(type) {
	case responses.ResponseReasoningItem:
		return p.emit(providers.StreamEvent{
			Type:   providers.StreamReasoningStart,
			ItemID: out.ID,
		})
	case responses.ResponseFunctionToolCall:
		p.calls[out.ID] = &callState{callID: out.CallID, name: out.Name}
		return p.emit(providers.StreamEvent{
			Type:     providers.StreamToolStart,
			ToolID:   out.CallID,
			ToolName: out.Name,
		})
	case responses.ResponseOutputItemMcpCall:
		p.calls[out.ID] = &callState{callID: out.ID, name: out.Name, serverLabel: out.ServerLabel}
		return p.emit(providers.StreamEvent{
			Type:     providers.StreamToolStart,
			ToolID:   out.ID,
			ToolName: out.Name,
		})
	case responses.ResponseFunctionWebSearch:
		return p.builtInStatus(events.WebSearchCallSegment{ItemID: out.ID, Status: events.BuiltInInProgress})
	case responses.ResponseCodeInterpreterToolCall:
		return p.builtInStatus(events.CodeInterpreterCallSegment{ItemID: out.ID, Status: events.BuiltInInProgress})
	default:
		return nil
	}
}

// itemDone closes out an item with its authoritative final payload.
func (p *eventProcessor) itemDone(item responses.ResponseOutputItemUnion) error {
	switch out := item.AsAny().(type) {
	case responses.ResponseOutputMessage:
		var text strings.Builder
		for _, content := range out.Content {
			text.WriteString(content.Text)
		}
		return p.emit(providers.StreamEvent{
			Type:   providers.StreamTextFinal,
			ItemID: out.ID,
			Text:   text.String(),
		})
	case responses.ResponseFunctionToolCall:
		cs := p.call(out.ID, out.CallID, out.Name, "")
		delete(p.calls, out.ID)
		args, err := parseFinalArgs(out.Arguments, cs.fragments)
		if err != nil {
			return fmt.Errorf("openai responses stream: tool %q arguments: %w", cs.callID, err)
		}
		return p.emit(providers.StreamEvent{
			Type:     providers.StreamToolCall,
			ToolID:   cs.callID,
			ToolName: cs.name,
			Args:     args,
		})
	case responses.ResponseOutputItemMcpCall:
		cs := p.call(out.ID, out.ID, out.Name, out.ServerLabel)
		delete(p.calls, out.ID)
		args, err := parseFinalArgs(out.Arguments, cs.fragments)
		if err != nil {
			return fmt.Errorf("openai responses stream: mcp call %q arguments: %w", out.ID, err)
		}
		if err := p.emit(providers.StreamEvent{
			Type:     providers.StreamToolCall,
			ToolID:   out.ID,
			ToolName: cs.name,
			Args:     args,
		}); err != nil {
			return err
		}
		// MCP executes server-side, so output and error arrive with the
		// finished item rather than via a tool result turn.
		seg := events.ToolCallSegment{
			ID:          out.ID,
			Name:        cs.name,
			Args:        args,
			ServerLabel: out.ServerLabel,
		}
		if out.Output != "" {
			seg.Output = out.Output
		}
		if out.Error != "" {
			seg.Error = out.Error
		}
		return p.emit(providers.StreamEvent{Type: providers.StreamBuiltIn, Segment: seg})
	case responses.ResponseFunctionWebSearch:
		return p.builtInStatus(events.WebSearchCallSegment{ItemID: out.ID, Status: events.BuiltInStatus(out.Status)})
	case responses.ResponseCodeInterpreterToolCall:
		return p.builtInStatus(events.CodeInterpreterCallSegment{
			ItemID: out.ID,
			Status: events.BuiltInStatus(out.Status),
			Code:   out.Code,
		})
	default:
		return nil
	}
}

func (p *eventProcessor) argsDelta(itemID, delta string) error {
	if delta == "" {
		return nil
	}
	cs := p.calls[itemID]
	if cs == nil {
		return nil
	}
	cs.fragments = append(cs.fragments, delta)
	return p.emit(providers.StreamEvent{
		Type:      providers.StreamToolArgsDelta,
		ToolID:    cs.callID,
		ToolName:  cs.name,
		ArgsDelta: delta,
	})
}

func (p *eventProcessor) builtInStatus(seg events.Segment) error {
	return p.emit(providers.StreamEvent{Type: providers.StreamBuiltIn, Segment: seg})
}

func (p *eventProcessor) completed(resp *responses.Response) error {
	usage := events.TokenUsage{
		InputTokens:     int(resp.Usage.InputTokens),
		OutputTokens:    int(resp.Usage.OutputTokens),
		TotalTokens:     int(resp.Usage.TotalTokens),
		ReasoningTokens: int(resp.Usage.OutputTokensDetails.ReasoningTokens),
	}
	if usage.TotalTokens > 0 {
		if err := p.emit(providers.StreamEvent{Type: providers.StreamUsage, Usage: &usage}); err != nil {
			return err
		}
	}
	return p.emit(providers.StreamEvent{Type: providers.StreamStop, StopReason: stopReason(resp)})
}

func (p *eventProcessor) call(itemID, callID, name, serverLabel string) *callState {
	if cs := p.calls[itemID]; cs != nil {
		if cs.callID == "" {
			cs.callID = callID
		}
		if cs.name == "" {
			cs.name = name
		}
		if cs.serverLabel == "" {
			cs.serverLabel = serverLabel
		}
		return cs
	}
	return &callState{callID: callID, name: name, serverLabel: serverLabel}
}

// parseFinalArgs prefers the authoritative arguments string on the done
// item, falling back to the accumulated fragments.
func parseFinalArgs(final string, fragments []string) (map[string]any, error) {
	raw := final
	if strings.TrimSpace(raw) == "" {
		raw = strings.Join(fragments, "")
	}
	if strings.TrimSpace(raw) == "" {
		raw = "{}"
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, err
	}
	return args, nil
}
