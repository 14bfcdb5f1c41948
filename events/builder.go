package events

import (
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// StreamBuilder accumulates a single in-flight assistant Event while a
// provider response streams. It owns the event exclusively until Finalize;
// callers read Current after every delta to push immediate UI updates.
// After Finalize the builder must be discarded.
//
// Segments append in delta arrival order except reasoning, which the
// placement rule in AppendSegment hoists ahead of text and tool output
// produced in the same turn.
type StreamBuilder struct {
	event     Event
	finalized bool

	// argBuffers holds raw partial tool-argument JSON per tool call id.
	// Fragments concatenate across deltas and re-parse on every append;
	// malformed JSON mid-stream is expected and never raises.
	argBuffers map[string]*strings.Builder
}

// NewStreamBuilder starts an empty assistant event with a fresh id and
// timestamp.
func NewStreamBuilder() *StreamBuilder {
	return &StreamBuilder{
		event:      New(RoleAssistant),
		argBuffers: make(map[string]*strings.Builder),
	}
}

// Current returns the in-flight event. The returned value shares no segment
// slice with the builder.
func (b *StreamBuilder) Current() Event {
	return b.event.Clone()
}

// AddTextChunk appends delta to the trailing text segment, creating one when
// the event has none. The first chunk is never pre-seeded, so it cannot
// duplicate.
func (b *StreamBuilder) AddTextChunk(delta string) Event {
	if b.finalized || delta == "" {
		return b.Current()
	}
	if n := len(b.event.Segments); n > 0 {
		if t, ok := b.event.Segments[n-1].(TextSegment); ok {
			t.Text += delta
			t.Streaming = true
			b.event.Segments[n-1] = t
			return b.Current()
		}
	}
	b.event.AppendSegment(TextSegment{Text: delta, Streaming: true})
	return b.Current()
}

// SetFinalText overwrites the accumulated trailing text segment with the
// authoritative final text a vendor reports at item completion. The vendor
// payload is the source of truth and guards against accumulation drift.
func (b *StreamBuilder) SetFinalText(itemID, text string) Event {
	if b.finalized {
		return b.Current()
	}
	for i := len(b.event.Segments) - 1; i >= 0; i-- {
		if t, ok := b.event.Segments[i].(TextSegment); ok {
			t.ID = itemID
			t.Text = text
			t.Streaming = false
			b.event.Segments[i] = t
			return b.Current()
		}
	}
	b.event.AppendSegment(TextSegment{ID: itemID, Text: text})
	return b.Current()
}

// AddToolCall creates a tool_call segment on first sight of id and updates
// name/args on subsequent calls.
func (b *StreamBuilder) AddToolCall(id, name string, args map[string]any) Event {
	if b.finalized || id == "" {
		return b.Current()
	}
	if i, ok := b.toolCallIndex(id); ok {
		seg := b.event.Segments[i].(ToolCallSegment)
		if name != "" {
			seg.Name = name
		}
		if args != nil {
			seg.Args = args
		}
		b.event.Segments[i] = seg
		return b.Current()
	}
	b.event.AppendSegment(ToolCallSegment{
		ID:        id,
		Name:      name,
		Args:      args,
		StartedAt: time.Now().UnixMilli(),
		Streaming: true,
	})
	return b.Current()
}

// AddToolCallArgsDelta concatenates a raw partial-JSON fragment onto the
// call's argument buffer and re-parses it. Args update only once the buffer
// parses; until then the segment keeps its prior safe state.
func (b *StreamBuilder) AddToolCallArgsDelta(id, name, fragment string) Event {
	if b.finalized || id == "" {
		return b.Current()
	}
	if _, ok := b.toolCallIndex(id); !ok {
		b.AddToolCall(id, name, nil)
	}
	buf := b.argBuffers[id]
	if buf == nil {
		buf = &strings.Builder{}
		b.argBuffers[id] = buf
	}
	buf.WriteString(fragment)
	var args map[string]any
	if err := json.Unmarshal([]byte(buf.String()), &args); err == nil {
		i, _ := b.toolCallIndex(id)
		seg := b.event.Segments[i].(ToolCallSegment)
		seg.Args = args
		b.event.Segments[i] = seg
	}
	return b.Current()
}

// CompleteToolCall stamps the call finished and clears its streaming flag.
func (b *StreamBuilder) CompleteToolCall(id string) Event {
	if b.finalized {
		return b.Current()
	}
	if i, ok := b.toolCallIndex(id); ok {
		seg := b.event.Segments[i].(ToolCallSegment)
		seg.Streaming = false
		if seg.CompletedAt == 0 {
			seg.CompletedAt = time.Now().UnixMilli()
		}
		b.event.Segments[i] = seg
	}
	return b.Current()
}

// StartReasoning opens a reasoning segment for itemID. The placement rule
// hoists it ahead of any text or tool content already accumulated.
func (b *StreamBuilder) StartReasoning(itemID string) Event {
	if b.finalized {
		return b.Current()
	}
	if _, ok := b.reasoningIndex(itemID); ok {
		return b.Current()
	}
	b.event.AppendSegment(ReasoningSegment{ItemID: itemID, Streaming: true})
	return b.Current()
}

// AddReasoningPartDelta appends delta text to the part at summaryIndex,
// creating the part on first sight.
func (b *StreamBuilder) AddReasoningPartDelta(itemID string, summaryIndex int, delta string) Event {
	if b.finalized {
		return b.Current()
	}
	i, ok := b.reasoningIndex(itemID)
	if !ok {
		b.StartReasoning(itemID)
		i, _ = b.reasoningIndex(itemID)
	}
	seg := b.event.Segments[i].(ReasoningSegment)
	found := false
	for j := range seg.Parts {
		if seg.Parts[j].SummaryIndex == summaryIndex {
			seg.Parts[j].Text += delta
			found = true
			break
		}
	}
	if !found {
		seg.Parts = append(seg.Parts, ReasoningPart{
			SummaryIndex: summaryIndex,
			Text:         delta,
			Sequence:     len(seg.Parts),
		})
	}
	b.event.Segments[i] = seg
	return b.Current()
}

// CompleteReasoningPart marks the part at summaryIndex complete.
func (b *StreamBuilder) CompleteReasoningPart(itemID string, summaryIndex int) Event {
	if b.finalized {
		return b.Current()
	}
	if i, ok := b.reasoningIndex(itemID); ok {
		seg := b.event.Segments[i].(ReasoningSegment)
		for j := range seg.Parts {
			if seg.Parts[j].SummaryIndex == summaryIndex {
				seg.Parts[j].IsComplete = true
			}
		}
		b.event.Segments[i] = seg
	}
	return b.Current()
}

// AddBuiltInCall records or updates a built-in tool call segment.
func (b *StreamBuilder) AddBuiltInCall(seg Segment) Event {
	if b.finalized {
		return b.Current()
	}
	switch v := seg.(type) {
	case ToolCallSegment:
		// MCP calls execute vendor-side; the finished item replaces the
		// streamed call wholesale, inline output included.
		if i, ok := b.toolCallIndex(v.ID); ok {
			prior := b.event.Segments[i].(ToolCallSegment)
			if v.StartedAt == 0 {
				v.StartedAt = prior.StartedAt
			}
			if v.CompletedAt == 0 {
				v.CompletedAt = time.Now().UnixMilli()
			}
			b.event.Segments[i] = v
			return b.Current()
		}
		b.event.AppendSegment(v)
	case WebSearchCallSegment:
		for i, s := range b.event.Segments {
			if w, ok := s.(WebSearchCallSegment); ok && w.ItemID == v.ItemID {
				b.event.Segments[i] = v
				return b.Current()
			}
		}
		b.event.AppendSegment(v)
	case CodeInterpreterCallSegment:
		for i, s := range b.event.Segments {
			if c, ok := s.(CodeInterpreterCallSegment); ok && c.ItemID == v.ItemID {
				b.event.Segments[i] = v
				return b.Current()
			}
		}
		b.event.AppendSegment(v)
	}
	return b.Current()
}

// SetResponseMeta attaches provider metadata to the in-flight event.
func (b *StreamBuilder) SetResponseMeta(meta ResponseMeta) {
	if b.finalized {
		return
	}
	b.event.ResponseMeta = &meta
}

// Finalize freezes the event: residual streaming flags clear, reasoning
// parts sort by summary index and collapse into Combined, and incomplete
// parts are marked complete. Finalize is idempotent; repeated calls return
// the same segments. An external abort calls Finalize on whatever partial
// state exists so the partial turn persists instead of being discarded.
func (b *StreamBuilder) Finalize() Event {
	if b.finalized {
		return b.Current()
	}
	b.finalized = true
	now := time.Now().UnixMilli()
	for i, s := range b.event.Segments {
		switch seg := s.(type) {
		case TextSegment:
			seg.Streaming = false
			b.event.Segments[i] = seg
		case ToolCallSegment:
			seg.Streaming = false
			if seg.CompletedAt == 0 {
				seg.CompletedAt = now
			}
			b.event.Segments[i] = seg
		case ReasoningSegment:
			seg.Streaming = false
			sort.SliceStable(seg.Parts, func(a, c int) bool {
				return seg.Parts[a].SummaryIndex < seg.Parts[c].SummaryIndex
			})
			var combined []string
			for j := range seg.Parts {
				seg.Parts[j].IsComplete = true
				if seg.Parts[j].Text != "" {
					combined = append(combined, seg.Parts[j].Text)
				}
			}
			seg.Combined = strings.Join(combined, "\n\n")
			b.event.Segments[i] = seg
		}
	}
	return b.Current()
}

// Finalized reports whether Finalize has run.
func (b *StreamBuilder) Finalized() bool { return b.finalized }

func (b *StreamBuilder) toolCallIndex(id string) (int, bool) {
	for i, s := range b.event.Segments {
		if tc, ok := s.(ToolCallSegment); ok && tc.ID == id {
			return i, true
		}
	}
	return 0, false
}

func (b *StreamBuilder) reasoningIndex(itemID string) (int, bool) {
	for i, s := range b.event.Segments {
		if r, ok := s.(ReasoningSegment); ok && r.ItemID == itemID {
			return i, true
		}
	}
	return 0, false
}
