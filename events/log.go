package events

import (
	"context"
	"errors"
	"strings"

	"goa.design/clue/log"
)

type (
	// Log is the ordered, in-memory collection of Events for one
	// conversation. It is owned by a single request/response cycle and is
	// not safe for concurrent use; the persistence store holds the durable
	// copy across requests.
	Log struct {
		events []Event
		index  map[string]int
	}

	// ToolCall is the derived view of a pending tool invocation used by the
	// orchestration loop. It exists so callers can reason about pending work
	// without re-deriving it from raw segments.
	ToolCall struct {
		ID   string         `json:"id"`
		Name string         `json:"name"`
		Args map[string]any `json:"args,omitempty"`
	}

	// ToolResult is the derived view of a tool execution outcome.
	ToolResult struct {
		ID     string `json:"id"`
		Output any    `json:"output,omitempty"`
		Error  string `json:"error,omitempty"`
	}
)

// ErrDuplicateEvent reports an Add with an id already present in the log.
// Duplicate ids corrupt downstream message counts, so the anomaly is
// surfaced; callers log it and continue rather than aborting a stream.
var ErrDuplicateEvent = errors.New("events: duplicate event id")

// NewLog builds a Log seeded with the given events. Events with duplicate
// ids are dropped with a warning; the first occurrence wins.
func NewLog(ctx context.Context, evs ...Event) *Log {
	l := &Log{index: make(map[string]int, len(evs))}
	for _, e := range evs {
		if err := l.Add(ctx, e); err != nil {
			log.Warn(ctx, log.KV{K: "msg", V: "event log: dropping duplicate seed event"}, log.KV{K: "event_id", V: e.ID})
		}
	}
	return l
}

// Add appends the event. Returns ErrDuplicateEvent when an event with the
// same id is already present; the log is left unchanged in that case.
func (l *Log) Add(_ context.Context, e Event) error {
	if _, ok := l.index[e.ID]; ok {
		return ErrDuplicateEvent
	}
	l.index[e.ID] = len(l.events)
	l.events = append(l.events, e)
	return nil
}

// Update replaces an existing event by id in place. It reports false when
// no event matches; failure here must not abort streaming, so no error is
// returned beyond the flag.
func (l *Log) Update(ctx context.Context, e Event) bool {
	i, ok := l.index[e.ID]
	if !ok {
		log.Warn(ctx, log.KV{K: "msg", V: "event log: update for unknown event"}, log.KV{K: "event_id", V: e.ID})
		return false
	}
	l.events[i] = e
	return true
}

// Events returns a copy of the ordered event slice.
func (l *Log) Events() []Event {
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// Len returns the number of events in the log.
func (l *Log) Len() int { return len(l.events) }

// Last returns the most recent event, if any.
func (l *Log) Last() (Event, bool) {
	if len(l.events) == 0 {
		return Event{}, false
	}
	return l.events[len(l.events)-1], true
}

// UnresolvedToolCalls scans the log and returns every tool call whose id
// has neither a matching tool_result segment nor an inline output on the
// call itself, in first-seen order. When an id reappears the latest
// name/args win but the original position is kept.
func (l *Log) UnresolvedToolCalls() []ToolCall {
	var order []string
	calls := make(map[string]ToolCall)
	resolved := make(map[string]bool)

	for _, e := range l.events {
		for _, s := range e.Segments {
			switch seg := s.(type) {
			case ToolCallSegment:
				if _, seen := calls[seg.ID]; !seen {
					order = append(order, seg.ID)
				}
				calls[seg.ID] = ToolCall{ID: seg.ID, Name: seg.Name, Args: seg.Args}
				if seg.Output != nil || seg.Error != "" {
					resolved[seg.ID] = true
				}
			case ToolResultSegment:
				resolved[seg.ToolCallID] = true
			}
		}
	}

	out := make([]ToolCall, 0, len(order))
	for _, id := range order {
		if resolved[id] {
			continue
		}
		out = append(out, calls[id])
	}
	return out
}

// SystemText extracts and concatenates all system-role text segments, in
// order, separated by blank lines. Anthropic hoists this into its system
// parameter; OpenAI Chat keeps system turns inline.
func (l *Log) SystemText() string {
	var parts []string
	for _, e := range l.events {
		if e.Role != RoleSystem {
			continue
		}
		for _, s := range e.Segments {
			if t, ok := s.(TextSegment); ok && t.Text != "" {
				parts = append(parts, t.Text)
			}
		}
	}
	return strings.Join(parts, "\n\n")
}
