// Package events defines the vendor-neutral conversation log shared by all
// provider adapters: the Segment tagged union (text, tool calls, tool
// results, reasoning, built-in tool calls), the Event envelope that groups
// segments under a role and timestamp, the EventLog that orders Events for
// one conversation, and the StreamBuilder that mutates a single in-flight
// assistant Event while a response streams. Provider adapters translate
// these normalized types into provider-specific formats at the edges.
package events

import (
	"time"

	"github.com/google/uuid"
)

type (
	// Segment is one typed unit of content within an Event. Implementations
	// are TextSegment, ToolCallSegment, ToolResultSegment, ReasoningSegment,
	// WebSearchCallSegment and CodeInterpreterCallSegment. Segment order
	// within an Event is meaningful (reasoning before tool calls before
	// text) and must survive transforms and persistence unchanged.
	Segment interface {
		// SegmentKind returns the discriminator used by the JSON codec and
		// the placement rule.
		SegmentKind() Kind
	}

	// Kind discriminates Segment implementations in stored JSON.
	Kind string

	// Role is the conversational role of an Event.
	Role string

	// TextSegment carries freeform assistant/user/system text.
	TextSegment struct {
		// ID is the provider item identifier when the text originated from a
		// vendor response (for example a Responses API message item id).
		ID string `json:"id,omitempty"`
		// Text is the visible content.
		Text string `json:"text"`
		// Citations carries optional provider citations attached to the text.
		Citations []Citation `json:"citations,omitempty"`
		// OutputIndex is the provider output position marker when known.
		OutputIndex int `json:"output_index,omitempty"`
		// Streaming reports whether the segment is still accumulating deltas.
		Streaming bool `json:"streaming,omitempty"`
	}

	// Citation is a provider-supplied reference attached to a text segment.
	Citation struct {
		URL   string `json:"url,omitempty"`
		Title string `json:"title,omitempty"`
		Start int    `json:"start,omitempty"`
		End   int    `json:"end,omitempty"`
	}

	// ToolCallSegment declares a tool invocation requested by the model.
	ToolCallSegment struct {
		// ID is the provider tool call identifier used to correlate the
		// matching ToolResultSegment. Unique across one EventLog.
		ID string `json:"id"`
		// Name is the tool name as advertised to the model.
		Name string `json:"name"`
		// Args holds the JSON-decoded tool arguments. Nil while argument
		// JSON is still streaming and not yet parseable.
		Args map[string]any `json:"args,omitempty"`
		// ServerLabel identifies the remote MCP server the tool belongs to,
		// when any. Empty for plain function tools.
		ServerLabel string `json:"server_label,omitempty"`
		// DisplayName is an optional human-facing name for UIs.
		DisplayName string `json:"display_name,omitempty"`
		// Output carries an inline result when the vendor returns the tool
		// result on the call itself rather than as a separate turn.
		Output any `json:"output,omitempty"`
		// Error carries an inline error in the same situation.
		Error string `json:"error,omitempty"`
		// StartedAt/CompletedAt are epoch millisecond stamps recorded by the
		// stream reducers for latency observability. Zero when unknown.
		StartedAt   int64 `json:"started_at,omitempty"`
		CompletedAt int64 `json:"completed_at,omitempty"`
		// Streaming reports whether argument JSON is still accumulating.
		Streaming bool `json:"streaming,omitempty"`
	}

	// ToolResultSegment communicates a tool result back to the model,
	// correlated to a prior ToolCallSegment via ToolCallID.
	ToolResultSegment struct {
		// ToolCallID correlates to a prior ToolCallSegment.ID.
		ToolCallID string `json:"tool_call_id"`
		// Output is the JSON-encodable tool output.
		Output any `json:"output,omitempty"`
		// Error is set when the tool failed; the text is visible to the model.
		Error string `json:"error,omitempty"`
	}

	// ReasoningPart is a single indexed streaming part of a reasoning
	// summary.
	ReasoningPart struct {
		// SummaryIndex is the provider summary part index.
		SummaryIndex int `json:"summary_index"`
		// Text is the accumulated part text.
		Text string `json:"text"`
		// IsComplete marks the part as finished streaming.
		IsComplete bool `json:"is_complete"`
		// Sequence orders parts by arrival when indices repeat.
		Sequence int `json:"sequence"`
	}

	// ReasoningSegment carries a reasoning model's summarized thinking.
	ReasoningSegment struct {
		// ItemID is the provider reasoning item identifier.
		ItemID string `json:"item_id"`
		// Parts are the ordered streaming summary parts.
		Parts []ReasoningPart `json:"parts"`
		// Combined is the concatenated summary text when finalized.
		Combined string `json:"combined,omitempty"`
		// Effort records the requested reasoning effort, when known.
		Effort string `json:"effort,omitempty"`
		// Tokens records reasoning token usage, when reported.
		Tokens int `json:"tokens,omitempty"`
		// Streaming reports whether parts are still accumulating.
		Streaming bool `json:"streaming,omitempty"`
	}

	// BuiltInStatus is the lifecycle status of a vendor built-in tool call.
	BuiltInStatus string

	// WebSearchCallSegment records a vendor-executed web search.
	WebSearchCallSegment struct {
		ItemID string        `json:"item_id"`
		Status BuiltInStatus `json:"status"`
		Query  string        `json:"query,omitempty"`
	}

	// CodeInterpreterCallSegment records a vendor-executed code run.
	CodeInterpreterCallSegment struct {
		ItemID string        `json:"item_id"`
		Status BuiltInStatus `json:"status"`
		Code   string        `json:"code,omitempty"`
	}

	// TokenUsage records token counts reported by a provider.
	TokenUsage struct {
		InputTokens     int `json:"input_tokens,omitempty"`
		OutputTokens    int `json:"output_tokens,omitempty"`
		ReasoningTokens int `json:"reasoning_tokens,omitempty"`
		TotalTokens     int `json:"total_tokens,omitempty"`
	}

	// ResponseMeta carries provider response metadata attached to an
	// assistant Event once the turn completes.
	ResponseMeta struct {
		Model      string     `json:"model,omitempty"`
		StopReason string     `json:"stop_reason,omitempty"`
		Usage      TokenUsage `json:"usage,omitempty"`
	}

	// Event is one turn in a conversation: one role, one or more ordered
	// segments, one timestamp. IDs are unique within a conversation.
	Event struct {
		// ID uniquely identifies the event within its conversation.
		ID string `json:"id"`
		// Role is one of RoleSystem, RoleUser, RoleAssistant, RoleTool.
		Role Role `json:"role"`
		// Segments is the ordered content of the turn.
		Segments []Segment `json:"segments"`
		// Ts is the creation time in epoch milliseconds.
		Ts int64 `json:"ts"`
		// ResponseMeta is set on assistant events produced by a provider.
		ResponseMeta *ResponseMeta `json:"response_metadata,omitempty"`
	}
)

// Segment kind discriminators stored in the JSON "kind" field.
const (
	KindText                Kind = "text"
	KindToolCall            Kind = "tool_call"
	KindToolResult          Kind = "tool_result"
	KindReasoning           Kind = "reasoning"
	KindWebSearchCall       Kind = "web_search_call"
	KindCodeInterpreterCall Kind = "code_interpreter_call"
)

// Conversation roles.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Built-in tool call statuses.
const (
	BuiltInInProgress   BuiltInStatus = "in_progress"
	BuiltInSearching    BuiltInStatus = "searching"
	BuiltInInterpreting BuiltInStatus = "interpreting"
	BuiltInRunning      BuiltInStatus = "running"
	BuiltInCompleted    BuiltInStatus = "completed"
	BuiltInFailed       BuiltInStatus = "failed"
)

// SegmentKind implements Segment.
func (TextSegment) SegmentKind() Kind { return KindText }

// SegmentKind implements Segment.
func (ToolCallSegment) SegmentKind() Kind { return KindToolCall }

// SegmentKind implements Segment.
func (ToolResultSegment) SegmentKind() Kind { return KindToolResult }

// SegmentKind implements Segment.
func (ReasoningSegment) SegmentKind() Kind { return KindReasoning }

// SegmentKind implements Segment.
func (WebSearchCallSegment) SegmentKind() Kind { return KindWebSearchCall }

// SegmentKind implements Segment.
func (CodeInterpreterCallSegment) SegmentKind() Kind { return KindCodeInterpreterCall }

// New constructs an Event with a fresh identifier and the current timestamp.
func New(role Role, segments ...Segment) Event {
	return Event{
		ID:       uuid.NewString(),
		Role:     role,
		Segments: segments,
		Ts:       time.Now().UnixMilli(),
	}
}

// NewText is shorthand for a single-text-segment event.
func NewText(role Role, text string) Event {
	return New(role, TextSegment{Text: text})
}

// Clone returns a copy of the event with its own segment slice so callers
// can mutate the copy without aliasing the original.
func (e Event) Clone() Event {
	out := e
	out.Segments = make([]Segment, len(e.Segments))
	copy(out.Segments, e.Segments)
	if e.ResponseMeta != nil {
		meta := *e.ResponseMeta
		out.ResponseMeta = &meta
	}
	return out
}

// IsPlaceholder reports whether the event is a droppable placeholder: an
// assistant turn with no segments, typically created ahead of streaming and
// never filled. This is the single predicate used by the provider
// transforms and the log; vendors reject empty assistant turns.
func IsPlaceholder(e Event) bool {
	return e.Role == RoleAssistant && len(e.Segments) == 0
}

// placementPriority declares the ordering class of each segment kind within
// an Event. Lower values render and persist first. Reasoning precedes all
// other content produced in the same turn.
func placementPriority(k Kind) int {
	if k == KindReasoning {
		return 0
	}
	return 1
}

// AppendSegment inserts s into e.Segments honoring the placement rule:
// segments append in arrival order except kinds with a lower placement
// priority, which are inserted after the last segment of their own class.
func (e *Event) AppendSegment(s Segment) {
	p := placementPriority(s.SegmentKind())
	i := 0
	for i < len(e.Segments) && placementPriority(e.Segments[i].SegmentKind()) <= p {
		i++
	}
	if i == len(e.Segments) {
		e.Segments = append(e.Segments, s)
		return
	}
	e.Segments = append(e.Segments[:i], append([]Segment{s}, e.Segments[i:]...)...)
}

// Text concatenates the text of all text segments in the event.
func (e Event) Text() string {
	var out string
	for _, s := range e.Segments {
		if t, ok := s.(TextSegment); ok {
			out += t.Text
		}
	}
	return out
}
