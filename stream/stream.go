// Package stream defines the client-facing frame protocol emitted while a
// turn executes, and the Sink abstraction that carries frames over a
// transport (SSE, Redis pub/sub, tests). Frames are UI updates, not
// persistence: the canonical record is the event log, and every frame can
// be reconstructed from it except the transient deltas.
//
// All frame types implement the Frame interface and are safe to send
// concurrently through a Sink. Sinks marshal frames into their wire format.
package stream

import (
	"context"

	"github.com/budchat/budchat/events"
)

type (
	// Sink delivers frames to clients over a transport. Implementations
	// must be safe for concurrent Send calls; the runner may emit tool and
	// text frames from separate goroutines.
	Sink interface {
		// Send publishes one frame. Errors surface immediately to the
		// runner, which aborts the stream rather than dropping frames
		// silently.
		Send(ctx context.Context, frame Frame) error

		// Close releases transport resources. Idempotent. After Close,
		// Send returns errors.
		Close(ctx context.Context) error
	}

	// Frame is a single streaming update. Concrete types embed Base for
	// the envelope fields; consumers type-assert for structured access or
	// use Payload for generic marshaling.
	Frame interface {
		// Type returns the frame type constant.
		Type() FrameType
		// ConversationID returns the conversation the frame belongs to.
		ConversationID() string
		// Payload returns the frame-specific data in JSON-serializable
		// form.
		Payload() any
	}

	// FrameType discriminates the frame union on the wire.
	FrameType string

	// Base carries the envelope shared by all frames.
	Base struct {
		FrameType FrameType `json:"type"`
		ConvID    string    `json:"conversation_id,omitempty"`
	}

	// ConversationCreated announces a freshly created conversation so
	// clients can subscribe before the first token arrives.
	ConversationCreated struct {
		Base
		Data ConversationCreatedPayload
	}

	ConversationCreatedPayload struct {
		WorkspaceID string `json:"workspace_id,omitempty"`
		BudID       string `json:"bud_id,omitempty"`
	}

	// Token streams an incremental text delta.
	Token struct {
		Base
		Data TokenPayload
	}

	TokenPayload struct {
		Text string `json:"text"`
	}

	// ToolStart announces a tool call the moment the provider opens it,
	// before arguments finish streaming.
	ToolStart struct {
		Base
		Data ToolStartPayload
	}

	ToolStartPayload struct {
		ToolCallID string `json:"tool_call_id"`
		ToolName   string `json:"tool_name"`
	}

	// ToolFinalized carries the fully parsed tool arguments once the
	// argument JSON completes.
	ToolFinalized struct {
		Base
		Data ToolFinalizedPayload
	}

	ToolFinalizedPayload struct {
		ToolCallID string         `json:"tool_call_id"`
		ToolName   string         `json:"tool_name"`
		Args       map[string]any `json:"args,omitempty"`
	}

	// ToolResult carries a tool execution result back to the client.
	ToolResult struct {
		Base
		Data ToolResultPayload
	}

	ToolResultPayload struct {
		ToolCallID string `json:"tool_call_id"`
		Output     any    `json:"output,omitempty"`
		Error      string `json:"error,omitempty"`
	}

	// ToolComplete marks a tool call finished, successfully or not.
	ToolComplete struct {
		Base
		Data ToolCompletePayload
	}

	ToolCompletePayload struct {
		ToolCallID string `json:"tool_call_id"`
	}

	// ReasoningStart announces a reasoning item opening.
	ReasoningStart struct {
		Base
		Data ReasoningPayload
	}

	// ReasoningPartAdded announces a new summary part within a reasoning
	// item.
	ReasoningPartAdded struct {
		Base
		Data ReasoningPayload
	}

	// ReasoningDelta streams incremental reasoning summary text.
	ReasoningDelta struct {
		Base
		Data ReasoningPayload
	}

	// ReasoningPartDone marks a summary part complete.
	ReasoningPartDone struct {
		Base
		Data ReasoningPayload
	}

	ReasoningPayload struct {
		ItemID       string `json:"item_id"`
		SummaryIndex int    `json:"summary_index"`
		Text         string `json:"text,omitempty"`
	}

	// MessageFinal carries the complete assistant event once the turn
	// finalizes. Clients replace accumulated deltas with this payload.
	MessageFinal struct {
		Base
		Data MessageFinalPayload
	}

	MessageFinalPayload struct {
		Event events.Event `json:"event"`
	}

	// UsageFrame reports provider token usage for the turn.
	UsageFrame struct {
		Base
		Data UsagePayload
	}

	UsagePayload struct {
		Usage events.TokenUsage `json:"usage"`
	}

	// Done marks the end of the turn stream. Emitted exactly once, last,
	// on both success and error paths.
	Done struct {
		Base
	}

	// ErrorFrame reports a terminal stream failure. A Done frame still
	// follows so clients always observe a closed stream.
	ErrorFrame struct {
		Base
		Data ErrorPayload
	}

	ErrorPayload struct {
		Message string `json:"message"`
	}
)

// Frame types.
const (
	FrameConversationCreated FrameType = "conversationCreated"
	FrameToken               FrameType = "token"
	FrameToolStart           FrameType = "tool_start"
	FrameToolFinalized       FrameType = "tool_finalized"
	FrameToolResult          FrameType = "tool_result"
	FrameToolComplete        FrameType = "tool_complete"
	FrameReasoningStart      FrameType = "reasoning_start"
	FrameReasoningPartAdded  FrameType = "reasoning_summary_part_added"
	FrameReasoningDelta      FrameType = "reasoning_summary_text_delta"
	FrameReasoningPartDone   FrameType = "reasoning_summary_part_done"
	FrameMessageFinal        FrameType = "message_final"
	FrameUsage               FrameType = "usage"
	FrameDone                FrameType = "done"
	FrameError               FrameType = "error"
)

// NewBase constructs the envelope for a frame.
func NewBase(t FrameType, conversationID string) Base {
	return Base{FrameType: t, ConvID: conversationID}
}

// Type implements Frame.
func (b Base) Type() FrameType { return b.FrameType }

// ConversationID implements Frame.
func (b Base) ConversationID() string { return b.ConvID }

// Payload implements Frame for frames without a typed payload.
func (b Base) Payload() any { return nil }

// Payload implements Frame.
func (f ConversationCreated) Payload() any { return f.Data }

// Payload implements Frame.
func (f Token) Payload() any { return f.Data }

// Payload implements Frame.
func (f ToolStart) Payload() any { return f.Data }

// Payload implements Frame.
func (f ToolFinalized) Payload() any { return f.Data }

// Payload implements Frame.
func (f ToolResult) Payload() any { return f.Data }

// Payload implements Frame.
func (f ToolComplete) Payload() any { return f.Data }

// Payload implements Frame.
func (f ReasoningStart) Payload() any { return f.Data }

// Payload implements Frame.
func (f ReasoningPartAdded) Payload() any { return f.Data }

// Payload implements Frame.
func (f ReasoningDelta) Payload() any { return f.Data }

// Payload implements Frame.
func (f ReasoningPartDone) Payload() any { return f.Data }

// Payload implements Frame.
func (f MessageFinal) Payload() any { return f.Data }

// Payload implements Frame.
func (f UsageFrame) Payload() any { return f.Data }

// Payload implements Frame.
func (f ErrorFrame) Payload() any { return f.Data }
