// Package providers defines the vendor-neutral contract implemented by the
// OpenAI Chat Completions, OpenAI Responses and Anthropic Messages adapters.
// Adapters translate normalized events.Event conversations into
// provider-specific wire formats, stream incremental deltas back as a closed
// StreamEvent union, and reconstruct finished assistant Events from vendor
// responses.
package providers

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/budchat/budchat/events"
)

type (
	// Name identifies a provider transform target.
	Name string

	// Client is the contract the orchestration loop uses to invoke a model.
	// Implementations wrap vendor SDKs and must be safe for reuse across
	// turns. Clients are injected per request; there is no shared singleton
	// factory.
	Client interface {
		// Complete sends a non-streaming request and returns the assistant
		// Event reconstructed from the vendor response.
		Complete(ctx context.Context, req Request) (events.Event, error)

		// Stream sends a streaming request and returns a Streamer yielding
		// normalized StreamEvents until io.EOF. The returned Streamer must be
		// closed by callers.
		Stream(ctx context.Context, req Request) (Streamer, error)
	}

	// Streamer delivers incremental normalized stream events. Successive
	// Recv calls return StreamEvents until io.EOF. Safe to call from a
	// single goroutine.
	Streamer interface {
		Recv() (StreamEvent, error)
		Close() error
	}

	// Request captures normalized parameters for one provider turn.
	Request struct {
		// Model is the provider-specific model identifier.
		Model string
		// Events is the full ordered conversation to render into the vendor
		// message/input array.
		Events []events.Event
		// Temperature controls sampling. Zero means provider default.
		Temperature float64
		// MaxTokens caps completion tokens. Zero means provider default.
		MaxTokens int
		// Tools lists function tools advertised to the model.
		Tools []ToolDefinition
		// BuiltIn enables vendor built-in tools and remote MCP servers.
		BuiltIn BuiltInTools
		// ReasoningEffort and ReasoningSummary configure reasoning models.
		// Adapters that do not support reasoning ignore them. Effort is
		// forced up from "minimal" to "low" when any built-in tool is
		// enabled; some reasoning models reject the combination.
		ReasoningEffort  string
		ReasoningSummary string
		// ToolOutputCap caps the stringified length of tool outputs sent
		// back to the vendor. Zero applies the adapter default.
		ToolOutputCap int
	}

	// ToolDefinition describes a function tool schema passed to providers.
	ToolDefinition struct {
		Name        string
		Description string
		InputSchema map[string]any
	}

	// BuiltInTools configures vendor-executed tools.
	BuiltInTools struct {
		WebSearch       bool
		CodeInterpreter bool
		MCPServers      []MCPServer
	}

	// MCPServer describes a remote MCP server passed through to vendors
	// that execute MCP tools server-side.
	MCPServer struct {
		Label        string
		URL          string
		AllowedTools []string
	}

	// StreamEventType discriminates the normalized stream union.
	StreamEventType string

	// StreamEvent is the closed union of normalized streaming deltas every
	// adapter emits. The Type value indicates which fields are populated.
	// Unrecognized vendor events never surface here; adapters ignore and
	// log them.
	StreamEvent struct {
		Type StreamEventType

		// Text carries a delta for StreamText and the authoritative final
		// item text for StreamTextFinal.
		Text string
		// ItemID is the vendor item identifier for text/reasoning events.
		ItemID string

		// ToolID and ToolName identify the tool call for tool events.
		ToolID   string
		ToolName string
		// ArgsDelta is a raw partial-JSON fragment for StreamToolArgsDelta.
		ArgsDelta string
		// Args is the parsed argument object for StreamToolCall.
		Args map[string]any

		// SummaryIndex addresses the reasoning part for reasoning events.
		SummaryIndex int

		// Segment carries a built-in call segment for StreamBuiltIn.
		Segment events.Segment

		// Usage reports token usage for StreamUsage.
		Usage *events.TokenUsage
		// StopReason explains termination for StreamStop.
		StopReason string
	}
)

// Provider names. These are the only valid targets for message
// construction; anything else is a hard error.
const (
	OpenAIChat      Name = "openai-chat"
	OpenAIResponses Name = "openai-responses"
	Anthropic       Name = "anthropic"
)

// StreamEvent types.
const (
	StreamText              StreamEventType = "text"
	StreamTextFinal         StreamEventType = "text_final"
	StreamToolStart         StreamEventType = "tool_start"
	StreamToolArgsDelta     StreamEventType = "tool_args_delta"
	StreamToolCall          StreamEventType = "tool_call"
	StreamReasoningStart    StreamEventType = "reasoning_start"
	StreamReasoningPartAdd  StreamEventType = "reasoning_part_added"
	StreamReasoningDelta    StreamEventType = "reasoning_summary_text_delta"
	StreamReasoningPartDone StreamEventType = "reasoning_part_done"
	StreamBuiltIn           StreamEventType = "built_in"
	StreamUsage             StreamEventType = "usage"
	StreamStop              StreamEventType = "stop"
)

// ErrUnknownProvider reports a message-construction or transcript request
// for a provider name outside the supported set. There is no safe default
// vendor format to fall back to.
var ErrUnknownProvider = errors.New("providers: unknown provider")

// ErrStreamingUnsupported indicates the adapter does not implement
// streaming for the requested model/parameters.
var ErrStreamingUnsupported = errors.New("providers: streaming not supported")

// ErrRateLimited wraps provider rate limiting errors so middleware can
// back off without inspecting vendor SDK types.
var ErrRateLimited = errors.New("providers: rate limited")

// Valid reports whether n names a supported provider transform.
func Valid(n Name) bool {
	switch n {
	case OpenAIChat, OpenAIResponses, Anthropic:
		return true
	}
	return false
}

// Select routes a model name to its provider transform: the Anthropic
// vendor family to the Messages transform, reasoning-capable OpenAI models
// to the Responses transform, and everything else to Chat Completions.
func Select(model string) Name {
	m := strings.ToLower(model)
	if strings.HasPrefix(m, "claude") {
		return Anthropic
	}
	if isReasoningModel(m) {
		return OpenAIResponses
	}
	return OpenAIChat
}

func isReasoningModel(m string) bool {
	for _, prefix := range []string{"o1", "o3", "o4", "gpt-5"} {
		if strings.HasPrefix(m, prefix) {
			return true
		}
	}
	return false
}

// TruncationMarker is appended to tool outputs cut at a length cap.
const TruncationMarker = "…[truncated]"

// Truncate caps s at max bytes of payload plus the truncation marker,
// backing the cut up so it never splits a multi-byte rune. Non-positive
// caps disable truncation.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max] + TruncationMarker
}
