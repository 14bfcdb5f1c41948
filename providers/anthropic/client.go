// Package anthropic provides a providers.Client implementation backed by
// the Anthropic Claude Messages API. It translates normalized conversation
// events into anthropic.Message calls using
// github.com/anthropics/anthropic-sdk-go and maps responses (text, tool
// use, usage) back into events.Event values.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/budchat/budchat/events"
	"github.com/budchat/budchat/providers"
)

// DefaultToolOutputCap bounds stringified tool outputs sent back to the
// model when the request does not override it.
const DefaultToolOutputCap = 30000

type (
	// MessagesClient captures the subset of the Anthropic SDK client used by
	// the adapter. It is satisfied by *sdk.MessageService so callers can pass
	// either a real client or a mock in tests.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
		NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
	}

	// Options configures optional adapter behavior.
	Options struct {
		// DefaultModel is used when Request.Model is empty.
		DefaultModel string
		// MaxTokens sets the completion cap when a request does not specify
		// MaxTokens. The Messages API requires a positive cap.
		MaxTokens int
		// Temperature is used when a request does not specify Temperature.
		Temperature float64
	}

	// Client implements providers.Client on top of Anthropic Claude
	// Messages.
	Client struct {
		msg          MessagesClient
		defaultModel string
		maxTok       int
		temp         float64
	}
)

// New builds an Anthropic-backed client from the provided Messages client
// and options.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	return &Client{
		msg:          msg,
		defaultModel: opts.DefaultModel,
		maxTok:       opts.MaxTokens,
		temp:         opts.Temperature,
	}, nil
}

// NewFromAPIKey constructs a client using the default Anthropic HTTP
// client.
func NewFromAPIKey(apiKey string, opts Options) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, opts)
}

// Complete issues a non-streaming Messages.New request and translates the
// response into a single assistant Event.
func (c *Client) Complete(ctx context.Context, req providers.Request) (events.Event, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return events.Event{}, err
	}
	msg, err := c.msg.New(ctx, *params)
	if err != nil {
		return events.Event{}, wrapError("anthropic messages.new", err)
	}
	return DecodeResponse(msg)
}

// Stream invokes Messages.NewStreaming and adapts incremental events into
// normalized StreamEvents.
func (c *Client) Stream(ctx context.Context, req providers.Request) (providers.Streamer, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	stream := c.msg.NewStreaming(ctx, *params)
	if err := stream.Err(); err != nil {
		return nil, wrapError("anthropic messages.new stream", err)
	}
	return newStreamer(ctx, stream), nil
}

// wrapError prefixes err with the failed operation. Vendor throttling
// (HTTP 429) is additionally joined with providers.ErrRateLimited so rate
// limit middleware can observe it without inspecting SDK types.
func wrapError(op string, err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
		err = errors.Join(providers.ErrRateLimited, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (c *Client) prepareRequest(req providers.Request) (*sdk.MessageNewParams, error) {
	if len(req.Events) == 0 {
		return nil, errors.New("anthropic: events are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	if modelID == "" {
		return nil, errors.New("anthropic: model identifier is required")
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTok
	}
	if maxTokens <= 0 {
		return nil, errors.New("anthropic: max_tokens must be positive")
	}
	outputCap := req.ToolOutputCap
	if outputCap <= 0 {
		outputCap = DefaultToolOutputCap
	}
	msgs, system, err := EncodeMessages(req.Events, outputCap)
	if err != nil {
		return nil, err
	}
	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
		Model:     sdk.Model(modelID),
	}
	if len(system) > 0 {
		params.System = system
	}
	if tools := encodeTools(req.Tools); len(tools) > 0 {
		params.Tools = tools
	}
	temp := req.Temperature
	if temp == 0 {
		temp = c.temp
	}
	if temp > 0 {
		params.Temperature = sdk.Float(temp)
	}
	return &params, nil
}

// EncodeMessages renders the normalized event array into Anthropic message
// params plus the hoisted system blocks. System-role text is extracted into
// the system parameter because Anthropic has no system role within
// messages; tool results are re-expressed as user-role tool_result content
// blocks referencing tool_use_id. Placeholder assistant events and
// duplicate event ids are dropped before construction.
func EncodeMessages(evs []events.Event, toolOutputCap int) ([]sdk.MessageParam, []sdk.TextBlockParam, error) {
	conversation := make([]sdk.MessageParam, 0, len(evs))
	system := make([]sdk.TextBlockParam, 0, 1)
	seen := make(map[string]bool, len(evs))

	for _, e := range evs {
		if e.ID != "" && seen[e.ID] {
			continue
		}
		seen[e.ID] = true
		if events.IsPlaceholder(e) {
			continue
		}
		if e.Role == events.RoleSystem {
			for _, s := range e.Segments {
				if t, ok := s.(events.TextSegment); ok && t.Text != "" {
					system = append(system, sdk.TextBlockParam{Text: t.Text})
				}
			}
			continue
		}

		blocks := make([]sdk.ContentBlockParamUnion, 0, len(e.Segments))
		for _, s := range e.Segments {
			switch seg := s.(type) {
			case events.TextSegment:
				if seg.Text != "" {
					blocks = append(blocks, sdk.NewTextBlock(seg.Text))
				}
			case events.ToolCallSegment:
				if seg.Name == "" {
					return nil, nil, fmt.Errorf("anthropic: tool_call %q missing name", seg.ID)
				}
				args := seg.Args
				if args == nil {
					args = map[string]any{}
				}
				blocks = append(blocks, sdk.NewToolUseBlock(seg.ID, args, seg.Name))
			case events.ToolResultSegment:
				blocks = append(blocks, encodeToolResult(seg, toolOutputCap))
			case events.ReasoningSegment, events.WebSearchCallSegment, events.CodeInterpreterCallSegment:
				// Reasoning summaries and built-in calls are specific to the
				// OpenAI Responses surface and are not re-encoded here.
			}
		}
		if len(blocks) == 0 {
			continue
		}
		switch e.Role {
		case events.RoleUser:
			conversation = append(conversation, sdk.NewUserMessage(blocks...))
		case events.RoleAssistant:
			conversation = append(conversation, sdk.NewAssistantMessage(blocks...))
		case events.RoleTool:
			// Anthropic expects tool results on a user turn.
			conversation = append(conversation, sdk.NewUserMessage(blocks...))
		default:
			return nil, nil, fmt.Errorf("anthropic: unsupported role %q", e.Role)
		}
	}
	if len(conversation) == 0 {
		return nil, nil, errors.New("anthropic: at least one user/assistant message is required")
	}
	return conversation, system, nil
}

func encodeToolResult(seg events.ToolResultSegment, outputCap int) sdk.ContentBlockParamUnion {
	var content string
	switch c := seg.Output.(type) {
	case nil:
		content = ""
	case string:
		content = c
	default:
		if data, err := json.Marshal(c); err == nil {
			content = string(data)
		}
	}
	if seg.Error != "" && content == "" {
		content = seg.Error
	}
	content = providers.Truncate(content, outputCap)
	return sdk.NewToolResultBlock(seg.ToolCallID, content, seg.Error != "")
}

func encodeTools(defs []providers.ToolDefinition) []sdk.ToolUnionParam {
	if len(defs) == 0 {
		return nil
	}
	out := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			continue
		}
		schema := sdk.ToolInputSchemaParam{}
		if def.InputSchema != nil {
			schema.ExtraFields = def.InputSchema
		}
		u := sdk.ToolUnionParamOfTool(schema, def.Name)
		if u.OfTool != nil && def.Description != "" {
			u.OfTool.Description = sdk.String(def.Description)
		}
		out = append(out, u)
	}
	return out
}

// DecodeResponse converts a Messages API response into one assistant
// Event: text blocks become text segments and tool_use blocks become
// tool_call segments with parsed (not string) arguments.
func DecodeResponse(msg *sdk.Message) (events.Event, error) {
	if msg == nil {
		return events.Event{}, errors.New("anthropic: response message is nil")
	}
	ev := events.New(events.RoleAssistant)
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text == "" {
				continue
			}
			ev.AppendSegment(events.TextSegment{Text: block.Text})
		case "tool_use":
			ev.AppendSegment(events.ToolCallSegment{
				ID:   block.ID,
				Name: block.Name,
				Args: decodeArgs(block.Input),
			})
		}
	}
	ev.ResponseMeta = &events.ResponseMeta{
		Model:      string(msg.Model),
		StopReason: string(msg.StopReason),
		Usage: events.TokenUsage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
			TotalTokens:  int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}
	return ev, nil
}

// decodeArgs normalizes the SDK tool input payload into a map. Unparseable
// payloads degrade to a raw wrapper rather than failing the turn.
func decodeArgs(input any) map[string]any {
	switch v := input.(type) {
	case nil:
		return nil
	case map[string]any:
		return v
	case json.RawMessage:
		var m map[string]any
		if err := json.Unmarshal(v, &m); err == nil {
			return m
		}
		return map[string]any{"raw": string(v)}
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			return map[string]any{"raw": string(data)}
		}
		return m
	}
}
