// Package openaichat provides a providers.Client implementation backed by
// the OpenAI Chat Completions API using github.com/openai/openai-go. It
// renders normalized conversation events into chat messages and maps
// responses and SSE deltas back into events.Event values.
package openaichat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	openai "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/packages/ssestream"

	"github.com/budchat/budchat/events"
	"github.com/budchat/budchat/providers"
)

// DefaultToolOutputCap bounds stringified tool outputs sent back to the
// model when the request does not override it. Chat Completions contexts
// overflow faster than Responses, so this cap is the lower of the two.
const DefaultToolOutputCap = 30000

type (
	// CompletionsClient captures the subset of the openai-go client used by
	// the adapter. It is satisfied by the SDK's chat completion service so
	// tests can substitute a fake.
	CompletionsClient interface {
		New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
		NewStreaming(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) *ssestream.Stream[openai.ChatCompletionChunk]
	}

	// Options configures the adapter.
	Options struct {
		// DefaultModel is used when Request.Model is empty.
		DefaultModel string
	}

	// Client implements providers.Client via the Chat Completions API.
	Client struct {
		chat         CompletionsClient
		defaultModel string
	}
)

// New builds a Chat Completions-backed client.
func New(chat CompletionsClient, opts Options) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai chat client is required")
	}
	return &Client{chat: chat, defaultModel: opts.DefaultModel}, nil
}

// NewFromAPIKey constructs a client using the default openai-go HTTP
// client.
func NewFromAPIKey(apiKey string, opts Options) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	oc := openai.NewClient(option.WithAPIKey(apiKey))
	return New(&oc.Chat.Completions, opts)
}

// Complete issues a non-streaming request and translates the single choice
// into one assistant Event.
func (c *Client) Complete(ctx context.Context, req providers.Request) (events.Event, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return events.Event{}, err
	}
	resp, err := c.chat.New(ctx, *params)
	if err != nil {
		return events.Event{}, wrapError("openai chat completion", err)
	}
	return DecodeResponse(resp)
}

// Stream issues a streaming request and adapts the SSE chunk stream into
// normalized StreamEvents.
func (c *Client) Stream(ctx context.Context, req providers.Request) (providers.Streamer, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{
		IncludeUsage: openai.Bool(true),
	}
	stream := c.chat.NewStreaming(ctx, *params)
	if err := stream.Err(); err != nil {
		return nil, wrapError("openai chat completion stream", err)
	}
	return newStreamer(ctx, stream), nil
}

// wrapError prefixes err with the failed operation. Vendor throttling
// (HTTP 429) is additionally joined with providers.ErrRateLimited so rate
// limit middleware can observe it without inspecting SDK types.
func wrapError(op string, err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
		err = errors.Join(providers.ErrRateLimited, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (c *Client) prepareRequest(req providers.Request) (*openai.ChatCompletionNewParams, error) {
	if len(req.Events) == 0 {
		return nil, errors.New("openai chat: events are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	if modelID == "" {
		return nil, errors.New("openai chat: model identifier is required")
	}
	outputCap := req.ToolOutputCap
	if outputCap <= 0 {
		outputCap = DefaultToolOutputCap
	}
	msgs, err := EncodeMessages(req.Events, outputCap)
	if err != nil {
		return nil, err
	}
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(modelID),
		Messages: msgs,
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if tools := encodeTools(req.Tools); len(tools) > 0 {
		params.Tools = tools
	}
	return &params, nil
}

// EncodeMessages renders the normalized event array into Chat Completions
// message params. System/user/assistant text turns map 1:1; tool_call
// segments become tool_calls entries with JSON-stringified arguments; a
// tool-role event carrying a tool_result segment becomes a standalone
// tool message whose content is the stringified, length-capped output.
// Placeholder assistant events and duplicate event ids are dropped first:
// the vendor rejects empty assistant turns, and a concurrent update race
// could otherwise inject the same turn twice.
func EncodeMessages(evs []events.Event, toolOutputCap int) ([]openai.ChatCompletionMessageParamUnion, error) {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(evs))
	seen := make(map[string]bool, len(evs))

	for _, e := range evs {
		if e.ID != "" && seen[e.ID] {
			continue
		}
		seen[e.ID] = true
		if events.IsPlaceholder(e) {
			continue
		}
		switch e.Role {
		case events.RoleSystem:
			if t := e.Text(); t != "" {
				out = append(out, openai.SystemMessage(t))
			}
		case events.RoleUser:
			if t := e.Text(); t != "" {
				out = append(out, openai.UserMessage(t))
			}
		case events.RoleAssistant:
			msg, ok, err := encodeAssistant(e)
			if err != nil {
				return nil, err
			}
			if ok {
				out = append(out, msg)
			}
		case events.RoleTool:
			for _, s := range e.Segments {
				if tr, ok := s.(events.ToolResultSegment); ok {
					out = append(out, openai.ToolMessage(stringifyOutput(tr, toolOutputCap), tr.ToolCallID))
				}
			}
		default:
			return nil, fmt.Errorf("openai chat: unsupported role %q", e.Role)
		}
	}
	return out, nil
}

func encodeAssistant(e events.Event) (openai.ChatCompletionMessageParamUnion, bool, error) {
	var text string
	var toolCalls []openai.ChatCompletionMessageToolCallUnionParam
	for _, s := range e.Segments {
		switch seg := s.(type) {
		case events.TextSegment:
			text += seg.Text
		case events.ToolCallSegment:
			if seg.Name == "" {
				return openai.ChatCompletionMessageParamUnion{}, false, fmt.Errorf("openai chat: tool_call %q missing name", seg.ID)
			}
			args := "{}"
			if seg.Args != nil {
				data, err := json.Marshal(seg.Args)
				if err != nil {
					return openai.ChatCompletionMessageParamUnion{}, false, fmt.Errorf("openai chat: marshal args for %q: %w", seg.ID, err)
				}
				args = string(data)
			}
			toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCallUnionParam{
				OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
					ID: seg.ID,
					Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
						Name:      seg.Name,
						Arguments: args,
					},
				},
			})
		case events.ReasoningSegment, events.WebSearchCallSegment, events.CodeInterpreterCallSegment:
			// Chat Completions has no reply shape for reasoning or built-in
			// calls; they are dropped here and surfaced as transcript
			// warnings on export.
		}
	}
	if text == "" && len(toolCalls) == 0 {
		return openai.ChatCompletionMessageParamUnion{}, false, nil
	}
	// Content is always present; a tool-only turn sends an empty string.
	assistant := openai.ChatCompletionAssistantMessageParam{
		Content: openai.ChatCompletionAssistantMessageParamContentUnion{
			OfString: openai.String(text),
		},
		ToolCalls: toolCalls,
	}
	return openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant}, true, nil
}

func stringifyOutput(tr events.ToolResultSegment, outputCap int) string {
	payload := tr.Output
	if tr.Error != "" {
		payload = map[string]any{"output": tr.Output, "error": tr.Error}
		if tr.Output == nil {
			payload = map[string]any{"error": tr.Error}
		}
	}
	var content string
	switch v := payload.(type) {
	case nil:
		content = ""
	case string:
		content = v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			content = fmt.Sprintf("%v", v)
		} else {
			content = string(data)
		}
	}
	return providers.Truncate(content, outputCap)
}

func encodeTools(defs []providers.ToolDefinition) []openai.ChatCompletionToolUnionParam {
	if len(defs) == 0 {
		return nil
	}
	out := make([]openai.ChatCompletionToolUnionParam, 0, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			continue
		}
		fn := openai.FunctionDefinitionParam{Name: def.Name}
		if def.Description != "" {
			fn.Description = openai.String(def.Description)
		}
		if def.InputSchema != nil {
			fn.Parameters = openai.FunctionParameters(def.InputSchema)
		}
		out = append(out, openai.ChatCompletionFunctionTool(fn))
	}
	return out
}

// DecodeResponse converts the single choice's message back into one
// assistant Event; tool_calls on the message become tool_call segments
// with parsed (not string) arguments.
func DecodeResponse(resp *openai.ChatCompletion) (events.Event, error) {
	if resp == nil || len(resp.Choices) == 0 {
		return events.Event{}, errors.New("openai chat: response has no choices")
	}
	choice := resp.Choices[0]
	ev := events.New(events.RoleAssistant)
	if choice.Message.Content != "" {
		ev.AppendSegment(events.TextSegment{Text: choice.Message.Content})
	}
	for _, tc := range choice.Message.ToolCalls {
		ev.AppendSegment(events.ToolCallSegment{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: parseArguments(tc.Function.Arguments),
		})
	}
	ev.ResponseMeta = &events.ResponseMeta{
		Model:      resp.Model,
		StopReason: string(choice.FinishReason),
		Usage: events.TokenUsage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:  int(resp.Usage.TotalTokens),
		},
	}
	return ev, nil
}

// parseArguments decodes tool argument JSON leniently: a malformed payload
// degrades to a raw wrapper instead of failing the turn.
func parseArguments(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]any{"raw": raw}
	}
	return args
}
