// Package openairesponses provides a providers.Client implementation backed
// by the OpenAI Responses API. This is the surface for reasoning models and
// vendor-executed built-in tools (web search, code interpreter, remote MCP):
// conversations render to input item lists that preserve reasoning items and
// built-in call items so multi-turn reasoning context survives replay.
package openairesponses

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	openai "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/packages/ssestream"
	"github.com/openai/openai-go/v2/responses"
	"github.com/openai/openai-go/v2/shared"

	"github.com/budchat/budchat/events"
	"github.com/budchat/budchat/providers"
)

// DefaultToolOutputCap bounds stringified tool outputs sent back to the
// model when the request does not override it. Responses contexts tolerate
// larger payloads than Chat Completions.
const DefaultToolOutputCap = 50000

// Reasoning defaults applied when the request leaves them empty.
const (
	DefaultReasoningEffort  = "medium"
	DefaultReasoningSummary = "auto"
)

type (
	// ResponsesClient captures the subset of the openai-go responses service
	// used by the adapter.
	ResponsesClient interface {
		New(ctx context.Context, body responses.ResponseNewParams, opts ...option.RequestOption) (*responses.Response, error)
		NewStreaming(ctx context.Context, body responses.ResponseNewParams, opts ...option.RequestOption) *ssestream.Stream[responses.ResponseStreamEventUnion]
	}

	// Options configures the adapter.
	Options struct {
		// DefaultModel is used when Request.Model is empty.
		DefaultModel string
	}

	// Client implements providers.Client via the Responses API.
	Client struct {
		svc          ResponsesClient
		defaultModel string
	}
)

// New builds a Responses-backed client.
func New(svc ResponsesClient, opts Options) (*Client, error) {
	if svc == nil {
		return nil, errors.New("openai responses client is required")
	}
	return &Client{svc: svc, defaultModel: opts.DefaultModel}, nil
}

// NewFromAPIKey constructs a client using the default openai-go HTTP
// client.
func NewFromAPIKey(apiKey string, opts Options) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	oc := openai.NewClient(option.WithAPIKey(apiKey))
	return New(&oc.Responses, opts)
}

// Complete issues a non-streaming request and translates the output items
// into one assistant Event.
func (c *Client) Complete(ctx context.Context, req providers.Request) (events.Event, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return events.Event{}, err
	}
	resp, err := c.svc.New(ctx, *params)
	if err != nil {
		return events.Event{}, wrapError("openai responses", err)
	}
	return DecodeResponse(resp)
}

// Stream issues a streaming request and adapts the semantic event stream
// into normalized StreamEvents.
func (c *Client) Stream(ctx context.Context, req providers.Request) (providers.Streamer, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	stream := c.svc.NewStreaming(ctx, *params)
	if err := stream.Err(); err != nil {
		return nil, wrapError("openai responses stream", err)
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

func (c *Client) prepareRequest(req providers.Request) (*responses.ResponseNewParams, error) {
	if len(req.Events) == 0 {
		return nil, errors.New("openai responses: events are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	if modelID == "" {
		return nil, errors.New("openai responses: model identifier is required")
	}
	outputCap := req.ToolOutputCap
	if outputCap <= 0 {
		outputCap = DefaultToolOutputCap
	}
	items, err := EncodeInput(req.Events, outputCap)
	if err != nil {
		return nil, err
	}
	params := responses.ResponseNewParams{
		Model: shared.ResponsesModel(modelID),
		Input: responses.ResponseNewParamsInputUnion{OfInputItemList: items},
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxOutputTokens = openai.Int(int64(req.MaxTokens))
	}
	if tools := encodeTools(req.Tools, req.BuiltIn); len(tools) > 0 {
		params.Tools = tools
	}
	params.Reasoning = encodeReasoning(req)
	return &params, nil
}

// encodeReasoning resolves effort and summary for the request. Effort and
// summary are always sent so reasoning items stream back. Built-in tools
// reject "minimal" effort, so it is raised to "low" whenever any built-in
// tool is enabled.
func encodeReasoning(req providers.Request) shared.ReasoningParam {
	effort := req.ReasoningEffort
	if effort == "" {
		effort = DefaultReasoningEffort
	}
	if effort == "minimal" && hasBuiltIn(req.BuiltIn) {
		effort = "low"
	}
	summary := req.ReasoningSummary
	if summary == "" {
		summary = DefaultReasoningSummary
	}
	return shared.ReasoningParam{
		Effort:  shared.ReasoningEffort(effort),
		Summary: shared.ReasoningSummary(summary),
	}
}

func hasBuiltIn(b providers.BuiltInTools) bool {
	return b.WebSearch || b.CodeInterpreter || len(b.MCPServers) > 0
}

// EncodeInput renders the normalized event array into a Responses input
// item list. Unlike Chat Completions this surface keeps reasoning and
// built-in call items in the replayed conversation: a reasoning segment
// with a vendor item id becomes a reasoning item ahead of the turn's
// message, MCP-labelled tool calls become mcp_call items with inline
// output, and plain tool calls split into function_call plus a later
// function_call_output. Placeholder assistant events and duplicate event
// ids are dropped first.
func EncodeInput(evs []events.Event, toolOutputCap int) (responses.ResponseInputParam, error) {
	items := make(responses.ResponseInputParam, 0, len(evs))
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
				items = append(items, textMessage(t, responses.EasyInputMessageRoleSystem))
			}
		case events.RoleUser:
			if t := e.Text(); t != "" {
				items = append(items, textMessage(t, responses.EasyInputMessageRoleUser))
			}
		case events.RoleAssistant:
			turn, err := encodeAssistantTurn(e, toolOutputCap)
			if err != nil {
				return nil, err
			}
			items = append(items, turn...)
		case events.RoleTool:
			for _, s := range e.Segments {
				if tr, ok := s.(events.ToolResultSegment); ok {
					items = append(items, responses.ResponseInputItemParamOfFunctionCallOutput(
						tr.ToolCallID,
						providers.Truncate(stringify(tr.Output, tr.Error), toolOutputCap),
					))
				}
			}
		default:
			return nil, fmt.Errorf("openai responses: unsupported role %q", e.Role)
		}
	}
	return items, nil
}

func textMessage(text string, role responses.EasyInputMessageRole) responses.ResponseInputItemUnionParam {
	return responses.ResponseInputItemUnionParam{
		OfMessage: &responses.EasyInputMessageParam{
			Role:    role,
			Content: responses.EasyInputMessageContentUnionParam{OfString: openai.String(text)},
		},
	}
}

// encodeAssistantTurn expands one assistant event into its input items in
// segment order. Segment order already places reasoning first, so the
// reasoning item precedes the message item the vendor pairs it with.
func encodeAssistantTurn(e events.Event, toolOutputCap int) ([]responses.ResponseInputItemUnionParam, error) {
	var items []responses.ResponseInputItemUnionParam
	for _, s := range e.Segments {
		switch seg := s.(type) {
		case events.ReasoningSegment:
			// Reasoning items replay only with their vendor item id; a
			// synthetic id would be rejected on the next turn.
			if seg.ItemID == "" {
				continue
			}
			item := responses.ResponseReasoningItemParam{ID: seg.ItemID}
			for _, part := range seg.Parts {
				item.Summary = append(item.Summary, responses.ResponseReasoningItemSummaryParam{
					Text: part.Text,
				})
			}
			items = append(items, responses.ResponseInputItemUnionParam{OfReasoning: &item})
		case events.TextSegment:
			if seg.Text != "" {
				items = append(items, textMessage(seg.Text, responses.EasyInputMessageRoleAssistant))
			}
		case events.ToolCallSegment:
			if seg.Name == "" {
				return nil, fmt.Errorf("openai responses: tool_call %q missing name", seg.ID)
			}
			args := "{}"
			if seg.Args != nil {
				data, err := json.Marshal(seg.Args)
				if err != nil {
					return nil, fmt.Errorf("openai responses: marshal args for %q: %w", seg.ID, err)
				}
				args = string(data)
			}
			if seg.ServerLabel != "" {
				// MCP calls carry their output inline instead of a separate
				// function_call_output item.
				mcp := responses.ResponseInputItemMcpCallParam{
					ID:          seg.ID,
					Name:        seg.Name,
					Arguments:   args,
					ServerLabel: seg.ServerLabel,
				}
				if seg.Output != nil {
					mcp.Output = openai.String(providers.Truncate(stringify(seg.Output, ""), toolOutputCap))
				}
				if seg.Error != "" {
					mcp.Error = openai.String(seg.Error)
				}
				items = append(items, responses.ResponseInputItemUnionParam{OfMcpCall: &mcp})
				continue
			}
			items = append(items, responses.ResponseInputItemParamOfFunctionCall(args, seg.ID, seg.Name))
		case events.WebSearchCallSegment, events.CodeInterpreterCallSegment:
			// Built-in call items are vendor-owned state; replaying them is
			// unnecessary and their synthetic ids would be rejected.
		}
	}
	return items, nil
}

func stringify(output any, errMsg string) string {
	payload := output
	if errMsg != "" {
		if output == nil {
			payload = map[string]any{"error": errMsg}
		} else {
			payload = map[string]any{"output": output, "error": errMsg}
		}
	}
	switch v := payload.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

func encodeTools(defs []providers.ToolDefinition, builtIn providers.BuiltInTools) []responses.ToolUnionParam {
	var out []responses.ToolUnionParam
	for _, def := range defs {
		if def.Name == "" {
			continue
		}
		fn := responses.FunctionToolParam{
			Name:   def.Name,
			Strict: openai.Bool(false),
		}
		if def.Description != "" {
			fn.Description = openai.String(def.Description)
		}
		if def.InputSchema != nil {
			fn.Parameters = shared.FunctionParameters(def.InputSchema)
		}
		out = append(out, responses.ToolUnionParam{OfFunction: &fn})
	}
	if builtIn.WebSearch {
		out = append(out, responses.ToolUnionParam{
			OfWebSearch: &responses.WebSearchToolParam{Type: responses.WebSearchToolTypeWebSearch},
		})
	}
	if builtIn.CodeInterpreter {
		out = append(out, responses.ToolUnionParam{
			OfCodeInterpreter: &responses.ToolCodeInterpreterParam{
				Container: responses.ToolCodeInterpreterContainerUnionParam{
					OfCodeInterpreterContainerAuto: &responses.ToolCodeInterpreterContainerCodeInterpreterContainerAutoParam{},
				},
			},
		})
	}
	for _, srv := range builtIn.MCPServers {
		mcp := responses.ToolMcpParam{
			ServerLabel: srv.Label,
			ServerURL:   openai.String(srv.URL),
			RequireApproval: responses.ToolMcpRequireApprovalUnionParam{
				OfMcpToolApprovalSetting: openai.String("never"),
			},
		}
		if len(srv.AllowedTools) > 0 {
			mcp.AllowedTools = responses.ToolMcpAllowedToolsUnionParam{
				OfMcpAllowedTools: srv.AllowedTools,
			}
		}
		out = append(out, responses.ToolUnionParam{OfMcp: &mcp})
	}
	return out
}

// DecodeResponse converts the output item list into one assistant Event:
// reasoning items become reasoning segments keyed by their vendor item id,
// message items become text, function and MCP calls become tool_call
// segments, and built-in calls keep their status and query/code.
func DecodeResponse(resp *responses.Response) (events.Event, error) {
	if resp == nil {
		return events.Event{}, errors.New("openai responses: response is nil")
	}
	ev := events.New(events.RoleAssistant)
	for _, item := range resp.Output {
		switch out := item.AsAny().(type) {
		case responses.ResponseReasoningItem:
			seg := events.ReasoningSegment{ItemID: out.ID}
			for i, sum := range out.Summary {
				seg.Parts = append(seg.Parts, events.ReasoningPart{
					SummaryIndex: i,
					Text:         sum.Text,
					IsComplete:   true,
					Sequence:     i,
				})
			}
			ev.AppendSegment(seg)
		case responses.ResponseOutputMessage:
			for _, content := range out.Content {
				if text := content.Text; text != "" {
					ev.AppendSegment(events.TextSegment{ID: out.ID, Text: text})
				}
			}
		case responses.ResponseFunctionToolCall:
			ev.AppendSegment(events.ToolCallSegment{
				ID:   out.CallID,
				Name: out.Name,
				Args: parseArguments(out.Arguments),
			})
		case responses.ResponseOutputItemMcpCall:
			seg := events.ToolCallSegment{
				ID:          out.ID,
				Name:        out.Name,
				Args:        parseArguments(out.Arguments),
				ServerLabel: out.ServerLabel,
			}
			if out.Output != "" {
				seg.Output = out.Output
			}
			if out.Error != "" {
				seg.Error = out.Error
			}
			ev.AppendSegment(seg)
		case responses.ResponseFunctionWebSearch:
			ev.AppendSegment(events.WebSearchCallSegment{
				ItemID: out.ID,
				Status: events.BuiltInStatus(out.Status),
			})
		case responses.ResponseCodeInterpreterToolCall:
			ev.AppendSegment(events.CodeInterpreterCallSegment{
				ItemID: out.ID,
				Status: events.BuiltInStatus(out.Status),
				Code:   out.Code,
			})
		}
	}
	ev.ResponseMeta = &events.ResponseMeta{
		Model:      string(resp.Model),
		StopReason: stopReason(resp),
		Usage: events.TokenUsage{
			InputTokens:     int(resp.Usage.InputTokens),
			OutputTokens:    int(resp.Usage.OutputTokens),
			TotalTokens:     int(resp.Usage.TotalTokens),
			ReasoningTokens: int(resp.Usage.OutputTokensDetails.ReasoningTokens),
		},
	}
	return ev, nil
}

func stopReason(resp *responses.Response) string {
	if resp.IncompleteDetails.Reason != "" {
		return string(resp.IncompleteDetails.Reason)
	}
	return string(resp.Status)
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
