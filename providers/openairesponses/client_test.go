package openairesponses

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	openai "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/packages/ssestream"
	"github.com/openai/openai-go/v2/responses"

	"github.com/budchat/budchat/events"
	"github.com/budchat/budchat/providers"
)

type stubResponsesClient struct {
	lastParams responses.ResponseNewParams
	resp       *responses.Response
	err        error

	stream *ssestream.Stream[responses.ResponseStreamEventUnion]
}

func (s *stubResponsesClient) New(_ context.Context, body responses.ResponseNewParams, _ ...option.RequestOption) (*responses.Response, error) {
	s.lastParams = body
	return s.resp, s.err
}

func (s *stubResponsesClient) NewStreaming(_ context.Context, body responses.ResponseNewParams, _ ...option.RequestOption) *ssestream.Stream[responses.ResponseStreamEventUnion] {
	s.lastParams = body
	if s.stream == nil {
		s.stream = ssestream.NewStream[responses.ResponseStreamEventUnion](&testDecoder{}, nil)
	}
	return s.stream
}

func mustResponse(t *testing.T, payload string) *responses.Response {
	t.Helper()
	var resp responses.Response
	if err := json.Unmarshal([]byte(payload), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	return &resp
}

func TestComplete_ReasoningThenMessage(t *testing.T) {
	stub := &stubResponsesClient{}
	cl, err := New(stub, Options{DefaultModel: "gpt-5"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	stub.resp = mustResponse(t, `{
		"model": "gpt-5",
		"status": "completed",
		"output": [
			{"type": "reasoning", "id": "rs_1", "summary": [{"type": "summary_text", "text": "thinking"}]},
			{"type": "message", "id": "msg_1", "role": "assistant", "content": [{"type": "output_text", "text": "answer"}]}
		],
		"usage": {"input_tokens": 20, "output_tokens": 10, "total_tokens": 30, "output_tokens_details": {"reasoning_tokens": 6}}
	}`)

	req := providers.Request{Events: []events.Event{events.NewText(events.RoleUser, "hi")}}
	ev, err := cl.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if len(ev.Segments) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(ev.Segments))
	}
	rs, ok := ev.Segments[0].(events.ReasoningSegment)
	if !ok {
		t.Fatalf("expected reasoning first, got %T", ev.Segments[0])
	}
	if rs.ItemID != "rs_1" || len(rs.Parts) != 1 || rs.Parts[0].Text != "thinking" {
		t.Fatalf("unexpected reasoning %+v", rs)
	}
	txt := ev.Segments[1].(events.TextSegment)
	if txt.ID != "msg_1" || txt.Text != "answer" {
		t.Fatalf("unexpected text %+v", txt)
	}
	if ev.ResponseMeta.Usage.ReasoningTokens != 6 {
		t.Fatalf("unexpected usage %+v", ev.ResponseMeta.Usage)
	}
	if ev.ResponseMeta.StopReason != "completed" {
		t.Fatalf("unexpected stop reason %q", ev.ResponseMeta.StopReason)
	}
}

func TestComplete_FunctionCallUsesCallID(t *testing.T) {
	stub := &stubResponsesClient{}
	cl, err := New(stub, Options{DefaultModel: "gpt-5"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	stub.resp = mustResponse(t, `{
		"status": "completed",
		"output": [
			{"type": "function_call", "id": "fc_1", "call_id": "call_abc", "name": "lookup", "arguments": "{\"q\":\"go\"}"}
		]
	}`)

	req := providers.Request{Events: []events.Event{events.NewText(events.RoleUser, "x")}}
	ev, err := cl.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	call := ev.Segments[0].(events.ToolCallSegment)
	if call.ID != "call_abc" {
		t.Fatalf("tool call must use call_id, got %q", call.ID)
	}
	if call.Args["q"] != "go" {
		t.Fatalf("unexpected args %v", call.Args)
	}
}

func TestComplete_RateLimitedJoinsSentinel(t *testing.T) {
	httpReq, err := http.NewRequest(http.MethodPost, "https://api.openai.com/v1/responses", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	stub := &stubResponsesClient{err: &openai.Error{
		StatusCode: http.StatusTooManyRequests,
		Request:    httpReq,
		Response:   &http.Response{StatusCode: http.StatusTooManyRequests},
	}}
	cl, err := New(stub, Options{DefaultModel: "gpt-5"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	req := providers.Request{Events: []events.Event{events.NewText(events.RoleUser, "hi")}}
	_, err = cl.Complete(context.Background(), req)
	if !errors.Is(err, providers.ErrRateLimited) {
		t.Fatalf("expected rate limit sentinel, got %v", err)
	}
}

func TestComplete_ServerErrorIsNotRateLimited(t *testing.T) {
	httpReq, err := http.NewRequest(http.MethodPost, "https://api.openai.com/v1/responses", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	stub := &stubResponsesClient{err: &openai.Error{
		StatusCode: http.StatusInternalServerError,
		Request:    httpReq,
		Response:   &http.Response{StatusCode: http.StatusInternalServerError},
	}}
	cl, err := New(stub, Options{DefaultModel: "gpt-5"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	req := providers.Request{Events: []events.Event{events.NewText(events.RoleUser, "hi")}}
	_, err = cl.Complete(context.Background(), req)
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, providers.ErrRateLimited) {
		t.Fatalf("server errors must not map to the rate limit sentinel: %v", err)
	}
}

func TestRoundTrip_AssistantEchoPreservesContent(t *testing.T) {
	assistant := events.New(events.RoleAssistant,
		events.TextSegment{Text: "checking"},
		events.ToolCallSegment{ID: "call_1", Name: "lookup", Args: map[string]any{"q": "go"}},
	)
	evs := []events.Event{events.NewText(events.RoleUser, "look it up"), assistant}

	items, err := EncodeInput(evs, 0)
	if err != nil {
		t.Fatalf("EncodeInput: %v", err)
	}

	// Replay the encoded assistant items as output items: message params
	// carry a plain string the vendor echoes back as output_text, and
	// function_call params share the output item wire shape.
	var output []json.RawMessage
	for _, it := range items {
		switch {
		case it.OfMessage != nil && it.OfMessage.Role == responses.EasyInputMessageRoleAssistant:
			data, err := json.Marshal(map[string]any{
				"type": "message",
				"role": "assistant",
				"content": []map[string]any{
					{"type": "output_text", "text": it.OfMessage.Content.OfString.Value},
				},
			})
			if err != nil {
				t.Fatalf("marshal message: %v", err)
			}
			output = append(output, data)
		case it.OfFunctionCall != nil:
			data, err := json.Marshal(it.OfFunctionCall)
			if err != nil {
				t.Fatalf("marshal function call: %v", err)
			}
			output = append(output, data)
		}
	}
	if len(output) != 2 {
		t.Fatalf("expected 2 assistant output items, got %d", len(output))
	}
	payload, err := json.Marshal(map[string]any{"status": "completed", "output": output})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}

	got, err := DecodeResponse(mustResponse(t, string(payload)))
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if got.Text() != "checking" {
		t.Fatalf("unexpected text %q", got.Text())
	}
	var call events.ToolCallSegment
	for _, s := range got.Segments {
		if tc, ok := s.(events.ToolCallSegment); ok {
			call = tc
		}
	}
	if call.ID != "call_1" || call.Name != "lookup" {
		t.Fatalf("unexpected call %+v", call)
	}
	if call.Args["q"] != "go" {
		t.Fatalf("arguments changed across the echo: %v", call.Args)
	}
}

func TestComplete_McpCallCarriesInlineOutput(t *testing.T) {
	stub := &stubResponsesClient{}
	cl, err := New(stub, Options{DefaultModel: "gpt-5"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	stub.resp = mustResponse(t, `{
		"status": "completed",
		"output": [
			{"type": "mcp_call", "id": "mcp_1", "name": "fetch_doc", "server_label": "docs", "arguments": "{}", "output": "contents"}
		]
	}`)

	req := providers.Request{Events: []events.Event{events.NewText(events.RoleUser, "x")}}
	ev, err := cl.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	call := ev.Segments[0].(events.ToolCallSegment)
	if call.ServerLabel != "docs" || call.Output != "contents" {
		t.Fatalf("unexpected mcp call %+v", call)
	}
}

func TestComplete_IncompleteReasonWins(t *testing.T) {
	stub := &stubResponsesClient{}
	cl, err := New(stub, Options{DefaultModel: "gpt-5"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	stub.resp = mustResponse(t, `{
		"status": "incomplete",
		"incomplete_details": {"reason": "max_output_tokens"},
		"output": [
			{"type": "message", "id": "msg_1", "role": "assistant", "content": [{"type": "output_text", "text": "partial"}]}
		]
	}`)

	req := providers.Request{Events: []events.Event{events.NewText(events.RoleUser, "x")}}
	ev, err := cl.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if ev.ResponseMeta.StopReason != "max_output_tokens" {
		t.Fatalf("unexpected stop reason %q", ev.ResponseMeta.StopReason)
	}
}

func TestEncodeInput_ReasoningReplaysOnlyWithItemID(t *testing.T) {
	evs := []events.Event{
		events.NewText(events.RoleUser, "hi"),
		events.New(events.RoleAssistant,
			events.ReasoningSegment{ItemID: "rs_1", Parts: []events.ReasoningPart{{Text: "thought"}}},
			events.TextSegment{ID: "msg_1", Text: "reply"},
		),
		events.New(events.RoleAssistant,
			events.ReasoningSegment{Parts: []events.ReasoningPart{{Text: "no id"}}},
			events.TextSegment{Text: "second"},
		),
	}

	items, err := EncodeInput(evs, 0)
	if err != nil {
		t.Fatalf("EncodeInput: %v", err)
	}
	// user, reasoning, assistant message, assistant message (reasoning
	// without item id dropped)
	if len(items) != 4 {
		t.Fatalf("expected 4 items, got %d", len(items))
	}
	if items[1].OfReasoning == nil || items[1].OfReasoning.ID != "rs_1" {
		t.Fatalf("expected reasoning item with vendor id, got %+v", items[1])
	}
	if items[1].OfReasoning.Summary[0].Text != "thought" {
		t.Fatalf("unexpected summary %+v", items[1].OfReasoning.Summary)
	}
	if items[3].OfMessage == nil {
		t.Fatalf("expected plain message for turn without reasoning id, got %+v", items[3])
	}
}

func TestEncodeInput_ToolLoopSplitsCallAndOutput(t *testing.T) {
	evs := []events.Event{
		events.NewText(events.RoleUser, "look it up"),
		events.New(events.RoleAssistant,
			events.ToolCallSegment{ID: "call_1", Name: "lookup", Args: map[string]any{"q": "go"}},
		),
		events.New(events.RoleTool,
			events.ToolResultSegment{ToolCallID: "call_1", Output: "result"},
		),
	}

	items, err := EncodeInput(evs, 0)
	if err != nil {
		t.Fatalf("EncodeInput: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(items))
	}
	fc := items[1].OfFunctionCall
	if fc == nil || fc.CallID != "call_1" || fc.Name != "lookup" {
		t.Fatalf("unexpected function call %+v", items[1])
	}
	if fc.Arguments != `{"q":"go"}` {
		t.Fatalf("arguments must be stringified, got %q", fc.Arguments)
	}
	fco := items[2].OfFunctionCallOutput
	if fco == nil || fco.CallID != "call_1" {
		t.Fatalf("unexpected function call output %+v", items[2])
	}
}

func TestEncodeInput_McpCallInline(t *testing.T) {
	evs := []events.Event{
		events.NewText(events.RoleUser, "x"),
		events.New(events.RoleAssistant,
			events.ToolCallSegment{ID: "mcp_1", Name: "fetch_doc", ServerLabel: "docs", Args: map[string]any{}, Output: "contents"},
		),
	}

	items, err := EncodeInput(evs, 0)
	if err != nil {
		t.Fatalf("EncodeInput: %v", err)
	}
	mcp := items[1].OfMcpCall
	if mcp == nil || mcp.ServerLabel != "docs" {
		t.Fatalf("expected mcp_call item, got %+v", items[1])
	}
	if mcp.Output.Value != "contents" {
		t.Fatalf("expected inline output, got %+v", mcp.Output)
	}
}

func TestPrepareRequest_MinimalEffortRaisedWithBuiltIns(t *testing.T) {
	stub := &stubResponsesClient{}
	cl, err := New(stub, Options{DefaultModel: "gpt-5"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	req := providers.Request{
		Events:          []events.Event{events.NewText(events.RoleUser, "hi")},
		ReasoningEffort: "minimal",
		BuiltIn:         providers.BuiltInTools{WebSearch: true},
	}
	params, err := cl.prepareRequest(req)
	if err != nil {
		t.Fatalf("prepareRequest: %v", err)
	}
	if string(params.Reasoning.Effort) != "low" {
		t.Fatalf("expected effort raised to low, got %q", params.Reasoning.Effort)
	}

	// Without built-ins, minimal passes through.
	req.BuiltIn = providers.BuiltInTools{}
	params, err = cl.prepareRequest(req)
	if err != nil {
		t.Fatalf("prepareRequest: %v", err)
	}
	if string(params.Reasoning.Effort) != "minimal" {
		t.Fatalf("expected minimal effort, got %q", params.Reasoning.Effort)
	}
}

func TestPrepareRequest_BuiltInTools(t *testing.T) {
	stub := &stubResponsesClient{}
	cl, err := New(stub, Options{DefaultModel: "gpt-5"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	req := providers.Request{
		Events: []events.Event{events.NewText(events.RoleUser, "hi")},
		Tools: []providers.ToolDefinition{
			{Name: "lookup", InputSchema: map[string]any{"type": "object"}},
		},
		BuiltIn: providers.BuiltInTools{
			WebSearch:       true,
			CodeInterpreter: true,
			MCPServers: []providers.MCPServer{
				{Label: "docs", URL: "https://example.com/mcp", AllowedTools: []string{"fetch_doc"}},
			},
		},
	}
	params, err := cl.prepareRequest(req)
	if err != nil {
		t.Fatalf("prepareRequest: %v", err)
	}
	if len(params.Tools) != 4 {
		t.Fatalf("expected 4 tools, got %d", len(params.Tools))
	}
	var sawFn, sawWeb, sawCode, sawMcp bool
	for _, tool := range params.Tools {
		switch {
		case tool.OfFunction != nil:
			sawFn = true
		case tool.OfWebSearch != nil:
			sawWeb = true
		case tool.OfCodeInterpreter != nil:
			sawCode = true
		case tool.OfMcp != nil:
			sawMcp = true
			if tool.OfMcp.ServerLabel != "docs" {
				t.Fatalf("unexpected mcp tool %+v", tool.OfMcp)
			}
		}
	}
	if !sawFn || !sawWeb || !sawCode || !sawMcp {
		t.Fatalf("missing tools: fn=%v web=%v code=%v mcp=%v", sawFn, sawWeb, sawCode, sawMcp)
	}
}
