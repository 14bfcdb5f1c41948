package openairesponses

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"github.com/openai/openai-go/v2/packages/ssestream"
	"github.com/openai/openai-go/v2/responses"

	"github.com/budchat/budchat/events"
	"github.com/budchat/budchat/providers"
)

// testDecoder feeds a fixed sequence of events to the ssestream.Stream.
type testDecoder struct {
	events []ssestream.Event
	i      int
	err    error
}

func (d *testDecoder) Event() ssestream.Event { return d.events[d.i-1] }

func (d *testDecoder) Next() bool {
	if d.err != nil {
		return false
	}
	if d.i >= len(d.events) {
		return false
	}
	d.i++
	return true
}

func (d *testDecoder) Close() error { return nil }
func (d *testDecoder) Err() error   { return d.err }

func sseEvent(t *testing.T, payload string) ssestream.Event {
	t.Helper()
	var ev responses.ResponseStreamEventUnion
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	var typ struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal([]byte(payload), &typ); err != nil {
		t.Fatalf("unmarshal type: %v", err)
	}
	return ssestream.Event{Type: typ.Type, Data: json.RawMessage(payload)}
}

func collect(t *testing.T, s providers.Streamer) []providers.StreamEvent {
	t.Helper()
	var out []providers.StreamEvent
	for {
		ev, err := s.Recv()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				t.Fatalf("Recv: %v", err)
			}
			return out
		}
		out = append(out, ev)
	}
}

func TestStreamer_ReasoningPrecedesText(t *testing.T) {
	dec := &testDecoder{events: []ssestream.Event{
		sseEvent(t, `{"type":"response.output_item.added","output_index":0,"item":{"type":"reasoning","id":"rs_1"}}`),
		sseEvent(t, `{"type":"response.reasoning_summary_part.added","item_id":"rs_1","summary_index":0,"part":{"type":"summary_text","text":""}}`),
		sseEvent(t, `{"type":"response.reasoning_summary_text.delta","item_id":"rs_1","summary_index":0,"delta":"thinking"}`),
		sseEvent(t, `{"type":"response.reasoning_summary_part.done","item_id":"rs_1","summary_index":0}`),
		sseEvent(t, `{"type":"response.output_item.added","output_index":1,"item":{"type":"message","id":"msg_1","role":"assistant"}}`),
		sseEvent(t, `{"type":"response.output_text.delta","item_id":"msg_1","delta":"ans"}`),
		sseEvent(t, `{"type":"response.output_text.delta","item_id":"msg_1","delta":"wer"}`),
		sseEvent(t, `{"type":"response.output_item.done","output_index":1,"item":{"type":"message","id":"msg_1","role":"assistant","content":[{"type":"output_text","text":"answer"}]}}`),
		sseEvent(t, `{"type":"response.completed","response":{"status":"completed","usage":{"input_tokens":8,"output_tokens":4,"total_tokens":12,"output_tokens_details":{"reasoning_tokens":2}}}}`),
	}}
	s := newStreamer(context.Background(), ssestream.NewStream[responses.ResponseStreamEventUnion](dec, nil))
	defer func() { _ = s.Close() }()

	got := collect(t, s)

	// The reasoning start must arrive before any text delta.
	var reasoningAt, textAt = -1, -1
	for i, ev := range got {
		if ev.Type == providers.StreamReasoningStart && reasoningAt < 0 {
			reasoningAt = i
		}
		if ev.Type == providers.StreamText && textAt < 0 {
			textAt = i
		}
	}
	if reasoningAt < 0 || textAt < 0 || reasoningAt >= textAt {
		t.Fatalf("reasoning must precede text: reasoning=%d text=%d", reasoningAt, textAt)
	}

	var sawFinal, sawUsage, sawStop bool
	for _, ev := range got {
		switch ev.Type {
		case providers.StreamTextFinal:
			sawFinal = true
			if ev.ItemID != "msg_1" || ev.Text != "answer" {
				t.Fatalf("unexpected final text %+v", ev)
			}
		case providers.StreamUsage:
			sawUsage = true
			if ev.Usage.ReasoningTokens != 2 {
				t.Fatalf("unexpected usage %+v", ev.Usage)
			}
		case providers.StreamStop:
			sawStop = true
			if ev.StopReason != "completed" {
				t.Fatalf("unexpected stop reason %q", ev.StopReason)
			}
		}
	}
	if !sawFinal || !sawUsage || !sawStop {
		t.Fatalf("missing events: final=%v usage=%v stop=%v", sawFinal, sawUsage, sawStop)
	}
}

func TestStreamer_FunctionCallArgsAccumulate(t *testing.T) {
	dec := &testDecoder{events: []ssestream.Event{
		sseEvent(t, `{"type":"response.output_item.added","output_index":0,"item":{"type":"function_call","id":"fc_1","call_id":"call_1","name":"lookup"}}`),
		sseEvent(t, `{"type":"response.function_call_arguments.delta","item_id":"fc_1","delta":"{\"q\":"}`),
		sseEvent(t, `{"type":"response.function_call_arguments.delta","item_id":"fc_1","delta":"\"go\"}"}`),
		sseEvent(t, `{"type":"response.output_item.done","output_index":0,"item":{"type":"function_call","id":"fc_1","call_id":"call_1","name":"lookup","arguments":"{\"q\":\"go\"}"}}`),
		sseEvent(t, `{"type":"response.completed","response":{"status":"completed"}}`),
	}}
	s := newStreamer(context.Background(), ssestream.NewStream[responses.ResponseStreamEventUnion](dec, nil))
	defer func() { _ = s.Close() }()

	got := collect(t, s)

	var sawStart, sawDelta, sawCall bool
	for _, ev := range got {
		switch ev.Type {
		case providers.StreamToolStart:
			sawStart = true
			if ev.ToolID != "call_1" {
				t.Fatalf("tool start must use call_id, got %q", ev.ToolID)
			}
		case providers.StreamToolArgsDelta:
			sawDelta = true
		case providers.StreamToolCall:
			sawCall = true
			if ev.ToolID != "call_1" || ev.Args["q"] != "go" {
				t.Fatalf("unexpected tool call %+v", ev)
			}
		}
	}
	if !sawStart || !sawDelta || !sawCall {
		t.Fatalf("missing events: start=%v delta=%v call=%v", sawStart, sawDelta, sawCall)
	}
}

func TestStreamer_McpCallEmitsInlineSegment(t *testing.T) {
	dec := &testDecoder{events: []ssestream.Event{
		sseEvent(t, `{"type":"response.output_item.added","output_index":0,"item":{"type":"mcp_call","id":"mcp_1","name":"fetch_doc","server_label":"docs"}}`),
		sseEvent(t, `{"type":"response.output_item.done","output_index":0,"item":{"type":"mcp_call","id":"mcp_1","name":"fetch_doc","server_label":"docs","arguments":"{}","output":"contents"}}`),
		sseEvent(t, `{"type":"response.completed","response":{"status":"completed"}}`),
	}}
	s := newStreamer(context.Background(), ssestream.NewStream[responses.ResponseStreamEventUnion](dec, nil))
	defer func() { _ = s.Close() }()

	got := collect(t, s)

	var seg events.ToolCallSegment
	var found bool
	for _, ev := range got {
		if ev.Type == providers.StreamBuiltIn {
			if tc, ok := ev.Segment.(events.ToolCallSegment); ok {
				seg = tc
				found = true
			}
		}
	}
	if !found {
		t.Fatal("expected built-in segment for mcp call")
	}
	if seg.ServerLabel != "docs" || seg.Output != "contents" {
		t.Fatalf("unexpected mcp segment %+v", seg)
	}
}

func TestStreamer_WebSearchStatusProgression(t *testing.T) {
	dec := &testDecoder{events: []ssestream.Event{
		sseEvent(t, `{"type":"response.web_search_call.in_progress","item_id":"ws_1"}`),
		sseEvent(t, `{"type":"response.web_search_call.searching","item_id":"ws_1"}`),
		sseEvent(t, `{"type":"response.web_search_call.completed","item_id":"ws_1"}`),
		sseEvent(t, `{"type":"response.completed","response":{"status":"completed"}}`),
	}}
	s := newStreamer(context.Background(), ssestream.NewStream[responses.ResponseStreamEventUnion](dec, nil))
	defer func() { _ = s.Close() }()

	got := collect(t, s)

	var statuses []events.BuiltInStatus
	for _, ev := range got {
		if ev.Type == providers.StreamBuiltIn {
			if ws, ok := ev.Segment.(events.WebSearchCallSegment); ok {
				statuses = append(statuses, ws.Status)
			}
		}
	}
	want := []events.BuiltInStatus{events.BuiltInInProgress, events.BuiltInSearching, events.BuiltInCompleted}
	if len(statuses) != len(want) {
		t.Fatalf("expected %d status updates, got %v", len(want), statuses)
	}
	for i := range want {
		if statuses[i] != want[i] {
			t.Fatalf("unexpected status sequence %v", statuses)
		}
	}
}

func TestStreamer_FailedResponseIsError(t *testing.T) {
	dec := &testDecoder{events: []ssestream.Event{
		sseEvent(t, `{"type":"response.failed","response":{"status":"failed","error":{"message":"upstream exploded"}}}`),
	}}
	s := newStreamer(context.Background(), ssestream.NewStream[responses.ResponseStreamEventUnion](dec, nil))
	defer func() { _ = s.Close() }()

	for {
		_, err := s.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				t.Fatal("expected a hard error, got clean EOF")
			}
			return
		}
	}
}
