package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/budchat/budchat/config"
	"github.com/budchat/budchat/events"
	"github.com/budchat/budchat/providers"
	"github.com/budchat/budchat/store/inmem"
	"github.com/budchat/budchat/stream"
)

type (
	// fakeClient replays one scripted stream per invocation. The last
	// script repeats when invocations outnumber scripts.
	fakeClient struct {
		scripts   [][]providers.StreamEvent
		calls     int
		lastReq   providers.Request
		streamErr error
	}

	fakeStreamer struct {
		events []providers.StreamEvent
		i      int
		err    error
	}
)

func (c *fakeClient) Complete(_ context.Context, req providers.Request) (events.Event, error) {
	return events.Event{}, errors.New("not used")
}

func (c *fakeClient) Stream(_ context.Context, req providers.Request) (providers.Streamer, error) {
	c.lastReq = req
	idx := c.calls
	if idx >= len(c.scripts) {
		idx = len(c.scripts) - 1
	}
	c.calls++
	return &fakeStreamer{events: c.scripts[idx], err: c.streamErr}, nil
}

func (s *fakeStreamer) Recv() (providers.StreamEvent, error) {
	if s.i >= len(s.events) {
		if s.err != nil {
			return providers.StreamEvent{}, s.err
		}
		return providers.StreamEvent{}, io.EOF
	}
	ev := s.events[s.i]
	s.i++
	return ev, nil
}

func (s *fakeStreamer) Close() error { return nil }

func textTurn(text string) []providers.StreamEvent {
	return []providers.StreamEvent{
		{Type: providers.StreamText, Text: text},
		{Type: providers.StreamUsage, Usage: &events.TokenUsage{InputTokens: 5, OutputTokens: 2, TotalTokens: 7}},
		{Type: providers.StreamStop, StopReason: "stop"},
	}
}

func toolTurn(id, name string, args map[string]any) []providers.StreamEvent {
	return []providers.StreamEvent{
		{Type: providers.StreamToolStart, ToolID: id, ToolName: name},
		{Type: providers.StreamToolCall, ToolID: id, ToolName: name, Args: args},
		{Type: providers.StreamStop, StopReason: "tool_use"},
	}
}

func newTestRunner(t *testing.T, client providers.Client, executor ToolExecutor) (*Runner, *inmem.Store, string) {
	t.Helper()
	st := inmem.New()
	conv, err := st.CreateConversation(context.Background(), "", "")
	require.NoError(t, err)
	r, err := NewRunner(Options{
		Clients:  map[providers.Name]providers.Client{providers.OpenAIChat: client},
		Store:    st,
		Executor: executor,
		Limits:   config.Limits{MaxIterations: 10},
	})
	require.NoError(t, err)
	return r, st, conv.ID
}

func TestRunTurn_SimpleText(t *testing.T) {
	client := &fakeClient{scripts: [][]providers.StreamEvent{textTurn("hello there")}}
	r, st, convID := newTestRunner(t, client, nil)
	sink := stream.NewMemorySink()

	res, err := r.RunTurn(context.Background(), TurnRequest{
		ConversationID: convID,
		UserText:       "hi",
		Model:          "gpt-4o",
	}, sink)
	require.NoError(t, err)
	require.Equal(t, 1, res.Iterations)
	require.False(t, res.CapReached)
	require.Equal(t, "hello there", res.Final.Text())
	require.NotNil(t, res.Final.ResponseMeta)
	require.Equal(t, "stop", res.Final.ResponseMeta.StopReason)
	require.Equal(t, 7, res.Final.ResponseMeta.Usage.TotalTokens)

	evs, err := st.LoadConversationEvents(context.Background(), convID)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	require.Equal(t, events.RoleUser, evs[0].Role)
	require.Equal(t, events.RoleAssistant, evs[1].Role)
	require.Equal(t, "hello there", evs[1].Text())

	types := sink.Types()
	require.Contains(t, types, stream.FrameToken)
	require.Contains(t, types, stream.FrameMessageFinal)
	require.Equal(t, stream.FrameDone, types[len(types)-1])
}

func TestRunTurn_CreatesAndAnnouncesConversation(t *testing.T) {
	client := &fakeClient{scripts: [][]providers.StreamEvent{textTurn("hello")}}
	st := inmem.New()
	r, err := NewRunner(Options{
		Clients: map[providers.Name]providers.Client{providers.OpenAIChat: client},
		Store:   st,
	})
	require.NoError(t, err)
	sink := stream.NewMemorySink()

	res, err := r.RunTurn(context.Background(), TurnRequest{
		UserText:    "hi",
		Model:       "gpt-4o",
		WorkspaceID: "ws1",
		BudID:       "bud1",
	}, sink)
	require.NoError(t, err)
	require.NotEmpty(t, res.ConversationID)

	conv, err := st.LoadConversation(context.Background(), res.ConversationID)
	require.NoError(t, err)
	require.Equal(t, "ws1", conv.WorkspaceID)
	require.Equal(t, "bud1", conv.BudID)

	// The announcement is the very first frame, ahead of any token.
	frames := sink.Frames()
	require.NotEmpty(t, frames)
	require.Equal(t, stream.FrameConversationCreated, frames[0].Type())
	require.Equal(t, res.ConversationID, frames[0].ConversationID())
	types := sink.Types()
	require.Less(t, indexOf(types, stream.FrameConversationCreated), indexOf(types, stream.FrameToken))

	evs, err := st.LoadConversationEvents(context.Background(), res.ConversationID)
	require.NoError(t, err)
	require.Len(t, evs, 2)
}

func TestRunTurn_ExistingConversationNotReannounced(t *testing.T) {
	client := &fakeClient{scripts: [][]providers.StreamEvent{textTurn("hello")}}
	r, _, convID := newTestRunner(t, client, nil)
	sink := stream.NewMemorySink()

	res, err := r.RunTurn(context.Background(), TurnRequest{
		ConversationID: convID,
		UserText:       "hi",
		Model:          "gpt-4o",
	}, sink)
	require.NoError(t, err)
	require.Equal(t, convID, res.ConversationID)
	require.NotContains(t, sink.Types(), stream.FrameConversationCreated)
}

func indexOf(types []stream.FrameType, want stream.FrameType) int {
	for i, t := range types {
		if t == want {
			return i
		}
	}
	return len(types)
}

func TestRunTurn_ToolLoop(t *testing.T) {
	client := &fakeClient{scripts: [][]providers.StreamEvent{
		toolTurn("tc1", "lookup", map[string]any{"q": "go"}),
		textTurn("found it"),
	}}
	var executed []events.ToolCall
	executor := ToolExecutorFunc(func(_ context.Context, call events.ToolCall) (any, error) {
		executed = append(executed, call)
		return map[string]any{"hits": 3}, nil
	})
	r, st, convID := newTestRunner(t, client, executor)
	sink := stream.NewMemorySink()

	res, err := r.RunTurn(context.Background(), TurnRequest{
		ConversationID: convID,
		UserText:       "look it up",
		Model:          "gpt-4o",
	}, sink)
	require.NoError(t, err)
	require.Equal(t, "found it", res.Final.Text())
	require.Len(t, executed, 1)
	require.Equal(t, "lookup", executed[0].Name)
	require.Equal(t, map[string]any{"q": "go"}, executed[0].Args)

	// user, assistant(tool call), tool results, assistant(text)
	evs, err := st.LoadConversationEvents(context.Background(), convID)
	require.NoError(t, err)
	require.Len(t, evs, 4)
	require.Equal(t, events.RoleTool, evs[2].Role)
	result := evs[2].Segments[0].(events.ToolResultSegment)
	require.Equal(t, "tc1", result.ToolCallID)
	require.Empty(t, result.Error)

	types := sink.Types()
	require.Contains(t, types, stream.FrameToolStart)
	require.Contains(t, types, stream.FrameToolFinalized)
	require.Contains(t, types, stream.FrameToolResult)
	require.Contains(t, types, stream.FrameToolComplete)
	require.Equal(t, stream.FrameDone, types[len(types)-1])
}

func TestRunTurn_ExecutorErrorBecomesResult(t *testing.T) {
	client := &fakeClient{scripts: [][]providers.StreamEvent{
		toolTurn("tc1", "flaky", nil),
		textTurn("the tool failed"),
	}}
	executor := ToolExecutorFunc(func(context.Context, events.ToolCall) (any, error) {
		return nil, fmt.Errorf("connection refused")
	})
	r, st, convID := newTestRunner(t, client, executor)

	res, err := r.RunTurn(context.Background(), TurnRequest{
		ConversationID: convID,
		UserText:       "go",
		Model:          "gpt-4o",
	}, stream.NewMemorySink())
	require.NoError(t, err)
	require.Equal(t, "the tool failed", res.Final.Text())

	evs, err := st.LoadConversationEvents(context.Background(), convID)
	require.NoError(t, err)
	result := evs[2].Segments[0].(events.ToolResultSegment)
	require.Equal(t, "connection refused", result.Error)
}

func TestRunTurn_NoExecutorStillResolves(t *testing.T) {
	client := &fakeClient{scripts: [][]providers.StreamEvent{
		toolTurn("tc1", "lookup", nil),
		textTurn("done"),
	}}
	r, st, convID := newTestRunner(t, client, nil)

	res, err := r.RunTurn(context.Background(), TurnRequest{
		ConversationID: convID,
		UserText:       "go",
		Model:          "gpt-4o",
	}, stream.NewMemorySink())
	require.NoError(t, err)
	require.Equal(t, "done", res.Final.Text())

	evs, err := st.LoadConversationEvents(context.Background(), convID)
	require.NoError(t, err)
	result := evs[2].Segments[0].(events.ToolResultSegment)
	require.Contains(t, result.Error, "no tool executor configured")
}

func TestRunTurn_IterationCapIsNormalCompletion(t *testing.T) {
	// Every provider turn requests another tool call; the cap must end the
	// turn without error.
	client := &fakeClient{scripts: [][]providers.StreamEvent{
		toolTurn("tc1", "again", nil),
	}}
	executor := ToolExecutorFunc(func(_ context.Context, call events.ToolCall) (any, error) {
		return "ok", nil
	})
	st := inmem.New()
	conv, err := st.CreateConversation(context.Background(), "", "")
	require.NoError(t, err)
	r, err := NewRunner(Options{
		Clients:  map[providers.Name]providers.Client{providers.OpenAIChat: client},
		Store:    st,
		Executor: executor,
		Limits:   config.Limits{MaxIterations: 4},
	})
	require.NoError(t, err)
	sink := stream.NewMemorySink()

	res, err := r.RunTurn(context.Background(), TurnRequest{
		ConversationID: conv.ID,
		UserText:       "go",
		Model:          "gpt-4o",
	}, sink)
	require.NoError(t, err)
	require.True(t, res.CapReached)
	require.Equal(t, 4, res.Iterations)

	types := sink.Types()
	require.NotContains(t, types, stream.FrameError)
	require.Equal(t, stream.FrameDone, types[len(types)-1])
}

func TestRunTurn_InlineOutputCallsNeverExecute(t *testing.T) {
	// Vendor-executed MCP calls arrive with inline output and must not hit
	// the local executor.
	mcpTurn := []providers.StreamEvent{
		{Type: providers.StreamToolStart, ToolID: "mcp1", ToolName: "fetch_doc"},
		{Type: providers.StreamToolCall, ToolID: "mcp1", ToolName: "fetch_doc", Args: map[string]any{}},
		{Type: providers.StreamBuiltIn, Segment: events.ToolCallSegment{
			ID: "mcp1", Name: "fetch_doc", ServerLabel: "docs", Output: "contents",
		}},
		{Type: providers.StreamText, Text: "summarized"},
		{Type: providers.StreamStop, StopReason: "stop"},
	}
	client := &fakeClient{scripts: [][]providers.StreamEvent{mcpTurn}}
	executor := ToolExecutorFunc(func(context.Context, events.ToolCall) (any, error) {
		t.Fatal("executor must not run for vendor-executed calls")
		return nil, nil
	})
	r, _, convID := newTestRunner(t, client, executor)

	res, err := r.RunTurn(context.Background(), TurnRequest{
		ConversationID: convID,
		UserText:       "fetch the doc",
		Model:          "gpt-5",
	}, stream.NewMemorySink())
	require.NoError(t, err)
	require.Equal(t, 1, res.Iterations)
	require.Equal(t, "summarized", res.Final.Text())
}

func TestRunTurn_StreamErrorPersistsPartial(t *testing.T) {
	client := &fakeClient{
		scripts: [][]providers.StreamEvent{
			{{Type: providers.StreamText, Text: "partial answ"}},
		},
		streamErr: errors.New("connection reset"),
	}
	r, st, convID := newTestRunner(t, client, nil)
	sink := stream.NewMemorySink()

	_, err := r.RunTurn(context.Background(), TurnRequest{
		ConversationID: convID,
		UserText:       "hi",
		Model:          "gpt-4o",
	}, sink)
	require.Error(t, err)

	// The partial assistant event survives in the store.
	evs, err := st.LoadConversationEvents(context.Background(), convID)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	require.Equal(t, "partial answ", evs[1].Text())

	types := sink.Types()
	require.Contains(t, types, stream.FrameError)
	require.Equal(t, stream.FrameDone, types[len(types)-1])
}

func TestRunTurn_UnknownProvider(t *testing.T) {
	client := &fakeClient{scripts: [][]providers.StreamEvent{textTurn("x")}}
	r, _, convID := newTestRunner(t, client, nil)

	_, err := r.RunTurn(context.Background(), TurnRequest{
		ConversationID: convID,
		UserText:       "hi",
		Model:          "gpt-4o",
		Provider:       "bedrock",
	}, stream.NewMemorySink())
	require.ErrorIs(t, err, providers.ErrUnknownProvider)
}

func TestRunTurn_RoutesByModelWhenProviderUnset(t *testing.T) {
	client := &fakeClient{scripts: [][]providers.StreamEvent{textTurn("x")}}
	st := inmem.New()
	conv, err := st.CreateConversation(context.Background(), "", "")
	require.NoError(t, err)
	r, err := NewRunner(Options{
		Clients: map[providers.Name]providers.Client{providers.Anthropic: client},
		Store:   st,
	})
	require.NoError(t, err)

	// claude models route to the Anthropic transform.
	_, err = r.RunTurn(context.Background(), TurnRequest{
		ConversationID: conv.ID,
		UserText:       "hi",
		Model:          "claude-sonnet-4-5",
	}, stream.NewMemorySink())
	require.NoError(t, err)
	require.Equal(t, 1, client.calls)

	// Models with no registered client fail hard.
	_, err = r.RunTurn(context.Background(), TurnRequest{
		ConversationID: conv.ID,
		UserText:       "hi",
		Model:          "gpt-4o",
	}, stream.NewMemorySink())
	require.ErrorIs(t, err, providers.ErrUnknownProvider)
}

func TestRunTurn_ResumesPendingToolCalls(t *testing.T) {
	// A conversation interrupted after the model requested a tool resumes
	// without a new user message.
	client := &fakeClient{scripts: [][]providers.StreamEvent{textTurn("resumed")}}
	executor := ToolExecutorFunc(func(context.Context, events.ToolCall) (any, error) {
		return "ok", nil
	})
	st := inmem.New()
	conv, err := st.CreateConversation(context.Background(), "", "")
	require.NoError(t, err)
	seed := []events.Event{
		events.NewText(events.RoleUser, "look it up"),
		events.New(events.RoleAssistant, events.ToolCallSegment{ID: "tc1", Name: "lookup"}),
	}
	_, err = st.SaveEvents(context.Background(), conv.ID, seed, "")
	require.NoError(t, err)

	r, err := NewRunner(Options{
		Clients:  map[providers.Name]providers.Client{providers.OpenAIChat: client},
		Store:    st,
		Executor: executor,
	})
	require.NoError(t, err)

	res, err := r.RunTurn(context.Background(), TurnRequest{
		ConversationID: conv.ID,
		Model:          "gpt-4o",
	}, stream.NewMemorySink())
	require.NoError(t, err)
	require.Equal(t, "resumed", res.Final.Text())

	evs, err := st.LoadConversationEvents(context.Background(), conv.ID)
	require.NoError(t, err)
	// seed user, seed assistant, tool results, new assistant
	require.Len(t, evs, 4)
	require.Equal(t, events.RoleTool, evs[2].Role)
}
