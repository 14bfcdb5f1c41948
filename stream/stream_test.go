package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/budchat/budchat/events"
)

func TestMarshalFrame_WireShape(t *testing.T) {
	frame := Token{
		Base: NewBase(FrameToken, "conv1"),
		Data: TokenPayload{Text: "hel"},
	}
	raw, err := MarshalFrame(frame)
	require.NoError(t, err)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(raw, &wire))
	require.Equal(t, "token", wire["type"])
	require.Equal(t, "conv1", wire["conversation_id"])
	require.Equal(t, map[string]any{"text": "hel"}, wire["data"])
}

func TestMarshalFrame_DoneOmitsData(t *testing.T) {
	raw, err := MarshalFrame(Done{Base: NewBase(FrameDone, "conv1")})
	require.NoError(t, err)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(raw, &wire))
	require.Equal(t, "done", wire["type"])
	_, hasData := wire["data"]
	require.False(t, hasData)
}

func TestMarshalFrame_MessageFinalCarriesEvent(t *testing.T) {
	ev := events.New(events.RoleAssistant, events.TextSegment{Text: "answer"})
	raw, err := MarshalFrame(MessageFinal{
		Base: NewBase(FrameMessageFinal, "conv1"),
		Data: MessageFinalPayload{Event: ev},
	})
	require.NoError(t, err)

	var wire struct {
		Data struct {
			Event events.Event `json:"event"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &wire))
	require.Equal(t, ev.ID, wire.Data.Event.ID)
	require.Equal(t, "answer", wire.Data.Event.Text())
}

func TestSSESink_WritesDataLines(t *testing.T) {
	var buf bytes.Buffer
	sink := NewSSESink(&buf)

	require.NoError(t, sink.Send(context.Background(), Token{
		Base: NewBase(FrameToken, "conv1"),
		Data: TokenPayload{Text: "hi"},
	}))
	require.NoError(t, sink.Send(context.Background(), Done{Base: NewBase(FrameDone, "conv1")}))

	out := buf.String()
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n\n")
	require.Len(t, lines, 2)
	for _, line := range lines {
		require.True(t, strings.HasPrefix(line, "data: "), line)
		var wire map[string]any
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &wire))
	}
	require.True(t, strings.HasSuffix(out, "\n\n"))
}

func TestSSESink_SetsHeadersOnResponseWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	sink := NewSSESink(rec)

	require.NoError(t, sink.Send(context.Background(), Done{Base: NewBase(FrameDone, "conv1")}))
	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	require.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	require.True(t, rec.Flushed)
}

func TestSSESink_ClosedRejectsSends(t *testing.T) {
	var buf bytes.Buffer
	sink := NewSSESink(&buf)
	require.NoError(t, sink.Close(context.Background()))
	err := sink.Send(context.Background(), Done{Base: NewBase(FrameDone, "conv1")})
	require.Error(t, err)
	require.Empty(t, buf.String())
}

func TestSSESink_CanceledContext(t *testing.T) {
	var buf bytes.Buffer
	sink := NewSSESink(&buf)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := sink.Send(ctx, Done{Base: NewBase(FrameDone, "conv1")})
	require.ErrorIs(t, err, context.Canceled)
}

func TestMemorySink_RecordsFramesInOrder(t *testing.T) {
	sink := NewMemorySink()
	require.NoError(t, sink.Send(context.Background(), Token{
		Base: NewBase(FrameToken, "conv1"),
		Data: TokenPayload{Text: "a"},
	}))
	require.NoError(t, sink.Send(context.Background(), Done{Base: NewBase(FrameDone, "conv1")}))

	require.Equal(t, []FrameType{FrameToken, FrameDone}, sink.Types())
	frames := sink.Frames()
	require.Len(t, frames, 2)
	require.Equal(t, "conv1", frames[0].ConversationID())
}

func TestRedisSink_ChannelNaming(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "localhost:0"})
	defer func() { _ = rdb.Close() }()

	sink, err := NewRedisSink(rdb, "")
	require.NoError(t, err)
	require.Equal(t, "budchat:conv:conv1", sink.Channel("conv1"))

	sink, err = NewRedisSink(rdb, "chat:")
	require.NoError(t, err)
	require.Equal(t, "chat:conv1", sink.Channel("conv1"))

	_, err = NewRedisSink(nil, "")
	require.Error(t, err)
}
