package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisSink publishes frames on a per-conversation Redis channel so
// multiple frontends can follow the same turn. Frames use the same wire
// JSON as the SSE sink; a relay on the subscribing side can forward them
// verbatim.
type RedisSink struct {
	rdb    redis.UniversalClient
	prefix string

	mu     sync.Mutex
	closed bool
}

// NewRedisSink builds a sink publishing to "<prefix><conversation_id>".
func NewRedisSink(rdb redis.UniversalClient, prefix string) (*RedisSink, error) {
	if rdb == nil {
		return nil, errors.New("redis client is required")
	}
	if prefix == "" {
		prefix = "budchat:conv:"
	}
	return &RedisSink{rdb: rdb, prefix: prefix}, nil
}

// Channel returns the pub/sub channel name for a conversation.
func (s *RedisSink) Channel(conversationID string) string {
	return s.prefix + conversationID
}

// Send publishes one frame.
func (s *RedisSink) Send(ctx context.Context, frame Frame) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return errors.New("redis sink closed")
	}
	data, err := MarshalFrame(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if err := s.rdb.Publish(ctx, s.Channel(frame.ConversationID()), data).Err(); err != nil {
		return fmt.Errorf("publish frame: %w", err)
	}
	return nil
}

// Close marks the sink closed. The Redis client is shared and stays open.
func (s *RedisSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Subscribe follows a conversation channel, delivering raw wire JSON until
// ctx is canceled. Intended for relay processes that bridge Redis to SSE.
func (s *RedisSink) Subscribe(ctx context.Context, conversationID string) (<-chan []byte, error) {
	sub := s.rdb.Subscribe(ctx, s.Channel(conversationID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	out := make(chan []byte, 32)
	go func() {
		defer close(out)
		defer func() { _ = sub.Close() }()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
