// Package inmem provides an in-memory store.Store for tests and
// single-process deployments.
package inmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/budchat/budchat/events"
	"github.com/budchat/budchat/store"
)

type (
	// Store keeps conversations and events in process memory. Safe for
	// concurrent use.
	Store struct {
		mu            sync.RWMutex
		conversations map[string]store.Conversation
		records       map[string][]record
	}

	record struct {
		orderKey string
		event    events.Event
	}
)

// New constructs an empty Store.
func New() *Store {
	return &Store{
		conversations: make(map[string]store.Conversation),
		records:       make(map[string][]record),
	}
}

// CreateConversation implements store.Store.
func (s *Store) CreateConversation(_ context.Context, workspaceID, budID string) (store.Conversation, error) {
	conv := store.Conversation{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		BudID:       budID,
		CreatedAt:   time.Now().UTC(),
	}
	s.mu.Lock()
	s.conversations[conv.ID] = conv
	s.mu.Unlock()
	return conv, nil
}

// LoadConversation implements store.Store.
func (s *Store) LoadConversation(_ context.Context, conversationID string) (store.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return store.Conversation{}, store.ErrNotFound
	}
	return conv, nil
}

// LoadConversationEvents implements store.Store.
func (s *Store) LoadConversationEvents(_ context.Context, conversationID string) ([]events.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.conversations[conversationID]; !ok {
		return nil, store.ErrNotFound
	}
	recs := append([]record(nil), s.records[conversationID]...)
	sort.Slice(recs, func(i, j int) bool { return recs[i].orderKey < recs[j].orderKey })
	out := make([]events.Event, len(recs))
	for i, r := range recs {
		out[i] = r.event.Clone()
	}
	return out, nil
}

// SaveEvents implements store.Store.
func (s *Store) SaveEvents(_ context.Context, conversationID string, evs []events.Event, afterKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[conversationID]; !ok {
		return "", store.ErrNotFound
	}
	last := afterKey
	if last == "" {
		last = s.lastKeyLocked(conversationID)
	}
	for _, ev := range evs {
		key := store.KeyAfter(last)
		s.records[conversationID] = append(s.records[conversationID], record{
			orderKey: key,
			event:    ev.Clone(),
		})
		last = key
	}
	return last, nil
}

// UpdateEvent implements store.Store.
func (s *Store) UpdateEvent(_ context.Context, conversationID string, ev events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, ok := s.records[conversationID]
	if !ok {
		return store.ErrNotFound
	}
	for i := range recs {
		if recs[i].event.ID == ev.ID {
			recs[i].event = ev.Clone()
			return nil
		}
	}
	return store.ErrNotFound
}

// LastOrderKey implements store.Store.
func (s *Store) LastOrderKey(_ context.Context, conversationID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.conversations[conversationID]; !ok {
		return "", store.ErrNotFound
	}
	return s.lastKeyLocked(conversationID), nil
}

func (s *Store) lastKeyLocked(conversationID string) string {
	last := ""
	for _, r := range s.records[conversationID] {
		if r.orderKey > last {
			last = r.orderKey
		}
	}
	return last
}
