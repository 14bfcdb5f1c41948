// Package store defines conversation persistence. Events persist
// individually with fractional order keys so inserts and concurrent
// appends never rewrite neighbors; loading a conversation sorts by key.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/budchat/budchat/events"
)

type (
	// Conversation is the persistence envelope for one event log.
	Conversation struct {
		ID          string    `json:"id"`
		WorkspaceID string    `json:"workspace_id,omitempty"`
		BudID       string    `json:"bud_id,omitempty"`
		CreatedAt   time.Time `json:"created_at"`
	}

	// Store persists conversations and their ordered events.
	Store interface {
		// CreateConversation allocates a new conversation in the given
		// workspace. BudID identifies the assistant configuration, when any.
		CreateConversation(ctx context.Context, workspaceID, budID string) (Conversation, error)

		// LoadConversation returns the conversation envelope.
		LoadConversation(ctx context.Context, conversationID string) (Conversation, error)

		// LoadConversationEvents returns the conversation's events sorted
		// by order key.
		LoadConversationEvents(ctx context.Context, conversationID string) ([]events.Event, error)

		// SaveEvents appends evs after afterKey, allocating a fresh order
		// key per event, and returns the last key written. An empty
		// afterKey appends after the current tail.
		SaveEvents(ctx context.Context, conversationID string, evs []events.Event, afterKey string) (string, error)

		// UpdateEvent replaces a stored event in place, keyed by event id.
		// The order key is preserved.
		UpdateEvent(ctx context.Context, conversationID string, ev events.Event) error

		// LastOrderKey returns the order key of the conversation's last
		// event, or empty when the conversation has none.
		LastOrderKey(ctx context.Context, conversationID string) (string, error)
	}
)

// ErrNotFound reports a missing conversation or event.
var ErrNotFound = errors.New("store: not found")
