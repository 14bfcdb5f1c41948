// Package mongo provides a MongoDB-backed store.Store. Conversations and
// events live in separate collections; events carry a fractional order key
// and load sorted by it, so inserting between existing events never
// rewrites neighbors.
package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/budchat/budchat/events"
	"github.com/budchat/budchat/store"
)

const (
	defaultConversationsCollection = "conversations"
	defaultEventsCollection        = "conversation_events"
	defaultOpTimeout               = 5 * time.Second
)

type (
	// Options configures the Mongo store.
	Options struct {
		Client                  *mongodriver.Client
		Database                string
		ConversationsCollection string
		EventsCollection        string
		Timeout                 time.Duration
	}

	// Store implements store.Store on MongoDB.
	Store struct {
		conversations collection
		events        collection
		timeout       time.Duration
	}

	conversationDocument struct {
		ConversationID string    `bson:"conversation_id"`
		WorkspaceID    string    `bson:"workspace_id,omitempty"`
		BudID          string    `bson:"bud_id,omitempty"`
		CreatedAt      time.Time `bson:"created_at"`
	}

	eventDocument struct {
		ConversationID string    `bson:"conversation_id"`
		EventID        string    `bson:"event_id"`
		OrderKey       string    `bson:"order_key"`
		Payload        []byte    `bson:"payload"`
		UpdatedAt      time.Time `bson:"updated_at"`
	}
)

// New returns a Store backed by MongoDB.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	convCollection := opts.ConversationsCollection
	if convCollection == "" {
		convCollection = defaultConversationsCollection
	}
	evCollection := opts.EventsCollection
	if evCollection == "" {
		evCollection = defaultEventsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	db := opts.Client.Database(opts.Database)
	convWrapper := mongoCollection{coll: db.Collection(convCollection)}
	evWrapper := mongoCollection{coll: db.Collection(evCollection)}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, convWrapper, evWrapper); err != nil {
		return nil, err
	}
	return newStoreWithCollections(convWrapper, evWrapper, timeout)
}

func newStoreWithCollections(conversations, evs collection, timeout time.Duration) (*Store, error) {
	if conversations == nil || evs == nil {
		return nil, errors.New("collections are required")
	}
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &Store{conversations: conversations, events: evs, timeout: timeout}, nil
}

// CreateConversation implements store.Store.
func (s *Store) CreateConversation(ctx context.Context, workspaceID, budID string) (store.Conversation, error) {
	conv := store.Conversation{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		BudID:       budID,
		CreatedAt:   time.Now().UTC(),
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	doc := conversationDocument{
		ConversationID: conv.ID,
		WorkspaceID:    conv.WorkspaceID,
		BudID:          conv.BudID,
		CreatedAt:      conv.CreatedAt,
	}
	if _, err := s.conversations.InsertOne(ctx, doc); err != nil {
		return store.Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}
	return conv, nil
}

// LoadConversation implements store.Store.
func (s *Store) LoadConversation(ctx context.Context, conversationID string) (store.Conversation, error) {
	if conversationID == "" {
		return store.Conversation{}, errors.New("conversation id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc conversationDocument
	if err := s.conversations.FindOne(ctx, bson.M{"conversation_id": conversationID}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return store.Conversation{}, store.ErrNotFound
		}
		return store.Conversation{}, err
	}
	return store.Conversation{
		ID:          doc.ConversationID,
		WorkspaceID: doc.WorkspaceID,
		BudID:       doc.BudID,
		CreatedAt:   doc.CreatedAt,
	}, nil
}

// LoadConversationEvents implements store.Store.
func (s *Store) LoadConversationEvents(ctx context.Context, conversationID string) ([]events.Event, error) {
	if conversationID == "" {
		return nil, errors.New("conversation id is required")
	}
	if _, err := s.LoadConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.events.Find(ctx,
		bson.M{"conversation_id": conversationID},
		options.Find().SetSort(bson.D{{Key: "order_key", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("find events: %w", err)
	}
	defer func() { _ = cur.Close(ctx) }()
	var out []events.Event
	for cur.Next(ctx) {
		var doc eventDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode event document: %w", err)
		}
		var ev events.Event
		if err := json.Unmarshal(doc.Payload, &ev); err != nil {
			return nil, fmt.Errorf("decode event %s: %w", doc.EventID, err)
		}
		out = append(out, ev)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// SaveEvents implements store.Store.
func (s *Store) SaveEvents(ctx context.Context, conversationID string, evs []events.Event, afterKey string) (string, error) {
	if conversationID == "" {
		return "", errors.New("conversation id is required")
	}
	last := afterKey
	if last == "" {
		var err error
		last, err = s.LastOrderKey(ctx, conversationID)
		if err != nil {
			return "", err
		}
	}
	now := time.Now().UTC()
	for _, ev := range evs {
		key := store.KeyAfter(last)
		payload, err := json.Marshal(ev)
		if err != nil {
			return "", fmt.Errorf("encode event %s: %w", ev.ID, err)
		}
		doc := eventDocument{
			ConversationID: conversationID,
			EventID:        ev.ID,
			OrderKey:       key,
			Payload:        payload,
			UpdatedAt:      now,
		}
		opCtx, cancel := s.withTimeout(ctx)
		_, err = s.events.UpdateOne(opCtx,
			bson.M{"conversation_id": conversationID, "event_id": ev.ID},
			bson.M{"$setOnInsert": doc},
			options.UpdateOne().SetUpsert(true),
		)
		cancel()
		if err != nil {
			return "", fmt.Errorf("insert event %s: %w", ev.ID, err)
		}
		last = key
	}
	return last, nil
}

// UpdateEvent implements store.Store.
func (s *Store) UpdateEvent(ctx context.Context, conversationID string, ev events.Event) error {
	if conversationID == "" {
		return errors.New("conversation id is required")
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", ev.ID, err)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.events.UpdateOne(ctx,
		bson.M{"conversation_id": conversationID, "event_id": ev.ID},
		bson.M{"$set": bson.M{"payload": payload, "updated_at": time.Now().UTC()}},
	)
	if err != nil {
		return fmt.Errorf("update event %s: %w", ev.ID, err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

// LastOrderKey implements store.Store.
func (s *Store) LastOrderKey(ctx context.Context, conversationID string) (string, error) {
	if conversationID == "" {
		return "", errors.New("conversation id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc eventDocument
	err := s.events.FindOne(ctx,
		bson.M{"conversation_id": conversationID},
		options.FindOne().SetSort(bson.D{{Key: "order_key", Value: -1}}),
	).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return "", nil
		}
		return "", err
	}
	return doc.OrderKey, nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func ensureIndexes(ctx context.Context, conversations, evs collection) error {
	convIndex := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "conversation_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := conversations.Indexes().CreateOne(ctx, convIndex); err != nil {
		return err
	}
	evIndex := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "conversation_id", Value: 1},
			{Key: "event_id", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	}
	if _, err := evs.Indexes().CreateOne(ctx, evIndex); err != nil {
		return err
	}
	evOrderIndex := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "conversation_id", Value: 1},
			{Key: "order_key", Value: 1},
		},
	}
	if _, err := evs.Indexes().CreateOne(ctx, evOrderIndex); err != nil {
		return err
	}
	return nil
}

type collection interface {
	FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult
	Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error)
	InsertOne(ctx context.Context, doc any, opts ...options.Lister[options.InsertOneOptions]) (*mongodriver.InsertOneResult, error)
	UpdateOne(ctx context.Context, filter any, update any,
		opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel,
		opts ...options.Lister[options.CreateIndexesOptions]) (string, error)
}

type singleResult interface {
	Decode(val any) error
}

type cursor interface {
	Close(ctx context.Context) error
	Decode(val any) error
	Err() error
	Next(ctx context.Context) bool
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult {
	return mongoSingleResult{res: c.coll.FindOne(ctx, filter, opts...)}
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return mongoCursor{cur: cur}, nil
}

func (c mongoCollection) InsertOne(ctx context.Context, doc any, opts ...options.Lister[options.InsertOneOptions]) (*mongodriver.InsertOneResult, error) {
	return c.coll.InsertOne(ctx, doc, opts...)
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter any, update any,
	opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoSingleResult struct {
	res *mongodriver.SingleResult
}

func (r mongoSingleResult) Decode(val any) error {
	return r.res.Decode(val)
}

type mongoCursor struct {
	cur *mongodriver.Cursor
}

func (c mongoCursor) Close(ctx context.Context) error {
	return c.cur.Close(ctx)
}

func (c mongoCursor) Decode(val any) error {
	return c.cur.Decode(val)
}

func (c mongoCursor) Err() error {
	return c.cur.Err()
}

func (c mongoCursor) Next(ctx context.Context) bool {
	return c.cur.Next(ctx)
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel,
	opts ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
