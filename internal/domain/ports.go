package domain

import (
	"context"
	"encoding/json"
	"time"
)

// Direction is the sort direction of a live query.
type Direction int

const (
	Ascending Direction = iota
	Descending
)

// Query describes an ordered live query over a collection.
type Query struct {
	Collection string
	OrderBy    string
	Direction  Direction
}

// DocumentRef identifies a single document.
type DocumentRef struct {
	Collection string
	ID         string
}

func (r DocumentRef) String() string {
	return r.Collection + "/" + r.ID
}

// Document is a stored JSON object and its identity.
type Document struct {
	Ref  DocumentRef
	Data json.RawMessage
}

// Snapshot is a complete result set of a live query at a point in time.
type Snapshot struct {
	Documents []Document
	ReadAt    time.Time
}

// SnapshotEvent carries either a snapshot or a subscription error.
type SnapshotEvent struct {
	Snapshot *Snapshot
	Err      error
}

// serverTimestamp is the type of the ServerTimestamp sentinel.
type serverTimestamp struct{}

// ServerTimestamp may be used as a field value passed to DocumentStore.Add.
// The store replaces it with its own clock, formatted with TimestampLayout.
var ServerTimestamp = serverTimestamp{}

// TransactionFunc computes a document's new data from its current state.
// It may be invoked several times when concurrent writers conflict, so it
// must not have side effects.
type TransactionFunc func(current Document) (json.RawMessage, error)

// Listener is an open live query.
type Listener interface {
	// Events delivers snapshots and errors. The channel is closed once the
	// listener is released.
	Events() <-chan SnapshotEvent

	// Close releases the listener. It is safe to call more than once.
	Close() error
}

// DocumentStore is the durable document database the feed is built on.
type DocumentStore interface {
	// Subscribe opens a live query. An initial snapshot and a new snapshot
	// after every change are delivered on the listener's channel.
	Subscribe(ctx context.Context, q Query) (Listener, error)

	// RunTransaction atomically replaces the document's data with the
	// result of fn, retrying fn on conflicting concurrent writes. Returns
	// ErrNotFound if the document does not exist.
	RunTransaction(ctx context.Context, ref DocumentRef, fn TransactionFunc) error

	// Add stores a new document with a store-assigned ID.
	Add(ctx context.Context, collection string, fields map[string]any) (DocumentRef, error)

	// Get retrieves a single document. Returns ErrNotFound if absent.
	Get(ctx context.Context, ref DocumentRef) (Document, error)
}

// ProfileLookup resolves a user's current public identity.
type ProfileLookup interface {
	Lookup(ctx context.Context, userID string) (Profile, error)
}

// PostCreatedEvent is published after a post is stored.
type PostCreatedEvent struct {
	PostID   string `json:"post_id"`
	AuthorID string `json:"author_id"`
	Content  string `json:"content"`
}

// EngagementToggledEvent is published after a toggle commits.
type EngagementToggledEvent struct {
	PostID string `json:"post_id"`
	UserID string `json:"user_id"`
	Kind   string `json:"kind"`
	Active bool   `json:"active"`
}

// EventPublisher notifies other services of feed changes.
type EventPublisher interface {
	PublishPostCreated(ctx context.Context, event PostCreatedEvent) error
	PublishEngagementToggled(ctx context.Context, event EngagementToggledEvent) error
}

// Recorder receives operational counters from the feed.
type Recorder interface {
	SnapshotApplied(posts, malformed int)
	SubscriptionFailed()
	PostCreated()
	Toggled(kind EngagementKind, active bool)
}

type nopPublisher struct{}

func (nopPublisher) PublishPostCreated(context.Context, PostCreatedEvent) error { return nil }

func (nopPublisher) PublishEngagementToggled(context.Context, EngagementToggledEvent) error {
	return nil
}

type nopRecorder struct{}

func (nopRecorder) SnapshotApplied(int, int)     {}
func (nopRecorder) SubscriptionFailed()          {}
func (nopRecorder) PostCreated()                 {}
func (nopRecorder) Toggled(EngagementKind, bool) {}
