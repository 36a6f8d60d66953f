package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// fakeStore is an in-memory DocumentStore. Snapshots are pushed explicitly
// with emit so tests control exactly what the subscription sees.
type fakeStore struct {
	mu            sync.Mutex
	docs          map[DocumentRef]json.RawMessage
	nextID        int
	adds          int
	txCalls       int
	subscribes    int
	subscribeErrs []error
	addErr        error
	listeners     []*fakeListener
}

func newFakeStore() *fakeStore {
	return &fakeStore{docs: make(map[DocumentRef]json.RawMessage)}
}

type fakeListener struct {
	events chan SnapshotEvent
	once   sync.Once
	closed chan struct{}
}

func (l *fakeListener) Events() <-chan SnapshotEvent { return l.events }

func (l *fakeListener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

func (f *fakeStore) Subscribe(ctx context.Context, q Query) (Listener, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribes++
	if len(f.subscribeErrs) > 0 {
		err := f.subscribeErrs[0]
		f.subscribeErrs = f.subscribeErrs[1:]
		return nil, err
	}
	l := &fakeListener{events: make(chan SnapshotEvent, 16), closed: make(chan struct{})}
	f.listeners = append(f.listeners, l)
	return l, nil
}

func (f *fakeStore) RunTransaction(ctx context.Context, ref DocumentRef, fn TransactionFunc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txCalls++
	data, ok := f.docs[ref]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	next, err := fn(Document{Ref: ref, Data: data})
	if err != nil {
		return err
	}
	f.docs[ref] = next
	return nil
}

func (f *fakeStore) Add(ctx context.Context, collection string, fields map[string]any) (DocumentRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return DocumentRef{}, f.addErr
	}
	f.adds++
	f.nextID++
	ref := DocumentRef{Collection: collection, ID: fmt.Sprintf("p%d", f.nextID)}

	resolved := make(map[string]any, len(fields))
	for k, v := range fields {
		if v == any(ServerTimestamp) {
			v = time.Date(2024, 1, 1, 0, 0, f.nextID, 0, time.UTC).Format(TimestampLayout)
		}
		resolved[k] = v
	}
	data, err := json.Marshal(resolved)
	if err != nil {
		return DocumentRef{}, err
	}
	f.docs[ref] = data
	return ref, nil
}

func (f *fakeStore) Get(ctx context.Context, ref DocumentRef) (Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.docs[ref]
	if !ok {
		return Document{}, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return Document{Ref: ref, Data: data}, nil
}

func (f *fakeStore) put(id, data string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[DocumentRef{Collection: PostsCollection, ID: id}] = json.RawMessage(data)
}

func (f *fakeStore) doc(t *testing.T, id string) map[string]any {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.docs[DocumentRef{Collection: PostsCollection, ID: id}]
	if !ok {
		t.Fatalf("document %s not found", id)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal %s: %v", id, err)
	}
	return m
}

// emit pushes ev to the most recent listener.
func (f *fakeStore) emit(t *testing.T, ev SnapshotEvent) {
	t.Helper()
	l := f.waitListener(t)
	select {
	case l.events <- ev:
	case <-time.After(2 * time.Second):
		t.Fatal("listener events buffer full")
	}
}

// waitListeners blocks until at least n listeners have been opened and
// returns the most recent one.
func (f *fakeStore) waitListeners(t *testing.T, n int) *fakeListener {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		var l *fakeListener
		if len(f.listeners) >= n {
			l = f.listeners[len(f.listeners)-1]
		}
		f.mu.Unlock()
		if l != nil {
			return l
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("fewer than %d listeners opened", n)
	return nil
}

func (f *fakeStore) waitListener(t *testing.T) *fakeListener {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		n := len(f.listeners)
		var l *fakeListener
		if n > 0 {
			l = f.listeners[n-1]
		}
		f.mu.Unlock()
		if l != nil {
			return l
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no listener opened")
	return nil
}

type fakeProfiles struct {
	profile Profile
	err     error
}

func (p fakeProfiles) Lookup(ctx context.Context, userID string) (Profile, error) {
	return p.profile, p.err
}

type recordingPublisher struct {
	mu      sync.Mutex
	created []PostCreatedEvent
	toggled []EngagementToggledEvent
	err     error
}

func (p *recordingPublisher) PublishPostCreated(ctx context.Context, e PostCreatedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.created = append(p.created, e)
	return p.err
}

func (p *recordingPublisher) PublishEngagementToggled(ctx context.Context, e EngagementToggledEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.toggled = append(p.toggled, e)
	return p.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// waitState reads states until one satisfies pred.
func waitState(t *testing.T, ch <-chan FeedState, pred func(FeedState) bool) FeedState {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case st, ok := <-ch:
			if !ok {
				t.Fatal("observer channel closed")
			}
			if pred(st) {
				return st
			}
		case <-timeout:
			t.Fatal("timed out waiting for feed state")
		}
	}
}

func isStatus(s FeedStatus) func(FeedState) bool {
	return func(st FeedState) bool { return st.Status == s }
}

func postJSON(author, content, createdAt string) string {
	return fmt.Sprintf(`{"authorId":%q,"authorDisplayName":"A","authorHandle":"@a","authorImageUrl":"","content":%q,"imageUrl":null,"likes":[],"retweets":[],"createdAt":%q}`,
		author, content, createdAt)
}

var errBoom = errors.New("boom")
