package domain

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// FeedSubscription keeps a single live query over the posts collection and
// republishes every snapshot as a FeedState to its observers.
type FeedSubscription struct {
	store    DocumentStore
	query    Query
	recorder Recorder
	logger   *slog.Logger

	mu        sync.Mutex
	state     FeedState
	gen       uint64 // incremented by Stop; stale runs stop publishing
	cancel    context.CancelFunc
	done      chan struct{}
	observers map[uint64]chan FeedState
	nextObs   uint64
}

// FeedQuery is the live feed: all posts, newest first.
func FeedQuery() Query {
	return Query{
		Collection: PostsCollection,
		OrderBy:    "createdAt",
		Direction:  Descending,
	}
}

// NewFeedSubscription creates a stopped subscription in the Loading state.
func NewFeedSubscription(store DocumentStore, recorder Recorder, logger *slog.Logger) *FeedSubscription {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &FeedSubscription{
		store:     store,
		query:     FeedQuery(),
		recorder:  recorder,
		logger:    logger,
		state:     Loading(),
		observers: make(map[uint64]chan FeedState),
	}
}

// Start opens the subscription if none is active. It returns immediately;
// states arrive asynchronously through Observe.
func (s *FeedSubscription) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.publishLocked(Loading())

	go s.run(ctx, s.gen, s.done)
}

// Stop releases the subscription and waits for its listener to close. It is
// safe to call in any state and more than once.
func (s *FeedSubscription) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.gen++
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Active reports whether the subscription is running.
func (s *FeedSubscription) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// Current returns the latest feed state.
func (s *FeedSubscription) Current() FeedState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Observe returns a channel that receives the current state followed by every
// transition until ctx is done. A slow observer only sees the latest state.
func (s *FeedSubscription) Observe(ctx context.Context) <-chan FeedState {
	ch := make(chan FeedState, 1)

	s.mu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = ch
	ch <- s.state
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.observers, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

func (s *FeedSubscription) run(ctx context.Context, gen uint64, done chan struct{}) {
	defer close(done)

	reopen := backoff.NewExponentialBackOff()
	reopen.MaxInterval = 30 * time.Second

	for {
		listener := s.open(ctx, gen)
		if listener == nil {
			return
		}
		received, closed := s.consume(ctx, gen, listener)
		listener.Close()
		if !closed {
			return
		}

		// The store ended the listener. Report it and subscribe again.
		if received {
			reopen.Reset()
		}
		wait := reopen.NextBackOff()
		s.logger.Warn("feed listener closed by store, resubscribing", "retry_in", wait)
		s.fail(gen, fmt.Errorf("%w: feed listener closed", ErrTransientStore))
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// consume applies events from listener until ctx is done or the store closes
// the listener. closed is true only in the latter case.
func (s *FeedSubscription) consume(ctx context.Context, gen uint64, listener Listener) (received, closed bool) {
	for {
		select {
		case <-ctx.Done():
			return received, false
		case ev, ok := <-listener.Events():
			if !ok {
				return received, true
			}
			received = true
			if ev.Err != nil {
				s.fail(gen, ev.Err)
				continue
			}
			s.apply(gen, ev.Snapshot)
		}
	}
}

// open subscribes to the store, retrying with backoff until it succeeds or
// ctx is cancelled. Each failed attempt is published as a Failed state.
func (s *FeedSubscription) open(ctx context.Context, gen uint64) Listener {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = 30 * time.Second

	for {
		listener, err := s.store.Subscribe(ctx, s.query)
		if err == nil {
			s.logger.Info("feed subscription opened", "collection", s.query.Collection)
			return listener
		}
		if ctx.Err() != nil {
			return nil
		}
		s.fail(gen, err)

		wait := b.NextBackOff()
		s.logger.Warn("feed subscribe failed, retrying", "error", err, "retry_in", wait)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (s *FeedSubscription) apply(gen uint64, snap *Snapshot) {
	if snap == nil {
		return
	}
	posts, errs := DecodePosts(snap.Documents)
	for _, err := range errs {
		s.logger.Warn("dropping malformed post from feed", "error", err)
	}
	s.recorder.SnapshotApplied(len(posts), len(errs))

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return
	}
	s.publishLocked(Ready(posts))
}

func (s *FeedSubscription) fail(gen uint64, err error) {
	s.logger.Error("feed subscription error", "error", err)
	s.recorder.SubscriptionFailed()

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return
	}
	s.publishLocked(Failed(err))
}

// publishLocked stores st and hands it to every observer, replacing any
// state the observer has not consumed yet. Callers must hold s.mu.
func (s *FeedSubscription) publishLocked(st FeedState) {
	s.state = st
	for _, ch := range s.observers {
		select {
		case ch <- st:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- st
		}
	}
}
