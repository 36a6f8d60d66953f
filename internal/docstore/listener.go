package docstore

import (
	"context"
	"sync"
	"time"

	"github.com/blackmichael/fantrix-feed/internal/domain"
)

// listener is a live query. A wake signal makes it re-run the query and
// deliver the result; wakes that arrive while a query is running collapse
// into one.
type listener struct {
	store  *Store
	query  domain.Query
	events chan domain.SnapshotEvent
	wakeCh chan struct{}
	quit   chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newListener(s *Store, q domain.Query) *listener {
	return &listener{
		store:  s,
		query:  q,
		events: make(chan domain.SnapshotEvent, 1),
		wakeCh: make(chan struct{}, 1),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (l *listener) Events() <-chan domain.SnapshotEvent {
	return l.events
}

func (l *listener) Close() error {
	l.once.Do(func() { close(l.quit) })
	<-l.done
	return nil
}

func (l *listener) wake() {
	select {
	case l.wakeCh <- struct{}{}:
	default:
	}
}

func (l *listener) run(ctx context.Context) {
	defer close(l.done)
	defer close(l.events)
	defer l.store.detach(l)

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.quit:
			return
		case <-l.wakeCh:
			docs, err := l.store.Query(ctx, l.query)
			if ctx.Err() != nil {
				return
			}
			var ev domain.SnapshotEvent
			if err != nil {
				ev.Err = err
			} else {
				ev.Snapshot = &domain.Snapshot{Documents: docs, ReadAt: time.Now().UTC()}
			}
			l.deliver(ev)
		}
	}
}

// deliver hands ev to the consumer, replacing an undelivered older event.
// Snapshots are complete result sets, so only the newest one matters.
func (l *listener) deliver(ev domain.SnapshotEvent) {
	select {
	case l.events <- ev:
		return
	default:
	}
	select {
	case <-l.events:
	default:
	}
	select {
	case l.events <- ev:
	default:
	}
}
