// Package live pushes a user's full history view every time their ledger changes.
package live

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofrs/uuid/v5"
	"golang.org/x/sync/singleflight"

	"github.com/MGallo-Code/greenpoints/internal/history"
	"github.com/MGallo-Code/greenpoints/internal/store"
)

// rebuildTimeout bounds one snapshot read triggered by a change event.
const rebuildTimeout = 5 * time.Second

// Broker delivers committed change events.
// Satisfied by *store.RedisBroker and *store.MemoryBroker.
type Broker interface {
	Subscribe(ctx context.Context, userID uuid.UUID) (<-chan store.ChangeEvent, func(), error)
}

// Viewer builds a history view. Satisfied by *history.Projector.
type Viewer interface {
	View(ctx context.Context, userID uuid.UUID, now time.Time) (history.View, error)
}

// Observer tracks open subscriptions. Satisfied by *metrics.PrometheusObserver.
type Observer interface {
	SubscriberAdded()
	SubscriberRemoved()
}

// Hub fans ledger changes out to subscribers as fresh views.
// The zero value is not usable; Broker and Viewer are required.
type Hub struct {
	Broker   Broker
	Viewer   Viewer
	Observer Observer

	// Clock defaults to time.Now.
	Clock func() time.Time

	group singleflight.Group
}

// Subscribe returns a channel that first carries the current view, then a
// new view after every committed change. The channel holds at most one
// pending view: a slow reader skips intermediate states and always sees the
// latest one. It closes when ctx ends or the broker drops the subscription.
func (h *Hub) Subscribe(ctx context.Context, userID uuid.UUID) (<-chan history.View, error) {
	// Subscribe before reading so a commit between the two is not lost.
	events, cancel, err := h.Broker.Subscribe(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("subscribing to ledger changes: %w", err)
	}

	initial, err := h.Viewer.View(ctx, userID, h.now())
	if err != nil {
		cancel()
		return nil, fmt.Errorf("building initial view: %w", err)
	}

	out := make(chan history.View, 1)
	out <- initial
	if h.Observer != nil {
		h.Observer.SubscriberAdded()
	}

	go func() {
		defer close(out)
		defer cancel()
		if h.Observer != nil {
			defer h.Observer.SubscriberRemoved()
		}

		for {
			var ev store.ChangeEvent
			var ok bool
			select {
			case <-ctx.Done():
				return
			case ev, ok = <-events:
				if !ok {
					return
				}
			}
			ev = latest(events, ev)

			v, err := h.rebuild(ctx, userID, ev)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Warn("live: rebuilding view failed", "worker", "live", "user_id", userID, "err", err)
				continue
			}
			offer(out, v)
		}
	}()
	return out, nil
}

// rebuild collapses concurrent rebuilds for the same event. Every caller
// received ev after its commit, so a shared result is never stale for any of them.
func (h *Hub) rebuild(ctx context.Context, userID uuid.UUID, ev store.ChangeEvent) (history.View, error) {
	key := fmt.Sprintf("%s/%s/%s/%d", userID, ev.Kind, ev.EntryID, ev.At.UnixNano())
	res, err, _ := h.group.Do(key, func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rebuildTimeout)
		defer cancel()
		return h.Viewer.View(rctx, userID, h.now())
	})
	if err != nil {
		return history.View{}, err
	}
	return res.(history.View), nil
}

// latest drains queued events without blocking and returns the newest one.
func latest(events <-chan store.ChangeEvent, ev store.ChangeEvent) store.ChangeEvent {
	for {
		select {
		case next, ok := <-events:
			if !ok {
				return ev
			}
			ev = next
		default:
			return ev
		}
	}
}

// offer replaces any unread view with v. out has a single sender.
func offer(out chan history.View, v history.View) {
	select {
	case out <- v:
		return
	default:
	}
	select {
	case <-out:
	default:
	}
	out <- v
}

func (h *Hub) now() time.Time {
	if h.Clock != nil {
		return h.Clock()
	}
	return time.Now()
}
