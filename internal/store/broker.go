// broker.go -- In-process counterparts of RedisBroker and RedisSchedule.
// Used with MemoryStore for tests and single-node development runs.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
)

// MemoryBroker fans ChangeEvents out to in-process subscribers.
type MemoryBroker struct {
	mu   sync.Mutex
	next int
	subs map[uuid.UUID]map[int]chan ChangeEvent
}

// NewMemoryBroker returns a broker with no subscribers.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[uuid.UUID]map[int]chan ChangeEvent)}
}

// Publish delivers ev to every subscriber of ev.UserID without blocking.
// A subscriber whose buffer is full already has a pending notification.
func (b *MemoryBroker) Publish(_ context.Context, ev ChangeEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[ev.UserID] {
		select {
		case ch <- ev:
		default:
		}
	}
	return nil
}

// Subscribe registers for userID's events. cancel is idempotent and closes the channel.
func (b *MemoryBroker) Subscribe(_ context.Context, userID uuid.UUID) (<-chan ChangeEvent, func(), error) {
	ch := make(chan ChangeEvent, 16)

	b.mu.Lock()
	id := b.next
	b.next++
	if b.subs[userID] == nil {
		b.subs[userID] = make(map[int]chan ChangeEvent)
	}
	b.subs[userID][id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[userID], id)
			if len(b.subs[userID]) == 0 {
				delete(b.subs, userID)
			}
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel, nil
}

// Subscribers reports the number of live subscriptions for userID.
func (b *MemoryBroker) Subscribers(userID uuid.UUID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[userID])
}

// MemorySchedule is a map-backed unlock schedule.
type MemorySchedule struct {
	mu      sync.Mutex
	pending map[uuid.UUID]ScheduledUnlock // keyed by entry id
}

// NewMemorySchedule returns an empty schedule.
func NewMemorySchedule() *MemorySchedule {
	return &MemorySchedule{pending: make(map[uuid.UUID]ScheduledUnlock)}
}

// Schedule records u, overwriting any earlier time for the same entry.
func (s *MemorySchedule) Schedule(_ context.Context, u ScheduledUnlock) error {
	s.mu.Lock()
	s.pending[u.EntryID] = u
	s.mu.Unlock()
	return nil
}

// Due returns up to limit issuances at or before now, earliest first.
func (s *MemorySchedule) Due(_ context.Context, now time.Time, limit int) ([]ScheduledUnlock, error) {
	s.mu.Lock()
	var out []ScheduledUnlock
	for _, u := range s.pending {
		if !u.At.After(now) {
			out = append(out, u)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Remove deletes u. Removing an absent entry is not an error.
func (s *MemorySchedule) Remove(_ context.Context, u ScheduledUnlock) error {
	s.mu.Lock()
	delete(s.pending, u.EntryID)
	s.mu.Unlock()
	return nil
}

// Len reports how many issuances are pending.
func (s *MemorySchedule) Len(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.pending)), nil
}
