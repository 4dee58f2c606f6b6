// stores.go
//
// Shared fakes for the ledger's collaborators: a settable clock, a ledger wrapper
// with error injection, and recorders for notifications and metrics.
// Imported by test files across packages to avoid duplicate mock definitions.
package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/MGallo-Code/greenpoints/internal/notify"
	"github.com/MGallo-Code/greenpoints/internal/store"
)

// Clock is a manually driven clock. Pass c.Now to store.NewMemoryStore.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock stopped at t.
func NewClock(t time.Time) *Clock {
	return &Clock{now: t}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock to t.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// FaultyLedger wraps a store.Ledger and fails selected operations.
// Use *Err fields to inject errors; zero value means the call passes through.
type FaultyLedger struct {
	store.Ledger

	SnapshotErr error
	EntriesErr  error
	TxErr       error
	HealthErr   error
}

func (f *FaultyLedger) Snapshot(ctx context.Context, userID uuid.UUID) (store.UserSnapshot, error) {
	if f.SnapshotErr != nil {
		return store.UserSnapshot{}, f.SnapshotErr
	}
	return f.Ledger.Snapshot(ctx, userID)
}

func (f *FaultyLedger) EntriesForReward(ctx context.Context, userID uuid.UUID, rewardID string) ([]store.LedgerEntry, error) {
	if f.EntriesErr != nil {
		return nil, f.EntriesErr
	}
	return f.Ledger.EntriesForReward(ctx, userID, rewardID)
}

func (f *FaultyLedger) WithUserTx(ctx context.Context, userID uuid.UUID, fn func(tx store.UserTx) error) error {
	if f.TxErr != nil {
		return f.TxErr
	}
	return f.Ledger.WithUserTx(ctx, userID, fn)
}

func (f *FaultyLedger) CheckHealth(ctx context.Context) error {
	if f.HealthErr != nil {
		return f.HealthErr
	}
	return f.Ledger.CheckHealth(ctx)
}

// RecordingNotifier keeps every outcome it receives.
type RecordingNotifier struct {
	mu       sync.Mutex
	Outcomes []notify.Outcome
	Err      error
}

func (n *RecordingNotifier) Notify(_ context.Context, o notify.Outcome) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Outcomes = append(n.Outcomes, o)
	return n.Err
}

// Kinds returns the kinds received so far, in order.
func (n *RecordingNotifier) Kinds() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	kinds := make([]string, len(n.Outcomes))
	for i, o := range n.Outcomes {
		kinds[i] = o.Kind
	}
	return kinds
}

// RecordingObserver counts observations by outcome.
type RecordingObserver struct {
	mu      sync.Mutex
	Redeems map[string]int
	Retries int
	Issued  int
}

func (o *RecordingObserver) ObserveRedeem(outcome string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.Redeems == nil {
		o.Redeems = make(map[string]int)
	}
	o.Redeems[outcome]++
}

func (o *RecordingObserver) ObserveRetry() {
	o.mu.Lock()
	o.Retries++
	o.mu.Unlock()
}

func (o *RecordingObserver) ObserveCodeIssued() {
	o.mu.Lock()
	o.Issued++
	o.mu.Unlock()
}

// Count returns how many redemptions ended with outcome.
func (o *RecordingObserver) Count(outcome string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.Redeems[outcome]
}
