// memory.go -- In-process Ledger with the same transactional contract as Postgres.
//
// Each user's state is an immutable value behind an atomic pointer. Writers
// serialize on a per-user mutex, build a new state, and publish it with one
// pointer swap; readers load the pointer and never block.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/uuid/v5"
)

// userState is never mutated after it is stored.
type userState struct {
	points  int64
	entries []LedgerEntry // commit order
}

type userSlot struct {
	writeMu sync.Mutex
	state   atomic.Pointer[userState]
}

// CommitFault makes the next Times commits fail with Err.
// AfterApply applies the commit before failing, which is what a lost commit
// acknowledgement looks like to the caller.
type CommitFault struct {
	Err        error
	AfterApply bool
	Times      int
}

// MemoryStore is a Ledger kept in process memory. Used by tests and by
// single-node development runs.
type MemoryStore struct {
	mu    sync.Mutex
	users map[uuid.UUID]*userSlot
	fault CommitFault

	seq   atomic.Int64
	clock func() time.Time
	pub   Publisher
}

// NewMemoryStore returns an empty store. clock may be nil for time.Now.
func NewMemoryStore(clock func() time.Time) *MemoryStore {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryStore{
		users: make(map[uuid.UUID]*userSlot),
		clock: clock,
	}
}

// SetPublisher installs the change-event publisher.
func (s *MemoryStore) SetPublisher(p Publisher) {
	s.pub = p
}

// InjectCommitFault arms f for the next commits. Errors are wrapped as ErrTransient.
func (s *MemoryStore) InjectCommitFault(f CommitFault) {
	s.mu.Lock()
	s.fault = f
	s.mu.Unlock()
}

// CheckHealth always succeeds.
func (s *MemoryStore) CheckHealth(context.Context) error {
	return nil
}

func (s *MemoryStore) slot(userID uuid.UUID) *userSlot {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.users[userID]
	if !ok {
		sl = &userSlot{}
		sl.state.Store(&userState{})
		s.users[userID] = sl
	}
	return sl
}

// takeFault consumes one armed fault, if any.
func (s *MemoryStore) takeFault() (CommitFault, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fault.Times <= 0 {
		return CommitFault{}, false
	}
	s.fault.Times--
	return s.fault, true
}

// WithUserTx runs fn against a private copy of the user's state and commits it atomically.
func (s *MemoryStore) WithUserTx(ctx context.Context, userID uuid.UUID, fn func(tx UserTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sl := s.slot(userID)
	sl.writeMu.Lock()
	defer sl.writeMu.Unlock()

	cur := sl.state.Load()
	tx := &memUserTx{
		store:   s,
		userID:  userID,
		points:  cur.points,
		entries: append([]LedgerEntry(nil), cur.entries...),
		now:     s.clock().UTC().Truncate(time.Microsecond),
	}
	if n := len(cur.entries); n > 0 {
		tx.last = cur.entries[n-1].RedeemedAt
		if tx.last.After(tx.now) {
			tx.now = tx.last
		}
	}

	if err := fn(tx); err != nil {
		return err
	}

	fault, faulted := s.takeFault()
	if faulted && !fault.AfterApply {
		return transient(fmt.Errorf("committing: %w", fault.Err))
	}

	sl.state.Store(&userState{points: tx.points, entries: tx.entries})
	if tx.change != nil {
		publishChange(ctx, s.pub, *tx.change)
	}

	if faulted {
		return transient(fmt.Errorf("commit acknowledgement: %w", fault.Err))
	}
	return nil
}

type memUserTx struct {
	store   *MemoryStore
	userID  uuid.UUID
	points  int64
	entries []LedgerEntry
	now     time.Time
	last    time.Time
	change  *ChangeEvent
}

func (t *memUserTx) UserID() uuid.UUID { return t.userID }

func (t *memUserTx) Now() time.Time { return t.now }

func (t *memUserTx) Balance(context.Context) (int64, error) {
	return t.points, nil
}

func (t *memUserTx) EntryByIdempotencyKey(_ context.Context, key string) (*LedgerEntry, error) {
	if key == "" {
		return nil, ErrNotFound
	}
	for i := range t.entries {
		if t.entries[i].IdempotencyKey == key {
			e := t.entries[i]
			return &e, nil
		}
	}
	return nil, ErrNotFound
}

func (t *memUserTx) Entry(_ context.Context, id uuid.UUID) (*LedgerEntry, error) {
	i := t.index(id)
	if i < 0 {
		return nil, ErrNotFound
	}
	e := t.entries[i]
	return &e, nil
}

func (t *memUserTx) index(id uuid.UUID) int {
	for i := range t.entries {
		if t.entries[i].ID == id {
			return i
		}
	}
	return -1
}

func (t *memUserTx) EntriesForReward(_ context.Context, rewardID string) ([]LedgerEntry, error) {
	return filterReward(t.entries, rewardID), nil
}

func (t *memUserTx) Debit(_ context.Context, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("debit amount must be positive, got %d", amount)
	}
	if t.points < amount {
		return 0, ErrInsufficientPoints
	}
	t.points -= amount
	return t.points, nil
}

func (t *memUserTx) Append(_ context.Context, e LedgerEntry) (LedgerEntry, error) {
	if err := checkAppend(t.userID, t.last, e); err != nil {
		return LedgerEntry{}, err
	}
	if t.index(e.ID) >= 0 {
		return LedgerEntry{}, fmt.Errorf("entry %s already exists", e.ID)
	}
	if e.IdempotencyKey != "" {
		if _, err := t.EntryByIdempotencyKey(context.Background(), e.IdempotencyKey); err == nil {
			return LedgerEntry{}, fmt.Errorf("idempotency key %q already used", e.IdempotencyKey)
		}
	}
	e.UserID = t.userID
	e.Seq = t.store.seq.Add(1)
	e.UnlockCode = nil
	e.CodeIssuedAt = nil
	t.entries = append(t.entries, e)
	t.last = e.RedeemedAt
	t.change = &ChangeEvent{UserID: t.userID, Kind: ChangeRedeemed, EntryID: e.ID, At: e.RedeemedAt}
	return e, nil
}

func (t *memUserTx) IssueCode(_ context.Context, entryID uuid.UUID, code string, at time.Time) (string, error) {
	i := t.index(entryID)
	if i < 0 {
		return "", ErrNotFound
	}
	e := t.entries[i]
	if !e.CodeIssuable {
		return "", ErrCodeNotIssuable
	}
	if e.UnlockCode != nil {
		return *e.UnlockCode, nil
	}
	c, issued := code, at.UTC()
	e.UnlockCode = &c
	e.CodeIssuedAt = &issued
	t.entries[i] = e
	if t.change == nil {
		t.change = &ChangeEvent{UserID: t.userID, Kind: ChangeCodeIssued, EntryID: entryID, At: issued}
	}
	return code, nil
}

// Snapshot loads the user's state once; balance and entries always come from the same commit.
func (s *MemoryStore) Snapshot(ctx context.Context, userID uuid.UUID) (UserSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return UserSnapshot{}, err
	}
	st := s.load(userID)
	entries := append([]LedgerEntry(nil), st.entries...)
	sort.Slice(entries, func(i, j int) bool { return entries[j].Before(entries[i]) })
	return UserSnapshot{
		Balance: UserBalance{UserID: userID, Points: st.points},
		Entries: entries,
	}, nil
}

func (s *MemoryStore) load(userID uuid.UUID) *userState {
	s.mu.Lock()
	sl, ok := s.users[userID]
	s.mu.Unlock()
	if !ok {
		return &userState{}
	}
	return sl.state.Load()
}

// EntriesForReward returns a user's entries for one reward in commit order.
func (s *MemoryStore) EntriesForReward(ctx context.Context, userID uuid.UUID, rewardID string) ([]LedgerEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return filterReward(s.load(userID).entries, rewardID), nil
}

// DueUnlocks scans every user for issuable entries past their unlock time without a code.
func (s *MemoryStore) DueUnlocks(ctx context.Context, now time.Time, limit int) ([]LedgerEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	slots := make([]*userSlot, 0, len(s.users))
	for _, sl := range s.users {
		slots = append(slots, sl)
	}
	s.mu.Unlock()

	var due []LedgerEntry
	for _, sl := range slots {
		for _, e := range sl.state.Load().entries {
			if e.CodeIssuable && e.UnlockCode == nil && !e.UnlockAt.After(now) {
				due = append(due, e)
			}
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].UnlockAt.Before(due[j].UnlockAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// SetBalance provisions or overwrites a user's balance.
func (s *MemoryStore) SetBalance(ctx context.Context, userID uuid.UUID, points int64) error {
	if points < 0 {
		return fmt.Errorf("balance must not be negative, got %d", points)
	}
	sl := s.slot(userID)
	sl.writeMu.Lock()
	cur := sl.state.Load()
	sl.state.Store(&userState{points: points, entries: cur.entries})
	sl.writeMu.Unlock()
	publishChange(ctx, s.pub, ChangeEvent{UserID: userID, Kind: ChangeBalance, At: s.clock().UTC()})
	return nil
}

// ImportLegacyEntry appends an entry recorded before unlock codes existed.
// The entry is stored with CodeIssuable false and no balance change.
func (s *MemoryStore) ImportLegacyEntry(ctx context.Context, e LedgerEntry) (LedgerEntry, error) {
	var out LedgerEntry
	err := s.WithUserTx(ctx, e.UserID, func(tx UserTx) error {
		e.CodeIssuable = false
		if e.UnlockAt.IsZero() {
			e.UnlockAt = e.RedeemedAt
		}
		var err error
		out, err = tx.Append(ctx, e)
		return err
	})
	if err != nil {
		return LedgerEntry{}, fmt.Errorf("importing legacy entry: %w", err)
	}
	return out, nil
}

func filterReward(entries []LedgerEntry, rewardID string) []LedgerEntry {
	var out []LedgerEntry
	for _, e := range entries {
		if e.RewardID == rewardID {
			out = append(out, e)
		}
	}
	return out
}
