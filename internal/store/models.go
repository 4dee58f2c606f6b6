// models.go -- Shared ledger types for the store package.
// Used by Postgres (source of truth), the in-memory store, and the Redis side channels.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
)

// ErrNotFound is returned when a requested entry or key does not exist.
var ErrNotFound = errors.New("not found")

// ErrInsufficientPoints is returned by Debit when the balance would go negative.
// The balance is left untouched.
var ErrInsufficientPoints = errors.New("insufficient points")

// ErrTransient marks persistence failures that are safe to retry with the
// same idempotency key. Always wrapped together with the underlying cause.
var ErrTransient = errors.New("transient storage failure")

// ErrCodeNotIssuable is returned by IssueCode for entries created before
// unlock codes existed.
var ErrCodeNotIssuable = errors.New("entry has no unlock code")

// transient wraps err so errors.Is matches both ErrTransient and err.
func transient(err error) error {
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// LedgerEntry is one committed redemption. Entries are never edited or deleted.
// UnlockCode and CodeIssuedAt are joined in from the code table on read;
// nil means the code has not been issued (or never will, when CodeIssuable is false).
type LedgerEntry struct {
	ID             uuid.UUID
	Seq            int64
	UserID         uuid.UUID
	RewardID       string
	RewardName     string
	RewardCategory string
	PointsDebited  int64
	RedeemedAt     time.Time
	UnlockAt       time.Time
	IdempotencyKey string
	CodeIssuable   bool
	UnlockCode     *string
	CodeIssuedAt   *time.Time
}

// Before reports whether e was committed before o (RedeemedAt, then Seq).
func (e LedgerEntry) Before(o LedgerEntry) bool {
	if !e.RedeemedAt.Equal(o.RedeemedAt) {
		return e.RedeemedAt.Before(o.RedeemedAt)
	}
	return e.Seq < o.Seq
}

// UserBalance is a user's spendable points. Never negative.
type UserBalance struct {
	UserID uuid.UUID
	Points int64
}

// UserSnapshot is an internally consistent read of one user's balance and
// ledger. Entries are newest first.
type UserSnapshot struct {
	Balance UserBalance
	Entries []LedgerEntry
}

// ChangeKind identifies what a committed transaction did.
type ChangeKind string

const (
	ChangeRedeemed   ChangeKind = "redeemed"
	ChangeCodeIssued ChangeKind = "code_issued"
	ChangeBalance    ChangeKind = "balance"
)

// ChangeEvent is published once per committed transaction that touched the ledger.
type ChangeEvent struct {
	UserID  uuid.UUID  `json:"user_id"`
	Kind    ChangeKind `json:"kind"`
	EntryID uuid.UUID  `json:"entry_id"`
	At      time.Time  `json:"at"`
}

// ScheduledUnlock is a pending unlock-code issuance.
type ScheduledUnlock struct {
	UserID  uuid.UUID
	EntryID uuid.UUID
	At      time.Time
}

// Publisher receives change events after commit.
type Publisher interface {
	Publish(ctx context.Context, ev ChangeEvent) error
}

// UserTx is one atomic unit of work over a single user's balance and ledger.
// Implementations serialize UserTx per user; either everything done through
// the tx commits, or nothing does.
type UserTx interface {
	// UserID is the user this transaction is locked to.
	UserID() uuid.UUID

	// Now is the server-assigned timestamp for writes in this transaction.
	// Never earlier than the user's latest RedeemedAt.
	Now() time.Time

	// Balance returns current points (0 for users with no balance row).
	Balance(ctx context.Context) (int64, error)

	// EntryByIdempotencyKey returns the entry created with key, or ErrNotFound.
	EntryByIdempotencyKey(ctx context.Context, key string) (*LedgerEntry, error)

	// EntriesForReward returns this user's entries for rewardID in commit order.
	EntriesForReward(ctx context.Context, rewardID string) ([]LedgerEntry, error)

	// Entry returns a single entry by id, or ErrNotFound.
	Entry(ctx context.Context, id uuid.UUID) (*LedgerEntry, error)

	// Debit subtracts amount and returns the new balance.
	// Returns ErrInsufficientPoints, leaving the balance unchanged, if it would go negative.
	Debit(ctx context.Context, amount int64) (int64, error)

	// Append writes a new entry and returns it with Seq assigned.
	Append(ctx context.Context, e LedgerEntry) (LedgerEntry, error)

	// IssueCode stores code for entryID unless one exists, and returns the stored code.
	IssueCode(ctx context.Context, entryID uuid.UUID, code string, at time.Time) (string, error)
}

// Ledger is the full store contract, satisfied by *PostgresStore and *MemoryStore.
type Ledger interface {
	WithUserTx(ctx context.Context, userID uuid.UUID, fn func(tx UserTx) error) error
	Snapshot(ctx context.Context, userID uuid.UUID) (UserSnapshot, error)
	EntriesForReward(ctx context.Context, userID uuid.UUID, rewardID string) ([]LedgerEntry, error)
	DueUnlocks(ctx context.Context, now time.Time, limit int) ([]LedgerEntry, error)
	SetBalance(ctx context.Context, userID uuid.UUID, points int64) error
	CheckHealth(ctx context.Context) error
}
