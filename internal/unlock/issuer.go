// Package unlock issues deferred unlock codes once an entry's cooldown has elapsed.
//
// The Redis schedule is the fast path. The store itself is the source of truth:
// a periodic sweep of DueUnlocks picks up entries whose schedule write was lost.
package unlock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/MGallo-Code/greenpoints/internal/redeem"
	"github.com/MGallo-Code/greenpoints/internal/store"
)

const (
	DefaultPollInterval  = time.Second
	DefaultSweepInterval = time.Minute
	DefaultBatchSize     = 100
)

// Ledger defines the store operations the issuer needs.
// Satisfied by *store.PostgresStore and *store.MemoryStore.
type Ledger interface {
	WithUserTx(ctx context.Context, userID uuid.UUID, fn func(tx store.UserTx) error) error
	DueUnlocks(ctx context.Context, now time.Time, limit int) ([]store.LedgerEntry, error)
}

// Schedule is the pending-issuance queue written by the redemption service.
// Satisfied by *store.RedisSchedule and *store.MemorySchedule.
type Schedule interface {
	Due(ctx context.Context, now time.Time, limit int) ([]store.ScheduledUnlock, error)
	Remove(ctx context.Context, u store.ScheduledUnlock) error
}

// Observer counts issued codes. Satisfied by *metrics.PrometheusObserver.
type Observer interface {
	ObserveCodeIssued()
}

// Issuer drains the schedule. Ledger and Codes are required; Schedule and
// Observer may be nil (sweep only, no metrics).
type Issuer struct {
	Ledger   Ledger
	Schedule Schedule
	Codes    *redeem.Codes
	Observer Observer

	// Clock defaults to time.Now.
	Clock func() time.Time

	PollInterval  time.Duration
	SweepInterval time.Duration
	BatchSize     int
}

// Run issues due codes until ctx is cancelled. Sweeps once at startup so
// entries that came due while the process was down are not left waiting.
// Blocks; call in a goroutine.
func (is *Issuer) Run(ctx context.Context) {
	poll := time.NewTicker(orDefault(is.PollInterval, DefaultPollInterval))
	defer poll.Stop()
	sweep := time.NewTicker(orDefault(is.SweepInterval, DefaultSweepInterval))
	defer sweep.Stop()

	slog.Info("unlock issuer started", "worker", "unlock")
	is.runSweep(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("unlock issuer stopped", "worker", "unlock")
			return
		case <-poll.C:
			if _, err := is.IssueDue(ctx, is.now()); err != nil && ctx.Err() == nil {
				slog.Error("unlock issuer: reading schedule failed", "worker", "unlock", "err", err)
			}
		case <-sweep.C:
			is.runSweep(ctx)
		}
	}
}

func (is *Issuer) runSweep(ctx context.Context) {
	n, err := is.Sweep(ctx, is.now())
	switch {
	case err != nil && ctx.Err() == nil:
		slog.Error("unlock issuer: sweep failed", "worker", "unlock", "err", err)
	case n > 0:
		slog.Warn("unlock issuer: sweep recovered unscheduled entries", "worker", "unlock", "count", n)
	}
}

// IssueDue issues codes for scheduled entries due at now and removes them from
// the schedule. Returns the number of codes newly issued. Entries that fail
// with a transient error stay scheduled for the next pass.
func (is *Issuer) IssueDue(ctx context.Context, now time.Time) (int, error) {
	if is.Schedule == nil {
		return 0, nil
	}
	due, err := is.Schedule.Due(ctx, now, is.batchSize())
	if err != nil {
		return 0, fmt.Errorf("reading due unlocks: %w", err)
	}

	issued := 0
	for _, u := range due {
		ok, err := is.issue(ctx, u.UserID, u.EntryID, now)
		if errors.Is(err, errNotDue) {
			continue
		}
		if err != nil && !final(err) {
			slog.Warn("unlock issuer: issuing code failed", "worker", "unlock", "entry_id", u.EntryID, "err", err)
			continue
		}
		if ok {
			issued++
		}
		if err := is.Schedule.Remove(ctx, u); err != nil {
			slog.Warn("unlock issuer: removing schedule entry failed", "worker", "unlock", "entry_id", u.EntryID, "err", err)
		}
	}
	return issued, nil
}

// Sweep issues codes for every entry the store reports as due, whether or not
// it was ever scheduled.
func (is *Issuer) Sweep(ctx context.Context, now time.Time) (int, error) {
	due, err := is.Ledger.DueUnlocks(ctx, now, is.batchSize())
	if err != nil {
		return 0, fmt.Errorf("scanning due unlocks: %w", err)
	}

	issued := 0
	for _, e := range due {
		ok, err := is.issue(ctx, e.UserID, e.ID, now)
		if err != nil {
			if !final(err) {
				slog.Warn("unlock issuer: sweep issue failed", "worker", "unlock", "entry_id", e.ID, "err", err)
			}
			continue
		}
		if ok {
			issued++
		}
		if is.Schedule != nil {
			if err := is.Schedule.Remove(ctx, store.ScheduledUnlock{UserID: e.UserID, EntryID: e.ID, At: e.UnlockAt}); err != nil {
				slog.Warn("unlock issuer: removing schedule entry failed", "worker", "unlock", "entry_id", e.ID, "err", err)
			}
		}
	}
	return issued, nil
}

// errNotDue means the schedule fired before the entry's UnlockAt.
var errNotDue = errors.New("entry not due yet")

// issue writes the entry's code in the user's transaction. Reports false when
// the code already existed.
func (is *Issuer) issue(ctx context.Context, userID, entryID uuid.UUID, now time.Time) (bool, error) {
	issued := false
	err := is.Ledger.WithUserTx(ctx, userID, func(tx store.UserTx) error {
		e, err := tx.Entry(ctx, entryID)
		if err != nil {
			return err
		}
		if e.UnlockCode != nil {
			return nil
		}
		if now.Before(e.UnlockAt) {
			return errNotDue
		}
		if _, err := tx.IssueCode(ctx, e.ID, is.Codes.Derive(e.ID), now); err != nil {
			return err
		}
		issued = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if issued {
		if is.Observer != nil {
			is.Observer.ObserveCodeIssued()
		}
		slog.Debug("unlock code issued", "worker", "unlock", "user_id", userID, "entry_id", entryID)
	}
	return issued, nil
}

// final reports errors that retrying cannot fix.
func final(err error) bool {
	return errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrCodeNotIssuable)
}

func (is *Issuer) now() time.Time {
	if is.Clock != nil {
		return is.Clock()
	}
	return time.Now()
}

func (is *Issuer) batchSize() int {
	if is.BatchSize > 0 {
		return is.BatchSize
	}
	return DefaultBatchSize
}

func orDefault(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}
