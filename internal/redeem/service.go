// Package redeem turns a user's request for a reward into exactly one
// committed ledger entry, or exactly one classified failure.
package redeem

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gofrs/uuid/v5"

	"github.com/MGallo-Code/greenpoints/internal/catalog"
	"github.com/MGallo-Code/greenpoints/internal/cooldown"
	"github.com/MGallo-Code/greenpoints/internal/notify"
	"github.com/MGallo-Code/greenpoints/internal/store"
)

// DefaultMaxAttempts bounds internal retries of transient storage failures.
const DefaultMaxAttempts = 3

// MaxIdempotencyKeyLen is the longest accepted idempotency key.
const MaxIdempotencyKeyLen = 128

// callKeyPrefix marks keys generated for requests that arrived without one.
const callKeyPrefix = "call:"

// Ledger defines the store operations the service needs.
// Satisfied by *store.PostgresStore and *store.MemoryStore; defined here (at consumer) per Go convention.
type Ledger interface {
	// WithUserTx runs fn atomically while holding the user's write lock.
	WithUserTx(ctx context.Context, userID uuid.UUID, fn func(tx store.UserTx) error) error

	// EntriesForReward reads a user's entries for one reward without locking.
	EntriesForReward(ctx context.Context, userID uuid.UUID, rewardID string) ([]store.LedgerEntry, error)
}

// Scheduler records deferred unlock-code issuance.
// Satisfied by *store.RedisSchedule and *store.MemorySchedule.
type Scheduler interface {
	Schedule(ctx context.Context, u store.ScheduledUnlock) error
}

// Notifier receives every outcome. Satisfied by the notify package's notifiers.
type Notifier interface {
	Notify(ctx context.Context, o notify.Outcome) error
}

// Observer records redemption metrics. Satisfied by *metrics.PrometheusObserver.
type Observer interface {
	ObserveRedeem(outcome string, elapsed time.Duration)
	ObserveRetry()
	ObserveCodeIssued()
}

// Request is one redemption attempt. UserID comes from the authentication collaborator.
type Request struct {
	UserID         uuid.UUID
	RewardID       string
	IdempotencyKey string
}

// Outcome describes the committed redemption. Code is empty until the
// cooldown has elapsed and the code was issued; CodePending marks that wait.
type Outcome struct {
	EntryID         uuid.UUID
	RewardID        string
	RewardName      string
	PointsDebited   int64
	BalanceAfter    int64
	RedeemedAt      time.Time
	NextAvailableAt time.Time
	Code            string
	CodePending     bool
	Replayed        bool
}

// Service executes redemptions. Ledger, Catalog and Codes are required;
// the rest are optional and skipped when nil.
type Service struct {
	Ledger    Ledger
	Catalog   *catalog.Catalog
	Codes     *Codes
	Scheduler Scheduler
	Notifier  Notifier
	Observer  Observer

	// MaxAttempts is the total number of tries on transient failures (default DefaultMaxAttempts).
	MaxAttempts int
	// InitialBackoff is the first retry delay (default 50ms).
	InitialBackoff time.Duration
}

// Redeem debits the reward's price and records the redemption, all or nothing.
//
// A request whose idempotency key already produced an entry returns that
// entry's outcome with Replayed set, even if balance or cooldown would now
// reject a fresh attempt. Transient storage failures are retried internally
// with the same key; callers see TransientStorageFailure only once retries are spent.
func (s *Service) Redeem(ctx context.Context, req Request) (Outcome, error) {
	start := time.Now()
	out, err := s.redeem(ctx, req)

	kind := KindOf(err)
	if err == nil && out.Replayed {
		kind = KindDuplicateRequest
	}
	if s.Observer != nil {
		s.Observer.ObserveRedeem(string(kind), time.Since(start))
	}
	s.notify(ctx, req, kind, outcomeMessage(out, err))

	switch kind {
	case KindRedeemed, KindDuplicateRequest:
		slog.Info("reward redeemed", "user_id", req.UserID, "reward_id", req.RewardID, "entry_id", out.EntryID, "replayed", out.Replayed)
	case KindInternal, KindTransientStorageFailure:
		slog.Error("redemption failed", "user_id", req.UserID, "reward_id", req.RewardID, "kind", kind, "error", err)
	default:
		slog.Debug("redemption rejected", "user_id", req.UserID, "reward_id", req.RewardID, "kind", kind)
	}
	return out, err
}

func (s *Service) redeem(ctx context.Context, req Request) (Outcome, error) {
	if err := validate(req); err != nil {
		return Outcome{}, err
	}

	// Retries find a commit whose acknowledgement was lost by its key, so a
	// request without one gets a key that lives for this call only.
	callKey := req.IdempotencyKey == ""
	if callKey {
		key, err := uuid.NewV7()
		if err != nil {
			return Outcome{}, fmt.Errorf("generating call key: %w", err)
		}
		req.IdempotencyKey = callKeyPrefix + key.String()
	}

	var out Outcome
	var pending *store.ScheduledUnlock
	var issued bool

	attempt := func() error {
		out, pending, issued = Outcome{}, nil, false
		err := s.Ledger.WithUserTx(ctx, req.UserID, func(tx store.UserTx) error {
			var err error
			out, pending, issued, err = s.redeemTx(ctx, tx, req)
			return err
		})
		if err != nil && !errors.Is(err, store.ErrTransient) {
			return backoff.Permanent(err)
		}
		return err
	}

	onRetry := func(err error, wait time.Duration) {
		if s.Observer != nil {
			s.Observer.ObserveRetry()
		}
		slog.Warn("retrying redemption after transient failure",
			"user_id", req.UserID, "reward_id", req.RewardID, "wait", wait, "error", err)
	}

	if err := backoff.RetryNotify(attempt, backoff.WithContext(s.backoff(), ctx), onRetry); err != nil {
		if errors.Is(err, store.ErrTransient) {
			return Outcome{}, &Error{
				Kind:    KindTransientStorageFailure,
				Message: "the redemption could not be saved; retry with the same idempotency key",
				Err:     err,
			}
		}
		return Outcome{}, err
	}

	if callKey {
		// A match on a call key is this call's own earlier attempt.
		out.Replayed = false
	}
	if issued && s.Observer != nil {
		s.Observer.ObserveCodeIssued()
	}
	if pending != nil && s.Scheduler != nil {
		// The commit stands either way; the issuer's sweep finds unscheduled entries.
		if err := s.Scheduler.Schedule(context.WithoutCancel(ctx), *pending); err != nil {
			slog.Warn("scheduling unlock code failed", "entry_id", pending.EntryID, "error", err)
		}
	}
	return out, nil
}

func (s *Service) backoff() backoff.BackOff {
	attempts := s.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	if s.InitialBackoff > 0 {
		b.InitialInterval = s.InitialBackoff
	}
	b.MaxElapsedTime = 0 // bounded by attempts instead
	return backoff.WithMaxRetries(b, uint64(attempts-1))
}

// redeemTx runs inside the user's transaction. It reports the outcome, a pending
// issuance to schedule after commit, and whether a code was issued in this tx.
func (s *Service) redeemTx(ctx context.Context, tx store.UserTx, req Request) (Outcome, *store.ScheduledUnlock, bool, error) {
	now := tx.Now()

	// Replay is checked first: a retry after a lost commit acknowledgement must
	// succeed even though the balance and cooldown now reflect that commit.
	if req.IdempotencyKey != "" {
		prev, err := tx.EntryByIdempotencyKey(ctx, req.IdempotencyKey)
		switch {
		case err == nil:
			return s.replay(ctx, tx, req, *prev, now)
		case !errors.Is(err, store.ErrNotFound):
			return Outcome{}, nil, false, fmt.Errorf("looking up idempotency key: %w", err)
		}
	}

	def, ok := s.Catalog.Get(req.RewardID)
	if !ok {
		return Outcome{}, nil, false, &Error{Kind: KindUnknownReward, Message: fmt.Sprintf("reward %q does not exist", req.RewardID)}
	}

	balance, err := tx.Balance(ctx)
	if err != nil {
		return Outcome{}, nil, false, fmt.Errorf("reading balance: %w", err)
	}
	if balance < def.Price {
		return Outcome{}, nil, false, insufficient(def.Price, balance)
	}

	history, err := tx.EntriesForReward(ctx, def.ID)
	if err != nil {
		return Outcome{}, nil, false, fmt.Errorf("reading reward history: %w", err)
	}
	if res := cooldown.Evaluate(def, history, now); !res.CanRedeem {
		return Outcome{}, nil, false, blocked(def, res)
	}

	after, err := tx.Debit(ctx, def.Price)
	if errors.Is(err, store.ErrInsufficientPoints) {
		return Outcome{}, nil, false, insufficient(def.Price, balance)
	}
	if err != nil {
		return Outcome{}, nil, false, fmt.Errorf("debiting: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return Outcome{}, nil, false, fmt.Errorf("generating entry id: %w", err)
	}
	entry, err := tx.Append(ctx, store.LedgerEntry{
		ID:             id,
		RewardID:       def.ID,
		RewardName:     def.Name,
		RewardCategory: string(def.Category),
		PointsDebited:  def.Price,
		RedeemedAt:     now,
		UnlockAt:       now.Add(def.Cooldown),
		IdempotencyKey: req.IdempotencyKey,
		CodeIssuable:   true,
	})
	if err != nil {
		return Outcome{}, nil, false, fmt.Errorf("appending entry: %w", err)
	}

	out := Outcome{
		EntryID:         entry.ID,
		RewardID:        entry.RewardID,
		RewardName:      entry.RewardName,
		PointsDebited:   entry.PointsDebited,
		BalanceAfter:    after,
		RedeemedAt:      entry.RedeemedAt,
		NextAvailableAt: entry.UnlockAt,
	}

	if def.Cooldown == 0 {
		code, err := tx.IssueCode(ctx, entry.ID, s.Codes.Derive(entry.ID), now)
		if err != nil {
			return Outcome{}, nil, false, fmt.Errorf("issuing code: %w", err)
		}
		out.Code = code
		return out, nil, true, nil
	}

	out.CodePending = true
	return out, &store.ScheduledUnlock{UserID: req.UserID, EntryID: entry.ID, At: entry.UnlockAt}, false, nil
}

// replay rebuilds the outcome of an already committed request. If the entry
// has unlocked but the issuer has not caught up, the code is issued here.
func (s *Service) replay(ctx context.Context, tx store.UserTx, req Request, prev store.LedgerEntry, now time.Time) (Outcome, *store.ScheduledUnlock, bool, error) {
	if prev.RewardID != req.RewardID {
		return Outcome{}, nil, false, &Error{
			Kind:    KindIdempotencyConflict,
			Message: fmt.Sprintf("idempotency key already used for reward %q", prev.RewardID),
		}
	}

	balance, err := tx.Balance(ctx)
	if err != nil {
		return Outcome{}, nil, false, fmt.Errorf("reading balance: %w", err)
	}

	out := Outcome{
		EntryID:         prev.ID,
		RewardID:        prev.RewardID,
		RewardName:      prev.RewardName,
		PointsDebited:   prev.PointsDebited,
		BalanceAfter:    balance,
		RedeemedAt:      prev.RedeemedAt,
		NextAvailableAt: prev.UnlockAt,
		Replayed:        true,
	}
	if !prev.CodeIssuable {
		return out, nil, false, nil
	}
	if now.Before(prev.UnlockAt) {
		out.CodePending = true
		// Rescheduling is idempotent and covers a first attempt that never got to schedule.
		return out, &store.ScheduledUnlock{UserID: req.UserID, EntryID: prev.ID, At: prev.UnlockAt}, false, nil
	}

	issued := false
	code := ""
	if prev.UnlockCode != nil {
		code = *prev.UnlockCode
	} else {
		code, err = tx.IssueCode(ctx, prev.ID, s.Codes.Derive(prev.ID), now)
		if err != nil {
			return Outcome{}, nil, false, fmt.Errorf("issuing code: %w", err)
		}
		issued = true
	}
	out.Code = code
	return out, nil, issued, nil
}

// Eligibility reports whether userID may redeem rewardID at now. Reads outside
// any lock, so a concurrent redemption may make the answer stale immediately.
func (s *Service) Eligibility(ctx context.Context, userID uuid.UUID, rewardID string, now time.Time) (cooldown.Result, error) {
	def, ok := s.Catalog.Get(rewardID)
	if !ok {
		return cooldown.Result{}, &Error{Kind: KindUnknownReward, Message: fmt.Sprintf("reward %q does not exist", rewardID)}
	}
	history, err := s.Ledger.EntriesForReward(ctx, userID, rewardID)
	if err != nil {
		if errors.Is(err, store.ErrTransient) {
			return cooldown.Result{}, &Error{Kind: KindTransientStorageFailure, Message: "eligibility is temporarily unavailable", Err: err}
		}
		return cooldown.Result{}, fmt.Errorf("reading reward history: %w", err)
	}
	return cooldown.Evaluate(def, history, now), nil
}

func validate(req Request) error {
	switch {
	case req.UserID == uuid.Nil:
		return &Error{Kind: KindInvalidRequest, Message: "user id is required"}
	case req.RewardID == "":
		return &Error{Kind: KindInvalidRequest, Message: "reward id is required"}
	case len(req.IdempotencyKey) > MaxIdempotencyKeyLen:
		return &Error{Kind: KindInvalidRequest, Message: fmt.Sprintf("idempotency key longer than %d bytes", MaxIdempotencyKeyLen)}
	}
	return nil
}

func insufficient(price, balance int64) *Error {
	return &Error{Kind: KindInsufficientPoints, Message: fmt.Sprintf("this reward costs %d points, you have %d", price, balance)}
}

func blocked(def catalog.RewardDefinition, res cooldown.Result) *Error {
	e := &Error{NextAvailableAt: res.NextAvailableAt, TimeRemaining: res.TimeRemaining}
	remaining := cooldown.FormatRemaining(*res.TimeRemaining)
	if res.Reason == cooldown.ReasonWeeklyCap {
		e.Kind = KindWeeklyCapReached
		e.Message = fmt.Sprintf("weekly limit of %d reached, available again in %s", def.WeeklyCap, remaining)
	} else {
		e.Kind = KindOnCooldown
		e.Message = fmt.Sprintf("available again in %s", remaining)
	}
	return e
}

func outcomeMessage(out Outcome, err error) string {
	if err != nil {
		var re *Error
		if errors.As(err, &re) {
			return re.Message
		}
		return "redemption failed"
	}
	if out.Replayed {
		return fmt.Sprintf("%s was already redeemed", out.RewardName)
	}
	return fmt.Sprintf("redeemed %s for %d points", out.RewardName, out.PointsDebited)
}

func (s *Service) notify(ctx context.Context, req Request, kind Kind, msg string) {
	if s.Notifier == nil {
		return
	}
	o := notify.Outcome{UserID: req.UserID, Kind: string(kind), Message: msg, RewardID: req.RewardID, At: time.Now().UTC()}
	if err := s.Notifier.Notify(context.WithoutCancel(ctx), o); err != nil {
		slog.Warn("notifying outcome failed", "user_id", req.UserID, "kind", kind, "error", err)
	}
}
