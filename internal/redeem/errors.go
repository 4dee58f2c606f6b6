package redeem

import (
	"errors"
	"fmt"
	"time"
)

// Kind names one outcome of a redemption attempt. Client-facing kinds are
// surfaced verbatim for user messaging.
type Kind string

const (
	KindRedeemed                Kind = "redeemed"
	KindDuplicateRequest        Kind = "duplicate_request"
	KindUnknownReward           Kind = "unknown_reward"
	KindInsufficientPoints      Kind = "insufficient_points"
	KindOnCooldown              Kind = "on_cooldown"
	KindWeeklyCapReached        Kind = "weekly_cap_reached"
	KindIdempotencyConflict     Kind = "idempotency_conflict"
	KindInvalidRequest          Kind = "invalid_request"
	KindTransientStorageFailure Kind = "transient_storage_failure"
	KindInternal                Kind = "internal"
)

// Error is a failed redemption or eligibility check.
// NextAvailableAt and TimeRemaining are set for OnCooldown and WeeklyCapReached.
type Error struct {
	Kind            Kind
	Message         string
	NextAvailableAt *time.Time
	TimeRemaining   *time.Duration
	Err             error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrOnCooldown) works
// regardless of message or timestamps.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrUnknownReward           = &Error{Kind: KindUnknownReward}
	ErrInsufficientPoints      = &Error{Kind: KindInsufficientPoints}
	ErrOnCooldown              = &Error{Kind: KindOnCooldown}
	ErrWeeklyCapReached        = &Error{Kind: KindWeeklyCapReached}
	ErrIdempotencyConflict     = &Error{Kind: KindIdempotencyConflict}
	ErrInvalidRequest          = &Error{Kind: KindInvalidRequest}
	ErrTransientStorageFailure = &Error{Kind: KindTransientStorageFailure}
)

// KindOf returns the Kind carried by err, KindRedeemed for nil, and KindInternal
// for errors outside the taxonomy.
func KindOf(err error) Kind {
	if err == nil {
		return KindRedeemed
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindInternal
}

// Retriable reports whether the caller may resend the same request unchanged.
func Retriable(err error) bool {
	return errors.Is(err, ErrTransientStorageFailure)
}
