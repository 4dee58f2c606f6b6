// Package cooldown decides whether a reward may be redeemed again.
//
// Everything here is pure: callers pass now explicitly and nothing reads the
// wall clock, so results are reproducible in tests and across replicas.
package cooldown

import (
	"fmt"
	"time"

	"github.com/MGallo-Code/greenpoints/internal/catalog"
	"github.com/MGallo-Code/greenpoints/internal/store"
)

// Week is the trailing window the weekly cap counts over.
const Week = 7 * 24 * time.Hour

// Reason says which constraint blocked a redemption.
type Reason string

const (
	ReasonNone      Reason = ""
	ReasonCooldown  Reason = "cooldown"
	ReasonWeeklyCap Reason = "weekly_cap"
)

// Result is an eligibility verdict. Never persisted.
//
// NextAvailableAt is set whenever a previous redemption constrains the reward,
// even if that constraint has already passed. TimeRemaining is set only when
// CanRedeem is false.
type Result struct {
	CanRedeem       bool
	NextAvailableAt *time.Time
	TimeRemaining   *time.Duration
	Reason          Reason
}

// Evaluate applies def's cooldown and weekly cap to the user's history at now.
// Entries for other rewards are ignored. Both constraints must pass; when the
// cap blocks, the reason is ReasonWeeklyCap and NextAvailableAt is when the
// oldest counted redemption leaves the window, even if the cooldown runs longer.
func Evaluate(def catalog.RewardDefinition, history []store.LedgerEntry, now time.Time) Result {
	var last *store.LedgerEntry
	var inWindow int
	var oldest time.Time
	windowStart := now.Add(-Week)

	for i := range history {
		e := &history[i]
		if e.RewardID != def.ID {
			continue
		}
		if last == nil || last.Before(*e) {
			last = e
		}
		// Exclusive at the start so the reward is eligible exactly at oldest+Week.
		if e.RedeemedAt.After(windowStart) {
			if inWindow == 0 || e.RedeemedAt.Before(oldest) {
				oldest = e.RedeemedAt
			}
			inWindow++
		}
	}

	res := Result{CanRedeem: true}

	if def.Cooldown > 0 && last != nil {
		next := last.RedeemedAt.Add(def.Cooldown)
		res.NextAvailableAt = &next
		if now.Before(next) {
			res.CanRedeem = false
			res.Reason = ReasonCooldown
		}
	}

	if !def.Unbounded() && inWindow >= def.WeeklyCap {
		next := oldest.Add(Week)
		res.NextAvailableAt = &next
		res.CanRedeem = false
		res.Reason = ReasonWeeklyCap
	}

	if !res.CanRedeem {
		remaining := res.NextAvailableAt.Sub(now)
		res.TimeRemaining = &remaining
	}
	return res
}

// EvaluateSince is the single-redemption form: the reward unlocks cooldown
// after redeemedAt. Used per history row, where each row is judged on its own timestamp.
func EvaluateSince(redeemedAt time.Time, cooldown time.Duration, now time.Time) Result {
	next := redeemedAt.Add(cooldown)
	res := Result{CanRedeem: !now.Before(next), NextAvailableAt: &next}
	if !res.CanRedeem {
		remaining := next.Sub(now)
		res.TimeRemaining = &remaining
		res.Reason = ReasonCooldown
	}
	return res
}

// FormatRemaining renders d as whole days and hours ("1d 3h") when at least a
// day, otherwise whole hours ("5h"). Partial hours round up, so anything still
// pending never shows as "0h".
func FormatRemaining(d time.Duration) string {
	if d <= 0 {
		return "0h"
	}
	hours := int64(d / time.Hour)
	if d%time.Hour != 0 {
		hours++
	}
	if hours >= 24 {
		return fmt.Sprintf("%dd %dh", hours/24, hours%24)
	}
	return fmt.Sprintf("%dh", hours)
}
