// Package history renders a user's ledger as display rows.
//
// A projection is built from one store snapshot, so the balance and the rows
// always describe the same committed state.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/MGallo-Code/greenpoints/internal/cooldown"
	"github.com/MGallo-Code/greenpoints/internal/store"
)

// CodeStatus tells the client what to show in place of the unlock code.
type CodeStatus string

const (
	CodeIssued      CodeStatus = "issued"
	CodePending     CodeStatus = "pending"
	CodeUnavailable CodeStatus = "unavailable" // redeemed before codes existed
)

// Row is one redemption as the user sees it.
type Row struct {
	EntryID         uuid.UUID  `json:"entry_id"`
	RewardID        string     `json:"reward_id"`
	Name            string     `json:"name"`
	Category        string     `json:"category,omitempty"`
	Icon            string     `json:"icon"`
	Match           Match      `json:"match"`
	PointsDebited   int64      `json:"points_debited"`
	RedeemedAt      time.Time  `json:"redeemed_at"`
	NextAvailableAt time.Time  `json:"next_available_at"`
	CanRedeemAgain  bool       `json:"can_redeem_again"`
	TimeRemaining   string     `json:"time_remaining,omitempty"`
	CodeStatus      CodeStatus `json:"code_status"`
	CodePending     bool       `json:"code_pending"`
	Code            string     `json:"code,omitempty"`
}

// View is a full history snapshot: balance plus rows, newest first.
type View struct {
	UserID      uuid.UUID `json:"user_id"`
	Balance     int64     `json:"balance"`
	Rows        []Row     `json:"rows"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Reader is the read side of the ledger store.
// Satisfied by *store.PostgresStore and *store.MemoryStore.
type Reader interface {
	Snapshot(ctx context.Context, userID uuid.UUID) (store.UserSnapshot, error)
}

// Projector builds history views. Read-only; safe for concurrent use.
type Projector struct {
	Reader   Reader
	Resolver Resolver
}

// ListHistory returns the user's rows, newest first, evaluated at now.
func (p *Projector) ListHistory(ctx context.Context, userID uuid.UUID, now time.Time) ([]Row, error) {
	v, err := p.View(ctx, userID, now)
	if err != nil {
		return nil, err
	}
	return v.Rows, nil
}

// View returns balance and rows from a single consistent snapshot.
func (p *Projector) View(ctx context.Context, userID uuid.UUID, now time.Time) (View, error) {
	snap, err := p.Reader.Snapshot(ctx, userID)
	if err != nil {
		return View{}, fmt.Errorf("reading ledger snapshot: %w", err)
	}
	return p.Project(userID, snap, now), nil
}

// Project is the pure part of View.
func (p *Projector) Project(userID uuid.UUID, snap store.UserSnapshot, now time.Time) View {
	rows := make([]Row, 0, len(snap.Entries))
	for _, e := range snap.Entries {
		rows = append(rows, p.row(e, now))
	}
	return View{UserID: userID, Balance: snap.Balance.Points, Rows: rows, GeneratedAt: now}
}

func (p *Projector) row(e store.LedgerEntry, now time.Time) Row {
	d := p.Resolver.Resolve(e)
	res := cooldown.EvaluateSince(e.RedeemedAt, d.Cooldown, now)

	r := Row{
		EntryID:         e.ID,
		RewardID:        e.RewardID,
		Name:            d.Name,
		Category:        string(d.Category),
		Icon:            d.Icon,
		Match:           d.Match,
		PointsDebited:   e.PointsDebited,
		RedeemedAt:      e.RedeemedAt,
		NextAvailableAt: *res.NextAvailableAt,
		CanRedeemAgain:  res.CanRedeem,
	}
	if res.TimeRemaining != nil {
		r.TimeRemaining = cooldown.FormatRemaining(*res.TimeRemaining)
	}

	// The code is shown only after the row's cooldown, even if already issued.
	switch {
	case !e.CodeIssuable:
		r.CodeStatus = CodeUnavailable
	case res.CanRedeem && e.UnlockCode != nil:
		r.CodeStatus = CodeIssued
		r.Code = *e.UnlockCode
	default:
		r.CodeStatus = CodePending
		r.CodePending = true
	}
	return r
}
