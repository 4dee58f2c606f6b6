// redeem_handler.go -- Eligibility and redemption endpoints.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gofrs/uuid/v5"

	"github.com/MGallo-Code/greenpoints/internal/cooldown"
	"github.com/MGallo-Code/greenpoints/internal/redeem"
)

// IdempotencyKeyHeader takes precedence over the body field.
const IdempotencyKeyHeader = "Idempotency-Key"

// maxRedeemBody caps the redeem request body.
const maxRedeemBody = 4 << 10

type eligibilityJSON struct {
	RewardID             string     `json:"reward_id"`
	CanRedeem            bool       `json:"can_redeem"`
	Reason               string     `json:"reason,omitempty"`
	NextAvailableAt      *time.Time `json:"next_available_at,omitempty"`
	TimeRemaining        string     `json:"time_remaining,omitempty"`
	TimeRemainingSeconds int64      `json:"time_remaining_seconds,omitempty"`
	EvaluatedAt          time.Time  `json:"evaluated_at"`
}

// Eligibility handles GET /rewards/{id}/eligibility.
// Returns 200 with the verdict, 404 for unknown rewards, 400 for a bad ?at=.
func (h *Handler) Eligibility(w http.ResponseWriter, r *http.Request) {
	userID, ok := mustUser(w, r)
	if !ok {
		return
	}
	now, ok := h.evaluationTime(w, r)
	if !ok {
		return
	}
	rewardID := chi.URLParam(r, "id")

	res, err := h.Redeemer.Eligibility(r.Context(), userID, rewardID, now)
	if err != nil {
		RedeemError(w, r, err)
		return
	}

	out := eligibilityJSON{
		RewardID:        rewardID,
		CanRedeem:       res.CanRedeem,
		Reason:          string(res.Reason),
		NextAvailableAt: res.NextAvailableAt,
		EvaluatedAt:     now,
	}
	if res.TimeRemaining != nil {
		out.TimeRemaining = cooldown.FormatRemaining(*res.TimeRemaining)
		out.TimeRemainingSeconds = int64(res.TimeRemaining.Seconds())
	}
	writeJSON(w, r, http.StatusOK, out)
}

type outcomeJSON struct {
	Status          string    `json:"status"`
	EntryID         uuid.UUID `json:"entry_id"`
	RewardID        string    `json:"reward_id"`
	RewardName      string    `json:"reward_name"`
	PointsDebited   int64     `json:"points_debited"`
	BalanceAfter    int64     `json:"balance_after"`
	RedeemedAt      time.Time `json:"redeemed_at"`
	NextAvailableAt time.Time `json:"next_available_at"`
	Code            string    `json:"code,omitempty"`
	CodePending     bool      `json:"code_pending"`
	Replayed        bool      `json:"replayed"`
}

// Redeem handles POST /rewards/{id}/redeem.
// Returns 201 for a new redemption, 200 for a replayed one, and the mapped
// status for every error kind. Throttled per user.
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	userID, ok := mustUser(w, r)
	if !ok {
		return
	}
	if !h.Throttle.Allow(userID) {
		logInfo(r, "redeem throttled", "reason", "rate_limited")
		TooManyRequests(w)
		return
	}

	var input struct {
		IdempotencyKey string `json:"idempotency_key"`
	}
	// Body is optional: the key may come from the header alone.
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRedeemBody)).Decode(&input); err != nil && !errors.Is(err, io.EOF) {
		logWarn(r, "failed to decode redeem input", "error", err)
		BadRequest(w, r, "error decoding request body")
		return
	}
	key := strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader))
	if key == "" {
		key = strings.TrimSpace(input.IdempotencyKey)
	}

	out, err := h.Redeemer.Redeem(r.Context(), redeem.Request{
		UserID:         userID,
		RewardID:       chi.URLParam(r, "id"),
		IdempotencyKey: key,
	})
	if err != nil {
		RedeemError(w, r, err)
		return
	}

	status, kind := http.StatusCreated, redeem.KindRedeemed
	if out.Replayed {
		status, kind = http.StatusOK, redeem.KindDuplicateRequest
	}
	writeJSON(w, r, status, outcomeJSON{
		Status:          string(kind),
		EntryID:         out.EntryID,
		RewardID:        out.RewardID,
		RewardName:      out.RewardName,
		PointsDebited:   out.PointsDebited,
		BalanceAfter:    out.BalanceAfter,
		RedeemedAt:      out.RedeemedAt,
		NextAvailableAt: out.NextAvailableAt,
		Code:            out.Code,
		CodePending:     out.CodePending,
		Replayed:        out.Replayed,
	})
}
