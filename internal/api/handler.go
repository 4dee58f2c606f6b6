// handler.go -- HTTP handlers for the catalog, eligibility, redemption and history endpoints.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/MGallo-Code/greenpoints/internal/catalog"
	"github.com/MGallo-Code/greenpoints/internal/cooldown"
	"github.com/MGallo-Code/greenpoints/internal/history"
	"github.com/MGallo-Code/greenpoints/internal/redeem"
)

// Redeemer runs redemptions and eligibility checks.
// Satisfied by *redeem.Service; defined here (at consumer) per Go convention.
type Redeemer interface {
	// Redeem debits and records one redemption, or returns a *redeem.Error.
	Redeem(ctx context.Context, req redeem.Request) (redeem.Outcome, error)

	// Eligibility evaluates cooldown and weekly cap at now without writing.
	Eligibility(ctx context.Context, userID uuid.UUID, rewardID string, now time.Time) (cooldown.Result, error)
}

// Historian builds history views. Satisfied by *history.Projector.
type Historian interface {
	View(ctx context.Context, userID uuid.UUID, now time.Time) (history.View, error)
}

// LiveFeed streams history views. Satisfied by *live.Hub.
type LiveFeed interface {
	Subscribe(ctx context.Context, userID uuid.UUID) (<-chan history.View, error)
}

// HealthChecker is a dependency that can be pinged.
// Satisfied by *store.PostgresStore, *store.MemoryStore and *store.RedisBroker.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// Handler holds dependencies for all HTTP handlers.
// Live, Broker and Throttle are optional.
type Handler struct {
	Catalog  *catalog.Catalog
	Redeemer Redeemer
	History  Historian
	Live     LiveFeed
	Ledger   HealthChecker
	Broker   HealthChecker
	Throttle *RedeemThrottle

	// Clock defaults to time.Now.
	Clock func() time.Time
}

func (h *Handler) now() time.Time {
	if h.Clock != nil {
		return h.Clock().UTC()
	}
	return time.Now().UTC()
}

// evaluationTime returns the ?at= override if present, otherwise the server clock.
// ok is false when the override is malformed; a 400 has already been written.
func (h *Handler) evaluationTime(w http.ResponseWriter, r *http.Request) (time.Time, bool) {
	raw := r.URL.Query().Get("at")
	if raw == "" {
		return h.now(), true
	}
	at, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		BadRequest(w, r, "at must be an RFC3339 timestamp")
		return time.Time{}, false
	}
	return at.UTC(), true
}

// mustUser returns the id injected by RequireUser. Routes are only mounted
// behind RequireUser, so a miss is a wiring bug.
func mustUser(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		Unauthorized(w, r, "unauthorized")
	}
	return userID, ok
}
