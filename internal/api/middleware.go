// middleware.go

// User identification middleware. Authentication happens upstream; the gateway
// forwards the verified user id in a header.
package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/gofrs/uuid/v5"
)

// UserIDHeader carries the authenticated user's id.
const UserIDHeader = "X-User-ID"

// contextKey is unexported to prevent collisions with other packages using the same context.
type contextKey string

const userIDKey contextKey = "user_id"

// UserIDFromContext retrieves the caller's user ID from context.
// Returns zero UUID and false if RequireUser hasn't run.
func UserIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(userIDKey).(uuid.UUID)
	return id, ok
}

// WithUserID returns ctx carrying userID, as RequireUser would.
func WithUserID(ctx context.Context, userID uuid.UUID) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// RequireUser reads the user id header and injects it into context.
// Missing, malformed or nil ids get a 401.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(r.Header.Get(UserIDHeader))
		if raw == "" {
			logWarn(r, "require user failed", "reason", "missing_user_header")
			Unauthorized(w, r, "unauthorized")
			return
		}
		userID, err := uuid.FromString(raw)
		if err != nil || userID == uuid.Nil {
			logWarn(r, "require user failed", "reason", "invalid_user_id")
			Unauthorized(w, r, "unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
	})
}
