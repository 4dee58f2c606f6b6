// responses.go -- Package-wide HTTP response helpers.
//
// Fixed messages are plain ASCII and written directly. Anything carrying
// caller- or catalog-derived text goes through encoding/json.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/MGallo-Code/greenpoints/internal/cooldown"
	"github.com/MGallo-Code/greenpoints/internal/redeem"
)

// writeJSON encodes v with the given status.
func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logWarn(r, "writing response failed", "error", err)
	}
}

// InternalServerError logs the error and returns a generic 500 JSON response.
// Never exposes internal error details.
func InternalServerError(w http.ResponseWriter, r *http.Request, err error) {
	logError(r, "internal server error", "error", err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	w.Write([]byte(`{"error":"internal","message":"internal server error"}`))
}

// BadRequest returns a 400 JSON response with the given message.
func BadRequest(w http.ResponseWriter, r *http.Request, message string) {
	writeJSON(w, r, http.StatusBadRequest, errorBody{Error: string(redeem.KindInvalidRequest), Message: message})
}

// Unauthorized returns a 401 JSON response with a generic message.
func Unauthorized(w http.ResponseWriter, r *http.Request, message string) {
	writeJSON(w, r, http.StatusUnauthorized, errorBody{Error: "unauthorized", Message: message})
}

// TooManyRequests returns a 429 JSON response.
func TooManyRequests(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", "1")
	w.WriteHeader(http.StatusTooManyRequests)
	w.Write([]byte(`{"error":"rate_limited","message":"too many requests"}`))
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error           string     `json:"error"`
	Message         string     `json:"message"`
	NextAvailableAt *time.Time `json:"next_available_at,omitempty"`
	TimeRemaining   string     `json:"time_remaining,omitempty"`
}

// statusFor maps a redemption error kind to its HTTP status.
func statusFor(kind redeem.Kind) int {
	switch kind {
	case redeem.KindUnknownReward:
		return http.StatusNotFound
	case redeem.KindInsufficientPoints:
		return http.StatusUnprocessableEntity
	case redeem.KindOnCooldown, redeem.KindWeeklyCapReached, redeem.KindIdempotencyConflict:
		return http.StatusConflict
	case redeem.KindInvalidRequest:
		return http.StatusBadRequest
	case redeem.KindTransientStorageFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// RedeemError writes the response for an error returned by the redeem package.
// Unclassified errors become a generic 500.
func RedeemError(w http.ResponseWriter, r *http.Request, err error) {
	var re *redeem.Error
	if !errors.As(err, &re) || statusFor(re.Kind) == http.StatusInternalServerError {
		InternalServerError(w, r, err)
		return
	}

	body := errorBody{Error: string(re.Kind), Message: re.Message, NextAvailableAt: re.NextAvailableAt}
	if re.TimeRemaining != nil {
		body.TimeRemaining = cooldown.FormatRemaining(*re.TimeRemaining)
	}
	status := statusFor(re.Kind)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
		logWarn(r, "request failed after retries", "kind", re.Kind, "error", re.Err)
	} else {
		logDebug(r, "request rejected", "kind", re.Kind)
	}
	writeJSON(w, r, status, body)
}
