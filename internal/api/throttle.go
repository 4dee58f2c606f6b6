// throttle.go -- Per-user request throttling for the redeem endpoint.
package api

import (
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// DefaultThrottleUsers bounds how many per-user limiters are kept in memory.
// Evicted users start over with a full bucket.
const DefaultThrottleUsers = 10_000

// RedeemThrottle is a token bucket per user. A nil *RedeemThrottle allows everything.
type RedeemThrottle struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters *lru.Cache[uuid.UUID, *rate.Limiter]
}

// NewRedeemThrottle allows perMinute requests per user with the given burst.
// Returns nil (no throttling) when perMinute <= 0.
func NewRedeemThrottle(perMinute, burst, users int) (*RedeemThrottle, error) {
	if perMinute <= 0 {
		return nil, nil
	}
	if burst <= 0 {
		burst = max(1, perMinute/6)
	}
	if users <= 0 {
		users = DefaultThrottleUsers
	}
	cache, err := lru.New[uuid.UUID, *rate.Limiter](users)
	if err != nil {
		return nil, fmt.Errorf("creating limiter cache: %w", err)
	}
	return &RedeemThrottle{
		limit:    rate.Every(time.Minute / time.Duration(perMinute)),
		burst:    burst,
		limiters: cache,
	}, nil
}

// Allow reports whether userID may make a request now, consuming a token if so.
func (t *RedeemThrottle) Allow(userID uuid.UUID) bool {
	if t == nil {
		return true
	}
	t.mu.Lock()
	lim, ok := t.limiters.Get(userID)
	if !ok {
		lim = rate.NewLimiter(t.limit, t.burst)
		t.limiters.Add(userID, lim)
	}
	t.mu.Unlock()
	return lim.Allow()
}
