package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/gorilla/websocket"

	"github.com/MGallo-Code/greenpoints/internal/cooldown"
	"github.com/MGallo-Code/greenpoints/internal/history"
	"github.com/MGallo-Code/greenpoints/internal/redeem"
	"github.com/MGallo-Code/greenpoints/internal/store"
	"github.com/MGallo-Code/greenpoints/internal/testutil"
)

var codePattern = regexp.MustCompile(`^ECO-[0-9A-F]{4}-[0-9A-F]{4}-[0-9A-F]{4}$`)

// --- Catalog ---

func TestListCatalog(t *testing.T) {
	f := newFixture(t, 0)
	w := f.do(http.MethodGet, "/catalog", "", nil)
	assertStatus(t, w, http.StatusOK)

	body := decode[struct {
		Rewards []rewardJSON `json:"rewards"`
	}](t, w)
	if len(body.Rewards) != 2 {
		t.Fatalf("rewards: expected 2, got %d", len(body.Rewards))
	}
	if body.Rewards[0].ID != "coffee" || body.Rewards[1].ID != "tree" {
		t.Errorf("order: expected coffee, tree; got %s, %s", body.Rewards[0].ID, body.Rewards[1].ID)
	}
	if body.Rewards[0].CooldownSeconds != 86400 {
		t.Errorf("cooldown_seconds: expected 86400, got %d", body.Rewards[0].CooldownSeconds)
	}
}

// --- Eligibility ---

func TestEligibility(t *testing.T) {
	f := newFixture(t, 1000)

	t.Run("fresh reward is redeemable", func(t *testing.T) {
		w := f.do(http.MethodGet, "/rewards/coffee/eligibility", "", nil)
		assertStatus(t, w, http.StatusOK)
		got := decode[eligibilityJSON](t, w)
		if !got.CanRedeem || got.NextAvailableAt != nil {
			t.Errorf("expected redeemable with no next_available_at, got %+v", got)
		}
	})

	t.Run("blocked after redemption", func(t *testing.T) {
		assertStatus(t, f.redeem(t, "coffee", "k1"), http.StatusCreated)
		w := f.do(http.MethodGet, "/rewards/coffee/eligibility", "", nil)
		assertStatus(t, w, http.StatusOK)
		got := decode[eligibilityJSON](t, w)
		if got.CanRedeem {
			t.Fatal("expected can_redeem false")
		}
		if got.Reason != string(cooldown.ReasonCooldown) {
			t.Errorf("reason: expected cooldown, got %q", got.Reason)
		}
		if got.TimeRemaining != "24h" {
			t.Errorf("time_remaining: expected 24h, got %q", got.TimeRemaining)
		}
		if got.NextAvailableAt == nil || !got.NextAvailableAt.Equal(start.Add(24*time.Hour)) {
			t.Errorf("next_available_at: expected %v, got %v", start.Add(24*time.Hour), got.NextAvailableAt)
		}
	})

	t.Run("at override evaluates in the future", func(t *testing.T) {
		at := start.Add(24 * time.Hour).Format(time.RFC3339)
		w := f.do(http.MethodGet, "/rewards/coffee/eligibility?at="+at, "", nil)
		assertStatus(t, w, http.StatusOK)
		if got := decode[eligibilityJSON](t, w); !got.CanRedeem {
			t.Errorf("expected redeemable exactly at next_available_at, got %+v", got)
		}
	})

	t.Run("malformed at", func(t *testing.T) {
		assertStatus(t, f.do(http.MethodGet, "/rewards/coffee/eligibility?at=tomorrow", "", nil), http.StatusBadRequest)
	})

	t.Run("unknown reward", func(t *testing.T) {
		w := f.do(http.MethodGet, "/rewards/yacht/eligibility", "", nil)
		assertStatus(t, w, http.StatusNotFound)
		if got := decode[errorBody](t, w); got.Error != string(redeem.KindUnknownReward) {
			t.Errorf("error: expected unknown_reward, got %q", got.Error)
		}
	})
}

// --- Redeem ---

func TestRedeemCreatesThenReplays(t *testing.T) {
	f := newFixture(t, 1000)

	w := f.redeem(t, "coffee", "req-1")
	assertStatus(t, w, http.StatusCreated)
	first := decode[outcomeJSON](t, w)
	if first.Status != "redeemed" || first.Replayed {
		t.Errorf("first: expected fresh redemption, got %+v", first)
	}
	if first.BalanceAfter != 750 || first.PointsDebited != 250 {
		t.Errorf("first: expected 250 debited leaving 750, got %+v", first)
	}
	if !first.CodePending || first.Code != "" {
		t.Errorf("first: code must be pending during cooldown, got %+v", first)
	}

	w = f.redeem(t, "coffee", "req-1")
	assertStatus(t, w, http.StatusOK)
	again := decode[outcomeJSON](t, w)
	if !again.Replayed || again.Status != "duplicate_request" || again.EntryID != first.EntryID {
		t.Errorf("replay: expected same entry replayed, got %+v", again)
	}
	if again.BalanceAfter != 750 {
		t.Errorf("replay: balance must not change, got %d", again.BalanceAfter)
	}
}

func TestRedeemIdempotencyKeyFromBody(t *testing.T) {
	f := newFixture(t, 1000)
	body := `{"idempotency_key":"body-key"}`

	assertStatus(t, f.do(http.MethodPost, "/rewards/tree/redeem", body, nil), http.StatusCreated)
	w := f.do(http.MethodPost, "/rewards/tree/redeem", body, nil)
	assertStatus(t, w, http.StatusOK)
	if got := decode[outcomeJSON](t, w); !got.Replayed {
		t.Error("expected replay for repeated body key")
	}
}

func TestRedeemZeroCooldownReturnsCode(t *testing.T) {
	f := newFixture(t, 1000)
	w := f.redeem(t, "tree", "")
	assertStatus(t, w, http.StatusCreated)
	got := decode[outcomeJSON](t, w)
	if got.CodePending || !codePattern.MatchString(got.Code) {
		t.Errorf("expected an issued code, got %+v", got)
	}
}

func TestRedeemErrors(t *testing.T) {
	t.Run("insufficient points", func(t *testing.T) {
		f := newFixture(t, 100)
		w := f.redeem(t, "coffee", "")
		assertStatus(t, w, http.StatusUnprocessableEntity)
		if got := decode[errorBody](t, w); got.Error != "insufficient_points" {
			t.Errorf("error: expected insufficient_points, got %q", got.Error)
		}
	})

	t.Run("on cooldown", func(t *testing.T) {
		f := newFixture(t, 1000)
		assertStatus(t, f.redeem(t, "coffee", "a"), http.StatusCreated)
		f.clock.Advance(2 * time.Hour)
		w := f.redeem(t, "coffee", "b")
		assertStatus(t, w, http.StatusConflict)
		got := decode[errorBody](t, w)
		if got.Error != "on_cooldown" || got.TimeRemaining != "22h" {
			t.Errorf("expected on_cooldown with 22h remaining, got %+v", got)
		}
		if got.NextAvailableAt == nil || !got.NextAvailableAt.Equal(start.Add(24*time.Hour)) {
			t.Errorf("next_available_at: expected %v, got %v", start.Add(24*time.Hour), got.NextAvailableAt)
		}
	})

	t.Run("idempotency conflict", func(t *testing.T) {
		f := newFixture(t, 1000)
		assertStatus(t, f.redeem(t, "tree", "same"), http.StatusCreated)
		w := f.redeem(t, "coffee", "same")
		assertStatus(t, w, http.StatusConflict)
		if got := decode[errorBody](t, w); got.Error != "idempotency_conflict" {
			t.Errorf("error: expected idempotency_conflict, got %q", got.Error)
		}
	})

	t.Run("unknown reward", func(t *testing.T) {
		f := newFixture(t, 1000)
		assertStatus(t, f.redeem(t, "yacht", ""), http.StatusNotFound)
	})

	t.Run("malformed body", func(t *testing.T) {
		f := newFixture(t, 1000)
		assertStatus(t, f.do(http.MethodPost, "/rewards/coffee/redeem", "{", nil), http.StatusBadRequest)
	})

	t.Run("oversized key", func(t *testing.T) {
		f := newFixture(t, 1000)
		assertStatus(t, f.redeem(t, "coffee", strings.Repeat("k", redeem.MaxIdempotencyKeyLen+1)), http.StatusBadRequest)
	})
}

func TestRedeemThrottled(t *testing.T) {
	f := newFixture(t, 10_000)
	th, err := NewRedeemThrottle(1, 1, 10)
	if err != nil {
		t.Fatalf("NewRedeemThrottle: %v", err)
	}
	f.handler.Throttle = th

	assertStatus(t, f.redeem(t, "tree", ""), http.StatusCreated)
	w := f.redeem(t, "tree", "")
	assertStatus(t, w, http.StatusTooManyRequests)
	if w.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
}

// stubRedeemer returns fixed errors.
type stubRedeemer struct{ err error }

func (s stubRedeemer) Redeem(context.Context, redeem.Request) (redeem.Outcome, error) {
	return redeem.Outcome{}, s.err
}

func (s stubRedeemer) Eligibility(context.Context, uuid.UUID, string, time.Time) (cooldown.Result, error) {
	return cooldown.Result{}, s.err
}

func TestRedeemErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantErr  string
	}{
		{"transient after retries", &redeem.Error{Kind: redeem.KindTransientStorageFailure, Message: "retry", Err: store.ErrTransient}, http.StatusServiceUnavailable, "transient_storage_failure"},
		{"weekly cap", &redeem.Error{Kind: redeem.KindWeeklyCapReached, Message: "cap"}, http.StatusConflict, "weekly_cap_reached"},
		{"unclassified", errors.New("boom: secret detail"), http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 0)
			f.handler.Redeemer = stubRedeemer{err: tt.err}
			w := f.redeem(t, "coffee", "")
			assertStatus(t, w, tt.wantCode)
			got := decode[errorBody](t, w)
			if got.Error != tt.wantErr {
				t.Errorf("error: expected %q, got %q", tt.wantErr, got.Error)
			}
			if strings.Contains(w.Body.String(), "secret") {
				t.Error("internal error details leaked into response")
			}
		})
	}
}

// --- History ---

func TestListHistory(t *testing.T) {
	f := newFixture(t, 1000)
	assertStatus(t, f.redeem(t, "tree", ""), http.StatusCreated)
	f.clock.Advance(time.Minute)
	assertStatus(t, f.redeem(t, "coffee", ""), http.StatusCreated)

	w := f.do(http.MethodGet, "/history", "", nil)
	assertStatus(t, w, http.StatusOK)
	v := decode[history.View](t, w)

	if v.Balance != 450 {
		t.Errorf("balance: expected 450, got %d", v.Balance)
	}
	if len(v.Rows) != 2 {
		t.Fatalf("rows: expected 2, got %d", len(v.Rows))
	}
	coffee, tree := v.Rows[0], v.Rows[1]
	if coffee.RewardID != "coffee" || coffee.CodeStatus != history.CodePending || coffee.Code != "" {
		t.Errorf("newest row: expected pending coffee without code, got %+v", coffee)
	}
	if tree.CodeStatus != history.CodeIssued || !codePattern.MatchString(tree.Code) {
		t.Errorf("tree row: expected issued code, got %+v", tree)
	}
}

func TestListHistoryErrors(t *testing.T) {
	f := newFixture(t, 0)
	assertStatus(t, f.do(http.MethodGet, "/history?at=yesterday", "", nil), http.StatusBadRequest)

	f.handler.History = &history.Projector{Reader: &testutil.FaultyLedger{Ledger: f.ledger, SnapshotErr: errors.New("db down")}}
	w := f.do(http.MethodGet, "/history", "", nil)
	assertStatus(t, w, http.StatusInternalServerError)
	if strings.Contains(w.Body.String(), "db down") {
		t.Error("internal error details leaked into response")
	}
}

func TestLiveHistoryStreamsViews(t *testing.T) {
	f := newFixture(t, 1000)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	header := http.Header{}
	header.Set(UserIDHeader, f.user.String())
	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/history/live", header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("status: expected 101, got %d", resp.StatusCode)
	}

	read := func() history.View {
		t.Helper()
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var v history.View
		if err := conn.ReadJSON(&v); err != nil {
			t.Fatalf("read view: %v", err)
		}
		return v
	}

	if v := read(); v.Balance != 1000 || len(v.Rows) != 0 {
		t.Fatalf("initial view: expected 1000 and no rows, got %d and %d rows", v.Balance, len(v.Rows))
	}

	assertStatus(t, f.redeem(t, "tree", ""), http.StatusCreated)
	v := read()
	if v.Balance != 700 || len(v.Rows) != 1 {
		t.Errorf("pushed view: expected 700 and 1 row, got %d and %d rows", v.Balance, len(v.Rows))
	}
}

func TestLiveHistoryRequiresUser(t *testing.T) {
	f := newFixture(t, 0)
	r := httptest.NewRequest(http.MethodGet, "/history/live", nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, r)
	assertStatus(t, w, http.StatusUnauthorized)
}

// --- Health ---

func TestCheckHealth(t *testing.T) {
	t.Run("healthy ledger, no broker", func(t *testing.T) {
		f := newFixture(t, 0)
		w := f.do(http.MethodGet, "/health", "", nil)
		assertStatus(t, w, http.StatusOK)
		got := decode[map[string]string](t, w)
		if got["ledger"] != "ok" || got["broker"] != "disabled" {
			t.Errorf("expected ledger ok, broker disabled; got %v", got)
		}
	})

	t.Run("ledger down", func(t *testing.T) {
		f := newFixture(t, 0)
		f.handler.Ledger = &testutil.FaultyLedger{Ledger: f.ledger, HealthErr: errors.New("down")}
		assertStatus(t, f.do(http.MethodGet, "/health", "", nil), http.StatusServiceUnavailable)
	})

	t.Run("broker down", func(t *testing.T) {
		f := newFixture(t, 0)
		f.handler.Broker = &testutil.FaultyLedger{Ledger: f.ledger, HealthErr: errors.New("down")}
		w := f.do(http.MethodGet, "/health", "", nil)
		assertStatus(t, w, http.StatusServiceUnavailable)
		if got := decode[map[string]string](t, w); got["broker"] != "error" {
			t.Errorf("broker: expected error, got %q", got["broker"])
		}
	})
}
