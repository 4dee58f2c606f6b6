// api_test.go

// Shared fixture for handler tests: real redemption service and projector over
// the in-memory store, mounted on a chi router like main.buildRouter does.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gofrs/uuid/v5"

	"github.com/MGallo-Code/greenpoints/internal/catalog"
	"github.com/MGallo-Code/greenpoints/internal/history"
	"github.com/MGallo-Code/greenpoints/internal/live"
	"github.com/MGallo-Code/greenpoints/internal/redeem"
	"github.com/MGallo-Code/greenpoints/internal/store"
	"github.com/MGallo-Code/greenpoints/internal/testutil"
)

var start = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

type fixture struct {
	clock   *testutil.Clock
	ledger  *store.MemoryStore
	broker  *store.MemoryBroker
	handler *Handler
	router  http.Handler
	user    uuid.UUID
}

func newFixture(t *testing.T, balance int64) *fixture {
	t.Helper()
	clock := testutil.NewClock(start)
	ledger := store.NewMemoryStore(clock.Now)
	broker := store.NewMemoryBroker()
	ledger.SetPublisher(broker)

	cat, err := catalog.New(
		catalog.RewardDefinition{ID: "coffee", Name: "Free Coffee", Icon: "coffee", Price: 250, Category: catalog.Food, Cooldown: 24 * time.Hour},
		catalog.RewardDefinition{ID: "tree", Name: "Plant a Tree", Icon: "tree", Price: 300, Category: catalog.Donation},
	)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	codes, err := redeem.NewCodes([]byte("0123456789abcdef-api"))
	if err != nil {
		t.Fatalf("codes: %v", err)
	}
	projector := &history.Projector{Reader: ledger, Resolver: history.Resolver{Catalog: cat}}

	f := &fixture{clock: clock, ledger: ledger, broker: broker, user: uuid.Must(uuid.NewV7())}
	f.handler = &Handler{
		Catalog:  cat,
		Redeemer: &redeem.Service{Ledger: ledger, Catalog: cat, Codes: codes, Scheduler: store.NewMemorySchedule(), InitialBackoff: time.Millisecond},
		History:  projector,
		Live:     &live.Hub{Broker: broker, Viewer: projector, Clock: clock.Now},
		Ledger:   ledger,
		Clock:    clock.Now,
	}
	f.router = testRouter(f.handler)
	if err := ledger.SetBalance(context.Background(), f.user, balance); err != nil {
		t.Fatalf("SetBalance: %v", err)
	}
	return f
}

func testRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", h.CheckHealth)
	r.Group(func(r chi.Router) {
		r.Use(RequireUser)
		r.Get("/catalog", h.ListCatalog)
		r.Get("/rewards/{id}/eligibility", h.Eligibility)
		r.Post("/rewards/{id}/redeem", h.Redeem)
		r.Get("/history", h.ListHistory)
		r.Get("/history/live", h.LiveHistory)
	})
	return r
}

// do sends a request as f.user and returns the recorder.
func (f *fixture) do(method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	r.Header.Set(UserIDHeader, f.user.String())
	for k, v := range header {
		r.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, r)
	return w
}

func (f *fixture) redeem(t *testing.T, rewardID, key string) *httptest.ResponseRecorder {
	t.Helper()
	var header map[string]string
	if key != "" {
		header = map[string]string{IdempotencyKeyHeader: key}
	}
	return f.do(http.MethodPost, "/rewards/"+rewardID+"/redeem", "", header)
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decoding %q: %v", w.Body.String(), err)
	}
	return v
}

func assertStatus(t *testing.T, w *httptest.ResponseRecorder, want int) {
	t.Helper()
	if w.Code != want {
		t.Fatalf("status: expected %d, got %d (body %s)", want, w.Code, w.Body.String())
	}
}
