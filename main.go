package main

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MGallo-Code/greenpoints/internal/api"
	"github.com/MGallo-Code/greenpoints/internal/catalog"
	"github.com/MGallo-Code/greenpoints/internal/config"
	"github.com/MGallo-Code/greenpoints/internal/history"
	"github.com/MGallo-Code/greenpoints/internal/live"
	"github.com/MGallo-Code/greenpoints/internal/metrics"
	"github.com/MGallo-Code/greenpoints/internal/notify"
	"github.com/MGallo-Code/greenpoints/internal/redeem"
	"github.com/MGallo-Code/greenpoints/internal/store"
	"github.com/MGallo-Code/greenpoints/internal/unlock"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Embeds the migration files INTO the go bin

//go:embed migrations/*.sql
var migrationsDir embed.FS

func main() {
	// Load config first so we can set log level
	cfg, err := config.LoadConfig()
	if err != nil {
		// Fallback logger before config is available
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}

	// Include source location in log entries at debug level only.
	addSrc := cfg.LogLevel == slog.LevelDebug

	// Set up slog to output as json with configured level
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     cfg.LogLevel,
		AddSource: addSrc,
	})))

	// Cancel ctx on SIGINT/SIGTERM; run() shuts down when ctx is done.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// run() is a separate func so deferred closes (ps, rdb) always execute before os.Exit.
	if err := run(ctx, cfg, nil); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

// run holds all server logic and returns error instead of calling os.Exit,
// so deferred resource cleanup (ps.Close, rdb.Close) always runs.
// Shuts down when ctx is cancelled (signal handling is the caller's concern).
// If ready is non-nil, the server's base URL is sent on it once the listener is bound.
func run(ctx context.Context, cfg *config.Config, ready chan<- string) error {
	cat, err := loadCatalog(cfg.CatalogPath)
	if err != nil {
		return fmt.Errorf("failed to load catalog: %w", err)
	}
	codes, err := redeem.NewCodes(cfg.UnlockCodeSecret)
	if err != nil {
		return fmt.Errorf("failed to set up unlock codes: %w", err)
	}

	// Create new postgres store, return errors if any
	ps, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to set up postgres store: %w", err)
	}
	// Close at end of run func
	defer ps.Close()

	// Run database migrations
	migrationsFS, err := fs.Sub(migrationsDir, "migrations")
	if err != nil {
		return fmt.Errorf("failed to access embedded migrations: %w", err)
	}
	if err := ps.Migrate(ctx, migrationsFS); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	// Create shared Redis client; broker, schedule and notify queue share one connection pool.
	rdb, err := store.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("failed to set up redis client: %w", err)
	}
	defer rdb.Close()

	broker := store.NewRedisBroker(rdb)
	ps.SetPublisher(broker)
	schedule := store.NewRedisSchedule(rdb)

	observer, err := metrics.NewPrometheusObserver(metrics.DefaultNamespace, prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	// Outcomes go through the Redis queue; the webhook is only called from the worker.
	var inner notify.Notifier = notify.LogNotifier{}
	if cfg.NotifyWebhookURL != "" {
		inner = notify.NewWebhookNotifier(cfg.NotifyWebhookURL)
	}
	notifier := notify.NewQueuedNotifier(inner, rdb, int64(cfg.NotifyMaxQueue))

	svc := &redeem.Service{
		Ledger:      ps,
		Catalog:     cat,
		Codes:       codes,
		Scheduler:   schedule,
		Notifier:    notifier,
		Observer:    observer,
		MaxAttempts: cfg.RedeemMaxAttempts,
	}
	projector := &history.Projector{Reader: ps, Resolver: history.Resolver{Catalog: cat}}
	hub := &live.Hub{Broker: broker, Viewer: projector, Observer: observer}
	issuer := &unlock.Issuer{
		Ledger:        ps,
		Schedule:      schedule,
		Codes:         codes,
		Observer:      observer,
		PollInterval:  cfg.UnlockPollInterval,
		SweepInterval: cfg.UnlockSweepInterval,
	}

	throttle, err := api.NewRedeemThrottle(cfg.RedeemRatePerMinute, 0, api.DefaultThrottleUsers)
	if err != nil {
		return fmt.Errorf("failed to set up redeem throttle: %w", err)
	}

	h := api.Handler{
		Catalog:  cat,
		Redeemer: svc,
		History:  projector,
		Live:     hub,
		Ledger:   ps,
		Broker:   broker,
		Throttle: throttle,
	}

	// Bind listener; ":0" picks a free port (useful in tests).
	ln, err := net.Listen("tcp", ":"+cfg.Port)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	server := &http.Server{Handler: buildRouter(&h)}

	// Background workers; cancelled via workerCtx when run() returns.
	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()
	go issuer.Run(workerCtx)
	go notifier.StartWorker(workerCtx)

	// Start server in a goroutine; run() continues past this.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("greenpoints listening", "addr", ln.Addr().String(), "rewards", cat.Len())
		// Send error only if server stops for a reason other than explicit shutdown.
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Signal readiness to caller (used by tests; nil in production).
	if ready != nil {
		ready <- "http://" + ln.Addr().String()
	}

	// Wait for server error or shutdown signal from ctx.
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down server...")
	// Live websocket streams end when their request context does; Shutdown
	// does not wait on hijacked connections.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}

	slog.Info("server stopped")
	return nil
}

// loadCatalog reads path, or the embedded default catalog when path is empty.
func loadCatalog(path string) (*catalog.Catalog, error) {
	if path == "" {
		return catalog.Default()
	}
	return catalog.LoadFile(path)
}

// buildRouter wires all routes and middleware.
// Called from run() and from smoke tests.
func buildRouter(h *api.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.CheckHealth)
	r.Handle("/metrics", promhttp.Handler())

	// User routes: the gateway has already authenticated the caller.
	r.Group(func(r chi.Router) {
		r.Use(api.RequireUser)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			r.Get("/catalog", h.ListCatalog)
			r.Get("/rewards/{id}/eligibility", h.Eligibility)
			r.Post("/rewards/{id}/redeem", h.Redeem)
			r.Get("/history", h.ListHistory)
		})

		// Long-lived stream; no request timeout.
		r.Get("/history/live", h.LiveHistory)
	})

	return r
}
