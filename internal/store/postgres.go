// Package store handles ledger persistence and the Redis side channels.
//
// postgres.go -- pgxpool connection setup and ledger queries.
// Postgres is the source of truth for balances, ledger entries and unlock codes.
// All queries use parameterized statements (no string concatenation of input).
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the durable Ledger implementation.
type PostgresStore struct {
	pool *pgxpool.Pool
	pub  Publisher
}

// NewPostgresStore creates and verifies a connection pool.
// Call once at startup from main.go; the returned store is safe for concurrent use.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// SetPublisher installs the change-event publisher. Call before serving traffic.
func (s *PostgresStore) SetPublisher(p Publisher) {
	s.pub = p
}

// Close shuts down the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// CheckHealth pings Postgres.
func (s *PostgresStore) CheckHealth(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// entryColumns selects a LedgerEntry joined with its unlock code (if any).
const entryColumns = `
	e.id, e.seq, e.user_id, e.reward_id, e.reward_name, e.reward_category,
	e.points_debited, e.redeemed_at, e.unlock_at, COALESCE(e.idempotency_key, ''),
	e.code_issuable, c.code, c.issued_at
	FROM ledger_entries e
	LEFT JOIN unlock_codes c ON c.entry_id = e.id`

func scanEntries(rows pgx.Rows) ([]LedgerEntry, error) {
	defer rows.Close()
	var out []LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		if err := rows.Scan(
			&e.ID, &e.Seq, &e.UserID, &e.RewardID, &e.RewardName, &e.RewardCategory,
			&e.PointsDebited, &e.RedeemedAt, &e.UnlockAt, &e.IdempotencyKey,
			&e.CodeIssuable, &e.UnlockCode, &e.CodeIssuedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// WithUserTx runs fn inside one transaction holding the user's balance row lock.
// Concurrent calls for the same user serialize on that lock; different users don't contend.
// fn's error rolls everything back and is returned unchanged.
func (s *PostgresStore) WithUserTx(ctx context.Context, userID uuid.UUID, fn func(tx UserTx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return classify(fmt.Errorf("beginning transaction: %w", err))
	}
	// No-op after a successful Commit.
	defer tx.Rollback(context.WithoutCancel(ctx))

	// FOR UPDATE needs a row to lock, so make sure one exists. Inserts 0 points, never credits.
	if _, err := tx.Exec(ctx,
		"INSERT INTO balances (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING",
		userID); err != nil {
		return classify(fmt.Errorf("ensuring balance row: %w", err))
	}

	ut := &pgUserTx{tx: tx, userID: userID}
	if err := tx.QueryRow(ctx,
		"SELECT points FROM balances WHERE user_id = $1 FOR UPDATE",
		userID).Scan(&ut.points); err != nil {
		return classify(fmt.Errorf("locking balance: %w", err))
	}

	// Timestamp is taken after the lock, clamped so redeemed_at never goes backwards per user.
	var last *time.Time
	if err := tx.QueryRow(ctx,
		"SELECT clock_timestamp(), (SELECT MAX(redeemed_at) FROM ledger_entries WHERE user_id = $1)",
		userID).Scan(&ut.now, &last); err != nil {
		return classify(fmt.Errorf("reading clock: %w", err))
	}
	ut.now = ut.now.UTC()
	if last != nil {
		ut.last = last.UTC()
		if ut.last.After(ut.now) {
			ut.now = ut.last
		}
	}

	if err := fn(ut); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return classify(fmt.Errorf("committing: %w", err))
	}

	if ut.change != nil {
		publishChange(ctx, s.pub, *ut.change)
	}
	return nil
}

// pgUserTx implements UserTx over a locked pgx.Tx.
type pgUserTx struct {
	tx     pgx.Tx
	userID uuid.UUID
	points int64
	now    time.Time
	last   time.Time
	change *ChangeEvent
}

func (t *pgUserTx) UserID() uuid.UUID { return t.userID }

func (t *pgUserTx) Now() time.Time { return t.now }

func (t *pgUserTx) Balance(_ context.Context) (int64, error) {
	return t.points, nil
}

func (t *pgUserTx) EntryByIdempotencyKey(ctx context.Context, key string) (*LedgerEntry, error) {
	if key == "" {
		return nil, ErrNotFound
	}
	return t.one(ctx, "e.user_id = $1 AND e.idempotency_key = $2", t.userID, key)
}

func (t *pgUserTx) Entry(ctx context.Context, id uuid.UUID) (*LedgerEntry, error) {
	return t.one(ctx, "e.user_id = $1 AND e.id = $2", t.userID, id)
}

func (t *pgUserTx) one(ctx context.Context, where string, args ...any) (*LedgerEntry, error) {
	rows, err := t.tx.Query(ctx, "SELECT "+entryColumns+" WHERE "+where, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("querying entry: %w", err))
	}
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, classify(fmt.Errorf("scanning entry: %w", err))
	}
	if len(entries) == 0 {
		return nil, ErrNotFound
	}
	return &entries[0], nil
}

func (t *pgUserTx) EntriesForReward(ctx context.Context, rewardID string) ([]LedgerEntry, error) {
	rows, err := t.tx.Query(ctx,
		"SELECT "+entryColumns+" WHERE e.user_id = $1 AND e.reward_id = $2 ORDER BY e.redeemed_at, e.seq",
		t.userID, rewardID)
	if err != nil {
		return nil, classify(fmt.Errorf("querying reward history: %w", err))
	}
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, classify(fmt.Errorf("scanning reward history: %w", err))
	}
	return entries, nil
}

func (t *pgUserTx) Debit(ctx context.Context, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("debit amount must be positive, got %d", amount)
	}
	var points int64
	err := t.tx.QueryRow(ctx, `
		UPDATE balances SET points = points - $2, updated_at = now()
		WHERE user_id = $1 AND points >= $2
		RETURNING points`,
		t.userID, amount).Scan(&points)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrInsufficientPoints
	}
	if err != nil {
		return 0, classify(fmt.Errorf("debiting balance: %w", err))
	}
	t.points = points
	return points, nil
}

func (t *pgUserTx) Append(ctx context.Context, e LedgerEntry) (LedgerEntry, error) {
	if err := checkAppend(t.userID, t.last, e); err != nil {
		return LedgerEntry{}, err
	}
	e.UserID = t.userID
	err := t.tx.QueryRow(ctx, `
		INSERT INTO ledger_entries
			(id, user_id, reward_id, reward_name, reward_category, points_debited,
			 redeemed_at, unlock_at, idempotency_key, code_issuable)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10)
		RETURNING seq`,
		e.ID, e.UserID, e.RewardID, e.RewardName, e.RewardCategory, e.PointsDebited,
		e.RedeemedAt, e.UnlockAt, e.IdempotencyKey, e.CodeIssuable,
	).Scan(&e.Seq)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			// Same idempotency key committed elsewhere; a retry resolves it as a replay.
			return LedgerEntry{}, transient(fmt.Errorf("appending entry: %w", err))
		}
		return LedgerEntry{}, classify(fmt.Errorf("appending entry: %w", err))
	}
	t.last = e.RedeemedAt
	t.change = &ChangeEvent{UserID: t.userID, Kind: ChangeRedeemed, EntryID: e.ID, At: e.RedeemedAt}
	return e, nil
}

func (t *pgUserTx) IssueCode(ctx context.Context, entryID uuid.UUID, code string, at time.Time) (string, error) {
	e, err := t.Entry(ctx, entryID)
	if err != nil {
		return "", err
	}
	if !e.CodeIssuable {
		return "", ErrCodeNotIssuable
	}
	if e.UnlockCode != nil {
		return *e.UnlockCode, nil
	}
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO unlock_codes (entry_id, user_id, code, issued_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (entry_id) DO NOTHING`,
		entryID, t.userID, code, at)
	if err != nil {
		return "", classify(fmt.Errorf("issuing code: %w", err))
	}
	if tag.RowsAffected() == 1 && t.change == nil {
		t.change = &ChangeEvent{UserID: t.userID, Kind: ChangeCodeIssued, EntryID: entryID, At: at}
	}
	return code, nil
}

// Snapshot reads balance and ledger in one REPEATABLE READ, read-only transaction
// so the two can never straddle a concurrent commit.
func (s *PostgresStore) Snapshot(ctx context.Context, userID uuid.UUID) (UserSnapshot, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return UserSnapshot{}, classify(fmt.Errorf("beginning snapshot: %w", err))
	}
	defer tx.Rollback(context.WithoutCancel(ctx))

	snap := UserSnapshot{Balance: UserBalance{UserID: userID}}
	err = tx.QueryRow(ctx, "SELECT points FROM balances WHERE user_id = $1", userID).Scan(&snap.Balance.Points)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return UserSnapshot{}, classify(fmt.Errorf("reading balance: %w", err))
	}

	rows, err := tx.Query(ctx,
		"SELECT "+entryColumns+" WHERE e.user_id = $1 ORDER BY e.redeemed_at DESC, e.seq DESC",
		userID)
	if err != nil {
		return UserSnapshot{}, classify(fmt.Errorf("querying ledger: %w", err))
	}
	if snap.Entries, err = scanEntries(rows); err != nil {
		return UserSnapshot{}, classify(fmt.Errorf("scanning ledger: %w", err))
	}

	if err := tx.Commit(ctx); err != nil {
		return UserSnapshot{}, classify(fmt.Errorf("ending snapshot: %w", err))
	}
	return snap, nil
}

// EntriesForReward returns a user's entries for one reward in commit order, outside any lock.
func (s *PostgresStore) EntriesForReward(ctx context.Context, userID uuid.UUID, rewardID string) ([]LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+entryColumns+" WHERE e.user_id = $1 AND e.reward_id = $2 ORDER BY e.redeemed_at, e.seq",
		userID, rewardID)
	if err != nil {
		return nil, classify(fmt.Errorf("querying reward history: %w", err))
	}
	return scanEntries(rows)
}

// DueUnlocks returns issuable entries whose unlock time has passed but have no code yet.
func (s *PostgresStore) DueUnlocks(ctx context.Context, now time.Time, limit int) ([]LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+entryColumns+`
		WHERE e.code_issuable AND c.entry_id IS NULL AND e.unlock_at <= $1
		ORDER BY e.unlock_at
		LIMIT $2`,
		now, limit)
	if err != nil {
		return nil, classify(fmt.Errorf("querying due unlocks: %w", err))
	}
	return scanEntries(rows)
}

// SetBalance provisions or overwrites a user's balance. Used by the earning-side
// integration and tests; the redemption path never calls it.
func (s *PostgresStore) SetBalance(ctx context.Context, userID uuid.UUID, points int64) error {
	if points < 0 {
		return fmt.Errorf("balance must not be negative, got %d", points)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO balances (user_id, points) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET points = EXCLUDED.points, updated_at = now()`,
		userID, points)
	if err != nil {
		return classify(fmt.Errorf("setting balance: %w", err))
	}
	publishChange(ctx, s.pub, ChangeEvent{UserID: userID, Kind: ChangeBalance, At: time.Now().UTC()})
	return nil
}

// classify wraps retriable Postgres and network failures with ErrTransient.
func classify(err error) error {
	if err == nil || errors.Is(err, ErrTransient) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01", // deadlock_detected
			"55P03", // lock_not_available
			"57P01": // admin_shutdown
			return transient(err)
		}
		return err
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return transient(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return transient(err)
	}
	return err
}

// publishChange delivers ev after commit. Failures are logged; the commit already happened.
func publishChange(ctx context.Context, pub Publisher, ev ChangeEvent) {
	if pub == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := pub.Publish(pctx, ev); err != nil {
		slog.Warn("publishing ledger change failed", "user_id", ev.UserID, "kind", ev.Kind, "error", err)
	}
}

// checkAppend validates an entry before it is written by either store.
func checkAppend(userID uuid.UUID, last time.Time, e LedgerEntry) error {
	switch {
	case e.ID == uuid.Nil:
		return errors.New("entry id required")
	case e.UserID != uuid.Nil && e.UserID != userID:
		return fmt.Errorf("entry belongs to %s, transaction locked to %s", e.UserID, userID)
	case e.PointsDebited <= 0:
		return fmt.Errorf("points debited must be positive, got %d", e.PointsDebited)
	case e.UnlockAt.Before(e.RedeemedAt):
		return errors.New("unlock time before redemption time")
	case e.RedeemedAt.Before(last):
		return fmt.Errorf("redeemed_at %s precedes latest entry %s", e.RedeemedAt, last)
	}
	return nil
}
