package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// migrateLockID is the pg advisory lock key held while migrating, so replicas
// starting together apply each file once.
const migrateLockID = 0x6772656e70 // "grenp"

// ErrMigrationDrift means an applied migration file no longer matches the
// checksum recorded when it ran. The ledger schema is append-only: add a new
// file instead of editing an old one.
var ErrMigrationDrift = errors.New("applied migration was modified")

// migration is one SQL file from the migrations directory.
type migration struct {
	version  string // file name, e.g. 001_ledger.sql
	sql      string
	checksum string // hex sha256 of sql
}

// loadMigrations reads every *.sql file in fsys, sorted by file name.
func loadMigrations(fsys fs.FS) ([]migration, error) {
	names, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("reading migration files: %w", err)
	}
	sort.Strings(names)

	out := make([]migration, 0, len(names))
	for _, name := range names {
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("reading migration %s: %w", name, err)
		}
		sum := sha256.Sum256(data)
		out = append(out, migration{version: name, sql: string(data), checksum: hex.EncodeToString(sum[:])})
	}
	return out, nil
}

// Migrate applies pending SQL migrations from migrationsFS in file-name order.
// Each file runs in its own transaction together with its ledger_migrations
// row, so a failing file leaves no trace. Fails with ErrMigrationDrift before
// applying anything if an already-applied file was edited.
func (s *PostgresStore) Migrate(ctx context.Context, migrationsFS fs.FS) error {
	migrations, err := loadMigrations(migrationsFS)
	if err != nil {
		return err
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring migration connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("taking migration lock: %w", err)
	}
	defer conn.Exec(context.WithoutCancel(ctx), "SELECT pg_advisory_unlock($1)", migrateLockID)

	_, err = conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS ledger_migrations (
			version    TEXT PRIMARY KEY,
			checksum   TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return fmt.Errorf("creating ledger_migrations table: %w", err)
	}

	applied, err := appliedMigrations(ctx, conn)
	if err != nil {
		return err
	}

	var pending []migration
	for _, m := range migrations {
		sum, ok := applied[m.version]
		if !ok {
			pending = append(pending, m)
			continue
		}
		if sum != m.checksum {
			return fmt.Errorf("%w: %s", ErrMigrationDrift, m.version)
		}
	}

	for _, m := range pending {
		err := pgx.BeginFunc(ctx, conn, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, m.sql); err != nil {
				return fmt.Errorf("executing migration %s: %w", m.version, err)
			}
			if _, err := tx.Exec(ctx,
				"INSERT INTO ledger_migrations (version, checksum) VALUES ($1, $2)",
				m.version, m.checksum,
			); err != nil {
				return fmt.Errorf("recording migration %s: %w", m.version, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
		slog.Info("migration applied", "version", m.version)
	}

	slog.Info("migrations complete", "applied", len(pending), "total", len(migrations))
	return nil
}

// appliedMigrations returns version -> checksum for every recorded migration.
func appliedMigrations(ctx context.Context, conn *pgxpool.Conn) (map[string]string, error) {
	rows, err := conn.Query(ctx, "SELECT version, checksum FROM ledger_migrations")
	if err != nil {
		return nil, fmt.Errorf("listing applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]string)
	for rows.Next() {
		var version, sum string
		if err := rows.Scan(&version, &sum); err != nil {
			return nil, fmt.Errorf("scanning applied migration: %w", err)
		}
		applied[version] = sum
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing applied migrations: %w", err)
	}
	return applied, nil
}
