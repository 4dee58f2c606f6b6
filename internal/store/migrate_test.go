package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"testing/fstest"
)

// --- loadMigrations (no database) ---

func TestLoadMigrations(t *testing.T) {
	fsys := fstest.MapFS{
		"002_b.sql":  &fstest.MapFile{Data: []byte("SELECT 2;")},
		"001_a.sql":  &fstest.MapFile{Data: []byte("SELECT 1;")},
		"README.md":  &fstest.MapFile{Data: []byte("not a migration")},
		"010_c.sql":  &fstest.MapFile{Data: []byte("SELECT 10;")},
		"sub/x.sql":  &fstest.MapFile{Data: []byte("SELECT 'nested';")},
		"003_ab.sql": &fstest.MapFile{Data: []byte("SELECT 1;")},
	}

	got, err := loadMigrations(fsys)
	if err != nil {
		t.Fatalf("loadMigrations: %v", err)
	}

	want := []string{"001_a.sql", "002_b.sql", "003_ab.sql", "010_c.sql"}
	if len(got) != len(want) {
		t.Fatalf("count: expected %d, got %d", len(want), len(got))
	}
	for i, m := range got {
		if m.version != want[i] {
			t.Errorf("order[%d]: expected %s, got %s", i, want[i], m.version)
		}
		if len(m.checksum) != 64 {
			t.Errorf("%s checksum: expected 64 hex chars, got %q", m.version, m.checksum)
		}
	}
	if got[0].checksum != got[2].checksum {
		t.Error("identical contents should produce identical checksums")
	}
	if got[0].checksum == got[1].checksum {
		t.Error("different contents should produce different checksums")
	}
}

func TestLoadMigrationsEmbeddedSchema(t *testing.T) {
	got, err := loadMigrations(os.DirFS("../../migrations"))
	if err != nil {
		t.Fatalf("loadMigrations: %v", err)
	}
	if len(got) == 0 || got[0].version != "001_ledger.sql" {
		t.Fatalf("expected 001_ledger.sql first, got %+v", got)
	}
}

// --- Migrate (Postgres) ---

func TestMigrate(t *testing.T) {
	requirePostgres(t)
	ctx := context.Background()

	forget := func(t *testing.T, versions ...string) {
		t.Cleanup(func() {
			for _, v := range versions {
				testStore.pool.Exec(ctx, "DELETE FROM ledger_migrations WHERE version = $1", v)
			}
		})
	}
	recorded := func(t *testing.T, version string) int {
		t.Helper()
		var n int
		if err := testStore.pool.QueryRow(ctx,
			"SELECT COUNT(*) FROM ledger_migrations WHERE version = $1", version,
		).Scan(&n); err != nil {
			t.Fatalf("counting ledger_migrations: %v", err)
		}
		return n
	}

	t.Run("applies once and records checksum", func(t *testing.T) {
		fsys := fstest.MapFS{
			"900_test_points.sql": &fstest.MapFile{Data: []byte("CREATE TABLE test_points_tbl (id INT);")},
		}
		forget(t, "900_test_points.sql")
		t.Cleanup(func() { testStore.pool.Exec(ctx, "DROP TABLE IF EXISTS test_points_tbl") })

		if err := testStore.Migrate(ctx, fsys); err != nil {
			t.Fatalf("first Migrate: %v", err)
		}
		if err := testStore.Migrate(ctx, fsys); err != nil {
			t.Fatalf("second Migrate: %v", err)
		}
		if n := recorded(t, "900_test_points.sql"); n != 1 {
			t.Errorf("records: expected 1, got %d", n)
		}

		var sum string
		testStore.pool.QueryRow(ctx, "SELECT checksum FROM ledger_migrations WHERE version = $1", "900_test_points.sql").Scan(&sum)
		loaded, _ := loadMigrations(fsys)
		if sum != loaded[0].checksum {
			t.Errorf("checksum: expected %s, got %s", loaded[0].checksum, sum)
		}
	})

	t.Run("edited migration is drift", func(t *testing.T) {
		fsys := fstest.MapFS{
			"901_test_drift.sql": &fstest.MapFile{Data: []byte("CREATE TABLE test_drift_tbl (id INT);")},
		}
		forget(t, "901_test_drift.sql", "902_test_after_drift.sql")
		t.Cleanup(func() {
			testStore.pool.Exec(ctx, "DROP TABLE IF EXISTS test_drift_tbl")
			testStore.pool.Exec(ctx, "DROP TABLE IF EXISTS test_after_drift_tbl")
		})
		if err := testStore.Migrate(ctx, fsys); err != nil {
			t.Fatalf("Migrate: %v", err)
		}

		fsys["901_test_drift.sql"] = &fstest.MapFile{Data: []byte("CREATE TABLE test_drift_tbl (id BIGINT);")}
		fsys["902_test_after_drift.sql"] = &fstest.MapFile{Data: []byte("CREATE TABLE test_after_drift_tbl (id INT);")}
		err := testStore.Migrate(ctx, fsys)
		if !errors.Is(err, ErrMigrationDrift) {
			t.Fatalf("expected ErrMigrationDrift, got %v", err)
		}
		if n := recorded(t, "902_test_after_drift.sql"); n != 0 {
			t.Error("nothing should be applied after drift is detected")
		}
	})

	t.Run("bad SQL rolls back its record", func(t *testing.T) {
		fsys := fstest.MapFS{
			"903_test_bad.sql": &fstest.MapFile{Data: []byte("THIS IS NOT VALID SQL;")},
		}
		forget(t, "903_test_bad.sql")

		if err := testStore.Migrate(ctx, fsys); err == nil {
			t.Fatal("expected error for bad SQL, got nil")
		}
		if n := recorded(t, "903_test_bad.sql"); n != 0 {
			t.Error("bad migration should not be recorded")
		}
	})

	t.Run("applies in file-name order", func(t *testing.T) {
		// b depends on a; wrong order fails the ALTER.
		fsys := fstest.MapFS{
			"905_test_order_b.sql": &fstest.MapFile{Data: []byte("ALTER TABLE test_order_tbl ADD COLUMN note TEXT;")},
			"904_test_order_a.sql": &fstest.MapFile{Data: []byte("CREATE TABLE test_order_tbl (id INT);")},
		}
		forget(t, "904_test_order_a.sql", "905_test_order_b.sql")
		t.Cleanup(func() { testStore.pool.Exec(ctx, "DROP TABLE IF EXISTS test_order_tbl") })

		if err := testStore.Migrate(ctx, fsys); err != nil {
			t.Fatalf("Migrate: %v", err)
		}
		if recorded(t, "904_test_order_a.sql")+recorded(t, "905_test_order_b.sql") != 2 {
			t.Error("expected both ordered migrations recorded")
		}
	})

	t.Run("empty filesystem", func(t *testing.T) {
		if err := testStore.Migrate(ctx, fstest.MapFS{}); err != nil {
			t.Fatalf("Migrate with empty FS should not error, got: %v", err)
		}
	})
}

func TestMigrateLedgerSchema(t *testing.T) {
	requirePostgres(t)
	ctx := context.Background()

	for _, table := range []string{"balances", "ledger_entries", "unlock_codes"} {
		var exists bool
		err := testStore.pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM information_schema.tables WHERE table_name = $1)",
			table,
		).Scan(&exists)
		if err != nil {
			t.Fatalf("checking %s: %v", table, err)
		}
		if !exists {
			t.Errorf("expected table %s after migrations", table)
		}
	}
}
