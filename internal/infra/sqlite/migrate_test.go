package sqlite_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/matiasleandrokruk/chatrelay/internal/infra/sqlite"
)

// TestMigrate_RunsAllMigrations verifies that MigrateUp applies all pending migrations.
func TestMigrate_RunsAllMigrations(t *testing.T) {
	t.Parallel()

	db := mustOpenDB(t)
	ctx := context.Background()

	if err := sqlite.MigrateUp(ctx, db); err != nil {
		t.Fatalf("MigrateUp() error = %v; want nil", err)
	}

	version, err := sqlite.MigrationVersion(ctx, db)
	if err != nil {
		t.Fatalf("MigrationVersion() error = %v", err)
	}
	if version < 1 {
		t.Errorf("MigrationVersion() = %d; want >= 1", version)
	}
}

// TestMigrate_Idempotent verifies that running MigrateUp twice does not fail.
func TestMigrate_Idempotent(t *testing.T) {
	t.Parallel()

	db := mustOpenDB(t)
	ctx := context.Background()

	if err := sqlite.MigrateUp(ctx, db); err != nil {
		t.Fatalf("MigrateUp() first run error = %v; want nil", err)
	}
	if err := sqlite.MigrateUp(ctx, db); err != nil {
		t.Fatalf("MigrateUp() second run error = %v; want nil (idempotent)", err)
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		t.Fatalf("count schema_migrations: %v", err)
	}
	if count != 1 {
		t.Errorf("schema_migrations rows = %d; want 1", count)
	}
}

// TestMigrationVersion_FreshDB verifies version 0 before any migration.
func TestMigrationVersion_FreshDB(t *testing.T) {
	t.Parallel()

	db := mustOpenDB(t)
	version, err := sqlite.MigrationVersion(context.Background(), db)
	if err != nil {
		t.Fatalf("MigrationVersion() error = %v", err)
	}
	if version != 0 {
		t.Errorf("MigrationVersion() = %d; want 0", version)
	}
}

// TestMigrate_ExchangeLogTableCreated verifies the ledger table exists after migration.
func TestMigrate_ExchangeLogTableCreated(t *testing.T) {
	t.Parallel()

	db := mustOpenDB(t)
	if err := sqlite.MigrateUp(context.Background(), db); err != nil {
		t.Fatalf("MigrateUp() error = %v", err)
	}

	assertTableExists(t, db, "exchange_log")
}

// TestMigrate_ExchangeLogOutcomeChecked verifies the CHECK constraint on outcome.
func TestMigrate_ExchangeLogOutcomeChecked(t *testing.T) {
	t.Parallel()

	db := mustOpenDB(t)
	if err := sqlite.MigrateUp(context.Background(), db); err != nil {
		t.Fatalf("MigrateUp() error = %v", err)
	}

	_, err := db.Exec(`
		INSERT INTO exchange_log (id, conversation_id, identity, model, mode, outcome, started_at, finished_at)
		VALUES ('x1', 'c1', 'alice', 'm', 'buffered', 'maybe', datetime('now'), datetime('now'))
	`)
	if err == nil {
		t.Error("INSERT with unknown outcome succeeded; want CHECK constraint error")
	}
}

func assertTableExists(t *testing.T, db *sql.DB, table string) {
	t.Helper()
	var name string
	err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
	if err != nil {
		t.Fatalf("table %q not found: %v", table, err)
	}
}
