package memory

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "test.db")+"?_pragma=journal_mode(WAL)")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustVersion(t *testing.T, db *sql.DB) int {
	t.Helper()
	v, err := GetSchemaVersion(context.Background(), db)
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func TestRunMigrations_FreshDBIsIdempotent(t *testing.T) {
	db := testDB(t)
	for i := 0; i < 2; i++ {
		if err := RunMigrations(context.Background(), db, testLogger()); err != nil {
			t.Fatalf("run %d: %v", i+1, err)
		}
	}
	if v := mustVersion(t, db); v != schemaVersion {
		t.Fatalf("expected schema version %d, got %d", schemaVersion, v)
	}
	var rows int
	db.QueryRow(`SELECT count(*) FROM schema_version`).Scan(&rows)
	if rows != len(migrations) {
		t.Fatalf("expected one version row per migration, got %d", rows)
	}
}

func TestRunMigrations_CreatesExpectedTables(t *testing.T) {
	db := testDB(t)
	if err := RunMigrations(context.Background(), db, testLogger()); err != nil {
		t.Fatal(err)
	}
	for _, table := range []string{
		"conversations", "messages", "memories", "audit_log",
		"usage", "custom_terms", "vault", "schema_version",
	} {
		var name string
		if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name); err != nil {
			t.Errorf("table %q not found: %v", table, err)
		}
	}
}

func TestRunMigrations_ConvergesOnHandMadeTables(t *testing.T) {
	db := testDB(t)
	if _, err := db.Exec(`CREATE TABLE custom_terms (id INTEGER PRIMARY KEY, label TEXT, value TEXT UNIQUE, replacement TEXT, idx INTEGER, created_at DATETIME)`); err != nil {
		t.Fatal(err)
	}
	if err := RunMigrations(context.Background(), db, testLogger()); err != nil {
		t.Fatalf("RunMigrations: %v", err)
	}
	if v := mustVersion(t, db); v != schemaVersion {
		t.Fatalf("expected schema version %d, got %d", schemaVersion, v)
	}
	var name string
	if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='vault'").Scan(&name); err != nil {
		t.Fatal("remaining statements of a partially applied step must still run")
	}
}

func TestRunMigrations_RefusesNewerSchema(t *testing.T) {
	db := testDB(t)
	if err := RunMigrations(context.Background(), db, testLogger()); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`INSERT INTO schema_version (version, description) VALUES (?, 'future')`, schemaVersion+1); err != nil {
		t.Fatal(err)
	}
	err := RunMigrations(context.Background(), db, testLogger())
	if !errors.Is(err, ErrSchemaTooNew) {
		t.Fatalf("expected ErrSchemaTooNew, got %v", err)
	}
}

func TestGetSchemaVersion_UntouchedDB(t *testing.T) {
	if v := mustVersion(t, testDB(t)); v != 0 {
		t.Fatalf("expected version 0 for empty db, got %d", v)
	}
}
