package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// migration is one schema step. Statements run in order inside a single
// transaction together with the version record.
type migration struct {
	version    int
	name       string
	statements []string
}

var migrations = []migration{
	{1, "transcripts, long-term memory, audit", []string{
		`CREATE TABLE conversations (
			id         TEXT PRIMARY KEY,
			title      TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE messages (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			message_id      TEXT NOT NULL,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			role            TEXT NOT NULL,
			content         TEXT,
			persona         TEXT DEFAULT '',
			privacy         TEXT DEFAULT '',
			created_at      DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX idx_messages_conv ON messages(conversation_id, created_at)`,
		`CREATE TABLE memories (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			category   TEXT NOT NULL,
			content    TEXT NOT NULL,
			source     TEXT,
			importance INTEGER DEFAULT 5,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			expires_at DATETIME
		)`,
		`CREATE INDEX idx_memories_cat ON memories(category)`,
		`CREATE TABLE audit_log (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			action     TEXT NOT NULL,
			persona    TEXT,
			backend    TEXT,
			result     TEXT,
			details    TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX idx_audit_time ON audit_log(created_at)`,
	}},
	{2, "per-dispatch usage accounting", []string{
		`CREATE TABLE usage (
			id                INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id   TEXT,
			persona           TEXT DEFAULT '',
			model             TEXT DEFAULT '',
			backend           TEXT NOT NULL,
			prompt_tokens     INTEGER DEFAULT 0,
			completion_tokens INTEGER DEFAULT 0,
			total_tokens      INTEGER DEFAULT 0,
			latency_ms        INTEGER DEFAULT 0,
			created_at        DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX idx_usage_time ON usage(created_at)`,
	}},
	{3, "custom redaction terms and PII vault", []string{
		`CREATE TABLE custom_terms (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			label       TEXT NOT NULL,
			value       TEXT NOT NULL UNIQUE,
			replacement TEXT NOT NULL,
			idx         INTEGER NOT NULL,
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE vault (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			label       TEXT NOT NULL,
			value       TEXT NOT NULL UNIQUE,
			replacement TEXT NOT NULL UNIQUE,
			idx         INTEGER NOT NULL,
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
	}},
}

// schemaVersion is the version a fully migrated database reports.
var schemaVersion = migrations[len(migrations)-1].version

// ErrSchemaTooNew means the database was written by a newer build.
var ErrSchemaTooNew = errors.New("database schema is newer than this build")

// RunMigrations brings db up to schemaVersion. A statement that fails only
// because its object already exists is skipped, so a database whose tables
// were created outside the runner still converges.
func RunMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version     INTEGER PRIMARY KEY,
		description TEXT,
		applied_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}
	current, err := GetSchemaVersion(ctx, db)
	if err != nil {
		return err
	}
	if current > schemaVersion {
		return fmt.Errorf("%w: have v%d, support up to v%d", ErrSchemaTooNew, current, schemaVersion)
	}
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := apply(ctx, db, m, logger); err != nil {
			return err
		}
		logger.Info("schema migrated", "version", m.version, "step", m.name)
	}
	return nil
}

func apply(ctx context.Context, db *sql.DB, m migration, logger *slog.Logger) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("migration v%d: begin: %w", m.version, err)
	}
	defer tx.Rollback()

	for i, stmt := range m.statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			if alreadyExists(err) {
				logger.Debug("migration statement already applied", "version", m.version, "statement", i)
				continue
			}
			return fmt.Errorf("migration v%d statement %d: %w", m.version, i, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_version (version, description) VALUES (?, ?)`, m.version, m.name); err != nil {
		return fmt.Errorf("migration v%d: record: %w", m.version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("migration v%d: commit: %w", m.version, err)
	}
	return nil
}

func alreadyExists(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already exists") || strings.Contains(msg, "duplicate column")
}

// GetSchemaVersion returns the highest applied version, 0 for a database
// the runner has never touched.
func GetSchemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var n int
	if err := db.QueryRowContext(ctx,
		`SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = 'schema_version'`).Scan(&n); err != nil {
		return 0, fmt.Errorf("inspect schema: %w", err)
	}
	if n == 0 {
		return 0, nil
	}
	var v int
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&v); err != nil {
		return 0, fmt.Errorf("query schema version: %w", err)
	}
	return v, nil
}
