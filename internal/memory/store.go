package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	_ "modernc.org/sqlite"

	"privroute/internal/domain"
)

// SQLiteStore is the local first-party store: transcripts, long-term memory,
// usage accounting, the audit log and the operator profile.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return &SQLiteStore{db: db, logger: logger}, nil
}

func (s *SQLiteStore) CreateConversation(ctx context.Context, conv domain.Conversation) error {
	now := time.Now()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO conversations (id, title, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		conv.ID, conv.Title, conv.CreatedAt, conv.UpdatedAt,
	)
	return err
}

// GetConversation returns nil, nil when the conversation does not exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	var conv domain.Conversation
	var title sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, created_at, updated_at FROM conversations WHERE id = ?`, id,
	).Scan(&conv.ID, &title, &conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	conv.Title = title.String
	return &conv, nil
}

func (s *SQLiteStore) AddMessage(ctx context.Context, convID string, msg domain.MessageRecord) error {
	now := time.Now()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (message_id, conversation_id, role, content, persona, privacy, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.MessageID, convID, msg.Role, msg.Content, msg.Persona, msg.Privacy, msg.CreatedAt,
	)
	if err != nil {
		return err
	}
	_, _ = s.db.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, now, convID)
	return nil
}

// GetMessages returns the last limit messages, oldest first.
func (s *SQLiteStore) GetMessages(ctx context.Context, convID string, limit int) ([]domain.MessageRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, message_id, conversation_id, role, content, persona, privacy, created_at
		 FROM messages WHERE conversation_id = ?
		 ORDER BY id DESC LIMIT ?`, convID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []domain.MessageRecord
	for rows.Next() {
		var m domain.MessageRecord
		var content, persona, privacy sql.NullString
		if err := rows.Scan(&m.ID, &m.MessageID, &m.ConversationID, &m.Role,
			&content, &persona, &privacy, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Content = content.String
		m.Persona = persona.String
		m.Privacy = privacy.String
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *SQLiteStore) SaveMemory(ctx context.Context, mem domain.MemoryEntry) error {
	if mem.CreatedAt.IsZero() {
		mem.CreatedAt = time.Now()
	}
	if mem.Importance == 0 {
		mem.Importance = 5
	}
	if mem.ID > 0 {
		_, err := s.db.ExecContext(ctx,
			`UPDATE memories SET category=?, content=?, source=?, importance=?, expires_at=? WHERE id=?`,
			mem.Category, mem.Content, mem.Source, mem.Importance, mem.ExpiresAt, mem.ID,
		)
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memories (category, content, source, importance, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		mem.Category, mem.Content, mem.Source, mem.Importance, mem.CreatedAt, mem.ExpiresAt,
	)
	return err
}

// Store saves an original, unredacted exchange plus any facts the user
// stated in it.
func (s *SQLiteStore) Store(ctx context.Context, ex domain.Exchange) error {
	entry := domain.MemoryEntry{
		Category:   "exchange",
		Content:    "User: " + ex.User + "\n" + ex.Persona + ": " + ex.Assistant,
		Source:     ex.ConversationID,
		Importance: 4,
	}
	if err := s.SaveMemory(ctx, entry); err != nil {
		return fmt.Errorf("store exchange: %w", err)
	}
	for _, fact := range extractFacts(ex.User) {
		fact.Source = ex.ConversationID
		if err := s.SaveMemory(ctx, fact); err != nil {
			s.logger.Warn("failed to save memory fact", "category", fact.Category, "err", err)
		}
	}
	return nil
}

// Search matches any of the query's significant words, most important first.
func (s *SQLiteStore) Search(ctx context.Context, query string, limit int) ([]domain.MemoryEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	words := keywords(query, 5)
	if len(words) == 0 {
		return nil, nil
	}

	conds := make([]string, len(words))
	args := make([]any, 0, len(words)+2)
	for i, w := range words {
		conds[i] = "content LIKE ?"
		args = append(args, "%"+w+"%")
	}
	args = append(args, time.Now(), limit)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, category, content, source, importance, created_at, expires_at
		 FROM memories
		 WHERE (`+strings.Join(conds, " OR ")+`) AND (expires_at IS NULL OR expires_at > ?)
		 ORDER BY importance DESC, created_at DESC
		 LIMIT ?`, args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMemories(rows)
}

func (s *SQLiteStore) GetRecentMemories(ctx context.Context, limit int) ([]domain.MemoryEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, category, content, source, importance, created_at, expires_at
		 FROM memories
		 WHERE expires_at IS NULL OR expires_at > ?
		 ORDER BY created_at DESC LIMIT ?`,
		time.Now(), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMemories(rows)
}

func scanMemories(rows *sql.Rows) ([]domain.MemoryEntry, error) {
	var mems []domain.MemoryEntry
	for rows.Next() {
		var m domain.MemoryEntry
		var source sql.NullString
		var expiresAt sql.NullTime
		if err := rows.Scan(&m.ID, &m.Category, &m.Content, &source,
			&m.Importance, &m.CreatedAt, &expiresAt); err != nil {
			return nil, err
		}
		m.Source = source.String
		if expiresAt.Valid {
			m.ExpiresAt = &expiresAt.Time
		}
		mems = append(mems, m)
	}
	return mems, rows.Err()
}

func (s *SQLiteStore) RecordUsage(ctx context.Context, rec domain.UsageRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage (conversation_id, persona, model, backend, prompt_tokens, completion_tokens, total_tokens, latency_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ConversationID, rec.Persona, rec.Model, string(rec.Backend),
		rec.Usage.PromptTokens, rec.Usage.CompletionTokens, rec.Usage.TotalTokens, rec.LatencyMs,
	)
	return err
}

// UsageTotals sums token usage per backend.
func (s *SQLiteStore) UsageTotals(ctx context.Context) (map[domain.Backend]domain.Usage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT backend, SUM(prompt_tokens), SUM(completion_tokens), SUM(total_tokens) FROM usage GROUP BY backend`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[domain.Backend]domain.Usage)
	for rows.Next() {
		var backend string
		var u domain.Usage
		if err := rows.Scan(&backend, &u.PromptTokens, &u.CompletionTokens, &u.TotalTokens); err != nil {
			return nil, err
		}
		out[domain.Backend(backend)] = u
	}
	return out, rows.Err()
}

func (s *SQLiteStore) LogAudit(ctx context.Context, entry domain.AuditEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (action, persona, backend, result, details) VALUES (?, ?, ?, ?, ?)`,
		entry.Action, entry.Persona, entry.Backend, entry.Result, entry.Details,
	)
	return err
}

// AuditEntries returns the most recent audit rows, newest first.
func (s *SQLiteStore) AuditEntries(ctx context.Context, limit int) ([]domain.AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT action, COALESCE(persona,''), COALESCE(backend,''), COALESCE(result,''), COALESCE(details,'')
		 FROM audit_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		if err := rows.Scan(&e.Action, &e.Persona, &e.Backend, &e.Result, &e.Details); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Purge deletes messages and memories older than retentionDays.
func (s *SQLiteStore) Purge(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	var total int64
	for _, q := range []string{
		`DELETE FROM messages WHERE created_at < ?`,
		`DELETE FROM memories WHERE created_at < ?`,
	} {
		res, err := s.db.ExecContext(ctx, q, cutoff)
		if err != nil {
			return total, err
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if total > 0 {
		s.logger.Info("purged old records", "rows", total, "retention_days", retentionDays)
	}
	return total, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// keywords returns up to n distinct lowercase words of at least four
// characters.
func keywords(query string, n int) []string {
	seen := make(map[string]bool)
	var out []string
	for _, w := range strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len([]rune(w)) < 4 || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
		if len(out) == n {
			break
		}
	}
	return out
}
