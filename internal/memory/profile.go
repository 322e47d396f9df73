package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"privroute/internal/domain"
	"privroute/internal/redact"
)

// ErrNotFound is returned when a profile row does not exist.
var ErrNotFound = errors.New("not found")

// ListTerms returns the custom redaction terms in creation order.
func (s *SQLiteStore) ListTerms(ctx context.Context) ([]domain.CustomRedactTerm, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, label, value, replacement, idx FROM custom_terms ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var terms []domain.CustomRedactTerm
	for rows.Next() {
		var t domain.CustomRedactTerm
		if err := rows.Scan(&t.ID, &t.Label, &t.Value, &t.Replacement, &t.Index); err != nil {
			return nil, err
		}
		terms = append(terms, t)
	}
	return terms, rows.Err()
}

// AddTerm stores a custom term. When no replacement is given one is generated
// from the profile's per-abbreviation counters.
func (s *SQLiteStore) AddTerm(ctx context.Context, term domain.CustomRedactTerm) (*domain.CustomRedactTerm, error) {
	term.Label = strings.TrimSpace(term.Label)
	if term.Label == "" || term.Value == "" {
		return nil, fmt.Errorf("term label and value are required")
	}
	if term.Replacement == "" {
		existing, err := s.ListTerms(ctx)
		if err != nil {
			return nil, err
		}
		term = redact.NewGenerator(existing).NewTerm(term.Label, term.Value)
	} else if utf8.RuneCountInString(term.Replacement) != utf8.RuneCountInString(term.Value) {
		return nil, fmt.Errorf("replacement %q must have the same length as the value", term.Replacement)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO custom_terms (label, value, replacement, idx) VALUES (?, ?, ?, ?)`,
		term.Label, term.Value, term.Replacement, term.Index,
	)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique") {
			return nil, fmt.Errorf("a term with this value already exists")
		}
		return nil, fmt.Errorf("add term: %w", err)
	}
	term.ID, _ = res.LastInsertId()
	s.logger.Info("custom term added", "id", term.ID, "label", term.Label)
	return &term, nil
}

func (s *SQLiteStore) RemoveTerm(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM custom_terms WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("term %d: %w", id, ErrNotFound)
	}
	return nil
}

// ListVault returns all vault entries in creation order.
func (s *SQLiteStore) ListVault(ctx context.Context) ([]domain.VaultEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, label, value, replacement, idx, created_at FROM vault ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.VaultEntry
	for rows.Next() {
		var e domain.VaultEntry
		if err := rows.Scan(&e.ID, &e.Label, &e.Value, &e.Replacement, &e.Index, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// AddVaultEntry stores a PII value with a generated same-length replacement
// that is unique across the vault.
func (s *SQLiteStore) AddVaultEntry(ctx context.Context, label, value string) (*domain.VaultEntry, error) {
	label = strings.TrimSpace(label)
	if label == "" || value == "" {
		return nil, fmt.Errorf("vault label and value are required")
	}
	existing, err := s.ListVault(ctx)
	if err != nil {
		return nil, err
	}
	seeds := make([]domain.CustomRedactTerm, len(existing))
	taken := make(map[string]bool, len(existing))
	for i, e := range existing {
		seeds[i] = domain.CustomRedactTerm{Label: e.Label, Index: e.Index}
		taken[e.Replacement] = true
	}

	gen := redact.NewGenerator(seeds)
	var repl string
	var idx int
	for attempt := 0; attempt < 10; attempt++ {
		repl, idx = gen.Next(label, value)
		if !taken[repl] {
			break
		}
	}
	if taken[repl] {
		return nil, fmt.Errorf("cannot generate a unique replacement for a %d-character value", utf8.RuneCountInString(value))
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO vault (label, value, replacement, idx) VALUES (?, ?, ?, ?)`, label, value, repl, idx)
	if err != nil {
		return nil, fmt.Errorf("add vault entry: %w", err)
	}
	id, _ := res.LastInsertId()
	return &domain.VaultEntry{ID: id, Label: label, Value: value, Replacement: repl, Index: idx}, nil
}

// RehydrateDocument replaces vault replacements in text with their values.
// Longer replacements are matched first. It returns the rewritten text and
// the number of substitutions.
func (s *SQLiteStore) RehydrateDocument(ctx context.Context, text string) (string, int, error) {
	entries, err := s.ListVault(ctx)
	if err != nil {
		return "", 0, err
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return len(entries[i].Replacement) > len(entries[j].Replacement)
	})
	if len(entries) == 0 {
		return text, 0, nil
	}

	var b strings.Builder
	count := 0
	for i := 0; i < len(text); {
		matched := false
		for _, e := range entries {
			if strings.HasPrefix(text[i:], e.Replacement) {
				b.WriteString(e.Value)
				i += len(e.Replacement)
				count++
				matched = true
				break
			}
		}
		if !matched {
			b.WriteByte(text[i])
			i++
		}
	}
	out := b.String()
	return out, count, nil
}
