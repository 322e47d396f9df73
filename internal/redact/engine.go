// Package redact replaces detected and operator-declared sensitive spans with
// placeholders and restores them in model output.
//
// Entity detections are substituted first, back to front, as
// "[PII_<CATEGORY>]" tokens. Custom terms are then replaced literally with
// their precomputed same-length replacements. Both passes write into one
// Mapping owned by the message run.
package redact

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"unicode"

	"privroute/internal/domain"
)

// prefixCheckLen is how many leading characters of a detection must match
// the text at the reported offset.
const prefixCheckLen = 4

// TermSource supplies the operator's custom redaction terms.
type TermSource interface {
	ListTerms(ctx context.Context) ([]domain.CustomRedactTerm, error)
}

// Engine runs entity and custom-term redaction.
type Engine struct {
	detector      domain.EntityDetector
	terms         TermSource
	minConfidence float64
	logger        *slog.Logger
}

type EngineConfig struct {
	Detector      domain.EntityDetector // optional
	Terms         TermSource            // optional
	MinConfidence float64
	Logger        *slog.Logger
}

func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		detector:      cfg.Detector,
		terms:         cfg.Terms,
		minConfidence: cfg.MinConfidence,
		logger:        cfg.Logger,
	}
}

// Result is the outcome of one redaction pass.
type Result struct {
	Sanitized     string
	Mapping       *Mapping
	DetectedCount int
	CustomCount   int
	Categories    []string
	// DetectorErr is set when detection failed or no detector is configured.
	// Redaction still completes with zero detections.
	DetectorErr error
}

// DetectorAvailable reports whether a detector is wired at all.
func (e *Engine) DetectorAvailable() bool { return e.detector != nil }

// Redact sanitizes text into a fresh mapping.
func (e *Engine) Redact(ctx context.Context, text string) *Result {
	return e.RedactInto(ctx, text, NewMapping())
}

// RedactInto sanitizes text and records placeholders in m, so several texts
// of the same run (prompt, history, attachments) share one table.
func (e *Engine) RedactInto(ctx context.Context, text string, m *Mapping) *Result {
	res := &Result{Mapping: m}
	m.reserve(text)

	var entities []domain.Entity
	if e.detector == nil {
		res.DetectorErr = fmt.Errorf("%w: not configured", domain.ErrDetectorUnavailable)
	} else {
		found, err := e.detector.Detect(ctx, text)
		if err != nil {
			e.logger.Warn("entity detection failed, continuing without detections", "err", err)
			res.DetectorErr = fmt.Errorf("%w: %w", domain.ErrDetectorUnavailable, err)
		} else {
			entities = found
		}
	}

	sanitized, cats, n := e.substituteEntities(text, entities, m)
	res.DetectedCount = n
	res.Categories = cats

	terms := e.loadTerms(ctx)
	sanitized, res.CustomCount = applyCustomTerms(sanitized, terms, m)
	res.Sanitized = sanitized

	e.logger.Debug("redaction complete",
		"detected", res.DetectedCount,
		"custom", res.CustomCount,
		"placeholders", m.Len(),
	)
	return res
}

func (e *Engine) loadTerms(ctx context.Context) []domain.CustomRedactTerm {
	if e.terms == nil {
		return nil
	}
	terms, err := e.terms.ListTerms(ctx)
	if err != nil {
		e.logger.Warn("cannot load custom redaction terms", "err", err)
		return nil
	}
	return terms
}

// substituteEntities replaces accepted spans back to front so earlier
// replacements never shift offsets that are still to be processed.
func (e *Engine) substituteEntities(text string, entities []domain.Entity, m *Mapping) (string, []string, int) {
	if len(entities) == 0 {
		return text, nil, 0
	}
	runes := []rune(text)

	accepted := make([]domain.Entity, 0, len(entities))
	for _, ent := range entities {
		if ent.Confidence < e.minConfidence {
			continue
		}
		if !spanMatches(runes, ent) {
			e.logger.Debug("dropping desynchronised detection", "label", ent.Label, "start", ent.Start, "end", ent.End)
			continue
		}
		accepted = append(accepted, ent)
	}
	sort.SliceStable(accepted, func(i, j int) bool { return accepted[i].Start > accepted[j].Start })

	var cats []string
	count := 0
	lowest := len(runes) + 1
	for _, ent := range accepted {
		if ent.End > lowest {
			continue // overlaps a span already substituted
		}
		cat := Category(ent.Label)
		original := string(runes[ent.Start:ent.End])
		ph := m.entityPlaceholder(cat, original)

		out := make([]rune, 0, len(runes)-(ent.End-ent.Start)+len(ph))
		out = append(out, runes[:ent.Start]...)
		out = append(out, []rune(ph)...)
		out = append(out, runes[ent.End:]...)
		runes = out

		lowest = ent.Start
		count++
		if !slices.Contains(cats, cat) {
			cats = append(cats, cat)
		}
	}
	return string(runes), cats, count
}

// spanMatches bounds-checks a detection and compares a short prefix of the
// detector-reported text with the text at the offset.
func spanMatches(runes []rune, ent domain.Entity) bool {
	if ent.Start < 0 || ent.End > len(runes) || ent.Start >= ent.End {
		return false
	}
	if ent.Text == "" {
		return true
	}
	reported := []rune(ent.Text)
	k := min(prefixCheckLen, len(reported), ent.End-ent.Start)
	return string(runes[ent.Start:ent.Start+k]) == string(reported[:k])
}

// Category normalises a detector label into placeholder form:
// uppercased, with runs of non-alphanumerics collapsed to "_".
func Category(label string) string {
	var b strings.Builder
	pendingSep := false
	for _, r := range label {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(unicode.ToUpper(r))
			continue
		}
		pendingSep = true
	}
	if b.Len() == 0 {
		return "ENTITY"
	}
	return b.String()
}

// applyCustomTerms replaces every literal occurrence of each term value that
// lies outside an existing placeholder. Longer values go first so a value
// that contains another is not split.
func applyCustomTerms(text string, terms []domain.CustomRedactTerm, m *Mapping) (string, int) {
	if len(terms) == 0 {
		return text, 0
	}
	ordered := slices.Clone(terms)
	sort.SliceStable(ordered, func(i, j int) bool { return len(ordered[i].Value) > len(ordered[j].Value) })

	count := 0
	for _, term := range ordered {
		if term.Value == "" || !strings.Contains(text, term.Value) {
			continue
		}
		repl, known := m.Lookup(term.Value)
		if !known {
			repl = term.Replacement
		}
		out, replaced := replaceOutside(text, term.Value, repl, m.Placeholders())
		if replaced == 0 {
			continue
		}
		if !known && (repl == "" || m.Add(repl, term.Value) != nil) {
			// The precomputed replacement collides with a placeholder of this
			// run or already occurs in the input.
			repl = m.entityPlaceholder(Category(term.Label), term.Value)
			out, _ = replaceOutside(text, term.Value, repl, m.Placeholders())
		}
		text = out
		count++
	}
	return text, count
}

// replaceOutside replaces occurrences of value that do not overlap any
// occurrence of a protected token.
func replaceOutside(text, value, repl string, protected []string) (string, int) {
	type span struct{ start, end int }
	var guarded []span
	for _, p := range protected {
		if p == repl {
			continue
		}
		for i := 0; ; {
			j := strings.Index(text[i:], p)
			if j < 0 {
				break
			}
			guarded = append(guarded, span{i + j, i + j + len(p)})
			i += j + len(p)
		}
	}
	overlaps := func(s, e int) bool {
		for _, g := range guarded {
			if s < g.end && g.start < e {
				return true
			}
		}
		return false
	}

	var b strings.Builder
	n := 0
	i := 0
	for {
		j := strings.Index(text[i:], value)
		if j < 0 {
			b.WriteString(text[i:])
			break
		}
		start, end := i+j, i+j+len(value)
		b.WriteString(text[i:start])
		if overlaps(start, end) {
			b.WriteString(value)
		} else {
			b.WriteString(repl)
			n++
		}
		i = end
	}
	return b.String(), n
}
