package redact

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"privroute/internal/domain"
)

type stubDetector struct {
	entities []domain.Entity
	err      error
}

func (s *stubDetector) Detect(ctx context.Context, text string) ([]domain.Entity, error) {
	return s.entities, s.err
}

type staticTerms []domain.CustomRedactTerm

func (s staticTerms) ListTerms(ctx context.Context) ([]domain.CustomRedactTerm, error) {
	return s, nil
}

// entityAt builds a detection for the first occurrence of value in text,
// using character offsets.
func entityAt(t *testing.T, text, value, label string) domain.Entity {
	t.Helper()
	i := strings.Index(text, value)
	require.GreaterOrEqual(t, i, 0, "value %q not in text", value)
	start := utf8.RuneCountInString(text[:i])
	return domain.Entity{
		Text:       value,
		Label:      label,
		Confidence: 0.99,
		Start:      start,
		End:        start + utf8.RuneCountInString(value),
	}
}

func TestRedact_BSNAndIncomeScenario(t *testing.T) {
	text := "My BSN is 123456789 and I earn €85,000"
	gen := NewGenerator(nil)
	income := gen.NewTerm("Income", "€85,000")
	require.Equal(t, utf8.RuneCountInString("€85,000"), utf8.RuneCountInString(income.Replacement))

	e := NewEngine(EngineConfig{
		Detector: &stubDetector{entities: []domain.Entity{entityAt(t, text, "123456789", "BSN")}},
		Terms:    staticTerms{income},
	})
	res := e.Redact(context.Background(), text)

	assert.NoError(t, res.DetectorErr)
	assert.Equal(t, 1, res.DetectedCount)
	assert.Equal(t, 1, res.CustomCount)
	assert.Contains(t, res.Sanitized, "[PII_BSN]")
	assert.Contains(t, res.Sanitized, income.Replacement)
	assert.NotContains(t, res.Sanitized, "123456789")
	assert.NotContains(t, res.Sanitized, "€85,000")
	assert.Equal(t, "My BSN is [PII_BSN] and I earn inc_1__", res.Sanitized)

	reply := "Noted, your BSN [PII_BSN] is on file."
	assert.Equal(t, "Noted, your BSN 123456789 is on file.", Rehydrate(reply, res.Mapping))
	assert.Equal(t, text, Rehydrate(res.Sanitized, res.Mapping))
}

func TestRedact_RoundTripRandomSpans(t *testing.T) {
	// Some words look like tokens the engine generates, and one is a custom
	// term whose replacement also occurs literally.
	words := []string{"alpha", "Jansen", "Åsa", "€12", "naïve", "street", "42", "Zoë", "café", "ok",
		"€85,000", "inc_1__", "[PII_PERSON]", "[PII_BSN_2]"}
	labels := []string{"PERSON", "location", "credit card", "BSN"}
	income := NewGenerator(nil).NewTerm("Income", "€85,000")
	rng := rand.New(rand.NewPCG(7, 11))

	for iter := 0; iter < 200; iter++ {
		n := 3 + rng.IntN(12)
		parts := make([]string, n)
		for i := range parts {
			parts[i] = words[rng.IntN(len(words))]
		}
		text := strings.Join(parts, " ")

		// Mark a random subset of words as detections, never overlapping.
		var ents []domain.Entity
		offset := 0
		for _, w := range parts {
			l := utf8.RuneCountInString(w)
			if rng.IntN(3) == 0 {
				ents = append(ents, domain.Entity{
					Text: w, Label: labels[rng.IntN(len(labels))], Confidence: 1,
					Start: offset, End: offset + l,
				})
			}
			offset += l + 1
		}
		rng.Shuffle(len(ents), func(i, j int) { ents[i], ents[j] = ents[j], ents[i] })

		e := NewEngine(EngineConfig{Detector: &stubDetector{entities: ents}, Terms: staticTerms{income}})
		res := e.Redact(context.Background(), text)
		require.Equal(t, text, Rehydrate(res.Sanitized, res.Mapping), "iteration %d: %q", iter, text)
		assertUniquePlaceholders(t, res.Mapping)
	}
}

func TestRedact_DetectorFailureFailsOpen(t *testing.T) {
	gen := NewGenerator(nil)
	term := gen.NewTerm("Employer", "Acme BV")
	e := NewEngine(EngineConfig{
		Detector: &stubDetector{err: errors.New("connection refused")},
		Terms:    staticTerms{term},
	})
	res := e.Redact(context.Background(), "I work at Acme BV")

	require.Error(t, res.DetectorErr)
	assert.ErrorIs(t, res.DetectorErr, domain.ErrDetectorUnavailable)
	assert.Equal(t, 0, res.DetectedCount)
	assert.Equal(t, "I work at "+term.Replacement, res.Sanitized)
}

func TestRedact_NoDetectorConfigured(t *testing.T) {
	e := NewEngine(EngineConfig{})
	res := e.Redact(context.Background(), "hello")
	assert.ErrorIs(t, res.DetectorErr, domain.ErrDetectorUnavailable)
	assert.False(t, e.DetectorAvailable())
	assert.Equal(t, "hello", res.Sanitized)
}

func TestRedact_RejectsDesynchronisedSpan(t *testing.T) {
	text := "Call Piet tomorrow"
	e := NewEngine(EngineConfig{Detector: &stubDetector{entities: []domain.Entity{
		{Text: "Piet", Label: "PERSON", Confidence: 1, Start: 0, End: 4}, // points at "Call"
		{Text: "x", Label: "PERSON", Confidence: 1, Start: 15, End: 40},  // out of range
	}}})
	res := e.Redact(context.Background(), text)
	assert.Equal(t, text, res.Sanitized)
	assert.Equal(t, 0, res.DetectedCount)
}

func TestRedact_OverlappingSpansKeepLater(t *testing.T) {
	text := "Jan de Vries lives here"
	e := NewEngine(EngineConfig{Detector: &stubDetector{entities: []domain.Entity{
		{Text: "Jan de Vries", Label: "PERSON", Confidence: 1, Start: 0, End: 12},
		{Text: "Vries", Label: "LAST_NAME", Confidence: 1, Start: 7, End: 12},
	}}})
	res := e.Redact(context.Background(), text)
	assert.Equal(t, 1, res.DetectedCount)
	assert.Equal(t, text, Rehydrate(res.Sanitized, res.Mapping))
}

func TestRedact_MinConfidence(t *testing.T) {
	text := "Mail anna@example.org"
	ent := entityAt(t, text, "anna@example.org", "email")
	ent.Confidence = 0.4
	e := NewEngine(EngineConfig{Detector: &stubDetector{entities: []domain.Entity{ent}}, MinConfidence: 0.5})
	res := e.Redact(context.Background(), text)
	assert.Equal(t, text, res.Sanitized)
}

func TestRedact_SameCategoryDistinctValues(t *testing.T) {
	text := "Piet and Klaas met Piet"
	e := NewEngine(EngineConfig{Detector: &stubDetector{entities: []domain.Entity{
		{Text: "Piet", Label: "person", Confidence: 1, Start: 0, End: 4},
		{Text: "Klaas", Label: "person", Confidence: 1, Start: 9, End: 14},
		{Text: "Piet", Label: "person", Confidence: 1, Start: 19, End: 23},
	}}})
	res := e.Redact(context.Background(), text)
	assert.Equal(t, "[PII_PERSON] and [PII_PERSON_2] met [PII_PERSON]", res.Sanitized)
	assert.Equal(t, 2, res.Mapping.Len())
	assert.Equal(t, text, Rehydrate(res.Sanitized, res.Mapping))
	assertUniquePlaceholders(t, res.Mapping)
}

func TestRedact_CustomTermSkipsPlaceholders(t *testing.T) {
	text := "My BSN is 123456789"
	gen := NewGenerator(nil)
	term := gen.NewTerm("Acronym", "BSN")
	e := NewEngine(EngineConfig{
		Detector: &stubDetector{entities: []domain.Entity{entityAt(t, text, "123456789", "BSN")}},
		Terms:    staticTerms{term},
	})
	res := e.Redact(context.Background(), text)
	assert.Equal(t, "My ac1 is [PII_BSN]", res.Sanitized)
	assert.Equal(t, text, Rehydrate(res.Sanitized, res.Mapping))
}

func TestRedactInto_SharesMappingAcrossTexts(t *testing.T) {
	e := NewEngine(EngineConfig{Detector: &stubDetector{entities: []domain.Entity{
		{Text: "Anna", Label: "PERSON", Confidence: 1, Start: 0, End: 4},
	}}})
	m := NewMapping()
	first := e.RedactInto(context.Background(), "Anna called", m)
	second := e.RedactInto(context.Background(), "Anna again", m)
	assert.Equal(t, "[PII_PERSON] called", first.Sanitized)
	assert.Equal(t, "[PII_PERSON] again", second.Sanitized)
	assert.Equal(t, 1, m.Len())
}

func TestRehydrate_PlaceholderFreeTextUnchanged(t *testing.T) {
	m := NewMapping()
	require.NoError(t, m.Add("[PII_BSN]", "123456789"))
	assert.Equal(t, "nothing to restore", Rehydrate("nothing to restore", m))
	assert.Equal(t, "x", Rehydrate("x", nil))

	once := Rehydrate("id [PII_BSN]", m)
	assert.Equal(t, once, Rehydrate(once, m))
}

func TestMapping_RejectsOverlappingPlaceholders(t *testing.T) {
	m := NewMapping()
	require.NoError(t, m.Add("inc_1__", "€85,000"))
	assert.Error(t, m.Add("inc_1__", "other"))
	assert.Error(t, m.Add("inc_1", "prefix"))
	assert.Error(t, m.Add("xinc_1__x", "wrapper"))
	assert.NoError(t, m.Add("[PII_BSN]", "123456789"))
}

func TestCategory(t *testing.T) {
	cases := map[string]string{
		"BSN":          "BSN",
		"credit card":  "CREDIT_CARD",
		"e-mail--addr": "E_MAIL_ADDR",
		"  person ":    "PERSON",
		"***":          "ENTITY",
	}
	for in, want := range cases {
		assert.Equal(t, want, Category(in), "label %q", in)
	}
}

func assertUniquePlaceholders(t *testing.T, m *Mapping) {
	t.Helper()
	phs := m.Placeholders()
	for i := range phs {
		for j := range phs {
			if i != j && strings.Contains(phs[i], phs[j]) {
				t.Fatalf("placeholder %q contains %q", phs[i], phs[j])
			}
		}
	}
}

func TestRedact_LiteralReplacementInInputIsNotRestored(t *testing.T) {
	text := "code inc_1__ vs €85,000"
	income := NewGenerator(nil).NewTerm("Income", "€85,000")
	require.Equal(t, "inc_1__", income.Replacement)

	e := NewEngine(EngineConfig{Detector: &stubDetector{}, Terms: staticTerms{income}})
	res := e.Redact(context.Background(), text)

	assert.Equal(t, 1, res.CustomCount)
	assert.Equal(t, "code inc_1__ vs [PII_INCOME]", res.Sanitized)
	assert.Equal(t, text, Rehydrate(res.Sanitized, res.Mapping))
}

func TestRedact_LiteralPlaceholderInInputGetsNextNumber(t *testing.T) {
	text := "template [PII_PERSON] for Anna"
	e := NewEngine(EngineConfig{Detector: &stubDetector{entities: []domain.Entity{entityAt(t, text, "Anna", "PERSON")}}})
	res := e.Redact(context.Background(), text)

	assert.Equal(t, "template [PII_PERSON] for [PII_PERSON_2]", res.Sanitized)
	assert.Equal(t, text, Rehydrate(res.Sanitized, res.Mapping))
}

func TestRedactInto_ShortReplacementDoesNotBlockCategory(t *testing.T) {
	m := NewMapping()
	require.NoError(t, m.Add("1", "x"))

	text := "id AB-77"
	e := NewEngine(EngineConfig{Detector: &stubDetector{entities: []domain.Entity{entityAt(t, text, "AB-77", "ID1")}}})

	done := make(chan *Result, 1)
	go func() { done <- e.RedactInto(context.Background(), text, m) }()
	select {
	case res := <-done:
		assert.Equal(t, "id [PII_ID1]", res.Sanitized)
		assert.Equal(t, "id AB-77", Rehydrate(res.Sanitized, m))
		assert.Equal(t, "x AB-77", Rehydrate("1 [PII_ID1]", m))
	case <-time.After(2 * time.Second):
		t.Fatal("placeholder assignment did not terminate")
	}
}

func TestMapping_BracketedAndBareTokensCoexist(t *testing.T) {
	m := NewMapping()
	require.NoError(t, m.Add("1", "x"))
	assert.NoError(t, m.Add("[PII_ID1]", "AB-77"))
	assert.Error(t, m.Add("[PII_ID1]x", "bad"))
	assert.Error(t, m.Add("11", "bad"))
}
