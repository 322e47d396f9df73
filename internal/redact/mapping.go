package redact

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// maxNumberedAttempts bounds the "[PII_<CAT>_<n>]" search before a random
// suffix is used.
const maxNumberedAttempts = 1024

// Pair is one placeholder and the original value it stands for.
type Pair struct {
	Placeholder string `json:"placeholder"`
	Original    string `json:"-"`
}

// Mapping is the ordered placeholder table for a single message run.
// No two placeholders in a Mapping can match overlapping text, and none
// occurred literally in the input redacted before it was assigned, so
// rehydration is order-independent and leaves literal input alone.
// A Mapping is not safe for concurrent mutation.
type Mapping struct {
	pairs         []Pair
	byOriginal    map[string]string
	byPlaceholder map[string]string
	perCategory   map[string]int
	inputs        []string
}

// NewMapping returns an empty mapping.
func NewMapping() *Mapping {
	return &Mapping{
		byOriginal:    make(map[string]string),
		byPlaceholder: make(map[string]string),
		perCategory:   make(map[string]int),
	}
}

// Len returns the number of placeholders recorded.
func (m *Mapping) Len() int {
	if m == nil {
		return 0
	}
	return len(m.pairs)
}

// Pairs returns a copy of the recorded pairs in insertion order.
func (m *Mapping) Pairs() []Pair {
	if m == nil {
		return nil
	}
	out := make([]Pair, len(m.pairs))
	copy(out, m.pairs)
	return out
}

// Placeholders returns the placeholders in insertion order.
func (m *Mapping) Placeholders() []string {
	if m == nil {
		return nil
	}
	out := make([]string, len(m.pairs))
	for i, p := range m.pairs {
		out[i] = p.Placeholder
	}
	return out
}

// Lookup returns the placeholder already assigned to original.
func (m *Mapping) Lookup(original string) (string, bool) {
	if m == nil {
		return "", false
	}
	ph, ok := m.byOriginal[original]
	return ph, ok
}

// Original returns the value behind a placeholder.
func (m *Mapping) Original(placeholder string) (string, bool) {
	if m == nil {
		return "", false
	}
	v, ok := m.byPlaceholder[placeholder]
	return v, ok
}

// reserve records text as input of this run. Placeholders added afterwards
// are refused if they occur in it.
func (m *Mapping) reserve(text string) {
	if text != "" {
		m.inputs = append(m.inputs, text)
	}
}

// Add records placeholder -> original. It fails when the placeholder is
// already taken, could match text overlapping an existing one, or occurs
// literally in reserved input.
func (m *Mapping) Add(placeholder, original string) error {
	if placeholder == "" {
		return fmt.Errorf("empty placeholder")
	}
	if _, ok := m.byPlaceholder[placeholder]; ok {
		return fmt.Errorf("placeholder %s already assigned", placeholder)
	}
	for _, p := range m.pairs {
		if clashes(p.Placeholder, placeholder) {
			return fmt.Errorf("placeholder %s overlaps %s", placeholder, p.Placeholder)
		}
	}
	for _, in := range m.inputs {
		if strings.Contains(in, placeholder) {
			return fmt.Errorf("placeholder %s occurs in the input", placeholder)
		}
	}
	m.pairs = append(m.pairs, Pair{Placeholder: placeholder, Original: original})
	m.byPlaceholder[placeholder] = original
	if _, ok := m.byOriginal[original]; !ok {
		m.byOriginal[original] = placeholder
	}
	return nil
}

// Merge appends every pair of other that is not already present.
func (m *Mapping) Merge(other *Mapping) error {
	for _, p := range other.Pairs() {
		if existing, ok := m.byPlaceholder[p.Placeholder]; ok && existing == p.Original {
			continue
		}
		if err := m.Add(p.Placeholder, p.Original); err != nil {
			return err
		}
	}
	return nil
}

// clashes reports whether a and b could match overlapping text. A token
// opening with "[" cannot start inside, or contain the start of, a token
// without any "[", so such a pair never clashes whatever their contents.
func clashes(a, b string) bool {
	if strings.HasPrefix(a, "[") && !strings.Contains(b, "[") ||
		strings.HasPrefix(b, "[") && !strings.Contains(a, "[") {
		return false
	}
	return strings.Contains(a, b) || strings.Contains(b, a)
}

// entityPlaceholder returns the placeholder for original in category,
// assigning "[PII_<CAT>]" to the first distinct value and "[PII_<CAT>_<n>]"
// to later ones.
func (m *Mapping) entityPlaceholder(category, original string) string {
	if ph, ok := m.byOriginal[original]; ok {
		return ph
	}
	for range maxNumberedAttempts {
		m.perCategory[category]++
		n := m.perCategory[category]
		ph := "[PII_" + category + "]"
		if n > 1 {
			ph = fmt.Sprintf("[PII_%s_%d]", category, n)
		}
		if err := m.Add(ph, original); err == nil {
			return ph
		}
	}
	for {
		ph := fmt.Sprintf("[PII_%s_%s]", category, uuid.NewString()[:8])
		if err := m.Add(ph, original); err == nil {
			return ph
		}
	}
}

// Rehydrate replaces every placeholder in text with its original value.
// Text without placeholders is returned unchanged.
func Rehydrate(text string, m *Mapping) string {
	if m.Len() == 0 || text == "" {
		return text
	}
	oldnew := make([]string, 0, 2*len(m.pairs))
	for _, p := range m.pairs {
		oldnew = append(oldnew, p.Placeholder, p.Original)
	}
	// A single pass: restored values are never rescanned.
	return strings.NewReplacer(oldnew...).Replace(text)
}
