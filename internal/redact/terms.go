package redact

import (
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"privroute/internal/domain"
)

const defaultAbbreviation = "trm"

// Generator produces human-legible replacements that have exactly the
// character length of the value they replace. It keeps one counter per
// abbreviation so repeated categories get distinct suffixes.
type Generator struct {
	counters map[string]int
}

// NewGenerator seeds the counters from a profile's existing terms.
func NewGenerator(existing []domain.CustomRedactTerm) *Generator {
	g := &Generator{counters: make(map[string]int)}
	for _, t := range existing {
		abbr := Abbreviation(t.Label)
		if t.Index > g.counters[abbr] {
			g.counters[abbr] = t.Index
		}
	}
	return g
}

// Next returns the replacement for value and the counter index it used.
func (g *Generator) Next(label, value string) (string, int) {
	abbr := Abbreviation(label)
	g.counters[abbr]++
	idx := g.counters[abbr]
	return Replacement(abbr, idx, utf8.RuneCountInString(value)), idx
}

// Abbreviation is the first three characters of the label's first
// alphanumeric word, lowercased.
func Abbreviation(label string) string {
	word := ""
	for _, w := range strings.FieldsFunc(label, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if w != "" {
			word = w
			break
		}
	}
	if word == "" {
		return defaultAbbreviation
	}
	r := []rune(strings.ToLower(word))
	if len(r) > 3 {
		r = r[:3]
	}
	return string(r)
}

// Replacement builds a replacement of exactly length characters:
// "<abbr>_<index>", then "<abbr><index>", then a shortened abbreviation,
// then a truncated index, right-padded with "_".
func Replacement(abbr string, index, length int) string {
	if length <= 0 {
		return ""
	}
	idx := strconv.Itoa(index)
	a := []rune(abbr)

	core := string(a) + "_" + idx
	if utf8.RuneCountInString(core) > length {
		core = string(a) + idx
	}
	if utf8.RuneCountInString(core) > length {
		keep := length - len(idx)
		switch {
		case keep > 0:
			core = string(a[:min(keep, len(a))]) + idx
		case keep == 0:
			core = idx
		default:
			core = idx[:length]
		}
	}
	if pad := length - utf8.RuneCountInString(core); pad > 0 {
		core += strings.Repeat("_", pad)
	}
	return core
}

// NewTerm builds a CustomRedactTerm with a generated replacement.
func (g *Generator) NewTerm(label, value string) domain.CustomRedactTerm {
	repl, idx := g.Next(label, value)
	return domain.CustomRedactTerm{Label: label, Value: value, Replacement: repl, Index: idx}
}
