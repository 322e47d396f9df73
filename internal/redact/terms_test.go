package redact

import (
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"

	"privroute/internal/domain"
)

func TestReplacement_PreservesLength(t *testing.T) {
	tests := []struct {
		abbr   string
		index  int
		length int
		want   string
	}{
		{"inc", 1, 7, "inc_1__"},
		{"inc", 1, 5, "inc_1"},
		{"inc", 1, 4, "inc1"},
		{"inc", 1, 3, "in1"},
		{"inc", 12, 3, "i12"},
		{"inc", 12, 2, "12"},
		{"inc", 12, 1, "1"},
		{"inc", 123, 2, "12"},
		{"emp", 4, 12, "emp_4_______"},
		{"inc", 1, 0, ""},
	}
	for _, tt := range tests {
		got := Replacement(tt.abbr, tt.index, tt.length)
		assert.Equal(t, tt.want, got, "Replacement(%q, %d, %d)", tt.abbr, tt.index, tt.length)
		assert.Equal(t, tt.length, utf8.RuneCountInString(got))
	}
}

func TestAbbreviation(t *testing.T) {
	assert.Equal(t, "inc", Abbreviation("Income"))
	assert.Equal(t, "hom", Abbreviation("home address"))
	assert.Equal(t, "ka", Abbreviation("KA"))
	assert.Equal(t, "bsn", Abbreviation("  -BSN-number"))
	assert.Equal(t, defaultAbbreviation, Abbreviation("--"))
}

func TestGenerator_CountersPerAbbreviation(t *testing.T) {
	g := NewGenerator(nil)
	a := g.NewTerm("Income", "€85,000")
	b := g.NewTerm("Income", "€1,200,000")
	c := g.NewTerm("Employer", "Acme")

	assert.Equal(t, 1, a.Index)
	assert.Equal(t, 2, b.Index)
	assert.Equal(t, 1, c.Index)
	assert.Equal(t, "inc_2_____", b.Replacement)
	assert.Equal(t, "emp1", c.Replacement)
}

func TestGenerator_SeedsFromExistingTerms(t *testing.T) {
	g := NewGenerator([]domain.CustomRedactTerm{
		{Label: "Income", Value: "x", Index: 3},
		{Label: "incidental", Value: "y", Index: 5},
	})
	repl, idx := g.Next("Income", "€99,999")
	assert.Equal(t, 6, idx)
	assert.Equal(t, "inc_6__", repl)
}

func TestGenerator_ValueShorterThanIndex(t *testing.T) {
	g := NewGenerator([]domain.CustomRedactTerm{{Label: "Name", Index: 98}})
	term := g.NewTerm("Name", "Al")
	assert.Equal(t, 99, term.Index)
	assert.Equal(t, "99", term.Replacement)
	assert.Equal(t, 2, utf8.RuneCountInString(term.Replacement))
}
