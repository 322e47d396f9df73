package domain

import "context"

// Entity is one PII span reported by the detector. Start and End are
// character (rune) offsets into the analysed text, End exclusive.
type Entity struct {
	Text       string  `json:"text"`
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Start      int     `json:"start"`
	End        int     `json:"end"`
}

// EntityDetector finds PII spans. It is fallible and may be absent.
type EntityDetector interface {
	Detect(ctx context.Context, text string) ([]Entity, error)
}

// AttributeSet is the categorical structure derived from a message for
// attributes-only mode. Keys are attribute names (e.g. "income_bracket").
type AttributeSet map[string]string

// AttributeExtractor derives categorical attributes from text.
type AttributeExtractor interface {
	Extract(ctx context.Context, text string) (AttributeSet, error)
}
