package domain

import "fmt"

// Backend is where a message is computed.
type Backend string

const (
	BackendLocal  Backend = "local"  // on-device model, nothing leaves the machine
	BackendHybrid Backend = "hybrid" // local anonymization, then cloud
	BackendCloud  Backend = "cloud"  // direct cloud
)

// ParseBackend validates a backend string. Unknown values are rejected.
func ParseBackend(s string) (Backend, error) {
	switch Backend(s) {
	case BackendLocal, BackendHybrid, BackendCloud:
		return Backend(s), nil
	}
	return "", fmt.Errorf("%w: unknown backend %q", ErrInvalidConfig, s)
}

// ContentMode is the granularity of information crossing the local boundary.
type ContentMode string

const (
	ContentFullText       ContentMode = "full_text"
	ContentAttributesOnly ContentMode = "attributes_only"
	ContentBlocked        ContentMode = "blocked"
)

// ParseContentMode validates a persona-requested content mode. "blocked" is
// never a valid request; only the router produces it.
func ParseContentMode(s string) (ContentMode, error) {
	switch ContentMode(s) {
	case "":
		return ContentFullText, nil
	case ContentFullText, ContentAttributesOnly:
		return ContentMode(s), nil
	}
	return "", fmt.Errorf("%w: unknown content mode %q", ErrInvalidConfig, s)
}

// PrivacyDecision is the router's verdict for one message and recipient.
type PrivacyDecision struct {
	Backend     Backend     `json:"backend"`
	Anonymize   bool        `json:"anonymize"`
	ContentMode ContentMode `json:"content_mode"`
	IsSafe      bool        `json:"is_safe"`
	// Required is set when the persona itself mandates anonymization. A detector
	// failure under a required policy blocks the message.
	Required     bool   `json:"required"`
	Reason       string `json:"reason"`
	FallbackNote string `json:"fallback_note,omitempty"`
}

// NetworkBound reports whether the decided backend sends anything off-device.
func (d PrivacyDecision) NetworkBound() bool {
	return d.Backend == BackendHybrid || d.Backend == BackendCloud
}

// NeedsReview reports whether the review gate applies to this decision.
func (d PrivacyDecision) NeedsReview() bool {
	return d.ContentMode == ContentAttributesOnly || d.Backend == BackendHybrid
}

// PrivacyStatus is a transient projection shown while a message is in flight.
type PrivacyStatus struct {
	Mode             Backend     `json:"mode"`
	ContentMode      ContentMode `json:"content_mode"`
	Label            string      `json:"label"`
	Explanation      string      `json:"explanation"`
	DetectedCount    int         `json:"detected_count"`
	CustomTermCount  int         `json:"custom_term_count"`
	AttributeCount   int         `json:"attribute_count"`
	DetectorDegraded bool        `json:"detector_degraded,omitempty"`
	Persona          string      `json:"persona"`
}
