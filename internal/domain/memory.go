package domain

import (
	"context"
	"time"
)

// ConversationStore persists transcripts locally.
type ConversationStore interface {
	CreateConversation(ctx context.Context, conv Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	AddMessage(ctx context.Context, convID string, msg MessageRecord) error
	GetMessages(ctx context.Context, convID string, limit int) ([]MessageRecord, error)
}

// MemoryStore is the trusted first-party long-term memory. It receives the
// original, unredacted exchange.
type MemoryStore interface {
	Search(ctx context.Context, query string, limit int) ([]MemoryEntry, error)
	Store(ctx context.Context, ex Exchange) error
	SaveMemory(ctx context.Context, mem MemoryEntry) error
}

// UsageRecorder persists token and latency accounting per dispatch.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, rec UsageRecord) error
}

// AuditLogger writes review-gate decisions.
type AuditLogger interface {
	LogAudit(ctx context.Context, entry AuditEntry) error
}

// ProfileStore holds the operator's custom redaction terms and PII vault.
type ProfileStore interface {
	ListTerms(ctx context.Context) ([]CustomRedactTerm, error)
	AddTerm(ctx context.Context, term CustomRedactTerm) (*CustomRedactTerm, error)
	RemoveTerm(ctx context.Context, id int64) error
}

type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type MessageRecord struct {
	ID             int64     `json:"id"`
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	Persona        string    `json:"persona,omitempty"`
	Privacy        string    `json:"privacy,omitempty"` // JSON-encoded PrivacyAnnotation
	CreatedAt      time.Time `json:"created_at"`
}

type MemoryEntry struct {
	ID         int64      `json:"id"`
	Category   string     `json:"category"` // exchange | summary | fact
	Content    string     `json:"content"`
	Source     string     `json:"source"`     // conversation ID that generated this
	Importance int        `json:"importance"` // 1-10
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// Exchange is one user turn and the assistant reply, both in original form.
type Exchange struct {
	ConversationID string
	Persona        string
	User           string
	Assistant      string
}

type UsageRecord struct {
	ConversationID string
	Persona        string
	Model          string
	Backend        Backend
	Usage          Usage
	LatencyMs      int64
}

type AuditEntry struct {
	Action  string // review_approved | review_cancelled | policy_blocked
	Persona string
	Backend string
	Result  string
	Details string
}

// CustomRedactTerm is an operator-declared sensitive literal with a
// precomputed replacement of identical character length.
type CustomRedactTerm struct {
	ID          int64  `json:"id"`
	Label       string `json:"label"`
	Value       string `json:"value"`
	Replacement string `json:"replacement"`
	// Index is the per-abbreviation counter value used to build Replacement.
	Index int `json:"index"`
}

// VaultEntry is a stored PII value with its generated replacement, used by
// document rehydration.
type VaultEntry struct {
	ID          int64     `json:"id"`
	Label       string    `json:"label"`
	Value       string    `json:"value"`
	Replacement string    `json:"replacement"`
	Index       int       `json:"index"`
	CreatedAt   time.Time `json:"created_at"`
}
