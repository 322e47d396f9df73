package domain

import "time"

// Role identifies the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ApprovalStatus records what the review gate did with a message.
type ApprovalStatus string

const (
	ApprovalNone      ApprovalStatus = ""
	ApprovalPending   ApprovalStatus = "pending"
	ApprovalApproved  ApprovalStatus = "approved"
	ApprovalCancelled ApprovalStatus = "cancelled"
	ApprovalSkipped   ApprovalStatus = "skipped" // operator opted out of review
)

// PrivacyAnnotation is attached to messages that passed through the privacy pipeline.
type PrivacyAnnotation struct {
	Level      Backend        `json:"level"`
	Categories []string       `json:"categories,omitempty"` // detected entity categories
	Approval   ApprovalStatus `json:"approval,omitempty"`
	Blocked    bool           `json:"blocked,omitempty"`
}

// Message is one entry in a conversation transcript.
type Message struct {
	ID        string             `json:"id"`
	Role      Role               `json:"role"`
	Content   string             `json:"content"`
	Persona   string             `json:"persona,omitempty"`
	Privacy   *PrivacyAnnotation `json:"privacy,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
}

// Attachment is a text document attached to a conversation. Parsing happens
// elsewhere; only extracted text reaches the pipeline.
type Attachment struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}
