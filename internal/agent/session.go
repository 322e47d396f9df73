package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"privroute/internal/domain"
)

// SessionManager persists the conversation transcript locally. Stored text
// is always the original; redaction only ever applies to egress payloads.
type SessionManager struct {
	store  domain.ConversationStore
	logger *slog.Logger
	mu     sync.Mutex
}

func NewSessionManager(store domain.ConversationStore, logger *slog.Logger) *SessionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionManager{store: store, logger: logger}
}

// Ensure creates the conversation on first use, titled after firstMessage.
func (sm *SessionManager) Ensure(ctx context.Context, convID, firstMessage string) error {
	if sm == nil || sm.store == nil {
		return nil
	}
	sm.mu.Lock()
	defer sm.mu.Unlock()

	conv, err := sm.store.GetConversation(ctx, convID)
	if err != nil {
		return err
	}
	if conv != nil {
		return nil
	}
	if err := sm.store.CreateConversation(ctx, domain.Conversation{
		ID:    convID,
		Title: generateTitle(firstMessage),
	}); err != nil {
		return err
	}
	sm.logger.Info("created new conversation", "conversation", convID)
	return nil
}

// History returns up to limit messages, oldest first.
func (sm *SessionManager) History(ctx context.Context, convID string, limit int) ([]domain.Message, error) {
	if sm == nil || sm.store == nil {
		return nil, nil
	}
	records, err := sm.store.GetMessages(ctx, convID, limit)
	if err != nil {
		return nil, err
	}

	messages := make([]domain.Message, 0, len(records))
	for _, r := range records {
		msg := domain.Message{
			ID:        r.MessageID,
			Role:      domain.Role(r.Role),
			Content:   r.Content,
			Persona:   r.Persona,
			CreatedAt: r.CreatedAt,
		}
		if r.Privacy != "" {
			var ann domain.PrivacyAnnotation
			if err := json.Unmarshal([]byte(r.Privacy), &ann); err == nil {
				msg.Privacy = &ann
			}
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// Save appends msg, assigning an ID and timestamp when missing.
func (sm *SessionManager) Save(ctx context.Context, convID string, msg domain.Message) (domain.Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if sm == nil || sm.store == nil {
		return msg, nil
	}
	record := domain.MessageRecord{
		MessageID:      msg.ID,
		ConversationID: convID,
		Role:           string(msg.Role),
		Content:        msg.Content,
		Persona:        msg.Persona,
		CreatedAt:      msg.CreatedAt,
	}
	if msg.Privacy != nil {
		if data, err := json.Marshal(msg.Privacy); err == nil {
			record.Privacy = string(data)
		}
	}
	return msg, sm.store.AddMessage(ctx, convID, record)
}

func generateTitle(msg string) string {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return "New conversation"
	}
	if idx := strings.IndexAny(msg, "\n\r"); idx > 0 {
		msg = msg[:idx]
	}
	r := []rune(msg)
	if len(r) > 60 {
		cut := strings.LastIndex(string(r[:60]), " ")
		if cut < 20 {
			cut = len(string(r[:60]))
		}
		msg = msg[:cut] + "..."
	}
	return msg
}
