package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"privroute/internal/bus"
	"privroute/internal/domain"
)

const (
	summaryTimeout      = 2 * time.Minute
	summaryMessageLimit = 12
	summaryDocChars     = 2000
)

// Summarizer condenses the recent transcript into a long-term memory entry.
// It runs on-device only, so the transcript never needs redacting.
type Summarizer struct {
	local    domain.LocalRuntime
	model    string
	memory   domain.MemoryStore
	sessions *SessionManager
	exec     *BackgroundExecutor
	events   *bus.EventBus
	logger   *slog.Logger
}

type SummarizerConfig struct {
	Local    domain.LocalRuntime
	Model    string
	Memory   domain.MemoryStore
	Sessions *SessionManager
	Executor *BackgroundExecutor
	Events   *bus.EventBus
	Logger   *slog.Logger
}

func NewSummarizer(cfg SummarizerConfig) *Summarizer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Executor == nil {
		cfg.Executor = NewBackgroundExecutor(cfg.Logger)
	}
	return &Summarizer{
		local:    cfg.Local,
		model:    cfg.Model,
		memory:   cfg.Memory,
		sessions: cfg.Sessions,
		exec:     cfg.Executor,
		events:   cfg.Events,
		logger:   cfg.Logger,
	}
}

// Trigger schedules a summary and returns immediately. Errors end up in the
// task record and the log, never with the caller.
func (s *Summarizer) Trigger(ctx context.Context, convID string, attachments []domain.Attachment) {
	if s == nil || s.local == nil || s.memory == nil {
		return
	}
	docs := append([]domain.Attachment(nil), attachments...)
	if _, started := s.exec.Submit(context.WithoutCancel(ctx), "summarize "+convID, func(ctx context.Context) (string, error) {
		ctx, cancel := context.WithTimeout(ctx, summaryTimeout)
		defer cancel()
		return s.summarize(ctx, convID, docs)
	}); !started {
		s.logger.Debug("summary still running, skipping", "conversation", convID)
	}
}

func (s *Summarizer) summarize(ctx context.Context, convID string, docs []domain.Attachment) (string, error) {
	history, err := s.sessions.History(ctx, convID, summaryMessageLimit)
	if err != nil {
		return "", fmt.Errorf("load transcript: %w", err)
	}
	if len(history) == 0 {
		return "", nil
	}

	if !s.local.IsAvailable(ctx) {
		return "", domain.ErrInferenceUnavailable
	}
	summary, err := s.local.Generate(ctx, summaryPrompt(history, docs), s.model)
	if err != nil {
		return "", fmt.Errorf("generate summary: %w", err)
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return "", nil
	}

	if err := s.memory.SaveMemory(ctx, domain.MemoryEntry{
		Category:   "summary",
		Content:    summary,
		Source:     convID,
		Importance: 6,
	}); err != nil {
		return "", fmt.Errorf("save summary: %w", err)
	}
	s.events.Emit(bus.Event{Type: bus.EventSummaryStored, Source: "summarizer", Payload: map[string]any{
		"conversation": convID, "messages": len(history),
	}})
	return summary, nil
}

func summaryPrompt(history []domain.Message, docs []domain.Attachment) string {
	var b strings.Builder
	b.WriteString("Summarize the key facts, decisions and open questions of this conversation in at most five bullet points.\n\n")
	for _, m := range history {
		if m.Privacy != nil && m.Privacy.Blocked {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	for _, d := range docs {
		content := []rune(d.Content)
		if len(content) > summaryDocChars {
			content = content[:summaryDocChars]
		}
		fmt.Fprintf(&b, "\nDocument %s:\n%s\n", d.Name, string(content))
	}
	return b.String()
}
