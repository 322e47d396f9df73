package agent

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"privroute/internal/domain"
)

const (
	defaultLocalHistoryTurns = 4
	defaultLocalCharBudget   = 4000
	defaultCloudHistoryLimit = 40
)

// LocalPrompt builds the compact prompt for small on-device models: a single
// instruction sentence, the last few turns and the question, held under a
// hard character budget. The oldest turns go first when it does not fit;
// the question itself is cut from the front as a last resort.
func LocalPrompt(persona domain.Persona, history []domain.Message, question string, turns, budget int) string {
	if turns <= 0 {
		turns = defaultLocalHistoryTurns
	}
	if budget <= 0 {
		budget = defaultLocalCharBudget
	}

	instruction := localInstruction(persona)
	tail := "User: " + question + "\nAssistant:"

	lines := historyLines(history, turns)
	for len(lines) > 0 && runeLen(instruction)+runeLen(strings.Join(lines, ""))+runeLen(tail) > budget {
		lines = lines[1:]
	}

	head := instruction + strings.Join(lines, "")
	if over := runeLen(head) + runeLen(tail) - budget; over > 0 {
		q := []rune(question)
		if over >= len(q) {
			q = nil
		} else {
			q = q[over:]
		}
		tail = "User: " + string(q) + "\nAssistant:"
	}
	prompt := head + tail
	if runeLen(prompt) > budget {
		r := []rune(prompt)
		prompt = string(r[len(r)-budget:])
	}
	return prompt
}

func localInstruction(persona domain.Persona) string {
	who := persona.DisplayName
	if who == "" {
		who = persona.Name
	}
	if who == "" {
		who = "a helpful assistant"
	}
	return fmt.Sprintf("You are %s; answer the last user message briefly.\n\n", who)
}

// historyLines keeps the last turns user/assistant pairs.
func historyLines(history []domain.Message, turns int) []string {
	var lines []string
	for _, m := range history {
		switch m.Role {
		case domain.RoleUser:
			lines = append(lines, "User: "+m.Content+"\n")
		case domain.RoleAssistant:
			lines = append(lines, "Assistant: "+m.Content+"\n")
		}
	}
	if keep := turns * 2; len(lines) > keep {
		lines = lines[len(lines)-keep:]
	}
	return lines
}

// CloudContext is the material assembled for a cloud completion. Every
// field has already been redacted when the backend is hybrid.
type CloudContext struct {
	SystemPrompt string
	Memories     []string
	History      []domain.Message
	Attachments  []domain.Attachment
	Prompt       string
}

// CloudMessages assembles the unrestricted cloud context: system prompt with
// memories and attachments, then up to limit history messages, then the prompt.
func CloudMessages(c CloudContext, limit int) []domain.ChatMessage {
	if limit <= 0 {
		limit = defaultCloudHistoryLimit
	}

	var sys strings.Builder
	sys.WriteString(c.SystemPrompt)
	if len(c.Memories) > 0 {
		sys.WriteString("\n\n## Relevant memories\n")
		for _, m := range c.Memories {
			sys.WriteString("- " + m + "\n")
		}
	}
	for _, a := range c.Attachments {
		fmt.Fprintf(&sys, "\n\n## Attached document: %s\n%s\n", a.Name, a.Content)
	}

	msgs := make([]domain.ChatMessage, 0, len(c.History)+2)
	if s := strings.TrimSpace(sys.String()); s != "" {
		msgs = append(msgs, domain.ChatMessage{Role: string(domain.RoleSystem), Content: s})
	}
	history := c.History
	if len(history) > limit {
		history = history[len(history)-limit:]
	}
	for _, m := range history {
		if m.Role != domain.RoleUser && m.Role != domain.RoleAssistant {
			continue
		}
		// Blocked turns never produced a reply worth replaying.
		if m.Privacy != nil && m.Privacy.Blocked {
			continue
		}
		msgs = append(msgs, domain.ChatMessage{Role: string(m.Role), Content: m.Content})
	}
	return append(msgs, domain.ChatMessage{Role: string(domain.RoleUser), Content: c.Prompt})
}

func runeLen(s string) int { return utf8.RuneCountInString(s) }
