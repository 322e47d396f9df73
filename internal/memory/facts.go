package memory

import (
	"context"
	"strings"
	"time"

	"privroute/internal/domain"
)

// factPatterns classify user statements worth remembering beyond the raw
// exchange, with their importance.
var factPatterns = []struct {
	category   string
	importance int
	cues       []string
}{
	{"preference", 7, []string{"i like", "i prefer", "my favorite", "i love", "i hate", "i don't like"}},
	{"fact", 9, []string{"my name is", "i work at", "i live in", "i am from", "my job is", "i'm a"}},
	{"instruction", 8, []string{"remember that", "always ", "never ", "don't forget", "keep in mind"}},
}

func extractFacts(userMsg string) []domain.MemoryEntry {
	lower := strings.ToLower(userMsg)
	var facts []domain.MemoryEntry
	for _, p := range factPatterns {
		for _, cue := range p.cues {
			if strings.Contains(lower, cue) {
				facts = append(facts, domain.MemoryEntry{
					Category:   p.category,
					Content:    userMsg,
					Importance: p.importance,
				})
				break
			}
		}
	}
	return facts
}

// ApplyDecay lowers the importance of memories older than decayDays by one,
// never below 1. It returns how many were updated.
func (s *SQLiteStore) ApplyDecay(ctx context.Context, decayDays int) (int, error) {
	if decayDays <= 0 {
		decayDays = 7
	}
	cutoff := time.Now().AddDate(0, 0, -decayDays)
	res, err := s.db.ExecContext(ctx,
		`UPDATE memories SET importance = importance - 1 WHERE created_at < ? AND importance > 1`, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	s.logger.Info("memory decay applied", "decayed", n)
	return int(n), nil
}
