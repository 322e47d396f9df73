package agent

import (
	"log/slog"
	"strings"
	"unicode"

	"privroute/internal/domain"
)

// Router decides where a message for one persona is computed.
type Router struct {
	logger *slog.Logger
}

func NewRouter(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{logger: logger}
}

// Decide applies the backend precedence, first match wins:
//
//  1. on-device-only model: local
//  2. global mode local: local
//  3. global mode hybrid: hybrid with anonymization
//  4. global mode cloud, persona mandates anonymization: hybrid
//  5. otherwise: direct cloud
//
// A persona can raise the privacy level above the global mode but never
// lower it.
func (r *Router) Decide(persona domain.Persona, mode domain.Backend, model domain.ModelInfo, caps domain.Capabilities) domain.PrivacyDecision {
	d := domain.PrivacyDecision{
		ContentMode: domain.ContentFullText,
		IsSafe:      true,
		Required:    persona.RequireAnonymization,
	}

	switch {
	case model.OnDeviceOnly:
		d.Backend = domain.BackendLocal
		d.Reason = "model " + model.ID + " runs on-device only"
	case mode == domain.BackendLocal:
		d.Backend = domain.BackendLocal
		d.Reason = "global mode is local"
		if !caps.LocalModelConfigured {
			d.IsSafe = false
			d.Reason = "global mode is local but no on-device model is configured"
		}
	case mode == domain.BackendHybrid:
		d.Backend = domain.BackendHybrid
		d.Anonymize = true
		d.Reason = "global mode is hybrid: anonymize locally, then cloud"
	case persona.RequireAnonymization:
		d.Backend = domain.BackendHybrid
		d.Anonymize = true
		d.Reason = "persona " + persona.Name + " requires local anonymization"
	default:
		d.Backend = domain.BackendCloud
		d.Reason = "global mode is cloud"
	}

	if d.NetworkBound() && persona.PrivacyFirst && persona.ContentMode == domain.ContentAttributesOnly {
		d.ContentMode = domain.ContentAttributesOnly
		d.Anonymize = true
		d.Reason += "; only derived attributes leave the device"
		if !caps.AttributesAvailable {
			d.FallbackNote = "attribute extraction is unavailable, only the question will be sent"
		}
	}

	if d.Backend == domain.BackendHybrid && d.ContentMode == domain.ContentFullText && !caps.DetectorAvailable {
		if d.Required {
			d.IsSafe = false
			d.Reason = "persona " + persona.Name + " requires anonymization but the entity detector is unavailable"
		} else {
			d.FallbackNote = "entity detector unavailable, only custom terms will be redacted"
		}
	}

	if !d.IsSafe {
		d.ContentMode = domain.ContentBlocked
	}

	r.logger.Debug("routing decision",
		"persona", persona.Name,
		"mode", mode,
		"model", model.ID,
		"backend", d.Backend,
		"content_mode", d.ContentMode,
		"safe", d.IsSafe,
	)
	return d
}

// ParseMentions pulls leading and inline @persona mentions out of text.
// Known personas are returned in order of first appearance and removed from
// the body; unknown mentions stay in the text untouched.
func ParseMentions(text string, known func(name string) bool) ([]string, string) {
	var names []string
	seen := make(map[string]bool)
	var body []string

	for _, word := range strings.Fields(text) {
		name, ok := mentionName(word)
		if ok && known(name) {
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
			continue
		}
		body = append(body, word)
	}
	if len(names) == 0 {
		return nil, text
	}
	return names, strings.Join(body, " ")
}

// mentionName extracts "name" from "@name", "@name," or "@name:".
func mentionName(word string) (string, bool) {
	if len(word) < 2 || word[0] != '@' {
		return "", false
	}
	name := strings.TrimRightFunc(word[1:], func(r rune) bool {
		return unicode.IsPunct(r) && r != '_' && r != '-'
	})
	if name == "" {
		return "", false
	}
	return strings.ToLower(name), true
}
