package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"privroute/internal/domain"
)

// personaFile is the raw YAML record. It is validated into domain.Persona.
type personaFile struct {
	Name                 string `yaml:"name"`
	DisplayName          string `yaml:"displayName"`
	SystemPrompt         string `yaml:"systemPrompt"`
	Model                string `yaml:"model"`
	RequireAnonymization bool   `yaml:"requireAnonymization"`
	PrivacyFirst         bool   `yaml:"privacyFirst"`
	ContentMode          string `yaml:"contentMode"`
	SafeQuestion         string `yaml:"safeQuestion"`
	SkipReview           bool   `yaml:"skipReview"`
}

var personaNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// Personas is the validated set of recipients, keyed by lowercase name.
type Personas struct {
	byName map[string]domain.Persona
}

// DefaultPersona is used when no persona files exist.
func DefaultPersona() domain.Persona {
	return domain.Persona{
		Name:         "assistant",
		DisplayName:  "Assistant",
		SystemPrompt: "You are a helpful assistant.",
		ContentMode:  domain.ContentFullText,
	}
}

func NewPersonas(list ...domain.Persona) *Personas {
	p := &Personas{byName: make(map[string]domain.Persona, len(list))}
	for _, persona := range list {
		p.byName[strings.ToLower(persona.Name)] = persona
	}
	return p
}

// Get returns the persona with the given name (case-insensitive).
func (p *Personas) Get(name string) (domain.Persona, error) {
	persona, ok := p.byName[strings.ToLower(name)]
	if !ok {
		return domain.Persona{}, fmt.Errorf("%w: %s", domain.ErrUnknownPersona, name)
	}
	return persona, nil
}

// Names returns persona names sorted.
func (p *Personas) Names() []string {
	names := make([]string, 0, len(p.byName))
	for _, persona := range p.byName {
		names = append(names, persona.Name)
	}
	sort.Strings(names)
	return names
}

func (p *Personas) Len() int { return len(p.byName) }

// LoadPersonas reads every .yaml/.yml file in dir. Unknown content modes,
// unknown models and duplicate names are reported together; nothing is
// defaulted silently. A missing directory yields the default persona.
func LoadPersonas(dir string, cfg *Config, logger *slog.Logger) (*Personas, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		logger.Debug("personas directory does not exist, using default persona", "dir", dir)
		return NewPersonas(DefaultPersona()), nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read personas dir: %w", err)
	}

	var errs []string
	set := NewPersonas()
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", name, err))
			continue
		}

		var raw personaFile
		if err := yaml.Unmarshal(data, &raw); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		if raw.Name == "" {
			raw.Name = strings.TrimSuffix(name, filepath.Ext(name))
		}

		persona, problems := validatePersona(raw, cfg)
		if len(problems) > 0 {
			for _, p := range problems {
				errs = append(errs, fmt.Sprintf("%s: %s", name, p))
			}
			continue
		}
		key := strings.ToLower(persona.Name)
		if _, dup := set.byName[key]; dup {
			errs = append(errs, fmt.Sprintf("%s: duplicate persona name %q", name, persona.Name))
			continue
		}
		set.byName[key] = persona
		logger.Info("loaded persona", "name", persona.Name, "path", path)
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: personas:\n  - %s", domain.ErrInvalidConfig, strings.Join(errs, "\n  - "))
	}
	if set.Len() == 0 {
		return NewPersonas(DefaultPersona()), nil
	}
	return set, nil
}

// validatePersona converts a raw record into a domain.Persona.
func validatePersona(raw personaFile, cfg *Config) (domain.Persona, []string) {
	var problems []string

	name := strings.ToLower(strings.TrimSpace(raw.Name))
	if !personaNamePattern.MatchString(name) {
		problems = append(problems, fmt.Sprintf("name %q must be lowercase letters, digits, '-' or '_'", raw.Name))
	}
	mode, err := domain.ParseContentMode(raw.ContentMode)
	if err != nil {
		problems = append(problems, err.Error())
	}
	if mode == domain.ContentAttributesOnly && !raw.PrivacyFirst {
		problems = append(problems, "contentMode attributes_only requires privacyFirst")
	}
	if raw.Model != "" && cfg != nil {
		if _, ok := cfg.Models[raw.Model]; !ok {
			problems = append(problems, fmt.Sprintf("%s: %s", domain.ErrUnknownModel, raw.Model))
		}
	}

	display := raw.DisplayName
	if display == "" {
		display = raw.Name
	}
	return domain.Persona{
		Name:                 name,
		DisplayName:          display,
		SystemPrompt:         strings.TrimSpace(raw.SystemPrompt),
		Model:                raw.Model,
		RequireAnonymization: raw.RequireAnonymization,
		PrivacyFirst:         raw.PrivacyFirst,
		ContentMode:          mode,
		SafeQuestion:         strings.TrimSpace(raw.SafeQuestion),
		SkipReview:           raw.SkipReview,
	}, problems
}
