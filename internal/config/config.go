package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/joho/godotenv"

	"privroute/internal/domain"
)

// Config is the root configuration for privroute.
type Config struct {
	General     GeneralConfig             `json:"general"`
	Providers   map[string]ProviderConfig `json:"providers"`
	Models      map[string]ModelConfig    `json:"models"`
	Detector    DetectorConfig            `json:"detector"`
	Attributes  AttributesConfig          `json:"attributes"`
	Memory      MemoryConfig              `json:"memory"`
	Dispatch    DispatchConfig            `json:"dispatch"`
	Metrics     MetricsConfig             `json:"metrics"`
	PersonasDir string                    `json:"personasDir"`
}

type GeneralConfig struct {
	PrivacyMode   string `json:"privacyMode"` // "local" | "hybrid" | "cloud"
	ActivePersona string `json:"activePersona"`
	DefaultModel  string `json:"defaultModel"` // used when a persona names no model
	LocalModel    string `json:"localModel,omitempty"`
	LogLevel      string `json:"logLevel"`
	LogFile       string `json:"logFile,omitempty"`
	ReviewEnabled bool   `json:"reviewEnabled"`
	SummaryEvery  int    `json:"summaryEvery"` // assistant turns between summaries, 0 = off
	// AttachmentsDir holds documents attached to the conversation.
	AttachmentsDir string   `json:"attachmentsDir,omitempty"`
	FailoverChain  []string `json:"failoverChain,omitempty"` // cloud providers tried in order
}

type ProviderConfig struct {
	Enabled        bool   `json:"enabled"`
	Type           string `json:"type"` // "ollama" | "openai" | "anthropic"
	APIBase        string `json:"apiBase,omitempty"`
	APIKey         string `json:"apiKey,omitempty"`
	DefaultModel   string `json:"defaultModel,omitempty"`
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty"`
}

// ModelConfig is the raw model record. It is validated into domain.ModelInfo.
type ModelConfig struct {
	Backend      string `json:"backend"` // "local" | "cloud"
	Provider     string `json:"provider"`
	OnDeviceOnly bool   `json:"onDeviceOnly,omitempty"`
}

type DetectorConfig struct {
	Enabled       bool    `json:"enabled"`
	URL           string  `json:"url"`
	TimeoutMs     int     `json:"timeoutMs"`
	MinConfidence float64 `json:"minConfidence"`
}

type AttributesConfig struct {
	Enabled   bool   `json:"enabled"`
	URL       string `json:"url"`
	TimeoutMs int    `json:"timeoutMs"`
}

type MemoryConfig struct {
	Enabled       bool   `json:"enabled"`
	DBPath        string `json:"dbPath"`
	RetentionDays int    `json:"retentionDays"`
	SearchLimit   int    `json:"searchLimit"`
}

type DispatchConfig struct {
	LocalRetries      int `json:"localRetries"`
	LocalBackoffMs    int `json:"localBackoffMs"`
	LocalBackoffMaxMs int `json:"localBackoffMaxMs"`
	LocalHistoryTurns int `json:"localHistoryTurns"`
	LocalCharBudget   int `json:"localCharBudget"`
	CloudHistoryLimit int `json:"cloudHistoryLimit"`
	MaxTokens         int `json:"maxTokens,omitempty"`
}

// MetricsConfig configures the Prometheus text endpoint served during chat.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Addr     string `json:"addr"`
	Endpoint string `json:"endpoint"`
}

// DefaultConfigDir returns the default config directory (~/.privroute).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".privroute"
	}
	return filepath.Join(home, ".privroute")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// Load reads a JSON config file. A .env next to the config file and one in
// the working directory are loaded first (existing variables win), then
// ${VAR} references are expanded.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	_ = godotenv.Load(filepath.Join(filepath.Dir(path), ".env"))
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.Memory.DBPath = ExpandPath(cfg.Memory.DBPath)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.General.AttachmentsDir = ExpandPath(cfg.General.AttachmentsDir)
	cfg.PersonasDir = ExpandPath(cfg.PersonasDir)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default}.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment value and
// ${VAR:-default} with default when VAR is unset or empty. Unresolved
// references without a default are left as written.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if val, ok := os.LookupEnv(groups[1]); ok && val != "" {
			return val
		}
		if hasDefault {
			return groups[2]
		}
		return match
	})
}

func Save(path string, cfg *Config) error {
	path = ExpandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// Validate checks every section and reports all problems at once.
func Validate(cfg *Config) error {
	var errs []string

	if _, err := domain.ParseBackend(cfg.General.PrivacyMode); err != nil {
		errs = append(errs, "general.privacyMode must be one of: local, hybrid, cloud")
	}
	switch cfg.General.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	if cfg.General.SummaryEvery < 0 {
		errs = append(errs, "general.summaryEvery must be >= 0")
	}
	if cfg.General.DefaultModel != "" {
		if _, ok := cfg.Models[cfg.General.DefaultModel]; !ok {
			errs = append(errs, fmt.Sprintf("general.defaultModel references unknown model: %s", cfg.General.DefaultModel))
		}
	}
	if cfg.General.LocalModel != "" {
		if mc, ok := cfg.Models[cfg.General.LocalModel]; !ok {
			errs = append(errs, fmt.Sprintf("general.localModel references unknown model: %s", cfg.General.LocalModel))
		} else if mc.Backend != "local" {
			errs = append(errs, fmt.Sprintf("general.localModel %s is not a local model", cfg.General.LocalModel))
		}
	}
	for _, name := range cfg.General.FailoverChain {
		pc, ok := cfg.Providers[name]
		if !ok {
			errs = append(errs, fmt.Sprintf("general.failoverChain references unknown provider: %s", name))
			continue
		}
		if pc.Type == "ollama" {
			errs = append(errs, fmt.Sprintf("general.failoverChain: %s is a local runtime, not a cloud provider", name))
		}
	}

	for _, name := range sortedKeys(cfg.Providers) {
		pc := cfg.Providers[name]
		switch pc.Type {
		case "ollama", "openai", "anthropic":
		default:
			errs = append(errs, fmt.Sprintf("providers.%s.type must be one of: ollama, openai, anthropic", name))
		}
		if pc.Enabled && pc.Type == "openai" && pc.APIBase == "" {
			errs = append(errs, fmt.Sprintf("providers.%s: apiBase is required", name))
		}
	}

	for _, id := range sortedKeys(cfg.Models) {
		mc := cfg.Models[id]
		if mc.Backend != "local" && mc.Backend != "cloud" {
			errs = append(errs, fmt.Sprintf("models.%s.backend must be one of: local, cloud", id))
		}
		pc, ok := cfg.Providers[mc.Provider]
		if !ok {
			errs = append(errs, fmt.Sprintf("models.%s references unknown provider: %s", id, mc.Provider))
			continue
		}
		if mc.Backend == "local" && pc.Type != "ollama" {
			errs = append(errs, fmt.Sprintf("models.%s: local models must use an ollama provider", id))
		}
		if mc.Backend == "cloud" && pc.Type == "ollama" {
			errs = append(errs, fmt.Sprintf("models.%s: cloud models cannot use a local runtime provider", id))
		}
		if mc.Backend == "cloud" && mc.OnDeviceOnly {
			errs = append(errs, fmt.Sprintf("models.%s: onDeviceOnly requires backend local", id))
		}
	}

	if cfg.Detector.Enabled && cfg.Detector.URL == "" {
		errs = append(errs, "detector.url is required when the detector is enabled")
	}
	if cfg.Detector.MinConfidence < 0 || cfg.Detector.MinConfidence > 1 {
		errs = append(errs, "detector.minConfidence must be between 0 and 1")
	}
	if cfg.Attributes.Enabled && cfg.Attributes.URL == "" {
		errs = append(errs, "attributes.url is required when attribute extraction is enabled")
	}
	if cfg.Memory.RetentionDays < 1 {
		errs = append(errs, "memory.retentionDays must be >= 1")
	}

	d := cfg.Dispatch
	if d.LocalRetries < 0 || d.LocalRetries > 5 {
		errs = append(errs, "dispatch.localRetries must be between 0 and 5")
	}
	if d.LocalBackoffMs < 0 || d.LocalBackoffMaxMs < d.LocalBackoffMs {
		errs = append(errs, "dispatch.localBackoffMaxMs must be >= dispatch.localBackoffMs >= 0")
	}
	if d.LocalHistoryTurns < 0 || d.CloudHistoryLimit < 0 {
		errs = append(errs, "dispatch history limits must be >= 0")
	}
	if d.LocalCharBudget < 200 {
		errs = append(errs, "dispatch.localCharBudget must be >= 200")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n  - %s", domain.ErrInvalidConfig, strings.Join(errs, "\n  - "))
	}
	return nil
}

// ModelInfo resolves a configured model id. A model with a local backend can
// only run on-device, so it is reported as on-device only.
func (c *Config) ModelInfo(id string) (domain.ModelInfo, error) {
	mc, ok := c.Models[id]
	if !ok {
		return domain.ModelInfo{}, fmt.Errorf("%w: %s", domain.ErrUnknownModel, id)
	}
	return domain.ModelInfo{
		ID:           id,
		Provider:     mc.Provider,
		OnDeviceOnly: mc.OnDeviceOnly || mc.Backend == "local",
	}, nil
}

// LocalModelID returns the model used for local routing: general.localModel,
// else the first local model in id order, else "".
func (c *Config) LocalModelID() string {
	if c.General.LocalModel != "" {
		return c.General.LocalModel
	}
	for _, id := range sortedKeys(c.Models) {
		if c.Models[id].Backend == "local" {
			return id
		}
	}
	return ""
}

// ExpandPath resolves a leading ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
