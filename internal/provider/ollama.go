package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"privroute/internal/domain"
)

const (
	ollamaDefaultBase  = "http://localhost:11434"
	ollamaDefaultModel = "llama3.2:3b"
	ollamaKeepAlive    = "10m"
)

// errModelMissing marks a model the runtime does not have.
var errModelMissing = errors.New("model not installed")

// Ollama is the on-device inference runtime. It never leaves localhost
// unless configured to.
type Ollama struct {
	apiBase      string
	defaultModel string
	client       *http.Client
	logger       *slog.Logger
}

type OllamaConfig struct {
	APIBase      string
	DefaultModel string
	Client       *http.Client
	Logger       *slog.Logger
}

func NewOllama(cfg OllamaConfig) *Ollama {
	if cfg.APIBase == "" {
		cfg.APIBase = ollamaDefaultBase
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = ollamaDefaultModel
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Ollama{
		apiBase:      strings.TrimRight(cfg.APIBase, "/"),
		defaultModel: cfg.DefaultModel,
		client:       cfg.Client,
		logger:       cfg.Logger,
	}
}

func (o *Ollama) Name() string { return "ollama" }

type ollamaTags struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// Models lists the models installed in the runtime.
func (o *Ollama) Models(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.apiBase+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama not reachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama returned status %d", resp.StatusCode)
	}
	var tags ollamaTags
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	names := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

func (o *Ollama) Healthy(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_, err := o.Models(ctx)
	return err
}

// IsAvailable reports whether the runtime answers at all.
func (o *Ollama) IsAvailable(ctx context.Context) bool {
	return o.Healthy(ctx) == nil
}

type ollamaGenerateRequest struct {
	Model     string         `json:"model"`
	Prompt    string         `json:"prompt"`
	Stream    bool           `json:"stream"`
	KeepAlive string         `json:"keep_alive,omitempty"`
	Options   map[string]any `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	Error           string `json:"error,omitempty"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

// ActivateModel asks the runtime to load a model into memory. An empty
// prompt makes Ollama load the weights and return without generating.
func (o *Ollama) ActivateModel(ctx context.Context, id string) error {
	if id == "" {
		id = o.defaultModel
	}
	_, err := o.generate(ctx, ollamaGenerateRequest{Model: id, KeepAlive: ollamaKeepAlive})
	if err != nil {
		return fmt.Errorf("activate %s: %w", id, err)
	}
	o.logger.Debug("local model activated", "model", id)
	return nil
}

// Generate runs a single non-streaming completion.
func (o *Ollama) Generate(ctx context.Context, prompt, model string) (string, error) {
	if model == "" {
		model = o.defaultModel
	}
	start := time.Now()
	out, err := o.generate(ctx, ollamaGenerateRequest{
		Model:     model,
		Prompt:    prompt,
		KeepAlive: ollamaKeepAlive,
	})
	if err != nil {
		return "", err
	}
	o.logger.Debug("local generation complete",
		"model", model,
		"prompt_tokens", out.PromptEvalCount,
		"completion_tokens", out.EvalCount,
		"duration", time.Since(start),
	)
	return strings.TrimSpace(out.Response), nil
}

func (o *Ollama) generate(ctx context.Context, body ollamaGenerateRequest) (*ollamaGenerateResponse, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.apiBase+"/api/generate", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", errModelMissing, body.Model)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("ollama returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var out ollamaGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("ollama: %s", out.Error)
	}
	return &out, nil
}

// Remediation returns operator guidance for a local inference error.
func Remediation(err error, model string) string {
	switch {
	case errors.Is(err, errModelMissing):
		return fmt.Sprintf("run `ollama pull %s`", model)
	case errors.Is(err, domain.ErrInferenceUnavailable):
		return "start the runtime with `ollama serve`"
	}
	return ""
}
