package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"privroute/internal/domain"
)

const (
	claudeAPIBase      = "https://api.anthropic.com/v1"
	claudeAPIVersion   = "2023-06-01"
	claudeDefaultModel = "claude-sonnet-4-5"
	defaultMaxTokens   = 4096
)

// Claude streams completions from the Anthropic Messages API.
type Claude struct {
	name    string
	apiKey  string
	apiBase string
	model   string
	client  *http.Client
	logger  *slog.Logger
}

type ClaudeConfig struct {
	Name    string
	APIKey  string
	APIBase string
	Model   string
	Client  *http.Client
	Logger  *slog.Logger
}

func NewClaude(cfg ClaudeConfig) *Claude {
	if cfg.Name == "" {
		cfg.Name = "anthropic"
	}
	if cfg.APIBase == "" {
		cfg.APIBase = claudeAPIBase
	}
	if cfg.Model == "" {
		cfg.Model = claudeDefaultModel
	}
	if cfg.Client == nil {
		cfg.Client = StreamingHTTPClient(0)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Claude{
		name:    cfg.Name,
		apiKey:  cfg.APIKey,
		apiBase: strings.TrimRight(cfg.APIBase, "/"),
		model:   cfg.Model,
		client:  cfg.Client,
		logger:  cfg.Logger,
	}
}

func (c *Claude) Name() string { return c.name }

func (c *Claude) Healthy(ctx context.Context) error {
	if c.apiKey == "" {
		return fmt.Errorf("%s: no API key configured", c.name)
	}
	return nil
}

type claudeRequest struct {
	Model       string      `json:"model"`
	MaxTokens   int         `json:"max_tokens"`
	System      string      `json:"system,omitempty"`
	Messages    []claudeMsg `json:"messages"`
	Temperature *float64    `json:"temperature,omitempty"`
	Stream      bool        `json:"stream"`
}

type claudeMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Message struct {
		Usage claudeUsage `json:"usage"`
	} `json:"message"`
	Usage *claudeUsage `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

type claudeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (c *Claude) ChatStream(ctx context.Context, req domain.ChatRequest, out chan<- domain.StreamEvent) error {
	defer close(out)

	model := req.Model
	if model == "" {
		model = c.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	// The system prompt travels outside the message list; consecutive system
	// messages are joined.
	var system []string
	msgs := make([]claudeMsg, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == string(domain.RoleSystem) {
			system = append(system, m.Content)
			continue
		}
		msgs = append(msgs, claudeMsg{Role: m.Role, Content: m.Content})
	}
	body := claudeRequest{
		Model:     model,
		MaxTokens: maxTokens,
		System:    strings.Join(system, "\n\n"),
		Messages:  msgs,
		Stream:    true,
	}
	if req.Temperature > 0 {
		body.Temperature = &req.Temperature
	}
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	resp, err := doWithRetry(ctx, c.client, func() (*http.Request, error) {
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/messages", bytes.NewReader(jsonBody))
		if err != nil {
			return nil, err
		}
		r.Header.Set("Content-Type", "application/json")
		r.Header.Set("x-api-key", c.apiKey)
		r.Header.Set("anthropic-version", claudeAPIVersion)
		return r, nil
	}, c.logger)
	if err != nil {
		return fmt.Errorf("%s request: %w", c.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %d: %s", c.name, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var usage domain.Usage
	err = readSSE(resp.Body, func(event, data string) error {
		var ev claudeEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		if event == "" {
			event = ev.Type
		}
		switch event {
		case "message_start":
			usage.PromptTokens = ev.Message.Usage.InputTokens
		case "content_block_delta":
			if ev.Delta.Type != "text_delta" || ev.Delta.Text == "" {
				return nil
			}
			return send(ctx, out, domain.StreamEvent{Type: domain.StreamToken, Content: ev.Delta.Text})
		case "message_delta":
			if ev.Usage != nil {
				usage.CompletionTokens = ev.Usage.OutputTokens
			}
		case "message_stop":
			return errStopStream
		case "error":
			if ev.Error != nil {
				return fmt.Errorf("%s stream: %s: %s", c.name, ev.Error.Type, ev.Error.Message)
			}
			return fmt.Errorf("%s stream: unknown error", c.name)
		}
		return nil
	})
	if err != nil {
		if ctx.Err() == nil {
			_ = send(ctx, out, domain.StreamEvent{Type: domain.StreamError, Content: err.Error()})
		}
		return err
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	return send(ctx, out, domain.StreamEvent{Type: domain.StreamDone, Usage: &usage})
}
