// Package detector is an HTTP client for the sidecar entity-detection model.
// Failures are returned to the caller; the redaction engine decides to fail
// open.
package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"privroute/internal/domain"
)

const defaultTimeout = 10 * time.Second

type Config struct {
	URL           string // base URL, e.g. http://127.0.0.1:8001
	Timeout       time.Duration
	MinConfidence float64
	HTTPClient    *http.Client
	Logger        *slog.Logger
}

// Client calls the detector's /detect endpoint.
type Client struct {
	baseURL       string
	timeout       time.Duration
	minConfidence float64
	http          *http.Client
	logger        *slog.Logger
}

func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		baseURL:       strings.TrimRight(cfg.URL, "/"),
		timeout:       cfg.Timeout,
		minConfidence: cfg.MinConfidence,
		http:          cfg.HTTPClient,
		logger:        cfg.Logger,
	}
}

type detectRequest struct {
	Text string `json:"text"`
}

type detectResponse struct {
	Entities []struct {
		Text       string  `json:"text"`
		Label      string  `json:"label"`
		Confidence float64 `json:"confidence"`
		Start      int     `json:"start"`
		End        int     `json:"end"`
	} `json:"entities"`
}

// Detect returns the entities found in text whose confidence reaches the
// configured threshold. Offsets are character positions.
func (c *Client) Detect(ctx context.Context, text string) ([]domain.Entity, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	body, err := json.Marshal(detectRequest{Text: text})
	if err != nil {
		return nil, fmt.Errorf("detector: marshal: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/detect", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("detector: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrDetectorUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: HTTP %d: %s", domain.ErrDetectorUnavailable, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var result detectResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("detector: decode: %w", err)
	}

	out := make([]domain.Entity, 0, len(result.Entities))
	for _, e := range result.Entities {
		if e.Confidence < c.minConfidence {
			continue
		}
		out = append(out, domain.Entity{
			Text:       e.Text,
			Label:      e.Label,
			Confidence: e.Confidence,
			Start:      e.Start,
			End:        e.End,
		})
	}
	c.logger.Debug("entities detected",
		"count", len(out),
		"dropped", len(result.Entities)-len(out),
		"duration", time.Since(start),
	)
	return out, nil
}

// Healthy probes GET /health.
func (c *Client) Healthy(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrDetectorUnavailable, err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health HTTP %d", domain.ErrDetectorUnavailable, resp.StatusCode)
	}
	return nil
}
