// Package attributes talks to the attribute-extraction sidecar and builds the
// prompts used in attributes-only mode, where only categorical facts about a
// message leave the device.
package attributes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"privroute/internal/domain"
)

// absent values are what extractors report for attributes they could not
// determine.
var absent = map[string]bool{"": true, "unknown": true, "none": true, "n/a": true}

type ClientConfig struct {
	URL        string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client calls POST /extract on the sidecar.
type Client struct {
	baseURL string
	timeout time.Duration
	http    *http.Client
	logger  *slog.Logger
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		timeout: cfg.Timeout,
		http:    cfg.HTTPClient,
		logger:  cfg.Logger,
	}
}

// Extract derives the attribute set for text. Values are normalised to
// lowercase and absent values are dropped.
func (c *Client) Extract(ctx context.Context, text string) (domain.AttributeSet, error) {
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, fmt.Errorf("attributes: marshal: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/extract", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("attributes: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("attributes: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("attributes: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var result struct {
		Attributes map[string]string `json:"attributes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("attributes: decode: %w", err)
	}

	set := make(domain.AttributeSet, len(result.Attributes))
	for k, v := range result.Attributes {
		k = strings.TrimSpace(k)
		v = strings.ToLower(strings.TrimSpace(v))
		if k == "" || absent[v] {
			continue
		}
		set[k] = v
	}
	c.logger.Debug("attributes extracted", "count", len(set))
	return set, nil
}

// CountPresent returns how many attributes carry a determined value.
func CountPresent(attrs domain.AttributeSet) int {
	n := 0
	for _, v := range attrs {
		if !absent[strings.ToLower(strings.TrimSpace(v))] {
			n++
		}
	}
	return n
}

// Summarize renders the present attributes as "key: value" lines in key order.
func Summarize(attrs domain.AttributeSet) string {
	keys := make([]string, 0, len(attrs))
	for k, v := range attrs {
		if !absent[strings.ToLower(strings.TrimSpace(v))] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "- %s: %s\n", strings.ReplaceAll(k, "_", " "), attrs[k])
	}
	return strings.TrimRight(b.String(), "\n")
}

const defaultQuestion = "Based only on these attributes, what general guidance would you give?"

// ToSafePrompt builds the network-bound prompt for attributes-only mode. It
// never contains the user's text, only the attribute summary and question.
func ToSafePrompt(attrs domain.AttributeSet, question string) string {
	question = strings.TrimSpace(question)
	if question == "" {
		question = defaultQuestion
	}
	summary := Summarize(attrs)
	if summary == "" {
		summary = "- no attributes could be determined"
	}
	return "A person is described by the following attributes:\n" + summary + "\n\n" + question
}
