package provider

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// retryBaseDelay is the first backoff step; tests shorten it.
var retryBaseDelay = time.Second

// retryPolicy bounds the attempts made to obtain a response from a cloud
// endpoint. It never covers the body: a stream that has started is never
// replayed, so a partially delivered completion cannot be sent twice.
type retryPolicy struct {
	Retries  int
	Base     time.Duration
	MaxDelay time.Duration
}

func defaultRetryPolicy() retryPolicy {
	return retryPolicy{Retries: 3, Base: retryBaseDelay, MaxDelay: 8 * retryBaseDelay}
}

// StatusError is a non-success HTTP response.
type StatusError struct {
	Code       int
	Body       string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.Body)
}

// Temporary reports whether the status is worth retrying.
func (e *StatusError) Temporary() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

// delay is Base doubled per attempt with up to 50% jitter, capped at
// MaxDelay. A server-provided Retry-After wins when it is within the cap.
func (p retryPolicy) delay(attempt int, hint time.Duration) time.Duration {
	if hint > 0 && hint <= p.MaxDelay {
		return hint
	}
	d := p.Base << (attempt - 1)
	if d <= 0 || d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d + time.Duration(rand.Int64N(int64(d/2)+1))
}

func (p retryPolicy) do(ctx context.Context, client *http.Client, build func() (*http.Request, error), logger *slog.Logger) (*http.Response, error) {
	var lastErr error
	var hint time.Duration
	for attempt := 0; attempt <= p.Retries; attempt++ {
		if attempt > 0 {
			wait := p.delay(attempt, hint)
			logger.Warn("retrying request", "attempt", attempt+1, "backoff", wait, "err", lastErr)
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, ctx.Err()
			case <-t.C:
			}
		}

		req, err := build()
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr, hint = err, 0
			continue
		}
		if resp.StatusCode < 300 {
			return resp, nil
		}

		serr := readStatusError(resp)
		if !serr.Temporary() {
			return nil, serr
		}
		lastErr, hint = serr, serr.RetryAfter
	}
	return nil, fmt.Errorf("gave up after %d attempts: %w", p.Retries+1, lastErr)
}

func readStatusError(resp *http.Response) *StatusError {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	serr := &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
		serr.RetryAfter = time.Duration(secs) * time.Second
	}
	return serr
}

// doWithRetry applies the default policy.
func doWithRetry(ctx context.Context, client *http.Client, build func() (*http.Request, error), logger *slog.Logger) (*http.Response, error) {
	return defaultRetryPolicy().do(ctx, client, build, logger)
}
