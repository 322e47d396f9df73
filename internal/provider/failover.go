package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"privroute/internal/domain"
)

// FailoverProvider tries cloud providers in order. A provider is abandoned
// only while it has produced no tokens; once text has reached the caller the
// stream is committed to that provider and its errors are final.
type FailoverProvider struct {
	providers []domain.StreamingProvider
	logger    *slog.Logger
}

func NewFailoverProvider(providers []domain.StreamingProvider, logger *slog.Logger) *FailoverProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &FailoverProvider{providers: providers, logger: logger}
}

func (fp *FailoverProvider) Name() string {
	names := make([]string, len(fp.providers))
	for i, p := range fp.providers {
		names[i] = p.Name()
	}
	return "failover(" + strings.Join(names, "→") + ")"
}

func (fp *FailoverProvider) Healthy(ctx context.Context) error {
	for _, p := range fp.providers {
		if err := p.Healthy(ctx); err == nil {
			return nil
		}
	}
	return fmt.Errorf("no healthy provider in failover chain")
}

// ChatStream gives every provider its own channel, since each one closes the
// channel it is handed.
func (fp *FailoverProvider) ChatStream(ctx context.Context, req domain.ChatRequest, out chan<- domain.StreamEvent) error {
	defer close(out)
	if len(fp.providers) == 0 {
		return errors.New("failover chain is empty")
	}

	var lastErr error
	for i, p := range fp.providers {
		last := i == len(fp.providers)-1
		committed, err := fp.relay(ctx, p, req, out, last)
		if err == nil {
			if i > 0 {
				fp.logger.Info("failover: used fallback provider", "provider", p.Name(), "attempt", i+1)
			}
			return nil
		}
		if committed || ctx.Err() != nil {
			return err
		}
		lastErr = err
		if !last {
			fp.logger.Warn("failover: provider failed, trying next",
				"provider", p.Name(),
				"attempt", i+1,
				"error", err,
			)
		}
	}
	return fmt.Errorf("all providers in failover chain failed: %w", lastErr)
}

// relay forwards one provider's stream. Error events are held back while
// nothing has been forwarded and another provider remains.
func (fp *FailoverProvider) relay(ctx context.Context, p domain.StreamingProvider, req domain.ChatRequest, out chan<- domain.StreamEvent, last bool) (bool, error) {
	inner := make(chan domain.StreamEvent, 16)
	errc := make(chan error, 1)
	go func() { errc <- p.ChatStream(ctx, req, inner) }()

	committed := false
	var sendErr error
	for ev := range inner {
		if sendErr != nil {
			continue // drain so the provider can return
		}
		if ev.Type == domain.StreamError && !committed && !last {
			continue
		}
		if ev.Type == domain.StreamToken {
			committed = true
		}
		sendErr = send(ctx, out, ev)
	}
	err := <-errc
	if err == nil {
		err = sendErr
	}
	return committed, err
}
