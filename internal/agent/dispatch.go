package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"privroute/internal/bus"
	"privroute/internal/domain"
	"privroute/internal/metrics"
	"privroute/internal/redact"
)

const (
	defaultLocalRetries = 2
	defaultBackoff      = 500 * time.Millisecond
	defaultBackoffMax   = 2 * time.Second
)

// CloudResolver returns the streaming provider serving a cloud model.
type CloudResolver interface {
	CloudFor(model string) (domain.StreamingProvider, error)
}

// SleepFunc waits for d or until ctx ends.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Dispatcher executes a routed message against its backend.
type Dispatcher struct {
	local      domain.LocalRuntime
	cloud      CloudResolver
	usage      domain.UsageRecorder
	memory     domain.MemoryStore
	remediate  func(err error, model string) string
	retries    int
	backoff    time.Duration
	backoffMax time.Duration
	sleep      SleepFunc
	maxTokens  int
	events     *bus.EventBus
	logger     *slog.Logger
}

type DispatcherConfig struct {
	Local  domain.LocalRuntime
	Cloud  CloudResolver
	Usage  domain.UsageRecorder
	Memory domain.MemoryStore // nil disables forwarding exchanges
	// Remediate turns a local inference error into operator guidance.
	Remediate func(err error, model string) string
	// Retries is how many extra local attempts follow a failed one. Zero
	// means a single attempt; a negative value selects the default.
	Retries    int
	Backoff    time.Duration
	BackoffMax time.Duration
	Sleep      SleepFunc
	MaxTokens  int
	Events     *bus.EventBus
	Logger     *slog.Logger
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Retries < 0 {
		cfg.Retries = defaultLocalRetries
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	if cfg.BackoffMax < cfg.Backoff {
		cfg.BackoffMax = defaultBackoffMax
		if cfg.BackoffMax < cfg.Backoff {
			cfg.BackoffMax = cfg.Backoff
		}
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	if cfg.Remediate == nil {
		cfg.Remediate = func(error, string) string { return "" }
	}
	return &Dispatcher{
		local:      cfg.Local,
		cloud:      cfg.Cloud,
		usage:      cfg.Usage,
		memory:     cfg.Memory,
		remediate:  cfg.Remediate,
		retries:    cfg.Retries,
		backoff:    cfg.Backoff,
		backoffMax: cfg.BackoffMax,
		sleep:      cfg.Sleep,
		maxTokens:  cfg.MaxTokens,
		events:     cfg.Events,
		logger:     cfg.Logger,
	}
}

// DispatchRequest is one routed message. Prompt is used by the local
// backend, Messages by cloud backends.
type DispatchRequest struct {
	ConversationID string
	Persona        string
	Model          string
	Decision       domain.PrivacyDecision
	Prompt         string
	Messages       []domain.ChatMessage
	Mapping        *redact.Mapping
	// Exchange carries the original, unredacted turn for the memory store.
	Exchange  domain.Exchange
	OnPartial func(text string)
}

type DispatchResult struct {
	Text     string
	Usage    *domain.Usage
	Latency  time.Duration
	Attempts int
}

// Dispatch runs req and returns the rehydrated reply. No partial reply is
// returned on failure.
func (d *Dispatcher) Dispatch(ctx context.Context, req DispatchRequest) (*DispatchResult, error) {
	start := time.Now()
	backend := string(req.Decision.Backend)
	metrics.InFlight.Inc()
	defer metrics.InFlight.Dec()

	d.events.Emit(bus.Event{Type: bus.EventDispatchStarted, Source: "dispatch", Payload: map[string]any{
		"persona": req.Persona, "model": req.Model, "backend": backend,
	}})

	var res *DispatchResult
	var err error
	switch req.Decision.Backend {
	case domain.BackendLocal:
		res, err = d.dispatchLocal(ctx, req)
	case domain.BackendHybrid, domain.BackendCloud:
		res, err = d.dispatchCloud(ctx, req)
	default:
		err = fmt.Errorf("%w: unknown backend %q", domain.ErrInvalidConfig, req.Decision.Backend)
	}
	if err != nil {
		metrics.DispatchFailures.Inc()
		d.events.Emit(bus.Event{Type: bus.EventDispatchFailed, Source: "dispatch", Payload: map[string]any{
			"persona": req.Persona, "backend": backend, "error": err.Error(),
		}})
		return nil, err
	}

	res.Latency = time.Since(start)
	metrics.DispatchOK(backend).Inc()
	metrics.DispatchLatency(backend).Observe(res.Latency.Seconds())
	d.account(ctx, req, res)

	d.events.Emit(bus.Event{Type: bus.EventDispatchComplete, Source: "dispatch", Payload: map[string]any{
		"persona": req.Persona, "backend": backend, "latency_ms": res.Latency.Milliseconds(), "attempts": res.Attempts,
	}})
	return res, nil
}

func (d *Dispatcher) dispatchLocal(ctx context.Context, req DispatchRequest) (*DispatchResult, error) {
	if d.local == nil {
		return nil, &domain.InferenceError{
			Model:       req.Model,
			Remediation: "configure a local model in general.localModel",
			Err:         domain.ErrInferenceUnavailable,
		}
	}
	if !d.local.IsAvailable(ctx) {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &domain.InferenceError{
			Model:       req.Model,
			Remediation: d.remediate(domain.ErrInferenceUnavailable, req.Model),
			Err:         domain.ErrInferenceUnavailable,
		}
	}

	// Activation loads weights in the background; a generate that races it
	// fails transiently and is retried below.
	if err := d.local.ActivateModel(ctx, req.Model); err != nil {
		d.logger.Debug("model activation did not complete", "model", req.Model, "error", err)
	}

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= d.retries; attempt++ {
		if attempt > 0 {
			wait := d.backoffFor(attempt)
			metrics.LocalRetries.Inc()
			d.events.Emit(bus.Event{Type: bus.EventDispatchRetry, Source: "dispatch", Payload: map[string]any{
				"persona": req.Persona, "model": req.Model, "attempt": attempt + 1, "backoff_ms": wait.Milliseconds(),
			}})
			d.logger.Warn("retrying local inference", "model", req.Model, "attempt", attempt+1, "backoff", wait, "error", lastErr)
			if err := d.sleep(ctx, wait); err != nil {
				return nil, err
			}
		}
		attempts++
		text, err := d.local.Generate(ctx, req.Prompt, req.Model)
		if err == nil {
			text = redact.Rehydrate(text, req.Mapping)
			if req.OnPartial != nil {
				req.OnPartial(text)
			}
			return &DispatchResult{Text: text, Attempts: attempts}, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
	}

	return nil, &domain.InferenceError{
		Model:       req.Model,
		Remediation: d.remediate(lastErr, req.Model),
		Err:         fmt.Errorf("%w (%d attempts): %w", domain.ErrInferenceExhausted, attempts, lastErr),
	}
}

// backoffFor doubles from the base delay and stops at the ceiling.
func (d *Dispatcher) backoffFor(attempt int) time.Duration {
	wait := d.backoff
	for i := 1; i < attempt; i++ {
		wait *= 2
		if wait >= d.backoffMax {
			return d.backoffMax
		}
	}
	return wait
}

func (d *Dispatcher) dispatchCloud(ctx context.Context, req DispatchRequest) (*DispatchResult, error) {
	if d.cloud == nil {
		return nil, fmt.Errorf("%w: no cloud provider configured", domain.ErrNetwork)
	}
	p, err := d.cloud.CloudFor(req.Model)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrNetwork, err)
	}

	out := make(chan domain.StreamEvent, 16)
	errc := make(chan error, 1)
	go func() {
		errc <- p.ChatStream(ctx, domain.ChatRequest{
			Messages:  req.Messages,
			Model:     req.Model,
			MaxTokens: d.maxTokens,
		}, out)
	}()

	var buf strings.Builder
	var usage *domain.Usage
	var streamErr string
	for ev := range out {
		switch ev.Type {
		case domain.StreamToken:
			buf.WriteString(ev.Content)
			// Placeholders can straddle chunks, so the whole buffer is
			// rehydrated every time.
			if req.OnPartial != nil && ctx.Err() == nil {
				req.OnPartial(redact.Rehydrate(buf.String(), req.Mapping))
			}
		case domain.StreamDone:
			usage = ev.Usage
		case domain.StreamError:
			streamErr = ev.Content
		}
	}
	err = <-errc
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err == nil && streamErr != "" {
		err = errors.New(streamErr)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", domain.ErrNetwork, p.Name(), err)
	}
	return &DispatchResult{
		Text:     redact.Rehydrate(buf.String(), req.Mapping),
		Usage:    usage,
		Attempts: 1,
	}, nil
}

// account persists usage and forwards the original exchange to the trusted
// memory store. Failures here never fail the dispatch.
func (d *Dispatcher) account(ctx context.Context, req DispatchRequest, res *DispatchResult) {
	ctx = context.WithoutCancel(ctx)
	if d.usage != nil {
		rec := domain.UsageRecord{
			ConversationID: req.ConversationID,
			Persona:        req.Persona,
			Model:          req.Model,
			Backend:        req.Decision.Backend,
			LatencyMs:      res.Latency.Milliseconds(),
		}
		if res.Usage != nil {
			rec.Usage = *res.Usage
		}
		if err := d.usage.RecordUsage(ctx, rec); err != nil {
			d.logger.Warn("usage accounting failed", "error", err)
		}
	}
	if d.memory != nil && req.Exchange.User != "" {
		ex := req.Exchange
		ex.Assistant = res.Text
		if err := d.memory.Store(ctx, ex); err != nil {
			d.logger.Warn("memory store failed", "error", err)
		}
	}
}
