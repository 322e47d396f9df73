package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"privroute/internal/bus"
	"privroute/internal/domain"
	"privroute/internal/metrics"
	"privroute/internal/redact"
)

// PipelineState is the per-conversation review state machine:
//
//	idle -> processing -> pending_review | dispatched
//	pending_review -> dispatched (approved) | idle (cancelled)
type PipelineState string

const (
	StateIdle          PipelineState = "idle"
	StateProcessing    PipelineState = "processing"
	StatePendingReview PipelineState = "pending_review"
	StateDispatched    PipelineState = "dispatched"
)

// PendingReview is a message held for operator approval. Nothing about it
// has touched the network.
type PendingReview struct {
	ID        string
	Original  string
	Proposed  string
	Decision  domain.PrivacyDecision
	Persona   string
	Model     string
	Status    domain.PrivacyStatus
	Mapping   *redact.Mapping
	CreatedAt time.Time
}

// Approval is the operator's answer to a pending review. Inclusion flags are
// applied at dispatch time only.
type Approval struct {
	EditedPrompt       string
	IncludeHistory     bool
	IncludeAttachments bool
}

type reviewOutcome struct {
	approval  Approval
	cancelled bool
}

// ReviewGate holds at most one pending review.
type ReviewGate struct {
	mu      sync.Mutex
	state   PipelineState
	pending *PendingReview
	resolve chan reviewOutcome
	audit   domain.AuditLogger
	events  *bus.EventBus
	logger  *slog.Logger
}

type ReviewGateConfig struct {
	Audit  domain.AuditLogger
	Events *bus.EventBus
	Logger *slog.Logger
}

func NewReviewGate(cfg ReviewGateConfig) *ReviewGate {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &ReviewGate{
		state:  StateIdle,
		audit:  cfg.Audit,
		events: cfg.Events,
		logger: cfg.Logger,
	}
}

func (g *ReviewGate) State() PipelineState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Pending returns a copy of the held review.
func (g *ReviewGate) Pending() (PendingReview, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending == nil {
		return PendingReview{}, false
	}
	return *g.pending, true
}

func (g *ReviewGate) setState(s PipelineState) {
	g.mu.Lock()
	g.state = s
	g.mu.Unlock()
}

// Submit parks p until Approve, Cancel or ctx ends. A second Submit while a
// review is held fails with ErrReviewPending and leaves the first intact.
func (g *ReviewGate) Submit(ctx context.Context, p PendingReview) (Approval, error) {
	g.mu.Lock()
	if g.pending != nil {
		g.mu.Unlock()
		return Approval{}, domain.ErrReviewPending
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	resolve := make(chan reviewOutcome, 1)
	g.pending = &p
	g.resolve = resolve
	g.state = StatePendingReview
	g.mu.Unlock()

	metrics.PendingReviews.Inc()
	defer metrics.PendingReviews.Dec()

	g.events.Emit(bus.Event{Type: bus.EventReviewPending, Source: "review", Payload: map[string]any{
		"id":           p.ID,
		"persona":      p.Persona,
		"model":        p.Model,
		"backend":      string(p.Decision.Backend),
		"content_mode": string(p.Decision.ContentMode),
		"proposed":     p.Proposed,
		"degraded":     p.Status.DetectorDegraded,
	}})

	select {
	case out := <-resolve:
		if out.cancelled {
			g.record(ctx, p, "review_cancelled", "cancelled", "")
			metrics.ReviewsCancelled.Inc()
			g.events.Emit(bus.Event{Type: bus.EventReviewCancelled, Source: "review", Payload: map[string]any{"id": p.ID, "persona": p.Persona}})
			return Approval{}, domain.ErrReviewCancelled
		}
		details := ""
		if out.approval.EditedPrompt != "" && out.approval.EditedPrompt != p.Proposed {
			details = "edited"
		}
		g.record(ctx, p, "review_approved", "approved", details)
		metrics.ReviewsApproved.Inc()
		g.events.Emit(bus.Event{Type: bus.EventReviewApproved, Source: "review", Payload: map[string]any{"id": p.ID, "persona": p.Persona, "edited": details != ""}})
		return out.approval, nil
	case <-ctx.Done():
		g.clear(StateIdle)
		g.logger.Info("review abandoned", "review_id", p.ID, "persona", p.Persona)
		return Approval{}, ctx.Err()
	}
}

// Approve releases the held review for dispatch.
func (g *ReviewGate) Approve(a Approval) error {
	return g.finish(reviewOutcome{approval: a}, StateDispatched)
}

// Cancel discards the held review. No network call is made for it.
func (g *ReviewGate) Cancel() error {
	return g.finish(reviewOutcome{cancelled: true}, StateIdle)
}

func (g *ReviewGate) finish(out reviewOutcome, next PipelineState) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending == nil {
		return domain.ErrNoPendingReview
	}
	g.resolve <- out
	g.pending = nil
	g.resolve = nil
	g.state = next
	return nil
}

func (g *ReviewGate) clear(next PipelineState) {
	g.mu.Lock()
	g.pending = nil
	g.resolve = nil
	g.state = next
	g.mu.Unlock()
}

func (g *ReviewGate) record(ctx context.Context, p PendingReview, action, result, details string) {
	g.logger.Info("review resolved", "review_id", p.ID, "persona", p.Persona, "result", result)
	if g.audit == nil {
		return
	}
	// The audit entry outlives a cancelled request context.
	err := g.audit.LogAudit(context.WithoutCancel(ctx), domain.AuditEntry{
		Action:  action,
		Persona: p.Persona,
		Backend: string(p.Decision.Backend),
		Result:  result,
		Details: details,
	})
	if err != nil {
		g.logger.Warn("audit write failed", "action", action, "error", err)
	}
}
