package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"privroute/internal/attributes"
	"privroute/internal/bus"
	"privroute/internal/domain"
	"privroute/internal/metrics"
	"privroute/internal/redact"
)

// PersonaSource resolves validated personas by name.
type PersonaSource interface {
	Get(name string) (domain.Persona, error)
}

// ModelSource resolves configured model ids.
type ModelSource interface {
	ModelInfo(id string) (domain.ModelInfo, error)
}

// Reply is the outcome for one recipient persona.
type Reply struct {
	Persona  string
	Model    string
	Text     string
	Decision domain.PrivacyDecision
	Status   domain.PrivacyStatus
	Approval domain.ApprovalStatus
	Usage    *domain.Usage
	// Err is a PolicyError, InferenceError, ErrNetwork or ErrReviewCancelled
	// for this persona. Other personas of the same message still run.
	Err error
}

// Orchestrator owns the pipeline of one conversation. At most one message
// is in flight; fan-out to several personas runs strictly in order.
type Orchestrator struct {
	convID       string
	personas     PersonaSource
	models       ModelSource
	defaultModel string
	localModel   string
	review       bool

	router     *Router
	redactor   *redact.Engine
	extractor  domain.AttributeExtractor
	dispatcher *Dispatcher
	sessions   *SessionManager
	memory     domain.MemoryStore
	gate       *ReviewGate
	summarizer *Summarizer
	events     *bus.EventBus
	logger     *slog.Logger

	memoryLimit  int
	summaryEvery int
	localTurns   int
	localBudget  int
	cloudHistory int

	busy     *semaphore.Weighted
	inFlight atomic.Bool

	mu          sync.Mutex
	mode        domain.Backend
	active      string
	status      *domain.PrivacyStatus
	cancel      context.CancelFunc
	turns       int
	attachments []domain.Attachment
}

type OrchestratorConfig struct {
	ConversationID string
	Personas       PersonaSource
	Models         ModelSource
	Mode           domain.Backend
	ActivePersona  string
	DefaultModel   string
	LocalModel     string
	ReviewEnabled  bool

	Router     *Router
	Redactor   *redact.Engine
	Extractor  domain.AttributeExtractor // nil when attribute extraction is off
	Dispatcher *Dispatcher
	Sessions   *SessionManager
	Memory     domain.MemoryStore // nil disables memory context
	Gate       *ReviewGate
	Summarizer *Summarizer
	Events     *bus.EventBus
	Logger     *slog.Logger

	MemorySearchLimit int
	SummaryEvery      int
	LocalHistoryTurns int
	LocalCharBudget   int
	CloudHistoryLimit int
}

func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Personas == nil || cfg.Models == nil || cfg.Dispatcher == nil {
		return nil, fmt.Errorf("%w: orchestrator needs personas, models and a dispatcher", domain.ErrInvalidConfig)
	}
	if _, err := domain.ParseBackend(string(cfg.Mode)); err != nil {
		return nil, err
	}
	if _, err := cfg.Personas.Get(cfg.ActivePersona); err != nil {
		return nil, err
	}
	if cfg.Router == nil {
		cfg.Router = NewRouter(cfg.Logger)
	}
	if cfg.Redactor == nil {
		cfg.Redactor = redact.NewEngine(redact.EngineConfig{Logger: cfg.Logger})
	}
	if cfg.Gate == nil {
		cfg.Gate = NewReviewGate(ReviewGateConfig{Events: cfg.Events, Logger: cfg.Logger})
	}
	if cfg.Sessions == nil {
		cfg.Sessions = NewSessionManager(nil, cfg.Logger)
	}
	if cfg.ConversationID == "" {
		cfg.ConversationID = "default"
	}
	if cfg.MemorySearchLimit <= 0 {
		cfg.MemorySearchLimit = 3
	}
	return &Orchestrator{
		convID:       cfg.ConversationID,
		personas:     cfg.Personas,
		models:       cfg.Models,
		defaultModel: cfg.DefaultModel,
		localModel:   cfg.LocalModel,
		review:       cfg.ReviewEnabled,
		router:       cfg.Router,
		redactor:     cfg.Redactor,
		extractor:    cfg.Extractor,
		dispatcher:   cfg.Dispatcher,
		sessions:     cfg.Sessions,
		memory:       cfg.Memory,
		gate:         cfg.Gate,
		summarizer:   cfg.Summarizer,
		events:       cfg.Events,
		logger:       cfg.Logger.With("conversation", cfg.ConversationID),
		memoryLimit:  cfg.MemorySearchLimit,
		summaryEvery: cfg.SummaryEvery,
		localTurns:   cfg.LocalHistoryTurns,
		localBudget:  cfg.LocalCharBudget,
		cloudHistory: cfg.CloudHistoryLimit,
		busy:         semaphore.NewWeighted(1),
		mode:         cfg.Mode,
		active:       cfg.ActivePersona,
	}, nil
}

func (o *Orchestrator) ConversationID() string { return o.convID }

// Gate exposes the review gate so a front end can approve or cancel.
func (o *Orchestrator) Gate() *ReviewGate { return o.gate }

func (o *Orchestrator) Mode() domain.Backend {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.mode
}

// SetMode switches the global privacy mode for later messages.
func (o *Orchestrator) SetMode(s string) error {
	b, err := domain.ParseBackend(s)
	if err != nil {
		return err
	}
	o.mu.Lock()
	o.mode = b
	o.mu.Unlock()
	o.logger.Info("privacy mode changed", "mode", b)
	return nil
}

func (o *Orchestrator) ActivePersona() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active
}

func (o *Orchestrator) SetActivePersona(name string) error {
	p, err := o.personas.Get(name)
	if err != nil {
		return err
	}
	o.mu.Lock()
	o.active = p.Name
	o.mu.Unlock()
	return nil
}

// Attach adds a document to the conversation context.
func (o *Orchestrator) Attach(a domain.Attachment) {
	o.mu.Lock()
	o.attachments = append(o.attachments, a)
	o.mu.Unlock()
}

func (o *Orchestrator) Attachments() []domain.Attachment {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]domain.Attachment(nil), o.attachments...)
}

// Status returns the privacy status of the message in flight, if any.
func (o *Orchestrator) Status() (domain.PrivacyStatus, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.status == nil {
		return domain.PrivacyStatus{}, false
	}
	return *o.status, true
}

// Busy reports whether a message is being processed.
func (o *Orchestrator) Busy() bool { return o.inFlight.Load() }

// Cancel stops the message in flight. A pending review is discarded without
// any network call; a running stream is abandoned and its partial output
// cleared.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	cancel := o.cancel
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Send processes one operator message. @mentions of known personas fan the
// message out to each of them in order; otherwise the active persona gets it.
func (o *Orchestrator) Send(ctx context.Context, text string) ([]Reply, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("empty message")
	}
	if !o.busy.TryAcquire(1) {
		return nil, domain.ErrBusy
	}
	defer o.busy.Release(1)
	o.inFlight.Store(true)
	defer o.inFlight.Store(false)

	ctx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.cancel = cancel
	o.mu.Unlock()
	defer func() {
		cancel()
		o.mu.Lock()
		o.cancel = nil
		o.status = nil
		o.mu.Unlock()
		o.gate.setState(StateIdle)
	}()

	metrics.MessagesTotal.Inc()
	names, body := ParseMentions(text, func(name string) bool {
		_, err := o.personas.Get(name)
		return err == nil
	})
	if len(names) == 0 {
		names = []string{o.ActivePersona()}
	}
	if strings.TrimSpace(body) == "" {
		return nil, errors.New("message has no content besides mentions")
	}

	if err := o.sessions.Ensure(ctx, o.convID, body); err != nil {
		return nil, fmt.Errorf("open conversation: %w", err)
	}
	history, err := o.sessions.History(ctx, o.convID, o.historyLimit())
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	if _, err := o.sessions.Save(ctx, o.convID, domain.Message{
		Role:    domain.RoleUser,
		Content: body,
		Persona: strings.Join(names, ","),
	}); err != nil {
		return nil, fmt.Errorf("save message: %w", err)
	}
	o.events.Emit(bus.Event{Type: bus.EventMessageReceived, Source: "orchestrator", Payload: map[string]any{
		"personas": names, "conversation": o.convID,
	}})

	replies := make([]Reply, 0, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return replies, err
		}
		reply := o.process(ctx, name, body, history)
		replies = append(replies, reply)
		if ctx.Err() != nil {
			o.events.Emit(bus.Event{Type: bus.EventStreamReset, Source: "orchestrator"})
			return replies, ctx.Err()
		}
	}
	return replies, nil
}

func (o *Orchestrator) historyLimit() int {
	if o.cloudHistory > 0 {
		return o.cloudHistory
	}
	return defaultCloudHistoryLimit
}

// process runs the full cycle for one persona, including any review.
func (o *Orchestrator) process(ctx context.Context, name, text string, history []domain.Message) Reply {
	reply := Reply{Persona: name}
	o.gate.setState(StateProcessing)

	persona, err := o.personas.Get(name)
	if err != nil {
		reply.Err = err
		return reply
	}
	modelID := persona.Model
	if modelID == "" {
		modelID = o.defaultModel
	}
	model, err := o.models.ModelInfo(modelID)
	if err != nil {
		reply.Err = err
		return reply
	}

	mode := o.Mode()
	caps := domain.Capabilities{
		DetectorAvailable:    o.redactor.DetectorAvailable(),
		AttributesAvailable:  o.extractor != nil,
		LocalModelConfigured: o.localModel != "" || model.OnDeviceOnly,
		LocalModel:           o.localModel,
	}
	decision := o.router.Decide(persona, mode, model, caps)
	reply.Decision = decision

	target := model.ID
	if decision.Backend == domain.BackendLocal && !model.OnDeviceOnly {
		target = o.localModel
	}
	reply.Model = target

	status := domain.PrivacyStatus{
		Mode:        decision.Backend,
		ContentMode: decision.ContentMode,
		Label:       statusLabel(decision),
		Explanation: explanation(decision),
		Persona:     persona.Name,
	}
	o.publishStatus(status)

	if !decision.IsSafe {
		return o.block(ctx, reply, status, decision.Reason)
	}

	req := DispatchRequest{
		ConversationID: o.convID,
		Persona:        persona.Name,
		Model:          target,
		Decision:       decision,
		Exchange:       domain.Exchange{ConversationID: o.convID, Persona: persona.Name, User: text},
	}

	var proposed string
	var categories []string
	switch {
	case decision.Backend == domain.BackendLocal:
		req.Prompt = LocalPrompt(persona, history, text, o.localTurns, o.localBudget)

	case decision.ContentMode == domain.ContentAttributesOnly:
		attrs := o.extract(ctx, text)
		status.AttributeCount = attributes.CountPresent(attrs)
		proposed = attributes.ToSafePrompt(attrs, persona.SafeQuestion)

	case decision.Anonymize:
		req.Mapping = redact.NewMapping()
		res := o.redactor.RedactInto(ctx, text, req.Mapping)
		status.DetectedCount = res.DetectedCount
		status.CustomTermCount = res.CustomCount
		categories = res.Categories
		metrics.RedactionsTotal.Add(int64(res.DetectedCount))
		metrics.CustomTermsTotal.Add(int64(res.CustomCount))
		if res.DetectorErr != nil {
			metrics.DetectorFailures.Inc()
			if decision.Required {
				return o.block(ctx, reply, status, "persona "+persona.Name+" requires anonymization but entity detection failed")
			}
			status.DetectorDegraded = true
			o.logger.Warn("entity detection unavailable, sending with custom-term redaction only", "persona", persona.Name)
		}
		proposed = res.Sanitized

	default:
		proposed = text
	}
	o.publishStatus(status)
	reply.Status = status

	approval := Approval{IncludeHistory: true, IncludeAttachments: true}
	reply.Approval = domain.ApprovalNone
	if decision.NeedsReview() && decision.Backend != domain.BackendLocal {
		if o.review && !persona.SkipReview {
			a, err := o.gate.Submit(ctx, PendingReview{
				Original: text,
				Proposed: proposed,
				Decision: decision,
				Persona:  persona.Name,
				Model:    target,
				Status:   status,
				Mapping:  req.Mapping,
			})
			if err != nil {
				reply.Err = err
				reply.Approval = domain.ApprovalCancelled
				o.gate.setState(StateIdle)
				return reply
			}
			approval = a
			reply.Approval = domain.ApprovalApproved
			if a.EditedPrompt != "" {
				proposed = a.EditedPrompt
			}
		} else {
			reply.Approval = domain.ApprovalSkipped
		}
	}
	o.gate.setState(StateDispatched)

	if decision.Backend != domain.BackendLocal {
		msgs, dropped := o.cloudMessages(ctx, persona, decision, proposed, text, history, approval, req.Mapping)
		if dropped > 0 {
			metrics.DetectorFailures.Inc()
			if decision.Required {
				return o.block(ctx, reply, status, "persona "+persona.Name+" requires anonymization but entity detection failed on conversation context")
			}
			status.DetectorDegraded = true
			reply.Status = status
			o.publishStatus(status)
			o.logger.Warn("entity detection failed on context, sending without it", "persona", persona.Name, "dropped", dropped)
		}
		req.Messages = msgs
	}
	req.OnPartial = func(partial string) {
		o.events.Emit(bus.Event{Type: bus.EventStreamPartial, Source: "orchestrator", Payload: map[string]any{
			"persona": persona.Name, "text": partial,
		}})
	}

	res, err := o.dispatcher.Dispatch(ctx, req)
	if err != nil {
		o.events.Emit(bus.Event{Type: bus.EventStreamReset, Source: "orchestrator", Payload: map[string]any{"persona": persona.Name}})
		o.logger.Warn("dispatch failed", "persona", persona.Name, "backend", decision.Backend, "error", err)
		reply.Err = err
		return reply
	}
	reply.Text = res.Text
	reply.Usage = res.Usage

	if _, err := o.sessions.Save(ctx, o.convID, domain.Message{
		Role:    domain.RoleAssistant,
		Content: res.Text,
		Persona: persona.Name,
		Privacy: &domain.PrivacyAnnotation{
			Level:      decision.Backend,
			Categories: categories,
			Approval:   reply.Approval,
		},
	}); err != nil {
		o.logger.Warn("cannot save reply", "persona", persona.Name, "error", err)
	}
	o.afterTurn(ctx)
	return reply
}

// cloudMessages assembles the egress payload. Under anonymization every
// piece of auxiliary context is redacted into the message's own mapping, and
// a piece the detector failed on is left out; dropped counts those pieces.
// Attributes-only sends the safe prompt alone.
func (o *Orchestrator) cloudMessages(ctx context.Context, persona domain.Persona, decision domain.PrivacyDecision, prompt, original string, history []domain.Message, approval Approval, m *redact.Mapping) (msgs []domain.ChatMessage, dropped int) {
	cc := CloudContext{SystemPrompt: persona.SystemPrompt, Prompt: prompt}
	if decision.ContentMode == domain.ContentAttributesOnly {
		return CloudMessages(cc, o.cloudHistory), 0
	}

	scrub := func(s string) (string, bool) {
		if !decision.Anonymize {
			return s, true
		}
		res := o.redactor.RedactInto(ctx, s, m)
		if res.DetectorErr != nil {
			dropped++
			return "", false
		}
		return res.Sanitized, true
	}

	if approval.IncludeHistory {
		for _, h := range history {
			content, ok := scrub(h.Content)
			if !ok {
				continue
			}
			h.Content = content
			cc.History = append(cc.History, h)
		}
		for _, mem := range o.recall(ctx, original) {
			if content, ok := scrub(mem); ok {
				cc.Memories = append(cc.Memories, content)
			}
		}
	}
	if approval.IncludeAttachments {
		for _, a := range o.Attachments() {
			content, ok := scrub(a.Content)
			if !ok {
				continue
			}
			a.Content = content
			cc.Attachments = append(cc.Attachments, a)
		}
	}
	return CloudMessages(cc, o.cloudHistory), dropped
}

func (o *Orchestrator) recall(ctx context.Context, query string) []string {
	if o.memory == nil {
		return nil
	}
	entries, err := o.memory.Search(ctx, query, o.memoryLimit)
	if err != nil {
		o.logger.Warn("memory search failed", "error", err)
		return nil
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Content)
	}
	return out
}

func (o *Orchestrator) extract(ctx context.Context, text string) domain.AttributeSet {
	if o.extractor == nil {
		return nil
	}
	attrs, err := o.extractor.Extract(ctx, text)
	if err != nil {
		o.logger.Warn("attribute extraction failed, sending no attributes", "error", err)
		return nil
	}
	return attrs
}

// block records a policy refusal. The explanation replaces the response.
func (o *Orchestrator) block(ctx context.Context, reply Reply, status domain.PrivacyStatus, why string) Reply {
	status.ContentMode = domain.ContentBlocked
	status.Label = "Blocked"
	status.Explanation = why
	o.publishStatus(status)
	reply.Status = status
	reply.Decision.IsSafe = false
	reply.Decision.ContentMode = domain.ContentBlocked
	reply.Text = "Not sent: " + why
	reply.Err = &domain.PolicyError{Persona: reply.Persona, Explanation: why}

	metrics.PolicyBlocks.Inc()
	o.events.Emit(bus.Event{Type: bus.EventPolicyBlocked, Source: "orchestrator", Payload: map[string]any{
		"persona": reply.Persona, "reason": why,
	}})
	o.logger.Warn("message blocked by policy", "persona", reply.Persona, "reason", why)

	if o.gate.audit != nil {
		if err := o.gate.audit.LogAudit(context.WithoutCancel(ctx), domain.AuditEntry{
			Action:  "policy_blocked",
			Persona: reply.Persona,
			Backend: string(reply.Decision.Backend),
			Result:  "blocked",
			Details: why,
		}); err != nil {
			o.logger.Warn("audit write failed", "error", err)
		}
	}
	if _, err := o.sessions.Save(ctx, o.convID, domain.Message{
		Role:    domain.RoleAssistant,
		Content: reply.Text,
		Persona: reply.Persona,
		Privacy: &domain.PrivacyAnnotation{Level: reply.Decision.Backend, Blocked: true},
	}); err != nil {
		o.logger.Warn("cannot save policy notice", "error", err)
	}
	o.gate.setState(StateIdle)
	return reply
}

func (o *Orchestrator) publishStatus(s domain.PrivacyStatus) {
	o.mu.Lock()
	o.status = &s
	o.mu.Unlock()
	o.events.Emit(bus.Event{Type: bus.EventPrivacyStatus, Source: "orchestrator", Payload: map[string]any{"status": s}})
}

// afterTurn triggers the summary side channel every summaryEvery replies.
func (o *Orchestrator) afterTurn(ctx context.Context) {
	o.mu.Lock()
	o.turns++
	due := o.summaryEvery > 0 && o.turns%o.summaryEvery == 0
	docs := append([]domain.Attachment(nil), o.attachments...)
	o.mu.Unlock()
	if due {
		o.summarizer.Trigger(ctx, o.convID, docs)
	}
}

func statusLabel(d domain.PrivacyDecision) string {
	switch {
	case !d.IsSafe:
		return "Blocked"
	case d.ContentMode == domain.ContentAttributesOnly:
		return "Attributes only"
	case d.Backend == domain.BackendLocal:
		return "On-device"
	case d.Backend == domain.BackendHybrid:
		return "Anonymized cloud"
	}
	return "Cloud"
}

func explanation(d domain.PrivacyDecision) string {
	if d.FallbackNote == "" {
		return d.Reason
	}
	return d.Reason + " (" + d.FallbackNote + ")"
}
