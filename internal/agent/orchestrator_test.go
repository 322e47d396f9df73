package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"privroute/internal/attributes"
	"privroute/internal/bus"
	"privroute/internal/domain"
	"privroute/internal/memory"
	"privroute/internal/redact"
)

var testPersonas = fakePersonas{
	"assistant": {Name: "assistant", SystemPrompt: "You are helpful.", Model: "gpt-4o"},
	"lawyer":    {Name: "lawyer", SystemPrompt: "You are a lawyer.", Model: "gpt-4o", RequireAnonymization: true},
	"advisor": {
		Name: "advisor", SystemPrompt: "You are a financial advisor.", Model: "gpt-4o",
		PrivacyFirst: true, ContentMode: domain.ContentAttributesOnly, SafeQuestion: "What should they consider?",
	},
	"device": {Name: "device", Model: "llama3.2:3b"},
}

var testModels = fakeModels{
	"gpt-4o":      {ID: "gpt-4o", Provider: "openai"},
	"llama3.2:3b": {ID: "llama3.2:3b", Provider: "ollama", OnDeviceOnly: true},
}

type fakeExtractor struct {
	attrs domain.AttributeSet
	err   error
}

func (f fakeExtractor) Extract(ctx context.Context, text string) (domain.AttributeSet, error) {
	return f.attrs, f.err
}

type harnessOptions struct {
	mode       domain.Backend
	review     bool
	localModel string
	detector   *fakeDetector
	extractor  domain.AttributeExtractor
}

type harness struct {
	orch   *Orchestrator
	cloud  *fakeCloud
	local  *fakeLocal
	store  *memory.SQLiteStore
	events *bus.EventBus

	mu       sync.Mutex
	statuses []domain.PrivacyStatus
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	h := &harness{
		cloud:  &fakeCloud{chunks: []string{"cloud answer"}},
		local:  &fakeLocal{available: true, reply: "local answer"},
		store:  newTestStore(t),
		events: bus.NewEventBus(testLogger()),
	}
	h.events.On(bus.EventPrivacyStatus, func(e bus.Event) {
		h.mu.Lock()
		h.statuses = append(h.statuses, e.Payload["status"].(domain.PrivacyStatus))
		h.mu.Unlock()
	})

	engineCfg := redact.EngineConfig{Terms: h.store, Logger: testLogger()}
	if opts.detector != nil {
		engineCfg.Detector = opts.detector
	}
	if opts.mode == "" {
		opts.mode = domain.BackendCloud
	}

	orch, err := NewOrchestrator(OrchestratorConfig{
		ConversationID: "conv-1",
		Personas:       testPersonas,
		Models:         testModels,
		Mode:           opts.mode,
		ActivePersona:  "assistant",
		DefaultModel:   "gpt-4o",
		LocalModel:     opts.localModel,
		ReviewEnabled:  opts.review,
		Redactor:       redact.NewEngine(engineCfg),
		Extractor:      opts.extractor,
		Dispatcher: NewDispatcher(DispatcherConfig{
			Local:   h.local,
			Cloud:   h.cloud,
			Usage:   h.store,
			Memory:  h.store,
			Retries: -1,
			Sleep:   (&fakeSleep{}).sleep,
			Events:  h.events,
			Logger:  testLogger(),
		}),
		Sessions: NewSessionManager(h.store, testLogger()),
		Memory:   h.store,
		Gate:     NewReviewGate(ReviewGateConfig{Audit: h.store, Events: h.events, Logger: testLogger()}),
		Events:   h.events,
		Logger:   testLogger(),
	})
	require.NoError(t, err)
	h.orch = orch
	return h
}

func (h *harness) lastStatus() domain.PrivacyStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.statuses[len(h.statuses)-1]
}

// egress joins every message content of every cloud request.
func (h *harness) egress() string {
	var b strings.Builder
	for _, req := range h.cloud.calls() {
		for _, m := range req.Messages {
			b.WriteString(m.Content)
			b.WriteString("\n")
		}
	}
	return b.String()
}

type sendResult struct {
	replies []Reply
	err     error
}

func sendAsync(h *harness, text string) <-chan sendResult {
	done := make(chan sendResult, 1)
	go func() {
		r, err := h.orch.Send(context.Background(), text)
		done <- sendResult{r, err}
	}()
	return done
}

func waitPending(t *testing.T, h *harness) PendingReview {
	t.Helper()
	require.Eventually(t, func() bool {
		_, ok := h.orch.Gate().Pending()
		return ok
	}, 2*time.Second, time.Millisecond)
	p, _ := h.orch.Gate().Pending()
	return p
}

func bsnDetector() *fakeDetector {
	return &fakeDetector{spans: map[string]string{"123456789": "BSN", "Jan Jansen": "PERSON"}}
}

func TestOrchestrator_BSNNeverLeavesDevice(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOptions{mode: domain.BackendCloud, detector: bsnDetector()})
	h.cloud.chunks = []string{"Your BSN [PII_", "BSN] is noted."}

	replies, err := h.orch.Send(ctx, "@lawyer My BSN is 123456789")
	require.NoError(t, err)
	require.Len(t, replies, 1)
	r := replies[0]
	require.NoError(t, r.Err)
	assert.Equal(t, domain.BackendHybrid, r.Decision.Backend)
	assert.True(t, r.Decision.Required)
	assert.Equal(t, "Your BSN 123456789 is noted.", r.Text)
	assert.Equal(t, 1, h.lastStatus().DetectedCount)

	// A follow-up carries the earlier turn and the stored memory, both scrubbed.
	_, err = h.orch.Send(ctx, "@lawyer was it really noted?")
	require.NoError(t, err)

	require.Len(t, h.cloud.calls(), 2)
	out := h.egress()
	assert.Contains(t, out, "[PII_BSN]")
	assert.NotContains(t, out, "123456789")
	assert.Contains(t, out, "## Relevant memories")

	msgs, err := h.store.GetMessages(ctx, "conv-1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	assert.Equal(t, "My BSN is 123456789", msgs[0].Content)
	assert.Equal(t, "Your BSN 123456789 is noted.", msgs[1].Content)
	assert.Contains(t, msgs[1].Privacy, `"level":"hybrid"`)
	assert.Contains(t, msgs[1].Privacy, "BSN")

	mems, err := h.store.GetRecentMemories(ctx, 10)
	require.NoError(t, err)
	var original bool
	for _, m := range mems {
		if strings.Contains(m.Content, "User: My BSN is 123456789") {
			original = true
		}
	}
	assert.True(t, original, "memory store receives the original exchange")
}

func TestOrchestrator_FanOutInOrder(t *testing.T) {
	h := newHarness(t, harnessOptions{mode: domain.BackendCloud})

	replies, err := h.orch.Send(context.Background(), "@assistant @device hello there")
	require.NoError(t, err)
	require.Len(t, replies, 2)

	assert.Equal(t, "assistant", replies[0].Persona)
	assert.Equal(t, "cloud answer", replies[0].Text)
	assert.Equal(t, domain.BackendCloud, replies[0].Decision.Backend)

	assert.Equal(t, "device", replies[1].Persona)
	assert.Equal(t, "local answer", replies[1].Text)
	assert.Equal(t, domain.BackendLocal, replies[1].Decision.Backend)
	require.Equal(t, 1, h.local.calls())
	assert.Equal(t, "llama3.2:3b", h.local.models[0])
	assert.Contains(t, h.local.prompts[0], "User: hello there\nAssistant:")

	assert.Len(t, h.cloud.calls(), 1)
	assert.Equal(t, "hello there", h.cloud.calls()[0].Messages[1].Content)
}

func TestOrchestrator_LocalModeUsesConfiguredModel(t *testing.T) {
	h := newHarness(t, harnessOptions{mode: domain.BackendLocal, localModel: "qwen2.5:1.5b"})

	replies, err := h.orch.Send(context.Background(), "summarize my day")
	require.NoError(t, err)
	require.NoError(t, replies[0].Err)
	assert.Equal(t, "qwen2.5:1.5b", replies[0].Model)
	assert.Equal(t, []string{"qwen2.5:1.5b"}, h.local.models)
	assert.Empty(t, h.cloud.calls())
	assert.Equal(t, "On-device", replies[0].Status.Label)
}

func TestOrchestrator_LocalModeWithoutModelIsBlocked(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOptions{mode: domain.BackendLocal})

	replies, err := h.orch.Send(ctx, "hello")
	require.NoError(t, err)
	r := replies[0]
	assert.ErrorIs(t, r.Err, domain.ErrBlockedByPolicy)
	var pe *domain.PolicyError
	require.ErrorAs(t, r.Err, &pe)
	assert.Equal(t, "assistant", pe.Persona)
	assert.Equal(t, domain.ContentBlocked, r.Status.ContentMode)
	assert.Empty(t, h.cloud.calls())
	assert.Zero(t, h.local.calls())

	audit, err := h.store.AuditEntries(ctx, 10)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, "policy_blocked", audit[0].Action)

	msgs, err := h.store.GetMessages(ctx, "conv-1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[1].Privacy, `"blocked":true`)
}

func TestOrchestrator_RequiredAnonymizationDetectorFailureBlocks(t *testing.T) {
	det := &fakeDetector{err: errors.New("connection refused")}
	h := newHarness(t, harnessOptions{mode: domain.BackendCloud, detector: det})

	replies, err := h.orch.Send(context.Background(), "@lawyer My BSN is 123456789")
	require.NoError(t, err)
	assert.ErrorIs(t, replies[0].Err, domain.ErrBlockedByPolicy)
	assert.Empty(t, h.cloud.calls())
}

func TestOrchestrator_PreferredAnonymizationDegrades(t *testing.T) {
	det := &fakeDetector{err: errors.New("connection refused")}
	h := newHarness(t, harnessOptions{mode: domain.BackendHybrid, detector: det})

	replies, err := h.orch.Send(context.Background(), "hello")
	require.NoError(t, err)
	require.NoError(t, replies[0].Err)
	assert.True(t, replies[0].Status.DetectorDegraded)
	assert.Len(t, h.cloud.calls(), 1)
}

func TestOrchestrator_RequiredPersonaContextDetectorFailureBlocks(t *testing.T) {
	ctx := context.Background()
	det := bsnDetector()
	h := newHarness(t, harnessOptions{mode: domain.BackendCloud, detector: det})

	_, err := h.orch.Send(ctx, "@lawyer My BSN is 123456789")
	require.NoError(t, err)
	require.Len(t, h.cloud.calls(), 1)

	// The new prompt is redacted fine, the earlier turn is not.
	det.failAfter(1, errors.New("connection refused"))
	replies, err := h.orch.Send(ctx, "@lawyer was it really noted?")
	require.NoError(t, err)
	assert.ErrorIs(t, replies[0].Err, domain.ErrBlockedByPolicy)
	assert.Equal(t, domain.ContentBlocked, replies[0].Status.ContentMode)
	assert.Len(t, h.cloud.calls(), 1, "nothing more is sent")
	assert.NotContains(t, h.egress(), "123456789")
}

func TestOrchestrator_PreferredContextDetectorFailureDropsContext(t *testing.T) {
	ctx := context.Background()
	det := bsnDetector()
	h := newHarness(t, harnessOptions{mode: domain.BackendHybrid, detector: det})
	h.orch.Attach(domain.Attachment{Name: "id.txt", Content: "BSN 123456789"})

	_, err := h.orch.Send(ctx, "My BSN is 123456789")
	require.NoError(t, err)

	det.failAfter(1, errors.New("connection refused"))
	replies, err := h.orch.Send(ctx, "anything else?")
	require.NoError(t, err)
	require.NoError(t, replies[0].Err)
	assert.True(t, replies[0].Status.DetectorDegraded)
	assert.True(t, h.lastStatus().DetectorDegraded)

	calls := h.cloud.calls()
	require.Len(t, calls, 2)
	second := calls[1].Messages
	require.Len(t, second, 2, "only the system prompt and the new message")
	assert.Equal(t, "anything else?", second[1].Content)
	assert.NotContains(t, h.egress(), "123456789")
}

func TestOrchestrator_FanOutReviewsOneAtATime(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOptions{mode: domain.BackendHybrid, review: true, detector: bsnDetector()})

	var mu sync.Mutex
	var order []string
	h.events.Subscribe(func(e bus.Event) {
		mu.Lock()
		order = append(order, e.Type+":"+e.Payload["persona"].(string))
		mu.Unlock()
	}, bus.EventReviewPending, bus.EventDispatchComplete)
	seen := func(n int) func() bool {
		return func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(order) >= n
		}
	}

	done := sendAsync(h, "@assistant @lawyer My BSN is 123456789")
	first := waitPending(t, h)
	assert.Equal(t, "assistant", first.Persona)
	assert.Empty(t, h.cloud.calls(), "nothing is sent while the review is open")
	_, err := h.orch.Gate().Submit(ctx, PendingReview{Persona: "lawyer"})
	assert.ErrorIs(t, err, domain.ErrReviewPending)

	require.NoError(t, h.orch.Gate().Approve(Approval{IncludeHistory: true}))
	require.Eventually(t, seen(3), 2*time.Second, time.Millisecond)
	second := waitPending(t, h)
	assert.Equal(t, "lawyer", second.Persona)
	assert.Len(t, h.cloud.calls(), 1, "the first persona finished before the second review opened")

	require.NoError(t, h.orch.Gate().Approve(Approval{IncludeHistory: true}))
	res := <-done
	require.NoError(t, res.err)
	require.Len(t, res.replies, 2)
	assert.Len(t, h.cloud.calls(), 2)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		bus.EventReviewPending + ":assistant",
		bus.EventDispatchComplete + ":assistant",
		bus.EventReviewPending + ":lawyer",
		bus.EventDispatchComplete + ":lawyer",
	}, order)
}

func TestOrchestrator_ReviewCancelSendsNothing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOptions{mode: domain.BackendHybrid, review: true, detector: bsnDetector()})

	done := sendAsync(h, "My BSN is 123456789")
	p := waitPending(t, h)
	assert.Equal(t, "My BSN is [PII_BSN]", p.Proposed)
	assert.Equal(t, StatePendingReview, h.orch.Gate().State())
	assert.True(t, h.orch.Busy())

	_, err := h.orch.Send(ctx, "second message")
	assert.ErrorIs(t, err, domain.ErrBusy)

	require.NoError(t, h.orch.Gate().Cancel())
	res := <-done
	require.NoError(t, res.err)
	assert.ErrorIs(t, res.replies[0].Err, domain.ErrReviewCancelled)
	assert.Equal(t, domain.ApprovalCancelled, res.replies[0].Approval)
	assert.Empty(t, h.cloud.calls())
	assert.False(t, h.orch.Busy())
	assert.Equal(t, StateIdle, h.orch.Gate().State())

	audit, err := h.store.AuditEntries(ctx, 10)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, "review_cancelled", audit[0].Action)
}

func TestOrchestrator_CancelDuringReview(t *testing.T) {
	h := newHarness(t, harnessOptions{mode: domain.BackendHybrid, review: true, detector: bsnDetector()})

	done := sendAsync(h, "@assistant @lawyer My BSN is 123456789")
	waitPending(t, h)
	h.orch.Cancel()

	res := <-done
	assert.ErrorIs(t, res.err, context.Canceled)
	assert.Len(t, res.replies, 1, "the second persona never runs")
	assert.Empty(t, h.cloud.calls())
	_, ok := h.orch.Status()
	assert.False(t, ok)
}

func TestOrchestrator_ApprovalFlagsApplyAtDispatch(t *testing.T) {
	h := newHarness(t, harnessOptions{mode: domain.BackendHybrid, review: true, detector: bsnDetector()})
	h.orch.Attach(domain.Attachment{Name: "contract.txt", Content: "Signed by Jan Jansen"})

	done := sendAsync(h, "Please check the contract")
	waitPending(t, h)
	require.NoError(t, h.orch.Gate().Approve(Approval{IncludeHistory: true}))
	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, domain.ApprovalApproved, res.replies[0].Approval)
	assert.NotContains(t, h.egress(), "Attached document")

	done = sendAsync(h, "And now with the file")
	waitPending(t, h)
	require.NoError(t, h.orch.Gate().Approve(Approval{EditedPrompt: "Is this contract fair?", IncludeAttachments: true}))
	res = <-done
	require.NoError(t, res.err)

	calls := h.cloud.calls()
	require.Len(t, calls, 2)
	second := calls[1].Messages
	assert.Equal(t, "Is this contract fair?", second[len(second)-1].Content)
	assert.Contains(t, second[0].Content, "Signed by [PII_PERSON]")
	assert.NotContains(t, h.egress(), "Jan Jansen")
	// History was excluded from the second dispatch.
	assert.Len(t, second, 2)
}

func TestOrchestrator_AttributesOnly(t *testing.T) {
	attrs := domain.AttributeSet{"income_bracket": "high", "age_range": "unknown"}
	h := newHarness(t, harnessOptions{mode: domain.BackendCloud, extractor: fakeExtractor{attrs: attrs}})
	h.orch.Attach(domain.Attachment{Name: "payslip.txt", Content: "salary 85000"})

	replies, err := h.orch.Send(context.Background(), "@advisor I earn 85000 a year at Acme")
	require.NoError(t, err)
	r := replies[0]
	require.NoError(t, r.Err)
	assert.Equal(t, domain.ContentAttributesOnly, r.Decision.ContentMode)
	assert.Equal(t, domain.ApprovalSkipped, r.Approval)
	assert.Equal(t, 1, r.Status.AttributeCount)

	calls := h.cloud.calls()
	require.Len(t, calls, 1)
	msgs := calls[0].Messages
	require.Len(t, msgs, 2)
	assert.Equal(t, "You are a financial advisor.", msgs[0].Content)
	assert.Equal(t, attributes.ToSafePrompt(attrs, "What should they consider?"), msgs[1].Content)
	assert.NotContains(t, h.egress(), "85000")
	assert.NotContains(t, h.egress(), "Acme")
}

func TestOrchestrator_AttributesOnlyExtractionFailure(t *testing.T) {
	h := newHarness(t, harnessOptions{extractor: fakeExtractor{err: errors.New("model not loaded")}})

	replies, err := h.orch.Send(context.Background(), "@advisor I earn 85000")
	require.NoError(t, err)
	require.NoError(t, replies[0].Err)
	assert.Zero(t, replies[0].Status.AttributeCount)
	assert.NotContains(t, h.egress(), "85000")
}

func TestOrchestrator_StreamFailureCommitsNoReply(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOptions{})
	h.cloud.err = errors.New("connection reset")
	resets := 0
	h.events.On(bus.EventStreamReset, func(bus.Event) { resets++ })

	replies, err := h.orch.Send(ctx, "hello")
	require.NoError(t, err)
	assert.ErrorIs(t, replies[0].Err, domain.ErrNetwork)
	assert.Empty(t, replies[0].Text)
	assert.Equal(t, 1, resets)

	msgs, err := h.store.GetMessages(ctx, "conv-1", 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1, "only the user message is stored")
}

func TestOrchestrator_Settings(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	assert.ErrorIs(t, h.orch.SetMode("offline"), domain.ErrInvalidConfig)
	require.NoError(t, h.orch.SetMode("hybrid"))
	assert.Equal(t, domain.BackendHybrid, h.orch.Mode())

	assert.ErrorIs(t, h.orch.SetActivePersona("ghost"), domain.ErrUnknownPersona)
	require.NoError(t, h.orch.SetActivePersona("lawyer"))
	assert.Equal(t, "lawyer", h.orch.ActivePersona())

	_, err := h.orch.Send(context.Background(), "   ")
	assert.Error(t, err)
}
