// Package bus carries in-process observer events from the pipeline to
// whatever renders it.
package bus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a pipeline notification. Payloads never hold unredacted text
// except for stream.partial, which is display-only and kept out of history.
type Event struct {
	Type      string
	Source    string
	Payload   map[string]any
	Timestamp time.Time
}

type EventHandler func(Event)

// Wildcard subscribes to every event type.
const Wildcard = "*"

const defaultHistory = 500

type subscription struct {
	id string
	fn EventHandler
}

// EventBus is a topic-based publish/subscribe hub with a bounded replay
// ring. Handlers run synchronously on the emitting goroutine, in
// registration order, specific types before wildcard ones.
type EventBus struct {
	mu     sync.RWMutex
	subs   map[string][]subscription
	ring   []Event
	next   int // write position in ring
	filled bool
	logger *slog.Logger
}

func NewEventBus(logger *slog.Logger) *EventBus {
	return newEventBus(logger, defaultHistory)
}

func newEventBus(logger *slog.Logger, history int) *EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	if history < 1 {
		history = 1
	}
	return &EventBus{
		subs:   make(map[string][]subscription),
		ring:   make([]Event, history),
		logger: logger,
	}
}

// On registers fn for eventType (or Wildcard) and returns an id for Off.
func (eb *EventBus) On(eventType string, fn EventHandler) string {
	id := uuid.NewString()
	eb.mu.Lock()
	eb.subs[eventType] = append(eb.subs[eventType], subscription{id: id, fn: fn})
	eb.mu.Unlock()
	return id
}

// Off removes the handler registered under id. Unknown ids are ignored.
func (eb *EventBus) Off(eventType, id string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	subs := eb.subs[eventType]
	for i, s := range subs {
		if s.id != id {
			continue
		}
		kept := make([]subscription, 0, len(subs)-1)
		kept = append(kept, subs[:i]...)
		eb.subs[eventType] = append(kept, subs[i+1:]...)
		if len(eb.subs[eventType]) == 0 {
			delete(eb.subs, eventType)
		}
		return
	}
}

// Subscribe registers fn for each of types and returns a function that
// removes all of them. Calling it more than once is harmless.
func (eb *EventBus) Subscribe(fn EventHandler, types ...string) (unsubscribe func()) {
	if eb == nil {
		return func() {}
	}
	ids := make([]string, len(types))
	for i, t := range types {
		ids[i] = eb.On(t, fn)
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			for i, t := range types {
				eb.Off(t, ids[i])
			}
		})
	}
}

// Emit delivers event to its subscribers. A panicking handler is logged and
// does not stop the others. Emit on a nil bus is a no-op.
func (eb *EventBus) Emit(event Event) {
	if eb == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.mu.Lock()
	if !transient[event.Type] {
		eb.ring[eb.next] = event
		eb.next = (eb.next + 1) % len(eb.ring)
		if eb.next == 0 {
			eb.filled = true
		}
	}
	targets := make([]subscription, 0, len(eb.subs[event.Type])+len(eb.subs[Wildcard]))
	targets = append(targets, eb.subs[event.Type]...)
	if event.Type != Wildcard {
		targets = append(targets, eb.subs[Wildcard]...)
	}
	eb.mu.Unlock()

	for _, s := range targets {
		eb.deliver(s, event)
	}
}

func (eb *EventBus) deliver(s subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event handler panic", "event", event.Type, "panic", r)
		}
	}()
	s.fn(event)
}

// retained returns the ring contents oldest first. Caller holds mu.
func (eb *EventBus) retained() []Event {
	if !eb.filled {
		return eb.ring[:eb.next]
	}
	out := make([]Event, 0, len(eb.ring))
	out = append(out, eb.ring[eb.next:]...)
	return append(out, eb.ring[:eb.next]...)
}

// Replay returns retained events of eventType (Wildcard for all) emitted at
// or after since, oldest first.
func (eb *EventBus) Replay(eventType string, since time.Time) []Event {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	var out []Event
	for _, e := range eb.retained() {
		if e.Timestamp.Before(since) {
			continue
		}
		if eventType == Wildcard || e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func (eb *EventBus) HistoryLen() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	if eb.filled {
		return len(eb.ring)
	}
	return eb.next
}

const (
	EventMessageReceived  = "message.received"
	EventPrivacyStatus    = "privacy.status"
	EventReviewPending    = "review.pending"
	EventReviewApproved   = "review.approved"
	EventReviewCancelled  = "review.cancelled"
	EventStreamPartial    = "stream.partial"
	EventStreamReset      = "stream.reset"
	EventDispatchStarted  = "dispatch.started"
	EventDispatchComplete = "dispatch.completed"
	EventDispatchFailed   = "dispatch.failed"
	EventDispatchRetry    = "dispatch.retry"
	EventPolicyBlocked    = "policy.blocked"
	EventSummaryStored    = "summary.stored"
)

// transient events are delivered but never retained for replay.
var transient = map[string]bool{
	EventStreamPartial: true,
	EventStreamReset:   true,
}
