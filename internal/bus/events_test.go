package bus

import (
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"
)

func testEBLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func types(events []Event) string {
	s := ""
	for _, e := range events {
		s += e.Type + " "
	}
	return s
}

func TestEventBus_DeliveryOrder(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	var got []string
	eb.On(Wildcard, func(e Event) { got = append(got, "any:"+e.Type) })
	eb.On("review.pending", func(e Event) { got = append(got, "first") })
	eb.On("review.pending", func(e Event) { got = append(got, "second") })

	eb.Emit(Event{Type: "review.pending"})
	eb.Emit(Event{Type: "other"})

	want := "[first second any:review.pending any:other]"
	if fmt.Sprint(got) != want {
		t.Fatalf("got %v, want %s", got, want)
	}
}

func TestEventBus_OffRemovesOnlyThatHandler(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	var a, b int
	idA := eb.On("x", func(e Event) { a++ })
	eb.On("x", func(e Event) { b++ })
	eb.Emit(Event{Type: "x"})
	eb.Off("x", idA)
	eb.Off("x", "unknown")
	eb.Emit(Event{Type: "x"})

	if a != 1 || b != 2 {
		t.Fatalf("expected a=1 b=2, got a=%d b=%d", a, b)
	}
}

func TestEventBus_SubscribeMultipleTypes(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	var seen []string
	unsubscribe := eb.Subscribe(func(e Event) { seen = append(seen, e.Type) }, EventStreamPartial, EventStreamReset)
	eb.Emit(Event{Type: EventStreamPartial})
	eb.Emit(Event{Type: EventStreamReset})
	eb.Emit(Event{Type: EventDispatchComplete})
	unsubscribe()
	unsubscribe()
	eb.Emit(Event{Type: EventStreamPartial})

	if fmt.Sprint(seen) != "[stream.partial stream.reset]" {
		t.Fatalf("unexpected deliveries %v", seen)
	}
}

func TestEventBus_ReplayFiltersTypeAndTime(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	eb.Emit(Event{Type: "a", Timestamp: time.Now().Add(-time.Hour)})
	threshold := time.Now()
	eb.Emit(Event{Type: "b"})
	eb.Emit(Event{Type: "a"})

	if got := types(eb.Replay("a", time.Time{})); got != "a a " {
		t.Fatalf("replay a = %q", got)
	}
	if got := types(eb.Replay(Wildcard, threshold)); got != "b a " {
		t.Fatalf("replay since threshold = %q", got)
	}
}

func TestEventBus_RingKeepsNewest(t *testing.T) {
	eb := newEventBus(testEBLogger(), 3)
	for i := 0; i < 7; i++ {
		eb.Emit(Event{Type: fmt.Sprintf("e%d", i)})
	}
	if eb.HistoryLen() != 3 {
		t.Fatalf("expected 3 retained, got %d", eb.HistoryLen())
	}
	if got := types(eb.Replay(Wildcard, time.Time{})); got != "e4 e5 e6 " {
		t.Fatalf("expected oldest-first newest events, got %q", got)
	}
}

func TestEventBus_PanicDoesNotStopOthers(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	called := false
	eb.On("p", func(e Event) { panic("handler bug") })
	eb.On("p", func(e Event) { called = true })
	eb.Emit(Event{Type: "p"})

	if !called {
		t.Fatal("second handler should still run")
	}
}

func TestEventBus_PartialOutputNotRetained(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	delivered := 0
	eb.On(EventStreamPartial, func(e Event) { delivered++ })

	eb.Emit(Event{Type: EventStreamPartial, Payload: map[string]any{"text": "Hi Anna"}})
	eb.Emit(Event{Type: EventStreamReset})
	eb.Emit(Event{Type: EventDispatchComplete})

	if delivered != 1 {
		t.Fatalf("expected partial event delivered, got %d", delivered)
	}
	if got := types(eb.Replay(Wildcard, time.Time{})); got != EventDispatchComplete+" " {
		t.Fatalf("only the dispatch event should be retained, got %q", got)
	}
}

func TestEventBus_TimestampAutoSet(t *testing.T) {
	eb := NewEventBus(testEBLogger())
	eb.Emit(Event{Type: "test"})
	events := eb.Replay("test", time.Time{})
	if len(events) != 1 || events[0].Timestamp.IsZero() {
		t.Fatalf("timestamp should be set, got %+v", events)
	}
}

func TestEventBus_NilIsNoop(t *testing.T) {
	var eb *EventBus
	eb.Emit(Event{Type: "x"})
	eb.Subscribe(func(Event) {}, "x")()
}
