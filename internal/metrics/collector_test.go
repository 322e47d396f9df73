package metrics

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestCollector_RenderGroupsByName(t *testing.T) {
	c := NewMetricsCollector()
	c.Counter("x_reviews_total", "Reviews", "outcome", "cancelled").Inc()
	c.Counter("x_reviews_total", "Reviews", "outcome", "approved").Add(3)
	c.Gauge("x_pending", "Pending").Set(1)
	h := c.Histogram("x_latency_seconds", "Latency", []float64{1, 0.5}, "backend", "local")
	h.Observe(0.2)
	h.Observe(0.7)
	h.Observe(4)

	out := c.Render()
	if strings.Count(out, "# HELP x_reviews_total") != 1 {
		t.Fatalf("help line should be written once per name:\n%s", out)
	}
	for _, want := range []string{
		`x_reviews_total{outcome="approved"} 3`,
		`x_reviews_total{outcome="cancelled"} 1`,
		"x_pending 1",
		`x_latency_seconds_bucket{backend="local",le="0.5"} 1`,
		`x_latency_seconds_bucket{backend="local",le="1"} 2`,
		`x_latency_seconds_bucket{backend="local",le="+Inf"} 3`,
		`x_latency_seconds_count{backend="local"} 3`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}
	if strings.Index(out, `outcome="approved"`) > strings.Index(out, `outcome="cancelled"`) {
		t.Error("samples should render in sorted order")
	}
}

func TestCollector_SameKeyReturnsSameMetric(t *testing.T) {
	c := NewMetricsCollector()
	a := c.Counter("n", "h")
	b := c.Counter("n", "h")
	a.Inc()
	if b.Value() != 1 {
		t.Fatal("expected shared counter")
	}
}

func TestCollector_EscapesLabelValues(t *testing.T) {
	c := NewMetricsCollector()
	c.Counter("x_total", "h", "backend", `we"ird\`+"\n").Inc()
	if out := c.Render(); !strings.Contains(out, `x_total{backend="we\"ird\\\n"} 1`) {
		t.Fatalf("label value not escaped:\n%s", out)
	}
}

func TestCollector_KindConflictPanics(t *testing.T) {
	c := NewMetricsCollector()
	c.Counter("dup", "h")
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for gauge registered over counter")
		}
	}()
	c.Gauge("dup", "h")
}

func TestCollector_ServeReportsBindError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	c := NewMetricsCollector()
	if err := c.Serve(context.Background(), ln.Addr().String(), "", nil); err == nil {
		t.Fatal("expected error for an address already in use")
	}
}

func TestCollector_Handler(t *testing.T) {
	c := NewMetricsCollector()
	c.Counter("privroute_messages_total", "Messages").Inc()
	rec := httptest.NewRecorder()
	c.Handler()(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.HasPrefix(rec.Header().Get("Content-Type"), "text/plain") {
		t.Fatalf("unexpected content type %q", rec.Header().Get("Content-Type"))
	}
	if !strings.Contains(rec.Body.String(), "privroute_messages_total 1") {
		t.Fatalf("unexpected body:\n%s", rec.Body.String())
	}
}

func TestCollector_ServeStopsWithContext(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	c := NewMetricsCollector()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Serve(ctx, addr, "/m", slog.New(slog.NewTextHandler(io.Discard, nil))) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get("http://" + addr + "/m")
		if err == nil {
			resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never came up: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
