// Package metrics is a small Prometheus-compatible collector. It renders the
// text exposition format directly; nothing in it ever carries message content,
// only counts, backends and outcomes.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector is the process-wide registry.
var Collector = NewMetricsCollector()

type kind string

const (
	kindCounter   kind = "counter"
	kindGauge     kind = "gauge"
	kindHistogram kind = "histogram"
)

// family groups every series of one metric name.
type family struct {
	name   string
	help   string
	kind   kind
	series map[string]any // rendered label set -> *Counter | *Gauge | *Histogram
}

// MetricsCollector is a registry of metric families.
type MetricsCollector struct {
	mu        sync.Mutex
	families  map[string]*family
	startTime time.Time
}

func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{families: make(map[string]*family), startTime: time.Now()}
}

// Uptime returns how long the collector has existed.
func (c *MetricsCollector) Uptime() time.Duration {
	return time.Since(c.startTime)
}

type Counter struct{ v atomic.Int64 }

func (c *Counter) Inc()         { c.v.Add(1) }
func (c *Counter) Add(n int64)  { c.v.Add(n) }
func (c *Counter) Value() int64 { return c.v.Load() }

type Gauge struct{ v atomic.Int64 }

func (g *Gauge) Set(v int64)  { g.v.Store(v) }
func (g *Gauge) Inc()         { g.v.Add(1) }
func (g *Gauge) Dec()         { g.v.Add(-1) }
func (g *Gauge) Value() int64 { return g.v.Load() }

// Histogram keeps per-bucket (non-cumulative) counts; cumulation happens at
// render time.
type Histogram struct {
	mu     sync.Mutex
	bounds []float64
	counts []int64
	total  int64
	sum    float64
}

func (h *Histogram) Observe(v float64) {
	i := sort.SearchFloat64s(h.bounds, v)
	h.mu.Lock()
	if i < len(h.counts) {
		h.counts[i]++
	}
	h.total++
	h.sum += v
	h.mu.Unlock()
}

// labelSet renders alternating key/value pairs as `k="v",...`, escaping
// values. An odd trailing key is ignored.
func labelSet(kv []string) string {
	var b strings.Builder
	for i := 0; i+1 < len(kv); i += 2 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(kv[i])
		b.WriteString(`="`)
		b.WriteString(escapeLabel(kv[i+1]))
		b.WriteByte('"')
	}
	return b.String()
}

var labelEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)

func escapeLabel(s string) string { return labelEscaper.Replace(s) }

// series returns the metric for name+labels, creating it with mk. Asking
// for an existing name with a different kind panics: that is a wiring bug.
func (c *MetricsCollector) series(name, help string, k kind, labels []string, mk func() any) any {
	key := labelSet(labels)
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.families[name]
	if !ok {
		f = &family{name: name, help: help, kind: k, series: make(map[string]any)}
		c.families[name] = f
	} else if f.kind != k {
		panic(fmt.Sprintf("metrics: %s registered as %s, requested as %s", name, f.kind, k))
	}
	m, ok := f.series[key]
	if !ok {
		m = mk()
		f.series[key] = m
	}
	return m
}

// Counter returns the counter for name and the given label pairs.
func (c *MetricsCollector) Counter(name, help string, labels ...string) *Counter {
	return c.series(name, help, kindCounter, labels, func() any { return &Counter{} }).(*Counter)
}

func (c *MetricsCollector) Gauge(name, help string, labels ...string) *Gauge {
	return c.series(name, help, kindGauge, labels, func() any { return &Gauge{} }).(*Gauge)
}

// Histogram returns the histogram for name and labels. Buckets are only
// used when the series is first created.
func (c *MetricsCollector) Histogram(name, help string, buckets []float64, labels ...string) *Histogram {
	return c.series(name, help, kindHistogram, labels, func() any {
		bounds := append([]float64(nil), buckets...)
		sort.Float64s(bounds)
		return &Histogram{bounds: bounds, counts: make([]int64, len(bounds))}
	}).(*Histogram)
}

// Handler serves the exposition text.
func (c *MetricsCollector) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		c.WriteTo(w)
	}
}

// Render returns the exposition text as a string.
func (c *MetricsCollector) Render() string {
	var b strings.Builder
	c.WriteTo(&b)
	return b.String()
}

// WriteTo writes every family in name order, series in label order.
func (c *MetricsCollector) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	fmt.Fprintf(cw, "# HELP privroute_uptime_seconds Time since start in seconds\n# TYPE privroute_uptime_seconds gauge\nprivroute_uptime_seconds %d\n", int64(c.Uptime().Seconds()))

	c.mu.Lock()
	names := make([]string, 0, len(c.families))
	for n := range c.families {
		names = append(names, n)
	}
	sort.Strings(names)
	fams := make([]*family, len(names))
	for i, n := range names {
		fams[i] = c.families[n]
	}
	c.mu.Unlock()

	for _, f := range fams {
		c.mu.Lock()
		keys := make([]string, 0, len(f.series))
		for k := range f.series {
			keys = append(keys, k)
		}
		c.mu.Unlock()
		sort.Strings(keys)

		fmt.Fprintf(cw, "# HELP %s %s\n# TYPE %s %s\n", f.name, f.help, f.name, f.kind)
		for _, k := range keys {
			c.mu.Lock()
			m := f.series[k]
			c.mu.Unlock()
			switch m := m.(type) {
			case *Counter:
				sample(cw, f.name, k, strconv.FormatInt(m.Value(), 10))
			case *Gauge:
				sample(cw, f.name, k, strconv.FormatInt(m.Value(), 10))
			case *Histogram:
				writeHistogram(cw, f.name, k, m)
			}
		}
	}
	return cw.n, cw.err
}

func writeHistogram(w io.Writer, name, labels string, h *Histogram) {
	h.mu.Lock()
	defer h.mu.Unlock()
	prefix := labels
	if prefix != "" {
		prefix += ","
	}
	var cum int64
	for i, le := range h.bounds {
		cum += h.counts[i]
		bound := strconv.FormatFloat(le, 'g', -1, 64)
		if math.IsInf(le, 1) {
			bound = "+Inf"
		}
		fmt.Fprintf(w, "%s_bucket{%sle=\"%s\"} %d\n", name, prefix, bound, cum)
	}
	fmt.Fprintf(w, "%s_bucket{%sle=\"+Inf\"} %d\n", name, prefix, h.total)
	sample(w, name+"_sum", labels, strconv.FormatFloat(h.sum, 'f', -1, 64))
	sample(w, name+"_count", labels, strconv.FormatInt(h.total, 10))
}

func sample(w io.Writer, name, labels, value string) {
	if labels == "" {
		fmt.Fprintf(w, "%s %s\n", name, value)
		return
	}
	fmt.Fprintf(w, "%s{%s} %s\n", name, labels, value)
}

type countingWriter struct {
	w   io.Writer
	n   int64
	err error
}

func (c *countingWriter) Write(p []byte) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	n, err := c.w.Write(p)
	c.n += int64(n)
	c.err = err
	return n, err
}

// Serve exposes the collector on addr until ctx ends. A bind failure is
// returned immediately.
func (c *MetricsCollector) Serve(ctx context.Context, addr, endpoint string, logger *slog.Logger) error {
	if endpoint == "" {
		endpoint = "/metrics"
	}
	if logger == nil {
		logger = slog.Default()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listen: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle(endpoint, c.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	logger.Info("metrics endpoint listening", "addr", ln.Addr().String(), "path", endpoint)

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errc
		return nil
	}
}

var latencyBuckets = []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120}

var (
	MessagesTotal    = Collector.Counter("privroute_messages_total", "Messages submitted by the operator")
	RedactionsTotal  = Collector.Counter("privroute_redactions_total", "Spans replaced before egress", "kind", "entity")
	CustomTermsTotal = Collector.Counter("privroute_redactions_total", "Spans replaced before egress", "kind", "custom_term")
	DetectorFailures = Collector.Counter("privroute_detector_failures_total", "Entity detector calls that failed")
	ReviewsApproved  = Collector.Counter("privroute_reviews_total", "Review gate outcomes", "outcome", "approved")
	ReviewsCancelled = Collector.Counter("privroute_reviews_total", "Review gate outcomes", "outcome", "cancelled")
	PolicyBlocks     = Collector.Counter("privroute_policy_blocks_total", "Messages refused by the router")
	LocalRetries     = Collector.Counter("privroute_local_retries_total", "On-device inference retries")
	DispatchFailures = Collector.Counter("privroute_dispatch_failures_total", "Dispatches that ended in an error")
	InFlight         = Collector.Gauge("privroute_inflight_dispatches", "Dispatches currently running")
	PendingReviews   = Collector.Gauge("privroute_pending_reviews", "Messages waiting for operator approval")
)

// DispatchOK counts a completed dispatch per backend.
func DispatchOK(backend string) *Counter {
	return Collector.Counter("privroute_dispatches_total", "Completed dispatches", "backend", backend)
}

// DispatchLatency tracks end-to-end dispatch latency per backend.
func DispatchLatency(backend string) *Histogram {
	return Collector.Histogram("privroute_dispatch_latency_seconds", "Dispatch latency in seconds", latencyBuckets, "backend", backend)
}
