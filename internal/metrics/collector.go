// Package metrics keeps in-process counters for the relay and renders them in
// the Prometheus text exposition format.
package metrics

import (
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector is the global metrics collector.
var Collector = NewMetricsCollector()

// MetricsCollector aggregates counters, gauges, and histograms.
type MetricsCollector struct {
	counters   sync.Map // name -> *Counter
	gauges     sync.Map // name -> *Gauge
	histograms sync.Map // name -> *Histogram
	startTime  time.Time
}

// NewMetricsCollector creates a new collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{startTime: time.Now()}
}

// Uptime returns how long the collector has been running.
func (c *MetricsCollector) Uptime() time.Duration {
	return time.Since(c.startTime)
}

// Counter is a monotonically increasing counter.
type Counter struct {
	name   string
	help   string
	labels string
	value  atomic.Int64
}

// Inc increments the counter by 1.
func (c *Counter) Inc() { c.value.Add(1) }

// Add increments the counter by n.
func (c *Counter) Add(n int64) { c.value.Add(n) }

// Value returns the current counter value.
func (c *Counter) Value() int64 { return c.value.Load() }

// Gauge is a value that can go up and down.
type Gauge struct {
	name   string
	help   string
	labels string
	value  atomic.Int64
}

// Set sets the gauge to the given value.
func (g *Gauge) Set(v int64) { g.value.Store(v) }

// Inc increments the gauge by 1.
func (g *Gauge) Inc() { g.value.Add(1) }

// Dec decrements the gauge by 1.
func (g *Gauge) Dec() { g.value.Add(-1) }

// Value returns the current gauge value.
func (g *Gauge) Value() int64 { return g.value.Load() }

// Histogram tracks the distribution of values.
type Histogram struct {
	name    string
	help    string
	labels  string
	mu      sync.Mutex
	count   int64
	sum     float64
	buckets []histBucket
}

type histBucket struct {
	le    float64
	count int64
}

// Observe records a value in the histogram.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i := range h.buckets {
		if v <= h.buckets[i].le {
			h.buckets[i].count++
		}
	}
}

// --- Registration helpers ---

// Counter returns or creates a counter with the given name.
func (c *MetricsCollector) Counter(name, help, labels string) *Counter {
	key := name + "{" + labels + "}"
	if v, ok := c.counters.Load(key); ok {
		return v.(*Counter)
	}
	ctr := &Counter{name: name, help: help, labels: labels}
	actual, _ := c.counters.LoadOrStore(key, ctr)
	return actual.(*Counter)
}

// Gauge returns or creates a gauge with the given name.
func (c *MetricsCollector) Gauge(name, help, labels string) *Gauge {
	key := name + "{" + labels + "}"
	if v, ok := c.gauges.Load(key); ok {
		return v.(*Gauge)
	}
	g := &Gauge{name: name, help: help, labels: labels}
	actual, _ := c.gauges.LoadOrStore(key, g)
	return actual.(*Gauge)
}

// Histogram returns or creates a histogram with the given name.
func (c *MetricsCollector) Histogram(name, help, labels string, buckets []float64) *Histogram {
	key := name + "{" + labels + "}"
	if v, ok := c.histograms.Load(key); ok {
		return v.(*Histogram)
	}
	sort.Float64s(buckets)
	hb := make([]histBucket, len(buckets))
	for i, b := range buckets {
		hb[i] = histBucket{le: b}
	}
	h := &Histogram{name: name, help: help, labels: labels, buckets: hb}
	actual, _ := c.histograms.LoadOrStore(key, h)
	return actual.(*Histogram)
}

// --- Prometheus text rendering ---

// Handler renders the collector in Prometheus text format.
func (c *MetricsCollector) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		c.WriteTo(w)
	}
}

// WriteTo writes every series, sorted by name then labels.
func (c *MetricsCollector) WriteTo(w io.Writer) (int64, error) {
	var sb strings.Builder

	fmt.Fprintf(&sb, "# HELP inboxrelay_uptime_seconds Time since start in seconds\n")
	fmt.Fprintf(&sb, "# TYPE inboxrelay_uptime_seconds gauge\n")
	fmt.Fprintf(&sb, "inboxrelay_uptime_seconds %d\n\n", int64(c.Uptime().Seconds()))

	header := func(name, help, kind string, written map[string]bool) {
		if !written[name] {
			fmt.Fprintf(&sb, "# HELP %s %s\n# TYPE %s %s\n", name, help, name, kind)
			written[name] = true
		}
	}
	series := func(name, labels string) string {
		if labels == "" {
			return name
		}
		return name + "{" + labels + "}"
	}

	written := make(map[string]bool)
	for _, v := range sorted(&c.counters) {
		ctr := v.(*Counter)
		header(ctr.name, ctr.help, "counter", written)
		fmt.Fprintf(&sb, "%s %d\n", series(ctr.name, ctr.labels), ctr.Value())
	}

	for _, v := range sorted(&c.gauges) {
		g := v.(*Gauge)
		header(g.name, g.help, "gauge", written)
		fmt.Fprintf(&sb, "%s %d\n", series(g.name, g.labels), g.Value())
	}

	for _, v := range sorted(&c.histograms) {
		h := v.(*Histogram)
		h.mu.Lock()
		header(h.name, h.help, "histogram", written)
		prefix := h.name + "_bucket{"
		if h.labels != "" {
			prefix += h.labels + ","
		}
		for _, b := range h.buckets {
			le := fmt.Sprintf("%g", b.le)
			if math.IsInf(b.le, 1) {
				le = "+Inf"
			}
			fmt.Fprintf(&sb, "%sle=\"%s\"} %d\n", prefix, le, b.count)
		}
		fmt.Fprintf(&sb, "%s %d\n", series(h.name+"_count", h.labels), h.count)
		fmt.Fprintf(&sb, "%s %f\n", series(h.name+"_sum", h.labels), h.sum)
		h.mu.Unlock()
	}

	n, err := io.WriteString(w, sb.String())
	return int64(n), err
}

func sorted(m *sync.Map) []any {
	var keys []string
	values := make(map[string]any)
	m.Range(func(k, v any) bool {
		keys = append(keys, k.(string))
		values[k.(string)] = v
		return true
	})
	sort.Strings(keys)
	out := make([]any, len(keys))
	for i, k := range keys {
		out[i] = values[k]
	}
	return out
}

// --- Relay metrics ---

var (
	FilesDetected    = Collector.Counter("inboxrelay_files_detected_total", "Documents picked up from the inbox", "")
	FilesConsumed    = Collector.Counter("inboxrelay_files_consumed_total", "Documents delivered on every enabled channel and removed", "")
	FilesQuarantined = Collector.Counter("inboxrelay_files_quarantined_total", "Documents renamed with the error suffix", "")
	QueueRejected    = Collector.Counter("inboxrelay_queue_rejected_total", "Documents deferred because the work queue was full", "")
	InFlight         = Collector.Gauge("inboxrelay_files_in_flight", "Documents currently being processed", "")

	ProcessLatency = Collector.Histogram("inboxrelay_process_seconds", "Time from dequeue to disposition", "",
		[]float64{0.5, 1, 5, 15, 30, 60, 120, 300})
)

// ChannelSends counts delivery attempts per channel and result.
func ChannelSends(channel, result string) *Counter {
	return Collector.Counter("inboxrelay_channel_sends_total", "Delivery attempts per channel",
		fmt.Sprintf("channel=%q,result=%q", channel, result))
}

// ChannelLatency tracks per-channel send duration.
func ChannelLatency(channel string) *Histogram {
	return Collector.Histogram("inboxrelay_channel_send_seconds", "Per-channel send latency", fmt.Sprintf("channel=%q", channel),
		[]float64{0.5, 1, 2, 5, 10, 30, 60})
}

// SessionState exposes the supervisor state per channel (0 uninitialized,
// 1 ready, 2 degraded, 3 reinitializing).
func SessionState(channel string) *Gauge {
	return Collector.Gauge("inboxrelay_session_state", "Session supervisor state", fmt.Sprintf("channel=%q", channel))
}

// SessionReinits counts re-initialization attempts per channel and result.
func SessionReinits(channel, result string) *Counter {
	return Collector.Counter("inboxrelay_session_reinit_total", "Session re-initialization attempts",
		fmt.Sprintf("channel=%q,result=%q", channel, result))
}
