// Package metrics provides a lightweight, Prometheus-compatible metrics
// collector. It outputs text/plain in Prometheus exposition format
// without requiring the prometheus/client_golang dependency.
package metrics

import (
	"fmt"
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
	counters   sync.Map // name{labels} -> *Counter
	gauges     sync.Map // name{labels} -> *Gauge
	histograms sync.Map // name{labels} -> *Histogram
	startTime  time.Time
}

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

func (c *Counter) Inc()         { c.value.Add(1) }
func (c *Counter) Add(n int64)  { c.value.Add(n) }
func (c *Counter) Value() int64 { return c.value.Load() }

// Gauge is a value that can go up and down.
type Gauge struct {
	name   string
	help   string
	labels string
	value  atomic.Int64
}

func (g *Gauge) Set(v int64)  { g.value.Store(v) }
func (g *Gauge) Inc()         { g.value.Add(1) }
func (g *Gauge) Dec()         { g.value.Add(-1) }
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

// Count returns the number of observations.
func (h *Histogram) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// --- Registration helpers ---

// Counter returns or creates the counter identified by name and labels.
func (c *MetricsCollector) Counter(name, help, labels string) *Counter {
	key := name + "{" + labels + "}"
	if v, ok := c.counters.Load(key); ok {
		return v.(*Counter)
	}
	actual, _ := c.counters.LoadOrStore(key, &Counter{name: name, help: help, labels: labels})
	return actual.(*Counter)
}

// Gauge returns or creates the gauge identified by name and labels.
func (c *MetricsCollector) Gauge(name, help, labels string) *Gauge {
	key := name + "{" + labels + "}"
	if v, ok := c.gauges.Load(key); ok {
		return v.(*Gauge)
	}
	actual, _ := c.gauges.LoadOrStore(key, &Gauge{name: name, help: help, labels: labels})
	return actual.(*Gauge)
}

// Histogram returns or creates the histogram identified by name and labels.
func (c *MetricsCollector) Histogram(name, help, labels string, buckets []float64) *Histogram {
	key := name + "{" + labels + "}"
	if v, ok := c.histograms.Load(key); ok {
		return v.(*Histogram)
	}
	sorted := append([]float64(nil), buckets...)
	sort.Float64s(sorted)
	hb := make([]histBucket, len(sorted))
	for i, b := range sorted {
		hb[i] = histBucket{le: b}
	}
	actual, _ := c.histograms.LoadOrStore(key, &Histogram{name: name, help: help, labels: labels, buckets: hb})
	return actual.(*Histogram)
}

// --- Prometheus text rendering ---

func sortedKeys(m *sync.Map) []string {
	var keys []string
	m.Range(func(k, _ any) bool {
		keys = append(keys, k.(string))
		return true
	})
	sort.Strings(keys)
	return keys
}

func series(name, labels string) string {
	if labels == "" {
		return name
	}
	return name + "{" + labels + "}"
}

// Handler renders every registered metric in Prometheus text format.
func (c *MetricsCollector) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		var sb strings.Builder
		fmt.Fprintf(&sb, "# HELP onecell_uptime_seconds Time since start in seconds\n")
		fmt.Fprintf(&sb, "# TYPE onecell_uptime_seconds gauge\n")
		fmt.Fprintf(&sb, "onecell_uptime_seconds %d\n\n", int64(c.Uptime().Seconds()))

		helpWritten := make(map[string]bool)
		for _, key := range sortedKeys(&c.counters) {
			v, _ := c.counters.Load(key)
			ctr := v.(*Counter)
			if !helpWritten[ctr.name] {
				fmt.Fprintf(&sb, "# HELP %s %s\n# TYPE %s counter\n", ctr.name, ctr.help, ctr.name)
				helpWritten[ctr.name] = true
			}
			fmt.Fprintf(&sb, "%s %d\n", series(ctr.name, ctr.labels), ctr.Value())
		}

		helpWritten = make(map[string]bool)
		for _, key := range sortedKeys(&c.gauges) {
			v, _ := c.gauges.Load(key)
			g := v.(*Gauge)
			if !helpWritten[g.name] {
				fmt.Fprintf(&sb, "# HELP %s %s\n# TYPE %s gauge\n", g.name, g.help, g.name)
				helpWritten[g.name] = true
			}
			fmt.Fprintf(&sb, "%s %d\n", series(g.name, g.labels), g.Value())
		}

		helpWritten = make(map[string]bool)
		for _, key := range sortedKeys(&c.histograms) {
			v, _ := c.histograms.Load(key)
			h := v.(*Histogram)
			h.mu.Lock()
			if !helpWritten[h.name] {
				fmt.Fprintf(&sb, "# HELP %s %s\n# TYPE %s histogram\n", h.name, h.help, h.name)
				helpWritten[h.name] = true
			}
			labelPrefix := ""
			if h.labels != "" {
				labelPrefix = h.labels + ","
			}
			for _, b := range h.buckets {
				le := fmt.Sprintf("%g", b.le)
				if math.IsInf(b.le, 1) {
					le = "+Inf"
				}
				fmt.Fprintf(&sb, "%s_bucket{%sle=\"%s\"} %d\n", h.name, labelPrefix, le, b.count)
			}
			fmt.Fprintf(&sb, "%s_bucket{%sle=\"+Inf\"} %d\n", h.name, labelPrefix, h.count)
			fmt.Fprintf(&sb, "%s %d\n", series(h.name+"_count", h.labels), h.count)
			fmt.Fprintf(&sb, "%s %f\n", series(h.name+"_sum", h.labels), h.sum)
			h.mu.Unlock()
		}

		fmt.Fprint(w, sb.String())
	}
}

// PlatformLabel renders the platform label pair for per-platform series.
func PlatformLabel(platform string) string {
	return `platform="` + platform + `"`
}

// --- Pre-defined metrics used across the application ---

var latencyBuckets = []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30}

func PullsTotal(platform string) *Counter {
	return Collector.Counter("onecell_pulls_total", "Adapter pulls attempted", PlatformLabel(platform))
}

func PullFailures(platform string) *Counter {
	return Collector.Counter("onecell_pull_failures_total", "Adapter pulls that timed out or panicked", PlatformLabel(platform))
}

func PullLatency(platform string) *Histogram {
	return Collector.Histogram("onecell_pull_latency_seconds", "Adapter pull latency in seconds", PlatformLabel(platform), latencyBuckets)
}

func SendsTotal(platform string) *Counter {
	return Collector.Counter("onecell_sends_total", "Outbound sends attempted", PlatformLabel(platform))
}

func SendFailures(platform string) *Counter {
	return Collector.Counter("onecell_send_failures_total", "Outbound sends that failed", PlatformLabel(platform))
}

func WebhookEvents(platform string) *Counter {
	return Collector.Counter("onecell_webhook_events_total", "Webhook payloads received", PlatformLabel(platform))
}

func DecodeErrors(platform string) *Counter {
	return Collector.Counter("onecell_decode_errors_total", "Webhook payloads that failed to decode", PlatformLabel(platform))
}

var (
	PollTicks              = Collector.Counter("onecell_poll_ticks_total", "Poll loop passes completed", "")
	PollSkipped            = Collector.Counter("onecell_poll_skipped_total", "Poll ticks skipped because a pass was still running", "")
	MessagesEmitted        = Collector.Counter("onecell_messages_emitted_total", "Messages published to subscribers", "")
	AuthenticatedPlatforms = Collector.Gauge("onecell_authenticated_platforms", "Platforms currently authenticated", "")
)
