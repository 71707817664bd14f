// Package metrics exposes CoreAstra's pipeline counters in the Prometheus
// text exposition format without pulling in prometheus/client_golang.
package metrics

import (
	"fmt"
	"io"
	"math"
	"net/http"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector is the process-wide registry the pipeline reports into.
var Collector = NewMetricsCollector()

type kind string

const (
	kindCounter   kind = "counter"
	kindGauge     kind = "gauge"
	kindHistogram kind = "histogram"
)

// series is one labelled time series inside a family.
type series interface {
	writeText(w io.Writer, name, labels string)
}

// family groups every series sharing a metric name. HELP and TYPE are
// written once per family.
type family struct {
	name   string
	help   string
	kind   kind
	series map[string]series // label string -> series
}

// MetricsCollector is a registry of metric families.
type MetricsCollector struct {
	mu        sync.Mutex
	families  map[string]*family
	startTime time.Time
}

// NewMetricsCollector creates an empty registry.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{families: make(map[string]*family), startTime: time.Now()}
}

// Uptime returns how long the collector has been running.
func (c *MetricsCollector) Uptime() time.Duration {
	return time.Since(c.startTime)
}

// lookup returns the series for name/labels, creating it with mk on first use.
// Registering one name under two kinds is a programming error.
func (c *MetricsCollector) lookup(name, help string, k kind, labels string, mk func() series) series {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, ok := c.families[name]
	if !ok {
		f = &family{name: name, help: help, kind: k, series: make(map[string]series)}
		c.families[name] = f
	} else if f.kind != k {
		panic(fmt.Sprintf("metrics: %s registered as %s, requested as %s", name, f.kind, k))
	}
	s, ok := f.series[labels]
	if !ok {
		s = mk()
		f.series[labels] = s
	}
	return s
}

// Counter is a monotonically increasing counter.
type Counter struct{ value atomic.Int64 }

func (c *Counter) Inc() { c.value.Add(1) }
func (c *Counter) Add(n int64) { c.value.Add(n) }
func (c *Counter) Value() int64 { return c.value.Load() }

func (c *Counter) writeText(w io.Writer, name, labels string) {
	fmt.Fprintf(w, "%s %d\n", seriesName(name, labels), c.Value())
}

// Gauge is a value that can go up and down.
type Gauge struct{ value atomic.Int64 }

func (g *Gauge) Set(v int64) { g.value.Store(v) }
func (g *Gauge) Inc() { g.value.Add(1) }
func (g *Gauge) Dec() { g.value.Add(-1) }
func (g *Gauge) Value() int64 { return g.value.Load() }

func (g *Gauge) writeText(w io.Writer, name, labels string) {
	fmt.Fprintf(w, "%s %d\n", seriesName(name, labels), g.Value())
}

// Histogram tracks a distribution over fixed upper bounds. Bucket counts are
// cumulative and a +Inf bucket always exists.
type Histogram struct {
	mu     sync.Mutex
	bounds []float64
	counts []int64
	count  int64
	sum    float64
}

func newHistogram(bounds []float64) *Histogram {
	b := slices.Clone(bounds)
	sort.Float64s(b)
	if len(b) == 0 || !math.IsInf(b[len(b)-1], 1) {
		b = append(b, math.Inf(1))
	}
	return &Histogram{bounds: b, counts: make([]int64, len(b))}
}

// Observe records v.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i, le := range h.bounds {
		if v <= le {
			h.counts[i]++
		}
	}
}

// Count returns the number of observations.
func (h *Histogram) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

func (h *Histogram) writeText(w io.Writer, name, labels string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sep := ""
	if labels != "" {
		sep = ","
	}
	for i, le := range h.bounds {
		fmt.Fprintf(w, "%s_bucket{%s%sle=\"%s\"} %d\n", name, labels, sep, formatFloat(le), h.counts[i])
	}
	fmt.Fprintf(w, "%s %s\n", seriesName(name+"_sum", labels), formatFloat(h.sum))
	fmt.Fprintf(w, "%s %d\n", seriesName(name+"_count", labels), h.count)
}

// Counter returns the counter series for name and labels (`k="v",...`).
func (c *MetricsCollector) Counter(name, help, labels string) *Counter {
	return c.lookup(name, help, kindCounter, labels, func() series { return &Counter{} }).(*Counter)
}

// Gauge returns the gauge series for name and labels.
func (c *MetricsCollector) Gauge(name, help, labels string) *Gauge {
	return c.lookup(name, help, kindGauge, labels, func() series { return &Gauge{} }).(*Gauge)
}

// Histogram returns the histogram series for name and labels. buckets only
// apply when the series is created.
func (c *MetricsCollector) Histogram(name, help, labels string, buckets []float64) *Histogram {
	return c.lookup(name, help, kindHistogram, labels, func() series { return newHistogram(buckets) }).(*Histogram)
}

// WriteText renders every family, sorted by name and then by labels, in the
// Prometheus text format.
func (c *MetricsCollector) WriteText(w io.Writer) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# HELP coreastra_uptime_seconds Time since start in seconds\n")
	fmt.Fprintf(&sb, "# TYPE coreastra_uptime_seconds gauge\n")
	fmt.Fprintf(&sb, "coreastra_uptime_seconds %d\n", int64(c.Uptime().Seconds()))

	c.mu.Lock()
	names := make([]string, 0, len(c.families))
	for name := range c.families {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		f := c.families[name]
		fmt.Fprintf(&sb, "# HELP %s %s\n", f.name, f.help)
		fmt.Fprintf(&sb, "# TYPE %s %s\n", f.name, f.kind)
		keys := make([]string, 0, len(f.series))
		for k := range f.series {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			f.series[k].writeText(&sb, f.name, k)
		}
	}
	c.mu.Unlock()

	_, err := io.WriteString(w, sb.String())
	return err
}

// Handler serves WriteText over HTTP.
func (c *MetricsCollector) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		c.WriteText(w)
	}
}

func seriesName(name, labels string) string {
	if labels == "" {
		return name
	}
	return name + "{" + labels + "}"
}

func formatFloat(v float64) string {
	if math.IsInf(v, 1) {
		return "+Inf"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

var (
	AuditDropped   = Collector.Counter("coreastra_audit_dropped_total", "Audit entries that could not be persisted", "")
	BackupsCreated = Collector.Counter("coreastra_backups_created_total", "Backup records created", "")
	BackupsFailed  = Collector.Counter("coreastra_backup_failures_total", "Backup sets that failed", "")
	Restores       = Collector.Counter("coreastra_restores_total", "Backups restored", "")
	Awaiting       = Collector.Gauge("coreastra_confirmations_awaiting", "Sessions awaiting confirmation", "")
	Executing      = Collector.Gauge("coreastra_sessions_executing", "Sessions currently executing", "")
	Queued         = Collector.Gauge("coreastra_sessions_queued", "Sessions waiting for an execution slot", "")
	SSEConnections = Collector.Gauge("coreastra_sse_connections", "Current SSE connections", "")

	ExecutionLatency = Collector.Histogram("coreastra_execution_seconds", "Command execution time in seconds", "",
		[]float64{0.1, 0.5, 1, 5, 10, 30, 60, 300})
)

// AnalyzedTotal counts analyses by risk level.
func AnalyzedTotal(level string) *Counter {
	return Collector.Counter("coreastra_commands_analyzed_total", "Commands analyzed by risk level", `level="`+level+`"`)
}

// SessionsTotal counts sessions by final state.
func SessionsTotal(state string) *Counter {
	return Collector.Counter("coreastra_sessions_total", "Sessions by terminal state", `state="`+state+`"`)
}
