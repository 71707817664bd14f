package metrics

import (
	"math"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandler_RendersPrometheusText(t *testing.T) {
	c := NewMetricsCollector()
	c.Counter("coreastra_test_total", "test counter", `level="high"`).Add(3)
	c.Gauge("coreastra_test_gauge", "test gauge", "").Set(2)
	h := c.Histogram("coreastra_test_seconds", "test histogram", "", []float64{1, 5, math.Inf(1)})
	h.Observe(0.5)
	h.Observe(3)
	h.Observe(100)

	rec := httptest.NewRecorder()
	c.Handler()(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	for _, want := range []string{
		"coreastra_uptime_seconds",
		"# TYPE coreastra_test_total counter",
		`coreastra_test_total{level="high"} 3`,
		"coreastra_test_gauge 2",
		`coreastra_test_seconds_bucket{le="1"} 1`,
		`coreastra_test_seconds_bucket{le="5"} 2`,
		`coreastra_test_seconds_bucket{le="+Inf"} 3`,
		"coreastra_test_seconds_count 3",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("missing %q in:\n%s", want, body)
		}
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("content type: %s", ct)
	}
}

func TestHistogram_LabelledBucketsAndImplicitInf(t *testing.T) {
	c := NewMetricsCollector()
	h := c.Histogram("coreastra_run_seconds", "run time", `status="exited"`, []float64{2, 1})
	h.Observe(1.5)
	h.Observe(7)

	var sb strings.Builder
	if err := c.WriteText(&sb); err != nil {
		t.Fatalf("WriteText: %v", err)
	}
	body := sb.String()
	for _, want := range []string{
		`coreastra_run_seconds_bucket{status="exited",le="1"} 0`,
		`coreastra_run_seconds_bucket{status="exited",le="2"} 1`,
		`coreastra_run_seconds_bucket{status="exited",le="+Inf"} 2`,
		`coreastra_run_seconds_sum{status="exited"} 8.5`,
		`coreastra_run_seconds_count{status="exited"} 2`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("missing %q in:\n%s", want, body)
		}
	}
	if strings.Contains(body, "{_bucket") || strings.Contains(body, "_bucketle") {
		t.Errorf("malformed bucket line:\n%s", body)
	}
}

func TestWriteText_OneHeaderPerFamilySorted(t *testing.T) {
	c := NewMetricsCollector()
	c.Counter("b_total", "b", `level="low"`).Inc()
	c.Counter("b_total", "b", `level="high"`).Inc()
	c.Histogram("a_seconds", "a", `x="2"`, []float64{1}).Observe(1)
	c.Histogram("a_seconds", "a", `x="1"`, []float64{1}).Observe(1)

	var sb strings.Builder
	c.WriteText(&sb)
	body := sb.String()

	for _, name := range []string{"a_seconds", "b_total"} {
		if n := strings.Count(body, "# TYPE "+name+" "); n != 1 {
			t.Errorf("%s: %d TYPE lines", name, n)
		}
	}
	if strings.Index(body, "# TYPE a_seconds") > strings.Index(body, "# TYPE b_total") {
		t.Error("families not sorted by name")
	}
	if strings.Index(body, `b_total{level="high"}`) > strings.Index(body, `b_total{level="low"}`) {
		t.Error("series not sorted by labels")
	}
}

func TestLookup_KindConflictPanics(t *testing.T) {
	c := NewMetricsCollector()
	c.Counter("dup", "d", "")
	defer func() {
		if recover() == nil {
			t.Error("expected panic registering a counter name as a gauge")
		}
	}()
	c.Gauge("dup", "d", "")
}

func TestCounter_SameKeyReturnsSameInstance(t *testing.T) {
	c := NewMetricsCollector()
	a := c.Counter("x_total", "x", `level="low"`)
	b := c.Counter("x_total", "x", `level="low"`)
	a.Inc()
	if b.Value() != 1 {
		t.Errorf("expected shared counter, got %d", b.Value())
	}
	if c.Counter("x_total", "x", `level="high"`).Value() != 0 {
		t.Error("different labels must be a different series")
	}
}

func TestGauge_IncDec(t *testing.T) {
	g := NewMetricsCollector().Gauge("g", "g", "")
	g.Inc()
	g.Inc()
	g.Dec()
	if g.Value() != 1 {
		t.Errorf("gauge: %d", g.Value())
	}
}
