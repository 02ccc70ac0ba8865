// Package telemetry records pipeline and HTTP metrics in memory and exposes
// them in the Prometheus text exposition format, using only standard library
// constructs.
package telemetry

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

	"github.com/labstack/echo/v4"
)

// ---------------------------------------------------------------------------
// Histogram — Prometheus-style histogram with buckets
// ---------------------------------------------------------------------------

// histogram is a thread-safe histogram with fixed bucket boundaries. Bucket
// counts are non-cumulative in storage; cumulative counts are computed at
// export time.
type histogram struct {
	boundaries   []float64
	bucketCounts []int64
	count        int64
	sum          uint64 // math.Float64bits for atomic add
	mu           sync.Mutex
}

func newHistogram(boundaries []float64) *histogram {
	return &histogram{
		boundaries:   boundaries,
		bucketCounts: make([]int64, len(boundaries)),
	}
}

// Observe records a single value.
func (h *histogram) Observe(v float64) {
	atomic.AddInt64(&h.count, 1)
	atomicAddFloat64(&h.sum, v)

	h.mu.Lock()
	defer h.mu.Unlock()
	for i, b := range h.boundaries {
		if v <= b {
			h.bucketCounts[i]++
			return
		}
	}
}

func (h *histogram) Count() int64 {
	return atomic.LoadInt64(&h.count)
}

func (h *histogram) Sum() float64 {
	return math.Float64frombits(atomic.LoadUint64(&h.sum))
}

func (h *histogram) cumulativeBuckets() []int64 {
	h.mu.Lock()
	raw := make([]int64, len(h.bucketCounts))
	copy(raw, h.bucketCounts)
	h.mu.Unlock()

	var running int64
	for i, c := range raw {
		running += c
		raw[i] = running
	}
	return raw
}

func atomicAddFloat64(addr *uint64, delta float64) {
	for {
		old := atomic.LoadUint64(addr)
		next := math.Float64frombits(old) + delta
		if atomic.CompareAndSwapUint64(addr, old, math.Float64bits(next)) {
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Labeled stores — keyed by "label1|label2"
// ---------------------------------------------------------------------------

type histogramStore struct {
	mu    sync.RWMutex
	items map[string]*histogram
}

func newHistogramStore() *histogramStore {
	return &histogramStore{items: make(map[string]*histogram)}
}

func (s *histogramStore) getOrCreate(key string, boundaries []float64) *histogram {
	s.mu.RLock()
	h, ok := s.items[key]
	s.mu.RUnlock()
	if ok {
		return h
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok = s.items[key]; !ok {
		h = newHistogram(boundaries)
		s.items[key] = h
	}
	return h
}

func (s *histogramStore) get(key string) *histogram {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.items[key]
}

func (s *histogramStore) sortedKeys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.items))
	for k := range s.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type counterStore struct {
	mu    sync.RWMutex
	items map[string]*int64
}

func newCounterStore() *counterStore {
	return &counterStore{items: make(map[string]*int64)}
}

func (s *counterStore) inc(key string) {
	s.mu.RLock()
	p, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		s.mu.Lock()
		if p, ok = s.items[key]; !ok {
			p = new(int64)
			s.items[key] = p
		}
		s.mu.Unlock()
	}
	atomic.AddInt64(p, 1)
}

func (s *counterStore) get(key string) int64 {
	s.mu.RLock()
	p, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	return atomic.LoadInt64(p)
}

func (s *counterStore) sortedSnapshot() ([]string, map[string]int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.items))
	vals := make(map[string]int64, len(s.items))
	for k, p := range s.items {
		keys = append(keys, k)
		vals[k] = atomic.LoadInt64(p)
	}
	sort.Strings(keys)
	return keys, vals
}

func labelsKey(parts ...string) string {
	return strings.Join(parts, "|")
}

// ---------------------------------------------------------------------------
// PipelineMetrics
// ---------------------------------------------------------------------------

// stageDurationBuckets are seconds; fetches against a remote FHIR server and
// engine calls both land in the 10ms to 10s range.
var stageDurationBuckets = []float64{
	0.005, 0.010, 0.025, 0.050, 0.100, 0.250, 0.500, 1.0, 2.5, 5.0, 10.0,
}

// PipelineMetrics collects stage durations, run outcomes and HTTP request
// durations. All methods are safe for concurrent use and for a nil receiver,
// so callers may leave metrics unconfigured.
type PipelineMetrics struct {
	stages   *histogramStore
	runs     *counterStore
	requests *histogramStore
	inflight int64
}

// NewPipelineMetrics returns an empty metrics set.
func NewPipelineMetrics() *PipelineMetrics {
	return &PipelineMetrics{
		stages:   newHistogramStore(),
		runs:     newCounterStore(),
		requests: newHistogramStore(),
	}
}

// ObserveStage records how long one stage took and how it ended.
func (m *PipelineMetrics) ObserveStage(stage, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.stages.getOrCreate(labelsKey(stage, outcome), stageDurationBuckets).Observe(d.Seconds())
}

// RunFinished counts one terminated run.
func (m *PipelineMetrics) RunFinished(outcome string) {
	if m == nil {
		return
	}
	m.runs.inc(outcome)
}

// RunCount returns the number of runs that ended with outcome.
func (m *PipelineMetrics) RunCount(outcome string) int64 {
	if m == nil {
		return 0
	}
	return m.runs.get(outcome)
}

// StageCount returns the number of observations for stage and outcome.
func (m *PipelineMetrics) StageCount(stage, outcome string) int64 {
	if m == nil {
		return 0
	}
	if h := m.stages.get(labelsKey(stage, outcome)); h != nil {
		return h.Count()
	}
	return 0
}

// Middleware records HTTP request durations by method, route and status.
func (m *PipelineMetrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if m == nil {
				return next(c)
			}
			atomic.AddInt64(&m.inflight, 1)
			start := time.Now()
			err := next(c)
			atomic.AddInt64(&m.inflight, -1)

			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok && !c.Response().Committed {
				status = he.Code
			}
			key := labelsKey(c.Request().Method, route, fmt.Sprintf("%d", status))
			m.requests.getOrCreate(key, stageDurationBuckets).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// WritePrometheus writes every metric in text exposition format. Series are
// sorted so output is stable.
func (m *PipelineMetrics) WritePrometheus(w io.Writer) error {
	var b strings.Builder
	if m != nil {
		writeHistograms(&b, "cqlpipe_stage_duration_seconds",
			"Duration of pipeline stages in seconds.", []string{"stage", "outcome"}, m.stages)

		b.WriteString("# HELP cqlpipe_runs_total Finished pipeline runs by outcome.\n")
		b.WriteString("# TYPE cqlpipe_runs_total counter\n")
		keys, vals := m.runs.sortedSnapshot()
		for _, k := range keys {
			fmt.Fprintf(&b, "cqlpipe_runs_total{outcome=%q} %d\n", k, vals[k])
		}
		b.WriteByte('\n')

		writeHistograms(&b, "http_server_request_duration_seconds",
			"Duration of HTTP requests in seconds.", []string{"method", "route", "status_code"}, m.requests)

		b.WriteString("# HELP http_server_active_requests Number of active HTTP requests.\n")
		b.WriteString("# TYPE http_server_active_requests gauge\n")
		fmt.Fprintf(&b, "http_server_active_requests %d\n", atomic.LoadInt64(&m.inflight))
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// Handler serves WritePrometheus output.
func (m *PipelineMetrics) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		var b strings.Builder
		if err := m.WritePrometheus(&b); err != nil {
			return err
		}
		return c.String(http.StatusOK, b.String())
	}
}

// ---------------------------------------------------------------------------
// Prometheus format helpers
// ---------------------------------------------------------------------------

func writeHistograms(b *strings.Builder, name, help string, labelNames []string, store *histogramStore) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s histogram\n", name)
	for _, key := range store.sortedKeys() {
		values := strings.SplitN(key, "|", len(labelNames))
		if len(values) != len(labelNames) {
			continue
		}
		pairs := make([]string, len(labelNames))
		for i, n := range labelNames {
			pairs[i] = fmt.Sprintf("%s=%q", n, values[i])
		}
		writeSingleHistogram(b, name, strings.Join(pairs, ","), store.get(key))
	}
	b.WriteByte('\n')
}

func writeSingleHistogram(b *strings.Builder, name, labels string, h *histogram) {
	cum := h.cumulativeBuckets()
	total := h.Count()

	for i, boundary := range h.boundaries {
		fmt.Fprintf(b, "%s_bucket{%s,le=\"%g\"} %d\n", name, labels, boundary, cum[i])
	}
	fmt.Fprintf(b, "%s_bucket{%s,le=\"+Inf\"} %d\n", name, labels, total)
	fmt.Fprintf(b, "%s_sum{%s} %g\n", name, labels, h.Sum())
	fmt.Fprintf(b, "%s_count{%s} %d\n", name, labels, total)
}
