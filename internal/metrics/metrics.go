// Package metrics provides Prometheus-compatible in-process metrics for
// proctord.
//
// Features:
//   - Counters for violations, evidence uploads, audio segments
//   - Gauges for the session phase and connectivity
//   - Histograms for upload latency
//   - Prometheus text and JSON exposition
//   - Thread-safe operations
package metrics

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Labels represents metric labels.
type Labels map[string]string

// String renders labels in Prometheus form with sorted keys.
func (l Labels) String() string {
	if len(l) == 0 {
		return ""
	}
	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf(`%s="%s"`, k, l[k]))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// Counter is a monotonically increasing counter.
type Counter struct {
	name   string
	help   string
	labels Labels
	value  atomic.Uint64
}

// Inc increments the counter by 1.
func (c *Counter) Inc() { c.value.Add(1) }

// Add adds v to the counter.
func (c *Counter) Add(v uint64) { c.value.Add(v) }

// Value returns the current value.
func (c *Counter) Value() uint64 { return c.value.Load() }

// Gauge is a value that can go up and down.
type Gauge struct {
	name   string
	help   string
	labels Labels
	value  atomic.Int64
}

// Set sets the gauge.
func (g *Gauge) Set(v int64) { g.value.Store(v) }

// Inc increments the gauge.
func (g *Gauge) Inc() { g.value.Add(1) }

// Value returns the current value.
func (g *Gauge) Value() int64 { return g.value.Load() }

// DurationBuckets are buckets for latency histograms, in seconds.
var DurationBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

// Histogram tracks the distribution of observed values. Bucket counts are
// stored per bucket and accumulated on exposition.
type Histogram struct {
	name    string
	help    string
	labels  Labels
	buckets []float64

	mu     sync.Mutex
	counts []uint64
	sum    float64
	count  uint64
}

// Observe records a value.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sum += v
	h.count++
	idx := sort.SearchFloat64s(h.buckets, v)
	h.counts[idx]++
}

// ObserveDuration records a duration in seconds.
func (h *Histogram) ObserveDuration(d time.Duration) { h.Observe(d.Seconds()) }

// Count returns the number of observations.
func (h *Histogram) Count() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Sum returns the sum of observations.
func (h *Histogram) Sum() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sum
}

// Registry holds registered metrics keyed by name and labels.
type Registry struct {
	mu         sync.RWMutex
	namespace  string
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram
}

// NewRegistry creates a registry whose metric names are prefixed with
// namespace.
func NewRegistry(namespace string) *Registry {
	return &Registry{
		namespace:  namespace,
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
	}
}

func (r *Registry) fullName(name string) string {
	if r.namespace == "" {
		return name
	}
	return r.namespace + "_" + name
}

func key(name string, labels Labels) string { return name + labels.String() }

// Counter returns the counter for name and labels, registering it on first
// use.
func (r *Registry) Counter(name, help string, labels Labels) *Counter {
	full := r.fullName(name)
	k := key(full, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[k]; ok {
		return c
	}
	c := &Counter{name: full, help: help, labels: labels}
	r.counters[k] = c
	return c
}

// Gauge returns the gauge for name and labels, registering it on first use.
func (r *Registry) Gauge(name, help string, labels Labels) *Gauge {
	full := r.fullName(name)
	k := key(full, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.gauges[k]; ok {
		return g
	}
	g := &Gauge{name: full, help: help, labels: labels}
	r.gauges[k] = g
	return g
}

// Histogram returns the histogram for name and labels, registering it on
// first use.
func (r *Registry) Histogram(name, help string, labels Labels, buckets []float64) *Histogram {
	full := r.fullName(name)
	k := key(full, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.histograms[k]; ok {
		return h
	}
	if buckets == nil {
		buckets = DurationBuckets
	}
	sorted := append([]float64(nil), buckets...)
	sort.Float64s(sorted)
	h := &Histogram{
		name:    full,
		help:    help,
		labels:  labels,
		buckets: sorted,
		counts:  make([]uint64, len(sorted)+1),
	}
	r.histograms[k] = h
	return h
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// WritePrometheus writes metrics in Prometheus text format.
func (r *Registry) WritePrometheus(w io.Writer) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	described := make(map[string]bool)
	describe := func(name, help, typ string) {
		if described[name] {
			return
		}
		described[name] = true
		fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		fmt.Fprintf(w, "# TYPE %s %s\n", name, typ)
	}

	for _, k := range sortedKeys(r.counters) {
		c := r.counters[k]
		describe(c.name, c.help, "counter")
		fmt.Fprintf(w, "%s%s %d\n", c.name, c.labels.String(), c.Value())
	}
	for _, k := range sortedKeys(r.gauges) {
		g := r.gauges[k]
		describe(g.name, g.help, "gauge")
		fmt.Fprintf(w, "%s%s %d\n", g.name, g.labels.String(), g.Value())
	}
	for _, k := range sortedKeys(r.histograms) {
		h := r.histograms[k]
		describe(h.name, h.help, "histogram")
		h.mu.Lock()
		prefix := "{"
		if ls := h.labels.String(); ls != "" {
			prefix = ls[:len(ls)-1] + ","
		}
		var cumulative uint64
		for i, b := range h.buckets {
			cumulative += h.counts[i]
			fmt.Fprintf(w, "%s_bucket%sle=\"%g\"} %d\n", h.name, prefix, b, cumulative)
		}
		cumulative += h.counts[len(h.buckets)]
		fmt.Fprintf(w, "%s_bucket%sle=\"+Inf\"} %d\n", h.name, prefix, cumulative)
		fmt.Fprintf(w, "%s_sum%s %g\n", h.name, h.labels.String(), h.sum)
		fmt.Fprintf(w, "%s_count%s %d\n", h.name, h.labels.String(), h.count)
		h.mu.Unlock()
	}
	return nil
}

// Snapshot returns the current values keyed by name and labels.
func (r *Registry) Snapshot() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]any, len(r.counters)+len(r.gauges)+len(r.histograms))
	for k, c := range r.counters {
		out[k] = c.Value()
	}
	for k, g := range r.gauges {
		out[k] = g.Value()
	}
	for k, h := range r.histograms {
		out[k] = map[string]any{"count": h.Count(), "sum": h.Sum()}
	}
	return out
}

// WriteJSON writes Snapshot as indented JSON.
func (r *Registry) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r.Snapshot())
}

// HTTPHandler serves the Prometheus text format, or the JSON snapshot with
// ?format=json.
func (r *Registry) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Query().Get("format") == "json" {
			w.Header().Set("Content-Type", "application/json")
			_ = r.WriteJSON(w)
			return
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_ = r.WritePrometheus(w)
	})
}
