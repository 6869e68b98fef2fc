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

// Minimal Prometheus-like counters, gauges, and histograms

type Counter struct {
	v    uint64
	name string
	help string
}

func NewCounter(name, help string) *Counter { return &Counter{name: name, help: help} }
func (c *Counter) Inc()                     { atomic.AddUint64(&c.v, 1) }
func (c *Counter) Add(n uint64)             { atomic.AddUint64(&c.v, n) }
func (c *Counter) Value() uint64            { return atomic.LoadUint64(&c.v) }
func (c *Counter) Expose(w http.ResponseWriter) {
	if c.help != "" {
		fmt.Fprintf(w, "# HELP %s %s\n", c.name, c.help)
	}
	fmt.Fprintf(w, "# TYPE %s counter\n%s %d\n", c.name, c.name, c.Value())
}

type Gauge struct {
	v    uint64
	name string
	help string
}

func NewGauge(name, help string) *Gauge { return &Gauge{name: name, help: help} }
func (g *Gauge) Set(n uint64)           { atomic.StoreUint64(&g.v, n) }
func (g *Gauge) Value() uint64          { return atomic.LoadUint64(&g.v) }
func (g *Gauge) Expose(w http.ResponseWriter) {
	if g.help != "" {
		fmt.Fprintf(w, "# HELP %s %s\n", g.name, g.help)
	}
	fmt.Fprintf(w, "# TYPE %s gauge\n%s %d\n", g.name, g.name, g.Value())
}

// Histogram is a simple, thread-safe, cumulative bucket histogram
type Histogram struct {
	name    string
	help    string
	buckets []float64 // sorted, finite bucket boundaries; +Inf implied
	counts  []uint64
	sum     float64
	cnt     uint64
	mu      sync.Mutex
}

func defaultBuckets() []float64 {
	// seconds, similar to Prometheus default HTTP buckets
	return []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5}
}

func NewHistogram(name, help string, buckets []float64) *Histogram {
	if len(buckets) == 0 {
		buckets = defaultBuckets()
	}
	cp := make([]float64, len(buckets))
	copy(cp, buckets)
	sort.Float64s(cp)
	return &Histogram{name: name, help: help, buckets: cp, counts: make([]uint64, len(cp))}
}

func (h *Histogram) Observe(v float64) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	i := sort.SearchFloat64s(h.buckets, v)
	if i < len(h.counts) {
		h.counts[i]++
	}
	h.cnt++
	h.sum += v
}

func (h *Histogram) Expose(w http.ResponseWriter) {
	if h.help != "" {
		fmt.Fprintf(w, "# HELP %s %s\n", h.name, h.help)
	}
	fmt.Fprintf(w, "# TYPE %s histogram\n", h.name)
	h.mu.Lock()
	defer h.mu.Unlock()
	var cum uint64
	for i, b := range h.buckets {
		cum += h.counts[i]
		fmt.Fprintf(w, "%s_bucket{le=\"%g\"} %d\n", h.name, b, cum)
	}
	fmt.Fprintf(w, "%s_bucket{le=\"+Inf\"} %d\n", h.name, h.cnt)
	fmt.Fprintf(w, "%s_sum %g\n", h.name, h.sum)
	fmt.Fprintf(w, "%s_count %d\n", h.name, h.cnt)
}

// ---- Labeled counters ----

// Label values are joined with a rare separator rune into a map key; order
// is fixed per metric so keys stay comparable and lightweight.
const labelSep = "\x1f"

type LabeledCounter struct {
	name       string
	help       string
	labelOrder []string
	mu         sync.Mutex
	m          map[string]uint64
}

func NewLabeledCounter(name, help string, labelOrder []string) *LabeledCounter {
	return &LabeledCounter{name: name, help: help, labelOrder: labelOrder, m: map[string]uint64{}}
}

func (c *LabeledCounter) Inc(labels map[string]string) {
	vals := make([]string, len(c.labelOrder))
	for i, k := range c.labelOrder {
		vals[i] = labels[k]
	}
	k := strings.Join(vals, labelSep)
	c.mu.Lock()
	c.m[k]++
	c.mu.Unlock()
}

func (c *LabeledCounter) Expose(w http.ResponseWriter) {
	if c.help != "" {
		fmt.Fprintf(w, "# HELP %s %s\n", c.name, c.help)
	}
	fmt.Fprintf(w, "# TYPE %s counter\n", c.name)
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range c.m {
		vals := strings.Split(k, labelSep)
		fmt.Fprintf(w, "%s{", c.name)
		for i, name := range c.labelOrder {
			if i > 0 {
				fmt.Fprint(w, ",")
			}
			lv := ""
			if i < len(vals) {
				lv = vals[i]
			}
			fmt.Fprintf(w, "%s=\"%s\"", name, lv)
		}
		fmt.Fprintf(w, "} %d\n", v)
	}
}

type Registry struct {
	mu       sync.Mutex
	counters []*Counter
	gauges   []*Gauge
	histos   []*Histogram
	labeled  []*LabeledCounter
}

func NewRegistry() *Registry { return &Registry{} }

func (r *Registry) Register(c *Counter) {
	r.mu.Lock()
	r.counters = append(r.counters, c)
	r.mu.Unlock()
}

func (r *Registry) RegisterGauge(g *Gauge) {
	r.mu.Lock()
	r.gauges = append(r.gauges, g)
	r.mu.Unlock()
}

func (r *Registry) RegisterHistogram(h *Histogram) {
	r.mu.Lock()
	r.histos = append(r.histos, h)
	r.mu.Unlock()
}

func (r *Registry) RegisterLabeledCounter(c *LabeledCounter) {
	r.mu.Lock()
	r.labeled = append(r.labeled, c)
	r.mu.Unlock()
}

func (r *Registry) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.counters {
		c.Expose(w)
	}
	for _, g := range r.gauges {
		g.Expose(w)
	}
	for _, h := range r.histos {
		h.Expose(w)
	}
	for _, c := range r.labeled {
		c.Expose(w)
	}
}

// HTTPMetrics exposes basic HTTP request metrics
type HTTPMetrics struct {
	RequestsTotal *Counter
	ErrorsTotal   *Counter
	Duration      *Histogram // seconds
	ByPath        *LabeledCounter
}

func NewHTTPMetrics(reg *Registry, service string) *HTTPMetrics {
	m := &HTTPMetrics{
		RequestsTotal: NewCounter(service+"_http_requests_total", "Total HTTP requests"),
		ErrorsTotal:   NewCounter(service+"_http_errors_total", "Total HTTP 5xx responses"),
		Duration:      NewHistogram(service+"_http_request_duration_seconds", "HTTP request duration seconds", nil),
		ByPath:        NewLabeledCounter(service+"_http_requests_by_path_total", "Total HTTP requests by method and path", []string{"method", "path"}),
	}
	if reg != nil {
		reg.Register(m.RequestsTotal)
		reg.Register(m.ErrorsTotal)
		reg.RegisterHistogram(m.Duration)
		reg.RegisterLabeledCounter(m.ByPath)
	}
	return m
}

// statusRecorder wraps ResponseWriter to capture the final status code.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (m *HTTPMetrics) Middleware(next http.Handler) http.Handler {
	if next == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(404) })
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sr := &statusRecorder{ResponseWriter: w, status: 200}
		start := time.Now()
		next.ServeHTTP(sr, r)
		m.RequestsTotal.Inc()
		if sr.status >= 500 {
			m.ErrorsTotal.Inc()
		}
		m.Duration.Observe(time.Since(start).Seconds())
		m.ByPath.Inc(map[string]string{"method": r.Method, "path": normalizePath(r.URL.Path)})
	})
}

// normalizePath replaces likely-id path segments with :id to bound label
// cardinality.
func normalizePath(path string) string {
	if path == "" {
		return "/"
	}
	segs := strings.Split(path, "/")
	for i, s := range segs {
		if looksLikeID(s) {
			segs[i] = ":id"
		}
	}
	np := strings.Join(segs, "/")
	if !strings.HasPrefix(np, "/") {
		np = "/" + np
	}
	return np
}

func looksLikeID(s string) bool {
	if s == "" {
		return false
	}
	if len(s) >= 8 {
		hex := true
		for i := 0; i < len(s); i++ {
			c := s[i]
			if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F') || c == '-') {
				hex = false
				break
			}
		}
		if hex {
			return true
		}
	}
	digits := true
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			digits = false
			break
		}
	}
	return digits && len(s) > 3
}
