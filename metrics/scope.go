// Package metrics provides a prefix-scoped stats collector, adapted from
// boulder's metrics.Scope, used by every long-running component
// (ExpiryMonitor's tick, ShadowMonitor's processing loop, RetryRunner's
// attempts) to emit counters, gauges and timings without each one
// reaching directly into the prometheus package.
package metrics

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"
)

// Scope is a stats collector that prefixes the name of every stat it
// collects with its own scope path.
type Scope interface {
	NewScope(scopes ...string) Scope

	Inc(stat string, value int64)
	Gauge(stat string, value int64)
	TimingDuration(stat string, delta time.Duration)

	MustRegister(...prometheus.Collector)
}

type promScope struct {
	prometheus.Registerer
	prefix string

	mu         *sync.Mutex
	counters   map[string]prometheus.Counter
	gauges     map[string]prometheus.Gauge
	histograms map[string]prometheus.Histogram
}

var _ Scope = &promScope{}

// NewPromScope returns a Scope that reports to the given registerer,
// prefixed by scopes joined with periods.
func NewPromScope(registerer prometheus.Registerer, scopes ...string) Scope {
	return &promScope{
		Registerer: registerer,
		prefix:     strings.Join(scopes, "."),
		mu:         new(sync.Mutex),
		counters:   make(map[string]prometheus.Counter),
		gauges:     make(map[string]prometheus.Gauge),
		histograms: make(map[string]prometheus.Histogram),
	}
}

func (s *promScope) NewScope(scopes ...string) Scope {
	next := append([]string{s.prefix}, scopes...)
	return NewPromScope(s.Registerer, next...)
}

func (s *promScope) name(stat string) string {
	name := strings.ReplaceAll(s.prefix+"_"+stat, ".", "_")
	return strings.Trim(name, "_")
}

func (s *promScope) Inc(stat string, value int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := s.name(stat)
	c, ok := s.counters[name]
	if !ok {
		c = prometheus.NewCounter(prometheus.CounterOpts{Name: name})
		s.MustRegister(c)
		s.counters[name] = c
	}
	c.Add(float64(value))
}

func (s *promScope) Gauge(stat string, value int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := s.name(stat)
	g, ok := s.gauges[name]
	if !ok {
		g = prometheus.NewGauge(prometheus.GaugeOpts{Name: name})
		s.MustRegister(g)
		s.gauges[name] = g
	}
	g.Set(float64(value))
}

func (s *promScope) TimingDuration(stat string, delta time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := s.name(stat) + "_seconds"
	h, ok := s.histograms[name]
	if !ok {
		h = prometheus.NewHistogram(prometheus.HistogramOpts{Name: name})
		s.MustRegister(h)
		s.histograms[name] = h
	}
	h.Observe(delta.Seconds())
}

func (s *promScope) MustRegister(cs ...prometheus.Collector) {
	for _, c := range cs {
		err := s.Registerer.Register(c)
		if err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			panic(err)
		}
	}
}

// NoopScope returns a Scope that discards everything, for use in tests
// that don't care about metrics.
func NoopScope() Scope {
	return NewPromScope(prometheus.NewRegistry())
}

// debugResponseWriter satisfies http.ResponseWriter while remembering
// the status code it wrote, so DebugHandler can label its histogram.
type debugResponseWriter struct {
	http.ResponseWriter
	code int
}

func (w *debugResponseWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// DebugHandler wraps the mux serving gg-cert-core's debug surface
// (cmd/gg-cert-core registers only /metrics) and records a request-duration histogram per
// route/method/code, the same request-timing a managed CertGen's
// regeneration attempts get from Scope.TimingDuration.
type DebugHandler struct {
	*http.ServeMux
	clk  clock.Clock
	stat *prometheus.HistogramVec
}

// NewDebugHandler wraps m, registering its histogram against scope so
// the debug surface's own request timings show up alongside every
// other stat this process emits.
func NewDebugHandler(m *http.ServeMux, clk clock.Clock, scope Scope) *DebugHandler {
	stat := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "gg_cert_core_debug_request_duration_seconds",
			Help: "Time taken to serve a request on the debug surface.",
		},
		[]string{"route", "method", "code"})
	scope.MustRegister(stat)
	return &DebugHandler{ServeMux: m, clk: clk, stat: stat}
}

func (h *DebugHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	begin := h.clk.Now()
	drw := &debugResponseWriter{ResponseWriter: w}

	subHandler, route := h.Handler(r)
	defer func() {
		h.stat.With(prometheus.Labels{
			"route":  route,
			"method": r.Method,
			"code":   fmt.Sprintf("%d", drw.code),
		}).Observe(h.clk.Since(begin).Seconds())
	}()

	subHandler.ServeHTTP(drw, r)
}
