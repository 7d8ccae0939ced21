// Package metrics adapts the teacher's metrics.Scope idiom (a Prometheus
// wrapper that prefixes every stat name with a dotted scope). In this
// module it carries the Go runtime statistics cmd.ProfileCmd publishes; the
// trust stores, refresher and OCSP client record no metrics through it.
package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Scope is a stats collector that prefixes the name of every stat it
// collects, the same contract the teacher's metrics.Scope exposes.
type Scope interface {
	NewScope(scopes ...string) Scope

	Inc(stat string, value int64)
	Gauge(stat string, value int64)
	Timing(stat string, delta time.Duration)

	MustRegister(...prometheus.Collector)
}

type promScope struct {
	reg    prometheus.Registerer
	prefix string

	mu         *sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

var _ Scope = &promScope{}

// NewPromScope returns a Scope that sends data to Prometheus via reg.
func NewPromScope(reg prometheus.Registerer, scopes ...string) Scope {
	return &promScope{
		reg:        reg,
		prefix:     joinPrefix(scopes),
		mu:         &sync.Mutex{},
		counters:   map[string]*prometheus.CounterVec{},
		gauges:     map[string]*prometheus.GaugeVec{},
		histograms: map[string]*prometheus.HistogramVec{},
	}
}

func joinPrefix(scopes []string) string {
	if len(scopes) == 0 {
		return ""
	}
	return strings.Join(scopes, "_") + "_"
}

func (s *promScope) NewScope(scopes ...string) Scope {
	return NewPromScope(s.reg, s.prefix+joinPrefix(scopes))
}

func (s *promScope) metricName(stat string) string {
	return strings.ReplaceAll(s.prefix+stat, ".", "_")
}

func (s *promScope) counter(name string) *prometheus.CounterVec {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.counters[name]; ok {
		return c
	}
	c := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name}, nil)
	s.reg.MustRegister(c)
	s.counters[name] = c
	return c
}

func (s *promScope) gauge(name string) *prometheus.GaugeVec {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.gauges[name]; ok {
		return g
	}
	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name}, nil)
	s.reg.MustRegister(g)
	s.gauges[name] = g
	return g
}

func (s *promScope) histogram(name string) *prometheus.HistogramVec {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.histograms[name]; ok {
		return h
	}
	h := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name}, nil)
	s.reg.MustRegister(h)
	s.histograms[name] = h
	return h
}

func (s *promScope) Inc(stat string, value int64) {
	s.counter(s.metricName(stat)).WithLabelValues().Add(float64(value))
}

func (s *promScope) Gauge(stat string, value int64) {
	s.gauge(s.metricName(stat)).WithLabelValues().Set(float64(value))
}

func (s *promScope) Timing(stat string, delta time.Duration) {
	s.histogram(s.metricName(stat) + "_seconds").WithLabelValues().Observe(delta.Seconds())
}

func (s *promScope) MustRegister(cs ...prometheus.Collector) {
	s.reg.MustRegister(cs...)
}

type noopScope struct{}

// NewNoopScope returns a Scope that discards everything, for tests.
func NewNoopScope() Scope { return noopScope{} }

func (noopScope) NewScope(scopes ...string) Scope         { return noopScope{} }
func (noopScope) Inc(stat string, value int64)            {}
func (noopScope) Gauge(stat string, value int64)          {}
func (noopScope) Timing(stat string, delta time.Duration) {}
func (noopScope) MustRegister(...prometheus.Collector)    {}
