// Copyright 2025 Fedchain Project
//
// Package monitor is the optional timing/counter sink of C7 (§4.7). It must
// never change pipeline behavior: every method on a nil *Sink is a no-op, so
// components can hold a nil *Sink (as tests do) when no registry is wired.
package monitor

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Sink exposes the two instrumentation primitives §4.7 documents:
// Timer(name) for scoped elapsed-time measurement and Gauge(name, value)
// for point-in-time values. A nil *Sink is a valid, inert no-op sink. Timer
// and Gauge are called concurrently from the pipeline's S1 workers and S5
// (§4.5), so metric registration is mutex-guarded.
type Sink struct {
	registry *prometheus.Registry

	mu     sync.Mutex
	timers map[string]prometheus.Histogram
	gauges map[string]prometheus.Gauge
}

// New creates a Sink registered against a fresh prometheus.Registry. Pass
// the registry to an HTTP handler (promhttp.HandlerFor) to expose it; that
// wiring lives outside the core (§1 scope).
func New() *Sink {
	return &Sink{
		registry: prometheus.NewRegistry(),
		timers:   map[string]prometheus.Histogram{},
		gauges:   map[string]prometheus.Gauge{},
	}
}

// Registry exposes the underlying prometheus.Registry for the HTTP
// /metrics surface to scrape (out of the core's scope, §1).
func (s *Sink) Registry() *prometheus.Registry {
	if s == nil {
		return nil
	}
	return s.registry
}

// Timer starts a scoped timer named name; call the returned func to record
// the elapsed duration. Documented instrumentation points: validate_block,
// write_vote (§4.7).
func (s *Sink) Timer(name string) func() {
	if s == nil {
		return func() {}
	}
	start := time.Now()
	return func() {
		s.histogram(name).Observe(time.Since(start).Seconds())
	}
}

// Gauge records a point-in-time value, e.g. the documented vote_time gauge
// (§4.7).
func (s *Sink) Gauge(name string, value float64) {
	if s == nil {
		return
	}
	s.gauge(name).Set(value)
}

func (s *Sink) histogram(name string) prometheus.Histogram {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.timers[name]; ok {
		return h
	}
	h := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "fedvalidator_" + name + "_seconds",
		Help: "Elapsed time for " + name,
	})
	s.registry.MustRegister(h)
	s.timers[name] = h
	return h
}

func (s *Sink) gauge(name string) prometheus.Gauge {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.gauges[name]; ok {
		return g
	}
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fedvalidator_" + name,
		Help: "Gauge for " + name,
	})
	s.registry.MustRegister(g)
	s.gauges[name] = g
	return g
}
