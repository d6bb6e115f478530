// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package observability

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink bridges the MetricsSink seam onto a Prometheus registry.
// Collectors are created lazily on first emission; latency histograms use
// exponential millisecond buckets (1ms to ~8s).
type PrometheusSink struct {
	mu         sync.Mutex
	registerer prometheus.Registerer
	namespace  string
	counters   map[string]prometheus.Counter
	gauges     map[string]prometheus.Gauge
	histograms map[string]prometheus.Histogram
}

// NewPrometheusSink creates a sink registering into reg (the default
// registerer when nil) under the given namespace.
func NewPrometheusSink(reg prometheus.Registerer, namespace string) *PrometheusSink {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &PrometheusSink{
		registerer: reg,
		namespace:  namespace,
		counters:   make(map[string]prometheus.Counter),
		gauges:     make(map[string]prometheus.Gauge),
		histograms: make(map[string]prometheus.Histogram),
	}
}

func (s *PrometheusSink) IncCounter(name string, delta float64) {
	if delta < 0 {
		return
	}
	s.counter(name).Add(delta)
}

func (s *PrometheusSink) ObserveHistogram(name string, value float64) {
	s.histogram(name).Observe(value)
}

func (s *PrometheusSink) SetGauge(name string, value float64) {
	s.gauge(name).Set(value)
}

func (s *PrometheusSink) counter(name string) prometheus.Counter {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.counters[name]; ok {
		return c
	}
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: s.namespace,
		Name:      name,
		Help:      "Runtime counter " + name,
	})
	if existing, ok := reuseExisting[prometheus.Counter](s.registerer.Register(c)); ok {
		c = existing
	}
	s.counters[name] = c
	return c
}

func (s *PrometheusSink) gauge(name string) prometheus.Gauge {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.gauges[name]; ok {
		return g
	}
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: s.namespace,
		Name:      name,
		Help:      "Runtime gauge " + name,
	})
	if existing, ok := reuseExisting[prometheus.Gauge](s.registerer.Register(g)); ok {
		g = existing
	}
	s.gauges[name] = g
	return g
}

func (s *PrometheusSink) histogram(name string) prometheus.Histogram {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.histograms[name]; ok {
		return h
	}
	h := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: s.namespace,
		Name:      name,
		Help:      "Runtime histogram " + name,
		Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
	})
	if existing, ok := reuseExisting[prometheus.Histogram](s.registerer.Register(h)); ok {
		h = existing
	}
	s.histograms[name] = h
	return h
}

// reuseExisting unwraps AlreadyRegisteredError so two sinks sharing one
// registry converge on the same collector.
func reuseExisting[T prometheus.Collector](err error) (T, bool) {
	var zero T
	if err == nil {
		return zero, false
	}
	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		if existing, ok := already.ExistingCollector.(T); ok {
			return existing, true
		}
	}
	return zero, false
}

var _ MetricsSink = (*PrometheusSink)(nil)
