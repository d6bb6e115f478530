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

import "sync"

// HistogramStat is a bounded summary of a recorded distribution.
type HistogramStat struct {
	Count int64
	Sum   float64
	Min   float64
	Max   float64
}

// Mean returns the arithmetic mean of recorded samples, or 0.
func (h HistogramStat) Mean() float64 {
	if h.Count == 0 {
		return 0
	}
	return h.Sum / float64(h.Count)
}

// Snapshot is a point-in-time copy of a MemorySink's contents.
type Snapshot struct {
	Counters   map[string]float64
	Gauges     map[string]float64
	Histograms map[string]HistogramStat
}

// MemorySink accumulates signals in process memory. Used by tests and by the
// embedded /healthz report; histogram storage is summary-only so memory stays
// bounded regardless of traffic.
type MemorySink struct {
	mu         sync.Mutex
	counters   map[string]float64
	gauges     map[string]float64
	histograms map[string]*HistogramStat
}

// NewMemorySink returns an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{
		counters:   make(map[string]float64),
		gauges:     make(map[string]float64),
		histograms: make(map[string]*HistogramStat),
	}
}

func (s *MemorySink) IncCounter(name string, delta float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[name] += delta
}

func (s *MemorySink) ObserveHistogram(name string, value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.histograms[name]
	if !ok {
		h = &HistogramStat{Min: value, Max: value}
		s.histograms[name] = h
	}
	if value < h.Min || h.Count == 0 {
		h.Min = value
	}
	if value > h.Max || h.Count == 0 {
		h.Max = value
	}
	h.Count++
	h.Sum += value
}

func (s *MemorySink) SetGauge(name string, value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gauges[name] = value
}

// Counter returns the current value of a counter (0 if never incremented).
func (s *MemorySink) Counter(name string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[name]
}

// Gauge returns the current value of a gauge (0 if never set).
func (s *MemorySink) Gauge(name string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gauges[name]
}

// Histogram returns the summary for a histogram (zero value if never observed).
func (s *MemorySink) Histogram(name string) HistogramStat {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.histograms[name]; ok {
		return *h
	}
	return HistogramStat{}
}

// Snapshot copies all accumulated signals.
func (s *MemorySink) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Counters:   make(map[string]float64, len(s.counters)),
		Gauges:     make(map[string]float64, len(s.gauges)),
		Histograms: make(map[string]HistogramStat, len(s.histograms)),
	}
	for k, v := range s.counters {
		snap.Counters[k] = v
	}
	for k, v := range s.gauges {
		snap.Gauges[k] = v
	}
	for k, v := range s.histograms {
		snap.Histograms[k] = *v
	}
	return snap
}

var _ MetricsSink = (*MemorySink)(nil)
