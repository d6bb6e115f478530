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
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySink_Counters(t *testing.T) {
	sink := NewMemorySink()
	sink.IncCounter(MetricEventsPublished, 1)
	sink.IncCounter(MetricEventsPublished, 2)
	sink.IncCounter(MetricSessionsCompleted, 1)

	assert.Equal(t, 3.0, sink.Counter(MetricEventsPublished))
	assert.Equal(t, 1.0, sink.Counter(MetricSessionsCompleted))
	assert.Equal(t, 0.0, sink.Counter(MetricSessionsFailed))
}

func TestMemorySink_Histograms(t *testing.T) {
	sink := NewMemorySink()
	for _, v := range []float64{10, 20, 30} {
		sink.ObserveHistogram(MetricPlanLatencyMs, v)
	}

	h := sink.Histogram(MetricPlanLatencyMs)
	assert.Equal(t, int64(3), h.Count)
	assert.Equal(t, 60.0, h.Sum)
	assert.Equal(t, 10.0, h.Min)
	assert.Equal(t, 30.0, h.Max)
	assert.Equal(t, 20.0, h.Mean())

	assert.Equal(t, 0.0, HistogramStat{}.Mean())
}

func TestMemorySink_Gauges(t *testing.T) {
	sink := NewMemorySink()
	sink.SetGauge(GaugeActiveSessions, 4)
	sink.SetGauge(GaugeActiveSessions, 2)
	assert.Equal(t, 2.0, sink.Gauge(GaugeActiveSessions))
}

func TestMemorySink_ConcurrentUse(t *testing.T) {
	sink := NewMemorySink()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				sink.IncCounter(MetricEventsDelivered, 1)
				sink.ObserveHistogram(MetricTaskLatencyMs, float64(j))
				sink.SetGauge(GaugeActiveCorrelations, float64(j))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1000.0, sink.Counter(MetricEventsDelivered))
	assert.Equal(t, int64(1000), sink.Histogram(MetricTaskLatencyMs).Count)
}

func TestMemorySink_Snapshot(t *testing.T) {
	sink := NewMemorySink()
	sink.IncCounter(MetricPlansGenerated, 1)
	sink.SetGauge(GaugeRegisteredAgents, 3)
	sink.ObserveHistogram(MetricSessionLatencyMs, 120)

	snap := sink.Snapshot()
	assert.Equal(t, 1.0, snap.Counters[MetricPlansGenerated])
	assert.Equal(t, 3.0, snap.Gauges[GaugeRegisteredAgents])
	assert.Equal(t, int64(1), snap.Histograms[MetricSessionLatencyMs].Count)

	// snapshot is detached from the live sink
	snap.Counters[MetricPlansGenerated] = 99
	assert.Equal(t, 1.0, sink.Counter(MetricPlansGenerated))
}

func TestPrometheusSink(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink := NewPrometheusSink(reg, "amcp")

	sink.IncCounter(MetricEventsPublished, 2)
	sink.IncCounter(MetricEventsPublished, 1)
	sink.SetGauge(GaugeActiveSessions, 5)
	sink.ObserveHistogram(MetricTaskLatencyMs, 42)

	families, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)

	assert.Equal(t, 3.0, testutil.ToFloat64(sink.counter(MetricEventsPublished)))
	assert.Equal(t, 5.0, testutil.ToFloat64(sink.gauge(GaugeActiveSessions)))

	// negative deltas are ignored rather than panicking the counter
	sink.IncCounter(MetricEventsPublished, -1)
	assert.Equal(t, 3.0, testutil.ToFloat64(sink.counter(MetricEventsPublished)))
}

func TestPrometheusSink_SharedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := NewPrometheusSink(reg, "amcp")
	b := NewPrometheusSink(reg, "amcp")

	a.IncCounter(MetricDeliveriesFailed, 1)
	b.IncCounter(MetricDeliveriesFailed, 1)

	// both sinks converge on the one registered collector
	assert.Equal(t, 2.0, testutil.ToFloat64(a.counter(MetricDeliveriesFailed)))
}

func TestNopSink(t *testing.T) {
	sink := NewNopSink()
	// must be callable without any effect or panic
	sink.IncCounter(MetricEventsPublished, 1)
	sink.ObserveHistogram(MetricPlanLatencyMs, 1)
	sink.SetGauge(GaugeActiveSessions, 1)
}
