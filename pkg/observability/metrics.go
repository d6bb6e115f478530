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

// Package observability provides the pluggable metrics, tracing, and health
// signaling seams shared by every runtime component. Components emit through
// these interfaces; deployments choose the backing (in-memory, Prometheus,
// or nothing).
package observability

// Counter names emitted by the runtime.
const (
	MetricEventsPublished    = "events_published"
	MetricEventsDelivered    = "events_delivered"
	MetricDeliveriesFailed   = "deliveries_failed"
	MetricPlansGenerated     = "plans_generated"
	MetricPlansRepaired      = "plans_repaired"
	MetricFallbacksTriggered = "fallbacks_triggered"
	MetricSessionsCompleted  = "sessions_completed"
	MetricSessionsFailed     = "sessions_failed"
	MetricLLMRequests        = "llm_requests"
	MetricLLMErrors          = "llm_errors"
	MetricLLMTokens          = "llm_tokens"
)

// Histogram names (all latencies in milliseconds).
const (
	MetricPlanLatencyMs    = "plan_latency_ms"
	MetricTaskLatencyMs    = "task_latency_ms"
	MetricSessionLatencyMs = "session_latency_ms"
	MetricLLMLatencyMs     = "llm_latency_ms"
)

// Gauge names.
const (
	GaugeActiveSessions     = "active_sessions"
	GaugeActiveCorrelations = "active_correlations"
	GaugeRegisteredAgents   = "registered_agents"
	GaugeHealthyAgents      = "healthy_agents"
)

// MetricsSink receives runtime signals. Implementations must be safe for
// concurrent use; emitting must never block the caller for long.
type MetricsSink interface {
	// IncCounter adds delta to a monotonically increasing counter.
	IncCounter(name string, delta float64)

	// ObserveHistogram records one sample of a distribution.
	ObserveHistogram(name string, value float64)

	// SetGauge sets a point-in-time value.
	SetGauge(name string, value float64)
}

// NopSink discards every signal. It is the default wherever no sink is
// injected.
type NopSink struct{}

// NewNopSink returns a sink that discards everything.
func NewNopSink() MetricsSink { return NopSink{} }

func (NopSink) IncCounter(string, float64)       {}
func (NopSink) ObserveHistogram(string, float64) {}
func (NopSink) SetGauge(string, float64)         {}

var _ MetricsSink = NopSink{}
