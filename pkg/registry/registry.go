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

// Package registry tracks the live agent mesh: which agents exist, what
// capabilities they advertise, and whether their heartbeats still arrive.
// Reads go through an immutable copy-on-write snapshot swapped under the
// writer lock, so capability lookups never block registrations.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/amcp/pkg/observability"
	"github.com/teradata-labs/amcp/pkg/protocol"
)

// Registry defaults.
const (
	DefaultHeartbeatTimeout = 30 * time.Second
	DefaultErrorThreshold   = 3
)

// ErrUnknownAgent is returned for operations on agents that were never
// registered or have been unregistered.
var ErrUnknownAgent = errors.New("unknown agent")

// Capability describes one operation an agent advertises. The name doubles
// as the task topic suffix: a plan step with capability weather.forecast is
// dispatched on task.request.weather.forecast.
type Capability struct {
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Parameters  []string `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// Health is the digest the registry keeps from one heartbeat.
type Health struct {
	Status     string
	ErrorCount int
	Metrics    map[string]float64
}

// Descriptor is an agent's registry record. Identity fields are fixed at
// registration; LastHeartbeat, Healthy, ErrorCount, and Metrics move with
// each heartbeat.
type Descriptor struct {
	AgentID      string            `json:"agentId"`
	AgentType    string            `json:"agentType,omitempty"`
	Capabilities []Capability      `json:"capabilities"`
	Endpoint     string            `json:"endpoint,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`

	// Static members come from profile files and are exempt from
	// heartbeat staleness.
	Static bool `json:"static,omitempty"`

	RegisteredAt  time.Time `json:"registeredAt"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
	Healthy       bool      `json:"healthy"`
	ErrorCount    int       `json:"errorCount,omitempty"`

	Metrics map[string]float64 `json:"metrics,omitempty"`
}

func (d *Descriptor) clone() *Descriptor {
	out := *d
	out.Capabilities = make([]Capability, len(d.Capabilities))
	for i, c := range d.Capabilities {
		out.Capabilities[i] = c
		out.Capabilities[i].Parameters = append([]string(nil), c.Parameters...)
	}
	if d.Metadata != nil {
		out.Metadata = make(map[string]string, len(d.Metadata))
		for k, v := range d.Metadata {
			out.Metadata[k] = v
		}
	}
	if d.Metrics != nil {
		out.Metrics = make(map[string]float64, len(d.Metrics))
		for k, v := range d.Metrics {
			out.Metrics[k] = v
		}
	}
	return &out
}

// StatusChange reports one agent health transition.
type StatusChange struct {
	AgentID string
	Healthy bool
	Reason  string
	At      time.Time
}

// Config controls health bookkeeping.
type Config struct {
	// HeartbeatTimeout is how long an agent may stay silent before
	// MarkStale flips it unhealthy.
	HeartbeatTimeout time.Duration

	// ErrorThreshold is the highest heartbeat errorCount that still
	// counts as healthy.
	ErrorThreshold int

	// Sink receives the registered_agents and healthy_agents gauges.
	// Defaults to a no-op.
	Sink observability.MetricsSink
}

// DefaultConfig returns the standard registry settings.
func DefaultConfig() Config {
	return Config{
		HeartbeatTimeout: DefaultHeartbeatTimeout,
		ErrorThreshold:   DefaultErrorThreshold,
	}
}

// Registry is the mesh membership table. Writers mutate the master records
// under mu and publish a fresh snapshot; readers only ever touch the
// snapshot pointer.
type Registry struct {
	mu     sync.Mutex
	agents map[string]*Descriptor
	snap   atomic.Pointer[Snapshot]

	listenerMu sync.RWMutex
	listeners  []func(StatusChange)

	cfg    Config
	logger *zap.Logger
	sink   observability.MetricsSink
}

// New builds a Registry, applying defaults for zero config fields.
func New(cfg Config, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if cfg.ErrorThreshold <= 0 {
		cfg.ErrorThreshold = DefaultErrorThreshold
	}
	sink := cfg.Sink
	if sink == nil {
		sink = observability.NewNopSink()
	}
	r := &Registry{
		agents: make(map[string]*Descriptor),
		cfg:    cfg,
		logger: logger,
		sink:   sink,
	}
	r.snap.Store(emptySnapshot())
	return r
}

// OnStatusChange subscribes to health transitions. Callbacks run on the
// mutating goroutine after the registry lock is released; they must not
// call back into the registry's write path.
func (r *Registry) OnStatusChange(fn func(StatusChange)) {
	if fn == nil {
		return
	}
	r.listenerMu.Lock()
	r.listeners = append(r.listeners, fn)
	r.listenerMu.Unlock()
}

// Register adds or replaces an agent record. Re-registration is how agents
// refresh their descriptor after a restart; the record is rebuilt from
// scratch. Newly registered agents start healthy with the registration
// instant as their first heartbeat.
func (r *Registry) Register(d Descriptor) error {
	if d.AgentID == "" {
		return errors.New("register: agent id is required")
	}
	if len(d.Capabilities) == 0 {
		return fmt.Errorf("register %s: at least one capability is required", d.AgentID)
	}
	for _, c := range d.Capabilities {
		if !protocol.IsValidCapability(c.Name) {
			return fmt.Errorf("register %s: malformed capability %q", d.AgentID, c.Name)
		}
	}

	now := time.Now().UTC()
	if d.RegisteredAt.IsZero() {
		d.RegisteredAt = now
	}
	if d.LastHeartbeat.IsZero() {
		d.LastHeartbeat = now
	}
	d.Healthy = true
	d.ErrorCount = 0

	rec := d.clone()

	r.mu.Lock()
	prev, replaced := r.agents[d.AgentID]
	r.agents[d.AgentID] = rec
	r.rebuildLocked()
	r.mu.Unlock()

	change := StatusChange{AgentID: d.AgentID, Healthy: true, At: now, Reason: "registered"}
	if replaced {
		change.Reason = "re-registered"
		if prev.Healthy {
			change.Reason = ""
		}
	}
	if change.Reason != "" {
		r.notify(change)
	}

	r.logger.Info("agent registered",
		zap.String("agent_id", d.AgentID),
		zap.String("agent_type", d.AgentType),
		zap.Int("capabilities", len(d.Capabilities)),
		zap.Bool("replaced", replaced))
	return nil
}

// Unregister removes an agent. Removal notifies listeners so the mesh can
// react to planned departures the same way it reacts to failures.
func (r *Registry) Unregister(agentID string) error {
	r.mu.Lock()
	_, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	delete(r.agents, agentID)
	r.rebuildLocked()
	r.mu.Unlock()

	r.notify(StatusChange{AgentID: agentID, Healthy: false, At: time.Now().UTC(), Reason: "unregistered"})
	r.logger.Info("agent unregistered", zap.String("agent_id", agentID))
	return nil
}

// Heartbeat records a liveness report. The agent becomes healthy iff the
// reported status is "healthy" and the error count is at or below the
// threshold; any other report marks it unhealthy.
func (r *Registry) Heartbeat(agentID string, h Health) error {
	now := time.Now().UTC()
	healthy := h.Status == protocol.StatusHealthy && h.ErrorCount <= r.cfg.ErrorThreshold

	r.mu.Lock()
	rec, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	was := rec.Healthy
	rec.LastHeartbeat = now
	rec.Healthy = healthy
	rec.ErrorCount = h.ErrorCount
	if h.Metrics != nil {
		rec.Metrics = make(map[string]float64, len(h.Metrics))
		for k, v := range h.Metrics {
			rec.Metrics[k] = v
		}
	}
	if was != healthy {
		r.rebuildLocked()
	} else {
		r.refreshSnapshotLocked(agentID, rec)
	}
	r.mu.Unlock()

	if was != healthy {
		reason := "heartbeat restored health"
		if !healthy {
			reason = fmt.Sprintf("heartbeat reported status %q with %d errors", h.Status, h.ErrorCount)
		}
		r.notify(StatusChange{AgentID: agentID, Healthy: healthy, At: now, Reason: reason})
		r.logger.Info("agent health changed",
			zap.String("agent_id", agentID),
			zap.Bool("healthy", healthy),
			zap.String("status", h.Status),
			zap.Int("error_count", h.ErrorCount))
	}
	return nil
}

// UpdateCapabilities replaces an agent's advertised capability set.
func (r *Registry) UpdateCapabilities(agentID string, caps []Capability) error {
	if len(caps) == 0 {
		return fmt.Errorf("update %s: at least one capability is required", agentID)
	}
	for _, c := range caps {
		if !protocol.IsValidCapability(c.Name) {
			return fmt.Errorf("update %s: malformed capability %q", agentID, c.Name)
		}
	}

	r.mu.Lock()
	rec, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	rec.Capabilities = make([]Capability, len(caps))
	for i, c := range caps {
		rec.Capabilities[i] = c
		rec.Capabilities[i].Parameters = append([]string(nil), c.Parameters...)
	}
	r.rebuildLocked()
	r.mu.Unlock()

	r.logger.Info("agent capabilities updated",
		zap.String("agent_id", agentID),
		zap.Int("capabilities", len(caps)))
	return nil
}

// Lookup returns the healthy agents advertising a capability, in id order.
func (r *Registry) Lookup(capability string) []string {
	return r.snap.Load().AgentsFor(capability)
}

// Healthy reports whether the agent is registered and currently healthy.
func (r *Registry) Healthy(agentID string) bool {
	d, ok := r.snap.Load().Agent(agentID)
	return ok && d.Healthy
}

// Snapshot returns the current immutable view of the mesh.
func (r *Registry) Snapshot() *Snapshot {
	return r.snap.Load()
}

// MarkStale flips agents unhealthy when their last heartbeat is older than
// the heartbeat timeout, returning the transitions performed. Static
// members never go stale. Callers run this from a periodic sweeper.
func (r *Registry) MarkStale(now time.Time) []StatusChange {
	cutoff := now.Add(-r.cfg.HeartbeatTimeout)

	r.mu.Lock()
	var changes []StatusChange
	for id, rec := range r.agents {
		if rec.Static || !rec.Healthy || !rec.LastHeartbeat.Before(cutoff) {
			continue
		}
		rec.Healthy = false
		changes = append(changes, StatusChange{
			AgentID: id,
			Healthy: false,
			At:      now,
			Reason:  fmt.Sprintf("no heartbeat since %s", rec.LastHeartbeat.Format(time.RFC3339)),
		})
	}
	if len(changes) > 0 {
		r.rebuildLocked()
	}
	r.mu.Unlock()

	for _, c := range changes {
		r.notify(c)
		r.logger.Warn("agent marked stale",
			zap.String("agent_id", c.AgentID),
			zap.String("reason", c.Reason))
	}
	return changes
}

// rebuildLocked publishes a fresh snapshot from the master records and
// updates the mesh gauges. Caller holds mu.
func (r *Registry) rebuildLocked() {
	snap := buildSnapshot(r.agents)
	r.snap.Store(snap)
	r.sink.SetGauge(observability.GaugeRegisteredAgents, float64(snap.Len()))
	r.sink.SetGauge(observability.GaugeHealthyAgents, float64(snap.HealthyCount()))
}

// refreshSnapshotLocked folds a single updated record into a copy of the
// current snapshot. Used for heartbeats that change no health state, where
// rebuilding the capability index would be wasted work. Caller holds mu.
func (r *Registry) refreshSnapshotLocked(agentID string, rec *Descriptor) {
	r.snap.Store(r.snap.Load().withAgent(agentID, rec.clone()))
}

func (r *Registry) notify(change StatusChange) {
	r.listenerMu.RLock()
	listeners := r.listeners
	r.listenerMu.RUnlock()
	for _, fn := range listeners {
		fn(change)
	}
}
