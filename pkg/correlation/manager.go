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

package correlation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teradata-labs/amcp/pkg/observability"
)

// Manager defaults.
const (
	DefaultTimeout    = 30 * time.Second
	DefaultGrace      = 2 * time.Minute
	DefaultMaxPending = 10000
)

// Config controls correlation bookkeeping.
type Config struct {
	// DefaultTimeout applies when Create is called with a zero timeout.
	DefaultTimeout time.Duration

	// Grace is how long a context may linger past its deadline before
	// the sweeper removes it.
	Grace time.Duration

	// MaxPending bounds the table. Create fails with ErrOverloaded once
	// the bound is reached.
	MaxPending int

	// Sink receives the active_correlations gauge. Defaults to a no-op.
	Sink observability.MetricsSink
}

// DefaultConfig returns the standard correlation settings.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout: DefaultTimeout,
		Grace:          DefaultGrace,
		MaxPending:     DefaultMaxPending,
	}
}

// Manager owns the corrId to context table. The table mutex only guards
// map membership; each context carries its own lock, so recording a
// response never contends with unrelated correlations.
type Manager struct {
	mu    sync.RWMutex
	table map[string]*Context

	cfg    Config
	logger *zap.Logger
	sink   observability.MetricsSink
}

// NewManager builds a Manager, applying defaults for zero config fields.
func NewManager(cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultGrace
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = DefaultMaxPending
	}
	sink := cfg.Sink
	if sink == nil {
		sink = observability.NewNopSink()
	}
	return &Manager{
		table:  make(map[string]*Context),
		cfg:    cfg,
		logger: logger,
		sink:   sink,
	}
}

// Create registers a new pending context expecting the given number of
// responses and returns it. The correlation id is generated and unique.
func (m *Manager) Create(requestID, kind string, expected int, timeout time.Duration) (*Context, error) {
	if expected < 1 {
		return nil, fmt.Errorf("expected responses must be >= 1, got %d", expected)
	}
	if timeout <= 0 {
		timeout = m.cfg.DefaultTimeout
	}
	now := time.Now().UTC()
	c := &Context{
		ID:        uuid.New().String(),
		RequestID: requestID,
		Kind:      kind,
		Expected:  expected,
		CreatedAt: now,
		Deadline:  now.Add(timeout),
		state:     StatePending,
		done:      make(chan struct{}),
	}

	m.mu.Lock()
	if len(m.table) >= m.cfg.MaxPending {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %d pending correlations", ErrOverloaded, m.cfg.MaxPending)
	}
	m.table[c.ID] = c
	active := len(m.table)
	m.mu.Unlock()

	m.sink.SetGauge(observability.GaugeActiveCorrelations, float64(active))
	m.logger.Debug("correlation created",
		zap.String("correlation_id", c.ID),
		zap.String("request_id", requestID),
		zap.String("kind", kind),
		zap.Int("expected", expected),
		zap.Time("deadline", c.Deadline))
	return c, nil
}

// Record appends a response to its context and reports whether it was
// accepted. Responses for unknown or already-terminal correlations are
// logged and discarded; they never raise.
func (m *Manager) Record(corrID string, r Response) bool {
	if r.ReceivedAt.IsZero() {
		r.ReceivedAt = time.Now().UTC()
	}

	m.mu.RLock()
	c, ok := m.table[corrID]
	m.mu.RUnlock()
	if !ok {
		m.logger.Warn("response for unknown correlation discarded",
			zap.String("correlation_id", corrID),
			zap.String("source", r.Source))
		return false
	}

	accepted, completed := c.record(r)
	if !accepted {
		m.logger.Info("late response discarded",
			zap.String("correlation_id", corrID),
			zap.String("source", r.Source),
			zap.String("state", string(c.State())))
		return false
	}
	if completed {
		m.logger.Debug("correlation completed",
			zap.String("correlation_id", corrID),
			zap.Int("received", c.Expected))
	}
	return true
}

// Await blocks until the context completes, its deadline passes, or ctx is
// cancelled. It always returns the responses received so far; the error
// distinguishes the outcome: nil for completion, ErrTimeout for a deadline
// wake, ErrCancelled after Cancel, or the ctx error when the caller gave up.
func (m *Manager) Await(ctx context.Context, corrID string) ([]Response, error) {
	m.mu.RLock()
	c, ok := m.table[corrID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCorrelation, corrID)
	}

	timer := time.NewTimer(time.Until(c.Deadline))
	defer timer.Stop()

	select {
	case <-c.done:
	case <-timer.C:
		// A completion signal can race the timer; transition fails if
		// the context already left pending, and the state switch below
		// reports whichever outcome won.
		c.transition(StateTimedOut)
	case <-ctx.Done():
		c.transition(StateCancelled)
		_, received := c.snapshot()
		return received, ctx.Err()
	}

	state, received := c.snapshot()
	switch state {
	case StateCompleted:
		return received, nil
	case StateTimedOut:
		m.logger.Warn("correlation timed out",
			zap.String("correlation_id", corrID),
			zap.Int("received", len(received)),
			zap.Int("expected", c.Expected))
		return received, ErrTimeout
	case StateCancelled:
		return received, ErrCancelled
	default:
		return received, fmt.Errorf("correlation %s woke in state %s", corrID, state)
	}
}

// Cancel moves a pending context to cancelled and wakes its awaiter. It is
// idempotent and reports whether the call performed the transition.
func (m *Manager) Cancel(corrID string) bool {
	m.mu.RLock()
	c, ok := m.table[corrID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	if c.transition(StateCancelled) {
		m.logger.Debug("correlation cancelled", zap.String("correlation_id", corrID))
		return true
	}
	return false
}

// Remove drops a context from the table. Callers remove their correlation
// once Await returns so the table only holds in-flight work.
func (m *Manager) Remove(corrID string) {
	m.mu.Lock()
	_, ok := m.table[corrID]
	if ok {
		delete(m.table, corrID)
	}
	active := len(m.table)
	m.mu.Unlock()
	if ok {
		m.sink.SetGauge(observability.GaugeActiveCorrelations, float64(active))
	}
}

// Get returns the context for corrID, if present.
func (m *Manager) Get(corrID string) (*Context, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.table[corrID]
	return c, ok
}

// Active returns the number of contexts currently tracked.
func (m *Manager) Active() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.table)
}

// SweepExpired removes contexts older than deadline plus grace and returns
// how many were reaped. Pending stragglers are timed out first so a leaked
// awaiter still wakes with its partial results.
func (m *Manager) SweepExpired() int {
	cutoff := time.Now().UTC()

	m.mu.Lock()
	var expired []*Context
	for id, c := range m.table {
		if cutoff.After(c.Deadline.Add(m.cfg.Grace)) {
			expired = append(expired, c)
			delete(m.table, id)
		}
	}
	active := len(m.table)
	m.mu.Unlock()

	for _, c := range expired {
		if c.transition(StateTimedOut) {
			m.logger.Warn("swept pending correlation",
				zap.String("correlation_id", c.ID),
				zap.Time("deadline", c.Deadline))
		}
	}
	if len(expired) > 0 {
		m.sink.SetGauge(observability.GaugeActiveCorrelations, float64(active))
		m.logger.Info("correlation sweep", zap.Int("removed", len(expired)), zap.Int("active", active))
	}
	return len(expired)
}
