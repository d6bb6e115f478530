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
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/amcp/pkg/event"
	"github.com/teradata-labs/amcp/pkg/protocol"
)

// Publisher is the narrow broker seam the health monitor publishes through.
// Keeping it here avoids a dependency cycle with the broker package.
type Publisher interface {
	Publish(ctx context.Context, e *event.Event) error
}

// HealthMonitor turns component health transitions into system.health.*
// alert events. Repeated reports of the same state are absorbed; only
// transitions publish. Alert publishing is best-effort: a failed publish is
// logged, never raised.
type HealthMonitor struct {
	mu      sync.Mutex
	healthy map[string]bool

	publisher Publisher
	source    string
	logger    *zap.Logger
}

// NewHealthMonitor creates a monitor publishing through pub. A nil pub
// degrades to log-only operation.
func NewHealthMonitor(pub Publisher, logger *zap.Logger) *HealthMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthMonitor{
		healthy:   make(map[string]bool),
		publisher: pub,
		source:    "amcp://health-monitor",
		logger:    logger,
	}
}

// ReportDegraded records that subject is unhealthy. Emits HealthDegraded on
// the healthy-to-degraded transition (first sighting counts as a transition).
func (m *HealthMonitor) ReportDegraded(ctx context.Context, subject, reason string) {
	m.mu.Lock()
	prev, seen := m.healthy[subject]
	m.healthy[subject] = false
	m.mu.Unlock()

	if seen && !prev {
		return
	}
	m.logger.Warn("component degraded",
		zap.String("subject", subject),
		zap.String("reason", reason))
	m.emit(ctx, protocol.AlertHealthDegraded, subject, reason)
}

// ReportRecovered records that subject is healthy again. Emits
// HealthRecovered only when the subject was previously degraded.
func (m *HealthMonitor) ReportRecovered(ctx context.Context, subject string) {
	m.mu.Lock()
	prev, seen := m.healthy[subject]
	m.healthy[subject] = true
	m.mu.Unlock()

	if !seen || prev {
		return
	}
	m.logger.Info("component recovered", zap.String("subject", subject))
	m.emit(ctx, protocol.AlertHealthRecovered, subject, "")
}

// ReportCircuitOpened emits a CircuitOpened alert. Breakers open repeatedly
// by nature, so every call publishes.
func (m *HealthMonitor) ReportCircuitOpened(ctx context.Context, subject, reason string) {
	m.logger.Warn("circuit opened",
		zap.String("subject", subject),
		zap.String("reason", reason))
	m.emit(ctx, protocol.AlertCircuitOpened, subject, reason)
}

// Healthy reports the last recorded state for subject. Unknown subjects are
// considered healthy.
func (m *HealthMonitor) Healthy(subject string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if state, seen := m.healthy[subject]; seen {
		return state
	}
	return true
}

func (m *HealthMonitor) emit(ctx context.Context, kind, subject, reason string) {
	if m.publisher == nil {
		return
	}
	alert := protocol.HealthAlert{
		Kind:      kind,
		Subject:   subject,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	}
	e, err := protocol.NewEvent(protocol.AlertTopic(kind), m.source, alert,
		event.WithSender("health-monitor"))
	if err != nil {
		m.logger.Error("build health alert", zap.Error(err))
		return
	}
	if err := m.publisher.Publish(ctx, e); err != nil {
		m.logger.Warn("publish health alert failed",
			zap.String("kind", kind),
			zap.String("subject", subject),
			zap.Error(err))
	}
}
