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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teradata-labs/amcp/pkg/event"
	"github.com/teradata-labs/amcp/pkg/protocol"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []*event.Event
	err    error
}

func (p *capturePublisher) Publish(_ context.Context, e *event.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, e)
	return nil
}

func (p *capturePublisher) topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Topic())
	}
	return out
}

func TestHealthMonitor_TransitionsOnly(t *testing.T) {
	pub := &capturePublisher{}
	mon := NewHealthMonitor(pub, zaptest.NewLogger(t))
	ctx := context.Background()

	mon.ReportDegraded(ctx, "agent-1", "heartbeat missed")
	mon.ReportDegraded(ctx, "agent-1", "still missing")
	mon.ReportRecovered(ctx, "agent-1")
	mon.ReportRecovered(ctx, "agent-1")

	assert.Equal(t, []string{
		protocol.TopicHealthDegraded,
		protocol.TopicHealthRecovered,
	}, pub.topics())
}

func TestHealthMonitor_FirstSightingHealthyIsSilent(t *testing.T) {
	pub := &capturePublisher{}
	mon := NewHealthMonitor(pub, zaptest.NewLogger(t))

	mon.ReportRecovered(context.Background(), "agent-2")
	assert.Empty(t, pub.topics())
	assert.True(t, mon.Healthy("agent-2"))
}

func TestHealthMonitor_CircuitAlertsAlwaysPublish(t *testing.T) {
	pub := &capturePublisher{}
	mon := NewHealthMonitor(pub, zaptest.NewLogger(t))
	ctx := context.Background()

	mon.ReportCircuitOpened(ctx, "broker.publish", "failure threshold")
	mon.ReportCircuitOpened(ctx, "broker.publish", "failure threshold")

	require.Len(t, pub.events, 2)
	for _, e := range pub.events {
		assert.Equal(t, protocol.TopicCircuitOpened, e.Topic())

		var alert protocol.HealthAlert
		require.NoError(t, e.DecodeData(&alert))
		assert.Equal(t, protocol.AlertCircuitOpened, alert.Kind)
		assert.Equal(t, "broker.publish", alert.Subject)
	}
}

func TestHealthMonitor_AlertPayload(t *testing.T) {
	pub := &capturePublisher{}
	mon := NewHealthMonitor(pub, zaptest.NewLogger(t))

	mon.ReportDegraded(context.Background(), "agent-9", "error budget exceeded")

	require.Len(t, pub.events, 1)
	e := pub.events[0]
	assert.Equal(t, "health-monitor", e.Sender())

	var alert protocol.HealthAlert
	require.NoError(t, e.DecodeData(&alert))
	assert.Equal(t, protocol.AlertHealthDegraded, alert.Kind)
	assert.Equal(t, "agent-9", alert.Subject)
	assert.Equal(t, "error budget exceeded", alert.Reason)
	assert.False(t, alert.Timestamp.IsZero())
	assert.False(t, mon.Healthy("agent-9"))
}

func TestHealthMonitor_PublishFailureIsAbsorbed(t *testing.T) {
	pub := &capturePublisher{err: assert.AnError}
	mon := NewHealthMonitor(pub, zaptest.NewLogger(t))

	// must not panic or propagate
	mon.ReportDegraded(context.Background(), "agent-3", "boom")
	assert.False(t, mon.Healthy("agent-3"))
}

func TestHealthMonitor_NilPublisher(t *testing.T) {
	mon := NewHealthMonitor(nil, nil)
	mon.ReportDegraded(context.Background(), "agent-4", "no broker yet")
	assert.False(t, mon.Healthy("agent-4"))
	assert.True(t, mon.Healthy("never-seen"))
}
