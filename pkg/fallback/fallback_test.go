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

package fallback

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teradata-labs/amcp/pkg/llm"
	"github.com/teradata-labs/amcp/pkg/observability"
	"github.com/teradata-labs/amcp/pkg/prompt"
	"github.com/teradata-labs/amcp/pkg/registry"
)

type stubProvider struct {
	resp    *llm.Response
	err     error
	lastReq llm.Request
}

func (s *stubProvider) Name() string  { return "stub" }
func (s *stubProvider) Model() string { return "stub-model" }

func (s *stubProvider) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	s.lastReq = req
	if s.err != nil {
		return nil, s.err
	}
	return s.resp, nil
}

func meshSnapshot(t *testing.T) *registry.Snapshot {
	t.Helper()
	r := registry.New(registry.Config{}, zaptest.NewLogger(t))
	require.NoError(t, r.Register(registry.Descriptor{
		AgentID: "weather-1",
		Capabilities: []registry.Capability{
			{Name: "weather.forecast", Description: "Forecasts weather conditions for a location", Parameters: []string{"location", "date"}},
			{Name: "weather.current", Description: "Current weather conditions for a location", Parameters: []string{"location"}},
		},
	}))
	require.NoError(t, r.Register(registry.Descriptor{
		AgentID: "weather-2",
		Capabilities: []registry.Capability{
			{Name: "weather.forecast", Description: "Forecasts weather conditions for a location", Parameters: []string{"location", "date"}},
		},
	}))
	require.NoError(t, r.Register(registry.Descriptor{
		AgentID: "finance-1",
		Capabilities: []registry.Capability{
			{Name: "stock.quote", Description: "Latest stock price for a ticker symbol", Parameters: []string{"symbol"}},
		},
	}))
	return r.Snapshot()
}

func newTestManager(t *testing.T, provider llm.Provider) (*Manager, *observability.MemorySink) {
	t.Helper()
	sink := observability.NewMemorySink()
	m := NewManager(Config{
		Provider: provider,
		Builder:  prompt.NewBuilder(prompt.Config{}),
		Sink:     sink,
	}, zaptest.NewLogger(t))
	return m, sink
}

func TestKeywordPlan_PicksBestCapability(t *testing.T) {
	m, sink := newTestManager(t, nil)
	snap := meshSnapshot(t)

	p, err := m.KeywordPlan("What is the weather forecast for Berlin?", "corr-1", snap)
	require.NoError(t, err)
	require.NoError(t, p.Validate())

	assert.Equal(t, "corr-1", p.CorrelationID)
	assert.Equal(t, "What is the weather forecast for Berlin?", p.OriginalQuery)
	require.Len(t, p.Tasks, 1)
	task := p.Tasks[0]
	assert.Equal(t, "t1", task.ID)
	assert.Equal(t, "weather.forecast", task.Capability)
	assert.Equal(t, map[string]any{"query": "What is the weather forecast for Berlin?"}, task.Parameters)
	assert.Equal(t, 1, task.Priority)
	assert.Equal(t, 1.0, sink.Counter(observability.MetricFallbacksTriggered))
}

func TestKeywordPlan_MatchesDescription(t *testing.T) {
	m, _ := newTestManager(t, nil)
	snap := meshSnapshot(t)

	p, err := m.KeywordPlan("latest price for the AAPL ticker symbol", "corr-2", snap)
	require.NoError(t, err)
	require.Len(t, p.Tasks, 1)
	assert.Equal(t, "stock.quote", p.Tasks[0].Capability)
}

func TestKeywordPlan_NoMatch(t *testing.T) {
	m, sink := newTestManager(t, nil)
	snap := meshSnapshot(t)

	_, err := m.KeywordPlan("zz qq", "corr-3", snap)
	require.ErrorIs(t, err, ErrNoMatch)

	_, err = m.KeywordPlan("", "corr-3", snap)
	require.ErrorIs(t, err, ErrNoMatch)
	assert.Equal(t, 0.0, sink.Counter(observability.MetricFallbacksTriggered))
}

func TestKeywordPlan_EmptyCatalogue(t *testing.T) {
	m, _ := newTestManager(t, nil)
	empty := registry.New(registry.Config{}, zaptest.NewLogger(t)).Snapshot()

	_, err := m.KeywordPlan("weather in Berlin", "corr-4", empty)
	require.ErrorIs(t, err, ErrNoMatch)
	assert.Contains(t, err.Error(), "catalogue is empty")
}

func TestDirectAnswer(t *testing.T) {
	provider := &stubProvider{resp: &llm.Response{Content: "  It is sunny in Berlin today.  "}}
	m, sink := newTestManager(t, provider)

	answer, err := m.DirectAnswer(context.Background(), "weather in Berlin?")
	require.NoError(t, err)
	assert.Equal(t, "It is sunny in Berlin today.", answer)
	assert.Equal(t, 1.0, sink.Counter(observability.MetricFallbacksTriggered))

	require.Len(t, provider.lastReq.Messages, 1)
	assert.Contains(t, provider.lastReq.Messages[0].Content, "weather in Berlin?")
}

func TestDirectAnswer_NoProvider(t *testing.T) {
	m, _ := newTestManager(t, nil)

	_, err := m.DirectAnswer(context.Background(), "weather in Berlin?")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no llm provider")
}

func TestDirectAnswer_ProviderError(t *testing.T) {
	provider := &stubProvider{err: errors.New("throttled")}
	m, sink := newTestManager(t, provider)

	_, err := m.DirectAnswer(context.Background(), "weather in Berlin?")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "direct answer failed")
	assert.Contains(t, err.Error(), "throttled")
	assert.Equal(t, 0.0, sink.Counter(observability.MetricFallbacksTriggered))
}

func TestDirectAnswer_EmptyContent(t *testing.T) {
	provider := &stubProvider{resp: &llm.Response{Content: "   "}}
	m, _ := newTestManager(t, provider)

	_, err := m.DirectAnswer(context.Background(), "weather in Berlin?")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty content")
}

func TestAlternateAgent(t *testing.T) {
	m, _ := newTestManager(t, nil)
	snap := meshSnapshot(t)

	alt, ok := m.AlternateAgent(snap, "weather.forecast", "weather-1")
	require.True(t, ok)
	assert.Equal(t, "weather-2", alt)

	_, ok = m.AlternateAgent(snap, "stock.quote", "finance-1")
	assert.False(t, ok)

	_, ok = m.AlternateAgent(snap, "no.such.capability", "")
	assert.False(t, ok)
}

func TestEmergencyResponse(t *testing.T) {
	m, sink := newTestManager(t, nil)

	resp := m.EmergencyResponse("corr-9", "the planning service is unavailable")
	assert.Equal(t, "I could not complete your request because the planning service is unavailable. Please try again.", resp)

	resp = m.EmergencyResponse("corr-9", "")
	assert.Equal(t, "I could not complete your request because of an internal error. Please try again.", resp)
	assert.Equal(t, 2.0, sink.Counter(observability.MetricFallbacksTriggered))
}
