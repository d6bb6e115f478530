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

package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teradata-labs/amcp/pkg/plan"
)

func TestSessionLifecycleEdges(t *testing.T) {
	s := newSession("s-1", "what is the weather", "u-1")
	assert.Equal(t, StateInitializing, s.State())

	assert.False(t, s.transition(StateCompleted), "no shortcut to completed")
	require.True(t, s.transition(StatePlanning))
	require.True(t, s.transition(StateExecuting))
	assert.False(t, s.transition(StateCompleted), "executing must synthesize first")
	require.True(t, s.transition(StateSynthesizing))
	require.True(t, s.transition(StateCompleted))
	assert.True(t, s.State().Terminal())

	assert.False(t, s.transition(StateCancelled), "terminal states are sticky")
	assert.Equal(t, StateCompleted, s.State())
}

func TestSessionDirectAnswerEdge(t *testing.T) {
	s := newSession("s-2", "q", "")
	require.True(t, s.transition(StatePlanning))
	require.True(t, s.transition(StateSynthesizing), "planning may skip execution")
	require.True(t, s.transition(StateCompleted))
}

func TestSessionCancelFromAnyPhase(t *testing.T) {
	for _, phase := range []State{StateInitializing, StatePlanning, StateExecuting, StateSynthesizing} {
		s := newSession("s-3", "q", "")
		for _, step := range []State{StatePlanning, StateExecuting, StateSynthesizing} {
			if s.state == phase {
				break
			}
			require.True(t, s.transition(step))
		}
		assert.True(t, s.transition(StateCancelled), "cancel from %s", phase)
		assert.Equal(t, StateCancelled, s.State())
	}
}

func TestSessionFailedFromAnyPhase(t *testing.T) {
	s := newSession("s-4", "q", "")
	require.True(t, s.transition(StatePlanning))
	assert.True(t, s.transition(StateFailed))
	assert.False(t, s.transition(StateExecuting))
}

func TestSessionDegradedNeverClears(t *testing.T) {
	s := newSession("s-5", "q", "")
	assert.False(t, s.Degraded())
	s.markDegraded()
	assert.True(t, s.Degraded())
	s.markDegraded()
	assert.True(t, s.Degraded())
}

func TestSessionInfoCountsTasks(t *testing.T) {
	s := newSession("s-6", "chain the reports", "u-2")
	tp := plan.New("s-6", "chain the reports", []*plan.Task{
		{Capability: "report.fetch", Priority: 1},
		{Capability: "report.compile", Priority: 1, Dependencies: []string{"t1"}},
	})
	g, err := tp.Graph()
	require.NoError(t, err)
	s.setPlan(tp, g)
	g.SetStatus("t1", plan.TaskCompleted)

	info := s.Info()
	assert.Equal(t, "s-6", info.ID)
	assert.Equal(t, "chain the reports", info.Query)
	assert.Equal(t, "u-2", info.UserID)
	assert.Equal(t, 2, info.Tasks.Total)
	assert.Equal(t, 1, info.Tasks.Completed)
	assert.Equal(t, 1, info.Tasks.Pending)
}

func TestSessionWaveBookkeeping(t *testing.T) {
	s := newSession("s-7", "q", "")
	t1 := &plan.Task{ID: "t1", Capability: "a.b"}
	t2 := &plan.Task{ID: "t2", Capability: "c.d"}
	s.beginWave("corr-wave", []*plan.Task{t1, t2})

	s.mu.Lock()
	delete(s.inflight, "t1")
	s.mu.Unlock()

	unanswered := s.endWave()
	require.Len(t, unanswered, 1)
	assert.Equal(t, "t2", unanswered[0].ID)

	s.mu.Lock()
	assert.Empty(t, s.inflight)
	assert.Empty(t, s.waveCorr)
	s.mu.Unlock()
}
