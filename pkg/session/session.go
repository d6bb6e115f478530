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

// Package session runs one user request end to end: plan, dispatch,
// collect, synthesize, respond. Each session is a small state machine with
// a single owning goroutine; task responses arrive from broker workers and
// are serialized through the session mutex. The manager bounds concurrent
// sessions and guarantees exactly one user.response per accepted request.
package session

import (
	"sync"
	"time"

	"github.com/teradata-labs/amcp/pkg/plan"
)

// State is a session lifecycle phase.
type State string

const (
	StateInitializing State = "initializing"
	StatePlanning     State = "planning"
	StateExecuting    State = "executing"
	StateSynthesizing State = "synthesizing"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
	StateCancelled    State = "cancelled"
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// transitions lists the forward edges of the state machine. Cancelled and
// failed are reachable from any non-terminal state and are handled
// separately in transition. Planning may jump straight to synthesizing
// when no capability matches and the answer comes from the model alone.
var transitions = map[State][]State{
	StateInitializing: {StatePlanning},
	StatePlanning:     {StateExecuting, StateSynthesizing},
	StateExecuting:    {StateSynthesizing},
	StateSynthesizing: {StateCompleted},
}

// Session is the per-request orchestration instance. The runner goroutine
// owns the lifecycle; response application and cancellation come from
// other goroutines and synchronize on mu.
type Session struct {
	// ID is the correlation id the user sees. Immutable.
	ID string
	// Query is the original user query. Immutable.
	Query string
	// UserID identifies the requester when the frontend supplied one.
	UserID string
	// StartedAt is the accept time. Immutable.
	StartedAt time.Time

	mu         sync.Mutex
	state      State
	degraded   bool
	errMsg     string
	lastUpdate time.Time

	plan  *plan.TaskPlan
	graph *plan.Graph

	// inflight tracks the current dispatch wave by task id; waveCorr is
	// the correlation context collecting that wave's responses.
	inflight map[string]*plan.Task
	waveCorr string

	// failedBy records per task the agent that reported its failure,
	// feeding alternate-agent selection on retry.
	failedBy map[string]string

	cancelRun   func()
	respondOnce sync.Once
}

func newSession(id, query, userID string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:         id,
		Query:      query,
		UserID:     userID,
		StartedAt:  now,
		state:      StateInitializing,
		lastUpdate: now,
		inflight:   make(map[string]*plan.Task),
		failedBy:   make(map[string]string),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Degraded reports whether the session lost required work along the way.
func (s *Session) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// transition advances the state machine. Forward edges must be declared in
// the transition table; cancelled and failed are reachable from any
// non-terminal state. Returns false when the session is already terminal
// or the edge does not exist.
func (s *Session) transition(to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return false
	}
	if to == StateCancelled || to == StateFailed {
		s.state = to
		s.lastUpdate = time.Now().UTC()
		return true
	}
	for _, next := range transitions[s.state] {
		if next == to {
			s.state = to
			s.lastUpdate = time.Now().UTC()
			return true
		}
	}
	return false
}

// markDegraded sets the degraded flag; it never clears.
func (s *Session) markDegraded() {
	s.mu.Lock()
	s.degraded = true
	s.lastUpdate = time.Now().UTC()
	s.mu.Unlock()
}

// setError records the user-safe failure summary.
func (s *Session) setError(msg string) {
	s.mu.Lock()
	s.errMsg = msg
	s.lastUpdate = time.Now().UTC()
	s.mu.Unlock()
}

// setPlan attaches the validated plan and its graph.
func (s *Session) setPlan(tp *plan.TaskPlan, g *plan.Graph) {
	s.mu.Lock()
	s.plan = tp
	s.graph = g
	s.lastUpdate = time.Now().UTC()
	s.mu.Unlock()
}

// beginWave registers the tasks of one dispatch wave and the correlation
// context collecting their responses.
func (s *Session) beginWave(corrID string, tasks []*plan.Task) {
	s.mu.Lock()
	s.waveCorr = corrID
	s.inflight = make(map[string]*plan.Task, len(tasks))
	for _, t := range tasks {
		s.inflight[t.ID] = t
	}
	s.lastUpdate = time.Now().UTC()
	s.mu.Unlock()
}

// endWave closes the wave and returns the tasks that never answered.
func (s *Session) endWave() []*plan.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	var unanswered []*plan.Task
	for _, t := range s.inflight {
		unanswered = append(unanswered, t)
	}
	s.inflight = make(map[string]*plan.Task)
	s.waveCorr = ""
	return unanswered
}

// Info is a point-in-time view of a session for monitoring surfaces.
type Info struct {
	ID         string      `json:"sessionId"`
	Query      string      `json:"query"`
	UserID     string      `json:"userId,omitempty"`
	State      State       `json:"state"`
	Degraded   bool        `json:"degraded"`
	Error      string      `json:"error,omitempty"`
	StartedAt  time.Time   `json:"startedAt"`
	LastUpdate time.Time   `json:"lastUpdate"`
	Tasks      plan.Counts `json:"tasks"`
}

// Info snapshots the session state for monitoring.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := Info{
		ID:         s.ID,
		Query:      s.Query,
		UserID:     s.UserID,
		State:      s.state,
		Degraded:   s.degraded,
		Error:      s.errMsg,
		StartedAt:  s.StartedAt,
		LastUpdate: s.lastUpdate,
	}
	if s.graph != nil {
		info.Tasks = s.graph.Counts()
	}
	return info
}
