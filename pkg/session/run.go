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
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/amcp/pkg/correlation"
	"github.com/teradata-labs/amcp/pkg/event"
	"github.com/teradata-labs/amcp/pkg/plan"
	"github.com/teradata-labs/amcp/pkg/prompt"
	"github.com/teradata-labs/amcp/pkg/protocol"
)

// run drives one session from planning to its single user.response.
func (m *Manager) run(ctx context.Context, s *Session) {
	defer m.wg.Done()
	defer m.remove(s)
	defer s.cancelRun()

	if !s.transition(StatePlanning) {
		m.finishCancelled(s)
		return
	}

	taskPlan, err := m.cfg.Planner.GeneratePlan(ctx, s.Query, s.ID)
	if err != nil {
		if s.State() == StateCancelled {
			m.finishCancelled(s)
			return
		}
		m.logger.Warn("planning failed, attempting direct answer",
			zap.String("correlation_id", s.ID),
			zap.Error(err))
		m.answerDirect(ctx, s)
		return
	}

	graph, err := taskPlan.Graph()
	if err != nil {
		// GeneratePlan validates its output; a graph defect here is a bug.
		m.logger.Error("plan graph construction failed",
			zap.String("correlation_id", s.ID),
			zap.Error(err))
		m.failWith(s, "an internal planning error occurred", nil)
		return
	}
	s.setPlan(taskPlan, graph)
	m.logger.Info("plan accepted",
		zap.String("correlation_id", s.ID),
		zap.String("plan_id", taskPlan.ID),
		zap.Int("tasks", len(taskPlan.Tasks)))

	if !s.transition(StateExecuting) {
		m.finishCancelled(s)
		return
	}
	m.execute(ctx, s)

	if s.State() == StateCancelled {
		m.finishCancelled(s)
		return
	}

	synthCtx := ctx
	if ctx.Err() != nil {
		// Session budget is spent; partial synthesis runs on the cancel
		// grace so the response still goes out.
		var cancel context.CancelFunc
		synthCtx, cancel = context.WithTimeout(context.Background(), m.cfg.CancelGrace)
		defer cancel()
	}
	m.synthesize(synthCtx, s)
}

// execute drives dispatch waves until every task settles, the session is
// cancelled, or the session deadline passes.
func (m *Manager) execute(ctx context.Context, s *Session) {
	retried := make(map[string]bool)
	for {
		if s.State() == StateCancelled {
			return
		}
		if ctx.Err() != nil {
			m.expireRemaining(s, "session deadline passed")
			return
		}
		if s.graph.Complete() {
			return
		}
		ready := s.graph.Ready()
		if len(ready) == 0 {
			// Settlement cancels pending dependents of dead tasks, so an
			// unfinished graph without ready work is a plan defect.
			if s.graph.Stalled() {
				m.logger.Error("execution stalled, cancelling unreachable tasks",
					zap.String("correlation_id", s.ID))
				m.expireRemaining(s, "execution stalled")
			}
			return
		}

		wave := make([]*plan.Task, 0, len(ready))
		for _, id := range ready {
			if t, ok := s.plan.Task(id); ok {
				wave = append(wave, t)
			}
		}
		m.runWave(ctx, s, wave)

		for _, t := range wave {
			if t.Status == plan.TaskFailed || t.Status == plan.TaskTimedOut {
				m.settleFailure(s, t, retried)
			}
		}
	}
}

// runWave dispatches one wave of ready tasks and blocks until every task
// settles or the wave deadline passes. The wave's correlation context
// counts one response per task; dispatch failures record synthetically so
// the count stays aligned.
func (m *Manager) runWave(ctx context.Context, s *Session, wave []*plan.Task) {
	timeout := m.waveTimeout(wave)
	waveCtx, err := m.cfg.Correlations.Create(s.ID, "task-wave", len(wave), timeout)
	if err != nil {
		m.logger.Error("wave correlation rejected",
			zap.String("correlation_id", s.ID),
			zap.Error(err))
		m.settleWave(s, wave, plan.TaskFailed, &protocol.ErrorDetail{
			Code:    "OVERLOADED",
			Message: "correlation capacity exhausted",
		})
		return
	}
	defer m.cfg.Correlations.Remove(waveCtx.ID)

	now := time.Now().UTC()
	s.mu.Lock()
	for _, t := range wave {
		t.Status = plan.TaskRunning
		t.StartedAt = now
		t.Result = nil
		t.Error = nil
		t.CompletedAt = time.Time{}
	}
	s.mu.Unlock()
	s.beginWave(waveCtx.ID, wave)
	for _, t := range wave {
		s.graph.SetStatus(t.ID, plan.TaskRunning)
	}

	for _, t := range wave {
		m.dispatch(ctx, s, t, waveCtx.ID)
	}

	_, aerr := m.cfg.Correlations.Await(ctx, waveCtx.ID)
	unanswered := s.endWave()
	if len(unanswered) == 0 {
		return
	}

	// Tasks that never answered time out, unless the wave was cut short
	// by a cancel.
	status := plan.TaskTimedOut
	detail := &protocol.ErrorDetail{Code: "TIMEOUT", Message: "no response before the task deadline"}
	if errors.Is(aerr, context.Canceled) || errors.Is(aerr, correlation.ErrCancelled) {
		status = plan.TaskCancelled
		detail = &protocol.ErrorDetail{Code: "CANCELLED", Message: "session cancelled before the task answered"}
	}
	m.settleWave(s, unanswered, status, detail)
	for _, t := range unanswered {
		m.logger.Warn("task did not answer",
			zap.String("correlation_id", s.ID),
			zap.String("task_id", t.ID),
			zap.String("capability", t.Capability),
			zap.String("status", string(status)))
	}
}

// settleWave force-settles the given tasks with one shared outcome.
func (m *Manager) settleWave(s *Session, tasks []*plan.Task, status plan.TaskStatus, detail *protocol.ErrorDetail) {
	now := time.Now().UTC()
	s.mu.Lock()
	for _, t := range tasks {
		t.Status = status
		t.Error = detail
		t.CompletedAt = now
	}
	s.mu.Unlock()
	for _, t := range tasks {
		s.graph.SetStatus(t.ID, status)
	}
}

// dispatch publishes one task.request on the capability topic. A publish
// failure settles the task immediately and records synthetically against
// the wave.
func (m *Manager) dispatch(ctx context.Context, s *Session, t *plan.Task, waveCorr string) {
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = m.cfg.TaskTimeout
	}
	payload := protocol.TaskRequest{
		CorrelationID: s.ID,
		TaskID:        t.ID,
		Capability:    t.Capability,
		Parameters:    m.taskParameters(s, t),
		Priority:      t.Priority,
		TimeoutMs:     timeout.Milliseconds(),
		Deadline:      time.Now().UTC().Add(timeout),
	}
	e, err := protocol.NewEvent(protocol.TaskRequestTopic(t.Capability), m.cfg.Source, payload,
		event.WithSubject(s.ID))
	if err == nil {
		err = m.cfg.Publisher.Publish(ctx, e)
	}
	if err == nil {
		m.logger.Debug("task dispatched",
			zap.String("correlation_id", s.ID),
			zap.String("task_id", t.ID),
			zap.String("capability", t.Capability),
			zap.Int("priority", t.Priority))
		return
	}

	m.logger.Error("task dispatch failed",
		zap.String("correlation_id", s.ID),
		zap.String("task_id", t.ID),
		zap.String("capability", t.Capability),
		zap.Error(err))
	now := time.Now().UTC()
	s.mu.Lock()
	t.Status = plan.TaskFailed
	t.Error = &protocol.ErrorDetail{Code: "DISPATCH_FAILED", Message: "task could not be published"}
	t.CompletedAt = now
	delete(s.inflight, t.ID)
	s.mu.Unlock()
	s.graph.SetStatus(t.ID, plan.TaskFailed)
	m.cfg.Correlations.Record(waveCorr, correlation.Response{
		Source:     t.ID,
		ReceivedAt: now,
	})
}

// taskParameters returns the task's parameters, extended with the results
// of every transitive dependency under "priorMessages" so a downstream
// agent sees the exchange so far.
func (m *Manager) taskParameters(s *Session, t *plan.Task) map[string]any {
	deps := transitiveDeps(s.plan, t)
	if len(deps) == 0 {
		return t.Parameters
	}
	prior := make([]map[string]any, 0, len(deps))
	s.mu.Lock()
	for _, dep := range deps {
		if dep.Status != plan.TaskCompleted {
			continue
		}
		prior = append(prior, map[string]any{
			"taskId":     dep.ID,
			"capability": dep.Capability,
			"result":     dep.Result,
		})
	}
	s.mu.Unlock()

	params := make(map[string]any, len(t.Parameters)+1)
	for k, v := range t.Parameters {
		params[k] = v
	}
	params["priorMessages"] = prior
	return params
}

// transitiveDeps returns the transitive dependency closure of t in plan
// declaration order.
func transitiveDeps(p *plan.TaskPlan, t *plan.Task) []*plan.Task {
	want := make(map[string]bool)
	var walk func(id string)
	walk = func(id string) {
		if want[id] {
			return
		}
		dep, ok := p.Task(id)
		if !ok {
			return
		}
		want[id] = true
		for _, d := range dep.Dependencies {
			walk(d)
		}
	}
	for _, d := range t.Dependencies {
		walk(d)
	}

	out := make([]*plan.Task, 0, len(want))
	for _, candidate := range p.Tasks {
		if want[candidate.ID] {
			out = append(out, candidate)
		}
	}
	return out
}

// settleFailure handles one dead task after its wave. A required task is
// retried once when another healthy agent offers the capability; otherwise
// the failure cancels its pending dependents and, when required work was
// lost, degrades the session.
func (m *Manager) settleFailure(s *Session, t *plan.Task, retried map[string]bool) {
	if !t.Optional && !retried[t.ID] && m.alternateAvailable(s, t) {
		retried[t.ID] = true
		s.mu.Lock()
		t.Status = plan.TaskPending
		t.Error = nil
		t.Result = nil
		t.StartedAt = time.Time{}
		t.CompletedAt = time.Time{}
		s.mu.Unlock()
		s.graph.SetStatus(t.ID, plan.TaskPending)
		m.logger.Info("retrying required task on alternate agent",
			zap.String("correlation_id", s.ID),
			zap.String("task_id", t.ID),
			zap.String("capability", t.Capability))
		return
	}

	affected := s.graph.CancelPendingDependents(t.ID)
	now := time.Now().UTC()
	requiredLost := !t.Optional
	s.mu.Lock()
	for _, id := range affected {
		dep, ok := s.plan.Task(id)
		if !ok {
			continue
		}
		dep.Status = plan.TaskCancelled
		dep.Error = &protocol.ErrorDetail{
			Code:    "DEPENDENCY_FAILED",
			Message: fmt.Sprintf("dependency %s did not complete", t.ID),
		}
		dep.CompletedAt = now
		if !dep.Optional {
			requiredLost = true
		}
	}
	s.mu.Unlock()

	if len(affected) > 0 {
		m.logger.Warn("dependency break cancelled downstream tasks",
			zap.String("correlation_id", s.ID),
			zap.String("task_id", t.ID),
			zap.Strings("cancelled", affected))
	}
	if requiredLost {
		s.markDegraded()
	}
}

// alternateAvailable reports whether a retry could land somewhere new. A
// reported failure excludes the agent that answered; a timeout names no
// agent, so any second healthy provider qualifies.
func (m *Manager) alternateAvailable(s *Session, t *plan.Task) bool {
	if m.cfg.Registry == nil {
		return false
	}
	snap := m.cfg.Registry.Snapshot()
	s.mu.Lock()
	failed := s.failedBy[t.ID]
	s.mu.Unlock()
	if failed == "" {
		return len(snap.AgentsFor(t.Capability)) >= 2
	}
	_, ok := m.cfg.Fallback.AlternateAgent(snap, t.Capability, failed)
	return ok
}

// expireRemaining settles every non-terminal task once execution cannot
// continue: running work times out, blocked work is cancelled.
func (m *Manager) expireRemaining(s *Session, reason string) {
	now := time.Now().UTC()
	var requiredLost bool
	s.mu.Lock()
	for _, t := range s.plan.Tasks {
		if t.Status.Terminal() {
			continue
		}
		if t.Status == plan.TaskRunning {
			t.Status = plan.TaskTimedOut
			t.Error = &protocol.ErrorDetail{Code: "TIMEOUT", Message: reason}
		} else {
			t.Status = plan.TaskCancelled
			t.Error = &protocol.ErrorDetail{Code: "CANCELLED", Message: reason}
		}
		t.CompletedAt = now
		if !t.Optional {
			requiredLost = true
		}
	}
	s.mu.Unlock()
	for _, t := range s.plan.Tasks {
		s.graph.SetStatus(t.ID, t.Status)
	}
	if requiredLost {
		s.markDegraded()
	}
	m.logger.Warn("execution cut short, synthesizing partial results",
		zap.String("correlation_id", s.ID),
		zap.String("reason", reason))
}

// synthesize composes the final answer from whatever completed and emits
// the session's user.response.
func (m *Manager) synthesize(ctx context.Context, s *Session) {
	if !s.transition(StateSynthesizing) {
		m.finishCancelled(s)
		return
	}

	blocks, missing := m.resultBlocks(s)
	completed := 0
	for _, b := range blocks {
		if b.Result != nil {
			completed++
		}
	}
	degraded := s.Degraded() || len(missing) > 0

	if completed == 0 {
		// Nothing came back; the model answers from the query alone.
		answer, err := m.cfg.Fallback.DirectAnswer(ctx, s.Query)
		if err != nil {
			m.logger.Error("direct answer failed",
				zap.String("correlation_id", s.ID),
				zap.Error(err))
			m.failWith(s, "no agent results were available", missing)
			return
		}
		s.markDegraded()
		m.complete(s, answer, true, missing)
		return
	}

	answer, err := m.completeSynthesis(ctx, s, blocks)
	if err != nil {
		m.logger.Error("synthesis failed",
			zap.String("correlation_id", s.ID),
			zap.Error(err))
		m.failWith(s, "the answer could not be composed", missing)
		return
	}
	m.complete(s, answer, degraded, missing)
}

// completeSynthesis renders the synthesis prompt and runs it.
func (m *Manager) completeSynthesis(ctx context.Context, s *Session, blocks []prompt.ResultBlock) (string, error) {
	if m.cfg.Provider == nil {
		return "", errors.New("no llm provider configured")
	}
	p, err := m.cfg.Builder.Synthesis(s.Query, blocks)
	if err != nil {
		return "", err
	}
	resp, err := m.cfg.Provider.Complete(ctx, p.Request())
	if err != nil {
		return "", err
	}
	answer := strings.TrimSpace(resp.Content)
	if answer == "" {
		return "", errors.New("model returned empty content")
	}
	return answer, nil
}

// resultBlocks collects per-task outcomes in plan order. A task without a
// completed result contributes a nil block, which the synthesis prompt
// renders as an unavailability marker, and its capability lands in the
// missing list once.
func (m *Manager) resultBlocks(s *Session) ([]prompt.ResultBlock, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	blocks := make([]prompt.ResultBlock, 0, len(s.plan.Tasks))
	var missing []string
	seen := make(map[string]bool)
	for _, t := range s.plan.Tasks {
		block := prompt.ResultBlock{TaskID: t.ID, Capability: t.Capability}
		if t.Status == plan.TaskCompleted {
			block.Result = t.Result
		} else if !seen[t.Capability] {
			seen[t.Capability] = true
			missing = append(missing, t.Capability)
		}
		blocks = append(blocks, block)
	}
	return blocks, missing
}

// answerDirect handles the no-plan path: the query goes straight to the
// model and the session completes degraded, or fails with the emergency
// string when even that is out of reach.
func (m *Manager) answerDirect(ctx context.Context, s *Session) {
	answer, err := m.cfg.Fallback.DirectAnswer(ctx, s.Query)
	if err != nil {
		m.logger.Error("direct answer failed",
			zap.String("correlation_id", s.ID),
			zap.Error(err))
		m.failWith(s, "no agent could handle the request", nil)
		return
	}
	s.markDegraded()
	if !s.transition(StateSynthesizing) {
		m.finishCancelled(s)
		return
	}
	m.complete(s, answer, true, nil)
}

// complete finishes the session on the happy edge. A concurrent cancel is
// the only thing that can block it.
func (m *Manager) complete(s *Session, answer string, degraded bool, missing []string) {
	if !s.transition(StateCompleted) {
		m.finishCancelled(s)
		return
	}
	m.respond(s, answer, degraded, missing)
}

// failWith ends the session on the failed edge with the deterministic
// emergency answer. The reason must be safe to show a user.
func (m *Manager) failWith(s *Session, reason string, missing []string) {
	s.setError(reason)
	s.transition(StateFailed)
	m.respond(s, m.cfg.Fallback.EmergencyResponse(s.ID, reason), true, missing)
}

// finishCancelled emits the cancellation marker response.
func (m *Manager) finishCancelled(s *Session) {
	s.setError("cancelled")
	m.respond(s, "Your request was cancelled before it completed.", true, nil)
}

// waveTimeout is the longest task timeout in the wave.
func (m *Manager) waveTimeout(wave []*plan.Task) time.Duration {
	longest := time.Duration(0)
	for _, t := range wave {
		d := t.Timeout
		if d <= 0 {
			d = m.cfg.TaskTimeout
		}
		if d > longest {
			longest = d
		}
	}
	if longest <= 0 {
		longest = m.cfg.TaskTimeout
	}
	return longest
}
