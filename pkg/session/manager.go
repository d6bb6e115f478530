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
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teradata-labs/amcp/pkg/correlation"
	"github.com/teradata-labs/amcp/pkg/event"
	"github.com/teradata-labs/amcp/pkg/fallback"
	"github.com/teradata-labs/amcp/pkg/llm"
	"github.com/teradata-labs/amcp/pkg/observability"
	"github.com/teradata-labs/amcp/pkg/plan"
	"github.com/teradata-labs/amcp/pkg/prompt"
	"github.com/teradata-labs/amcp/pkg/protocol"
	"github.com/teradata-labs/amcp/pkg/registry"
)

// Manager defaults.
const (
	DefaultMaxConcurrent  = 64
	DefaultSessionTimeout = 2 * time.Minute
	DefaultTaskTimeout    = 30 * time.Second
	DefaultCancelGrace    = 5 * time.Second
	DefaultSource         = "amcp://orchestrator"
)

var (
	// ErrOverloaded is returned by Accept when the concurrent-session
	// bound is exhausted or the manager is draining. The caller still
	// receives a "system busy" user.response.
	ErrOverloaded = errors.New("session manager overloaded")

	// ErrDuplicateSession is returned by Accept when the correlation id
	// already has a live session. The original session keeps the
	// exactly-one-response obligation for that id.
	ErrDuplicateSession = errors.New("session already active for correlation id")

	// ErrUnknownSession is returned by Cancel for ids without a live
	// session.
	ErrUnknownSession = errors.New("unknown session id")
)

// Planner produces a validated task plan for a query. *planner.Planner
// satisfies this.
type Planner interface {
	GeneratePlan(ctx context.Context, query, corrID string) (*plan.TaskPlan, error)
}

// Publisher is the broker seam the session needs: fire events at the mesh.
// broker.EventBroker satisfies this.
type Publisher interface {
	Publish(ctx context.Context, e *event.Event) error
}

// Config wires the session manager's collaborators.
type Config struct {
	// Publisher emits task.request and user.response events. Required.
	Publisher Publisher

	// Planner turns queries into task plans. Required.
	Planner Planner

	// Correlations tracks dispatch waves. Defaults to a manager with
	// standard settings.
	Correlations *correlation.Manager

	// Registry is consulted for alternate agents when a required task
	// fails. Optional; without it failed tasks are not retried.
	Registry *registry.Registry

	// Provider answers the synthesis prompt. Optional; without it every
	// session degrades to the fallback ladder.
	Provider llm.Provider

	// Builder renders synthesis prompts. Defaults to a builder with
	// default limits.
	Builder *prompt.Builder

	// Fallback supplies direct answers and the emergency response.
	// Defaults to a manager sharing Provider and Builder.
	Fallback *fallback.Manager

	// Source is the CloudEvents source URI stamped on emitted events.
	Source string

	// MaxConcurrent bounds live sessions. Defaults to
	// DefaultMaxConcurrent.
	MaxConcurrent int

	// SessionTimeout bounds one session end to end. On expiry the
	// session synthesizes whatever arrived. Defaults to
	// DefaultSessionTimeout.
	SessionTimeout time.Duration

	// TaskTimeout applies to tasks whose plan carries no timeout.
	TaskTimeout time.Duration

	// CancelGrace bounds the forced-cancel phase of Drain.
	CancelGrace time.Duration

	// OnFinished observes every session as it leaves the table, after its
	// response has been published. Runs on the session goroutine; it must
	// not block.
	OnFinished func(Info)

	// Sink receives session counters, latencies, and the active gauge.
	Sink observability.MetricsSink
}

// Manager owns the live session table. All methods are safe for
// concurrent use.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	draining bool
	wg       sync.WaitGroup

	cfg    Config
	logger *zap.Logger
	sink   observability.MetricsSink
}

// NewManager builds a Manager, applying defaults for zero config fields.
func NewManager(cfg Config, logger *zap.Logger) (*Manager, error) {
	if cfg.Publisher == nil {
		return nil, errors.New("publisher is required")
	}
	if cfg.Planner == nil {
		return nil, errors.New("planner is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Sink == nil {
		cfg.Sink = observability.NewNopSink()
	}
	if cfg.Correlations == nil {
		cfg.Correlations = correlation.NewManager(correlation.DefaultConfig(), logger)
	}
	if cfg.Builder == nil {
		cfg.Builder = prompt.NewBuilder(prompt.Config{})
	}
	if cfg.Fallback == nil {
		cfg.Fallback = fallback.NewManager(fallback.Config{
			Provider: cfg.Provider,
			Builder:  cfg.Builder,
			Sink:     cfg.Sink,
		}, logger)
	}
	if cfg.Source == "" {
		cfg.Source = DefaultSource
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = DefaultSessionTimeout
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = DefaultTaskTimeout
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = DefaultCancelGrace
	}
	return &Manager{
		sessions: make(map[string]*Session),
		cfg:      cfg,
		logger:   logger,
		sink:     cfg.Sink,
	}, nil
}

// Accept admits a user.request event and starts its session. It returns
// the session id (the correlation id the eventual user.response carries)
// immediately; processing is asynchronous. On overload it publishes an
// explicit "system busy" response and returns ErrOverloaded.
func (m *Manager) Accept(ctx context.Context, e *event.Event) (string, error) {
	req, err := protocol.DecodeUserRequest(e)
	if err != nil {
		// Malformed requests are answered when they carry a correlation
		// id; without one there is nothing to correlate the answer to.
		if req.CorrelationID != "" {
			m.publishResponse(ctx, protocol.UserResponse{
				CorrelationID: req.CorrelationID,
				Answer:        "Your request could not be understood. Please include a query.",
				Degraded:      true,
			})
		}
		return "", fmt.Errorf("reject user.request: %w", err)
	}

	corrID := req.CorrelationID
	if corrID == "" {
		corrID = uuid.New().String()
	}

	m.mu.Lock()
	if m.draining || len(m.sessions) >= m.cfg.MaxConcurrent {
		m.mu.Unlock()
		m.logger.Warn("session rejected, manager at capacity",
			zap.String("correlation_id", corrID),
			zap.Bool("draining", m.draining))
		m.publishResponse(ctx, protocol.UserResponse{
			CorrelationID: corrID,
			Answer:        "The system is busy right now. Please try again shortly.",
			Degraded:      true,
		})
		return "", ErrOverloaded
	}
	if _, exists := m.sessions[corrID]; exists {
		m.mu.Unlock()
		m.logger.Warn("duplicate user.request for live session",
			zap.String("correlation_id", corrID))
		return "", fmt.Errorf("%w: %s", ErrDuplicateSession, corrID)
	}

	s := newSession(corrID, req.Query, req.UserID)
	runCtx, cancel := context.WithTimeout(context.Background(), m.cfg.SessionTimeout)
	s.cancelRun = cancel
	m.sessions[corrID] = s
	active := len(m.sessions)
	m.mu.Unlock()

	m.sink.SetGauge(observability.GaugeActiveSessions, float64(active))
	m.logger.Info("session accepted",
		zap.String("correlation_id", corrID),
		zap.String("user_id", req.UserID),
		zap.Int("active_sessions", active))

	m.wg.Add(1)
	go m.run(runCtx, s)
	return corrID, nil
}

// Cancel marks a session cancelled and wakes its runner, which still emits
// the session's single user.response. Idempotent: cancelling a finished or
// already-cancelled session is a no-op.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	if s.transition(StateCancelled) {
		m.logger.Info("session cancelled", zap.String("correlation_id", id))
		s.cancelRun()
	}
	return nil
}

// OnTaskResponse routes a task response to its session. The sender is the
// responding agent's id from the event envelope; it feeds alternate-agent
// selection when the response reports a failure. Responses for unknown
// sessions, unknown tasks, or already-settled tasks are logged and
// discarded; they never raise.
func (m *Manager) OnTaskResponse(corrID, sender string, resp protocol.TaskResponse) bool {
	m.mu.Lock()
	s, ok := m.sessions[corrID]
	m.mu.Unlock()
	if !ok {
		m.logger.Warn("task response for unknown session discarded",
			zap.String("correlation_id", corrID),
			zap.String("task_id", resp.TaskID),
			zap.String("capability", resp.Capability))
		return false
	}
	return m.applyResponse(s, sender, resp)
}

// applyResponse settles one in-flight task and records the arrival against
// the session's current wave.
func (m *Manager) applyResponse(s *Session, sender string, resp protocol.TaskResponse) bool {
	now := time.Now().UTC()

	s.mu.Lock()
	task := s.inflight[resp.TaskID]
	if task == nil && resp.TaskID == "" {
		// Agents may omit taskId; fall back to the capability, which is
		// unambiguous unless the wave holds duplicates.
		for _, t := range s.inflight {
			if t.Capability == resp.Capability {
				task = t
				break
			}
		}
	}
	if task == nil {
		s.mu.Unlock()
		m.logger.Info("task response does not match an in-flight task",
			zap.String("correlation_id", s.ID),
			zap.String("task_id", resp.TaskID),
			zap.String("capability", resp.Capability))
		return false
	}

	if resp.Success {
		task.Status = plan.TaskCompleted
		task.Result = resp.Result
	} else {
		task.Status = plan.TaskFailed
		task.Error = resp.Error
		if task.Error == nil {
			task.Error = &protocol.ErrorDetail{Code: "TASK_FAILED", Message: "agent reported failure"}
		}
		if sender != "" {
			s.failedBy[task.ID] = sender
		}
	}
	task.CompletedAt = now
	if s.graph != nil {
		s.graph.SetStatus(task.ID, task.Status)
	}
	delete(s.inflight, task.ID)
	waveCorr := s.waveCorr
	s.mu.Unlock()

	if !task.StartedAt.IsZero() {
		m.sink.ObserveHistogram(observability.MetricTaskLatencyMs,
			float64(now.Sub(task.StartedAt).Milliseconds()))
	}
	m.logger.Debug("task settled",
		zap.String("correlation_id", s.ID),
		zap.String("task_id", task.ID),
		zap.String("capability", task.Capability),
		zap.String("status", string(task.Status)))

	if waveCorr != "" {
		m.cfg.Correlations.Record(waveCorr, correlation.Response{
			Source:     task.ID,
			Payload:    resp.Result,
			ReceivedAt: now,
		})
	}
	return true
}

// Session returns a live session's monitoring snapshot.
func (m *Manager) Session(id string) (Info, bool) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return Info{}, false
	}
	return s.Info(), true
}

// Sessions lists live sessions ordered by start time.
func (m *Manager) Sessions() []Info {
	m.mu.Lock()
	infos := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		infos = append(infos, s.Info())
	}
	m.mu.Unlock()
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].StartedAt.Equal(infos[j].StartedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].StartedAt.Before(infos[j].StartedAt)
	})
	return infos
}

// Active returns the number of live sessions.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Drain stops accepting new sessions and waits for live ones. When ctx
// expires first, leftovers are cancelled (each still emits its response)
// and Drain waits up to CancelGrace for them to finish.
func (m *Manager) Drain(ctx context.Context) error {
	m.mu.Lock()
	m.draining = true
	active := len(m.sessions)
	m.mu.Unlock()
	m.logger.Info("session manager draining", zap.Int("active_sessions", active))

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		if err := m.Cancel(id); err != nil && !errors.Is(err, ErrUnknownSession) {
			m.logger.Warn("drain cancel failed", zap.String("correlation_id", id), zap.Error(err))
		}
	}

	select {
	case <-done:
		return nil
	case <-time.After(m.cfg.CancelGrace):
		return fmt.Errorf("sessions did not drain: %d still live", m.Active())
	}
}

// remove drops a finished session from the table and settles its metrics.
func (m *Manager) remove(s *Session) {
	m.mu.Lock()
	delete(m.sessions, s.ID)
	active := len(m.sessions)
	m.mu.Unlock()

	m.sink.SetGauge(observability.GaugeActiveSessions, float64(active))
	latency := float64(time.Since(s.StartedAt).Milliseconds())
	m.sink.ObserveHistogram(observability.MetricSessionLatencyMs, latency)

	state := s.State()
	if state == StateCompleted {
		m.sink.IncCounter(observability.MetricSessionsCompleted, 1)
	} else {
		m.sink.IncCounter(observability.MetricSessionsFailed, 1)
	}
	m.logger.Info("session finished",
		zap.String("correlation_id", s.ID),
		zap.String("state", string(state)),
		zap.Bool("degraded", s.Degraded()),
		zap.Float64("latency_ms", latency))

	if m.cfg.OnFinished != nil {
		m.cfg.OnFinished(s.Info())
	}
}

// respond publishes the session's single user.response. The once guard
// holds the exactly-one-response invariant across every exit path; a
// publish failure gets one emergency retry before being surfaced in logs.
func (m *Manager) respond(s *Session, answer string, degraded bool, missing []string) {
	s.respondOnce.Do(func() {
		resp := protocol.UserResponse{
			CorrelationID: s.ID,
			Answer:        answer,
			Degraded:      degraded,
			Missing:       missing,
		}
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CancelGrace)
		defer cancel()
		if err := m.publishResponse(ctx, resp); err != nil {
			m.logger.Error("user.response publish failed, retrying with emergency response",
				zap.String("correlation_id", s.ID),
				zap.Error(err))
			resp.Answer = m.cfg.Fallback.EmergencyResponse(s.ID, "the response could not be delivered")
			resp.Degraded = true
			if err := m.publishResponse(ctx, resp); err != nil {
				m.logger.Error("emergency user.response publish failed",
					zap.String("correlation_id", s.ID),
					zap.Error(err))
			}
		}
	})
}

func (m *Manager) publishResponse(ctx context.Context, resp protocol.UserResponse) error {
	e, err := protocol.NewEvent(protocol.TopicUserResponse, m.cfg.Source, resp)
	if err != nil {
		return fmt.Errorf("build user.response: %w", err)
	}
	return m.cfg.Publisher.Publish(ctx, e)
}
