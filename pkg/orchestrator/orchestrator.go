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

// Package orchestrator assembles the mesh runtime: it owns the broker
// subscriptions, the agent registry, the planning and session layers, the
// health monitor, the periodic sweeps, and the optional archive. The daemon
// builds one Orchestrator and drives Start/Stop around it.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/amcp/pkg/archive"
	"github.com/teradata-labs/amcp/pkg/broker"
	"github.com/teradata-labs/amcp/pkg/correlation"
	"github.com/teradata-labs/amcp/pkg/event"
	"github.com/teradata-labs/amcp/pkg/fallback"
	"github.com/teradata-labs/amcp/pkg/llm"
	"github.com/teradata-labs/amcp/pkg/observability"
	"github.com/teradata-labs/amcp/pkg/planner"
	"github.com/teradata-labs/amcp/pkg/prompt"
	"github.com/teradata-labs/amcp/pkg/protocol"
	"github.com/teradata-labs/amcp/pkg/registry"
	"github.com/teradata-labs/amcp/pkg/session"
	"github.com/teradata-labs/amcp/pkg/sweep"
)

// Sweep cadences. The heartbeat sweep runs at half the staleness timeout so
// an agent is flipped no later than 1.5 timeouts after its last beat.
const (
	correlationSweepInterval = 10 * time.Second
	healthEvalInterval       = 30 * time.Second
	archivePruneInterval     = time.Hour
	archiveWriteTimeout      = 2 * time.Second
	teardownGrace            = 5 * time.Second
)

const subscriberID = "orchestrator"

// Config assembles an orchestrator. Broker and Provider are required;
// everything else defaults.
type Config struct {
	// Broker routes mesh traffic. Required, not yet started.
	Broker broker.EventBroker

	// Provider powers planning, synthesis, and direct answers. Required.
	Provider llm.Provider

	// Archive persists mesh traffic and finished sessions. Optional; nil
	// disables archiving.
	Archive archive.Store

	// ArchiveRetention is how long archived rows live before the hourly
	// prune. Zero means archive.DefaultRetention.
	ArchiveRetention time.Duration

	// ProfileDir holds static agent profiles (*.yaml) loaded at start and
	// hot-reloaded on change. Empty disables profiles.
	ProfileDir string

	// Source is the CloudEvents source URI on orchestrator-emitted events.
	Source string

	// HeartbeatTimeout is how long an agent may stay silent before the
	// staleness sweep flips it unhealthy.
	HeartbeatTimeout time.Duration

	// ErrorThreshold is the highest heartbeat errorCount still healthy.
	ErrorThreshold int

	// CorrelationGrace is how long expired correlation contexts linger
	// before the sweep removes them.
	CorrelationGrace time.Duration

	// SynthesisTemperature overrides the temperature for answer synthesis
	// and direct answers. Zero keeps the prompt builder default; planning
	// temperature stays pinned low regardless.
	SynthesisTemperature float64

	// PlanTaskTimeout is the timeout stamped on planned tasks that do not
	// carry their own. Zero falls back to TaskTimeout.
	PlanTaskTimeout time.Duration

	// RepairRetries bounds plan repair rounds. Zero means the planner
	// default.
	RepairRetries int

	// Session limits, passed through to the session manager.
	MaxConcurrent  int
	SessionTimeout time.Duration
	TaskTimeout    time.Duration
	CancelGrace    time.Duration

	// Sink receives every component's metrics. Defaults to a no-op.
	Sink observability.MetricsSink
}

// Orchestrator is the composition root of the mesh runtime.
type Orchestrator struct {
	cfg      Config
	broker   broker.EventBroker
	reg      *registry.Registry
	corr     *correlation.Manager
	plans    *planner.Planner
	sessions *session.Manager
	health   *observability.HealthMonitor
	sweeps   *sweep.Runner
	archive  archive.Store

	logger *zap.Logger
	sink   observability.MetricsSink

	mu          sync.Mutex
	running     bool
	intakeSub   *broker.Subscription
	subs        []*broker.Subscription
	watchCancel context.CancelFunc
	watchDone   chan struct{}

	lastDropped atomic.Int64
}

// New wires the runtime components together. The broker is taken as-is and
// started by Start.
func New(cfg Config, logger *zap.Logger) (*Orchestrator, error) {
	if cfg.Broker == nil {
		return nil, errors.New("broker is required")
	}
	if cfg.Provider == nil {
		return nil, errors.New("llm provider is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Source == "" {
		cfg.Source = session.DefaultSource
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = session.DefaultMaxConcurrent
	}
	if cfg.ArchiveRetention <= 0 {
		cfg.ArchiveRetention = archive.DefaultRetention
	}
	sink := cfg.Sink
	if sink == nil {
		sink = observability.NewNopSink()
	}

	o := &Orchestrator{
		cfg:     cfg,
		broker:  cfg.Broker,
		archive: cfg.Archive,
		logger:  logger,
		sink:    sink,
	}

	o.reg = registry.New(registry.Config{
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		ErrorThreshold:   cfg.ErrorThreshold,
		Sink:             sink,
	}, logger)

	o.corr = correlation.NewManager(correlation.Config{
		Grace: cfg.CorrelationGrace,
		Sink:  sink,
	}, logger)

	builder := prompt.NewBuilder(prompt.Config{
		SynthesisTemperature: cfg.SynthesisTemperature,
	})
	fb := fallback.NewManager(fallback.Config{
		Provider: cfg.Provider,
		Builder:  builder,
		Sink:     sink,
	}, logger)

	planTimeout := cfg.PlanTaskTimeout
	if planTimeout <= 0 {
		planTimeout = cfg.TaskTimeout
	}
	plans, err := planner.New(planner.Config{
		Provider:      cfg.Provider,
		Registry:      o.reg,
		Builder:       builder,
		Fallback:      fb,
		TaskTimeout:   planTimeout,
		RepairRetries: cfg.RepairRetries,
		Sink:          sink,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("build planner: %w", err)
	}
	o.plans = plans

	o.health = observability.NewHealthMonitor(cfg.Broker, logger)

	sessions, err := session.NewManager(session.Config{
		Publisher:      cfg.Broker,
		Planner:        plans,
		Correlations:   o.corr,
		Registry:       o.reg,
		Provider:       cfg.Provider,
		Builder:        builder,
		Fallback:       fb,
		Source:         cfg.Source,
		MaxConcurrent:  cfg.MaxConcurrent,
		SessionTimeout: cfg.SessionTimeout,
		TaskTimeout:    cfg.TaskTimeout,
		CancelGrace:    cfg.CancelGrace,
		OnFinished:     o.archiveSession,
		Sink:           sink,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("build session manager: %w", err)
	}
	o.sessions = sessions

	o.sweeps = sweep.NewRunner(logger)

	// Agent health transitions become system.health alerts.
	o.reg.OnStatusChange(func(change registry.StatusChange) {
		ctx := context.Background()
		if change.Healthy {
			o.health.ReportRecovered(ctx, change.AgentID)
			return
		}
		o.health.ReportDegraded(ctx, change.AgentID, change.Reason)
	})

	return o, nil
}

// Registry exposes the mesh membership table for frontends.
func (o *Orchestrator) Registry() *registry.Registry { return o.reg }

// Sessions exposes the session manager for frontends.
func (o *Orchestrator) Sessions() *session.Manager { return o.sessions }

// Broker exposes the event broker for frontends.
func (o *Orchestrator) Broker() broker.EventBroker { return o.broker }

// Archive exposes the archive store, or nil when archiving is disabled.
func (o *Orchestrator) Archive() archive.Store { return o.archive }

// Health exposes the health monitor.
func (o *Orchestrator) Health() *observability.HealthMonitor { return o.health }

// Start brings the runtime up: broker, profiles, subscriptions, sweeps.
// Start is idempotent while running.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return nil
	}

	if err := o.broker.Start(ctx); err != nil {
		return fmt.Errorf("start broker: %w", err)
	}

	if o.cfg.ProfileDir != "" {
		if n, err := o.reg.LoadProfiles(o.cfg.ProfileDir); err != nil {
			o.logger.Warn("loading agent profiles failed",
				zap.String("dir", o.cfg.ProfileDir),
				zap.Error(err))
		} else {
			o.logger.Info("agent profiles loaded", zap.Int("count", n))
		}
		watchCtx, cancel := context.WithCancel(context.Background())
		o.watchCancel = cancel
		o.watchDone = make(chan struct{})
		go func() {
			defer close(o.watchDone)
			if err := o.reg.WatchProfiles(watchCtx, o.cfg.ProfileDir); err != nil {
				o.logger.Warn("profile watcher stopped", zap.Error(err))
			}
		}()
	}

	if err := o.subscribe(ctx); err != nil {
		o.teardownLocked(ctx)
		return err
	}

	if err := o.registerSweeps(); err != nil {
		o.teardownLocked(ctx)
		return fmt.Errorf("register sweeps: %w", err)
	}
	o.sweeps.Start()

	o.running = true
	o.logger.Info("orchestrator started",
		zap.String("source", o.cfg.Source),
		zap.Bool("archive", o.archive != nil),
		zap.Int("max_sessions", o.cfg.MaxConcurrent))
	return nil
}

func (o *Orchestrator) subscribe(ctx context.Context) error {
	intake, err := o.broker.Subscribe(ctx, subscriberID, protocol.TopicUserRequest, o.handleUserRequest)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", protocol.TopicUserRequest, err)
	}
	o.intakeSub = intake

	routes := []struct {
		pattern string
		handler broker.Handler
	}{
		{protocol.PatternTaskResponses, o.handleTaskResponse},
		{protocol.PatternAgentEvents, o.handleAgentEvent},
	}
	for _, r := range routes {
		sub, err := o.broker.Subscribe(ctx, subscriberID, r.pattern, r.handler)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", r.pattern, err)
		}
		o.subs = append(o.subs, sub)
	}

	if o.archive != nil {
		sub, err := o.broker.Subscribe(ctx, "archiver", "**", o.handleArchive)
		if err != nil {
			return fmt.Errorf("subscribe archiver: %w", err)
		}
		o.subs = append(o.subs, sub)
	}
	return nil
}

func (o *Orchestrator) registerSweeps() error {
	heartbeatTimeout := o.cfg.HeartbeatTimeout
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = registry.DefaultHeartbeatTimeout
	}

	jobs := []sweep.Job{
		{
			Name: "correlation-expiry",
			Spec: "@every " + correlationSweepInterval.String(),
			Run: func(ctx context.Context) (int, error) {
				return o.corr.SweepExpired(), nil
			},
		},
		{
			Name: "heartbeat-staleness",
			Spec: "@every " + (heartbeatTimeout / 2).String(),
			Run: func(ctx context.Context) (int, error) {
				return len(o.reg.MarkStale(time.Now())), nil
			},
		},
		{
			Name: "health-evaluation",
			Spec: "@every " + healthEvalInterval.String(),
			Run:  o.evaluateHealth,
		},
	}
	if o.archive != nil {
		jobs = append(jobs, sweep.Job{
			Name: "archive-prune",
			Spec: "@every " + archivePruneInterval.String(),
			Run: func(ctx context.Context) (int, error) {
				return o.archive.Prune(ctx, time.Now().Add(-o.cfg.ArchiveRetention))
			},
		})
	}
	for _, job := range jobs {
		if err := o.sweeps.Add(job); err != nil {
			return err
		}
	}
	return nil
}

// Stop shuts the runtime down in order: close the intake, drain sessions,
// stop the sweeps and the broker. Stop is idempotent.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.running {
		return nil
	}
	o.running = false

	var errs []error

	// No new sessions while the remaining ones finish. The task.response
	// subscription stays live so in-flight waves still settle.
	if o.intakeSub != nil {
		if err := o.broker.Unsubscribe(ctx, o.intakeSub.ID); err != nil {
			errs = append(errs, fmt.Errorf("unsubscribe intake: %w", err))
		}
		o.intakeSub = nil
	}

	if err := o.sessions.Drain(ctx); err != nil {
		o.logger.Warn("session drain incomplete", zap.Error(err))
		errs = append(errs, err)
	}

	// The drain is allowed to consume the caller's whole deadline. The
	// teardown that follows runs on its own short grace when it has.
	teardown := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		teardown, cancel = context.WithTimeout(context.Background(), teardownGrace)
		defer cancel()
	}

	if err := o.sweeps.Stop(teardown); err != nil {
		errs = append(errs, fmt.Errorf("stop sweeps: %w", err))
	}

	o.teardownLocked(teardown)
	o.logger.Info("orchestrator stopped")
	return errors.Join(errs...)
}

// teardownLocked releases subscriptions, the profile watcher, and the
// broker. Callers hold o.mu.
func (o *Orchestrator) teardownLocked(ctx context.Context) {
	for _, sub := range o.subs {
		if err := o.broker.Unsubscribe(ctx, sub.ID); err != nil &&
			!errors.Is(err, broker.ErrSubscriptionNotFound) && !errors.Is(err, broker.ErrNotRunning) {
			o.logger.Warn("unsubscribe failed",
				zap.String("pattern", sub.Pattern),
				zap.Error(err))
		}
	}
	o.subs = nil

	if o.watchCancel != nil {
		o.watchCancel()
		<-o.watchDone
		o.watchCancel = nil
	}

	if err := o.broker.Stop(ctx); err != nil {
		o.logger.Warn("broker stop failed", zap.Error(err))
	}
}

// handleUserRequest feeds accepted requests into the session manager. The
// session layer answers malformed, duplicate, and overload cases itself, so
// delivery always succeeds from the broker's point of view.
func (o *Orchestrator) handleUserRequest(ctx context.Context, e *event.Event) error {
	corrID, err := o.sessions.Accept(ctx, e)
	if err != nil {
		o.logger.Warn("user request not accepted",
			zap.String("event_id", e.ID()),
			zap.String("correlation_id", corrID),
			zap.Error(err))
		return nil
	}
	return nil
}

// handleTaskResponse routes agent replies to their session. Responses for
// unknown sessions are logged and discarded.
func (o *Orchestrator) handleTaskResponse(ctx context.Context, e *event.Event) error {
	resp, err := protocol.DecodeTaskResponse(e)
	if err != nil {
		return err
	}
	if !o.sessions.OnTaskResponse(resp.CorrelationID, e.Sender(), resp) {
		o.logger.Debug("task response for unknown session",
			zap.String("correlation_id", resp.CorrelationID),
			zap.String("capability", resp.Capability),
			zap.String("sender", e.Sender()))
	}
	return nil
}

// handleAgentEvent applies registration, unregistration, and heartbeat to
// the registry. Malformed payloads return an error and dead-letter.
func (o *Orchestrator) handleAgentEvent(ctx context.Context, e *event.Event) error {
	switch e.Topic() {
	case protocol.TopicAgentRegister:
		reg, err := protocol.DecodeRegistration(e)
		if err != nil {
			return err
		}
		caps := make([]registry.Capability, len(reg.Capabilities))
		for i, name := range reg.Capabilities {
			caps[i] = registry.Capability{Name: name}
		}
		return o.reg.Register(registry.Descriptor{
			AgentID:      reg.AgentID,
			AgentType:    reg.AgentType,
			Capabilities: caps,
			Endpoint:     reg.Endpoint,
			Metadata:     reg.Metadata,
		})

	case protocol.TopicAgentUnregister:
		u, err := protocol.DecodeUnregister(e)
		if err != nil {
			return err
		}
		if err := o.reg.Unregister(u.AgentID); err != nil {
			o.logger.Debug("unregister for unknown agent", zap.String("agent_id", u.AgentID))
		}
		return nil

	case protocol.TopicAgentHeartbeat:
		hb, err := protocol.DecodeHeartbeat(e)
		if err != nil {
			return err
		}
		if err := o.reg.Heartbeat(hb.AgentID, registry.Health{
			Status:     hb.Status,
			ErrorCount: hb.ErrorCount,
			Metrics:    hb.Metrics,
		}); err != nil {
			o.logger.Warn("heartbeat from unregistered agent",
				zap.String("agent_id", hb.AgentID))
		}
		return nil

	default:
		return nil
	}
}

// handleArchive records every mesh event. Archiving is best-effort; a
// failed write is logged, never dead-lettered.
func (o *Orchestrator) handleArchive(ctx context.Context, e *event.Event) error {
	rec, err := archive.NewRecord(e)
	if err != nil {
		o.logger.Warn("archive encode failed", zap.String("event_id", e.ID()), zap.Error(err))
		return nil
	}
	writeCtx, cancel := context.WithTimeout(ctx, archiveWriteTimeout)
	defer cancel()
	if err := o.archive.SaveEvent(writeCtx, rec); err != nil {
		o.logger.Warn("archive write failed", zap.String("event_id", e.ID()), zap.Error(err))
	}
	return nil
}

// archiveSession records a finished session. Runs on the session goroutine
// as it exits.
func (o *Orchestrator) archiveSession(info session.Info) {
	if o.archive == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), archiveWriteTimeout)
	defer cancel()
	rec := archive.SessionRecord{
		ID:          info.ID,
		Query:       info.Query,
		UserID:      info.UserID,
		State:       string(info.State),
		Degraded:    info.Degraded,
		Error:       info.Error,
		Tasks:       info.Tasks,
		StartedAt:   info.StartedAt,
		CompletedAt: info.LastUpdate,
	}
	if err := o.archive.SaveSession(ctx, rec); err != nil {
		o.logger.Warn("session archive failed", zap.String("correlation_id", info.ID), zap.Error(err))
	}
}

// evaluateHealth is the periodic mesh health check feeding system.health
// alerts. Returns the number of currently degraded subjects.
func (o *Orchestrator) evaluateHealth(ctx context.Context) (int, error) {
	degraded := 0

	snap := o.reg.Snapshot()
	if snap.Len() > 0 && snap.HealthyCount() == 0 {
		o.health.ReportDegraded(ctx, "registry", "no healthy agents in the mesh")
		degraded++
	} else {
		o.health.ReportRecovered(ctx, "registry")
	}

	if o.sessions.Active() >= o.cfg.MaxConcurrent {
		o.health.ReportDegraded(ctx, "sessions", "session table at capacity")
		degraded++
	} else {
		o.health.ReportRecovered(ctx, "sessions")
	}

	m := o.broker.Metrics()
	if m.Dropped > o.lastDropped.Load() {
		o.health.ReportDegraded(ctx, "broker", "subscriber queues dropped events")
		degraded++
	} else {
		o.health.ReportRecovered(ctx, "broker")
	}
	o.lastDropped.Store(m.Dropped)

	return degraded, nil
}
