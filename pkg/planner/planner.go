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

// Package planner turns natural-language requests into validated task
// plans. It prompts the configured LLM with the live capability
// catalogue, validates the returned JSON against the plan schema, checks
// the semantics against the registry, attempts bounded repair rounds for
// defective output, and degrades to keyword routing when the model cannot
// produce a usable plan.
package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"

	"github.com/teradata-labs/amcp/pkg/fallback"
	"github.com/teradata-labs/amcp/pkg/llm"
	"github.com/teradata-labs/amcp/pkg/normalize"
	"github.com/teradata-labs/amcp/pkg/observability"
	"github.com/teradata-labs/amcp/pkg/plan"
	"github.com/teradata-labs/amcp/pkg/prompt"
	"github.com/teradata-labs/amcp/pkg/registry"
)

const (
	// DefaultTaskTimeout bounds each dispatched task when the plan does
	// not say otherwise.
	DefaultTaskTimeout = 30 * time.Second

	// DefaultRepairRetries is how many repair rounds invalid model output
	// gets before keyword routing takes over.
	DefaultRepairRetries = 1
)

// ErrPlanningFailed is returned when neither the model nor the keyword
// fallback produced a usable plan.
var ErrPlanningFailed = errors.New("planning failed")

// Config wires the planner's collaborators.
type Config struct {
	// Provider generates and repairs plans. Required.
	Provider llm.Provider

	// Registry supplies the capability catalogue and agent health.
	// Required.
	Registry *registry.Registry

	// Builder renders planning and repair prompts. Defaults to a builder
	// with default limits.
	Builder *prompt.Builder

	// Fallback enables keyword routing when planning fails. Optional;
	// without it a failed plan is a hard error.
	Fallback *fallback.Manager

	// TaskTimeout bounds each task. Defaults to DefaultTaskTimeout.
	TaskTimeout time.Duration

	// RepairRetries bounds repair rounds for invalid model output.
	// Zero means DefaultRepairRetries; negative disables repair.
	RepairRetries int

	// Sink receives planning counters and latency. Defaults to a no-op.
	Sink observability.MetricsSink
}

// Planner generates task plans. Safe for concurrent use.
type Planner struct {
	provider      llm.Provider
	reg           *registry.Registry
	builder       *prompt.Builder
	fallback      *fallback.Manager
	schema        *gojsonschema.Schema
	taskTimeout   time.Duration
	repairRetries int
	logger        *zap.Logger
	sink          observability.MetricsSink
}

// New builds a Planner, compiling the plan schema once.
func New(cfg Config, logger *zap.Logger) (*Planner, error) {
	if cfg.Provider == nil {
		return nil, errors.New("llm provider is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if cfg.Builder == nil {
		cfg.Builder = prompt.NewBuilder(prompt.Config{})
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = DefaultTaskTimeout
	}
	if cfg.RepairRetries == 0 {
		cfg.RepairRetries = DefaultRepairRetries
	}
	if cfg.Sink == nil {
		cfg.Sink = observability.NewNopSink()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(prompt.PlanSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("compile plan schema: %w", err)
	}

	return &Planner{
		provider:      cfg.Provider,
		reg:           cfg.Registry,
		builder:       cfg.Builder,
		fallback:      cfg.Fallback,
		schema:        schema,
		taskTimeout:   cfg.TaskTimeout,
		repairRetries: cfg.RepairRetries,
		logger:        logger,
		sink:          cfg.Sink,
	}, nil
}

// planEntry is one element of the model's JSON output. Dependencies name
// capabilities of other entries, not task ids; ids are assigned here.
type planEntry struct {
	Capability   string         `json:"capability"`
	Agent        string         `json:"agent"`
	Params       map[string]any `json:"params"`
	Priority     int            `json:"priority"`
	Dependencies []string       `json:"dependencies,omitempty"`
	Optional     bool           `json:"optional,omitempty"`
}

// GeneratePlan produces a validated plan for the query. Model output that
// fails validation gets up to RepairRetries repair rounds; if those also
// fail, or the model is unreachable, keyword routing takes over. The
// returned plan always passes TaskPlan.Validate.
func (p *Planner) GeneratePlan(ctx context.Context, query, corrID string) (*plan.TaskPlan, error) {
	start := time.Now()
	snap := p.reg.Snapshot()

	pp, err := p.builder.Planning(query, snap.Catalogue())
	if err != nil {
		if errors.Is(err, prompt.ErrNoCapabilities) {
			return p.keywordOrFail(query, corrID, snap, start, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrPlanningFailed, err)
	}

	resp, err := p.provider.Complete(ctx, pp.Request())
	if err != nil {
		p.logger.Warn("planning completion failed",
			zap.String("correlation_id", corrID),
			zap.Error(err))
		return p.keywordOrFail(query, corrID, snap, start, err)
	}

	raw := stripFences(resp.Content)
	taskPlan, defects := p.assemble(raw, query, corrID, snap)
	for round := 1; len(defects) > 0 && round <= p.repairRetries; round++ {
		p.logger.Info("plan has defects, attempting repair",
			zap.String("correlation_id", corrID),
			zap.Int("round", round),
			zap.Strings("defects", defects))

		repaired, rerr := p.provider.Complete(ctx, p.builder.Repair(raw, defects).Request())
		if rerr != nil {
			p.logger.Warn("repair completion failed",
				zap.String("correlation_id", corrID),
				zap.Error(rerr))
			return p.keywordOrFail(query, corrID, snap, start, rerr)
		}

		raw = stripFences(repaired.Content)
		taskPlan, defects = p.assemble(raw, query, corrID, snap)
		if len(defects) == 0 {
			p.sink.IncCounter(observability.MetricPlansRepaired, 1)
		}
	}
	if len(defects) > 0 {
		p.logger.Warn("repair did not produce a valid plan",
			zap.String("correlation_id", corrID),
			zap.Strings("defects", defects))
		return p.keywordOrFail(query, corrID, snap, start,
			fmt.Errorf("plan invalid after repair: %s", strings.Join(defects, "; ")))
	}

	p.sink.IncCounter(observability.MetricPlansGenerated, 1)
	p.sink.ObserveHistogram(observability.MetricPlanLatencyMs, float64(time.Since(start).Milliseconds()))
	p.logger.Info("plan generated",
		zap.String("correlation_id", corrID),
		zap.String("plan_id", taskPlan.ID),
		zap.Int("tasks", len(taskPlan.Tasks)))
	return taskPlan, nil
}

// assemble parses and validates raw model output, returning either a
// complete plan or the list of defects to feed the repair prompt.
// Parameter normalization never produces defects; failed fields keep
// their raw value and are logged.
func (p *Planner) assemble(raw, query, corrID string, snap *registry.Snapshot) (*plan.TaskPlan, []string) {
	if defects := p.schemaDefects(raw); defects != nil {
		return nil, defects
	}

	var entries []planEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, []string{fmt.Sprintf("output is not a JSON task array: %v", err)}
	}

	var defects []string
	for i, e := range entries {
		if !snap.HasCapability(e.Capability) {
			defects = append(defects, fmt.Sprintf("task %d: no healthy agent provides capability %q", i+1, e.Capability))
			continue
		}
		if e.Agent != "" && !slices.Contains(snap.AgentsFor(e.Capability), e.Agent) {
			// Routing happens by capability at dispatch; a stale agent
			// hint is not worth a repair round.
			p.logger.Debug("planned agent does not provide capability",
				zap.String("correlation_id", corrID),
				zap.String("agent", e.Agent),
				zap.String("capability", e.Capability))
		}
		for _, dep := range e.Dependencies {
			if !dependencyPlanned(entries, dep, i) {
				defects = append(defects, fmt.Sprintf("task %d: dependency %q does not match any other planned capability", i+1, dep))
			}
		}
	}
	if defects != nil {
		return nil, defects
	}

	now := time.Now()
	tasks := make([]*plan.Task, len(entries))
	for i, e := range entries {
		params, nerrs := normalize.Params(e.Params, now)
		for _, ne := range nerrs {
			p.logger.Warn("parameter kept raw after failed normalization",
				zap.String("correlation_id", corrID),
				zap.String("field", ne.Field),
				zap.String("value", ne.Value),
				zap.String("reason", ne.Reason))
		}
		tasks[i] = &plan.Task{
			ID:         fmt.Sprintf("t%d", i+1),
			Capability: e.Capability,
			Parameters: params,
			Priority:   e.Priority,
			Timeout:    p.taskTimeout,
			Optional:   e.Optional,
		}
	}
	for i, e := range entries {
		tasks[i].Dependencies = expandDependencies(entries, tasks, e.Dependencies, i)
	}

	taskPlan := plan.New(corrID, query, tasks)
	if err := taskPlan.Validate(); err != nil {
		return nil, []string{err.Error()}
	}
	return taskPlan, nil
}

// schemaDefects validates raw output against the plan schema. A nil
// return means the document conforms.
func (p *Planner) schemaDefects(raw string) []string {
	result, err := p.schema.Validate(gojsonschema.NewStringLoader(raw))
	if err != nil {
		return []string{fmt.Sprintf("output is not valid JSON: %v", err)}
	}
	if result.Valid() {
		return nil
	}
	defects := make([]string, len(result.Errors()))
	for i, re := range result.Errors() {
		defects[i] = re.String()
	}
	return defects
}

// keywordOrFail runs the keyword fallback, or fails hard when none is
// configured. The fallback manager owns the fallbacks_triggered counter.
func (p *Planner) keywordOrFail(query, corrID string, snap *registry.Snapshot, start time.Time, cause error) (*plan.TaskPlan, error) {
	if p.fallback == nil {
		return nil, fmt.Errorf("%w: %v", ErrPlanningFailed, cause)
	}

	kp, err := p.fallback.KeywordPlan(query, corrID, snap)
	if err != nil {
		return nil, fmt.Errorf("%w: %v (keyword fallback: %v)", ErrPlanningFailed, cause, err)
	}

	p.logger.Warn("falling back to keyword routing",
		zap.String("correlation_id", corrID),
		zap.NamedError("cause", cause))
	for _, t := range kp.Tasks {
		if t.Timeout <= 0 {
			t.Timeout = p.taskTimeout
		}
	}
	p.sink.ObserveHistogram(observability.MetricPlanLatencyMs, float64(time.Since(start).Milliseconds()))
	return kp, nil
}

// dependencyPlanned reports whether some other entry provides the named
// capability. A dependency that only matches its own entry would be a
// self-cycle.
func dependencyPlanned(entries []planEntry, capability string, self int) bool {
	for j, other := range entries {
		if j != self && other.Capability == capability {
			return true
		}
	}
	return false
}

// expandDependencies maps capability-name dependencies to the ids of
// every other task providing that capability, deduplicated in plan order.
func expandDependencies(entries []planEntry, tasks []*plan.Task, deps []string, self int) []string {
	var ids []string
	seen := make(map[string]bool)
	for _, depCap := range deps {
		for j, other := range entries {
			if j == self || other.Capability != depCap {
				continue
			}
			if id := tasks[j].ID; !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	return ids
}

// stripFences removes a surrounding markdown code fence, with or without
// a language tag. Anything beyond fence trimming goes to repair instead.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	} else {
		return strings.TrimSpace(strings.TrimPrefix(s, "```"))
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
