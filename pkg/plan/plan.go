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

// Package plan models decomposed task plans: the task list an orchestration
// session executes, plus the dependency graph that sequences it.
package plan

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/teradata-labs/amcp/pkg/protocol"
)

// ErrInvalidPlan wraps every structural defect Validate reports.
var ErrInvalidPlan = errors.New("invalid plan")

// Task lifecycle states.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
	TaskTimedOut  TaskStatus = "timedOut"
)

// Terminal reports whether the status is final.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled, TaskTimedOut:
		return true
	}
	return false
}

// Task is one unit of work within a plan. Capability routing happens at
// dispatch; the task itself never names an agent endpoint.
type Task struct {
	ID           string         `json:"taskId"`
	SessionID    string         `json:"sessionId,omitempty"`
	Capability   string         `json:"capability"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	Dependencies []string       `json:"dependencies,omitempty"`
	Priority     int            `json:"priority"`
	Timeout      time.Duration  `json:"timeout,omitempty"`
	Optional     bool           `json:"optional,omitempty"`

	Status      TaskStatus            `json:"status"`
	Result      json.RawMessage       `json:"result,omitempty"`
	Error       *protocol.ErrorDetail `json:"error,omitempty"`
	StartedAt   time.Time             `json:"startedAt,omitzero"`
	CompletedAt time.Time             `json:"completedAt,omitzero"`
}

// TaskPlan is an ordered task list bound to one correlation id.
type TaskPlan struct {
	ID            string  `json:"planId"`
	CorrelationID string  `json:"correlationId"`
	OriginalQuery string  `json:"originalQuery"`
	Tasks         []*Task `json:"tasks"`
}

// New builds a plan over the given tasks, assigning ids where missing and
// defaulting priority and status. The task slice is used as-is.
func New(correlationID, originalQuery string, tasks []*Task) *TaskPlan {
	for i, t := range tasks {
		if t.ID == "" {
			t.ID = fmt.Sprintf("t%d", i+1)
		}
		if t.Priority < 1 {
			t.Priority = 1
		}
		if t.Status == "" {
			t.Status = TaskPending
		}
	}
	return &TaskPlan{
		ID:            uuid.New().String(),
		CorrelationID: correlationID,
		OriginalQuery: originalQuery,
		Tasks:         tasks,
	}
}

// Task returns the task with the given id, if present.
func (p *TaskPlan) Task(id string) (*Task, bool) {
	for _, t := range p.Tasks {
		if t.ID == id {
			return t, true
		}
	}
	return nil, false
}

// Validate checks the structural invariants: at least one task, unique
// non-empty task ids, known capabilities names (non-empty here; registry
// membership is the planner's check), resolvable dependencies, and an
// acyclic graph.
func (p *TaskPlan) Validate() error {
	if len(p.Tasks) == 0 {
		return fmt.Errorf("%w: no tasks", ErrInvalidPlan)
	}
	seen := make(map[string]bool, len(p.Tasks))
	for _, t := range p.Tasks {
		if t.ID == "" {
			return fmt.Errorf("%w: task with empty id", ErrInvalidPlan)
		}
		if seen[t.ID] {
			return fmt.Errorf("%w: duplicate task id %s", ErrInvalidPlan, t.ID)
		}
		seen[t.ID] = true
		if t.Capability == "" {
			return fmt.Errorf("%w: task %s has no capability", ErrInvalidPlan, t.ID)
		}
		if t.Priority < 1 {
			return fmt.Errorf("%w: task %s priority %d below 1", ErrInvalidPlan, t.ID, t.Priority)
		}
		for _, dep := range t.Dependencies {
			if dep == t.ID {
				return fmt.Errorf("%w: task %s depends on itself", ErrInvalidPlan, t.ID)
			}
		}
	}
	g, err := p.Graph()
	if err != nil {
		return err
	}
	return g.Validate()
}

// Graph builds the dependency graph for this plan.
func (p *TaskPlan) Graph() (*Graph, error) {
	g := NewGraph()
	for _, t := range p.Tasks {
		if err := g.Add(t.ID, t.Dependencies, t.Priority, t.Optional); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
		}
	}
	return g, nil
}

// TaskIDs returns the plan's task ids in declaration order.
func (p *TaskPlan) TaskIDs() []string {
	ids := make([]string, 0, len(p.Tasks))
	for _, t := range p.Tasks {
		ids = append(ids, t.ID)
	}
	return ids
}

// Completed returns the tasks that finished successfully.
func (p *TaskPlan) Completed() []*Task {
	var out []*Task
	for _, t := range p.Tasks {
		if t.Status == TaskCompleted {
			out = append(out, t)
		}
	}
	return out
}

// Failed returns the tasks that ended failed or timed out.
func (p *TaskPlan) Failed() []*Task {
	var out []*Task
	for _, t := range p.Tasks {
		if t.Status == TaskFailed || t.Status == TaskTimedOut {
			out = append(out, t)
		}
	}
	return out
}

// AnyRequiredFailed reports whether a non-optional task ended failed,
// timed out, or was cancelled.
func (p *TaskPlan) AnyRequiredFailed() bool {
	for _, t := range p.Tasks {
		if t.Optional {
			continue
		}
		switch t.Status {
		case TaskFailed, TaskTimedOut, TaskCancelled:
			return true
		}
	}
	return false
}
