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

package plan

import (
	"fmt"
	"sort"
	"sync"
)

// Graph is the dependency DAG over a plan's tasks. Node status mirrors the
// task status; Ready and the marking methods drive scheduling. All ordered
// results follow insertion order, with Ready additionally sorted by
// priority, so scheduling is deterministic for a given plan.
type Graph struct {
	mu    sync.RWMutex
	order []string
	nodes map[string]*node
}

type node struct {
	id         string
	deps       []string
	dependents []string
	priority   int
	optional   bool
	index      int
	status     TaskStatus
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{nodes: make(map[string]*node)}
}

// Add inserts a node. Duplicate ids are rejected; dependency targets may be
// added later and are checked by Validate.
func (g *Graph) Add(id string, deps []string, priority int, optional bool) error {
	if id == "" {
		return fmt.Errorf("empty node id")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.nodes[id]; exists {
		return fmt.Errorf("duplicate node %s", id)
	}
	n := &node{
		id:       id,
		deps:     append([]string(nil), deps...),
		priority: priority,
		optional: optional,
		index:    len(g.order),
		status:   TaskPending,
	}
	g.nodes[id] = n
	g.order = append(g.order, id)
	for _, dep := range deps {
		if depNode, ok := g.nodes[dep]; ok {
			depNode.dependents = append(depNode.dependents, id)
		}
	}
	return nil
}

// Validate checks that every dependency target exists and the graph is
// acyclic.
func (g *Graph) Validate() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.rebuildDependentsLocked()
	for _, id := range g.order {
		for _, dep := range g.nodes[id].deps {
			if _, ok := g.nodes[dep]; !ok {
				return fmt.Errorf("%w: task %s depends on unknown task %s", ErrInvalidPlan, id, dep)
			}
		}
	}

	visited := make(map[string]bool, len(g.nodes))
	onStack := make(map[string]bool, len(g.nodes))
	for _, id := range g.order {
		if !visited[id] {
			if g.hasCycleLocked(id, visited, onStack) {
				return fmt.Errorf("%w: dependency cycle involving task %s", ErrInvalidPlan, id)
			}
		}
	}
	return nil
}

// rebuildDependentsLocked recomputes dependent edges from scratch. Needed
// when nodes were added after their dependents named them.
func (g *Graph) rebuildDependentsLocked() {
	for _, n := range g.nodes {
		n.dependents = n.dependents[:0]
	}
	for _, id := range g.order {
		for _, dep := range g.nodes[id].deps {
			if depNode, ok := g.nodes[dep]; ok {
				depNode.dependents = append(depNode.dependents, id)
			}
		}
	}
}

func (g *Graph) hasCycleLocked(id string, visited, onStack map[string]bool) bool {
	visited[id] = true
	onStack[id] = true
	for _, dep := range g.nodes[id].deps {
		next, ok := g.nodes[dep]
		if !ok {
			continue
		}
		if !visited[next.id] {
			if g.hasCycleLocked(next.id, visited, onStack) {
				return true
			}
		} else if onStack[next.id] {
			return true
		}
	}
	onStack[id] = false
	return false
}

// Ready returns pending nodes whose dependencies have all completed,
// ordered by priority then insertion.
func (g *Graph) Ready() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ready []*node
	for _, id := range g.order {
		n := g.nodes[id]
		if n.status != TaskPending {
			continue
		}
		ok := true
		for _, dep := range n.deps {
			depNode, exists := g.nodes[dep]
			if !exists || depNode.status != TaskCompleted {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, n)
		}
	}
	sort.SliceStable(ready, func(i, j int) bool {
		if ready[i].priority != ready[j].priority {
			return ready[i].priority < ready[j].priority
		}
		return ready[i].index < ready[j].index
	})
	ids := make([]string, len(ready))
	for i, n := range ready {
		ids[i] = n.id
	}
	return ids
}

// SetStatus updates a node's status. Unknown ids are ignored.
func (g *Graph) SetStatus(id string, status TaskStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if n, ok := g.nodes[id]; ok {
		n.status = status
	}
}

// Status returns a node's status, defaulting to pending for unknown ids.
func (g *Graph) Status(id string) TaskStatus {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if n, ok := g.nodes[id]; ok {
		return n.status
	}
	return TaskPending
}

// Dependents returns the ids that directly depend on id.
func (g *Graph) Dependents(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if n, ok := g.nodes[id]; ok {
		return append([]string(nil), n.dependents...)
	}
	return nil
}

// PendingDependents returns every transitive dependent of id that is still
// pending, in insertion order. This is the blast radius of a failure.
func (g *Graph) PendingDependents(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	affected := make(map[string]bool)
	g.collectPendingDependentsLocked(id, affected)

	var out []string
	for _, candidate := range g.order {
		if affected[candidate] {
			out = append(out, candidate)
		}
	}
	return out
}

func (g *Graph) collectPendingDependentsLocked(id string, affected map[string]bool) {
	n, ok := g.nodes[id]
	if !ok {
		return
	}
	for _, dep := range n.dependents {
		depNode := g.nodes[dep]
		if depNode == nil || affected[dep] {
			continue
		}
		if depNode.status == TaskPending {
			affected[dep] = true
		}
		g.collectPendingDependentsLocked(dep, affected)
	}
}

// CancelPendingDependents marks every pending transitive dependent of id as
// cancelled and returns the affected ids.
func (g *Graph) CancelPendingDependents(id string) []string {
	affected := g.PendingDependents(id)
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, dep := range affected {
		if n, ok := g.nodes[dep]; ok && n.status == TaskPending {
			n.status = TaskCancelled
		}
	}
	return affected
}

// Complete reports whether every node is in a terminal state.
func (g *Graph) Complete() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, n := range g.nodes {
		if !n.status.Terminal() {
			return false
		}
	}
	return true
}

// Stalled reports whether work remains but nothing can make progress: no
// node is running, none is ready, and at least one is still pending.
func (g *Graph) Stalled() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	pending := false
	for _, n := range g.nodes {
		switch n.status {
		case TaskRunning:
			return false
		case TaskPending:
			pending = true
		}
	}
	if !pending {
		return false
	}
	for _, id := range g.order {
		n := g.nodes[id]
		if n.status != TaskPending {
			continue
		}
		ok := true
		for _, dep := range n.deps {
			depNode, exists := g.nodes[dep]
			if !exists || depNode.status != TaskCompleted {
				ok = false
				break
			}
		}
		if ok {
			return false
		}
	}
	return true
}

// TopologicalOrder returns all ids in dependency order. Ties resolve by
// insertion order. Returns nil if the graph has a cycle.
func (g *Graph) TopologicalOrder() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	inDegree := make(map[string]int, len(g.nodes))
	for _, id := range g.order {
		inDegree[id] = 0
		for _, dep := range g.nodes[id].deps {
			if _, ok := g.nodes[dep]; ok {
				inDegree[id]++
			}
		}
	}

	var queue []string
	for _, id := range g.order {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	result := make([]string, 0, len(g.nodes))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		result = append(result, current)
		for _, dep := range g.sortedDependentsLocked(current) {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	if len(result) != len(g.nodes) {
		return nil
	}
	return result
}

// Levels groups ids into waves that may run concurrently: each level only
// depends on earlier levels.
func (g *Graph) Levels() [][]string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var levels [][]string
	placed := make(map[string]bool, len(g.nodes))
	for len(placed) < len(g.nodes) {
		var level []string
		for _, id := range g.order {
			if placed[id] {
				continue
			}
			ok := true
			for _, dep := range g.nodes[id].deps {
				if _, exists := g.nodes[dep]; exists && !placed[dep] {
					ok = false
					break
				}
			}
			if ok {
				level = append(level, id)
			}
		}
		if len(level) == 0 {
			return levels
		}
		for _, id := range level {
			placed[id] = true
		}
		levels = append(levels, level)
	}
	return levels
}

func (g *Graph) sortedDependentsLocked(id string) []string {
	n, ok := g.nodes[id]
	if !ok {
		return nil
	}
	deps := append([]string(nil), n.dependents...)
	sort.Slice(deps, func(i, j int) bool {
		return g.nodes[deps[i]].index < g.nodes[deps[j]].index
	})
	return deps
}

// Counts tallies node statuses.
type Counts struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	TimedOut  int `json:"timedOut"`
}

// Counts returns the current status tally.
func (g *Graph) Counts() Counts {
	g.mu.RLock()
	defer g.mu.RUnlock()

	c := Counts{Total: len(g.nodes)}
	for _, n := range g.nodes {
		switch n.status {
		case TaskPending:
			c.Pending++
		case TaskRunning:
			c.Running++
		case TaskCompleted:
			c.Completed++
		case TaskFailed:
			c.Failed++
		case TaskCancelled:
			c.Cancelled++
		case TaskTimedOut:
			c.TimedOut++
		}
	}
	return c
}
