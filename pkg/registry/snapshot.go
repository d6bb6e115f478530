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

package registry

import (
	"sort"
	"time"
)

// Snapshot is a frozen view of the mesh. Instances are immutable once
// published; any number of readers may hold one while writers swap in
// successors.
type Snapshot struct {
	TakenAt time.Time

	agents       map[string]*Descriptor
	order        []string
	byCapability map[string][]string
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		TakenAt:      time.Now().UTC(),
		agents:       map[string]*Descriptor{},
		byCapability: map[string][]string{},
	}
}

// buildSnapshot freezes the master records. The capability index lists
// healthy agents only; unhealthy agents stay visible in the agent table so
// operators can see them, but they are never offered for dispatch.
func buildSnapshot(master map[string]*Descriptor) *Snapshot {
	s := &Snapshot{
		TakenAt:      time.Now().UTC(),
		agents:       make(map[string]*Descriptor, len(master)),
		order:        make([]string, 0, len(master)),
		byCapability: make(map[string][]string),
	}
	for id, rec := range master {
		s.agents[id] = rec.clone()
		s.order = append(s.order, id)
	}
	sort.Strings(s.order)
	for _, id := range s.order {
		rec := s.agents[id]
		if !rec.Healthy {
			continue
		}
		for _, c := range rec.Capabilities {
			s.byCapability[c.Name] = append(s.byCapability[c.Name], id)
		}
	}
	return s
}

// withAgent derives a snapshot that differs in a single record whose
// health did not change, sharing the capability index with the receiver.
func (s *Snapshot) withAgent(agentID string, rec *Descriptor) *Snapshot {
	out := &Snapshot{
		TakenAt:      time.Now().UTC(),
		agents:       make(map[string]*Descriptor, len(s.agents)),
		order:        s.order,
		byCapability: s.byCapability,
	}
	for id, d := range s.agents {
		out.agents[id] = d
	}
	out.agents[agentID] = rec
	return out
}

// Len returns the number of registered agents.
func (s *Snapshot) Len() int { return len(s.order) }

// HealthyCount returns the number of currently healthy agents.
func (s *Snapshot) HealthyCount() int {
	n := 0
	for _, id := range s.order {
		if s.agents[id].Healthy {
			n++
		}
	}
	return n
}

// Agent returns a copy of the named agent's record.
func (s *Snapshot) Agent(agentID string) (Descriptor, bool) {
	rec, ok := s.agents[agentID]
	if !ok {
		return Descriptor{}, false
	}
	return *rec.clone(), true
}

// Agents returns copies of every record in agent id order.
func (s *Snapshot) Agents() []Descriptor {
	out := make([]Descriptor, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.agents[id].clone())
	}
	return out
}

// AgentsFor returns the healthy agents advertising a capability, in id
// order. The result is the caller's to keep.
func (s *Snapshot) AgentsFor(capability string) []string {
	return append([]string(nil), s.byCapability[capability]...)
}

// HasCapability reports whether any healthy agent advertises the name.
func (s *Snapshot) HasCapability(name string) bool {
	return len(s.byCapability[name]) > 0
}

// CapabilityNames returns the sorted names served by healthy agents.
func (s *Snapshot) CapabilityNames() []string {
	names := make([]string, 0, len(s.byCapability))
	for name := range s.byCapability {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CatalogueEntry is one line of the mesh's capability catalogue: the
// merged capability description plus the healthy agents serving it.
type CatalogueEntry struct {
	Capability
	Agents []string `json:"agents"`
}

// Catalogue merges the healthy agents' capabilities into one entry per
// name, sorted by name. When several agents advertise the same capability
// the first non-empty description (in agent id order) wins and parameter
// hints are unioned.
func (s *Snapshot) Catalogue() []CatalogueEntry {
	merged := make(map[string]*CatalogueEntry)
	for _, id := range s.order {
		rec := s.agents[id]
		if !rec.Healthy {
			continue
		}
		for _, c := range rec.Capabilities {
			entry, ok := merged[c.Name]
			if !ok {
				entry = &CatalogueEntry{Capability: Capability{Name: c.Name}}
				merged[c.Name] = entry
			}
			if entry.Description == "" {
				entry.Description = c.Description
			}
			entry.Parameters = unionSorted(entry.Parameters, c.Parameters)
			entry.Agents = append(entry.Agents, id)
		}
	}

	out := make([]CatalogueEntry, 0, len(merged))
	for _, entry := range merged {
		out = append(out, *entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func unionSorted(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	seen := make(map[string]bool, len(a)+len(b))
	for _, v := range a {
		seen[v] = true
	}
	out := append([]string(nil), a...)
	for _, v := range b {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}
