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

// Package fallback degrades gracefully when the normal planning and
// execution paths fail: keyword routing to a single best-fit agent, a
// direct LLM answer that bypasses the mesh, alternate-agent selection for
// failed required tasks, and the deterministic emergency response of last
// resort.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sahilm/fuzzy"
	"go.uber.org/zap"

	"github.com/teradata-labs/amcp/pkg/llm"
	"github.com/teradata-labs/amcp/pkg/observability"
	"github.com/teradata-labs/amcp/pkg/plan"
	"github.com/teradata-labs/amcp/pkg/prompt"
	"github.com/teradata-labs/amcp/pkg/registry"
)

// ErrNoMatch is returned when keyword routing finds no capability that
// plausibly relates to the query.
var ErrNoMatch = errors.New("no capability matches query keywords")

// Config wires the fallback manager's collaborators.
type Config struct {
	// Provider answers direct-answer prompts. Optional; DirectAnswer
	// fails cleanly without it.
	Provider llm.Provider

	// Builder renders the direct-answer prompt. Required for
	// DirectAnswer.
	Builder *prompt.Builder

	// Sink receives the fallbacks_triggered counter. Defaults to a
	// no-op.
	Sink observability.MetricsSink
}

// Manager implements the degradation ladder. Safe for concurrent use.
type Manager struct {
	provider llm.Provider
	builder  *prompt.Builder
	logger   *zap.Logger
	sink     observability.MetricsSink
}

// NewManager builds a Manager, applying defaults for zero config fields.
func NewManager(cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	sink := cfg.Sink
	if sink == nil {
		sink = observability.NewNopSink()
	}
	return &Manager{
		provider: cfg.Provider,
		builder:  cfg.Builder,
		logger:   logger,
		sink:     sink,
	}
}

// KeywordPlan builds a one-task plan by fuzzy-matching query keywords
// against the capability catalogue. The raw query travels as params.query
// so the selected agent can interpret it itself.
func (m *Manager) KeywordPlan(query, corrID string, snap *registry.Snapshot) (*plan.TaskPlan, error) {
	catalogue := snap.Catalogue()
	if len(catalogue) == 0 {
		return nil, fmt.Errorf("%w: catalogue is empty", ErrNoMatch)
	}

	capability, score := bestCapability(query, catalogue)
	if capability == "" {
		return nil, fmt.Errorf("%w: %q", ErrNoMatch, query)
	}

	m.sink.IncCounter(observability.MetricFallbacksTriggered, 1)
	m.logger.Info("keyword fallback selected capability",
		zap.String("correlation_id", corrID),
		zap.String("capability", capability),
		zap.Int("score", score))

	task := &plan.Task{
		Capability: capability,
		Parameters: map[string]any{"query": query},
		Priority:   1,
	}
	return plan.New(corrID, query, []*plan.Task{task}), nil
}

// DirectAnswer asks the model to answer the user without any agent tasks.
// This is the last resort before the emergency response.
func (m *Manager) DirectAnswer(ctx context.Context, query string) (string, error) {
	if m.provider == nil || m.builder == nil {
		return "", errors.New("direct answer unavailable: no llm provider configured")
	}

	p, err := m.builder.Direct(query)
	if err != nil {
		return "", err
	}

	resp, err := m.provider.Complete(ctx, p.Request())
	if err != nil {
		return "", fmt.Errorf("direct answer failed: %w", err)
	}

	m.sink.IncCounter(observability.MetricFallbacksTriggered, 1)
	answer := strings.TrimSpace(resp.Content)
	if answer == "" {
		return "", errors.New("direct answer failed: model returned empty content")
	}
	return answer, nil
}

// AlternateAgent picks another healthy agent advertising the capability,
// skipping the excluded one. Used to retry a failed required task.
func (m *Manager) AlternateAgent(snap *registry.Snapshot, capability, exclude string) (string, bool) {
	for _, id := range snap.AgentsFor(capability) {
		if id != exclude {
			return id, true
		}
	}
	return "", false
}

// EmergencyResponse is the deterministic answer of last resort. The
// reason must already be user-safe; callers pass curated phrases, never
// raw error chains.
func (m *Manager) EmergencyResponse(corrID, reason string) string {
	if reason == "" {
		reason = "of an internal error"
	}
	m.sink.IncCounter(observability.MetricFallbacksTriggered, 1)
	m.logger.Warn("emergency response issued",
		zap.String("correlation_id", corrID),
		zap.String("reason", reason))
	return fmt.Sprintf("I could not complete your request because %s. Please try again.", reason)
}

// bestCapability scores every catalogue entry against the query's words
// and returns the winner. A capability must match at least one word; ties
// break on accumulated fuzzy score, then catalogue order.
func bestCapability(query string, catalogue []registry.CatalogueEntry) (string, int) {
	texts := make([]string, len(catalogue))
	for i, entry := range catalogue {
		texts[i] = searchText(entry)
	}

	hits := make([]int, len(catalogue))
	scores := make([]int, len(catalogue))
	for _, word := range queryWords(query) {
		for _, match := range fuzzy.Find(word, texts) {
			hits[match.Index]++
			scores[match.Index] += match.Score
		}
	}

	best := -1
	for i := range catalogue {
		if hits[i] == 0 {
			continue
		}
		if best == -1 || hits[i] > hits[best] || (hits[i] == hits[best] && scores[i] > scores[best]) {
			best = i
		}
	}
	if best == -1 {
		return "", 0
	}
	return catalogue[best].Name, scores[best]
}

// searchText flattens a catalogue entry into one matchable string: name
// segments, description, and parameter names.
func searchText(entry registry.CatalogueEntry) string {
	parts := []string{strings.ReplaceAll(entry.Name, ".", " ")}
	if entry.Description != "" {
		parts = append(parts, strings.ToLower(entry.Description))
	}
	parts = append(parts, entry.Parameters...)
	return strings.Join(parts, " ")
}

// queryWords extracts lowercase alphanumeric words of three or more
// characters, deduplicated in order.
func queryWords(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	seen := make(map[string]bool, len(fields))
	var words []string
	for _, f := range fields {
		if len(f) < 3 || seen[f] {
			continue
		}
		seen[f] = true
		words = append(words, f)
	}
	return words
}
