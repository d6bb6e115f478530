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

// Package prompt constructs the model-agnostic prompts the orchestrator
// sends to its LLM: plan decomposition, answer synthesis, JSON repair, and
// the direct-answer last resort. Prompts carry their own sampling
// parameters so callers never guess temperatures, and every build is
// token-counted against a budget that trims few-shot examples first.
package prompt

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/teradata-labs/amcp/pkg/llm"
	"github.com/teradata-labs/amcp/pkg/registry"
)

// Prompt kinds.
type Kind string

const (
	KindPlanning  Kind = "planning"
	KindSynthesis Kind = "synthesis"
	KindRepair    Kind = "repair"
	KindDirect    Kind = "direct"
)

// Builder defaults.
const (
	DefaultPlanningTemperature  = 0.1
	DefaultSynthesisTemperature = 0.5
	DefaultPlanningMaxTokens    = 2048
	DefaultSynthesisMaxTokens   = 1024
	DefaultMaxPromptTokens      = 8000
)

// ErrNoCapabilities is returned when a planning prompt is requested while
// no healthy agent advertises anything. Callers skip planning entirely and
// fall through to the direct-answer path.
var ErrNoCapabilities = errors.New("no capabilities available for planning")

// Prompt is a ready-to-send model request: instruction text plus the
// sampling parameters appropriate for its kind.
type Prompt struct {
	Kind        Kind
	System      string
	Text        string
	Temperature float64
	MaxTokens   int

	// Tokens is the counted size of System plus Text.
	Tokens int
}

// Request converts the prompt into a single-turn completion request.
func (p *Prompt) Request() llm.Request {
	return llm.UserRequest(p.System, p.Text, p.Temperature, p.MaxTokens)
}

// Validate scores the prompt's own structural coverage.
func (p *Prompt) Validate() Report {
	return Validate(p.Kind, p.System+"\n"+p.Text)
}

// ResultBlock is one task outcome handed to the synthesis prompt. A nil
// Result marks the capability unavailable; the builder renders the marker
// the synthesizer is instructed to acknowledge.
type ResultBlock struct {
	TaskID     string
	Capability string
	Result     json.RawMessage
}

// Config controls prompt construction. Zero fields take defaults.
type Config struct {
	// PlanningTemperature is used for plan decomposition. Kept low so
	// plans stay schema-shaped.
	PlanningTemperature float64

	// SynthesisTemperature is used for answer synthesis and direct
	// answers.
	SynthesisTemperature float64

	PlanningMaxTokens  int
	SynthesisMaxTokens int

	// MaxPromptTokens bounds the built prompt. Planning prompts over
	// budget shed few-shot examples from the tail, never below one.
	MaxPromptTokens int

	// Examples overrides the built-in few-shot pairs.
	Examples []Example
}

// Builder renders prompts. Safe for concurrent use.
type Builder struct {
	cfg     Config
	counter *TokenCounter
}

// NewBuilder returns a Builder, applying defaults for zero config fields.
func NewBuilder(cfg Config) *Builder {
	if cfg.PlanningTemperature <= 0 {
		cfg.PlanningTemperature = DefaultPlanningTemperature
	}
	if cfg.SynthesisTemperature <= 0 {
		cfg.SynthesisTemperature = DefaultSynthesisTemperature
	}
	if cfg.PlanningMaxTokens <= 0 {
		cfg.PlanningMaxTokens = DefaultPlanningMaxTokens
	}
	if cfg.SynthesisMaxTokens <= 0 {
		cfg.SynthesisMaxTokens = DefaultSynthesisMaxTokens
	}
	if cfg.MaxPromptTokens <= 0 {
		cfg.MaxPromptTokens = DefaultMaxPromptTokens
	}
	if len(cfg.Examples) == 0 {
		cfg.Examples = DefaultExamples()
	}
	return &Builder{cfg: cfg, counter: GetTokenCounter()}
}

const planningSystem = "You are the task planner for a mesh of specialized agents. " +
	"Decompose the user's request into the smallest set of tasks that answers it, " +
	"using ONLY the capabilities in the catalogue. " +
	"Respond with JSON ONLY: a single JSON array matching the schema, with no prose and no markdown fences."

// Planning builds the plan-decomposition prompt over the given capability
// catalogue. Section order is fixed: directive, catalogue, examples,
// schema, query.
func (b *Builder) Planning(query string, catalogue []registry.CatalogueEntry) (*Prompt, error) {
	query = sanitize(query)
	if query == "" {
		return nil, errors.New("planning prompt needs a query")
	}
	if len(catalogue) == 0 {
		return nil, ErrNoCapabilities
	}

	examples := b.cfg.Examples
	if len(examples) > 3 {
		examples = examples[:3]
	}

	p := b.renderPlanning(query, catalogue, examples)
	for p.Tokens > b.cfg.MaxPromptTokens && len(examples) > 1 {
		examples = examples[:len(examples)-1]
		p = b.renderPlanning(query, catalogue, examples)
	}
	return p, nil
}

func (b *Builder) renderPlanning(query string, catalogue []registry.CatalogueEntry, examples []Example) *Prompt {
	var sb strings.Builder

	sb.WriteString("AVAILABLE CAPABILITIES:\n")
	for _, entry := range catalogue {
		sb.WriteString(renderCatalogueEntry(entry))
		sb.WriteByte('\n')
	}

	sb.WriteString("\nRULES:\n")
	sb.WriteString("1. Use ONLY capabilities from the catalogue above; NEVER invent one.\n")
	sb.WriteString("2. Pick each task's agent from that capability's agent list.\n")
	sb.WriteString("3. priority is an integer >= 1; tasks with equal priority may run concurrently.\n")
	sb.WriteString("4. dependencies name capabilities of OTHER tasks in this plan that must finish first.\n")
	sb.WriteString("5. Mark a task optional when the answer can survive without its result.\n")

	sb.WriteString("\nEXAMPLES:\n")
	for i, ex := range examples {
		fmt.Fprintf(&sb, "\nExample %d\nQuery: %s\nPlan:\n```json\n%s\n```\n", i+1, ex.Query, ex.Plan)
	}

	sb.WriteString("\nOUTPUT SCHEMA:\n```json\n")
	sb.WriteString(PlanSchemaJSON)
	sb.WriteString("\n```\n")

	sb.WriteString("\nUSER QUERY:\n")
	sb.WriteString(query)
	sb.WriteByte('\n')

	return b.finish(KindPlanning, planningSystem, sb.String(), b.cfg.PlanningTemperature, b.cfg.PlanningMaxTokens)
}

const synthesisSystem = "You compose the final answer for the user from the results of specialized agents. " +
	"Write concise plain prose."

// Synthesis builds the answer-composition prompt from the original query
// and the collected task results.
func (b *Builder) Synthesis(query string, results []ResultBlock) (*Prompt, error) {
	query = sanitize(query)
	if query == "" {
		return nil, errors.New("synthesis prompt needs a query")
	}
	if len(results) == 0 {
		return nil, errors.New("synthesis prompt needs at least one result block")
	}

	var sb strings.Builder
	sb.WriteString("ORIGINAL QUERY:\n")
	sb.WriteString(query)
	sb.WriteString("\n\nTASK RESULTS:\n")
	for _, r := range results {
		label := r.Capability
		if r.TaskID != "" {
			label = fmt.Sprintf("%s %s", r.TaskID, r.Capability)
		}
		if len(r.Result) == 0 {
			fmt.Fprintf(&sb, "\n[%s]: [%s unavailable]\n", label, r.Capability)
			continue
		}
		fmt.Fprintf(&sb, "\n[%s]:\n```json\n%s\n```\n", label, string(r.Result))
	}

	sb.WriteString("\nINSTRUCTIONS:\n")
	sb.WriteString("1. Answer the ORIGINAL QUERY directly, using ONLY the task results above.\n")
	sb.WriteString("2. Plain prose; no JSON, no markdown headings, no preamble.\n")
	sb.WriteString("3. Where a result is marked unavailable, say plainly which information is missing instead of guessing.\n")

	return b.finish(KindSynthesis, synthesisSystem, sb.String(), b.cfg.SynthesisTemperature, b.cfg.SynthesisMaxTokens), nil
}

const repairSystem = "Your prior output was not a valid task plan. " +
	"Reply ONLY with the corrected JSON array: no prose, no markdown fences, no apology."

// Repair builds the one-shot correction prompt. Temperature is pinned to
// zero; a repair must be reproducible, not creative. The defect list may
// be empty when the failure was a bare parse error.
func (b *Builder) Repair(malformed string, defects []string) *Prompt {
	var sb strings.Builder

	if len(defects) > 0 {
		sb.WriteString("DEFECTS:\n")
		for _, d := range defects {
			fmt.Fprintf(&sb, "- %s\n", d)
		}
		sb.WriteByte('\n')
	}

	sb.WriteString("MALFORMED OUTPUT:\n<<<\n")
	sb.WriteString(strings.TrimSpace(malformed))
	sb.WriteString("\n>>>\n")

	sb.WriteString("\nOUTPUT SCHEMA:\n```json\n")
	sb.WriteString(PlanSchemaJSON)
	sb.WriteString("\n```\n")

	return b.finish(KindRepair, repairSystem, sb.String(), 0, b.cfg.PlanningMaxTokens)
}

const directSystem = "The agent mesh could not run tasks for this request. " +
	"Answer the user directly from general knowledge, and be explicit about anything you cannot know without live data."

// Direct builds the last-resort prompt that bypasses the mesh entirely.
func (b *Builder) Direct(query string) (*Prompt, error) {
	query = sanitize(query)
	if query == "" {
		return nil, errors.New("direct prompt needs a query")
	}

	text := "USER QUERY:\n" + query + "\n"
	return b.finish(KindDirect, directSystem, text, b.cfg.SynthesisTemperature, b.cfg.SynthesisMaxTokens), nil
}

func (b *Builder) finish(kind Kind, system, text string, temperature float64, maxTokens int) *Prompt {
	return &Prompt{
		Kind:        kind,
		System:      system,
		Text:        text,
		Temperature: temperature,
		MaxTokens:   maxTokens,
		Tokens:      b.counter.CountTokensMultiple(system, text),
	}
}

func renderCatalogueEntry(entry registry.CatalogueEntry) string {
	var sb strings.Builder
	sb.WriteString("- ")
	sb.WriteString(entry.Name)
	if entry.Description != "" {
		sb.WriteString(": ")
		sb.WriteString(entry.Description)
	}
	var extra []string
	if len(entry.Agents) > 0 {
		extra = append(extra, "agents: "+strings.Join(entry.Agents, ", "))
	}
	if len(entry.Parameters) > 0 {
		extra = append(extra, "params: "+strings.Join(entry.Parameters, ", "))
	}
	if len(extra) > 0 {
		sb.WriteString(" (")
		sb.WriteString(strings.Join(extra, "; "))
		sb.WriteString(")")
	}
	return sb.String()
}

// sanitize neutralizes user text before it is embedded in a prompt: line
// breaks become spaces so the text cannot spoof a section heading, code
// fences are removed, control characters are dropped, and runs of
// whitespace collapse.
func sanitize(s string) string {
	s = strings.ToValidUTF8(s, "")
	s = strings.ReplaceAll(s, "```", " ")
	var out strings.Builder
	out.Grow(len(s))
	for _, r := range s {
		if r == '\n' || r == '\r' || r == '\t' {
			out.WriteRune(' ')
			continue
		}
		if unicode.IsControl(r) {
			continue
		}
		out.WriteRune(r)
	}
	return strings.Join(strings.Fields(out.String()), " ")
}
