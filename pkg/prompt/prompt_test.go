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
package prompt

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teradata-labs/amcp/pkg/llm"
	"github.com/teradata-labs/amcp/pkg/registry"
)

func testCatalogue() []registry.CatalogueEntry {
	return []registry.CatalogueEntry{
		{
			Capability: registry.Capability{
				Name:        "stock.quote",
				Description: "Latest price for a ticker",
				Parameters:  []string{"symbol"},
			},
			Agents: []string{"finance-1"},
		},
		{
			Capability: registry.Capability{Name: "weather.forecast"},
			Agents:     []string{"weather-1", "weather-2"},
		},
	}
}

func TestPlanning(t *testing.T) {
	b := NewBuilder(Config{})

	p, err := b.Planning("What will AAPL open at and is it raining in Oslo?", testCatalogue())
	require.NoError(t, err)

	assert.Equal(t, KindPlanning, p.Kind)
	assert.Contains(t, p.System, "JSON ONLY")
	assert.InDelta(t, DefaultPlanningTemperature, p.Temperature, 1e-9)
	assert.Equal(t, DefaultPlanningMaxTokens, p.MaxTokens)
	assert.Greater(t, p.Tokens, 0)

	// Fixed section order: catalogue, rules, examples, schema, query.
	markers := []string{"AVAILABLE CAPABILITIES:", "RULES:", "EXAMPLES:", "OUTPUT SCHEMA:", "USER QUERY:"}
	last := -1
	for _, m := range markers {
		idx := strings.Index(p.Text, m)
		require.GreaterOrEqual(t, idx, 0, "section %q missing", m)
		assert.Greater(t, idx, last, "section %q out of order", m)
		last = idx
	}

	assert.Contains(t, p.Text, "- stock.quote: Latest price for a ticker (agents: finance-1; params: symbol)")
	assert.Contains(t, p.Text, "- weather.forecast (agents: weather-1, weather-2)")
	assert.Contains(t, p.Text, "is it raining in Oslo?")
	assert.Contains(t, p.Text, `"required": ["capability", "params", "agent", "priority"]`)

	report := p.Validate()
	assert.True(t, report.OK(), "issues: %v", report.Issues)
	assert.Equal(t, 1.0, report.Score)
}

func TestPlanning_EmptyCatalogue(t *testing.T) {
	b := NewBuilder(Config{})
	_, err := b.Planning("anything", nil)
	require.ErrorIs(t, err, ErrNoCapabilities)
}

func TestPlanning_EmptyQuery(t *testing.T) {
	b := NewBuilder(Config{})
	_, err := b.Planning("   \n\t  ", testCatalogue())
	require.Error(t, err)
}

func TestPlanning_TrimsExamplesOverBudget(t *testing.T) {
	b := NewBuilder(Config{MaxPromptTokens: 50})

	p, err := b.Planning("weather in Oslo", testCatalogue())
	require.NoError(t, err)

	assert.Contains(t, p.Text, "Example 1", "at least one example always survives")
	assert.NotContains(t, p.Text, "Example 2")
	assert.NotContains(t, p.Text, "Example 3")
	assert.True(t, p.Validate().OK())
}

func TestPlanning_KeepsAllExamplesUnderBudget(t *testing.T) {
	b := NewBuilder(Config{})

	p, err := b.Planning("weather in Oslo", testCatalogue())
	require.NoError(t, err)
	assert.Contains(t, p.Text, "Example 3")
}

func TestSynthesis(t *testing.T) {
	b := NewBuilder(Config{})

	p, err := b.Synthesis("Weather in Oslo and AAPL price?", []ResultBlock{
		{TaskID: "t1", Capability: "weather.forecast", Result: json.RawMessage(`{"tempC": 4, "rain": true}`)},
		{TaskID: "t2", Capability: "stock.quote"},
	})
	require.NoError(t, err)

	assert.Equal(t, KindSynthesis, p.Kind)
	assert.InDelta(t, DefaultSynthesisTemperature, p.Temperature, 1e-9)
	assert.Contains(t, p.Text, "ORIGINAL QUERY:\nWeather in Oslo and AAPL price?")
	assert.Contains(t, p.Text, "[t1 weather.forecast]:\n```json\n{\"tempC\": 4, \"rain\": true}\n```")
	assert.Contains(t, p.Text, "[t2 stock.quote]: [stock.quote unavailable]")
	assert.Contains(t, p.Text, "INSTRUCTIONS:")

	assert.True(t, p.Validate().OK())
}

func TestSynthesis_Errors(t *testing.T) {
	b := NewBuilder(Config{})

	_, err := b.Synthesis("", []ResultBlock{{Capability: "a.b", Result: json.RawMessage(`{}`)}})
	require.Error(t, err)

	_, err = b.Synthesis("query", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one result block")
}

func TestRepair(t *testing.T) {
	b := NewBuilder(Config{})

	p := b.Repair("here is your plan: [{\"capability\": \"x\"}]", []string{
		`element 0: capability "x" is not in the catalogue`,
		"element 0: missing required field agent",
	})

	assert.Equal(t, KindRepair, p.Kind)
	assert.Equal(t, 0.0, p.Temperature, "repair must be deterministic")
	assert.Contains(t, p.System, "ONLY")
	assert.Contains(t, p.Text, "DEFECTS:")
	assert.Contains(t, p.Text, `- element 0: capability "x" is not in the catalogue`)
	assert.Contains(t, p.Text, "MALFORMED OUTPUT:\n<<<\nhere is your plan:")
	assert.Contains(t, p.Text, "OUTPUT SCHEMA:")

	assert.True(t, p.Validate().OK())
}

func TestRepair_NoDefectList(t *testing.T) {
	b := NewBuilder(Config{})
	p := b.Repair("not json at all", nil)

	assert.NotContains(t, p.Text, "DEFECTS:")
	assert.True(t, p.Validate().OK())
}

func TestDirect(t *testing.T) {
	b := NewBuilder(Config{})

	p, err := b.Direct("What is the capital of Norway?")
	require.NoError(t, err)

	assert.Equal(t, KindDirect, p.Kind)
	assert.Contains(t, p.Text, "USER QUERY:\nWhat is the capital of Norway?")
	assert.InDelta(t, DefaultSynthesisTemperature, p.Temperature, 1e-9)
	assert.True(t, p.Validate().OK())

	_, err = b.Direct("")
	require.Error(t, err)
}

func TestPrompt_Request(t *testing.T) {
	b := NewBuilder(Config{})
	p, err := b.Direct("hello")
	require.NoError(t, err)

	req := p.Request()
	assert.Equal(t, p.System, req.System)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, llm.RoleUser, req.Messages[0].Role)
	assert.Equal(t, p.Text, req.Messages[0].Content)
	assert.Equal(t, p.Temperature, req.Temperature)
	assert.Equal(t, p.MaxTokens, req.MaxTokens)
	require.NoError(t, req.Validate())
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "weather in Oslo", "weather in Oslo"},
		{"newlines become spaces", "line one\nUSER QUERY:\nline two", "line one USER QUERY: line two"},
		{"fences removed", "evil ```json payload``` text", "evil json payload text"},
		{"control chars dropped", "a\x00b\x1bc", "abc"},
		{"whitespace collapsed", "  too \t many\r\n spaces  ", "too many spaces"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sanitize(tt.in))
		})
	}
}

func TestValidate_MissingSections(t *testing.T) {
	report := Validate(KindPlanning, "nothing useful here")
	assert.Equal(t, 0.0, report.Score)
	assert.Len(t, report.Issues, 4)
	assert.Contains(t, report.Issues, "capability catalogue missing")

	partial := "AVAILABLE CAPABILITIES:\n- a.b\nUSER QUERY:\nhi"
	report = Validate(KindPlanning, partial)
	assert.InDelta(t, 0.5, report.Score, 1e-9)
	assert.ElementsMatch(t, []string{"no few-shot example", "output schema restatement missing"}, report.Issues)

	report = Validate(Kind("bogus"), "text")
	assert.False(t, report.OK())
	assert.Contains(t, report.Issues[0], "unknown prompt kind")
}

func TestTokenCounter(t *testing.T) {
	tc := GetTokenCounter()

	n := tc.CountTokens("The quick brown fox jumps over the lazy dog.")
	assert.Greater(t, n, 0)
	assert.Equal(t, n, tc.CountTokens("The quick brown fox jumps over the lazy dog."), "counting is deterministic")

	a := tc.CountTokens("alpha")
	b := tc.CountTokens("beta")
	assert.Equal(t, a+b, tc.CountTokensMultiple("alpha", "beta"))

	assert.Same(t, tc, GetTokenCounter(), "counter is a shared singleton")
}
