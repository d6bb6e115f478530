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

// PlanSchemaJSON is the JSON Schema for the planner's wire format: the
// array the model must return, one element per task. The planning and
// repair prompts restate it verbatim and the planning engine validates
// model output against the same document, so there is exactly one source
// of truth for the shape.
const PlanSchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "TaskPlan",
  "type": "array",
  "minItems": 1,
  "items": {
    "type": "object",
    "required": ["capability", "params", "agent", "priority"],
    "properties": {
      "capability": {
        "type": "string",
        "minLength": 1,
        "description": "Capability name from the catalogue, e.g. weather.forecast"
      },
      "agent": {
        "type": "string",
        "minLength": 1,
        "description": "Agent id advertising the capability"
      },
      "params": {
        "type": "object",
        "description": "Capability parameters extracted from the query"
      },
      "priority": {
        "type": "integer",
        "minimum": 1,
        "description": "1 runs first; higher numbers run later"
      },
      "dependencies": {
        "type": "array",
        "items": { "type": "string" },
        "description": "Capability names of tasks in this plan that must complete first"
      },
      "optional": {
        "type": "boolean",
        "description": "True when the overall answer can survive this task failing"
      }
    },
    "additionalProperties": false
  }
}`

// Example is one few-shot pair shown to the planning model.
type Example struct {
	Query string
	Plan  string
}

// defaultExamples covers the three plan shapes the model must produce:
// a single task, independent parallel tasks, and a dependency chain. They
// are ordered most-instructive-first so budget trimming drops from the
// tail.
var defaultExamples = []Example{
	{
		Query: "What's the weather in Paris tomorrow?",
		Plan: `[
  {"capability": "weather.forecast", "agent": "weather-agent", "params": {"location": "Paris", "date": "tomorrow"}, "priority": 1}
]`,
	},
	{
		Query: "Compare Apple and Microsoft stock prices.",
		Plan: `[
  {"capability": "stock.quote", "agent": "finance-agent", "params": {"symbol": "AAPL"}, "priority": 1},
  {"capability": "stock.quote", "agent": "finance-agent", "params": {"symbol": "MSFT"}, "priority": 1}
]`,
	},
	{
		Query: "Find a flight to Tokyo next Friday and book a hotel near the airport for that night.",
		Plan: `[
  {"capability": "travel.flights", "agent": "travel-agent", "params": {"destination": "Tokyo", "date": "next friday"}, "priority": 1},
  {"capability": "travel.hotels", "agent": "travel-agent", "params": {"location": "Tokyo airport", "date": "next friday"}, "priority": 2, "dependencies": ["travel.flights"], "optional": true}
]`,
	},
}

// DefaultExamples returns a copy of the built-in few-shot examples.
func DefaultExamples() []Example {
	return append([]Example(nil), defaultExamples...)
}
