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
	"fmt"
	"strings"
)

// Report is the outcome of a prompt coverage check. Score is the fraction
// of required sections present; Issues names each one missing.
type Report struct {
	Score  float64
	Issues []string
}

// OK reports whether every required section was found.
func (r Report) OK() bool { return len(r.Issues) == 0 }

type check struct {
	marker string
	issue  string
}

var checksByKind = map[Kind][]check{
	KindPlanning: {
		{"AVAILABLE CAPABILITIES:", "capability catalogue missing"},
		{"Example 1", "no few-shot example"},
		{"OUTPUT SCHEMA:", "output schema restatement missing"},
		{"USER QUERY:", "user query missing"},
	},
	KindSynthesis: {
		{"ORIGINAL QUERY:", "original query missing"},
		{"TASK RESULTS:", "task results missing"},
		{"INSTRUCTIONS:", "format guidance missing"},
	},
	KindRepair: {
		{"ONLY", "corrected-JSON-only directive missing"},
		{"MALFORMED OUTPUT:", "malformed output block missing"},
		{"OUTPUT SCHEMA:", "output schema restatement missing"},
	},
	KindDirect: {
		{"USER QUERY:", "user query missing"},
	},
}

// Validate checks a rendered prompt for the sections its kind requires.
// It is a coverage guard against template drift, not a semantic check.
func Validate(kind Kind, text string) Report {
	checks, ok := checksByKind[kind]
	if !ok {
		return Report{Issues: []string{fmt.Sprintf("unknown prompt kind %q", kind)}}
	}

	var issues []string
	for _, c := range checks {
		if !strings.Contains(text, c.marker) {
			issues = append(issues, c.issue)
		}
	}
	return Report{
		Score:  float64(len(checks)-len(issues)) / float64(len(checks)),
		Issues: issues,
	}
}
