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

package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPattern_Match(t *testing.T) {
	cases := []struct {
		pattern string
		topic   string
		want    bool
	}{
		// exact
		{"user.request", "user.request", true},
		{"user.request", "user.response", false},
		{"user.request", "user", false},
		{"user.request", "user.request.extra", false},

		// single-segment wildcard
		{"task.request.*", "task.request.flight-booking", true},
		{"task.request.*", "task.request", false},
		{"task.request.*", "task.request.flight.plan", false},
		{"*.request", "user.request", true},
		{"*.request", "user.response", false},
		{"a.*.c", "a.b.c", true},
		{"a.*.c", "a.c", false},

		// multi-segment wildcard, trailing
		{"travel.**", "travel.request", true},
		{"travel.**", "travel.request.plan.step1", true},
		{"travel.**", "travel", true},
		{"travel.**", "transport.request", false},
		{"travel.*", "travel.request", true},
		{"travel.*", "travel.request.plan", false},
		{"**", "anything.at.all", true},
		{"**", "one", true},

		// multi-segment wildcard, between literals (zero-or-more gap)
		{"a.**.z", "a.z", true},
		{"a.**.z", "a.b.z", true},
		{"a.**.z", "a.b.c.d.z", true},
		{"a.**.z", "a.b.c", false},

		// dlq and health families
		{"*.dlq", "user.request.dlq", false},
		{"*.dlq", "user.dlq", true},
		{"user.**", "user.request.dlq", true},
		{"system.health.**", "system.health.alert.agent-down", true},

		// malformed or empty topics never match
		{"user.request", "", false},
		{"**", "", false},
		{"**", "a..b", false},
	}
	for _, tc := range cases {
		p, err := CompilePattern(tc.pattern)
		require.NoError(t, err, "pattern %q", tc.pattern)
		assert.Equal(t, tc.want, p.Match(tc.topic), "pattern %q vs topic %q", tc.pattern, tc.topic)
	}
}

func TestCompilePattern_Invalid(t *testing.T) {
	cases := []string{
		"a..b",
		".a",
		"a.",
		"**.b",
		"a.*.**.b",
		"a.**.*",
		"a.**.**",
		"task.re*quest",
		"***",
	}
	for _, pattern := range cases {
		_, err := CompilePattern(pattern)
		assert.ErrorIs(t, err, ErrInvalidPattern, "pattern %q should fail to compile", pattern)
	}
}

func TestCompilePattern_EmptyMatchesNothing(t *testing.T) {
	p, err := CompilePattern("")
	require.NoError(t, err)
	assert.False(t, p.Match("user.request"))
	assert.False(t, p.Match(""))
}

func TestPattern_IsLiteral(t *testing.T) {
	assert.True(t, MustCompilePattern("user.request").IsLiteral())
	assert.False(t, MustCompilePattern("user.*").IsLiteral())
	assert.False(t, MustCompilePattern("user.**").IsLiteral())
}

func TestMustCompilePattern_Panics(t *testing.T) {
	assert.Panics(t, func() { MustCompilePattern("a..b") })
}

func TestMatchTopic(t *testing.T) {
	ok, err := MatchTopic("task.response.*", "task.response.weather")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = MatchTopic("a..b", "a.b")
	assert.ErrorIs(t, err, ErrInvalidPattern)
}

func TestIsValidTopic(t *testing.T) {
	assert.True(t, IsValidTopic("user.request"))
	assert.True(t, IsValidTopic("task.request.flight-booking"))
	assert.False(t, IsValidTopic(""))
	assert.False(t, IsValidTopic("a..b"))
	assert.False(t, IsValidTopic("a.*"))
	assert.False(t, IsValidTopic(".a"))
}
