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
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidPattern is wrapped by every pattern compilation failure.
var ErrInvalidPattern = errors.New("invalid topic pattern")

// Wildcard segments understood by Pattern.
const (
	WildcardOne = "*"
	WildcardAny = "**"
)

// Pattern is a compiled subscription pattern over dotted topics. "*" matches
// exactly one segment; "**" matches zero or more segments and is only valid
// as the trailing segment or between two literal segments.
type Pattern struct {
	raw      string
	segments []string
}

// CompilePattern parses and validates a subscription pattern. The empty
// pattern compiles but matches nothing.
func CompilePattern(pattern string) (*Pattern, error) {
	if pattern == "" {
		return &Pattern{}, nil
	}
	segments := strings.Split(pattern, ".")
	for i, seg := range segments {
		switch {
		case seg == "":
			return nil, fmt.Errorf("%w: %q has an empty segment", ErrInvalidPattern, pattern)
		case seg == WildcardAny:
			trailing := i == len(segments)-1
			between := i > 0 && i < len(segments)-1 &&
				isLiteralSegment(segments[i-1]) && isLiteralSegment(segments[i+1])
			if !trailing && !between {
				return nil, fmt.Errorf("%w: %q may only appear trailing or between literals in %q", ErrInvalidPattern, WildcardAny, pattern)
			}
		case seg == WildcardOne:
			// single-segment wildcard is valid anywhere
		case strings.ContainsAny(seg, "*"):
			return nil, fmt.Errorf("%w: segment %q mixes wildcard and literal characters", ErrInvalidPattern, seg)
		}
	}
	return &Pattern{raw: pattern, segments: segments}, nil
}

// MustCompilePattern is CompilePattern for patterns known valid at build
// time. It panics on error.
func MustCompilePattern(pattern string) *Pattern {
	p, err := CompilePattern(pattern)
	if err != nil {
		panic(err)
	}
	return p
}

// Match reports whether the concrete topic is routed by this pattern.
// Matching is total: malformed or empty topics simply do not match.
func (p *Pattern) Match(topic string) bool {
	if p == nil || len(p.segments) == 0 || topic == "" {
		return false
	}
	if !IsValidTopic(topic) {
		return false
	}
	return matchSegments(p.segments, strings.Split(topic, "."))
}

// String returns the original pattern text.
func (p *Pattern) String() string {
	if p == nil {
		return ""
	}
	return p.raw
}

// IsLiteral reports whether the pattern contains no wildcards, i.e. it
// matches exactly one topic.
func (p *Pattern) IsLiteral() bool {
	if p == nil || len(p.segments) == 0 {
		return false
	}
	for _, seg := range p.segments {
		if !isLiteralSegment(seg) {
			return false
		}
	}
	return true
}

// MatchTopic compiles pattern and matches topic in one step.
func MatchTopic(pattern, topic string) (bool, error) {
	p, err := CompilePattern(pattern)
	if err != nil {
		return false, err
	}
	return p.Match(topic), nil
}

// IsValidTopic reports whether topic is a well-formed concrete topic:
// non-empty dot-separated segments with no wildcards.
func IsValidTopic(topic string) bool {
	if topic == "" {
		return false
	}
	for _, seg := range strings.Split(topic, ".") {
		if seg == "" || strings.Contains(seg, "*") {
			return false
		}
	}
	return true
}

func isLiteralSegment(seg string) bool {
	return seg != WildcardOne && seg != WildcardAny && !strings.Contains(seg, "*")
}

func matchSegments(pattern, topic []string) bool {
	if len(pattern) == 0 {
		return len(topic) == 0
	}
	switch pattern[0] {
	case WildcardAny:
		for skip := 0; skip <= len(topic); skip++ {
			if matchSegments(pattern[1:], topic[skip:]) {
				return true
			}
		}
		return false
	case WildcardOne:
		if len(topic) == 0 {
			return false
		}
		return matchSegments(pattern[1:], topic[1:])
	default:
		if len(topic) == 0 || pattern[0] != topic[0] {
			return false
		}
		return matchSegments(pattern[1:], topic[1:])
	}
}
