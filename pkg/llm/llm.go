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

// Package llm defines the text-completion provider contract used by the
// planner and synthesizer, plus shared plumbing (rate limiting) for the
// provider implementations under llm/anthropic, llm/bedrock and llm/ollama.
package llm

import (
	"context"
	"errors"
	"fmt"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrEmptyPrompt is returned when a request carries no messages.
var ErrEmptyPrompt = errors.New("llm request has no messages")

// Message is one conversational turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a provider-neutral completion request. Temperature is always
// honored as given; zero means deterministic output, not "use a default".
type Request struct {
	System      string
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

// Validate checks the request shape.
func (r Request) Validate() error {
	if len(r.Messages) == 0 {
		return ErrEmptyPrompt
	}
	for i, m := range r.Messages {
		if m.Role != RoleUser && m.Role != RoleAssistant {
			return fmt.Errorf("message %d has unsupported role %q", i, m.Role)
		}
		if m.Content == "" {
			return fmt.Errorf("message %d has empty content", i)
		}
	}
	return nil
}

// UserRequest builds a single-turn request.
func UserRequest(system, prompt string, temperature float64, maxTokens int) Request {
	return Request{
		System:      system,
		Messages:    []Message{{Role: RoleUser, Content: prompt}},
		Temperature: temperature,
		MaxTokens:   maxTokens,
	}
}

// Usage reports token consumption for one completion.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Response is a provider-neutral completion result.
type Response struct {
	Content    string `json:"content"`
	Model      string `json:"model"`
	StopReason string `json:"stop_reason,omitempty"`
	Usage      Usage  `json:"usage"`
}

// Provider is a text-completion backend.
type Provider interface {
	// Name identifies the backend ("anthropic", "bedrock", "ollama").
	Name() string

	// Model returns the configured model identifier.
	Model() string

	// Complete sends the request and returns the completion.
	Complete(ctx context.Context, req Request) (*Response, error)
}
