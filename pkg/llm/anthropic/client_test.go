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
package anthropic

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/teradata-labs/amcp/pkg/llm"
)

func TestNewClient(t *testing.T) {
	client := NewClient(Config{
		APIKey: "test-key",
	})

	if client == nil {
		t.Fatal("Expected non-nil client")
	}

	if client.Name() != "anthropic" {
		t.Errorf("Expected name 'anthropic', got %s", client.Name())
	}

	if client.Model() != DefaultModel {
		t.Errorf("Expected default model, got %s", client.Model())
	}
}

func TestClient_Complete_SimpleText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("Expected API key 'test-key', got %s", r.Header.Get("x-api-key"))
		}
		if r.Header.Get("anthropic-version") != apiVersion {
			t.Errorf("Expected version header %s, got %s", apiVersion, r.Header.Get("anthropic-version"))
		}

		var req messagesRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("Failed to decode request: %v", err)
		}
		if req.System != "You are terse." {
			t.Errorf("Expected system prompt, got %q", req.System)
		}
		if len(req.Messages) != 1 || req.Messages[0].Content != "Hello" {
			t.Errorf("Unexpected messages: %+v", req.Messages)
		}

		resp := messagesResponse{
			Model:      "claude-sonnet-4-5-20250929",
			StopReason: "end_turn",
			Content: []contentBlock{
				{Type: "text", Text: "Hello! How can I help you?"},
			},
		}
		resp.Usage.InputTokens = 10
		resp.Usage.OutputTokens = 20

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client := NewClient(Config{
		APIKey:   "test-key",
		Endpoint: server.URL,
	})

	resp, err := client.Complete(context.Background(), llm.UserRequest("You are terse.", "Hello", 0.3, 0))
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if resp.Content != "Hello! How can I help you?" {
		t.Errorf("Expected response content, got %s", resp.Content)
	}

	if resp.Usage.InputTokens != 10 {
		t.Errorf("Expected 10 input tokens, got %d", resp.Usage.InputTokens)
	}

	if resp.Usage.OutputTokens != 20 {
		t.Errorf("Expected 20 output tokens, got %d", resp.Usage.OutputTokens)
	}

	if resp.Usage.TotalTokens != 30 {
		t.Errorf("Expected 30 total tokens, got %d", resp.Usage.TotalTokens)
	}
}

func TestClient_Complete_ZeroTemperatureOnWire(t *testing.T) {
	// A zero temperature must be serialized, not omitted.
	var rawBody atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		rawBody.Store(string(body))

		resp := messagesResponse{
			Content: []contentBlock{{Type: "text", Text: "ok"}},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client := NewClient(Config{APIKey: "k", Endpoint: server.URL})

	_, err := client.Complete(context.Background(), llm.UserRequest("", "repair it", 0.0, 128))
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	body, _ := rawBody.Load().(string)
	if !strings.Contains(body, `"temperature":0`) {
		t.Errorf("Expected temperature on the wire, got body: %s", body)
	}
}

func TestClient_Complete_MultipleTextBlocks(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := messagesResponse{
			Content: []contentBlock{
				{Type: "text", Text: "part one "},
				{Type: "text", Text: "part two"},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client := NewClient(Config{APIKey: "k", Endpoint: server.URL})

	resp, err := client.Complete(context.Background(), llm.UserRequest("", "go", 0.5, 0))
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if resp.Content != "part one part two" {
		t.Errorf("Expected concatenated blocks, got %q", resp.Content)
	}
}

func TestClient_Complete_APIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"bad request"}}`))
	}))
	defer server.Close()

	client := NewClient(Config{APIKey: "k", Endpoint: server.URL})

	_, err := client.Complete(context.Background(), llm.UserRequest("", "hi", 0.5, 0))
	if err == nil {
		t.Fatal("Expected error for 400 response")
	}
	if !strings.Contains(err.Error(), "status 400") {
		t.Errorf("Expected status in error, got %v", err)
	}
}

func TestClient_Complete_RetriesOn429(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"message":"rate limited"}}`))
			return
		}
		resp := messagesResponse{
			Content: []contentBlock{{Type: "text", Text: "recovered"}},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client := NewClient(Config{
		APIKey:   "k",
		Endpoint: server.URL,
		RateLimiter: llm.RateLimiterConfig{
			Enabled:           true,
			RequestsPerSecond: 100,
			BurstCapacity:     5,
			MaxRetries:        2,
			RetryBackoff:      10 * time.Millisecond,
		},
	})
	defer client.Close() //nolint:errcheck

	resp, err := client.Complete(context.Background(), llm.UserRequest("", "hi", 0.5, 0))
	if err != nil {
		t.Fatalf("Expected retry to recover, got %v", err)
	}
	if resp.Content != "recovered" {
		t.Errorf("Expected recovered content, got %q", resp.Content)
	}
	if calls.Load() != 2 {
		t.Errorf("Expected 2 attempts, got %d", calls.Load())
	}
}

func TestClient_Complete_InvalidRequest(t *testing.T) {
	client := NewClient(Config{APIKey: "k"})

	_, err := client.Complete(context.Background(), llm.Request{})
	if err == nil {
		t.Fatal("Expected validation error for empty request")
	}
}
