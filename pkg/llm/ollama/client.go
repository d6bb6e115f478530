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

// Package ollama provides an llm.Provider backed by a local Ollama server.
// It talks to the /api/chat endpoint with streaming disabled, so responses
// arrive as a single JSON document.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/teradata-labs/amcp/pkg/llm"
)

// Default Ollama configuration values.
const (
	DefaultEndpoint = "http://localhost:11434"
	DefaultModel    = "llama3.1"
	DefaultTimeout  = 120 * time.Second
)

// Config holds configuration for the Ollama client.
type Config struct {
	Endpoint  string        // Default: http://localhost:11434
	Model     string        // Default: llama3.1
	MaxTokens int           // Default: model-aware (4096 for 7B/8B, 6144 for 13B-32B, 8192 for 70B+)
	Timeout   time.Duration // Default: 120s, local models can be slow

	// RateLimiter enables client-side throttle handling when Enabled is set.
	RateLimiter llm.RateLimiterConfig
}

// Client calls a local Ollama server.
type Client struct {
	endpoint    string
	model       string
	maxTokens   int
	httpClient  *http.Client
	rateLimiter *llm.RateLimiter
}

// defaultMaxTokens returns a max_tokens default based on the model name.
// Smaller models degrade on long outputs, larger ones can handle more.
func defaultMaxTokens(model string) int {
	modelLower := strings.ToLower(model)

	if strings.Contains(modelLower, "70b") || strings.Contains(modelLower, "72b") ||
		strings.Contains(modelLower, "405b") {
		return 8192
	}
	if strings.Contains(modelLower, "13b") || strings.Contains(modelLower, "14b") ||
		strings.Contains(modelLower, "20b") || strings.Contains(modelLower, "32b") {
		return 6144
	}
	return 4096
}

// NewClient creates a new Ollama client.
func NewClient(cfg Config) *Client {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = defaultMaxTokens(cfg.Model)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}

	var rateLimiter *llm.RateLimiter
	if cfg.RateLimiter.Enabled {
		rateLimiter = llm.NewRateLimiter(cfg.RateLimiter)
	}

	return &Client{
		endpoint:    strings.TrimRight(cfg.Endpoint, "/"),
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		rateLimiter: rateLimiter,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// Name returns the provider name.
func (c *Client) Name() string {
	return "ollama"
}

// Model returns the model identifier.
func (c *Client) Model() string {
	return c.model
}

// Close releases the client-side rate limiter, if any.
func (c *Client) Close() error {
	if c.rateLimiter != nil {
		return c.rateLimiter.Close()
	}
	return nil
}

// Complete sends a completion request to Ollama and returns the
// assistant text.
func (c *Client) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}

	apiReq := chatRequest{
		Model:    c.model,
		Messages: convertMessages(req),
		Stream:   false,
		Options: map[string]any{
			"temperature": req.Temperature,
			"num_predict": maxTokens,
		},
	}

	apiResp, err := c.callAPI(ctx, apiReq)
	if err != nil {
		return nil, fmt.Errorf("ollama API call failed: %w", err)
	}

	resp := &llm.Response{
		Content:    apiResp.Message.Content,
		Model:      apiResp.Model,
		StopReason: "stop",
		Usage: llm.Usage{
			InputTokens:  apiResp.PromptEvalCount,
			OutputTokens: apiResp.EvalCount,
			TotalTokens:  apiResp.PromptEvalCount + apiResp.EvalCount,
		},
	}
	if resp.Model == "" {
		resp.Model = c.model
	}

	if c.rateLimiter != nil {
		c.rateLimiter.RecordTokenUsage(int64(resp.Usage.TotalTokens))
	}

	return resp, nil
}

// convertMessages flattens the request into Ollama chat messages. Ollama
// accepts the system prompt as a leading message with role "system".
func convertMessages(req llm.Request) []chatMessage {
	messages := make([]chatMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	for _, msg := range req.Messages {
		messages = append(messages, chatMessage{Role: msg.Role, Content: msg.Content})
	}
	return messages
}

// callAPI makes the HTTP request to Ollama.
func (c *Client) callAPI(ctx context.Context, req chatRequest) (*chatResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	// A fresh request per attempt keeps the body readable on retries.
	buildReq := func(ctx context.Context) (*http.Request, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/api/chat", bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		return httpReq, nil
	}

	send := func(ctx context.Context) (any, error) {
		httpReq, err := buildReq(ctx)
		if err != nil {
			return nil, err
		}
		httpResp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return nil, fmt.Errorf("HTTP request failed: %w", err)
		}
		if httpResp.StatusCode == http.StatusTooManyRequests {
			respBody, _ := io.ReadAll(httpResp.Body)
			_ = httpResp.Body.Close()
			return nil, fmt.Errorf("API error (status %d): %s", httpResp.StatusCode, string(respBody))
		}
		return httpResp, nil
	}

	var httpResp *http.Response
	if c.rateLimiter != nil {
		result, err := c.rateLimiter.Do(ctx, func(ctx context.Context) (any, error) {
			return send(ctx)
		})
		if err != nil {
			return nil, err
		}
		httpResp = result.(*http.Response)
	} else {
		result, err := send(ctx)
		if err != nil {
			return nil, err
		}
		httpResp = result.(*http.Response)
	}
	defer func() { _ = httpResp.Body.Close() }()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (status %d): %s", httpResp.StatusCode, string(respBody))
	}

	var resp chatResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	return &resp, nil
}

// Ollama API types.

type chatRequest struct {
	Model    string         `json:"model"`
	Messages []chatMessage  `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Model           string      `json:"model"`
	Message         chatMessage `json:"message"`
	Done            bool        `json:"done"`
	PromptEvalCount int         `json:"prompt_eval_count"`
	EvalCount       int         `json:"eval_count"`
}

var _ llm.Provider = (*Client)(nil)
