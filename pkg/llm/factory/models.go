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
package factory

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
)

// ModelInfo describes one model a provider can serve.
type ModelInfo struct {
	ID                 string   `json:"id"`
	Name               string   `json:"name"`
	Provider           string   `json:"provider"`
	Capabilities       []string `json:"capabilities"`
	ContextWindow      int      `json:"contextWindow"`
	CostPer1MInputUSD  float64  `json:"costPer1MInputUsd"`
	CostPer1MOutputUSD float64  `json:"costPer1MOutputUsd"`
	Available          bool     `json:"available"`
}

// ModelRegistry holds information about the supported models per provider.
type ModelRegistry struct {
	models map[string][]ModelInfo
}

// NewModelRegistry creates a registry with the supported models.
func NewModelRegistry() *ModelRegistry {
	return &ModelRegistry{
		models: map[string][]ModelInfo{
			"anthropic": {
				{
					ID:                 "claude-sonnet-4-5-20250929",
					Name:               "Claude Sonnet 4.5",
					Provider:           "anthropic",
					Capabilities:       []string{"text", "vision", "tool-use"},
					ContextWindow:      200000,
					CostPer1MInputUSD:  3.0,
					CostPer1MOutputUSD: 15.0,
				},
				{
					ID:                 "claude-3-5-sonnet-20241022",
					Name:               "Claude 3.5 Sonnet",
					Provider:           "anthropic",
					Capabilities:       []string{"text", "vision", "tool-use"},
					ContextWindow:      200000,
					CostPer1MInputUSD:  3.0,
					CostPer1MOutputUSD: 15.0,
				},
				{
					ID:                 "claude-3-opus-20240229",
					Name:               "Claude 3 Opus",
					Provider:           "anthropic",
					Capabilities:       []string{"text", "vision", "tool-use"},
					ContextWindow:      200000,
					CostPer1MInputUSD:  15.0,
					CostPer1MOutputUSD: 75.0,
				},
			},
			"bedrock": {
				{
					ID:                 "us.anthropic.claude-sonnet-4-5-20250929-v1:0",
					Name:               "Claude Sonnet 4.5 (Bedrock)",
					Provider:           "bedrock",
					Capabilities:       []string{"text", "vision", "tool-use"},
					ContextWindow:      200000,
					CostPer1MInputUSD:  3.0,
					CostPer1MOutputUSD: 15.0,
				},
				{
					ID:                 "us.anthropic.claude-opus-4-5-20251101-v1:0",
					Name:               "Claude Opus 4.5 (Bedrock)",
					Provider:           "bedrock",
					Capabilities:       []string{"text", "vision", "tool-use"},
					ContextWindow:      200000,
					CostPer1MInputUSD:  15.0,
					CostPer1MOutputUSD: 75.0,
				},
				{
					ID:                 "us.anthropic.claude-haiku-4-5-20251001-v1:0",
					Name:               "Claude Haiku 4.5 (Bedrock)",
					Provider:           "bedrock",
					Capabilities:       []string{"text", "vision", "tool-use"},
					ContextWindow:      200000,
					CostPer1MInputUSD:  0.8,
					CostPer1MOutputUSD: 4.0,
				},
			},
			"ollama": {
				{
					ID:            "llama3.1",
					Name:          "Llama 3.1 (Ollama)",
					Provider:      "ollama",
					Capabilities:  []string{"text", "tool-use"},
					ContextWindow: 128000,
				},
				{
					ID:            "llama3.2",
					Name:          "Llama 3.2 (Ollama)",
					Provider:      "ollama",
					Capabilities:  []string{"text", "tool-use"},
					ContextWindow: 128000,
				},
				{
					ID:            "qwen2.5",
					Name:          "Qwen 2.5 (Ollama)",
					Provider:      "ollama",
					Capabilities:  []string{"text", "tool-use"},
					ContextWindow: 128000,
				},
			},
		},
	}
}

// ModelsForProvider returns the models for a provider, or nil.
func (r *ModelRegistry) ModelsForProvider(provider string) []ModelInfo {
	models := r.models[provider]
	if models == nil {
		return nil
	}

	// Copies keep the registry immutable.
	result := make([]ModelInfo, len(models))
	for i, m := range models {
		result[i] = cloneModel(m)
	}
	return result
}

// AllModels returns every model from every provider.
func (r *ModelRegistry) AllModels() []ModelInfo {
	var all []ModelInfo
	for _, models := range r.models {
		for _, m := range models {
			all = append(all, cloneModel(m))
		}
	}
	return all
}

// AvailableModels returns all models, marking those whose provider the
// factory can actually construct.
func (r *ModelRegistry) AvailableModels(factory *ProviderFactory) []ModelInfo {
	var out []ModelInfo
	for provider, models := range r.models {
		available := factory.IsProviderAvailable(provider)
		for _, m := range models {
			cloned := cloneModel(m)
			cloned.Available = available
			out = append(out, cloned)
		}
	}
	return out
}

func cloneModel(m ModelInfo) ModelInfo {
	out := m
	out.Capabilities = append([]string(nil), m.Capabilities...)
	return out
}

// ollamaTagsResponse mirrors GET /api/tags on an Ollama server.
type ollamaTagsResponse struct {
	Models []ollamaModelEntry `json:"models"`
}

type ollamaModelEntry struct {
	Name  string `json:"name"`
	Model string `json:"model"`
	Size  int64  `json:"size"`
}

// DiscoverOllamaModels replaces the static Ollama catalogue with the models
// actually installed on the server at endpoint. The static defaults survive
// when the server reports none. Not safe for concurrent use with readers;
// call during startup.
func (r *ModelRegistry) DiscoverOllamaModels(endpoint string) error {
	resp, err := http.Get(strings.TrimRight(endpoint, "/") + "/api/tags")
	if err != nil {
		return fmt.Errorf("ollama discovery failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama discovery failed: status %d", resp.StatusCode)
	}

	var tags ollamaTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return fmt.Errorf("ollama discovery failed: %w", err)
	}
	if len(tags.Models) == 0 {
		return nil
	}

	discovered := make([]ModelInfo, 0, len(tags.Models))
	for _, m := range tags.Models {
		discovered = append(discovered, ModelInfo{
			ID:           m.Name,
			Name:         formatOllamaDisplayName(m.Name),
			Provider:     "ollama",
			Capabilities: []string{"text"},
			Available:    true,
		})
	}
	r.models["ollama"] = discovered
	return nil
}

var ollamaSizeTag = regexp.MustCompile(`^\d+(\.\d+)?b$`)

// formatOllamaDisplayName renders an Ollama model ID like "qwen3-coder:30b"
// as "Qwen3 coder 30B (Ollama)".
func formatOllamaDisplayName(id string) string {
	base, tag, _ := strings.Cut(id, ":")
	name := strings.ReplaceAll(base, "-", " ")
	if name != "" {
		name = strings.ToUpper(name[:1]) + name[1:]
	}
	if tag != "" && tag != "latest" {
		if ollamaSizeTag.MatchString(tag) {
			tag = strings.ToUpper(tag)
		}
		name += " " + tag
	}
	return name + " (Ollama)"
}
