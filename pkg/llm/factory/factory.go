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

// Package factory creates LLM providers from configuration. It is the one
// place that knows how to turn a provider name into a concrete client, so
// the orchestrator can switch providers without code changes.
package factory

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/teradata-labs/amcp/pkg/llm"
	"github.com/teradata-labs/amcp/pkg/llm/anthropic"
	"github.com/teradata-labs/amcp/pkg/llm/bedrock"
	"github.com/teradata-labs/amcp/pkg/llm/ollama"
)

// ProviderFactory creates LLM providers based on configuration.
type ProviderFactory struct {
	config FactoryConfig
}

// FactoryConfig holds configuration for creating LLM providers.
type FactoryConfig struct {
	// Default provider and model when the caller passes none.
	DefaultProvider string
	DefaultModel    string

	// Anthropic configuration. Endpoint overrides the Messages API URL,
	// for gateways and proxies.
	AnthropicAPIKey string
	AnthropicModel  string
	Endpoint        string

	// Bedrock configuration.
	BedrockRegion          string
	BedrockAccessKeyID     string
	BedrockSecretAccessKey string
	BedrockSessionToken    string
	BedrockProfile         string
	BedrockModelID         string

	// Ollama configuration.
	OllamaEndpoint string
	OllamaModel    string

	// Common settings.
	MaxTokens   int
	Timeout     int // seconds
	RateLimiter llm.RateLimiterConfig
}

// NewProviderFactory creates a new provider factory.
func NewProviderFactory(config FactoryConfig) *ProviderFactory {
	if config.DefaultProvider == "" {
		config.DefaultProvider = "anthropic"
	}
	if config.MaxTokens == 0 {
		config.MaxTokens = 4096
	}
	if config.Timeout == 0 {
		config.Timeout = 60
	}

	return &ProviderFactory{
		config: config,
	}
}

// CreateProvider creates an LLM provider for the specified provider type and
// model. Empty arguments fall back to the configured defaults.
func (f *ProviderFactory) CreateProvider(provider, model string) (llm.Provider, error) {
	if provider == "" {
		provider = f.config.DefaultProvider
	}
	if model == "" {
		model = f.config.DefaultModel
	}

	switch provider {
	case "anthropic":
		return f.createAnthropicProvider(model)
	case "bedrock":
		return f.createBedrockProvider(model)
	case "ollama":
		return f.createOllamaProvider(model)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", provider)
	}
}

func (f *ProviderFactory) createAnthropicProvider(model string) (llm.Provider, error) {
	apiKey := f.config.AnthropicAPIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic API key not configured (set llm.anthropic_api_key or ANTHROPIC_API_KEY)")
	}

	if model == "" {
		model = f.config.AnthropicModel
	}
	if model == "" {
		model = anthropic.DefaultModel
	}

	return anthropic.NewClient(anthropic.Config{
		APIKey:      apiKey,
		Model:       model,
		Endpoint:    f.config.Endpoint,
		Timeout:     time.Duration(f.config.Timeout) * time.Second,
		MaxTokens:   f.config.MaxTokens,
		RateLimiter: f.config.RateLimiter,
	}), nil
}

func (f *ProviderFactory) createBedrockProvider(model string) (llm.Provider, error) {
	if model == "" {
		model = f.config.BedrockModelID
	}

	region := f.config.BedrockRegion
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}

	return bedrock.NewClient(bedrock.Config{
		Region:          region,
		AccessKeyID:     f.config.BedrockAccessKeyID,
		SecretAccessKey: f.config.BedrockSecretAccessKey,
		SessionToken:    f.config.BedrockSessionToken,
		Profile:         f.config.BedrockProfile,
		ModelID:         model,
		MaxTokens:       f.config.MaxTokens,
		RateLimiter:     f.config.RateLimiter,
	})
}

// IsProviderAvailable checks whether a provider can be constructed from the
// current configuration (credentials present, config loadable).
func (f *ProviderFactory) IsProviderAvailable(provider string) bool {
	p, err := f.CreateProvider(provider, "")
	if err != nil {
		return false
	}
	// Probe clients may own a rate limiter goroutine.
	if closer, ok := p.(io.Closer); ok {
		_ = closer.Close()
	}
	return true
}

func (f *ProviderFactory) createOllamaProvider(model string) (llm.Provider, error) {
	endpoint := f.config.OllamaEndpoint
	if endpoint == "" {
		endpoint = os.Getenv("OLLAMA_ENDPOINT")
	}

	if model == "" {
		model = f.config.OllamaModel
	}
	if model == "" {
		model = "llama3.2"
	}

	return ollama.NewClient(ollama.Config{
		Endpoint:    endpoint,
		Model:       model,
		MaxTokens:   f.config.MaxTokens,
		Timeout:     time.Duration(f.config.Timeout) * time.Second,
		RateLimiter: f.config.RateLimiter,
	}), nil
}
