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

// Package bedrock provides an llm.Provider backed by Anthropic models on
// AWS Bedrock. It uses the official Anthropic SDK with the Bedrock backend,
// which handles SigV4 signing and endpoint resolution from a standard AWS
// config.
package bedrock

import (
	"context"
	"fmt"
	"os"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	awsbedrock "github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"

	"github.com/teradata-labs/amcp/pkg/llm"
)

// Default Bedrock configuration values. The model uses a cross-region
// inference profile (us.* prefix) so a single model ID works across the
// US regions.
const (
	DefaultModel     = "us.anthropic.claude-sonnet-4-5-20250929-v1:0"
	DefaultRegion    = "us-west-2"
	DefaultMaxTokens = 4096
)

// Config holds configuration for the Bedrock client.
type Config struct {
	// AWS configuration.
	Region          string // Default: us-west-2 (AWS_DEFAULT_REGION respected)
	AccessKeyID     string // Optional: if not using IAM role/profile
	SecretAccessKey string // Optional: if not using IAM role/profile
	SessionToken    string // Optional: for temporary credentials
	Profile         string // Optional: AWS profile name from ~/.aws/config

	// Model configuration.
	ModelID   string // Default: us.anthropic.claude-sonnet-4-5-20250929-v1:0
	MaxTokens int    // Default: 4096, used when the request does not set one

	// RateLimiter enables client-side throttle handling when Enabled is set.
	RateLimiter llm.RateLimiterConfig
}

// Client calls Anthropic models through AWS Bedrock.
type Client struct {
	client      anthropicsdk.Client
	modelID     string
	region      string
	maxTokens   int
	rateLimiter *llm.RateLimiter
}

// NewClient creates a new Bedrock client. Credentials resolve in order:
// explicit static credentials, a named shared-config profile, then the
// default AWS chain (env vars, IAM role, SSO).
func NewClient(cfg Config) (*Client, error) {
	if cfg.ModelID == "" {
		if envModel := os.Getenv("AWS_BEDROCK_MODEL_ID"); envModel != "" {
			cfg.ModelID = envModel
		} else if envModel := os.Getenv("AMCP_LLM_BEDROCK_MODEL_ID"); envModel != "" {
			cfg.ModelID = envModel
		} else {
			cfg.ModelID = DefaultModel
		}
	}
	if cfg.Region == "" {
		if envRegion := os.Getenv("AWS_DEFAULT_REGION"); envRegion != "" {
			cfg.Region = envRegion
		} else if envRegion := os.Getenv("AMCP_LLM_BEDROCK_REGION"); envRegion != "" {
			cfg.Region = envRegion
		} else {
			cfg.Region = DefaultRegion
		}
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}

	var awsCfg aws.Config
	var err error

	// Option 1: explicit credentials provided.
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		awsCfg, err = config.LoadDefaultConfig(context.Background(),
			config.WithRegion(cfg.Region),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID,
				cfg.SecretAccessKey,
				cfg.SessionToken,
			)),
		)
	} else if cfg.Profile != "" {
		// Option 2: named profile.
		awsCfg, err = config.LoadDefaultConfig(context.Background(),
			config.WithRegion(cfg.Region),
			config.WithSharedConfigProfile(cfg.Profile),
		)
	} else {
		// Option 3: default credentials chain (IAM role, env vars, profile).
		awsCfg, err = config.LoadDefaultConfig(context.Background(),
			config.WithRegion(cfg.Region),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var rateLimiter *llm.RateLimiter
	if cfg.RateLimiter.Enabled {
		rateLimiter = llm.NewRateLimiter(cfg.RateLimiter)
	}

	// bedrock.WithConfig handles the AWS signing and endpoint configuration.
	client := anthropicsdk.NewClient(
		awsbedrock.WithConfig(awsCfg),
	)

	return &Client{
		client:      client,
		modelID:     cfg.ModelID,
		region:      cfg.Region,
		maxTokens:   cfg.MaxTokens,
		rateLimiter: rateLimiter,
	}, nil
}

// Name returns the provider name.
func (c *Client) Name() string {
	return "bedrock"
}

// Model returns the model identifier.
func (c *Client) Model() string {
	return c.modelID
}

// Close releases the client-side rate limiter, if any.
func (c *Client) Close() error {
	if c.rateLimiter != nil {
		return c.rateLimiter.Close()
	}
	return nil
}

// Complete sends a completion request through Bedrock and returns the
// assistant text.
func (c *Client) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}

	params := anthropicsdk.MessageNewParams{
		Model:       anthropicsdk.Model(c.modelID),
		Messages:    convertMessages(req.Messages),
		MaxTokens:   int64(maxTokens),
		Temperature: anthropicsdk.Float(req.Temperature),
	}
	if req.System != "" {
		params.System = []anthropicsdk.TextBlockParam{
			{Text: req.System},
		}
	}

	var message *anthropicsdk.Message
	var err error
	if c.rateLimiter != nil {
		// The rate limiter retries automatically on throttling.
		result, rlErr := c.rateLimiter.Do(ctx, func(ctx context.Context) (any, error) {
			return c.client.Messages.New(ctx, params)
		})
		if rlErr != nil {
			return nil, fmt.Errorf("bedrock invocation failed: %w", rlErr)
		}
		message = result.(*anthropicsdk.Message)
	} else {
		message, err = c.client.Messages.New(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("bedrock invocation failed: %w", err)
		}
	}

	resp := convertResponse(message, c.modelID)

	if c.rateLimiter != nil {
		c.rateLimiter.RecordTokenUsage(int64(resp.Usage.TotalTokens))
	}

	return resp, nil
}

// convertMessages converts conversation messages to Anthropic SDK format.
func convertMessages(messages []llm.Message) []anthropicsdk.MessageParam {
	sdkMessages := make([]anthropicsdk.MessageParam, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case llm.RoleUser:
			sdkMessages = append(sdkMessages, anthropicsdk.NewUserMessage(
				anthropicsdk.NewTextBlock(msg.Content),
			))
		case llm.RoleAssistant:
			sdkMessages = append(sdkMessages, anthropicsdk.NewAssistantMessage(
				anthropicsdk.NewTextBlock(msg.Content),
			))
		}
	}
	return sdkMessages
}

// convertResponse extracts the text blocks and usage from an SDK message.
func convertResponse(message *anthropicsdk.Message, modelID string) *llm.Response {
	resp := &llm.Response{
		Model:      modelID,
		StopReason: string(message.StopReason),
		Usage: llm.Usage{
			InputTokens:  int(message.Usage.InputTokens),
			OutputTokens: int(message.Usage.OutputTokens),
			TotalTokens:  int(message.Usage.InputTokens + message.Usage.OutputTokens),
		},
	}
	for _, block := range message.Content {
		if block.Type == "text" {
			resp.Content += block.Text
		}
	}
	return resp
}

var _ llm.Provider = (*Client)(nil)
