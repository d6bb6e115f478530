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
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"github.com/zalando/go-keyring"

	"github.com/teradata-labs/amcp/pkg/broker"
)

const (
	// ServiceName is the system keyring service secrets are stored under.
	ServiceName = "amcp"

	// DefaultConfigFileName is the base name of the config file (yaml).
	DefaultConfigFileName = "amcpd"
)

// Config is the full amcpd configuration, assembled from flags, config
// file, environment variables, and the system keyring.
type Config struct {
	// DataDir is resolved from AMCP_DATA_DIR or ~/.amcp, never from the
	// config file (it locates the config file).
	DataDir string `mapstructure:"-"`

	Broker      BrokerConfig      `mapstructure:"broker"`
	LLM         LLMConfig         `mapstructure:"llm"`
	Planner     PlannerConfig     `mapstructure:"planner"`
	Session     SessionConfig     `mapstructure:"session"`
	Registry    RegistryConfig    `mapstructure:"registry"`
	Correlation CorrelationConfig `mapstructure:"correlation"`
	Gateway     GatewayConfig     `mapstructure:"gateway"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Archive     ArchiveConfig     `mapstructure:"archive"`
	Log         LogConfig         `mapstructure:"log"`
}

// BrokerConfig selects and tunes the event transport.
type BrokerConfig struct {
	// Type names the transport. "memory" ships in-tree; distributed
	// transports resolve through the broker factory when linked in.
	Type string `mapstructure:"type"`

	// TopicPrefix namespaces every topic on shared transports.
	TopicPrefix string `mapstructure:"topic_prefix"`

	// StrictValidation rejects malformed envelopes at publish time.
	StrictValidation bool `mapstructure:"strict_validation"`

	// QueueDepth bounds each subscriber's pending deliveries.
	QueueDepth int `mapstructure:"queue_depth"`

	// DropPolicy is "oldest" or "newest", applied when a queue is full.
	DropPolicy string `mapstructure:"drop_policy"`

	// PublishRetries is the attempt budget of the publish guard.
	// Zero disables the guard.
	PublishRetries int `mapstructure:"publish_retries"`
}

// LLMConfig selects the provider that powers planning and synthesis.
type LLMConfig struct {
	// Provider is anthropic, bedrock, or ollama.
	Provider string `mapstructure:"provider"`

	// Model overrides the provider's default model.
	Model string `mapstructure:"model"`

	// Temperature applies to answer synthesis and direct answers.
	// Planning always runs at a fixed low temperature.
	Temperature float64 `mapstructure:"temperature"`

	MaxTokens      int `mapstructure:"max_tokens"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`

	// Endpoint overrides the Anthropic API URL, for gateways and proxies.
	Endpoint string `mapstructure:"endpoint"`

	// AnthropicAPIKey is best kept in the keyring, not in a config file.
	AnthropicAPIKey string `mapstructure:"anthropic_api_key"`

	BedrockRegion  string `mapstructure:"bedrock_region"`
	BedrockProfile string `mapstructure:"bedrock_profile"`

	OllamaEndpoint string `mapstructure:"ollama_endpoint"`

	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

// RateLimitConfig tunes the token-bucket limiter shared by all provider
// calls.
type RateLimitConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	TokensPerMinute   int64   `mapstructure:"tokens_per_minute"`
	Burst             int     `mapstructure:"burst"`
}

// PlannerConfig tunes plan generation.
type PlannerConfig struct {
	// RepairRetries bounds repair rounds for invalid model output.
	RepairRetries int `mapstructure:"repair_retries"`

	// DefaultTaskTimeoutMS is stamped on planned tasks that carry no
	// timeout of their own.
	DefaultTaskTimeoutMS int `mapstructure:"default_task_timeout_ms"`
}

// SessionConfig bounds concurrent request handling.
type SessionConfig struct {
	MaxConcurrent int `mapstructure:"max_concurrent"`
	TimeoutMS     int `mapstructure:"timeout_ms"`
	TaskTimeoutMS int `mapstructure:"task_timeout_ms"`
	CancelGraceMS int `mapstructure:"cancel_grace_ms"`
}

// RegistryConfig tunes agent health tracking.
type RegistryConfig struct {
	HeartbeatTimeoutSeconds int `mapstructure:"heartbeat_timeout_seconds"`
	ErrorThreshold          int `mapstructure:"error_threshold"`

	// ProfileDir holds static agent profiles (*.yaml), loaded at start
	// and hot-reloaded on change. Empty disables profiles.
	ProfileDir string `mapstructure:"profile_dir"`
}

// CorrelationConfig tunes response matching.
type CorrelationConfig struct {
	// GraceMS is how long expired correlation contexts linger for late
	// responses before the sweep removes them.
	GraceMS int `mapstructure:"grace_ms"`
}

// GatewayConfig exposes the HTTP frontend.
type GatewayConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// MetricsConfig selects the metrics sink.
type MetricsConfig struct {
	// Sink is prometheus, memory, or noop.
	Sink string `mapstructure:"sink"`
}

// ArchiveConfig controls the durable record of mesh traffic. The broker
// core stays non-persistent either way.
type ArchiveConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Backend string `mapstructure:"backend"`

	// Path is the sqlite database file. Defaults into the data dir.
	Path string `mapstructure:"path"`

	// DSN is the postgres or mysql connection string. DSNs with embedded
	// passwords belong in the keyring.
	DSN string `mapstructure:"dsn"`

	// Key enables SQLCipher encryption for the sqlite backend. Keep it
	// in the keyring, not in a config file.
	Key string `mapstructure:"key"`

	Compress       bool `mapstructure:"compress"`
	RetentionHours int  `mapstructure:"retention_hours"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`

	// File redirects output from stderr. Empty logs to stderr.
	File string `mapstructure:"file"`
}

// LoadConfig loads configuration from multiple sources with proper priority:
// 1. Command line flags (highest priority)
// 2. Config file
// 3. Environment variables
// 4. Defaults (lowest priority)
func LoadConfig(cfgFile string) (*Config, error) {
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Config search paths, in order of priority.
		viper.AddConfigPath(dataDir()) // respects AMCP_DATA_DIR
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/amcp/")
		viper.SetConfigName(DefaultConfigFileName)
		viper.SetConfigType("yaml")
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file %s: %w", viper.ConfigFileUsed(), err)
		}
		// No config file; defaults, env vars, and flags apply.
	}

	// AMCP_BROKER_TYPE mirrors broker.type, and so on.
	viper.SetEnvPrefix("AMCP")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	config.DataDir = dataDir()

	// Non-fatal: the keyring may be unavailable, and every secret can
	// come from flags or the environment instead.
	_ = loadSecretsFromKeyring(&config)

	return &config, nil
}

// setDefaults sets default configuration values.
func setDefaults() {
	// Broker defaults
	viper.SetDefault("broker.type", "memory")
	viper.SetDefault("broker.strict_validation", true)
	viper.SetDefault("broker.queue_depth", 256)
	viper.SetDefault("broker.drop_policy", "oldest")
	viper.SetDefault("broker.publish_retries", 3)

	// LLM defaults
	viper.SetDefault("llm.provider", "anthropic")
	viper.SetDefault("llm.max_tokens", 4096)
	viper.SetDefault("llm.timeout_seconds", 60)
	viper.SetDefault("llm.bedrock_region", "us-west-2")
	viper.SetDefault("llm.ollama_endpoint", "http://localhost:11434")
	viper.SetDefault("llm.rate_limit.enabled", true)
	viper.SetDefault("llm.rate_limit.requests_per_second", 2.0)
	viper.SetDefault("llm.rate_limit.tokens_per_minute", 80000)
	viper.SetDefault("llm.rate_limit.burst", 5)

	// Planner defaults
	viper.SetDefault("planner.repair_retries", 1)
	viper.SetDefault("planner.default_task_timeout_ms", 30000)

	// Session defaults
	viper.SetDefault("session.max_concurrent", 64)
	viper.SetDefault("session.timeout_ms", 120000)
	viper.SetDefault("session.task_timeout_ms", 30000)
	viper.SetDefault("session.cancel_grace_ms", 5000)

	// Registry defaults
	viper.SetDefault("registry.heartbeat_timeout_seconds", 30)
	viper.SetDefault("registry.error_threshold", 5)

	// Correlation defaults
	viper.SetDefault("correlation.grace_ms", 10000)

	// Gateway defaults
	viper.SetDefault("gateway.enabled", true)
	viper.SetDefault("gateway.host", "0.0.0.0")
	viper.SetDefault("gateway.port", 8480)

	// Metrics defaults
	viper.SetDefault("metrics.sink", "prometheus")

	// Archive defaults
	viper.SetDefault("archive.enabled", false)
	viper.SetDefault("archive.backend", "sqlite")
	viper.SetDefault("archive.path", filepath.Join(dataDir(), "amcp-archive.db"))
	viper.SetDefault("archive.compress", true)
	viper.SetDefault("archive.retention_hours", 72)

	// Logging defaults
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "json")
}

// dataDir resolves the amcp data directory: AMCP_DATA_DIR when set,
// ~/.amcp otherwise. It reads the environment directly because it runs
// before viper is primed, to locate the config file itself.
func dataDir() string {
	if dir := os.Getenv("AMCP_DATA_DIR"); dir != "" {
		return expandPath(dir)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".amcp"
	}
	return filepath.Join(home, ".amcp")
}

// expandPath resolves a leading tilde and makes the path absolute.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}

// SecretMapping binds a keyring key to its place in the config.
type SecretMapping struct {
	KeyringKey string
	Setter     func(*Config, string)
	IsSet      func(*Config) bool // true when already set from CLI/env/config
}

// GetSecretMappings returns all secret mappings for the application.
func GetSecretMappings() []SecretMapping {
	return []SecretMapping{
		{
			KeyringKey: "anthropic_api_key",
			Setter:     func(c *Config, val string) { c.LLM.AnthropicAPIKey = val },
			IsSet:      func(c *Config) bool { return c.LLM.AnthropicAPIKey != "" },
		},
		{
			KeyringKey: "archive_dsn",
			Setter:     func(c *Config, val string) { c.Archive.DSN = val },
			IsSet:      func(c *Config) bool { return c.Archive.DSN != "" },
		},
		{
			KeyringKey: "archive_key",
			Setter:     func(c *Config, val string) { c.Archive.Key = val },
			IsSet:      func(c *Config) bool { return c.Archive.Key != "" },
		},
	}
}

// loadSecretsFromKeyring fills config fields that are still empty from the
// system keyring.
func loadSecretsFromKeyring(config *Config) error {
	for _, mapping := range GetSecretMappings() {
		if mapping.IsSet(config) {
			continue
		}
		value, err := GetSecretFromKeyring(mapping.KeyringKey)
		if err == nil && value != "" {
			mapping.Setter(config, value)
		}
		// Missing keys are fine; the keyring is one source of several.
	}
	return nil
}

// GetSecretFromKeyring retrieves a secret from the system keyring.
func GetSecretFromKeyring(key string) (string, error) {
	return keyring.Get(ServiceName, key)
}

// SaveSecretToKeyring saves a secret to the system keyring.
func SaveSecretToKeyring(key, value string) error {
	return keyring.Set(ServiceName, key, value)
}

// DeleteSecretFromKeyring removes a secret from the system keyring.
func DeleteSecretFromKeyring(key string) error {
	return keyring.Delete(ServiceName, key)
}

// ListAvailableSecretKeys returns all known secret keys that can be stored
// in the keyring.
func ListAvailableSecretKeys() []string {
	mappings := GetSecretMappings()
	keys := make([]string, len(mappings))
	for i, mapping := range mappings {
		keys[i] = mapping.KeyringKey
	}
	return keys
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Broker.DropPolicy {
	case "", string(broker.DropOldest), string(broker.DropNewest):
	default:
		return fmt.Errorf("invalid broker.drop_policy: %q (must be oldest or newest)", c.Broker.DropPolicy)
	}
	if c.Broker.QueueDepth < 0 {
		return fmt.Errorf("invalid broker.queue_depth: %d (must be positive)", c.Broker.QueueDepth)
	}

	if c.LLM.Provider == "" {
		return fmt.Errorf("llm.provider is required")
	}
	switch c.LLM.Provider {
	case "anthropic":
		if c.LLM.AnthropicAPIKey == "" && os.Getenv("ANTHROPIC_API_KEY") == "" {
			return fmt.Errorf("anthropic API key is required (set via --anthropic-key, AMCP_LLM_ANTHROPIC_API_KEY, or save to keyring with 'amcpd config set-key anthropic_api_key')")
		}

	case "bedrock":
		if c.LLM.BedrockRegion == "" {
			return fmt.Errorf("bedrock region is required (set llm.bedrock_region in config or AMCP_LLM_BEDROCK_REGION)")
		}
		// Credentials are not required here: a profile, an IAM role, or
		// AWS_ACCESS_KEY_ID may each carry them. The client finds out.

	case "ollama":
		if c.LLM.OllamaEndpoint == "" {
			return fmt.Errorf("ollama endpoint is required (set llm.ollama_endpoint in config)")
		}

	default:
		return fmt.Errorf("unsupported LLM provider: %s (must be anthropic, bedrock, or ollama)", c.LLM.Provider)
	}

	if c.Gateway.Enabled {
		if c.Gateway.Port < 1 || c.Gateway.Port > 65535 {
			return fmt.Errorf("invalid gateway.port: %d (must be 1-65535)", c.Gateway.Port)
		}
	}

	switch c.Metrics.Sink {
	case "", "prometheus", "memory", "noop":
	default:
		return fmt.Errorf("unsupported metrics.sink: %s (must be prometheus, memory, or noop)", c.Metrics.Sink)
	}

	if c.Archive.Enabled {
		switch c.Archive.Backend {
		case "", "memory", "sqlite":
		case "postgres", "mysql":
			if c.Archive.DSN == "" {
				return fmt.Errorf("%s archive requires a dsn (set archive.dsn or save to keyring with 'amcpd config set-key archive_dsn')", c.Archive.Backend)
			}
		default:
			return fmt.Errorf("unsupported archive.backend: %s (must be memory, sqlite, postgres, or mysql)", c.Archive.Backend)
		}
	}

	return nil
}

// GenerateExampleConfig generates an example configuration file.
func GenerateExampleConfig() string {
	return `# AMCP Orchestrator Configuration
# Priority: CLI flags > config file > environment variables > defaults
# Every key is mirrored by an environment variable: broker.type is
# AMCP_BROKER_TYPE, llm.provider is AMCP_LLM_PROVIDER, and so on.

broker:
  # Transport for mesh events. Only "memory" ships in-tree.
  type: memory
  # topic_prefix: prod  # namespace topics on shared transports
  strict_validation: true
  queue_depth: 256
  drop_policy: oldest  # or "newest"
  publish_retries: 3

llm:
  # Provider options: anthropic, bedrock, ollama
  provider: anthropic

  # Model override; empty uses the provider default.
  # model: claude-sonnet-4-5-20250929
  # anthropic_api_key: set via keyring (amcpd config set-key anthropic_api_key)
  # endpoint: https://my-proxy.example.com/v1/messages

  # AWS Bedrock configuration
  bedrock_region: us-west-2
  # bedrock_profile: default  # Use an AWS profile instead of explicit credentials

  # Ollama configuration (local inference)
  ollama_endpoint: http://localhost:11434

  # Generation parameters. Temperature applies to answer synthesis only;
  # planning always runs cold.
  temperature: 0.5
  max_tokens: 4096
  timeout_seconds: 60

  rate_limit:
    enabled: true
    requests_per_second: 2.0
    tokens_per_minute: 80000
    burst: 5

planner:
  repair_retries: 1
  default_task_timeout_ms: 30000

session:
  max_concurrent: 64
  timeout_ms: 120000
  task_timeout_ms: 30000
  cancel_grace_ms: 5000

registry:
  heartbeat_timeout_seconds: 30
  error_threshold: 5
  # profile_dir: ~/.amcp/profiles  # static agent profiles, hot-reloaded

correlation:
  grace_ms: 10000

gateway:
  enabled: true
  host: 0.0.0.0
  port: 8480

metrics:
  sink: prometheus  # or "memory", "noop"

archive:
  # Durable record of mesh traffic and finished sessions. The broker
  # itself never persists anything.
  enabled: false
  backend: sqlite  # or "memory", "postgres", "mysql"
  # path: ~/.amcp/amcp-archive.db
  # dsn: set via keyring for server backends (amcpd config set-key archive_dsn)
  # key: set via keyring to encrypt the sqlite file (amcpd config set-key archive_key)
  compress: true
  retention_hours: 72

log:
  level: info  # debug, info, warn, error
  format: json  # or "console"
  # file: /var/log/amcp/amcpd.log
`
}
