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

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage AMCP daemon configuration",
	Long:  `Manage configuration files and secrets for the AMCP daemon.`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate example configuration file",
	Long:  `Generate an example amcpd.yaml configuration file in ~/.amcp/`,
	Run:   runConfigInit,
}

var configSetKeyCmd = &cobra.Command{
	Use:   "set-key [key-name]",
	Short: "Save a secret to the system keyring",
	Long: `Save a secret to the system keyring securely.

The secret will be stored in your system's secure credential storage
(Keychain on macOS, Credential Manager on Windows, Secret Service on Linux).

Run 'amcpd config list-keys' to see available key names.`,
	Args: cobra.ExactArgs(1),
	Run:  runConfigSetKey,
}

var configGetKeyCmd = &cobra.Command{
	Use:   "get-key [key-name]",
	Short: "Retrieve a secret from the system keyring",
	Long:  `Retrieve a secret from the system keyring (for verification).`,
	Args:  cobra.ExactArgs(1),
	Run:   runConfigGetKey,
}

var configDeleteKeyCmd = &cobra.Command{
	Use:   "delete-key [key-name]",
	Short: "Delete a secret from the system keyring",
	Long:  `Remove a secret from the system keyring.`,
	Args:  cobra.ExactArgs(1),
	Run:   runConfigDeleteKey,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  `Display the current configuration (merged from all sources).`,
	Run:   runConfigShow,
}

var configListKeysCmd = &cobra.Command{
	Use:   "list-keys",
	Short: "List available secret keys",
	Long:  `List all available secret keys that can be stored in the keyring.`,
	Run:   runConfigListKeys,
}

var configSetCmd = &cobra.Command{
	Use:   "set [key] [value]",
	Short: "Set a configuration value",
	Long: `Set a non-sensitive configuration value in ~/.amcp/amcpd.yaml.

For sensitive values (API keys, DSNs), use 'amcpd config set-key' instead.

Examples:
  amcpd config set llm.provider bedrock
  amcpd config set llm.bedrock_region us-west-2
  amcpd config set broker.type memory
  amcpd config set gateway.port 8480
  amcpd config set log.level debug`,
	Args: cobra.ExactArgs(2),
	Run:  runConfigSet,
}

var configGetCmd = &cobra.Command{
	Use:   "get [key]",
	Short: "Get a configuration value",
	Long: `Get a configuration value from ~/.amcp/amcpd.yaml.

Examples:
  amcpd config get llm.provider
  amcpd config get broker.type
  amcpd config get gateway.port`,
	Args: cobra.ExactArgs(1),
	Run:  runConfigGet,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetKeyCmd)
	configCmd.AddCommand(configGetKeyCmd)
	configCmd.AddCommand(configDeleteKeyCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configListKeysCmd)
}

func runConfigInit(cmd *cobra.Command, args []string) {
	configDir := dataDir()
	configPath := filepath.Join(configDir, DefaultConfigFileName+".yaml")

	if err := os.MkdirAll(configDir, 0750); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating config directory: %v\n", err)
		os.Exit(1)
	}

	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("Config file already exists: %s\n", configPath)
		fmt.Print("Overwrite? (y/N): ")
		var response string
		_, _ = fmt.Scanln(&response)
		if response != "y" && response != "Y" {
			fmt.Println("Aborted.")
			return
		}
	}

	if err := os.WriteFile(configPath, []byte(GenerateExampleConfig()), 0600); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing config file: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("✓ Config file created: %s\n", configPath)
	fmt.Println("\nNext steps:")
	fmt.Println("1. Save your Anthropic API key:")
	fmt.Println("   amcpd config set-key anthropic_api_key")
	fmt.Println("2. Start the daemon:")
	fmt.Println("   amcpd serve")
	fmt.Println()
	fmt.Println("Tip: Ollama needs no key. Set llm.provider to ollama and run 'ollama serve'.")
}

func runConfigSetKey(cmd *cobra.Command, args []string) {
	keyName := args[0]

	availableKeys := ListAvailableSecretKeys()
	validKeys := make(map[string]bool)
	for _, k := range availableKeys {
		validKeys[k] = true
	}

	if !validKeys[keyName] {
		fmt.Fprintf(os.Stderr, "Invalid key name: %s\n", keyName)
		fmt.Fprintf(os.Stderr, "Available keys:\n")
		for _, k := range availableKeys {
			fmt.Fprintf(os.Stderr, "  - %s\n", k)
		}
		os.Exit(1)
	}

	// Read the secret without echoing it.
	fmt.Printf("Enter %s (input hidden): ", keyName)
	secretBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading input: %v\n", err)
		os.Exit(1)
	}

	secret := string(secretBytes)
	if secret == "" {
		fmt.Fprintf(os.Stderr, "Secret cannot be empty\n")
		os.Exit(1)
	}

	if err := SaveSecretToKeyring(keyName, secret); err != nil {
		fmt.Fprintf(os.Stderr, "Error saving to keyring: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("✓ Saved %s to system keyring\n", keyName)
}

func runConfigGetKey(cmd *cobra.Command, args []string) {
	keyName := args[0]

	secret, err := GetSecretFromKeyring(keyName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error retrieving key: %v\n", err)
		fmt.Fprintf(os.Stderr, "Key not found in keyring. Set it with: amcpd config set-key %s\n", keyName)
		os.Exit(1)
	}

	fmt.Printf("%s: %s\n", keyName, maskSecret(secret))
}

func runConfigDeleteKey(cmd *cobra.Command, args []string) {
	keyName := args[0]

	if err := DeleteSecretFromKeyring(keyName); err != nil {
		fmt.Fprintf(os.Stderr, "Error deleting key: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("✓ Deleted %s from system keyring\n", keyName)
}

func runConfigShow(cmd *cobra.Command, args []string) {
	fmt.Println("Current Configuration:")
	fmt.Println("======================")
	fmt.Println()

	fmt.Println("Broker:")
	fmt.Printf("  Type: %s\n", config.Broker.Type)
	if config.Broker.TopicPrefix != "" {
		fmt.Printf("  Topic Prefix: %s\n", config.Broker.TopicPrefix)
	}
	fmt.Printf("  Strict Validation: %t\n", config.Broker.StrictValidation)
	fmt.Printf("  Queue Depth: %d\n", config.Broker.QueueDepth)
	fmt.Println()

	fmt.Println("LLM:")
	fmt.Printf("  Provider: %s\n", config.LLM.Provider)
	if config.LLM.Model != "" {
		fmt.Printf("  Model: %s\n", config.LLM.Model)
	}
	switch config.LLM.Provider {
	case "anthropic":
		if config.LLM.AnthropicAPIKey != "" {
			fmt.Printf("  API Key: %s\n", maskSecret(config.LLM.AnthropicAPIKey))
		} else {
			fmt.Printf("  API Key: (not set)\n")
		}
	case "bedrock":
		fmt.Printf("  Region: %s\n", config.LLM.BedrockRegion)
		if config.LLM.BedrockProfile != "" {
			fmt.Printf("  Profile: %s\n", config.LLM.BedrockProfile)
		}
	case "ollama":
		fmt.Printf("  Endpoint: %s\n", config.LLM.OllamaEndpoint)
	}
	fmt.Printf("  Temperature: %.1f\n", config.LLM.Temperature)
	fmt.Printf("  Max Tokens: %d\n", config.LLM.MaxTokens)
	fmt.Println()

	fmt.Println("Gateway:")
	fmt.Printf("  Enabled: %t\n", config.Gateway.Enabled)
	if config.Gateway.Enabled {
		fmt.Printf("  Address: %s:%d\n", config.Gateway.Host, config.Gateway.Port)
	}
	fmt.Println()

	fmt.Println("Archive:")
	fmt.Printf("  Enabled: %t\n", config.Archive.Enabled)
	if config.Archive.Enabled {
		fmt.Printf("  Backend: %s\n", config.Archive.Backend)
		if config.Archive.Path != "" {
			fmt.Printf("  Path: %s\n", config.Archive.Path)
		}
		if config.Archive.DSN != "" {
			fmt.Printf("  DSN: %s\n", maskSecret(config.Archive.DSN))
		}
	}
	fmt.Println()

	fmt.Println("Log:")
	fmt.Printf("  Level: %s\n", config.Log.Level)
	fmt.Printf("  Format: %s\n", config.Log.Format)
}

func runConfigListKeys(cmd *cobra.Command, args []string) {
	keys := ListAvailableSecretKeys()
	fmt.Println("Available secret keys:")
	fmt.Println("======================")
	for _, key := range keys {
		fmt.Printf("  - %s\n", key)
	}
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  amcpd config set-key <key-name>")
	fmt.Println("  amcpd config get-key <key-name>")
	fmt.Println("  amcpd config delete-key <key-name>")
}

func runConfigSet(cmd *cobra.Command, args []string) {
	key := args[0]
	value := args[1]

	configPath := filepath.Join(dataDir(), DefaultConfigFileName+".yaml")
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Config file not found: %s\n", configPath)
		fmt.Fprintf(os.Stderr, "Run 'amcpd config init' to create one\n")
		os.Exit(1)
	}

	// Secrets belong in the keyring, not the config file.
	for _, secretKey := range ListAvailableSecretKeys() {
		if key == secretKey {
			fmt.Fprintf(os.Stderr, "Error: '%s' is a secret key. Use 'amcpd config set-key %s' instead.\n", key, key)
			os.Exit(1)
		}
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
		os.Exit(1)
	}

	inferredValue := inferType(key, value, v)
	v.Set(key, inferredValue)

	if err := v.WriteConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing config file: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("✓ Set %s = %v\n", key, inferredValue)
}

func runConfigGet(cmd *cobra.Command, args []string) {
	key := args[0]

	configPath := filepath.Join(dataDir(), DefaultConfigFileName+".yaml")
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Config file not found: %s\n", configPath)
		fmt.Fprintf(os.Stderr, "Run 'amcpd config init' to create one\n")
		os.Exit(1)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
		os.Exit(1)
	}

	if !v.IsSet(key) {
		fmt.Fprintf(os.Stderr, "Key not found: %s\n", key)
		os.Exit(1)
	}

	fmt.Printf("%s: %v\n", key, v.Get(key))
}

// maskSecret masks a secret for display.
func maskSecret(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "..." + s[len(s)-4:]
}

// inferType coerces a string value to the type the key expects, so YAML
// round-trips do not turn floats into ints or booleans into strings.
func inferType(key, value string, v *viper.Viper) interface{} {
	lower := strings.ToLower(key)

	if strings.Contains(lower, "temperature") || strings.Contains(lower, "per_second") {
		var floatVal float64
		if _, err := fmt.Sscanf(value, "%f", &floatVal); err == nil {
			return floatVal
		}
	}

	intPatterns := []string{"port", "timeout", "max_tokens", "retries", "depth", "threshold", "hours", "burst", "concurrent", "_ms", "per_minute"}
	for _, pat := range intPatterns {
		if strings.Contains(lower, pat) {
			var intVal int
			if _, err := fmt.Sscanf(value, "%d", &intVal); err == nil {
				return intVal
			}
		}
	}

	if strings.Contains(lower, "enabled") || strings.Contains(lower, "strict") || strings.Contains(lower, "compress") {
		if value == "true" {
			return true
		} else if value == "false" {
			return false
		}
	}

	// Fall back to the type already stored under the key.
	if v.IsSet(key) {
		switch v.Get(key).(type) {
		case bool:
			if value == "true" {
				return true
			} else if value == "false" {
				return false
			}
		case int, int64:
			var intVal int
			if _, err := fmt.Sscanf(value, "%d", &intVal); err == nil {
				return intVal
			}
		case float64:
			var floatVal float64
			if _, err := fmt.Sscanf(value, "%f", &floatVal); err == nil {
				return floatVal
			}
		}
	}

	return value
}
