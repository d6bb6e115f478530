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

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/teradata-labs/amcp/internal/version"
)

var (
	cfgFile string
	config  *Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:     "amcpd",
	Short:   "AMCP Orchestrator - LLM-orchestrated agent mesh runtime",
	Long:    `AMCP Orchestrator (amcpd) runs the agent mesh: an event broker with hierarchical topic routing, an agent registry with health tracking, and an LLM orchestrator that turns natural-language requests into task plans, dispatches them across the mesh, and synthesizes the answers.`,
	Version: version.Get(),
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Custom help template with Support at bottom
	rootCmd.SetHelpTemplate(`{{with (or .Long .Short)}}{{. | trimTrailingWhitespaces}}

{{end}}{{if or .Runnable .HasSubCommands}}{{.UsageString}}{{end}}

Support:
  GitHub: https://github.com/teradata-labs/amcp/issues
  Documentation: https://github.com/teradata-labs/amcp
`)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $AMCP_DATA_DIR/amcpd.yaml)")

	// Gateway flags
	rootCmd.PersistentFlags().Bool("gateway", true, "enable the HTTP gateway (use --gateway=false to disable)")
	rootCmd.PersistentFlags().String("host", "0.0.0.0", "gateway listen host")
	rootCmd.PersistentFlags().Int("port", 8480, "gateway listen port")

	// Broker flags
	rootCmd.PersistentFlags().String("broker", "memory", "event broker transport")

	// LLM flags
	rootCmd.PersistentFlags().String("llm-provider", "anthropic", "LLM provider (anthropic, bedrock, ollama)")
	rootCmd.PersistentFlags().String("anthropic-key", "", "Anthropic API key (or use keyring/env)")
	rootCmd.PersistentFlags().String("model", "", "model override (empty uses the provider default)")
	rootCmd.PersistentFlags().Float64("temperature", 0.5, "synthesis temperature")
	rootCmd.PersistentFlags().Int("max-tokens", 4096, "maximum tokens per request")

	// Registry flags
	rootCmd.PersistentFlags().String("profile-dir", "", "static agent profile directory (*.yaml)")

	// Archive flags
	rootCmd.PersistentFlags().Bool("archive", false, "record mesh traffic to the archive")

	// Logging flags
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "json", "log format (json, console)")

	// Bind flags to viper
	_ = viper.BindPFlag("gateway.enabled", rootCmd.PersistentFlags().Lookup("gateway"))
	_ = viper.BindPFlag("gateway.host", rootCmd.PersistentFlags().Lookup("host"))
	_ = viper.BindPFlag("gateway.port", rootCmd.PersistentFlags().Lookup("port"))

	_ = viper.BindPFlag("broker.type", rootCmd.PersistentFlags().Lookup("broker"))

	_ = viper.BindPFlag("llm.provider", rootCmd.PersistentFlags().Lookup("llm-provider"))
	_ = viper.BindPFlag("llm.anthropic_api_key", rootCmd.PersistentFlags().Lookup("anthropic-key"))
	_ = viper.BindPFlag("llm.model", rootCmd.PersistentFlags().Lookup("model"))
	_ = viper.BindPFlag("llm.temperature", rootCmd.PersistentFlags().Lookup("temperature"))
	_ = viper.BindPFlag("llm.max_tokens", rootCmd.PersistentFlags().Lookup("max-tokens"))

	_ = viper.BindPFlag("registry.profile_dir", rootCmd.PersistentFlags().Lookup("profile-dir"))

	_ = viper.BindPFlag("archive.enabled", rootCmd.PersistentFlags().Lookup("archive"))

	_ = viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	var err error
	config, err = LoadConfig(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
}
