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
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MakeNowJust/heredoc"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/teradata-labs/amcp/internal/log"
	"github.com/teradata-labs/amcp/pkg/archive"
	"github.com/teradata-labs/amcp/pkg/broker"
	"github.com/teradata-labs/amcp/pkg/gateway"
	"github.com/teradata-labs/amcp/pkg/llm"
	"github.com/teradata-labs/amcp/pkg/llm/factory"
	"github.com/teradata-labs/amcp/pkg/observability"
	"github.com/teradata-labs/amcp/pkg/orchestrator"
)

// shutdownTimeout bounds the graceful stop: session drain, broker drain,
// and gateway shutdown all share it.
const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the AMCP mesh orchestrator",
	Long: heredoc.Doc(`
		Start the mesh runtime: event broker, agent registry, LLM
		orchestrator, and (unless disabled) the HTTP gateway.

		The orchestrator will:
		- accept user requests on the user.request topic
		- decompose them into task plans with the configured LLM provider
		- dispatch tasks to mesh agents and correlate their responses
		- publish exactly one user.response per request

		Press Ctrl+C to gracefully shutdown.
	`),
	Run: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) {
	logger, err := log.New(log.Config{
		Level:  config.Log.Level,
		Format: config.Log.Format,
		File:   config.Log.File,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error building logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	log.SetLogger(logger)

	if err := config.Validate(); err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	sink := buildSink(config.Metrics.Sink)
	tracer := buildTracer(config.Log.Level, logger)

	mesh, err := buildBroker(config, sink, tracer, logger)
	if err != nil {
		logger.Fatal("Failed to build broker", zap.Error(err))
	}

	provider, err := buildProvider(config, sink, tracer, logger)
	if err != nil {
		logger.Fatal("Failed to build LLM provider", zap.Error(err))
	}
	defer func() {
		if closer, ok := provider.(io.Closer); ok {
			_ = closer.Close()
		}
	}()

	ctx := context.Background()

	store, err := buildArchive(ctx, config, logger)
	if err != nil {
		logger.Fatal("Failed to open archive", zap.Error(err))
	}

	profileDir := config.Registry.ProfileDir
	if profileDir != "" {
		profileDir = expandPath(profileDir)
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Broker:               mesh,
		Provider:             provider,
		Archive:              store,
		ArchiveRetention:     time.Duration(config.Archive.RetentionHours) * time.Hour,
		ProfileDir:           profileDir,
		HeartbeatTimeout:     time.Duration(config.Registry.HeartbeatTimeoutSeconds) * time.Second,
		ErrorThreshold:       config.Registry.ErrorThreshold,
		CorrelationGrace:     time.Duration(config.Correlation.GraceMS) * time.Millisecond,
		SynthesisTemperature: config.LLM.Temperature,
		PlanTaskTimeout:      time.Duration(config.Planner.DefaultTaskTimeoutMS) * time.Millisecond,
		RepairRetries:        config.Planner.RepairRetries,
		MaxConcurrent:        config.Session.MaxConcurrent,
		SessionTimeout:       time.Duration(config.Session.TimeoutMS) * time.Millisecond,
		TaskTimeout:          time.Duration(config.Session.TaskTimeoutMS) * time.Millisecond,
		CancelGrace:          time.Duration(config.Session.CancelGraceMS) * time.Millisecond,
		Sink:                 sink,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to build orchestrator", zap.Error(err))
	}

	if err := orch.Start(ctx); err != nil {
		logger.Fatal("Failed to start orchestrator", zap.Error(err))
	}

	var gw *gateway.Gateway
	if config.Gateway.Enabled {
		gw, err = gateway.New(gateway.Config{
			Addr:     fmt.Sprintf("%s:%d", config.Gateway.Host, config.Gateway.Port),
			Broker:   mesh,
			Registry: orch.Registry(),
			Sessions: orch.Sessions(),
			Archive:  orch.Archive(),
			CORS:     gateway.DefaultCORSConfig(),
		}, logger)
		if err != nil {
			logger.Fatal("Failed to build gateway", zap.Error(err))
		}
		if err := gw.Start(ctx); err != nil {
			logger.Fatal("Failed to start gateway", zap.Error(err))
		}
		logger.Info("Gateway listening", zap.String("addr", gw.Addr()))
	}

	logger.Info("Mesh is up",
		zap.String("broker", config.Broker.Type),
		zap.String("llm_provider", provider.Name()),
		zap.String("llm_model", provider.Model()),
		zap.Bool("archive", store != nil),
		zap.Bool("gateway", gw != nil))

	// Block until a shutdown signal; a second signal forces exit.
	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, os.Interrupt, syscall.SIGTERM)
	<-sigch
	logger.Info("Shutting down gracefully... (press Ctrl+C again to force)")
	go func() {
		<-sigch
		logger.Warn("Force shutdown requested")
		os.Exit(1)
	}()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Frontend first, so no new requests land while sessions drain.
	if gw != nil {
		if err := gw.Stop(shutdownCtx); err != nil {
			logger.Warn("Error stopping gateway", zap.Error(err))
		} else {
			logger.Info("Gateway stopped")
		}
	}

	if err := orch.Stop(shutdownCtx); err != nil {
		logger.Warn("Error stopping orchestrator", zap.Error(err))
	}

	if store != nil {
		if err := store.Close(); err != nil {
			logger.Warn("Error closing archive", zap.Error(err))
		}
	}

	logger.Info("Shutdown complete")
}

// buildSink maps the metrics.sink config to a sink implementation.
func buildSink(name string) observability.MetricsSink {
	switch name {
	case "", "prometheus":
		return observability.NewPrometheusSink(nil, "amcp")
	case "memory":
		return observability.NewMemorySink()
	default:
		return observability.NewNopSink()
	}
}

// buildTracer picks the span tracer. Debug runs log spans; anything else
// stays silent and leans on the metrics sink.
func buildTracer(level string, logger *zap.Logger) observability.Tracer {
	if level == "debug" {
		return observability.NewLogTracer(logger)
	}
	return observability.NewNoOpTracer()
}

// buildBroker constructs the configured transport and, when a publish
// retry budget is set, wraps it with the publish guard.
func buildBroker(config *Config, sink observability.MetricsSink, tracer observability.Tracer, logger *zap.Logger) (broker.EventBroker, error) {
	b, err := broker.New(broker.Config{
		Type:             config.Broker.Type,
		TopicPrefix:      config.Broker.TopicPrefix,
		QueueDepth:       config.Broker.QueueDepth,
		DropPolicy:       broker.DropPolicy(config.Broker.DropPolicy),
		StrictValidation: config.Broker.StrictValidation,
		DeadLetter:       true,
		Sink:             sink,
		Tracer:           tracer,
	}, logger)
	if err != nil {
		return nil, err
	}

	if config.Broker.PublishRetries > 0 {
		guard := broker.DefaultGuardConfig()
		guard.MaxAttempts = config.Broker.PublishRetries
		b = broker.WithPublishGuard(b, guard, logger)
	}
	return b, nil
}

// buildProvider constructs the configured LLM provider, wrapped with
// metrics and tracing.
func buildProvider(config *Config, sink observability.MetricsSink, tracer observability.Tracer, logger *zap.Logger) (llm.Provider, error) {
	f := factory.NewProviderFactory(factory.FactoryConfig{
		DefaultProvider: config.LLM.Provider,
		DefaultModel:    config.LLM.Model,
		AnthropicAPIKey: config.LLM.AnthropicAPIKey,
		Endpoint:        config.LLM.Endpoint,
		BedrockRegion:   config.LLM.BedrockRegion,
		BedrockProfile:  config.LLM.BedrockProfile,
		OllamaEndpoint:  config.LLM.OllamaEndpoint,
		MaxTokens:       config.LLM.MaxTokens,
		Timeout:         config.LLM.TimeoutSeconds,
		RateLimiter: llm.RateLimiterConfig{
			Enabled:           config.LLM.RateLimit.Enabled,
			RequestsPerSecond: config.LLM.RateLimit.RequestsPerSecond,
			TokensPerMinute:   config.LLM.RateLimit.TokensPerMinute,
			BurstCapacity:     config.LLM.RateLimit.Burst,
			Logger:            logger,
		},
	})

	provider, err := f.CreateProvider(config.LLM.Provider, config.LLM.Model)
	if err != nil {
		return nil, err
	}
	return llm.NewInstrumentedProvider(provider, tracer, sink, logger), nil
}

// buildArchive opens the archive store, or returns nil when archiving is
// disabled.
func buildArchive(ctx context.Context, config *Config, logger *zap.Logger) (archive.Store, error) {
	if !config.Archive.Enabled {
		return nil, nil
	}
	path := config.Archive.Path
	if path != "" {
		path = expandPath(path)
	}
	return archive.Open(ctx, archive.Config{
		Backend:   config.Archive.Backend,
		Path:      path,
		DSN:       config.Archive.DSN,
		Key:       config.Archive.Key,
		Compress:  config.Archive.Compress,
		Retention: time.Duration(config.Archive.RetentionHours) * time.Hour,
	}, logger)
}
