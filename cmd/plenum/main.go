// Plenum report server — turns deliberation comments into a topic taxonomy,
// extracted claims, and crux analyses over HTTP.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/plenumlabs/plenum/pkg/api"
	"github.com/plenumlabs/plenum/pkg/config"
	"github.com/plenumlabs/plenum/pkg/llm"
	"github.com/plenumlabs/plenum/pkg/pipeline"
	"github.com/plenumlabs/plenum/pkg/pricing"
	"github.com/plenumlabs/plenum/pkg/telemetry"
	"github.com/plenumlabs/plenum/pkg/version"
)

func main() {
	// Parse command-line flags
	envFile := flag.String("env-file", ".env", "Path to .env file")
	flag.Parse()

	// Load .env file
	if err := godotenv.Load(*envFile); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", *envFile, "error", err)
	} else {
		slog.Info("Loaded environment", "path", *envFile)
	}

	// 1. Load configuration
	cfg, err := config.FromEnv()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting plenum",
		"version", version.Full(),
		"addr", cfg.Addr(),
		"workers", cfg.Workers)

	// 2. Load pricing table
	table, err := pricing.Load(cfg.PricingFile)
	if err != nil {
		slog.Error("Failed to load pricing table", "error", err)
		os.Exit(1)
	}

	// 3. Create the LLM backend
	var completer llm.Completer
	requireKey := false
	if cfg.UseOllama {
		mapping, err := config.LoadModelMapping(cfg.ModelMappingFile)
		if err != nil {
			slog.Error("Failed to load model mapping", "error", err)
			os.Exit(1)
		}
		completer = llm.NewOllamaClient(llm.OllamaConfig{
			BaseURL:      cfg.OllamaBaseURL,
			DefaultModel: cfg.OllamaDefaultModel,
			ModelMapping: mapping,
			Timeout:      cfg.LLMTimeout,
		})
		slog.Info("Using local Ollama backend",
			"base_url", cfg.OllamaBaseURL,
			"default_model", cfg.OllamaDefaultModel)
	} else {
		completer = llm.NewOpenAIClient(llm.OpenAIConfig{
			BaseURL:           cfg.OpenAIBaseURL,
			APIKey:            cfg.OpenAIAPIKey,
			StructuredOutputs: cfg.OpenAIStructuredOutputs,
			Timeout:           cfg.LLMTimeout,
		})
		// Without a configured key, each request must bring its own.
		requireKey = cfg.OpenAIAPIKey == ""
		slog.Info("Using OpenAI backend",
			"base_url", cfg.OpenAIBaseURL,
			"structured_outputs", cfg.OpenAIStructuredOutputs,
			"per_request_key", requireKey)
	}

	// 4. Initialize telemetry
	registry := prometheus.NewRegistry()
	recorder := telemetry.Multi(
		telemetry.NewLogRecorder(slog.Default()),
		telemetry.NewPromRecorder(registry),
	)

	// 5. Build the pipeline
	pipe := pipeline.New(pipeline.Options{
		Completer: completer,
		Pricing:   table,
		Recorder:  recorder,
		Filter: pipeline.CommentFilter{
			MinChars: cfg.MinCommentChars,
			MinWords: cfg.MinCommentWords,
		},
		Workers: cfg.Workers,
		Logger:  slog.Default(),
	})

	// 6. Create HTTP server
	server := api.NewServer(api.Options{
		Pipeline:      pipe,
		RequireAPIKey: requireKey,
		Metrics:       registry,
		Logger:        slog.Default(),
	})

	// 7. Start HTTP server (non-blocking)
	errCh := make(chan error, 1)
	go func() {
		addr := cfg.Addr()
		slog.Info("HTTP server listening", "addr", addr)
		if err := server.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	// 8. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 9. Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
