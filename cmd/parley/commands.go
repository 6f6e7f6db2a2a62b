package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/cloud-shuttle/parley/internal/config"
	"github.com/cloud-shuttle/parley/internal/events"
	"github.com/cloud-shuttle/parley/internal/llm"
	"github.com/cloud-shuttle/parley/internal/pipeline"
	"github.com/cloud-shuttle/parley/internal/recall"
	"github.com/cloud-shuttle/parley/internal/server"
	"github.com/cloud-shuttle/parley/internal/transcript"
	"github.com/cloud-shuttle/parley/internal/webhooks"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the Parley HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.ValidateSecrets(); err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel)

	store, err := newStore(context.Background(), cfg)
	if err != nil {
		return fmt.Errorf("failed to open transcript store: %w", err)
	}
	defer store.Close()

	provider, err := llm.NewProvider(llm.ProviderType(cfg.LLMProvider), llm.Config{
		APIKey:  cfg.LLMAPIKey,
		BaseURL: cfg.LLMBaseURL,
		Timeout: cfg.CallTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create LLM provider: %w", err)
	}

	memory := recall.NewClient(recall.Config{
		BaseURL: cfg.MemoryBaseURL,
		APIKey:  cfg.MemoryAPIKey,
		Timeout: cfg.CallTimeout,
	})

	bus := events.NewBus()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var hooks *webhooks.Manager
	if len(cfg.WebhookURLs) > 0 {
		hooks = webhooks.NewManager(logger)
		for i, url := range cfg.WebhookURLs {
			if err := hooks.Register(&webhooks.Webhook{
				ID:     fmt.Sprintf("webhook-%d", i),
				URL:    url,
				Secret: cfg.WebhookSecret,
				Events: []events.EventType{
					events.EventTurnCompleted,
					events.EventTurnFailed,
					events.EventBindingCreated,
					events.EventMemoryDegraded,
				},
				Enabled: true,
			}); err != nil {
				return fmt.Errorf("failed to register webhook %s: %w", url, err)
			}
		}
		hooks.Start(2)
		hooks.Bridge(ctx, bus)
	}

	pipe := pipeline.New(store, memory, provider, bus, logger, pipeline.Options{
		Model:       cfg.Model,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
		CallTimeout: cfg.CallTimeout,
	})

	srv := server.New(pipe, store, memory, logger, server.Options{
		ListenAddr:        cfg.ListenAddr,
		RequestDeadline:   cfg.RequestDeadline,
		RateLimitEnabled:  cfg.RateLimitEnabled,
		RequestsPerMinute: cfg.RequestsPerMinute,
	})

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", cfg.ListenAddr).
			Str("provider", cfg.LLMProvider).
			Str("backend", string(cfg.Backend)).
			Msg("starting server")
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown error")
	}
	if hooks != nil {
		if err := hooks.Stop(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("webhook shutdown error")
		}
	}
	return nil
}

func newStore(ctx context.Context, cfg *config.Config) (transcript.Store, error) {
	switch cfg.Backend {
	case config.BackendSQLite:
		return transcript.NewSQLiteStore(cfg.SQLitePath)
	case config.BackendRedis:
		return transcript.NewRedisStore(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.MaxMessagesPerConversation)
	default:
		return transcript.NewMemoryStore(cfg.MaxMessagesPerConversation), nil
	}
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
}
