package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"vidchat/internal/api"
	"vidchat/internal/cache"
	"vidchat/internal/config"
	"vidchat/internal/crypto"
	"vidchat/internal/metrics"
	"vidchat/internal/persist"
	"vidchat/internal/queue"
	"vidchat/internal/retention"
	"vidchat/internal/streams"
	"vidchat/internal/transport"
	"vidchat/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setupLogger(cfg.Log.Level)
	log.Info().
		Str("backend", cfg.Backend.BaseURL).
		Str("db_driver", cfg.DB.Driver).
		Msg("starting vidchat runtime")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cryptoManager, err := crypto.NewManager(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize crypto manager")
	}

	store, err := retention.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate, "migrations", cryptoManager)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open retention store")
	}
	defer store.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("failed to connect redis")
	}
	defer rdb.Close()

	backend, err := api.New(api.Config{
		BaseURL: cfg.Backend.BaseURL,
		Timeout: cfg.Backend.Timeout,
		Logger:  log.Logger,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build backend client")
	}

	m := metrics.Global()
	registry := streams.NewRegistry(m)
	transcripts := cache.NewStore(backend)
	saveQueue := queue.NewSaveQueue(rdb, cfg.Redis.QueueStream, cfg.Redis.QueueGroup, cfg.Worker.ConsumerName, cfg.Redis.QueueBlock)

	coordinator := persist.NewCoordinator(persist.Config{
		Saver:    backend,
		Cache:    transcripts,
		Registry: registry,
		Retainer: store,
		Retry:    saveQueue,
		Logger:   log.Logger,
		Metrics:  m,
	})

	streamTransport := transport.New(transport.Config{
		Backend:  backend,
		Registry: registry,
		Logger:   log.Logger,
		Metrics:  m,
	})

	coordinator.OnSaveFailure(func(chatID string, err error) {
		log.Warn().Str("chat_id", chatID).Err(err).Msg("answer generated but not saved, queued for retry")
	})
	go func() {
		for n := range coordinator.Notifications() {
			log.Info().Str("chat_id", n.ChatID).Msg("background chat finished an answer")
		}
	}()

	errCh := make(chan error, 2)

	w := worker.New(worker.Config{
		Queue:       saveQueue,
		Store:       store,
		Saver:       backend,
		Coordinator: coordinator,
		MaxRetries:  cfg.Worker.MaxRetries,
		Logger:      log.Logger,
		Metrics:     m,
	})
	if err := saveQueue.EnsureGroup(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to prepare save queue")
	}
	if err := w.Recover(ctx); err != nil {
		log.Error().Err(err).Msg("failed to recover retained saves")
	}
	go func() {
		if err := w.Start(ctx, cfg.Worker.Concurrency); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("save worker failed: %w", err)
		}
	}()
	log.Info().Int("concurrency", cfg.Worker.Concurrency).Msg("save-retry worker started")

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.HTTP.HealthPath, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle(cfg.HTTP.MetricsPath, promhttp.Handler())
	httpServer := &http.Server{
		Addr:              cfg.HTTP.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.HTTP.ListenAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("runtime error")
		cancel()
	}

	// Streams that are still in flight will not complete; drop them so no
	// stale streaming indicators survive into the next run.
	streamTransport.CancelAll()
	registry.Clear()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to stop http server")
	}

	log.Info().Msg("stopped")
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
