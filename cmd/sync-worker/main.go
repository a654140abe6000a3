package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"splitledger/internal/amqp"
	"splitledger/internal/config"
	"splitledger/internal/log"
	"splitledger/internal/outbox"
	"splitledger/internal/remote"
	syncpkg "splitledger/internal/sync"
)

func main() {
	// Load .env file for local development (ignore errors in production/docker)
	_ = godotenv.Load()

	logger := log.New(log.Config{
		Level:     log.LevelFromEnv(),
		Component: log.ComponentWorker,
	})
	log.SetDefault(logger)

	logger.Info("Starting sync-worker")

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Error("Configuration validation failed", log.FieldError, err)
		os.Exit(1)
	}

	store, err := outbox.NewStore(cfg.OutboxDBPath, cfg.DedupWindow, logger)
	if err != nil {
		logger.Error("Failed to open outbox", log.FieldError, err, "path", cfg.OutboxDBPath)
		os.Exit(1)
	}
	defer store.Close()

	submitter := remote.NewClient(cfg.RemoteBaseURL, cfg.SubmitTimeout, logger)

	coordConfig := syncpkg.Config{
		PollInterval:  cfg.SyncInterval,
		BatchSize:     cfg.SyncBatchSize,
		MaxRetries:    cfg.SyncMaxRetries,
		BackoffBase:   cfg.SyncBackoffBase,
		BackoffCap:    cfg.SyncBackoffCap,
		SubmitTimeout: cfg.SubmitTimeout,
	}
	defaults := syncpkg.DefaultConfig()
	coordConfig.StaleAfter = defaults.StaleAfter
	coordConfig.CleanupInterval = defaults.CleanupInterval
	coordConfig.CleanupAge = defaults.CleanupAge

	coordinator := syncpkg.NewCoordinator(store, submitter, coordConfig, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The poll loop drains on its own schedule; AMQP nudges just pull the
	// next drain forward. A dead broker degrades latency, not correctness.
	var amqpClient *amqp.Client
	if cfg.AMQPURL != "" {
		amqpClient, err = amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
		if err != nil {
			logger.Warn("AMQP unavailable, relying on polling only", log.FieldError, err)
		} else {
			defer amqpClient.Close()
			go func() {
				err := amqpClient.ConsumeOutboxQueued(ctx, func(msg *amqp.OutboxQueuedMessage) error {
					logger.Debug("Nudge received", log.FieldClientID, msg.ClientID, "kind", msg.Kind)
					if _, err := coordinator.SyncAll(ctx); err != nil && !errors.Is(err, syncpkg.ErrSyncInProgress) {
						return err
					}
					return nil
				})
				if err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("Nudge consumption failed", log.FieldError, err)
				}
			}()
		}
	}

	if err := coordinator.Start(ctx); err != nil {
		logger.Error("Failed to start coordinator", log.FieldError, err)
		os.Exit(1)
	}

	<-ctx.Done()
	logger.Info("Shutdown signal received")

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := coordinator.Stop(stopCtx); err != nil {
		logger.Error("Coordinator stop failed", log.FieldError, err)
	}
	logger.Info("Worker stopped gracefully")
}
