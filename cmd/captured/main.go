package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"splitledger/internal/amqp"
	"splitledger/internal/config"
	apphttp "splitledger/internal/http"
	"splitledger/internal/log"
	"splitledger/internal/outbox"
	"splitledger/internal/remote"
	"splitledger/internal/services"
)

func main() {
	// Load .env file for local development (ignore errors in production/docker)
	_ = godotenv.Load()

	logger := log.New(log.Config{
		Level:     log.LevelFromEnv(),
		Component: log.ComponentCapture,
	})
	log.SetDefault(logger)

	logger.Info("Starting captured")

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

	// The nudge channel is best-effort: without a broker, queued mutations
	// wait for the sync worker's next poll.
	var nudger services.Nudger
	if cfg.AMQPURL != "" {
		amqpClient, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
		if err != nil {
			logger.Warn("AMQP unavailable, relying on sync polling only", log.FieldError, err)
		} else {
			defer amqpClient.Close()
			nudger = amqpClient
		}
	}

	capture := services.NewCaptureService(store, submitter, nudger, cfg.SubmitTimeout, logger)

	srv := apphttp.NewCaptureServer(":"+cfg.CapturePort, capture, store, logger)
	srv.ReadTimeout = 10 * time.Second
	srv.WriteTimeout = 10 * time.Second
	srv.IdleTimeout = 60 * time.Second

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		logger.Info("Serving capture API", "port", cfg.CapturePort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	group.Go(func() error {
		<-ctx.Done()
		logger.Info("Shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		logger.Error("Server error", log.FieldError, err)
		os.Exit(1)
	}
	logger.Info("Capture server stopped gracefully")
}
