/**
 * Drawings annotation worker entry point.
 *
 * Wires the record store, crop locks, collaborator clients, the HTTP API
 * and the optional background queue consumer, then serves until SIGTERM.
 */

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/scopebuilder/drawings-worker/internal/api"
	"github.com/scopebuilder/drawings-worker/internal/clients"
	"github.com/scopebuilder/drawings-worker/internal/config"
	"github.com/scopebuilder/drawings-worker/internal/locks"
	"github.com/scopebuilder/drawings-worker/internal/logging"
	"github.com/scopebuilder/drawings-worker/internal/pdfinfo"
	"github.com/scopebuilder/drawings-worker/internal/processor"
	"github.com/scopebuilder/drawings-worker/internal/queue"
	"github.com/scopebuilder/drawings-worker/internal/storage"
)

func main() {
	logger := logging.NewLogger("Main")

	if err := godotenv.Load(); err != nil {
		logger.Info("No .env file found, using environment variables")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	store, closeStore, err := buildStore(cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize record store", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	locker, closeLocker, err := buildLocker(cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize crop locks", "error", err)
		os.Exit(1)
	}
	defer closeLocker()

	detector := clients.NewDetectorClient(cfg.DetectorURL, cfg.ExternalRetries)
	renderer := clients.NewRendererClient(cfg.RendererURL, cfg.ExternalRetries)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := detector.HealthCheck(ctx); err != nil {
		logger.Warn("Detector service not reachable", "url", cfg.DetectorURL, "error", err)
	}
	if err := renderer.HealthCheck(ctx); err != nil {
		logger.Warn("Renderer service not reachable", "url", cfg.RendererURL, "error", err)
	}
	cancel()

	reader, err := buildReader(cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize text reader", "error", err)
		os.Exit(1)
	}

	proc := processor.New(store, locker, detector, reader, renderer,
		pdfinfo.PageCount, cfg.PageDPI, cfg.ThumbnailDPI)

	var queueClient *queue.Client
	var consumer *queue.Consumer
	if cfg.RedisURL != "" {
		queueClient, err = queue.NewClient(cfg.RedisURL, cfg.QueueName)
		if err != nil {
			logger.Error("Failed to create queue client", "error", err)
			os.Exit(1)
		}
		defer queueClient.Close()

		consumer, err = queue.NewConsumer(cfg.RedisURL, cfg.QueueName, cfg.WorkerConcurrency, proc)
		if err != nil {
			logger.Error("Failed to create queue consumer", "error", err)
			os.Exit(1)
		}
		if err := consumer.Start(); err != nil {
			logger.Error("Failed to start queue consumer", "error", err)
			os.Exit(1)
		}
		defer consumer.Shutdown()
	}

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: api.NewServer(proc, store, queueClient, cfg).Handler(),
	}

	go func() {
		logger.Info("HTTP API listening", "addr", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Received shutdown signal", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown failed", "error", err)
	}
	logger.Info("Worker stopped")
}

// buildStore selects the Postgres store when DATABASE_URL is set and the
// file store otherwise.
func buildStore(cfg *config.Config, logger *logging.Logger) (storage.Store, func(), error) {
	if cfg.DatabaseURL != "" {
		pg, err := storage.NewPostgresStore(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("Using PostgreSQL record store")
		return pg, func() { pg.Close() }, nil
	}

	fs, err := storage.NewFileStore(cfg.DataDir)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("Using file record store", "dir", cfg.DataDir)
	return fs, func() {}, nil
}

// buildLocker selects Redis-backed crop locks when REDIS_URL is set, so
// multiple worker replicas serialize saves of the same crop.
func buildLocker(cfg *config.Config, logger *logging.Logger) (locks.Locker, func(), error) {
	if cfg.RedisURL != "" {
		rl, err := locks.NewRedisLocker(cfg.RedisURL, 30*time.Second)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("Using Redis crop locks")
		return rl, func() { rl.Close() }, nil
	}
	logger.Info("Using in-process crop locks")
	return locks.NewLocalLocker(), func() {}, nil
}

// buildReader prefers the hosted read service and falls back to local
// Tesseract when none is configured.
func buildReader(cfg *config.Config, logger *logging.Logger) (processor.TextReader, error) {
	if cfg.ReaderURL != "" {
		logger.Info("Using hosted text reader", "url", cfg.ReaderURL)
		return clients.NewReaderClient(cfg.ReaderURL, cfg.ReaderKey, cfg.ExternalRetries,
			time.Duration(cfg.OCRPollIntervalMs)*time.Millisecond,
			time.Duration(cfg.OCRMaxWaitMs)*time.Millisecond), nil
	}
	logger.Info("Using local Tesseract text reader", "path", cfg.TesseractPath)
	return processor.NewTesseractReader(cfg.TesseractPath)
}
