// Package main provides the entry point for the paper pipeline service.
// One process hosts the REST API, the stage listeners, and the reaper;
// competing instances coordinate through the consumer group and the
// reaper's advisory lock.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/helixir/paper-pipeline-service/internal/config"
	"github.com/helixir/paper-pipeline-service/internal/database"
	"github.com/helixir/paper-pipeline-service/internal/domain"
	"github.com/helixir/paper-pipeline-service/internal/messaging"
	"github.com/helixir/paper-pipeline-service/internal/observability"
	"github.com/helixir/paper-pipeline-service/internal/pipeline"
	"github.com/helixir/paper-pipeline-service/internal/reaper"
	"github.com/helixir/paper-pipeline-service/internal/repository"
	httpserver "github.com/helixir/paper-pipeline-service/internal/server/http"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration.
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Set up structured logging.
	logger := observability.NewLogger(observability.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		AddSource:  cfg.Logging.AddSource,
		TimeFormat: cfg.Logging.TimeFormat,
	})
	logger = logger.With().Str("component", "server").Logger()
	logger.Info().Msg("paper-pipeline-service starting")

	// Set up context with graceful shutdown via OS signals.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect to PostgreSQL.
	db, err := database.New(ctx, &cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()
	logger.Info().Msg("database connection established")

	// Run migrations if configured.
	if cfg.Database.MigrationAutoRun {
		migrator, err := database.NewMigrator(db, cfg.Database.MigrationPath, logger)
		if err != nil {
			return fmt.Errorf("create migrator: %w", err)
		}
		defer func() {
			if closeErr := migrator.Close(); closeErr != nil {
				logger.Error().Err(closeErr).Msg("failed to close migrator")
			}
		}()

		if err := migrator.Up(); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
	}

	// Metrics registry shared by the publisher, listeners, and reaper.
	var metrics *observability.Metrics
	if cfg.Metrics.Enabled {
		metrics = observability.NewMetrics("paper_pipeline")
	}

	// Create repositories.
	operationRepo := repository.NewPgOperationRepository(db)
	documentRepo := repository.NewPgDocumentRepository(db)

	// Set up the message channel: topics, publisher, and per-stage
	// listeners.
	topics := messaging.NewTopics(cfg.Kafka.TopicPrefix)
	if cfg.Kafka.AutoCreateTopics {
		if err := messaging.EnsureTopics(ctx, cfg.Kafka.Brokers, topics.All(),
			cfg.Kafka.NumPartitions, cfg.Kafka.ReplicationFactor); err != nil {
			return fmt.Errorf("ensure topics: %w", err)
		}
		logger.Info().Int("topics", len(topics.All())).Msg("stage topics ensured")
	}

	publisher := messaging.NewPublisher(messaging.PublisherConfig{
		Brokers:                cfg.Kafka.Brokers,
		BatchSize:              cfg.Kafka.BatchSize,
		BatchTimeout:           cfg.Kafka.BatchTimeout,
		RateLimit:              cfg.Pipeline.PublishRateLimit,
		Burst:                  cfg.Pipeline.PublishBurst,
		AllowAutoTopicCreation: cfg.Kafka.AutoCreateTopics,
	}, metrics, logger)
	defer func() {
		if closeErr := publisher.Close(); closeErr != nil {
			logger.Error().Err(closeErr).Msg("failed to close publisher")
		}
	}()

	// Create the pipeline service.
	svc := pipeline.NewService(
		db,
		operationRepo,
		documentRepo,
		publisher,
		topics,
		pipeline.Config{DefaultMaxResults: cfg.Pipeline.DefaultMaxResults},
		metrics,
		logger,
	)

	// One listener per stage result topic. Every listener shares the
	// consumer group so competing instances split partitions.
	listeners := make([]*messaging.Listener, 0, len(domain.AllStages))
	for stage, handler := range svc.CompletedHandlers() {
		l := messaging.NewListener(messaging.ListenerConfig{
			Brokers:         cfg.Kafka.Brokers,
			Topic:           topics.Completed(stage),
			GroupID:         cfg.Kafka.ConsumerGroup,
			Workers:         cfg.Pipeline.ListenerWorkers,
			MaxAttempts:     cfg.Pipeline.MaxAttempts,
			DeadLetterTopic: topics.DeadLetter(),
		}, handler, publisher, metrics, logger)
		listeners = append(listeners, l)
	}

	// Channel to collect server errors.
	errCh := make(chan error, len(listeners)+3)

	for _, l := range listeners {
		l := l
		go func() {
			if err := l.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("listener error: %w", err)
			}
		}()
	}

	// Start the stale operation reaper.
	if cfg.Reaper.Enabled {
		r := reaper.New(operationRepo, db, reaper.Config{
			Interval:   cfg.Reaper.Interval,
			StaleAfter: cfg.Reaper.StaleAfter,
			BatchSize:  cfg.Reaper.BatchSize,
		}, metrics, logger)
		go func() {
			if err := r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("reaper error: %w", err)
			}
		}()
	}

	// Create the HTTP REST API server.
	httpCfg := httpserver.Config{
		Address:         cfg.Server.HTTPAddress(),
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}
	httpSrv := httpserver.NewServer(httpCfg, svc, db, logger)

	go func() {
		logger.Info().
			Str("address", httpCfg.Address).
			Msg("HTTP server starting")
		if err := httpSrv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	// Set up Prometheus metrics handler on a separate port if configured.
	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metricsMux := http.NewServeMux()
		metricsMux.Handle(cfg.Metrics.Path, promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress(),
			Handler:      metricsMux,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		}
		go func() {
			logger.Info().
				Str("address", metricsServer.Addr).
				Msg("metrics server starting")
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server error: %w", err)
			}
		}()
	}

	readyLog := logger.Info().
		Str("http_address", httpCfg.Address).
		Int("listeners", len(listeners))
	if metricsServer != nil {
		readyLog = readyLog.Str("metrics_address", metricsServer.Addr)
	}
	readyLog.Msg("paper-pipeline-service is ready")

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
		logger.Info().Msg("received shutdown signal")
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error")
		return err
	}

	// Graceful shutdown.
	logger.Info().Msg("shutting down paper-pipeline-service")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Shut down HTTP server with timeout.
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// Shut down metrics server if running.
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("metrics server shutdown error")
		}
	}

	// Stop the listeners. Run has already returned once ctx is cancelled;
	// Close releases the underlying readers.
	for _, l := range listeners {
		if err := l.Close(); err != nil {
			logger.Error().Err(err).Msg("listener close error")
		}
	}

	logger.Info().Msg("paper-pipeline-service stopped")
	return nil
}
