package main

import (
	"context"
	"time"

	"github.com/septivank/smartplug-ingest-worker/internal/config"
	"github.com/septivank/smartplug-ingest-worker/internal/db"
	"github.com/septivank/smartplug-ingest-worker/internal/liveness"
	"github.com/septivank/smartplug-ingest-worker/internal/metrics"
	"github.com/septivank/smartplug-ingest-worker/internal/mq"
	"github.com/septivank/smartplug-ingest-worker/internal/mqtt"
	"github.com/septivank/smartplug-ingest-worker/internal/repository"
	"github.com/septivank/smartplug-ingest-worker/internal/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func startWorker(
	lc fx.Lifecycle,
	shutdowner fx.Shutdowner,
	cfg *config.Config,
	logger *zap.Logger,
	store service.ReadingStore,
	subscriber *mqtt.Subscriber,
	ingestor *service.Ingestor,
	m *metrics.Metrics,
) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	var metricsServer *metrics.Server
	if cfg.ServicePort > 0 {
		metricsServer = metrics.NewServer(m, cfg.ServicePort, logger)
	}

	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			if err := store.EnsureSchema(startCtx); err != nil {
				return err
			}

			// broker outages, including at startup, surface on subscriber.Errors() and never stop the worker
			subscriber.Start()
			logger.Info("connecting to mqtt broker",
				zap.Strings("topics", subscriber.Topics()),
				zap.Duration("stale_threshold", cfg.Liveness.StaleThreshold),
				zap.Duration("poll_interval", cfg.Liveness.PollInterval))

			if metricsServer != nil {
				metricsServer.Start()
			}

			go func() {
				defer close(done)
				if err := ingestor.Run(ctx, subscriber); err != nil {
					logger.Error("ingestion loop stopped", zap.Error(err))
					if err := shutdowner.Shutdown(fx.ExitCode(1)); err != nil {
						logger.Error("failed to request shutdown", zap.Error(err))
					}
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
				logger.Warn("ingestion loop did not stop in time")
			}

			subscriber.Close()
			if metricsServer != nil {
				if err := metricsServer.Stop(stopCtx); err != nil {
					logger.Error("failed to stop metrics server", zap.Error(err))
				}
			}
			logger.Info("worker stopped gracefully")
			return nil
		},
	})
}

// ProvideReadingStore opens PostgreSQL when DATABASE_URL is set, SQLite otherwise
func ProvideReadingStore(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (service.ReadingStore, error) {
	if cfg.Database.URL != "" {
		pool, err := db.NewPool(lc, logger, cfg.Database.URL)
		if err != nil {
			return nil, err
		}
		return repository.NewPostgres(pool), nil
	}

	sqlDB, err := db.NewSQLite(lc, logger, cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	return repository.NewSQLite(sqlDB), nil
}

// ProvideTracker starts every configured device as freshly seen
func ProvideTracker(cfg *config.Config) (*liveness.Tracker, error) {
	tracker := liveness.New()
	if err := tracker.Initialize(cfg.Devices, time.Now()); err != nil {
		return nil, err
	}
	return tracker, nil
}

// ProvideMetrics creates the worker metrics registry
func ProvideMetrics() *metrics.Metrics {
	return metrics.New()
}

// ProvidePublisher returns nil when RABBITMQ_URL is unset, disabling reading events
func ProvidePublisher(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (service.EventPublisher, error) {
	if cfg.RabbitMQ.URL == "" {
		logger.Info("RABBITMQ_URL not set, reading events disabled")
		return nil, nil
	}

	conn, err := mq.NewConnection(lc, logger, cfg.RabbitMQ.URL)
	if err != nil {
		return nil, err
	}

	publisher, err := mq.NewPublisher(conn, cfg.RabbitMQ.WorkerExchange, cfg.RabbitMQ.WorkerRoutingKey, logger)
	if err != nil {
		return nil, err
	}

	// Appended after the connection hook, so it runs first on stop
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return publisher.Close()
		},
	})

	return publisher, nil
}

// ProvideSubscriber creates the MQTT subscriber for the tracked devices
func ProvideSubscriber(cfg *config.Config, logger *zap.Logger) *mqtt.Subscriber {
	return mqtt.NewSubscriber(cfg.MQTT, mqtt.NewClientID(cfg.ServiceName), cfg.Devices, logger)
}

// ProvideIngestor creates the ingestion loop
func ProvideIngestor(
	cfg *config.Config,
	store service.ReadingStore,
	tracker *liveness.Tracker,
	publisher service.EventPublisher,
	m *metrics.Metrics,
	logger *zap.Logger,
) *service.Ingestor {
	return service.NewIngestor(service.IngestorConfig{
		Store:          store,
		Tracker:        tracker,
		Publisher:      publisher,
		Metrics:        m,
		Logger:         logger,
		StaleThreshold: cfg.Liveness.StaleThreshold,
		PollInterval:   cfg.Liveness.PollInterval,
	})
}
