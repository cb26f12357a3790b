package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/septivank/water-metering-portal/internal/anomaly"
	"github.com/septivank/water-metering-portal/internal/api"
	"github.com/septivank/water-metering-portal/internal/artifact"
	"github.com/septivank/water-metering-portal/internal/billing"
	"github.com/septivank/water-metering-portal/internal/clock"
	"github.com/septivank/water-metering-portal/internal/config"
	"github.com/septivank/water-metering-portal/internal/db"
	"github.com/septivank/water-metering-portal/internal/metrics"
	"github.com/septivank/water-metering-portal/internal/mq"
	"github.com/septivank/water-metering-portal/internal/rate"
	"github.com/septivank/water-metering-portal/internal/repository"
	"github.com/septivank/water-metering-portal/internal/service"
	"github.com/septivank/water-metering-portal/internal/validator"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// ProvideDBPool creates a new database pool instance
func ProvideDBPool(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*db.Pool, error) {
	return db.NewPool(lc, logger, cfg.Database.URL)
}

// ProvideStore exposes the Postgres repository as the service's store
func ProvideStore(pool *db.Pool) repository.Store {
	return repository.NewRepository(pool)
}

// ProvideArtifactStore selects photo and proof storage by ARTIFACT_BACKEND
func ProvideArtifactStore(cfg *config.Config, logger *zap.Logger) (artifact.Store, error) {
	switch cfg.Artifact.Backend {
	case "s3":
		store, err := artifact.NewS3(cfg.Artifact.S3Bucket, cfg.Artifact.S3Region)
		if err != nil {
			return nil, fmt.Errorf("failed to create s3 artifact store: %w", err)
		}
		logger.Info("artifact storage: s3", zap.String("bucket", cfg.Artifact.S3Bucket))
		return store, nil
	case "memory":
		logger.Warn("artifact storage: memory, uploads are lost on restart")
		return artifact.NewMemory(), nil
	default:
		logger.Info("artifact storage: disk", zap.String("base_dir", cfg.Artifact.BaseDir))
		return artifact.NewDisk(cfg.Artifact.BaseDir), nil
	}
}

// ProvideMetricsRegistry creates the registry served on /metrics
func ProvideMetricsRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return registry
}

func ProvideMetrics(registry *prometheus.Registry, cfg *config.Config) *metrics.Metrics {
	return metrics.New(registry, cfg.ServiceName)
}

// ProvideRateModel creates the rate model. An unset BILLING_UNIT_RATE is
// allowed at startup; submissions then fail with rate unavailable.
func ProvideRateModel(cfg *config.Config, logger *zap.Logger) *rate.Model {
	model := rate.NewModel(cfg.Billing.UnitRate, cfg.Billing.Currency)
	if _, err := model.UnitRate(); err != nil {
		logger.Warn("unit rate is not configured", zap.Error(err))
	}
	return model
}

func ProvideGenerator(model *rate.Model, cfg *config.Config) *billing.Generator {
	return billing.NewGenerator(model, cfg.Billing.GracePeriod())
}

// ProvideAnomalyDetector creates a new anomaly detector instance
func ProvideAnomalyDetector(cfg *config.Config) *anomaly.Detector {
	return anomaly.NewDetector(cfg.Anomaly.SpikeThreshold, cfg.Anomaly.MinDataPointsForDetection)
}

// ProvideValidator creates a new validator instance
func ProvideValidator(cfg *config.Config) *validator.Validator {
	return validator.NewValidator(cfg.Validation.TimestampToleranceMinutes)
}

// ProvideMQConnection creates a new RabbitMQ connection instance
func ProvideMQConnection(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*mq.Connection, error) {
	return mq.NewConnection(lc, logger, cfg.RabbitMQ.URL)
}

// ProvidePublisher creates the billing events publisher
func ProvidePublisher(lc fx.Lifecycle, conn *mq.Connection, cfg *config.Config, logger *zap.Logger) (*mq.Publisher, error) {
	publisher, err := mq.NewPublisher(conn, cfg.RabbitMQ.EventsExchange, logger)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return publisher.Close()
		},
	})
	return publisher, nil
}

func ProvideBillingService(
	store repository.Store,
	artifacts artifact.Store,
	publisher *mq.Publisher,
	generator *billing.Generator,
	detector *anomaly.Detector,
	m *metrics.Metrics,
	cfg *config.Config,
	logger *zap.Logger,
) *service.BillingService {
	return service.NewBillingService(store, artifacts, publisher, generator, detector, clock.Real{}, m, logger, service.Options{
		OperationTimeout: cfg.Billing.OperationTimeout,
		UploadPolicy:     artifact.ImagePolicy(cfg.Artifact.MaxUploadBytes),
		HistoryWindow:    cfg.Anomaly.HistoryWindow,
	})
}

// ProvideProcessorService creates a new processor service instance
func ProvideProcessorService(billingService *service.BillingService, v *validator.Validator, logger *zap.Logger) *service.ProcessorService {
	return service.NewProcessorService(billingService, v, clock.Real{}, logger)
}

func ProvideHandler(billingService *service.BillingService, cfg *config.Config, logger *zap.Logger) *api.Handler {
	return &api.Handler{
		Service:        billingService,
		Logger:         logger,
		MaxUploadBytes: cfg.Artifact.MaxUploadBytes,
	}
}

func startIngestConsumer(
	lc fx.Lifecycle,
	conn *mq.Connection,
	cfg *config.Config,
	logger *zap.Logger,
	processor *service.ProcessorService,
	m *metrics.Metrics,
) (*mq.Consumer, error) {
	// Cancelled on shutdown
	ctx, cancel := context.WithCancel(context.Background())

	consumer, err := mq.NewConsumer(mq.ConsumerConfig{
		Connection:    conn,
		Queue:         cfg.RabbitMQ.IngestQueue,
		DLQQueue:      cfg.RabbitMQ.DLQQueue,
		Exchange:      cfg.RabbitMQ.IngestExchange,
		RoutingKey:    cfg.RabbitMQ.IngestRoutingKey,
		PrefetchCount: cfg.RabbitMQ.PrefetchCount,
		Logger:        logger,
		Handler:       processor.ProcessMessage,
		OnOutcome:     m.ObserveIngest,
	})
	if err != nil {
		cancel()
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			logger.Info("starting ingest consumer",
				zap.String("queue", cfg.RabbitMQ.IngestQueue),
				zap.Int("prefetch", cfg.RabbitMQ.PrefetchCount))
			return consumer.Start(ctx)
		},
		OnStop: func(context.Context) error {
			cancel()
			if err := consumer.Close(); err != nil {
				logger.Error("failed to close consumer", zap.Error(err))
				return err
			}
			logger.Info("ingest consumer stopped gracefully")
			return nil
		},
	})

	return consumer, nil
}

func startHTTPServer(
	lc fx.Lifecycle,
	h *api.Handler,
	registry *prometheus.Registry,
	cfg *config.Config,
	logger *zap.Logger,
) *http.Server {
	srv := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.ServicePort),
		Handler: api.NewRouter(h, api.RouterConfig{
			AllowedOrigins: cfg.HTTP.AllowedOrigins,
			Gatherer:       registry,
			Logger:         logger,
		}),
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", srv.Addr, err)
			}
			logger.Info("portal API listening", zap.String("addr", srv.Addr))
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("portal API stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, cfg.HTTP.ShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})

	return srv
}
