// Package pipeline wires the ingestion components into a runnable instance:
// consumer, batching, schema management, the table writer, checkpointing,
// dead-lettering and the metrics endpoint.
package pipeline

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/streamhaus/lakesink/pkg/batch"
	"github.com/streamhaus/lakesink/pkg/checkpoint"
	"github.com/streamhaus/lakesink/pkg/config"
	"github.com/streamhaus/lakesink/pkg/consumer"
	"github.com/streamhaus/lakesink/pkg/deadletter"
	"github.com/streamhaus/lakesink/pkg/errors"
	"github.com/streamhaus/lakesink/pkg/metrics"
	"github.com/streamhaus/lakesink/pkg/resilience"
	"github.com/streamhaus/lakesink/pkg/schema"
	"github.com/streamhaus/lakesink/pkg/storage"
	"github.com/streamhaus/lakesink/pkg/writer"
)

// Pipeline is one fully wired ingestion instance. Instances are independent;
// nothing here is process-global, so tests and multi-tenant processes can run
// several side by side.
type Pipeline struct {
	config      *config.Config
	logger      *zap.Logger
	consumer    *consumer.Consumer
	backend     storage.Backend
	deadLetters deadletter.Sink
	checkpoints *checkpoint.FileStore
	metricsSrv  *http.Server
}

// New assembles a pipeline from configuration.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Pipeline, error) {
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	backend, err := storage.NewS3Backend(ctx, storage.S3Config{
		Bucket:          cfg.Storage.Bucket,
		Prefix:          cfg.Storage.Prefix,
		Region:          cfg.Storage.Region,
		Endpoint:        cfg.Storage.Endpoint,
		AccessKeyID:     cfg.Storage.AccessKeyID,
		SecretAccessKey: cfg.Storage.SecretAccessKey,
		ForcePathStyle:  cfg.Storage.ForcePathStyle,
	}, logger)
	if err != nil {
		return nil, err
	}

	deadLetters, err := deadletter.NewKafkaSink(deadletter.KafkaSinkConfig{
		Brokers:       cfg.Kafka.Brokers,
		Topic:         cfg.DeadLetter.Topic,
		RatePerMinute: cfg.DeadLetter.RatePerMinute,
		FallbackPath:  cfg.DeadLetter.FallbackPath,
	}, logger)
	if err != nil {
		backend.Close()
		return nil, err
	}

	checkpoints, err := checkpoint.NewFileStore(cfg.Checkpoint.Path, logger)
	if err != nil {
		backend.Close()
		deadLetters.Close()
		return nil, err
	}
	if _, err := checkpoints.Load(); err != nil {
		backend.Close()
		deadLetters.Close()
		return nil, err
	}

	schemas := schema.NewManager(backend, schema.ManagerConfig{
		CacheTTL:     cfg.Schema.CacheTTL.Std(),
		CacheMaxSize: cfg.Schema.CacheMaxSize,
	}, logger)

	breaker := resilience.NewCircuitBreaker(resilience.BreakerConfig{
		FailureThreshold: cfg.Resilience.FailureThreshold,
		Timeout:          cfg.Resilience.BreakerTimeout.Std(),
	}, logger)

	tableWriter := writer.New(backend, schemas, deadLetters, writer.Config{
		SchemaRetries: cfg.Schema.SchemaRetries,
		RetryPolicy: resilience.RetryPolicy{
			MaxAttempts:  cfg.Resilience.MaxAttempts,
			InitialDelay: cfg.Resilience.InitialDelay.Std(),
			MaxDelay:     cfg.Resilience.MaxDelay.Std(),
			Base:         2.0,
			Jitter:       0.2,
		},
		Breaker: breaker,
	}, collector, logger)

	streamConsumer, err := consumer.New(consumer.Config{
		Brokers:              cfg.Kafka.Brokers,
		Topics:               cfg.Kafka.Topics,
		GroupID:              cfg.Kafka.GroupID,
		MaxMessageBytes:      cfg.Kafka.MaxMessageBytes,
		StaleThreshold:       cfg.Kafka.StaleThreshold.Std(),
		MaxConsecutiveErrors: cfg.Kafka.MaxConsecutiveErrors,
		CheckpointInterval:   cfg.Checkpoint.CommitInterval.Std(),
		FlushInterval:        cfg.Batch.FlushInterval.Std(),
		ShutdownGrace:        cfg.Kafka.ShutdownGrace.Std(),
		Batch: batch.Config{
			MaxRecords: cfg.Batch.MaxRecords,
			MaxWait:    cfg.Batch.MaxWait.Std(),
		},
	}, consumer.Dependencies{
		Writer:      tableWriter,
		Checkpoints: checkpoints,
		DeadLetters: deadLetters,
		Metrics:     collector,
		Logger:      logger,
	})
	if err != nil {
		backend.Close()
		deadLetters.Close()
		return nil, err
	}

	p := &Pipeline{
		config:      cfg,
		logger:      logger.With(zap.String("component", "pipeline")),
		consumer:    streamConsumer,
		backend:     backend,
		deadLetters: deadLetters,
		checkpoints: checkpoints,
	}

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		p.metricsSrv = &http.Server{
			Addr:              cfg.Metrics.Address,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	return p, nil
}

// Run consumes until the context is cancelled, then shuts down in order:
// consumer drain, final checkpoint commit, producer and backend close.
func (p *Pipeline) Run(ctx context.Context) error {
	if p.metricsSrv != nil {
		go func() {
			p.logger.Info("metrics endpoint listening", zap.String("address", p.metricsSrv.Addr))
			if err := p.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				p.logger.Error("metrics endpoint failed", zap.Error(err))
			}
		}()
	}

	p.logger.Info("pipeline starting",
		zap.Strings("topics", p.config.Kafka.Topics),
		zap.String("group", p.config.Kafka.GroupID),
		zap.String("bucket", p.config.Storage.Bucket))

	runErr := p.consumer.Run(ctx)

	if err := p.shutdown(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func (p *Pipeline) shutdown() error {
	p.logger.Info("pipeline shutting down")

	var firstErr error
	record := func(err error, msg string) {
		if err == nil {
			return
		}
		p.logger.Error(msg, zap.Error(err))
		if firstErr == nil {
			firstErr = errors.Wrap(err, errors.ErrorTypeInternal, msg)
		}
	}

	record(p.consumer.Close(), "consumer close failed")
	record(p.checkpoints.Commit(), "final checkpoint commit failed")
	record(p.deadLetters.Close(), "dead-letter sink close failed")
	record(p.backend.Close(), "storage backend close failed")

	if p.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		record(p.metricsSrv.Shutdown(ctx), "metrics endpoint shutdown failed")
	}

	p.logger.Info("pipeline stopped")
	return firstErr
}
