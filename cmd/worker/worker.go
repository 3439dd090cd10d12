package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/septivank/climate-stream-worker/internal/buffer"
	"github.com/septivank/climate-stream-worker/internal/config"
	"github.com/septivank/climate-stream-worker/internal/db"
	"github.com/septivank/climate-stream-worker/internal/enrich"
	"github.com/septivank/climate-stream-worker/internal/metrics"
	"github.com/septivank/climate-stream-worker/internal/mq"
	"github.com/septivank/climate-stream-worker/internal/repository"
	"github.com/septivank/climate-stream-worker/internal/service"
	"github.com/septivank/climate-stream-worker/internal/sink"
	"github.com/septivank/climate-stream-worker/internal/solar"
	"github.com/septivank/climate-stream-worker/internal/validator"
)

func startPump(
	lc fx.Lifecycle,
	shutdowner fx.Shutdowner,
	cfg *config.Config,
	pump *service.StreamPump,
	server *metrics.Server,
	logger *zap.Logger,
) {
	// Context for the pump loop, cancelled on shutdown
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			logger.Info("starting stream pump",
				zap.String("source", cfg.SourceDriver),
				zap.String("sink", cfg.SinkDriver),
				zap.Duration("poll_timeout", cfg.PollTimeout),
			)
			go func() {
				defer close(done)
				if err := pump.Run(ctx); err != nil {
					logger.Error("stream pump failed, shutting down", zap.Error(err))
					if err := shutdowner.Shutdown(fx.ExitCode(1)); err != nil {
						logger.Error("failed to request shutdown", zap.Error(err))
					}
				}
			}()
			server.MarkReady()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
				logger.Info("worker stopped gracefully", zap.Any("stats", pump.Stats()))
				return nil
			case <-stopCtx.Done():
				return fmt.Errorf("stream pump did not stop in time: %w", stopCtx.Err())
			}
		},
	})
}

// ProvideMetrics creates the Prometheus collectors
func ProvideMetrics() *metrics.Metrics {
	return metrics.New()
}

// ProvideMetricsServer creates the /metrics and /healthz server
func ProvideMetricsServer(lc fx.Lifecycle, cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) *metrics.Server {
	server := metrics.NewServer(cfg.ServicePort, m, logger)
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return server.Start()
		},
		OnStop: func(ctx context.Context) error {
			return server.Stop(ctx)
		},
	})
	return server
}

// ProvideMQConnection dials RabbitMQ when a RabbitMQ URL is configured.
// It returns nil otherwise.
func ProvideMQConnection(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*mq.Connection, error) {
	if cfg.RabbitMQ.URL == "" {
		return nil, nil
	}
	return mq.NewConnection(lc, logger, cfg.RabbitMQ.URL)
}

// ProvideSource creates the message source selected by SOURCE_DRIVER
func ProvideSource(lc fx.Lifecycle, cfg *config.Config, conn *mq.Connection, logger *zap.Logger) (mq.Source, error) {
	var source mq.Source

	switch cfg.SourceDriver {
	case config.SourceRabbitMQ:
		rabbit, err := mq.NewRabbitSource(mq.RabbitSourceConfig{
			Connection:     conn,
			Queue:          cfg.RabbitMQ.Queue,
			Exchange:       cfg.RabbitMQ.Exchange,
			RoutingKey:     cfg.RabbitMQ.RoutingKey,
			MaxPollRecords: cfg.RabbitMQ.PrefetchCount,
			Logger:         logger,
		})
		if err != nil {
			return nil, fmt.Errorf("[RABBITMQ] failed to start consumer: %w", err)
		}
		source = rabbit
	default:
		logger.Info("creating kafka consumer",
			zap.Strings("brokers", cfg.Kafka.Brokers),
			zap.String("topic", cfg.Kafka.Topic),
			zap.String("group_id", cfg.Kafka.GroupID),
		)
		kafkaSource, err := mq.NewKafkaSource(mq.KafkaSourceConfig{
			Brokers:        cfg.Kafka.Brokers,
			Topic:          cfg.Kafka.Topic,
			GroupID:        cfg.Kafka.GroupID,
			MaxPollRecords: cfg.Kafka.MaxPollRecords,
			FetchMaxBytes:  cfg.Kafka.FetchMaxBytes,
			FetchMaxWait:   cfg.Kafka.FetchMaxWait,
			Logger:         logger,
		})
		if err != nil {
			return nil, fmt.Errorf("[KAFKA] failed to create consumer: %w", err)
		}
		source = kafkaSource
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			if err := source.Close(); err != nil {
				logger.Error("failed to close message source", zap.Error(err))
				return err
			}
			logger.Info("message source closed")
			return nil
		},
	})

	return source, nil
}

// ProvideRejectPublisher creates the publisher for skipped payloads when a
// reject exchange is configured. It returns nil otherwise.
func ProvideRejectPublisher(lc fx.Lifecycle, cfg *config.Config, conn *mq.Connection, logger *zap.Logger) (service.RejectPublisher, error) {
	if cfg.RabbitMQ.RejectExchange == "" {
		return nil, nil
	}

	publisher, err := mq.NewPublisher(conn, cfg.RabbitMQ.RejectExchange, logger)
	if err != nil {
		return nil, fmt.Errorf("[RABBITMQ] failed to create reject publisher: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return publisher.Close()
		},
	})
	return publisher, nil
}

// ProvideDestination creates the destination selected by SINK_DRIVER. The
// index or table is bootstrapped when the app starts.
func ProvideDestination(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) (sink.Destination, error) {
	switch cfg.SinkDriver {
	case config.SinkPostgres:
		pool, err := db.NewPool(lc, logger, db.PoolConfig{
			URL:             cfg.Database.URL,
			MaxConns:        cfg.Database.MaxConns,
			MinConns:        cfg.Database.MinConns,
			MaxConnIdleTime: cfg.Database.MaxConnIdleTime,
			ApplicationName: cfg.ServiceName,
		})
		if err != nil {
			return nil, err
		}
		repo := repository.NewReadingRepository(pool, cfg.Database.Table)
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				if err := repo.EnsureIndex(ctx); err != nil {
					return fmt.Errorf("[DATABASE] failed to create table %s: %w", cfg.Database.Table, err)
				}
				logger.Info("destination table ready", zap.String("table", cfg.Database.Table))
				return nil
			},
		})
		return repo, nil
	default:
		dest, err := sink.NewElasticDestination(sink.ElasticConfig{
			Address:  cfg.Elasticsearch.Address(),
			Username: cfg.Elasticsearch.User,
			Password: cfg.Elasticsearch.Password,
			Index:    cfg.Elasticsearch.Index,
			Shards:   cfg.Elasticsearch.Shards,
			Replicas: cfg.Elasticsearch.Replicas,
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
		dest.RegisterLifecycle(lc)
		return dest, nil
	}
}

// ProvideIndexSink wraps the destination with the retry policy
func ProvideIndexSink(dest sink.Destination, cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) *sink.IndexSink {
	return sink.NewIndexSink(dest, cfg.Sink.RetryBackoff, cfg.Sink.MaxRetries, m, logger)
}

// ProvideLocation resolves the configured timezone
func ProvideLocation(cfg *config.Config) (*time.Location, error) {
	return cfg.Enrichment.Location()
}

// ProvideValidator creates a new validator instance
func ProvideValidator(cfg *config.Config, loc *time.Location) *validator.Validator {
	return validator.NewValidator(loc, cfg.Enrichment.BinSize)
}

// ProvideEnricher creates the enricher with its day/night calculator
func ProvideEnricher(cfg *config.Config, loc *time.Location, logger *zap.Logger) *enrich.Enricher {
	calc := solar.NewCalculator(cfg.Enrichment.Latitude, cfg.Enrichment.Longitude, loc)
	return enrich.NewEnricher(cfg.Enrichment.BinSize, loc, calc, logger)
}

// ProvideBatchBuffer creates the buffer with the configured flush policy
func ProvideBatchBuffer(cfg *config.Config) *buffer.BatchBuffer {
	return buffer.NewBatchBuffer(cfg.Batch.MinRecords, cfg.Batch.MaxWait)
}

// ProvideStreamPump assembles the pump
func ProvideStreamPump(
	cfg *config.Config,
	source mq.Source,
	v *validator.Validator,
	buf *buffer.BatchBuffer,
	enricher *enrich.Enricher,
	indexSink *sink.IndexSink,
	rejects service.RejectPublisher,
	m *metrics.Metrics,
	logger *zap.Logger,
) *service.StreamPump {
	return service.NewStreamPump(service.PumpConfig{
		Source:      source,
		Validator:   v,
		Buffer:      buf,
		Enricher:    enricher,
		Sink:        indexSink,
		Rejects:     rejects,
		Metrics:     m,
		PollTimeout: cfg.PollTimeout,
		Logger:      logger,
	})
}
