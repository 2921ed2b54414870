// Package bootstrap builds the clients the service binaries share from the
// loaded configuration.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/cuongbtq/simple-ocr/internal/config"
	"github.com/cuongbtq/simple-ocr/internal/content"
	"github.com/cuongbtq/simple-ocr/internal/worker/events"
	"github.com/cuongbtq/simple-ocr/internal/worker/metrics"
	"github.com/cuongbtq/simple-ocr/internal/worker/tracker"
	"github.com/cuongbtq/simple-ocr/shared/kafka"
	"github.com/cuongbtq/simple-ocr/shared/logger"
	"github.com/cuongbtq/simple-ocr/shared/postgresql"
	"github.com/cuongbtq/simple-ocr/shared/rabbitmq"
	"github.com/cuongbtq/simple-ocr/shared/redis"
)

// Closer releases whatever a constructor opened
type Closer func() error

func noopClose() error { return nil }

// InitLogger initializes and configures the application logger
func InitLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableSource,
		TimeFormat:   cfg.TimeFormat,
		NoColor:      cfg.NoColor,
	})
}

// RabbitMQConfig maps the file config onto the client config
func RabbitMQConfig(cfg *config.RabbitMQConfig) *rabbitmq.Config {
	return &rabbitmq.Config{
		Host:                 cfg.Host,
		Port:                 cfg.Port,
		User:                 cfg.User,
		Password:             cfg.Password,
		VHost:                cfg.VHost,
		ExchangeName:         cfg.Exchange.Name,
		ExchangeType:         cfg.Exchange.Type,
		ExchangeDurable:      cfg.Exchange.Durable,
		ExchangeAutoDelete:   cfg.Exchange.AutoDelete,
		QueueName:            cfg.Queues.Jobs.Name,
		QueueDurable:         cfg.Queues.Durable,
		QueueAutoDelete:      cfg.Queues.AutoDelete,
		QueueExclusive:       cfg.Queues.Exclusive,
		QueueMaxPriority:     cfg.MaxPriority,
		RoutingKey:           cfg.Queues.Jobs.RoutingKey,
		RetryQueueName:       cfg.Queues.Retry.Name,
		RetryRoutingKey:      cfg.Queues.Retry.RoutingKey,
		RetryTiers:           cfg.RetryTiers,
		DeadLetterQueueName:  cfg.Queues.DeadLetter.Name,
		DeadLetterRoutingKey: cfg.Queues.DeadLetter.RoutingKey,
		RetryAttempts:        cfg.Connection.RetryAttempts,
		RetryInterval:        cfg.Connection.RetryInterval,
		Heartbeat:            cfg.Connection.Heartbeat,
		ConnectionTimeout:    cfg.Connection.ConnectionTimeout,
		PublishRetries:       cfg.Publish.RetryAttempts,
		PublishRetryDelay:    cfg.Publish.RetryInterval,
		PublishBackoffMult:   cfg.Publish.BackoffMultiplier,
	}
}

// InitRabbitMQ connects to the broker and declares the job topology
func InitRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	return rabbitmq.NewClient(RabbitMQConfig(cfg), logger)
}

// InitPostgreSQL initializes the PostgreSQL database client
func InitPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	return postgresql.NewClient(&postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		ConnectTimeout:  cfg.ConnectTimeout,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}, logger)
}

// InitRedis initializes the Redis client
func InitRedis(cfg *config.RedisConfig, logger *slog.Logger) (*redis.Client, error) {
	return redis.NewClient(&redis.Config{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}, logger)
}

// InitDynamoDB loads the default AWS credential chain for the configured region
func InitDynamoDB(ctx context.Context, cfg *config.DynamoDBConfig) (*dynamodb.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// InitTracker builds the idempotency tracker selected by tracker.backend
func InitTracker(ctx context.Context, cfg *config.Config, logger *slog.Logger) (tracker.Tracker, Closer, error) {
	switch cfg.Tracker.Backend {
	case config.TrackerMemory, "":
		logger.Warn("Using in-memory idempotency tracker; records are not shared between processes")
		return tracker.NewMemoryTracker(), noopClose, nil

	case config.TrackerPostgres:
		db, err := InitPostgreSQL(&cfg.Database, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		pt := tracker.NewPostgresTracker(db.GetDB(), cfg.Tracker.Table, logger)
		if cfg.Tracker.EnsureSchema {
			if err := pt.EnsureSchema(ctx); err != nil {
				db.Close()
				return nil, nil, err
			}
		}
		return pt, db.Close, nil

	case config.TrackerRedis:
		client, err := InitRedis(&cfg.Redis, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize redis: %w", err)
		}
		var opts []tracker.RedisOption
		if cfg.Tracker.RedisPrefix != "" {
			opts = append(opts, tracker.WithPrefix(cfg.Tracker.RedisPrefix))
		}
		if cfg.Tracker.RecordTTL > 0 {
			opts = append(opts, tracker.WithRecordTTL(cfg.Tracker.RecordTTL))
		}
		return tracker.NewRedisTracker(client.GetClient(), logger, opts...), client.Close, nil

	case config.TrackerDynamoDB:
		client, err := InitDynamoDB(ctx, &cfg.DynamoDB)
		if err != nil {
			return nil, nil, err
		}
		return tracker.NewDynamoTracker(client, cfg.DynamoDB.Table, logger), noopClose, nil

	default:
		return nil, nil, fmt.Errorf("unknown tracker backend %q", cfg.Tracker.Backend)
	}
}

// InitEvents builds the lifecycle event publisher on the configured transport.
// The rabbitmq transport reuses the given client.
func InitEvents(cfg *config.Config, rabbit events.AMQPPublisher, m *metrics.Metrics, logger *slog.Logger) (*events.Publisher, Closer, error) {
	var (
		sink   events.Sink
		closer Closer = noopClose
	)

	switch cfg.Events.Transport {
	case config.EventsRabbitMQ, "":
		if rabbit == nil {
			return nil, nil, fmt.Errorf("events transport %q needs a rabbitmq client", config.EventsRabbitMQ)
		}
		sink = events.NewRabbitSink(rabbit, cfg.Events.Prefix)
	case config.EventsKafka:
		producer, err := kafka.NewProducer(&kafka.Config{
			Brokers:      cfg.Kafka.Brokers,
			BatchTimeout: cfg.Kafka.BatchTimeout,
			WriteTimeout: cfg.Kafka.WriteTimeout,
			AutoCreate:   cfg.Kafka.AutoCreate,
		}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize kafka producer: %w", err)
		}
		sink = events.NewKafkaSink(producer, cfg.Events.Prefix)
		closer = producer.Close
	case config.EventsLog:
		sink = events.NewLogSink(logger)
	default:
		return nil, nil, fmt.Errorf("unknown events transport %q", cfg.Events.Transport)
	}

	opts := []events.Option{
		events.WithBufferSize(cfg.Events.BufferSize),
		events.WithRetries(cfg.Events.SendRetries, cfg.Events.RetryDelay),
		events.WithSendTimeout(cfg.Events.SendTimeout),
	}
	if m != nil {
		opts = append(opts, events.WithMetrics(m))
	}

	return events.NewPublisher(sink, logger, opts...), closer, nil
}

// InitContentStore builds the content store selected by content.backend
func InitContentStore(cfg *config.ContentConfig, logger *slog.Logger) (content.Store, error) {
	switch cfg.Backend {
	case config.ContentHTTP, "":
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("content base_url is required")
		}
		return content.NewHTTPStore(cfg.BaseURL, cfg.Timeout, logger), nil
	case config.ContentFilesystem:
		return content.NewFilesystemStore(cfg.BaseDir)
	default:
		return nil, fmt.Errorf("unknown content backend %q", cfg.Backend)
	}
}
