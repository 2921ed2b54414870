package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	kafkago "github.com/segmentio/kafka-go"
)

// Config holds Kafka producer configuration
type Config struct {
	Brokers      []string
	BatchTimeout time.Duration
	WriteTimeout time.Duration
	AutoCreate   bool
}

// Producer writes keyed messages to per-message topics
type Producer struct {
	writer *kafkago.Writer
	logger *slog.Logger
}

// NewProducer creates a producer. The writer has no default topic; every message names its own.
func NewProducer(config *Config, logger *slog.Logger) (*Producer, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}

	batchTimeout := config.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 10 * time.Millisecond
	}

	writer := &kafkago.Writer{
		Addr:                   kafkago.TCP(config.Brokers...),
		Balancer:               &kafkago.LeastBytes{},
		RequiredAcks:           kafkago.RequireOne,
		BatchTimeout:           batchTimeout,
		WriteTimeout:           config.WriteTimeout,
		AllowAutoTopicCreation: config.AutoCreate,
	}

	logger.Info("Kafka producer initialized",
		slog.Any("brokers", config.Brokers),
	)

	return &Producer{writer: writer, logger: logger}, nil
}

// Write sends one message keyed by key to topic
func (p *Producer) Write(ctx context.Context, topic, key string, value []byte) error {
	err := p.writer.WriteMessages(ctx, kafkago.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
		Time:  time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to write message to %s: %w", topic, err)
	}
	return nil
}

// Close flushes pending messages and closes the writer
func (p *Producer) Close() error {
	p.logger.Info("Closing Kafka producer")
	return p.writer.Close()
}
