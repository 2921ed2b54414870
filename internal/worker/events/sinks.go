package events

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/simple-ocr/internal/worker/domain"
	"github.com/cuongbtq/simple-ocr/shared/rabbitmq"
)

// DefaultRoutingPrefix is prepended to the event name for routing keys and topics
const DefaultRoutingPrefix = "ocr.events"

// AMQPPublisher is implemented by *rabbitmq.Client
type AMQPPublisher interface {
	Publish(ctx context.Context, routingKey string, msg rabbitmq.Message) error
}

// RabbitSink publishes events on the topic exchange as <prefix>.<event>
type RabbitSink struct {
	client AMQPPublisher
	prefix string
}

func NewRabbitSink(client AMQPPublisher, prefix string) *RabbitSink {
	if prefix == "" {
		prefix = DefaultRoutingPrefix
	}
	return &RabbitSink{client: client, prefix: prefix}
}

func (s *RabbitSink) Send(ctx context.Context, eventType, key string, body []byte) error {
	return s.client.Publish(ctx, s.prefix+"."+EventName(eventType), rabbitmq.Message{
		Body:        body,
		ContentType: domain.ContentTypeJSON,
		Type:        eventType,
		Headers:     map[string]any{"job_id": key},
	})
}

// KafkaWriter is implemented by *kafka.Producer
type KafkaWriter interface {
	Write(ctx context.Context, topic, key string, value []byte) error
}

// KafkaSink writes events to topic <prefix>.<event>, keyed by job id so
// events of one job stay on one partition
type KafkaSink struct {
	writer KafkaWriter
	prefix string
}

func NewKafkaSink(writer KafkaWriter, prefix string) *KafkaSink {
	if prefix == "" {
		prefix = DefaultRoutingPrefix
	}
	return &KafkaSink{writer: writer, prefix: prefix}
}

func (s *KafkaSink) Send(ctx context.Context, eventType, key string, body []byte) error {
	return s.writer.Write(ctx, s.prefix+"."+EventName(eventType), key, body)
}

// LogSink writes events to the logger only
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Send(_ context.Context, eventType, key string, body []byte) error {
	s.logger.Debug("Lifecycle event",
		slog.String("event_type", eventType),
		slog.String("job_id", key),
		slog.Int("body_size", len(body)),
	)
	return nil
}
