package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrNotConnected is returned by every operation after Close or before connect
var ErrNotConnected = errors.New("not connected to RabbitMQ")

// Config holds RabbitMQ connection and topology configuration
type Config struct {
	Host               string
	Port               int
	User               string
	Password           string
	VHost              string
	ExchangeName       string
	ExchangeType       string
	ExchangeDurable    bool
	ExchangeAutoDelete bool
	QueueName          string
	QueueDurable       bool
	QueueAutoDelete    bool
	QueueExclusive     bool
	QueueMaxPriority   int
	RoutingKey         string

	// Delayed redelivery: one queue per tier, each with a fixed message TTL,
	// dead-lettering back to RoutingKey
	RetryQueueName  string
	RetryRoutingKey string
	RetryTiers      []time.Duration

	// Quarantine for dead-lettered jobs
	DeadLetterQueueName  string
	DeadLetterRoutingKey string

	RetryAttempts      int
	RetryInterval      time.Duration
	Heartbeat          time.Duration
	ConnectionTimeout  time.Duration
	PublishRetries     int
	PublishRetryDelay  time.Duration
	PublishBackoffMult float64
}

// Message is a single outgoing publishing
type Message struct {
	Body        []byte
	ContentType string
	MessageID   string
	Type        string
	Priority    uint8
	Headers     amqp.Table
}

// Client represents a RabbitMQ client
type Client struct {
	config      *Config
	conn        *amqp.Connection
	channel     *amqp.Channel // consume + ack
	pubChannel  *amqp.Channel // publish only
	pubMu       sync.Mutex
	logger      *slog.Logger
	closeChan   chan *amqp.Error
	isConnected atomic.Bool
	retryTiers  []time.Duration
}

// NewClient creates a new RabbitMQ client
func NewClient(config *Config, logger *slog.Logger) (*Client, error) {
	client := &Client{
		config:     config,
		logger:     logger,
		retryTiers: normalizeTiers(config.RetryTiers),
	}

	if err := client.connect(); err != nil {
		return nil, fmt.Errorf("failed to create RabbitMQ client: %w", err)
	}

	return client, nil
}

// connect establishes connection to RabbitMQ with retry logic
func (c *Client) connect() error {
	var err error

	dsn := fmt.Sprintf("amqp://%s:%s@%s:%d%s",
		c.config.User,
		c.config.Password,
		c.config.Host,
		c.config.Port,
		c.config.VHost,
	)

	amqpConfig := amqp.Config{
		Heartbeat: c.config.Heartbeat,
		Locale:    "en_US",
	}
	if c.config.ConnectionTimeout > 0 {
		amqpConfig.Dial = amqp.DefaultDial(c.config.ConnectionTimeout)
	}

	attempts := c.config.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		c.logger.Info("Connecting to RabbitMQ",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
		)

		c.conn, err = amqp.DialConfig(dsn, amqpConfig)
		if err == nil {
			c.logger.Info("Successfully connected to RabbitMQ")
			break
		}

		c.logger.Error("Failed to connect to RabbitMQ",
			slog.Any("error", err),
			slog.Int("attempt", attempt),
		)

		if attempt < attempts {
			time.Sleep(c.config.RetryInterval)
		}
	}

	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", attempts, err)
	}

	c.channel, err = c.conn.Channel()
	if err != nil {
		c.conn.Close()
		return fmt.Errorf("failed to create channel: %w", err)
	}

	c.pubChannel, err = c.conn.Channel()
	if err != nil {
		c.conn.Close()
		return fmt.Errorf("failed to create publish channel: %w", err)
	}

	if err := c.setup(); err != nil {
		c.conn.Close()
		return fmt.Errorf("failed to setup topology: %w", err)
	}

	c.closeChan = make(chan *amqp.Error, 1)
	c.channel.NotifyClose(c.closeChan)
	c.isConnected.Store(true)

	c.logger.Info("RabbitMQ client initialized",
		slog.String("exchange", c.config.ExchangeName),
		slog.String("queue", c.config.QueueName),
		slog.String("retry_queue", c.config.RetryQueueName),
		slog.Int("retry_tiers", len(c.retryTiers)),
		slog.String("dead_letter_queue", c.config.DeadLetterQueueName),
	)

	return nil
}

// setup declares the exchange, the job queue and its retry and quarantine companions
func (c *Client) setup() error {
	err := c.channel.ExchangeDeclare(
		c.config.ExchangeName,       // name
		c.config.ExchangeType,       // type
		c.config.ExchangeDurable,    // durable
		c.config.ExchangeAutoDelete, // auto-deleted
		false,                       // internal
		false,                       // no-wait
		nil,                         // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	var jobArgs amqp.Table
	if c.config.QueueMaxPriority > 0 {
		jobArgs = amqp.Table{"x-max-priority": int32(c.config.QueueMaxPriority)}
	}

	if err := c.declareAndBind(c.config.QueueName, c.config.RoutingKey, jobArgs); err != nil {
		return err
	}

	if c.config.RetryQueueName != "" {
		// Every message in a tier shares its TTL, so expiry order is queue order
		for _, tier := range c.retryTiers {
			queue, key := c.config.retryTierNames(tier)
			retryArgs := amqp.Table{
				"x-message-ttl":             tier.Milliseconds(),
				"x-dead-letter-exchange":    c.config.ExchangeName,
				"x-dead-letter-routing-key": c.config.RoutingKey,
			}
			if err := c.declareAndBind(queue, key, retryArgs); err != nil {
				return err
			}
		}
	}

	if c.config.DeadLetterQueueName != "" {
		if err := c.declareAndBind(c.config.DeadLetterQueueName, c.config.DeadLetterRoutingKey, nil); err != nil {
			return err
		}
	}

	return nil
}

func (c *Client) declareAndBind(queue, routingKey string, args amqp.Table) error {
	_, err := c.channel.QueueDeclare(
		queue,                    // name
		c.config.QueueDurable,    // durable
		c.config.QueueAutoDelete, // auto-delete
		c.config.QueueExclusive,  // exclusive
		false,                    // no-wait
		args,                     // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}

	err = c.channel.QueueBind(
		queue,                 // queue name
		routingKey,            // routing key
		c.config.ExchangeName, // exchange
		false,                 // no-wait
		nil,                   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to bind queue %s: %w", queue, err)
	}

	return nil
}

// Publish publishes a message to the exchange under routingKey
func (c *Client) Publish(ctx context.Context, routingKey string, msg Message) error {
	if !c.isConnected.Load() {
		return ErrNotConnected
	}

	if err := c.publish(ctx, routingKey, msg); err != nil {
		c.logger.Error("Failed to publish message to RabbitMQ",
			slog.String("routing_key", routingKey),
			slog.Any("error", err),
		)
		return fmt.Errorf("failed to publish message: %w", err)
	}

	c.logger.Debug("Message published to RabbitMQ",
		slog.String("routing_key", routingKey),
		slog.Int("body_size", len(msg.Body)),
	)

	return nil
}

func (c *Client) publish(ctx context.Context, routingKey string, msg Message) error {
	publishing := amqp.Publishing{
		ContentType:  msg.ContentType,
		Body:         msg.Body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		MessageId:    msg.MessageID,
		Type:         msg.Type,
		Priority:     msg.Priority,
		Headers:      msg.Headers,
	}

	c.pubMu.Lock()
	defer c.pubMu.Unlock()

	return c.pubChannel.PublishWithContext(
		ctx,
		c.config.ExchangeName, // exchange
		routingKey,            // routing key
		false,                 // mandatory
		false,                 // immediate
		publishing,
	)
}

// PublishWithRetry publishes a message with retry logic and exponential backoff
func (c *Client) PublishWithRetry(ctx context.Context, routingKey string, msg Message) error {
	if !c.isConnected.Load() {
		return ErrNotConnected
	}

	maxRetries := c.config.PublishRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	baseDelay := c.config.PublishRetryDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}

	backoffMult := c.config.PublishBackoffMult
	if backoffMult <= 0 {
		backoffMult = 2.0
	}

	var lastErr error
	delay := baseDelay
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := c.publish(ctx, routingKey, msg)
		if err == nil {
			if attempt > 0 {
				c.logger.Info("Successfully published message to RabbitMQ after retry",
					slog.String("routing_key", routingKey),
					slog.Int("attempt", attempt+1),
				)
			}
			return nil
		}

		lastErr = err

		if attempt < maxRetries {
			c.logger.Warn("Failed to publish message to RabbitMQ, retrying...",
				slog.String("routing_key", routingKey),
				slog.Int("attempt", attempt+1),
				slog.Int("max_retries", maxRetries),
				slog.Duration("retry_after", delay),
				slog.Any("error", err),
			)

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return fmt.Errorf("publish canceled: %w", ctx.Err())
			}
			delay = time.Duration(float64(delay) * backoffMult)
		}
	}

	c.logger.Error("Failed to publish message to RabbitMQ after all retries",
		slog.String("routing_key", routingKey),
		slog.Int("attempts", maxRetries+1),
		slog.Any("error", lastErr),
	)
	return fmt.Errorf("failed to publish message after %d attempts: %w", maxRetries+1, lastErr)
}

// PublishJob submits a job envelope to the job routing key
func (c *Client) PublishJob(ctx context.Context, body []byte, priority uint8) error {
	return c.PublishWithRetry(ctx, c.config.RoutingKey, Message{
		Body:        body,
		ContentType: "application/cloudevents+json",
		Priority:    priority,
	})
}

// PublishDelayed republishes a job so it becomes visible again after delay,
// rounded up to the next retry tier. A zero delay goes straight back to the
// job queue.
func (c *Client) PublishDelayed(ctx context.Context, body []byte, priority uint8, delay time.Duration) error {
	if delay <= 0 || c.config.RetryQueueName == "" || len(c.retryTiers) == 0 {
		return c.PublishJob(ctx, body, priority)
	}

	_, key := c.config.retryTierNames(selectTier(delay, c.retryTiers))
	return c.PublishWithRetry(ctx, key, Message{
		Body:        body,
		ContentType: "application/cloudevents+json",
		Priority:    priority,
	})
}

// PublishDeadLetter sends a quarantine entry to the dead letter queue
func (c *Client) PublishDeadLetter(ctx context.Context, body []byte) error {
	return c.PublishWithRetry(ctx, c.config.DeadLetterRoutingKey, Message{
		Body:        body,
		ContentType: "application/cloudevents+json",
	})
}

// Consume starts consuming the job queue with the given prefetch window
func (c *Client) Consume(consumerTag string, prefetch int) (<-chan amqp.Delivery, error) {
	return c.ConsumeQueue(c.config.QueueName, consumerTag, prefetch)
}

// ConsumeQueue starts consuming an arbitrary declared queue
func (c *Client) ConsumeQueue(queue, consumerTag string, prefetch int) (<-chan amqp.Delivery, error) {
	if !c.isConnected.Load() {
		return nil, ErrNotConnected
	}

	// prefetch_count: unacknowledged messages per consumer
	// prefetch_size: 0 means no byte limit
	// global: false means per-consumer
	if prefetch > 0 {
		if err := c.channel.Qos(prefetch, 0, false); err != nil {
			return nil, fmt.Errorf("failed to set QoS: %w", err)
		}
	}

	messages, err := c.channel.Consume(
		queue,       // queue
		consumerTag, // consumer tag
		false,       // auto-ack
		false,       // exclusive
		false,       // no-local
		false,       // no-wait
		nil,         // args
	)
	if err != nil {
		return nil, fmt.Errorf("failed to consume messages: %w", err)
	}

	c.logger.Info("Started consuming messages from RabbitMQ",
		slog.String("queue", queue),
		slog.String("consumer_tag", consumerTag),
		slog.Int("prefetch_count", prefetch),
	)

	return messages, nil
}

// CancelConsumer stops broker deliveries to consumerTag; unacked messages stay with the channel
func (c *Client) CancelConsumer(consumerTag string) error {
	if !c.isConnected.Load() {
		return ErrNotConnected
	}
	if err := c.channel.Cancel(consumerTag, false); err != nil {
		return fmt.Errorf("failed to cancel consumer %s: %w", consumerTag, err)
	}
	return nil
}

// NotifyClose reports the consume channel closing unexpectedly
func (c *Client) NotifyClose() <-chan *amqp.Error {
	return c.closeChan
}

// Close closes the RabbitMQ connection. Unacked deliveries are returned to their queue.
func (c *Client) Close() error {
	c.logger.Info("Closing RabbitMQ connection")

	c.isConnected.Store(false)

	for _, ch := range []*amqp.Channel{c.pubChannel, c.channel} {
		if ch == nil {
			continue
		}
		if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			c.logger.Error("Failed to close RabbitMQ channel",
				slog.Any("error", err),
			)
		}
	}

	if c.conn != nil {
		if err := c.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			c.logger.Error("Failed to close RabbitMQ connection",
				slog.Any("error", err),
			)
			return err
		}
	}

	c.logger.Info("RabbitMQ connection closed successfully")
	return nil
}

// IsConnected returns the connection status
func (c *Client) IsConnected() bool {
	return c.isConnected.Load() && c.conn != nil && !c.conn.IsClosed()
}

// GetChannel returns the consume channel for advanced operations
func (c *Client) GetChannel() *amqp.Channel {
	return c.channel
}
