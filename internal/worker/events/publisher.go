package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/simple-ocr/internal/worker/domain"
	"github.com/cuongbtq/simple-ocr/internal/worker/metrics"
)

const (
	DefaultBufferSize  = 256
	DefaultSendRetries = 3
	DefaultRetryDelay  = 100 * time.Millisecond
	DefaultSendTimeout = 5 * time.Second
)

// Sink delivers one encoded event
type Sink interface {
	Send(ctx context.Context, eventType, key string, body []byte) error
}

type outgoing struct {
	eventType string
	jobID     string
	payload   any
}

// Publisher emits lifecycle events without blocking the job path. Events
// queue in a bounded buffer and a single sender goroutine delivers them in
// emit order. When the buffer is full new events are dropped.
type Publisher struct {
	sink        Sink
	logger      *slog.Logger
	metrics     *metrics.Metrics
	source      string
	bufferSize  int
	retries     int
	retryDelay  time.Duration
	sendTimeout time.Duration

	queue  chan outgoing
	done   chan struct{}
	mu     sync.RWMutex
	closed bool
}

// Option configures a Publisher
type Option func(*Publisher)

func WithBufferSize(n int) Option {
	return func(p *Publisher) {
		if n > 0 {
			p.bufferSize = n
		}
	}
}

// WithRetries sets the delivery attempts per event and the first retry delay
func WithRetries(attempts int, delay time.Duration) Option {
	return func(p *Publisher) {
		if attempts > 0 {
			p.retries = attempts
		}
		if delay > 0 {
			p.retryDelay = delay
		}
	}
}

func WithSendTimeout(d time.Duration) Option {
	return func(p *Publisher) {
		if d > 0 {
			p.sendTimeout = d
		}
	}
}

func WithSource(source string) Option {
	return func(p *Publisher) {
		p.source = source
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Publisher) {
		p.metrics = m
	}
}

// NewPublisher starts the sender goroutine
func NewPublisher(sink Sink, logger *slog.Logger, opts ...Option) *Publisher {
	p := &Publisher{
		sink:        sink,
		logger:      logger,
		source:      domain.SourceWorker,
		bufferSize:  DefaultBufferSize,
		retries:     DefaultSendRetries,
		retryDelay:  DefaultRetryDelay,
		sendTimeout: DefaultSendTimeout,
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.queue = make(chan outgoing, p.bufferSize)
	go p.run()

	return p
}

// Publish enqueues an event and returns immediately
func (p *Publisher) Publish(eventType, jobID string, payload any) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		p.drop(eventType, jobID, "publisher closed")
		return
	}

	select {
	case p.queue <- outgoing{eventType: eventType, jobID: jobID, payload: payload}:
	default:
		p.drop(eventType, jobID, "buffer full")
	}
}

func (p *Publisher) drop(eventType, jobID, reason string) {
	p.metrics.EventDropped()
	p.logger.Warn("Lifecycle event dropped",
		slog.String("event_type", eventType),
		slog.String("job_id", jobID),
		slog.String("reason", reason),
	)
}

// Close stops accepting events and waits for the buffer to drain or ctx to end
func (p *Publisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event buffer not drained: %w", ctx.Err())
	}
}

func (p *Publisher) run() {
	defer close(p.done)

	for ev := range p.queue {
		p.deliver(ev)
	}
}

func (p *Publisher) deliver(ev outgoing) {
	env, err := domain.NewEnvelope(ev.eventType, p.source, ev.jobID, ev.payload)
	if err != nil {
		p.logger.Error("Failed to encode lifecycle event",
			slog.String("event_type", ev.eventType),
			slog.String("job_id", ev.jobID),
			slog.Any("error", err),
		)
		p.metrics.EventFailed()
		return
	}

	body, err := env.Marshal()
	if err != nil {
		p.logger.Error("Failed to marshal lifecycle event",
			slog.String("event_type", ev.eventType),
			slog.Any("error", err),
		)
		p.metrics.EventFailed()
		return
	}

	delay := p.retryDelay
	for attempt := 1; attempt <= p.retries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), p.sendTimeout)
		err = p.sink.Send(ctx, ev.eventType, ev.jobID, body)
		cancel()

		if err == nil {
			p.logger.Debug("Lifecycle event sent",
				slog.String("event_type", ev.eventType),
				slog.String("job_id", ev.jobID),
				slog.String("event_id", env.ID),
			)
			return
		}

		if attempt < p.retries {
			time.Sleep(delay)
			delay *= 2
		}
	}

	p.metrics.EventFailed()
	p.logger.Error("Failed to send lifecycle event",
		slog.String("event_type", ev.eventType),
		slog.String("job_id", ev.jobID),
		slog.Int("attempts", p.retries),
		slog.Any("error", err),
	)
}
