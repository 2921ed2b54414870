package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/simple-ocr/internal/worker/dlq"
	"github.com/cuongbtq/simple-ocr/internal/worker/domain"
	"github.com/cuongbtq/simple-ocr/internal/worker/metrics"
	"github.com/cuongbtq/simple-ocr/internal/worker/pipeline"
	"github.com/cuongbtq/simple-ocr/internal/worker/retry"
	"github.com/cuongbtq/simple-ocr/internal/worker/tracker"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	// ErrShutdown is the cancellation cause of jobs interrupted by Stop
	ErrShutdown = errors.New("worker shutting down")

	// ErrLeaseLost is the cancellation cause of a job whose claim was reclaimed
	ErrLeaseLost = errors.New("job lease lost")

	// ErrDeliveriesClosed is reported on Errors when the broker closes the consumer
	ErrDeliveriesClosed = errors.New("delivery channel closed")

	// ErrDrainTimeout is returned by Stop when in-flight jobs had to be cancelled
	ErrDrainTimeout = errors.New("drain timeout exceeded")

	ErrAlreadyStarted = errors.New("worker already started")
)

const (
	DefaultConsumerGroup = "ocr-workers"
	defaultOpTimeout     = 10 * time.Second
)

// MessageSource is implemented by *rabbitmq.Client
type MessageSource interface {
	Consume(consumerTag string, prefetch int) (<-chan amqp.Delivery, error)
	CancelConsumer(consumerTag string) error
}

// Requeuer schedules a delayed redelivery; implemented by *rabbitmq.Client
type Requeuer interface {
	PublishDelayed(ctx context.Context, body []byte, priority uint8, delay time.Duration) error
}

// Orchestrator is implemented by *pipeline.Orchestrator
type Orchestrator interface {
	Process(ctx context.Context, job *domain.Job, progress pipeline.ProgressFunc) *domain.JobResult
}

// EventPublisher is implemented by *events.Publisher. Publish must not block.
type EventPublisher interface {
	Publish(eventType, jobID string, payload any)
}

type discardEvents struct{}

func (discardEvents) Publish(string, string, any) {}

// Config holds worker dependencies and tuning
type Config struct {
	Logger       *slog.Logger
	Source       MessageSource
	Requeuer     Requeuer
	Tracker      tracker.Tracker
	Orchestrator Orchestrator
	Retry        *retry.Controller
	DeadLetter   *dlq.Router
	Events       EventPublisher
	Metrics      *metrics.Metrics

	WorkerID      string
	ConsumerGroup string
	// Prefetch defaults to twice the pool size
	Prefetch          int
	Lease             time.Duration
	HeartbeatInterval time.Duration
	LaneWeights       LaneWeights
}

// Worker consumes jobs from the shared queue and runs them through the pipeline
type Worker struct {
	logger       *slog.Logger
	source       MessageSource
	requeuer     Requeuer
	tracker      tracker.Tracker
	orchestrator Orchestrator
	retry        *retry.Controller
	deadLetter   *dlq.Router
	events       EventPublisher
	metrics      *metrics.Metrics

	workerID          string
	consumerTag       string
	prefetch          int
	lease             time.Duration
	heartbeatInterval time.Duration
	lanes             *lanes

	mu         sync.Mutex
	started    bool
	jobCtx     context.Context
	cancelJobs context.CancelCauseFunc
	stop       chan struct{}
	stopOnce   sync.Once
	dispatchWG sync.WaitGroup
	poolWG     sync.WaitGroup
	errs       chan error
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	workerID := cfg.WorkerID
	if workerID == "" {
		workerID = uuid.NewString()
	}
	group := cfg.ConsumerGroup
	if group == "" {
		group = DefaultConsumerGroup
	}
	lease := cfg.Lease
	if lease <= 0 {
		lease = tracker.DefaultLease
	}
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 || heartbeat >= lease {
		heartbeat = lease / 3
	}
	retryController := cfg.Retry
	if retryController == nil {
		retryController = retry.NewController(retry.DefaultMaxRetries, nil)
	}
	var publisher EventPublisher = discardEvents{}
	if cfg.Events != nil {
		publisher = cfg.Events
	}

	return &Worker{
		logger:            cfg.Logger.With(slog.String("worker_id", workerID)),
		source:            cfg.Source,
		requeuer:          cfg.Requeuer,
		tracker:           cfg.Tracker,
		orchestrator:      cfg.Orchestrator,
		retry:             retryController,
		deadLetter:        cfg.DeadLetter,
		events:            publisher,
		metrics:           cfg.Metrics,
		workerID:          workerID,
		consumerTag:       group + "-" + workerID,
		prefetch:          cfg.Prefetch,
		lease:             lease,
		heartbeatInterval: heartbeat,
		lanes:             newLanes(cfg.LaneWeights),
		stop:              make(chan struct{}),
		errs:              make(chan error, 1),
	}
}

// ID returns the worker id used as lease owner
func (w *Worker) ID() string {
	return w.workerID
}

// Errors reports fatal consumer failures; the process should exit and restart
func (w *Worker) Errors() <-chan error {
	return w.errs
}

// Start subscribes to the job queue and spawns maxConcurrency processors. It
// returns once consuming has begun.
func (w *Worker) Start(ctx context.Context, maxConcurrency int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return ErrAlreadyStarted
	}
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	prefetch := w.prefetch
	if prefetch <= 0 {
		prefetch = 2 * maxConcurrency
	}

	w.logger.Info("Starting worker",
		slog.Int("concurrency", maxConcurrency),
		slog.Int("prefetch", prefetch),
		slog.String("consumer_tag", w.consumerTag),
	)

	deliveries, err := w.source.Consume(w.consumerTag, prefetch)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	w.jobCtx, w.cancelJobs = context.WithCancelCause(ctx)
	w.started = true

	w.dispatchWG.Add(1)
	go w.startMessageDispatcher(w.jobCtx, deliveries)
	w.spawnWorkerPool(maxConcurrency)
	return nil
}

// Stop stops dispatching, returns queued messages to the broker and waits up
// to drainTimeout for in-flight jobs. Jobs still running after that are
// cancelled with ErrShutdown; they release their claim and are not acked.
func (w *Worker) Stop(drainTimeout time.Duration) error {
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()
	if !started {
		return nil
	}

	w.logger.Info("Stopping worker...", slog.Duration("drain_timeout", drainTimeout))
	w.stopOnce.Do(func() { close(w.stop) })

	if err := w.source.CancelConsumer(w.consumerTag); err != nil {
		w.logger.Warn("Failed to cancel consumer", slog.Any("error", err))
	}
	w.dispatchWG.Wait()

	for _, msg := range w.lanes.drain() {
		w.nack(msg.delivery, true, w.logger)
	}

	done := make(chan struct{})
	go func() {
		w.poolWG.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(drainTimeout):
		w.logger.Warn("Drain timeout reached, cancelling in-flight jobs")
		w.cancelJobs(ErrShutdown)
		<-done
		err = ErrDrainTimeout
	}
	w.cancelJobs(ErrShutdown)

	w.logger.Info("Worker stopped")
	return err
}

// interrupted reports whether in-flight jobs have been told to stop
func (w *Worker) interrupted() bool {
	return w.jobCtx.Err() != nil
}

func (w *Worker) reportError(err error) {
	select {
	case w.errs <- err:
	default:
	}
}

// opContext bounds bookkeeping calls that must finish even after jobs are cancelled
func (w *Worker) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(w.jobCtx), defaultOpTimeout)
}
