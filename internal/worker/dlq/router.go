package dlq

import (
	"context"
	"log/slog"
	"time"

	"github.com/cuongbtq/simple-ocr/internal/worker/domain"
	"github.com/cuongbtq/simple-ocr/internal/worker/metrics"
)

// Publisher is implemented by *rabbitmq.Client
type Publisher interface {
	PublishDeadLetter(ctx context.Context, body []byte) error
}

// Entry is the quarantine record of one job that will not be retried
type Entry struct {
	Job          *domain.Job      `json:"job,omitempty"`
	Raw          string           `json:"raw,omitempty"`
	ErrorKind    domain.ErrorKind `json:"error_kind"`
	ErrorClass   domain.ErrorKind `json:"error_class"`
	ErrorMessage string           `json:"error_message"`
	AttemptCount int              `json:"attempt_count"`
	MaxRetries   int              `json:"max_retries"`
	Reason       string           `json:"reason"`
	WorkerID     string           `json:"worker_id,omitempty"`
	FailedAt     time.Time        `json:"failed_at"`
}

// JobID returns the id of the quarantined job, empty for raw entries
func (e *Entry) JobID() string {
	if e.Job == nil {
		return ""
	}
	return e.Job.JobID
}

// Router publishes dead-letter entries. Routing never fails the caller: a
// publish error is logged with the full entry so nothing is lost silently.
type Router struct {
	publisher  Publisher
	logger     *slog.Logger
	metrics    *metrics.Metrics
	workerID   string
	maxRetries int
	timeout    time.Duration
	now        func() time.Time
}

// Option configures a Router
type Option func(*Router)

func WithWorkerID(id string) Option {
	return func(r *Router) {
		r.workerID = id
	}
}

// WithMaxRetries records the retry bound on every entry
func WithMaxRetries(n int) Option {
	return func(r *Router) {
		r.maxRetries = n
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Router) {
		r.metrics = m
	}
}

func WithPublishTimeout(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// NewRouter creates a router on publisher
func NewRouter(publisher Publisher, logger *slog.Logger, opts ...Option) *Router {
	r := &Router{
		publisher: publisher,
		logger:    logger,
		timeout:   10 * time.Second,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route quarantines a decoded job after its final failure
func (r *Router) Route(ctx context.Context, job *domain.Job, kind domain.ErrorKind, message string, attemptCount int, reason string) {
	r.publish(ctx, &Entry{
		Job:          job,
		ErrorKind:    kind,
		ErrorClass:   kind.Class(),
		ErrorMessage: message,
		AttemptCount: attemptCount,
		MaxRetries:   r.maxRetries,
		Reason:       reason,
		WorkerID:     r.workerID,
		FailedAt:     r.now().UTC(),
	})
}

// RouteRaw quarantines a message body that could not be decoded into a job
func (r *Router) RouteRaw(ctx context.Context, body []byte, message string) {
	r.publish(ctx, &Entry{
		Raw:          string(body),
		ErrorKind:    domain.KindValidation,
		ErrorClass:   domain.KindValidation,
		ErrorMessage: message,
		MaxRetries:   r.maxRetries,
		Reason:       "malformed message",
		WorkerID:     r.workerID,
		FailedAt:     r.now().UTC(),
	})
}

func (r *Router) publish(ctx context.Context, entry *Entry) {
	log := r.logger.With(
		slog.String("job_id", entry.JobID()),
		slog.String("error_kind", string(entry.ErrorKind)),
		slog.String("reason", entry.Reason),
	)

	env, err := domain.NewEnvelope(domain.EventTypeJobDeadLettered, domain.SourceWorker, entry.JobID(), entry)
	if err != nil {
		log.Error("Failed to encode dead letter entry", slog.Any("error", err))
		return
	}

	body, err := env.Marshal()
	if err != nil {
		log.Error("Failed to marshal dead letter entry", slog.Any("error", err))
		return
	}

	// The job has already failed; a cancelled job context must not lose the entry
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	if err := r.publisher.PublishDeadLetter(pubCtx, body); err != nil {
		log.Error("Failed to publish dead letter entry",
			slog.Any("error", err),
			slog.Any("entry", entry),
		)
		return
	}

	r.metrics.DeadLettered(entry.Reason)
	log.Warn("Job dead-lettered",
		slog.Int("attempt_count", entry.AttemptCount),
		slog.String("error_message", entry.ErrorMessage),
	)
}
