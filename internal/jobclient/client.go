// Package jobclient is the producer-side view of the worker: it submits jobs,
// reports their processing state and replays dead-lettered entries.
package jobclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/simple-ocr/internal/worker/dlq"
	"github.com/cuongbtq/simple-ocr/internal/worker/domain"
	"github.com/cuongbtq/simple-ocr/internal/worker/tracker"
	"github.com/google/uuid"
)

// ErrStatusUnavailable is returned by QueryStatus when no tracker is configured
var ErrStatusUnavailable = errors.New("job status backend not configured")

// Publisher is implemented by *rabbitmq.Client
type Publisher interface {
	PublishJob(ctx context.Context, body []byte, priority uint8) error
}

type Client struct {
	publisher Publisher
	tracker   tracker.Tracker
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a client. tr may be nil when only submission is needed.
func New(publisher Publisher, tr tracker.Tracker, logger *slog.Logger) *Client {
	return &Client{
		publisher: publisher,
		tracker:   tr,
		logger:    logger,
		now:       time.Now,
	}
}

// SubmitJob assigns a job id when missing, validates the job and publishes it
// with its AMQP priority. The returned copy is what was published.
func (c *Client) SubmitJob(ctx context.Context, job *domain.Job) (*domain.Job, error) {
	j := job.Clone()
	if j.JobID == "" {
		j.JobID = uuid.NewString()
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = c.now().UTC()
	}
	if j.Priority != "" {
		if _, ok := domain.ParsePriority(string(j.Priority)); !ok {
			return nil, fmt.Errorf("%w: unknown priority %q", domain.ErrInvalidJob, j.Priority)
		}
	}
	if err := j.Validate(); err != nil {
		return nil, err
	}

	if err := c.publish(ctx, j); err != nil {
		return nil, err
	}
	c.logger.Info("Job submitted",
		slog.String("job_id", j.JobID),
		slog.String("content_id", j.ContentID),
		slog.String("priority", string(j.EffectivePriority())),
	)
	return j, nil
}

// QueryStatus returns the idempotency record of jobID, tracker.ErrNotFound
// when no worker has claimed it yet
func (c *Client) QueryStatus(ctx context.Context, jobID string) (*tracker.Record, error) {
	if c.tracker == nil {
		return nil, ErrStatusUnavailable
	}
	return c.tracker.Get(ctx, jobID)
}

// Replay resubmits the job of a dead-letter entry with force set
func (c *Client) Replay(ctx context.Context, entry *dlq.Entry) (*domain.Job, error) {
	job, err := dlq.ReplayJob(entry)
	if err != nil {
		return nil, err
	}
	if err := c.publish(ctx, job); err != nil {
		return nil, err
	}
	c.logger.Info("Dead-lettered job replayed",
		slog.String("job_id", job.JobID),
		slog.Int("attempt", job.AttemptCount),
		slog.String("original_error", entry.ErrorMessage),
	)
	return job, nil
}

func (c *Client) publish(ctx context.Context, job *domain.Job) error {
	body, err := domain.EncodeJob(job, domain.SourceAPI)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}
	if err := c.publisher.PublishJob(ctx, body, job.EffectivePriority().MessagePriority()); err != nil {
		return fmt.Errorf("failed to publish job: %w", err)
	}
	return nil
}
