package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/simple-ocr/internal/worker/domain"
	"github.com/cuongbtq/simple-ocr/internal/worker/events"
	"github.com/cuongbtq/simple-ocr/internal/worker/retry"
	"github.com/cuongbtq/simple-ocr/internal/worker/tracker"
	"github.com/cuongbtq/simple-ocr/shared/logger"
)

// processMessage claims the job, runs it and settles the delivery
func (w *Worker) processMessage(msg *message) {
	job := msg.job
	log := logger.ForJob(w.logger, job.JobID, job.AttemptCount)

	begin, err := w.tracker.TryBegin(w.jobCtx, job.JobID, tracker.BeginOptions{
		Force: job.Hints.Force,
		Owner: w.workerID,
		Lease: w.lease,
	})
	if err != nil {
		if w.interrupted() {
			w.nack(msg.delivery, true, log)
			return
		}
		log.Error("Failed to claim job", slog.Any("error", err))
		w.handleFailure(msg, log, &domain.JobResult{
			JobID:        job.JobID,
			Status:       domain.ResultFailed,
			ErrorKind:    domain.KindTransient,
			ErrorMessage: fmt.Sprintf("failed to claim job: %v", err),
			FailedStage:  domain.StagePending,
			RetryCount:   job.AttemptCount,
		}, time.Time{})
		return
	}

	switch begin.Outcome {
	case tracker.AlreadyDone:
		log.Info("Job already completed, skipping", slog.String("result_ref", begin.ResultRef))
		w.metrics.Duplicate(string(begin.Outcome))
		w.ack(msg.delivery, log)
		w.events.Publish(domain.EventTypeJobCompleted, job.JobID, events.CompletedPayload{
			JobResult: domain.JobResult{
				JobID:            job.JobID,
				Status:           domain.ResultCompleted,
				DerivedContentID: begin.ResultRef,
				RetryCount:       job.AttemptCount,
			},
			Duplicate: true,
		})
		return

	case tracker.AlreadyInProgress:
		log.Info("Job in progress on another worker, skipping", slog.String("owner", begin.Owner))
		w.metrics.Duplicate(string(begin.Outcome))
		w.ack(msg.delivery, log)
		return
	}

	w.runClaimed(msg, log)
}

func (w *Worker) runClaimed(msg *message, log *slog.Logger) {
	job := msg.job
	started := time.Now()
	w.metrics.JobStarted()

	log.Info("Processing job",
		slog.String("content_id", job.ContentID),
		slog.String("mime_type", job.MimeType),
		slog.String("priority", string(job.EffectivePriority())),
		slog.Duration("queued", started.Sub(msg.received)),
	)
	w.events.Publish(domain.EventTypeJobStarted, job.JobID, events.StartedPayload{
		JobID:     job.JobID,
		ContentID: job.ContentID,
		Attempt:   job.AttemptCount,
		Priority:  job.EffectivePriority(),
		WorkerID:  w.workerID,
	})

	ctx, cancel := context.WithCancelCause(w.jobCtx)
	defer cancel(nil)

	heartbeatDone := make(chan struct{})
	go w.sendLeaseHeartbeat(ctx, cancel, job.JobID, heartbeatDone, log)

	result := w.orchestrator.Process(ctx, job, func(done, total int) {
		w.events.Publish(domain.EventTypeJobProgress, job.JobID, events.ProgressPayload{
			JobID:          job.JobID,
			PagesCompleted: done,
			TotalPages:     total,
		})
	})
	close(heartbeatDone)

	if errors.Is(context.Cause(ctx), ErrLeaseLost) {
		w.abandon(msg, log, started)
		return
	}

	if !result.Succeeded() && w.interrupted() {
		w.releaseInterrupted(msg, log, started)
		return
	}

	if result.Succeeded() {
		w.handleSuccess(msg, log, result, started)
		return
	}
	w.handleFailure(msg, log, result, started)
}

func (w *Worker) handleSuccess(msg *message, log *slog.Logger, result *domain.JobResult, started time.Time) {
	ctx, cancel := w.opContext()
	defer cancel()

	// the artifact exists either way, so a tracker error must not cause a rerun
	err := w.tracker.Complete(ctx, msg.job.JobID, w.workerID, result.DerivedContentID)
	switch {
	case errors.Is(err, tracker.ErrNotOwner):
		log.Warn("Job completed after its lease was reclaimed", slog.String("derived_content_id", result.DerivedContentID))
	case err != nil:
		log.Error("Failed to mark job completed", slog.Any("error", err))
	}
	w.ack(msg.delivery, log)

	w.metrics.JobFinished("completed", "", time.Since(started))
	w.events.Publish(domain.EventTypeJobCompleted, msg.job.JobID, events.CompletedPayload{JobResult: *result})
}

// handleFailure retries or quarantines a failed attempt. started is zero when
// the job was never claimed.
func (w *Worker) handleFailure(msg *message, log *slog.Logger, result *domain.JobResult, started time.Time) {
	job := msg.job
	kind := result.ErrorKind
	decision := w.retry.Decide(kind, job.AttemptCount, job.Hints.NoRetry)

	ctx, cancel := w.opContext()
	defer cancel()

	if !started.IsZero() {
		err := w.tracker.Fail(ctx, job.JobID, w.workerID, kind, result.ErrorMessage)
		if errors.Is(err, tracker.ErrNotOwner) {
			w.abandon(msg, log, started)
			return
		}
		if err != nil {
			log.Error("Failed to mark job failed", slog.Any("error", err))
		}
	}

	failed := events.FailedPayload{
		JobID:        job.JobID,
		ErrorKind:    kind,
		ErrorClass:   kind.Class(),
		ErrorMessage: result.ErrorMessage,
		Stage:        result.FailedStage,
		RetryCount:   job.AttemptCount,
		Reason:       decision.Reason,
	}

	if decision.Action == retry.ActionRetry {
		if err := w.scheduleRetry(ctx, job, decision.Delay); err != nil {
			// broker redelivers the original; the failed record stays reclaimable
			log.Error("Failed to schedule retry, requeueing", slog.Any("error", err))
			w.nack(msg.delivery, true, log)
			w.finish(started, "requeued", kind)
			return
		}
		w.ack(msg.delivery, log)

		log.Warn("Job failed, retry scheduled",
			slog.String("error_kind", string(kind)),
			slog.Duration("delay", decision.Delay),
		)
		w.metrics.Retried(string(kind))
		w.finish(started, "retried", kind)
		failed.WillRetry = true
		w.events.Publish(domain.EventTypeJobFailed, job.JobID, failed)
		return
	}

	w.deadLetter.Route(ctx, job, kind, result.ErrorMessage, job.AttemptCount, decision.Reason)
	w.ack(msg.delivery, log)

	log.Error("Job failed permanently",
		slog.String("error_kind", string(kind)),
		slog.String("reason", decision.Reason),
		slog.String("error", result.ErrorMessage),
	)
	w.finish(started, "failed", kind)
	w.events.Publish(domain.EventTypeJobFailed, job.JobID, failed)
}

func (w *Worker) scheduleRetry(ctx context.Context, job *domain.Job, delay time.Duration) error {
	if w.requeuer == nil {
		return errors.New("no requeuer configured")
	}
	body, err := domain.EncodeJob(job.NextAttempt(), domain.SourceWorker)
	if err != nil {
		return err
	}
	return w.requeuer.PublishDelayed(ctx, body, job.EffectivePriority().MessagePriority(), delay)
}

// releaseInterrupted hands the claim back so the broker's redelivery can proceed
func (w *Worker) releaseInterrupted(msg *message, log *slog.Logger, started time.Time) {
	ctx, cancel := w.opContext()
	defer cancel()

	if err := w.tracker.Release(ctx, msg.job.JobID, w.workerID); err != nil {
		log.Warn("Failed to release interrupted job", slog.Any("error", err))
	}
	log.Warn("Job interrupted by shutdown, left unacknowledged",
		slog.Any("cause", context.Cause(w.jobCtx)),
	)
	w.finish(started, "interrupted", "")
}

// abandon drops an attempt whose claim another worker now holds. The owner
// settles the job, so this delivery is acked without a retry or a dead letter.
func (w *Worker) abandon(msg *message, log *slog.Logger, started time.Time) {
	log.Warn("Job lease lost to another worker, abandoning attempt")
	w.ack(msg.delivery, log)
	w.finish(started, "abandoned", "")
}

func (w *Worker) finish(started time.Time, outcome string, kind domain.ErrorKind) {
	if started.IsZero() {
		return
	}
	w.metrics.JobFinished(outcome, string(kind), time.Since(started))
}

// sendLeaseHeartbeat extends the claim until done closes so long jobs are not
// mistaken for crashed ones. Losing the claim cancels the job with ErrLeaseLost.
func (w *Worker) sendLeaseHeartbeat(ctx context.Context, cancel context.CancelCauseFunc, jobID string, done <-chan struct{}, log *slog.Logger) {
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return

		case <-ctx.Done():
			return

		case <-ticker.C:
			err := w.tracker.Extend(ctx, jobID, w.workerID, w.lease)
			switch {
			case err == nil:
				log.Debug("Job lease extended")
			case errors.Is(err, tracker.ErrNotOwner):
				cancel(ErrLeaseLost)
				return
			default:
				log.Warn("Failed to extend job lease", slog.Any("error", err))
			}
		}
	}
}
