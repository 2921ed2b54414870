package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cuongbtq/simple-ocr/internal/worker/domain"
	"github.com/cuongbtq/simple-ocr/internal/worker/events"
	amqp "github.com/rabbitmq/amqp091-go"
)

// startMessageDispatcher decodes deliveries and queues them into the priority lanes
func (w *Worker) startMessageDispatcher(ctx context.Context, deliveries <-chan amqp.Delivery) {
	defer w.dispatchWG.Done()
	w.logger.Info("Message dispatcher started", slog.String("consumer_tag", w.consumerTag))

	for {
		select {
		case <-w.stop:
			w.requeueBuffered(deliveries)
			w.logger.Info("Message dispatcher stopped")
			return

		case <-ctx.Done():
			w.logger.Info("Message dispatcher stopped - context canceled")
			return

		case delivery, ok := <-deliveries:
			if !ok {
				select {
				case <-w.stop:
				default:
					w.logger.Error("RabbitMQ delivery channel closed")
					w.reportError(ErrDeliveriesClosed)
				}
				return
			}
			w.dispatch(delivery)
		}
	}
}

func (w *Worker) dispatch(delivery amqp.Delivery) {
	job, err := domain.DecodeJob(delivery.Body)
	if err != nil {
		w.handleMalformed(delivery, job, err)
		return
	}

	if keys := job.Hints.UnrecognizedKeys(); len(keys) > 0 {
		w.logger.Debug("Job carries unrecognised hints",
			slog.String("job_id", job.JobID),
			slog.Any("keys", keys),
		)
	}

	msg := &message{delivery: delivery, job: job, received: time.Now()}
	if !w.lanes.push(msg, w.stop) {
		// left in the lanes; Stop drains and requeues it
		return
	}
	w.logger.Debug("Job dispatched to lane",
		slog.String("job_id", job.JobID),
		slog.String("priority", string(job.EffectivePriority())),
		slog.Uint64("delivery_tag", delivery.DeliveryTag),
	)
}

// handleMalformed quarantines a message that can never be processed. A body
// that parsed but failed validation keeps its job in the dead-letter entry.
func (w *Worker) handleMalformed(delivery amqp.Delivery, job *domain.Job, err error) {
	jobID := ""
	if job != nil {
		jobID = job.JobID
	}
	log := w.logger.With(slog.String("job_id", jobID))
	log.Error("Rejecting malformed message",
		slog.Uint64("delivery_tag", delivery.DeliveryTag),
		slog.Any("error", err),
	)

	ctx, cancel := w.opContext()
	defer cancel()

	if job != nil && errors.Is(err, domain.ErrInvalidJob) {
		w.deadLetter.Route(ctx, job, domain.KindValidation, err.Error(), job.AttemptCount, "invalid job")
	} else {
		w.deadLetter.RouteRaw(ctx, delivery.Body, err.Error())
	}
	w.ack(delivery, log)

	w.events.Publish(domain.EventTypeJobFailed, jobID, events.FailedPayload{
		JobID:        jobID,
		ErrorKind:    domain.KindValidation,
		ErrorClass:   domain.KindValidation,
		ErrorMessage: err.Error(),
		Stage:        domain.StagePending,
		Reason:       "malformed message",
	})
}

// requeueBuffered returns deliveries already handed to the client but not yet dispatched
func (w *Worker) requeueBuffered(deliveries <-chan amqp.Delivery) {
	for {
		select {
		case delivery, ok := <-deliveries:
			if !ok {
				return
			}
			w.nack(delivery, true, w.logger)
		default:
			return
		}
	}
}

func (w *Worker) ack(delivery amqp.Delivery, log *slog.Logger) {
	if err := delivery.Ack(false); err != nil {
		log.Error("Failed to ACK message",
			slog.Uint64("delivery_tag", delivery.DeliveryTag),
			slog.Any("error", err),
		)
	}
}

func (w *Worker) nack(delivery amqp.Delivery, requeue bool, log *slog.Logger) {
	if err := delivery.Nack(false, requeue); err != nil {
		log.Error("Failed to NACK message",
			slog.Uint64("delivery_tag", delivery.DeliveryTag),
			slog.Bool("requeue", requeue),
			slog.Any("error", err),
		)
	}
}
