// Command dlq-replay drains the dead-letter queue and resubmits every entry
// that still carries its job. Replayed jobs are forced past the idempotency
// check. Entries that cannot be replayed stay in the queue.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/simple-ocr/internal/bootstrap"
	"github.com/cuongbtq/simple-ocr/internal/config"
	"github.com/cuongbtq/simple-ocr/internal/jobclient"
	"github.com/cuongbtq/simple-ocr/internal/worker/dlq"
	"github.com/cuongbtq/simple-ocr/internal/worker/domain"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	amqp "github.com/rabbitmq/amqp091-go"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	limit := flag.Int("limit", 0, "Maximum entries to replay (0 = all)")
	dryRun := flag.Bool("dry-run", false, "Log entries without replaying them")
	idle := flag.Duration("idle", 5*time.Second, "Stop after this long without a message")
	prefetch := flag.Int("prefetch", 100, "Unacknowledged entries held at once")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := bootstrap.InitLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	rabbitClient, err := bootstrap.InitRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	consumerTag := "dlq-replay-" + uuid.NewString()
	deliveries, err := rabbitClient.ConsumeQueue(cfg.RabbitMQ.Queues.DeadLetter.Name, consumerTag, *prefetch)
	if err != nil {
		return fmt.Errorf("failed to consume dead letter queue: %w", err)
	}
	defer rabbitClient.CancelConsumer(consumerTag)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := &replayer{
		jobs:   jobclient.New(rabbitClient, nil, appLogger.Logger),
		logger: appLogger.Logger,
		limit:  *limit,
		dryRun: *dryRun,
		idle:   *idle,
	}
	stats := r.run(ctx, deliveries)

	appLogger.Info("Dead letter replay finished",
		slog.Int("replayed", stats.replayed),
		slog.Int("skipped", stats.skipped),
		slog.Int("failed", stats.failed),
		slog.Bool("dry_run", *dryRun),
	)

	if stats.failed > 0 {
		return fmt.Errorf("%d entries failed to replay", stats.failed)
	}
	return nil
}

// jobReplayer is implemented by *jobclient.Client
type jobReplayer interface {
	Replay(ctx context.Context, entry *dlq.Entry) (*domain.Job, error)
}

type replayer struct {
	jobs   jobReplayer
	logger *slog.Logger
	limit  int
	dryRun bool
	idle   time.Duration

	held []amqp.Delivery
}

type replayStats struct {
	replayed int
	skipped  int
	failed   int
}

func (r *replayer) run(ctx context.Context, deliveries <-chan amqp.Delivery) replayStats {
	var stats replayStats
	defer func() {
		for _, d := range r.held {
			_ = d.Nack(false, true)
		}
		r.held = nil
	}()

	timer := time.NewTimer(r.idle)
	defer timer.Stop()

	for r.limit <= 0 || stats.replayed < r.limit {
		select {
		case <-ctx.Done():
			return stats
		case <-timer.C:
			return stats
		case d, ok := <-deliveries:
			if !ok {
				return stats
			}
			r.handle(ctx, d, &stats)
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(r.idle)
		}
	}
	return stats
}

// handle acks replayed entries. Everything else is held unacked until the run
// ends so the broker does not hand the same entry straight back.
func (r *replayer) handle(ctx context.Context, d amqp.Delivery, stats *replayStats) {
	entry, err := dlq.DecodeEntry(d.Body)
	if err != nil {
		r.logger.Warn("Skipping undecodable dead letter", slog.String("error", err.Error()))
		stats.skipped++
		r.held = append(r.held, d)
		return
	}

	entryLog := r.logger.With(
		slog.String("job_id", entry.JobID()),
		slog.String("error_kind", string(entry.ErrorKind)),
		slog.String("reason", entry.Reason),
		slog.Int("attempt", entry.AttemptCount),
	)

	if r.dryRun {
		entryLog.Info("Would replay dead letter", slog.String("error_message", entry.ErrorMessage))
		stats.skipped++
		r.held = append(r.held, d)
		return
	}

	job, err := r.jobs.Replay(ctx, entry)
	switch {
	case errors.Is(err, dlq.ErrNotReplayable):
		entryLog.Warn("Dead letter has no job to replay")
		stats.skipped++
		r.held = append(r.held, d)
	case err != nil:
		entryLog.Error("Failed to replay dead letter", slog.String("error", err.Error()))
		stats.failed++
		r.held = append(r.held, d)
	default:
		entryLog.Info("Replayed dead letter", slog.Int("new_attempt", job.AttemptCount))
		stats.replayed++
		_ = d.Ack(false)
	}
}
