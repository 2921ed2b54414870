package handler

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/simple-ocr/internal/worker/dlq"
	"github.com/cuongbtq/simple-ocr/internal/worker/domain"
	"github.com/cuongbtq/simple-ocr/internal/worker/tracker"
)

// JobService is implemented by *jobclient.Client
type JobService interface {
	SubmitJob(ctx context.Context, job *domain.Job) (*domain.Job, error)
	QueryStatus(ctx context.Context, jobID string) (*tracker.Record, error)
	Replay(ctx context.Context, entry *dlq.Entry) (*domain.Job, error)
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger      *slog.Logger
	Jobs        JobService
	ServiceName string
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger *slog.Logger
	jobs   JobService
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger: deps.Logger,
		jobs:   deps.Jobs,
	}
}
