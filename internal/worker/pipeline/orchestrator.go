package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"time"

	"github.com/cuongbtq/simple-ocr/internal/content"
	"github.com/cuongbtq/simple-ocr/internal/convert"
	"github.com/cuongbtq/simple-ocr/internal/inference"
	"github.com/cuongbtq/simple-ocr/internal/worker/domain"
	"github.com/cuongbtq/simple-ocr/internal/worker/metrics"
	"github.com/cuongbtq/simple-ocr/shared/logger"
)

// ProgressFunc receives the number of pages finished so far. Calls are serialised.
type ProgressFunc func(pagesCompleted, totalPages int)

// Converter is the subset of convert.Registry the orchestrator needs
type Converter interface {
	Supports(mimeType string) bool
	Convert(ctx context.Context, req convert.Request) ([]convert.Page, error)
}

// Orchestrator runs one job through download, preprocessing, inference and upload
type Orchestrator struct {
	cfg       Config
	store     content.Store
	converter Converter
	engine    inference.Engine
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

type Option func(*Orchestrator)

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func New(cfg Config, store content.Store, converter Converter, engine inference.Engine, logger *slog.Logger, opts ...Option) *Orchestrator {
	cfg.applyDefaults()
	o := &Orchestrator{
		cfg:       cfg,
		store:     store,
		converter: converter,
		engine:    engine,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// JobTimeout is the deadline applied to a whole run of job
func (o *Orchestrator) JobTimeout(job *domain.Job) time.Duration {
	return capped(job.Hints.Timeout(), o.cfg.JobTimeout, o.cfg.MaxJobTimeout)
}

func (o *Orchestrator) pageTimeout(job *domain.Job) time.Duration {
	return capped(job.Hints.PageTimeout(), o.cfg.PageTimeout, o.cfg.MaxPageTimeout)
}

// Process runs job to completion or failure. It never panics on bad input and
// always returns a result; failures carry their classification and stage.
func (o *Orchestrator) Process(ctx context.Context, job *domain.Job, progress ProgressFunc) *domain.JobResult {
	start := o.now()
	log := logger.ForJob(o.logger, job.JobID, job.AttemptCount)

	result := &domain.JobResult{
		JobID:      job.JobID,
		RetryCount: job.AttemptCount,
		Engine:     o.engine.Name(),
		Model:      o.engine.Model(),
		Metadata:   job.Clone().Metadata,
	}

	run := &jobRun{o: o, job: job, log: log, progress: progress, start: start}
	err := o.validate(job)
	if err == nil {
		err = run.execute(ctx)
	}

	result.ProcessingTimeMs = o.now().Sub(start).Milliseconds()
	result.PageCount = run.pageCount

	if err != nil {
		result.Status = domain.ResultFailed
		result.ErrorKind = domain.KindOf(err)
		result.FailedStage = domain.StageOf(err)
		result.ErrorMessage = err.Error()
		log.Warn("Job failed",
			slog.String("stage", string(result.FailedStage)),
			slog.String("error_kind", string(result.ErrorKind)),
			slog.String("error", result.ErrorMessage),
		)
		return result
	}

	result.Status = domain.ResultCompleted
	result.DerivedContentID = run.derivedID
	result.OutputMimeType = run.outputMime
	o.metrics.PagesProcessed(run.pageCount)
	log.Info("Job completed",
		slog.String("derived_content_id", run.derivedID),
		slog.Int("page_count", run.pageCount),
		slog.Int64("processing_time_ms", result.ProcessingTimeMs),
	)
	return result
}

// validate rejects jobs before any stage does work
func (o *Orchestrator) validate(job *domain.Job) error {
	if err := job.Validate(); err != nil {
		return domain.NewValidationError(domain.StagePending, err)
	}
	if !o.converter.Supports(job.MimeType) {
		return domain.NewValidationError(domain.StagePending,
			fmt.Errorf("%w: %s", convert.ErrUnsupportedFormat, job.MimeType))
	}
	switch job.Hints.OutputFormat {
	case "", domain.OutputFormatMarkdown, domain.OutputFormatJSON:
	default:
		return domain.NewValidationError(domain.StagePending,
			fmt.Errorf("%w: output_format %q", domain.ErrInvalidHint, job.Hints.OutputFormat))
	}
	if mode := job.Hints.PromptMode; mode != "" && !inference.IsPromptMode(mode) {
		return domain.NewValidationError(domain.StagePending,
			fmt.Errorf("%w: prompt_mode %q", domain.ErrInvalidHint, mode))
	}
	return nil
}

// jobRun holds the state of one Process call
type jobRun struct {
	o        *Orchestrator
	job      *domain.Job
	log      *slog.Logger
	progress ProgressFunc
	start    time.Time

	scratch    string
	pageCount  int
	derivedID  string
	outputMime string
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

func (r *jobRun) execute(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.o.JobTimeout(r.job))
	defer cancel()

	scratch, err := os.MkdirTemp(r.o.cfg.ScratchDir, "ocr-"+unsafeChars.ReplaceAllString(r.job.JobID, "_")+"-")
	if err != nil {
		return domain.NewTransientError(domain.StagePending, fmt.Errorf("failed to create scratch directory: %w", err))
	}
	r.scratch = scratch
	defer r.cleanup()

	r.log.Debug("Stage", slog.String("stage", string(domain.StageDownloading)))
	source, err := r.download(ctx)
	if err != nil {
		return err
	}

	r.log.Debug("Stage", slog.String("stage", string(domain.StagePreprocessing)))
	pages, err := r.preprocess(ctx, source)
	if err != nil {
		return err
	}
	r.pageCount = len(pages)

	r.log.Debug("Stage", slog.String("stage", string(domain.StageInferring)), slog.Int("pages", len(pages)))
	texts, err := r.infer(ctx, pages)
	if err != nil {
		return err
	}

	body, mimeType, err := assemble(r.job.Hints.OutputFormat, texts)
	if err != nil {
		return domain.NewPermanentError(domain.StageUploading, err)
	}
	r.outputMime = mimeType

	r.log.Debug("Stage", slog.String("stage", string(domain.StageUploading)), slog.Int("bytes", len(body)))
	r.derivedID, err = r.upload(ctx, body, mimeType)
	return err
}

func (r *jobRun) cleanup() {
	if r.o.cfg.RetainScratch {
		r.log.Info("Retaining scratch directory", slog.String("path", r.scratch))
		return
	}
	if err := os.RemoveAll(r.scratch); err != nil {
		r.log.Warn("Failed to remove scratch directory", slog.String("path", r.scratch), slog.Any("error", err))
	}
}

// contextError classifies context errors raised inside stage, nil for anything else
func contextError(stage domain.Stage, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return domain.NewTimeoutError(stage, err)
	case errors.Is(err, context.Canceled):
		return domain.NewTransientError(stage, err)
	}
	return nil
}
