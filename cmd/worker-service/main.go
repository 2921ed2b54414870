package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/simple-ocr/internal/bootstrap"
	"github.com/cuongbtq/simple-ocr/internal/config"
	"github.com/cuongbtq/simple-ocr/internal/convert"
	"github.com/cuongbtq/simple-ocr/internal/inference"
	"github.com/cuongbtq/simple-ocr/internal/worker"
	"github.com/cuongbtq/simple-ocr/internal/worker/dlq"
	"github.com/cuongbtq/simple-ocr/internal/worker/metrics"
	"github.com/cuongbtq/simple-ocr/internal/worker/pipeline"
	"github.com/cuongbtq/simple-ocr/internal/worker/retry"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := bootstrap.InitLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	workerID := uuid.NewString()
	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("worker_id", workerID),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rabbitClient, err := bootstrap.InitRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	appLogger.Info("RabbitMQ connection established")

	jobTracker, closeTracker, err := bootstrap.InitTracker(ctx, cfg, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize tracker: %w", err)
	}
	defer closeTracker()

	m := metrics.New()

	eventPublisher, closeEvents, err := bootstrap.InitEvents(cfg, rabbitClient, m, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize events: %w", err)
	}
	defer closeEvents()

	store, err := bootstrap.InitContentStore(&cfg.Content, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize content store: %w", err)
	}

	engine, err := inference.New(inference.Config{
		Engine:         cfg.Inference.Engine,
		BaseURL:        cfg.Inference.BaseURL,
		Model:          cfg.Inference.Model,
		APIKey:         cfg.Inference.APIKey,
		Temperature:    cfg.Inference.Temperature,
		MaxTokens:      cfg.Inference.MaxTokens,
		RequestTimeout: cfg.Inference.RequestTimeout,
		RateLimit:      cfg.Inference.RateLimit,
		Burst:          cfg.Inference.Burst,
		MockDelay:      cfg.Inference.MockDelay,
		MockFailRate:   cfg.Inference.MockFailRate,
	}, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize inference engine: %w", err)
	}

	converters := convert.NewDefaultRegistry(convert.Config{
		MaxParallel:  cfg.Convert.MaxParallel,
		DPI:          cfg.Convert.DPI,
		MaxPages:     cfg.Convert.MaxPages,
		PdftoppmPath: cfg.Convert.PdftoppmPath,
		SofficePath:  cfg.Convert.SofficePath,
	}, appLogger.Logger)

	orchestrator := pipeline.New(pipeline.Config{
		JobTimeout:        cfg.Worker.JobTimeout,
		MaxJobTimeout:     cfg.Worker.MaxJobTimeout,
		DefaultResolution: cfg.Pipeline.DefaultResolution,
		MaxPayloadBytes:   cfg.Pipeline.MaxPayloadBytes,
		ScratchDir:        cfg.Pipeline.ScratchDir,
		RetainScratch:     cfg.Pipeline.RetainScratch,
		UploadRetries:     cfg.Pipeline.UploadRetries,
		UploadRetryDelay:  cfg.Pipeline.UploadRetryDelay,
		PageConcurrency:   cfg.Inference.PageConcurrency,
		PageTimeout:       cfg.Inference.PageTimeout,
		MaxPageTimeout:    cfg.Inference.MaxPageTimeout,
		MaxTokens:         cfg.Inference.MaxTokens,
		DerivedType:       cfg.Pipeline.DerivedType,
	}, store, converters, engine, appLogger.Logger, pipeline.WithMetrics(m))

	backoff, err := retry.NewStrategy(cfg.Retry.Strategy, cfg.Retry.InitialDelay, cfg.Retry.MaxDelay, cfg.Retry.Jitter)
	if err != nil {
		return fmt.Errorf("invalid retry config: %w", err)
	}

	deadLetter := dlq.NewRouter(rabbitClient, appLogger.Logger,
		dlq.WithWorkerID(workerID),
		dlq.WithMaxRetries(cfg.Retry.MaxRetries),
		dlq.WithMetrics(m),
	)

	workerInstance := worker.NewWorker(&worker.Config{
		Logger:            appLogger.Logger,
		Source:            rabbitClient,
		Requeuer:          rabbitClient,
		Tracker:           jobTracker,
		Orchestrator:      orchestrator,
		Retry:             retry.NewController(cfg.Retry.MaxRetries, backoff),
		DeadLetter:        deadLetter,
		Events:            eventPublisher,
		Metrics:           m,
		WorkerID:          workerID,
		ConsumerGroup:     cfg.Worker.ConsumerGroup,
		Prefetch:          cfg.RabbitMQ.Consumer.PrefetchCount,
		Lease:             cfg.Tracker.Lease,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		LaneWeights: worker.LaneWeights{
			High:   cfg.Worker.LaneWeights.High,
			Normal: cfg.Worker.LaneWeights.Normal,
			Low:    cfg.Worker.LaneWeights.Low,
		},
	})

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metricsServer = startMetricsServer(&cfg.Metrics, m, rabbitClient.IsConnected, appLogger.Logger)
	}

	if err := workerInstance.Start(ctx, cfg.Worker.Concurrency); err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}

	appLogger.Info("Worker service started successfully",
		slog.Int("concurrency", cfg.Worker.Concurrency),
		slog.String("tracker", cfg.Tracker.Backend),
		slog.String("events", cfg.Events.Transport),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-workerInstance.Errors():
		// Exit so the supervisor restarts us with a fresh connection
		appLogger.Error("Worker error", slog.Any("error", err))
		runErr = err
	case <-rabbitClient.NotifyClose():
		runErr = errors.New("rabbitmq connection closed")
		appLogger.Error("Worker error", slog.Any("error", runErr))
	}

	if err := workerInstance.Stop(cfg.Worker.ShutdownTimeout); err != nil {
		appLogger.Warn("Worker shutdown incomplete", slog.Any("error", err))
	} else {
		appLogger.Info("Worker stopped gracefully")
	}

	flushCtx, flushCancel := context.WithTimeout(context.Background(), cfg.Events.CloseTimeout)
	defer flushCancel()
	if err := eventPublisher.Close(flushCtx); err != nil {
		appLogger.Warn("Lifecycle events dropped at shutdown", slog.Any("error", err))
	}

	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}

	appLogger.Info("Worker service shutdown complete")
	return runErr
}

// startMetricsServer exposes Prometheus metrics and a liveness probe
func startMetricsServer(cfg *config.MetricsConfig, m *metrics.Metrics, connected func() bool, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, m.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		if !connected() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unhealthy"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", slog.Any("error", err))
		}
	}()

	logger.Info("Metrics server listening", slog.String("address", srv.Addr), slog.String("path", cfg.Path))
	return srv
}
