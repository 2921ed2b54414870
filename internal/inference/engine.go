package inference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrUnavailable marks failures the caller may retry later: throttling,
// overloaded or unreachable servers
var ErrUnavailable = errors.New("inference engine unavailable")

// FatalError is a rejection that will repeat on retry
type FatalError struct {
	StatusCode int
	Message    string
}

func (e *FatalError) Error() string {
	if e.StatusCode == 0 {
		return "inference failed: " + e.Message
	}
	return fmt.Sprintf("inference failed with status %d: %s", e.StatusCode, e.Message)
}

// Request is one page sent for recognition
type Request struct {
	Image     []byte
	MimeType  string
	Prompt    string
	MaxTokens int
}

// Response is the recognised text of one page
type Response struct {
	Text             string
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// Engine recognises text in page images
type Engine interface {
	Name() string
	Model() string
	Infer(ctx context.Context, req *Request) (*Response, error)
}

// Engine names
const (
	EngineMock = "mock"
	EngineVLLM = "vllm"
)

// Config selects and configures an engine
type Config struct {
	Engine         string
	BaseURL        string
	Model          string
	APIKey         string
	Temperature    float64
	MaxTokens      int
	RequestTimeout time.Duration

	// RateLimit caps requests per second across the process; zero disables it
	RateLimit float64
	Burst     int

	MockDelay    time.Duration
	MockFailRate float64
}

// New builds the configured engine
func New(cfg Config, logger *slog.Logger) (Engine, error) {
	var engine Engine

	switch cfg.Engine {
	case EngineMock, "":
		engine = NewMockEngine(cfg.MockDelay, cfg.MockFailRate)
	case EngineVLLM:
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("inference base_url is required for engine %q", cfg.Engine)
		}
		engine = NewVLLMEngine(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown inference engine %q", cfg.Engine)
	}

	if cfg.RateLimit > 0 {
		engine = RateLimited(engine, cfg.RateLimit, cfg.Burst)
	}

	logger.Info("Inference engine initialized",
		slog.String("engine", engine.Name()),
		slog.String("model", engine.Model()),
		slog.Float64("rate_limit", cfg.RateLimit),
	)

	return engine, nil
}
