package pipeline

import (
	"time"

	"github.com/cuongbtq/simple-ocr/internal/worker/domain"
)

// Config holds orchestrator limits. Zero values take the defaults below.
type Config struct {
	JobTimeout    time.Duration
	MaxJobTimeout time.Duration

	DefaultResolution int
	MaxPayloadBytes   int64
	ScratchDir        string
	RetainScratch     bool

	UploadRetries    int
	UploadRetryDelay time.Duration

	PageConcurrency int
	PageTimeout     time.Duration
	MaxPageTimeout  time.Duration
	MaxTokens       int

	DerivedType string
}

const (
	DefaultJobTimeout        = 10 * time.Minute
	DefaultMaxJobTimeout     = 30 * time.Minute
	DefaultResolution        = 1024
	DefaultMaxPayloadBytes   = 50 << 20
	DefaultUploadRetries     = 3
	DefaultUploadRetryDelay  = 500 * time.Millisecond
	DefaultPageConcurrency   = 1
	DefaultPageTimeout       = 30 * time.Second
	DefaultMaxPageTimeout    = 300 * time.Second
	DefaultInferenceMaxToken = 2048
)

func (c *Config) applyDefaults() {
	if c.JobTimeout <= 0 {
		c.JobTimeout = DefaultJobTimeout
	}
	if c.MaxJobTimeout <= 0 {
		c.MaxJobTimeout = DefaultMaxJobTimeout
	}
	if c.DefaultResolution <= 0 {
		c.DefaultResolution = DefaultResolution
	}
	if c.MaxPayloadBytes <= 0 {
		c.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	if c.UploadRetries <= 0 {
		c.UploadRetries = DefaultUploadRetries
	}
	if c.UploadRetryDelay <= 0 {
		c.UploadRetryDelay = DefaultUploadRetryDelay
	}
	if c.PageConcurrency <= 0 {
		c.PageConcurrency = DefaultPageConcurrency
	}
	if c.PageTimeout <= 0 {
		c.PageTimeout = DefaultPageTimeout
	}
	if c.MaxPageTimeout <= 0 {
		c.MaxPageTimeout = DefaultMaxPageTimeout
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultInferenceMaxToken
	}
	if c.DerivedType == "" {
		c.DerivedType = domain.DerivedTypeOCRMarkdown
	}
}

// capped returns hint when set, bounded by max, else def
func capped(hint, def, max time.Duration) time.Duration {
	if hint <= 0 {
		return def
	}
	if hint > max {
		return max
	}
	return hint
}
