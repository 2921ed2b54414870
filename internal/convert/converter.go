package convert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"
)

var (
	// ErrUnsupportedFormat is returned for mime types no converter handles
	ErrUnsupportedFormat = errors.New("unsupported format")

	// ErrCorruptSource is returned when a source cannot be decoded
	ErrCorruptSource = errors.New("corrupt source")

	// ErrToolMissing is returned when an external converter binary is not installed
	ErrToolMissing = errors.New("conversion tool not installed")

	// ErrTooManyPages is returned when a document exceeds the page limit
	ErrTooManyPages = errors.New("document exceeds page limit")
)

// Page is one rendered page image, numbered from 1
type Page struct {
	Number   int
	Path     string
	MimeType string
}

// Request describes one conversion
type Request struct {
	SourcePath string
	MimeType   string
	WorkDir    string
	// Resolution bounds the longer side of each page in pixels; zero keeps the source size
	Resolution int
}

// Converter renders a source document into page images
type Converter interface {
	Supports(mimeType string) bool
	Convert(ctx context.Context, req Request) ([]Page, error)
}

// NormalizeMimeType lowercases and strips parameters, "image/PNG; q=1" -> "image/png"
func NormalizeMimeType(mimeType string) string {
	if mt, _, err := mime.ParseMediaType(mimeType); err == nil {
		return mt
	}
	return strings.ToLower(strings.TrimSpace(mimeType))
}

// Registry dispatches by mime type. Conversions are CPU bound, so they run
// under a weighted semaphore separate from the job pool.
type Registry struct {
	converters []Converter
	sem        *semaphore.Weighted
	logger     *slog.Logger
}

// NewRegistry creates a registry allowing maxParallel concurrent conversions
func NewRegistry(maxParallel int64, logger *slog.Logger, converters ...Converter) *Registry {
	if maxParallel <= 0 {
		maxParallel = 1
	}
	return &Registry{
		converters: converters,
		sem:        semaphore.NewWeighted(maxParallel),
		logger:     logger,
	}
}

func (r *Registry) find(mimeType string) Converter {
	mt := NormalizeMimeType(mimeType)
	for _, c := range r.converters {
		if c.Supports(mt) {
			return c
		}
	}
	return nil
}

func (r *Registry) Supports(mimeType string) bool {
	return r.find(mimeType) != nil
}

func (r *Registry) Convert(ctx context.Context, req Request) ([]Page, error) {
	c := r.find(req.MimeType)
	if c == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, req.MimeType)
	}

	waitStart := time.Now()
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer r.sem.Release(1)

	if waited := time.Since(waitStart); waited > time.Second {
		r.logger.Debug("Waited for conversion slot", slog.Duration("waited", waited))
	}

	req.MimeType = NormalizeMimeType(req.MimeType)
	return c.Convert(ctx, req)
}

// NewDefaultRegistry wires the image, PDF and office converters
func NewDefaultRegistry(cfg Config, logger *slog.Logger) *Registry {
	pdf := NewPDFConverter(cfg.PdftoppmPath, cfg.DPI, cfg.MaxPages)
	return NewRegistry(cfg.MaxParallel, logger,
		NewImageConverter(),
		pdf,
		NewOfficeConverter(cfg.SofficePath, pdf),
	)
}

// Config configures the default converters
type Config struct {
	MaxParallel  int64
	DPI          int
	MaxPages     int
	PdftoppmPath string
	SofficePath  string
}
