package pipeline

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cuongbtq/simple-ocr/internal/content"
	"github.com/cuongbtq/simple-ocr/internal/convert"
	"github.com/cuongbtq/simple-ocr/internal/inference"
	"github.com/cuongbtq/simple-ocr/internal/worker/domain"
	"golang.org/x/sync/errgroup"
)

// download streams the source into the scratch directory and verifies it
func (r *jobRun) download(ctx context.Context) (string, error) {
	const stage = domain.StageDownloading

	loc := content.Locator{URL: r.job.SourceURL}
	if loc.URL == "" {
		var err error
		loc, err = r.o.store.ResolveDownloadLocator(ctx, r.job.ContentID)
		if err != nil {
			return "", classifyContent(stage, err)
		}
	}

	rc, err := r.o.store.Download(ctx, loc)
	if err != nil {
		return "", classifyContent(stage, err)
	}
	defer rc.Close()

	// Converters such as soffice pick the input filter from the extension
	path := filepath.Join(r.scratch, "source"+sourceExtension(r.job.MimeType))
	f, err := os.Create(path)
	if err != nil {
		return "", domain.NewTransientError(stage, fmt.Errorf("failed to create source file: %w", err))
	}
	defer f.Close()

	limit := r.o.cfg.MaxPayloadBytes
	hash := sha256.New()
	n, err := io.Copy(io.MultiWriter(f, hash), io.LimitReader(rc, limit+1))
	if err != nil {
		if cerr := contextError(stage, err); cerr != nil {
			return "", cerr
		}
		return "", domain.NewTransientError(stage, fmt.Errorf("failed to read source: %w", err))
	}
	if n > limit {
		return "", domain.NewValidationError(stage, fmt.Errorf("source exceeds maximum payload of %d bytes", limit))
	}
	if n == 0 {
		return "", domain.NewValidationError(stage, errors.New("source is empty"))
	}

	hints := r.job.Hints
	if hints.ExpectedSize > 0 && n != hints.ExpectedSize {
		return "", domain.NewTransientError(stage, fmt.Errorf("size mismatch: expected %d bytes, received %d", hints.ExpectedSize, n))
	}
	if want := normalizeChecksum(hints.Checksum); want != "" {
		if got := hex.EncodeToString(hash.Sum(nil)); got != want {
			return "", domain.NewTransientError(stage, fmt.Errorf("checksum mismatch: expected %s, received %s", want, got))
		}
	}

	r.log.Debug("Source downloaded", slog.Int64("bytes", n))
	return path, nil
}

func normalizeChecksum(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.TrimPrefix(s, "sha256:")
}

func sourceExtension(mimeType string) string {
	exts, err := mime.ExtensionsByType(convert.NormalizeMimeType(mimeType))
	if err != nil || len(exts) == 0 {
		return ""
	}
	return exts[0]
}

// classifyContent maps content store errors; not found and other 4xx are the
// caller's fault, everything else is environmental
func classifyContent(stage domain.Stage, err error) error {
	if cerr := contextError(stage, err); cerr != nil {
		return cerr
	}
	if errors.Is(err, content.ErrNotFound) {
		return domain.NewValidationError(stage, err)
	}
	var se *content.StatusError
	if errors.As(err, &se) && !se.Temporary() && se.StatusCode >= http.StatusBadRequest && se.StatusCode < http.StatusInternalServerError {
		return domain.NewValidationError(stage, err)
	}
	return domain.NewTransientError(stage, err)
}

func (r *jobRun) preprocess(ctx context.Context, source string) ([]convert.Page, error) {
	const stage = domain.StagePreprocessing

	workDir := filepath.Join(r.scratch, "pages")
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, domain.NewTransientError(stage, fmt.Errorf("failed to create pages directory: %w", err))
	}

	resolution := r.job.Hints.Resolution
	if resolution <= 0 {
		resolution = r.o.cfg.DefaultResolution
	}

	pages, err := r.o.converter.Convert(ctx, convert.Request{
		SourcePath: source,
		MimeType:   r.job.MimeType,
		WorkDir:    workDir,
		Resolution: resolution,
	})
	if err != nil {
		if cerr := contextError(stage, err); cerr != nil {
			return nil, cerr
		}
		if errors.Is(err, convert.ErrUnsupportedFormat) || errors.Is(err, convert.ErrTooManyPages) {
			return nil, domain.NewValidationError(stage, err)
		}
		return nil, domain.NewPermanentError(stage, err)
	}
	if len(pages) == 0 {
		return nil, domain.NewPermanentError(stage, errors.New("document has no pages"))
	}
	return pages, nil
}

// infer runs every page through the engine. Results land in their page slot,
// so output order never depends on completion order.
func (r *jobRun) infer(ctx context.Context, pages []convert.Page) ([]string, error) {
	const stage = domain.StageInferring

	texts := make([]string, len(pages))
	pageTimeout := r.o.pageTimeout(r.job)
	maxTokens := r.job.Hints.MaxTokens
	if maxTokens <= 0 {
		maxTokens = r.o.cfg.MaxTokens
	}
	prompt := inference.PromptFor(r.job.Hints.PromptMode)

	var (
		mu   sync.Mutex
		done int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.o.cfg.PageConcurrency)

	for i, page := range pages {
		g.Go(func() error {
			image, err := os.ReadFile(page.Path)
			if err != nil {
				return domain.NewTransientError(stage, fmt.Errorf("failed to read page %d: %w", page.Number, err))
			}

			pctx, cancel := context.WithTimeout(gctx, pageTimeout)
			defer cancel()

			started := time.Now()
			resp, err := r.o.engine.Infer(pctx, &inference.Request{
				Image:     image,
				MimeType:  page.MimeType,
				Prompt:    prompt,
				MaxTokens: maxTokens,
			})
			if err != nil {
				return classifyInference(page.Number, err)
			}
			r.o.metrics.PageInferred(r.o.engine.Name(), time.Since(started))

			texts[i] = resp.Text

			mu.Lock()
			done++
			if r.progress != nil {
				r.progress(done, len(pages))
			}
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return texts, nil
}

func classifyInference(page int, err error) error {
	const stage = domain.StageInferring
	err = fmt.Errorf("page %d: %w", page, err)

	var fatal *inference.FatalError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return domain.NewTimeoutError(stage, err)
	case errors.As(err, &fatal):
		return domain.NewPermanentError(stage, err)
	default:
		// unavailable, cancelled and unknown engine errors are all worth another attempt
		return domain.NewTransientError(stage, err)
	}
}

// upload registers the derived artifact and writes body. Both calls share one
// bounded retry budget so a flaky store never costs another inference pass.
func (r *jobRun) upload(ctx context.Context, body []byte, mimeType string) (string, error) {
	const stage = domain.StageUploading

	req := content.DerivedRequest{
		ContentID:   r.job.ContentID,
		ObjectID:    r.job.ObjectID,
		DerivedType: r.o.cfg.DerivedType,
		MimeType:    mimeType,
		Metadata: map[string]string{
			"job_id":             r.job.JobID,
			"page_count":         strconv.Itoa(r.pageCount),
			"source_mime_type":   r.job.MimeType,
			"engine":             r.o.engine.Name(),
			"model":              r.o.engine.Model(),
			"processing_time_ms": strconv.FormatInt(r.o.now().Sub(r.start).Milliseconds(), 10),
		},
	}

	var (
		artifact *content.DerivedArtifact
		err      error
	)
	delay := r.o.cfg.UploadRetryDelay
	for attempt := 1; ; attempt++ {
		step := "create"
		if artifact == nil {
			var created *content.DerivedArtifact
			if created, err = r.o.store.CreateDerivedArtifact(ctx, req); err == nil {
				artifact = created
			}
		}
		if artifact != nil {
			step = "upload"
			err = r.o.store.Upload(ctx, artifact.Upload, bytes.NewReader(body), mimeType)
			if err == nil {
				return artifact.DerivedID, nil
			}
		}

		if cerr := contextError(stage, err); cerr != nil {
			return "", cerr
		}
		if cerr := classifyContent(stage, err); !domain.KindOf(cerr).Retryable() {
			return "", cerr
		}
		if attempt >= r.o.cfg.UploadRetries {
			break
		}

		r.log.Warn("Upload failed, retrying",
			slog.String("step", step),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.Any("error", err),
		)
		select {
		case <-ctx.Done():
			return "", contextError(stage, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}

	return "", domain.NewTransientError(stage, fmt.Errorf("upload failed after %d attempts: %w", r.o.cfg.UploadRetries, err))
}
