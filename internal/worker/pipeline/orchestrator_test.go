package pipeline

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"image/color"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuongbtq/simple-ocr/internal/content"
	"github.com/cuongbtq/simple-ocr/internal/convert"
	"github.com/cuongbtq/simple-ocr/internal/inference"
	"github.com/cuongbtq/simple-ocr/internal/worker/domain"
	"github.com/cuongbtq/simple-ocr/shared/logger"
	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu sync.Mutex

	data        []byte
	resolveErr  error
	downloadErr error
	createErr   error
	createFails int
	uploadFails int

	downloads   int
	createCalls int
	uploadCalls int
	uploaded    []byte
	derived     content.DerivedRequest
}

func (s *fakeStore) ResolveDownloadLocator(_ context.Context, contentID string) (content.Locator, error) {
	if s.resolveErr != nil {
		return content.Locator{}, s.resolveErr
	}
	return content.Locator{URL: "mem://" + contentID}, nil
}

func (s *fakeStore) Download(_ context.Context, _ content.Locator) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.downloads++
	if s.downloadErr != nil {
		return nil, s.downloadErr
	}
	return io.NopCloser(bytes.NewReader(s.data)), nil
}

func (s *fakeStore) CreateDerivedArtifact(_ context.Context, req content.DerivedRequest) (*content.DerivedArtifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createCalls++
	if s.createErr != nil {
		return nil, s.createErr
	}
	if s.createCalls <= s.createFails {
		return nil, &content.StatusError{Op: "create derived", StatusCode: 503, Body: "busy"}
	}
	s.derived = req
	return &content.DerivedArtifact{DerivedID: "d1", ContentID: req.ContentID, Upload: content.Locator{URL: "mem://d1"}}, nil
}

func (s *fakeStore) Upload(_ context.Context, _ content.Locator, r io.Reader, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploadCalls++
	if s.uploadCalls <= s.uploadFails {
		return &content.StatusError{Op: "upload", StatusCode: 503, Body: "busy"}
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.uploaded = body
	return nil
}

// fakeConverter writes pages whose bytes are "page N"
type fakeConverter struct {
	pages int
	err   error
}

func (c *fakeConverter) Supports(mimeType string) bool {
	return mimeType == "application/pdf" || mimeType == "image/png"
}

func (c *fakeConverter) Convert(_ context.Context, req convert.Request) ([]convert.Page, error) {
	if c.err != nil {
		return nil, c.err
	}
	pages := make([]convert.Page, 0, c.pages)
	for n := 1; n <= c.pages; n++ {
		path := filepath.Join(req.WorkDir, fmt.Sprintf("page-%d.png", n))
		if err := os.WriteFile(path, []byte(fmt.Sprintf("page %d", n)), 0o644); err != nil {
			return nil, err
		}
		pages = append(pages, convert.Page{Number: n, Path: path, MimeType: "image/png"})
	}
	return pages, nil
}

// fakeEngine echoes the page bytes as text unless infer is set
type fakeEngine struct {
	infer func(ctx context.Context, req *inference.Request) (*inference.Response, error)
	calls atomic.Int32
}

func (e *fakeEngine) Name() string  { return "fake" }
func (e *fakeEngine) Model() string { return "fake-model" }

func (e *fakeEngine) Infer(ctx context.Context, req *inference.Request) (*inference.Response, error) {
	e.calls.Add(1)
	if e.infer != nil {
		return e.infer(ctx, req)
	}
	return &inference.Response{Text: "text of " + string(req.Image)}, nil
}

func blockingInfer(ctx context.Context, _ *inference.Request) (*inference.Response, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func newJob() *domain.Job {
	return &domain.Job{JobID: "j1", ContentID: "c1", MimeType: "application/pdf"}
}

func testConfig(t *testing.T) Config {
	return Config{
		ScratchDir:       t.TempDir(),
		UploadRetryDelay: time.Millisecond,
	}
}

func assertScratchEmpty(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "scratch directory should be removed")
}

func TestProcess_ImageEndToEnd(t *testing.T) {
	store, err := content.NewFilesystemStore(t.TempDir())
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, imaging.New(64, 32, color.White), imaging.PNG))
	require.NoError(t, store.PutContent("c1", buf.Bytes()))

	cfg := testConfig(t)
	o := New(cfg, store,
		convert.NewRegistry(1, logger.NewDiscard(), convert.NewImageConverter()),
		inference.NewMockEngine(0, 0),
		logger.NewDiscard(),
	)

	result := o.Process(context.Background(), &domain.Job{JobID: "j1", ContentID: "c1", MimeType: "image/png"}, nil)

	require.True(t, result.Succeeded(), result.ErrorMessage)
	assert.Equal(t, 1, result.PageCount)
	assert.Equal(t, inference.EngineMock, result.Engine)
	assert.Equal(t, domain.MimeTypeMarkdown, result.OutputMimeType)
	require.NotEmpty(t, result.DerivedContentID)

	out, err := store.ReadDerived(result.DerivedContentID)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(out), "<!-- Page 1 -->\n\n# Mock OCR Result"))
	assertScratchEmpty(t, cfg.ScratchDir)
}

func TestProcess_PageOrderIndependentOfCompletion(t *testing.T) {
	const pages = 8

	cfg := testConfig(t)
	cfg.PageConcurrency = 4

	engine := &fakeEngine{infer: func(ctx context.Context, req *inference.Request) (*inference.Response, error) {
		time.Sleep(time.Duration(rand.IntN(20)) * time.Millisecond)
		return &inference.Response{Text: "text of " + string(req.Image)}, nil
	}}
	store := &fakeStore{data: []byte("%PDF")}
	o := New(cfg, store, &fakeConverter{pages: pages}, engine, logger.NewDiscard())

	var progress []int
	result := o.Process(context.Background(), newJob(), func(done, total int) {
		assert.Equal(t, pages, total)
		progress = append(progress, done)
	})
	require.True(t, result.Succeeded(), result.ErrorMessage)

	want := make([]string, pages)
	for i := range want {
		want[i] = fmt.Sprintf("<!-- Page %d -->\n\ntext of page %d", i+1, i+1)
	}
	assert.Equal(t, strings.Join(want, "\n\n---\n\n"), string(store.uploaded))
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8}, progress)
	assert.Equal(t, int32(pages), engine.calls.Load())
}

func TestProcess_Timeouts(t *testing.T) {
	const slack = 200 * time.Millisecond

	tests := []struct {
		name    string
		config  func(*Config)
		timeout time.Duration
	}{
		{
			name:    "page deadline",
			config:  func(c *Config) { c.PageTimeout = 20 * time.Millisecond },
			timeout: 20 * time.Millisecond,
		},
		{
			name:    "job deadline",
			config:  func(c *Config) { c.JobTimeout = 30 * time.Millisecond },
			timeout: 30 * time.Millisecond,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			tt.config(&cfg)
			o := New(cfg, &fakeStore{data: []byte("%PDF")}, &fakeConverter{pages: 2}, &fakeEngine{infer: blockingInfer}, logger.NewDiscard())

			start := time.Now()
			result := o.Process(context.Background(), newJob(), nil)
			elapsed := time.Since(start)

			assert.Less(t, elapsed, tt.timeout+slack, "job must stop soon after its deadline")
			assert.Equal(t, domain.ResultFailed, result.Status)
			assert.Equal(t, domain.KindTimeout, result.ErrorKind)
			assert.Equal(t, domain.StageInferring, result.FailedStage)
			assertScratchEmpty(t, cfg.ScratchDir)
		})
	}
}

func TestProcess_UploadRetry(t *testing.T) {
	tests := []struct {
		name            string
		store           *fakeStore
		wantStatus      domain.ResultStatus
		wantKind        domain.ErrorKind
		wantCreateCalls int
		wantUploadCalls int
	}{
		{
			name:            "upload recovers on third attempt",
			store:           &fakeStore{uploadFails: 2},
			wantStatus:      domain.ResultCompleted,
			wantCreateCalls: 1,
			wantUploadCalls: 3,
		},
		{
			name:            "upload gives up after three attempts",
			store:           &fakeStore{uploadFails: 5},
			wantStatus:      domain.ResultFailed,
			wantKind:        domain.KindTransient,
			wantCreateCalls: 1,
			wantUploadCalls: 3,
		},
		{
			name:            "create recovers on third attempt",
			store:           &fakeStore{createFails: 2},
			wantStatus:      domain.ResultCompleted,
			wantCreateCalls: 3,
			wantUploadCalls: 1,
		},
		{
			name:            "create and upload share the budget",
			store:           &fakeStore{createFails: 1, uploadFails: 5},
			wantStatus:      domain.ResultFailed,
			wantKind:        domain.KindTransient,
			wantCreateCalls: 2,
			wantUploadCalls: 2,
		},
		{
			name:            "rejected create is not retried",
			store:           &fakeStore{createErr: &content.StatusError{Op: "create derived", StatusCode: 422}},
			wantStatus:      domain.ResultFailed,
			wantKind:        domain.KindValidation,
			wantCreateCalls: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := tt.store
			store.data = []byte("%PDF")
			engine := &fakeEngine{}
			o := New(testConfig(t), store, &fakeConverter{pages: 3}, engine, logger.NewDiscard())

			result := o.Process(context.Background(), newJob(), nil)

			assert.Equal(t, tt.wantStatus, result.Status, result.ErrorMessage)
			assert.Equal(t, tt.wantCreateCalls, store.createCalls)
			assert.Equal(t, tt.wantUploadCalls, store.uploadCalls)
			assert.Equal(t, int32(3), engine.calls.Load(), "inference must not re-run")
			if tt.wantStatus == domain.ResultFailed {
				assert.Equal(t, tt.wantKind, result.ErrorKind)
				assert.Equal(t, domain.StageUploading, result.FailedStage)
			}
		})
	}
}

func TestProcess_Classification(t *testing.T) {
	data := []byte("%PDF-1.7 document")
	sum := sha256.Sum256(data)

	tests := []struct {
		name      string
		job       func(*domain.Job)
		store     func(*fakeStore)
		converter *fakeConverter
		engine    *fakeEngine
		config    func(*Config)
		wantKind  domain.ErrorKind
		wantStage domain.Stage
	}{
		{
			name:      "missing content id",
			job:       func(j *domain.Job) { j.ContentID = "" },
			wantKind:  domain.KindValidation,
			wantStage: domain.StagePending,
		},
		{
			name:      "unsupported mime type",
			job:       func(j *domain.Job) { j.MimeType = "video/mp4" },
			wantKind:  domain.KindValidation,
			wantStage: domain.StagePending,
		},
		{
			name:      "unknown output format",
			job:       func(j *domain.Job) { j.Hints.OutputFormat = "html" },
			wantKind:  domain.KindValidation,
			wantStage: domain.StagePending,
		},
		{
			name:      "unknown prompt mode",
			job:       func(j *domain.Job) { j.Hints.PromptMode = "poetry" },
			wantKind:  domain.KindValidation,
			wantStage: domain.StagePending,
		},
		{
			name:      "content not found",
			store:     func(s *fakeStore) { s.resolveErr = fmt.Errorf("%w: c1", content.ErrNotFound) },
			wantKind:  domain.KindValidation,
			wantStage: domain.StageDownloading,
		},
		{
			name:      "download forbidden",
			store:     func(s *fakeStore) { s.downloadErr = &content.StatusError{Op: "download", StatusCode: 403} },
			wantKind:  domain.KindValidation,
			wantStage: domain.StageDownloading,
		},
		{
			name:      "download unavailable",
			store:     func(s *fakeStore) { s.downloadErr = &content.StatusError{Op: "download", StatusCode: 503} },
			wantKind:  domain.KindTransient,
			wantStage: domain.StageDownloading,
		},
		{
			name:      "network failure",
			store:     func(s *fakeStore) { s.downloadErr = errors.New("connection reset by peer") },
			wantKind:  domain.KindTransient,
			wantStage: domain.StageDownloading,
		},
		{
			name:      "payload too large",
			config:    func(c *Config) { c.MaxPayloadBytes = 4 },
			wantKind:  domain.KindValidation,
			wantStage: domain.StageDownloading,
		},
		{
			name:      "size mismatch",
			job:       func(j *domain.Job) { j.Hints.ExpectedSize = 3 },
			wantKind:  domain.KindTransient,
			wantStage: domain.StageDownloading,
		},
		{
			name:      "checksum mismatch",
			job:       func(j *domain.Job) { j.Hints.Checksum = "sha256:" + strings.Repeat("0", 64) },
			wantKind:  domain.KindTransient,
			wantStage: domain.StageDownloading,
		},
		{
			name: "checksum match",
			job: func(j *domain.Job) {
				j.Hints.Checksum = "SHA256:" + strings.ToUpper(hex.EncodeToString(sum[:]))
				j.Hints.ExpectedSize = int64(len(data))
			},
		},
		{
			name:      "corrupt source",
			converter: &fakeConverter{err: fmt.Errorf("%w: bad xref", convert.ErrCorruptSource)},
			wantKind:  domain.KindPermanent,
			wantStage: domain.StagePreprocessing,
		},
		{
			name:      "tool missing",
			converter: &fakeConverter{err: fmt.Errorf("%w: pdftoppm", convert.ErrToolMissing)},
			wantKind:  domain.KindPermanent,
			wantStage: domain.StagePreprocessing,
		},
		{
			name:      "too many pages",
			converter: &fakeConverter{err: fmt.Errorf("%w: more than 200 pages", convert.ErrTooManyPages)},
			wantKind:  domain.KindValidation,
			wantStage: domain.StagePreprocessing,
		},
		{
			name:      "zero pages",
			converter: &fakeConverter{pages: 0},
			wantKind:  domain.KindPermanent,
			wantStage: domain.StagePreprocessing,
		},
		{
			name: "engine unavailable",
			engine: &fakeEngine{infer: func(context.Context, *inference.Request) (*inference.Response, error) {
				return nil, fmt.Errorf("%w: 503", inference.ErrUnavailable)
			}},
			wantKind:  domain.KindTransient,
			wantStage: domain.StageInferring,
		},
		{
			name: "engine rejects request",
			engine: &fakeEngine{infer: func(context.Context, *inference.Request) (*inference.Response, error) {
				return nil, &inference.FatalError{StatusCode: 400, Message: "image too large"}
			}},
			wantKind:  domain.KindPermanent,
			wantStage: domain.StageInferring,
		},
		{
			name:      "derived artifact rejected by server",
			store:     func(s *fakeStore) { s.createErr = &content.StatusError{Op: "create derived", StatusCode: 500} },
			wantKind:  domain.KindTransient,
			wantStage: domain.StageUploading,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := newJob()
			if tt.job != nil {
				tt.job(job)
			}
			store := &fakeStore{data: data}
			if tt.store != nil {
				tt.store(store)
			}
			conv := tt.converter
			if conv == nil {
				conv = &fakeConverter{pages: 2}
			}
			engine := tt.engine
			if engine == nil {
				engine = &fakeEngine{}
			}
			cfg := testConfig(t)
			if tt.config != nil {
				tt.config(&cfg)
			}

			result := New(cfg, store, conv, engine, logger.NewDiscard()).Process(context.Background(), job, nil)

			if tt.wantKind == "" {
				assert.True(t, result.Succeeded(), result.ErrorMessage)
				return
			}
			assert.Equal(t, domain.ResultFailed, result.Status)
			assert.Equal(t, tt.wantKind, result.ErrorKind, result.ErrorMessage)
			assert.Equal(t, tt.wantStage, result.FailedStage)
			assert.NotEmpty(t, result.ErrorMessage)
			if tt.wantStage == domain.StagePending {
				assert.Zero(t, store.downloads, "validation failures must not download")
			}
			assertScratchEmpty(t, cfg.ScratchDir)
		})
	}
}

func TestProcess_JSONOutput(t *testing.T) {
	store := &fakeStore{data: []byte("%PDF")}
	o := New(testConfig(t), store, &fakeConverter{pages: 2}, &fakeEngine{}, logger.NewDiscard())

	job := newJob()
	job.Hints.OutputFormat = domain.OutputFormatJSON
	job.ObjectID = "o1"
	result := o.Process(context.Background(), job, nil)
	require.True(t, result.Succeeded(), result.ErrorMessage)
	assert.Equal(t, domain.ContentTypeJSON, result.OutputMimeType)

	var doc jsonDocument
	require.NoError(t, json.Unmarshal(store.uploaded, &doc))
	assert.Equal(t, 2, doc.PageCount)
	assert.Equal(t, []jsonPage{{Page: 1, Text: "text of page 1"}, {Page: 2, Text: "text of page 2"}}, doc.Pages)

	assert.Equal(t, "c1", store.derived.ContentID)
	assert.Equal(t, "o1", store.derived.ObjectID)
	assert.Equal(t, domain.DerivedTypeOCRMarkdown, store.derived.DerivedType)
	assert.Equal(t, "j1", store.derived.Metadata["job_id"])
	assert.Equal(t, "2", store.derived.Metadata["page_count"])
	assert.Equal(t, "application/pdf", store.derived.Metadata["source_mime_type"])
	assert.Equal(t, "fake", store.derived.Metadata["engine"])
}

func TestProcess_RetainScratch(t *testing.T) {
	cfg := testConfig(t)
	cfg.RetainScratch = true
	o := New(cfg, &fakeStore{data: []byte("%PDF")}, &fakeConverter{pages: 1}, &fakeEngine{}, logger.NewDiscard())

	result := o.Process(context.Background(), newJob(), nil)
	require.True(t, result.Succeeded())

	entries, err := os.ReadDir(cfg.ScratchDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasPrefix(entries[0].Name(), "ocr-j1-"))
}

func TestJobTimeout(t *testing.T) {
	o := New(Config{JobTimeout: 10 * time.Minute, MaxJobTimeout: 30 * time.Minute}, nil, nil, &fakeEngine{}, logger.NewDiscard())

	tests := []struct {
		name    string
		seconds int
		want    time.Duration
	}{
		{name: "default", seconds: 0, want: 10 * time.Minute},
		{name: "hint", seconds: 60, want: time.Minute},
		{name: "capped", seconds: 7200, want: 30 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := newJob()
			job.Hints.TimeoutSeconds = tt.seconds
			assert.Equal(t, tt.want, o.JobTimeout(job))
		})
	}
}

func TestAssembleMarkdown(t *testing.T) {
	body, mimeType, err := assemble("", []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, domain.MimeTypeMarkdown, mimeType)
	assert.Equal(t, "<!-- Page 1 -->\n\na\n\n---\n\n<!-- Page 2 -->\n\nb", string(body))
}
