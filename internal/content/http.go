package content

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPStore talks to the content service HTTP API. Downloads and uploads
// go to whatever URL the locator carries, so presigned object-store URLs
// work without credentials here.
type HTTPStore struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPStore creates an HTTP-backed store
func NewHTTPStore(baseURL string, timeout time.Duration, logger *slog.Logger) *HTTPStore {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPStore{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

func (s *HTTPStore) ResolveDownloadLocator(_ context.Context, contentID string) (Locator, error) {
	return Locator{
		URL: fmt.Sprintf("%s/api/v1/contents/%s/download", s.baseURL, url.PathEscape(contentID)),
	}, nil
}

func (s *HTTPStore) Download(ctx context.Context, loc Locator) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, loc.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download content: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, statusError("download", resp)
	}

	s.logger.Debug("Content download started",
		slog.Int64("content_length", resp.ContentLength),
		slog.String("content_type", resp.Header.Get("Content-Type")),
	)

	return resp.Body, nil
}

func (s *HTTPStore) CreateDerivedArtifact(ctx context.Context, derived DerivedRequest) (*DerivedArtifact, error) {
	payload, err := json.Marshal(derived)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/api/v1/derived-content", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to create derived content: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, statusError("create derived content", resp)
	}

	var result struct {
		DerivedID string `json:"derived_id"`
		ContentID string `json:"content_id"`
		ObjectID  string `json:"object_id"`
		UploadURL string `json:"upload_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if result.DerivedID == "" {
		return nil, fmt.Errorf("no derived_id in response")
	}

	uploadURL := result.UploadURL
	if uploadURL == "" {
		uploadURL = fmt.Sprintf("%s/api/v1/derived-content/%s/upload", s.baseURL, url.PathEscape(result.DerivedID))
	}

	s.logger.Info("Derived content created",
		slog.String("derived_id", result.DerivedID),
		slog.String("content_id", derived.ContentID),
		slog.String("derived_type", derived.DerivedType),
	)

	return &DerivedArtifact{
		DerivedID: result.DerivedID,
		ContentID: result.ContentID,
		ObjectID:  result.ObjectID,
		Upload:    Locator{URL: uploadURL},
	}, nil
}

func (s *HTTPStore) Upload(ctx context.Context, loc Locator, r io.Reader, mimeType string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, loc.URL, r)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", mimeType)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to upload derived content: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError("upload", resp)
	}
	return nil
}

func statusError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return fmt.Errorf("%w: %s returned status %d", ErrNotFound, op, resp.StatusCode)
	}
	return &StatusError{Op: op, StatusCode: resp.StatusCode, Body: string(body)}
}
