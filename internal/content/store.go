package content

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// ErrNotFound is returned when the source or upload target does not exist
var ErrNotFound = errors.New("content not found")

// StatusError is an unexpected response from the content service
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s failed with status %d: %s", e.Op, e.StatusCode, e.Body)
}

// Temporary reports whether the status is worth retrying
func (e *StatusError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout
}

// Locator addresses a readable or writable object, usually a presigned URL
type Locator struct {
	URL string
}

// DerivedRequest describes an artifact produced from a parent content item
type DerivedRequest struct {
	ContentID   string            `json:"content_id"`
	ObjectID    string            `json:"object_id,omitempty"`
	DerivedType string            `json:"derived_type"`
	MimeType    string            `json:"mime_type"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// DerivedArtifact is the record created for a DerivedRequest
type DerivedArtifact struct {
	DerivedID string  `json:"derived_id"`
	ContentID string  `json:"content_id"`
	ObjectID  string  `json:"object_id,omitempty"`
	Upload    Locator `json:"-"`
}

// Store reads sources and writes derived artifacts
type Store interface {
	ResolveDownloadLocator(ctx context.Context, contentID string) (Locator, error)
	Download(ctx context.Context, loc Locator) (io.ReadCloser, error)
	CreateDerivedArtifact(ctx context.Context, req DerivedRequest) (*DerivedArtifact, error)
	Upload(ctx context.Context, loc Locator, r io.Reader, mimeType string) error
}
