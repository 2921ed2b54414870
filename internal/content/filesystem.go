package content

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const fileScheme = "file://"

// FilesystemStore serves sources from <base>/contents/<content_id> and writes
// derived artifacts to <base>/derived/<derived_id>/{data,meta.json}.
// For local development and tests.
type FilesystemStore struct {
	baseDir string
}

// NewFilesystemStore creates the directory layout under baseDir
func NewFilesystemStore(baseDir string) (*FilesystemStore, error) {
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base directory: %w", err)
	}
	for _, dir := range []string{"contents", "derived"} {
		if err := os.MkdirAll(filepath.Join(abs, dir), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", err)
		}
	}
	return &FilesystemStore{baseDir: abs}, nil
}

// path joins parts under the base dir and rejects traversal out of it
func (fs *FilesystemStore) path(parts ...string) (string, error) {
	p := filepath.Join(append([]string{fs.baseDir}, parts...)...)
	if !strings.HasPrefix(p, fs.baseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid key: path traversal detected")
	}
	return p, nil
}

func (fs *FilesystemStore) locatorPath(loc Locator) (string, error) {
	p, ok := strings.CutPrefix(loc.URL, fileScheme)
	if !ok {
		return "", fmt.Errorf("unsupported locator %q", loc.URL)
	}
	rel, err := filepath.Rel(fs.baseDir, p)
	if err != nil {
		return "", fmt.Errorf("invalid locator: %w", err)
	}
	return fs.path(rel)
}

func (fs *FilesystemStore) ResolveDownloadLocator(_ context.Context, contentID string) (Locator, error) {
	p, err := fs.path("contents", contentID)
	if err != nil {
		return Locator{}, err
	}
	if _, err := os.Stat(p); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Locator{}, fmt.Errorf("%w: %s", ErrNotFound, contentID)
		}
		return Locator{}, fmt.Errorf("failed to stat content: %w", err)
	}
	return Locator{URL: fileScheme + p}, nil
}

func (fs *FilesystemStore) Download(_ context.Context, loc Locator) (io.ReadCloser, error) {
	p, err := fs.locatorPath(loc)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, loc.URL)
		}
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return file, nil
}

func (fs *FilesystemStore) CreateDerivedArtifact(_ context.Context, req DerivedRequest) (*DerivedArtifact, error) {
	derivedID := uuid.NewString()

	dir, err := fs.path("derived", derivedID)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create derived directory: %w", err)
	}

	meta, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "meta.json"), meta, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write metadata: %w", err)
	}

	return &DerivedArtifact{
		DerivedID: derivedID,
		ContentID: req.ContentID,
		ObjectID:  req.ObjectID,
		Upload:    Locator{URL: fileScheme + filepath.Join(dir, "data")},
	}, nil
}

func (fs *FilesystemStore) Upload(_ context.Context, loc Locator, r io.Reader, _ string) error {
	p, err := fs.locatorPath(loc)
	if err != nil {
		return err
	}
	if _, err := os.Stat(filepath.Dir(p)); err != nil {
		return fmt.Errorf("%w: %s", ErrNotFound, loc.URL)
	}

	// Write then rename so a failed upload never leaves a partial artifact
	tmp, err := os.CreateTemp(filepath.Dir(p), ".upload-*")
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}
	return os.Rename(tmp.Name(), p)
}

// ReadDerived returns the uploaded data of an artifact
func (fs *FilesystemStore) ReadDerived(derivedID string) ([]byte, error) {
	p, err := fs.path("derived", derivedID, "data")
	if err != nil {
		return nil, err
	}
	return os.ReadFile(p)
}

// PutContent stores a source object; used by tests and local tooling
func (fs *FilesystemStore) PutContent(contentID string, data []byte) error {
	p, err := fs.path("contents", contentID)
	if err != nil {
		return err
	}
	return os.WriteFile(p, data, 0o644)
}
