package convert

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/disintegration/imaging"
)

var imageTypes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/jpg":  true,
	"image/gif":  true,
	"image/bmp":  true,
	"image/tiff": true,
}

// ImageConverter turns a single image into one normalised PNG page
type ImageConverter struct{}

func NewImageConverter() *ImageConverter {
	return &ImageConverter{}
}

func (c *ImageConverter) Supports(mimeType string) bool {
	return imageTypes[mimeType]
}

func (c *ImageConverter) Convert(ctx context.Context, req Request) ([]Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	img, err := imaging.Open(req.SourcePath, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSource, err)
	}

	// Fit only shrinks; smaller images keep their size
	if req.Resolution > 0 {
		img = imaging.Fit(img, req.Resolution, req.Resolution, imaging.Lanczos)
	}

	out := filepath.Join(req.WorkDir, "page-0001.png")
	if err := imaging.Save(img, out); err != nil {
		return nil, fmt.Errorf("failed to write page: %w", err)
	}

	return []Page{{Number: 1, Path: out, MimeType: "image/png"}}, nil
}
