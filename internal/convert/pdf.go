package convert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const (
	MimeTypePDF = "application/pdf"

	defaultDPI      = 150
	defaultMaxPages = 200
)

// PDFConverter rasterises PDF pages with poppler's pdftoppm
type PDFConverter struct {
	binary   string
	dpi      int
	maxPages int
}

func NewPDFConverter(binary string, dpi, maxPages int) *PDFConverter {
	if binary == "" {
		binary = "pdftoppm"
	}
	if dpi <= 0 {
		dpi = defaultDPI
	}
	if maxPages <= 0 {
		maxPages = defaultMaxPages
	}
	return &PDFConverter{binary: binary, dpi: dpi, maxPages: maxPages}
}

func (c *PDFConverter) Supports(mimeType string) bool {
	return mimeType == MimeTypePDF
}

// Convert renders at most maxPages+1 pages; the extra page only proves the
// document is over the limit.
func (c *PDFConverter) Convert(ctx context.Context, req Request) ([]Page, error) {
	prefix := filepath.Join(req.WorkDir, "page")

	args := []string{
		"-png",
		"-r", strconv.Itoa(c.dpi),
		"-l", strconv.Itoa(c.maxPages + 1),
	}
	if req.Resolution > 0 {
		args = append(args, "-scale-to", strconv.Itoa(req.Resolution))
	}
	args = append(args, req.SourcePath, prefix)

	if err := run(ctx, c.binary, args...); err != nil {
		return nil, err
	}

	matches, err := filepath.Glob(prefix + "-*.png")
	if err != nil {
		return nil, fmt.Errorf("failed to list pages: %w", err)
	}
	pages := numberPages(matches)
	if len(pages) > c.maxPages {
		return nil, fmt.Errorf("%w: more than %d pages", ErrTooManyPages, c.maxPages)
	}
	return pages, nil
}

// numberPages orders pdftoppm output (page-1.png or zero padded page-01.png) by page number
func numberPages(paths []string) []Page {
	pages := make([]Page, 0, len(paths))
	for _, p := range paths {
		base := strings.TrimSuffix(filepath.Base(p), ".png")
		n, err := strconv.Atoi(base[strings.LastIndexByte(base, '-')+1:])
		if err != nil {
			continue
		}
		pages = append(pages, Page{Number: n, Path: p, MimeType: "image/png"})
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i].Number < pages[j].Number })
	return pages
}

// run executes an external tool. A missing binary is ErrToolMissing and a
// non-zero exit is ErrCorruptSource, since the tools only fail on bad input.
func run(ctx context.Context, binary string, args ...string) error {
	cmd := exec.CommandContext(ctx, binary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrToolMissing, binary)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("%w: %s exited with %d: %s", ErrCorruptSource, filepath.Base(binary), exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
	}
	return fmt.Errorf("failed to run %s: %w", binary, err)
}
