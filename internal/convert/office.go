package convert

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

var officeTypes = []string{
	"application/msword",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"application/vnd.ms-powerpoint",
	"application/vnd.openxmlformats-officedocument.presentationml.presentation",
	"application/vnd.ms-excel",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"application/vnd.oasis.opendocument.text",
	"application/vnd.oasis.opendocument.presentation",
	"application/vnd.oasis.opendocument.spreadsheet",
	"application/rtf",
}

// OfficeConverter converts office documents to PDF with LibreOffice, then
// hands the PDF to the PDF converter
type OfficeConverter struct {
	binary string
	pdf    *PDFConverter
}

func NewOfficeConverter(binary string, pdf *PDFConverter) *OfficeConverter {
	if binary == "" {
		binary = "soffice"
	}
	return &OfficeConverter{binary: binary, pdf: pdf}
}

func (c *OfficeConverter) Supports(mimeType string) bool {
	return slices.Contains(officeTypes, mimeType)
}

func (c *OfficeConverter) Convert(ctx context.Context, req Request) ([]Page, error) {
	outDir := filepath.Join(req.WorkDir, "office")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	// A private profile lets several soffice processes run side by side
	profile := "file://" + filepath.Join(req.WorkDir, "lo-profile")

	err := run(ctx, c.binary,
		"-env:UserInstallation="+profile,
		"--headless",
		"--convert-to", "pdf",
		"--outdir", outDir,
		req.SourcePath,
	)
	if err != nil {
		return nil, err
	}

	base := strings.TrimSuffix(filepath.Base(req.SourcePath), filepath.Ext(req.SourcePath))
	pdfPath := filepath.Join(outDir, base+".pdf")
	if _, err := os.Stat(pdfPath); err != nil {
		return nil, fmt.Errorf("%w: no PDF produced for %s", ErrCorruptSource, filepath.Base(req.SourcePath))
	}

	return c.pdf.Convert(ctx, Request{
		SourcePath: pdfPath,
		MimeType:   MimeTypePDF,
		WorkDir:    req.WorkDir,
		Resolution: req.Resolution,
	})
}
