package convert

import (
	"context"
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuongbtq/simple-ocr/shared/logger"
	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeImage(t *testing.T, name string, w, h int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, imaging.Save(imaging.New(w, h, color.White), path))
	return path
}

func TestNormalizeMimeType(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "image/png", want: "image/png"},
		{in: "IMAGE/PNG", want: "image/png"},
		{in: "application/pdf; charset=binary", want: "application/pdf"},
		{in: " text/plain ", want: "text/plain"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeMimeType(tt.in))
		})
	}
}

func TestImageConverter(t *testing.T) {
	tests := []struct {
		name       string
		width      int
		height     int
		resolution int
		wantWidth  int
		wantHeight int
	}{
		{name: "downscaled to resolution", width: 400, height: 200, resolution: 100, wantWidth: 100, wantHeight: 50},
		{name: "small image kept", width: 40, height: 20, resolution: 100, wantWidth: 40, wantHeight: 20},
		{name: "no resolution", width: 300, height: 300, wantWidth: 300, wantHeight: 300},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := writeImage(t, "source.jpg", tt.width, tt.height)
			workDir := t.TempDir()

			pages, err := NewImageConverter().Convert(context.Background(), Request{
				SourcePath: src,
				MimeType:   "image/jpeg",
				WorkDir:    workDir,
				Resolution: tt.resolution,
			})
			require.NoError(t, err)
			require.Len(t, pages, 1)
			assert.Equal(t, 1, pages[0].Number)
			assert.Equal(t, "image/png", pages[0].MimeType)

			img, err := imaging.Open(pages[0].Path)
			require.NoError(t, err)
			assert.Equal(t, tt.wantWidth, img.Bounds().Dx())
			assert.Equal(t, tt.wantHeight, img.Bounds().Dy())
		})
	}
}

func TestImageConverter_CorruptSource(t *testing.T) {
	src := filepath.Join(t.TempDir(), "broken.png")
	require.NoError(t, os.WriteFile(src, []byte("not an image"), 0o644))

	_, err := NewImageConverter().Convert(context.Background(), Request{SourcePath: src, WorkDir: t.TempDir()})
	assert.ErrorIs(t, err, ErrCorruptSource)
}

func TestExternalTools_Missing(t *testing.T) {
	pdf := NewPDFConverter("/nonexistent/pdftoppm", 0, 0)
	_, err := pdf.Convert(context.Background(), Request{SourcePath: "doc.pdf", WorkDir: t.TempDir()})
	assert.ErrorIs(t, err, ErrToolMissing)

	office := NewOfficeConverter("/nonexistent/soffice", pdf)
	_, err = office.Convert(context.Background(), Request{SourcePath: "doc.docx", WorkDir: t.TempDir()})
	assert.ErrorIs(t, err, ErrToolMissing)
}

// fakePdftoppm writes a script that behaves like pdftoppm on a document of
// total pages, honouring -l
func fakePdftoppm(t *testing.T, total int) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script stand-in needs a POSIX shell")
	}
	script := fmt.Sprintf(`#!/bin/sh
last=%[1]d
while [ $# -gt 2 ]; do
  if [ "$1" = "-l" ]; then last=$2; shift; fi
  shift
done
n=1
while [ $n -le %[1]d ] && [ $n -le $last ]; do
  : > "$2-$n.png"
  n=$((n+1))
done
`, total)
	path := filepath.Join(t.TempDir(), "pdftoppm")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestPDFConverter_PageLimit(t *testing.T) {
	tests := []struct {
		name      string
		total     int
		maxPages  int
		wantPages int
		wantErr   error
	}{
		{name: "under the limit", total: 3, maxPages: 5, wantPages: 3},
		{name: "exactly the limit", total: 5, maxPages: 5, wantPages: 5},
		{name: "one page over", total: 6, maxPages: 5, wantErr: ErrTooManyPages},
		{name: "far over", total: 300, maxPages: 200, wantErr: ErrTooManyPages},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			workDir := t.TempDir()
			conv := NewPDFConverter(fakePdftoppm(t, tt.total), 0, tt.maxPages)

			pages, err := conv.Convert(context.Background(), Request{SourcePath: "doc.pdf", MimeType: MimeTypePDF, WorkDir: workDir})
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, pages)
				return
			}
			require.NoError(t, err)
			require.Len(t, pages, tt.wantPages)
			for i, p := range pages {
				assert.Equal(t, i+1, p.Number)
			}
		})
	}
}

func TestNumberPages(t *testing.T) {
	pages := numberPages([]string{
		"/w/page-10.png",
		"/w/page-02.png",
		"/w/page-1.png",
		"/w/page-x.png",
	})

	require.Len(t, pages, 3)
	assert.Equal(t, []int{1, 2, 10}, []int{pages[0].Number, pages[1].Number, pages[2].Number})
	assert.Equal(t, "/w/page-02.png", pages[1].Path)
}

type countingConverter struct {
	active  atomic.Int32
	maxSeen atomic.Int32
}

func (c *countingConverter) Supports(mimeType string) bool { return mimeType == "image/png" }

func (c *countingConverter) Convert(ctx context.Context, req Request) ([]Page, error) {
	n := c.active.Add(1)
	defer c.active.Add(-1)
	for {
		seen := c.maxSeen.Load()
		if n <= seen || c.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	time.Sleep(20 * time.Millisecond)
	return []Page{{Number: 1}}, nil
}

func TestRegistry(t *testing.T) {
	conv := &countingConverter{}
	reg := NewRegistry(2, logger.NewDiscard(), conv)

	assert.True(t, reg.Supports("IMAGE/PNG"))
	assert.False(t, reg.Supports("video/mp4"))

	_, err := reg.Convert(context.Background(), Request{MimeType: "video/mp4"})
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := reg.Convert(context.Background(), Request{MimeType: "image/png"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, conv.maxSeen.Load(), int32(2))
}

func TestRegistry_AcquireHonoursContext(t *testing.T) {
	reg := NewRegistry(1, logger.NewDiscard(), &countingConverter{})
	require.NoError(t, reg.sem.Acquire(context.Background(), 1))
	defer reg.sem.Release(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := reg.Convert(ctx, Request{MimeType: "image/png"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewDefaultRegistry(t *testing.T) {
	reg := NewDefaultRegistry(Config{}, logger.NewDiscard())

	for _, mt := range []string{"image/png", "image/jpeg", MimeTypePDF, "application/vnd.openxmlformats-officedocument.wordprocessingml.document"} {
		assert.True(t, reg.Supports(mt), mt)
	}
	assert.False(t, reg.Supports("text/html"))
}
