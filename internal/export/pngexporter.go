package export

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	_ "image/gif"
	_ "image/jpeg"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Item is one stored raster to export.
type Item struct {
	ID   string
	Data []byte
}

// PNGExporter writes stored rasters as <id>.png files.
type PNGExporter struct{}

func NewPNGExporter() *PNGExporter {
	return &PNGExporter{}
}

// hasCorrectPngSignature checks whether the provided data begins with a valid PNG signature
func hasCorrectPngSignature(data []byte) bool {
	if len(data) < 8 {
		return false
	}
	expected := []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}
	return bytes.Equal(data[:8], expected)
}

// ToPNG converts a raster to PNG. PNG input is returned unchanged.
func ToPNG(data []byte) ([]byte, error) {
	if hasCorrectPngSignature(data) {
		return data, nil
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	slog.Debug("decoded raster for export", "format", format,
		"width", img.Bounds().Dx(), "height", img.Bounds().Dy())

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode image to PNG: %w", err)
	}
	return buf.Bytes(), nil
}

// Export converts every item and writes it into dir. Items without data or
// with undecodable data are skipped. It returns the number of files written.
func (e *PNGExporter) Export(items []Item, dir string) (int, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("failed to create export directory %s: %w", dir, err)
	}

	var written atomic.Int64
	var firstErr atomic.Pointer[error]
	parallelFor(len(items), func(i int) {
		item := items[i]
		if len(item.Data) == 0 {
			return
		}
		out, err := ToPNG(item.Data)
		if err != nil {
			slog.Warn("skipping image that cannot be exported", "image_id", item.ID, "error", err)
			return
		}
		path := filepath.Join(dir, fileName(item.ID))
		if err := os.WriteFile(path, out, 0o644); err != nil {
			werr := fmt.Errorf("failed to write %s: %w", path, err)
			firstErr.CompareAndSwap(nil, &werr)
			return
		}
		written.Add(1)
	})

	if errPtr := firstErr.Load(); errPtr != nil {
		return int(written.Load()), *errPtr
	}
	slog.Info("images exported", "dir", dir, "count", written.Load(), "candidates", len(items))
	return int(written.Load()), nil
}

func fileName(id string) string {
	safe := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', 0:
			return '_'
		}
		return r
	}, id)
	if safe == "" || safe == "." || safe == ".." {
		safe = "_"
	}
	return safe + ".png"
}
