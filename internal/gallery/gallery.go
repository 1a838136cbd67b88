// Package gallery exports finished stacks and timelapses out of the project
// directory. Exports are best-effort and never affect project state.
package gallery

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"nightstack/internal/frame"
	"nightstack/internal/fsutil"
	"nightstack/internal/storage"
)

// Kind distinguishes exported artifacts.
type Kind string

const (
	KindImage Kind = "image"
	KindVideo Kind = "video"
)

// Item is one artifact to export. Images carry pixels, videos a file path.
type Item struct {
	Kind        Kind
	ProjectID   string
	Image       image.Image
	Path        string
	Orientation frame.Orientation
	Metadata    map[string]any
	CapturedAt  time.Time
}

// Sink receives exports.
type Sink interface {
	Store(ctx context.Context, item Item) error
}

var ErrEmptyItem = errors.New("export item has no content")

// Library writes exports into a directory and catalogs them.
type Library struct {
	Dir     string
	Catalog *storage.Store // optional
	Logger  *slog.Logger
	Quality int
}

var _ Sink = (*Library)(nil)

func (l *Library) Store(ctx context.Context, item Item) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(l.Dir, 0o755); err != nil {
		return fmt.Errorf("create library dir: %w", err)
	}

	var dst string
	switch item.Kind {
	case KindImage:
		if item.Image == nil {
			return ErrEmptyItem
		}
		dst = fsutil.UniquePath(filepath.Join(l.Dir, baseName(item)+".jpg"))
		img := Orient(item.Image, item.Orientation)
		quality := l.Quality
		if quality <= 0 {
			quality = 92
		}
		err := fsutil.WriteAtomic(dst, 0o644, func(w io.Writer) error {
			return jpeg.Encode(w, img, &jpeg.Options{Quality: quality})
		})
		if err != nil {
			return fmt.Errorf("export image: %w", err)
		}
	case KindVideo:
		if item.Path == "" {
			return ErrEmptyItem
		}
		dst = fsutil.UniquePath(filepath.Join(l.Dir, baseName(item)+filepath.Ext(item.Path)))
		if err := fsutil.CopyFileVerified(item.Path, dst); err != nil {
			return fmt.Errorf("export video: %w", err)
		}
	default:
		return fmt.Errorf("unknown export kind %q", item.Kind)
	}

	if err := l.Catalog.RecordExport(storage.ExportRecord{
		ProjectID: item.ProjectID,
		Kind:      string(item.Kind),
		Path:      dst,
	}); err != nil {
		l.logger().Warn("export not cataloged", "path", dst, "error", err)
	}
	l.logger().Info("exported to library", "kind", item.Kind, "path", dst, "project", item.ProjectID)
	return nil
}

func (l *Library) logger() *slog.Logger {
	if l.Logger == nil {
		return slog.Default()
	}
	return l.Logger
}

func baseName(item Item) string {
	t := item.CapturedAt
	if t.IsZero() {
		t = time.Now()
	}
	id := item.ProjectID
	if len(id) > 8 {
		id = id[:8]
	}
	if id == "" {
		return "nightstack-" + t.Format("20060102-150405")
	}
	return fmt.Sprintf("nightstack-%s-%s", t.Format("20060102-150405"), id)
}

// Orient rotates img so that it displays upright for a device held in o.
// Left means the device was rotated counter-clockwise, so the image is
// turned clockwise to compensate; right is the mirror case.
func Orient(img image.Image, o frame.Orientation) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	switch o {
	case frame.OrientationDown:
		out := image.NewNRGBA(image.Rect(0, 0, w, h))
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				out.Set(w-1-x, h-1-y, img.At(b.Min.X+x, b.Min.Y+y))
			}
		}
		return out
	case frame.OrientationLeft:
		out := image.NewNRGBA(image.Rect(0, 0, h, w))
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				out.Set(h-1-y, x, img.At(b.Min.X+x, b.Min.Y+y))
			}
		}
		return out
	case frame.OrientationRight:
		out := image.NewNRGBA(image.Rect(0, 0, h, w))
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				out.Set(y, w-1-x, img.At(b.Min.X+x, b.Min.Y+y))
			}
		}
		return out
	default:
		return img
	}
}
