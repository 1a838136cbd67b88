package segment

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
)

func TestFileScalesMask(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mask.png")
	mask := image.NewGray(image.Rect(0, 0, 2, 2))
	mask.SetGray(0, 0, color.Gray{Y: 255})
	mask.SetGray(1, 0, color.Gray{Y: 255})
	out, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := png.Encode(out, mask); err != nil {
		t.Fatalf("encode: %v", err)
	}
	out.Close()

	seg := &File{Path: path}
	got, err := seg.Segment(context.Background(), image.NewRGBA(image.Rect(0, 0, 8, 6)))
	if err != nil {
		t.Fatalf("segment: %v", err)
	}
	if got.Bounds().Dx() != 8 || got.Bounds().Dy() != 6 {
		t.Fatalf("expected mask scaled to frame, got %v", got.Bounds())
	}
}

func TestFileWithoutPathIsAbsent(t *testing.T) {
	got, err := (&File{}).Segment(context.Background(), image.NewRGBA(image.Rect(0, 0, 1, 1)))
	if err != nil || got != nil {
		t.Fatalf("expected absent mask, got %v %v", got, err)
	}
}

func TestFileMissingReportsError(t *testing.T) {
	seg := &File{Path: filepath.Join(t.TempDir(), "nope.png")}
	if _, err := seg.Segment(context.Background(), image.NewRGBA(image.Rect(0, 0, 1, 1))); err == nil {
		t.Fatalf("expected error for missing mask")
	}
}
