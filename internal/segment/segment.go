// Package segment provides sky/foreground masks for masked fusion.
package segment

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"sync"

	"nightstack/internal/fusion"
)

// File serves a static mask image, loaded on first use and scaled to each
// reference frame. Bright mask pixels mark sky.
type File struct {
	Path string

	once sync.Once
	mask image.Image
	err  error
}

var _ fusion.Segmenter = (*File)(nil)

func (f *File) Segment(ctx context.Context, img image.Image) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.Path == "" {
		return nil, nil
	}
	f.once.Do(func() { f.mask, f.err = load(f.Path) })
	if f.err != nil {
		return nil, f.err
	}
	b := img.Bounds()
	return fusion.ScaleGray(f.mask, b.Dx(), b.Dy()), nil
}

func load(path string) (image.Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open mask: %w", err)
	}
	defer file.Close()
	img, _, err := image.Decode(file)
	if err != nil {
		return nil, fmt.Errorf("decode mask %s: %w", path, err)
	}
	return img, nil
}

// None never produces a mask.
type None struct{}

func (None) Segment(context.Context, image.Image) (image.Image, error) { return nil, nil }
