package magick

import (
	"context"
	"fmt"
	"image"

	"gopkg.in/gographics/imagick.v3/imagick"

	"nightstack/internal/frame"
)

// Decoder reads any format ImageMagick has a delegate for, RAW included.
type Decoder struct{}

var _ frame.Decoder = Decoder{}

func (Decoder) Decode(ctx context.Context, f frame.Frame) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ensure()
	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImage(f.Path); err != nil {
		return nil, fmt.Errorf("read %s: %w", f.Path, err)
	}
	// some RAW delegates produce a thumbnail plus the full frame
	mw.SetFirstIterator()
	return fromWand(mw)
}
