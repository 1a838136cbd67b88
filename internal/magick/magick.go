// Package magick binds the fusion contracts and RAW decoding to ImageMagick.
package magick

import (
	"fmt"
	"image"
	"sync"

	"golang.org/x/image/draw"
	"gopkg.in/gographics/imagick.v3/imagick"
)

var (
	initOnce sync.Once
	termOnce sync.Once
)

// ensure initializes the MagickWand environment once per process.
func ensure() {
	initOnce.Do(imagick.Initialize)
}

// Terminate releases the MagickWand environment. Call once at process exit.
func Terminate() {
	termOnce.Do(func() {
		initOnce.Do(func() {})
		imagick.Terminate()
	})
}

// toWand copies img into a new 16-bit wand.
func toWand(img image.Image) (*imagick.MagickWand, error) {
	b := img.Bounds()
	rgba := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)

	mw := imagick.NewMagickWand()
	if err := mw.ConstituteImage(uint(b.Dx()), uint(b.Dy()), "RGBA", imagick.PIXEL_CHAR, rgba.Pix); err != nil {
		mw.Destroy()
		return nil, fmt.Errorf("constitute image: %w", err)
	}
	if err := mw.SetImageDepth(16); err != nil {
		mw.Destroy()
		return nil, fmt.Errorf("set bit depth: %w", err)
	}
	return mw, nil
}

// fromWand exports the wand's current image as 8-bit NRGBA.
func fromWand(mw *imagick.MagickWand) (*image.NRGBA, error) {
	w, h := mw.GetImageWidth(), mw.GetImageHeight()
	px, err := mw.ExportImagePixels(0, 0, w, h, "RGBA", imagick.PIXEL_CHAR)
	if err != nil {
		return nil, fmt.Errorf("export pixels: %w", err)
	}
	pix, ok := px.([]byte)
	if !ok {
		return nil, fmt.Errorf("export pixels: unexpected buffer %T", px)
	}
	return &image.NRGBA{Pix: pix, Stride: int(w) * 4, Rect: image.Rect(0, 0, int(w), int(h))}, nil
}
