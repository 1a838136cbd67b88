package fusion

import (
	"image"
	"image/color"
	"testing"
)

func starField(w, h int, stars [][2]int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for _, s := range stars {
		img.SetGray(s[0], s[1], color.Gray{Y: 250})
	}
	return img
}

func TestCountStars(t *testing.T) {
	img := starField(20, 20, [][2]int{{3, 3}, {10, 10}, {15, 4}})
	if got := CountStars(img, 0.7); got != 3 {
		t.Fatalf("expected 3 stars, got %d", got)
	}
	if got := CountStars(img, 1.0); got != 0 {
		t.Fatalf("expected no stars above max threshold, got %d", got)
	}
}

func TestCountStarsPlateauCountsOnce(t *testing.T) {
	img := starField(10, 10, [][2]int{{4, 4}, {5, 4}, {4, 5}, {5, 5}})
	if got := CountStars(img, 0.5); got != 1 {
		t.Fatalf("expected plateau to count once, got %d", got)
	}
}

func TestSelectByMask(t *testing.T) {
	sky := image.NewUniform(color.NRGBA{R: 255, A: 255})
	fg := image.NewUniform(color.NRGBA{B: 255, A: 255})
	skyImg := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	fgImg := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			skyImg.Set(x, y, sky.C)
			fgImg.Set(x, y, fg.C)
		}
	}
	// top half sky
	mask := image.NewGray(image.Rect(0, 0, 2, 2))
	mask.SetGray(0, 0, color.Gray{Y: 255})
	mask.SetGray(1, 0, color.Gray{Y: 255})

	out := SelectByMask(skyImg, fgImg, mask)
	if c := out.NRGBAAt(0, 0); c.R != 255 || c.B != 0 {
		t.Fatalf("expected sky pixel at top, got %+v", c)
	}
	if c := out.NRGBAAt(0, 3); c.B != 255 || c.R != 0 {
		t.Fatalf("expected foreground pixel at bottom, got %+v", c)
	}
}

func TestThumbnail(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 600, 400))
	th := Thumbnail(img, 300)
	if th.Bounds().Dx() != 300 || th.Bounds().Dy() != 200 {
		t.Fatalf("unexpected thumbnail bounds %v", th.Bounds())
	}
	if Thumbnail(img, 0) != image.Image(img) {
		t.Fatalf("zero width should return input")
	}
}

func TestShiftRealignsDriftedField(t *testing.T) {
	stars := [][2]int{{5, 5}, {12, 8}, {9, 14}}
	ref := starField(30, 30, stars)
	rx, ry, ok := Centroid(ref, 0.7)
	if !ok {
		t.Fatalf("expected reference centroid")
	}

	drifted := make([][2]int, len(stars))
	for i, s := range stars {
		drifted[i] = [2]int{s[0] + 3, s[1] - 2}
	}
	off, ok := Shift(rx, ry, starField(30, 30, drifted), 0.7, 5)
	if !ok || off != image.Pt(-3, 2) {
		t.Fatalf("expected offset (-3,2), got %v ok=%v", off, ok)
	}

	if _, ok := Shift(rx, ry, starField(30, 30, drifted), 0.7, 2); ok {
		t.Fatalf("expected shift beyond bound rejected")
	}
	if _, ok := Shift(rx, ry, image.NewGray(image.Rect(0, 0, 30, 30)), 0.7, 5); ok {
		t.Fatalf("expected dark frame to have no shift")
	}
}
