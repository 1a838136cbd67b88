package fusion

import (
	"image"
	"image/color"
	"math"

	"golang.org/x/image/draw"
)

// CountStars counts bright local maxima: pixels whose luminance reaches
// threshold (0..1) and is not exceeded by any 8-neighbour.
func CountStars(img image.Image, threshold float64) int {
	gray := toGray(img)
	b := gray.Bounds()
	limit := uint8(threshold * 255)
	stars := 0
	for y := b.Min.Y + 1; y < b.Max.Y-1; y++ {
		for x := b.Min.X + 1; x < b.Max.X-1; x++ {
			v := gray.GrayAt(x, y).Y
			if v < limit {
				continue
			}
			if isPeak(gray, x, y, v) {
				stars++
			}
		}
	}
	return stars
}

func isPeak(g *image.Gray, x, y int, v uint8) bool {
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			if dx == 0 && dy == 0 {
				continue
			}
			n := g.GrayAt(x+dx, y+dy).Y
			// ties are broken towards the top-left neighbour so plateaus count once
			if n > v || (n == v && (dy < 0 || (dy == 0 && dx < 0))) {
				return false
			}
		}
	}
	return true
}

// Centroid returns the luminance-weighted centre of the pixels at or above
// threshold (0..1). ok is false when no pixel qualifies.
func Centroid(img image.Image, threshold float64) (x, y float64, ok bool) {
	gray := toGray(img)
	b := gray.Bounds()
	limit := uint8(threshold * 255)
	var sum, sx, sy float64
	for py := b.Min.Y; py < b.Max.Y; py++ {
		for px := b.Min.X; px < b.Max.X; px++ {
			v := gray.GrayAt(px, py).Y
			if v < limit {
				continue
			}
			w := float64(v)
			sum += w
			sx += w * float64(px-b.Min.X)
			sy += w * float64(py-b.Min.Y)
		}
	}
	if sum == 0 {
		return 0, 0, false
	}
	return sx / sum, sy / sum, true
}

// Shift returns the offset that moves the bright centroid of img onto
// (refX, refY). ok is false when img has no bright pixels or the offset
// exceeds max on either axis.
func Shift(refX, refY float64, img image.Image, threshold float64, max int) (image.Point, bool) {
	x, y, ok := Centroid(img, threshold)
	if !ok {
		return image.Point{}, false
	}
	off := image.Pt(int(math.Round(refX-x)), int(math.Round(refY-y)))
	if max > 0 && (abs(off.X) > max || abs(off.Y) > max) {
		return image.Point{}, false
	}
	return off, true
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func toGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok {
		return g
	}
	b := img.Bounds()
	g := image.NewGray(b)
	draw.Draw(g, b, img, b.Min, draw.Src)
	return g
}

// SelectByMask composes sky pixels where mask is bright and foreground pixels
// elsewhere. mask is scaled to the output size when needed.
func SelectByMask(sky, foreground, mask image.Image) *image.NRGBA {
	b := sky.Bounds()
	out := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	m := ScaleGray(mask, b.Dx(), b.Dy())
	fb := foreground.Bounds()
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			var c color.Color
			if m.GrayAt(x, y).Y >= 128 {
				c = sky.At(b.Min.X+x, b.Min.Y+y)
			} else {
				c = foreground.At(fb.Min.X+x, fb.Min.Y+y)
			}
			out.Set(x, y, c)
		}
	}
	return out
}

// ScaleGray returns img as grayscale at w x h.
func ScaleGray(img image.Image, w, h int) *image.Gray {
	b := img.Bounds()
	if b.Dx() == w && b.Dy() == h {
		g := image.NewGray(image.Rect(0, 0, w, h))
		draw.Draw(g, g.Bounds(), img, b.Min, draw.Src)
		return g
	}
	g := image.NewGray(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(g, g.Bounds(), img, b, draw.Src, nil)
	return g
}

// Thumbnail scales img to width, keeping the aspect ratio.
func Thumbnail(img image.Image, width int) image.Image {
	b := img.Bounds()
	if width <= 0 || b.Dx() <= width {
		return img
	}
	h := b.Dy() * width / b.Dx()
	if h < 1 {
		h = 1
	}
	dst := image.NewNRGBA(image.Rect(0, 0, width, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}
