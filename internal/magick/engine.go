package magick

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/gographics/imagick.v3/imagick"

	"nightstack/internal/fusion"
)

// Stacker creates lighten/mean engines.
type Stacker struct {
	MinStars      int
	StarThreshold float64
	PreviewWidth  int
	Logger        *slog.Logger
}

var _ fusion.Initializer = (*Stacker)(nil)

// Initialize gates the reference frame on its star count and seeds both stacks with it.
func (s *Stacker) Initialize(ctx context.Context, first, mask image.Image, opts fusion.Options) (fusion.Engine, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.MinStars > 0 {
		if n := fusion.CountStars(first, s.StarThreshold); n < s.MinStars {
			return nil, fmt.Errorf("%w: found %d, need %d", fusion.ErrNotEnoughStars, n, s.MinStars)
		}
	}

	ensure()
	maxed, err := toWand(first)
	if err != nil {
		return nil, err
	}
	averaged := maxed.Clone()

	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	b := first.Bounds()
	e := &Engine{
		maxed:         maxed,
		averaged:      averaged,
		mask:          mask,
		opts:          opts,
		width:         b.Dx(),
		height:        b.Dy(),
		count:         1,
		previewWidth:  s.PreviewWidth,
		starThreshold: s.StarThreshold,
		maxShift:      b.Dx() / 20,
		log:           logger,
	}
	if opts.Align {
		e.refX, e.refY, e.aligned = fusion.Centroid(first, s.StarThreshold)
	}
	logger.Debug("fusion engine initialized", "width", b.Dx(), "height", b.Dy(), "masked", mask != nil, "aligned", e.aligned)
	return e, nil
}

// Engine keeps a maximum (star trail) stack and a running mean stack.
// With a mask, the processed image takes the sky from the maximum stack and
// the foreground from the mean.
type Engine struct {
	maxed        *imagick.MagickWand
	averaged     *imagick.MagickWand
	mask         image.Image
	opts         fusion.Options
	width        int
	height       int
	count        int
	previewWidth int

	// translation alignment onto the reference star centroid
	aligned       bool
	refX, refY    float64
	starThreshold float64
	maxShift      int
	log           *slog.Logger
}

func (e *Engine) Merge(ctx context.Context, img image.Image) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b := img.Bounds()
	if b.Dx() != e.width || b.Dy() != e.height {
		return fmt.Errorf("%w: %dx%d vs %dx%d", fusion.ErrSizeMismatch, b.Dx(), b.Dy(), e.width, e.height)
	}
	var off image.Point
	if e.aligned {
		if p, ok := fusion.Shift(e.refX, e.refY, img, e.starThreshold, e.maxShift); ok {
			off = p
		} else {
			e.log.Debug("frame not aligned, merging in place", "frame", e.count)
		}
	}
	next, err := toWand(img)
	if err != nil {
		return err
	}
	defer next.Destroy()

	if err := e.maxed.CompositeImage(next, imagick.COMPOSITE_OP_LIGHTEN, true, off.X, off.Y); err != nil {
		return fmt.Errorf("lighten composite: %w", err)
	}

	// running mean: new = next/n + old*(n-1)/n
	n := float64(e.count + 1)
	args := strconv.FormatFloat(100/n, 'f', 4, 64) + "," + strconv.FormatFloat(100*(n-1)/n, 'f', 4, 64)
	if err := next.SetImageArtifact("compose:args", args); err != nil {
		return fmt.Errorf("blend args: %w", err)
	}
	if err := e.averaged.SetImageArtifact("compose:args", args); err != nil {
		return fmt.Errorf("blend args: %w", err)
	}
	if err := e.averaged.CompositeImage(next, imagick.COMPOSITE_OP_BLEND, true, off.X, off.Y); err != nil {
		return fmt.Errorf("blend composite: %w", err)
	}
	e.count++
	return nil
}

// Preview renders the maximum stack at preview width.
func (e *Engine) Preview() image.Image {
	preview := e.maxed.Clone()
	defer preview.Destroy()
	if e.previewWidth > 0 && e.width > e.previewWidth {
		h := uint(e.height * e.previewWidth / e.width)
		if h < 1 {
			h = 1
		}
		if err := preview.ResizeImage(uint(e.previewWidth), h, imagick.FILTER_LANCZOS); err != nil {
			return nil
		}
	}
	img, err := fromWand(preview)
	if err != nil {
		return nil
	}
	return img
}

// Processed returns the full-resolution result.
func (e *Engine) Processed() image.Image {
	out := e.maxed.Clone()
	defer out.Destroy()
	if e.opts.Enhance {
		_ = out.NormalizeImage()
	}
	sky, err := fromWand(out)
	if err != nil {
		return nil
	}
	if e.mask == nil {
		return sky
	}
	fg, err := fromWand(e.averaged)
	if err != nil {
		return sky
	}
	return fusion.SelectByMask(sky, fg, e.mask)
}

// Persist writes maxed.tif and averaged.tif into dir at 16 bits per channel.
func (e *Engine) Persist(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for name, mw := range map[string]*imagick.MagickWand{"maxed.tif": e.maxed, "averaged.tif": e.averaged} {
		if err := writeTIFF(mw, filepath.Join(dir, name)); err != nil {
			return err
		}
	}
	return nil
}

// Frames reports how many frames the stacks hold.
func (e *Engine) Frames() int { return e.count }

func (e *Engine) Close() error {
	if e.maxed != nil {
		e.maxed.Destroy()
		e.maxed = nil
	}
	if e.averaged != nil {
		e.averaged.Destroy()
		e.averaged = nil
	}
	return nil
}

func writeTIFF(mw *imagick.MagickWand, path string) error {
	out := mw.Clone()
	defer out.Destroy()
	if err := out.SetImageDepth(16); err != nil {
		return fmt.Errorf("set bit depth: %w", err)
	}
	if err := out.SetImageFormat("TIFF"); err != nil {
		return fmt.Errorf("set format: %w", err)
	}
	tmp := path + ".tmp"
	if err := out.WriteImage("tiff:" + tmp); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return os.Rename(tmp, path)
}
