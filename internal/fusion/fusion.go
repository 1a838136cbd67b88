// Package fusion defines the contracts between the stack accumulator and the
// pixel-level fusion engine and segmenter.
package fusion

import (
	"context"
	"errors"
	"image"
)

// Result is the outcome of offering one frame to the accumulator.
type Result int

const (
	Success Result = iota
	Failed
	InitFailed
)

func (r Result) String() string {
	switch r {
	case Success:
		return "success"
	case Failed:
		return "failed"
	case InitFailed:
		return "init_failed"
	default:
		return "unknown"
	}
}

var (
	// ErrNotEnoughStars rejects a reference frame without usable detail.
	ErrNotEnoughStars = errors.New("not enough stars in reference frame")
	// ErrSizeMismatch rejects a frame whose dimensions differ from the reference.
	ErrSizeMismatch = errors.New("frame size does not match reference")
)

// Options mirror the run flags that influence fusion.
type Options struct {
	Align   bool
	Enhance bool
}

// Initializer creates an engine from the first accepted frame.
// mask may be nil, in which case the engine fuses unmasked.
type Initializer interface {
	Initialize(ctx context.Context, first, mask image.Image, opts Options) (Engine, error)
}

// Engine accumulates frames into a stacked image. Calls are serialized by the caller.
type Engine interface {
	Merge(ctx context.Context, img image.Image) error
	// Preview returns a display-sized rendering of the current stack.
	Preview() image.Image
	// Processed returns the full-resolution stacked image.
	Processed() image.Image
	// Persist writes the engine's intermediate stacks into dir.
	Persist(dir string) error
	Close() error
}

// Segmenter produces a sky/foreground mask for a reference frame.
// A nil mask with a nil error means no mask is available.
type Segmenter interface {
	Segment(ctx context.Context, img image.Image) (image.Image, error)
}
