// Package source produces exposures for a capture run.
package source

import (
	"context"
	"errors"
	"time"

	"nightstack/internal/frame"
)

var (
	// ErrResourceExhausted means the device or host ran out of space or buffers.
	ErrResourceExhausted = errors.New("capture resources exhausted")
	// ErrDevice is an unrecoverable sensor or transport failure.
	ErrDevice = errors.New("capture device failure")
	// ErrEndOfStream means the source has no more exposures.
	ErrEndOfStream = errors.New("end of frame stream")
)

// Bracket is one frame of an exposure step.
type Bracket struct {
	ISO      float64
	Bias     float64
	Exposure time.Duration
}

// Request asks for one exposure step, producing one frame per bracket.
type Request struct {
	Index    int
	Brackets []Bracket
}

// Exposure returns the total shutter time of the request.
func (r Request) Exposure() time.Duration {
	var total time.Duration
	for _, b := range r.Brackets {
		total += b.Exposure
	}
	return total
}

// Source is a frame producer. Expose is never called concurrently.
type Source interface {
	// Estimate predicts how long the request will take to deliver and process.
	Estimate(req Request) time.Duration
	// Expose captures the request and returns its frames in capture order.
	Expose(ctx context.Context, req Request) ([]frame.Frame, error)
}

// MetadataReader extracts capture metadata for a file. It returns nil when
// nothing is known.
type MetadataReader interface {
	Read(ctx context.Context, path string) map[string]any
}
