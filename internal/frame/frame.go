// Package frame models a single captured exposure and how to decode it.
package frame

import (
	"fmt"
	"strings"
	"time"

	"nightstack/internal/fsutil"
)

// Frame references one retained exposure on disk.
type Frame struct {
	Path       string
	CapturedAt time.Time
	Metadata   map[string]any
	Raw        bool
	Index      int
}

// New builds a frame for path, deriving the raw flag from its extension.
func New(path string, index int, capturedAt time.Time) Frame {
	return Frame{
		Path:       path,
		CapturedAt: capturedAt,
		Raw:        fsutil.IsRAWFile(path),
		Index:      index,
	}
}

// Orientation is the device orientation recorded for a run.
type Orientation string

const (
	OrientationUp    Orientation = "up"
	OrientationDown  Orientation = "down"
	OrientationLeft  Orientation = "left"
	OrientationRight Orientation = "right"
)

// ParseOrientation accepts the four orientations; empty means up.
func ParseOrientation(s string) (Orientation, error) {
	switch o := Orientation(strings.ToLower(strings.TrimSpace(s))); o {
	case "":
		return OrientationUp, nil
	case OrientationUp, OrientationDown, OrientationLeft, OrientationRight:
		return o, nil
	default:
		return "", fmt.Errorf("unknown orientation %q", s)
	}
}

// Location is where a run was captured.
type Location struct {
	Latitude  float64 `toml:"latitude" json:"latitude"`
	Longitude float64 `toml:"longitude" json:"longitude"`
}
