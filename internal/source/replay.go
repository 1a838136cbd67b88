package source

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"nightstack/internal/frame"
	"nightstack/internal/fsutil"
)

// Replay serves the images of a directory in name order, one bracket group
// per exposure. It stands in for a camera when stacking an existing sequence.
type Replay struct {
	Dir string
	// Pace delays each exposure, simulating shutter time. Zero replays at full speed.
	Pace time.Duration
	// PerFrame is the expected processing time of one frame, used by Estimate.
	PerFrame time.Duration
	Metadata MetadataReader

	mu    sync.Mutex
	files []string
	next  int
	ready bool
}

var _ Source = (*Replay)(nil)

// NewReplay lists dir up front so a missing directory fails early.
func NewReplay(dir string, metadata MetadataReader) (*Replay, error) {
	r := &Replay{Dir: dir, Metadata: metadata}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

// ReplayFiles serves an explicit file list in the given order.
func ReplayFiles(files []string, metadata MetadataReader) *Replay {
	return &Replay{files: append([]string(nil), files...), ready: true, Metadata: metadata}
}

func (r *Replay) load() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ready {
		return nil
	}
	files, err := fsutil.ListImages(r.Dir)
	if err != nil {
		return fmt.Errorf("list %s: %w", r.Dir, err)
	}
	r.files = files
	r.ready = true
	return nil
}

// Remaining reports how many files have not been served.
func (r *Replay) Remaining() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.files) - r.next
}

func (r *Replay) Estimate(req Request) time.Duration {
	return time.Duration(len(req.Brackets)) * r.PerFrame
}

func (r *Replay) Expose(ctx context.Context, req Request) ([]frame.Frame, error) {
	if err := r.load(); err != nil {
		return nil, err
	}
	if r.Pace > 0 {
		t := time.NewTimer(r.Pace)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	want := len(req.Brackets)
	if want == 0 {
		want = 1
	}
	r.mu.Lock()
	if r.next >= len(r.files) {
		r.mu.Unlock()
		return nil, ErrEndOfStream
	}
	end := r.next + want
	if end > len(r.files) {
		end = len(r.files)
	}
	paths := r.files[r.next:end]
	r.next = end
	r.mu.Unlock()

	frames := make([]frame.Frame, 0, len(paths))
	for i, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDevice, err)
		}
		f := frame.New(p, 0, info.ModTime())
		var md map[string]any
		if r.Metadata != nil {
			md = r.Metadata.Read(ctx, p)
		}
		if i < len(req.Brackets) {
			md = bracketMetadata(md, req.Brackets[i])
		}
		f.Metadata = md
		frames = append(frames, f)
	}
	return frames, nil
}
