package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"

	"nightstack/internal/frame"
	"nightstack/internal/fsutil"
)

// Watch receives frames that a tethering tool writes into a directory.
// A file counts as delivered once it has not changed for Settle.
type Watch struct {
	Dir string
	// Settle is how long a file must stay unchanged before it is read.
	Settle time.Duration
	// Grace is added to the requested exposure before a step times out.
	Grace    time.Duration
	Metadata MetadataReader
	Logger   *slog.Logger

	watcher *fsnotify.Watcher
	pending map[string]time.Time
	order   []string
}

var _ Source = (*Watch)(nil)

// OpenWatch starts watching dir.
func OpenWatch(dir string, metadata MetadataReader, logger *slog.Logger) (*Watch, error) {
	if logger == nil {
		logger = slog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	logger.Info("watching tethered capture directory", "dir", dir)
	return &Watch{
		Dir:      dir,
		Settle:   500 * time.Millisecond,
		Grace:    30 * time.Second,
		Metadata: metadata,
		Logger:   logger,
		watcher:  watcher,
		pending:  make(map[string]time.Time),
	}, nil
}

// Close stops watching.
func (w *Watch) Close() error {
	return w.watcher.Close()
}

func (w *Watch) Estimate(req Request) time.Duration {
	return req.Exposure() + w.Settle*time.Duration(len(req.Brackets))
}

// Expose waits for one settled file per bracket.
func (w *Watch) Expose(ctx context.Context, req Request) ([]frame.Frame, error) {
	want := len(req.Brackets)
	if want == 0 {
		want = 1
	}
	deadline := time.NewTimer(req.Exposure() + w.Grace)
	defer deadline.Stop()
	tick := time.NewTicker(w.settle() / 2)
	defer tick.Stop()

	var frames []frame.Frame
	for len(frames) < want {
		select {
		case <-ctx.Done():
			return frames, ctx.Err()
		case <-deadline.C:
			return frames, fmt.Errorf("%w: no frame within %s", ErrDevice, req.Exposure()+w.Grace)
		case event, ok := <-w.watcher.Events:
			if !ok {
				return frames, ErrEndOfStream
			}
			w.observe(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return frames, ErrEndOfStream
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				w.Logger.Warn("watcher overflow, frames may be missed", "dir", w.Dir)
				continue
			}
			return frames, fmt.Errorf("%w: %v", ErrDevice, err)
		case now := <-tick.C:
			for _, path := range w.settled(now, want-len(frames)) {
				f, err := w.frameFor(ctx, path, req, len(frames))
				if err != nil {
					w.Logger.Warn("skipping unreadable frame", "path", path, "error", err)
					continue
				}
				frames = append(frames, f)
			}
		}
	}
	return frames, nil
}

func (w *Watch) settle() time.Duration {
	if w.Settle <= 0 {
		return 100 * time.Millisecond
	}
	return w.Settle
}

func (w *Watch) observe(event fsnotify.Event) {
	if !fsutil.IsImageFile(event.Name) {
		return
	}
	switch {
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		if _, seen := w.pending[event.Name]; !seen {
			w.order = append(w.order, event.Name)
		}
		w.pending[event.Name] = time.Now()
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		delete(w.pending, event.Name)
	}
}

// settled pops up to max files, in arrival order, that have been quiet for Settle.
func (w *Watch) settled(now time.Time, max int) []string {
	var out []string
	keep := w.order[:0]
	for _, path := range w.order {
		touched, ok := w.pending[path]
		if !ok {
			continue
		}
		if len(out) < max && now.Sub(touched) >= w.settle() {
			out = append(out, path)
			delete(w.pending, path)
			continue
		}
		keep = append(keep, path)
	}
	w.order = keep
	return out
}

func (w *Watch) frameFor(ctx context.Context, path string, req Request, i int) (frame.Frame, error) {
	info, err := os.Stat(path)
	if err != nil {
		return frame.Frame{}, err
	}
	f := frame.New(path, 0, info.ModTime())
	var md map[string]any
	if w.Metadata != nil {
		md = w.Metadata.Read(ctx, path)
	}
	if i < len(req.Brackets) {
		md = bracketMetadata(md, req.Brackets[i])
	}
	f.Metadata = md
	return f, nil
}
