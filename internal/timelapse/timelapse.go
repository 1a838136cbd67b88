// Package timelapse turns the frame stream of a run into a video, one frame
// at a time, independently of whether stacking succeeds.
package timelapse

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/image/draw"

	"nightstack/internal/frame"
	"nightstack/internal/serial"
)

var (
	ErrNoFrames     = errors.New("timelapse has no frames")
	ErrNotReady     = errors.New("timelapse sink not ready")
	ErrClosed       = errors.New("timelapse sink closed")
	ErrNonMonotonic = errors.New("presentation time not increasing")
)

// Sink is an incremental video container writer.
type Sink interface {
	// Ready delivers a token whenever the sink can take another frame.
	Ready() <-chan struct{}
	Append(img *image.NRGBA, pts time.Duration) error
	// Close finalizes the container at its target path.
	Close() error
	Abort()
}

// SinkFactory opens a sink for a width x height video at fps.
type SinkFactory func(ctx context.Context, path string, width, height, fps int) (Sink, error)

// Options configure an Accumulator.
type Options struct {
	FPS          int
	MaxWidth     int
	ReadyTimeout time.Duration
}

// Accumulator appends decoded frames to a sink on its own serial queue.
type Accumulator struct {
	path    string
	opts    Options
	decoder frame.Decoder
	factory SinkFactory
	log     *slog.Logger
	q       *serial.Queue
	ctx     context.Context
	cancel  context.CancelFunc

	// owned by the queue
	sink     Sink
	canvas   image.Rectangle
	finished bool

	frames atomic.Int64

	mu      sync.Mutex
	onError func(error)
}

// New creates an accumulator writing to path.
func New(path string, opts Options, decoder frame.Decoder, factory SinkFactory, logger *slog.Logger) *Accumulator {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.FPS <= 0 {
		opts.FPS = 10
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Accumulator{
		path:    path,
		opts:    opts,
		decoder: decoder,
		factory: factory,
		log:     logger,
		q:       serial.New("timelapse", logger),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// OnError registers the callback for append failures. They never stop the run.
func (a *Accumulator) OnError(fn func(error)) {
	a.mu.Lock()
	a.onError = fn
	a.mu.Unlock()
}

func (a *Accumulator) report(err error) {
	a.log.Warn("timelapse frame dropped", "error", err)
	a.mu.Lock()
	fn := a.onError
	a.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// Frames reports how many frames have been appended.
func (a *Accumulator) Frames() int { return int(a.frames.Load()) }

// Path is where the finished video is written.
func (a *Accumulator) Path() string { return a.path }

// Add enqueues f for decoding and appending.
func (a *Accumulator) Add(f frame.Frame) {
	a.q.Submit(func() {
		if a.finished {
			return
		}
		if err := a.append(f); err != nil {
			a.report(fmt.Errorf("frame %d: %w", f.Index, err))
		}
	})
}

func (a *Accumulator) append(f frame.Frame) error {
	img, err := a.decoder.Decode(a.ctx, f)
	if err != nil {
		return err
	}
	if a.sink == nil {
		a.canvas = canvasFor(img.Bounds(), a.opts.MaxWidth)
		sink, err := a.factory(a.ctx, a.path, a.canvas.Dx(), a.canvas.Dy(), a.opts.FPS)
		if err != nil {
			return fmt.Errorf("open sink: %w", err)
		}
		a.sink = sink
	}

	scaled := image.NewNRGBA(a.canvas)
	draw.ApproxBiLinear.Scale(scaled, a.canvas, img, img.Bounds(), draw.Src, nil)
	img = nil // only the scaled copy stays live while waiting on the sink

	timer := time.NewTimer(a.opts.ReadyTimeout)
	defer timer.Stop()
	select {
	case <-a.sink.Ready():
	case <-timer.C:
		return ErrNotReady
	case <-a.ctx.Done():
		return a.ctx.Err()
	}

	i := a.frames.Load()
	pts := time.Duration(i) * time.Second / time.Duration(a.opts.FPS)
	if err := a.sink.Append(scaled, pts); err != nil {
		return err
	}
	a.frames.Add(1)
	return nil
}

// Complete finalizes the video after all queued frames and returns its path.
func (a *Accumulator) Complete(ctx context.Context) (string, error) {
	var path string
	err := serial.Do(ctx, a.q, func() error {
		if a.finished {
			return ErrClosed
		}
		a.finished = true
		if a.sink == nil {
			return ErrNoFrames
		}
		sink := a.sink
		a.sink = nil
		if err := sink.Close(); err != nil {
			return err
		}
		path = a.path
		return nil
	})
	return path, err
}

// Close discards pending frames, aborts an unfinished video and stops the queue.
func (a *Accumulator) Close() {
	a.q.CancelPending()
	a.cancel()
	a.q.Submit(func() {
		if a.sink != nil {
			a.sink.Abort()
			a.sink = nil
		}
		a.finished = true
	})
	a.q.Close()
}

// canvasFor fits b into maxWidth keeping aspect ratio, with even dimensions
// as required by 4:2:0 encoders.
func canvasFor(b image.Rectangle, maxWidth int) image.Rectangle {
	w, h := b.Dx(), b.Dy()
	if maxWidth > 0 && w > maxWidth {
		h = h * maxWidth / w
		w = maxWidth
	}
	w -= w % 2
	h -= h % 2
	if w < 2 {
		w = 2
	}
	if h < 2 {
		h = 2
	}
	return image.Rect(0, 0, w, h)
}
