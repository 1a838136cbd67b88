// Package stack feeds a run's frames, one at a time and in arrival order,
// into a single fusion engine and persists what it has accumulated.
package stack

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"nightstack/internal/frame"
	"nightstack/internal/fusion"
	"nightstack/internal/gallery"
	"nightstack/internal/logging"
	"nightstack/internal/project"
	"nightstack/internal/serial"
	"nightstack/internal/timelapse"
)

// EngineState tracks the fusion engine lifecycle for one run.
type EngineState int

const (
	Uninitialized EngineState = iota
	Ready
	Failed
)

func (s EngineState) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Counts are the fusion outcomes so far.
type Counts struct {
	Fused  int `json:"fused"`
	Failed int `json:"failed"`
}

// Finalizer completes a companion artifact, such as the timelapse, when the stack is saved.
type Finalizer interface {
	Complete(ctx context.Context) (string, error)
}

// Config wires an Accumulator to its collaborators. Segmenter, Gallery and
// Timelapse are optional.
type Config struct {
	Initializer    fusion.Initializer
	Segmenter      fusion.Segmenter
	Decoder        frame.Decoder
	Keeper         *project.Keeper
	Gallery        gallery.Sink
	Timelapse      Finalizer
	Flags          project.Flags
	Orientation    frame.Orientation
	MaxInitRetries int
	PreviewWidth   int
	Logger         *slog.Logger
}

// Accumulator owns one fusion engine per run behind a serial queue.
type Accumulator struct {
	cfg    Config
	log    *slog.Logger
	q      *serial.Queue
	ctx    context.Context
	cancel context.CancelFunc

	// owned by the queue
	engine       fusion.Engine
	initFailures int
	metadata     map[string]any
	capturedAt   time.Time

	mu      sync.Mutex
	state   EngineState
	counts  Counts
	preview image.Image
}

// New creates an accumulator. cfg.Keeper and cfg.Initializer are required.
func New(cfg Config) *Accumulator {
	logger := logging.Or(cfg.Logger)
	if cfg.Decoder == nil {
		cfg.Decoder = frame.StdDecoder{}
	}
	if cfg.MaxInitRetries < 0 {
		cfg.MaxInitRetries = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Accumulator{
		cfg:    cfg,
		log:    logger.With("project", cfg.Keeper.ID()),
		q:      serial.New("fusion", logger),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Add returns the current preview and queues f for fusion. onResult and
// onPreview run on the fusion queue and may be nil.
func (a *Accumulator) Add(f frame.Frame, onResult func(fusion.Result), onPreview func(image.Image)) image.Image {
	a.q.Submit(func() { a.fuse(f, onResult, onPreview) })
	return a.Preview()
}

func (a *Accumulator) fuse(f frame.Frame, onResult func(fusion.Result), onPreview func(image.Image)) {
	if a.State() == Failed {
		return
	}
	if a.metadata == nil && len(f.Metadata) > 0 {
		a.metadata = f.Metadata
	}
	if a.capturedAt.IsZero() {
		a.capturedAt = f.CapturedAt
	}

	img, err := a.cfg.Decoder.Decode(a.ctx, f)
	if err != nil {
		a.log.Warn("frame decode failed", "frame", f.Index, "path", f.Path, "error", err)
		a.fail(onResult, fusion.Failed)
		return
	}

	if a.State() == Uninitialized {
		a.initialize(f, img, onResult, onPreview)
		return
	}

	if err := a.engine.Merge(a.ctx, img); err != nil {
		a.log.Warn("frame merge failed", "frame", f.Index, "error", err)
		a.fail(onResult, fusion.Failed)
		return
	}
	a.succeed(onResult, onPreview)
}

func (a *Accumulator) initialize(f frame.Frame, img image.Image, onResult func(fusion.Result), onPreview func(image.Image)) {
	var mask image.Image
	if a.cfg.Flags.Mask && a.cfg.Segmenter != nil {
		m, err := a.cfg.Segmenter.Segment(a.ctx, img)
		if err != nil {
			a.log.Warn("segmentation failed, fusing unmasked", "error", err)
		} else {
			mask = m
		}
	}

	engine, err := a.cfg.Initializer.Initialize(a.ctx, img, mask, fusion.Options{
		Align:   a.cfg.Flags.Align,
		Enhance: a.cfg.Flags.Enhance,
	})
	if err != nil {
		a.initFailures++
		a.log.Warn("fusion engine init failed", "frame", f.Index, "attempt", a.initFailures, "error", err)
		if a.initFailures > a.cfg.MaxInitRetries {
			a.setState(Failed)
			a.fail(onResult, fusion.InitFailed)
			return
		}
		a.fail(onResult, fusion.Failed)
		return
	}

	a.engine = engine
	a.setState(Ready)
	a.succeed(onResult, onPreview)
}

func (a *Accumulator) succeed(onResult func(fusion.Result), onPreview func(image.Image)) {
	preview := a.engine.Preview()
	a.mu.Lock()
	a.counts.Fused++
	if preview != nil {
		a.preview = preview
	}
	a.mu.Unlock()
	if onPreview != nil && preview != nil {
		onPreview(preview)
	}
	if onResult != nil {
		onResult(fusion.Success)
	}
}

func (a *Accumulator) fail(onResult func(fusion.Result), r fusion.Result) {
	a.mu.Lock()
	a.counts.Failed++
	a.mu.Unlock()
	if onResult != nil {
		onResult(r)
	}
}

// CanComplete reports whether a finished save would complete the project.
// It is false once frames were offered but none reached a running engine.
func (a *Accumulator) CanComplete() bool {
	return a.State() == Ready || a.Counts().Failed == 0
}

// Suspend drops queued frames that have not started. The frame being fused,
// if any, completes. It returns the number of dropped tasks.
func (a *Accumulator) Suspend() int {
	return a.q.CancelPending()
}

// SaveStack runs after every task queued before it. It persists the engine's
// stacks, hands cover and processed images to the project, exports them and
// finalizes the timelapse, then either completes the project (finished) or
// saves it with the unprocessed list intact. onDone receives the project
// write outcome; export failures are only logged.
func (a *Accumulator) SaveStack(finished bool, onDone func(error)) {
	ok := a.q.Submit(func() {
		err := a.saveStack(finished)
		if onDone != nil {
			onDone(err)
		}
	})
	if !ok && onDone != nil {
		onDone(serial.ErrClosed)
	}
}

func (a *Accumulator) saveStack(finished bool) error {
	started := time.Now()
	keeper := a.cfg.Keeper
	counts := a.Counts()
	if finished && !a.CanComplete() {
		// nothing was fused; the frames stay for reprocessing
		a.log.Warn("engine never started, saving without completion", "state", a.State(), "failed", counts.Failed)
		finished = false
	}

	var processed image.Image
	if a.State() == Ready {
		if err := a.engine.Persist(filepath.Join(keeper.Dir(), project.StackDir)); err != nil {
			a.log.Error("stack persist failed", "error", err)
		}
		processed = a.engine.Processed()
	}
	if processed != nil {
		cover := fusion.Thumbnail(processed, a.cfg.PreviewWidth)
		keeper.Update(func(p *project.Project) {
			p.SetCoverPhoto(cover)
			p.SetProcessed(processed)
		})
		a.export(gallery.Item{
			Kind:        gallery.KindImage,
			ProjectID:   keeper.ID(),
			Image:       processed,
			Orientation: a.cfg.Orientation,
			Metadata:    a.metadata,
			CapturedAt:  a.capturedAt,
		})
	}

	if a.cfg.Timelapse != nil {
		path, err := a.cfg.Timelapse.Complete(a.ctx)
		switch {
		case err == nil:
			keeper.Update(func(p *project.Project) { p.TimelapseComplete = true })
			a.export(gallery.Item{
				Kind:       gallery.KindVideo,
				ProjectID:  keeper.ID(),
				Path:       path,
				Metadata:   a.metadata,
				CapturedAt: a.capturedAt,
			})
		case errors.Is(err, timelapse.ErrNoFrames), errors.Is(err, timelapse.ErrClosed):
		default:
			a.log.Warn("timelapse finalization failed", "error", err)
		}
	}

	keeper.Update(func(p *project.Project) {
		p.Counters.Fused = counts.Fused
		p.Counters.Failed = counts.Failed
	})

	result := make(chan error, 1)
	if finished {
		keeper.Complete(func(err error) { result <- err })
	} else {
		keeper.Save(func(err error) { result <- err })
	}
	err := <-result
	logging.LogProcessingStep(a.log, keeper.ID(), "save_stack", status(err), map[string]any{
		"finished":    finished,
		"fused":       counts.Fused,
		"failed":      counts.Failed,
		"duration_ms": time.Since(started).Milliseconds(),
	})
	if err != nil {
		return fmt.Errorf("save project: %w", err)
	}
	return nil
}

func (a *Accumulator) export(item gallery.Item) {
	if a.cfg.Gallery == nil {
		return
	}
	if err := a.cfg.Gallery.Store(a.ctx, item); err != nil {
		a.log.Warn("gallery export failed", "kind", item.Kind, "error", err)
	}
}

// Preview returns the latest preview, or nil before the first fused frame.
func (a *Accumulator) Preview() image.Image {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.preview
}

// Counts returns the fusion outcomes so far.
func (a *Accumulator) Counts() Counts {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counts
}

// State returns the engine lifecycle state.
func (a *Accumulator) State() EngineState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Accumulator) setState(s EngineState) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// Close drains queued work and releases the engine.
func (a *Accumulator) Close() {
	a.q.Close()
	a.cancel()
	if a.engine != nil {
		if err := a.engine.Close(); err != nil {
			a.log.Warn("engine close failed", "error", err)
		}
		a.engine = nil
	}
}

func status(err error) string {
	if err != nil {
		return "failed"
	}
	return "completed"
}
