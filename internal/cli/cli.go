package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"nightstack/internal/capture"
	"nightstack/internal/config"
	"nightstack/internal/frame"
	"nightstack/internal/gallery"
	"nightstack/internal/logging"
	"nightstack/internal/magick"
	"nightstack/internal/segment"
	"nightstack/internal/server"
	"nightstack/internal/source"
	"nightstack/internal/storage"
	"nightstack/internal/timelapse"
)

// depsFactory builds the capture collaborators, everything but the source.
type depsFactory func(cfg *config.Config, log *slog.Logger, store *storage.Store) capture.Deps

type serverFunc func(ctx context.Context, srv *server.Server) error

func defaultServe(ctx context.Context, srv *server.Server) error {
	return srv.Start(ctx)
}

// Root wires CLI commands to the capture pipeline.
type Root struct {
	cfg     *config.Config
	log     *slog.Logger
	store   *storage.Store
	out     io.Writer
	deps    depsFactory
	serveFn serverFunc
}

// NewRoot constructs the CLI root.
func NewRoot(cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	return &Root{
		cfg:     cfg,
		log:     logging.Or(logger),
		store:   store,
		out:     os.Stdout,
		deps:    defaultDeps,
		serveFn: defaultServe,
	}
}

// defaultDeps wires the ImageMagick engine and RAW decoder, the optional
// static sky mask, the gallery library and ffmpeg when it is installed.
func defaultDeps(cfg *config.Config, log *slog.Logger, store *storage.Store) capture.Deps {
	deps := capture.Deps{
		Initializer: &magick.Stacker{
			MinStars:      cfg.Stacking.MinStars,
			StarThreshold: cfg.Stacking.StarThreshold,
			PreviewWidth:  cfg.Stacking.PreviewWidth,
			Logger:        log,
		},
		Segmenter: segment.None{},
		Decoder:   frame.Decoders{Processed: frame.StdDecoder{}, Raw: magick.Decoder{}},
		Gallery:   &gallery.Library{Dir: cfg.Paths.LibraryDir, Catalog: store, Logger: log},
		Store:     store,
		Logger:    log,
	}
	if cfg.Stacking.MaskPath != "" {
		deps.Segmenter = &segment.File{Path: cfg.Stacking.MaskPath}
	}
	if cfg.Timelapse.Enabled {
		path, err := exec.LookPath(cfg.Timelapse.FFmpegPath)
		logging.LogToolStatus(log, "ffmpeg", err == nil, path, err)
		if err == nil {
			deps.Timelapse = timelapse.FFmpeg{Path: path, Codec: cfg.Timelapse.Codec, Logger: log}.Factory()
		}
	}
	return deps
}

// sourceFlags select where frames come from.
type sourceFlags struct {
	from     string
	watch    string
	pace     time.Duration
	exiftool string
}

func (r *Root) openSource(f sourceFlags) (source.Source, func(), error) {
	metadata := &source.Exiftool{Path: f.exiftool}
	switch {
	case f.from != "" && f.watch != "":
		return nil, nil, errors.New("use either --from or --watch, not both")
	case f.from != "":
		replay, err := source.NewReplay(f.from, metadata)
		if err != nil {
			return nil, nil, err
		}
		replay.Pace = f.pace
		replay.PerFrame = 500 * time.Millisecond
		r.log.Info("replaying frames", "dir", f.from, "frames", replay.Remaining())
		return replay, func() {}, nil
	case f.watch != "":
		w, err := source.OpenWatch(f.watch, metadata, r.log)
		if err != nil {
			return nil, nil, err
		}
		return w, func() { _ = w.Close() }, nil
	default:
		return nil, nil, errors.New("a frame source is required: --from <dir> or --watch <dir>")
	}
}

func (r *Root) newOrchestrator(src source.Source) (*capture.Orchestrator, error) {
	deps := r.deps(r.cfg, r.log, r.store)
	deps.Source = src
	return capture.New(r.cfg, deps)
}

// runCapture drives one run to its end. Cancelling ctx stops the run, or
// defers it when deferOnInterrupt is set, and waits for the save.
func (r *Root) runCapture(ctx context.Context, o *capture.Orchestrator, opts capture.StartOptions, deferOnInterrupt bool) error {
	events, unsubscribe := o.Subscribe()
	defer unsubscribe()

	if err := o.Start(context.Background(), opts); err != nil {
		return fmt.Errorf("start capture: %w", err)
	}
	projectID := o.Status().ProjectID
	fmt.Fprintf(r.out, "Capturing into project %s\n", projectID)

	interrupt := ctx.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	last := capture.Status{}
	for {
		var st capture.Status
		select {
		case <-interrupt:
			interrupt = nil
			if deferOnInterrupt {
				fmt.Fprintln(r.out, "Interrupted, saving for later processing...")
				if err := o.Defer(context.Background()); err != nil && !errors.Is(err, capture.ErrInvalidState) {
					return err
				}
			} else {
				fmt.Fprintln(r.out, "Interrupted, processing captured frames...")
				if err := o.Stop(context.Background()); err != nil && !errors.Is(err, capture.ErrInvalidState) {
					return err
				}
			}
			continue
		case ev, ok := <-events:
			if !ok {
				return capture.ErrStopped
			}
			st = ev.Status
		case <-ticker.C:
			st = o.Status()
		}
		if st.ProjectID != projectID {
			// published before this run started
			continue
		}

		if st.Captured != last.Captured || st.Fused != last.Fused || st.Failed != last.Failed {
			fmt.Fprintf(r.out, "  captured %d, fused %d, failed %d\n", st.Captured, st.Fused, st.Failed)
		}
		last = st
		switch st.State {
		case capture.Ready:
			fmt.Fprintf(r.out, "Project %s saved: %d captured, %d fused, %d failed\n", projectID, st.Captured, st.Fused, st.Failed)
			return nil
		case capture.Failed:
			return fmt.Errorf("capture failed: %s", st.Failure)
		}
	}
}
