package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"nightstack/internal/config"
	"nightstack/internal/frame"
	"nightstack/internal/fusion"
	"nightstack/internal/logging"
	"nightstack/internal/project"
	"nightstack/internal/storage"
)

// ErrNothingToProcess is returned when a project has no unprocessed frames.
var ErrNothingToProcess = errors.New("project has no unprocessed frames")

// ReprocessResult summarises a reprocessing run.
type ReprocessResult struct {
	RunID     string
	ProjectID string
	Frames    int
	Fused     int
	Failed    int
	Complete  bool
}

// Reprocess stacks the unprocessed frames of the project in dir from scratch,
// in their recorded order, and completes the project when every frame has
// been through the engine. Cancelling ctx saves the project with its
// unprocessed list intact. deps.Source is not used.
func Reprocess(ctx context.Context, dir string, cfg *config.Config, deps Deps) (ReprocessResult, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if deps.Initializer == nil {
		return ReprocessResult{}, errors.New("capture: fusion initializer is required")
	}
	if deps.Decoder == nil {
		deps.Decoder = frame.StdDecoder{}
	}
	logger := logging.Or(deps.Logger)

	p, err := project.Load(dir)
	if err != nil {
		return ReprocessResult{}, err
	}
	res := ReprocessResult{RunID: uuid.NewString(), ProjectID: p.ID}
	paths := p.UnprocessedPaths()
	if len(paths) == 0 {
		return res, ErrNothingToProcess
	}

	keeper, err := project.Open(p, logger)
	if err != nil {
		return res, err
	}
	defer func() {
		if err := keeper.Close(); err != nil {
			logger.Warn("could not release project lock", "project", p.ID, "error", err)
		}
	}()

	acc, tl := newAccumulators(cfg, deps, keeper, p, logger)
	defer func() {
		acc.Close()
		if tl != nil {
			tl.Close()
		}
	}()

	started := time.Now()
	flags := map[string]any{"mask": p.Flags.Mask, "align": p.Flags.Align, "enhance": p.Flags.Enhance}
	if err := deps.Store.RecordRunStarted(storage.RunRecord{
		ID:        res.RunID,
		ProjectID: p.ID,
		Kind:      "reprocess",
		Flags:     flags,
		CreatedAt: started,
	}); err != nil {
		logger.Warn("could not record run", "run_id", res.RunID, "error", err)
	}
	logging.LogRunStart(logger, res.RunID, p.Dir, flags)

	results := make(chan fusion.Result, len(paths))
	for i, path := range paths {
		var capturedAt time.Time
		if info, err := os.Stat(path); err == nil {
			capturedAt = info.ModTime()
		}
		f := frame.New(path, i, capturedAt)
		if i == 0 {
			f.Metadata = p.Metadata
		}
		acc.Add(f, func(r fusion.Result) { results <- r }, nil)
		if tl != nil {
			tl.Add(f)
		}
	}
	res.Frames = len(paths)

	var runErr error
	received := 0
wait:
	for received < len(paths) {
		select {
		case r := <-results:
			received++
			if r == fusion.InitFailed {
				runErr = ErrInitFailed
				break wait
			}
		case <-ctx.Done():
			acc.Suspend()
			runErr = ctx.Err()
			break wait
		}
	}

	finished := runErr == nil
	saved := make(chan error, 1)
	acc.SaveStack(finished, func(err error) { saved <- err })
	if err := <-saved; err != nil && runErr == nil {
		runErr = fmt.Errorf("save project: %w", err)
		finished = false
	}

	counts := acc.Counts()
	res.Fused = counts.Fused
	res.Failed = counts.Failed
	res.Complete = finished && acc.CanComplete()

	status := storage.StatusCompleted
	errMsg := ""
	switch {
	case runErr == nil && !res.Complete:
		status = storage.StatusDeferred
	case errors.Is(runErr, context.Canceled), errors.Is(runErr, context.DeadlineExceeded):
		status = storage.StatusDeferred
	case runErr != nil:
		status = storage.StatusFailed
		errMsg = runErr.Error()
	}
	if err := deps.Store.RecordRunResult(res.RunID, status, res.Frames, res.Fused, res.Failed, errMsg); err != nil {
		logger.Warn("could not record run result", "run_id", res.RunID, "error", err)
	}
	summary := map[string]any{"frames": res.Frames, "fused": res.Fused, "failed": res.Failed, "status": status}
	if runErr != nil {
		logging.LogRunError(logger, res.RunID, time.Since(started), runErr, summary)
	} else {
		logging.LogRunComplete(logger, res.RunID, time.Since(started), summary)
	}
	return res, runErr
}
