// Package capture drives a capture run: it schedules exposures, retains the
// frames they produce, feeds them to the stack and timelapse accumulators and
// saves the project when the run stops.
//
// All run state is owned by a single control goroutine that handles one
// message per transition. Exposures, fusion results and saves report back to
// it as messages.
package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"nightstack/internal/config"
	"nightstack/internal/frame"
	"nightstack/internal/fsutil"
	"nightstack/internal/fusion"
	"nightstack/internal/gallery"
	"nightstack/internal/logging"
	"nightstack/internal/project"
	"nightstack/internal/source"
	"nightstack/internal/stack"
	"nightstack/internal/storage"
	"nightstack/internal/timelapse"
)

var (
	// ErrBusy is returned when a run is still active or saving.
	ErrBusy = errors.New("a capture run is in progress")
	// ErrInvalidState is returned for commands the current state does not accept.
	ErrInvalidState = errors.New("command not allowed in current state")
	// ErrStopped is returned once the orchestrator has shut down.
	ErrStopped = errors.New("orchestrator stopped")
	// ErrInitFailed means the stacking engine could not start within the retry bound.
	ErrInitFailed = errors.New("stacking engine could not be initialized")
)

// Deps are the collaborators of a run. Source and Initializer are required.
type Deps struct {
	Source      source.Source
	Initializer fusion.Initializer
	Segmenter   fusion.Segmenter
	Decoder     frame.Decoder
	Gallery     gallery.Sink
	Timelapse   timelapse.SinkFactory // nil disables the timelapse
	Store       *storage.Store
	Logger      *slog.Logger
}

// StartOptions describe a new run.
type StartOptions struct {
	Flags       project.Flags
	Location    *frame.Location
	Orientation frame.Orientation
}

// Run is the in-memory state of one capture-to-save cycle. It is owned by
// the control goroutine.
type Run struct {
	ID          string
	ProjectID   string
	Flags       project.Flags
	Location    *frame.Location
	Orientation frame.Orientation
	Started     time.Time

	keeper    *project.Keeper
	stack     *stack.Accumulator
	timelapse *timelapse.Accumulator
	ctx       context.Context
	cancel    context.CancelFunc

	captured int
	exposing bool
	stopping bool
	deferred bool
	saving   bool
	failure  Failure
	err      error
}

type commandKind int

const (
	cmdStart commandKind = iota
	cmdStop
	cmdDefer
	cmdReset
)

type command struct {
	kind  commandKind
	opts  StartOptions
	reply chan error
}

type exposureDone struct {
	run    *Run
	frames []frame.Frame
	err    error
}

type stackResult struct {
	run    *Run
	result fusion.Result
}

type previewReady struct {
	run *Run
	img image.Image
}

type saveDone struct {
	run *Run
	err error
}

type timelapseDropped struct {
	run *Run
	err error
}

// Orchestrator is the capture state machine.
type Orchestrator struct {
	cfg  *config.Config
	deps Deps
	log  *slog.Logger
	hub  *Hub

	msgs    chan any
	quit    chan struct{}
	done    chan struct{}
	closing sync.WaitGroup

	// owned by the control goroutine
	run      *Run
	schedule *Schedule

	mu      sync.Mutex
	status  Status
	preview image.Image
}

// New creates an orchestrator in the Preparing state. Call Run to start it.
func New(cfg *config.Config, deps Deps) (*Orchestrator, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if deps.Source == nil {
		return nil, errors.New("capture: frame source is required")
	}
	if deps.Initializer == nil {
		return nil, errors.New("capture: fusion initializer is required")
	}
	if deps.Decoder == nil {
		deps.Decoder = frame.StdDecoder{}
	}
	logger := logging.Or(deps.Logger)
	return &Orchestrator{
		cfg:      cfg,
		deps:     deps,
		log:      logger,
		hub:      newHub(logger),
		msgs:     make(chan any, 64),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		schedule: NewSchedule(cfg.Capture.BracketISO, cfg.Capture.BracketBias, cfg.Capture.Exposure()),
		status:   Status{State: Preparing},
	}, nil
}

// Run prepares the projects directory and handles messages until ctx is
// cancelled. An active run is saved for later processing on the way out.
func (o *Orchestrator) Run(ctx context.Context) error {
	defer close(o.done)
	defer o.hub.close()

	if err := os.MkdirAll(o.cfg.Paths.ProjectsDir, 0o755); err != nil {
		close(o.quit)
		o.setState(Failed)
		return fmt.Errorf("prepare projects dir: %w", err)
	}
	o.setState(Ready)

	for {
		select {
		case <-ctx.Done():
			o.shutdown()
			return nil
		case m := <-o.msgs:
			o.handle(ctx, m)
		}
	}
}

// Done is closed when Run has returned.
func (o *Orchestrator) Done() <-chan struct{} { return o.done }

// DefaultStartOptions derives run options from the configuration.
func (o *Orchestrator) DefaultStartOptions() StartOptions {
	orientation, err := frame.ParseOrientation(o.cfg.Capture.Orientation)
	if err != nil {
		orientation = frame.OrientationUp
	}
	opts := StartOptions{
		Flags: project.Flags{
			Mask:    o.cfg.Stacking.Mask,
			Align:   o.cfg.Stacking.Align,
			Enhance: o.cfg.Stacking.Enhance,
		},
		Orientation: orientation,
	}
	if o.cfg.Capture.RecordLocation {
		opts.Location = &frame.Location{Latitude: o.cfg.Capture.Latitude, Longitude: o.cfg.Capture.Longitude}
	}
	return opts
}

// Start begins a new run.
func (o *Orchestrator) Start(ctx context.Context, opts StartOptions) error {
	return o.command(ctx, command{kind: cmdStart, opts: opts})
}

// Stop ends capture and processes the run to completion.
func (o *Orchestrator) Stop(ctx context.Context) error {
	return o.command(ctx, command{kind: cmdStop})
}

// Defer ends capture and saves the run for later processing.
func (o *Orchestrator) Defer(ctx context.Context) error {
	return o.command(ctx, command{kind: cmdDefer})
}

// Reset clears a failure and returns to Ready.
func (o *Orchestrator) Reset(ctx context.Context) error {
	return o.command(ctx, command{kind: cmdReset})
}

// Subscribe returns a channel of status events and an unsubscribe function.
func (o *Orchestrator) Subscribe() (<-chan Event, func()) { return o.hub.Subscribe() }

// Status returns the current status snapshot.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// Preview returns the latest stack preview of the current run, or nil.
func (o *Orchestrator) Preview() image.Image {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.preview
}

func (o *Orchestrator) command(ctx context.Context, c command) error {
	c.reply = make(chan error, 1)
	select {
	case o.msgs <- c:
	case <-o.quit:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-c.reply:
		return err
	case <-o.quit:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post delivers a message from a helper goroutine or queue callback.
func (o *Orchestrator) post(m any) {
	select {
	case o.msgs <- m:
	case <-o.quit:
	}
}

func (o *Orchestrator) handle(ctx context.Context, m any) {
	switch m := m.(type) {
	case command:
		m.reply <- o.handleCommand(ctx, m)
	case exposureDone:
		o.onExposure(m)
	case stackResult:
		o.onStackResult(m)
	case previewReady:
		o.onPreview(m)
	case saveDone:
		o.onSaveDone(m)
	case timelapseDropped:
		o.onTimelapseDropped(m)
	default:
		o.log.Warn("unknown control message", "type", fmt.Sprintf("%T", m))
	}
}

func (o *Orchestrator) handleCommand(ctx context.Context, c command) error {
	switch c.kind {
	case cmdStart:
		return o.start(ctx, c.opts)
	case cmdStop:
		return o.stop()
	case cmdDefer:
		return o.deferRun()
	case cmdReset:
		return o.reset()
	default:
		return ErrInvalidState
	}
}

func (o *Orchestrator) start(ctx context.Context, opts StartOptions) error {
	switch o.State() {
	case Ready, Failed:
	case Preparing:
		return ErrInvalidState
	default:
		return ErrBusy
	}
	if o.run != nil {
		return ErrBusy
	}

	now := time.Now()
	p, err := project.Create(o.cfg.Paths.ProjectsDir, now)
	if err != nil {
		return err
	}
	p.Flags = opts.Flags
	p.Location = opts.Location
	if opts.Orientation != "" {
		p.Orientation = opts.Orientation
	}
	keeper, err := project.Open(p, o.log)
	if err != nil {
		_ = os.RemoveAll(p.Dir)
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	run := &Run{
		ID:          uuid.NewString(),
		ProjectID:   p.ID,
		Flags:       opts.Flags,
		Location:    opts.Location,
		Orientation: p.Orientation,
		Started:     now,
		keeper:      keeper,
		ctx:         runCtx,
		cancel:      cancel,
	}
	run.stack, run.timelapse = newAccumulators(o.cfg, o.deps, keeper, p, o.log)
	if run.timelapse != nil {
		run.timelapse.OnError(func(err error) { o.post(timelapseDropped{run: run, err: err}) })
	}
	keeper.Save(nil)

	flags := map[string]any{"mask": opts.Flags.Mask, "align": opts.Flags.Align, "enhance": opts.Flags.Enhance}
	if err := o.deps.Store.RecordRunStarted(storage.RunRecord{
		ID:        run.ID,
		ProjectID: run.ProjectID,
		Kind:      "capture",
		Flags:     flags,
		CreatedAt: now,
	}); err != nil {
		o.log.Warn("could not record run", "run_id", run.ID, "error", err)
	}
	logging.LogRunStart(o.log, run.ID, p.Dir, flags)

	o.run = run
	o.schedule.Reset()
	o.mu.Lock()
	o.status = Status{State: Starting, ProjectID: run.ProjectID}
	o.preview = nil
	o.mu.Unlock()
	o.publish(EventState)

	o.expose(run)
	return nil
}

// newAccumulators builds the stack accumulator of a run and, when enabled,
// its timelapse.
func newAccumulators(cfg *config.Config, deps Deps, keeper *project.Keeper, p *project.Project, logger *slog.Logger) (*stack.Accumulator, *timelapse.Accumulator) {
	stackCfg := stack.Config{
		Initializer:    deps.Initializer,
		Segmenter:      deps.Segmenter,
		Decoder:        deps.Decoder,
		Keeper:         keeper,
		Gallery:        deps.Gallery,
		Flags:          p.Flags,
		Orientation:    p.Orientation,
		MaxInitRetries: cfg.Stacking.MaxInitRetries,
		PreviewWidth:   cfg.Stacking.PreviewWidth,
		Logger:         logger,
	}
	var tl *timelapse.Accumulator
	if cfg.Timelapse.Enabled && deps.Timelapse != nil && !p.TimelapseComplete {
		tl = timelapse.New(p.TimelapsePath(), timelapse.Options{
			FPS:          cfg.Timelapse.FPS,
			MaxWidth:     cfg.Timelapse.MaxWidth,
			ReadyTimeout: cfg.Timelapse.ReadyTimeout(),
		}, deps.Decoder, deps.Timelapse, logger.With("project", p.ID))
		stackCfg.Timelapse = tl
	}
	return stack.New(stackCfg), tl
}

func (o *Orchestrator) stop() error {
	run := o.run
	switch st := o.State(); {
	case run == nil, st != Starting && st != Capturing:
		return ErrInvalidState
	}
	run.stopping = true
	o.setState(Processing)
	if !run.exposing {
		o.finish(run)
	}
	return nil
}

func (o *Orchestrator) deferRun() error {
	run := o.run
	switch st := o.State(); {
	case run == nil, st != Starting && st != Capturing:
		return ErrInvalidState
	}
	run.deferred = true
	run.cancel()
	o.setState(Processing)
	end := time.Now()
	run.keeper.Update(func(p *project.Project) { p.SetCaptureEnd(end) })
	if dropped := run.stack.Suspend(); dropped > 0 {
		o.log.Info("deferred run dropped queued frames", "run_id", run.ID, "dropped", dropped)
	}
	o.save(run, false)
	return nil
}

func (o *Orchestrator) reset() error {
	switch o.State() {
	case Ready:
		return nil
	case Failed:
		if o.run != nil {
			return ErrBusy
		}
		o.mu.Lock()
		o.status = Status{State: Ready}
		o.preview = nil
		o.mu.Unlock()
		o.publish(EventState)
		return nil
	default:
		return ErrInvalidState
	}
}

func (o *Orchestrator) expose(run *Run) {
	req := o.schedule.Next()
	o.setBusy(o.deps.Source.Estimate(req) > o.cfg.Capture.BusyThreshold())
	run.exposing = true
	go func() {
		frames, err := o.deps.Source.Expose(run.ctx, req)
		o.post(exposureDone{run: run, frames: frames, err: err})
	}()
}

func (o *Orchestrator) onExposure(m exposureDone) {
	run := m.run
	run.exposing = false
	if run != o.run || run.deferred || run.saving || run.failure != FailureNone {
		return
	}
	o.setBusy(false)

	for _, f := range m.frames {
		if err := o.retain(run, f); err != nil {
			o.fail(run, FailureResourceExhausted, err)
			return
		}
	}

	if m.err != nil {
		switch {
		case errors.Is(m.err, source.ErrEndOfStream):
			o.log.Info("frame source exhausted, stopping", "run_id", run.ID)
			run.stopping = true
			o.setState(Processing)
		case errors.Is(m.err, source.ErrResourceExhausted):
			o.fail(run, FailureResourceExhausted, m.err)
			return
		default:
			o.fail(run, FailureDevice, m.err)
			return
		}
	}

	if run.stopping {
		o.finish(run)
		return
	}
	o.expose(run)
}

// retain copies f into the project, records it as unprocessed and hands it
// to both accumulators.
func (o *Orchestrator) retain(run *Run, f frame.Frame) error {
	index := run.captured
	dst := filepath.Join(run.keeper.Dir(), project.FramesDir, fmt.Sprintf("%05d-%s", index, filepath.Base(f.Path)))
	if err := fsutil.CopyFile(f.Path, dst); err != nil {
		return fmt.Errorf("retain frame %d: %w", index, err)
	}
	run.captured++

	f.Path = dst
	f.Index = index
	f.Raw = f.Raw || fsutil.IsRAWFile(dst)
	if f.CapturedAt.IsZero() {
		f.CapturedAt = time.Now()
	}
	captured := run.captured
	md := f.Metadata
	run.keeper.Update(func(p *project.Project) {
		p.AddUnprocessedFrame(dst)
		p.SetMetadata(md)
		p.Counters.Captured = captured
	})

	if err := o.deps.Store.RecordFrame(storage.FrameRecord{
		RunID:      run.ID,
		Index:      index,
		Path:       dst,
		CapturedAt: f.CapturedAt,
		Raw:        f.Raw,
		Metadata:   md,
	}); err != nil {
		o.log.Warn("could not record frame", "run_id", run.ID, "frame", index, "error", err)
	}

	run.stack.Add(f,
		func(r fusion.Result) { o.post(stackResult{run: run, result: r}) },
		func(img image.Image) { o.post(previewReady{run: run, img: img}) },
	)
	if run.timelapse != nil {
		run.timelapse.Add(f)
	}

	if n := o.cfg.Capture.SaveIntervalFrames; n > 0 && captured%n == 0 {
		run.keeper.Save(nil)
		counts := run.stack.Counts()
		if err := o.deps.Store.RecordRunProgress(run.ID, captured, counts.Fused, counts.Failed); err != nil {
			o.log.Warn("could not record run progress", "run_id", run.ID, "error", err)
		}
	}

	if o.State() == Starting {
		o.setState(Capturing)
	}
	o.mu.Lock()
	o.status.Captured = captured
	o.mu.Unlock()
	o.publish(EventCounters)
	return nil
}

// finish records the capture end and queues the completing save.
func (o *Orchestrator) finish(run *Run) {
	end := time.Now()
	run.keeper.Update(func(p *project.Project) { p.SetCaptureEnd(end) })
	o.save(run, true)
}

func (o *Orchestrator) save(run *Run, finished bool) {
	if run.saving {
		return
	}
	run.saving = true
	run.stack.SaveStack(finished, func(err error) { o.post(saveDone{run: run, err: err}) })
}

// fail aborts run with a classified failure. Whatever was fused is saved
// without completing the project.
func (o *Orchestrator) fail(run *Run, failure Failure, err error) {
	if run.failure != FailureNone {
		return
	}
	run.failure = failure
	run.err = err
	run.cancel()
	o.log.Error("capture run failed", "run_id", run.ID, "failure", failure.String(), "error", err)

	if failure == FailureResourceExhausted && !run.saving {
		// salvage what has been fused before reporting the failure
		o.setState(Processing)
	} else {
		o.enterFailed(failure)
	}
	o.save(run, false)
}

func (o *Orchestrator) enterFailed(failure Failure) {
	o.mu.Lock()
	o.status.State = Failed
	o.status.Failure = failure
	o.status.Busy = false
	o.mu.Unlock()
	o.publish(EventState)
	o.publish(EventFailure)
}

func (o *Orchestrator) onStackResult(m stackResult) {
	run := m.run
	if run != o.run {
		return
	}
	if m.result == fusion.InitFailed {
		o.fail(run, FailureInitFailed, ErrInitFailed)
	}
	counts := run.stack.Counts()
	o.mu.Lock()
	o.status.Fused = counts.Fused
	o.status.Failed = counts.Failed
	o.mu.Unlock()
	o.publish(EventCounters)
}

func (o *Orchestrator) onTimelapseDropped(m timelapseDropped) {
	if m.run != o.run {
		return
	}
	o.mu.Lock()
	o.status.TimelapseDropped++
	o.mu.Unlock()
	o.publish(EventTimelapse)
}

func (o *Orchestrator) onPreview(m previewReady) {
	if m.run != o.run || m.img == nil {
		return
	}
	o.mu.Lock()
	o.preview = m.img
	o.status.Preview = true
	o.mu.Unlock()
	o.publishPreview(m.img)
}

func (o *Orchestrator) onSaveDone(m saveDone) {
	run := m.run
	if run != o.run {
		return
	}
	if m.err != nil && run.failure == FailureNone {
		run.failure = FailureResourceExhausted
		run.err = m.err
	}

	counts := run.stack.Counts()
	status := storage.StatusCompleted
	switch {
	case run.failure != FailureNone:
		status = storage.StatusFailed
		o.enterFailed(run.failure)
	case run.deferred, !run.stack.CanComplete():
		status = storage.StatusDeferred
		o.setState(Ready)
	default:
		o.setState(Ready)
	}

	errMsg := ""
	if run.err != nil {
		errMsg = run.failure.String() + ": " + run.err.Error()
	}
	if err := o.deps.Store.RecordRunResult(run.ID, status, run.captured, counts.Fused, counts.Failed, errMsg); err != nil {
		o.log.Warn("could not record run result", "run_id", run.ID, "error", err)
	}
	summary := map[string]any{"captured": run.captured, "fused": counts.Fused, "failed": counts.Failed, "status": status}
	if run.err != nil {
		logging.LogRunError(o.log, run.ID, time.Since(run.Started), run.err, summary)
	} else {
		logging.LogRunComplete(o.log, run.ID, time.Since(run.Started), summary)
	}

	o.run = nil
	o.closing.Add(1)
	go func() {
		defer o.closing.Done()
		o.closeRun(run)
	}()
}

// closeRun drains the run's queues and releases the project lock.
func (o *Orchestrator) closeRun(run *Run) {
	run.cancel()
	run.stack.Close()
	if run.timelapse != nil {
		run.timelapse.Close()
	}
	if err := run.keeper.Close(); err != nil {
		o.log.Warn("could not release project lock", "project", run.ProjectID, "error", err)
	}
}

func (o *Orchestrator) shutdown() {
	close(o.quit)
	if run := o.run; run != nil {
		run.cancel()
		if !run.saving {
			run.saving = true
			run.stack.Suspend()
			done := make(chan error, 1)
			run.stack.SaveStack(false, func(err error) { done <- err })
			if err := <-done; err != nil {
				o.log.Error("could not save run on shutdown", "run_id", run.ID, "error", err)
			}
			counts := run.stack.Counts()
			if err := o.deps.Store.RecordRunResult(run.ID, storage.StatusDeferred, run.captured, counts.Fused, counts.Failed, ""); err != nil {
				o.log.Warn("could not record run result", "run_id", run.ID, "error", err)
			}
		}
		o.closeRun(run)
		o.run = nil
	}
	o.closing.Wait()
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status.State
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	changed := o.status.State != s
	o.status.State = s
	if s != Failed {
		o.status.Failure = FailureNone
	}
	o.mu.Unlock()
	if changed {
		o.publish(EventState)
	}
}

func (o *Orchestrator) setBusy(busy bool) {
	o.mu.Lock()
	changed := o.status.Busy != busy
	o.status.Busy = busy
	o.mu.Unlock()
	if changed {
		o.publish(EventBusy)
	}
}

func (o *Orchestrator) publish(kind EventKind) {
	st := o.Status()
	o.hub.publish(Event{Kind: kind, Status: st, Failure: st.Failure})
}

func (o *Orchestrator) publishPreview(img image.Image) {
	st := o.Status()
	o.hub.publish(Event{Kind: EventPreview, Status: st, Preview: img})
}
