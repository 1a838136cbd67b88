package stack

import (
	"context"
	"errors"
	"image"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"nightstack/internal/frame"
	"nightstack/internal/fusion"
	"nightstack/internal/gallery"
	"nightstack/internal/project"
)

// indexDecoder encodes the frame index in the image width.
var indexDecoder = frame.DecoderFunc(func(ctx context.Context, f frame.Frame) (image.Image, error) {
	return image.NewGray(image.Rect(0, 0, 100+f.Index, 4)), nil
})

func frameIndex(img image.Image) int { return img.Bounds().Dx() - 100 }

type stubEngine struct {
	mu        sync.Mutex
	merged    []int
	failOn    map[int]bool
	block     chan struct{}
	persisted []int
	mask      image.Image
	closed    bool
}

func (e *stubEngine) Merge(ctx context.Context, img image.Image) error {
	if e.block != nil {
		<-e.block
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	idx := frameIndex(img)
	if e.failOn[idx] {
		return errors.New("alignment failed")
	}
	e.merged = append(e.merged, idx)
	return nil
}

func (e *stubEngine) Preview() image.Image {
	e.mu.Lock()
	defer e.mu.Unlock()
	return image.NewGray(image.Rect(0, 0, len(e.merged), 1))
}

func (e *stubEngine) Processed() image.Image {
	e.mu.Lock()
	defer e.mu.Unlock()
	return image.NewNRGBA(image.Rect(0, 0, 8, 6))
}

func (e *stubEngine) Persist(dir string) error {
	e.mu.Lock()
	e.persisted = append([]int(nil), e.merged...)
	e.mu.Unlock()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "maxed.tif"), []byte("stack"), 0o644)
}

func (e *stubEngine) Close() error {
	e.closed = true
	return nil
}

type stubInitializer struct {
	engine    *stubEngine
	failUntil int // number of leading attempts that fail
	attempts  int
}

func (s *stubInitializer) Initialize(ctx context.Context, first, mask image.Image, opts fusion.Options) (fusion.Engine, error) {
	s.attempts++
	if s.attempts <= s.failUntil {
		return nil, fusion.ErrNotEnoughStars
	}
	s.engine.mask = mask
	s.engine.merged = append(s.engine.merged, frameIndex(first))
	return s.engine, nil
}

type recordingGallery struct {
	mu    sync.Mutex
	items []gallery.Item
}

func (g *recordingGallery) Store(ctx context.Context, item gallery.Item) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.items = append(g.items, item)
	return nil
}

type stubTimelapse struct {
	path  string
	calls int
}

func (s *stubTimelapse) Complete(ctx context.Context) (string, error) {
	s.calls++
	return s.path, nil
}

type resultLog struct {
	mu      sync.Mutex
	results []fusion.Result
}

func (l *resultLog) add(r fusion.Result) {
	l.mu.Lock()
	l.results = append(l.results, r)
	l.mu.Unlock()
}

func (l *resultLog) snapshot() []fusion.Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]fusion.Result(nil), l.results...)
}

func newKeeper(t *testing.T, frames int) *project.Keeper {
	t.Helper()
	p, err := project.Create(t.TempDir(), time.Now())
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	k, err := project.Open(p, nil)
	if err != nil {
		t.Fatalf("open keeper: %v", err)
	}
	t.Cleanup(func() { _ = k.Close() })
	k.Update(func(p *project.Project) {
		for i := 0; i < frames; i++ {
			p.AddUnprocessedFrame(filepath.Join(p.FramesPath(), "frame.nef"))
		}
	})
	return k
}

func saveAndWait(t *testing.T, acc *Accumulator, finished bool) {
	t.Helper()
	done := make(chan error, 1)
	acc.SaveStack(finished, func(err error) { done <- err })
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("save stack: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("save stack did not complete")
	}
}

func TestFiveFramesWithThirdFailing(t *testing.T) {
	engine := &stubEngine{failOn: map[int]bool{3: true}}
	keeper := newKeeper(t, 5)
	gal := &recordingGallery{}
	tl := &stubTimelapse{path: "/tmp/timelapse.mp4"}
	acc := New(Config{
		Initializer:    &stubInitializer{engine: engine},
		Decoder:        indexDecoder,
		Keeper:         keeper,
		Gallery:        gal,
		Timelapse:      tl,
		MaxInitRetries: 1,
		PreviewWidth:   4,
	})
	defer acc.Close()

	var log resultLog
	var previews int
	var pmu sync.Mutex
	for i := 0; i < 5; i++ {
		acc.Add(frame.Frame{Index: i}, log.add, func(image.Image) {
			pmu.Lock()
			previews++
			pmu.Unlock()
		})
	}
	saveAndWait(t, acc, true)

	if got := acc.Counts(); got != (Counts{Fused: 4, Failed: 1}) {
		t.Fatalf("unexpected counts %+v", got)
	}
	results := log.snapshot()
	want := []fusion.Result{fusion.Success, fusion.Success, fusion.Success, fusion.Failed, fusion.Success}
	if len(results) != len(want) {
		t.Fatalf("unexpected results %v", results)
	}
	for i := range want {
		if results[i] != want[i] {
			t.Fatalf("result %d = %v, want %v", i, results[i], want[i])
		}
	}
	if previews != 4 {
		t.Fatalf("expected 4 previews, got %d", previews)
	}
	if len(engine.persisted) != 4 || engine.persisted[3] != 4 {
		t.Fatalf("persist should see every accepted frame, got %v", engine.persisted)
	}
	if tl.calls != 1 || len(gal.items) != 2 || gal.items[0].Kind != gallery.KindImage || gal.items[1].Path != tl.path {
		t.Fatalf("unexpected exports %+v (timelapse calls %d)", gal.items, tl.calls)
	}

	p, err := project.Load(keeper.Dir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !p.ProcessingComplete || len(p.Unprocessed) != 0 {
		t.Fatalf("expected complete project with empty list, got %+v", p)
	}
	if p.Counters.Fused != 4 || p.Counters.Failed != 1 {
		t.Fatalf("unexpected persisted counters %+v", p.Counters)
	}
	if _, err := os.Stat(filepath.Join(keeper.Dir(), project.PreviewFile)); err != nil {
		t.Fatalf("expected cover thumbnail: %v", err)
	}
	if _, err := os.Stat(filepath.Join(keeper.Dir(), project.StackDir, "maxed.tif")); err != nil {
		t.Fatalf("expected engine persist output: %v", err)
	}
}

func TestSaveStackSeesLastAcceptedFrame(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 20; trial++ {
		n := 1 + rng.Intn(12)
		fail := map[int]bool{}
		var accepted []int
		for i := 0; i < n; i++ {
			if i > 0 && rng.Intn(3) == 0 {
				fail[i] = true
				continue
			}
			accepted = append(accepted, i)
		}
		engine := &stubEngine{failOn: fail}
		acc := New(Config{Initializer: &stubInitializer{engine: engine}, Decoder: indexDecoder, Keeper: newKeeper(t, n)})
		for i := 0; i < n; i++ {
			acc.Add(frame.Frame{Index: i}, nil, nil)
		}
		saveAndWait(t, acc, true)
		acc.Close()

		if len(engine.persisted) != len(accepted) {
			t.Fatalf("trial %d: persisted %v, accepted %v", trial, engine.persisted, accepted)
		}
		for i := range accepted {
			if engine.persisted[i] != accepted[i] {
				t.Fatalf("trial %d: frames fused out of order %v", trial, engine.persisted)
			}
		}
		if got := acc.Counts(); got.Fused != len(accepted) || got.Failed != len(fail) {
			t.Fatalf("trial %d: counts %+v", trial, got)
		}
	}
}

func TestInitFailuresBeyondBound(t *testing.T) {
	engine := &stubEngine{}
	initializer := &stubInitializer{engine: engine, failUntil: 100}
	acc := New(Config{Initializer: initializer, Decoder: indexDecoder, Keeper: newKeeper(t, 5), MaxInitRetries: 1})
	defer acc.Close()

	var log resultLog
	for i := 0; i < 5; i++ {
		acc.Add(frame.Frame{Index: i}, log.add, nil)
	}
	saveAndWait(t, acc, false)

	results := log.snapshot()
	if len(results) != 2 || results[0] != fusion.Failed || results[1] != fusion.InitFailed {
		t.Fatalf("expected [Failed InitFailed], got %v", results)
	}
	if initializer.attempts != 2 {
		t.Fatalf("expected exactly 2 init attempts, got %d", initializer.attempts)
	}
	if acc.State() != Failed {
		t.Fatalf("expected engine state Failed, got %v", acc.State())
	}
}

func TestInitRetrySucceeds(t *testing.T) {
	engine := &stubEngine{}
	acc := New(Config{Initializer: &stubInitializer{engine: engine, failUntil: 1}, Decoder: indexDecoder, Keeper: newKeeper(t, 3), MaxInitRetries: 1})
	defer acc.Close()

	var log resultLog
	for i := 0; i < 3; i++ {
		acc.Add(frame.Frame{Index: i}, log.add, nil)
	}
	saveAndWait(t, acc, true)
	results := log.snapshot()
	if len(results) != 3 || results[0] != fusion.Failed || results[1] != fusion.Success || results[2] != fusion.Success {
		t.Fatalf("unexpected results %v", results)
	}
	if acc.State() != Ready {
		t.Fatalf("expected Ready engine, got %v", acc.State())
	}
}

func TestSuspendThenSaveKeepsUnprocessedList(t *testing.T) {
	engine := &stubEngine{block: make(chan struct{})}
	keeper := newKeeper(t, 6)
	acc := New(Config{Initializer: &stubInitializer{engine: engine}, Decoder: indexDecoder, Keeper: keeper})
	defer acc.Close()

	before, err := keeper.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	var log resultLog
	running := make(chan struct{})
	resume := make(chan struct{})
	acc.Add(frame.Frame{Index: 0}, log.add, nil)
	acc.Add(frame.Frame{Index: 1}, log.add, nil)
	acc.q.Submit(func() {
		close(running)
		<-resume
	})
	for i := 2; i < 6; i++ {
		acc.Add(frame.Frame{Index: i}, log.add, nil)
	}
	// frame 0 initializes without merging; frame 1 blocks inside Merge
	engine.block <- struct{}{}
	<-running

	if dropped := acc.Suspend(); dropped != 4 {
		t.Fatalf("expected 4 dropped frames, got %d", dropped)
	}
	close(resume)
	saveAndWait(t, acc, false)

	if got := log.snapshot(); len(got) != 2 {
		t.Fatalf("suspended frames must not run, results %v", got)
	}
	p, err := project.Load(keeper.Dir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if p.ProcessingComplete {
		t.Fatalf("deferred save must not complete the project")
	}
	if len(p.Unprocessed) != len(before.Unprocessed) {
		t.Fatalf("unprocessed list changed: %v vs %v", p.Unprocessed, before.Unprocessed)
	}
	for i := range before.Unprocessed {
		if p.Unprocessed[i] != before.Unprocessed[i] {
			t.Fatalf("unprocessed list changed at %d", i)
		}
	}
}

type stubSegmenter struct{ calls int }

func (s *stubSegmenter) Segment(ctx context.Context, img image.Image) (image.Image, error) {
	s.calls++
	return image.NewGray(img.Bounds()), nil
}

func TestSegmenterOnlyWhenMasking(t *testing.T) {
	seg := &stubSegmenter{}
	engine := &stubEngine{}
	acc := New(Config{Initializer: &stubInitializer{engine: engine}, Segmenter: seg, Decoder: indexDecoder, Keeper: newKeeper(t, 2)})
	acc.Add(frame.Frame{Index: 0}, nil, nil)
	acc.Add(frame.Frame{Index: 1}, nil, nil)
	saveAndWait(t, acc, false)
	acc.Close()
	if seg.calls != 0 || engine.mask != nil {
		t.Fatalf("segmenter should not run without the mask flag")
	}

	engine = &stubEngine{}
	acc = New(Config{Initializer: &stubInitializer{engine: engine}, Segmenter: seg, Decoder: indexDecoder, Keeper: newKeeper(t, 2), Flags: project.Flags{Mask: true}})
	acc.Add(frame.Frame{Index: 0}, nil, nil)
	acc.Add(frame.Frame{Index: 1}, nil, nil)
	saveAndWait(t, acc, false)
	acc.Close()
	if seg.calls != 1 || engine.mask == nil {
		t.Fatalf("expected one segmentation for the reference frame, got %d", seg.calls)
	}
	if !engine.closed {
		t.Fatalf("expected engine closed with the accumulator")
	}
}

func TestAddReturnsCurrentPreview(t *testing.T) {
	engine := &stubEngine{}
	acc := New(Config{Initializer: &stubInitializer{engine: engine}, Decoder: indexDecoder, Keeper: newKeeper(t, 0)})
	defer acc.Close()
	if got := acc.Add(frame.Frame{Index: 0}, nil, nil); got != nil {
		t.Fatalf("expected no preview before fusion")
	}
	saveAndWait(t, acc, false)
	got := acc.Add(frame.Frame{Index: 1}, nil, nil)
	if got == nil || got.Bounds().Dx() != 1 {
		t.Fatalf("expected preview of the first fused frame, got %v", got)
	}
}

func TestFinishedSaveAfterInitFailureKeepsFrames(t *testing.T) {
	keeper := newKeeper(t, 3)
	acc := New(Config{Initializer: &stubInitializer{engine: &stubEngine{}, failUntil: 100}, Decoder: indexDecoder, Keeper: keeper})
	defer acc.Close()

	for i := 0; i < 3; i++ {
		acc.Add(frame.Frame{Index: i}, nil, nil)
	}
	saveAndWait(t, acc, true)

	p, err := keeper.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if p.ProcessingComplete || len(p.Unprocessed) != 3 {
		t.Fatalf("expected incomplete project with 3 frames, got complete=%v unprocessed=%d", p.ProcessingComplete, len(p.Unprocessed))
	}
	if _, err := os.Stat(p.CheckpointPath()); !os.IsNotExist(err) {
		t.Fatalf("expected no checkpoint, got %v", err)
	}
}

func TestFinishedSaveWithRetryLeftKeepsFrames(t *testing.T) {
	keeper := newKeeper(t, 1)
	retained := filepath.Join(keeper.Dir(), project.FramesDir, "frame.nef")
	if err := os.WriteFile(retained, []byte("raw"), 0o644); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	acc := New(Config{Initializer: &stubInitializer{engine: &stubEngine{}, failUntil: 1}, Decoder: indexDecoder, Keeper: keeper, MaxInitRetries: 1})
	defer acc.Close()

	acc.Add(frame.Frame{Index: 0, Path: retained}, nil, nil)
	saveAndWait(t, acc, true)

	if acc.State() != Uninitialized || acc.CanComplete() {
		t.Fatalf("expected engine still uninitialized and unable to complete, got %s", acc.State())
	}
	if c := acc.Counts(); c.Fused != 0 || c.Failed != 1 {
		t.Fatalf("unexpected counts %+v", c)
	}
	p, err := keeper.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if p.ProcessingComplete || len(p.Unprocessed) != 1 {
		t.Fatalf("expected incomplete project with 1 frame, got complete=%v unprocessed=%d", p.ProcessingComplete, len(p.Unprocessed))
	}
	if _, err := os.Stat(p.CheckpointPath()); !os.IsNotExist(err) {
		t.Fatalf("expected no checkpoint, got %v", err)
	}
	if _, err := os.Stat(retained); err != nil {
		t.Fatalf("expected retained frame kept: %v", err)
	}
}
