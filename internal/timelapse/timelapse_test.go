package timelapse

import (
	"context"
	"errors"
	"image"
	"sync"
	"testing"
	"time"

	"nightstack/internal/frame"
)

type recordingSink struct {
	mu     sync.Mutex
	ready  chan struct{}
	pts    []time.Duration
	sizes  []image.Rectangle
	closed bool
	abort  bool
}

func newRecordingSink() *recordingSink {
	s := &recordingSink{ready: make(chan struct{}, 1)}
	s.ready <- struct{}{}
	return s
}

func (s *recordingSink) Ready() <-chan struct{} { return s.ready }

func (s *recordingSink) Append(img *image.NRGBA, pts time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pts = append(s.pts, pts)
	s.sizes = append(s.sizes, img.Bounds())
	s.ready <- struct{}{}
	return nil
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordingSink) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.abort = true
}

func sizeDecoder(w, h int, fail map[int]bool) frame.Decoder {
	return frame.DecoderFunc(func(ctx context.Context, f frame.Frame) (image.Image, error) {
		if fail[f.Index] {
			return nil, errors.New("corrupt frame")
		}
		return image.NewNRGBA(image.Rect(0, 0, w, h)), nil
	})
}

func TestFramesAppendedAtIndexOverFPS(t *testing.T) {
	sink := newRecordingSink()
	var opened int
	factory := func(ctx context.Context, path string, w, h, fps int) (Sink, error) {
		opened++
		if w != 100 || h != 66 || fps != 4 {
			t.Errorf("unexpected sink geometry %dx%d@%d", w, h, fps)
		}
		return sink, nil
	}
	acc := New("/tmp/out.mp4", Options{FPS: 4, MaxWidth: 100}, sizeDecoder(301, 201, nil), factory, nil)
	defer acc.Close()

	const k = 6
	for i := 0; i < k; i++ {
		acc.Add(frame.Frame{Index: i})
	}
	path, err := acc.Complete(context.Background())
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if path != "/tmp/out.mp4" || opened != 1 || !sink.closed {
		t.Fatalf("unexpected completion path=%s opened=%d closed=%v", path, opened, sink.closed)
	}
	if acc.Frames() != k || len(sink.pts) != k {
		t.Fatalf("expected %d frames, got %d/%d", k, acc.Frames(), len(sink.pts))
	}
	for i, pts := range sink.pts {
		want := time.Duration(i) * time.Second / 4
		if pts != want {
			t.Fatalf("frame %d at %s, want %s", i, pts, want)
		}
		if sink.sizes[i] != image.Rect(0, 0, 100, 66) {
			t.Fatalf("frame %d not resized to canvas: %v", i, sink.sizes[i])
		}
	}
}

func TestDecodeFailureIsReportedAndSkipped(t *testing.T) {
	sink := newRecordingSink()
	factory := func(ctx context.Context, path string, w, h, fps int) (Sink, error) { return sink, nil }
	acc := New("out.mp4", Options{FPS: 10}, sizeDecoder(10, 10, map[int]bool{1: true}), factory, nil)
	defer acc.Close()

	var mu sync.Mutex
	var errs []error
	acc.OnError(func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	})
	for i := 0; i < 3; i++ {
		acc.Add(frame.Frame{Index: i})
	}
	if _, err := acc.Complete(context.Background()); err != nil {
		t.Fatalf("complete: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(errs) != 1 {
		t.Fatalf("expected one reported error, got %v", errs)
	}
	if len(sink.pts) != 2 || sink.pts[1] != 100*time.Millisecond {
		t.Fatalf("expected contiguous pts after failure, got %v", sink.pts)
	}
}

type stuckSink struct{ recordingSink }

func (s *stuckSink) Ready() <-chan struct{} { return make(chan struct{}) }

func TestReadyTimeoutDropsFrame(t *testing.T) {
	sink := &stuckSink{}
	factory := func(ctx context.Context, path string, w, h, fps int) (Sink, error) { return sink, nil }
	acc := New("out.mp4", Options{FPS: 10, ReadyTimeout: 20 * time.Millisecond}, sizeDecoder(4, 4, nil), factory, nil)
	defer acc.Close()

	got := make(chan error, 1)
	acc.OnError(func(err error) { got <- err })
	acc.Add(frame.Frame{Index: 0})
	select {
	case err := <-got:
		if !errors.Is(err, ErrNotReady) {
			t.Fatalf("expected ErrNotReady, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for readiness error")
	}
	if acc.Frames() != 0 {
		t.Fatalf("expected no appended frames")
	}
}

func TestCompleteWithoutFrames(t *testing.T) {
	acc := New("out.mp4", Options{}, sizeDecoder(4, 4, nil), nil, nil)
	defer acc.Close()
	if _, err := acc.Complete(context.Background()); !errors.Is(err, ErrNoFrames) {
		t.Fatalf("expected ErrNoFrames, got %v", err)
	}
}

func TestCanvasForEvenDimensions(t *testing.T) {
	if got := canvasFor(image.Rect(0, 0, 1921, 1081), 0); got != image.Rect(0, 0, 1920, 1080) {
		t.Fatalf("unexpected canvas %v", got)
	}
	if got := canvasFor(image.Rect(0, 0, 4000, 3000), 1920); got != image.Rect(0, 0, 1920, 1440) {
		t.Fatalf("unexpected scaled canvas %v", got)
	}
}
