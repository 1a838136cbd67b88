package timelapse

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"
)

// FFmpeg builds sinks that pipe raw RGBA frames into an ffmpeg process.
type FFmpeg struct {
	Path   string // ffmpeg binary, default "ffmpeg"
	Codec  string // default libx264
	Logger *slog.Logger
}

// Factory adapts f to SinkFactory.
func (f FFmpeg) Factory() SinkFactory {
	return func(ctx context.Context, path string, width, height, fps int) (Sink, error) {
		return f.Open(ctx, path, width, height, fps)
	}
}

// Open starts ffmpeg writing into a temporary file next to path.
func (f FFmpeg) Open(ctx context.Context, path string, width, height, fps int) (*FFmpegSink, error) {
	bin := f.Path
	if bin == "" {
		bin = "ffmpeg"
	}
	codec := f.Codec
	if codec == "" {
		codec = "libx264"
	}
	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}

	tmp := path + ".partial.mp4"
	args := []string{
		"-y",
		"-loglevel", "error",
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-s", fmt.Sprintf("%dx%d", width, height),
		"-r", strconv.Itoa(fps),
		"-i", "-",
		"-c:v", codec,
		"-pix_fmt", "yuv420p",
		"-movflags", "+faststart",
		tmp,
	}
	logger.Info("executing ffmpeg command", "path", bin, "args", args)

	cmd := exec.CommandContext(ctx, bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	s := &FFmpegSink{
		cmd:    cmd,
		stdin:  stdin,
		stderr: &stderr,
		tmp:    tmp,
		path:   path,
		fps:    fps,
		frames: make(chan []byte),
		ready:  make(chan struct{}, 1),
		done:   make(chan struct{}),
		last:   -1,
		log:    logger,
	}
	s.ready <- struct{}{}
	go s.writer()
	return s, nil
}

// FFmpegSink holds at most one frame in flight. Ready yields a token once the
// previous frame has been written to ffmpeg.
type FFmpegSink struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr *bytes.Buffer
	tmp    string
	path   string
	fps    int
	frames chan []byte
	ready  chan struct{}
	done   chan struct{}
	log    *slog.Logger

	mu       sync.Mutex
	last     time.Duration
	writeErr error
	closed   bool
}

func (s *FFmpegSink) Ready() <-chan struct{} { return s.ready }

// Append queues img at pts. The caller must have taken a Ready token.
func (s *FFmpegSink) Append(img *image.NRGBA, pts time.Duration) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if pts <= s.last {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s after %s", ErrNonMonotonic, pts, s.last)
	}
	if s.writeErr != nil {
		err := s.writeErr
		s.mu.Unlock()
		return err
	}
	s.last = pts
	s.mu.Unlock()

	s.frames <- packed(img)
	return nil
}

func (s *FFmpegSink) writer() {
	defer close(s.done)
	for buf := range s.frames {
		if _, err := s.stdin.Write(buf); err != nil {
			s.mu.Lock()
			if s.writeErr == nil {
				s.writeErr = fmt.Errorf("write frame to ffmpeg: %w", err)
			}
			s.mu.Unlock()
		}
		s.ready <- struct{}{}
	}
}

// Close finalizes the container and moves it onto the target path.
func (s *FFmpegSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.closed = true
	s.mu.Unlock()

	close(s.frames)
	<-s.done
	closeErr := s.stdin.Close()
	waitErr := s.cmd.Wait()

	s.mu.Lock()
	writeErr := s.writeErr
	s.mu.Unlock()

	if err := errors.Join(writeErr, closeErr, waitErr); err != nil {
		_ = os.Remove(s.tmp)
		s.log.Error("ffmpeg failed", "error", err, "ffmpeg_output", s.stderr.String())
		return fmt.Errorf("ffmpeg: %w", err)
	}
	if err := os.Rename(s.tmp, s.path); err != nil {
		return fmt.Errorf("move timelapse into place: %w", err)
	}
	return nil
}

// Abort kills ffmpeg and discards the partial file.
func (s *FFmpegSink) Abort() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.frames)
	<-s.done
	_ = s.stdin.Close()
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	_ = s.cmd.Wait()
	_ = os.Remove(s.tmp)
}

// packed returns img's pixels without row padding.
func packed(img *image.NRGBA) []byte {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	if img.Stride == w*4 && img.Rect.Min == (image.Point{}) {
		return img.Pix[:w*h*4]
	}
	out := make([]byte, 0, w*h*4)
	for y := 0; y < h; y++ {
		start := y * img.Stride
		out = append(out, img.Pix[start:start+w*4]...)
	}
	return out
}
