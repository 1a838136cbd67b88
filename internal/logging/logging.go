package logging

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"nightstack/internal/config"
)

// New returns a slog.Logger writing to stdout at the given level (debug, info, warn, error).
// format may be "json" or "text".
func New(level string, format string) *slog.Logger {
	return NewWriter(os.Stdout, level, format)
}

// NewWriter is New with an explicit destination.
func NewWriter(w io.Writer, level string, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	case "traditional":
		handler = NewTraditionalHandler(w, parseLevel(level))
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// Setup configures the process-wide logger: stdout plus an optional dated log file.
func Setup(cfg *config.Config) (*slog.Logger, error) {
	level := parseLevel(cfg.Logging.Level)

	writers := []io.Writer{os.Stdout}
	if cfg.Logging.FileOutput {
		file, err := openDatedLog(cfg.Logging.LogDir, time.Now())
		if err != nil {
			return nil, err
		}
		writers = append(writers, file)
	}
	out := io.MultiWriter(writers...)

	var handler slog.Handler
	if strings.ToLower(cfg.Logging.Format) == "json" {
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	} else {
		handler = NewTraditionalHandler(out, level)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)

	logger.Info("nightstack logging initialized",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
		"file_output", cfg.Logging.FileOutput,
		"log_dir", cfg.Logging.LogDir,
	)
	return logger, nil
}

// openDatedLog opens nightstack-YYYY-MM-DD.log for append and points
// nightstack-current.log at it.
func openDatedLog(dir string, now time.Time) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	name := fmt.Sprintf("nightstack-%s.log", now.Format("2006-01-02"))
	file, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	current := filepath.Join(dir, "nightstack-current.log")
	_ = os.Remove(current)
	// A missing symlink only costs convenience.
	_ = os.Symlink(name, current)
	return file, nil
}

// TraditionalHandler implements slog.Handler with "[LEVEL] msg [k=v ...]" lines.
type TraditionalHandler struct {
	logger *log.Logger
	level  slog.Level
	attrs  []string // preformatted, group-qualified
	group  string
}

// NewTraditionalHandler writes to w with standard log timestamps.
func NewTraditionalHandler(w io.Writer, level slog.Level) *TraditionalHandler {
	return &TraditionalHandler{logger: log.New(w, "", log.LstdFlags), level: level}
}

func (h *TraditionalHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *TraditionalHandler) Handle(ctx context.Context, r slog.Record) error {
	msg := r.Message
	attrs := append(make([]string, 0, len(h.attrs)+r.NumAttrs()), h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, h.format(a))
		return true
	})
	if len(attrs) > 0 {
		msg = fmt.Sprintf("%s [%s]", msg, strings.Join(attrs, " "))
	}
	h.logger.Printf("[%s] %s", strings.ToUpper(r.Level.String()), msg)
	return nil
}

func (h *TraditionalHandler) format(a slog.Attr) string {
	key := a.Key
	if h.group != "" {
		key = h.group + "." + key
	}
	return fmt.Sprintf("%s=%v", key, a.Value)
}

func (h *TraditionalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append([]string(nil), h.attrs...)
	for _, a := range attrs {
		next.attrs = append(next.attrs, h.format(a))
	}
	return &next
}

func (h *TraditionalHandler) WithGroup(name string) slog.Handler {
	next := *h
	if next.group != "" {
		next.group += "." + name
	} else {
		next.group = name
	}
	return &next
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Or returns logger, or slog.Default() when logger is nil.
func Or(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}

// LogRunStart logs the beginning of a capture run.
func LogRunStart(logger *slog.Logger, runID, projectDir string, flags map[string]any) {
	logger.Info("run started",
		"id", runID,
		"project", projectDir,
		"flags", flags,
	)
}

// LogRunComplete logs a run that reached its final save.
func LogRunComplete(logger *slog.Logger, runID string, duration time.Duration, counts map[string]any) {
	logger.Info("run completed",
		"id", runID,
		"duration_ms", duration.Milliseconds(),
		"duration_human", duration.String(),
		"counts", counts,
	)
}

// LogRunError logs a run-fatal failure.
func LogRunError(logger *slog.Logger, runID string, duration time.Duration, err error, context map[string]any) {
	logger.Error("run failed",
		"id", runID,
		"duration_ms", duration.Milliseconds(),
		"error", err.Error(),
		"context", context,
	)
}

// LogToolStatus logs external tool detection.
func LogToolStatus(logger *slog.Logger, tool string, available bool, path string, err error) {
	if available {
		logger.Debug("tool detected", "tool", tool, "path", path)
		return
	}
	logger.Debug("tool not available", "tool", tool, "error", err)
}

// LogProcessingStep logs individual steps within a run.
func LogProcessingStep(logger *slog.Logger, runID, step, status string, details map[string]any) {
	logger.Info("processing step",
		"run_id", runID,
		"step", step,
		"status", status,
		"details", details,
	)
}
