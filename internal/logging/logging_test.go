package logging

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"nightstack/internal/config"
)

func TestTraditionalHandlerFormatsAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriter(&buf, "info", "traditional")
	logger.With("run", "abc").WithGroup("stack").Info("frame fused", "index", 3)
	logger.Debug("hidden")

	out := buf.String()
	if !strings.Contains(out, "[INFO] frame fused [run=abc stack.index=3]") {
		t.Fatalf("unexpected output %q", out)
	}
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug line should be filtered: %q", out)
	}
}

func TestRunHelpers(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriter(&buf, "debug", "traditional")
	LogRunStart(logger, "r1", "/tmp/p", map[string]any{"mask": true})
	LogRunError(logger, "r1", time.Second, errors.New("disk full"), nil)
	out := buf.String()
	if !strings.Contains(out, "run started") || !strings.Contains(out, "error=disk full") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestOpenDatedLogCreatesSymlink(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2024, 8, 12, 22, 0, 0, 0, time.UTC)
	f, err := openDatedLog(dir, now)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	if _, err := os.Stat(filepath.Join(dir, "nightstack-2024-08-12.log")); err != nil {
		t.Fatalf("expected dated log: %v", err)
	}
	target, err := os.Readlink(filepath.Join(dir, "nightstack-current.log"))
	if err != nil {
		t.Fatalf("expected current symlink: %v", err)
	}
	if target != "nightstack-2024-08-12.log" {
		t.Fatalf("unexpected symlink target %q", target)
	}
}

func TestSetupWithFileOutput(t *testing.T) {
	cfg := config.Default()
	cfg.Logging.FileOutput = true
	cfg.Logging.LogDir = t.TempDir()
	logger, err := Setup(cfg)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if logger == nil {
		t.Fatalf("expected logger")
	}
}
