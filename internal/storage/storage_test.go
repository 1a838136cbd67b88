package storage

import (
	"path/filepath"
	"testing"
	"time"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "db", "nightstack.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunLifecycle(t *testing.T) {
	s := newStore(t)
	base := time.Date(2024, 8, 12, 22, 0, 0, 0, time.UTC)
	if err := s.RecordRunStarted(RunRecord{ID: "r1", ProjectID: "p1", Kind: "capture", Flags: map[string]any{"mask": true}, CreatedAt: base}); err != nil {
		t.Fatalf("start r1: %v", err)
	}
	if err := s.RecordRunStarted(RunRecord{ID: "r2", ProjectID: "p1", Kind: "reprocess", CreatedAt: base.Add(time.Hour)}); err != nil {
		t.Fatalf("start r2: %v", err)
	}
	if err := s.RecordRunProgress("r1", 8, 7, 1); err != nil {
		t.Fatalf("progress: %v", err)
	}
	if err := s.RecordRunResult("r1", StatusFailed, 9, 7, 2, "resource exhausted"); err != nil {
		t.Fatalf("result: %v", err)
	}

	runs, err := s.RecentRuns(10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "r2" {
		t.Fatalf("expected newest first, got %+v", runs)
	}
	r1 := runs[1]
	if r1.Status != StatusFailed || r1.Captured != 9 || r1.Fused != 7 || r1.Failed != 2 {
		t.Fatalf("unexpected r1 %+v", r1)
	}
	if r1.Error != "resource exhausted" || r1.CompletedAt == nil {
		t.Fatalf("expected classified error and completion time, got %+v", r1)
	}
	if r1.Flags["mask"] != true {
		t.Fatalf("expected flags round trip, got %v", r1.Flags)
	}
	if runs[0].Status != StatusRunning || runs[0].CompletedAt != nil {
		t.Fatalf("unexpected r2 %+v", runs[0])
	}
}

func TestFramesAndExports(t *testing.T) {
	s := newStore(t)
	if err := s.RecordRunStarted(RunRecord{ID: "r1", ProjectID: "p1", Kind: "capture"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := s.RecordFrame(FrameRecord{RunID: "r1", Index: i, Path: "f.nef", Raw: true, CapturedAt: time.Now()}); err != nil {
			t.Fatalf("frame: %v", err)
		}
	}
	if n, err := s.FrameCount("r1"); err != nil || n != 3 {
		t.Fatalf("expected 3 frames, got %d (%v)", n, err)
	}

	if err := s.RecordExport(ExportRecord{ProjectID: "p1", Kind: "image", Path: "/lib/a.jpg"}); err != nil {
		t.Fatalf("export: %v", err)
	}
	if err := s.RecordExport(ExportRecord{ProjectID: "p1", Kind: "video", Path: "/lib/a.mp4"}); err != nil {
		t.Fatalf("export: %v", err)
	}
	exports, err := s.Exports("p1")
	if err != nil {
		t.Fatalf("exports: %v", err)
	}
	if len(exports) != 2 || exports[0].Kind != "image" || exports[1].Path != "/lib/a.mp4" {
		t.Fatalf("unexpected exports %+v", exports)
	}

	if err := s.DeleteProject("p1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if runs, _ := s.ProjectRuns("p1"); len(runs) != 0 {
		t.Fatalf("expected runs removed, got %v", runs)
	}
	if n, _ := s.FrameCount("r1"); n != 0 {
		t.Fatalf("expected frames removed, got %d", n)
	}
}

func TestNilStoreIsNoop(t *testing.T) {
	var s *Store
	if err := s.RecordRunStarted(RunRecord{ID: "x"}); err != nil {
		t.Fatalf("nil store should ignore writes: %v", err)
	}
	if err := s.RecordExport(ExportRecord{}); err != nil {
		t.Fatalf("nil store should ignore writes: %v", err)
	}
	if _, err := s.RecentRuns(1); err == nil {
		t.Fatalf("nil store reads should fail")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("nil close: %v", err)
	}
}
