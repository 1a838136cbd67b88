package project

import (
	"context"
	"errors"
	"image"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"nightstack/internal/frame"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	root := t.TempDir()
	start := time.Date(2024, 8, 12, 22, 30, 0, 0, time.UTC)
	p, err := Create(root, start)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	p.AddUnprocessedFrame(filepath.Join(p.FramesPath(), "0001.nef"))
	p.AddUnprocessedFrame("/elsewhere/0002.nef")
	p.SetMetadata(map[string]any{"ISO": 800.0, "Model": "X-T4"})
	p.SetMetadata(map[string]any{"ISO": 1600.0})
	p.SetCaptureEnd(start.Add(time.Hour))
	p.SetOption(OptionSky, 0.8)
	p.Orientation = frame.OrientationLeft
	p.Location = &frame.Location{Latitude: 47.1, Longitude: 8.2}
	p.Flags = Flags{Mask: true, Enhance: true}
	p.Counters = Counters{Captured: 2, Fused: 1, Failed: 1}
	p.SetCoverPhoto(image.NewNRGBA(image.Rect(0, 0, 30, 20)))
	if err := p.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := Load(p.Dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.ID != p.ID || !got.CaptureStart.Equal(start) || !got.CaptureEnd.Equal(start.Add(time.Hour)) {
		t.Fatalf("identity mismatch: %+v", got)
	}
	if len(got.Unprocessed) != 2 || got.Unprocessed[0] != filepath.Join(FramesDir, "0001.nef") || got.Unprocessed[1] != "/elsewhere/0002.nef" {
		t.Fatalf("unexpected unprocessed list %v", got.Unprocessed)
	}
	if paths := got.UnprocessedPaths(); paths[0] != filepath.Join(p.Dir, FramesDir, "0001.nef") {
		t.Fatalf("unexpected resolved path %s", paths[0])
	}
	if got.Metadata["ISO"] != 800.0 || got.Metadata["Model"] != "X-T4" {
		t.Fatalf("first metadata should win: %v", got.Metadata)
	}
	if got.Option(OptionSky) != 0.8 || got.Option(OptionContrast) != 1.0 {
		t.Fatalf("unexpected options sky=%v contrast=%v", got.Option(OptionSky), got.Option(OptionContrast))
	}
	if got.Orientation != frame.OrientationLeft || got.Location == nil || got.Location.Latitude != 47.1 {
		t.Fatalf("unexpected orientation/location %v %v", got.Orientation, got.Location)
	}
	if got.Flags != (Flags{Mask: true, Enhance: true}) || got.Counters != p.Counters {
		t.Fatalf("unexpected flags/counters %+v %+v", got.Flags, got.Counters)
	}
	if got.ProcessingComplete || got.TimelapseComplete {
		t.Fatalf("nothing should be complete yet")
	}
	if _, err := os.Stat(p.PreviewPath()); err != nil {
		t.Fatalf("expected preview written: %v", err)
	}
}

func TestLoadAppliesDefaultsToOldRecords(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "legacy")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	old := "version = 1\ncapture_start = 2023-01-02T03:04:05Z\nunprocessed = ['a.jpg']\n"
	if err := os.WriteFile(filepath.Join(dir, RecordFile), []byte(old), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	p, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if p.ID != "legacy" {
		t.Fatalf("expected id from dir name, got %q", p.ID)
	}
	if p.Orientation != frame.OrientationUp {
		t.Fatalf("expected default orientation, got %q", p.Orientation)
	}
	for opt, want := range DefaultOptions {
		if got := p.Option(opt); got != want {
			t.Fatalf("option %s: got %v want %v", opt, got, want)
		}
	}
	if !p.Flags.Align {
		t.Fatalf("legacy records should default to aligned")
	}
}

func TestCheckpointIsSoleAuthority(t *testing.T) {
	p, err := Create(t.TempDir(), time.Now())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	p.AddUnprocessedFrame("x.jpg")
	p.MarkDone()
	if err := p.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := Load(p.Dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.ProcessingComplete {
		t.Fatalf("record alone must not mark processing complete")
	}

	if err := p.WriteCheckpoint(); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if err := os.WriteFile(p.TimelapsePath(), []byte("mp4"), 0o644); err != nil {
		t.Fatalf("write timelapse: %v", err)
	}
	got, err = Load(p.Dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !got.ProcessingComplete || !got.TimelapseComplete {
		t.Fatalf("expected completion inferred from files, got %+v", got)
	}
}

func TestListSortsNewestFirst(t *testing.T) {
	root := t.TempDir()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var ids []string
	for i := 0; i < 3; i++ {
		p, err := Create(root, base.Add(time.Duration(i)*time.Hour))
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if err := p.Save(); err != nil {
			t.Fatalf("save: %v", err)
		}
		ids = append(ids, p.ID)
	}
	if err := os.Mkdir(filepath.Join(root, "stray"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	list, err := List(root)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 3 || list[0].ID != ids[2] || list[2].ID != ids[0] {
		t.Fatalf("unexpected order %v", list)
	}
}

func TestFindRejectsTraversal(t *testing.T) {
	if _, err := Find(t.TempDir(), "../etc"); err == nil || !strings.Contains(err.Error(), "invalid") {
		t.Fatalf("expected invalid id error, got %v", err)
	}
}

func TestKeeperCompleteClearsListAndWritesCheckpoint(t *testing.T) {
	p, err := Create(t.TempDir(), time.Now())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	k, err := Open(p, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	k.Update(func(p *Project) {
		p.AddUnprocessedFrame(filepath.Join(p.FramesPath(), "a.jpg"))
		p.Counters.Fused = 1
	})
	done := make(chan error, 1)
	k.Complete(func(err error) { done <- err })
	if err := <-done; err != nil {
		t.Fatalf("complete: %v", err)
	}
	snap, err := k.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.Unprocessed) != 0 || !snap.ProcessingComplete {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if err := k.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	got, err := Load(p.Dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !got.ProcessingComplete || len(got.Unprocessed) != 0 {
		t.Fatalf("unexpected loaded project %+v", got)
	}
	if _, err := os.Stat(p.FramesPath()); !os.IsNotExist(err) {
		t.Fatalf("expected frames dir removed, got %v", err)
	}
}

func TestKeeperLockBlocksDeleteAndSecondKeeper(t *testing.T) {
	p, err := Create(t.TempDir(), time.Now())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	k, err := Open(p, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := Open(p, nil); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked for second keeper, got %v", err)
	}
	if err := p.Delete(); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked on delete, got %v", err)
	}
	if err := k.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := p.Delete(); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := os.Stat(p.Dir); !os.IsNotExist(err) {
		t.Fatalf("expected project removed")
	}
}
