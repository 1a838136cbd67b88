// Package project persists capture runs as self-contained directories.
//
// A project directory holds a TOML record, a cover thumbnail, the processed
// image, an optional timelapse and an optional checkpoint file. The
// checkpoint's presence is the only evidence of completed processing that
// survives a reload.
package project

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/pelletier/go-toml/v2"
	"golang.org/x/image/tiff"

	"nightstack/internal/frame"
	"nightstack/internal/fsutil"
)

const (
	RecordFile     = "project.toml"
	PreviewFile    = "preview.jpg"
	ProcessedFile  = "processed.tif"
	TimelapseFile  = "timelapse.mp4"
	CheckpointFile = "stack.checkpoint"
	StackDir       = "stack"
	FramesDir      = "frames"
	lockFile       = ".lock"

	// RecordVersion is written into every saved record.
	RecordVersion = 2
)

var (
	// ErrNotProject is returned when a directory carries no record.
	ErrNotProject = errors.New("not a project directory")
	// ErrLocked is returned when another keeper holds the project.
	ErrLocked = errors.New("project is in use")
	// ErrInvalidID rejects ids that would escape the projects root.
	ErrInvalidID = errors.New("invalid project id")
)

// Option names a per-project edit adjustment.
type Option string

const (
	OptionStarPop    Option = "starPop"
	OptionBrightness Option = "brightness"
	OptionContrast   Option = "contrast"
	OptionSky        Option = "sky"
)

// DefaultOptions resolves options a record does not carry.
var DefaultOptions = map[Option]float64{
	OptionStarPop:    0.5,
	OptionBrightness: 0.0,
	OptionContrast:   1.0,
	OptionSky:        0.5,
}

// Flags are the processing switches chosen when a run starts.
type Flags struct {
	Mask    bool `toml:"mask" json:"mask"`
	Align   bool `toml:"align" json:"align"`
	Enhance bool `toml:"enhance" json:"enhance"`
}

// Counters track frame outcomes for a run.
type Counters struct {
	Captured int `toml:"captured" json:"captured"`
	Fused    int `toml:"fused" json:"fused"`
	Failed   int `toml:"failed" json:"failed"`
}

// Project is the in-memory form of one run directory.
type Project struct {
	Dir                string
	ID                 string
	CaptureStart       time.Time
	CaptureEnd         time.Time
	Metadata           map[string]any
	Unprocessed        []string
	ProcessingComplete bool
	TimelapseComplete  bool
	Counters           Counters
	Orientation        frame.Orientation
	Location           *frame.Location
	Flags              Flags
	Options            map[Option]float64
	Version            int

	cover     image.Image
	processed image.Image
}

type record struct {
	Version      int                `toml:"version"`
	ID           string             `toml:"id"`
	CaptureStart time.Time          `toml:"capture_start"`
	CaptureEnd   *time.Time         `toml:"capture_end,omitempty"`
	Orientation  string             `toml:"orientation,omitempty"`
	Location     *frame.Location    `toml:"location,omitempty"`
	Flags        *Flags             `toml:"flags,omitempty"`
	Counters     Counters           `toml:"counters"`
	Options      map[string]float64 `toml:"options,omitempty"`
	Unprocessed  []string           `toml:"unprocessed"`
	Metadata     map[string]any     `toml:"metadata,omitempty"`
}

// Create makes a fresh project directory under root.
func Create(root string, captureStart time.Time) (*Project, error) {
	id := uuid.NewString()
	dir := filepath.Join(root, id)
	if err := os.MkdirAll(filepath.Join(dir, FramesDir), 0o755); err != nil {
		return nil, fmt.Errorf("create project dir: %w", err)
	}
	return &Project{
		Dir:          dir,
		ID:           id,
		CaptureStart: captureStart,
		Orientation:  frame.OrientationUp,
		Options:      map[Option]float64{},
		Version:      RecordVersion,
	}, nil
}

// AddUnprocessedFrame appends a frame reference, stored relative to the
// project when the file lives inside it.
func (p *Project) AddUnprocessedFrame(ref string) {
	if rel, err := filepath.Rel(p.Dir, ref); err == nil && !strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel) {
		ref = rel
	}
	p.Unprocessed = append(p.Unprocessed, ref)
}

// UnprocessedPaths resolves the unprocessed list to absolute paths.
func (p *Project) UnprocessedPaths() []string {
	out := make([]string, len(p.Unprocessed))
	for i, ref := range p.Unprocessed {
		if filepath.IsAbs(ref) {
			out[i] = ref
		} else {
			out[i] = filepath.Join(p.Dir, ref)
		}
	}
	return out
}

// SetMetadata records capture metadata. The first non-empty map wins.
func (p *Project) SetMetadata(md map[string]any) {
	if len(p.Metadata) > 0 || len(md) == 0 {
		return
	}
	p.Metadata = make(map[string]any, len(md))
	for k, v := range md {
		p.Metadata[k] = v
	}
}

// SetCoverPhoto stages the preview thumbnail for the next Save.
func (p *Project) SetCoverPhoto(img image.Image) { p.cover = img }

// SetProcessed stages the full processed image for the next Save.
func (p *Project) SetProcessed(img image.Image) { p.processed = img }

func (p *Project) SetCaptureEnd(t time.Time) { p.CaptureEnd = t }

// SetOption overrides an edit option.
func (p *Project) SetOption(opt Option, v float64) {
	if p.Options == nil {
		p.Options = map[Option]float64{}
	}
	p.Options[opt] = v
}

// Option returns the override for opt or its declared default.
func (p *Project) Option(opt Option) float64 {
	if v, ok := p.Options[opt]; ok {
		return v
	}
	return DefaultOptions[opt]
}

// MarkDone clears the unprocessed list and flags processing as complete.
// It is the only operation that removes unprocessed entries.
func (p *Project) MarkDone() {
	p.Unprocessed = nil
	p.ProcessingComplete = true
}

func (p *Project) PreviewPath() string    { return filepath.Join(p.Dir, PreviewFile) }
func (p *Project) ProcessedPath() string  { return filepath.Join(p.Dir, ProcessedFile) }
func (p *Project) TimelapsePath() string  { return filepath.Join(p.Dir, TimelapseFile) }
func (p *Project) CheckpointPath() string { return filepath.Join(p.Dir, CheckpointFile) }
func (p *Project) StackPath() string      { return filepath.Join(p.Dir, StackDir) }
func (p *Project) FramesPath() string     { return filepath.Join(p.Dir, FramesDir) }

// Save writes staged images and the record. Images are written first so a
// record never points at a preview that does not exist yet.
func (p *Project) Save() error {
	if err := os.MkdirAll(p.Dir, 0o755); err != nil {
		return fmt.Errorf("create project dir: %w", err)
	}
	if p.cover != nil {
		if err := writeJPEG(p.PreviewPath(), p.cover); err != nil {
			return fmt.Errorf("write preview: %w", err)
		}
		p.cover = nil
	}
	if p.processed != nil {
		if err := writeTIFF(p.ProcessedPath(), p.processed); err != nil {
			return fmt.Errorf("write processed image: %w", err)
		}
		p.processed = nil
	}

	data, err := toml.Marshal(p.toRecord())
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	if err := fsutil.WriteFileAtomic(filepath.Join(p.Dir, RecordFile), data, 0o644); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	return nil
}

// WriteCheckpoint marks processing complete on disk.
func (p *Project) WriteCheckpoint() error {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "completed=%s\nfused=%d\nfailed=%d\n",
		time.Now().UTC().Format(time.RFC3339), p.Counters.Fused, p.Counters.Failed)
	if err := fsutil.WriteFileAtomic(p.CheckpointPath(), buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return nil
}

func (p *Project) toRecord() record {
	rec := record{
		Version:      RecordVersion,
		ID:           p.ID,
		CaptureStart: p.CaptureStart,
		Orientation:  string(p.Orientation),
		Location:     p.Location,
		Flags:        &p.Flags,
		Counters:     p.Counters,
		Unprocessed:  p.Unprocessed,
		Metadata:     p.Metadata,
	}
	if rec.Unprocessed == nil {
		rec.Unprocessed = []string{}
	}
	if !p.CaptureEnd.IsZero() {
		end := p.CaptureEnd
		rec.CaptureEnd = &end
	}
	if len(p.Options) > 0 {
		rec.Options = make(map[string]float64, len(p.Options))
		for k, v := range p.Options {
			rec.Options[string(k)] = v
		}
	}
	return rec
}

// Load reads the project at dir. Completion is inferred from the files on
// disk, never from the record.
func Load(dir string) (*Project, error) {
	data, err := os.ReadFile(filepath.Join(dir, RecordFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", dir, ErrNotProject)
	}
	if err != nil {
		return nil, err
	}
	var rec record
	if err := toml.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode %s: %w", RecordFile, err)
	}

	p := &Project{
		Dir:          dir,
		ID:           rec.ID,
		CaptureStart: rec.CaptureStart,
		Metadata:     rec.Metadata,
		Unprocessed:  rec.Unprocessed,
		Counters:     rec.Counters,
		Location:     rec.Location,
		Options:      map[Option]float64{},
		Version:      rec.Version,
	}
	if p.ID == "" {
		p.ID = filepath.Base(dir)
	}
	if rec.CaptureEnd != nil {
		p.CaptureEnd = *rec.CaptureEnd
	}
	if rec.Flags != nil {
		p.Flags = *rec.Flags
	} else {
		// version 1 records predate run flags; those runs always aligned
		p.Flags = Flags{Align: true}
	}
	p.Orientation, err = frame.ParseOrientation(rec.Orientation)
	if err != nil {
		p.Orientation = frame.OrientationUp
	}
	for k, v := range rec.Options {
		p.Options[Option(k)] = v
	}
	if len(p.Unprocessed) == 0 {
		p.Unprocessed = nil
	}

	p.TimelapseComplete = fsutil.Exists(p.TimelapsePath())
	p.ProcessingComplete = fsutil.Exists(p.CheckpointPath())
	return p, nil
}

// List loads every project under root, newest capture first. Directories
// without a record are skipped; unreadable records are reported in err
// alongside the projects that did load.
func List(root string) ([]*Project, error) {
	entries, err := os.ReadDir(root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var (
		projects []*Project
		errs     []error
	)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		p, err := Load(filepath.Join(root, e.Name()))
		if errors.Is(err, ErrNotProject) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", e.Name(), err))
			continue
		}
		projects = append(projects, p)
	}
	sort.SliceStable(projects, func(i, j int) bool {
		if projects[i].CaptureStart.Equal(projects[j].CaptureStart) {
			return projects[i].ID < projects[j].ID
		}
		return projects[i].CaptureStart.After(projects[j].CaptureStart)
	})
	return projects, errors.Join(errs...)
}

// Find loads the project with id under root.
func Find(root, id string) (*Project, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return nil, fmt.Errorf("%w %q", ErrInvalidID, id)
	}
	return Load(filepath.Join(root, id))
}

// Delete removes the project directory unless a keeper holds it.
func (p *Project) Delete() error {
	lock := flock.New(filepath.Join(p.Dir, lockFile))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("lock project: %w", err)
	}
	if !locked {
		return ErrLocked
	}
	defer func() { _ = lock.Unlock() }()
	if err := os.RemoveAll(p.Dir); err != nil {
		return fmt.Errorf("remove project: %w", err)
	}
	return nil
}

// Clone returns a copy that shares no mutable state with p. Staged images are
// not carried over.
func (p *Project) Clone() *Project {
	c := *p
	c.cover, c.processed = nil, nil
	c.Unprocessed = append([]string(nil), p.Unprocessed...)
	if p.Metadata != nil {
		c.Metadata = make(map[string]any, len(p.Metadata))
		for k, v := range p.Metadata {
			c.Metadata[k] = v
		}
	}
	c.Options = make(map[Option]float64, len(p.Options))
	for k, v := range p.Options {
		c.Options[k] = v
	}
	if p.Location != nil {
		loc := *p.Location
		c.Location = &loc
	}
	return &c
}

func writeJPEG(path string, img image.Image) error {
	return fsutil.WriteAtomic(path, 0o644, func(w io.Writer) error {
		return jpeg.Encode(w, img, &jpeg.Options{Quality: 85})
	})
}

func writeTIFF(path string, img image.Image) error {
	return fsutil.WriteAtomic(path, 0o644, func(w io.Writer) error {
		return tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate})
	})
}
