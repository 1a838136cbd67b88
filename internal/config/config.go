package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	defaultConfigPath = "~/.config/nightstack/config.json"
	defaultFPS        = 10
)

// Config holds user-editable settings for the capture pipeline.
type Config struct {
	Capture   Capture   `json:"capture"`
	Stacking  Stacking  `json:"stacking"`
	Timelapse Timelapse `json:"timelapse"`
	Paths     Paths     `json:"paths"`
	Logging   Logging   `json:"logging"`
	Server    Server    `json:"server"`
}

// Capture controls exposure scheduling.
type Capture struct {
	ExposureSeconds    float64   `json:"exposure_seconds"`
	BracketISO         []float64 `json:"bracket_iso"`  // one frame per entry per exposure step
	BracketBias        []float64 `json:"bracket_bias"` // rotated across brackets
	BusyThresholdMS    int       `json:"busy_threshold_ms"`
	SaveIntervalFrames int       `json:"save_interval_frames"`
	RecordLocation     bool      `json:"record_location"`
	Latitude           float64   `json:"latitude"`
	Longitude          float64   `json:"longitude"`
	Orientation        string    `json:"orientation"` // up, down, left, right
}

// Stacking controls the fusion accumulator and the bundled engine.
type Stacking struct {
	MaxInitRetries int     `json:"max_init_retries"`
	Mask           bool    `json:"mask"`
	Align          bool    `json:"align"`
	Enhance        bool    `json:"enhance"`
	MaskPath       string  `json:"mask_path"`
	MinStars       int     `json:"min_stars"`
	StarThreshold  float64 `json:"star_threshold"` // luminance 0..1
	PreviewWidth   int     `json:"preview_width"`
}

// Timelapse configures the incremental video encoder.
type Timelapse struct {
	Enabled             bool   `json:"enabled"`
	FPS                 int    `json:"fps"`
	MaxWidth            int    `json:"max_width"`
	FFmpegPath          string `json:"ffmpeg_path"`
	Codec               string `json:"codec"`
	ReadyTimeoutSeconds int    `json:"ready_timeout_seconds"`
}

// Paths configures on-disk locations.
type Paths struct {
	ProjectsDir  string `json:"projects_dir"`
	LibraryDir   string `json:"library_dir"`
	DatabasePath string `json:"database_path"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`     // Directory for log files
}

// Server configures the status surface.
type Server struct {
	Addr     string `json:"addr"`
	GRPCAddr string `json:"grpc_addr"`
}

// BusyThreshold returns the busy indicator threshold as a duration.
func (c Capture) BusyThreshold() time.Duration {
	return time.Duration(c.BusyThresholdMS) * time.Millisecond
}

// Exposure returns the per-frame exposure as a duration.
func (c Capture) Exposure() time.Duration {
	return time.Duration(c.ExposureSeconds * float64(time.Second))
}

// ReadyTimeout returns the bounded sink readiness wait.
func (t Timelapse) ReadyTimeout() time.Duration {
	return time.Duration(t.ReadyTimeoutSeconds) * time.Second
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	configPath := os.Getenv("NIGHTSTACK_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}
	return LoadFile(configPath)
}

// LoadFile reads the configuration at path. A missing file yields defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	expanded, err := expandUser(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", expanded, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	dataDir := filepath.Join(home, ".local", "share", "nightstack")
	return &Config{
		Capture: Capture{
			ExposureSeconds:    10,
			BracketISO:         []float64{800, 800, 800, 800},
			BracketBias:        []float64{-1, -0.5, 0, 0.5},
			BusyThresholdMS:    2000,
			SaveIntervalFrames: 8,
			Orientation:        "up",
		},
		Stacking: Stacking{
			MaxInitRetries: 1,
			Mask:           false,
			Align:          true,
			Enhance:        false,
			MinStars:       20,
			StarThreshold:  0.7,
			PreviewWidth:   300,
		},
		Timelapse: Timelapse{
			Enabled:             true,
			FPS:                 defaultFPS,
			MaxWidth:            1920,
			FFmpegPath:          "ffmpeg",
			Codec:               "libx264",
			ReadyTimeoutSeconds: 30,
		},
		Paths: Paths{
			ProjectsDir:  filepath.Join(dataDir, "projects"),
			LibraryDir:   filepath.Join(dataDir, "library"),
			DatabasePath: filepath.Join(dataDir, "nightstack.db"),
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     filepath.Join(dataDir, "logs"),
		},
		Server: Server{
			Addr: ":8080",
		},
	}
}

// Validate rejects values the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Capture.BracketISO) == 0 {
		errs = append(errs, errors.New("capture.bracket_iso must list at least one ISO"))
	}
	if c.Capture.ExposureSeconds <= 0 {
		errs = append(errs, fmt.Errorf("capture.exposure_seconds must be positive, got %v", c.Capture.ExposureSeconds))
	}
	if c.Capture.BusyThresholdMS < 0 {
		errs = append(errs, errors.New("capture.busy_threshold_ms must not be negative"))
	}
	switch c.Capture.Orientation {
	case "", "up", "down", "left", "right":
	default:
		errs = append(errs, fmt.Errorf("capture.orientation %q is not one of up, down, left, right", c.Capture.Orientation))
	}
	if c.Stacking.MaxInitRetries < 0 {
		errs = append(errs, errors.New("stacking.max_init_retries must not be negative"))
	}
	if c.Stacking.StarThreshold < 0 || c.Stacking.StarThreshold > 1 {
		errs = append(errs, fmt.Errorf("stacking.star_threshold must be within [0,1], got %v", c.Stacking.StarThreshold))
	}
	if c.Timelapse.Enabled && c.Timelapse.FPS <= 0 {
		errs = append(errs, fmt.Errorf("timelapse.fps must be positive, got %d", c.Timelapse.FPS))
	}
	if c.Paths.ProjectsDir == "" {
		errs = append(errs, errors.New("paths.projects_dir is required"))
	}
	return errors.Join(errs...)
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
