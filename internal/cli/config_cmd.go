package cli

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
)

// Version is set at build time.
var Version = "0.1.0-dev"

func (r *Root) configShow() error {
	fmt.Fprintf(r.out, "Current configuration:\n")
	cfgPath := os.Getenv("NIGHTSTACK_CONFIG")
	if cfgPath == "" {
		cfgPath = "(default) ~/.config/nightstack/config.json"
	}
	fmt.Fprintf(r.out, "Config file: %s\n", cfgPath)
	fmt.Fprintf(r.out, "\nCapture:\n")
	fmt.Fprintf(r.out, "  Exposure: %gs\n", r.cfg.Capture.ExposureSeconds)
	fmt.Fprintf(r.out, "  Brackets: ISO %v, bias %v\n", r.cfg.Capture.BracketISO, r.cfg.Capture.BracketBias)
	fmt.Fprintf(r.out, "  Busy threshold: %s\n", r.cfg.Capture.BusyThreshold())
	fmt.Fprintf(r.out, "  Save every: %d frames\n", r.cfg.Capture.SaveIntervalFrames)
	fmt.Fprintf(r.out, "\nStacking:\n")
	fmt.Fprintf(r.out, "  Init retries: %d\n", r.cfg.Stacking.MaxInitRetries)
	fmt.Fprintf(r.out, "  Mask: %t (%s)\n", r.cfg.Stacking.Mask, r.cfg.Stacking.MaskPath)
	fmt.Fprintf(r.out, "  Align: %t, enhance: %t\n", r.cfg.Stacking.Align, r.cfg.Stacking.Enhance)
	fmt.Fprintf(r.out, "  Minimum stars: %d at threshold %.2f\n", r.cfg.Stacking.MinStars, r.cfg.Stacking.StarThreshold)
	fmt.Fprintf(r.out, "\nTimelapse:\n")
	fmt.Fprintf(r.out, "  Enabled: %t, %d fps, max width %d, codec %s\n", r.cfg.Timelapse.Enabled, r.cfg.Timelapse.FPS, r.cfg.Timelapse.MaxWidth, r.cfg.Timelapse.Codec)
	fmt.Fprintf(r.out, "\nPaths:\n")
	fmt.Fprintf(r.out, "  Projects: %s\n", r.cfg.Paths.ProjectsDir)
	fmt.Fprintf(r.out, "  Library: %s\n", r.cfg.Paths.LibraryDir)
	fmt.Fprintf(r.out, "  Database: %s\n", r.cfg.Paths.DatabasePath)
	fmt.Fprintf(r.out, "\nLogging: %s (%s)\n", r.cfg.Logging.Level, r.cfg.Logging.Format)
	return nil
}

func (r *Root) configTools() error {
	tools := []struct{ name, path string }{
		{"ffmpeg", r.cfg.Timelapse.FFmpegPath},
		{"exiftool", "exiftool"},
	}
	for _, t := range tools {
		path, err := exec.LookPath(t.path)
		if err != nil {
			fmt.Fprintf(r.out, "  %s: unavailable\n", t.name)
			continue
		}
		fmt.Fprintf(r.out, "  %s: %s\n", t.name, path)
	}
	return nil
}

func (r *Root) cmdVersion() {
	fmt.Fprintf(r.out, "Nightstack v%s\n", Version)
	fmt.Fprintf(r.out, "Built with Go %s\n", runtime.Version())
}
