package source

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"sync"
)

// exifFields are the capture fields kept from exiftool output.
var exifFields = []string{
	"Make",
	"Model",
	"LensModel",
	"FocalLength",
	"Aperture",
	"ISO",
	"ExposureTime",
	"ExposureCompensation",
	"GPSLatitude",
	"GPSLongitude",
	"DateTimeOriginal",
	"ImageWidth",
	"ImageHeight",
}

// Exiftool reads metadata with `exiftool -json`. A missing binary yields no metadata.
type Exiftool struct {
	Path string

	once      sync.Once
	available bool
}

var _ MetadataReader = (*Exiftool)(nil)

func (e *Exiftool) Read(ctx context.Context, path string) map[string]any {
	e.once.Do(func() {
		if e.Path == "" {
			e.Path = "exiftool"
		}
		_, err := exec.LookPath(e.Path)
		e.available = err == nil
	})
	if !e.available {
		return nil
	}

	cmd := exec.CommandContext(ctx, e.Path, "-json", "-n", path)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return nil
	}
	return parseExiftool(out.Bytes())
}

func parseExiftool(data []byte) map[string]any {
	var parsed []map[string]any
	if err := json.Unmarshal(data, &parsed); err != nil || len(parsed) == 0 {
		return nil
	}
	m := parsed[0]
	out := make(map[string]any)
	for _, k := range exifFields {
		if v, ok := m[k]; ok && v != nil {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// bracketMetadata merges the requested bracket into md without overriding
// what the file itself reports.
func bracketMetadata(md map[string]any, b Bracket) map[string]any {
	if md == nil {
		md = make(map[string]any)
	}
	if _, ok := md["ISO"]; !ok && b.ISO > 0 {
		md["ISO"] = b.ISO
	}
	if _, ok := md["ExposureCompensation"]; !ok {
		md["ExposureCompensation"] = b.Bias
	}
	if _, ok := md["ExposureTime"]; !ok && b.Exposure > 0 {
		md["ExposureTime"] = b.Exposure.Seconds()
	}
	return md
}
