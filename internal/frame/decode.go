package frame

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"

	_ "golang.org/x/image/tiff"
)

// ErrUnsupported is returned when no decoder handles a frame.
var ErrUnsupported = errors.New("unsupported frame format")

// Decoder turns a frame reference into pixels.
type Decoder interface {
	Decode(ctx context.Context, f Frame) (image.Image, error)
}

// DecoderFunc adapts a function to Decoder.
type DecoderFunc func(ctx context.Context, f Frame) (image.Image, error)

func (fn DecoderFunc) Decode(ctx context.Context, f Frame) (image.Image, error) {
	return fn(ctx, f)
}

// StdDecoder decodes JPEG, PNG and TIFF with the registered image codecs.
type StdDecoder struct{}

func (StdDecoder) Decode(ctx context.Context, f Frame) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	file, err := os.Open(f.Path)
	if err != nil {
		return nil, fmt.Errorf("open frame %s: %w", f.Path, err)
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	if errors.Is(err, image.ErrFormat) {
		return nil, fmt.Errorf("decode %s: %w", f.Path, ErrUnsupported)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", f.Path, err)
	}
	return img, nil
}

// Decoders routes raw frames to Raw and everything else to Processed.
type Decoders struct {
	Processed Decoder
	Raw       Decoder
}

func (d Decoders) Decode(ctx context.Context, f Frame) (image.Image, error) {
	if f.Raw {
		if d.Raw == nil {
			return nil, fmt.Errorf("raw frame %s: %w", f.Path, ErrUnsupported)
		}
		return d.Raw.Decode(ctx, f)
	}
	if d.Processed == nil {
		return StdDecoder{}.Decode(ctx, f)
	}
	return d.Processed.Decode(ctx, f)
}
