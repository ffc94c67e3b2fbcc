// Package encode turns a rendered page into the smaller of a PNG and a JPEG.
package encode

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"

	"golang.org/x/sync/errgroup"
)

const (
	FormatPNG  = "png"
	FormatJPEG = "jpeg"

	// DefaultJPEGQuality is the fixed lossy quality.
	DefaultJPEGQuality = 80
)

// Encoded is the chosen encoding of a page image.
type Encoded struct {
	Data   []byte
	Format string
}

// ContentType is the MIME type of the encoding.
func (e Encoded) ContentType() string {
	return "image/" + e.Format
}

// Encoder produces both candidates and keeps the smaller one.
type Encoder struct {
	jpegQuality int
	png         png.Encoder
}

func New(jpegQuality int) *Encoder {
	if jpegQuality < 1 || jpegQuality > 100 {
		jpegQuality = DefaultJPEGQuality
	}
	return &Encoder{
		jpegQuality: jpegQuality,
		png:         png.Encoder{CompressionLevel: png.DefaultCompression},
	}
}

// Encode runs both encoders concurrently on the same buffer. img is only read.
func (e *Encoder) Encode(ctx context.Context, img image.Image) (Encoded, error) {
	var pngBuf, jpegBuf bytes.Buffer

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := e.png.Encode(&pngBuf, img); err != nil {
			return fmt.Errorf("png encode: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := jpeg.Encode(&jpegBuf, img, &jpeg.Options{Quality: e.jpegQuality}); err != nil {
			return fmt.Errorf("jpeg encode: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return Encoded{}, err
	}

	return Choose(pngBuf.Bytes(), jpegBuf.Bytes()), nil
}

// Choose keeps the lossy encoding only when it is strictly smaller.
func Choose(lossless, lossy []byte) Encoded {
	if len(lossy) < len(lossless) {
		return Encoded{Data: lossy, Format: FormatJPEG}
	}
	return Encoded{Data: lossless, Format: FormatPNG}
}
