// Package media decodes stored videos into RGBA frames and encodes frames back into files.
package media

import (
	"context"
	"image"

	"github.com/andresmejia3/sentinel-blur/internal/types"
)

// Reader yields decoded frames in index order. Next returns io.EOF after the last frame.
type Reader interface {
	Next() (*image.RGBA, error)
	Close() error
}

// Source opens a stored video for decoding.
type Source interface {
	Open(ctx context.Context, ref string, info types.VideoInfo) (Reader, error)
}

// OutputSpec describes the frames a Writer will receive.
type OutputSpec struct {
	Width  int
	Height int
	FPS    float64
}

// Writer accepts frames in index order. Close finalizes the output; an output is
// only visible at its ref once Close returns nil. Abort discards it.
type Writer interface {
	Write(frame *image.RGBA) error
	Close() error
	Abort()
}

// Sink creates encoded outputs.
type Sink interface {
	Create(ctx context.Context, ref string, spec OutputSpec) (Writer, error)
}

// NewFrame allocates a frame of the given size.
func NewFrame(width, height int) *image.RGBA {
	return image.NewRGBA(image.Rect(0, 0, width, height))
}

// CloneFrame copies src into a fresh frame with a zero origin.
func CloneFrame(src *image.RGBA) *image.RGBA {
	b := src.Bounds()
	dst := NewFrame(b.Dx(), b.Dy())
	for y := 0; y < b.Dy(); y++ {
		srcOff := src.PixOffset(b.Min.X, b.Min.Y+y)
		copy(dst.Pix[y*dst.Stride:(y+1)*dst.Stride], src.Pix[srcOff:srcOff+b.Dx()*4])
	}
	return dst
}
