// Package detector finds face regions in decoded frames.
package detector

import (
	"context"
	"image"
	"math"

	"github.com/andresmejia3/sentinel-blur/internal/types"
)

// FaceDetector returns the face regions of one frame, in frame pixel coordinates.
type FaceDetector interface {
	Detect(ctx context.Context, frame *image.RGBA) ([]types.Region, error)
}

// Func adapts a plain function to FaceDetector.
type Func func(ctx context.Context, frame *image.RGBA) ([]types.Region, error)

func (f Func) Detect(ctx context.Context, frame *image.RGBA) ([]types.Region, error) {
	return f(ctx, frame)
}

// Refinement post-processes raw detections.
type Refinement struct {
	// Threshold drops detections with a lower confidence.
	Threshold float64
	// Margin grows each box by this fraction of its size on every side.
	Margin float64
}

// Refined wraps d so its output passes through r.
func Refined(d FaceDetector, r Refinement) FaceDetector {
	return Func(func(ctx context.Context, frame *image.RGBA) ([]types.Region, error) {
		raw, err := d.Detect(ctx, frame)
		if err != nil {
			return nil, err
		}
		b := frame.Bounds()
		return r.Apply(raw, b.Dx(), b.Dy()), nil
	})
}

// Apply filters by confidence, expands by the margin and clamps to a width x height frame.
// Boxes that end up empty are dropped.
func (r Refinement) Apply(regions []types.Region, width, height int) []types.Region {
	out := make([]types.Region, 0, len(regions))
	for _, reg := range regions {
		if reg.Confidence < r.Threshold {
			continue
		}
		mx := int(math.Round(float64(reg.Width) * r.Margin))
		my := int(math.Round(float64(reg.Height) * r.Margin))
		x1 := max(0, reg.X-mx)
		y1 := max(0, reg.Y-my)
		x2 := min(width, reg.X+reg.Width+mx)
		y2 := min(height, reg.Y+reg.Height+my)
		if x2 <= x1 || y2 <= y1 {
			continue
		}
		out = append(out, types.Region{X: x1, Y: y1, Width: x2 - x1, Height: y2 - y1, Confidence: reg.Confidence})
	}
	return out
}
