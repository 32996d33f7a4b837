package types

import "image"

// FrameTask represents a single decoded frame sent to a worker for processing
type FrameTask struct {
	Index int
	Image *image.RGBA
}

// Region is an axis-aligned face box in source pixel coordinates.
type Region struct {
	X          int     `json:"x"`
	Y          int     `json:"y"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	Confidence float64 `json:"confidence"`
}

// Rect converts the region into an image.Rectangle.
func (r Region) Rect() image.Rectangle {
	return image.Rect(r.X, r.Y, r.X+r.Width, r.Y+r.Height)
}

// Masks maps a frame index to the face regions to blur in that frame.
// A missing index means "no regions".
type Masks map[int][]Region

// VideoInfo describes a stored source video. It is set once at upload.
type VideoInfo struct {
	Filename    string  `json:"filename"`
	FPS         float64 `json:"fps"`
	TotalFrames int     `json:"total_frames"`
	Duration    float64 `json:"duration"`
	Width       int     `json:"width"`
	Height      int     `json:"height"`
}

// FramesFor returns how many frames cover the first seconds of the video,
// capped at the total frame count.
func (v VideoInfo) FramesFor(seconds float64) int {
	n := int(seconds * v.FPS)
	if n > v.TotalFrames {
		n = v.TotalFrames
	}
	if n < 0 {
		n = 0
	}
	return n
}
