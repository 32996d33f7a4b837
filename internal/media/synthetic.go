package media

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"sync"

	"github.com/andresmejia3/sentinel-blur/internal/types"
)

// ErrInjected marks a failure produced on purpose by the synthetic source or sink.
var ErrInjected = errors.New("injected failure")

// Synthetic generates deterministic frames without touching the filesystem.
// Frame i has pixel (x, y) = (x+i, y+i, x^y, 255) modulo 256.
type Synthetic struct {
	// FailAt makes Next fail when it reaches this frame index. Negative disables.
	FailAt int
	// Frames overrides the frame count from VideoInfo when positive.
	Frames int
}

// NewSynthetic returns a source that never fails.
func NewSynthetic() *Synthetic { return &Synthetic{FailAt: -1} }

type syntheticReader struct {
	info   types.VideoInfo
	failAt int
	next   int
}

func (s *Synthetic) Open(_ context.Context, _ string, info types.VideoInfo) (Reader, error) {
	if info.Width <= 0 || info.Height <= 0 {
		return nil, fmt.Errorf("invalid frame size %dx%d", info.Width, info.Height)
	}
	if s.Frames > 0 {
		info.TotalFrames = s.Frames
	}
	return &syntheticReader{info: info, failAt: s.FailAt}, nil
}

func (r *syntheticReader) Next() (*image.RGBA, error) {
	if r.failAt >= 0 && r.next == r.failAt {
		return nil, fmt.Errorf("frame %d: %w", r.next, ErrInjected)
	}
	if r.next >= r.info.TotalFrames {
		return nil, io.EOF
	}
	frame := SyntheticFrame(r.info.Width, r.info.Height, r.next)
	r.next++
	return frame, nil
}

func (r *syntheticReader) Close() error { return nil }

// SyntheticFrame renders frame index i of the synthetic pattern.
func SyntheticFrame(width, height, i int) *image.RGBA {
	frame := NewFrame(width, height)
	for y := 0; y < height; y++ {
		row := frame.Pix[y*frame.Stride:]
		for x := 0; x < width; x++ {
			off := x * 4
			row[off] = uint8(x + i)
			row[off+1] = uint8(y + i)
			row[off+2] = uint8(x ^ y)
			row[off+3] = 255
		}
	}
	return frame
}

// MemorySink keeps encoded outputs in memory, keyed by ref.
type MemorySink struct {
	// FailAt makes Write fail on this frame index. Negative disables.
	FailAt int

	mu      sync.Mutex
	outputs map[string]Output
}

// Output is a finalized in-memory render.
type Output struct {
	Spec   OutputSpec
	Frames []*image.RGBA
}

// NewMemorySink returns a sink that never fails.
func NewMemorySink() *MemorySink {
	return &MemorySink{FailAt: -1, outputs: make(map[string]Output)}
}

// Output returns the finalized frames written to ref.
func (m *MemorySink) Output(ref string) (Output, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out, ok := m.outputs[ref]
	return out, ok
}

type memoryWriter struct {
	sink   *MemorySink
	ref    string
	spec   OutputSpec
	frames []*image.RGBA
	done   bool
}

func (m *MemorySink) Create(_ context.Context, ref string, spec OutputSpec) (Writer, error) {
	if spec.Width <= 0 || spec.Height <= 0 {
		return nil, fmt.Errorf("invalid output spec %+v", spec)
	}
	return &memoryWriter{sink: m, ref: ref, spec: spec}, nil
}

func (w *memoryWriter) Write(frame *image.RGBA) error {
	if w.done {
		return errors.New("write after close")
	}
	if w.sink.FailAt >= 0 && len(w.frames) == w.sink.FailAt {
		return fmt.Errorf("frame %d: %w", len(w.frames), ErrInjected)
	}
	b := frame.Bounds()
	if b.Dx() != w.spec.Width || b.Dy() != w.spec.Height {
		return fmt.Errorf("frame is %dx%d, sink expects %dx%d", b.Dx(), b.Dy(), w.spec.Width, w.spec.Height)
	}
	w.frames = append(w.frames, CloneFrame(frame))
	return nil
}

func (w *memoryWriter) Close() error {
	if w.done {
		return nil
	}
	w.done = true
	w.sink.mu.Lock()
	w.sink.outputs[w.ref] = Output{Spec: w.spec, Frames: w.frames}
	w.sink.mu.Unlock()
	return nil
}

func (w *memoryWriter) Abort() { w.done = true }

// CountingSink discards frame data and only records how many frames each
// finalized output received.
type CountingSink struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewCountingSink returns an empty CountingSink.
func NewCountingSink() *CountingSink {
	return &CountingSink{counts: make(map[string]int)}
}

// Count returns the frame count of the finalized output at ref.
func (c *CountingSink) Count(ref string) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.counts[ref]
	return n, ok
}

type countingWriter struct {
	sink *CountingSink
	ref  string
	n    int
}

func (c *CountingSink) Create(_ context.Context, ref string, spec OutputSpec) (Writer, error) {
	if spec.Width <= 0 || spec.Height <= 0 {
		return nil, fmt.Errorf("invalid output spec %+v", spec)
	}
	return &countingWriter{sink: c, ref: ref}, nil
}

func (w *countingWriter) Write(*image.RGBA) error {
	w.n++
	return nil
}

func (w *countingWriter) Close() error {
	w.sink.mu.Lock()
	w.sink.counts[w.ref] = w.n
	w.sink.mu.Unlock()
	return nil
}

func (w *countingWriter) Abort() {}
