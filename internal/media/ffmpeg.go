package media

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"

	"github.com/andresmejia3/sentinel-blur/internal/types"
	"github.com/andresmejia3/sentinel-blur/internal/utils"
)

// FFmpeg decodes and encodes through ffmpeg subprocesses using raw RGBA pipes.
type FFmpeg struct{}

type ffmpegReader struct {
	cmd       *utils.SafeCommand
	out       io.ReadCloser
	width     int
	height    int
	frameSize int
	done      bool
}

// Open starts an ffmpeg decoder for ref. Frames are sized from info.
func (FFmpeg) Open(ctx context.Context, ref string, info types.VideoInfo) (Reader, error) {
	if info.Width <= 0 || info.Height <= 0 {
		return nil, fmt.Errorf("invalid frame size %dx%d", info.Width, info.Height)
	}
	decoder := utils.NewFFmpegRawDecoder(ctx, ref)
	out, err := decoder.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder pipe: %w", err)
	}
	if err := decoder.Start(); err != nil {
		return nil, fmt.Errorf("failed to start decoder: %w", err)
	}
	return &ffmpegReader{
		cmd:       decoder,
		out:       out,
		width:     info.Width,
		height:    info.Height,
		frameSize: info.Width * info.Height * 4,
	}, nil
}

func (r *ffmpegReader) Next() (*image.RGBA, error) {
	if r.done {
		return nil, io.EOF
	}
	frame := NewFrame(r.width, r.height)
	_, err := io.ReadFull(r.out, frame.Pix)
	switch {
	case err == nil:
		return frame, nil
	case errors.Is(err, io.EOF):
		r.done = true
		if werr := r.cmd.Wait(); werr != nil {
			return nil, fmt.Errorf("decoder exited: %w (%s)", werr, r.cmd.Logs())
		}
		return nil, io.EOF
	default:
		r.done = true
		r.cmd.Wait()
		return nil, fmt.Errorf("truncated frame: %w (%s)", err, r.cmd.Logs())
	}
}

func (r *ffmpegReader) Close() error {
	if r.done {
		return nil
	}
	r.done = true
	r.out.Close()
	if r.cmd.Process != nil {
		r.cmd.Process.Kill()
	}
	r.cmd.Wait()
	return nil
}

type ffmpegWriter struct {
	cmd    *utils.SafeCommand
	in     io.WriteCloser
	spec   OutputSpec
	tmp    string
	final  string
	row    []byte
	closed bool
}

// Create starts an ffmpeg encoder. Output goes to a temporary file that is
// renamed over ref on a successful Close, so a failed encode never replaces an
// earlier artifact.
func (FFmpeg) Create(ctx context.Context, ref string, spec OutputSpec) (Writer, error) {
	if spec.Width <= 0 || spec.Height <= 0 || spec.FPS <= 0 {
		return nil, fmt.Errorf("invalid output spec %+v", spec)
	}
	if err := os.MkdirAll(filepath.Dir(ref), 0755); err != nil {
		return nil, err
	}
	tmp := ref + ".part.mp4"
	encoder := utils.NewFFmpegEncoder(ctx, tmp, spec.FPS, spec.Width, spec.Height)
	in, err := encoder.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create encoder pipe: %w", err)
	}
	if err := encoder.Start(); err != nil {
		return nil, fmt.Errorf("failed to start encoder: %w", err)
	}
	return &ffmpegWriter{cmd: encoder, in: in, spec: spec, tmp: tmp, final: ref}, nil
}

func (w *ffmpegWriter) Write(frame *image.RGBA) error {
	b := frame.Bounds()
	if b.Dx() != w.spec.Width || b.Dy() != w.spec.Height {
		return fmt.Errorf("frame is %dx%d, encoder expects %dx%d", b.Dx(), b.Dy(), w.spec.Width, w.spec.Height)
	}
	rowBytes := w.spec.Width * 4
	if frame.Stride == rowBytes && b.Min == (image.Point{}) {
		_, err := w.in.Write(frame.Pix[:rowBytes*w.spec.Height])
		return w.wrap(err)
	}
	for y := b.Min.Y; y < b.Max.Y; y++ {
		off := frame.PixOffset(b.Min.X, y)
		if _, err := w.in.Write(frame.Pix[off : off+rowBytes]); err != nil {
			return w.wrap(err)
		}
	}
	return nil
}

func (w *ffmpegWriter) wrap(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("encoder write: %w (%s)", err, w.cmd.Logs())
}

func (w *ffmpegWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	w.in.Close()
	if err := w.cmd.Wait(); err != nil {
		os.Remove(w.tmp)
		return fmt.Errorf("encoder process failed: %w (%s)", err, w.cmd.Logs())
	}
	return os.Rename(w.tmp, w.final)
}

func (w *ffmpegWriter) Abort() {
	if w.closed {
		return
	}
	w.closed = true
	w.in.Close()
	if w.cmd.Process != nil {
		w.cmd.Process.Kill()
	}
	w.cmd.Wait()
	os.Remove(w.tmp)
}
