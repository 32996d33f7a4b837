package detector

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"time"

	"github.com/andresmejia3/sentinel-blur/internal/types"
	"github.com/andresmejia3/sentinel-blur/internal/utils"
)

// ErrRejected marks a well-formed error reply from the detector. The worker
// stays usable after it.
var ErrRejected = errors.New("python worker error")

// PythonWorker drives one external detector process.
//
// Requests go over stdin as [len uint32][width uint32][height uint32][RGBA pixels].
// Responses come back on a side-channel pipe (FD 3) as [len uint32][body], where
// body is [status byte 0][count uint32][count x (x, y, w, h int32, confidence float32)]
// or [status byte 1][msgLen uint32][msg].
type PythonWorker struct {
	ID          int
	Cmd         *utils.SafeCommand
	Stdin       io.WriteCloser
	DataPipe    io.ReadCloser
	ReadTimeout time.Duration
}

// NewPythonWorker starts the detector command. command[0] is the executable.
func NewPythonWorker(ctx context.Context, id int, command []string, readTimeout time.Duration) (*PythonWorker, error) {
	if len(command) == 0 {
		return nil, errors.New("empty detector command")
	}
	py := utils.NewSafeCommand(ctx, command[0], command[1:]...)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &PythonWorker{
		ID:          id,
		Cmd:         py,
		Stdin:       stdin,
		DataPipe:    r,
		ReadTimeout: readTimeout,
	}, nil
}

// Detect sends one frame and decodes the detections.
func (w *PythonWorker) Detect(ctx context.Context, frame *image.RGBA) ([]types.Region, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp, err := w.communicate(frame)
	if err != nil {
		return nil, err
	}
	return decodeResponse(resp)
}

func (w *PythonWorker) communicate(frame *image.RGBA) ([]byte, error) {
	b := frame.Bounds()
	width, height := b.Dx(), b.Dy()
	rowBytes := width * 4

	// Protocol: [Length][Width][Height][Pixels]
	header := make([]byte, 12)
	binary.BigEndian.PutUint32(header[0:], uint32(8+rowBytes*height))
	binary.BigEndian.PutUint32(header[4:], uint32(width))
	binary.BigEndian.PutUint32(header[8:], uint32(height))
	if _, err := w.Stdin.Write(header); err != nil {
		return nil, err
	}
	for y := b.Min.Y; y < b.Max.Y; y++ {
		off := frame.PixOffset(b.Min.X, y)
		if _, err := w.Stdin.Write(frame.Pix[off : off+rowBytes]); err != nil {
			return nil, err
		}
	}

	if w.ReadTimeout > 0 {
		if f, ok := w.DataPipe.(interface{ SetReadDeadline(time.Time) error }); ok {
			f.SetReadDeadline(time.Now().Add(w.ReadTimeout))
		}
	}

	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, lenBuf); err != nil {
		return nil, err // a crashed detector surfaces here
	}
	body := make([]byte, binary.BigEndian.Uint32(lenBuf))
	_, err := io.ReadFull(w.DataPipe, body)
	return body, err
}

type wireRegion struct {
	Box        [4]int32
	Confidence float32
}

func decodeResponse(resp []byte) ([]types.Region, error) {
	if len(resp) == 0 {
		return nil, errors.New("empty detector response")
	}
	r := bytes.NewReader(resp[1:])

	if resp[0] != 0 {
		var msgLen uint32
		if err := binary.Read(r, binary.BigEndian, &msgLen); err != nil {
			return nil, fmt.Errorf("python worker error: unreadable message: %w", err)
		}
		msg := make([]byte, msgLen)
		if _, err := io.ReadFull(r, msg); err != nil {
			return nil, fmt.Errorf("python worker error: truncated message: %w", err)
		}
		return nil, fmt.Errorf("%w: %s", ErrRejected, msg)
	}

	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, fmt.Errorf("malformed detector response: %w", err)
	}
	if int(count)*20 > r.Len() {
		return nil, fmt.Errorf("malformed detector response: %d regions announced, %d bytes left", count, r.Len())
	}
	regions := make([]types.Region, 0, count)
	for i := uint32(0); i < count; i++ {
		var wr wireRegion
		if err := binary.Read(r, binary.BigEndian, &wr); err != nil {
			return nil, fmt.Errorf("malformed detector response: %w", err)
		}
		regions = append(regions, types.Region{
			X:          int(wr.Box[0]),
			Y:          int(wr.Box[1]),
			Width:      int(wr.Box[2]),
			Height:     int(wr.Box[3]),
			Confidence: float64(wr.Confidence),
		})
	}
	return regions, nil
}

// Kill stops the detector process at once.
func (w *PythonWorker) Kill() error {
	if w.Cmd == nil || w.Cmd.Process == nil {
		return nil
	}
	return w.Cmd.Process.Kill()
}

// Close shuts the worker down and waits for the process to exit.
func (w *PythonWorker) Close() error {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd == nil {
		return nil
	}
	return w.Cmd.Wait()
}
