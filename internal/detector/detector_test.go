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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andresmejia3/sentinel-blur/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRefinementApply(t *testing.T) {
	r := Refinement{Threshold: 0.5, Margin: 0.2}
	in := []types.Region{
		{X: 10, Y: 10, Width: 50, Height: 50, Confidence: 0.9},
		{X: 0, Y: 0, Width: 10, Height: 10, Confidence: 0.4},
		{X: 90, Y: 90, Width: 20, Height: 20, Confidence: 0.8},
		{X: 200, Y: 200, Width: 5, Height: 5, Confidence: 0.99},
	}
	out := r.Apply(in, 100, 100)
	require.Len(t, out, 2)

	assert.Equal(t, types.Region{X: 0, Y: 0, Width: 70, Height: 70, Confidence: 0.9}, out[0])
	assert.Equal(t, types.Region{X: 86, Y: 86, Width: 14, Height: 14, Confidence: 0.8}, out[1])
}

func TestRefinedWrapsDetector(t *testing.T) {
	raw := Func(func(context.Context, *image.RGBA) ([]types.Region, error) {
		return []types.Region{{X: 5, Y: 5, Width: 10, Height: 10, Confidence: 0.3}}, nil
	})
	d := Refined(raw, Refinement{Threshold: 0.5})
	out, err := d.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 32, 32)))
	require.NoError(t, err)
	assert.Empty(t, out)
}

type countingEngine struct {
	inUse   *int32
	maxSeen *int32
	closed  bool
}

func (c *countingEngine) Detect(ctx context.Context, _ *image.RGBA) ([]types.Region, error) {
	n := atomic.AddInt32(c.inUse, 1)
	defer atomic.AddInt32(c.inUse, -1)
	for {
		m := atomic.LoadInt32(c.maxSeen)
		if n <= m || atomic.CompareAndSwapInt32(c.maxSeen, m, n) {
			break
		}
	}
	return nil, nil
}

func (c *countingEngine) Close() error {
	c.closed = true
	return nil
}

func TestPoolBoundsConcurrency(t *testing.T) {
	var inUse, maxSeen int32
	a := &countingEngine{inUse: &inUse, maxSeen: &maxSeen}
	b := &countingEngine{inUse: &inUse, maxSeen: &maxSeen}
	p := NewPool(a, b)
	assert.Equal(t, 2, p.Size())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 1, 1)))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, atomic.LoadInt32(&maxSeen), int32(2))

	require.NoError(t, p.Close())
	assert.True(t, a.closed)
	assert.True(t, b.closed)
}

func TestPoolHonoursCancellation(t *testing.T) {
	p := NewPool() // no engines: every call waits
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Detect(ctx, image.NewRGBA(image.Rect(0, 0, 1, 1)))
	assert.True(t, errors.Is(err, context.Canceled))
}

// regionReply frames a successful response carrying one region at x.
func regionReply(x int32) []byte {
	payload := new(bytes.Buffer)
	payload.WriteByte(0)
	binary.Write(payload, binary.BigEndian, uint32(1))
	binary.Write(payload, binary.BigEndian, [4]int32{x, 10, 20, 20})
	binary.Write(payload, binary.BigEndian, float32(0.9))

	framed := new(bytes.Buffer)
	binary.Write(framed, binary.BigEndian, uint32(payload.Len()))
	framed.Write(payload.Bytes())
	return framed.Bytes()
}

// A reply that arrives after the read deadline belongs to the timed-out frame
// and must never be handed to the next caller.
func TestPoolDiscardsEngineAfterReadTimeout(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	slow := &PythonWorker{
		ID:          0,
		Stdin:       &MockCloser{Buffer: new(bytes.Buffer)},
		DataPipe:    r,
		ReadTimeout: 50 * time.Millisecond,
	}

	late := make(chan struct{})
	go func() {
		defer close(late)
		time.Sleep(200 * time.Millisecond)
		w.Write(regionReply(100))
	}()

	starts := 0
	p, err := NewRestartingPool(1, func(id int) (Engine, error) {
		starts++
		if starts == 1 {
			return slow, nil
		}
		return &PythonWorker{
			ID:       id,
			Stdin:    &MockCloser{Buffer: new(bytes.Buffer)},
			DataPipe: &MockCloser{Buffer: bytes.NewBuffer(regionReply(101))},
		}, nil
	}, zap.NewNop())
	require.NoError(t, err)
	defer p.Close()

	frame := image.NewRGBA(image.Rect(0, 0, 2, 2))
	_, err = p.Detect(context.Background(), frame)
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrDeadlineExceeded)
	<-late

	regions, err := p.Detect(context.Background(), frame)
	require.NoError(t, err)
	require.Len(t, regions, 1)
	assert.Equal(t, 101, regions[0].X)
	assert.Equal(t, 2, starts)
	assert.Equal(t, 1, p.Size())
}

type scriptedEngine struct {
	errs   []error
	calls  int
	closed bool
}

func (s *scriptedEngine) Detect(context.Context, *image.RGBA) ([]types.Region, error) {
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	return []types.Region{{X: 1, Y: 1, Width: 2, Height: 2, Confidence: 1}}, nil
}

func (s *scriptedEngine) Close() error {
	s.closed = true
	return nil
}

func TestPoolRetiresCrashedEngine(t *testing.T) {
	crashed := &scriptedEngine{errs: []error{io.EOF}}
	p := NewPool(crashed)
	frame := image.NewRGBA(image.Rect(0, 0, 1, 1))

	_, err := p.Detect(context.Background(), frame)
	assert.ErrorIs(t, err, io.EOF)
	assert.True(t, crashed.closed)
	assert.Equal(t, 0, p.Size())

	done := make(chan error, 1)
	go func() {
		_, err := p.Detect(context.Background(), frame)
		done <- err
	}()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrNoEngines)
	case <-time.After(2 * time.Second):
		t.Fatal("Detect blocked on a pool with no engines left")
	}
	assert.Equal(t, 1, crashed.calls)
}

func TestPoolRestartsCrashedEngine(t *testing.T) {
	var started []*scriptedEngine
	p, err := NewRestartingPool(1, func(int) (Engine, error) {
		e := &scriptedEngine{}
		if len(started) == 0 {
			e.errs = []error{io.ErrUnexpectedEOF}
		}
		started = append(started, e)
		return e, nil
	}, zap.NewNop())
	require.NoError(t, err)
	frame := image.NewRGBA(image.Rect(0, 0, 1, 1))

	_, err = p.Detect(context.Background(), frame)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	regions, err := p.Detect(context.Background(), frame)
	require.NoError(t, err)
	assert.Len(t, regions, 1)
	require.Len(t, started, 2)
	assert.True(t, started[0].closed)
	assert.False(t, started[1].closed)

	require.NoError(t, p.Close())
	assert.True(t, started[1].closed)
}

func TestPoolFailsFastWhenRestartFails(t *testing.T) {
	starts := 0
	p, err := NewRestartingPool(1, func(int) (Engine, error) {
		starts++
		if starts > 1 {
			return nil, errors.New("python3: not found")
		}
		return &scriptedEngine{errs: []error{io.EOF}}, nil
	}, zap.NewNop())
	require.NoError(t, err)
	frame := image.NewRGBA(image.Rect(0, 0, 1, 1))

	_, err = p.Detect(context.Background(), frame)
	assert.ErrorIs(t, err, io.EOF)
	_, err = p.Detect(context.Background(), frame)
	assert.ErrorIs(t, err, ErrNoEngines)
}

func TestPoolKeepsEngineAfterRejectedFrame(t *testing.T) {
	e := &scriptedEngine{errs: []error{fmt.Errorf("%w: model not loaded", ErrRejected)}}
	p := NewPool(e)
	frame := image.NewRGBA(image.Rect(0, 0, 1, 1))

	_, err := p.Detect(context.Background(), frame)
	assert.ErrorIs(t, err, ErrRejected)

	regions, err := p.Detect(context.Background(), frame)
	require.NoError(t, err)
	assert.Len(t, regions, 1)
	assert.False(t, e.closed)
	assert.Equal(t, 1, p.Size())
}
