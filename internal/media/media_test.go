package media

import (
	"context"
	"errors"
	"image"
	"io"
	"testing"

	"github.com/andresmejia3/sentinel-blur/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyntheticSourceYieldsEveryFrame(t *testing.T) {
	info := types.VideoInfo{Width: 8, Height: 4, FPS: 30, TotalFrames: 5}
	r, err := NewSynthetic().Open(context.Background(), "ignored", info)
	require.NoError(t, err)
	defer r.Close()

	count := 0
	for {
		frame, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		assert.Equal(t, SyntheticFrame(8, 4, count).Pix, frame.Pix)
		count++
	}
	assert.Equal(t, 5, count)
}

func TestSyntheticSourceInjectedFailure(t *testing.T) {
	info := types.VideoInfo{Width: 2, Height: 2, FPS: 30, TotalFrames: 10}
	r, err := (&Synthetic{FailAt: 3}).Open(context.Background(), "", info)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := r.Next()
		require.NoError(t, err)
	}
	_, err = r.Next()
	assert.ErrorIs(t, err, ErrInjected)
}

func TestMemorySinkOnlyPublishesOnClose(t *testing.T) {
	sink := NewMemorySink()
	w, err := sink.Create(context.Background(), "out", OutputSpec{Width: 2, Height: 2, FPS: 30})
	require.NoError(t, err)

	frame := SyntheticFrame(2, 2, 0)
	require.NoError(t, w.Write(frame))
	frame.Pix[0] = 99 // writer keeps its own copy

	_, ok := sink.Output("out")
	assert.False(t, ok)

	require.NoError(t, w.Close())
	out, ok := sink.Output("out")
	require.True(t, ok)
	require.Len(t, out.Frames, 1)
	assert.Equal(t, SyntheticFrame(2, 2, 0).Pix, out.Frames[0].Pix)

	assert.Error(t, w.Write(frame))
}

func TestMemorySinkRejectsWrongSize(t *testing.T) {
	sink := NewMemorySink()
	w, err := sink.Create(context.Background(), "out", OutputSpec{Width: 4, Height: 4, FPS: 30})
	require.NoError(t, err)
	assert.Error(t, w.Write(NewFrame(2, 2)))
	w.Abort()
	_, ok := sink.Output("out")
	assert.False(t, ok)
}

func TestCloneFrameHandlesSubImages(t *testing.T) {
	src := SyntheticFrame(6, 6, 2)
	sub := src.SubImage(src.Rect.Inset(1)).(*image.RGBA)
	clone := CloneFrame(sub)
	assert.Equal(t, 4, clone.Bounds().Dx())
	assert.Equal(t, sub.RGBAAt(1, 1), clone.RGBAAt(0, 0))
}

func TestCountingSinkCountsFinalizedOutputs(t *testing.T) {
	sink := NewCountingSink()
	w, err := sink.Create(context.Background(), "out", OutputSpec{Width: 4, Height: 4, FPS: 30})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, w.Write(NewFrame(4, 4)))
	}
	_, ok := sink.Count("out")
	assert.False(t, ok)

	require.NoError(t, w.Close())
	n, ok := sink.Count("out")
	assert.True(t, ok)
	assert.Equal(t, 3, n)
}
