package store

import (
	"context"
	"sync"
	"testing"

	"github.com/andresmejia3/sentinel-blur/internal/job"
	"github.com/andresmejia3/sentinel-blur/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSaver struct {
	mu      sync.Mutex
	saved   []job.Job
	deleted []string
}

func (f *fakeSaver) SaveJob(_ context.Context, j job.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, j)
	return nil
}

func (f *fakeSaver) DeleteJob(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

func TestRecorderCoalescesSnapshots(t *testing.T) {
	saver := &fakeSaver{}
	rec := NewRecorder(saver, zap.NewNop())

	reg := job.NewRegistry()
	reg.Observe(rec)
	_, err := reg.Create("vid", testInfo())
	require.NoError(t, err)
	require.NoError(t, reg.AdvancePhase("vid", job.StatusAnalyzing, ""))
	for p := 1; p <= 10; p++ {
		require.NoError(t, reg.UpdateProgress("vid", float64(p*10), ""))
	}

	rec.Flush(context.Background())
	require.Len(t, saver.saved, 1)
	assert.Equal(t, float64(100), saver.saved[0].Progress)
	assert.Equal(t, job.StatusAnalyzing, saver.saved[0].Status)
}

func TestRecorderDeleteDropsPending(t *testing.T) {
	saver := &fakeSaver{}
	rec := NewRecorder(saver, zap.NewNop())
	rec.JobChanged(job.Job{}, job.Job{ID: "vid", Status: job.StatusUploaded})

	require.NoError(t, rec.Delete(context.Background(), "vid"))
	rec.Flush(context.Background())
	assert.Empty(t, saver.saved)
	assert.Equal(t, []string{"vid"}, saver.deleted)
}

func TestRecorderRunFlushesOnShutdown(t *testing.T) {
	saver := &fakeSaver{}
	rec := NewRecorder(saver, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		rec.Run(ctx)
		close(done)
	}()
	rec.JobChanged(job.Job{}, job.Job{ID: "a", Status: job.StatusUploaded})
	cancel()
	<-done

	rec.Flush(context.Background())
	saver.mu.Lock()
	defer saver.mu.Unlock()
	require.Len(t, saver.saved, 1)
	assert.Equal(t, "a", saver.saved[0].ID)
}

func testInfo() types.VideoInfo {
	return types.VideoInfo{Filename: "clip.mp4", FPS: 30, TotalFrames: 90, Duration: 3, Width: 64, Height: 48}
}
