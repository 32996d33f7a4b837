package job

import (
	"errors"
	"sync"
	"testing"

	"github.com/andresmejia3/sentinel-blur/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testInfo = types.VideoInfo{Filename: "clip.mp4", FPS: 30, TotalFrames: 600, Duration: 20, Width: 640, Height: 480}

func TestRegistryCreateAndGet(t *testing.T) {
	r := NewRegistry()

	j, err := r.Create("vid-1", testInfo)
	require.NoError(t, err)
	assert.Equal(t, StatusUploaded, j.Status)
	assert.Equal(t, 600, j.Info.TotalFrames)

	_, err = r.Create("vid-1", testInfo)
	assert.ErrorIs(t, err, ErrAlreadyExists)

	_, err = r.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistryLifecycle(t *testing.T) {
	r := NewRegistry()
	_, err := r.Create("vid-1", testInfo)
	require.NoError(t, err)

	require.NoError(t, r.AdvancePhase("vid-1", StatusAnalyzing, "Detecting faces..."))
	require.NoError(t, r.UpdateProgress("vid-1", 40, ""))
	require.NoError(t, r.AdvancePhase("vid-1", StatusAnalyzed, "Analysis completed"))

	j, _ := r.Get("vid-1")
	assert.Equal(t, StatusAnalyzed, j.Status)
	assert.Equal(t, 100.0, j.Progress)
	assert.True(t, j.MasksReady)
	assert.False(t, j.Active)

	require.NoError(t, r.AdvancePhase("vid-1", StatusProcessing, ""))
	j, _ = r.Get("vid-1")
	assert.Equal(t, 0.0, j.Progress, "progress resets when a new phase starts")

	require.NoError(t, r.AdvancePhase("vid-1", StatusCompleted, "Processing completed"))
	j, _ = r.Get("vid-1")
	assert.Equal(t, StatusCompleted, j.Status)

	err = r.AdvancePhase("vid-1", StatusProcessing, "")
	assert.ErrorIs(t, err, ErrInvalidState, "completed is terminal")
}

func TestRegistryProgressIsMonotonic(t *testing.T) {
	r := NewRegistry()
	_, _ = r.Create("vid-1", testInfo)
	require.NoError(t, r.AdvancePhase("vid-1", StatusAnalyzing, ""))

	require.NoError(t, r.UpdateProgress("vid-1", 50, "half"))
	require.NoError(t, r.UpdateProgress("vid-1", 20, "stale"))
	require.NoError(t, r.UpdateProgress("vid-1", 250, ""))

	j, _ := r.Get("vid-1")
	assert.Equal(t, 100.0, j.Progress)
	assert.Equal(t, "stale", j.Message)
}

func TestRegistryUpdateProgressRequiresPhase(t *testing.T) {
	r := NewRegistry()
	_, _ = r.Create("vid-1", testInfo)

	err := r.UpdateProgress("vid-1", 10, "")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestRegistryStartGuards(t *testing.T) {
	r := NewRegistry()
	_, _ = r.Create("vid-1", testInfo)

	err := r.AdvancePhase("vid-1", StatusProcessing, "")
	assert.ErrorIs(t, err, ErrInvalidState, "processing needs analysis first")

	require.NoError(t, r.AdvancePhase("vid-1", StatusAnalyzing, ""))
	err = r.AdvancePhase("vid-1", StatusAnalyzing, "")
	assert.ErrorIs(t, err, ErrConflict)
	err = r.AdvancePhase("vid-1", StatusProcessing, "")
	assert.ErrorIs(t, err, ErrConflict)
}

func TestRegistryAnalysisFailureInvalidatesMasks(t *testing.T) {
	r := NewRegistry()
	_, _ = r.Create("vid-1", testInfo)
	require.NoError(t, r.AdvancePhase("vid-1", StatusAnalyzing, ""))
	require.NoError(t, r.Fail("vid-1", errors.New("decode failure at frame 150")))

	j, _ := r.Get("vid-1")
	assert.Equal(t, StatusError, j.Status)
	assert.Equal(t, PhaseAnalysis, j.ErrorPhase)
	assert.False(t, j.MasksReady)
	assert.Contains(t, j.Error, "frame 150")

	err := r.AdvancePhase("vid-1", StatusProcessing, "")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestRegistryProcessingRetryAfterError(t *testing.T) {
	r := NewRegistry()
	_, _ = r.Create("vid-1", testInfo)
	require.NoError(t, r.AdvancePhase("vid-1", StatusAnalyzing, ""))
	require.NoError(t, r.AdvancePhase("vid-1", StatusAnalyzed, ""))
	require.NoError(t, r.AdvancePhase("vid-1", StatusProcessing, ""))
	require.NoError(t, r.Fail("vid-1", errors.New("encode failure")))

	j, _ := r.Get("vid-1")
	assert.True(t, j.MasksReady)
	assert.True(t, j.CanPreview())

	require.NoError(t, r.AdvancePhase("vid-1", StatusProcessing, ""))
	j, _ = r.Get("vid-1")
	assert.Equal(t, StatusProcessing, j.Status)
	assert.Empty(t, j.Error)
}

func TestRegistryPreviewLease(t *testing.T) {
	r := NewRegistry()
	_, _ = r.Create("vid-1", testInfo)

	assert.ErrorIs(t, r.BeginPreview("vid-1"), ErrInvalidState)

	require.NoError(t, r.AdvancePhase("vid-1", StatusAnalyzing, ""))
	require.NoError(t, r.AdvancePhase("vid-1", StatusAnalyzed, ""))
	require.NoError(t, r.BeginPreview("vid-1"))

	assert.ErrorIs(t, r.AdvancePhase("vid-1", StatusProcessing, ""), ErrConflict)
	assert.ErrorIs(t, r.BeginPreview("vid-1"), ErrConflict)

	require.NoError(t, r.EndPreview("vid-1", true))
	j, _ := r.Get("vid-1")
	assert.Equal(t, StatusAnalyzed, j.Status)
	assert.True(t, j.HasPreview)
	assert.False(t, j.Active)
}

func TestRegistryRestoreFailsInterruptedJobs(t *testing.T) {
	r := NewRegistry()
	r.Restore([]Job{
		{ID: "a", Status: StatusAnalyzing, Active: true, Info: testInfo},
		{ID: "p", Status: StatusProcessing, Active: true, MasksReady: true, Info: testInfo},
		{ID: "d", Status: StatusCompleted, MasksReady: true, Info: testInfo},
	})

	a, _ := r.Get("a")
	assert.Equal(t, StatusError, a.Status)
	assert.False(t, a.MasksReady)

	p, _ := r.Get("p")
	assert.Equal(t, StatusError, p.Status)
	assert.Equal(t, PhaseProcessing, p.ErrorPhase)
	require.NoError(t, r.AdvancePhase("p", StatusProcessing, ""))

	d, _ := r.Get("d")
	assert.Equal(t, StatusCompleted, d.Status)
}

func TestRegistryObserverSeesOrderedChanges(t *testing.T) {
	r := NewRegistry()
	var mu sync.Mutex
	var seen []Status
	r.Observe(ObserverFunc(func(prev, next Job) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, next.Status)
	}))

	_, _ = r.Create("vid-1", testInfo)
	_ = r.AdvancePhase("vid-1", StatusAnalyzing, "")
	_ = r.AdvancePhase("vid-1", StatusAnalyzed, "")

	assert.Equal(t, []Status{StatusUploaded, StatusAnalyzing, StatusAnalyzed}, seen)
}

func TestRegistryConcurrentReadersNeverBlock(t *testing.T) {
	r := NewRegistry()
	_, _ = r.Create("vid-1", testInfo)
	require.NoError(t, r.AdvancePhase("vid-1", StatusAnalyzing, ""))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 1; i <= 100; i++ {
			_ = r.UpdateProgress("vid-1", float64(i), "working")
		}
	}()
	go func() {
		defer wg.Done()
		last := 0.0
		for i := 0; i < 1000; i++ {
			j, err := r.Get("vid-1")
			if err != nil {
				t.Error(err)
				return
			}
			if j.Progress < last {
				t.Errorf("progress went backwards: %v -> %v", last, j.Progress)
				return
			}
			last = j.Progress
		}
	}()
	wg.Wait()
}

func TestRegistryDelete(t *testing.T) {
	r := NewRegistry()
	_, _ = r.Create("vid-1", testInfo)
	require.NoError(t, r.AdvancePhase("vid-1", StatusAnalyzing, ""))
	assert.ErrorIs(t, r.Delete("vid-1"), ErrConflict)

	require.NoError(t, r.AdvancePhase("vid-1", StatusAnalyzed, ""))
	require.NoError(t, r.Delete("vid-1"))
	assert.Empty(t, r.List())
}
