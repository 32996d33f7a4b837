package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/andresmejia3/sentinel-blur/internal/job"
	"github.com/andresmejia3/sentinel-blur/internal/types"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestStoreIntegration runs a full integration test against a real Postgres container.
// It requires Docker to be running.
func TestStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	// Explicitly check for Docker availability and fail hard if missing
	// We wrap this in a function to recover from panics inside testcontainers (e.g. socket not found)
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("testcontainers panicked: %v", r)
			}
		}()
		_, err = testcontainers.NewDockerClientWithOpts(ctx)
		return
	}()
	if err != nil {
		t.Fatalf("Docker not available, cannot run integration test: %v", err)
	}

	pgContainer, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("sentinel_test"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Fatalf("Failed to start postgres container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("Failed to terminate container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	// Initialize Store (runs migrations)
	s, err := New(ctx, connStr)
	if err != nil {
		t.Fatalf("Failed to connect to store: %v", err)
	}
	defer s.Close()

	// --- Jobs ---

	created := time.Now().UTC().Truncate(time.Millisecond)
	j := job.Job{
		ID:        "vid_123",
		Status:    job.StatusAnalyzing,
		Progress:  42.5,
		Message:   "Analyzing frame 255/600",
		Info:      types.VideoInfo{Filename: "clip.mp4", FPS: 30, TotalFrames: 600, Duration: 20, Width: 640, Height: 480},
		Active:    true,
		CreatedAt: created,
		UpdatedAt: created,
	}
	if err := s.SaveJob(ctx, j); err != nil {
		t.Fatalf("SaveJob failed: %v", err)
	}

	j.Status = job.StatusAnalyzed
	j.Progress = 100
	j.Active = false
	j.MasksReady = true
	if err := s.SaveJob(ctx, j); err != nil {
		t.Fatalf("SaveJob (update) failed: %v", err)
	}

	got, err := s.GetJob(ctx, "vid_123")
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if got.Status != job.StatusAnalyzed || got.Progress != 100 || !got.MasksReady || got.Active {
		t.Errorf("Unexpected job after update: %+v", got)
	}
	if got.Info != j.Info {
		t.Errorf("Expected video info %+v, got %+v", j.Info, got.Info)
	}

	if _, err := s.GetJob(ctx, "missing"); !errors.Is(err, job.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	jobs, err := s.ListJobs(ctx)
	if err != nil {
		t.Fatalf("ListJobs failed: %v", err)
	}
	if len(jobs) != 1 {
		t.Errorf("Expected 1 job, got %d", len(jobs))
	}

	// --- Masks ---

	frames := [][]types.Region{
		{},
		{{X: 10, Y: 20, Width: 30, Height: 40, Confidence: 0.9}},
		{},
		{{X: 1, Y: 2, Width: 3, Height: 4, Confidence: 0.6}, {X: 5, Y: 6, Width: 7, Height: 8, Confidence: 0.7}},
	}
	if err := s.SaveMasks(ctx, "vid_123", frames); err != nil {
		t.Fatalf("SaveMasks failed: %v", err)
	}
	loaded, err := s.LoadMasks(ctx, "vid_123")
	if err != nil {
		t.Fatalf("LoadMasks failed: %v", err)
	}
	if len(loaded) != 4 {
		t.Fatalf("Expected 4 frames, got %d", len(loaded))
	}
	if len(loaded[0]) != 0 || loaded[0] == nil {
		t.Errorf("Expected empty (non-nil) regions for frame 0, got %v", loaded[0])
	}
	if len(loaded[3]) != 2 || loaded[3][1].Width != 7 {
		t.Errorf("Unexpected regions for frame 3: %v", loaded[3])
	}

	// Saving again replaces the set wholesale
	if err := s.SaveMasks(ctx, "vid_123", frames[:2]); err != nil {
		t.Fatalf("SaveMasks (replace) failed: %v", err)
	}
	loaded, _ = s.LoadMasks(ctx, "vid_123")
	if len(loaded) != 2 {
		t.Errorf("Expected replaced set of 2 frames, got %d", len(loaded))
	}

	if err := s.DeleteJob(ctx, "vid_123"); err != nil {
		t.Fatalf("DeleteJob failed: %v", err)
	}
	if _, err := s.LoadMasks(ctx, "vid_123"); !errors.Is(err, job.ErrNotFound) {
		t.Errorf("Expected masks to be deleted with the job, got %v", err)
	}

	if err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
}
