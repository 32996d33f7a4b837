package cmd

import (
	"context"
	"os"
	"time"

	"github.com/andresmejia3/sentinel-blur/internal/job"
	"github.com/schollz/progressbar/v3"
)

// watchProgress polls the job's status into a terminal progress bar until
// the returned stop function is called.
func watchProgress(ctx context.Context, registry *job.Registry, id, description string) (stop func()) {
	bar := progressbar.NewOptions(100,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionThrottle(100*time.Millisecond),
	)

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()
		for {
			if j, err := registry.Get(id); err == nil {
				_ = bar.Set(int(j.Progress))
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	return func() {
		cancel()
		<-done
		if j, err := registry.Get(id); err == nil && j.Progress >= 100 {
			_ = bar.Finish()
		}
		_ = bar.Exit()
	}
}
