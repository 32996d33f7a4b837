package controller

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/andresmejia3/sentinel-blur/internal/job"
	"go.uber.org/zap"
)

// Sweep removes idle jobs last updated before now-ttl, together with their
// masks and artifacts. It returns the number of jobs removed.
func (c *Controller) Sweep(ctx context.Context, now time.Time, ttl time.Duration) int {
	cutoff := now.Add(-ttl)
	removed := 0
	for _, j := range c.registry.List() {
		if j.Active || !j.UpdatedAt.Before(cutoff) {
			continue
		}
		if err := c.Remove(ctx, j.ID); err != nil {
			if !errors.Is(err, job.ErrConflict) && !errors.Is(err, job.ErrNotFound) {
				c.log.Warn("failed to remove expired job", zap.String("job_id", j.ID), zap.Error(err))
			}
			continue
		}
		removed++
	}
	if removed > 0 {
		c.log.Info("expired jobs removed", zap.Int("count", removed))
	}
	return removed
}

// Remove forgets an idle job and deletes everything stored for it.
// It fails with ErrConflict while a pipeline owns the job.
func (c *Controller) Remove(ctx context.Context, id string) error {
	j, err := c.registry.Get(id)
	if err != nil {
		return err
	}
	if err := c.registry.Delete(id); err != nil {
		return err
	}

	log := c.log.With(zap.String("job_id", id))
	if err := c.masks.Discard(ctx, id); err != nil {
		log.Warn("failed to discard masks", zap.Error(err))
	}
	if err := os.RemoveAll(c.layout.Dir(id)); err != nil {
		log.Warn("failed to remove job files", zap.Error(err))
	}
	if j.ArtifactKey != "" && c.artifacts != nil {
		if err := c.artifacts.Remove(ctx, j.ArtifactKey); err != nil {
			log.Warn("failed to remove published artifact", zap.String("key", j.ArtifactKey), zap.Error(err))
		}
	}
	for _, f := range c.forgetters {
		if err := f.Delete(ctx, id); err != nil {
			log.Warn("failed to forget job", zap.Error(err))
		}
	}
	return nil
}

// RunJanitor sweeps expired jobs every interval until ctx is cancelled.
func (c *Controller) RunJanitor(ctx context.Context, interval, ttl time.Duration) {
	if interval <= 0 || ttl <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.Sweep(ctx, now, ttl)
		}
	}
}
