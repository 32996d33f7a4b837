package store

import (
	"context"
	"sync"

	"github.com/andresmejia3/sentinel-blur/internal/job"
	"go.uber.org/zap"
)

// JobSaver is the part of Store the Recorder writes through.
type JobSaver interface {
	SaveJob(ctx context.Context, j job.Job) error
	DeleteJob(ctx context.Context, id string) error
}

// Recorder is a registry observer that persists job snapshots in the
// background. Only the latest snapshot per job is written, so fast progress
// updates coalesce and never wait on the database.
type Recorder struct {
	saver JobSaver
	log   *zap.Logger

	mu      sync.Mutex
	pending map[string]job.Job
	wake    chan struct{}

	// writeMu orders flushes against deletes.
	writeMu sync.Mutex
}

// NewRecorder creates a Recorder. Call Run to start writing.
func NewRecorder(saver JobSaver, log *zap.Logger) *Recorder {
	return &Recorder{
		saver:   saver,
		log:     log,
		pending: make(map[string]job.Job),
		wake:    make(chan struct{}, 1),
	}
}

// JobChanged implements job.Observer.
func (r *Recorder) JobChanged(_, next job.Job) {
	r.mu.Lock()
	r.pending[next.ID] = next
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run writes pending snapshots until ctx is done, then flushes what is left.
func (r *Recorder) Run(ctx context.Context) {
	for {
		select {
		case <-r.wake:
			r.Flush(ctx)
		case <-ctx.Done():
			r.Flush(context.WithoutCancel(ctx))
			return
		}
	}
}

// Flush writes every pending snapshot now.
func (r *Recorder) Flush(ctx context.Context) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	batch := r.pending
	r.pending = make(map[string]job.Job)
	r.mu.Unlock()

	for _, j := range batch {
		if err := r.saver.SaveJob(ctx, j); err != nil {
			r.log.Warn("failed to persist job", zap.String("job_id", j.ID), zap.Error(err))
		}
	}
}

// Delete drops any pending snapshot for id and removes it from the database.
func (r *Recorder) Delete(ctx context.Context, id string) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
	return r.saver.DeleteJob(ctx, id)
}
