package job

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/sentinel-blur/internal/types"
)

// Observer is notified after every committed change to a job.
// Calls for the same id are serialised and arrive in commit order. An observer
// must not call back into the Registry for the same id.
type Observer interface {
	JobChanged(prev, next Job)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(prev, next Job)

func (f ObserverFunc) JobChanged(prev, next Job) { f(prev, next) }

// entry owns one job. Writers serialise on mu; readers load the snapshot
// pointer and never block.
type entry struct {
	mu      sync.Mutex
	snap    atomic.Pointer[Job]
	deleted bool // guarded by mu
}

// Registry is the single source of truth for job state.
// The map lock only guards membership, so updates to unrelated jobs never
// contend with each other.
type Registry struct {
	mu        sync.RWMutex
	jobs      map[string]*entry
	observers []Observer
	now       func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		jobs: make(map[string]*entry),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Observe registers an observer for all subsequent changes.
func (r *Registry) Observe(o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, o)
}

// Create registers a freshly uploaded video.
func (r *Registry) Create(id string, info types.VideoInfo) (Job, error) {
	now := r.now()
	j := &Job{
		ID:        id,
		Status:    StatusUploaded,
		Message:   "Video uploaded successfully",
		Info:      info,
		CreatedAt: now,
		UpdatedAt: now,
	}

	r.mu.Lock()
	if _, ok := r.jobs[id]; ok {
		r.mu.Unlock()
		return Job{}, fmt.Errorf("%w: %s", ErrAlreadyExists, id)
	}
	e := &entry{}
	e.snap.Store(j)
	r.jobs[id] = e
	observers := r.observers
	r.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, o := range observers {
		o.JobChanged(Job{}, *j)
	}
	return *j, nil
}

// InterruptedError is the error recorded on jobs whose pipeline was cut short by a restart.
const InterruptedError = "interrupted by restart"

// Restore loads previously persisted jobs. A job that was mid-pipeline when
// the process stopped cannot resume, so it is failed in its phase.
func (r *Registry) Restore(jobs []Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, j := range jobs {
		if phase := j.Phase(); phase != PhaseNone || j.Active {
			if phase == PhaseNone {
				phase = PhaseProcessing
			}
			j.Status = StatusError
			j.ErrorPhase = phase
			j.Error = InterruptedError
			j.Message = "Interrupted"
			if phase == PhaseAnalysis {
				j.MasksReady = false
			}
		}
		j.Active = false
		e := &entry{}
		e.snap.Store(&j)
		r.jobs[j.ID] = e
	}
}

// Get returns the latest snapshot. It never waits on a pipeline.
func (r *Registry) Get(id string) (Job, error) {
	e, err := r.lookup(id)
	if err != nil {
		return Job{}, err
	}
	return *e.snap.Load(), nil
}

// List returns snapshots of every job, oldest first.
func (r *Registry) List() []Job {
	r.mu.RLock()
	out := make([]Job, 0, len(r.jobs))
	for _, e := range r.jobs {
		out = append(out, *e.snap.Load())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out
}

// Delete forgets an idle job.
func (r *Registry) Delete(id string) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	if e.deleted {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if e.snap.Load().Active {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrConflict, id)
	}
	e.deleted = true
	e.mu.Unlock()

	r.mu.Lock()
	if r.jobs[id] == e {
		delete(r.jobs, id)
	}
	r.mu.Unlock()
	return nil
}

// UpdateProgress records progress for the running phase. Progress never moves
// backwards within a phase; lower values only refresh the message.
func (r *Registry) UpdateProgress(id string, progress float64, message string) error {
	_, err := r.update(id, func(j *Job) error {
		if j.Phase() == PhaseNone {
			return fmt.Errorf("%w: no running phase (status %s)", ErrInvalidState, j.Status)
		}
		if progress > 100 {
			progress = 100
		}
		if progress > j.Progress {
			j.Progress = progress
		}
		if message != "" {
			j.Message = message
		}
		return nil
	})
	return err
}

// Fail moves a running phase into the terminal error status.
func (r *Registry) Fail(id string, cause error) error {
	_, err := r.update(id, func(j *Job) error {
		phase := j.Phase()
		if phase == PhaseNone {
			return fmt.Errorf("%w: cannot fail from %s", ErrInvalidState, j.Status)
		}
		j.Status = StatusError
		j.ErrorPhase = phase
		j.Active = false
		if cause != nil {
			j.Error = cause.Error()
		}
		if phase == PhaseAnalysis {
			j.MasksReady = false
			j.Message = "Analysis failed"
		} else {
			j.Message = "Processing failed"
		}
		return nil
	})
	return err
}

// AdvancePhase applies a state machine transition.
//
// Entering analyzing or processing is the per-id check-and-set that starts a
// pipeline: it fails with ErrConflict when a pipeline already owns the job and
// ErrInvalidState when the current status does not allow the start. Progress
// resets to 0 on entry and is 100 on successful exit.
func (r *Registry) AdvancePhase(id string, to Status, message string) error {
	_, err := r.update(id, func(j *Job) error {
		switch to {
		case StatusAnalyzing, StatusProcessing:
			if err := j.CheckStart(to); err != nil {
				return err
			}
			j.Active = true
			j.Progress = 0
			j.Error = ""
			j.ErrorPhase = PhaseNone
			if to == StatusAnalyzing {
				j.MasksReady = false
			}
		case StatusAnalyzed, StatusCompleted:
			if !isValidTransition(j.Status, to) {
				return fmt.Errorf("%w: %s -> %s", ErrInvalidState, j.Status, to)
			}
			j.Active = false
			j.Progress = 100
			if to == StatusAnalyzed {
				j.MasksReady = true
			}
		case StatusError:
			return errors.New("use Fail to enter the error status")
		default:
			return fmt.Errorf("%w: unknown status %q", ErrInvalidState, to)
		}
		j.Status = to
		if message != "" {
			j.Message = message
		}
		return nil
	})
	return err
}

// BeginPreview takes the per-id pipeline lease without changing status.
func (r *Registry) BeginPreview(id string) error {
	_, err := r.update(id, func(j *Job) error {
		if err := j.CheckPreview(); err != nil {
			return err
		}
		j.Active = true
		return nil
	})
	return err
}

// EndPreview releases the lease taken by BeginPreview.
func (r *Registry) EndPreview(id string, produced bool) error {
	_, err := r.update(id, func(j *Job) error {
		j.Active = false
		if produced {
			j.HasPreview = true
		}
		return nil
	})
	return err
}

// SetArtifact records where the published full render lives.
func (r *Registry) SetArtifact(id, key string) error {
	_, err := r.update(id, func(j *Job) error {
		j.ArtifactKey = key
		return nil
	})
	return err
}

// SetTotalFrames corrects the frame count once the whole video has been decoded.
func (r *Registry) SetTotalFrames(id string, total int) error {
	_, err := r.update(id, func(j *Job) error {
		j.Info.TotalFrames = total
		if j.Info.FPS > 0 {
			j.Info.Duration = float64(total) / j.Info.FPS
		}
		return nil
	})
	return err
}

func (r *Registry) lookup(id string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.jobs[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, nil
}

func (r *Registry) update(id string, fn func(j *Job) error) (Job, error) {
	e, err := r.lookup(id)
	if err != nil {
		return Job{}, err
	}
	r.mu.RLock()
	observers := r.observers
	r.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	prev := *e.snap.Load()
	next := prev
	if err := fn(&next); err != nil {
		return prev, err
	}
	next.UpdatedAt = r.now()
	e.snap.Store(&next)

	for _, o := range observers {
		o.JobChanged(prev, next)
	}
	return next, nil
}
