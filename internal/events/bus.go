// Package events keeps a bounded, sequenced history of job changes for
// incremental reads by clients.
package events

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/andresmejia3/sentinel-blur/internal/job"
	"github.com/andresmejia3/sentinel-blur/internal/metrics"
)

// Type classifies an event.
type Type string

const (
	TypeStatus   Type = "status"
	TypeProgress Type = "progress"
	TypeError    Type = "error"
)

// Event is one sequenced job change.
type Event struct {
	Seq       int64      `json:"seq"`
	Timestamp time.Time  `json:"timestamp"`
	JobID     string     `json:"job_id"`
	Type      Type       `json:"type"`
	Status    job.Status `json:"status"`
	Progress  float64    `json:"progress"`
	Message   string     `json:"message,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// Bus stores recent events per job and provides incremental reads. Sequence
// numbers are global, so a reader can follow one job or all of them.
type Bus struct {
	mu      sync.RWMutex
	nextSeq int64
	perJob  int
	history map[string][]Event
	// changed is closed and replaced on every publish.
	changed chan struct{}
}

// NewBus creates an event buffer keeping at most perJob events for each job.
func NewBus(perJob int) *Bus {
	if perJob <= 0 {
		perJob = 500
	}
	return &Bus{
		perJob:  perJob,
		history: make(map[string][]Event),
		changed: make(chan struct{}),
	}
}

// Publish appends one event and assigns sequence and timestamp.
func (b *Bus) Publish(event Event) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSeq++
	event.Seq = b.nextSeq
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	b.history[event.JobID] = trim(append(b.history[event.JobID], event), b.perJob)

	close(b.changed)
	b.changed = make(chan struct{})
	return event
}

// trim drops the oldest progress events first, so status and error events
// outlive a long run of progress updates.
func trim(events []Event, limit int) []Event {
	for len(events) > limit {
		i := slices.IndexFunc(events, func(e Event) bool { return e.Type == TypeProgress })
		if i < 0 {
			i = 0
		}
		events = slices.Delete(events, i, i+1)
	}
	return events
}

// Delete drops the history of a removed job.
func (b *Bus) Delete(_ context.Context, jobID string) error {
	b.mu.Lock()
	delete(b.history, jobID)
	b.mu.Unlock()
	return nil
}

// Since returns events with sequence strictly greater than seq, oldest first.
// An empty jobID matches every job.
func (b *Bus) Since(jobID string, seq int64) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.since(jobID, seq)
}

func (b *Bus) since(jobID string, seq int64) []Event {
	if jobID != "" {
		return newer(b.history[jobID], seq, nil)
	}
	var out []Event
	for _, events := range b.history {
		out = newer(events, seq, out)
	}
	slices.SortFunc(out, func(a, b Event) int { return cmp.Compare(a.Seq, b.Seq) })
	return out
}

func newer(events []Event, seq int64, out []Event) []Event {
	for _, event := range events {
		if event.Seq > seq {
			out = append(out, event)
		}
	}
	return out
}

// Wait blocks until events newer than seq exist for jobID or ctx is done.
func (b *Bus) Wait(ctx context.Context, jobID string, seq int64) ([]Event, error) {
	for {
		b.mu.RLock()
		out := b.since(jobID, seq)
		changed := b.changed
		b.mu.RUnlock()
		if len(out) > 0 {
			return out, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// JobChanged implements job.Observer.
func (b *Bus) JobChanged(prev, next job.Job) {
	typ := TypeProgress
	switch {
	case next.Status == job.StatusError && prev.Status != job.StatusError:
		typ = TypeError
	case next.Status != prev.Status:
		typ = TypeStatus
	case next.Progress == prev.Progress && next.Message == prev.Message:
		// Bookkeeping only (lease, artifact key); nothing a client would see.
		return
	}
	if next.Status != prev.Status {
		metrics.JobsByStatusTotal.WithLabelValues(string(next.Status)).Inc()
	}
	b.Publish(Event{
		JobID:    next.ID,
		Type:     typ,
		Status:   next.Status,
		Progress: next.Progress,
		Message:  next.Message,
		Error:    next.Error,
	})
}
