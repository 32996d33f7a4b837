package pipeline

import (
	"fmt"
	"time"

	"github.com/andresmejia3/sentinel-blur/internal/job"
)

// progressReporter pushes frame progress to the registry at most once per interval,
// plus once for the final frame.
type progressReporter struct {
	registry *job.Registry
	id       string
	verb     string
	total    int
	interval time.Duration
	now      func() time.Time
	last     time.Time
}

func newProgressReporter(reg *job.Registry, id, verb string, total int, interval time.Duration) *progressReporter {
	return &progressReporter{registry: reg, id: id, verb: verb, total: total, interval: interval, now: time.Now}
}

// frameDone records that done frames are finished. It reports whether the registry was updated.
func (p *progressReporter) frameDone(done int) bool {
	now := p.now()
	final := p.total > 0 && done == p.total
	if !final && !p.last.IsZero() && now.Sub(p.last) < p.interval {
		return false
	}
	p.last = now

	var pct float64
	msg := fmt.Sprintf("%s frame %d", p.verb, done)
	if p.total > 0 {
		pct = float64(done) / float64(p.total) * 100
		msg = fmt.Sprintf("%s frame %d/%d", p.verb, done, p.total)
	}
	// A failed update means the job left its phase; the pipeline notices on its next transition.
	_ = p.registry.UpdateProgress(p.id, pct, msg)
	return true
}
