package detector

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"sync"
	"time"

	"github.com/andresmejia3/sentinel-blur/internal/types"
	"go.uber.org/zap"
)

// ErrNoEngines is returned once every engine of a pool has died and none could be restarted.
var ErrNoEngines = errors.New("no detector engines left")

// Engine is a detector that owns a process or other resource.
type Engine interface {
	FaceDetector
	io.Closer
}

// Starter starts the engine for a pool slot.
type Starter func(id int) (Engine, error)

type slot struct {
	id     int
	engine Engine
}

// Pool shares a fixed set of engines between concurrent callers. Each engine
// serves one frame at a time. An engine whose request stream may be out of
// step (I/O failure, timeout, garbled reply) never serves another frame: it is
// killed and, when the pool has a Starter, replaced.
type Pool struct {
	idle  chan *slot
	start Starter
	log   *zap.Logger

	mu         sync.Mutex
	slots      map[int]*slot
	restarting int
	closed     bool
	// empty is closed once no engine is left or coming back.
	empty chan struct{}
}

// NewPool wraps already-started engines. Engines that break are not replaced.
func NewPool(engines ...Engine) *Pool {
	p := newPool(len(engines), nil, zap.NewNop())
	for i, e := range engines {
		p.add(&slot{id: i, engine: e})
	}
	return p
}

// NewRestartingPool starts n engines with start and uses it again to replace
// engines that break. On failure the ones already started are stopped.
func NewRestartingPool(n int, start Starter, log *zap.Logger) (*Pool, error) {
	if n < 1 {
		n = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	p := newPool(n, start, log)
	for i := 0; i < n; i++ {
		e, err := start(i)
		if err != nil {
			p.Close()
			return nil, err
		}
		log.Debug("detector engine started", zap.Int("engine", i))
		p.add(&slot{id: i, engine: e})
	}
	return p, nil
}

// StartPython spawns n detector processes.
func StartPython(ctx context.Context, n int, command []string, timeout time.Duration, log *zap.Logger) (*Pool, error) {
	return NewRestartingPool(n, func(id int) (Engine, error) {
		return NewPythonWorker(ctx, id, command, timeout)
	}, log)
}

func newPool(n int, start Starter, log *zap.Logger) *Pool {
	return &Pool{
		idle:  make(chan *slot, n),
		start: start,
		log:   log,
		slots: make(map[int]*slot, n),
		empty: make(chan struct{}),
	}
}

func (p *Pool) add(s *slot) {
	p.mu.Lock()
	p.slots[s.id] = s
	p.mu.Unlock()
	p.idle <- s
}

// Size is the number of live engines.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}

// Detect borrows an idle engine for one frame.
func (p *Pool) Detect(ctx context.Context, frame *image.RGBA) ([]types.Region, error) {
	var s *slot
	select {
	case s = <-p.idle:
	case <-p.empty:
		return nil, ErrNoEngines
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	regions, err := s.engine.Detect(ctx, frame)
	if err == nil || reusable(err) {
		p.idle <- s
		if err != nil {
			return nil, fmt.Errorf("engine %d: %w", s.id, err)
		}
		return regions, nil
	}
	p.replace(s, err)
	return nil, fmt.Errorf("engine %d: %w", s.id, err)
}

// reusable reports whether the engine is still in step after err: the worker
// answered with a well-formed error, or the call was abandoned before any I/O.
func reusable(err error) bool {
	return errors.Is(err, ErrRejected) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func (p *Pool) replace(s *slot, cause error) {
	p.log.Warn("detector engine discarded", zap.Int("engine", s.id), zap.Error(cause))

	p.mu.Lock()
	delete(p.slots, s.id)
	restart := !p.closed && p.start != nil
	if restart {
		p.restarting++
	}
	p.mu.Unlock()
	kill(s.engine)

	if restart {
		e, err := p.start(s.id)
		p.mu.Lock()
		p.restarting--
		if err == nil {
			if p.closed {
				p.mu.Unlock()
				e.Close()
				return
			}
			s.engine = e
			p.slots[s.id] = s
			p.mu.Unlock()
			p.log.Info("detector engine restarted", zap.Int("engine", s.id))
			p.idle <- s
			return
		}
		p.mu.Unlock()
		p.log.Error("detector engine restart failed", zap.Int("engine", s.id), zap.Error(err))
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.slots) > 0 || p.restarting > 0 || p.closed {
		return
	}
	select {
	case <-p.empty:
	default:
		close(p.empty)
	}
}

// kill stops an engine without waiting for it to finish its current frame.
func kill(e Engine) {
	if k, ok := e.(interface{ Kill() error }); ok {
		k.Kill()
	}
	e.Close()
}

// Close stops every live engine.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	engines := make([]Engine, 0, len(p.slots))
	for _, s := range p.slots {
		engines = append(engines, s.engine)
	}
	p.mu.Unlock()

	var errs []error
	for _, e := range engines {
		if err := e.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
