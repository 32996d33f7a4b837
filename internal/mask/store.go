// Package mask holds the per-frame face regions produced by analysis.
package mask

import (
	"context"
	"fmt"
	"sync"

	"github.com/andresmejia3/sentinel-blur/internal/job"
	"github.com/andresmejia3/sentinel-blur/internal/types"
)

// Backend persists sealed mask sets so they survive restarts.
type Backend interface {
	SaveMasks(ctx context.Context, videoID string, frames [][]types.Region) error
	LoadMasks(ctx context.Context, videoID string) ([][]types.Region, error)
	DeleteMasks(ctx context.Context, videoID string) error
}

// set is one job's masks. frames is append-only until sealed.
type set struct {
	mu     sync.RWMutex
	frames [][]types.Region
	sealed bool
}

// Store keeps mask sets keyed by video id.
type Store struct {
	mu      sync.RWMutex
	sets    map[string]*set
	backend Backend
}

// NewStore creates a store. backend may be nil for a purely in-memory store.
func NewStore(backend Backend) *Store {
	return &Store{sets: make(map[string]*set), backend: backend}
}

// Begin starts a fresh mask set for id, replacing any previous one wholesale.
func (s *Store) Begin(videoID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sets[videoID] = &set{}
}

// Append records the regions for the next frame. Frames must arrive in index order.
func (s *Store) Append(videoID string, frameIndex int, regions []types.Region) error {
	ms, err := s.lookup(videoID)
	if err != nil {
		return err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.sealed {
		return fmt.Errorf("%w: masks for %s are sealed", job.ErrInvalidState, videoID)
	}
	if frameIndex != len(ms.frames) {
		return fmt.Errorf("out of order mask append for %s: got frame %d, want %d", videoID, frameIndex, len(ms.frames))
	}
	if regions == nil {
		regions = []types.Region{}
	}
	ms.frames = append(ms.frames, regions)
	return nil
}

// Seal freezes the set, padding it with empty entries up to totalFrames, and
// persists it when a backend is configured.
func (s *Store) Seal(ctx context.Context, videoID string, totalFrames int) error {
	ms, err := s.lookup(videoID)
	if err != nil {
		return err
	}
	ms.mu.Lock()
	for len(ms.frames) < totalFrames {
		ms.frames = append(ms.frames, []types.Region{})
	}
	ms.sealed = true
	frames := ms.frames
	ms.mu.Unlock()

	if s.backend != nil {
		if err := s.backend.SaveMasks(ctx, videoID, frames); err != nil {
			return fmt.Errorf("persist masks: %w", err)
		}
	}
	return nil
}

// Discard drops any mask data for id.
func (s *Store) Discard(ctx context.Context, videoID string) error {
	s.mu.Lock()
	delete(s.sets, videoID)
	s.mu.Unlock()

	if s.backend != nil {
		return s.backend.DeleteMasks(ctx, videoID)
	}
	return nil
}

// Frames returns the sealed per-frame regions. Unsealed (in-flight or failed)
// sets are reported as not found.
func (s *Store) Frames(ctx context.Context, videoID string) ([][]types.Region, error) {
	s.mu.RLock()
	ms, ok := s.sets[videoID]
	s.mu.RUnlock()

	if ok {
		ms.mu.RLock()
		defer ms.mu.RUnlock()
		if !ms.sealed {
			return nil, fmt.Errorf("%w: masks for %s are not complete", job.ErrNotFound, videoID)
		}
		return ms.frames, nil
	}

	if s.backend == nil {
		return nil, fmt.Errorf("%w: no masks for %s", job.ErrNotFound, videoID)
	}
	frames, err := s.backend.LoadMasks(ctx, videoID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.sets[videoID]; ok {
		// A new analysis began while we were loading.
		cur.mu.RLock()
		defer cur.mu.RUnlock()
		if !cur.sealed {
			return nil, fmt.Errorf("%w: masks for %s are not complete", job.ErrNotFound, videoID)
		}
		return cur.frames, nil
	}
	s.sets[videoID] = &set{frames: frames, sealed: true}
	return frames, nil
}

// Masks returns the sealed set as a frame-indexed map covering every frame.
func (s *Store) Masks(ctx context.Context, videoID string) (types.Masks, error) {
	frames, err := s.Frames(ctx, videoID)
	if err != nil {
		return nil, err
	}
	return ToMasks(frames), nil
}

// ToMasks converts a dense frame slice into a Masks map with an entry per frame.
func ToMasks(frames [][]types.Region) types.Masks {
	out := make(types.Masks, len(frames))
	for i, regions := range frames {
		if regions == nil {
			regions = []types.Region{}
		}
		out[i] = regions
	}
	return out
}

func (s *Store) lookup(videoID string) (*set, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ms, ok := s.sets[videoID]
	if !ok {
		return nil, fmt.Errorf("%w: no mask set for %s", job.ErrNotFound, videoID)
	}
	return ms, nil
}
