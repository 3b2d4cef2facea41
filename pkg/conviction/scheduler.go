package conviction

import (
	"context"
	"sync"

	"github.com/RhizApp/rhizproto/pkg/logger"
)

// RecomputeFn performs one full recomputation for a target, reading the
// current attestation set from storage.
type RecomputeFn func(ctx context.Context, targetRID string) error

// Scheduler coalesces recompute triggers per target: while a recomputation is
// in flight for a target, any number of further triggers collapse into a
// single pending rerun after the current one completes. This keeps bursty
// attestation arrival from piling up redundant work.
type Scheduler struct {
	recompute RecomputeFn

	mu       sync.Mutex
	inflight map[string]bool
	pending  map[string]bool
	wg       sync.WaitGroup
}

// NewScheduler creates a Scheduler around the given recompute function.
func NewScheduler(recompute RecomputeFn) *Scheduler {
	return &Scheduler{
		recompute: recompute,
		inflight:  make(map[string]bool),
		pending:   make(map[string]bool),
	}
}

// Trigger requests a recomputation for targetRID. If one is already running,
// at most one rerun is queued behind it.
func (s *Scheduler) Trigger(ctx context.Context, targetRID string) {
	s.mu.Lock()
	if s.inflight[targetRID] {
		s.pending[targetRID] = true
		s.mu.Unlock()
		return
	}
	s.inflight[targetRID] = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(ctx, targetRID)
}

func (s *Scheduler) run(ctx context.Context, targetRID string) {
	defer s.wg.Done()

	for {
		if err := s.recompute(ctx, targetRID); err != nil {
			logger.Error("[Conviction] Recompute failed", "target", targetRID, "err", err)
		}

		s.mu.Lock()
		if !s.pending[targetRID] || ctx.Err() != nil {
			delete(s.inflight, targetRID)
			delete(s.pending, targetRID)
			s.mu.Unlock()
			return
		}
		delete(s.pending, targetRID)
		s.mu.Unlock()
	}
}

// Wait blocks until all in-flight recomputations have drained. Used during
// shutdown and in tests.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
