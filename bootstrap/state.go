package bootstrap

import (
	"sync"
	"sync/atomic"
)

// Phase captures where the orchestrator is in its bootstrap sequence. The
// four working phases are ordered and none is skippable.
type Phase uint32

const (
	// Idle is the state before Bootstrap is called.
	Idle Phase = iota

	// Hydrating reads the projection cache for an immediate answer.
	Hydrating

	// Resolving asks the registry for the current topic mapping.
	Resolving

	// Reconciling compares the mapping against the stored snapshot and
	// clears topic-scoped state on rotation.
	Reconciling

	// Ready means the caller has its result; a detached refresh may still
	// be running.
	Ready

	// Stopped means Shutdown was called.
	Stopped
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "Idle"
	case Hydrating:
		return "Hydrating"
	case Resolving:
		return "Resolving"
	case Reconciling:
		return "Reconciling"
	case Ready:
		return "Ready"
	case Stopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

type state struct {
	phase      uint32
	refreshing int32
	wg         sync.WaitGroup
}

func (s *state) getPhase() Phase {
	return Phase(atomic.LoadUint32(&s.phase))
}

func (s *state) setPhase(p Phase) {
	atomic.StoreUint32(&s.phase, uint32(p))
}

func (s *state) setRefreshing(on bool) {
	if on {
		atomic.StoreInt32(&s.refreshing, 1)
	} else {
		atomic.StoreInt32(&s.refreshing, 0)
	}
}

func (s *state) isRefreshing() bool {
	return atomic.LoadInt32(&s.refreshing) == 1
}

// goFunc starts a goroutine and tracks it in the waitgroup so Shutdown can
// wait for detached work.
func (s *state) goFunc(f func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		f()
	}()
}

func (s *state) waitRoutines() {
	s.wg.Wait()
}
