// SPDX-License-Identifier: GPL-3.0-or-later

package taskqueue

import (
	"container/heap"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bassosimone/runtimex"
)

// Logger is the subset of structured-logging behavior this package
// needs. It has the same shape as the root package's SLogger (and is
// satisfied by *slog.Logger) so callers can pass the same logger to
// every component without an import cycle back to the root package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
}

// discardLogger is a no-op [Logger], the default when none is supplied.
type discardLogger struct{}

func (discardLogger) Debug(msg string, args ...any) {}
func (discardLogger) Info(msg string, args ...any)  {}

type slotState int32

const (
	slotFree slotState = iota
	slotPending
	slotDispatched
	slotCancelled
)

type slot struct {
	generation uint32
	state      slotState
	closure    func()
	deadline   time.Time
}

// Service is the spec's Task & Timer service (§4.2): RunNow enqueues
// a closure for earliest-possible execution; RunAt schedules a
// closure for a wall-clock deadline and returns a cancellable
// [Handle]; Cancel's returned bool is a crisp, synchronous contract
// about whether the callback will run (§4.2 Semantics).
//
// All exported methods are safe for concurrent use.
type Service struct {
	mu       sync.Mutex
	cond     *sync.Cond
	slots    []*slot
	freeList []uint32
	h        timerHeap
	wake     chan struct{}
	closed   bool

	ready   chan func()
	workers sync.WaitGroup

	outstanding atomic.Int64

	timeNow func() time.Time
	logger  Logger
}

// NewService starts a [*Service] with the given number of worker
// goroutines (0 or negative means [runtime.GOMAXPROCS](0), the
// teacher's convention for sizing internal concurrency), a TimeNow
// function for deadline comparisons (nil means [time.Now]), and a
// [Logger] (nil means a no-op discard logger, per the teacher's
// [DefaultSLogger] convention).
func NewService(workers int, timeNow func() time.Time, logger Logger) *Service {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if timeNow == nil {
		timeNow = time.Now
	}
	if logger == nil {
		logger = discardLogger{}
	}
	s := &Service{
		ready:   make(chan func(), 64),
		wake:    make(chan struct{}, 1),
		timeNow: timeNow,
		logger:  logger,
	}
	s.cond = sync.NewCond(&s.mu)
	for i := 0; i < workers; i++ {
		s.workers.Add(1)
		go s.workerLoop()
	}
	go s.timerLoop()
	return s
}

// RunNow enqueues closure for earliest-possible execution. Once
// accepted it is uncancelable and runs exactly once. Closures
// scheduled from the same calling goroutine run in the order they
// were submitted; closures from different goroutines have no
// ordering guarantee relative to each other (§4.2 Semantics).
func (s *Service) RunNow(closure func()) {
	s.outstanding.Add(1)
	s.logger.Info("taskScheduled", slog.String("kind", "now"))
	s.ready <- func() {
		defer s.outstanding.Add(-1)
		s.runClosure("now", closure)
	}
}

// RunAt schedules closure to run when wall-clock time reaches
// deadline and returns a [Handle] for cancellation. A deadline in the
// past is dispatched immediately but still via the ready queue, never
// inline (§4.2 Semantics).
func (s *Service) RunAt(deadline time.Time, closure func()) Handle {
	s.mu.Lock()
	idx, gen := s.allocSlotLocked(closure, deadline)
	heap.Push(&s.h, timerItem{deadline: deadline, slot: idx, generation: gen})
	s.cond.Signal()
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}

	s.outstanding.Add(1)
	s.logger.Info("timerArmed", slog.Time("deadline", deadline))
	return Handle{slot: idx, generation: gen}
}

// Cancel attempts to abort a scheduled [Handle]. It returns true if
// the closure had not yet been dispatched and is now guaranteed never
// to run; it returns false if the closure has already been, or is
// concurrently being, dispatched (§4.2 Semantics).
func (s *Service) Cancel(h Handle) bool {
	s.mu.Lock()
	if int(h.slot) >= len(s.slots) {
		s.mu.Unlock()
		return false
	}
	sl := s.slots[h.slot]
	if sl == nil || sl.generation != h.generation || sl.state != slotPending {
		s.mu.Unlock()
		return false
	}
	sl.state = slotCancelled
	s.freeSlotLocked(h.slot)
	s.mu.Unlock()

	s.outstanding.Add(-1)
	s.logger.Info("timerCancelled")
	return true
}

// Close waits for every worker goroutine to exit. Its precondition is
// that no task or timer is outstanding (no RunNow closure in flight,
// no un-cancelled, un-fired RunAt handle): violating it aborts the
// process via [runtimex.Assert], matching the destruction precondition
// of §4.7 for the services a façade aggregates.
func (s *Service) Close() {
	runtimex.Assert(s.outstanding.Load() == 0)
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
	close(s.ready)
	s.workers.Wait()
}

func (s *Service) workerLoop() {
	defer s.workers.Done()
	for closure := range s.ready {
		closure()
	}
}

func (s *Service) runClosure(kind string, closure func()) {
	s.logger.Debug("taskRunStart", slog.String("kind", kind))
	closure()
	s.logger.Debug("taskRunDone", slog.String("kind", kind))
}

// allocSlotLocked reserves a slot for closure/deadline, reusing a
// freed slot when available, and bumps its generation so a Cancel
// against a stale Handle from a previous occupant never matches
// (§5 ABA protection). Must be called with s.mu held.
func (s *Service) allocSlotLocked(closure func(), deadline time.Time) (uint32, uint32) {
	var idx uint32
	if n := len(s.freeList); n > 0 {
		idx = s.freeList[n-1]
		s.freeList = s.freeList[:n-1]
	} else {
		idx = uint32(len(s.slots))
		s.slots = append(s.slots, &slot{})
	}
	sl := s.slots[idx]
	sl.generation++
	sl.state = slotPending
	sl.closure = closure
	sl.deadline = deadline
	return idx, sl.generation
}

// freeSlotLocked returns idx to the free list. Must be called with s.mu held.
func (s *Service) freeSlotLocked(idx uint32) {
	s.slots[idx].closure = nil
	s.freeList = append(s.freeList, idx)
}

func (s *Service) timerLoop() {
	for {
		s.mu.Lock()
		for len(s.h) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.h) == 0 && s.closed {
			s.mu.Unlock()
			return
		}
		top := s.h[0]
		now := s.timeNow()
		if top.deadline.After(now) {
			wait := top.deadline.Sub(now)
			s.mu.Unlock()
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-s.wake:
				timer.Stop()
			}
			continue
		}

		heap.Pop(&s.h)
		sl := s.slots[top.slot]
		if sl.generation != top.generation || sl.state != slotPending {
			// Stale entry: cancelled, or already reused. Drop it.
			s.mu.Unlock()
			continue
		}
		sl.state = slotDispatched
		closure := sl.closure
		s.freeSlotLocked(top.slot)
		s.mu.Unlock()

		s.logger.Info("timerFired")
		s.ready <- func() {
			defer s.outstanding.Add(-1)
			s.runClosure("at", closure)
		}
	}
}
