// SPDX-License-Identifier: GPL-3.0-or-later

// Package idletracker implements the engine's idle-tracker state
// machine: a lock-free detector that emits exactly one "channel
// entered idle" event once a channel's call count has been zero for a
// continuous idle timeout.
//
// It generalizes the call/idle bookkeeping of
// [mark-kubacki/go.netutil]'s IdleTracker (mutex-guarded, driven by
// [net/http.ConnState]) into a lock-free state machine driven by
// explicit IncreaseCallCount/DecreaseCallCount events, with its timer
// armed through a [taskqueue.Service] instead of a private
// [time.Timer], so every deadline in the engine is dispatched by the
// same timer-manager goroutine.
package idletracker

import (
	"runtime"
	"sync/atomic"
	"time"

	"github.com/bassosimone/ioengine/taskqueue"
)

// State is one value of the idle-tracker's state machine.
type State int32

const (
	Idle State = iota
	CallsActive
	TimerPending
	TimerPendingCallsActive
	TimerPendingCallsSeenSinceTimerStart

	// processing is a transient sentinel used to serialize the rare
	// work of reading last_idle_time and re-arming or firing the
	// timer. It is never observed outside this package.
	processing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case CallsActive:
		return "CallsActive"
	case TimerPending:
		return "TimerPending"
	case TimerPendingCallsActive:
		return "TimerPendingCallsActive"
	case TimerPendingCallsSeenSinceTimerStart:
		return "TimerPendingCallsSeenSinceTimerStart"
	case processing:
		return "processing"
	default:
		return "unknown"
	}
}

// Tracker is one channel's idle-tracker instance. The fast paths
// (IncreaseCallCount, DecreaseCallCount) never take a lock; they spin
// only against the transient processing sentinel, which is held only
// for the duration of a timer re-arm or a single EnterIdle dispatch.
type Tracker struct {
	state atomic.Int32
	calls atomic.Int64

	// lastIdleTime is guarded by the happens-before edge between the
	// release store that sets state to TimerPending (or CAS into
	// TimerPendingCallsSeenSinceTimerStart) in DecreaseCallCount, and the
	// acquire CAS into processing performed by the timer callback.
	lastIdleTime time.Time

	timerHandle taskqueue.Handle
	svc         *taskqueue.Service
	idleTimeout time.Duration
	onEnterIdle func()
	logger      taskqueue.Logger
}

// New creates a [*Tracker] in the Idle state. svc provides the timer;
// idleTimeout is the continuous zero-call span required before
// onEnterIdle fires. onEnterIdle must not block.
func New(svc *taskqueue.Service, idleTimeout time.Duration, onEnterIdle func(), logger taskqueue.Logger) *Tracker {
	if logger == nil {
		logger = discardLogger{}
	}
	return &Tracker{
		svc:         svc,
		idleTimeout: idleTimeout,
		onEnterIdle: onEnterIdle,
		logger:      logger,
	}
}

type discardLogger struct{}

func (discardLogger) Debug(msg string, args ...any) {}
func (discardLogger) Info(msg string, args ...any)  {}

// spinUntilNotProcessing busy-spins briefly on the processing
// sentinel, yielding the scheduler after a bounded number of
// iterations rather than blocking indefinitely: processing is held
// only for the short critical section of a timer re-arm or a single
// EnterIdle call, so a short spin is overwhelmingly likely to observe
// the transition out of it.
func spinUntilNotProcessing(load func() State) {
	const spinLimit = 100
	for i := 0; ; i++ {
		if load() != processing {
			return
		}
		if i < spinLimit {
			continue
		}
		runtime.Gosched()
	}
}

// IncreaseCallCount records the arrival of one active call.
func (t *Tracker) IncreaseCallCount() {
	prior := t.calls.Add(1) - 1
	if prior != 0 {
		return
	}
	for {
		cur := State(t.state.Load())
		switch cur {
		case Idle:
			if t.state.CompareAndSwap(int32(Idle), int32(CallsActive)) {
				return
			}
		case TimerPending, TimerPendingCallsSeenSinceTimerStart:
			if t.state.CompareAndSwap(int32(cur), int32(TimerPendingCallsActive)) {
				return
			}
		case processing:
			spinUntilNotProcessing(func() State { return State(t.state.Load()) })
		default:
			// CallsActive or TimerPendingCallsActive already reflect
			// an active call; nothing to transition.
			return
		}
	}
}

// DecreaseCallCount records the departure of one active call.
func (t *Tracker) DecreaseCallCount() {
	prior := t.calls.Add(-1) + 1
	if prior != 1 {
		return
	}
	t.lastIdleTime = time.Now()
	for {
		cur := State(t.state.Load())
		switch cur {
		case CallsActive:
			t.armTimer(t.idleTimeout)
			t.state.Store(int32(TimerPending))
			return
		case TimerPendingCallsActive:
			if t.state.CompareAndSwap(int32(TimerPendingCallsActive), int32(TimerPendingCallsSeenSinceTimerStart)) {
				return
			}
		case processing:
			spinUntilNotProcessing(func() State { return State(t.state.Load()) })
		default:
			return
		}
	}
}

// armTimer schedules this tracker's timer_fires event through the
// shared taskqueue.Service, replacing any previously-armed handle.
func (t *Tracker) armTimer(d time.Duration) {
	t.timerHandle = t.svc.RunAt(time.Now().Add(d), func() {
		t.timerFires()
	})
}

// timerFires is the deferred callback driving the remaining three
// state transitions.
func (t *Tracker) timerFires() {
	for {
		cur := State(t.state.Load())
		switch cur {
		case TimerPending:
			if t.state.CompareAndSwap(int32(TimerPending), int32(processing)) {
				t.logger.Info("idleTrackerEnterIdle")
				if t.onEnterIdle != nil {
					t.onEnterIdle()
				}
				t.state.Store(int32(Idle))
				return
			}
		case TimerPendingCallsActive:
			// The timer fired while calls were active; the timer is
			// deliberately dropped here, the next DecreaseCallCount
			// will re-arm it.
			if t.state.CompareAndSwap(int32(TimerPendingCallsActive), int32(CallsActive)) {
				return
			}
		case TimerPendingCallsSeenSinceTimerStart:
			if t.state.CompareAndSwap(int32(TimerPendingCallsSeenSinceTimerStart), int32(processing)) {
				t.armTimer(t.lastIdleTime.Add(t.idleTimeout).Sub(time.Now()))
				t.state.Store(int32(TimerPending))
				return
			}
		default:
			// Idle, CallsActive, or processing held by a concurrent
			// caller: this firing is stale (superseded by a
			// subsequent disconnect or a prior firing), drop it.
			return
		}
	}
}

// Disconnect permanently parks the tracker in an active-equivalent
// state and cancels any armed timer, so no further EnterIdle can ever
// be emitted. It is idempotent.
func (t *Tracker) Disconnect() {
	t.calls.Add(1)
	for {
		cur := State(t.state.Load())
		switch cur {
		case Idle:
			if t.state.CompareAndSwap(int32(Idle), int32(CallsActive)) {
				return
			}
		case TimerPending, TimerPendingCallsSeenSinceTimerStart:
			if t.state.CompareAndSwap(int32(cur), int32(TimerPendingCallsActive)) {
				t.svc.Cancel(t.timerHandle)
				return
			}
		case TimerPendingCallsActive:
			t.svc.Cancel(t.timerHandle)
			return
		case processing:
			spinUntilNotProcessing(func() State { return State(t.state.Load()) })
		default:
			return
		}
	}
}

// CurrentState reports the tracker's current state, for diagnostics
// and tests; it is not part of the operational contract.
func (t *Tracker) CurrentState() State {
	return State(t.state.Load())
}

// CallCount reports the tracker's current call counter.
func (t *Tracker) CallCount() int64 {
	return t.calls.Load()
}
