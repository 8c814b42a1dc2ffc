// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package rtps

import (
	"sync"
	"time"
)

// A timedEvent runs a function after a delay, either once per trigger or
// repeatedly at a fixed period. Stopping the event prevents any further runs;
// a run already in progress completes.
type timedEvent struct {
	fn func()

	μ       sync.Mutex
	period  time.Duration // 0 for one-shot events
	t       *time.Timer
	pending bool
	stopped bool
	gen     uint64 // incremented by Cancel and Stop
}

func newTimedEvent(period time.Duration, fn func()) *timedEvent {
	return &timedEvent{period: period, fn: fn}
}

// Start arms a periodic event if it is not already armed.
func (e *timedEvent) Start() { e.Trigger(e.period) }

// Trigger arms the event to fire after d, unless it is already armed or
// stopped.
func (e *timedEvent) Trigger(d time.Duration) {
	e.μ.Lock()
	defer e.μ.Unlock()
	e.armLocked(d)
}

func (e *timedEvent) armLocked(d time.Duration) {
	if e.stopped || e.pending {
		return
	}
	e.pending = true
	if e.t == nil {
		e.t = time.AfterFunc(d, e.fire)
	} else {
		e.t.Reset(d)
	}
}

// Cancel disarms a pending event without stopping it.
func (e *timedEvent) Cancel() {
	e.μ.Lock()
	defer e.μ.Unlock()
	if e.pending && e.t != nil {
		e.t.Stop()
	}
	e.pending = false
	e.gen++
}

// Stop disarms the event permanently.
func (e *timedEvent) Stop() {
	e.μ.Lock()
	defer e.μ.Unlock()
	e.stopped = true
	e.pending = false
	e.gen++
	if e.t != nil {
		e.t.Stop()
	}
}

func (e *timedEvent) fire() {
	e.μ.Lock()
	if e.stopped || !e.pending {
		e.μ.Unlock()
		return
	}
	e.pending = false
	gen := e.gen
	e.μ.Unlock()

	e.fn()

	if e.period > 0 {
		// A periodic event cancelled while fn ran stays disarmed.
		e.μ.Lock()
		defer e.μ.Unlock()
		if e.gen == gen {
			e.armLocked(e.period)
		}
	}
}
