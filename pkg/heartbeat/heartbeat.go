// Package heartbeat provides a restartable single-shot delay used for
// connection keep-alive.
package heartbeat

import (
	"sync"
	"time"
)

// Timer runs fn once per interval of silence. Restart pushes the deadline
// out by a full interval. A callback scheduled before the latest Restart or
// Stop never runs.
type Timer struct {
	interval time.Duration
	fn       func()

	mu      sync.Mutex
	t       *time.Timer
	gen     uint64
	stopped bool
}

func New(interval time.Duration, fn func()) *Timer {
	return &Timer{interval: interval, fn: fn}
}

func (h *Timer) Interval() time.Duration { return h.interval }

// Start arms the timer. Calling Start on an armed timer behaves like Restart.
func (h *Timer) Start() { h.Restart() }

// Restart cancels any pending fire and schedules a new one.
func (h *Timer) Restart() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped || h.interval <= 0 {
		return
	}
	if h.t != nil {
		h.t.Stop()
	}
	h.gen++
	gen := h.gen
	h.t = time.AfterFunc(h.interval, func() { h.fire(gen) })
}

// Stop cancels the timer permanently. Safe to call more than once.
func (h *Timer) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
	h.gen++
	if h.t != nil {
		h.t.Stop()
		h.t = nil
	}
}

// Active reports whether a fire is pending.
func (h *Timer) Active() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.stopped && h.t != nil
}

func (h *Timer) fire(gen uint64) {
	h.mu.Lock()
	if h.stopped || gen != h.gen {
		h.mu.Unlock()
		return
	}
	h.t = nil
	h.mu.Unlock()
	h.fn()
}
