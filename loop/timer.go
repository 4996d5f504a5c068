package loop

import (
	"sync"
	"time"
)

// Timer posts its callback onto the loop after a delay, and then every
// repeat interval if repeat is non-zero. Fires that were already in flight
// when the timer was stopped or reset are dropped.
type Timer struct {
	l  *Loop
	fn func()

	mu     sync.Mutex
	delay  time.Duration
	repeat time.Duration
	t      *time.Timer
	gen    uint64
	closed bool
}

// NewTimer returns a stopped timer.
func (l *Loop) NewTimer(delay, repeat time.Duration, fn func()) *Timer {
	return &Timer{l: l, fn: fn, delay: delay, repeat: repeat}
}

// Start arms the timer with its configured delay unless it is already armed.
func (t *Timer) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.t != nil {
		return
	}
	t.arm(t.delay)
}

// Stop disarms the timer.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disarm()
}

// Reset disarms the timer and arms it again with new intervals.
func (t *Timer) Reset(delay, repeat time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.disarm()
	t.delay, t.repeat = delay, repeat
	t.arm(delay)
}

// Close disarms the timer for good.
func (t *Timer) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disarm()
	t.closed = true
}

// Armed reports whether a fire is pending.
func (t *Timer) Armed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.t != nil
}

func (t *Timer) arm(d time.Duration) {
	t.gen++
	gen := t.gen
	t.t = time.AfterFunc(d, func() {
		t.l.Post(func() { t.fire(gen) })
	})
}

func (t *Timer) disarm() {
	t.gen++
	if t.t != nil {
		t.t.Stop()
		t.t = nil
	}
}

func (t *Timer) fire(gen uint64) {
	t.mu.Lock()
	if t.closed || gen != t.gen {
		t.mu.Unlock()
		return
	}
	if t.repeat > 0 {
		t.arm(t.repeat)
	} else {
		t.t = nil
	}
	t.mu.Unlock()
	t.fn()
}
