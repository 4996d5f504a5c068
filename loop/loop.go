// Package loop runs tasks one at a time on a dedicated goroutine. A Raft
// replica lives entirely on one Loop, so its state needs no locks.
package loop

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ErrStopped is returned by Call once the loop no longer runs tasks.
var ErrStopped = errors.New("loop: stopped")

// Loop is a single-goroutine task queue.
type Loop struct {
	name string

	mu      sync.Mutex
	tasks   []func()
	stopped bool

	wake chan struct{}
	done chan struct{}

	started atomic.Bool
	inLoop  atomic.Bool
}

// New returns a loop that does not run until Start.
func New(name string) *Loop {
	return &Loop{
		name: name,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Start launches the loop goroutine. Calling it twice is a no-op.
func (l *Loop) Start() {
	if l.started.Swap(true) {
		return
	}
	go l.run()
}

// Stop waits for the running task to finish. Queued tasks and tasks posted
// afterwards are dropped.
func (l *Loop) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	l.mu.Unlock()
	l.signal()
	if l.started.Load() {
		<-l.done
	}
}

// Post queues fn. It reports false if the loop is stopped.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()
	l.signal()
	return true
}

// Call runs fn on the loop and waits for it. Calling it from a task of the
// same loop deadlocks; tasks run nested work directly.
func (l *Loop) Call(fn func()) error {
	ch := make(chan struct{})
	if !l.Post(func() {
		defer close(ch)
		fn()
	}) {
		return ErrStopped
	}
	select {
	case <-ch:
		return nil
	case <-l.done:
		// Stopped before our task ran.
		select {
		case <-ch:
			return nil
		default:
			return ErrStopped
		}
	}
}

// AssertInLoop panics unless a task of this loop is running. It is a
// best-effort check: it cannot tell which goroutine asked.
func (l *Loop) AssertInLoop() {
	if !l.inLoop.Load() {
		panic(fmt.Sprintf("loop %s: called outside the loop", l.name))
	}
}

// Now returns the wall clock.
func (l *Loop) Now() time.Time { return time.Now() }

func (l *Loop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		tasks, stopped := l.tasks, l.stopped
		l.tasks = nil
		l.mu.Unlock()
		if stopped {
			return
		}
		for _, fn := range tasks {
			if l.isStopped() {
				return
			}
			l.exec(fn)
		}
		if len(tasks) == 0 {
			<-l.wake
		}
	}
}

func (l *Loop) isStopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}

func (l *Loop) exec(fn func()) {
	l.inLoop.Store(true)
	defer l.inLoop.Store(false)
	fn()
}
