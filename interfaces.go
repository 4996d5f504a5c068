package vraft

import (
	"time"
)

// StateMachine is implemented by the application using Raft
// This is the main integration point between Raft and the application
type StateMachine interface {
	// Restore loads the state machine from its directory. Called once after
	// the handle is created.
	Restore() error

	// Apply is called once per committed Data entry, in index order.
	// src is the replica that handed the entry to the log.
	Apply(entry *LogEntry, src RaftAddr) error

	// LastIndex and LastTerm identify the newest entry applied. They must
	// survive restarts.
	LastIndex() uint64
	LastTerm() uint64

	// Checkpoint writes a consistent image of the state machine into dir,
	// which does not exist yet. The image is what snapshot transfer ships.
	Checkpoint(dir string) error

	// Close releases the handle. Data stays on disk.
	Close() error
}

// StateMachineFactory opens the state machine kept in dir. Raft calls it on
// Start and again after a received snapshot replaced the directory.
type StateMachineFactory func(dir string) (StateMachine, error)

// SendFunc hands an encoded message to the transport. Delivery is best
// effort; Raft retries on its own timers.
type SendFunc func(dest RaftAddr, data []byte) error

// Timer is a one-shot or repeating timer whose callback runs on the loop.
type Timer interface {
	Start()
	Stop()
	// Reset stops the timer and rearms it with a new delay and repeat
	// interval. repeat 0 makes it one-shot.
	Reset(delay, repeat time.Duration)
	Close()
}

// Scheduler is the single-threaded event loop Raft runs on.
type Scheduler interface {
	// NewTimer returns a stopped timer.
	NewTimer(delay, repeat time.Duration, fn func()) Timer

	// AssertInLoop panics when called off the loop goroutine.
	AssertInLoop()

	// Now returns the loop's clock.
	Now() time.Time
}
