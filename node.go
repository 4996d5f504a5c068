package vraft

import (
	"time"

	"github.com/ueisele/vraft/loop"
)

// Node runs a Raft replica on its own event loop and exposes it to other
// goroutines. Every method marshals onto the loop and waits.
type Node struct {
	loop   *loop.Loop
	raft   *Raft
	logger Logger
}

type loopScheduler struct{ l *loop.Loop }

func (s loopScheduler) NewTimer(delay, repeat time.Duration, fn func()) Timer {
	return s.l.NewTimer(delay, repeat, fn)
}

func (s loopScheduler) AssertInLoop() { s.l.AssertInLoop() }

func (s loopScheduler) Now() time.Time { return s.l.Now() }

// NewNode opens the replica's stores. Nothing runs until Start.
func NewNode(cfg *Config, send SendFunc, factory StateMachineFactory) (*Node, error) {
	l := loop.New(cfg.Me.String())
	r, err := NewRaft(cfg, loopScheduler{l}, send, factory)
	if err != nil {
		return nil, err
	}
	return &Node{loop: l, raft: r, logger: r.logger}, nil
}

// Start launches the loop and the replica.
func (n *Node) Start() error {
	n.loop.Start()
	var err error
	if cerr := n.loop.Call(func() { err = n.raft.Start() }); cerr != nil {
		return cerr
	}
	return err
}

// Stop closes the replica and its stores, then the loop. A stopped Node
// cannot be restarted; open a new one over the same Path.
func (n *Node) Stop() error {
	var err error
	if cerr := n.loop.Call(func() { err = n.raft.Close() }); cerr != nil {
		return cerr
	}
	n.loop.Stop()
	return err
}

// Receive queues an encoded message from the transport. It never blocks.
func (n *Node) Receive(data []byte) {
	if !n.loop.Post(func() { n.raft.Receive(data) }) {
		n.logger.Debug("drop %d bytes: loop stopped", len(data))
	}
}

func (n *Node) call(fn func() error) error {
	var err error
	if cerr := n.loop.Call(func() { err = fn() }); cerr != nil {
		return cerr
	}
	return err
}

// Propose appends value to the leader's log.
func (n *Node) Propose(value []byte) error {
	return n.call(func() error { return n.raft.Propose(value) })
}

// AddServer starts adding addr to the cluster.
func (n *Node) AddServer(addr RaftAddr) error {
	return n.call(func() error { return n.raft.AddServer(addr) })
}

// RemoveServer starts removing addr from the cluster.
func (n *Node) RemoveServer(addr RaftAddr) error {
	return n.call(func() error { return n.raft.RemoveServer(addr) })
}

// LeaderTransfer hands leadership to dest.
func (n *Node) LeaderTransfer(dest RaftAddr) error {
	return n.call(func() error { return n.raft.LeaderTransfer(dest) })
}

// ForceLeaderTransfer tells dest to start an election right away.
func (n *Node) ForceLeaderTransfer(dest RaftAddr) error {
	return n.call(func() error { return n.raft.ForceLeaderTransfer(dest) })
}

// Ping probes dest.
func (n *Node) Ping(dest RaftAddr, msg []byte) error {
	return n.call(func() error {
		n.raft.Ping(dest, msg)
		return nil
	})
}

// Status returns a snapshot of the replica's state.
func (n *Node) Status() (Status, error) {
	var s Status
	err := n.call(func() error {
		s = n.raft.Status()
		return nil
	})
	return s, err
}

// StatusJSON renders Status as JSON.
func (n *Node) StatusJSON() ([]byte, error) {
	var data []byte
	err := n.call(func() error {
		var err error
		data, err = n.raft.StatusJSON()
		return err
	})
	return data, err
}

// Do runs fn on the loop with direct access to the replica.
func (n *Node) Do(fn func(r *Raft)) error {
	return n.call(func() error {
		fn(n.raft)
		return nil
	})
}

// Addr returns the replica's address.
func (n *Node) Addr() RaftAddr { return n.raft.me }
