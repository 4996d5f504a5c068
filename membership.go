package vraft

import "fmt"

// AddServer proposes a config that also contains addr. One change at a time.
func (r *Raft) AddServer(addr RaftAddr) error {
	r.sched.AssertInLoop()
	if err := r.checkConfigChange(); err != nil {
		return err
	}
	cur := r.configs.Current()
	if cur.Contains(addr) {
		return fmt.Errorf("%w: %s", ErrAlreadyMember, addr)
	}
	return r.proposeConfig(cur.With(addr))
}

// RemoveServer proposes a config without addr. The leader cannot remove itself.
func (r *Raft) RemoveServer(addr RaftAddr) error {
	r.sched.AssertInLoop()
	if err := r.checkConfigChange(); err != nil {
		return err
	}
	if addr == r.me {
		return ErrRemoveSelf
	}
	cur := r.configs.Current()
	if !cur.IsPeer(addr) {
		return fmt.Errorf("%w: %s", ErrNotMember, addr)
	}
	return r.proposeConfig(cur.Without(addr))
}

func (r *Raft) checkConfigChange() error {
	switch {
	case !r.started:
		return ErrNotStarted
	case r.state != Leader:
		return ErrNotLeader
	case r.changingIndex > 0:
		return fmt.Errorf("%w: entry %d", ErrChangeInFlight, r.changingIndex)
	}
	return nil
}

// proposeConfig appends a Config entry. The insert hook applies it right
// away so the new peer gets timers and progress before the entry commits.
func (r *Raft) proposeConfig(next *RaftConfig) error {
	data, err := next.MarshalBinary()
	if err != nil {
		return err
	}
	e, err := r.log.AppendOne(r.term(), EntryConfig, data)
	if err != nil {
		r.fatal("append config entry: %v", err)
	}
	r.logger.Info("proposed config %s at %d", next, e.Index)
	r.broadcast()
	r.maybeCommit()
	return nil
}
