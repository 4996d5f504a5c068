package vraft

import "fmt"

// LeaderTransfer hands leadership to dest. If dest is behind, entries are
// pushed first and TimeoutNow follows once it has caught up.
func (r *Raft) LeaderTransfer(dest RaftAddr) error {
	r.sched.AssertInLoop()
	it, err := r.transferTo(dest)
	if err != nil || it == nil {
		return err
	}
	if it.MatchIndex == r.log.LastIndex() {
		r.sendTimeoutNow(dest, false)
		return nil
	}
	r.logger.Info("leadership transfer to %s waits for catch-up: match %d, last %d", dest, it.MatchIndex, r.log.LastIndex())
	r.transferTarget = dest
	r.SendAppendEntries(dest)
	r.timers.ResetHeartbeat(dest)
	return nil
}

// ForceLeaderTransfer sends TimeoutNow to dest without waiting for it to
// catch up. dest starts an election even if its log is behind, so it can
// only win if a majority holds no newer entries.
func (r *Raft) ForceLeaderTransfer(dest RaftAddr) error {
	r.sched.AssertInLoop()
	it, err := r.transferTo(dest)
	if err != nil || it == nil {
		return err
	}
	r.sendTimeoutNow(dest, true)
	return nil
}

// transferTo checks a transfer request. It returns nil progress and no
// error when dest is this replica.
func (r *Raft) transferTo(dest RaftAddr) (*IndexItem, error) {
	if !r.started {
		return nil, ErrNotStarted
	}
	if r.state != Leader {
		return nil, ErrNotLeader
	}
	if dest == r.me {
		return nil, nil
	}
	it := r.index.Get(dest)
	if it == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotMember, dest)
	}
	return it, nil
}

func (r *Raft) sendTimeoutNow(dest RaftAddr, force bool) {
	r.logger.Info("leadership transfer to %s at term %d", dest, r.term())
	r.transferTarget = 0
	r.sendMsg(&TimeoutNow{
		Src:          r.me,
		Dest:         dest,
		Term:         r.term(),
		LastLogTerm:  r.log.LastTerm(),
		LastLogIndex: r.log.LastIndex(),
		Force:        force,
	})
}

// maybeFinishTransfer sends TimeoutNow once a pending transfer target caught up.
func (r *Raft) maybeFinishTransfer(peer RaftAddr) {
	if r.transferTarget != peer {
		return
	}
	if it := r.index.Get(peer); it != nil && it.MatchIndex == r.log.LastIndex() {
		r.sendTimeoutNow(peer, false)
	}
}
