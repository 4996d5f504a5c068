package vraft

// onHeartbeat fires per peer while Leader.
func (r *Raft) onHeartbeat(peer RaftAddr) {
	r.sched.AssertInLoop()
	if r.state != Leader {
		return
	}
	r.SendAppendEntries(peer)
}

// SendAppendEntries sends the next batch starting at the peer's next_index,
// or a snapshot chunk when that part of the log was compacted away.
func (r *Raft) SendAppendEntries(peer RaftAddr) {
	r.sched.AssertInLoop()
	it := r.index.Get(peer)
	if r.state != Leader || it == nil {
		return
	}
	if it.NextIndex > r.log.Append() {
		it.NextIndex = r.log.Append()
	}
	prev := it.NextIndex - 1
	if r.snaps.Reader(peer) != nil || !r.log.HasTerm(prev) {
		r.SendInstallSnapshot(peer)
		return
	}
	var entries []LogEntry
	if it.NextIndex <= r.log.LastIndex() {
		entries = r.log.Entries(it.NextIndex, r.cfg.MaxBatchEntries, r.cfg.MaxBatchBytes)
	}
	r.sendMsg(&AppendEntries{
		Src:          r.me,
		Dest:         peer,
		Term:         r.term(),
		PrevLogIndex: prev,
		PrevLogTerm:  r.log.Term(prev),
		CommitIndex:  min(r.commitIndex, prev+uint64(len(entries))),
		Entries:      entries,
	})
}

// broadcast pushes new entries to every peer and restarts their heartbeats.
func (r *Raft) broadcast() {
	for _, p := range r.peers.Addrs() {
		r.SendAppendEntries(p)
		r.timers.ResetHeartbeat(p)
	}
}

// OnAppendEntries is the follower side of replication.
func (r *Raft) OnAppendEntries(m *AppendEntries) {
	r.sched.AssertInLoop()
	reply := &AppendEntriesReply{
		Src:           r.me,
		Dest:          m.Src,
		ReqTerm:       m.Term,
		ReqPrevIndex:  m.PrevLogIndex,
		ReqNumEntries: uint32(len(m.Entries)),
	}
	defer func() {
		reply.Term = r.term()
		reply.LastLogIndex = r.log.LastIndex()
		r.sendMsg(reply)
	}()

	if m.Term < r.term() {
		r.trace.Event("stale term %d", m.Term)
		return
	}
	if m.Term > r.term() || r.state != Follower {
		r.stepDown(m.Term)
	}
	r.leader = m.Src
	r.lastHeartbeat = r.sched.Now()
	r.timers.ResetElection()

	prev, entries := m.PrevLogIndex, m.Entries
	if base, _, _ := r.log.Base(); prev < base {
		// Everything up to base is committed and already covered here.
		skip := base - prev
		if skip >= uint64(len(entries)) {
			reply.Success = true
			return
		}
		prev, entries = base, entries[skip:]
	} else if prev > r.log.LastIndex() {
		r.trace.Event("gap: prev %d beyond last %d", prev, r.log.LastIndex())
		return
	} else if r.log.Term(prev) != m.PrevLogTerm {
		r.trace.Event("term mismatch at %d: %d != %d", prev, r.log.Term(prev), m.PrevLogTerm)
		return
	}

	for i := range entries {
		idx := prev + 1 + uint64(i)
		entries[i].Index = idx
		if idx <= r.log.LastIndex() {
			if r.log.Term(idx) == entries[i].Term {
				continue
			}
			if idx <= r.commitIndex {
				r.fatal("leader %s conflicts with committed entry %d", m.Src, idx)
			}
			r.trace.Event("truncate from %d", idx)
			if err := r.log.DeleteFrom(idx); err != nil {
				r.fatal("truncate log from %d: %v", idx, err)
			}
		}
		if err := r.log.AppendRun(entries[i:]); err != nil {
			r.fatal("append entries from %d: %v", idx, err)
		}
		break
	}
	reply.Success = true

	newLast := prev + uint64(len(entries))
	if c := min(m.CommitIndex, newLast); c > r.commitIndex {
		r.commitIndex = c
		r.applyCommitted()
	}
}

// OnAppendEntriesReply moves the peer's next/match index.
func (r *Raft) OnAppendEntriesReply(m *AppendEntriesReply) {
	r.sched.AssertInLoop()
	if m.Term > r.term() {
		r.stepDown(m.Term)
		return
	}
	if r.state != Leader || m.Term != r.term() || m.ReqTerm != r.term() {
		return
	}
	it := r.index.Get(m.Src)
	if it == nil {
		return
	}

	if m.Success {
		if match := m.ReqPrevIndex + uint64(m.ReqNumEntries); match > it.MatchIndex {
			it.MatchIndex = match
		}
		it.NextIndex = it.MatchIndex + 1
		r.maybeCommit()
		r.maybeFinishTransfer(m.Src)
	} else if it.NextIndex > it.MatchIndex+1 {
		next := it.NextIndex - 1
		if m.LastLogIndex+1 < next {
			next = m.LastLogIndex + 1
		}
		if next < it.MatchIndex+1 {
			next = it.MatchIndex + 1
		}
		it.NextIndex = max(next, 1)
		r.trace.Event("%s next_index -> %d", m.Src, it.NextIndex)
	}

	if r.state == Leader && it.NextIndex <= r.log.LastIndex() {
		r.SendAppendEntries(m.Src)
		r.timers.ResetHeartbeat(m.Src)
	}
}

// maybeCommit advances commit_index to the majority match, but only onto an
// entry of the current term.
func (r *Raft) maybeCommit() {
	if r.state != Leader {
		return
	}
	n := r.index.MajorityMatch(r.log.LastIndex())
	if n <= r.commitIndex {
		return
	}
	if r.log.Term(n) != r.term() {
		r.trace.Event("majority %d is from term %d, not committing", n, r.log.Term(n))
		return
	}
	r.commitIndex = n
	r.trace.Event("commit %d", n)
	r.applyCommitted()
}
