package vraft

// onElectionTimeout starts a pre-vote or a real election. A standby replica
// only rearms the timer.
func (r *Raft) onElectionTimeout() {
	r.sched.AssertInLoop()
	if !r.started || r.state == Leader {
		return
	}
	if r.standby {
		r.timers.ResetElection()
		return
	}
	if r.cfg.EnablePreVote && r.peers.Len() > 0 && !r.transferActive() {
		r.DoPreVote()
		return
	}
	r.DoRequestVote()
}

// DoPreVote polls peers without touching the term. A majority of log_ok
// answers leads to a real election.
func (r *Raft) DoPreVote() {
	r.sched.AssertInLoop()
	r.logger.Debug("%s -> Candidate (pre-vote) at term %d", r.state, r.term())
	r.state = Candidate
	r.preVoting = true
	r.leader = 0
	r.votes.Reset(r.peers.Addrs())
	for _, p := range r.peers.Addrs() {
		r.peers.Get(p).PreVote = true
		r.sendRequestVote(p, true)
		r.timers.StartRetry(p)
	}
	r.timers.ResetElection()
}

// DoRequestVote increments the term, votes for itself and solicits votes.
func (r *Raft) DoRequestVote() {
	r.sched.AssertInLoop()
	term := r.term() + 1
	if err := r.solid.Set(term, r.me); err != nil {
		r.fatal("persist term %d vote: %v", term, err)
	}
	r.logger.Info("%s -> Candidate at term %d", r.state, term)
	r.state = Candidate
	r.preVoting = false
	r.leader = 0
	r.votes.Reset(r.peers.Addrs())
	if r.votes.Granted() >= r.configs.Current().Quorum() {
		r.becomeLeader()
		return
	}
	for _, p := range r.peers.Addrs() {
		r.peers.Get(p).PreVote = false
		r.sendRequestVote(p, false)
		r.timers.StartRetry(p)
	}
	r.timers.ResetElection()
}

func (r *Raft) sendRequestVote(peer RaftAddr, preVote bool) {
	term := r.term()
	if preVote {
		term++
	}
	r.sendMsg(&RequestVote{
		Src:            r.me,
		Dest:           peer,
		Term:           term,
		LastLogTerm:    r.log.LastTerm(),
		LastLogIndex:   r.log.LastIndex(),
		PreVote:        preVote,
		LeaderTransfer: !preVote && r.transferActive(),
	})
}

// onRetryVote resends the vote request to a peer that has not settled yet.
func (r *Raft) onRetryVote(peer RaftAddr) {
	r.sched.AssertInLoop()
	p := r.peers.Get(peer)
	if r.state != Candidate || p == nil || p.PreVote != r.preVoting || r.voteSettled(peer) {
		r.timers.StopRetry(peer)
		return
	}
	r.sendRequestVote(peer, r.preVoting)
}

// voteSettled reports whether asking peer again cannot change its answer
// in this round.
func (r *Raft) voteSettled(peer RaftAddr) bool {
	it := r.votes.Get(peer)
	if it == nil || !it.Responded {
		return false
	}
	if !it.LogOK {
		return true
	}
	if r.preVoting {
		return !r.cfg.IntervalCheck || it.IntervalOK
	}
	return it.Granted
}

// OnRequestVote implements the vote granting rule. The reply reports log_ok
// and interval_ok separately from the grant.
func (r *Raft) OnRequestVote(m *RequestVote) {
	r.sched.AssertInLoop()
	reply := &RequestVoteReply{
		Src:        r.me,
		Dest:       m.Src,
		ReqTerm:    m.Term,
		PreVote:    m.PreVote,
		LogOK:      r.logUpToDate(m.LastLogTerm, m.LastLogIndex),
		IntervalOK: r.intervalOK(),
	}
	defer r.sendMsg(reply)

	if m.Term < r.term() {
		reply.Term = r.term()
		r.trace.Event("stale term %d", m.Term)
		return
	}
	if !r.configs.Current().Contains(m.Src) && !r.standby {
		// A removed replica must not count this answer toward a pre-vote.
		reply.Term = r.term()
		reply.LogOK, reply.IntervalOK = false, false
		r.trace.Event("%s is not a member", m.Src)
		return
	}
	intervalGate := r.cfg.IntervalCheck && !m.LeaderTransfer && !reply.IntervalOK

	if m.PreVote {
		reply.Term = r.term()
		reply.Granted = reply.LogOK && !intervalGate
		return
	}
	if intervalGate {
		reply.Term = r.term()
		r.trace.Event("leader still alive, refusing")
		return
	}
	if m.Term > r.term() {
		r.stepDown(m.Term)
	}
	reply.Term = r.term()
	voted := r.solid.VotedFor()
	if reply.LogOK && (voted == 0 || voted == m.Src) {
		if err := r.solid.Vote(m.Src); err != nil {
			r.fatal("persist vote for %s: %v", m.Src, err)
		}
		reply.Granted = true
		r.timers.ResetElection()
		r.trace.Event("vote for %s", m.Src)
	}
}

// OnRequestVoteReply tallies pre-votes and votes for the current round.
func (r *Raft) OnRequestVoteReply(m *RequestVoteReply) {
	r.sched.AssertInLoop()
	if m.Term > r.term() && !(m.PreVote && m.Granted) {
		r.stepDown(m.Term)
		return
	}
	if r.state != Candidate || m.PreVote != r.preVoting {
		return
	}
	want := r.term()
	if m.PreVote {
		want++
	}
	if m.ReqTerm != want {
		return
	}
	r.votes.Record(m.Src, m.Granted, m.LogOK, m.IntervalOK)
	if r.voteSettled(m.Src) {
		r.timers.StopRetry(m.Src)
	}

	quorum := r.configs.Current().Quorum()
	if r.preVoting {
		if r.votes.PreVoteOK(r.cfg.IntervalCheck) >= quorum {
			r.trace.Event("pre-vote won")
			r.DoRequestVote()
		}
		return
	}
	if r.votes.Granted() >= quorum {
		r.trace.Event("election won")
		r.becomeLeader()
	}
}

// OnTimeoutNow starts an election right away on behalf of a leader handing
// over leadership.
func (r *Raft) OnTimeoutNow(m *TimeoutNow) {
	r.sched.AssertInLoop()
	if m.Term < r.term() {
		return
	}
	lt, li := r.log.LastTerm(), r.log.LastIndex()
	if !m.Force && (lt < m.LastLogTerm || (lt == m.LastLogTerm && li < m.LastLogIndex)) {
		r.logger.Info("ignore TimeoutNow from %s: log %d:%d behind %d:%d",
			m.Src, lt, li, m.LastLogTerm, m.LastLogIndex)
		return
	}
	r.transfer = true
	r.transferMaxTerm = r.term() + MaxTransferTerm
	r.trace.Event("leadership transfer until term %d", r.transferMaxTerm)
	if r.state == Follower && !r.standby {
		r.DoRequestVote()
	}
}
