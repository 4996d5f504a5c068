package vraft

// Propose appends value as a Data entry. It returns once the entry is in the
// leader's log; commit is observed through the state machine.
func (r *Raft) Propose(value []byte) error {
	r.sched.AssertInLoop()
	if !r.started {
		return ErrNotStarted
	}
	if r.state != Leader {
		return ErrNotLeader
	}
	if len(value) == 0 {
		return ErrEmptyValue
	}
	if _, err := r.log.AppendOne(r.term(), EntryData, value); err != nil {
		r.fatal("append entry: %v", err)
	}
	r.broadcast()
	r.maybeCommit()
	return nil
}

// Ping sends a liveness probe; the reply is only logged.
func (r *Raft) Ping(dest RaftAddr, msg []byte) {
	r.sched.AssertInLoop()
	r.sendMsg(&Ping{Src: r.me, Dest: dest, Msg: msg})
}

func (r *Raft) OnPing(m *Ping) {
	r.sched.AssertInLoop()
	r.sendMsg(&PingReply{Src: r.me, Dest: m.Src, Msg: m.Msg})
}

func (r *Raft) OnPingReply(m *PingReply) {
	r.sched.AssertInLoop()
	r.logger.Debug("ping reply from %s: %q", m.Src, m.Msg)
}

// OnClientRequest runs a console command on behalf of a remote sender.
// Results are only logged; the sender polls status to see the outcome.
func (r *Raft) OnClientRequest(m *ClientRequest) {
	r.sched.AssertInLoop()
	var err error
	switch m.Op {
	case ClientPropose:
		err = r.Propose(m.Data)
	case ClientAddServer, ClientRemoveServer, ClientLeaderTransfer:
		var addr RaftAddr
		if addr, err = ParseRaftAddr(string(m.Data)); err != nil {
			break
		}
		switch m.Op {
		case ClientAddServer:
			err = r.AddServer(addr)
		case ClientRemoveServer:
			err = r.RemoveServer(addr)
		default:
			err = r.LeaderTransfer(addr)
		}
	default:
		r.logger.Warn("unknown client op %d from %s", m.Op, m.Src)
		return
	}
	if err != nil {
		r.logger.Warn("client op %d from %s: %v", m.Op, m.Src, err)
		return
	}
	r.trace.Event("client op %d from %s done", m.Op, m.Src)
}
