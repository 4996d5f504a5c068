package vraft

import "os"

// SendInstallSnapshot streams the state machine image to a peer whose
// next_index fell behind the compacted log. One chunk is in flight at a time;
// the heartbeat resends it if the reply is lost.
func (r *Raft) SendInstallSnapshot(peer RaftAddr) {
	r.sched.AssertInLoop()
	if r.state != Leader || r.sm == nil {
		return
	}
	rd := r.snaps.Reader(peer)
	if rd == nil {
		li := r.sm.LastIndex()
		if li == 0 || !r.log.HasTerm(li) {
			r.logger.Warn("no snapshot to send to %s: state machine at %d, %s", peer, li, r.log)
			return
		}
		var err error
		rd, err = r.snaps.OpenReader(peer, li, r.sm.LastTerm(), r.log.Chk(li), r.sm.Checkpoint)
		if err != nil {
			r.logger.Error("prepare snapshot for %s: %v", peer, err)
			return
		}
	}
	data, done, err := rd.Chunk(r.cfg.SnapshotChunkSize)
	if err != nil {
		r.logger.Error("snapshot for %s: %v", peer, err)
		r.snaps.CloseReader(peer)
		return
	}
	r.sendMsg(&InstallSnapshot{
		Src:       r.me,
		Dest:      peer,
		Term:      r.term(),
		LastIndex: rd.LastIndex,
		LastTerm:  rd.LastTerm,
		LastChk:   rd.LastChk,
		Offset:    rd.Offset,
		Data:      data,
		Done:      done,
	})
}

// OnInstallSnapshot stores one chunk and installs the image on the last one.
func (r *Raft) OnInstallSnapshot(m *InstallSnapshot) {
	r.sched.AssertInLoop()
	reply := &InstallSnapshotReply{
		Src:       r.me,
		Dest:      m.Src,
		ReqTerm:   m.Term,
		LastIndex: m.LastIndex,
		LastTerm:  m.LastTerm,
		Done:      m.Done,
	}
	defer func() {
		reply.Term = r.term()
		r.sendMsg(reply)
	}()

	if m.Term < r.term() {
		return
	}
	if m.Term > r.term() || r.state != Follower {
		r.stepDown(m.Term)
	}
	r.leader = m.Src
	r.lastHeartbeat = r.sched.Now()
	r.timers.ResetElection()

	if r.sm != nil && m.LastIndex <= r.sm.LastIndex() {
		// Already have everything this snapshot holds.
		r.snaps.CloseWriter(m.Src)
		r.trace.Event("stale snapshot %d, have %d", m.LastIndex, r.sm.LastIndex())
		reply.Stored = m.Offset + uint64(len(m.Data))
		reply.Success, reply.Done = true, true
		return
	}
	w, err := r.snaps.OpenWriter(m.Src, m.LastIndex, m.LastTerm, m.LastChk)
	if err != nil {
		r.logger.Error("open snapshot writer: %v", err)
		return
	}
	ok, err := w.WriteAt(m.Offset, m.Data)
	reply.Stored = w.Stored
	if err != nil {
		r.logger.Error("store snapshot chunk: %v", err)
		r.snaps.CloseWriter(m.Src)
		reply.Stored = 0
		return
	}
	if !ok {
		r.trace.Event("offset %d, have %d", m.Offset, w.Stored)
		return
	}
	reply.Success = true
	if !m.Done {
		return
	}
	if err := r.installSnapshot(w); err != nil {
		r.logger.Error("install snapshot %d: %v", m.LastIndex, err)
		reply.Success = false
	}
	r.snaps.CloseWriter(m.Src)
}

// installSnapshot swaps the received image in as the state machine
// directory, reopens the state machine and aligns the log with it.
func (r *Raft) installSnapshot(w *SnapshotWriter) error {
	if err := w.Finish(); err != nil {
		return err
	}
	dir := r.cfg.smPath()
	stage := dir + ".new"
	if err := os.RemoveAll(stage); err != nil {
		return err
	}
	if err := unpackDir(w.Path(), stage); err != nil {
		os.RemoveAll(stage)
		return err
	}
	if r.sm != nil {
		if err := r.sm.Close(); err != nil {
			r.logger.Warn("close state machine: %v", err)
		}
		r.sm = nil
	}
	if err := swapDir(stage, dir); err != nil {
		r.fatal("swap state machine directory: %v", err)
	}
	sm, err := r.factory(dir)
	if err == nil {
		err = sm.Restore()
	}
	if err != nil {
		r.fatal("reopen state machine after snapshot: %v", err)
	}
	r.sm = sm

	if r.log.HasTerm(w.LastIndex) && r.log.Term(w.LastIndex) == w.LastTerm {
		if err := r.log.DeleteUntil(w.LastIndex); err != nil {
			r.fatal("compact log until %d: %v", w.LastIndex, err)
		}
	} else {
		if err := r.log.Reset(w.LastIndex, w.LastTerm, w.LastChk); err != nil {
			r.fatal("reset log to %d: %v", w.LastIndex, err)
		}
		if r.changingIndex > w.LastIndex {
			r.changingIndex = 0
			r.configs.Rollback()
		} else if r.changingIndex != 0 {
			r.changingIndex = 0
			r.configs.Commit()
		}
	}
	r.commitIndex = max(r.commitIndex, w.LastIndex)
	r.lastApplied = max(r.lastApplied, w.LastIndex)
	r.logger.Info("installed snapshot %d:%d, %s", w.LastIndex, w.LastTerm, r.log)
	r.applyCommitted()
	return nil
}

// OnInstallSnapshotReply advances the transfer, or finishes it.
func (r *Raft) OnInstallSnapshotReply(m *InstallSnapshotReply) {
	r.sched.AssertInLoop()
	if m.Term > r.term() {
		r.stepDown(m.Term)
		return
	}
	if r.state != Leader || m.ReqTerm != r.term() {
		return
	}
	rd := r.snaps.Reader(m.Src)
	if rd == nil || rd.LastIndex != m.LastIndex || rd.LastTerm != m.LastTerm {
		return
	}
	if m.Success && m.Done {
		r.snaps.CloseReader(m.Src)
		if it := r.index.Get(m.Src); it != nil {
			it.MatchIndex = max(it.MatchIndex, m.LastIndex)
			it.NextIndex = it.MatchIndex + 1
		}
		r.logger.Info("snapshot %d installed on %s", m.LastIndex, m.Src)
		r.maybeCommit()
		r.maybeFinishTransfer(m.Src)
		r.SendAppendEntries(m.Src)
		r.timers.ResetHeartbeat(m.Src)
		return
	}
	rd.Offset = m.Stored
	r.SendInstallSnapshot(m.Src)
	r.timers.ResetHeartbeat(m.Src)
}
