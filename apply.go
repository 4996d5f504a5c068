package vraft

import "slices"

// applyCommitted hands (last_applied, commit_index] to the state machine.
// An Apply failure stops the run; it is retried on the next commit.
func (r *Raft) applyCommitted() {
	if r.sm == nil {
		return
	}
	for i := r.lastApplied + 1; i <= r.commitIndex; i++ {
		e := r.log.Get(i)
		switch e.Type {
		case EntryData:
			if i <= r.sm.LastIndex() {
				break
			}
			src := r.leader
			if src == 0 {
				src = r.me
			}
			if err := r.sm.Apply(e, src); err != nil {
				r.logger.Error("apply entry %d: %v", i, err)
				return
			}
		case EntryConfig:
			r.commitConfig(e)
		}
		r.lastApplied = i
	}
}

// commitConfig completes a membership change once its entry commits.
func (r *Raft) commitConfig(e *LogEntry) {
	cfg, err := DecodeRaftConfig(r.me, e.Value)
	if err != nil {
		r.fatal("config entry %d: %v", e.Index, err)
	}
	if r.changingIndex != 0 && r.changingIndex <= e.Index {
		r.changingIndex = 0
		r.configs.Commit()
	}
	if err := r.solid.SaveConfig(cfg); err != nil {
		r.fatal("persist config: %v", err)
	}

	members, _ := decodeMembers(e.Value)
	isMember := slices.Contains(members, r.me)
	switch {
	case r.standby && isMember:
		r.standby = false
		r.logger.Info("joined cluster at %d: %s", e.Index, cfg)
		r.timers.ResetElection()
	case !r.standby && !isMember:
		r.standby = true
		r.logger.Info("removed from cluster at %d, going passive", e.Index)
		if r.state != Follower {
			r.becomeFollower()
		}
	}
	r.trace.Event("config %d committed: %s", e.Index, cfg)
}
