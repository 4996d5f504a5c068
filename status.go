package vraft

import "encoding/json"

// Status is a point-in-time view of a replica, used by traces and the
// status endpoint.
type Status struct {
	Me              RaftAddr             `json:"me"`
	State           State                `json:"state"`
	Term            uint64               `json:"term"`
	VotedFor        RaftAddr             `json:"voted_for"`
	Leader          RaftAddr             `json:"leader"`
	CommitIndex     uint64               `json:"commit_index"`
	LastApplied     uint64               `json:"last_applied"`
	FirstIndex      uint64               `json:"first_index"`
	BaseIndex       uint64               `json:"base_index"`
	LastIndex       uint64               `json:"last_index"`
	LastTerm        uint64               `json:"last_term"`
	LastChk         uint32               `json:"last_chk"`
	Members         []RaftAddr           `json:"members"`
	PrevMembers     []RaftAddr           `json:"prev_members,omitempty"`
	ChangingIndex   uint64               `json:"changing_index"`
	Standby         bool                 `json:"standby"`
	PreVoting       bool                 `json:"pre_voting"`
	Transfer        bool                 `json:"transfer"`
	TransferMaxTerm uint64               `json:"transfer_max_term"`
	LeaderTimes     uint64               `json:"leader_times"`
	Progress        map[string]IndexItem `json:"progress,omitempty"`
	Votes           map[string]VoteItem  `json:"votes,omitempty"`
}

// Status collects the replica's state.
func (r *Raft) Status() Status {
	base, _, _ := r.log.Base()
	s := Status{
		Me:              r.me,
		State:           r.state,
		Term:            r.solid.Term(),
		VotedFor:        r.solid.VotedFor(),
		Leader:          r.leader,
		CommitIndex:     r.commitIndex,
		LastApplied:     r.lastApplied,
		FirstIndex:      r.log.First(),
		BaseIndex:       base,
		LastIndex:       r.log.LastIndex(),
		LastTerm:        r.log.LastTerm(),
		LastChk:         r.log.LastChk(),
		Members:         r.configs.Current().Members(),
		ChangingIndex:   r.changingIndex,
		Standby:         r.standby,
		PreVoting:       r.preVoting,
		Transfer:        r.transfer,
		TransferMaxTerm: r.transferMaxTerm,
		LeaderTimes:     r.leaderTimes,
	}
	if prev := r.configs.Previous(); prev != nil {
		s.PrevMembers = prev.Members()
	}
	if r.state == Leader {
		s.Progress = r.index.Snapshot()
	}
	if r.state == Candidate {
		s.Votes = r.votes.Snapshot()
	}
	return s
}

// StatusJSON renders Status as indented JSON.
func (r *Raft) StatusJSON() ([]byte, error) {
	return json.MarshalIndent(r.Status(), "", "  ")
}

func (r *Raft) State() State          { return r.state }
func (r *Raft) Term() uint64          { return r.solid.Term() }
func (r *Raft) VotedFor() RaftAddr    { return r.solid.VotedFor() }
func (r *Raft) Config() *RaftConfig   { return r.configs.Current().Clone() }
func (r *Raft) LastIndex() uint64     { return r.log.LastIndex() }
func (r *Raft) LastTerm() uint64      { return r.log.LastTerm() }
func (r *Raft) LastCheck() uint32     { return r.log.LastChk() }
func (r *Raft) CommitIndex() uint64   { return r.commitIndex }
func (r *Raft) LastApplied() uint64   { return r.lastApplied }
func (r *Raft) LeaderTimes() uint64   { return r.leaderTimes }
func (r *Raft) Leader() RaftAddr      { return r.leader }
func (r *Raft) ChangingIndex() uint64 { return r.changingIndex }
func (r *Raft) Standby() bool         { return r.standby }
func (r *Raft) Started() bool         { return r.started }
func (r *Raft) Log() *LogStore        { return r.log }

// StateMachine returns the open state machine, nil while stopped.
func (r *Raft) StateMachine() StateMachine { return r.sm }
