package vraft

import (
	"errors"
	"fmt"
	"math/rand"
	"slices"
	"time"

	"github.com/ueisele/vraft/storage"
)

// Raft is one replica. Every method must run on the Scheduler's loop.
type Raft struct {
	cfg    *Config
	me     RaftAddr
	sched  Scheduler
	send   SendFunc
	logger Logger
	rand   *rand.Rand

	log     *LogStore
	solid   *SolidStore
	configs *ConfigManager
	index   *IndexManager
	votes   *VoteManager
	peers   *PeerManager
	snaps   *SnapshotManager
	timers  *TimerManager
	tracer  *Tracer
	trace   *Trace

	factory StateMachineFactory
	sm      StateMachine

	state         State
	commitIndex   uint64
	lastApplied   uint64
	leader        RaftAddr
	changingIndex uint64
	standby       bool
	preVoting     bool
	leaderTimes   uint64
	lastHeartbeat time.Time
	started       bool
	closed        bool

	// Set on the receiver of TimeoutNow: RequestVotes carry LeaderTransfer
	// until the term passes transferMaxTerm.
	transfer        bool
	transferMaxTerm uint64

	// Set on a leader waiting for transferTarget to catch up before TimeoutNow.
	transferTarget RaftAddr
}

// NewRaft opens the replica's stores under cfg.Path. Membership comes from
// the newest Config entry in the log, then the last committed config in the
// term/vote store, then cfg.Peers.
func NewRaft(cfg *Config, sched Scheduler, send SendFunc, factory StateMachineFactory) (*Raft, error) {
	cfg = applyConfigDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logKV, err := storage.OpenLevelDB(cfg.logPath(), storage.Options{Sync: !cfg.NoSync})
	if err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}
	metaKV, err := storage.OpenLevelDB(cfg.metaPath(), storage.Options{Sync: !cfg.NoSync})
	if err != nil {
		logKV.Close()
		return nil, fmt.Errorf("open term/vote store: %w", err)
	}
	return newRaft(cfg, sched, send, factory, logKV, metaKV)
}

// NewRaftWithStores is NewRaft over caller-supplied stores, e.g. in-memory
// ones. The replica closes them on Close.
func NewRaftWithStores(cfg *Config, sched Scheduler, send SendFunc, factory StateMachineFactory, logKV, metaKV storage.KV) (*Raft, error) {
	cfg = applyConfigDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return newRaft(cfg, sched, send, factory, logKV, metaKV)
}

func newRaft(cfg *Config, sched Scheduler, send SendFunc, factory StateMachineFactory, logKV, metaKV storage.KV) (*Raft, error) {
	r := &Raft{
		cfg:     cfg,
		me:      cfg.Me,
		sched:   sched,
		send:    send,
		logger:  cfg.Logger,
		rand:    rand.New(rand.NewSource(cfg.Seed)),
		index:   NewIndexManager(),
		votes:   NewVoteManager(),
		peers:   NewPeerManager(),
		factory: factory,
		state:   Follower,
	}
	fail := func(err error) (*Raft, error) {
		logKV.Close()
		metaKV.Close()
		return nil, err
	}

	var err error
	if r.log, err = OpenLogStore(logKV, r.logger); err != nil {
		return fail(fmt.Errorf("load log: %w", err))
	}
	if r.solid, err = OpenSolidStore(metaKV); err != nil {
		return fail(fmt.Errorf("load term/vote: %w", err))
	}
	r.log.SetCallbacks(r.onLogInsert, r.onLogTruncate)
	r.snaps = NewSnapshotManager(cfg.snapshotPath(), r.logger)
	r.tracer = NewTracer(cfg.Trace, r.logger, r.Status)
	r.timers = NewTimerManager(sched, cfg, r.rand, TimerCallbacks{
		Tick:      r.onTick,
		Election:  r.onElectionTimeout,
		RetryVote: r.onRetryVote,
		Heartbeat: r.onHeartbeat,
	})

	initial := NewRaftConfig(r.me, cfg.Peers)
	var members []RaftAddr
	if e := r.log.LastConfig(); e != nil {
		if members, err = decodeMembers(e.Value); err != nil {
			return fail(fmt.Errorf("config entry %d: %w", e.Index, err))
		}
	} else if members, err = r.solid.Members(); err != nil {
		return fail(err)
	}
	if members != nil {
		initial = NewRaftConfig(r.me, members)
	}
	r.configs = NewConfigManager(NewRaftConfig(r.me, nil), r.onConfigChange)
	r.configs.Replace(initial)
	r.standby = (cfg.Standby && len(initial.Peers) == 0) || (members != nil && !slices.Contains(members, r.me))
	return r, nil
}

// Start restores the state machine and arms the timers.
func (r *Raft) Start() error {
	r.sched.AssertInLoop()
	if r.started {
		return nil
	}
	if r.closed {
		return ErrNotStarted
	}
	sm, err := r.factory(r.cfg.smPath())
	if err != nil {
		return fmt.Errorf("open state machine: %w", err)
	}
	if err := sm.Restore(); err != nil {
		sm.Close()
		return fmt.Errorf("restore state machine: %w", err)
	}
	r.sm = sm

	if li := sm.LastIndex(); li > r.log.LastIndex() {
		r.logger.Warn("state machine at %d is ahead of log at %d, restarting log", li, r.log.LastIndex())
		if err := r.log.Reset(li, sm.LastTerm(), 0); err != nil {
			return err
		}
	}
	r.lastApplied = sm.LastIndex()
	if r.commitIndex < r.lastApplied {
		r.commitIndex = r.lastApplied
	}
	if e := r.log.LastConfig(); e != nil && e.Index > r.commitIndex {
		// The newest config may still be rolled back; remember the committed one.
		r.changingIndex = e.Index
		members, err := r.solid.Members()
		if err != nil {
			sm.Close()
			r.sm = nil
			return fmt.Errorf("load committed config: %w", err)
		}
		prev := NewRaftConfig(r.me, r.cfg.Peers)
		if members != nil {
			prev = NewRaftConfig(r.me, members)
		}
		r.configs.previous = prev
		// Passive only once a config without us has committed.
		r.standby = (members == nil && r.cfg.Standby && len(r.cfg.Peers) == 0) ||
			(members != nil && !slices.Contains(members, r.me))
	}

	r.state = Follower
	r.started = true
	r.timers.StartTick()
	r.timers.ResetElection()
	r.logger.Info("started: term %d, %s, config %s", r.solid.Term(), r.log, r.configs.Current())
	return nil
}

// Stop disarms timers and releases the state machine. Persisted data stays.
func (r *Raft) Stop() error {
	r.sched.AssertInLoop()
	if !r.started {
		return nil
	}
	r.started = false
	r.timers.Stop()
	r.snaps.Close()
	r.state = Follower
	r.leader = 0
	r.preVoting = false
	err := r.sm.Close()
	r.sm = nil
	r.logger.Info("stopped at term %d", r.solid.Term())
	return err
}

// Close stops the replica and closes its stores.
func (r *Raft) Close() error {
	r.sched.AssertInLoop()
	err := r.Stop()
	if r.closed {
		return err
	}
	r.closed = true
	r.timers.Close()
	return errors.Join(err, r.log.Close(), r.solid.Close())
}

// Receive decodes one wire message and dispatches it.
func (r *Raft) Receive(data []byte) {
	r.sched.AssertInLoop()
	m, err := DecodeMessage(data)
	if err != nil {
		r.logger.Warn("drop message: %v", err)
		return
	}
	r.Handle(m)
}

// Handle dispatches a decoded message to its handler.
func (r *Raft) Handle(m Message) {
	r.sched.AssertInLoop()
	if !r.started {
		return
	}
	if m.To() != r.me {
		r.logger.Debug("drop %s for %s", m.Type(), m.To())
		return
	}
	if p := r.peers.Get(m.From()); p != nil {
		p.LastRecv = r.sched.Now()
	}
	r.trace = r.tracer.Begin("On"+m.Type().String(), m)
	defer func() {
		r.trace.End()
		r.trace = nil
	}()
	switch m := m.(type) {
	case *Ping:
		r.OnPing(m)
	case *PingReply:
		r.OnPingReply(m)
	case *RequestVote:
		r.OnRequestVote(m)
	case *RequestVoteReply:
		r.OnRequestVoteReply(m)
	case *AppendEntries:
		r.OnAppendEntries(m)
	case *AppendEntriesReply:
		r.OnAppendEntriesReply(m)
	case *InstallSnapshot:
		r.OnInstallSnapshot(m)
	case *InstallSnapshotReply:
		r.OnInstallSnapshotReply(m)
	case *TimeoutNow:
		r.OnTimeoutNow(m)
	case *ClientRequest:
		r.OnClientRequest(m)
	}
}

func (r *Raft) sendMsg(m Message) {
	if p := r.peers.Get(m.To()); p != nil {
		p.LastSend = r.sched.Now()
	}
	if err := r.send(m.To(), EncodeMessage(m)); err != nil {
		r.logger.Debug("send %s to %s: %v", m.Type(), m.To(), err)
	}
}

// fatal logs and aborts. Used when durable state can no longer be trusted.
func (r *Raft) fatal(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	r.logger.Error("%s", msg)
	panic("vraft: " + msg)
}

func (r *Raft) term() uint64 { return r.solid.Term() }

// setTerm persists a newer term and clears the vote.
func (r *Raft) setTerm(term uint64) {
	if err := r.solid.SetTerm(term); err != nil {
		r.fatal("persist term %d: %v", term, err)
	}
}

// stepDown becomes Follower. A newer term is adopted and persisted first; an
// equal term leaves term and vote untouched.
func (r *Raft) stepDown(term uint64) {
	if term > r.term() {
		r.setTerm(term)
		r.leader = 0
	}
	r.becomeFollower()
}

func (r *Raft) becomeFollower() {
	if r.state == Leader {
		r.timers.StopAllHeartbeat()
		for _, p := range r.peers.Addrs() {
			r.snaps.CloseReader(p)
		}
		r.transferTarget = 0
	}
	if r.state != Follower {
		r.logger.Info("%s -> Follower at term %d", r.state, r.term())
	}
	r.state = Follower
	r.preVoting = false
	r.timers.StopAllRetry()
	r.timers.ResetElection()
}

func (r *Raft) becomeLeader() {
	r.logger.Info("%s -> Leader at term %d, last %d", r.state, r.term(), r.log.LastIndex())
	r.state = Leader
	r.leader = r.me
	r.preVoting = false
	r.transfer = false
	r.transferTarget = 0
	r.leaderTimes++
	r.timers.StopElection()
	r.timers.StopAllRetry()
	r.index.Reset(r.peers.Addrs(), r.log.LastIndex())

	if _, err := r.log.AppendOne(r.term(), EntryNoop, nil); err != nil {
		r.fatal("append noop: %v", err)
	}
	for _, p := range r.peers.Addrs() {
		r.timers.ResetHeartbeat(p)
		r.SendAppendEntries(p)
	}
	r.maybeCommit()
}

// onConfigChange keeps peers, timers and leader progress in line with the
// config in force.
func (r *Raft) onConfigChange(from, to *RaftConfig) {
	added, removed, _ := from.Diff(to)
	for _, a := range removed {
		if a == r.me {
			continue
		}
		r.peers.Remove(a)
		r.timers.RemovePeer(a)
		r.index.Remove(a)
		r.votes.Remove(a)
		r.snaps.RemovePeer(a)
		if r.transferTarget == a {
			r.transferTarget = 0
		}
	}
	for _, a := range added {
		if a == r.me {
			continue
		}
		r.peers.Add(a)
		r.timers.AddPeer(a)
		if r.state == Leader {
			r.index.Add(a, r.log.LastIndex())
			r.timers.ResetHeartbeat(a)
		}
	}
	if len(added)+len(removed) > 0 {
		r.logger.Info("config %s -> %s", from, to)
	}
	if r.state == Leader {
		for _, a := range added {
			if a != r.me {
				r.SendAppendEntries(a)
			}
		}
		if len(removed) > 0 {
			r.maybeCommit()
		}
	}
}

// onLogInsert provisionally applies config entries as they enter the log.
func (r *Raft) onLogInsert(e *LogEntry) {
	if e.Type != EntryConfig {
		return
	}
	next, err := DecodeRaftConfig(r.me, e.Value)
	if err != nil {
		r.fatal("config entry %d: %v", e.Index, err)
	}
	r.changingIndex = e.Index
	r.configs.Set(next)
}

// onLogTruncate rolls back a config change whose entry was cut off.
func (r *Raft) onLogTruncate(from uint64) {
	if r.changingIndex == 0 || r.changingIndex < from {
		return
	}
	r.logger.Info("config change at %d truncated, rolling back", r.changingIndex)
	r.changingIndex = 0
	r.configs.Rollback()
}

func (r *Raft) intervalOK() bool {
	if r.state == Leader {
		return false
	}
	return r.sched.Now().Sub(r.lastHeartbeat) > r.cfg.ElectionTimeout
}

func (r *Raft) transferActive() bool {
	if r.transfer && r.term() > r.transferMaxTerm {
		r.transfer = false
	}
	return r.transfer
}

// logUpToDate reports whether (term, index) is at least as current as the local log.
func (r *Raft) logUpToDate(term, index uint64) bool {
	lt := r.log.LastTerm()
	return term > lt || (term == lt && index >= r.log.LastIndex())
}

func (r *Raft) onTick() {
	r.sched.AssertInLoop()
	if !r.started {
		return
	}
	r.transferActive()
	if r.sm != nil && r.log.Len() > r.cfg.MaxLogEntries {
		until := min(r.sm.LastIndex(), r.lastApplied)
		if until >= r.log.First() {
			if err := r.log.DeleteUntil(until); err != nil {
				r.fatal("compact log until %d: %v", until, err)
			}
			r.logger.Info("compacted log until %d: %s", until, r.log)
		}
	}
	r.logger.Debug("tick: %s term %d leader %s commit %d applied %d %s",
		r.state, r.term(), r.leader, r.commitIndex, r.lastApplied, r.log)
}
