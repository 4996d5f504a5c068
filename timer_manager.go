package vraft

import (
	"math/rand"
	"time"
)

// TimerCallbacks are invoked on the loop when the matching timer fires.
type TimerCallbacks struct {
	Tick      func()
	Election  func()
	RetryVote func(peer RaftAddr)
	Heartbeat func(peer RaftAddr)
}

type peerTimers struct {
	retry     Timer
	heartbeat Timer
}

// TimerManager owns every timer of a replica: tick, election, and the
// per-peer vote retry and heartbeat timers.
type TimerManager struct {
	sched Scheduler
	cb    TimerCallbacks
	rand  *rand.Rand

	tickInterval      time.Duration
	electionTimeout   time.Duration
	retryInterval     time.Duration
	heartbeatInterval time.Duration

	tick     Timer
	election Timer
	peers    map[RaftAddr]*peerTimers
}

// NewTimerManager creates the tick and election timers; both start stopped.
func NewTimerManager(sched Scheduler, cfg *Config, rnd *rand.Rand, cb TimerCallbacks) *TimerManager {
	tm := &TimerManager{
		sched:             sched,
		cb:                cb,
		rand:              rnd,
		tickInterval:      cfg.TickInterval,
		electionTimeout:   cfg.ElectionTimeout,
		retryInterval:     cfg.RequestVoteInterval,
		heartbeatInterval: cfg.HeartbeatInterval,
		peers:             make(map[RaftAddr]*peerTimers),
	}
	tm.tick = sched.NewTimer(tm.tickInterval, tm.tickInterval, cb.Tick)
	tm.election = sched.NewTimer(tm.electionDelay(), 0, cb.Election)
	return tm
}

// electionDelay is uniform in [E, 2E].
func (tm *TimerManager) electionDelay() time.Duration {
	return tm.electionTimeout + time.Duration(tm.rand.Int63n(int64(tm.electionTimeout)+1))
}

func (tm *TimerManager) StartTick() { tm.tick.Start() }

// ResetElection rearms the election timer with a fresh jittered delay.
func (tm *TimerManager) ResetElection() {
	tm.election.Reset(tm.electionDelay(), 0)
}

func (tm *TimerManager) StopElection() { tm.election.Stop() }

// AddPeer creates the stopped per-peer timers.
func (tm *TimerManager) AddPeer(peer RaftAddr) {
	if _, ok := tm.peers[peer]; ok {
		return
	}
	tm.peers[peer] = &peerTimers{
		retry:     tm.sched.NewTimer(tm.retryInterval, tm.retryInterval, func() { tm.cb.RetryVote(peer) }),
		heartbeat: tm.sched.NewTimer(tm.heartbeatInterval, tm.heartbeatInterval, func() { tm.cb.Heartbeat(peer) }),
	}
}

// RemovePeer closes the per-peer timers.
func (tm *TimerManager) RemovePeer(peer RaftAddr) {
	pt, ok := tm.peers[peer]
	if !ok {
		return
	}
	pt.retry.Close()
	pt.heartbeat.Close()
	delete(tm.peers, peer)
}

func (tm *TimerManager) StartRetry(peer RaftAddr) {
	if pt, ok := tm.peers[peer]; ok {
		pt.retry.Reset(tm.retryInterval, tm.retryInterval)
	}
}

func (tm *TimerManager) StopRetry(peer RaftAddr) {
	if pt, ok := tm.peers[peer]; ok {
		pt.retry.Stop()
	}
}

// StopAllRetry stops every vote retry timer.
func (tm *TimerManager) StopAllRetry() {
	for _, pt := range tm.peers {
		pt.retry.Stop()
	}
}

// ResetHeartbeat pushes the peer's next heartbeat one interval out.
func (tm *TimerManager) ResetHeartbeat(peer RaftAddr) {
	if pt, ok := tm.peers[peer]; ok {
		pt.heartbeat.Reset(tm.heartbeatInterval, tm.heartbeatInterval)
	}
}

func (tm *TimerManager) StopAllHeartbeat() {
	for _, pt := range tm.peers {
		pt.heartbeat.Stop()
	}
}

// Stop stops every timer but keeps them usable.
func (tm *TimerManager) Stop() {
	tm.tick.Stop()
	tm.election.Stop()
	for _, pt := range tm.peers {
		pt.retry.Stop()
		pt.heartbeat.Stop()
	}
}

// Close releases every timer.
func (tm *TimerManager) Close() {
	tm.tick.Close()
	tm.election.Close()
	for p := range tm.peers {
		tm.RemovePeer(p)
	}
}
