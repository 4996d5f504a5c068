package vraft

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ueisele/vraft/storage"
)

// fakeScheduler is a manual clock. Timers only fire inside Advance.
type fakeScheduler struct {
	now    time.Time
	timers []*fakeTimer
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{now: time.Unix(1_000_000, 0)}
}

func (s *fakeScheduler) NewTimer(delay, repeat time.Duration, fn func()) Timer {
	t := &fakeTimer{s: s, delay: delay, repeat: repeat, fn: fn}
	s.timers = append(s.timers, t)
	return t
}

func (s *fakeScheduler) AssertInLoop() {}

func (s *fakeScheduler) Now() time.Time { return s.now }

// Advance moves the clock forward, firing due timers in deadline order.
func (s *fakeScheduler) Advance(d time.Duration) {
	target := s.now.Add(d)
	for {
		var next *fakeTimer
		for _, t := range s.timers {
			if t.armed && !t.deadline.After(target) && (next == nil || t.deadline.Before(next.deadline)) {
				next = t
			}
		}
		if next == nil {
			break
		}
		s.now = next.deadline
		if next.repeat > 0 {
			next.deadline = next.deadline.Add(next.repeat)
		} else {
			next.armed = false
		}
		next.fn()
	}
	s.now = target
}

type fakeTimer struct {
	s             *fakeScheduler
	delay, repeat time.Duration
	fn            func()
	deadline      time.Time
	armed, closed bool
}

func (t *fakeTimer) Start() {
	if t.armed || t.closed {
		return
	}
	t.armed = true
	t.deadline = t.s.now.Add(t.delay)
}

func (t *fakeTimer) Stop() { t.armed = false }

func (t *fakeTimer) Reset(delay, repeat time.Duration) {
	if t.closed {
		return
	}
	t.delay, t.repeat = delay, repeat
	t.armed = true
	t.deadline = t.s.now.Add(delay)
}

func (t *fakeTimer) Close() {
	t.closed = true
	t.armed = false
}

// memStateMachine keeps applied values in memory. Checkpoint and Restore
// go through state.json so snapshot installs can be observed.
type memStateMachine struct {
	dir     string
	Values  []string `json:"values"`
	LastIdx uint64   `json:"last_index"`
	LastTrm uint64   `json:"last_term"`
}

func (m *memStateMachine) Restore() error {
	data, err := os.ReadFile(filepath.Join(m.dir, "state.json"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, m)
}

func (m *memStateMachine) Apply(e *LogEntry, _ RaftAddr) error {
	m.Values = append(m.Values, string(e.Value))
	m.LastIdx, m.LastTrm = e.Index, e.Term
	return nil
}

func (m *memStateMachine) LastIndex() uint64 { return m.LastIdx }
func (m *memStateMachine) LastTerm() uint64  { return m.LastTrm }

func (m *memStateMachine) Checkpoint(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "state.json"), data, 0o644)
}

func (m *memStateMachine) Close() error { return nil }

const testElection = 100 * time.Millisecond

// harness drives one Raft by hand and captures everything it sends.
type harness struct {
	t      *testing.T
	sched  *fakeScheduler
	raft   *Raft
	sm     *memStateMachine
	outbox []Message
}

func newHarness(t *testing.T, me RaftAddr, peers []RaftAddr, opts ...func(*Config)) *harness {
	t.Helper()
	h := &harness{t: t, sched: newFakeScheduler(), sm: &memStateMachine{}}
	cfg := &Config{
		Me:                me,
		Peers:             peers,
		Path:              t.TempDir(),
		ElectionTimeout:   testElection,
		HeartbeatInterval: 20 * time.Millisecond,
		Seed:              1,
	}
	for _, o := range opts {
		o(cfg)
	}
	send := func(_ RaftAddr, data []byte) error {
		m, err := DecodeMessage(data)
		require.NoError(t, err)
		h.outbox = append(h.outbox, m)
		return nil
	}
	factory := func(dir string) (StateMachine, error) {
		h.sm.dir = dir
		return h.sm, nil
	}
	r, err := NewRaftWithStores(cfg, h.sched, send, factory, storage.OpenMemory(), storage.OpenMemory())
	require.NoError(t, err)
	require.NoError(t, r.Start())
	t.Cleanup(func() { r.Close() })
	h.raft = r
	return h
}

// take returns and clears the captured messages.
func (h *harness) take() []Message {
	out := h.outbox
	h.outbox = nil
	return out
}

func takeOf[T Message](h *harness) []T {
	var out []T
	for _, m := range h.take() {
		if v, ok := m.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

// lastOf returns the single message of type T sent since the last take.
func lastOf[T Message](h *harness) T {
	h.t.Helper()
	msgs := takeOf[T](h)
	require.NotEmpty(h.t, msgs)
	return msgs[len(msgs)-1]
}

// becomeLeader wins an election at the next term with a vote from peer.
func (h *harness) becomeLeader(peer RaftAddr) {
	h.t.Helper()
	h.raft.onElectionTimeout()
	require.Equal(h.t, Candidate, h.raft.State())
	term := h.raft.Term()
	h.take()
	h.raft.Handle(&RequestVoteReply{Src: peer, Dest: h.raft.me, Term: term, ReqTerm: term, Granted: true, LogOK: true})
	require.Equal(h.t, Leader, h.raft.State())
}

func dataEntry(term uint64, value string) LogEntry {
	return LogEntry{Term: term, Type: EntryData, Value: []byte(value)}
}

func TestVoteGrantingRules(t *testing.T) {
	h := newHarness(t, addr1, []RaftAddr{addr2, addr3})
	r := h.raft

	r.Handle(&RequestVote{Src: addr2, Dest: addr1, Term: 1})
	reply := lastOf[*RequestVoteReply](h)
	assert.True(t, reply.Granted)
	assert.Equal(t, uint64(1), r.Term())
	assert.Equal(t, addr2, r.VotedFor())

	r.Handle(&RequestVote{Src: addr3, Dest: addr1, Term: 1})
	assert.False(t, lastOf[*RequestVoteReply](h).Granted, "already voted in this term")

	r.Handle(&RequestVote{Src: addr2, Dest: addr1, Term: 1})
	assert.True(t, lastOf[*RequestVoteReply](h).Granted, "repeat request from the same candidate")

	r.Handle(&RequestVote{Src: addr3, Dest: addr1, Term: 0})
	reply = lastOf[*RequestVoteReply](h)
	assert.False(t, reply.Granted)
	assert.Equal(t, uint64(1), reply.Term)

	outsider := MustParseRaftAddr("127.0.0.1:7009:9")
	r.Handle(&RequestVote{Src: outsider, Dest: addr1, Term: 5})
	assert.False(t, lastOf[*RequestVoteReply](h).Granted, "non-member")
	assert.Equal(t, uint64(1), r.Term(), "non-member cannot bump the term")
}

func TestPreVoteFromNonMemberCountsForNothing(t *testing.T) {
	h := newHarness(t, addr1, []RaftAddr{addr2, addr3})
	r := h.raft

	removed := MustParseRaftAddr("127.0.0.1:7009:9")
	r.Handle(&RequestVote{Src: removed, Dest: addr1, Term: 1, PreVote: true})
	reply := lastOf[*RequestVoteReply](h)
	assert.False(t, reply.Granted)
	assert.False(t, reply.LogOK)
	assert.False(t, reply.IntervalOK)

	vm := NewVoteManager()
	vm.Reset([]RaftAddr{addr1})
	vm.Record(addr1, reply.Granted, reply.LogOK, reply.IntervalOK)
	assert.Equal(t, 1, vm.PreVoteOK(false), "only the candidate itself")
}

func TestVoteRefusedForStaleLog(t *testing.T) {
	h := newHarness(t, addr1, []RaftAddr{addr2, addr3})
	r := h.raft

	r.Handle(&AppendEntries{Src: addr2, Dest: addr1, Term: 2,
		Entries: []LogEntry{dataEntry(2, "a"), dataEntry(2, "b")}})
	require.Equal(t, uint64(2), r.LastIndex())
	h.take()

	r.Handle(&RequestVote{Src: addr3, Dest: addr1, Term: 3, LastLogTerm: 1, LastLogIndex: 9})
	reply := lastOf[*RequestVoteReply](h)
	assert.False(t, reply.Granted)
	assert.False(t, reply.LogOK)
	assert.Equal(t, uint64(3), r.Term(), "a higher term is adopted even when the vote is refused")

	r.Handle(&RequestVote{Src: addr3, Dest: addr1, Term: 3, LastLogTerm: 2, LastLogIndex: 1})
	assert.False(t, lastOf[*RequestVoteReply](h).Granted, "same last term, shorter log")

	r.Handle(&RequestVote{Src: addr3, Dest: addr1, Term: 3, LastLogTerm: 2, LastLogIndex: 2})
	assert.True(t, lastOf[*RequestVoteReply](h).Granted)
}

func TestPreVoteLeavesStateAlone(t *testing.T) {
	h := newHarness(t, addr1, []RaftAddr{addr2, addr3})
	r := h.raft

	r.Handle(&RequestVote{Src: addr2, Dest: addr1, Term: 1, PreVote: true})
	reply := lastOf[*RequestVoteReply](h)
	assert.True(t, reply.Granted)
	assert.True(t, reply.PreVote)
	assert.Equal(t, uint64(0), r.Term())
	assert.Equal(t, RaftAddr(0), r.VotedFor())
	assert.Equal(t, Follower, r.State())
}

func TestIntervalCheckRefusesVotesWhileLeaderAlive(t *testing.T) {
	h := newHarness(t, addr1, []RaftAddr{addr2, addr3}, func(c *Config) { c.IntervalCheck = true })
	r := h.raft

	r.Handle(&AppendEntries{Src: addr2, Dest: addr1, Term: 1})
	h.take()

	r.Handle(&RequestVote{Src: addr3, Dest: addr1, Term: 2})
	reply := lastOf[*RequestVoteReply](h)
	assert.False(t, reply.Granted)
	assert.True(t, reply.LogOK)
	assert.False(t, reply.IntervalOK)
	assert.Equal(t, uint64(1), r.Term(), "a refused disruptive candidate does not bump the term")

	r.Handle(&RequestVote{Src: addr3, Dest: addr1, Term: 2, LeaderTransfer: true})
	assert.True(t, lastOf[*RequestVoteReply](h).Granted, "leader transfer bypasses the check")
	assert.Equal(t, uint64(2), r.Term())
}

func TestElectionWinAppendsNoop(t *testing.T) {
	h := newHarness(t, addr1, []RaftAddr{addr2, addr3})
	r := h.raft

	r.onElectionTimeout()
	assert.Equal(t, Candidate, r.State())
	assert.Equal(t, uint64(1), r.Term())
	assert.Equal(t, addr1, r.VotedFor())
	votes := takeOf[*RequestVote](h)
	require.Len(t, votes, 2)
	assert.False(t, votes[0].PreVote)

	r.Handle(&RequestVoteReply{Src: addr2, Dest: addr1, Term: 1, ReqTerm: 1, Granted: true, LogOK: true})
	assert.Equal(t, Leader, r.State())
	assert.Equal(t, addr1, r.Leader())
	assert.Equal(t, uint64(1), r.LeaderTimes())
	assert.Equal(t, uint64(1), r.LastIndex())
	assert.Equal(t, EntryNoop, r.Log().Get(1).Type)

	aes := takeOf[*AppendEntries](h)
	dests := make([]RaftAddr, 0, len(aes))
	for _, ae := range aes {
		dests = append(dests, ae.Dest)
		assert.Len(t, ae.Entries, 1)
	}
	sort.Slice(dests, func(i, j int) bool { return dests[i] < dests[j] })
	assert.Equal(t, []RaftAddr{addr2, addr3}, dests)
}

func TestPreVoteThenElection(t *testing.T) {
	h := newHarness(t, addr1, []RaftAddr{addr2, addr3}, func(c *Config) { c.EnablePreVote = true })
	r := h.raft

	r.onElectionTimeout()
	assert.Equal(t, Candidate, r.State())
	assert.Equal(t, uint64(0), r.Term(), "pre-vote does not touch the term")
	for _, rv := range takeOf[*RequestVote](h) {
		assert.True(t, rv.PreVote)
		assert.Equal(t, uint64(1), rv.Term)
	}

	r.Handle(&RequestVoteReply{Src: addr2, Dest: addr1, Term: 0, ReqTerm: 1, Granted: true, LogOK: true, IntervalOK: true, PreVote: true})
	assert.Equal(t, uint64(1), r.Term())
	assert.Equal(t, Candidate, r.State())
	for _, rv := range takeOf[*RequestVote](h) {
		assert.False(t, rv.PreVote)
		assert.Equal(t, uint64(1), rv.Term)
	}
}

func TestRetryResendsUnansweredVotes(t *testing.T) {
	// Retries fire well before the earliest election timeout.
	h := newHarness(t, addr1, []RaftAddr{addr2, addr3}, func(c *Config) { c.RequestVoteInterval = 30 * time.Millisecond })
	r := h.raft

	r.onElectionTimeout()
	h.take()
	r.Handle(&RequestVoteReply{Src: addr2, Dest: addr1, Term: 1, ReqTerm: 1, Granted: false, LogOK: false})
	h.take()

	h.sched.Advance(r.cfg.RequestVoteInterval + time.Millisecond)
	retries := takeOf[*RequestVote](h)
	require.Len(t, retries, 1)
	assert.Equal(t, addr3, retries[0].Dest, "a settled refusal is not retried")
}

func TestLeaderCommitsOnlyCurrentTermEntries(t *testing.T) {
	h := newHarness(t, addr1, []RaftAddr{addr2, addr3})
	r := h.raft

	// An entry from term 1 that was never committed.
	r.Handle(&AppendEntries{Src: addr2, Dest: addr1, Term: 1, Entries: []LogEntry{dataEntry(1, "x")}})
	require.Equal(t, uint64(1), r.LastIndex())
	h.becomeLeader(addr2)
	require.Equal(t, uint64(2), r.LastIndex())
	h.take()

	r.Handle(&AppendEntriesReply{Src: addr2, Dest: addr1, Term: 2, ReqTerm: 2, ReqPrevIndex: 0, ReqNumEntries: 1, Success: true})
	assert.Equal(t, uint64(0), r.CommitIndex(), "majority holds only an old-term entry")
	assert.Empty(t, h.sm.Values)

	r.Handle(&AppendEntriesReply{Src: addr2, Dest: addr1, Term: 2, ReqTerm: 2, ReqPrevIndex: 1, ReqNumEntries: 1, Success: true})
	assert.Equal(t, uint64(2), r.CommitIndex())
	assert.Equal(t, uint64(2), r.LastApplied())
	assert.Equal(t, []string{"x"}, h.sm.Values)
}

func TestStaleAppendEntriesReplyIgnored(t *testing.T) {
	h := newHarness(t, addr1, []RaftAddr{addr2, addr3})
	r := h.raft
	h.becomeLeader(addr2)
	h.take()

	r.Handle(&AppendEntriesReply{Src: addr2, Dest: addr1, Term: 1, ReqTerm: 0, ReqPrevIndex: 0, ReqNumEntries: 1, Success: true})
	assert.Equal(t, uint64(0), r.CommitIndex())

	r.Handle(&AppendEntriesReply{Src: addr3, Dest: addr1, Term: 4})
	assert.Equal(t, Follower, r.State())
	assert.Equal(t, uint64(4), r.Term())
}

func TestAppendEntriesConflictTruncates(t *testing.T) {
	h := newHarness(t, addr1, []RaftAddr{addr2, addr3})
	r := h.raft

	r.Handle(&AppendEntries{Src: addr2, Dest: addr1, Term: 1, CommitIndex: 1,
		Entries: []LogEntry{dataEntry(1, "a"), dataEntry(1, "b"), dataEntry(1, "c")}})
	require.Equal(t, uint64(3), r.LastIndex())
	require.Equal(t, uint64(1), r.CommitIndex())
	h.take()

	r.Handle(&AppendEntries{Src: addr3, Dest: addr1, Term: 2, PrevLogIndex: 1, PrevLogTerm: 1, CommitIndex: 1,
		Entries: []LogEntry{dataEntry(2, "B")}})
	reply := lastOf[*AppendEntriesReply](h)
	assert.True(t, reply.Success)
	assert.Equal(t, uint64(2), reply.LastLogIndex)
	assert.Equal(t, uint64(2), r.LastIndex())
	assert.Equal(t, uint64(2), r.Log().Term(2))
	assert.Equal(t, "B", string(r.Log().Get(2).Value))
	assert.Equal(t, addr3, r.Leader())

	// Already-present entries are not truncated again.
	r.Handle(&AppendEntries{Src: addr3, Dest: addr1, Term: 2, PrevLogIndex: 0, PrevLogTerm: 0, CommitIndex: 1,
		Entries: []LogEntry{dataEntry(1, "a")}})
	assert.True(t, lastOf[*AppendEntriesReply](h).Success)
	assert.Equal(t, uint64(2), r.LastIndex())
}

func TestAppendEntriesRejectsGapsAndMismatches(t *testing.T) {
	h := newHarness(t, addr1, []RaftAddr{addr2, addr3})
	r := h.raft

	r.Handle(&AppendEntries{Src: addr2, Dest: addr1, Term: 1, Entries: []LogEntry{dataEntry(1, "a")}})
	h.take()

	r.Handle(&AppendEntries{Src: addr2, Dest: addr1, Term: 1, PrevLogIndex: 5, PrevLogTerm: 1})
	reply := lastOf[*AppendEntriesReply](h)
	assert.False(t, reply.Success)
	assert.Equal(t, uint64(1), reply.LastLogIndex)

	r.Handle(&AppendEntries{Src: addr2, Dest: addr1, Term: 1, PrevLogIndex: 1, PrevLogTerm: 3})
	assert.False(t, lastOf[*AppendEntriesReply](h).Success)

	r.Handle(&AppendEntries{Src: addr2, Dest: addr1, Term: 0})
	reply = lastOf[*AppendEntriesReply](h)
	assert.False(t, reply.Success)
	assert.Equal(t, uint64(1), reply.Term)
}

func TestCommitIndexNeverDecreases(t *testing.T) {
	h := newHarness(t, addr1, []RaftAddr{addr2, addr3})
	r := h.raft

	r.Handle(&AppendEntries{Src: addr2, Dest: addr1, Term: 1, CommitIndex: 3,
		Entries: []LogEntry{dataEntry(1, "a"), dataEntry(1, "b"), dataEntry(1, "c")}})
	require.Equal(t, uint64(3), r.CommitIndex())

	r.Handle(&AppendEntries{Src: addr2, Dest: addr1, Term: 1, PrevLogIndex: 3, PrevLogTerm: 1, CommitIndex: 1})
	assert.Equal(t, uint64(3), r.CommitIndex())
	assert.Equal(t, []string{"a", "b", "c"}, h.sm.Values)
}

func TestFollowerBacksOffNextIndex(t *testing.T) {
	h := newHarness(t, addr1, []RaftAddr{addr2, addr3})
	r := h.raft
	r.Handle(&AppendEntries{Src: addr2, Dest: addr1, Term: 1,
		Entries: []LogEntry{dataEntry(1, "a"), dataEntry(1, "b"), dataEntry(1, "c")}})
	h.becomeLeader(addr2)
	h.take()
	require.Equal(t, uint64(4), r.index.Get(addr3).NextIndex)

	// addr3 holds nothing; the hint jumps next_index straight to 1.
	r.Handle(&AppendEntriesReply{Src: addr3, Dest: addr1, Term: 2, ReqTerm: 2, ReqPrevIndex: 3, LastLogIndex: 0})
	assert.Equal(t, uint64(1), r.index.Get(addr3).NextIndex)
	ae := lastOf[*AppendEntries](h)
	assert.Equal(t, addr3, ae.Dest)
	assert.Equal(t, uint64(0), ae.PrevLogIndex)
	assert.Len(t, ae.Entries, 4)
}

func TestSingleReplicaCommitsAlone(t *testing.T) {
	h := newHarness(t, addr1, nil)
	r := h.raft

	r.onElectionTimeout()
	require.Equal(t, Leader, r.State())
	require.NoError(t, r.Propose([]byte("v")))
	assert.Equal(t, uint64(2), r.CommitIndex())
	assert.Equal(t, []string{"v"}, h.sm.Values)
}

func TestClientOperationErrors(t *testing.T) {
	h := newHarness(t, addr1, []RaftAddr{addr2})
	r := h.raft

	assert.ErrorIs(t, r.Propose([]byte("v")), ErrNotLeader)
	assert.ErrorIs(t, r.AddServer(addr3), ErrNotLeader)
	assert.ErrorIs(t, r.LeaderTransfer(addr2), ErrNotLeader)

	h.becomeLeader(addr2)
	assert.ErrorIs(t, r.Propose(nil), ErrEmptyValue)
	assert.ErrorIs(t, r.AddServer(addr2), ErrAlreadyMember)
	assert.ErrorIs(t, r.RemoveServer(addr1), ErrRemoveSelf)
	assert.ErrorIs(t, r.RemoveServer(addr3), ErrNotMember)
	assert.ErrorIs(t, r.LeaderTransfer(addr3), ErrNotMember)
	assert.NoError(t, r.LeaderTransfer(addr1), "transfer to self is a no-op")

	require.NoError(t, r.AddServer(addr3))
	assert.True(t, r.Config().IsPeer(addr3), "config applies when the entry is appended")
	assert.NotZero(t, r.ChangingIndex())
	assert.ErrorIs(t, r.RemoveServer(addr2), ErrChangeInFlight)
}

func TestConfigChangeCommitsAndRollsBack(t *testing.T) {
	h := newHarness(t, addr1, []RaftAddr{addr2, addr3})
	r := h.raft

	// A leader at term 1 proposes adding a fourth member but loses leadership.
	addr4 := MustParseRaftAddr("127.0.0.1:7003:4")
	next := NewRaftConfig(addr2, []RaftAddr{addr1, addr2, addr3, addr4})
	data, _ := next.MarshalBinary()
	r.Handle(&AppendEntries{Src: addr2, Dest: addr1, Term: 1,
		Entries: []LogEntry{dataEntry(1, "a"), {Term: 1, Type: EntryConfig, Value: data}}})
	require.True(t, r.Config().IsPeer(addr4))
	require.Equal(t, uint64(2), r.ChangingIndex())

	// The next leader overwrote the config entry.
	r.Handle(&AppendEntries{Src: addr3, Dest: addr1, Term: 2, PrevLogIndex: 1, PrevLogTerm: 1,
		Entries: []LogEntry{dataEntry(2, "b")}})
	assert.False(t, r.Config().IsPeer(addr4), "truncated change rolls back")
	assert.Equal(t, uint64(0), r.ChangingIndex())

	// A change that commits sticks.
	r.Handle(&AppendEntries{Src: addr3, Dest: addr1, Term: 2, PrevLogIndex: 2, PrevLogTerm: 2, CommitIndex: 3,
		Entries: []LogEntry{{Term: 2, Type: EntryConfig, Value: data}}})
	assert.True(t, r.Config().IsPeer(addr4))
	assert.Equal(t, uint64(0), r.ChangingIndex())
	assert.Equal(t, uint64(3), r.LastApplied())
}

func TestStandbyJoinsWhenConfigCommits(t *testing.T) {
	h := newHarness(t, addr2, nil, func(c *Config) { c.Standby = true })
	r := h.raft
	require.True(t, r.Standby())

	r.onElectionTimeout()
	assert.Equal(t, Follower, r.State(), "standby never campaigns")
	assert.Equal(t, uint64(0), r.Term())

	cfg := NewRaftConfig(addr1, []RaftAddr{addr1, addr2})
	data, _ := cfg.MarshalBinary()
	r.Handle(&AppendEntries{Src: addr1, Dest: addr2, Term: 1, CommitIndex: 1,
		Entries: []LogEntry{{Term: 1, Type: EntryConfig, Value: data}}})
	assert.False(t, r.Standby())
	assert.True(t, r.Config().IsPeer(addr1))
	assert.Equal(t, uint64(1), r.CommitIndex())
}

func TestRemovedReplicaGoesPassive(t *testing.T) {
	h := newHarness(t, addr3, []RaftAddr{addr1, addr2})
	r := h.raft

	cfg := NewRaftConfig(addr1, []RaftAddr{addr1, addr2})
	data, _ := cfg.MarshalBinary()
	r.Handle(&AppendEntries{Src: addr1, Dest: addr3, Term: 1, CommitIndex: 1,
		Entries: []LogEntry{{Term: 1, Type: EntryConfig, Value: data}}})
	assert.True(t, r.Standby())

	r.onElectionTimeout()
	assert.Equal(t, Follower, r.State())
	assert.Equal(t, uint64(1), r.Term())
}

func TestClientRequestDispatch(t *testing.T) {
	h := newHarness(t, addr1, nil)
	r := h.raft
	r.onElectionTimeout()
	require.Equal(t, Leader, r.State())

	r.Handle(&ClientRequest{Src: addr3, Dest: addr1, Op: ClientPropose, Data: []byte("v")})
	assert.Equal(t, []string{"v"}, h.sm.Values)

	r.Handle(&ClientRequest{Src: addr3, Dest: addr1, Op: ClientAddServer, Data: []byte(addr2.String())})
	assert.True(t, r.Config().IsPeer(addr2))

	// Rejected while the first change is pending; the error is only logged.
	r.Handle(&ClientRequest{Src: addr3, Dest: addr1, Op: ClientAddServer, Data: []byte(addr3.String())})
	assert.False(t, r.Config().Contains(addr3))

	r.Handle(&ClientRequest{Src: addr3, Dest: addr1, Op: ClientAddServer, Data: []byte("garbage")})
	assert.Len(t, r.Config().Peers, 1)
}

func TestLeaderTransfer(t *testing.T) {
	h := newHarness(t, addr1, []RaftAddr{addr2, addr3})
	r := h.raft
	h.becomeLeader(addr2)
	h.take()

	r.Handle(&AppendEntriesReply{Src: addr2, Dest: addr1, Term: 1, ReqTerm: 1, ReqPrevIndex: 0, ReqNumEntries: 1, Success: true})
	h.take()
	require.NoError(t, r.LeaderTransfer(addr2))
	tn := lastOf[*TimeoutNow](h)
	assert.Equal(t, addr2, tn.Dest)
	assert.Equal(t, uint64(1), tn.LastLogIndex)

	// addr3 lags: entries first, TimeoutNow once it acks.
	require.NoError(t, r.LeaderTransfer(addr3))
	assert.Empty(t, takeOf[*TimeoutNow](h))
	r.Handle(&AppendEntriesReply{Src: addr3, Dest: addr1, Term: 1, ReqTerm: 1, ReqPrevIndex: 0, ReqNumEntries: 1, Success: true})
	assert.Equal(t, addr3, lastOf[*TimeoutNow](h).Dest)
}

func TestForceLeaderTransferSkipsCatchUp(t *testing.T) {
	h := newHarness(t, addr1, []RaftAddr{addr2, addr3})
	r := h.raft
	h.becomeLeader(addr2)
	h.take()

	require.NoError(t, r.ForceLeaderTransfer(addr3))
	tn := lastOf[*TimeoutNow](h)
	assert.Equal(t, addr3, tn.Dest)
	assert.True(t, tn.Force)

	// A forced TimeoutNow starts the election even on a lagging log.
	f := newHarness(t, addr3, []RaftAddr{addr1, addr2})
	f.raft.Handle(tn)
	assert.Equal(t, Candidate, f.raft.State())
	votes := takeOf[*RequestVote](f)
	require.Len(t, votes, 2)
	for _, rv := range votes {
		assert.True(t, rv.LeaderTransfer)
	}
}

func TestTimeoutNowStartsTransferElection(t *testing.T) {
	h := newHarness(t, addr2, []RaftAddr{addr1, addr3}, func(c *Config) { c.EnablePreVote = true })
	r := h.raft
	r.Handle(&AppendEntries{Src: addr1, Dest: addr2, Term: 1})
	h.take()

	r.Handle(&TimeoutNow{Src: addr1, Dest: addr2, Term: 1, LastLogTerm: 0, LastLogIndex: 0})
	assert.Equal(t, Candidate, r.State())
	assert.Equal(t, uint64(2), r.Term(), "transfer skips the pre-vote")
	for _, rv := range takeOf[*RequestVote](h) {
		assert.True(t, rv.LeaderTransfer)
		assert.False(t, rv.PreVote)
	}
	assert.Equal(t, uint64(1+MaxTransferTerm), r.Status().TransferMaxTerm)
}

func TestTimeoutNowIgnoredWhenBehind(t *testing.T) {
	h := newHarness(t, addr2, []RaftAddr{addr1, addr3})
	r := h.raft

	r.Handle(&TimeoutNow{Src: addr1, Dest: addr2, Term: 1, LastLogTerm: 1, LastLogIndex: 5})
	assert.Equal(t, Follower, r.State())
	assert.Equal(t, uint64(0), r.Term())
}

func TestPingReply(t *testing.T) {
	h := newHarness(t, addr1, []RaftAddr{addr2})
	h.raft.Handle(&Ping{Src: addr2, Dest: addr1, Msg: []byte("hi")})
	reply := lastOf[*PingReply](h)
	assert.Equal(t, addr2, reply.Dest)
	assert.Equal(t, []byte("hi"), reply.Msg)
}

func TestMessagesForOthersDropped(t *testing.T) {
	h := newHarness(t, addr1, []RaftAddr{addr2})
	h.raft.Handle(&RequestVote{Src: addr2, Dest: addr3, Term: 4})
	assert.Empty(t, h.take())
	assert.Equal(t, uint64(0), h.raft.Term())
}

func TestRestartKeepsTermVoteAndLog(t *testing.T) {
	dir := t.TempDir()
	logKV, metaKV := storage.OpenMemory(), storage.OpenMemory()
	sm := &memStateMachine{}
	open := func() *Raft {
		cfg := &Config{Me: addr1, Peers: []RaftAddr{addr2, addr3}, Path: dir, ElectionTimeout: testElection, HeartbeatInterval: 20 * time.Millisecond}
		r, err := newRaft(applyConfigDefaults(cfg), newFakeScheduler(), func(RaftAddr, []byte) error { return nil },
			func(string) (StateMachine, error) { return sm, nil }, logKV, metaKV)
		require.NoError(t, err)
		require.NoError(t, r.Start())
		return r
	}

	r := open()
	r.Handle(&AppendEntries{Src: addr2, Dest: addr1, Term: 3, CommitIndex: 1,
		Entries: []LogEntry{dataEntry(3, "a"), dataEntry(3, "b")}})
	r.Handle(&RequestVote{Src: addr3, Dest: addr1, Term: 4, LastLogTerm: 3, LastLogIndex: 2})
	chk := r.LastCheck()
	require.NoError(t, r.Stop())

	r = open()
	assert.Equal(t, uint64(4), r.Term())
	assert.Equal(t, addr3, r.VotedFor())
	assert.Equal(t, uint64(2), r.LastIndex())
	assert.Equal(t, chk, r.LastCheck())
	assert.Equal(t, uint64(1), r.LastApplied(), "restored from the state machine")
}

func TestRestartWithUncommittedRemovalStaysActive(t *testing.T) {
	dir := t.TempDir()
	logKV, metaKV := storage.OpenMemory(), storage.OpenMemory()
	sm := &memStateMachine{}
	open := func() *Raft {
		cfg := &Config{Me: addr3, Peers: []RaftAddr{addr1, addr2}, Path: dir, ElectionTimeout: testElection, HeartbeatInterval: 20 * time.Millisecond}
		r, err := newRaft(applyConfigDefaults(cfg), newFakeScheduler(), func(RaftAddr, []byte) error { return nil },
			func(string) (StateMachine, error) { return sm, nil }, logKV, metaKV)
		require.NoError(t, err)
		require.NoError(t, r.Start())
		return r
	}

	r := open()
	without, _ := NewRaftConfig(addr1, []RaftAddr{addr2}).MarshalBinary()
	r.Handle(&AppendEntries{Src: addr1, Dest: addr3, Term: 1,
		Entries: []LogEntry{{Term: 1, Type: EntryConfig, Value: without}}})
	require.Equal(t, uint64(0), r.CommitIndex())
	assert.False(t, r.Standby(), "removal not committed yet")
	require.NoError(t, r.Stop())

	r = open()
	assert.False(t, r.Standby(), "still a member after restart")
	assert.Equal(t, uint64(1), r.ChangingIndex())
	assert.True(t, r.Config().IsPeer(addr1))
}

func TestCompactionOnTick(t *testing.T) {
	h := newHarness(t, addr1, nil, func(c *Config) { c.MaxLogEntries = 3 })
	r := h.raft
	r.onElectionTimeout()
	for _, v := range []string{"a", "b", "c", "d"} {
		require.NoError(t, r.Propose([]byte(v)))
	}
	require.Equal(t, uint64(5), r.LastIndex())

	r.onTick()
	assert.True(t, r.Log().Empty(), "compacted up to the state machine's last index")
	assert.Equal(t, uint64(5), r.LastIndex())
	idx, term, _ := r.Log().Base()
	assert.Equal(t, uint64(5), idx)
	assert.Equal(t, uint64(1), term)
}
