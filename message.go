package vraft

import (
	"encoding/binary"
	"fmt"
)

// MessageType is the wire tag in the envelope header.
type MessageType int32

const (
	MsgPing MessageType = iota
	MsgPingReply
	MsgRequestVote
	MsgRequestVoteReply
	MsgAppendEntries
	MsgAppendEntriesReply
	MsgInstallSnapshot
	MsgInstallSnapshotReply
	MsgTimeoutNow
	MsgClientRequest
)

var messageTypeNames = [...]string{
	"Ping", "PingReply", "RequestVote", "RequestVoteReply", "AppendEntries",
	"AppendEntriesReply", "InstallSnapshot", "InstallSnapshotReply", "TimeoutNow", "ClientRequest",
}

func (t MessageType) String() string {
	if t >= 0 && int(t) < len(messageTypeNames) {
		return messageTypeNames[t]
	}
	return fmt.Sprintf("MessageType(%d)", int32(t))
}

// EnvelopeSize is the length of the {body_bytes:i32, type:i32} header.
const EnvelopeSize = 8

// Message is implemented only by the message structs in this file.
type Message interface {
	Type() MessageType
	From() RaftAddr
	To() RaftAddr
	encode(*encoder)
	decode(*decoder)
}

// Ping is a liveness probe.
type Ping struct {
	Src  RaftAddr `json:"src"`
	Dest RaftAddr `json:"dest"`
	Msg  []byte   `json:"msg"`
}

// PingReply echoes a Ping.
type PingReply struct {
	Src  RaftAddr `json:"src"`
	Dest RaftAddr `json:"dest"`
	Msg  []byte   `json:"msg"`
}

// RequestVote is sent by candidates, and by pre-voting replicas with PreVote set.
type RequestVote struct {
	Src            RaftAddr `json:"src"`
	Dest           RaftAddr `json:"dest"`
	Term           uint64   `json:"term"`
	LastLogTerm    uint64   `json:"last_log_term"`
	LastLogIndex   uint64   `json:"last_log_index"`
	PreVote        bool     `json:"pre_vote"`
	LeaderTransfer bool     `json:"leader_transfer"`
}

// RequestVoteReply reports the log and interval checks separately so the
// candidate can tell why a vote was refused.
type RequestVoteReply struct {
	Src        RaftAddr `json:"src"`
	Dest       RaftAddr `json:"dest"`
	Term       uint64   `json:"term"`
	ReqTerm    uint64   `json:"req_term"`
	Granted    bool     `json:"granted"`
	LogOK      bool     `json:"log_ok"`
	IntervalOK bool     `json:"interval_ok"`
	PreVote    bool     `json:"pre_vote"`
}

// AppendEntries replicates entries; with no entries it is a heartbeat.
type AppendEntries struct {
	Src          RaftAddr   `json:"src"`
	Dest         RaftAddr   `json:"dest"`
	Term         uint64     `json:"term"`
	PrevLogIndex uint64     `json:"prev_log_index"`
	PrevLogTerm  uint64     `json:"prev_log_term"`
	CommitIndex  uint64     `json:"commit_index"`
	Entries      []LogEntry `json:"entries"`
}

// AppendEntriesReply echoes the request's term and shape so the leader can
// drop stale replies and advance match_index without remembering requests.
type AppendEntriesReply struct {
	Src           RaftAddr `json:"src"`
	Dest          RaftAddr `json:"dest"`
	Term          uint64   `json:"term"`
	ReqTerm       uint64   `json:"req_term"`
	ReqPrevIndex  uint64   `json:"req_prev_index"`
	ReqNumEntries uint32   `json:"req_num_entries"`
	Success       bool     `json:"success"`
	LastLogIndex  uint64   `json:"last_log_index"`
}

// InstallSnapshot carries one chunk of a state-machine image.
type InstallSnapshot struct {
	Src       RaftAddr `json:"src"`
	Dest      RaftAddr `json:"dest"`
	Term      uint64   `json:"term"`
	LastIndex uint64   `json:"last_index"`
	LastTerm  uint64   `json:"last_term"`
	LastChk   uint32   `json:"last_chk"`
	Offset    uint64   `json:"offset"`
	Data      []byte   `json:"-"`
	Done      bool     `json:"done"`
}

// InstallSnapshotReply always reports how many bytes the follower holds.
type InstallSnapshotReply struct {
	Src       RaftAddr `json:"src"`
	Dest      RaftAddr `json:"dest"`
	Term      uint64   `json:"term"`
	ReqTerm   uint64   `json:"req_term"`
	LastIndex uint64   `json:"last_index"`
	LastTerm  uint64   `json:"last_term"`
	Stored    uint64   `json:"stored"`
	Success   bool     `json:"success"`
	Done      bool     `json:"done"`
}

// TimeoutNow asks the destination to start an election immediately.
type TimeoutNow struct {
	Src          RaftAddr `json:"src"`
	Dest         RaftAddr `json:"dest"`
	Term         uint64   `json:"term"`
	LastLogTerm  uint64   `json:"last_log_term"`
	LastLogIndex uint64   `json:"last_log_index"`
	Force        bool     `json:"force"`
}

// ClientOp selects what a ClientRequest asks for.
type ClientOp uint8

const (
	ClientPropose ClientOp = iota
	ClientAddServer
	ClientRemoveServer
	ClientLeaderTransfer
)

// ClientRequest lets a remote console drive the client operations. Data is
// the proposed value or a textual RaftAddr.
type ClientRequest struct {
	Src  RaftAddr `json:"src"`
	Dest RaftAddr `json:"dest"`
	Op   ClientOp `json:"op"`
	Data []byte   `json:"data"`
}

func (*Ping) Type() MessageType                 { return MsgPing }
func (*PingReply) Type() MessageType            { return MsgPingReply }
func (*RequestVote) Type() MessageType          { return MsgRequestVote }
func (*RequestVoteReply) Type() MessageType     { return MsgRequestVoteReply }
func (*AppendEntries) Type() MessageType        { return MsgAppendEntries }
func (*AppendEntriesReply) Type() MessageType   { return MsgAppendEntriesReply }
func (*InstallSnapshot) Type() MessageType      { return MsgInstallSnapshot }
func (*InstallSnapshotReply) Type() MessageType { return MsgInstallSnapshotReply }
func (*TimeoutNow) Type() MessageType           { return MsgTimeoutNow }
func (*ClientRequest) Type() MessageType        { return MsgClientRequest }

func (m *Ping) From() RaftAddr                 { return m.Src }
func (m *PingReply) From() RaftAddr            { return m.Src }
func (m *RequestVote) From() RaftAddr          { return m.Src }
func (m *RequestVoteReply) From() RaftAddr     { return m.Src }
func (m *AppendEntries) From() RaftAddr        { return m.Src }
func (m *AppendEntriesReply) From() RaftAddr   { return m.Src }
func (m *InstallSnapshot) From() RaftAddr      { return m.Src }
func (m *InstallSnapshotReply) From() RaftAddr { return m.Src }
func (m *TimeoutNow) From() RaftAddr           { return m.Src }
func (m *ClientRequest) From() RaftAddr        { return m.Src }

func (m *Ping) To() RaftAddr                 { return m.Dest }
func (m *PingReply) To() RaftAddr            { return m.Dest }
func (m *RequestVote) To() RaftAddr          { return m.Dest }
func (m *RequestVoteReply) To() RaftAddr     { return m.Dest }
func (m *AppendEntries) To() RaftAddr        { return m.Dest }
func (m *AppendEntriesReply) To() RaftAddr   { return m.Dest }
func (m *InstallSnapshot) To() RaftAddr      { return m.Dest }
func (m *InstallSnapshotReply) To() RaftAddr { return m.Dest }
func (m *TimeoutNow) To() RaftAddr           { return m.Dest }
func (m *ClientRequest) To() RaftAddr        { return m.Dest }

func (m *Ping) encode(e *encoder) {
	e.addr(m.Src)
	e.addr(m.Dest)
	e.bytes(m.Msg)
}

func (m *Ping) decode(d *decoder) {
	m.Src = d.addr()
	m.Dest = d.addr()
	m.Msg = d.bytes()
}

func (m *PingReply) encode(e *encoder) {
	e.addr(m.Src)
	e.addr(m.Dest)
	e.bytes(m.Msg)
}

func (m *PingReply) decode(d *decoder) {
	m.Src = d.addr()
	m.Dest = d.addr()
	m.Msg = d.bytes()
}

func (m *RequestVote) encode(e *encoder) {
	e.addr(m.Src)
	e.addr(m.Dest)
	e.u64(m.Term)
	e.u64(m.LastLogTerm)
	e.u64(m.LastLogIndex)
	e.bool(m.PreVote)
	e.bool(m.LeaderTransfer)
}

func (m *RequestVote) decode(d *decoder) {
	m.Src = d.addr()
	m.Dest = d.addr()
	m.Term = d.u64()
	m.LastLogTerm = d.u64()
	m.LastLogIndex = d.u64()
	m.PreVote = d.bool()
	m.LeaderTransfer = d.bool()
}

func (m *RequestVoteReply) encode(e *encoder) {
	e.addr(m.Src)
	e.addr(m.Dest)
	e.u64(m.Term)
	e.u64(m.ReqTerm)
	e.bool(m.Granted)
	e.bool(m.LogOK)
	e.bool(m.IntervalOK)
	e.bool(m.PreVote)
}

func (m *RequestVoteReply) decode(d *decoder) {
	m.Src = d.addr()
	m.Dest = d.addr()
	m.Term = d.u64()
	m.ReqTerm = d.u64()
	m.Granted = d.bool()
	m.LogOK = d.bool()
	m.IntervalOK = d.bool()
	m.PreVote = d.bool()
}

func (m *AppendEntries) encode(e *encoder) {
	e.addr(m.Src)
	e.addr(m.Dest)
	e.u64(m.Term)
	e.u64(m.PrevLogIndex)
	e.u64(m.PrevLogTerm)
	e.u64(m.CommitIndex)
	e.u32(uint32(len(m.Entries)))
	for i := range m.Entries {
		e.entry(&m.Entries[i])
	}
}

func (m *AppendEntries) decode(d *decoder) {
	m.Src = d.addr()
	m.Dest = d.addr()
	m.Term = d.u64()
	m.PrevLogIndex = d.u64()
	m.PrevLogTerm = d.u64()
	m.CommitIndex = d.u64()
	n := int(d.u32())
	if d.err != nil || n == 0 {
		return
	}
	// Each entry needs at least a header; reject counts the buffer cannot hold.
	if !d.need(n * entryHeaderSize) {
		return
	}
	m.Entries = make([]LogEntry, 0, n)
	for i := 0; i < n && d.err == nil; i++ {
		m.Entries = append(m.Entries, d.entry())
	}
}

func (m *AppendEntriesReply) encode(e *encoder) {
	e.addr(m.Src)
	e.addr(m.Dest)
	e.u64(m.Term)
	e.u64(m.ReqTerm)
	e.u64(m.ReqPrevIndex)
	e.u32(m.ReqNumEntries)
	e.bool(m.Success)
	e.u64(m.LastLogIndex)
}

func (m *AppendEntriesReply) decode(d *decoder) {
	m.Src = d.addr()
	m.Dest = d.addr()
	m.Term = d.u64()
	m.ReqTerm = d.u64()
	m.ReqPrevIndex = d.u64()
	m.ReqNumEntries = d.u32()
	m.Success = d.bool()
	m.LastLogIndex = d.u64()
}

func (m *InstallSnapshot) encode(e *encoder) {
	e.addr(m.Src)
	e.addr(m.Dest)
	e.u64(m.Term)
	e.u64(m.LastIndex)
	e.u64(m.LastTerm)
	e.u32(m.LastChk)
	e.u64(m.Offset)
	e.bytes(m.Data)
	e.bool(m.Done)
}

func (m *InstallSnapshot) decode(d *decoder) {
	m.Src = d.addr()
	m.Dest = d.addr()
	m.Term = d.u64()
	m.LastIndex = d.u64()
	m.LastTerm = d.u64()
	m.LastChk = d.u32()
	m.Offset = d.u64()
	m.Data = d.bytes()
	m.Done = d.bool()
}

func (m *InstallSnapshotReply) encode(e *encoder) {
	e.addr(m.Src)
	e.addr(m.Dest)
	e.u64(m.Term)
	e.u64(m.ReqTerm)
	e.u64(m.LastIndex)
	e.u64(m.LastTerm)
	e.u64(m.Stored)
	e.bool(m.Success)
	e.bool(m.Done)
}

func (m *InstallSnapshotReply) decode(d *decoder) {
	m.Src = d.addr()
	m.Dest = d.addr()
	m.Term = d.u64()
	m.ReqTerm = d.u64()
	m.LastIndex = d.u64()
	m.LastTerm = d.u64()
	m.Stored = d.u64()
	m.Success = d.bool()
	m.Done = d.bool()
}

func (m *TimeoutNow) encode(e *encoder) {
	e.addr(m.Src)
	e.addr(m.Dest)
	e.u64(m.Term)
	e.u64(m.LastLogTerm)
	e.u64(m.LastLogIndex)
	e.bool(m.Force)
}

func (m *TimeoutNow) decode(d *decoder) {
	m.Src = d.addr()
	m.Dest = d.addr()
	m.Term = d.u64()
	m.LastLogTerm = d.u64()
	m.LastLogIndex = d.u64()
	m.Force = d.bool()
}

func (m *ClientRequest) encode(e *encoder) {
	e.addr(m.Src)
	e.addr(m.Dest)
	e.u8(uint8(m.Op))
	e.bytes(m.Data)
}

func (m *ClientRequest) decode(d *decoder) {
	m.Src = d.addr()
	m.Dest = d.addr()
	m.Op = ClientOp(d.u8())
	m.Data = d.bytes()
}

// EncodeMessage returns the envelope header followed by the message body.
func EncodeMessage(m Message) []byte {
	e := &encoder{buf: make([]byte, EnvelopeSize, 64)}
	m.encode(e)
	binary.LittleEndian.PutUint32(e.buf[0:4], uint32(len(e.buf)-EnvelopeSize))
	binary.LittleEndian.PutUint32(e.buf[4:8], uint32(m.Type()))
	return e.buf
}

// DecodeEnvelope parses the envelope header.
func DecodeEnvelope(hdr []byte) (int, MessageType, error) {
	if len(hdr) < EnvelopeSize {
		return 0, 0, fmt.Errorf("%w: envelope %d bytes", ErrCorrupt, len(hdr))
	}
	n := int32(binary.LittleEndian.Uint32(hdr[0:4]))
	if n < 0 {
		return 0, 0, fmt.Errorf("%w: negative body length %d", ErrCorrupt, n)
	}
	return int(n), MessageType(int32(binary.LittleEndian.Uint32(hdr[4:8]))), nil
}

func newMessage(t MessageType) (Message, error) {
	switch t {
	case MsgPing:
		return &Ping{}, nil
	case MsgPingReply:
		return &PingReply{}, nil
	case MsgRequestVote:
		return &RequestVote{}, nil
	case MsgRequestVoteReply:
		return &RequestVoteReply{}, nil
	case MsgAppendEntries:
		return &AppendEntries{}, nil
	case MsgAppendEntriesReply:
		return &AppendEntriesReply{}, nil
	case MsgInstallSnapshot:
		return &InstallSnapshot{}, nil
	case MsgInstallSnapshotReply:
		return &InstallSnapshotReply{}, nil
	case MsgTimeoutNow:
		return &TimeoutNow{}, nil
	case MsgClientRequest:
		return &ClientRequest{}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessage, int32(t))
	}
}

// DecodeMessage decodes one envelope-framed message.
func DecodeMessage(data []byte) (Message, error) {
	n, t, err := DecodeEnvelope(data)
	if err != nil {
		return nil, err
	}
	if len(data)-EnvelopeSize != n {
		return nil, fmt.Errorf("%w: body is %d bytes, header says %d", ErrCorrupt, len(data)-EnvelopeSize, n)
	}
	m, err := newMessage(t)
	if err != nil {
		return nil, err
	}
	d := &decoder{buf: data[EnvelopeSize:]}
	m.decode(d)
	if err := d.finish(); err != nil {
		return nil, fmt.Errorf("decode %s: %w", t, err)
	}
	return m, nil
}
