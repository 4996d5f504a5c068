package test

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ueisele/vraft"
	"github.com/ueisele/vraft/transport"
)

// ErrUnreachable is returned by a send the network refused to deliver.
var ErrUnreachable = errors.New("test: destination unreachable")

// Network delivers messages between in-process replicas. Servers can be
// disconnected, pairs partitioned and single directions blocked.
type Network struct {
	mu                   sync.RWMutex
	receivers            map[vraft.RaftAddr]func([]byte)
	disconnected         map[vraft.RaftAddr]bool
	receiveDisabled      map[vraft.RaftAddr]bool
	partitions           map[vraft.RaftAddr]map[vraft.RaftAddr]bool // symmetric
	asymmetricPartitions map[vraft.RaftAddr]map[vraft.RaftAddr]bool // [from][to] blocked

	delivered atomic.Int64
	dropped   atomic.Int64

	leadersMu sync.Mutex
	leaders   map[uint64]map[vraft.RaftAddr]bool // term -> AppendEntries senders
}

// NewNetwork returns an empty network.
func NewNetwork() *Network {
	return &Network{
		receivers:            make(map[vraft.RaftAddr]func([]byte)),
		disconnected:         make(map[vraft.RaftAddr]bool),
		receiveDisabled:      make(map[vraft.RaftAddr]bool),
		partitions:           make(map[vraft.RaftAddr]map[vraft.RaftAddr]bool),
		asymmetricPartitions: make(map[vraft.RaftAddr]map[vraft.RaftAddr]bool),
		leaders:              make(map[uint64]map[vraft.RaftAddr]bool),
	}
}

// Register routes messages for addr to recv, replacing any earlier receiver.
func (n *Network) Register(addr vraft.RaftAddr, recv func([]byte)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.receivers[addr] = recv
}

// Unregister drops addr's receiver.
func (n *Network) Unregister(addr vraft.RaftAddr) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.receivers, addr)
}

// Send delivers data from one replica to another, or refuses.
func (n *Network) Send(from, to vraft.RaftAddr, data []byte) error {
	n.observe(data)
	n.mu.RLock()
	recv, ok := n.receivers[to]
	blocked := n.disconnected[from] || n.disconnected[to] || n.receiveDisabled[to] ||
		n.partitions[from][to] || n.asymmetricPartitions[from][to]
	n.mu.RUnlock()

	if !ok || blocked {
		n.dropped.Add(1)
		return fmt.Errorf("%w: %s -> %s", ErrUnreachable, from, to)
	}
	n.delivered.Add(1)
	recv(append([]byte(nil), data...))
	return nil
}

// observe notes which replica sent AppendEntries in which term. Only a
// leader sends AppendEntries, so this is every leader seen so far.
func (n *Network) observe(data []byte) {
	m, err := vraft.DecodeMessage(data)
	if err != nil {
		return
	}
	ae, ok := m.(*vraft.AppendEntries)
	if !ok {
		return
	}
	n.leadersMu.Lock()
	defer n.leadersMu.Unlock()
	if n.leaders[ae.Term] == nil {
		n.leaders[ae.Term] = make(map[vraft.RaftAddr]bool)
	}
	n.leaders[ae.Term][ae.Src] = true
}

// LeadersByTerm returns, per term, every replica that acted as leader.
func (n *Network) LeadersByTerm() map[uint64][]vraft.RaftAddr {
	n.leadersMu.Lock()
	defer n.leadersMu.Unlock()
	out := make(map[uint64][]vraft.RaftAddr, len(n.leaders))
	for term, set := range n.leaders {
		for a := range set {
			out[term] = append(out[term], a)
		}
	}
	return out
}

// Sender returns a SendFunc for from.
func (n *Network) Sender(from vraft.RaftAddr) vraft.SendFunc {
	return func(dest vraft.RaftAddr, data []byte) error {
		return n.Send(from, dest, data)
	}
}

// Transport returns a transport.Transport bound to addr.
func (n *Network) Transport(addr vraft.RaftAddr) transport.Transport {
	return &memTransport{net: n, me: addr}
}

// DisconnectServer cuts addr off in both directions.
func (n *Network) DisconnectServer(addr vraft.RaftAddr) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.disconnected[addr] = true
}

// ReconnectServer undoes DisconnectServer.
func (n *Network) ReconnectServer(addr vraft.RaftAddr) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.disconnected, addr)
}

// DisableReceive drops every message sent to addr; addr can still send.
func (n *Network) DisableReceive(addr vraft.RaftAddr) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.receiveDisabled[addr] = true
}

// EnableReceive undoes DisableReceive.
func (n *Network) EnableReceive(addr vraft.RaftAddr) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.receiveDisabled, addr)
}

// DisconnectPair partitions a and b from each other.
func (n *Network) DisconnectPair(a, b vraft.RaftAddr) {
	n.mu.Lock()
	defer n.mu.Unlock()
	setBlocked(n.partitions, a, b, true)
	setBlocked(n.partitions, b, a, true)
}

// ReconnectPair heals a partition between a and b.
func (n *Network) ReconnectPair(a, b vraft.RaftAddr) {
	n.mu.Lock()
	defer n.mu.Unlock()
	setBlocked(n.partitions, a, b, false)
	setBlocked(n.partitions, b, a, false)
}

// SetAsymmetricPartition blocks or unblocks messages from -> to only.
func (n *Network) SetAsymmetricPartition(from, to vraft.RaftAddr, set bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	setBlocked(n.asymmetricPartitions, from, to, set)
}

// Delivered and Dropped count messages since NewNetwork.
func (n *Network) Delivered() int64 { return n.delivered.Load() }
func (n *Network) Dropped() int64   { return n.dropped.Load() }

func setBlocked(m map[vraft.RaftAddr]map[vraft.RaftAddr]bool, from, to vraft.RaftAddr, set bool) {
	if !set {
		delete(m[from], to)
		return
	}
	if m[from] == nil {
		m[from] = make(map[vraft.RaftAddr]bool)
	}
	m[from][to] = true
}

type memTransport struct {
	net *Network
	me  vraft.RaftAddr
}

func (t *memTransport) Send(dest vraft.RaftAddr, data []byte) error {
	return t.net.Send(t.me, dest, data)
}

func (t *memTransport) Start(recv func([]byte)) error {
	t.net.Register(t.me, recv)
	return nil
}

func (t *memTransport) Stop() error {
	t.net.Unregister(t.me)
	return nil
}

func (t *memTransport) Addr() string { return t.me.String() }
