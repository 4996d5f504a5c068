package vraft

import (
	"slices"
	"time"
)

// Peer is what a replica remembers about another member between messages.
type Peer struct {
	Addr RaftAddr `json:"addr"`

	// PreVote records whether the vote request in flight is a pre-vote, so
	// retries resend the same kind.
	PreVote bool `json:"pre_vote"`

	LastSend time.Time `json:"last_send"`
	LastRecv time.Time `json:"last_recv"`
}

// PeerManager is the set of peers of the current config.
type PeerManager struct {
	peers map[RaftAddr]*Peer
}

func NewPeerManager() *PeerManager {
	return &PeerManager{peers: make(map[RaftAddr]*Peer)}
}

// Add registers addr and reports whether it was new.
func (pm *PeerManager) Add(addr RaftAddr) bool {
	if _, ok := pm.peers[addr]; ok {
		return false
	}
	pm.peers[addr] = &Peer{Addr: addr}
	return true
}

// Remove forgets addr and reports whether it was known.
func (pm *PeerManager) Remove(addr RaftAddr) bool {
	if _, ok := pm.peers[addr]; !ok {
		return false
	}
	delete(pm.peers, addr)
	return true
}

func (pm *PeerManager) Get(addr RaftAddr) *Peer { return pm.peers[addr] }

func (pm *PeerManager) Len() int { return len(pm.peers) }

// Addrs returns peer addresses in ascending order.
func (pm *PeerManager) Addrs() []RaftAddr {
	out := make([]RaftAddr, 0, len(pm.peers))
	for a := range pm.peers {
		out = append(out, a)
	}
	slices.Sort(out)
	return out
}
