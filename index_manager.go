package vraft

// IndexItem is the leader's replication progress for one peer.
type IndexItem struct {
	NextIndex  uint64 `json:"next_index"`
	MatchIndex uint64 `json:"match_index"`
}

// IndexManager tracks next/match index per peer. Only meaningful on a leader.
type IndexManager struct {
	items map[RaftAddr]*IndexItem
}

func NewIndexManager() *IndexManager {
	return &IndexManager{items: make(map[RaftAddr]*IndexItem)}
}

// Reset reinitializes every peer to next = lastIndex+1, match = 0.
func (im *IndexManager) Reset(peers []RaftAddr, lastIndex uint64) {
	im.items = make(map[RaftAddr]*IndexItem, len(peers))
	for _, p := range peers {
		im.Add(p, lastIndex)
	}
}

// Add starts tracking peer if it is not tracked yet.
func (im *IndexManager) Add(peer RaftAddr, lastIndex uint64) {
	if _, ok := im.items[peer]; !ok {
		im.items[peer] = &IndexItem{NextIndex: lastIndex + 1}
	}
}

func (im *IndexManager) Remove(peer RaftAddr) {
	delete(im.items, peer)
}

// Get returns the progress for peer, or nil if untracked.
func (im *IndexManager) Get(peer RaftAddr) *IndexItem {
	return im.items[peer]
}

// MajorityMatch returns the highest index stored on a majority, counting
// the leader's own last index.
func (im *IndexManager) MajorityMatch(selfLast uint64) uint64 {
	vals := make([]uint64, 0, len(im.items)+1)
	vals = append(vals, selfLast)
	for _, it := range im.items {
		vals = append(vals, it.MatchIndex)
	}
	return QuorumValue(vals)
}

// Snapshot copies the progress table for status output.
func (im *IndexManager) Snapshot() map[string]IndexItem {
	out := make(map[string]IndexItem, len(im.items))
	for p, it := range im.items {
		out[p.String()] = *it
	}
	return out
}
