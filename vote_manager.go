package vraft

// VoteItem is what a candidate learned from one peer in the current round.
type VoteItem struct {
	Granted    bool `json:"granted"`
	Responded  bool `json:"responded"`
	LogOK      bool `json:"log_ok"`
	IntervalOK bool `json:"interval_ok"`
}

// VoteManager tallies vote replies for one election round.
type VoteManager struct {
	items map[RaftAddr]*VoteItem
}

func NewVoteManager() *VoteManager {
	return &VoteManager{items: make(map[RaftAddr]*VoteItem)}
}

// Reset clears every item; called on each entry into Candidate.
func (vm *VoteManager) Reset(peers []RaftAddr) {
	vm.items = make(map[RaftAddr]*VoteItem, len(peers))
	for _, p := range peers {
		vm.items[p] = &VoteItem{}
	}
}

func (vm *VoteManager) Remove(peer RaftAddr) {
	delete(vm.items, peer)
}

func (vm *VoteManager) Get(peer RaftAddr) *VoteItem {
	return vm.items[peer]
}

// Record stores a reply. Replies from untracked peers are ignored.
func (vm *VoteManager) Record(peer RaftAddr, granted, logOK, intervalOK bool) {
	it, ok := vm.items[peer]
	if !ok {
		return
	}
	it.Responded = true
	it.Granted = granted
	it.LogOK = logOK
	it.IntervalOK = intervalOK
}

// Granted counts granted votes, self included.
func (vm *VoteManager) Granted() int {
	n := 1
	for _, it := range vm.items {
		if it.Granted {
			n++
		}
	}
	return n
}

// PreVoteOK counts peers that would vote for us, self included. With
// intervalCheck the peer must also have lost its leader.
func (vm *VoteManager) PreVoteOK(intervalCheck bool) int {
	n := 1
	for _, it := range vm.items {
		if it.Responded && it.LogOK && (!intervalCheck || it.IntervalOK) {
			n++
		}
	}
	return n
}

// Snapshot copies the tally for status output.
func (vm *VoteManager) Snapshot() map[string]VoteItem {
	out := make(map[string]VoteItem, len(vm.items))
	for p, it := range vm.items {
		out[p.String()] = *it
	}
	return out
}
