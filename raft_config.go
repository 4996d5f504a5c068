package vraft

import (
	"fmt"
	"slices"
	"strings"
)

// RaftConfig is one replica's view of cluster membership: itself plus peers.
type RaftConfig struct {
	Me    RaftAddr   `json:"me"`
	Peers []RaftAddr `json:"peers"`
}

// NewRaftConfig builds a config for me out of a member list. me is dropped
// from peers if present, duplicates are removed and peers are sorted.
func NewRaftConfig(me RaftAddr, members []RaftAddr) *RaftConfig {
	peers := make([]RaftAddr, 0, len(members))
	for _, a := range members {
		if a != me {
			peers = append(peers, a)
		}
	}
	slices.Sort(peers)
	return &RaftConfig{Me: me, Peers: slices.Compact(peers)}
}

// Clone returns a deep copy.
func (c *RaftConfig) Clone() *RaftConfig {
	return &RaftConfig{Me: c.Me, Peers: slices.Clone(c.Peers)}
}

// Members returns me and the peers, sorted.
func (c *RaftConfig) Members() []RaftAddr {
	m := append([]RaftAddr{c.Me}, c.Peers...)
	slices.Sort(m)
	return m
}

// Contains reports whether addr is me or a peer.
func (c *RaftConfig) Contains(addr RaftAddr) bool {
	return addr == c.Me || c.IsPeer(addr)
}

// IsPeer reports whether addr is one of the peers.
func (c *RaftConfig) IsPeer(addr RaftAddr) bool {
	_, ok := slices.BinarySearch(c.Peers, addr)
	return ok
}

// Quorum is the number of members, self included, that form a majority.
func (c *RaftConfig) Quorum() int {
	return Majority(len(c.Peers) + 1)
}

// With returns a copy that also contains addr.
func (c *RaftConfig) With(addr RaftAddr) *RaftConfig {
	return NewRaftConfig(c.Me, append(c.Members(), addr))
}

// Without returns a copy that no longer contains addr as a peer.
func (c *RaftConfig) Without(addr RaftAddr) *RaftConfig {
	members := slices.DeleteFunc(c.Members(), func(a RaftAddr) bool { return a == addr && a != c.Me })
	return NewRaftConfig(c.Me, members)
}

// Equal compares member sets.
func (c *RaftConfig) Equal(o *RaftConfig) bool {
	return slices.Equal(c.Members(), o.Members())
}

// Diff compares the member sets of c and next. sign is 1 when next strictly
// contains c, -1 when c strictly contains next and 0 otherwise.
func (c *RaftConfig) Diff(next *RaftConfig) (added, removed []RaftAddr, sign int) {
	cur, nxt := c.Members(), next.Members()
	for _, a := range nxt {
		if _, ok := slices.BinarySearch(cur, a); !ok {
			added = append(added, a)
		}
	}
	for _, a := range cur {
		if _, ok := slices.BinarySearch(nxt, a); !ok {
			removed = append(removed, a)
		}
	}
	switch {
	case len(added) > 0 && len(removed) == 0:
		sign = 1
	case len(removed) > 0 && len(added) == 0:
		sign = -1
	}
	return added, removed, sign
}

// MarshalBinary encodes the member list; this is the value of a Config entry.
// Format: [Count:4][Addr:8]...
func (c *RaftConfig) MarshalBinary() ([]byte, error) {
	e := &encoder{}
	members := c.Members()
	e.u32(uint32(len(members)))
	for _, a := range members {
		e.addr(a)
	}
	return e.buf, nil
}

// DecodeRaftConfig decodes a member list and views it from me.
func DecodeRaftConfig(me RaftAddr, data []byte) (*RaftConfig, error) {
	members, err := decodeMembers(data)
	if err != nil {
		return nil, err
	}
	return NewRaftConfig(me, members), nil
}

func decodeMembers(data []byte) ([]RaftAddr, error) {
	d := &decoder{buf: data}
	n := int(d.u32())
	if !d.need(n * 8) {
		return nil, fmt.Errorf("decode config: %w", d.err)
	}
	members := make([]RaftAddr, n)
	for i := range members {
		members[i] = d.addr()
	}
	if err := d.finish(); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return members, nil
}

func (c *RaftConfig) String() string {
	var b strings.Builder
	b.WriteString(c.Me.String())
	b.WriteString(" [")
	for i, p := range c.Peers {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(p.String())
	}
	b.WriteByte(']')
	return b.String()
}
