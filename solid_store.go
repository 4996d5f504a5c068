package vraft

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ueisele/vraft/storage"
)

var (
	solidKeyTermVote = storage.Key(prefixState, 0x10)
	solidKeyConfig   = storage.Key(prefixState, 0x11)
)

// SolidStore keeps current_term and voted_for durable, along with the last
// committed membership.
type SolidStore struct {
	kv       storage.KV
	term     uint64
	votedFor RaftAddr
	members  []byte
}

// OpenSolidStore loads the stored term and vote, or zeros on a fresh store.
func OpenSolidStore(kv storage.KV) (*SolidStore, error) {
	s := &SolidStore{kv: kv}
	v, err := kv.Get(solidKeyTermVote)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("load term/vote: %w", err)
	case len(v) != 16:
		return nil, fmt.Errorf("%w: term/vote record %d bytes", ErrCorrupt, len(v))
	default:
		s.term = binary.LittleEndian.Uint64(v[0:8])
		s.votedFor = RaftAddr(binary.LittleEndian.Uint64(v[8:16]))
	}
	v, err = kv.Get(solidKeyConfig)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("load config: %w", err)
	default:
		s.members = v
	}
	return s, nil
}

// Term returns the durable current term.
func (s *SolidStore) Term() uint64 { return s.term }

// VotedFor returns the vote cast in Term, 0 for none.
func (s *SolidStore) VotedFor() RaftAddr { return s.votedFor }

// Set durably records term and vote together.
func (s *SolidStore) Set(term uint64, votedFor RaftAddr) error {
	if term == s.term && votedFor == s.votedFor {
		return nil
	}
	var v [16]byte
	binary.LittleEndian.PutUint64(v[0:8], term)
	binary.LittleEndian.PutUint64(v[8:16], uint64(votedFor))
	if err := s.kv.Put(solidKeyTermVote, v[:]); err != nil {
		return fmt.Errorf("save term %d vote %s: %w", term, votedFor, err)
	}
	s.term, s.votedFor = term, votedFor
	return nil
}

// SetTerm moves to a new term and clears the vote.
func (s *SolidStore) SetTerm(term uint64) error { return s.Set(term, 0) }

// Vote records a vote in the current term.
func (s *SolidStore) Vote(addr RaftAddr) error { return s.Set(s.term, addr) }

// SaveConfig persists a committed membership.
func (s *SolidStore) SaveConfig(c *RaftConfig) error {
	data, _ := c.MarshalBinary()
	if err := s.kv.Put(solidKeyConfig, data); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	s.members = data
	return nil
}

// Config returns the last saved membership viewed from me, or nil.
func (s *SolidStore) Config(me RaftAddr) (*RaftConfig, error) {
	if s.members == nil {
		return nil, nil
	}
	return DecodeRaftConfig(me, s.members)
}

// Members returns the last saved member list, or nil.
func (s *SolidStore) Members() ([]RaftAddr, error) {
	if s.members == nil {
		return nil, nil
	}
	return decodeMembers(s.members)
}

// Close closes the underlying store.
func (s *SolidStore) Close() error {
	return s.kv.Close()
}
