package vraft

import "fmt"

// State represents the server state in Raft
type State int

const (
	Follower State = iota
	Candidate
	Leader
)

func (s State) String() string {
	switch s {
	case Follower:
		return "Follower"
	case Candidate:
		return "Candidate"
	case Leader:
		return "Leader"
	default:
		return "Unknown"
	}
}

// MarshalText renders the state by name in JSON dumps.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for _, c := range []State{Follower, Candidate, Leader} {
		if c.String() == string(b) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", b)
}

// EntryType tells the apply step what a log entry carries.
type EntryType uint8

const (
	EntryNoop   EntryType = iota // marker appended by a new leader
	EntryData                    // handed to the state machine
	EntryConfig                  // encoded RaftConfig
)

func (t EntryType) String() string {
	switch t {
	case EntryNoop:
		return "Noop"
	case EntryData:
		return "Data"
	case EntryConfig:
		return "Config"
	default:
		return "Unknown"
	}
}

// MaxTransferTerm bounds how many terms a leadership-transfer election may
// run with the interval check bypassed.
const MaxTransferTerm = 3
