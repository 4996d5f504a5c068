package test

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/ueisele/vraft"
)

const stateFile = "state.json"

// RecordingStateMachine remembers every applied value in order. It
// persists itself as JSON after each Apply, which is plenty for tests.
type RecordingStateMachine struct {
	dir string

	mu    sync.RWMutex
	state recordedState
}

type recordedState struct {
	LastIndex uint64   `json:"last_index"`
	LastTerm  uint64   `json:"last_term"`
	Values    []string `json:"values"`
	Indexes   []uint64 `json:"indexes"`
}

var _ vraft.StateMachine = (*RecordingStateMachine)(nil)

// NewRecordingStateMachine is a vraft.StateMachineFactory.
func NewRecordingStateMachine(dir string) (vraft.StateMachine, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &RecordingStateMachine{dir: dir}, nil
}

func (sm *RecordingStateMachine) Restore() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	data, err := os.ReadFile(filepath.Join(sm.dir, stateFile))
	if errors.Is(err, fs.ErrNotExist) {
		sm.state = recordedState{}
		return nil
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, &sm.state)
}

func (sm *RecordingStateMachine) Apply(e *vraft.LogEntry, _ vraft.RaftAddr) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if e.Index <= sm.state.LastIndex {
		return nil
	}
	sm.state.LastIndex, sm.state.LastTerm = e.Index, e.Term
	sm.state.Values = append(sm.state.Values, string(e.Value))
	sm.state.Indexes = append(sm.state.Indexes, e.Index)
	return writeState(sm.dir, &sm.state)
}

func (sm *RecordingStateMachine) LastIndex() uint64 {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.state.LastIndex
}

func (sm *RecordingStateMachine) LastTerm() uint64 {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.state.LastTerm
}

func (sm *RecordingStateMachine) Checkpoint(dir string) error {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return writeState(dir, &sm.state)
}

func (sm *RecordingStateMachine) Close() error { return nil }

// Values returns the applied values in order.
func (sm *RecordingStateMachine) Values() []string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return append([]string(nil), sm.state.Values...)
}

func writeState(dir string, st *recordedState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	tmp := filepath.Join(dir, stateFile+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return os.Rename(tmp, filepath.Join(dir, stateFile))
}
