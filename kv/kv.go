// Package kv is a key-value state machine kept in LevelDB. Each applied
// entry and the applied position are written in one batch, so the store
// never disagrees with its LastIndex after a crash.
package kv

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/ueisele/vraft"
	"github.com/ueisele/vraft/storage"
)

// CommandType selects what a Command does.
type CommandType string

const (
	SetCommand    CommandType = "set"
	DeleteCommand CommandType = "delete"
)

// Command is the value of a Data entry.
type Command struct {
	Type  CommandType `json:"type"`
	Key   string      `json:"key"`
	Value string      `json:"value,omitempty"`
}

// Encode returns the entry value for c.
func (c Command) Encode() []byte {
	data, _ := json.Marshal(c)
	return data
}

// DecodeCommand parses an entry value.
func DecodeCommand(data []byte) (Command, error) {
	var c Command
	if err := json.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("decode command: %w", err)
	}
	if c.Key == "" {
		return c, errors.New("decode command: empty key")
	}
	return c, nil
}

// Item is a stored value.
type Item struct {
	Value   string `json:"value"`
	Version int64  `json:"version"`
	Index   uint64 `json:"index"`
}

var (
	metaKey    = []byte{'m'}
	dataPrefix = byte('d')
)

func dataKey(key string) []byte {
	return append([]byte{dataPrefix}, key...)
}

// Store implements vraft.StateMachine. Apply runs on the replica's loop;
// Get may be called from any goroutine.
type Store struct {
	dir string

	mu        sync.RWMutex
	db        *storage.LevelDB
	lastIndex uint64
	lastTerm  uint64
	applied   int
}

var _ vraft.StateMachine = (*Store)(nil)

// Open opens or creates the store kept in dir.
func Open(dir string) (*Store, error) {
	db, err := storage.OpenLevelDB(dir, storage.Options{Sync: true})
	if err != nil {
		return nil, err
	}
	return &Store{dir: dir, db: db}, nil
}

// Factory is a vraft.StateMachineFactory.
func Factory(dir string) (vraft.StateMachine, error) {
	return Open(dir)
}

// Restore loads the applied position.
func (s *Store) Restore() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, err := s.db.Get(metaKey)
	if errors.Is(err, storage.ErrNotFound) {
		s.lastIndex, s.lastTerm = 0, 0
		return nil
	}
	if err != nil {
		return err
	}
	if len(v) != 16 {
		return fmt.Errorf("kv: meta record %d bytes", len(v))
	}
	s.lastIndex = binary.LittleEndian.Uint64(v[0:8])
	s.lastTerm = binary.LittleEndian.Uint64(v[8:16])
	return nil
}

// Apply executes one committed command.
func (s *Store) Apply(e *vraft.LogEntry, src vraft.RaftAddr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.Index <= s.lastIndex {
		return nil
	}

	b := storage.NewBatch()
	cmd, err := DecodeCommand(e.Value)
	if err != nil {
		// Malformed commands still consume their index.
		cmd.Type = ""
	}
	switch cmd.Type {
	case SetCommand:
		var version int64 = 1
		if old, err := s.get(cmd.Key); err == nil {
			version = old.Version + 1
		}
		item, _ := json.Marshal(Item{Value: cmd.Value, Version: version, Index: e.Index})
		b.Put(dataKey(cmd.Key), item)
	case DeleteCommand:
		b.Delete(dataKey(cmd.Key))
	}

	var meta [16]byte
	binary.LittleEndian.PutUint64(meta[0:8], e.Index)
	binary.LittleEndian.PutUint64(meta[8:16], e.Term)
	b.Put(metaKey, meta[:])
	if err := s.db.Write(b); err != nil {
		return fmt.Errorf("kv: apply %d from %s: %w", e.Index, src, err)
	}
	s.lastIndex, s.lastTerm = e.Index, e.Term
	s.applied++
	return nil
}

func (s *Store) get(key string) (Item, error) {
	var it Item
	v, err := s.db.Get(dataKey(key))
	if err != nil {
		return it, err
	}
	if err := json.Unmarshal(v, &it); err != nil {
		return it, fmt.Errorf("kv: item %q: %w", key, err)
	}
	return it, nil
}

// Get returns the item stored under key, or storage.ErrNotFound.
func (s *Store) Get(key string) (Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.get(key)
}

// Keys returns every key in byte order.
func (s *Store) Keys() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	err := s.db.Iterate([]byte{dataPrefix}, []byte{dataPrefix + 1}, func(k, _ []byte) bool {
		keys = append(keys, string(k[1:]))
		return true
	})
	return keys, err
}

func (s *Store) LastIndex() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastIndex
}

func (s *Store) LastTerm() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastTerm
}

// Applied counts Apply calls since Open that changed the store.
func (s *Store) Applied() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.applied
}

// Checkpoint copies a consistent image of the store into dir.
func (s *Store) Checkpoint(dir string) error {
	return s.db.CopyTo(dir)
}

func (s *Store) Close() error {
	return s.db.Close()
}
