// Package storage provides the ordered key-value store the log, the
// term/vote record and the key-value state machine are kept in.
package storage

import (
	"encoding/binary"
	"errors"
)

// ErrNotFound is returned by Get for a missing key.
var ErrNotFound = errors.New("storage: not found")

// KV is an ordered key-value store. Keys compare bytewise, so fixed-width
// big-endian integer keys sort numerically.
type KV interface {
	// Get returns the value stored under key or ErrNotFound.
	Get(key []byte) ([]byte, error)

	Put(key, value []byte) error

	Delete(key []byte) error

	// Write applies every operation in b atomically.
	Write(b *Batch) error

	// Iterate calls fn for keys in [start, end) in ascending order until fn
	// returns false. A nil end means no upper bound. The slices passed to fn
	// are copies and may be retained.
	Iterate(start, end []byte, fn func(key, value []byte) bool) error

	Close() error
}

// Options tunes how a store is opened.
type Options struct {
	// Sync makes every write durable before it returns.
	Sync bool
}

// Error wraps a failure from the underlying store.
type Error struct {
	Op  string // "open", "get", "put", "delete", "write", "iterate", "close"
	Err error
}

func (e *Error) Error() string {
	return "storage " + e.Op + " error: " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Key builds a key made of a one-byte prefix followed by n in big-endian.
func Key(prefix byte, n uint64) []byte {
	k := make([]byte, 9)
	k[0] = prefix
	binary.BigEndian.PutUint64(k[1:], n)
	return k
}

// KeyIndex extracts n from a key built by Key.
func KeyIndex(key []byte) (uint64, bool) {
	if len(key) != 9 {
		return 0, false
	}
	return binary.BigEndian.Uint64(key[1:]), true
}
