package vraft

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ueisele/vraft/storage"
)

// Key layout of the log store. Each entry is two records, a fixed-size meta
// record and the raw value, so term and checksum lookups never read values.
const (
	prefixMeta  = 'm'
	prefixValue = 'v'
	prefixState = 's'

	stateAppend = 0 // next index to append, le64
	stateBase   = 1 // index, term and chain checksum of the entry before first
)

// logBase describes the entry just before the first stored one. After
// compaction it keeps the chain going.
type logBase struct {
	Index uint64
	Term  uint64
	Chk   uint32
}

func (b logBase) encode() []byte {
	buf := make([]byte, 20)
	binary.LittleEndian.PutUint64(buf[0:8], b.Index)
	binary.LittleEndian.PutUint64(buf[8:16], b.Term)
	binary.LittleEndian.PutUint32(buf[16:20], b.Chk)
	return buf
}

func decodeLogBase(data []byte) (logBase, error) {
	if len(data) != 20 {
		return logBase{}, fmt.Errorf("%w: base record %d bytes", ErrCorrupt, len(data))
	}
	return logBase{
		Index: binary.LittleEndian.Uint64(data[0:8]),
		Term:  binary.LittleEndian.Uint64(data[8:16]),
		Chk:   binary.LittleEndian.Uint32(data[16:20]),
	}, nil
}

// LogStore is the durable, checksum-chained replicated log.
//
// When non-empty it holds [first, append-1]. When empty first == append and
// base describes index append-1. Both truncations persist append so a
// restart never reuses a superseded index.
type LogStore struct {
	kv     storage.KV
	logger Logger

	first    uint64
	append   uint64
	base     logBase
	lastTerm uint64
	lastChk  uint32

	onInsert   func(*LogEntry)
	onTruncate func(from uint64)
}

// OpenLogStore loads the log kept in kv and verifies the checksum chain.
func OpenLogStore(kv storage.KV, logger Logger) (*LogStore, error) {
	if logger == nil {
		logger = nopLogger{}
	}
	ls := &LogStore{kv: kv, logger: logger, append: 1}

	v, err := kv.Get(storage.Key(prefixState, stateAppend))
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("load append index: %w", err)
	case len(v) != 8:
		return nil, fmt.Errorf("%w: append record %d bytes", ErrCorrupt, len(v))
	default:
		ls.append = binary.LittleEndian.Uint64(v)
	}

	v, err = kv.Get(storage.Key(prefixState, stateBase))
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("load log base: %w", err)
	default:
		if ls.base, err = decodeLogBase(v); err != nil {
			return nil, err
		}
	}

	// Walk the meta records: find first, check contiguity and the chain.
	ls.first = ls.append
	expect, prevChk, prevTerm := uint64(0), ls.base.Chk, ls.base.Term
	var walkErr error
	err = kv.Iterate(storage.Key(prefixMeta, 0), storage.Key(prefixMeta+1, 0), func(k, val []byte) bool {
		idx, _ := storage.KeyIndex(k)
		m, err := decodeEntryMeta(val)
		if err != nil {
			walkErr = err
			return false
		}
		if expect == 0 {
			ls.first = idx
			if idx != ls.base.Index+1 {
				walkErr = fmt.Errorf("%w: first entry %d does not follow base %d", ErrCorrupt, idx, ls.base.Index)
				return false
			}
		} else if idx != expect {
			walkErr = fmt.Errorf("%w: gap in log at %d, found %d", ErrCorrupt, expect, idx)
			return false
		}
		if m.ChkAll != ChainChecksum(prevChk, m.ChkThis) {
			walkErr = fmt.Errorf("%w: checksum chain broken at %d", ErrCorrupt, idx)
			return false
		}
		if walkErr = ls.checkValue(idx, m); walkErr != nil {
			return false
		}
		expect, prevChk, prevTerm = idx+1, m.ChkAll, m.Term
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("scan log: %w", err)
	}
	if walkErr != nil {
		return nil, walkErr
	}
	if expect != 0 && expect != ls.append {
		return nil, fmt.Errorf("%w: last entry %d but append index %d", ErrCorrupt, expect-1, ls.append)
	}
	if expect == 0 && ls.append != ls.base.Index+1 {
		// Empty log: the base is authoritative for where appends resume.
		ls.append = ls.base.Index + 1
		ls.first = ls.append
	}
	ls.lastTerm, ls.lastChk = prevTerm, prevChk
	return ls, nil
}

// SetCallbacks installs the hooks fired after entries are inserted and after
// the tail is truncated.
func (ls *LogStore) SetCallbacks(onInsert func(*LogEntry), onTruncate func(from uint64)) {
	ls.onInsert = onInsert
	ls.onTruncate = onTruncate
}

// Empty reports whether no entries are stored.
func (ls *LogStore) Empty() bool { return ls.first == ls.append }

// First returns the first stored index, or 0 when empty.
func (ls *LogStore) First() uint64 {
	if ls.Empty() {
		return 0
	}
	return ls.first
}

// Last returns the last stored index, or 0 when empty.
func (ls *LogStore) Last() uint64 {
	if ls.Empty() {
		return 0
	}
	return ls.append - 1
}

// Append returns the next index to be appended.
func (ls *LogStore) Append() uint64 { return ls.append }

// Len returns the number of stored entries.
func (ls *LogStore) Len() uint64 { return ls.append - ls.first }

// LastIndex is the index of the newest entry, stored or compacted away.
func (ls *LogStore) LastIndex() uint64 { return ls.append - 1 }

// LastTerm is the term of LastIndex.
func (ls *LogStore) LastTerm() uint64 { return ls.lastTerm }

// LastChk is the chain checksum at LastIndex.
func (ls *LogStore) LastChk() uint32 { return ls.lastChk }

// Base returns the index, term and chain checksum just before First.
func (ls *LogStore) Base() (index, term uint64, chk uint32) {
	return ls.base.Index, ls.base.Term, ls.base.Chk
}

// Has reports whether index is stored.
func (ls *LogStore) Has(index uint64) bool {
	return index >= ls.first && index < ls.append
}

// HasTerm reports whether the term at index is known, either because the
// entry is stored or because it is the base.
func (ls *LogStore) HasTerm(index uint64) bool {
	return index == ls.base.Index || ls.Has(index)
}

func (ls *LogStore) meta(index uint64) entryMeta {
	if !ls.Has(index) {
		panic(fmt.Sprintf("vraft: log index %d outside [%d, %d]", index, ls.first, ls.append-1))
	}
	v, err := ls.kv.Get(storage.Key(prefixMeta, index))
	if err != nil {
		panic(fmt.Sprintf("vraft: read meta %d: %v", index, err))
	}
	m, err := decodeEntryMeta(v)
	if err != nil {
		panic(fmt.Sprintf("vraft: meta %d: %v", index, err))
	}
	return m
}

// Term returns the term at index. Index 0 and the base index are answered
// without a stored entry; any other index must be stored.
func (ls *LogStore) Term(index uint64) uint64 {
	switch {
	case index == 0:
		return 0
	case index == ls.base.Index:
		return ls.base.Term
	case index == ls.append-1:
		return ls.lastTerm
	}
	return ls.meta(index).Term
}

// Chk returns the chain checksum at index, with the same rules as Term.
func (ls *LogStore) Chk(index uint64) uint32 {
	switch {
	case index == ls.base.Index:
		return ls.base.Chk
	case index == ls.append-1:
		return ls.lastChk
	}
	return ls.meta(index).ChkAll
}

func (ls *LogStore) value(index uint64, m entryMeta) ([]byte, error) {
	v, err := ls.kv.Get(storage.Key(prefixValue, index))
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("read value %d: %w", index, err)
	}
	if uint32(len(v)) != m.ValueLen {
		return nil, fmt.Errorf("%w: value %d is %d bytes, meta says %d", ErrCorrupt, index, len(v), m.ValueLen)
	}
	if EntryChecksum(m.Term, m.Type, v) != m.ChkThis {
		return nil, fmt.Errorf("%w: value %d does not match its checksum", ErrCorrupt, index)
	}
	return v, nil
}

func (ls *LogStore) checkValue(index uint64, m entryMeta) error {
	_, err := ls.value(index, m)
	return err
}

// Get returns the entry at index, which must be stored. A value that no
// longer matches its checksum panics.
func (ls *LogStore) Get(index uint64) *LogEntry {
	m := ls.meta(index)
	v, err := ls.value(index, m)
	if err != nil {
		panic(fmt.Sprintf("vraft: %v", err))
	}
	return &LogEntry{Index: index, Term: m.Term, Type: m.Type, Value: v, ChkThis: m.ChkThis, ChkAll: m.ChkAll}
}

// Entries returns up to max entries starting at from, stopping early once
// maxBytes of values have been collected (at least one entry is returned).
func (ls *LogStore) Entries(from uint64, max int, maxBytes int) []LogEntry {
	var out []LogEntry
	size := 0
	for i := from; i < ls.append && len(out) < max; i++ {
		e := ls.Get(i)
		size += len(e.Value)
		if len(out) > 0 && maxBytes > 0 && size > maxBytes {
			break
		}
		out = append(out, *e)
	}
	return out
}

func (ls *LogStore) put(b *storage.Batch, e *LogEntry) {
	m := entryMeta{Term: e.Term, Type: e.Type, ChkThis: e.ChkThis, ChkAll: e.ChkAll, ValueLen: uint32(len(e.Value))}
	b.Put(storage.Key(prefixMeta, e.Index), m.encode())
	if len(e.Value) > 0 {
		b.Put(storage.Key(prefixValue, e.Index), e.Value)
	}
}

func putAppend(b *storage.Batch, next uint64) {
	var v [8]byte
	binary.LittleEndian.PutUint64(v[:], next)
	b.Put(storage.Key(prefixState, stateAppend), v[:])
}

// AppendOne seals and durably appends a new entry at the append index.
func (ls *LogStore) AppendOne(term uint64, typ EntryType, value []byte) (*LogEntry, error) {
	e := &LogEntry{Index: ls.append, Term: term, Type: typ, Value: value}
	e.Seal(ls.lastChk)
	b := storage.NewBatch()
	ls.put(b, e)
	putAppend(b, e.Index+1)
	if err := ls.kv.Write(b); err != nil {
		return nil, fmt.Errorf("append entry %d: %w", e.Index, err)
	}
	ls.append, ls.lastTerm, ls.lastChk = e.Index+1, e.Term, e.ChkAll
	if ls.onInsert != nil {
		ls.onInsert(e)
	}
	return e, nil
}

// AppendRun appends entries received from a leader. The first entry must
// sit at the append index. Checksums are recomputed against the local chain;
// a mismatch with the leader's value means the logs diverged and is logged.
func (ls *LogStore) AppendRun(entries []LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	if entries[0].Index != ls.append {
		return fmt.Errorf("append run at %d, log expects %d", entries[0].Index, ls.append)
	}
	b := storage.NewBatch()
	run := make([]*LogEntry, len(entries))
	prev := ls.lastChk
	for i := range entries {
		e := entries[i]
		e.Index = ls.append + uint64(i)
		want := e.ChkAll
		e.Seal(prev)
		if want != 0 && want != e.ChkAll {
			ls.logger.Warn("log diverges from leader at %d: local chk %08x, leader chk %08x", e.Index, e.ChkAll, want)
		}
		prev = e.ChkAll
		ls.put(b, &e)
		run[i] = &e
	}
	last := run[len(run)-1]
	putAppend(b, last.Index+1)
	if err := ls.kv.Write(b); err != nil {
		return fmt.Errorf("append entries %d-%d: %w", run[0].Index, last.Index, err)
	}
	ls.append, ls.lastTerm, ls.lastChk = last.Index+1, last.Term, last.ChkAll
	if ls.onInsert != nil {
		for _, e := range run {
			ls.onInsert(e)
		}
	}
	return nil
}

// DeleteFrom truncates [from, last].
func (ls *LogStore) DeleteFrom(from uint64) error {
	if from < ls.first {
		from = ls.first
	}
	if from >= ls.append {
		return nil
	}
	term, chk := ls.Term(from-1), ls.Chk(from-1)
	b := storage.NewBatch()
	for i := from; i < ls.append; i++ {
		b.Delete(storage.Key(prefixMeta, i))
		b.Delete(storage.Key(prefixValue, i))
	}
	putAppend(b, from)
	if err := ls.kv.Write(b); err != nil {
		return fmt.Errorf("delete from %d: %w", from, err)
	}
	ls.append, ls.lastTerm, ls.lastChk = from, term, chk
	if ls.onTruncate != nil {
		ls.onTruncate(from)
	}
	return nil
}

// DeleteUntil discards [first, until]. The term and chain checksum of until
// become the base so later appends stay verifiable.
func (ls *LogStore) DeleteUntil(until uint64) error {
	if ls.Empty() || until < ls.first {
		return nil
	}
	if until >= ls.append {
		until = ls.append - 1
	}
	base := logBase{Index: until, Term: ls.Term(until), Chk: ls.Chk(until)}
	b := storage.NewBatch()
	for i := ls.first; i <= until; i++ {
		b.Delete(storage.Key(prefixMeta, i))
		b.Delete(storage.Key(prefixValue, i))
	}
	b.Put(storage.Key(prefixState, stateBase), base.encode())
	putAppend(b, ls.append)
	if err := ls.kv.Write(b); err != nil {
		return fmt.Errorf("delete until %d: %w", until, err)
	}
	ls.first, ls.base = until+1, base
	return nil
}

// Reset drops every entry and restarts the log after (index, term, chk),
// which is how a follower adopts an installed snapshot its log cannot reach.
func (ls *LogStore) Reset(index, term uint64, chk uint32) error {
	base := logBase{Index: index, Term: term, Chk: chk}
	b := storage.NewBatch()
	for i := ls.first; i < ls.append; i++ {
		b.Delete(storage.Key(prefixMeta, i))
		b.Delete(storage.Key(prefixValue, i))
	}
	b.Put(storage.Key(prefixState, stateBase), base.encode())
	putAppend(b, index+1)
	if err := ls.kv.Write(b); err != nil {
		return fmt.Errorf("reset log to %d: %w", index, err)
	}
	ls.first, ls.append, ls.base = index+1, index+1, base
	ls.lastTerm, ls.lastChk = term, chk
	return nil
}

// LastConfig returns the newest Config entry still stored, or nil.
func (ls *LogStore) LastConfig() *LogEntry {
	for i := ls.append - 1; i >= ls.first && i > 0; i-- {
		if ls.meta(i).Type == EntryConfig {
			return ls.Get(i)
		}
	}
	return nil
}

// Close closes the underlying store.
func (ls *LogStore) Close() error {
	return ls.kv.Close()
}

func (ls *LogStore) String() string {
	return fmt.Sprintf("log[%d,%d) base=%d:%d chk=%08x", ls.first, ls.append, ls.base.Index, ls.base.Term, ls.lastChk)
}
