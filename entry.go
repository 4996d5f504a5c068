package vraft

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// LogEntry represents a single entry in the replicated log.
//
// ChkThis covers the entry's own term, type and value. ChkAll chains it with
// the predecessor's ChkAll, so two logs with equal ChkAll at the same index
// hold identical prefixes.
type LogEntry struct {
	Index   uint64    `json:"index"`
	Term    uint64    `json:"term"`
	Type    EntryType `json:"type"`
	Value   []byte    `json:"value"`
	ChkThis uint32    `json:"chk_this"`
	ChkAll  uint32    `json:"chk_all"`
}

// EntryChecksum computes the per-entry checksum.
func EntryChecksum(term uint64, typ EntryType, value []byte) uint32 {
	var hdr [9]byte
	binary.LittleEndian.PutUint64(hdr[0:8], term)
	hdr[8] = byte(typ)
	c := crc32.Update(0, crcTable, hdr[:])
	return crc32.Update(c, crcTable, value)
}

// ChainChecksum folds an entry checksum into the predecessor's chain value.
func ChainChecksum(prev, this uint32) uint32 {
	var b [8]byte
	binary.LittleEndian.PutUint32(b[0:4], prev)
	binary.LittleEndian.PutUint32(b[4:8], this)
	return crc32.Checksum(b[:], crcTable)
}

// Seal fills ChkThis and ChkAll given the predecessor's chain value.
func (e *LogEntry) Seal(prevChkAll uint32) {
	e.ChkThis = EntryChecksum(e.Term, e.Type, e.Value)
	e.ChkAll = ChainChecksum(prevChkAll, e.ChkThis)
}

// Verify reports whether ChkThis matches the content and ChkAll follows prevChkAll.
func (e *LogEntry) Verify(prevChkAll uint32) bool {
	return e.ChkThis == EntryChecksum(e.Term, e.Type, e.Value) &&
		e.ChkAll == ChainChecksum(prevChkAll, e.ChkThis)
}

func (e *LogEntry) String() string {
	return fmt.Sprintf("%d:%d:%s:%d:%08x:%08x", e.Index, e.Term, e.Type, len(e.Value), e.ChkThis, e.ChkAll)
}

const entryHeaderSize = 8 + 8 + 1 + 4 + 4 + 4

// MarshalBinary encodes the whole entry.
// Format: [Index:8][Term:8][Type:1][ChkThis:4][ChkAll:4][ValueLen:4][Value:N]
func (e *LogEntry) MarshalBinary() ([]byte, error) {
	buf := make([]byte, entryHeaderSize+len(e.Value))
	e.put(buf)
	return buf, nil
}

func (e *LogEntry) encodedSize() int { return entryHeaderSize + len(e.Value) }

func (e *LogEntry) put(buf []byte) int {
	binary.LittleEndian.PutUint64(buf[0:8], e.Index)
	binary.LittleEndian.PutUint64(buf[8:16], e.Term)
	buf[16] = byte(e.Type)
	binary.LittleEndian.PutUint32(buf[17:21], e.ChkThis)
	binary.LittleEndian.PutUint32(buf[21:25], e.ChkAll)
	binary.LittleEndian.PutUint32(buf[25:29], uint32(len(e.Value)))
	copy(buf[29:], e.Value)
	return entryHeaderSize + len(e.Value)
}

// UnmarshalBinary decodes an entry produced by MarshalBinary.
func (e *LogEntry) UnmarshalBinary(data []byte) error {
	n, err := e.get(data)
	if err != nil {
		return err
	}
	if n != len(data) {
		return fmt.Errorf("%w: %d trailing bytes after entry", ErrCorrupt, len(data)-n)
	}
	return nil
}

func (e *LogEntry) get(data []byte) (int, error) {
	if len(data) < entryHeaderSize {
		return 0, fmt.Errorf("%w: entry header %d bytes", ErrCorrupt, len(data))
	}
	vlen := int(binary.LittleEndian.Uint32(data[25:29]))
	if len(data) < entryHeaderSize+vlen {
		return 0, fmt.Errorf("%w: entry value truncated", ErrCorrupt)
	}
	e.Index = binary.LittleEndian.Uint64(data[0:8])
	e.Term = binary.LittleEndian.Uint64(data[8:16])
	e.Type = EntryType(data[16])
	e.ChkThis = binary.LittleEndian.Uint32(data[17:21])
	e.ChkAll = binary.LittleEndian.Uint32(data[21:25])
	e.Value = append([]byte(nil), data[29:29+vlen]...)
	return entryHeaderSize + vlen, nil
}

// entryMeta is the fixed-size record stored next to each value so term,
// type and checksum lookups never read the value.
type entryMeta struct {
	Term     uint64
	Type     EntryType
	ChkThis  uint32
	ChkAll   uint32
	ValueLen uint32
}

const entryMetaSize = 8 + 1 + 4 + 4 + 4

func (m *entryMeta) encode() []byte {
	buf := make([]byte, entryMetaSize)
	binary.LittleEndian.PutUint64(buf[0:8], m.Term)
	buf[8] = byte(m.Type)
	binary.LittleEndian.PutUint32(buf[9:13], m.ChkThis)
	binary.LittleEndian.PutUint32(buf[13:17], m.ChkAll)
	binary.LittleEndian.PutUint32(buf[17:21], m.ValueLen)
	return buf
}

func decodeEntryMeta(data []byte) (entryMeta, error) {
	if len(data) != entryMetaSize {
		return entryMeta{}, fmt.Errorf("%w: meta record %d bytes", ErrCorrupt, len(data))
	}
	return entryMeta{
		Term:     binary.LittleEndian.Uint64(data[0:8]),
		Type:     EntryType(data[8]),
		ChkThis:  binary.LittleEndian.Uint32(data[9:13]),
		ChkAll:   binary.LittleEndian.Uint32(data[13:17]),
		ValueLen: binary.LittleEndian.Uint32(data[17:21]),
	}, nil
}
