package vraft

import (
	"encoding/binary"
	"fmt"
)

// encoder appends little-endian fixed-width fields and length-prefixed byte
// strings to a buffer.
type encoder struct {
	buf []byte
}

func (e *encoder) u8(v uint8) { e.buf = append(e.buf, v) }

func (e *encoder) u32(v uint32) { e.buf = binary.LittleEndian.AppendUint32(e.buf, v) }

func (e *encoder) u64(v uint64) { e.buf = binary.LittleEndian.AppendUint64(e.buf, v) }

func (e *encoder) addr(a RaftAddr) { e.u64(uint64(a)) }

func (e *encoder) bool(v bool) {
	if v {
		e.u8(1)
	} else {
		e.u8(0)
	}
}

func (e *encoder) bytes(b []byte) {
	e.u32(uint32(len(b)))
	e.buf = append(e.buf, b...)
}

func (e *encoder) entry(le *LogEntry) {
	n := len(e.buf)
	e.buf = append(e.buf, make([]byte, le.encodedSize())...)
	le.put(e.buf[n:])
}

// decoder reads what encoder wrote. The first short read sticks in err and
// every later read returns zero values.
type decoder struct {
	buf []byte
	off int
	err error
}

func (d *decoder) need(n int) bool {
	if d.err != nil {
		return false
	}
	if len(d.buf)-d.off < n {
		d.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrCorrupt, n, d.off, len(d.buf)-d.off)
		return false
	}
	return true
}

func (d *decoder) u8() uint8 {
	if !d.need(1) {
		return 0
	}
	v := d.buf[d.off]
	d.off++
	return v
}

func (d *decoder) u32() uint32 {
	if !d.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(d.buf[d.off:])
	d.off += 4
	return v
}

func (d *decoder) u64() uint64 {
	if !d.need(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(d.buf[d.off:])
	d.off += 8
	return v
}

func (d *decoder) addr() RaftAddr { return RaftAddr(d.u64()) }

func (d *decoder) bool() bool { return d.u8() != 0 }

func (d *decoder) bytes() []byte {
	n := int(d.u32())
	if !d.need(n) {
		return nil
	}
	b := append([]byte(nil), d.buf[d.off:d.off+n]...)
	d.off += n
	return b
}

func (d *decoder) entry() LogEntry {
	var le LogEntry
	if d.err != nil {
		return le
	}
	n, err := le.get(d.buf[d.off:])
	if err != nil {
		d.err = err
		return le
	}
	d.off += n
	return le
}

func (d *decoder) finish() error {
	if d.err != nil {
		return d.err
	}
	if d.off != len(d.buf) {
		return fmt.Errorf("%w: %d trailing bytes", ErrCorrupt, len(d.buf)-d.off)
	}
	return nil
}
