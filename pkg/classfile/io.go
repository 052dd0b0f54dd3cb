package classfile

import (
	"encoding/binary"
	"fmt"
)

// decoder is a big-endian cursor with a sticky error.
type decoder struct {
	b   []byte
	off int
	err error
}

func newDecoder(b []byte) *decoder { return &decoder{b: b} }

func (d *decoder) need(n int) bool {
	if d.err != nil {
		return false
	}
	if n < 0 || d.off+n > len(d.b) {
		d.err = fmt.Errorf("%w: unexpected end of data at offset %d (need %d bytes, have %d)", ErrFormat, d.off, n, len(d.b)-d.off)
		return false
	}
	return true
}

func (d *decoder) u1() uint8 {
	if !d.need(1) {
		return 0
	}
	v := d.b[d.off]
	d.off++
	return v
}

func (d *decoder) u2() uint16 {
	if !d.need(2) {
		return 0
	}
	v := binary.BigEndian.Uint16(d.b[d.off:])
	d.off += 2
	return v
}

func (d *decoder) u4() uint32 {
	if !d.need(4) {
		return 0
	}
	v := binary.BigEndian.Uint32(d.b[d.off:])
	d.off += 4
	return v
}

func (d *decoder) u8() uint64 {
	if !d.need(8) {
		return 0
	}
	v := binary.BigEndian.Uint64(d.b[d.off:])
	d.off += 8
	return v
}

// bytes returns a copy so that callers never alias the input buffer.
func (d *decoder) bytes(n int) []byte {
	if !d.need(n) {
		return nil
	}
	out := make([]byte, n)
	copy(out, d.b[d.off:d.off+n])
	d.off += n
	return out
}

func (d *decoder) remaining() int { return len(d.b) - d.off }

// encoder appends big-endian values to a byte slice.
type encoder struct {
	b []byte
}

func (e *encoder) u1(v uint8)     { e.b = append(e.b, v) }
func (e *encoder) u2(v uint16)    { e.b = binary.BigEndian.AppendUint16(e.b, v) }
func (e *encoder) u4(v uint32)    { e.b = binary.BigEndian.AppendUint32(e.b, v) }
func (e *encoder) u8(v uint64)    { e.b = binary.BigEndian.AppendUint64(e.b, v) }
func (e *encoder) write(b []byte) { e.b = append(e.b, b...) }
