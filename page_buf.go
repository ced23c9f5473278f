package tcmu

import "encoding/binary"

// pageBuf is a fixed size response page with big-endian field writers.
// Every writer takes the absolute byte offset of the field within the page.
type pageBuf []byte

func newPageBuf(size int) pageBuf {
	return make(pageBuf, size)
}

func (p pageBuf) putUint16(off int, v uint16) {
	binary.BigEndian.PutUint16(p[off:], v)
}

// putUint24 writes the low 24 bits of v.
func (p pageBuf) putUint24(off int, v uint32) {
	p[off] = byte(v >> 16)
	p[off+1] = byte(v >> 8)
	p[off+2] = byte(v)
}

func (p pageBuf) putUint32(off int, v uint32) {
	binary.BigEndian.PutUint32(p[off:], v)
}

func (p pageBuf) putUint64(off int, v uint64) {
	binary.BigEndian.PutUint64(p[off:], v)
}

func (p pageBuf) setBits(off int, mask byte) {
	p[off] |= mask
}

// putString copies at most max bytes of s to off, never running past the end
// of the page, and returns the number of bytes written.
func (p pageBuf) putString(off int, s string, max int) int {
	if off >= len(p) {
		return 0
	}
	if room := len(p) - off; max > room {
		max = room
	}
	if len(s) > max {
		s = s[:max]
	}
	return copy(p[off:], s)
}

// putFixed writes s padded with spaces (or truncated) to exactly n bytes.
func (p pageBuf) putFixed(off int, s string, n int) {
	copy(p[off:off+n], FixedString(s, n))
}
