package tcmu

import "bytes"

// NoMismatch is returned by IOVec.Compare when the compared bytes are equal.
const NoMismatch = -1

// IOVec is the scatter/gather list describing a command's data buffer. Each
// segment usually aliases the TCMU shared memory area.
//
// Consuming operations (Seek, CopyInto, CopyFrom) advance the segments in
// place: a consumed prefix is sliced off and a fully consumed segment is left
// empty, so the total remaining length only ever decreases.
type IOVec [][]byte

// Length returns the number of bytes remaining across all segments.
func (v IOVec) Length() int {
	n := 0
	for _, seg := range v {
		n += len(seg)
	}
	return n
}

// Seek consumes count bytes and returns the number of segments that were
// fully consumed. count must not exceed Length.
func (v IOVec) Seek(count int) int {
	consumed := 0
	for i := 0; count > 0; i++ {
		if count >= len(v[i]) {
			count -= len(v[i])
			v[i] = v[i][len(v[i]):]
			consumed++
		} else {
			v[i] = v[i][count:]
			count = 0
		}
	}
	return consumed
}

// CopyInto copies src into the vector, consuming the space written. It
// truncates instead of overrunning and returns the number of bytes copied.
func (v IOVec) CopyInto(src []byte) int {
	copied := 0
	for i := 0; i < len(v) && copied < len(src); i++ {
		n := copy(v[i], src[copied:])
		v[i] = v[i][n:]
		copied += n
	}
	return copied
}

// CopyFrom copies from the vector into dst, consuming the space read, and
// returns the number of bytes copied.
func (v IOVec) CopyFrom(dst []byte) int {
	copied := 0
	for i := 0; i < len(v) && copied < len(dst); i++ {
		n := copy(dst[copied:], v[i])
		v[i] = v[i][n:]
		copied += n
	}
	return copied
}

// Compare compares the first size bytes of mem with the vector, without
// consuming it. It returns the offset of the first differing byte, or
// NoMismatch.
func (v IOVec) Compare(mem []byte, size int) int {
	off := 0
	for _, seg := range v {
		if size == 0 {
			break
		}
		part := len(seg)
		if part > size {
			part = size
		}
		a, b := mem[off:off+part], seg[:part]
		if !bytes.Equal(a, b) {
			// Rare, so locate the exact byte the slow way.
			pos := 0
			for pos < part && a[pos] == b[pos] {
				pos++
			}
			return off + pos
		}
		size -= part
		off += part
	}
	return NoMismatch
}

// Zero fills every segment with zeroes.
func (v IOVec) Zero() {
	for _, seg := range v {
		for i := range seg {
			seg[i] = 0
		}
	}
}
