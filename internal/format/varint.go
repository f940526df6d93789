package format

import "encoding/binary"

// MaxVarintLen is the largest number of bytes a uint64 varint can occupy.
const MaxVarintLen = binary.MaxVarintLen64

// PutUvarint encodes v into a caller-supplied stack buffer (at least
// MaxVarintLen bytes) and returns the number of bytes written, avoiding a
// heap allocation per encode in the B+Tree's hot insert/split path.
func PutUvarint(buf []byte, v uint64) int {
	return binary.PutUvarint(buf, v)
}

// Uvarint decodes a varint from the front of b, returning the value and
// the number of bytes consumed. A non-positive n means b did not contain
// a complete, legal varint (truncated or over-long encoding).
func Uvarint(b []byte) (v uint64, n int) {
	return binary.Uvarint(b)
}

// AppendUvarint appends the varint encoding of v to dst.
func AppendUvarint(dst []byte, v uint64) []byte {
	var tmp [MaxVarintLen]byte
	n := PutUvarint(tmp[:], v)
	return append(dst, tmp[:n]...)
}
