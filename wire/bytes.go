package wire

import "encoding/binary"

// MaxSafeMillis is the largest timestamp value the wire format carries.
// Millisecond timestamps must survive a round-trip through JSON numbers,
// which are IEEE 754 doubles with 53 bits of integer precision.
const MaxSafeMillis = int64(1)<<53 - 1

// U32BE returns the exact 4-byte big-endian representation of n.
func U32BE(n uint32) []byte {
	out := make([]byte, 4)
	binary.BigEndian.PutUint32(out, n)
	return out
}

// U64BE returns the exact 8-byte big-endian representation of n.
// Negative values are rejected by callers before encoding; n is the
// millisecond timestamp domain, bounded by MaxSafeMillis.
func U64BE(n uint64) []byte {
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, n)
	return out
}

// Concat returns the exact byte concatenation of parts.
func Concat(parts ...[]byte) []byte {
	size := 0
	for _, p := range parts {
		size += len(p)
	}
	out := make([]byte, 0, size)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
