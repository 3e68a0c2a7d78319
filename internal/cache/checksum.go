package cache

import "hash/crc32"

// crc32Table is precomputed once for fast checksum computation on every
// cache write, mirroring the integrity wrapper the commit log uses for its
// on-disk segments.
var crc32Table = crc32.MakeTable(crc32.IEEE)

// wrapChecksum appends a 4-byte little-endian CRC32 of data to data itself,
// so a corrupted cache entry is detected on read instead of silently
// returned to the coordinator.
func wrapChecksum(data []byte) []byte {
	sum := crc32.Checksum(data, crc32Table)
	out := make([]byte, len(data)+4)
	copy(out, data)
	out[len(data)] = byte(sum)
	out[len(data)+1] = byte(sum >> 8)
	out[len(data)+2] = byte(sum >> 16)
	out[len(data)+3] = byte(sum >> 24)
	return out
}

// unwrapChecksum validates and strips the trailing CRC32 appended by
// wrapChecksum. ok is false if the blob is too short or the checksum does
// not match.
func unwrapChecksum(wrapped []byte) (data []byte, ok bool) {
	if len(wrapped) < 4 {
		return nil, false
	}
	n := len(wrapped) - 4
	data = wrapped[:n]
	expected := uint32(wrapped[n]) | uint32(wrapped[n+1])<<8 | uint32(wrapped[n+2])<<16 | uint32(wrapped[n+3])<<24
	return data, crc32.Checksum(data, crc32Table) == expected
}
