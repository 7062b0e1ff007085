// Package ondisk defines the fixed-layout, little-endian on-disk
// structures shared by the superblock, log-pack, and snapshot codecs,
// and the single checksum algorithm all three use.
package ondisk

import "encoding/binary"

// sumWords folds buf as a sequence of little-endian uint32 words and
// sums them modulo 2^32. buf's length must be a multiple of 4; all
// on-disk structures in this package are padded to satisfy that.
func sumWords(buf []byte) uint32 {
	var sum uint32
	for i := 0; i+4 <= len(buf); i += 4 {
		sum += binary.LittleEndian.Uint32(buf[i : i+4])
	}
	return sum
}

// Checksum returns the value that, written into buf's checksum field
// (which must be zeroed by the caller before calling this), makes the
// whole buffer sum to zero under sumWords.
func Checksum(buf []byte) uint32 {
	return -sumWords(buf)
}

// VerifyChecksum reports whether buf, with its checksum field already
// populated, sums to exactly zero.
func VerifyChecksum(buf []byte) bool {
	return sumWords(buf) == 0
}
