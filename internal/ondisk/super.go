package ondisk

import "encoding/binary"

// FormatVersion is bumped on any on-disk layout change.
const FormatVersion uint32 = 1

// superFixedSize is the size of the structured prefix of a super sector;
// the remainder of the sector (up to SectorSize) is zero-padded.
const superFixedSize = 132

// Super mirrors the fields of a super sector. It is mirrored
// on disk as super0/super1 for torn-write detection.
type Super struct {
	Checksum             uint32
	Version              uint32
	SectorSize           uint32
	SnapshotMetadataSize uint32 // sectors
	RingBufferSize       uint64 // sectors
	OldestLSID           uint64
	WrittenLSID          uint64
	DeviceSize           uint64 // sectors of exposed device
	LogChecksumSalt      uint32
	UUID                 [16]byte
	Name                 [64]byte
}

// Marshal encodes s into a zero-padded buffer of exactly sectorSize
// bytes with Checksum filled in so the whole sector sums to zero.
func (s *Super) Marshal(sectorSize int) []byte {
	buf := make([]byte, sectorSize)
	s.encodeInto(buf, 0)
	binary.LittleEndian.PutUint32(buf[0:4], Checksum(buf))
	return buf
}

// encodeInto writes s's fields (with a zero checksum) into buf.
func (s *Super) encodeInto(buf []byte, _ uint32) {
	binary.LittleEndian.PutUint32(buf[0:4], 0) // checksum placeholder
	binary.LittleEndian.PutUint32(buf[4:8], s.Version)
	binary.LittleEndian.PutUint32(buf[8:12], s.SectorSize)
	binary.LittleEndian.PutUint32(buf[12:16], s.SnapshotMetadataSize)
	binary.LittleEndian.PutUint64(buf[16:24], s.RingBufferSize)
	binary.LittleEndian.PutUint64(buf[24:32], s.OldestLSID)
	binary.LittleEndian.PutUint64(buf[32:40], s.WrittenLSID)
	binary.LittleEndian.PutUint64(buf[40:48], s.DeviceSize)
	binary.LittleEndian.PutUint32(buf[48:52], s.LogChecksumSalt)
	copy(buf[52:68], s.UUID[:])
	copy(buf[68:132], s.Name[:])
}

// UnmarshalSuper decodes a super sector. It returns ok=false if buf is
// too short or its checksum does not verify.
func UnmarshalSuper(buf []byte) (*Super, bool) {
	if len(buf) < superFixedSize {
		return nil, false
	}
	if !VerifyChecksum(buf) {
		return nil, false
	}
	// An all-zero sector sums to zero; require the structural fields
	// so a blank device never passes for a formatted one.
	if binary.LittleEndian.Uint32(buf[4:8]) == 0 || binary.LittleEndian.Uint32(buf[8:12]) == 0 {
		return nil, false
	}
	s := &Super{
		Checksum:             binary.LittleEndian.Uint32(buf[0:4]),
		Version:              binary.LittleEndian.Uint32(buf[4:8]),
		SectorSize:           binary.LittleEndian.Uint32(buf[8:12]),
		SnapshotMetadataSize: binary.LittleEndian.Uint32(buf[12:16]),
		RingBufferSize:       binary.LittleEndian.Uint64(buf[16:24]),
		OldestLSID:           binary.LittleEndian.Uint64(buf[24:32]),
		WrittenLSID:          binary.LittleEndian.Uint64(buf[32:40]),
		DeviceSize:           binary.LittleEndian.Uint64(buf[40:48]),
		LogChecksumSalt:      binary.LittleEndian.Uint32(buf[48:52]),
	}
	copy(s.UUID[:], buf[52:68])
	copy(s.Name[:], buf[68:132])
	return s, true
}
