package ondisk

import (
	"encoding/binary"

	"github.com/bits-and-blooms/bitset"
)

// snapshotRecordSize is the on-disk size of one snapshot record:
// id(4) + nameLen(1) + name(63) + lsid(8) + timestamp(8).
const snapshotRecordSize = 4 + 1 + 63 + 8 + 8

// snapshotHeaderSize is checksum(4) + bitmap(4, for 32 slots).
const snapshotHeaderSize = 8

// RecordsPerSector is the fixed number of snapshot record slots per
// sector.
const RecordsPerSector = 32

// SnapshotRecord is one persisted snapshot.
type SnapshotRecord struct {
	SnapshotID uint32
	Name       string
	LSID       uint64
	Timestamp  uint64
}

// SnapshotSector is one on-disk metadata sector: an occupancy bitmap
// plus up to RecordsPerSector records.
type SnapshotSector struct {
	Occupied *bitset.BitSet // length RecordsPerSector
	Records  [RecordsPerSector]SnapshotRecord
}

// NewSnapshotSector returns an empty sector.
func NewSnapshotSector() *SnapshotSector {
	return &SnapshotSector{Occupied: bitset.New(RecordsPerSector)}
}

// MinSectorSize is the smallest sector size that can hold a full
// snapshot sector's header and RecordsPerSector records. Configured
// sector sizes below this (e.g. the 512-byte logical sector) cannot be
// used for the snapshot area; see constants.DefaultSectorSize.
const MinSectorSize = snapshotHeaderSize + RecordsPerSector*snapshotRecordSize

// Marshal encodes the sector into a zero-padded buffer of sectorSize
// bytes, or MinSectorSize bytes if sectorSize is too small to hold a
// full sector.
func (s *SnapshotSector) Marshal(sectorSize int) []byte {
	if sectorSize < MinSectorSize {
		sectorSize = MinSectorSize
	}
	buf := make([]byte, sectorSize)
	bitmapBytes := s.Occupied.Bytes()
	var bitmap32 uint32
	for i, w := range bitmapBytes {
		if i >= 4 {
			break
		}
		bitmap32 |= uint32(w) << (8 * i)
	}
	binary.LittleEndian.PutUint32(buf[4:8], bitmap32)

	off := snapshotHeaderSize
	for i := 0; i < RecordsPerSector; i++ {
		if s.Occupied.Test(uint(i)) {
			r := s.Records[i]
			binary.LittleEndian.PutUint32(buf[off:off+4], r.SnapshotID)
			nameBytes := []byte(r.Name)
			if len(nameBytes) > 63 {
				nameBytes = nameBytes[:63]
			}
			buf[off+4] = byte(len(nameBytes))
			copy(buf[off+5:off+68], nameBytes)
			binary.LittleEndian.PutUint64(buf[off+68:off+76], r.LSID)
			binary.LittleEndian.PutUint64(buf[off+76:off+84], r.Timestamp)
		}
		off += snapshotRecordSize
	}
	binary.LittleEndian.PutUint32(buf[0:4], Checksum(buf))
	return buf
}

// UnmarshalSnapshotSector decodes a snapshot sector, returning ok=false
// if its checksum does not verify.
func UnmarshalSnapshotSector(buf []byte) (*SnapshotSector, bool) {
	if len(buf) < snapshotHeaderSize+RecordsPerSector*snapshotRecordSize {
		return nil, false
	}
	if !VerifyChecksum(buf) {
		return nil, false
	}
	s := NewSnapshotSector()
	bitmap32 := binary.LittleEndian.Uint32(buf[4:8])
	for i := 0; i < RecordsPerSector; i++ {
		if bitmap32&(1<<uint(i)) != 0 {
			s.Occupied.Set(uint(i))
		}
	}
	off := snapshotHeaderSize
	for i := 0; i < RecordsPerSector; i++ {
		if s.Occupied.Test(uint(i)) {
			nameLen := int(buf[off+4])
			if nameLen > 63 {
				nameLen = 63
			}
			s.Records[i] = SnapshotRecord{
				SnapshotID: binary.LittleEndian.Uint32(buf[off : off+4]),
				Name:       string(buf[off+5 : off+5+nameLen]),
				LSID:       binary.LittleEndian.Uint64(buf[off+68 : off+76]),
				Timestamp:  binary.LittleEndian.Uint64(buf[off+76 : off+84]),
			}
		}
		off += snapshotRecordSize
	}
	return s, true
}
