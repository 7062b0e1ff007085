package ondisk

import "encoding/binary"

// recordSize is the on-disk size of a single log-pack record descriptor.
const recordSize = 32

// headerFixedSize is the size of a log-pack header's fixed prefix,
// before the variable-length records array.
const headerFixedSize = 24

// Record flag bits (packed into the first byte of each on-disk record).
const (
	RecordFlagExist uint8 = 1 << iota
	RecordFlagPadding
	RecordFlagDiscard
)

// Record describes one upstream request folded into a log pack.
type Record struct {
	IsExist   bool
	IsPadding bool
	IsDiscard bool
	Offset    uint64 // logical-sector offset on the data device
	IOSize    uint32 // log space consumed, in physical blocks (0 for discard)
	IOSectors uint32 // upstream length in logical sectors (data apply / discard length)
	LSIDLocal uint32 // logpack_lsid + LSIDLocal == this record's LSID
	Checksum  uint32 // payload checksum (0 for padding/discard records)
}

// Space returns the LSID space the record consumes within its pack, in
// physical blocks. Data records consume their payload blocks; discard
// and padding records consume one block of LSID space so lsid_local
// stays strictly increasing and the pack-size arithmetic stays exact.
func (r *Record) Space() uint32 {
	if r.IOSize > 0 {
		return r.IOSize
	}
	return 1
}

func (r *Record) flags() uint8 {
	var f uint8
	if r.IsExist {
		f |= RecordFlagExist
	}
	if r.IsPadding {
		f |= RecordFlagPadding
	}
	if r.IsDiscard {
		f |= RecordFlagDiscard
	}
	return f
}

// Header is a log-pack header: the fixed fields plus up to
// len(Records) per-request descriptors, encoded together into a single
// sector.
type Header struct {
	Checksum     uint32
	LogpackLSID  uint64
	TotalIOSize  uint32 // physical blocks, including the header itself
	NRecords     uint32
	PackFlags    uint8 // supplemental: torn-pack recovery marker
	Records      []Record
}

// PackFlagTruncated marks a header rewritten by the redo engine's
// "rewrite latest logpack" step after a partial-tail recovery.
const PackFlagTruncated uint8 = 1

// MaxRecords returns how many records fit in a header sector of the
// given size.
func MaxRecords(sectorSize int) int {
	n := (sectorSize - headerFixedSize) / recordSize
	if n < 0 {
		return 0
	}
	return n
}

// EncodeSalted encodes h with salt stored as a plain field at bytes
// [4:8], then computes the zero-sum checksum over the whole sector,
// salt included. ValidateHeaderSalted compares the stored salt against
// the live epoch's, so headers from a different log epoch (different
// salt) never validate.
func (h *Header) EncodeSalted(sectorSize int, salt uint32) []byte {
	buf := make([]byte, sectorSize)
	h.encodeInto(buf)
	binary.LittleEndian.PutUint32(buf[4:8], salt)
	binary.LittleEndian.PutUint32(buf[0:4], Checksum(buf))
	return buf
}

func (h *Header) encodeInto(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], 0) // checksum placeholder
	binary.LittleEndian.PutUint32(buf[4:8], 0) // salt placeholder
	binary.LittleEndian.PutUint64(buf[8:16], h.LogpackLSID)
	binary.LittleEndian.PutUint32(buf[16:20], h.TotalIOSize)
	binary.LittleEndian.PutUint32(buf[20:24], uint32(len(h.Records))<<8|uint32(h.PackFlags))

	off := headerFixedSize
	for _, r := range h.Records {
		buf[off] = r.flags()
		binary.LittleEndian.PutUint32(buf[off+4:off+8], r.IOSectors)
		binary.LittleEndian.PutUint64(buf[off+8:off+16], r.Offset)
		binary.LittleEndian.PutUint32(buf[off+16:off+20], r.IOSize)
		binary.LittleEndian.PutUint32(buf[off+20:off+24], r.LSIDLocal)
		binary.LittleEndian.PutUint32(buf[off+24:off+28], r.Checksum)
		off += recordSize
	}
}

// DecodeHeader decodes a header sector without verifying its checksum;
// callers use ValidateHeaderSalted first.
func DecodeHeader(buf []byte) *Header {
	nAndFlags := binary.LittleEndian.Uint32(buf[20:24])
	n := int(nAndFlags >> 8)
	h := &Header{
		Checksum:    binary.LittleEndian.Uint32(buf[0:4]),
		LogpackLSID: binary.LittleEndian.Uint64(buf[8:16]),
		TotalIOSize: binary.LittleEndian.Uint32(buf[16:20]),
		NRecords:    uint32(n),
		PackFlags:   uint8(nAndFlags & 0xff),
	}
	off := headerFixedSize
	max := MaxRecords(len(buf))
	if n > max {
		n = max
	}
	h.Records = make([]Record, n)
	for i := 0; i < n; i++ {
		flags := buf[off]
		h.Records[i] = Record{
			IsExist:   flags&RecordFlagExist != 0,
			IsPadding: flags&RecordFlagPadding != 0,
			IsDiscard: flags&RecordFlagDiscard != 0,
			IOSectors: binary.LittleEndian.Uint32(buf[off+4 : off+8]),
			Offset:    binary.LittleEndian.Uint64(buf[off+8 : off+16]),
			IOSize:    binary.LittleEndian.Uint32(buf[off+16 : off+20]),
			LSIDLocal: binary.LittleEndian.Uint32(buf[off+20 : off+24]),
			Checksum:  binary.LittleEndian.Uint32(buf[off+24 : off+28]),
		}
		off += recordSize
	}
	return h
}

// ValidateHeaderSalted verifies buf's salted checksum and structural
// invariants: record count within bounds and strictly increasing
// lsid_local values.
func ValidateHeaderSalted(buf []byte, salt uint32) bool {
	if len(buf) < headerFixedSize {
		return false
	}
	if binary.LittleEndian.Uint32(buf[4:8]) != salt {
		return false
	}
	if !VerifyChecksum(buf) {
		return false
	}
	h := DecodeHeader(buf)
	if int(h.NRecords) > MaxRecords(len(buf)) {
		return false
	}
	// A pack always spans at least its header block; rejecting zero
	// keeps a replay cursor from ever standing still.
	if h.TotalIOSize == 0 {
		return false
	}
	var prev uint32
	space := uint32(1) // header block
	for i, r := range h.Records {
		if r.LSIDLocal < 1 {
			return false
		}
		if i > 0 && r.LSIDLocal <= prev {
			return false
		}
		prev = r.LSIDLocal
		space += r.Space()
	}
	// Pack size arithmetic must be exact: total = header + per-record
	// LSID space.
	if len(h.Records) > 0 && space != h.TotalIOSize {
		return false
	}
	return true
}
