// Package logpack turns upstream write requests into log packs
// and maps log sequence ids onto byte offsets in the log
// device's ring buffer.
package logpack

import (
	"fmt"

	"github.com/walbfs/walb/internal/ondisk"
)

// Request is one upstream write folded into a pack by BuildPack.
type Request struct {
	Offset  uint64 // logical-sector offset on the data device
	Payload []byte // length is a multiple of the logical sector size
	Discard bool   // TRIM/DISCARD request: one zero block is appended
	Sectors uint32 // discard length in logical sectors (ignored for writes)
}

// Pack is a built log pack: a header plus the payload to append
// immediately after it on the log device. Payload is laid out in
// physical-block units: record k's blocks start at block
// (k's LSIDLocal - 1) of Payload, zero-padded up to the block
// boundary, so the whole pack can be written as one contiguous run of
// TotalBlocks sectors.
type Pack struct {
	Header  *ondisk.Header
	Payload []byte

	// TotalBlocks is the pack's total size in physical blocks,
	// including the header sector.
	TotalBlocks uint64
}

// Builder groups upstream requests into packs honouring a maximum
// pack size and the log device's physical block size.
type Builder struct {
	SectorSize    int    // log device physical sector size (bytes)
	LogicalSector int    // upstream logical sector size (bytes)
	MaxLogpackPB  uint64 // max physical blocks per pack
}

// NewBuilder returns a Builder for the given sector sizes and budget.
func NewBuilder(sectorSize, logicalSector int, maxLogpackPB uint64) *Builder {
	return &Builder{SectorSize: sectorSize, LogicalSector: logicalSector, MaxLogpackPB: maxLogpackPB}
}

// BuildPack groups requests into a single pack starting at logpackLSID,
// honouring MaxLogpackPB and the header's record capacity. It returns
// the pack together with the number of requests consumed from the
// front of requests; callers loop, calling BuildPack again with the
// remainder, until every request has been packed.
func (b *Builder) BuildPack(requests []Request, logpackLSID uint64) (*Pack, int, error) {
	if len(requests) == 0 {
		return nil, 0, fmt.Errorf("logpack: build_pack called with no requests")
	}

	maxRecords := ondisk.MaxRecords(b.SectorSize)
	if maxRecords == 0 {
		return nil, 0, fmt.Errorf("logpack: sector size %d too small for any header record", b.SectorSize)
	}

	var records []ondisk.Record
	var payload []byte
	blocksUsed := uint64(1) // header sector
	lsidLocal := uint32(1)
	consumed := 0

	for _, req := range requests {
		if len(records) >= maxRecords {
			break
		}

		var pb uint64        // log space in physical blocks
		var ioSectors uint32 // upstream length in logical sectors
		if req.Discard {
			pb = 0
			ioSectors = req.Sectors
		} else {
			if len(req.Payload) == 0 || len(req.Payload)%b.LogicalSector != 0 {
				return nil, 0, fmt.Errorf("logpack: request payload %d bytes is not a multiple of the logical sector size %d", len(req.Payload), b.LogicalSector)
			}
			ioSectors = uint32(len(req.Payload) / b.LogicalSector)
			pb = (uint64(len(req.Payload)) + uint64(b.SectorSize) - 1) / uint64(b.SectorSize)
		}

		// Discard/padding records still consume one block of LSID
		// space (Record.Space), so lsid_local stays strictly
		// increasing and payload blocks stay addressable by LSID.
		space := pb
		if space == 0 {
			space = 1
		}
		if blocksUsed+space > b.MaxLogpackPB {
			if consumed == 0 {
				return nil, 0, fmt.Errorf("logpack: single request exceeds max_logpack_pb budget")
			}
			break
		}

		rec := ondisk.Record{
			IsExist:   true,
			IsDiscard: req.Discard,
			Offset:    req.Offset,
			IOSize:    uint32(pb),
			IOSectors: ioSectors,
			LSIDLocal: lsidLocal,
		}
		if !req.Discard {
			rec.Checksum = ondisk.Checksum(req.Payload)
			payload = append(payload, req.Payload...)
			if pad := int(pb)*b.SectorSize - len(req.Payload); pad > 0 {
				payload = append(payload, make([]byte, pad)...)
			}
		} else {
			// The discard's block of LSID space carries no payload;
			// emit a zero block in its place to keep the pack a single
			// contiguous run.
			payload = append(payload, make([]byte, b.SectorSize)...)
		}
		records = append(records, rec)
		blocksUsed += space
		lsidLocal += uint32(space)
		consumed++
	}

	header := &ondisk.Header{
		LogpackLSID: logpackLSID,
		TotalIOSize: uint32(blocksUsed),
		Records:     records,
	}
	return &Pack{Header: header, Payload: payload, TotalBlocks: blocksUsed}, consumed, nil
}

// PadToAlignment appends a padding record (no payload, merely consumes
// LSID space) when an in-progress pack must be closed early so the
// next pack starts on a physical-block boundary.
func PadToAlignment(h *ondisk.Header, lsidLocal uint32) {
	h.Records = append(h.Records, ondisk.Record{
		IsExist:   true,
		IsPadding: true,
		LSIDLocal: lsidLocal,
	})
	h.TotalIOSize++
}
