package logpack

import "fmt"

// Ring maps log sequence ids onto byte offsets within the log
// device's circular log area, and detects overflow.
type Ring struct {
	SectorSize int
	RingStart  int64  // byte offset of the ring's first sector
	RingSize   uint64 // ring size in sectors
}

// NewRing returns a Ring for a ring area of ringSizeSectors sectors
// starting at ringStartSectorOffset (in sectors) on the log device.
func NewRing(sectorSize int, ringStartSectorOffset int64, ringSizeSectors uint64) *Ring {
	return &Ring{
		SectorSize: sectorSize,
		RingStart:  ringStartSectorOffset * int64(sectorSize),
		RingSize:   ringSizeSectors,
	}
}

// Offset returns the byte offset of lsid within the log device:
// ring_start + (lsid mod ring_size), in sector units.
func (r *Ring) Offset(lsid uint64) int64 {
	return r.RingStart + int64(lsid%r.RingSize)*int64(r.SectorSize)
}

// Span is a contiguous byte range on the log device covering part of a
// run of consecutive LSIDs.
type Span struct {
	Offset  int64  // byte offset on the log device
	Sectors uint64 // length in sectors
}

// Spans maps the nSectors consecutive LSIDs starting at lsid onto at
// most two contiguous byte ranges, splitting where the run wraps past
// the end of the ring.
func (r *Ring) Spans(lsid, nSectors uint64) []Span {
	if nSectors == 0 {
		return nil
	}
	first := lsid % r.RingSize
	untilEnd := r.RingSize - first
	if nSectors <= untilEnd {
		return []Span{{Offset: r.Offset(lsid), Sectors: nSectors}}
	}
	return []Span{
		{Offset: r.Offset(lsid), Sectors: untilEnd},
		{Offset: r.RingStart, Sectors: nSectors - untilEnd},
	}
}

// WouldOverflow reports whether appending a pack of newPackSize
// physical blocks would overflow the ring, given the current latest
// and oldest LSIDs.
func (r *Ring) WouldOverflow(oldest, latest, newPackSize uint64) bool {
	return latest-oldest+newPackSize > r.RingSize
}

// CheckOverflow is WouldOverflow as an error-returning guard for call
// sites that want to fail fast rather than branch.
func (r *Ring) CheckOverflow(oldest, latest, newPackSize uint64) error {
	if r.WouldOverflow(oldest, latest, newPackSize) {
		return fmt.Errorf("logpack: ring overflow: latest=%d oldest=%d new_pack_size=%d ring_size=%d",
			latest, oldest, newPackSize, r.RingSize)
	}
	return nil
}
