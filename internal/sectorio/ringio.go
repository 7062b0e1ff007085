package sectorio

import (
	"github.com/walbfs/walb/internal/interfaces"
	"github.com/walbfs/walb/internal/logpack"
)

// ReadLSIDRange reads the nSectors consecutive LSIDs starting at lsid
// into buf, splitting the read where the run wraps past the end of the
// ring. len(buf) must be nSectors * ring.SectorSize.
func ReadLSIDRange(dev interfaces.BlockDevice, ring *logpack.Ring, lsid, nSectors uint64, buf []byte) error {
	off := 0
	for _, span := range ring.Spans(lsid, nSectors) {
		n := int(span.Sectors) * ring.SectorSize
		if err := ReadSector(dev, span.Offset, buf[off:off+n]); err != nil {
			return err
		}
		off += n
	}
	return nil
}

// WriteLSIDRange writes buf over the consecutive LSIDs starting at
// lsid, splitting at the ring wrap point. len(buf) must be a multiple
// of ring.SectorSize.
func WriteLSIDRange(dev interfaces.BlockDevice, ring *logpack.Ring, lsid uint64, buf []byte) error {
	nSectors := uint64(len(buf)) / uint64(ring.SectorSize)
	off := 0
	for _, span := range ring.Spans(lsid, nSectors) {
		n := int(span.Sectors) * ring.SectorSize
		if err := WriteSector(dev, span.Offset, buf[off:off+n]); err != nil {
			return err
		}
		off += n
	}
	return nil
}
