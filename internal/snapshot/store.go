// Package snapshot implements the snapshot metadata store: named,
// lsid-keyed records persisted across a fixed run of metadata sectors.
package snapshot

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/walbfs/walb/internal/constants"
	"github.com/walbfs/walb/internal/interfaces"
	"github.com/walbfs/walb/internal/ondisk"
)

// Sentinel errors mapped onto the engine's public error kinds by the
// control surface.
var (
	ErrNameConflict = errors.New("snapshot: name already exists")
	ErrInvalidLSID  = errors.New("snapshot: invalid lsid")
	ErrBusy         = errors.New("snapshot: metadata store full")
	ErrNotFound     = errors.New("snapshot: no such snapshot")
)

// Store is the in-memory snapshot index, backed by nSectors contiguous
// metadata sectors on dev starting at metadataOffset (in sectors).
type Store struct {
	mu sync.Mutex

	dev            interfaces.BlockDevice
	metadataOffset int64
	sectorSize     int
	nSectors       int

	sectors  []*ondisk.SnapshotSector
	slotByID map[uint32]int // global slot index: sector*RecordsPerSector + bit
	idByName map[string]uint32
	records  map[uint32]ondisk.SnapshotRecord
	nextID   uint32
}

// New creates an empty store over nSectors freshly formatted sectors.
func New(dev interfaces.BlockDevice, metadataOffset int64, sectorSize, nSectors int) *Store {
	s := &Store{
		dev:            dev,
		metadataOffset: metadataOffset,
		sectorSize:     sectorSize,
		nSectors:       nSectors,
		slotByID:       make(map[uint32]int),
		idByName:       make(map[string]uint32),
		records:        make(map[uint32]ondisk.SnapshotRecord),
		nextID:         1,
	}
	s.sectors = make([]*ondisk.SnapshotSector, nSectors)
	for i := range s.sectors {
		s.sectors[i] = ondisk.NewSnapshotSector()
	}
	return s
}

// Load reads nSectors sectors from dev and rebuilds the in-memory
// indexes from their occupied records.
func Load(dev interfaces.BlockDevice, metadataOffset int64, sectorSize, nSectors int) (*Store, error) {
	s := New(dev, metadataOffset, sectorSize, nSectors)
	for i := 0; i < nSectors; i++ {
		buf := make([]byte, sectorSize)
		off := (metadataOffset + int64(i)) * int64(sectorSize)
		if _, err := dev.ReadAt(buf, off); err != nil {
			return nil, fmt.Errorf("snapshot: read metadata sector %d: %w", i, err)
		}
		sec, ok := ondisk.UnmarshalSnapshotSector(buf)
		if !ok {
			return nil, fmt.Errorf("snapshot: metadata sector %d failed checksum verification", i)
		}
		s.sectors[i] = sec
		for bit := 0; bit < ondisk.RecordsPerSector; bit++ {
			if !sec.Occupied.Test(uint(bit)) {
				continue
			}
			rec := sec.Records[bit]
			slot := i*ondisk.RecordsPerSector + bit
			s.slotByID[rec.SnapshotID] = slot
			s.idByName[rec.Name] = rec.SnapshotID
			s.records[rec.SnapshotID] = rec
			if rec.SnapshotID >= s.nextID {
				s.nextID = rec.SnapshotID + 1
			}
		}
	}
	return s, nil
}

func (s *Store) persistSector(idx int) error {
	buf := s.sectors[idx].Marshal(s.sectorSize)
	off := (s.metadataOffset + int64(idx)) * int64(s.sectorSize)
	if _, err := s.dev.WriteAt(buf, off); err != nil {
		return fmt.Errorf("snapshot: write metadata sector %d: %w", idx, err)
	}
	if err := s.dev.Flush(); err != nil {
		return fmt.Errorf("snapshot: flush metadata sector %d: %w", idx, err)
	}
	return nil
}

func (s *Store) findFreeSlot() (sectorIdx, bit int, ok bool) {
	for i, sec := range s.sectors {
		for b := 0; b < ondisk.RecordsPerSector; b++ {
			if !sec.Occupied.Test(uint(b)) {
				return i, b, true
			}
		}
	}
	return 0, 0, false
}

// Add creates a new snapshot record. Fails with ErrNameConflict if
// name is already in use, ErrInvalidLSID if lsid is the sentinel
// invalid value, or ErrBusy if every metadata sector is full.
func (s *Store) Add(name string, lsid, timestamp uint64) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if lsid == constants.InvalidLSID {
		return 0, ErrInvalidLSID
	}
	if _, exists := s.idByName[name]; exists {
		return 0, ErrNameConflict
	}
	sectorIdx, bit, ok := s.findFreeSlot()
	if !ok {
		return 0, ErrBusy
	}

	id := s.nextID
	s.nextID++
	if id == constants.InvalidSnapshotID {
		id = s.nextID
		s.nextID++
	}

	rec := ondisk.SnapshotRecord{SnapshotID: id, Name: name, LSID: lsid, Timestamp: timestamp}
	s.sectors[sectorIdx].Occupied.Set(uint(bit))
	s.sectors[sectorIdx].Records[bit] = rec
	if err := s.persistSector(sectorIdx); err != nil {
		s.sectors[sectorIdx].Occupied.Clear(uint(bit))
		return 0, err
	}

	slot := sectorIdx*ondisk.RecordsPerSector + bit
	s.slotByID[id] = slot
	s.idByName[name] = id
	s.records[id] = rec
	return id, nil
}

func (s *Store) removeLocked(id uint32) error {
	slot, ok := s.slotByID[id]
	if !ok {
		return ErrNotFound
	}
	sectorIdx, bit := slot/ondisk.RecordsPerSector, slot%ondisk.RecordsPerSector
	rec := s.records[id]

	s.sectors[sectorIdx].Occupied.Clear(uint(bit))
	s.sectors[sectorIdx].Records[bit] = ondisk.SnapshotRecord{}
	if err := s.persistSector(sectorIdx); err != nil {
		s.sectors[sectorIdx].Occupied.Set(uint(bit))
		s.sectors[sectorIdx].Records[bit] = rec
		return err
	}

	delete(s.slotByID, id)
	delete(s.idByName, rec.Name)
	delete(s.records, id)
	return nil
}

// Del removes the record named name.
func (s *Store) Del(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.idByName[name]
	if !ok {
		return ErrNotFound
	}
	return s.removeLocked(id)
}

// DelRange removes every record whose lsid lies in [lsid0, lsid1) and
// returns the count removed.
func (s *Store) DelRange(lsid0, lsid1 uint64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var toRemove []uint32
	for id, rec := range s.records {
		if rec.LSID >= lsid0 && rec.LSID < lsid1 {
			toRemove = append(toRemove, id)
		}
	}
	for _, id := range toRemove {
		if err := s.removeLocked(id); err != nil {
			return 0, err
		}
	}
	return len(toRemove), nil
}

// Get returns the record named name.
func (s *Store) Get(name string) (ondisk.SnapshotRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.idByName[name]
	if !ok {
		return ondisk.SnapshotRecord{}, ErrNotFound
	}
	return s.records[id], nil
}

// NRecordsRange counts records whose lsid lies in [lsid0, lsid1).
func (s *Store) NRecordsRange(lsid0, lsid1 uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rec := range s.records {
		if rec.LSID >= lsid0 && rec.LSID < lsid1 {
			n++
		}
	}
	return n
}

// ListRange returns up to max records whose lsid lies in
// [lsid0, lsid1), ordered by lsid then name.
func (s *Store) ListRange(lsid0, lsid1 uint64, max int) []ondisk.SnapshotRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ondisk.SnapshotRecord
	for _, rec := range s.records {
		if rec.LSID >= lsid0 && rec.LSID < lsid1 {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LSID != out[j].LSID {
			return out[i].LSID < out[j].LSID
		}
		return out[i].Name < out[j].Name
	})
	if max > 0 && len(out) > max {
		out = out[:max]
	}
	return out
}

// ListFrom returns up to max records with snapshot_id >= snapshotID,
// ordered by snapshot_id.
func (s *Store) ListFrom(snapshotID uint32, max int) []ondisk.SnapshotRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ondisk.SnapshotRecord
	for _, rec := range s.records {
		if rec.SnapshotID >= snapshotID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SnapshotID < out[j].SnapshotID })
	if max > 0 && len(out) > max {
		out = out[:max]
	}
	return out
}

// Clear removes every record and zeroes every metadata sector,
// persisting the result. Used by the CLEAR_LOG algorithm.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.sectors {
		s.sectors[i] = ondisk.NewSnapshotSector()
		if err := s.persistSector(i); err != nil {
			return err
		}
	}
	s.slotByID = make(map[uint32]int)
	s.idByName = make(map[string]uint32)
	s.records = make(map[uint32]ondisk.SnapshotRecord)
	s.nextID = 1
	return nil
}
