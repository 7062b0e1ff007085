package ondisk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotSectorRoundTrip(t *testing.T) {
	s := NewSnapshotSector()
	s.Occupied.Set(0)
	s.Records[0] = SnapshotRecord{SnapshotID: 1, Name: "nightly", LSID: 500, Timestamp: 1700000000}
	s.Occupied.Set(5)
	s.Records[5] = SnapshotRecord{SnapshotID: 2, Name: "before-migration", LSID: 900, Timestamp: 1700000500}

	buf := s.Marshal(4096)
	got, ok := UnmarshalSnapshotSector(buf)
	require.True(t, ok)

	assert.True(t, got.Occupied.Test(0))
	assert.True(t, got.Occupied.Test(5))
	assert.False(t, got.Occupied.Test(1))
	assert.Equal(t, s.Records[0], got.Records[0])
	assert.Equal(t, s.Records[5], got.Records[5])
}

func TestSnapshotSectorEmpty(t *testing.T) {
	s := NewSnapshotSector()
	buf := s.Marshal(4096)
	got, ok := UnmarshalSnapshotSector(buf)
	require.True(t, ok)
	for i := 0; i < RecordsPerSector; i++ {
		assert.False(t, got.Occupied.Test(uint(i)))
	}
}

func TestSnapshotSectorNameTruncation(t *testing.T) {
	s := NewSnapshotSector()
	long := make([]byte, 100)
	for i := range long {
		long[i] = 'a'
	}
	s.Occupied.Set(0)
	s.Records[0] = SnapshotRecord{SnapshotID: 1, Name: string(long)}

	buf := s.Marshal(4096)
	got, ok := UnmarshalSnapshotSector(buf)
	require.True(t, ok)
	assert.Len(t, got.Records[0].Name, 63)
}

func TestUnmarshalSnapshotSectorRejectsCorruption(t *testing.T) {
	s := NewSnapshotSector()
	s.Occupied.Set(3)
	s.Records[3] = SnapshotRecord{SnapshotID: 9}
	buf := s.Marshal(4096)
	buf[200] ^= 0xff

	_, ok := UnmarshalSnapshotSector(buf)
	assert.False(t, ok)
}
