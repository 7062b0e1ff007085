package ondisk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSuperMarshalUnmarshalRoundTrip(t *testing.T) {
	s := &Super{
		Version:              FormatVersion,
		SectorSize:           4096,
		SnapshotMetadataSize: 4,
		RingBufferSize:       1 << 20,
		OldestLSID:           100,
		WrittenLSID:          200,
		DeviceSize:           1 << 30,
		LogChecksumSalt:      0xdeadbeef,
	}
	copy(s.UUID[:], []byte("0123456789abcdef"))
	copy(s.Name[:], []byte("test-walb-device"))

	buf := s.Marshal(4096)
	assert.Len(t, buf, 4096)

	got, ok := UnmarshalSuper(buf)
	require.True(t, ok)
	assert.Equal(t, s.Version, got.Version)
	assert.Equal(t, s.SectorSize, got.SectorSize)
	assert.Equal(t, s.OldestLSID, got.OldestLSID)
	assert.Equal(t, s.WrittenLSID, got.WrittenLSID)
	assert.Equal(t, s.DeviceSize, got.DeviceSize)
	assert.Equal(t, s.LogChecksumSalt, got.LogChecksumSalt)
	assert.Equal(t, s.UUID, got.UUID)
	assert.Equal(t, s.Name, got.Name)
}

func TestUnmarshalSuperRejectsCorruption(t *testing.T) {
	s := &Super{Version: FormatVersion, SectorSize: 512}
	buf := s.Marshal(512)
	buf[100] ^= 0xff

	_, ok := UnmarshalSuper(buf)
	assert.False(t, ok)
}

func TestUnmarshalSuperRejectsShortBuffer(t *testing.T) {
	_, ok := UnmarshalSuper(make([]byte, 8))
	assert.False(t, ok)
}
