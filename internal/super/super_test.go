package super

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/walbfs/walb/internal/lsid"
)

type fakeDevice struct {
	data    []byte
	flushes int
}

func newFakeDevice(size int) *fakeDevice { return &fakeDevice{data: make([]byte, size)} }

func (d *fakeDevice) ReadAt(p []byte, off int64) (int, error)  { return copy(p, d.data[off:]), nil }
func (d *fakeDevice) WriteAt(p []byte, off int64) (int, error) { return copy(d.data[off:], p), nil }
func (d *fakeDevice) Size() int64                              { return int64(len(d.data)) }
func (d *fakeDevice) Close() error                             { return nil }
func (d *fakeDevice) Flush() error {
	d.flushes++
	return nil
}

func testLayout() Layout {
	return NewLayout(4096, 4, 1<<20)
}

func TestFormatProducesDistinctUUIDAndSalt(t *testing.T) {
	layout := testLayout()
	a := Format(layout, 1<<20)
	b := Format(layout, 1<<20)
	assert.NotEqual(t, a.UUID, b.UUID)
	assert.NotEqual(t, a.LogChecksumSalt, b.LogChecksumSalt)
}

func TestWriteThenLoadRoundTrip(t *testing.T) {
	layout := testLayout()
	dev := newFakeDevice(int(layout.RingOffset+10) * layout.SectorSize)
	mgr := NewManager(dev, layout)

	s := Format(layout, 1<<20)
	s.WrittenLSID = 123
	s.OldestLSID = 10
	require.NoError(t, mgr.Write(s))

	loaded, err := mgr.Load()
	require.NoError(t, err)
	assert.Equal(t, s.UUID, loaded.UUID)
	assert.Equal(t, uint64(123), loaded.WrittenLSID)
	assert.Equal(t, uint64(10), loaded.OldestLSID)
}

func TestWriteFlushesBetweenMirrors(t *testing.T) {
	layout := testLayout()
	dev := newFakeDevice(int(layout.RingOffset+10) * layout.SectorSize)
	mgr := NewManager(dev, layout)

	require.NoError(t, mgr.Write(Format(layout, 1<<20)))
	assert.Equal(t, 2, dev.flushes, "one flush between super0 and super1, one after super1")
}

func TestLoadFallsBackToSuper1WhenSuper0Corrupt(t *testing.T) {
	layout := testLayout()
	dev := newFakeDevice(int(layout.RingOffset+10) * layout.SectorSize)
	mgr := NewManager(dev, layout)

	s := Format(layout, 1<<20)
	s.WrittenLSID = 77
	require.NoError(t, mgr.Write(s))

	// Corrupt super0 only.
	copy(dev.data[layout.byteOffset(layout.Super0Offset):], make([]byte, layout.SectorSize))

	loaded, err := mgr.Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(77), loaded.WrittenLSID)
}

func TestLoadFailsWhenBothSupersCorrupt(t *testing.T) {
	layout := testLayout()
	dev := newFakeDevice(int(layout.RingOffset+10) * layout.SectorSize)
	mgr := NewManager(dev, layout)

	require.NoError(t, mgr.Write(Format(layout, 1<<20)))
	copy(dev.data[layout.byteOffset(layout.Super0Offset):], make([]byte, layout.SectorSize))
	copy(dev.data[layout.byteOffset(layout.Super1Offset):], make([]byte, layout.SectorSize))

	_, err := mgr.Load()
	assert.Error(t, err)
}

func TestSyncWritesCurrentLSIDSnapshot(t *testing.T) {
	layout := testLayout()
	dev := newFakeDevice(int(layout.RingOffset+10) * layout.SectorSize)
	mgr := NewManager(dev, layout)
	mgr.Adopt(Format(layout, 1<<20))

	set := lsid.New()
	set.AdvanceLatest(200)
	require.NoError(t, set.SetFlush(100))
	require.NoError(t, set.SetCompleted(100))
	require.NoError(t, set.PromotePermanent(100))
	require.NoError(t, set.SetWritten(100))
	require.NoError(t, set.SetOldest(5))

	require.NoError(t, mgr.Sync(set.Load()))

	loaded, err := mgr.Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(5), loaded.OldestLSID)
	assert.Equal(t, uint64(100), loaded.WrittenLSID)
}
