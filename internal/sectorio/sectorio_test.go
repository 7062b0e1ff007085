package sectorio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDevice is a minimal in-process interfaces.BlockDevice for testing
// the synchronous ring without depending on the backend package.
type fakeDevice struct {
	data       []byte
	flushCount int
}

func newFakeDevice(size int) *fakeDevice { return &fakeDevice{data: make([]byte, size)} }

func (d *fakeDevice) ReadAt(p []byte, off int64) (int, error) {
	return copy(p, d.data[off:]), nil
}

func (d *fakeDevice) WriteAt(p []byte, off int64) (int, error) {
	return copy(d.data[off:], p), nil
}

func (d *fakeDevice) Size() int64  { return int64(len(d.data)) }
func (d *fakeDevice) Close() error { return nil }
func (d *fakeDevice) Flush() error { d.flushCount++; return nil }

func TestSyncRingQueueAndSubmit(t *testing.T) {
	dev := newFakeDevice(4096)
	ring := newSyncRing(dev, 8)

	payload := []byte("hello-walb")
	require.NoError(t, ring.Queue(Op{Write: true, Offset: 0, Buf: payload, UserData: 1}))

	readBuf := make([]byte, len(payload))
	require.NoError(t, ring.Queue(Op{Write: false, Offset: 512, Buf: readBuf, UserData: 2}))

	results, err := ring.Submit()
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, uint64(1), results[0].UserData)
	assert.Equal(t, len(payload), results[0].N)
	assert.NoError(t, results[0].Err)
}

func TestSyncRingRespectsCapacity(t *testing.T) {
	dev := newFakeDevice(4096)
	ring := newSyncRing(dev, 1)

	require.NoError(t, ring.Queue(Op{Buf: make([]byte, 1)}))
	assert.ErrorIs(t, ring.Queue(Op{Buf: make([]byte, 1)}), ErrRingFull)
}

func TestSyncRingFlushDelegatesToDevice(t *testing.T) {
	dev := newFakeDevice(512)
	ring := newSyncRing(dev, 1)
	require.NoError(t, ring.Flush())
	assert.Equal(t, 1, dev.flushCount)
}

func TestReadWriteSectorHelpers(t *testing.T) {
	dev := newFakeDevice(4096)
	payload := make([]byte, 512)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, WriteSector(dev, 0, payload))

	out := make([]byte, 512)
	require.NoError(t, ReadSector(dev, 0, out))
	assert.Equal(t, payload, out)
}
