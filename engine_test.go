package walb

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/walbfs/walb/backend"
	"github.com/walbfs/walb/internal/ctrl"
)

const (
	testRingSectors = 1024
	testSnapshotMD  = 8
	// reserved page + super0 + metadata + super1 + ring
	testLogSectors = 1 + 1 + testSnapshotMD + 1 + testRingSectors
)

func testParams() EngineParams {
	logDev := backend.NewMemory(testLogSectors * DefaultSectorSize)
	dataDev := backend.NewMemory(64 << 20)
	p := DefaultEngineParams(logDev, dataDev)
	p.Name = "walb-test"
	p.SnapshotMetadataSize = testSnapshotMD
	// Fast flush cadence so acks do not wait on the 100ms default.
	p.LogFlushIntervalMs = 5
	return p
}

func openTestEngine(t *testing.T, p EngineParams) *Engine {
	t.Helper()
	e, err := Open(p, nil)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

// Fresh init: a formatted pair of devices opens with every LSID at
// zero, no snapshots, and the full ring available.
func TestFreshInit(t *testing.T) {
	p := testParams()
	require.NoError(t, Format(p))
	e := openTestEngine(t, p)

	assert.Equal(t, uint64(0), e.OldestLSID())
	assert.Equal(t, uint64(0), e.WrittenLSID())
	assert.Equal(t, uint64(0), e.LogUsage())
	assert.Equal(t, uint64(testRingSectors), e.LogCapacity())

	recs, next := e.ListSnapshotFrom(0, 0)
	assert.Empty(t, recs)
	assert.Zero(t, next)

	assert.False(t, e.IsFrozen())
	assert.False(t, e.IsLogOverflow())
	assert.False(t, e.IsReadOnly())
}

func TestOpenWithoutFormatFails(t *testing.T) {
	p := testParams()
	_, err := Open(p, nil)
	assert.Error(t, err)
}

func TestWriteReadRoundTrip(t *testing.T) {
	p := testParams()
	require.NoError(t, Format(p))
	e := openTestEngine(t, p)

	ctx := context.Background()
	payload := make([]byte, 8*LogicalSectorSize)
	for i := range payload {
		payload[i] = byte(i * 7)
	}

	n, err := e.WriteAt(ctx, payload, 1000*LogicalSectorSize)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)

	// The ack means the write is permanent in the log; the data device
	// catches up asynchronously.
	assert.Greater(t, e.PermanentLSID(), uint64(0))
	require.Eventually(t, func() bool {
		return e.WrittenLSID() == e.CompletedLSID()
	}, 5*time.Second, 5*time.Millisecond)

	got := make([]byte, len(payload))
	_, err = e.ReadAt(got, 1000*LogicalSectorSize)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

// A crash before any checkpoint loses nothing: redo replays the
// acknowledged write from the log on the next open.
func TestRedoAfterCrash(t *testing.T) {
	p := testParams()
	require.NoError(t, Format(p))
	e, err := Open(p, nil)
	require.NoError(t, err)

	ctx := context.Background()
	payload := make([]byte, 8*LogicalSectorSize)
	for i := range payload {
		payload[i] = byte(255 - i%256)
	}
	_, err = e.WriteAt(ctx, payload, 1000*LogicalSectorSize)
	require.NoError(t, err)

	// Simulate a crash: drop the engine without Close, then wipe the
	// data device region so only the log holds the write.
	e.core.Close()
	e.ckpt.Stop()
	e.cancel()
	zero := make([]byte, len(payload))
	_, err = p.DataDevice.WriteAt(zero, 1000*LogicalSectorSize)
	require.NoError(t, err)

	e2 := openTestEngine(t, p)
	assert.Greater(t, e2.WrittenLSID(), uint64(0))

	got := make([]byte, len(payload))
	_, err = e2.ReadAt(got, 1000*LogicalSectorSize)
	require.NoError(t, err)
	assert.Equal(t, payload, got, "redo must reapply the acknowledged write")
}

func TestWriteValidation(t *testing.T) {
	p := testParams()
	require.NoError(t, Format(p))
	e := openTestEngine(t, p)
	ctx := context.Background()

	_, err := e.WriteAt(ctx, make([]byte, 100), 0) // not sector aligned
	assert.True(t, IsCode(err, ErrCodeInvalidArgument))

	_, err = e.WriteAt(ctx, make([]byte, LogicalSectorSize), e.Size())
	assert.True(t, IsCode(err, ErrCodeInvalidArgument))

	_, err = e.ReadAt(make([]byte, LogicalSectorSize), -512)
	assert.True(t, IsCode(err, ErrCodeInvalidArgument))
}

func TestFlushBarrier(t *testing.T) {
	p := testParams()
	require.NoError(t, Format(p))
	e := openTestEngine(t, p)
	ctx := context.Background()

	_, err := e.WriteAt(ctx, make([]byte, 4*LogicalSectorSize), 0)
	require.NoError(t, err)
	require.NoError(t, e.Flush(ctx))
	assert.Equal(t, e.CompletedLSID(), e.PermanentLSID(),
		"after a flush ack, everything completed must be permanent")
}

func TestSnapshotLifecycle(t *testing.T) {
	p := testParams()
	require.NoError(t, Format(p))
	e := openTestEngine(t, p)
	ctx := context.Background()

	// Grow the log so snapshot LSIDs up to ~300 are inside the live
	// window.
	payload := make([]byte, 64*DefaultSectorSize)
	for e.LogUsage() < 300 {
		_, err := e.WriteAt(ctx, payload, 0)
		require.NoError(t, err)
	}

	require.NoError(t, e.CreateSnapshot("s1", 100, 1111))
	require.NoError(t, e.CreateSnapshot("s2", 200, 2222))

	// Duplicate names conflict.
	err := e.CreateSnapshot("s1", 150, 0)
	assert.True(t, IsCode(err, ErrCodeNameConflict))

	recs, _ := e.ListSnapshotRange(0, 300, 0)
	require.Len(t, recs, 2)
	assert.Equal(t, "s1", recs[0].Name)
	assert.Equal(t, "s2", recs[1].Name)

	assert.Equal(t, 2, e.NumOfSnapshotRange(0, 300))

	rec, err := e.GetSnapshot("s2")
	require.NoError(t, err)
	assert.Equal(t, uint64(200), rec.LSID)
	assert.Equal(t, uint64(2222), rec.Timestamp)

	n, err := e.DeleteSnapshotRange(150, 250)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = e.GetSnapshot("s2")
	assert.True(t, IsCode(err, ErrCodeNotFound))
	_, err = e.GetSnapshot("s1")
	assert.NoError(t, err)

	// Snapshots survive a clean restart.
	require.NoError(t, e.Close())
	e2 := openTestEngine(t, p)
	rec, err = e2.GetSnapshot("s1")
	require.NoError(t, err)
	assert.Equal(t, uint64(100), rec.LSID)
}

func TestSnapshotRejectsLSIDOutsideLog(t *testing.T) {
	p := testParams()
	require.NoError(t, Format(p))
	e := openTestEngine(t, p)

	err := e.CreateSnapshot("future", 10_000, 0)
	assert.True(t, IsCode(err, ErrCodeInvalidLSID))
}

func TestResizeGrowOnly(t *testing.T) {
	p := testParams()
	p.DeviceSizeSectors = 1024
	require.NoError(t, Format(p))
	e := openTestEngine(t, p)

	require.NoError(t, e.Resize(2048))
	assert.Equal(t, int64(2048*LogicalSectorSize), e.Size())

	err := e.Resize(1024)
	assert.True(t, IsCode(err, ErrCodeInvalidArgument), "shrink must be rejected")

	// Survives restart via the super.
	require.NoError(t, e.Close())
	e2 := openTestEngine(t, p)
	assert.Equal(t, int64(2048*LogicalSectorSize), e2.Size())
}

func TestDiscardZeroesData(t *testing.T) {
	p := testParams()
	require.NoError(t, Format(p))
	e := openTestEngine(t, p)
	ctx := context.Background()

	payload := make([]byte, 8*LogicalSectorSize)
	for i := range payload {
		payload[i] = 0xab
	}
	_, err := e.WriteAt(ctx, payload, 0)
	require.NoError(t, err)

	require.NoError(t, e.Discard(ctx, 0, 4*LogicalSectorSize))
	require.Eventually(t, func() bool {
		return e.WrittenLSID() == e.CompletedLSID()
	}, 5*time.Second, 5*time.Millisecond)

	got := make([]byte, 8*LogicalSectorSize)
	_, err = e.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 4*LogicalSectorSize), got[:4*LogicalSectorSize])
	assert.Equal(t, payload[4*LogicalSectorSize:], got[4*LogicalSectorSize:])
}

func TestControlDispatch(t *testing.T) {
	p := testParams()
	require.NoError(t, Format(p))
	e := openTestEngine(t, p)

	resp, err := e.Do(ctrl.Request{Op: ctrl.OpGetLogCapacity})
	require.NoError(t, err)
	assert.Equal(t, uint64(testRingSectors), resp.LSID)

	resp, err = e.Do(ctrl.Request{Op: ctrl.OpVersion})
	require.NoError(t, err)
	assert.Equal(t, Version, resp.Val32)

	resp, err = e.Do(ctrl.Request{Op: ctrl.OpIsFrozen})
	require.NoError(t, err)
	assert.False(t, resp.Bool)

	resp, err = e.Do(ctrl.Request{Op: ctrl.OpGetCheckpointInterval})
	require.NoError(t, err)
	assert.Equal(t, uint32(DefaultCheckpointIntervalMs), resp.Val32)

	_, err = e.Do(ctrl.Request{Op: ctrl.OpSetCheckpointInterval, Val32: 1_000_000})
	assert.True(t, IsCode(err, ErrCodeInvalidArgument))

	_, err = e.Do(ctrl.Request{Op: ctrl.OpSearchLSID})
	assert.True(t, IsCode(err, ErrCodeNotImplemented))

	_, err = e.Do(ctrl.Request{Op: ctrl.Opcode(9999)})
	assert.True(t, IsCode(err, ErrCodeInvalidArgument))
}

func TestTakeCheckpointPersistsWritten(t *testing.T) {
	p := testParams()
	require.NoError(t, Format(p))
	e := openTestEngine(t, p)
	ctx := context.Background()

	_, err := e.WriteAt(ctx, make([]byte, 8*LogicalSectorSize), 0)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return e.WrittenLSID() > 0 }, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, e.TakeCheckpoint())

	// A clean reopen starts from the persisted written_lsid with
	// nothing left to redo.
	written := e.WrittenLSID()
	require.NoError(t, e.Close())
	e2 := openTestEngine(t, p)
	assert.GreaterOrEqual(t, e2.WrittenLSID(), written)
}
