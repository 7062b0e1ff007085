package walb

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/walbfs/walb/internal/ondisk"
	"github.com/walbfs/walb/internal/sectorio"
)

func TestClearLogResetsEverything(t *testing.T) {
	p := testParams()
	require.NoError(t, Format(p))
	e := openTestEngine(t, p)
	ctx := context.Background()

	payload := make([]byte, 8*LogicalSectorSize)
	for i := range payload {
		payload[i] = byte(i % 253)
	}
	_, err := e.WriteAt(ctx, payload, 1000*LogicalSectorSize)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return e.WrittenLSID() > 0 }, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, e.CreateSnapshot("before-clear", 0, 0))

	oldUUID := e.UUID()
	oldSalt := e.currentSalt()

	require.NoError(t, e.ClearLog())

	assert.Equal(t, uint64(0), e.OldestLSID())
	assert.Equal(t, uint64(0), e.WrittenLSID())
	assert.Equal(t, uint64(0), e.LogUsage())
	assert.False(t, e.IsLogOverflow())
	assert.False(t, e.IsFrozen(), "clear_log must melt on the way out")

	assert.NotEqual(t, oldUUID, e.UUID(), "clear_log rotates the UUID")
	assert.NotEqual(t, oldSalt, e.currentSalt(), "clear_log rotates the checksum salt")

	// All snapshots are gone.
	recs, _ := e.ListSnapshotFrom(0, 0)
	assert.Empty(t, recs)

	// The old pack at LSID 0 was overwritten and cannot validate under
	// either epoch's salt.
	hdr := make([]byte, DefaultSectorSize)
	require.NoError(t, sectorio.ReadLSIDRange(e.logDev, e.ring, 0, 1, hdr))
	assert.False(t, ondisk.ValidateHeaderSalted(hdr, oldSalt))
	assert.False(t, ondisk.ValidateHeaderSalted(hdr, e.currentSalt()))

	// Already-applied data is untouched: clear_log discards history,
	// not the data device.
	got := make([]byte, len(payload))
	_, err = e.ReadAt(got, 1000*LogicalSectorSize)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	// The engine keeps working in the new epoch.
	_, err = e.WriteAt(ctx, payload, 0)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return e.WrittenLSID() > 0 }, 5*time.Second, 5*time.Millisecond)
}

func TestClearLogSurvivesReopen(t *testing.T) {
	p := testParams()
	require.NoError(t, Format(p))
	e := openTestEngine(t, p)
	ctx := context.Background()

	_, err := e.WriteAt(ctx, make([]byte, 8*LogicalSectorSize), 0)
	require.NoError(t, err)
	require.NoError(t, e.ClearLog())
	newUUID := e.UUID()
	require.NoError(t, e.Close())

	e2 := openTestEngine(t, p)
	assert.Equal(t, uint64(0), e2.WrittenLSID(), "reopen after clear_log must not redo the old epoch")
	assert.Equal(t, newUUID, e2.UUID())
}

func TestClearLogAdoptsGrownLogDevice(t *testing.T) {
	p := testParams()
	require.NoError(t, Format(p))
	e := openTestEngine(t, p)

	oldCapacity := e.LogCapacity()
	grower, ok := p.LogDevice.(ResizableDevice)
	require.True(t, ok)
	require.NoError(t, grower.Resize(p.LogDevice.Size()+256*DefaultSectorSize))

	require.NoError(t, e.ClearLog())
	assert.Equal(t, oldCapacity+256, e.LogCapacity())
}
