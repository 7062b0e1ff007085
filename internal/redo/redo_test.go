package redo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/walbfs/walb/backend"
	"github.com/walbfs/walb/internal/logpack"
	"github.com/walbfs/walb/internal/ondisk"
	"github.com/walbfs/walb/internal/sectorio"
	"github.com/walbfs/walb/internal/super"
)

const (
	testSectorSize = 4096
	testLogical    = 512
	testRingSize   = 64
	testSalt       = 0xfeedbeef
)

func testDevices(t *testing.T) (*backend.Memory, *backend.Memory, *logpack.Ring) {
	t.Helper()
	layout := super.NewLayout(testSectorSize, 8, testRingSize)
	logDev := backend.NewMemory((layout.RingOffset + testRingSize) * testSectorSize)
	dataDev := backend.NewMemory(16 << 20)
	ring := logpack.NewRing(testSectorSize, layout.RingOffset, testRingSize)
	return logDev, dataDev, ring
}

func testConfig(logDev, dataDev *backend.Memory, ring *logpack.Ring) Config {
	return Config{
		LogDev:            logDev,
		DataDev:           dataDev,
		Ring:              ring,
		Salt:              testSalt,
		SectorSize:        testSectorSize,
		LogicalSectorSize: testLogical,
	}
}

// appendPack builds a pack from reqs, writes it at lsid, and returns
// its total size in blocks.
func appendPack(t *testing.T, logDev *backend.Memory, ring *logpack.Ring, lsid uint64, reqs []logpack.Request) uint64 {
	t.Helper()
	b := logpack.NewBuilder(testSectorSize, testLogical, 256)
	pack, consumed, err := b.BuildPack(reqs, lsid)
	require.NoError(t, err)
	require.Equal(t, len(reqs), consumed)

	hdr := pack.Header.EncodeSalted(testSectorSize, testSalt)
	require.NoError(t, sectorio.WriteLSIDRange(logDev, ring, lsid, hdr))
	if len(pack.Payload) > 0 {
		require.NoError(t, sectorio.WriteLSIDRange(logDev, ring, lsid+1, pack.Payload))
	}
	return pack.TotalBlocks
}

func patterned(n int, seed byte) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = seed + byte(i%251)
	}
	return buf
}

func TestRedoEmptyLogTerminatesImmediately(t *testing.T) {
	logDev, dataDev, ring := testDevices(t)
	res, err := Run(testConfig(logDev, dataDev, ring), 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), res.EndLSID)
	assert.Equal(t, 0, res.PacksApplied)
	assert.False(t, res.Truncated)
}

func TestRedoAppliesSinglePack(t *testing.T) {
	logDev, dataDev, ring := testDevices(t)

	payload := patterned(8*testLogical, 0x11)
	total := appendPack(t, logDev, ring, 0, []logpack.Request{{Offset: 1000, Payload: payload}})

	res, err := Run(testConfig(logDev, dataDev, ring), 0)
	require.NoError(t, err)
	assert.Equal(t, total, res.EndLSID)
	assert.Equal(t, 1, res.PacksApplied)

	got := make([]byte, len(payload))
	_, err = dataDev.ReadAt(got, 1000*testLogical)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestRedoStopsAtStaleHeader(t *testing.T) {
	logDev, dataDev, ring := testDevices(t)

	// A valid pack whose logpack_lsid does not match the cursor models
	// a leftover from an earlier lap of the ring.
	appendPack(t, logDev, ring, testRingSize, []logpack.Request{{Offset: 0, Payload: patterned(testLogical, 1)}})

	res, err := Run(testConfig(logDev, dataDev, ring), 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), res.EndLSID)
	assert.Equal(t, 0, res.PacksApplied)
}

func TestRedoTruncatesPartialTail(t *testing.T) {
	logDev, dataDev, ring := testDevices(t)

	payload1 := patterned(8*testLogical, 0x22)
	total1 := appendPack(t, logDev, ring, 0, []logpack.Request{{Offset: 0, Payload: payload1}})

	// Second pack: two records; corrupt the last record's payload.
	payloadA := patterned(testSectorSize, 0x33)
	payloadB := patterned(testSectorSize, 0x44)
	total2 := appendPack(t, logDev, ring, total1, []logpack.Request{
		{Offset: 100, Payload: payloadA},
		{Offset: 200, Payload: payloadB},
	})
	require.Equal(t, uint64(3), total2) // header + 2 payload blocks

	// Flip one bit in record B's payload block (lsid total1+2).
	corruptOff := ring.Offset(total1 + 2)
	one := make([]byte, 1)
	_, err := logDev.ReadAt(one, corruptOff)
	require.NoError(t, err)
	one[0] ^= 0x01
	_, err = logDev.WriteAt(one, corruptOff)
	require.NoError(t, err)

	cfg := testConfig(logDev, dataDev, ring)
	res, err := Run(cfg, 0)
	require.NoError(t, err)
	assert.True(t, res.Truncated)
	assert.Equal(t, 2, res.PacksApplied)
	// Truncated pack keeps the header plus record A's block only.
	assert.Equal(t, total1+2, res.EndLSID)

	// Pack 1 and record A were applied; record B was not.
	got := make([]byte, len(payload1))
	dataDev.ReadAt(got, 0)
	assert.Equal(t, payload1, got)
	gotA := make([]byte, len(payloadA))
	dataDev.ReadAt(gotA, 100*testLogical)
	assert.Equal(t, payloadA, gotA)
	gotB := make([]byte, len(payloadB))
	dataDev.ReadAt(gotB, 200*testLogical)
	assert.NotEqual(t, payloadB, gotB)

	// The rewritten header validates, covers one record, and carries
	// the truncation flag.
	hdr := make([]byte, testSectorSize)
	require.NoError(t, sectorio.ReadLSIDRange(logDev, ring, total1, 1, hdr))
	require.True(t, ondisk.ValidateHeaderSalted(hdr, testSalt))
	h := ondisk.DecodeHeader(hdr)
	assert.Len(t, h.Records, 1)
	assert.NotZero(t, h.PackFlags&ondisk.PackFlagTruncated)

	// Redo is idempotent: a second pass from the new boundary applies
	// nothing and lands on the same LSID.
	res2, err := Run(cfg, res.EndLSID)
	require.NoError(t, err)
	assert.Equal(t, res.EndLSID, res2.EndLSID)
	assert.Equal(t, 0, res2.PacksApplied)
}

func TestRedoAppliesDiscardRecords(t *testing.T) {
	logDev, dataDev, ring := testDevices(t)

	// Pre-fill the region the discard should clear.
	_, err := dataDev.WriteAt(patterned(8*testLogical, 0x55), 500*testLogical)
	require.NoError(t, err)

	appendPack(t, logDev, ring, 0, []logpack.Request{
		{Offset: 500, Discard: true, Sectors: 8},
	})

	res, err := Run(testConfig(logDev, dataDev, ring), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.PacksApplied)

	got := make([]byte, 8*testLogical)
	dataDev.ReadAt(got, 500*testLogical)
	assert.Equal(t, make([]byte, 8*testLogical), got)
}

func TestRedoWrapsAroundRing(t *testing.T) {
	logDev, dataDev, ring := testDevices(t)

	// Start so close to the ring's end that the pack's payload wraps.
	start := uint64(testRingSize - 1)
	payload := patterned(2*testSectorSize, 0x66)
	total := appendPack(t, logDev, ring, start, []logpack.Request{{Offset: 42, Payload: payload}})
	require.Equal(t, uint64(3), total)

	res, err := Run(testConfig(logDev, dataDev, ring), start)
	require.NoError(t, err)
	assert.Equal(t, start+total, res.EndLSID)

	got := make([]byte, len(payload))
	dataDev.ReadAt(got, 42*testLogical)
	assert.Equal(t, payload, got)
}
