package lsid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdvanceLatestAssignsContiguousRange(t *testing.T) {
	s := New()
	first := s.AdvanceLatest(5)
	assert.Equal(t, uint64(0), first)
	assert.Equal(t, uint64(5), s.Latest())

	second := s.AdvanceLatest(3)
	assert.Equal(t, uint64(5), second)
	assert.Equal(t, uint64(8), s.Latest())
}

func TestOrderingInvariantEnforced(t *testing.T) {
	s := New()
	s.AdvanceLatest(100)

	require.NoError(t, s.SetFlush(60))
	require.NoError(t, s.SetCompleted(50))
	require.NoError(t, s.PromotePermanent(40))
	require.NoError(t, s.SetWritten(30))

	// permanent cannot exceed completed.
	assert.Error(t, s.PromotePermanent(60))
	// written cannot exceed permanent (40).
	assert.Error(t, s.SetWritten(45))
}

func TestSetOldestValidatesRange(t *testing.T) {
	s := New()
	s.AdvanceLatest(100)
	require.NoError(t, s.SetFlush(50))
	require.NoError(t, s.SetCompleted(50))
	require.NoError(t, s.PromotePermanent(50))
	require.NoError(t, s.SetWritten(50))

	require.NoError(t, s.SetOldest(20))
	assert.Equal(t, uint64(20), s.Oldest())

	assert.Error(t, s.SetOldest(10), "cannot move oldest backwards below its prior value implicitly")
	assert.Error(t, s.SetOldest(999), "cannot move oldest past written")
}

func TestResetZeroesAllCounters(t *testing.T) {
	s := New()
	s.AdvanceLatest(50)
	require.NoError(t, s.SetFlush(10))
	require.NoError(t, s.SetCompleted(10))

	s.Reset()
	snap := s.Load()
	assert.Equal(t, Snapshot{}, snap)
}

func TestInitFromSeedsAllCountersButOldest(t *testing.T) {
	s := New()
	s.InitFrom(3, 42)
	snap := s.Load()
	assert.Equal(t, uint64(3), snap.Oldest)
	assert.Equal(t, uint64(42), snap.PrevWritten)
	assert.Equal(t, uint64(42), snap.Written)
	assert.Equal(t, uint64(42), snap.Permanent)
	assert.Equal(t, uint64(42), snap.Completed)
	assert.Equal(t, uint64(42), snap.Flush)
	assert.Equal(t, uint64(42), snap.Latest)
}

func TestRestoreRollsBackToSnapshot(t *testing.T) {
	s := New()
	s.AdvanceLatest(10)
	snap := s.Load()

	s.AdvanceLatest(100)
	require.NotEqual(t, snap, s.Load())

	s.Restore(snap)
	assert.Equal(t, snap, s.Load())
}
