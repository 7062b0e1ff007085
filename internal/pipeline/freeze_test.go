package pipeline

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFreezeControllerStartsMelted(t *testing.T) {
	f := NewFreezeController(nil)
	assert.Equal(t, Melted, f.State())
	select {
	case <-f.MeltedCh():
	default:
		t.Fatal("melted channel should be closed while melted")
	}
}

func TestFreezeAndMelt(t *testing.T) {
	var melts atomic.Int32
	f := NewFreezeController(func() { melts.Add(1) })

	require.NoError(t, f.Freeze(0))
	assert.Equal(t, Frozen, f.State())
	select {
	case <-f.MeltedCh():
		t.Fatal("melted channel should block while frozen")
	default:
	}

	require.NoError(t, f.Melt())
	assert.Equal(t, Melted, f.State())
	assert.Equal(t, int32(1), melts.Load())

	// Melt is idempotent and does not re-fire the callback.
	require.NoError(t, f.Melt())
	assert.Equal(t, int32(1), melts.Load())
}

func TestFreezeWithTimeoutAutoMelts(t *testing.T) {
	var melts atomic.Int32
	f := NewFreezeController(func() { melts.Add(1) })

	require.NoError(t, f.Freeze(50*time.Millisecond))
	assert.Equal(t, FrozenWithTimeout, f.State())

	assert.Eventually(t, func() bool { return f.State() == Melted }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), melts.Load())
}

func TestExplicitFreezeCancelsTimeout(t *testing.T) {
	f := NewFreezeController(nil)

	require.NoError(t, f.Freeze(30*time.Millisecond))
	require.NoError(t, f.Freeze(0)) // cancels the pending auto-melt
	assert.Equal(t, Frozen, f.State())

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, Frozen, f.State(), "cancelled timer must not melt the controller")

	require.NoError(t, f.Melt())
}

func TestExplicitMeltCancelsTimeout(t *testing.T) {
	var melts atomic.Int32
	f := NewFreezeController(func() { melts.Add(1) })

	require.NoError(t, f.Freeze(30*time.Millisecond))
	require.NoError(t, f.Melt())
	assert.Equal(t, Melted, f.State())

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, int32(1), melts.Load(), "timer must not fire after an explicit melt")
}

