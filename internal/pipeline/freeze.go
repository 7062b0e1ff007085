package pipeline

import (
	"sync"
	"time"
)

// FreezeState is the pipeline's freeze state machine:
// an explicit enumeration rather than scattered boolean flags, with
// every transition taken under freezeLock.
type FreezeState int

const (
	// Melted is the normal operating state: pack stage and
	// checkpointing both run.
	Melted FreezeState = iota
	// Frozen pauses the pack stage and checkpointing indefinitely,
	// until an explicit melt.
	Frozen
	// FrozenWithTimeout is Frozen plus a scheduled auto-melt.
	FrozenWithTimeout
)

func (s FreezeState) String() string {
	switch s {
	case Melted:
		return "melted"
	case Frozen:
		return "frozen"
	case FrozenWithTimeout:
		return "frozen_with_timeout"
	default:
		return "unknown"
	}
}

// FreezeController owns the freeze state and its timer handle.
type FreezeController struct {
	mu       sync.Mutex
	state    FreezeState
	timer    *time.Timer
	meltedCh chan struct{} // closed while the state is Melted

	// onMelt is invoked (without the lock held) whenever the state
	// transitions to Melted, so the pipeline can resume the pack stage
	// and checkpointing.
	onMelt func()
}

// NewFreezeController returns a controller in the Melted state.
func NewFreezeController(onMelt func()) *FreezeController {
	ch := make(chan struct{})
	close(ch)
	return &FreezeController{onMelt: onMelt, meltedCh: ch}
}

// State returns the current freeze state.
func (f *FreezeController) State() FreezeState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// MeltedCh returns a channel that is closed while the controller is
// Melted. The pack stage blocks on it before accepting each batch, so
// a freeze takes effect at the next pack boundary.
func (f *FreezeController) MeltedCh() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.meltedCh
}

// Freeze transitions Melted/FrozenWithTimeout -> Frozen (timeout == 0)
// or -> FrozenWithTimeout(timeout) otherwise. An explicit Freeze call
// while FrozenWithTimeout cancels the pending timer.
func (f *FreezeController) Freeze(timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
	if f.state == Melted {
		f.meltedCh = make(chan struct{})
	}

	if timeout <= 0 {
		f.state = Frozen
		return nil
	}
	f.state = FrozenWithTimeout
	f.timer = time.AfterFunc(timeout, f.autoMelt)
	return nil
}

func (f *FreezeController) autoMelt() {
	f.mu.Lock()
	if f.state != FrozenWithTimeout {
		f.mu.Unlock()
		return
	}
	f.state = Melted
	f.timer = nil
	close(f.meltedCh)
	onMelt := f.onMelt
	f.mu.Unlock()
	if onMelt != nil {
		onMelt()
	}
}

// Melt transitions Frozen/FrozenWithTimeout -> Melted, cancelling any
// pending timer. Idempotent: melting an already-Melted controller is a
// no-op.
func (f *FreezeController) Melt() error {
	f.mu.Lock()
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
	alreadyMelted := f.state == Melted
	f.state = Melted
	if !alreadyMelted {
		close(f.meltedCh)
	}
	onMelt := f.onMelt
	f.mu.Unlock()

	if !alreadyMelted && onMelt != nil {
		onMelt()
	}
	return nil
}
