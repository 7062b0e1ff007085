// Package checkpoint implements the periodic task that persists the
// advanced LSIDs into the superblock.
package checkpoint

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/walbfs/walb/internal/constants"
	"github.com/walbfs/walb/internal/interfaces"
	"github.com/walbfs/walb/internal/lsid"
	"github.com/walbfs/walb/internal/super"
)

// Loop periodically snapshots oldest_lsid and written_lsid into the
// super image and syncs it to disk. It runs on the engine's misc pool
// (one goroutine), can be paused while the pipeline is frozen, and
// stops for good after a sync failure (the engine latches read-only).
type Loop struct {
	lsids *lsid.Set
	sup   *super.Manager

	mu       sync.Mutex
	interval time.Duration
	paused   bool
	kick     chan struct{}

	logger   interfaces.Logger
	observer interfaces.Observer

	// onFatal is called when a sync fails; the engine latches
	// read-only and the loop exits.
	onFatal func(err error)

	wg      sync.WaitGroup
	cancel  context.CancelFunc
	started bool
}

// New returns a stopped Loop with the given initial interval.
func New(lsids *lsid.Set, sup *super.Manager, interval time.Duration, logger interfaces.Logger, observer interfaces.Observer, onFatal func(error)) *Loop {
	if interval <= 0 {
		interval = constants.DefaultCheckpointIntervalMs * time.Millisecond
	}
	return &Loop{
		lsids:    lsids,
		sup:      sup,
		interval: interval,
		kick:     make(chan struct{}, 1),
		logger:   logger,
		observer: observer,
		onFatal:  onFatal,
	}
}

// Interval returns the current checkpoint interval.
func (l *Loop) Interval() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.interval
}

// SetInterval updates the checkpoint interval, bounded by the maximum
//. The running loop picks it up at its next tick.
func (l *Loop) SetInterval(d time.Duration) error {
	if d <= 0 || d > constants.MaxCheckpointIntervalMs*time.Millisecond {
		return fmt.Errorf("checkpoint: interval %s out of range", d)
	}
	l.mu.Lock()
	l.interval = d
	l.mu.Unlock()
	select {
	case l.kick <- struct{}{}:
	default:
	}
	return nil
}

// Pause suspends periodic checkpointing (freeze).
func (l *Loop) Pause() {
	l.mu.Lock()
	l.paused = true
	l.mu.Unlock()
}

// Resume re-enables periodic checkpointing (melt).
func (l *Loop) Resume() {
	l.mu.Lock()
	l.paused = false
	l.mu.Unlock()
	select {
	case l.kick <- struct{}{}:
	default:
	}
}

// Take performs one synchronous checkpoint: it snapshots the LSID set
// (a write barrier against concurrent mutators, since lsid.Set copies
// under its lock), then syncs the super. Safe to call whether or not
// the loop is running.
func (l *Loop) Take() error {
	start := time.Now()
	snap := l.lsids.Load()
	err := l.sup.Sync(snap)
	if l.observer != nil {
		l.observer.ObserveCheckpoint(uint64(time.Since(start).Nanoseconds()), err == nil)
	}
	if err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	return nil
}

// Start launches the periodic loop.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return
	}
	l.started = true
	l.mu.Unlock()

	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)
	go l.run(ctx)
}

// Stop halts the loop and waits for it to exit.
func (l *Loop) Stop() {
	l.mu.Lock()
	started := l.started
	l.started = false
	l.mu.Unlock()
	if !started {
		return
	}
	l.cancel()
	l.wg.Wait()
}

func (l *Loop) run(ctx context.Context) {
	defer l.wg.Done()
	for {
		l.mu.Lock()
		interval := l.interval
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-l.kick:
			continue
		case <-time.After(interval):
		}

		l.mu.Lock()
		paused := l.paused
		l.mu.Unlock()
		if paused {
			continue
		}

		if err := l.Take(); err != nil {
			if l.logger != nil {
				l.logger.Printf("checkpoint failed, stopping: %v", err)
			}
			if l.onFatal != nil {
				l.onFatal(err)
			}
			return
		}
	}
}
