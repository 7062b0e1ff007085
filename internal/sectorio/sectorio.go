// Package sectorio provides sector-granular I/O against the log and
// data devices, batching reads and writes through a Ring abstraction
// so the write pipeline can submit many sector operations with a
// single kernel round trip when the backing device supports it.
package sectorio

import (
	"errors"
	"fmt"

	"github.com/walbfs/walb/internal/interfaces"
)

// ErrRingFull is returned when a batch cannot accept more operations
// before being submitted.
var ErrRingFull = errors.New("sector io: ring full")

// Op is one queued sector operation.
type Op struct {
	Write    bool // false = read
	FUA      bool // write with Force-Unit-Access: durable on completion
	Offset   int64
	Buf      []byte
	UserData uint64
}

// Result is the outcome of one submitted Op.
type Result struct {
	UserData uint64
	N        int
	Err      error
}

// Ring batches sector operations against a single device and submits
// them together. Implementations may use io_uring (ring_uring.go, Linux
// only) or a synchronous fallback (ring_sync.go) for devices without a
// raw file descriptor, such as the in-memory backend.
type Ring interface {
	// Queue adds op to the current batch. Returns ErrRingFull if the
	// batch is at capacity; the caller should Submit first.
	Queue(op Op) error

	// Submit issues every queued op and blocks until all complete,
	// returning one Result per queued Op in submission order.
	Submit() ([]Result, error)

	// Flush issues a device-level cache flush.
	Flush() error

	// Close releases ring resources. The underlying device is not
	// closed.
	Close() error
}

// NewRing returns the most capable Ring available for dev: an
// io_uring-backed ring if dev exposes a raw file descriptor and the
// build supports it, otherwise a portable synchronous fallback.
func NewRing(dev interfaces.BlockDevice, queueDepth int) (Ring, error) {
	if fdDev, ok := dev.(interfaces.RawFDDevice); ok {
		if r, err := newURing(fdDev, queueDepth); err == nil {
			return r, nil
		}
	}
	return newSyncRing(dev, queueDepth), nil
}

// ReadSector reads exactly len(buf) bytes at off with a direct ReadAt
// on dev, without going through a Ring. Convenience wrapper for callers outside the
// pipeline's steady-state batching (superblock/snapshot code paths).
func ReadSector(dev interfaces.BlockDevice, off int64, buf []byte) error {
	n, err := dev.ReadAt(buf, off)
	if err != nil {
		return fmt.Errorf("sectorio: read at %d: %w", off, err)
	}
	if n != len(buf) {
		return fmt.Errorf("sectorio: short read at %d: got %d want %d", off, n, len(buf))
	}
	return nil
}

// WriteSector writes buf at off and returns once the write has been
// accepted by the device (not necessarily durable; call Flush/FUA for
// that guarantee).
func WriteSector(dev interfaces.BlockDevice, off int64, buf []byte) error {
	n, err := dev.WriteAt(buf, off)
	if err != nil {
		return fmt.Errorf("sectorio: write at %d: %w", off, err)
	}
	if n != len(buf) {
		return fmt.Errorf("sectorio: short write at %d: got %d want %d", off, n, len(buf))
	}
	return nil
}
