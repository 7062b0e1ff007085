// Package testutil provides fault-injecting backends for crash and
// corruption scenarios in tests.
package testutil

import (
	"fmt"
	"sync"

	"github.com/walbfs/walb/internal/interfaces"
)

// FaultyBackend wraps a BlockDevice, tracks method calls, and can be
// told to fail or corrupt specific operations. All methods are
// thread-safe.
type FaultyBackend struct {
	mu    sync.Mutex
	inner interfaces.BlockDevice

	readCalls  int
	writeCalls int
	flushCalls int

	// failWritesAfter fails every WriteAt once writeCalls exceeds it
	// (-1 disables).
	failWritesAfter int
	// failFlush fails every Flush while set.
	failFlush bool
	// failReads fails every ReadAt while set.
	failReads bool
}

// NewFaultyBackend wraps inner with no faults armed.
func NewFaultyBackend(inner interfaces.BlockDevice) *FaultyBackend {
	return &FaultyBackend{inner: inner, failWritesAfter: -1}
}

// FailWritesAfter arms a write fault: the (n+1)th and later WriteAt
// calls fail. FailWritesAfter(0) fails every write.
func (b *FaultyBackend) FailWritesAfter(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failWritesAfter = b.writeCalls + n
}

// FailFlush arms or disarms the flush fault.
func (b *FaultyBackend) FailFlush(fail bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failFlush = fail
}

// FailReads arms or disarms the read fault.
func (b *FaultyBackend) FailReads(fail bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failReads = fail
}

// ClearFaults disarms every fault.
func (b *FaultyBackend) ClearFaults() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failWritesAfter = -1
	b.failFlush = false
	b.failReads = false
}

// CorruptByte flips one bit of the underlying device at off, bypassing
// fault checks and call counting (it models media corruption, not an
// I/O).
func (b *FaultyBackend) CorruptByte(off int64) error {
	buf := make([]byte, 1)
	if _, err := b.inner.ReadAt(buf, off); err != nil {
		return fmt.Errorf("testutil: corrupt read at %d: %w", off, err)
	}
	buf[0] ^= 0x01
	if _, err := b.inner.WriteAt(buf, off); err != nil {
		return fmt.Errorf("testutil: corrupt write at %d: %w", off, err)
	}
	return nil
}

// CallCounts returns the number of times each method has been called.
func (b *FaultyBackend) CallCounts() map[string]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return map[string]int{
		"read":  b.readCalls,
		"write": b.writeCalls,
		"flush": b.flushCalls,
	}
}

// ReadAt implements the BlockDevice interface
func (b *FaultyBackend) ReadAt(p []byte, off int64) (int, error) {
	b.mu.Lock()
	b.readCalls++
	fail := b.failReads
	b.mu.Unlock()
	if fail {
		return 0, fmt.Errorf("testutil: injected read fault at %d", off)
	}
	return b.inner.ReadAt(p, off)
}

// WriteAt implements the BlockDevice interface
func (b *FaultyBackend) WriteAt(p []byte, off int64) (int, error) {
	b.mu.Lock()
	b.writeCalls++
	fail := b.failWritesAfter >= 0 && b.writeCalls > b.failWritesAfter
	b.mu.Unlock()
	if fail {
		return 0, fmt.Errorf("testutil: injected write fault at %d", off)
	}
	return b.inner.WriteAt(p, off)
}

// Size implements the BlockDevice interface
func (b *FaultyBackend) Size() int64 {
	return b.inner.Size()
}

// Close implements the BlockDevice interface
func (b *FaultyBackend) Close() error {
	return b.inner.Close()
}

// Flush implements the BlockDevice interface
func (b *FaultyBackend) Flush() error {
	b.mu.Lock()
	b.flushCalls++
	fail := b.failFlush
	b.mu.Unlock()
	if fail {
		return fmt.Errorf("testutil: injected flush fault")
	}
	return b.inner.Flush()
}

// Discard implements the DiscardDevice interface when the wrapped
// device supports it.
func (b *FaultyBackend) Discard(offset, length int64) error {
	if dd, ok := b.inner.(interfaces.DiscardDevice); ok {
		return dd.Discard(offset, length)
	}
	return nil
}

// Compile-time interface checks
var (
	_ interfaces.BlockDevice   = (*FaultyBackend)(nil)
	_ interfaces.DiscardDevice = (*FaultyBackend)(nil)
)
