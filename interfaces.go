package walb

// BlockDevice is the interface the engine requires of its two backing
// devices (the log device and the data device): byte-addressable at
// sector granularity, supporting flush. The internal packages declare
// a structurally identical interface to avoid import cycles.
type BlockDevice interface {
	ReadAt(p []byte, off int64) (n int, err error)
	WriteAt(p []byte, off int64) (n int, err error)
	Size() int64
	Close() error
	Flush() error
}

// DiscardDevice is an optional interface for TRIM/DISCARD support.
type DiscardDevice interface {
	BlockDevice
	Discard(offset, length int64) error
}

// FUADevice is an optional interface for devices that honour
// Force-Unit-Access writes without a separate FLUSH round trip. The
// pipeline skips its explicit flush scheduling on such log devices.
type FUADevice interface {
	BlockDevice
	SupportsFUA() bool
	WriteAtFUA(p []byte, off int64) (n int, err error)
}

// ResizableDevice is an optional interface for devices that can grow.
type ResizableDevice interface {
	BlockDevice
	Resize(newSize int64) error
}

// Logger interface for optional logging.
type Logger interface {
	Printf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

// Observer interface for metrics collection.
// Implementations must be thread-safe as methods are called from the
// pipeline and redo goroutines.
type Observer interface {
	ObservePackWrite(sectors uint64, latencyNs uint64, success bool)
	ObserveDataWrite(sectors uint64, latencyNs uint64, success bool)
	ObserveRedoApply(records uint64, latencyNs uint64, success bool)
	ObserveCheckpoint(latencyNs uint64, success bool)
	ObserveFlush(latencyNs uint64, success bool)
	ObserveQueueDepth(depth uint32)
}
