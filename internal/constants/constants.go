// Package constants holds the default tunables shared across the engine.
package constants

// Sector and layout defaults.
const (
	// LogicalSectorSize is the exposed virtual device's logical sector
	// size in bytes: the unit upstream read/write/discard
	// requests are addressed in.
	LogicalSectorSize = 512

	// DefaultSectorSize is the default metadata/log physical sector size
	// (the super's `sector_size` field): the unit superblocks,
	// log-pack headers, and snapshot sectors are laid out in. Matches
	// the backing devices' physical block size in the common case.
	DefaultSectorSize = 4096

	// ReservedPageSectors is the size in (physical) sectors of the
	// reserved page at offset 0 of the log device, before super0.
	ReservedPageSectors = 1

	// RecordsPerSnapshotSector is the number of snapshot records packed
	// into a single metadata sector alongside its occupancy bitmap.
	RecordsPerSnapshotSector = 32

	// InvalidLSID is the sentinel LSID meaning "no such position"
	// (2^64 - 1).
	InvalidLSID uint64 = ^uint64(0)

	// InvalidSnapshotID is skipped when assigning snapshot ids.
	InvalidSnapshotID uint32 = 0
)

// Default device/pipeline parameters.
const (
	// DefaultMaxLogpackPB is the default maximum number of physical
	// blocks a single log pack may span.
	DefaultMaxLogpackPB = 256

	// DefaultNIOBulk bounds how many data-stage writes are reordered
	// together to improve sequentiality.
	DefaultNIOBulk = 128

	// DefaultMaxPendingMB / DefaultMinPendingMB are the back-pressure
	// high/low watermarks on in-flight data bytes.
	DefaultMaxPendingMB = 64
	DefaultMinPendingMB = 16

	// DefaultQueueStopTimeoutMs bounds how long the pipeline can be
	// stalled on back-pressure before the engine goes read-only.
	DefaultQueueStopTimeoutMs = 30_000

	// DefaultLogFlushIntervalMs / DefaultLogFlushIntervalPB bound how
	// often a FLUSH is scheduled on a log device without FUA support.
	DefaultLogFlushIntervalMs = 100
	DefaultLogFlushIntervalPB = 2048

	// DefaultCheckpointIntervalMs / MaxCheckpointIntervalMs bound the
	// checkpoint loop's period.
	DefaultCheckpointIntervalMs = 8_000
	MaxCheckpointIntervalMs     = 600_000

	// MaxFreezeTimeoutSeconds bounds a FREEZE request's timeout.
	MaxFreezeTimeoutSeconds = 86_400
)
