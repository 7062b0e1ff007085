package walb

import "github.com/walbfs/walb/internal/constants"

// Re-export constants for public API
const (
	LogicalSectorSize           = constants.LogicalSectorSize
	DefaultSectorSize           = constants.DefaultSectorSize
	InvalidLSID                 = constants.InvalidLSID
	InvalidSnapshotID           = constants.InvalidSnapshotID
	DefaultMaxLogpackPB         = constants.DefaultMaxLogpackPB
	DefaultNIOBulk              = constants.DefaultNIOBulk
	DefaultMaxPendingMB         = constants.DefaultMaxPendingMB
	DefaultMinPendingMB         = constants.DefaultMinPendingMB
	DefaultQueueStopTimeoutMs   = constants.DefaultQueueStopTimeoutMs
	DefaultLogFlushIntervalMs   = constants.DefaultLogFlushIntervalMs
	DefaultLogFlushIntervalPB   = constants.DefaultLogFlushIntervalPB
	DefaultCheckpointIntervalMs = constants.DefaultCheckpointIntervalMs
	MaxCheckpointIntervalMs     = constants.MaxCheckpointIntervalMs
	MaxFreezeTimeoutSeconds     = constants.MaxFreezeTimeoutSeconds
)

// Version is the on-disk format and control-surface version reported
// by the VERSION control operation.
const Version uint32 = 1
