// Package walb provides a block-level write-ahead-log virtualisation
// engine: writes to the exposed virtual device are durably appended to
// a circular log on a dedicated log device, acknowledged, and then
// applied asynchronously to a data device. On restart, unapplied log
// packs are redone onto the data device.
package walb

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/walbfs/walb/internal/checkpoint"
	"github.com/walbfs/walb/internal/constants"
	"github.com/walbfs/walb/internal/logging"
	"github.com/walbfs/walb/internal/logpack"
	"github.com/walbfs/walb/internal/lsid"
	"github.com/walbfs/walb/internal/pipeline"
	"github.com/walbfs/walb/internal/redo"
	"github.com/walbfs/walb/internal/sectorio"
	"github.com/walbfs/walb/internal/snapshot"
	"github.com/walbfs/walb/internal/super"
)

// EngineParams contains parameters for formatting or opening an engine
type EngineParams struct {
	// LogDevice holds the superblocks, snapshot metadata, and the ring
	// buffer of log packs.
	LogDevice BlockDevice

	// DataDevice holds the exposed device's actual data.
	DataDevice BlockDevice

	// Name identifies the device in the super sector (up to 64 bytes).
	Name string

	// SectorSize is the physical block size of the backing devices
	// (default: 4096). Log and data device must agree.
	SectorSize int

	// SnapshotMetadataSize is the snapshot area's size in sectors
	// (default: 8; 32 records per sector).
	SnapshotMetadataSize int

	// DeviceSizeSectors is the exposed device's capacity in logical
	// (512-byte) sectors. 0 means the whole data device.
	DeviceSizeSectors uint64

	// Pipeline tunables; zero values select the defaults.
	MaxLogpackPB       uint64
	NIOBulk            int
	MaxPendingMB       int
	MinPendingMB       int
	QueueStopTimeoutMs int
	LogFlushIntervalMs int
	LogFlushIntervalPB uint64

	// CheckpointIntervalMs bounds how stale the persisted written_lsid
	// may be (default 8s, max 10min).
	CheckpointIntervalMs int
}

// DefaultEngineParams returns default engine parameters for the given
// backing devices
func DefaultEngineParams(logDev, dataDev BlockDevice) EngineParams {
	return EngineParams{
		LogDevice:            logDev,
		DataDevice:           dataDev,
		SectorSize:           constants.DefaultSectorSize,
		SnapshotMetadataSize: 8,

		MaxLogpackPB:         constants.DefaultMaxLogpackPB,
		NIOBulk:              constants.DefaultNIOBulk,
		MaxPendingMB:         constants.DefaultMaxPendingMB,
		MinPendingMB:         constants.DefaultMinPendingMB,
		QueueStopTimeoutMs:   constants.DefaultQueueStopTimeoutMs,
		LogFlushIntervalMs:   constants.DefaultLogFlushIntervalMs,
		LogFlushIntervalPB:   constants.DefaultLogFlushIntervalPB,
		CheckpointIntervalMs: constants.DefaultCheckpointIntervalMs,
	}
}

func (p *EngineParams) fillDefaults() {
	if p.SectorSize == 0 {
		p.SectorSize = constants.DefaultSectorSize
	}
	if p.SnapshotMetadataSize == 0 {
		p.SnapshotMetadataSize = 8
	}
	if p.MaxLogpackPB == 0 {
		p.MaxLogpackPB = constants.DefaultMaxLogpackPB
	}
	if p.NIOBulk == 0 {
		p.NIOBulk = constants.DefaultNIOBulk
	}
	if p.MaxPendingMB == 0 {
		p.MaxPendingMB = constants.DefaultMaxPendingMB
	}
	if p.MinPendingMB == 0 {
		p.MinPendingMB = constants.DefaultMinPendingMB
	}
	if p.QueueStopTimeoutMs == 0 {
		p.QueueStopTimeoutMs = constants.DefaultQueueStopTimeoutMs
	}
	if p.LogFlushIntervalMs == 0 {
		p.LogFlushIntervalMs = constants.DefaultLogFlushIntervalMs
	}
	if p.LogFlushIntervalPB == 0 {
		p.LogFlushIntervalPB = constants.DefaultLogFlushIntervalPB
	}
	if p.CheckpointIntervalMs == 0 {
		p.CheckpointIntervalMs = constants.DefaultCheckpointIntervalMs
	}
	if p.DeviceSizeSectors == 0 && p.DataDevice != nil {
		p.DeviceSizeSectors = uint64(p.DataDevice.Size()) / constants.LogicalSectorSize
	}
}

// Options contains additional options for opening an engine
type Options struct {
	// Context for cancellation (if nil, uses context.Background())
	Context context.Context

	// Logger for debug/info messages (if nil, nothing is sent to it;
	// redo results and fatal errors still go to the process default
	// logger)
	Logger Logger

	// Observer for metrics collection (if nil, uses the built-in
	// metrics observer)
	Observer Observer
}

// Engine is one running walb instance. It exclusively owns its two
// backing devices for its lifetime; there is no process-wide device
// registry: the host holds the Engine value and passes it into every
// operation.
type Engine struct {
	params EngineParams

	logDev  BlockDevice
	dataDev BlockDevice

	layout super.Layout
	sup    *super.Manager
	lsids  *lsid.Set
	ring   *logpack.Ring
	store  *snapshot.Store
	core   *pipeline.Core
	ckpt   *checkpoint.Loop

	// sizeMu guards the exposed device size.
	sizeMu            sync.Mutex
	deviceSizeSectors uint64

	// freezeMu serialises FREEZE/MELT/CLEAR_LOG against each other;
	// clear_log transitions the state machine through Frozen explicitly.
	freezeMu sync.Mutex

	readOnly atomic.Bool
	overflow atomic.Bool

	metrics  *Metrics
	observer Observer
	logger   Logger

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
}

func layoutFor(params EngineParams) (super.Layout, error) {
	ss := params.SectorSize
	logSectors := params.LogDevice.Size() / int64(ss)
	// reserved page + super0 + metadata + super1
	meta := int64(1 + 1 + params.SnapshotMetadataSize + 1)
	ringSectors := logSectors - meta
	if ringSectors < 2 {
		return super.Layout{}, NewError("FORMAT", ErrCodeInvalidArgument,
			fmt.Sprintf("log device too small: %d sectors leaves no ring", logSectors))
	}
	return super.NewLayout(ss, int64(params.SnapshotMetadataSize), uint64(ringSectors)), nil
}

// Format initializes the two backing devices for first use: writes the
// mirrored super sectors, zeroes the snapshot metadata area, and
// invalidates the ring's first pack slot so a subsequent Open finds an
// empty log.
func Format(params EngineParams) error {
	params.fillDefaults()
	if params.LogDevice == nil || params.DataDevice == nil {
		return NewError("FORMAT", ErrCodeInvalidArgument, "both backing devices are required")
	}
	layout, err := layoutFor(params)
	if err != nil {
		return err
	}
	if params.DeviceSizeSectors*constants.LogicalSectorSize > uint64(params.DataDevice.Size()) {
		return NewError("FORMAT", ErrCodeInvalidArgument, "device size exceeds the data device")
	}

	s := super.Format(layout, params.DeviceSizeSectors)
	copy(s.Name[:], params.Name)

	mgr := super.NewManager(params.LogDevice, layout)
	if err := mgr.Write(s); err != nil {
		return WrapError("FORMAT", err)
	}

	store := snapshot.New(params.LogDevice, layout.MetadataOffset, layout.SectorSize, params.SnapshotMetadataSize)
	if err := store.Clear(); err != nil {
		return WrapError("FORMAT", err)
	}

	// Invalidate any stale pack at LSID 0.
	ring := logpack.NewRing(layout.SectorSize, layout.RingOffset, layout.RingBufferSize)
	zero := make([]byte, layout.SectorSize)
	if err := sectorio.WriteSector(params.LogDevice, ring.Offset(0), zero); err != nil {
		return WrapError("FORMAT", err)
	}
	if err := params.LogDevice.Flush(); err != nil {
		return WrapError("FORMAT", err)
	}
	return nil
}

// Open loads the super, replays the log onto the data device (redo),
// and starts the write pipeline and checkpoint loop. The devices must
// have been formatted with Format.
func Open(params EngineParams, options *Options) (*Engine, error) {
	params.fillDefaults()
	if params.LogDevice == nil || params.DataDevice == nil {
		return nil, NewError("OPEN", ErrCodeInvalidArgument, "both backing devices are required")
	}
	if options == nil {
		options = &Options{}
	}
	ctx := options.Context
	if ctx == nil {
		ctx = context.Background()
	}

	layout, err := layoutFor(params)
	if err != nil {
		return nil, err
	}
	mgr := super.NewManager(params.LogDevice, layout)
	s, err := mgr.Load()
	if err != nil {
		return nil, WrapError("OPEN", err)
	}
	if int(s.SectorSize) != params.SectorSize {
		return nil, NewError("OPEN", ErrCodeInvalidArgument,
			fmt.Sprintf("sector size mismatch: super says %d, params say %d", s.SectorSize, params.SectorSize))
	}

	// The super's recorded geometry is authoritative over params.
	layout = super.NewLayout(int(s.SectorSize), int64(s.SnapshotMetadataSize), s.RingBufferSize)
	ring := logpack.NewRing(layout.SectorSize, layout.RingOffset, layout.RingBufferSize)

	store, err := snapshot.Load(params.LogDevice, layout.MetadataOffset, layout.SectorSize, int(s.SnapshotMetadataSize))
	if err != nil {
		return nil, WrapError("OPEN", err)
	}

	metrics := NewMetrics()
	var observer Observer = NewMetricsObserver(metrics)
	if options.Observer != nil {
		observer = options.Observer
	}
	logger := options.Logger

	lsids := lsid.New()
	lsids.InitFrom(s.OldestLSID, s.WrittenLSID)

	// Redo: replay from written_lsid to the log tail.
	res, err := redo.Run(redo.Config{
		LogDev:            params.LogDevice,
		DataDev:           params.DataDevice,
		Ring:              ring,
		Salt:              s.LogChecksumSalt,
		SectorSize:        layout.SectorSize,
		LogicalSectorSize: constants.LogicalSectorSize,
		Logger:            logger,
		Observer:          observer,
	}, s.WrittenLSID)
	if err != nil {
		return nil, WrapError("REDO", err)
	}
	lsids.InitFrom(s.OldestLSID, res.EndLSID)
	if res.PacksApplied > 0 {
		logging.Info("redo complete", "packs", res.PacksApplied, "end_lsid", res.EndLSID, "truncated", res.Truncated)
	}

	e := &Engine{
		params:            params,
		logDev:            params.LogDevice,
		dataDev:           params.DataDevice,
		layout:            layout,
		sup:               mgr,
		lsids:             lsids,
		ring:              ring,
		store:             store,
		deviceSizeSectors: s.DeviceSize,
		metrics:           metrics,
		observer:          observer,
		logger:            logger,
	}
	e.ctx, e.cancel = context.WithCancel(ctx)

	e.ckpt = checkpoint.New(lsids, mgr,
		time.Duration(params.CheckpointIntervalMs)*time.Millisecond,
		logger, observer, e.fatal)

	e.core = pipeline.NewCore(pipeline.Config{
		LogDev:            params.LogDevice,
		DataDev:           params.DataDevice,
		LSIDs:             lsids,
		Ring:              ring,
		Builder:           logpack.NewBuilder(layout.SectorSize, constants.LogicalSectorSize, params.MaxLogpackPB),
		Salt:              s.LogChecksumSalt,
		SectorSize:        layout.SectorSize,
		LogicalSectorSize: constants.LogicalSectorSize,
		MaxPendingBytes:   int64(params.MaxPendingMB) << 20,
		MinPendingBytes:   int64(params.MinPendingMB) << 20,
		QueueStopTimeout:  time.Duration(params.QueueStopTimeoutMs) * time.Millisecond,
		NIOBulk:           params.NIOBulk,
		LogFlushInterval:  time.Duration(params.LogFlushIntervalMs) * time.Millisecond,
		LogFlushIntervalPB: params.LogFlushIntervalPB,
		Logger:            logger,
		Observer:          observer,
		OnOverflow: func() {
			e.overflow.Store(true)
			e.fatal(NewError("PACK", ErrCodeLogOverflow, "ring buffer exhausted"))
		},
		OnFatal: e.fatal,
		OnMelt: func() {
			e.ckpt.Resume()
		},
	})

	// Persist the redo result before accepting writes, so a crash
	// right after open does not replay the same packs against a super
	// that predates them.
	if err := e.ckpt.Take(); err != nil {
		return nil, WrapError("OPEN", err)
	}

	e.core.Start(e.ctx)
	e.ckpt.Start(e.ctx)

	if logger != nil {
		logger.Printf("engine open: device_size=%d sectors ring=%d sectors written_lsid=%d",
			e.deviceSizeSectors, layout.RingBufferSize, res.EndLSID)
	}
	return e, nil
}

// fatal latches the engine read-only after an unrecoverable metadata
// or log failure. Idempotent; the first cause is logged.
func (e *Engine) fatal(err error) {
	if !e.readOnly.Swap(true) {
		logging.Error("engine latched read-only", "error", err)
		if e.logger != nil {
			e.logger.Printf("engine latched read-only: %v", err)
		}
	}
}

// IsReadOnly reports whether the read-only latch is set.
func (e *Engine) IsReadOnly() bool {
	return e.readOnly.Load()
}

func (e *Engine) checkWritable(op string) error {
	if e.readOnly.Load() {
		return NewError(op, ErrCodeReadOnly, "")
	}
	return nil
}

// Size returns the exposed device's capacity in bytes.
func (e *Engine) Size() int64 {
	e.sizeMu.Lock()
	defer e.sizeMu.Unlock()
	return int64(e.deviceSizeSectors) * constants.LogicalSectorSize
}

// Metrics returns the engine's built-in metrics.
func (e *Engine) Metrics() *Metrics {
	return e.metrics
}

func (e *Engine) checkRange(op string, off, length int64) error {
	if off < 0 || length < 0 || off%constants.LogicalSectorSize != 0 || length%constants.LogicalSectorSize != 0 {
		return NewError(op, ErrCodeInvalidArgument, "offset and length must be sector-aligned")
	}
	if off+length > e.Size() {
		return NewError(op, ErrCodeInvalidArgument, "beyond end of device")
	}
	return nil
}

// ReadAt serves an upstream read. Reads always go to the data device
// and bypass the freeze state.
func (e *Engine) ReadAt(p []byte, off int64) (int, error) {
	if err := e.checkRange("READ", off, int64(len(p))); err != nil {
		return 0, err
	}
	return e.dataDev.ReadAt(p, off)
}

// WriteAt serves an upstream write: the payload is packed into a log
// pack, appended to the ring, and the call returns once the pack is
// permanent on the log device. Application to the data device is
// asynchronous.
func (e *Engine) WriteAt(ctx context.Context, p []byte, off int64) (int, error) {
	if err := e.checkWritable("WRITE"); err != nil {
		return 0, err
	}
	if err := e.checkRange("WRITE", off, int64(len(p))); err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}

	// A single pack holds at most MaxLogpackPB blocks including its
	// header; larger writes split into multiple requests.
	maxChunk := (int(e.params.MaxLogpackPB) - 1) * e.layout.SectorSize
	var reqs []*pipeline.Request
	for start := 0; start < len(p); start += maxChunk {
		end := start + maxChunk
		if end > len(p) {
			end = len(p)
		}
		req, err := e.core.SubmitWrite(ctx,
			uint64(off+int64(start))/constants.LogicalSectorSize, p[start:end])
		if err != nil {
			return 0, WrapError("WRITE", err)
		}
		reqs = append(reqs, req)
	}
	for _, req := range reqs {
		if err := req.Wait(ctx); err != nil {
			return 0, WrapError("WRITE", err)
		}
	}
	return len(p), nil
}

// Discard serves an upstream TRIM/DISCARD. Blocked while frozen, like
// writes.
func (e *Engine) Discard(ctx context.Context, off, length int64) error {
	if err := e.checkWritable("DISCARD"); err != nil {
		return err
	}
	if err := e.checkRange("DISCARD", off, length); err != nil {
		return err
	}
	if length == 0 {
		return nil
	}
	req, err := e.core.SubmitDiscard(ctx, uint64(off)/constants.LogicalSectorSize,
		uint32(length/constants.LogicalSectorSize))
	if err != nil {
		return WrapError("DISCARD", err)
	}
	if err := req.Wait(ctx); err != nil {
		return WrapError("DISCARD", err)
	}
	return nil
}

// Flush serves an upstream FLUSH barrier: when it returns, every
// previously acknowledged write is permanent in the log.
func (e *Engine) Flush(ctx context.Context) error {
	if err := e.checkWritable("FLUSH"); err != nil {
		return err
	}
	req, err := e.core.SubmitFlush(ctx)
	if err != nil {
		return WrapError("FLUSH", err)
	}
	if err := req.Wait(ctx); err != nil {
		return WrapError("FLUSH", err)
	}
	return nil
}

// Close stops the pipeline and checkpoint loop and persists a final
// checkpoint. The backing devices remain open; the caller owns them.
func (e *Engine) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	e.ckpt.Stop()
	if !e.readOnly.Load() {
		e.core.Drain()
	}
	e.core.Close()
	var err error
	if !e.readOnly.Load() {
		err = e.ckpt.Take()
	}
	e.cancel()
	e.metrics.Stop()
	return err
}

// uuidBytes returns a fresh random UUID for CLEAR_LOG's epoch rotation.
func uuidBytes() [16]byte {
	return [16]byte(uuid.New())
}

// UUID returns the log epoch identifier from the super sector; it
// changes on every CLEAR_LOG.
func (e *Engine) UUID() [16]byte {
	s := e.sup.Current()
	if s == nil {
		return [16]byte{}
	}
	return s.UUID
}

// currentSalt returns the live log epoch's checksum salt.
func (e *Engine) currentSalt() uint32 {
	s := e.sup.Current()
	if s == nil {
		return 0
	}
	return s.LogChecksumSalt
}
