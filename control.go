package walb

import (
	"errors"
	"fmt"
	"time"

	"github.com/walbfs/walb/internal/constants"
	"github.com/walbfs/walb/internal/ctrl"
	"github.com/walbfs/walb/internal/ondisk"
	"github.com/walbfs/walb/internal/pipeline"
	"github.com/walbfs/walb/internal/sectorio"
	"github.com/walbfs/walb/internal/snapshot"
	"github.com/walbfs/walb/internal/super"
)

// Do dispatches one control operation. It is the synchronous
// request/response surface an administrative channel drives; each
// typed method below is also callable directly.
func (e *Engine) Do(req ctrl.Request) (ctrl.Response, error) {
	var resp ctrl.Response
	switch req.Op {
	case ctrl.OpGetOldestLSID:
		resp.LSID = e.lsids.Oldest()
	case ctrl.OpSetOldestLSID:
		return resp, e.SetOldestLSID(req.LSID)
	case ctrl.OpTakeCheckpoint:
		return resp, e.TakeCheckpoint()
	case ctrl.OpGetCheckpointInterval:
		resp.Val32 = uint32(e.ckpt.Interval() / time.Millisecond)
	case ctrl.OpSetCheckpointInterval:
		return resp, e.SetCheckpointInterval(req.Val32)
	case ctrl.OpGetWrittenLSID:
		resp.LSID = e.lsids.Written()
	case ctrl.OpGetPermanentLSID:
		resp.LSID = e.lsids.Permanent()
	case ctrl.OpGetCompletedLSID:
		resp.LSID = e.lsids.Completed()
	case ctrl.OpGetLogUsage:
		resp.LSID = e.LogUsage()
	case ctrl.OpGetLogCapacity:
		resp.LSID = e.LogCapacity()
	case ctrl.OpCreateSnapshot:
		return resp, e.CreateSnapshot(req.Record.Name, req.Record.LSID, req.Record.Timestamp)
	case ctrl.OpDeleteSnapshot:
		return resp, e.DeleteSnapshot(req.Name)
	case ctrl.OpDeleteSnapshotRange:
		n, err := e.DeleteSnapshotRange(req.LSID, req.LSID1)
		resp.Val32 = uint32(n)
		return resp, err
	case ctrl.OpGetSnapshot:
		rec, err := e.GetSnapshot(req.Name)
		resp.Record = rec
		return resp, err
	case ctrl.OpNumOfSnapshotRange:
		resp.Val32 = uint32(e.NumOfSnapshotRange(req.LSID, req.LSID1))
	case ctrl.OpListSnapshotRange:
		recs, next := e.ListSnapshotRange(req.LSID, req.LSID1, req.Max)
		resp.Records = recs
		resp.NextLSID = next
	case ctrl.OpListSnapshotFrom:
		recs, next := e.ListSnapshotFrom(req.Val32, req.Max)
		resp.Records = recs
		resp.NextSID = next
	case ctrl.OpResize:
		return resp, e.Resize(req.LSID)
	case ctrl.OpClearLog:
		return resp, e.ClearLog()
	case ctrl.OpIsLogOverflow:
		resp.Bool = e.IsLogOverflow()
	case ctrl.OpFreeze:
		return resp, e.FreezeFor(req.Val32)
	case ctrl.OpIsFrozen:
		resp.Bool = e.IsFrozen()
	case ctrl.OpMelt:
		return resp, e.Melt()
	case ctrl.OpVersion:
		resp.Val32 = Version
	case ctrl.OpSearchLSID, ctrl.OpStatus:
		return resp, NewError(req.Op.String(), ErrCodeNotImplemented, "")
	default:
		return resp, NewError(fmt.Sprintf("OPCODE_%d", req.Op), ErrCodeInvalidArgument, "unknown opcode")
	}
	return resp, nil
}

// OldestLSID returns the earliest LSID still retrievable in the ring.
func (e *Engine) OldestLSID() uint64 { return e.lsids.Oldest() }

// WrittenLSID returns the highest LSID durable on the data device.
func (e *Engine) WrittenLSID() uint64 { return e.lsids.Written() }

// PermanentLSID returns the highest crash-safe LSID.
func (e *Engine) PermanentLSID() uint64 { return e.lsids.Permanent() }

// CompletedLSID returns the highest LSID durable on the log device.
func (e *Engine) CompletedLSID() uint64 { return e.lsids.Completed() }

// LogUsage returns latest - oldest: how much of the ring is in use.
func (e *Engine) LogUsage() uint64 {
	snap := e.lsids.Load()
	return snap.Latest - snap.Oldest
}

// LogCapacity returns the ring's size in physical blocks.
func (e *Engine) LogCapacity() uint64 { return e.ring.RingSize }

// SetOldestLSID advances oldest, reclaiming ring space. lsid must
// equal written or lie in [oldest, written) and reference a valid pack
// header.
func (e *Engine) SetOldestLSID(lsid uint64) error {
	if err := e.checkWritable("SET_OLDEST_LSID"); err != nil {
		return err
	}
	snap := e.lsids.Load()
	if lsid != snap.Written {
		if lsid < snap.Oldest || lsid >= snap.Written {
			return NewLSIDError("SET_OLDEST_LSID", lsid, ErrCodeInvalidLSID,
				fmt.Sprintf("must equal written (%d) or lie in [%d, %d)", snap.Written, snap.Oldest, snap.Written))
		}
		hdr := make([]byte, e.layout.SectorSize)
		if err := sectorio.ReadLSIDRange(e.logDev, e.ring, lsid, 1, hdr); err != nil {
			return WrapError("SET_OLDEST_LSID", err)
		}
		if !ondisk.ValidateHeaderSalted(hdr, e.currentSalt()) {
			return NewLSIDError("SET_OLDEST_LSID", lsid, ErrCodeInvalidLSID, "no valid pack header at lsid")
		}
		h := ondisk.DecodeHeader(hdr)
		if h.LogpackLSID != lsid {
			return NewLSIDError("SET_OLDEST_LSID", lsid, ErrCodeInvalidLSID, "header belongs to a different lap")
		}
	}
	if err := e.lsids.SetOldest(lsid); err != nil {
		return NewLSIDError("SET_OLDEST_LSID", lsid, ErrCodeInvalidLSID, err.Error())
	}
	return nil
}

// TakeCheckpoint performs one synchronous checkpoint.
func (e *Engine) TakeCheckpoint() error {
	if err := e.checkWritable("TAKE_CHECKPOINT"); err != nil {
		return err
	}
	if err := e.ckpt.Take(); err != nil {
		e.fatal(err)
		return WrapError("TAKE_CHECKPOINT", err)
	}
	return nil
}

// SetCheckpointInterval updates the checkpoint period, bounded by the
// maximum.
func (e *Engine) SetCheckpointInterval(ms uint32) error {
	if err := e.ckpt.SetInterval(time.Duration(ms) * time.Millisecond); err != nil {
		return NewError("SET_CHECKPOINT_INTERVAL", ErrCodeInvalidArgument, err.Error())
	}
	return nil
}

// CheckpointInterval returns the current checkpoint period in
// milliseconds.
func (e *Engine) CheckpointInterval() uint32 {
	return uint32(e.ckpt.Interval() / time.Millisecond)
}

func mapSnapshotErr(op, name string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, snapshot.ErrNameConflict):
		return NewSnapshotError(op, name, ErrCodeNameConflict, "")
	case errors.Is(err, snapshot.ErrNotFound):
		return NewSnapshotError(op, name, ErrCodeNotFound, "")
	case errors.Is(err, snapshot.ErrBusy):
		return NewSnapshotError(op, name, ErrCodeBusy, "metadata sectors full")
	case errors.Is(err, snapshot.ErrInvalidLSID):
		return NewSnapshotError(op, name, ErrCodeInvalidLSID, "")
	default:
		return WrapError(op, err)
	}
}

// CreateSnapshot persists a named snapshot at lsid. A timestamp of 0
// means now.
func (e *Engine) CreateSnapshot(name string, lsid, timestamp uint64) error {
	if err := e.checkWritable("CREATE_SNAPSHOT"); err != nil {
		return err
	}
	if name == "" || len(name) > 63 {
		return NewSnapshotError("CREATE_SNAPSHOT", name, ErrCodeInvalidArgument, "name must be 1..63 bytes")
	}
	snap := e.lsids.Load()
	if lsid < snap.Oldest || lsid > snap.Latest {
		return NewLSIDError("CREATE_SNAPSHOT", lsid, ErrCodeInvalidLSID,
			fmt.Sprintf("outside the live log [%d, %d]", snap.Oldest, snap.Latest))
	}
	if timestamp == 0 {
		timestamp = uint64(time.Now().Unix())
	}
	_, err := e.store.Add(name, lsid, timestamp)
	if err != nil {
		err = mapSnapshotErr("CREATE_SNAPSHOT", name, err)
		if IsCode(err, ErrCodeIOError) {
			e.fatal(err)
		}
		return err
	}
	return nil
}

// DeleteSnapshot removes the named snapshot.
func (e *Engine) DeleteSnapshot(name string) error {
	if err := e.checkWritable("DELETE_SNAPSHOT"); err != nil {
		return err
	}
	err := mapSnapshotErr("DELETE_SNAPSHOT", name, e.store.Del(name))
	if IsCode(err, ErrCodeIOError) {
		e.fatal(err)
	}
	return err
}

// DeleteSnapshotRange removes every snapshot with lsid in
// [lsid0, lsid1) and returns the count removed.
func (e *Engine) DeleteSnapshotRange(lsid0, lsid1 uint64) (int, error) {
	if err := e.checkWritable("DELETE_SNAPSHOT_RANGE"); err != nil {
		return 0, err
	}
	n, err := e.store.DelRange(lsid0, lsid1)
	if err != nil {
		err = mapSnapshotErr("DELETE_SNAPSHOT_RANGE", "", err)
		if IsCode(err, ErrCodeIOError) {
			e.fatal(err)
		}
		return 0, err
	}
	return n, nil
}

// GetSnapshot looks up a snapshot by name.
func (e *Engine) GetSnapshot(name string) (ctrl.SnapshotRecord, error) {
	rec, err := e.store.Get(name)
	if err != nil {
		return ctrl.SnapshotRecord{}, mapSnapshotErr("GET_SNAPSHOT", name, err)
	}
	return ctrl.SnapshotRecord{SnapshotID: rec.SnapshotID, Name: rec.Name, LSID: rec.LSID, Timestamp: rec.Timestamp}, nil
}

// NumOfSnapshotRange counts snapshots with lsid in [lsid0, lsid1).
func (e *Engine) NumOfSnapshotRange(lsid0, lsid1 uint64) int {
	return e.store.NRecordsRange(lsid0, lsid1)
}

// ListSnapshotRange returns up to max snapshots with lsid in
// [lsid0, lsid1), ordered by lsid then name, plus the lsid to resume
// pagination from (0 when exhausted).
func (e *Engine) ListSnapshotRange(lsid0, lsid1 uint64, max int) ([]ctrl.SnapshotRecord, uint64) {
	recs := e.store.ListRange(lsid0, lsid1, max)
	out := make([]ctrl.SnapshotRecord, len(recs))
	for i, r := range recs {
		out[i] = ctrl.SnapshotRecord{SnapshotID: r.SnapshotID, Name: r.Name, LSID: r.LSID, Timestamp: r.Timestamp}
	}
	var next uint64
	if max > 0 && len(recs) == max {
		next = recs[len(recs)-1].LSID + 1
	}
	return out, next
}

// ListSnapshotFrom returns up to max snapshots with snapshot_id >=
// sid, ordered by snapshot_id, plus the id to resume pagination from
// (0 when exhausted).
func (e *Engine) ListSnapshotFrom(sid uint32, max int) ([]ctrl.SnapshotRecord, uint32) {
	recs := e.store.ListFrom(sid, max)
	out := make([]ctrl.SnapshotRecord, len(recs))
	for i, r := range recs {
		out[i] = ctrl.SnapshotRecord{SnapshotID: r.SnapshotID, Name: r.Name, LSID: r.LSID, Timestamp: r.Timestamp}
	}
	var next uint32
	if max > 0 && len(recs) == max {
		next = recs[len(recs)-1].SnapshotID + 1
	}
	return out, next
}

// IsLogOverflow reports the sticky overflow flag; only CLEAR_LOG
// clears it.
func (e *Engine) IsLogOverflow() bool {
	return e.overflow.Load()
}

// Resize grows the exposed device to newSizeSectors logical sectors.
// Shrinking is not supported.
func (e *Engine) Resize(newSizeSectors uint64) error {
	if err := e.checkWritable("RESIZE"); err != nil {
		return err
	}
	e.sizeMu.Lock()
	defer e.sizeMu.Unlock()

	if newSizeSectors < e.deviceSizeSectors {
		return NewError("RESIZE", ErrCodeInvalidArgument, "shrinking is not supported")
	}
	if newSizeSectors == e.deviceSizeSectors {
		return nil
	}
	newBytes := int64(newSizeSectors) * constants.LogicalSectorSize
	if newBytes > e.dataDev.Size() {
		rd, ok := e.dataDev.(ResizableDevice)
		if !ok {
			return NewError("RESIZE", ErrCodeInvalidArgument, "new size exceeds the data device")
		}
		if err := rd.Resize(newBytes); err != nil {
			return WrapError("RESIZE", err)
		}
	}

	s := e.sup.Current()
	snap := e.lsids.Load()
	s.DeviceSize = newSizeSectors
	s.OldestLSID = snap.Oldest
	s.WrittenLSID = snap.Written
	if err := e.sup.Write(s); err != nil {
		e.fatal(err)
		return WrapError("RESIZE", err)
	}
	e.deviceSizeSectors = newSizeSectors
	return nil
}

// FreezeFor pauses the pack stage and checkpointing and drains
// in-flight work. A timeout of 0 freezes until an explicit Melt; a
// positive timeout schedules an auto-melt.
func (e *Engine) FreezeFor(timeoutSeconds uint32) error {
	if timeoutSeconds > constants.MaxFreezeTimeoutSeconds {
		return NewError("FREEZE", ErrCodeInvalidArgument,
			fmt.Sprintf("timeout %ds exceeds the maximum %ds", timeoutSeconds, constants.MaxFreezeTimeoutSeconds))
	}
	e.freezeMu.Lock()
	defer e.freezeMu.Unlock()

	e.ckpt.Pause()
	if err := e.core.Freeze().Freeze(time.Duration(timeoutSeconds) * time.Second); err != nil {
		return WrapError("FREEZE", err)
	}
	e.core.Drain()
	return nil
}

// Melt resumes the pack stage and checkpointing. Idempotent.
func (e *Engine) Melt() error {
	e.freezeMu.Lock()
	defer e.freezeMu.Unlock()
	return e.core.Freeze().Melt()
}

// IsFrozen reports whether the pipeline is currently frozen.
func (e *Engine) IsFrozen() bool {
	return e.core.Freeze().State() != pipeline.Melted
}

// ClearLog discards the whole log: every LSID returns to 0, the log
// epoch rotates (new UUID and checksum salt), all snapshots are
// deleted, and the sticky overflow flag clears. The state
// machine passes through Frozen explicitly, serialised against FREEZE
// and MELT by freezeMu.
func (e *Engine) ClearLog() error {
	// A read-only latch caused by ring overflow is exactly what
	// CLEAR_LOG exists to recover from; any other cause stays fatal.
	wasOverflow := e.overflow.Load()
	if e.readOnly.Load() && !wasOverflow {
		return NewError("CLEAR_LOG", ErrCodeReadOnly, "")
	}
	e.freezeMu.Lock()
	defer e.freezeMu.Unlock()

	// Freeze pack stage and checkpointing, drain in-flight work.
	e.ckpt.Pause()
	if err := e.core.Freeze().Freeze(0); err != nil {
		return WrapError("CLEAR_LOG", err)
	}
	e.core.Drain()
	defer e.core.Freeze().Melt()

	saved := e.lsids.Load()
	savedRing := e.ring.RingSize

	e.lsids.Reset()

	// If the log device has grown, adopt the extra space into the ring.
	logSectors := e.logDev.Size() / int64(e.layout.SectorSize)
	newRing := uint64(logSectors - e.layout.RingOffset)
	if newRing < savedRing {
		newRing = savedRing
	}

	newSalt := super.NewSalt()
	s := e.sup.Current()
	s.UUID = uuidBytes()
	s.LogChecksumSalt = newSalt
	s.RingBufferSize = newRing
	s.OldestLSID = 0
	s.WrittenLSID = 0

	if err := e.sup.Write(s); err != nil {
		// Roll back and latch read-only: the on-disk state is unknown.
		e.lsids.Restore(saved)
		e.fatal(err)
		return WrapError("CLEAR_LOG", err)
	}

	e.ring.RingSize = newRing
	e.layout.RingBufferSize = newRing
	e.core.SetSalt(newSalt)

	if err := e.store.Clear(); err != nil {
		e.fatal(err)
		return WrapError("CLEAR_LOG", err)
	}

	// Invalidate the on-disk pack at LSID 0 so the old epoch's first
	// pack can never be replayed.
	zero := make([]byte, e.layout.SectorSize)
	if err := sectorio.WriteSector(e.logDev, e.ring.Offset(0), zero); err != nil {
		e.fatal(err)
		return WrapError("CLEAR_LOG", err)
	}
	if err := e.logDev.Flush(); err != nil {
		e.fatal(err)
		return WrapError("CLEAR_LOG", err)
	}

	e.overflow.Store(false)
	if wasOverflow {
		e.readOnly.Store(false)
	}
	return nil
}
