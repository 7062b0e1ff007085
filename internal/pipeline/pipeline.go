// Package pipeline implements the engine's write pipeline: the staged
// processor that packs upstream writes into log packs, appends them to
// the log device's ring, acknowledges them once durable, and applies
// them to the data device.
package pipeline

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/walbfs/walb/internal/interfaces"
	"github.com/walbfs/walb/internal/logpack"
	"github.com/walbfs/walb/internal/lsid"
	"github.com/walbfs/walb/internal/sectorio"
)

// Kind discriminates upstream request types.
type Kind int

const (
	KindWrite Kind = iota
	KindDiscard
	KindFlush
)

// Request is one upstream request travelling through the pipeline. It
// is borrowed by the pipeline for the duration of processing and
// tracked in an in-flight map keyed by a monotonically-assigned id,
// never by address.
type Request struct {
	id      uint64
	kind    Kind
	offset  uint64 // logical-sector offset on the data device
	payload []byte // pooled; returned via PutBuffer at data completion
	sectors uint32 // discard length in logical sectors

	endLSID uint64 // first LSID after this request's pack, set at pack stage

	once sync.Once
	err  error
	done chan struct{}
}

func newRequest(kind Kind) *Request {
	return &Request{kind: kind, done: make(chan struct{})}
}

// complete acknowledges the request upstream. Idempotent.
func (r *Request) complete(err error) {
	r.once.Do(func() {
		r.err = err
		close(r.done)
	})
}

// Wait blocks until the request is acknowledged or ctx is cancelled.
func (r *Request) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Config carries the pipeline's collaborators and tunables.
type Config struct {
	LogDev  interfaces.BlockDevice
	DataDev interfaces.BlockDevice
	LSIDs   *lsid.Set
	Ring    *logpack.Ring
	Builder *logpack.Builder
	Salt    uint32

	SectorSize        int // physical block size of the backing devices
	LogicalSectorSize int

	MaxPendingBytes    int64
	MinPendingBytes    int64
	QueueStopTimeout   time.Duration
	NIOBulk            int
	LogFlushInterval   time.Duration
	LogFlushIntervalPB uint64

	Logger   interfaces.Logger
	Observer interfaces.Observer

	// OnOverflow is called once when a pack would overflow the ring;
	// the engine latches its sticky log_overflow flag and goes
	// read-only.
	OnOverflow func()

	// OnFatal is called when a log or data I/O error makes further
	// mutation unsafe; the engine latches read-only.
	OnFatal func(err error)

	// OnMelt is invoked whenever the freeze state returns to Melted,
	// including by the auto-melt timer; the engine resumes
	// checkpointing from it.
	OnMelt func()
}

type ackEntry struct {
	endLSID uint64
	reqs    []*Request
}

type dataBatch struct {
	endLSID uint64
	reqs    []*Request
}

// Core is the write pipeline. One pack-stage
// goroutine consumes submitted requests, a data-stage goroutine applies
// acknowledged packs to the data device, and a flusher timer bounds how
// long a pack can sit in the log device's volatile cache.
type Core struct {
	cfg    Config
	freeze *FreezeController

	submitCh chan *Request
	dataCh   chan dataBatch

	// logRing batches the pack stage's sector writes against the log
	// device: io_uring when the device exposes a raw fd, synchronous
	// otherwise.
	logRing sectorio.Ring

	logFUA bool

	// ackMu guards the not-yet-permanent packs awaiting a log flush.
	ackMu       sync.Mutex
	pendingAcks []ackEntry
	unflushedPB uint64
	lastFlush   time.Time

	// Back-pressure on in-flight data bytes.
	pendingBytes atomic.Int64
	bpMu         sync.Mutex
	bpCond       *sync.Cond

	// active counts batches accepted by the pack stage and not yet
	// retired by the data stage; Drain waits for it to reach zero.
	activeMu   sync.Mutex
	activeCond *sync.Cond
	active     int

	inflightMu sync.Mutex
	inflight   map[uint64]*Request
	nextID     atomic.Uint64

	salt atomic.Uint32

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewCore builds a Core; Start must be called before submitting.
func NewCore(cfg Config) *Core {
	c := &Core{
		cfg:      cfg,
		submitCh: make(chan *Request, 256),
		dataCh:   make(chan dataBatch, 64),
		inflight: make(map[uint64]*Request),
	}
	c.bpCond = sync.NewCond(&c.bpMu)
	c.activeCond = sync.NewCond(&c.activeMu)
	c.salt.Store(cfg.Salt)
	c.freeze = NewFreezeController(cfg.OnMelt)
	if fua, ok := cfg.LogDev.(interfaces.FUADevice); ok && fua.SupportsFUA() {
		c.logFUA = true
	}
	c.logRing, _ = sectorio.NewRing(cfg.LogDev, 64)
	c.lastFlush = time.Now()
	return c
}

// Freeze returns the pipeline's freeze controller.
func (c *Core) Freeze() *FreezeController {
	return c.freeze
}

// SetSalt installs the new log epoch's checksum salt (CLEAR_LOG).
func (c *Core) SetSalt(salt uint32) {
	c.salt.Store(salt)
}

// Start launches the pack and data stage goroutines and the flush
// timer.
func (c *Core) Start(ctx context.Context) {
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(3)
	go c.packLoop()
	go c.dataLoop()
	go c.flushLoop()
}

// Close stops the pipeline. In-flight requests are failed; callers
// should Drain first for a clean shutdown.
func (c *Core) Close() {
	if c.closed.Swap(true) {
		return
	}
	c.cancel()
	c.freeze.Melt() // unblock a pack stage parked on the freeze gate
	c.wg.Wait()
	c.logRing.Close()
}

// SubmitWrite submits an upstream write of payload (a multiple of the
// logical sector size) at the given logical-sector offset. The
// returned request is acknowledged once the write is permanent in the
// log.
func (c *Core) SubmitWrite(ctx context.Context, offset uint64, payload []byte) (*Request, error) {
	if err := c.waitPending(ctx); err != nil {
		return nil, err
	}
	req := newRequest(KindWrite)
	req.offset = offset
	buf := GetBuffer(uint32(len(payload)))
	copy(buf, payload)
	req.payload = buf
	return c.enqueue(ctx, req)
}

// SubmitDiscard submits an upstream discard of sectors logical sectors
// at offset.
func (c *Core) SubmitDiscard(ctx context.Context, offset uint64, sectors uint32) (*Request, error) {
	req := newRequest(KindDiscard)
	req.offset = offset
	req.sectors = sectors
	return c.enqueue(ctx, req)
}

// SubmitFlush submits an upstream FLUSH barrier: its ack implies every
// previously accepted write is permanent.
func (c *Core) SubmitFlush(ctx context.Context) (*Request, error) {
	return c.enqueue(ctx, newRequest(KindFlush))
}

func (c *Core) enqueue(ctx context.Context, req *Request) (*Request, error) {
	req.id = c.nextID.Add(1)
	c.inflightMu.Lock()
	c.inflight[req.id] = req
	c.inflightMu.Unlock()

	select {
	case c.submitCh <- req:
		return req, nil
	case <-ctx.Done():
		c.forget(req)
		return nil, ctx.Err()
	case <-c.ctx.Done():
		c.forget(req)
		return nil, fmt.Errorf("pipeline: shut down")
	}
}

func (c *Core) forget(req *Request) {
	c.inflightMu.Lock()
	delete(c.inflight, req.id)
	c.inflightMu.Unlock()
	if req.payload != nil {
		PutBuffer(req.payload)
		req.payload = nil
	}
}

// InFlight returns how many requests the pipeline currently tracks.
func (c *Core) InFlight() int {
	c.inflightMu.Lock()
	defer c.inflightMu.Unlock()
	return len(c.inflight)
}

// waitPending blocks while in-flight data bytes exceed the high
// watermark, until they fall below the low watermark or the queue-stop
// timeout elapses.
func (c *Core) waitPending(ctx context.Context) error {
	if c.pendingBytes.Load() <= c.cfg.MaxPendingBytes {
		return nil
	}
	deadline := time.Now().Add(c.cfg.QueueStopTimeout)
	c.bpMu.Lock()
	defer c.bpMu.Unlock()
	for c.pendingBytes.Load() > c.cfg.MinPendingBytes {
		if time.Now().After(deadline) {
			err := fmt.Errorf("pipeline: queue stopped for longer than %s", c.cfg.QueueStopTimeout)
			if c.cfg.OnFatal != nil {
				c.cfg.OnFatal(err)
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Woken by the data stage whenever pendingBytes drops.
		waitCond(c.bpCond, 10*time.Millisecond)
	}
	return nil
}

// waitCond waits on cond with an upper bound, so deadline and
// cancellation checks are never starved.
func waitCond(cond *sync.Cond, bound time.Duration) {
	t := time.AfterFunc(bound, cond.Broadcast)
	cond.Wait()
	t.Stop()
}

// Drain blocks until every accepted batch has retired from the data
// stage (freeze's "drain in-flight" step).
func (c *Core) Drain() {
	c.activeMu.Lock()
	for c.active > 0 {
		waitCond(c.activeCond, 10*time.Millisecond)
	}
	c.activeMu.Unlock()
}

func (c *Core) addActive(n int) {
	c.activeMu.Lock()
	c.active += n
	if c.active == 0 {
		c.activeCond.Broadcast()
	}
	c.activeMu.Unlock()
}

// packLoop is the pack stage: it parks on the freeze gate, collects a
// batch of requests, groups them into packs, appends them to the ring,
// and hands durable packs to the ack path.
func (c *Core) packLoop() {
	defer c.wg.Done()
	for {
		// Freeze gate: blocks while frozen, passes immediately while
		// melted.
		select {
		case <-c.ctx.Done():
			return
		case <-c.freeze.MeltedCh():
		}

		var first *Request
		select {
		case <-c.ctx.Done():
			return
		case first = <-c.submitCh:
		}

		// A freeze may have landed while we were parked on the queue;
		// hold the request until melted.
		select {
		case <-c.ctx.Done():
			return
		case <-c.freeze.MeltedCh():
		}

		batch := []*Request{first}
	collect:
		for len(batch) < 64 && first.kind != KindFlush {
			select {
			case req := <-c.submitCh:
				batch = append(batch, req)
				if req.kind == KindFlush {
					break collect
				}
			default:
				break collect
			}
		}
		if c.cfg.Observer != nil {
			c.cfg.Observer.ObserveQueueDepth(uint32(len(batch) + len(c.submitCh)))
		}
		c.processBatch(batch)
	}
}

func (c *Core) processBatch(batch []*Request) {
	var writes []*Request
	for _, req := range batch {
		switch req.kind {
		case KindFlush:
			// Barrier: everything packed before the flush must be
			// permanent before its ack.
			if len(writes) > 0 {
				c.packWrites(writes)
				writes = nil
			}
			c.handleFlush(req)
		default:
			writes = append(writes, req)
		}
	}
	if len(writes) > 0 {
		c.packWrites(writes)
	}
}

func (c *Core) handleFlush(req *Request) {
	c.addActive(1)
	lsids := c.cfg.LSIDs
	flushLSID := lsids.Latest()
	if err := lsids.SetFlush(flushLSID); err != nil {
		c.fail(req, err)
		c.addActive(-1)
		return
	}
	if err := c.flushLog(); err != nil {
		c.fatal(err)
		c.fail(req, err)
		c.addActive(-1)
		return
	}
	c.forget(req)
	req.complete(nil)
	c.addActive(-1)
}

// packWrites runs the pack stage for a run of write/discard requests.
func (c *Core) packWrites(reqs []*Request) {
	lreqs := make([]logpack.Request, len(reqs))
	for i, r := range reqs {
		lreqs[i] = logpack.Request{
			Offset:  r.offset,
			Payload: r.payload,
			Discard: r.kind == KindDiscard,
			Sectors: r.sectors,
		}
	}

	remaining := reqs
	for len(lreqs) > 0 {
		startLSID := c.cfg.LSIDs.Latest()
		pack, consumed, err := c.cfg.Builder.BuildPack(lreqs, startLSID)
		if err != nil {
			for _, r := range remaining {
				c.fail(r, err)
			}
			return
		}

		snap := c.cfg.LSIDs.Load()
		if c.cfg.Ring.WouldOverflow(snap.Oldest, snap.Latest, pack.TotalBlocks) {
			if c.cfg.OnOverflow != nil {
				c.cfg.OnOverflow()
			}
			err := fmt.Errorf("pipeline: ring overflow at lsid %d", startLSID)
			for _, r := range remaining {
				c.fail(r, err)
			}
			return
		}

		c.addActive(1)
		c.cfg.LSIDs.AdvanceLatest(pack.TotalBlocks)
		if err := c.writePack(startLSID, pack); err != nil {
			c.fatal(err)
			for _, r := range remaining {
				c.fail(r, err)
			}
			c.addActive(-1)
			return
		}

		endLSID := startLSID + pack.TotalBlocks
		packReqs := remaining[:consumed]
		for _, r := range packReqs {
			r.endLSID = endLSID
		}
		c.afterLogWrite(endLSID, pack.TotalBlocks, packReqs)

		lreqs = lreqs[consumed:]
		remaining = remaining[consumed:]
	}
}

// writePack appends the encoded header and payload to the ring as one
// batched submission.
func (c *Core) writePack(startLSID uint64, pack *logpack.Pack) error {
	start := time.Now()
	hdr := pack.Header.EncodeSalted(c.cfg.SectorSize, c.salt.Load())
	err := c.queueLog(startLSID, hdr)
	if err == nil && len(pack.Payload) > 0 {
		err = c.queueLog(startLSID+1, pack.Payload)
	}
	if err == nil {
		err = c.submitLog()
	}
	if c.cfg.Observer != nil {
		c.cfg.Observer.ObservePackWrite(pack.TotalBlocks, uint64(time.Since(start).Nanoseconds()), err == nil)
	}
	if err != nil {
		return fmt.Errorf("pipeline: log write at lsid %d: %w", startLSID, err)
	}
	return nil
}

// queueLog splits buf at the ring wrap point and queues one write op
// per span.
func (c *Core) queueLog(lsidPos uint64, buf []byte) error {
	nSectors := uint64(len(buf)) / uint64(c.cfg.SectorSize)
	off := 0
	for _, span := range c.cfg.Ring.Spans(lsidPos, nSectors) {
		n := int(span.Sectors) * c.cfg.SectorSize
		op := sectorio.Op{
			Write:    true,
			FUA:      c.logFUA,
			Offset:   span.Offset,
			Buf:      buf[off : off+n],
			UserData: uint64(span.Offset),
		}
		if err := c.logRing.Queue(op); err == sectorio.ErrRingFull {
			if err := c.submitLog(); err != nil {
				return err
			}
			if err := c.logRing.Queue(op); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}
		off += n
	}
	return nil
}

func (c *Core) submitLog() error {
	results, err := c.logRing.Submit()
	if err != nil {
		return err
	}
	for _, res := range results {
		if res.Err != nil {
			return res.Err
		}
	}
	return nil
}

// afterLogWrite advances the completion LSIDs and either promotes the
// pack to permanent immediately (FUA) or parks it for the next log
// flush.
func (c *Core) afterLogWrite(endLSID, packBlocks uint64, reqs []*Request) {
	lsids := c.cfg.LSIDs
	if err := lsids.SetFlush(endLSID); err != nil {
		c.fatal(err)
		return
	}
	if err := lsids.SetCompleted(endLSID); err != nil {
		c.fatal(err)
		return
	}

	if c.logFUA {
		if err := lsids.PromotePermanent(endLSID); err != nil {
			c.fatal(err)
			return
		}
		c.ack(ackEntry{endLSID: endLSID, reqs: reqs})
		return
	}

	c.ackMu.Lock()
	c.pendingAcks = append(c.pendingAcks, ackEntry{endLSID: endLSID, reqs: reqs})
	c.unflushedPB += packBlocks
	due := c.unflushedPB >= c.cfg.LogFlushIntervalPB ||
		time.Since(c.lastFlush) >= c.cfg.LogFlushInterval
	c.ackMu.Unlock()
	if due {
		if err := c.flushLog(); err != nil {
			c.fatal(err)
		}
	}
}

// flushLog issues a FLUSH to the log device, promotes permanent to the
// highest covered LSID, and acknowledges every parked pack (the ack
// stage's fast path).
func (c *Core) flushLog() error {
	c.ackMu.Lock()
	acks := c.pendingAcks
	c.pendingAcks = nil
	c.unflushedPB = 0
	c.ackMu.Unlock()

	start := time.Now()
	err := c.logRing.Flush()
	if c.cfg.Observer != nil {
		c.cfg.Observer.ObserveFlush(uint64(time.Since(start).Nanoseconds()), err == nil)
	}
	if err != nil {
		for _, a := range acks {
			for _, r := range a.reqs {
				c.fail(r, err)
			}
			c.addActive(-1)
		}
		return fmt.Errorf("pipeline: log flush: %w", err)
	}

	c.ackMu.Lock()
	c.lastFlush = time.Now()
	c.ackMu.Unlock()

	var maxEnd uint64
	for _, a := range acks {
		if a.endLSID > maxEnd {
			maxEnd = a.endLSID
		}
	}
	if maxEnd > 0 {
		if err := c.cfg.LSIDs.PromotePermanent(maxEnd); err != nil {
			return err
		}
	}
	for _, a := range acks {
		c.ack(a)
	}
	return nil
}

// ack acknowledges every request in the entry upstream and queues the
// pack for the data stage.
func (c *Core) ack(a ackEntry) {
	var bytes int64
	for _, r := range a.reqs {
		bytes += int64(len(r.payload))
		r.complete(nil)
	}
	c.pendingBytes.Add(bytes)
	select {
	case c.dataCh <- dataBatch{endLSID: a.endLSID, reqs: a.reqs}:
	case <-c.ctx.Done():
		c.retire(dataBatch{endLSID: a.endLSID, reqs: a.reqs}, 0)
	}
}

// flushLoop bounds how long a pack can sit unflushed in the log
// device's volatile cache.
func (c *Core) flushLoop() {
	defer c.wg.Done()
	if c.logFUA {
		return
	}
	ticker := time.NewTicker(c.cfg.LogFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.ackMu.Lock()
			due := len(c.pendingAcks) > 0
			c.ackMu.Unlock()
			if due {
				if err := c.flushLog(); err != nil {
					c.fatal(err)
				}
			}
		}
	}
}

// dataLoop is the data stage: applies acknowledged packs to the data
// device in order, sorting writes by offset within each bulk to
// improve sequentiality, and advances written.
func (c *Core) dataLoop() {
	defer c.wg.Done()
	// Direct-I/O data devices benefit from thread affinity the same
	// way the upstream request loop does.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		select {
		case <-c.ctx.Done():
			return
		case batch := <-c.dataCh:
			c.applyBatch(batch)
		}
	}
}

func (c *Core) applyBatch(batch dataBatch) {
	reqs := batch.reqs
	// Bounded offset sort (n_io_bulk): sort each chunk of at most
	// NIOBulk requests, preserving order across chunks.
	bulk := c.cfg.NIOBulk
	if bulk <= 0 {
		bulk = len(reqs)
	}
	for i := 0; i < len(reqs); i += bulk {
		j := i + bulk
		if j > len(reqs) {
			j = len(reqs)
		}
		chunk := reqs[i:j]
		sort.SliceStable(chunk, func(a, b int) bool { return chunk[a].offset < chunk[b].offset })
	}

	var firstErr error
	var bytes int64
	for _, r := range reqs {
		start := time.Now()
		var err error
		switch r.kind {
		case KindDiscard:
			if dd, ok := c.cfg.DataDev.(interfaces.DiscardDevice); ok {
				err = dd.Discard(int64(r.offset)*int64(c.cfg.LogicalSectorSize),
					int64(r.sectors)*int64(c.cfg.LogicalSectorSize))
			}
		default:
			_, err = c.cfg.DataDev.WriteAt(r.payload, int64(r.offset)*int64(c.cfg.LogicalSectorSize))
			bytes += int64(len(r.payload))
		}
		if c.cfg.Observer != nil {
			c.cfg.Observer.ObserveDataWrite(uint64(len(r.payload))/uint64(c.cfg.LogicalSectorSize),
				uint64(time.Since(start).Nanoseconds()), err == nil)
		}
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("pipeline: data write at sector %d: %w", r.offset, err)
		}
	}
	if firstErr == nil {
		if err := c.cfg.DataDev.Flush(); err != nil {
			firstErr = fmt.Errorf("pipeline: data flush: %w", err)
		}
	}

	if firstErr != nil {
		c.fatal(firstErr)
		c.retire(batch, bytes)
		return
	}

	// Packs retire in submission order through the single data stage,
	// so written never advances past a hole.
	if err := c.cfg.LSIDs.SetWritten(batch.endLSID); err != nil {
		c.fatal(err)
	}
	c.retire(batch, bytes)
}

func (c *Core) retire(batch dataBatch, bytes int64) {
	for _, r := range batch.reqs {
		c.forget(r)
	}
	c.pendingBytes.Add(-bytes)
	c.bpCond.Broadcast()
	c.addActive(-1)
}

func (c *Core) fail(r *Request, err error) {
	c.forget(r)
	r.complete(err)
}

func (c *Core) fatal(err error) {
	if c.cfg.Logger != nil {
		c.cfg.Logger.Printf("pipeline fatal: %v", err)
	}
	if c.cfg.OnFatal != nil {
		c.cfg.OnFatal(err)
	}
}
