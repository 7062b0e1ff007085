package sectorio

import (
	"fmt"

	"github.com/walbfs/walb/internal/interfaces"
)

// syncRing is the portable Ring fallback: it executes every queued Op
// synchronously against dev's ReadAt/WriteAt/Flush, in submission
// order, on Submit. Used for the in-memory backend and any platform
// without an io_uring implementation.
type syncRing struct {
	dev     interfaces.BlockDevice
	fuaDev  interfaces.FUADevice
	pending []Op
	cap     int
}

func newSyncRing(dev interfaces.BlockDevice, queueDepth int) *syncRing {
	fuaDev, _ := dev.(interfaces.FUADevice)
	return &syncRing{dev: dev, fuaDev: fuaDev, cap: queueDepth}
}

func (r *syncRing) Queue(op Op) error {
	if len(r.pending) >= r.cap {
		return ErrRingFull
	}
	r.pending = append(r.pending, op)
	return nil
}

func (r *syncRing) Submit() ([]Result, error) {
	results := make([]Result, len(r.pending))
	for i, op := range r.pending {
		var n int
		var err error
		switch {
		case op.Write && op.FUA && r.fuaDev != nil && r.fuaDev.SupportsFUA():
			n, err = r.fuaDev.WriteAtFUA(op.Buf, op.Offset)
		case op.Write:
			n, err = r.dev.WriteAt(op.Buf, op.Offset)
		default:
			n, err = r.dev.ReadAt(op.Buf, op.Offset)
		}
		if err != nil {
			err = fmt.Errorf("sectorio: op at %d: %w", op.Offset, err)
		}
		results[i] = Result{UserData: op.UserData, N: n, Err: err}
	}
	r.pending = r.pending[:0]
	return results, nil
}

func (r *syncRing) Flush() error {
	return r.dev.Flush()
}

func (r *syncRing) Close() error {
	r.pending = nil
	return nil
}
