//go:build linux

package sectorio

import (
	"fmt"
	"unsafe"

	"github.com/pawelgaczynski/giouring"
	"golang.org/x/sys/unix"

	"github.com/walbfs/walb/internal/interfaces"
)

// uRing is the io_uring-backed Ring, used when the backing device
// exposes a raw file descriptor (backend/file.go). Submission follows
// the same prepare-then-enter shape as a liburing client: Queue fills
// SQEs against a shared ring, Submit issues one io_uring_enter and
// blocks for every completion.
type uRing struct {
	ring    *giouring.Ring
	fd      int
	pending []Op
}

func newURing(dev interfaces.RawFDDevice, queueDepth int) (Ring, error) {
	ring, err := giouring.CreateRing(uint32(queueDepth))
	if err != nil {
		return nil, fmt.Errorf("sectorio: io_uring setup: %w", err)
	}
	return &uRing{ring: ring, fd: dev.Fd()}, nil
}

func (r *uRing) Queue(op Op) error {
	sqe := r.ring.GetSQE()
	if sqe == nil {
		return ErrRingFull
	}
	buf := uintptr(unsafe.Pointer(&op.Buf[0]))
	if op.Write {
		sqe.PrepareWrite(r.fd, buf, uint32(len(op.Buf)), uint64(op.Offset))
		if op.FUA {
			// Force-Unit-Access: RWF_DSYNC in the SQE's rw_flags union
			// makes the write durable on completion, so the pipeline can
			// skip its explicit FLUSH for this op.
			sqe.OpcodeFlags |= uint32(unix.RWF_DSYNC)
		}
	} else {
		sqe.PrepareRead(r.fd, buf, uint32(len(op.Buf)), uint64(op.Offset))
	}
	sqe.UserData = op.UserData
	r.pending = append(r.pending, op)
	return nil
}

func (r *uRing) Submit() ([]Result, error) {
	n := len(r.pending)
	if n == 0 {
		return nil, nil
	}
	if _, err := r.ring.SubmitAndWait(uint32(n)); err != nil {
		return nil, fmt.Errorf("sectorio: io_uring submit: %w", err)
	}
	byUserData := make(map[uint64]int, n)
	for i, op := range r.pending {
		byUserData[op.UserData] = i
	}
	results := make([]Result, n)
	for i := 0; i < n; i++ {
		cqe, err := r.ring.WaitCQE()
		if err != nil {
			return nil, fmt.Errorf("sectorio: io_uring wait: %w", err)
		}
		idx, ok := byUserData[cqe.UserData]
		if !ok {
			idx = i
		}
		res := Result{UserData: cqe.UserData}
		if cqe.Res < 0 {
			res.Err = fmt.Errorf("sectorio: op failed: errno %d", -cqe.Res)
		} else {
			res.N = int(cqe.Res)
		}
		results[idx] = res
		r.ring.CQESeen(cqe)
	}
	r.pending = r.pending[:0]
	return results, nil
}

func (r *uRing) Flush() error {
	sqe := r.ring.GetSQE()
	if sqe == nil {
		return ErrRingFull
	}
	sqe.PrepareFsync(r.fd, 0)
	sqe.UserData = 0
	if _, err := r.ring.SubmitAndWait(1); err != nil {
		return fmt.Errorf("sectorio: io_uring fsync submit: %w", err)
	}
	cqe, err := r.ring.WaitCQE()
	if err != nil {
		return fmt.Errorf("sectorio: io_uring fsync wait: %w", err)
	}
	defer r.ring.CQESeen(cqe)
	if cqe.Res < 0 {
		return fmt.Errorf("sectorio: fsync failed: errno %d", -cqe.Res)
	}
	return nil
}

func (r *uRing) Close() error {
	r.ring.QueueExit()
	return nil
}
