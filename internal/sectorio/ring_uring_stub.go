//go:build !linux

package sectorio

import (
	"errors"

	"github.com/walbfs/walb/internal/interfaces"
)

// newURing is unavailable outside Linux; NewRing falls back to the
// synchronous ring in that case.
func newURing(dev interfaces.RawFDDevice, queueDepth int) (Ring, error) {
	return nil, errors.New("sectorio: io_uring not available on this platform")
}
