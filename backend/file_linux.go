//go:build linux

package backend

import (
	"os"

	"golang.org/x/sys/unix"
)

func directFlag(direct bool) int {
	if direct {
		return unix.O_DIRECT
	}
	return 0
}

// lockFile takes an exclusive, non-blocking flock on the backing file
// so two engines can never own the same device.
func lockFile(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
}

func unlockFile(f *os.File) {
	_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
}

// fdatasync flushes data without forcing a metadata sync.
func fdatasync(f *os.File) error {
	return unix.Fdatasync(int(f.Fd()))
}

// punchHole deallocates the range while keeping the file size.
func punchHole(f *os.File, offset, length int64) error {
	return unix.Fallocate(int(f.Fd()),
		unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, offset, length)
}
