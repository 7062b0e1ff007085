//go:build !linux

package backend

import (
	"errors"
	"os"
)

func directFlag(bool) int { return 0 }

func lockFile(*os.File) error { return nil }

func unlockFile(*os.File) {}

func fdatasync(f *os.File) error {
	return f.Sync()
}

func punchHole(*os.File, int64, int64) error {
	return errors.New("hole punching not supported on this platform")
}
