package backend

import (
	"fmt"
	"os"

	"github.com/walbfs/walb/internal/interfaces"
)

// File is a file- or block-device-backed device for a walb engine.
// The file is exclusively locked for the lifetime of the handle, since
// an engine owns its backing devices exclusively.
type File struct {
	f    *os.File
	size int64
}

// FileOptions tunes OpenFile.
type FileOptions struct {
	// CreateSize grows (or creates) the file to this size in bytes when it
	// is smaller. 0 means open as-is.
	CreateSize int64

	// Direct requests O_DIRECT where the platform supports it.
	Direct bool
}

// OpenFile opens (or creates) path as a backing device.
func OpenFile(path string, opts FileOptions) (*File, error) {
	flags := os.O_RDWR | os.O_CREATE
	f, err := os.OpenFile(path, flags|directFlag(opts.Direct), 0o600)
	if err != nil {
		return nil, fmt.Errorf("backend: open %s: %w", path, err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("backend: lock %s: %w", path, err)
	}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("backend: stat %s: %w", path, err)
	}
	size := st.Size()
	if opts.CreateSize > size {
		if err := f.Truncate(opts.CreateSize); err != nil {
			f.Close()
			return nil, fmt.Errorf("backend: grow %s to %d: %w", path, opts.CreateSize, err)
		}
		size = opts.CreateSize
	}

	return &File{f: f, size: size}, nil
}

// ReadAt implements the BlockDevice interface
func (d *File) ReadAt(p []byte, off int64) (int, error) {
	return d.f.ReadAt(p, off)
}

// WriteAt implements the BlockDevice interface
func (d *File) WriteAt(p []byte, off int64) (int, error) {
	return d.f.WriteAt(p, off)
}

// Size implements the BlockDevice interface
func (d *File) Size() int64 {
	return d.size
}

// Flush implements the BlockDevice interface: data reaches stable
// storage before Flush returns.
func (d *File) Flush() error {
	return fdatasync(d.f)
}

// Close releases the lock and closes the file.
func (d *File) Close() error {
	unlockFile(d.f)
	return d.f.Close()
}

// Fd implements the RawFDDevice interface, letting the sector I/O
// layer submit io_uring operations directly against the file.
func (d *File) Fd() int {
	return int(d.f.Fd())
}

// Resize implements the ResizableDevice interface. Only growing is
// supported.
func (d *File) Resize(newSize int64) error {
	if newSize < d.size {
		return fmt.Errorf("backend: file cannot shrink from %d to %d", d.size, newSize)
	}
	if newSize == d.size {
		return nil
	}
	if err := d.f.Truncate(newSize); err != nil {
		return fmt.Errorf("backend: resize to %d: %w", newSize, err)
	}
	d.size = newSize
	return nil
}

// Discard implements the DiscardDevice interface: punches a hole where
// the platform supports it, otherwise writes zeroes.
func (d *File) Discard(offset, length int64) error {
	if punchHole(d.f, offset, length) == nil {
		return nil
	}
	zero := make([]byte, 64*1024)
	for length > 0 {
		n := int64(len(zero))
		if n > length {
			n = length
		}
		if _, err := d.f.WriteAt(zero[:n], offset); err != nil {
			return err
		}
		offset += n
		length -= n
	}
	return nil
}

// Compile-time interface checks
var (
	_ interfaces.BlockDevice     = (*File)(nil)
	_ interfaces.DiscardDevice   = (*File)(nil)
	_ interfaces.ResizableDevice = (*File)(nil)
	_ interfaces.RawFDDevice     = (*File)(nil)
)
