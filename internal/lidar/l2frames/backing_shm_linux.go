//go:build linux

package l2frames

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"unsafe"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

const shmDir = "/dev/shm"

// SharedMemoryBacking maps a named POSIX shared-memory segment so that an
// out-of-process producer (a sensor driver) can write frames in place.
type SharedMemoryBacking struct {
	path string
	data []byte

	once     sync.Once
	closeErr error
}

// NewSharedMemoryBacking creates and maps the segment /dev/shm/<name> sized
// for capacity points. The segment must not already exist.
func NewSharedMemoryBacking(name string, capacity int) (*SharedMemoryBacking, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("invalid buffer capacity %d", capacity)
	}
	if name == "" || filepath.Base(name) != name {
		return nil, fmt.Errorf("invalid shared memory name %q", name)
	}
	path := filepath.Join(shmDir, name)
	size := capacity * bytesPerPoint

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create shared memory %s: %w", path, err)
	}
	defer f.Close()

	if err := f.Truncate(int64(size)); err != nil {
		_ = unix.Unlink(path)
		return nil, fmt.Errorf("size shared memory %s: %w", path, err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Unlink(path)
		return nil, fmt.Errorf("map shared memory %s: %w", path, err)
	}
	debugf("mapped %s (%d bytes, %d points)", path, size, capacity)
	return &SharedMemoryBacking{path: path, data: data}, nil
}

// Path is the filesystem path of the segment.
func (b *SharedMemoryBacking) Path() string { return b.path }

func (b *SharedMemoryBacking) Cells() []float32 {
	if len(b.data) == 0 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&b.data[0])), len(b.data)/4)
}

// Close unmaps and unlinks the segment.
func (b *SharedMemoryBacking) Close() error {
	b.once.Do(func() {
		var err error
		if b.data != nil {
			err = multierr.Append(err, unix.Munmap(b.data))
			b.data = nil
		}
		err = multierr.Append(err, unix.Unlink(b.path))
		if err != nil {
			b.closeErr = fmt.Errorf("release shared memory %s: %w", b.path, err)
		}
		debugf("released %s", b.path)
	})
	return b.closeErr
}
