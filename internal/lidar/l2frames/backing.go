package l2frames

import (
	"errors"
	"fmt"
)

// bytesPerPoint is three float32 coordinates.
const bytesPerPoint = 12

// ErrSharedMemoryUnsupported is returned by NewSharedMemoryBacking on
// platforms without POSIX shared memory.
var ErrSharedMemoryUnsupported = errors.New("shared memory backing not supported on this platform")

// Backing is the storage behind the shared point buffer: capacity*3 float32
// cells laid out as x0,y0,z0,x1,... It is allocated once per session.
type Backing interface {
	// Cells returns the raw coordinate storage.
	Cells() []float32
	// Close releases the storage. It is safe to call more than once.
	Close() error
}

// HeapBacking is an in-process buffer used when producer and consumer share
// an address space, and by tests.
type HeapBacking struct {
	cells []float32
}

// NewHeapBacking allocates a heap buffer for capacity points.
func NewHeapBacking(capacity int) (*HeapBacking, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("invalid buffer capacity %d", capacity)
	}
	return &HeapBacking{cells: make([]float32, capacity*3)}, nil
}

func (b *HeapBacking) Cells() []float32 { return b.cells }

func (b *HeapBacking) Close() error {
	b.cells = nil
	return nil
}
