//go:build !linux

package l2frames

// SharedMemoryBacking is unavailable off Linux.
type SharedMemoryBacking struct{}

// NewSharedMemoryBacking always fails on this platform.
func NewSharedMemoryBacking(name string, capacity int) (*SharedMemoryBacking, error) {
	return nil, ErrSharedMemoryUnsupported
}

func (b *SharedMemoryBacking) Path() string     { return "" }
func (b *SharedMemoryBacking) Cells() []float32 { return nil }
func (b *SharedMemoryBacking) Close() error     { return nil }
