package l2frames

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

var (
	// ErrCapacityExceeded is returned when a producer declares more valid
	// points than the shared buffer holds.
	ErrCapacityExceeded = errors.New("frame exceeds shared buffer capacity")

	// ErrHandoffTimeout is returned when a handoff wait outlives
	// HandoffConfig.WaitTimeout. It is fatal to the session.
	ErrHandoffTimeout = errors.New("handoff wait timed out")

	// ErrWriterClosed is returned when a FrameWriter is used after Publish.
	ErrWriterClosed = errors.New("frame writer already published")
)

// HandoffConfig tunes the blocking behaviour of a Handoff.
type HandoffConfig struct {
	WaitTimeout time.Duration // bound on each producer/consumer wait (default: 0 = wait forever)
}

// Handoff is the single-slot mailbox between one producer and one consumer.
// It owns the shared buffer; callers pass it explicitly to both sides.
type Handoff struct {
	cfg      HandoffConfig
	backing  Backing
	cells    []float32
	capacity int
	signals  *Signals

	// Frame metadata. Written by the producer while PRODUCING and read by the
	// consumer while COPYING; the Event transitions order the accesses.
	label     string
	valid     int
	truncated int
	seq       uint64

	writing atomic.Bool
}

// NewHandoff wraps a Backing in a Handoff in the IDLE state. The Handoff does
// not take ownership of the backing; the session that allocated it closes it.
func NewHandoff(b Backing, cfg HandoffConfig) (*Handoff, error) {
	if b == nil {
		return nil, errors.New("nil buffer backing")
	}
	cells := b.Cells()
	if len(cells) == 0 || len(cells)%3 != 0 {
		return nil, fmt.Errorf("buffer backing has %d cells, want a positive multiple of 3", len(cells))
	}
	return &Handoff{
		cfg:      cfg,
		backing:  b,
		cells:    cells,
		capacity: len(cells) / 3,
		signals:  NewSignals(),
	}, nil
}

// Capacity is the number of points the shared buffer holds.
func (h *Handoff) Capacity() int { return h.capacity }

// Signals exposes the flag set for inspection.
func (h *Handoff) Signals() *Signals { return h.signals }

// State reports the current handoff state.
func (h *Handoff) State() State { return h.signals.State() }

func (h *Handoff) wait(ctx context.Context, e *Event, what string) error {
	parent := ctx
	if h.cfg.WaitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.cfg.WaitTimeout)
		defer cancel()
	}
	if err := e.Wait(ctx); err != nil {
		if parent.Err() == nil {
			return fmt.Errorf("%w: %s not signalled within %v (state %s)",
				ErrHandoffTimeout, what, h.cfg.WaitTimeout, h.State())
		}
		return fmt.Errorf("waiting for %s: %w", what, err)
	}
	return nil
}

// BeginWrite blocks until the consumer is idle and not copying, then moves
// the handoff to PRODUCING and returns a writer over the shared buffer.
func (h *Handoff) BeginWrite(ctx context.Context) (*FrameWriter, error) {
	if err := h.wait(ctx, h.signals.ConsumerIdle, "consumer-idle"); err != nil {
		return nil, err
	}
	if err := h.wait(ctx, h.signals.NotCopying, "not-copying"); err != nil {
		return nil, err
	}
	if !h.writing.CompareAndSwap(false, true) {
		return nil, errors.New("handoff already has an active writer")
	}
	h.signals.ConsumerIdle.Clear()
	h.label = ""
	h.valid = 0
	h.truncated = 0
	debugf("begin write seq=%d", h.seq+1)
	return &FrameWriter{h: h}, nil
}

// TakeFrame blocks until a frame is published, then copies it out under the
// not-copying guard and releases the producer. The returned Frame never
// aliases the shared buffer.
func (h *Handoff) TakeFrame(ctx context.Context) (*Frame, error) {
	if err := h.wait(ctx, h.signals.FrameReady, "frame-ready"); err != nil {
		return nil, err
	}
	h.signals.FrameReady.Clear()
	h.signals.NotCopying.Clear()

	f := &Frame{
		Sequence:   h.seq,
		Label:      h.label,
		ValidCount: h.valid,
		Capacity:   h.capacity,
		Truncated:  h.truncated,
		Points:     make([]Point, h.capacity),
	}
	for i := range f.Points {
		c := h.cells[i*3 : i*3+3]
		f.Points[i] = Point{X: c[0], Y: c[1], Z: c[2]}
	}

	h.signals.NotCopying.Set()
	h.signals.ConsumerIdle.Set()
	debugf("took frame seq=%d label=%q valid=%d", f.Sequence, f.Label, f.ValidCount)
	return f, nil
}

// FrameWriter fills the shared buffer for one capture cycle. It is not safe
// for concurrent use; a sensor driver owns it between BeginWrite and Publish.
type FrameWriter struct {
	h         *Handoff
	n         int
	published bool
}

// Capacity is the number of points the buffer accepts.
func (w *FrameWriter) Capacity() int { return w.h.capacity }

// Len is the number of points written so far.
func (w *FrameWriter) Len() int { return w.n }

// Truncated is the number of points refused because the buffer was full.
func (w *FrameWriter) Truncated() int { return w.h.truncated }

// Append writes p at the next free slot. It reports false and counts the point
// as truncated once the buffer is full.
func (w *FrameWriter) Append(p Point) bool {
	return w.AppendXYZ(p.X, p.Y, p.Z)
}

// AppendXYZ is Append without the Point wrapper.
func (w *FrameWriter) AppendXYZ(x, y, z float32) bool {
	if w.published {
		return false
	}
	if w.n >= w.h.capacity {
		w.h.truncated++
		return false
	}
	c := w.h.cells[w.n*3 : w.n*3+3]
	c[0], c[1], c[2] = x, y, z
	w.n++
	return true
}

// Cells exposes the raw buffer for drivers that write coordinates directly.
// Callers must follow up with SetValidCount.
func (w *FrameWriter) Cells() []float32 { return w.h.cells }

// SetValidCount declares how many leading points are real data.
func (w *FrameWriter) SetValidCount(n int) error {
	if w.published {
		return ErrWriterClosed
	}
	if n < 0 || n > w.h.capacity {
		return fmt.Errorf("%w: %d points, capacity %d", ErrCapacityExceeded, n, w.h.capacity)
	}
	w.n = n
	return nil
}

// SetLabel sets the frame label written alongside the points.
func (w *FrameWriter) SetLabel(label string) {
	if !w.published {
		w.h.label = label
	}
}

// Publish hands the frame to the consumer: consumer-idle is cleared and
// frame-ready is set. The writer is unusable afterwards.
func (w *FrameWriter) Publish() error {
	if w.published {
		return ErrWriterClosed
	}
	w.published = true
	h := w.h
	h.valid = w.n
	h.seq++
	if h.truncated > 0 {
		debugf("frame seq=%d truncated %d points at capacity %d", h.seq, h.truncated, h.capacity)
	}
	h.writing.Store(false)
	h.signals.ConsumerIdle.Clear()
	h.signals.FrameReady.Set()
	debugf("published seq=%d label=%q valid=%d", h.seq, h.label, h.valid)
	return nil
}
