package l1capture

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/snowpack.report/internal/lidar/l2frames"
	"github.com/banshee-data/snowpack.report/internal/timeutil"
)

func newHandoff(t *testing.T, capacity int, timeout time.Duration) *l2frames.Handoff {
	t.Helper()
	b, err := l2frames.NewHeapBacking(capacity)
	require.NoError(t, err)
	h, err := l2frames.NewHandoff(b, l2frames.HandoffConfig{WaitTimeout: timeout})
	require.NoError(t, err)
	return h
}

// stubSensor writes a fixed pattern and can be told to never finish.
type stubSensor struct {
	points     int
	hang       bool
	startErr   error
	captureErr error

	started, stopped atomic.Int32
	captures         atomic.Int32
	done             atomic.Bool
}

func (s *stubSensor) StartSession(context.Context) error {
	if s.startErr != nil {
		return s.startErr
	}
	s.started.Add(1)
	return nil
}

func (s *stubSensor) StartCapture(w *l2frames.FrameWriter, d time.Duration) error {
	if s.captureErr != nil {
		return s.captureErr
	}
	n := s.captures.Add(1)
	for i := 0; i < s.points; i++ {
		w.AppendXYZ(float32(n), float32(i), 0)
	}
	s.done.Store(!s.hang)
	return nil
}

func (s *stubSensor) IsCaptureDone() bool { return s.done.Load() }
func (s *stubSensor) StopCapture() error  { s.done.Store(false); return nil }
func (s *stubSensor) StopSession() error  { s.stopped.Add(1); return nil }

func TestCoordinatorPublishesInOrder(t *testing.T) {
	t.Parallel()

	const frames = 5
	h := newHandoff(t, 16, 5*time.Second)
	sensor := &stubSensor{points: 4}
	clock := timeutil.NewMockClock(time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC))
	c, err := NewCoordinator(h, sensor, NewSequenceLabels("Ground_Elevation_"), clock,
		CoordinatorConfig{FrameDuration: time.Second, TimeBetweenFrames: 30 * time.Second})
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() { errc <- c.Run(context.Background(), frames) }()

	for i := 0; i < frames; i++ {
		f, err := h.TakeFrame(context.Background())
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), f.Sequence)
		assert.Equal(t, fmt.Sprintf("Ground_Elevation_%d", i), f.Label)
		require.Equal(t, 4, f.ValidCount)
		assert.Equal(t, float32(i+1), f.Trimmed()[0].X, "frame %d carries its own capture", i)
	}
	require.NoError(t, <-errc)
	assert.Equal(t, int32(1), sensor.started.Load())
	assert.Equal(t, int32(1), sensor.stopped.Load())

	// Four gaps between five frames.
	var gaps int
	for _, d := range clock.Sleeps() {
		if d == 30*time.Second {
			gaps++
		}
	}
	assert.Equal(t, frames-1, gaps)
}

func TestCoordinatorCaptureTimeout(t *testing.T) {
	t.Parallel()

	h := newHandoff(t, 8, 0)
	sensor := &stubSensor{points: 1, hang: true}
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	c, err := NewCoordinator(h, sensor, NewSequenceLabels("f"), clock,
		CoordinatorConfig{FrameDuration: time.Second, CaptureGrace: 2 * time.Second})
	require.NoError(t, err)

	err = c.Run(context.Background(), 3)
	require.ErrorIs(t, err, ErrCaptureTimeout)
	assert.Equal(t, int32(1), sensor.stopped.Load(), "session stopped on error")
	assert.Equal(t, l2frames.StateProducing, h.State(), "nothing was published")

	sleeps := clock.Sleeps()
	require.GreaterOrEqual(t, len(sleeps), 3)
	assert.Equal(t, []time.Duration{5 * time.Millisecond, 10 * time.Millisecond, 20 * time.Millisecond}, sleeps[:3])
	var total time.Duration
	for _, d := range sleeps {
		assert.LessOrEqual(t, d, 250*time.Millisecond, "backoff is capped")
		total += d
	}
	assert.Equal(t, 3*time.Second, total, "gives up at frame duration plus grace")
}

func TestCoordinatorSensorFailures(t *testing.T) {
	t.Parallel()

	boom := errors.New("usb disconnected")

	t.Run("session start", func(t *testing.T) {
		t.Parallel()
		sensor := &stubSensor{startErr: boom}
		c, err := NewCoordinator(newHandoff(t, 4, 0), sensor, NewSequenceLabels("f"), timeutil.NewMockClock(time.Unix(0, 0)),
			CoordinatorConfig{FrameDuration: time.Second})
		require.NoError(t, err)
		err = c.Run(context.Background(), 1)
		assert.ErrorIs(t, err, boom)
		assert.Zero(t, sensor.stopped.Load(), "no session to stop")
	})

	t.Run("capture start", func(t *testing.T) {
		t.Parallel()
		sensor := &stubSensor{captureErr: boom}
		c, err := NewCoordinator(newHandoff(t, 4, 0), sensor, NewSequenceLabels("f"), timeutil.NewMockClock(time.Unix(0, 0)),
			CoordinatorConfig{FrameDuration: time.Second})
		require.NoError(t, err)
		err = c.Run(context.Background(), 1)
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, int32(1), sensor.stopped.Load())
	})
}

func TestCoordinatorBeginWriteTimeout(t *testing.T) {
	t.Parallel()

	// No consumer: the second frame cannot begin.
	h := newHandoff(t, 4, 20*time.Millisecond)
	c, err := NewCoordinator(h, &stubSensor{points: 1}, NewSequenceLabels("f"), nil,
		CoordinatorConfig{FrameDuration: time.Millisecond})
	require.NoError(t, err)
	err = c.Run(context.Background(), 2)
	assert.ErrorIs(t, err, l2frames.ErrHandoffTimeout)
}

func TestNewCoordinatorValidates(t *testing.T) {
	t.Parallel()
	h := newHandoff(t, 4, 0)
	_, err := NewCoordinator(nil, &stubSensor{}, NewSequenceLabels(""), nil, CoordinatorConfig{FrameDuration: time.Second})
	assert.Error(t, err)
	_, err = NewCoordinator(h, &stubSensor{}, NewSequenceLabels(""), nil, CoordinatorConfig{})
	assert.Error(t, err)
}

func TestLabels(t *testing.T) {
	t.Parallel()

	clock := timeutil.NewMockClock(time.Date(2026, 1, 15, 10, 30, 5, 0, time.UTC))
	ts := TimestampLabels{Clock: clock}
	assert.Equal(t, "2026-01-15__10--30--05", ts.Next())
	clock.Advance(61 * time.Second)
	assert.Equal(t, "2026-01-15__10--31--06", ts.Next())

	seq := NewSequenceLabels("Ground_Elevation_")
	assert.Equal(t, "Ground_Elevation_0", seq.Next())
	assert.Equal(t, "Ground_Elevation_1", seq.Next())
}
