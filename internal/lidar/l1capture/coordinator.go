package l1capture

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/banshee-data/snowpack.report/internal/lidar/l2frames"
	"github.com/banshee-data/snowpack.report/internal/timeutil"
)

// ErrCaptureTimeout is returned when the sensor does not finish a capture
// within the frame duration plus CaptureGrace.
var ErrCaptureTimeout = errors.New("sensor capture did not complete in time")

// CoordinatorConfig controls capture timing.
type CoordinatorConfig struct {
	FrameDuration     time.Duration // capture window passed to the sensor
	TimeBetweenFrames time.Duration // idle gap after each publish except the last
	CaptureGrace      time.Duration // extra wait past FrameDuration before ErrCaptureTimeout (default: 2s)
	PollInitial       time.Duration // first poll interval (default: 5ms)
	PollMax           time.Duration // poll interval ceiling (default: 250ms)
}

func (c *CoordinatorConfig) applyDefaults() {
	if c.CaptureGrace <= 0 {
		c.CaptureGrace = 2 * time.Second
	}
	if c.PollInitial <= 0 {
		c.PollInitial = 5 * time.Millisecond
	}
	if c.PollMax <= 0 {
		c.PollMax = 250 * time.Millisecond
	}
	if c.PollMax < c.PollInitial {
		c.PollMax = c.PollInitial
	}
}

// Coordinator is the producer side of a capture session.
type Coordinator struct {
	handoff *l2frames.Handoff
	sensor  Sensor
	labels  LabelSource
	clock   timeutil.Clock
	cfg     CoordinatorConfig
}

// NewCoordinator wires a sensor to a handoff. A nil clock uses the real
// clock.
func NewCoordinator(h *l2frames.Handoff, s Sensor, labels LabelSource, clock timeutil.Clock, cfg CoordinatorConfig) (*Coordinator, error) {
	if h == nil || s == nil || labels == nil {
		return nil, errors.New("l1capture: handoff, sensor and labels are required")
	}
	if cfg.FrameDuration <= 0 {
		return nil, fmt.Errorf("l1capture: frame duration must be positive, got %s", cfg.FrameDuration)
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	cfg.applyDefaults()
	return &Coordinator{handoff: h, sensor: s, labels: labels, clock: clock, cfg: cfg}, nil
}

// Run captures and publishes frames frames. The sensor session is stopped
// on every return path; a stop failure is combined with any run error.
func (c *Coordinator) Run(ctx context.Context, frames int) (err error) {
	if err := c.sensor.StartSession(ctx); err != nil {
		opsf("sensor session failed to start: %v", err)
		return fmt.Errorf("start sensor session: %w", err)
	}
	defer func() {
		if stopErr := c.sensor.StopSession(); stopErr != nil {
			opsf("sensor session failed to stop: %v", stopErr)
			err = multierr.Append(err, fmt.Errorf("stop sensor session: %w", stopErr))
		}
	}()

	for i := 0; i < frames; i++ {
		if err := c.captureOne(ctx, i); err != nil {
			return err
		}
		if i < frames-1 && c.cfg.TimeBetweenFrames > 0 {
			c.clock.Sleep(c.cfg.TimeBetweenFrames)
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("capture stopped after frame %d: %w", i, err)
			}
		}
	}
	diagf("published %d frames", frames)
	return nil
}

func (c *Coordinator) captureOne(ctx context.Context, i int) error {
	w, err := c.handoff.BeginWrite(ctx)
	if err != nil {
		return fmt.Errorf("frame %d: %w", i, err)
	}
	label := c.labels.Next()
	w.SetLabel(label)

	if err := c.sensor.StartCapture(w, c.cfg.FrameDuration); err != nil {
		opsf("frame %d (%s): sensor failed to start capture: %v", i, label, err)
		return fmt.Errorf("frame %d: start capture: %w", i, err)
	}
	waitErr := c.waitDone(ctx)
	// Stop even after a timeout so the sensor releases the writer.
	stopErr := c.sensor.StopCapture()
	if waitErr != nil {
		opsf("frame %d (%s): %v", i, label, waitErr)
		return multierr.Append(fmt.Errorf("frame %d: %w", i, waitErr), stopErr)
	}
	if stopErr != nil {
		return fmt.Errorf("frame %d: stop capture: %w", i, stopErr)
	}

	if err := w.Publish(); err != nil {
		return fmt.Errorf("frame %d: publish: %w", i, err)
	}
	if t := w.Truncated(); t > 0 {
		diagf("frame %d (%s): %d points, %d truncated at capacity %d", i, label, w.Len(), t, w.Capacity())
	} else {
		diagf("frame %d (%s): %d points", i, label, w.Len())
	}
	return nil
}

// waitDone polls the sensor with exponential backoff until it reports the
// capture done, the deadline passes or ctx is cancelled.
func (c *Coordinator) waitDone(ctx context.Context) error {
	limit := c.cfg.FrameDuration + c.cfg.CaptureGrace
	start := c.clock.Now()
	interval := c.cfg.PollInitial
	for polls := 1; ; polls++ {
		if c.sensor.IsCaptureDone() {
			tracef("capture done after %d polls", polls)
			return nil
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("waiting for capture: %w", err)
		}
		elapsed := c.clock.Since(start)
		if elapsed >= limit {
			return fmt.Errorf("%w (waited %s)", ErrCaptureTimeout, elapsed)
		}
		c.clock.Sleep(min(interval, limit-elapsed))
		interval = min(interval*2, c.cfg.PollMax)
	}
}
