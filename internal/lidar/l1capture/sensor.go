package l1capture

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/banshee-data/snowpack.report/internal/lidar/l2frames"
)

// Sensor is a capture device. The Coordinator calls StartSession once, then
// StartCapture/IsCaptureDone/StopCapture once per frame, then StopSession.
//
// StartCapture must return promptly; the capture itself runs in the
// background and writes points through w until IsCaptureDone reports true.
// w must not be touched after IsCaptureDone returns true.
type Sensor interface {
	StartSession(ctx context.Context) error
	StartCapture(w *l2frames.FrameWriter, d time.Duration) error
	IsCaptureDone() bool
	StopCapture() error
	StopSession() error
}

var (
	// ErrNoSession is returned when a capture is requested outside a session.
	ErrNoSession = errors.New("sensor session not started")

	// ErrCaptureInProgress is returned by StartCapture while a capture runs.
	ErrCaptureInProgress = errors.New("capture already in progress")
)

// SimulatedField describes the synthetic snow scene produced by
// SimulatedSensor. Coordinates are in meters in the sensor frame: x forward,
// y lateral, z up.
type SimulatedField struct {
	Length       float64 // x extent of the field (default: 8)
	Width        float64 // y extent, centred on the sensor axis (default: 6)
	GroundZ      float64 // ground height at x=y=0 (default: -2)
	SlopeX       float64 // ground rise per meter of x (default: 0.02)
	SlopeY       float64 // ground rise per meter of y (default: 0)
	SnowDepth    float64 // snow surface above ground (default: 0.3)
	SurfaceNoise float64 // std dev of surface returns (default: 0.01)
	AirFraction  float64 // share of returns from falling snow (default: 0.02)
	AirHeight    float64 // falling snow spans this far above the surface (default: 1.5)
}

// DefaultSimulatedField returns the field used when none is configured.
func DefaultSimulatedField() SimulatedField {
	return SimulatedField{
		Length:       8,
		Width:        6,
		GroundZ:      -2,
		SlopeX:       0.02,
		SnowDepth:    0.3,
		SurfaceNoise: 0.01,
		AirFraction:  0.02,
		AirHeight:    1.5,
	}
}

// SurfaceZ is the noiseless snow surface height at (x, y).
func (f SimulatedField) SurfaceZ(x, y float64) float64 {
	return f.GroundZ + f.SlopeX*x + f.SlopeY*y + f.SnowDepth
}

// SimulatedSensorConfig configures a SimulatedSensor.
type SimulatedSensorConfig struct {
	PointsPerSecond int                 // nominal rate (default: l2frames.DefaultPointsPerSecond)
	ReturnMode      l2frames.ReturnMode // multiplies the rate
	Seed            uint64              // identical seeds produce identical frames
	Field           SimulatedField
	// ExtraPoints are emitted on top of the nominal count, to exercise
	// truncation at the buffer boundary.
	ExtraPoints int
}

// SimulatedSensor generates a synthetic snow field instead of talking to
// hardware. A capture runs on its own goroutine and finishes as fast as it
// can generate points.
type SimulatedSensor struct {
	cfg SimulatedSensorConfig

	mu        sync.Mutex
	inSession bool
	capturing bool
	rng       *rand.PCG
	wg        sync.WaitGroup
	done      atomic.Bool
	frames    int
}

// NewSimulatedSensor creates a simulated sensor.
func NewSimulatedSensor(cfg SimulatedSensorConfig) *SimulatedSensor {
	if cfg.PointsPerSecond <= 0 {
		cfg.PointsPerSecond = l2frames.DefaultPointsPerSecond
	}
	if cfg.Field == (SimulatedField{}) {
		cfg.Field = DefaultSimulatedField()
	}
	return &SimulatedSensor{cfg: cfg}
}

func (s *SimulatedSensor) StartSession(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inSession = true
	s.rng = rand.NewPCG(s.cfg.Seed, s.cfg.Seed^0x9e3779b97f4a7c15)
	s.frames = 0
	diagf("simulated sensor session started (seed=%d, rate=%d pps, mode=%d)",
		s.cfg.Seed, s.cfg.PointsPerSecond, s.cfg.ReturnMode)
	return nil
}

// PointsPerFrame is the number of points a capture of duration d emits.
func (s *SimulatedSensor) PointsPerFrame(d time.Duration) int {
	return l2frames.CapacityFor(s.cfg.PointsPerSecond, s.cfg.ReturnMode, d) + s.cfg.ExtraPoints
}

func (s *SimulatedSensor) StartCapture(w *l2frames.FrameWriter, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.inSession {
		return ErrNoSession
	}
	if s.capturing {
		return ErrCaptureInProgress
	}
	s.capturing = true
	s.done.Store(false)
	n := s.PointsPerFrame(d)
	src := s.rng

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.generate(w, n, src)
		s.done.Store(true)
	}()
	return nil
}

func (s *SimulatedSensor) generate(w *l2frames.FrameWriter, n int, src rand.Source) {
	f := s.cfg.Field
	xs := distuv.Uniform{Min: 0, Max: f.Length, Src: src}
	ys := distuv.Uniform{Min: -f.Width / 2, Max: f.Width / 2, Src: src}
	unit := distuv.Uniform{Min: 0, Max: 1, Src: src}
	noise := distuv.Normal{Mu: 0, Sigma: f.SurfaceNoise, Src: src}
	for i := 0; i < n; i++ {
		x, y := xs.Rand(), ys.Rand()
		z := f.SurfaceZ(x, y)
		if unit.Rand() < f.AirFraction {
			z += 0.05 + unit.Rand()*f.AirHeight
		} else if f.SurfaceNoise > 0 {
			z += noise.Rand()
		}
		w.AppendXYZ(float32(x), float32(y), float32(z))
	}
}

func (s *SimulatedSensor) IsCaptureDone() bool { return s.done.Load() }

func (s *SimulatedSensor) StopCapture() error {
	s.wg.Wait()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.capturing {
		s.frames++
	}
	s.capturing = false
	return nil
}

func (s *SimulatedSensor) StopSession() error {
	s.wg.Wait()
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.inSession {
		return ErrNoSession
	}
	s.inSession = false
	s.capturing = false
	diagf("simulated sensor session stopped after %d captures", s.frames)
	return nil
}

// Captures is the number of completed captures in the current session.
func (s *SimulatedSensor) Captures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}
