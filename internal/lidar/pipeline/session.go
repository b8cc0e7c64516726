package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/snowpack.report/internal/lidar/l1capture"
	"github.com/banshee-data/snowpack.report/internal/lidar/l2frames"
	"github.com/banshee-data/snowpack.report/internal/lidar/l3grid"
	"github.com/banshee-data/snowpack.report/internal/lidar/storage/sqlite"
	"github.com/banshee-data/snowpack.report/internal/timeutil"
)

// CalibrationLabelPrefix labels the frames of a calibration session.
const CalibrationLabelPrefix = "Ground_Elevation_"

// GroundTruthSink is an ArtifactSink that can also store the calibration
// result. *export.DirSink satisfies it.
type GroundTruthSink interface {
	ArtifactSink
	WriteGroundTruth(m *mat.Dense) (string, error)
}

// SessionCatalog is the catalog surface a session uses.
type SessionCatalog interface {
	FrameCatalog
	StartSession(s *sqlite.Session) error
	FinishSession(s *sqlite.Session) error
}

// SessionConfig describes one capture session.
type SessionConfig struct {
	Frames       int
	Capacity     int // frame buffer size in points
	SharedMemory bool
	ShmName      string
	Handoff      l2frames.HandoffConfig
	Capture      l1capture.CoordinatorConfig
	Params       Params

	// Calibrate runs a ground calibration: a zero reference, sequence
	// labels and a ground_truth.npy written at the end.
	Calibrate bool

	ConfigJSON string // stored with the catalog session row
}

// SessionDeps are the collaborators of a session.
type SessionDeps struct {
	Config  SessionConfig
	Sensor  l1capture.Sensor
	Sink    GroundTruthSink
	Catalog SessionCatalog        // optional
	Labels  l1capture.LabelSource // default: timestamps, or sequence labels when calibrating
	Clock   timeutil.Clock        // default: real clock

	// OnProcessor, when set, is called with the session's processor before
	// any frame is captured, so a config watcher can hot-swap its parameters.
	OnProcessor func(*Processor)
}

// SessionSummary reports the outcome of RunSession.
type SessionSummary struct {
	Stats
	SessionID       string // empty without a catalog
	GroundTruthPath string // set by a calibration session
	Elapsed         time.Duration
}

// RunSession allocates the frame buffer, runs the capture coordinator and
// the processor concurrently and releases the buffer on every return path.
// The first fatal error from either side cancels the other and is returned,
// combined with any teardown error.
func RunSession(ctx context.Context, deps SessionDeps) (sum SessionSummary, err error) {
	cfg := deps.Config
	if cfg.Frames <= 0 {
		return sum, fmt.Errorf("pipeline: frame count must be positive, got %d", cfg.Frames)
	}
	if isNilInterface(deps.Sensor) {
		return sum, errors.New("pipeline: sensor is required")
	}
	if isNilInterface(deps.Sink) {
		return sum, errors.New("pipeline: artifact sink is required")
	}
	if isNilInterface(deps.Catalog) {
		deps.Catalog = nil
	}
	clock := deps.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	params := cfg.Params
	labels := deps.Labels
	mode := sqlite.ModeMeasure
	var acc *l3grid.GroundTruthAccumulator
	if cfg.Calibrate {
		if !params.ElevationEnabled {
			return sum, errors.New("pipeline: calibration needs the ground elevation reducer")
		}
		if !params.Elevation.UseDistanceCaps {
			return sum, errors.New("pipeline: calibration needs fixed distance caps")
		}
		params.Reference = l3grid.GroundReference{}
		acc = &l3grid.GroundTruthAccumulator{}
		mode = sqlite.ModeCalibrate
		if labels == nil {
			labels = l1capture.NewSequenceLabels(CalibrationLabelPrefix)
		}
	}
	if labels == nil {
		labels = l1capture.TimestampLabels{Clock: clock}
	}

	start := clock.Now()
	backing, err := allocate(cfg)
	if err != nil {
		opsf("frame buffer allocation failed: %v", err)
		return sum, fmt.Errorf("allocate frame buffer: %w", err)
	}
	defer func() {
		if cerr := backing.Close(); cerr != nil {
			opsf("frame buffer release failed: %v", cerr)
			err = multierr.Append(err, fmt.Errorf("release frame buffer: %w", cerr))
		}
	}()

	h, err := l2frames.NewHandoff(backing, cfg.Handoff)
	if err != nil {
		return sum, err
	}
	coord, err := l1capture.NewCoordinator(h, deps.Sensor, labels, clock, cfg.Capture)
	if err != nil {
		return sum, err
	}

	sess := &sqlite.Session{Mode: mode, StartedAt: start, FramesPlanned: cfg.Frames, ConfigJSON: cfg.ConfigJSON}
	if deps.Catalog != nil {
		if err := deps.Catalog.StartSession(sess); err != nil {
			return sum, fmt.Errorf("catalog: %w", err)
		}
		sum.SessionID = sess.SessionID
		defer func() {
			sess.FramesProcessed = sum.FramesProcessed
			sess.DegenerateFrames = sum.DegenerateFrames
			sess.FailedFrames = sum.FailedFrames
			if err != nil {
				sess.Error = err.Error()
			}
			if ferr := deps.Catalog.FinishSession(sess); ferr != nil {
				err = multierr.Append(err, fmt.Errorf("catalog: %w", ferr))
			}
		}()
	}

	proc, err := NewProcessor(h, params, ProcessorConfig{
		Sink:        deps.Sink,
		Catalog:     deps.Catalog,
		SessionID:   sess.SessionID,
		Calibration: acc,
		Clock:       clock,
	})
	if err != nil {
		return sum, err
	}
	if deps.OnProcessor != nil {
		deps.OnProcessor(proc)
	}

	diagf("session started: %d frames, capacity %d points, shared memory %t, mode %s",
		cfg.Frames, h.Capacity(), cfg.SharedMemory, mode)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return coord.Run(gctx, cfg.Frames)
	})
	var stats Stats
	g.Go(func() error {
		var err error
		stats, err = proc.Run(gctx, cfg.Frames)
		return err
	})
	err = g.Wait()
	sum.Stats = stats
	sum.Elapsed = clock.Since(start)
	if err != nil {
		opsf("session failed after %d frames: %v", stats.FramesProcessed, err)
		return sum, err
	}

	if acc != nil {
		path, err := writeGroundTruth(deps, acc, sess.SessionID)
		if err != nil {
			opsf("calibration failed: %v", err)
			return sum, err
		}
		sum.GroundTruthPath = path
		sum.Artifacts++
	}

	diagf("session finished in %s: %d frames, %d degenerate, %d failed, %d artifacts",
		sum.Elapsed, sum.FramesProcessed, sum.DegenerateFrames, sum.FailedFrames, sum.Artifacts)
	return sum, nil
}

func allocate(cfg SessionConfig) (l2frames.Backing, error) {
	if cfg.SharedMemory {
		b, err := l2frames.NewSharedMemoryBacking(cfg.ShmName, cfg.Capacity)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	b, err := l2frames.NewHeapBacking(cfg.Capacity)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func writeGroundTruth(deps SessionDeps, acc *l3grid.GroundTruthAccumulator, sessionID string) (string, error) {
	mean, err := acc.Mean()
	if err != nil {
		return "", fmt.Errorf("calibration: %w", err)
	}
	path, err := deps.Sink.WriteGroundTruth(mean)
	if err != nil {
		return "", fmt.Errorf("calibration: %w", err)
	}
	r, c := mean.Dims()
	diagf("ground truth from %d frames written to %s (%dx%d)", acc.Frames(), path, r, c)
	if deps.Catalog != nil {
		err := deps.Catalog.InsertArtifact(&sqlite.ArtifactRecord{
			SessionID: sessionID,
			Kind:      "ground_truth",
			Path:      path,
			Shape:     []int{r, c},
		})
		if err != nil {
			return "", fmt.Errorf("catalog: %w", err)
		}
	}
	return path, nil
}
