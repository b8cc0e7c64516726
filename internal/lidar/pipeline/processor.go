package pipeline

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync/atomic"

	"go.uber.org/multierr"

	"github.com/banshee-data/snowpack.report/internal/lidar/export"
	"github.com/banshee-data/snowpack.report/internal/lidar/l2frames"
	"github.com/banshee-data/snowpack.report/internal/lidar/l3grid"
	"github.com/banshee-data/snowpack.report/internal/lidar/storage/sqlite"
	"github.com/banshee-data/snowpack.report/internal/timeutil"
)

// Params is the reducer configuration applied to one frame.
type Params struct {
	ElevationEnabled bool
	Elevation        l3grid.ElevationParams
	Reference        l3grid.GroundReference

	DensityEnabled bool
	Density        l3grid.DensityParams
}

// Validate checks that at least one reducer is enabled and that the enabled
// reducers have usable parameters.
func (p Params) Validate() error {
	if !p.ElevationEnabled && !p.DensityEnabled {
		return errors.New("no reducer enabled")
	}
	var err error
	if p.ElevationEnabled {
		err = multierr.Append(err, p.Elevation.Validate())
	}
	if p.DensityEnabled {
		err = multierr.Append(err, p.Density.Validate())
	}
	return err
}

// ArtifactSink stores derived arrays and returns where each one went.
type ArtifactSink interface {
	Write(a export.Artifact) (string, error)
}

// FrameCatalog records processed frames and their artifacts.
// *sqlite.CatalogStore satisfies it.
type FrameCatalog interface {
	InsertFrame(f *sqlite.FrameRecord) error
	InsertArtifact(a *sqlite.ArtifactRecord) error
}

// ProcessorConfig wires a Processor to its outputs.
type ProcessorConfig struct {
	Sink      ArtifactSink // required
	Catalog   FrameCatalog // optional
	SessionID string       // catalog session the frames belong to

	// Calibration, when set, receives every non-empty elevation grid.
	Calibration *l3grid.GroundTruthAccumulator

	Clock timeutil.Clock // default: real clock
}

// Stats counts what a Processor did with its frames.
type Stats struct {
	FramesProcessed  int
	DegenerateFrames int // no points, or a reducer produced zero cells
	FailedFrames     int // a reducer error skipped part of the frame
	Artifacts        int
}

// Processor is the consumer side of a capture session.
type Processor struct {
	handoff *l2frames.Handoff
	cfg     ProcessorConfig
	params  atomic.Pointer[Params]
	stats   Stats
}

// NewProcessor creates a processor reading frames from h.
func NewProcessor(h *l2frames.Handoff, params Params, cfg ProcessorConfig) (*Processor, error) {
	if h == nil {
		return nil, errors.New("pipeline: nil handoff")
	}
	if isNilInterface(cfg.Sink) {
		return nil, errors.New("pipeline: artifact sink is required")
	}
	if isNilInterface(cfg.Catalog) {
		cfg.Catalog = nil
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	p := &Processor{handoff: h, cfg: cfg}
	if err := p.UpdateParams(params); err != nil {
		return nil, err
	}
	return p, nil
}

// UpdateParams swaps in new reducer parameters. The frame in progress keeps
// the snapshot it started with; the next frame sees the new one. Invalid
// parameters are rejected and the current snapshot stays in place.
func (p *Processor) UpdateParams(next Params) error {
	if err := next.Validate(); err != nil {
		return fmt.Errorf("pipeline: invalid parameters: %w", err)
	}
	prev := p.params.Swap(&next)
	if prev != nil {
		diagf("reducer parameters updated (elevation=%t density=%t)", next.ElevationEnabled, next.DensityEnabled)
	}
	return nil
}

// Params returns the current parameter snapshot.
func (p *Processor) Params() Params {
	return *p.params.Load()
}

// Run processes frames frames in publication order. It returns on the first
// fatal error: a handoff failure, an artifact write failure or a catalog
// write failure. Degenerate and failed frames are counted and skipped.
func (p *Processor) Run(ctx context.Context, frames int) (Stats, error) {
	for i := 0; i < frames; i++ {
		f, err := p.handoff.TakeFrame(ctx)
		if err != nil {
			opsf("frame %d: take failed: %v", i, err)
			return p.stats, fmt.Errorf("frame %d: %w", i, err)
		}
		if err := p.process(i, f); err != nil {
			opsf("frame %d (%s): %v", i, f.Label, err)
			return p.stats, fmt.Errorf("frame %d: %w", i, err)
		}
	}
	diagf("processed %d frames (%d degenerate, %d failed, %d artifacts)",
		p.stats.FramesProcessed, p.stats.DegenerateFrames, p.stats.FailedFrames, p.stats.Artifacts)
	return p.stats, nil
}

// process reduces one frame. A returned error is fatal; reducer errors that
// only affect this frame are recorded on the frame instead.
func (p *Processor) process(i int, f *l2frames.Frame) error {
	start := p.cfg.Clock.Now()
	params := p.params.Load()
	pts := f.Trimmed()

	rec := &sqlite.FrameRecord{
		SessionID:  p.cfg.SessionID,
		FrameIndex: i,
		Seq:        f.Sequence,
		Label:      f.Label,
		ValidCount: f.ValidCount,
		Truncated:  f.Truncated,
		Degenerate: len(pts) == 0,
	}
	var (
		artifacts []export.Artifact
		frameErr  error
	)

	if params.ElevationEnabled {
		arts, stats, err := p.reduceElevation(i, f.Label, pts, params)
		if err != nil {
			frameErr = multierr.Append(frameErr, err)
		} else {
			rec.Elevation = stats
			rec.Degenerate = rec.Degenerate || stats.Rows == 0 || stats.Cols == 0
			artifacts = append(artifacts, arts...)
		}
	}

	if params.DensityEnabled {
		h, err := l3grid.ReduceDensity(pts, params.Density)
		if err != nil {
			frameErr = multierr.Append(frameErr, fmt.Errorf("density: %w", err))
		} else {
			rec.Density = &sqlite.DensityStats{Total: h.Total(), Dropped: h.Dropped}
			rec.Degenerate = rec.Degenerate || h.Empty()
			artifacts = append(artifacts, export.Artifact{
				Label: f.Label, Kind: export.KindDensity, Index: i, Array: export.HistogramArray(h),
			})
		}
	}

	if frameErr != nil {
		if !nonFatal(frameErr) {
			return frameErr
		}
		opsf("frame %d (%s) failed: %v", i, f.Label, frameErr)
		rec.Error = frameErr.Error()
		p.stats.FailedFrames++
	}
	if rec.Degenerate {
		diagf("frame %d (%s) is degenerate: %d points", i, f.Label, len(pts))
		p.stats.DegenerateFrames++
	}

	if p.cfg.Catalog != nil {
		if err := p.cfg.Catalog.InsertFrame(rec); err != nil {
			return fmt.Errorf("catalog: %w", err)
		}
	}
	for _, a := range artifacts {
		path, err := p.cfg.Sink.Write(a)
		if err != nil {
			return fmt.Errorf("export %s: %w", a.Kind, err)
		}
		p.stats.Artifacts++
		if p.cfg.Catalog != nil {
			err := p.cfg.Catalog.InsertArtifact(&sqlite.ArtifactRecord{
				FrameID:   rec.FrameID,
				SessionID: p.cfg.SessionID,
				Kind:      string(a.Kind),
				Path:      path,
				Shape:     a.Array.Shape,
			})
			if err != nil {
				return fmt.Errorf("catalog: %w", err)
			}
		}
	}

	p.stats.FramesProcessed++
	tracef("frame %d (%s): %d points, %d artifacts in %s", i, f.Label, len(pts), len(artifacts), p.cfg.Clock.Since(start))
	return nil
}

func (p *Processor) reduceElevation(i int, label string, pts []l2frames.Point, params *Params) ([]export.Artifact, *sqlite.ElevationStats, error) {
	res, err := l3grid.ReduceElevation(pts, params.Reference, params.Elevation)
	if err != nil {
		return nil, nil, fmt.Errorf("ground elevation: %w", err)
	}
	if acc := p.cfg.Calibration; acc != nil && !res.Empty() {
		if err := acc.Add(res); err != nil {
			return nil, nil, fmt.Errorf("calibration: %w", err)
		}
	}

	stats := &sqlite.ElevationStats{
		Rows:         res.Rows,
		Cols:         res.Cols,
		GroundPoints: res.GroundPoints(),
		AirPoints:    res.AboveGround,
		OutOfGrid:    res.OutOfGrid,
		OutsideCaps:  res.OutsideCaps,
	}
	arts := []export.Artifact{{
		Label: label, Kind: export.KindElevations, Index: i, Array: export.DenseArray(res.Grid, res.Rows, res.Cols),
	}}
	if params.Elevation.SaveAboveGround {
		arts = append(arts, export.Artifact{
			Label: label, Kind: export.KindAirPointcloud, Index: i, Array: export.PointsArray(res.AirPoints),
		})
	}
	return arts, stats, nil
}

// nonFatal reports whether every error in err only invalidates the frame it
// came from.
func nonFatal(err error) bool {
	for _, e := range multierr.Errors(err) {
		if !errors.Is(e, l3grid.ErrReferenceShape) && !errors.Is(e, l3grid.ErrGridTooLarge) {
			return false
		}
	}
	return true
}

// isNilInterface reports whether i is nil or holds a nil pointer.
func isNilInterface(i interface{}) bool {
	if i == nil {
		return true
	}
	v := reflect.ValueOf(i)
	switch v.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func, reflect.Interface:
		return v.IsNil()
	}
	return false
}
