package l3grid

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// GroundTruthAccumulator averages the elevation grids of a calibration run
// (snow-free ground, zero reference) into a per-cell ground-truth grid.
type GroundTruthAccumulator struct {
	sum    *mat.Dense
	frames int
}

// Add folds one frame's grid into the running sum. All grids of a run must
// share a shape, which means calibration needs fixed distance caps.
func (a *GroundTruthAccumulator) Add(r *ElevationResult) error {
	if r == nil || r.Grid == nil {
		return errors.New("ground truth: empty elevation grid")
	}
	if a.sum == nil {
		a.sum = mat.DenseCopyOf(r.Grid)
		a.frames = 1
		return nil
	}
	ar, ac := a.sum.Dims()
	if rr, rc := r.Grid.Dims(); rr != ar || rc != ac {
		return fmt.Errorf("%w: accumulated %dx%d, frame %dx%d", ErrReferenceShape, ar, ac, rr, rc)
	}
	a.sum.Add(a.sum, r.Grid)
	a.frames++
	return nil
}

// Frames is the number of grids accumulated.
func (a *GroundTruthAccumulator) Frames() int { return a.frames }

// Mean returns the per-cell average of the accumulated grids.
func (a *GroundTruthAccumulator) Mean() (*mat.Dense, error) {
	if a.frames == 0 {
		return nil, errors.New("ground truth: no frames accumulated")
	}
	var m mat.Dense
	m.Scale(1/float64(a.frames), a.sum)
	return &m, nil
}
