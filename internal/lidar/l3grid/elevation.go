package l3grid

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/snowpack.report/internal/lidar/l2frames"
)

var (
	// ErrInvalidBinSize is returned for a non-positive or non-finite bin size.
	ErrInvalidBinSize = errors.New("bin size must be positive and finite")

	// ErrReferenceShape is returned when a ground-truth grid does not match
	// the elevation grid it is subtracted from.
	ErrReferenceShape = errors.New("ground reference grid shape mismatch")

	// ErrGridTooLarge guards against extents that would allocate an absurd
	// number of cells (e.g. a stray return at kilometre range).
	ErrGridTooLarge = errors.New("grid exceeds maximum cell count")
)

// MaxGridCells bounds nx*ny for the elevation grid and nx*ny*nz for the
// density histogram.
const MaxGridCells = 1 << 26

// ElevationParams configures ReduceElevation.
type ElevationParams struct {
	BinSize         float64 // square cell side in meters
	MinThreshold    float64 // height above the cell minimum still counted as ground
	UseDistanceCaps bool    // true: use MaxX/MaxY; false: derive from the frame
	MaxX            float64 // keep x < MaxX
	MaxY            float64 // keep -MaxY/2 < y < MaxY/2
	SaveAboveGround bool    // collect points rejected by the threshold
}

// Validate checks the parameters before a reduction runs.
func (p ElevationParams) Validate() error {
	if !(p.BinSize > 0) || math.IsInf(p.BinSize, 0) {
		return fmt.Errorf("elevation: %w (got %v)", ErrInvalidBinSize, p.BinSize)
	}
	if !(p.MinThreshold >= 0) || math.IsInf(p.MinThreshold, 0) {
		return fmt.Errorf("elevation: min threshold must be finite and >= 0, got %v", p.MinThreshold)
	}
	if p.UseDistanceCaps && (!(p.MaxX > 0) || !(p.MaxY > 0)) {
		return fmt.Errorf("elevation: distance caps must be positive, got x=%v y=%v", p.MaxX, p.MaxY)
	}
	return nil
}

// GroundReference is the no-snow baseline subtracted from the averaged cell
// heights: a scalar height, or a per-cell grid when Grid is non-nil.
type GroundReference struct {
	Scalar float64
	Grid   *mat.Dense
}

// ScalarReference returns a reference that subtracts v from every cell.
func ScalarReference(v float64) GroundReference {
	return GroundReference{Scalar: v}
}

// GridReference returns a per-cell reference.
func GridReference(m *mat.Dense) GroundReference {
	return GroundReference{Grid: m}
}

// ElevationResult is the output of ReduceElevation. Cells are indexed by
// (x-bin, y-bin) with the y origin shifted to the -MaxY/2 edge.
type ElevationResult struct {
	Rows, Cols int        // x bins, y bins
	Grid       *mat.Dense // Rows x Cols; nil when either dimension is 0
	Counts     []int      // ground points per cell, row-major

	// AirPoints holds the points rejected by the threshold, in input order
	// and sensor coordinates. Nil unless SaveAboveGround was set.
	AirPoints []l2frames.Point

	AboveGround int // points rejected by the threshold
	OutsideCaps int // points removed by the configured distance caps
	OutOfGrid   int // points inside the caps whose cell is outside the grid

	MaxX, MaxY float64 // extents actually used
}

// Empty reports whether the grid has no cells.
func (r *ElevationResult) Empty() bool {
	return r.Rows == 0 || r.Cols == 0
}

// GroundPoints is the number of points averaged into cells.
func (r *ElevationResult) GroundPoints() int {
	n := 0
	for _, c := range r.Counts {
		n += c
	}
	return n
}

// ReduceElevation computes the ground/snow height grid of one frame. Each
// cell's value is the mean z of the points within MinThreshold of that cell's
// minimum z, minus the ground reference. Cells with no points are 0. The
// input slice is not modified.
func ReduceElevation(points []l2frames.Point, ref GroundReference, p ElevationParams) (*ElevationResult, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	res := &ElevationResult{}

	kept := make([]int, 0, len(points))
	maxX, maxY := p.MaxX, p.MaxY
	if p.UseDistanceCaps {
		half := maxY / 2
		for i, pt := range points {
			x, y := float64(pt.X), float64(pt.Y)
			if x < maxX && y > -half && y < half {
				kept = append(kept, i)
			} else {
				res.OutsideCaps++
			}
		}
	} else {
		maxX, maxY = 0, 0
		for i, pt := range points {
			kept = append(kept, i)
			maxX = math.Max(maxX, float64(pt.X))
			maxY = math.Max(maxY, 2*math.Abs(float64(pt.Y)))
		}
	}
	res.MaxX, res.MaxY = maxX, maxY

	nx := int(math.Floor(maxX / p.BinSize))
	ny := int(math.Floor(maxY / p.BinSize))
	if nx < 0 || ny < 0 {
		nx, ny = 0, 0
	}
	if nx > 0 && ny > MaxGridCells/nx {
		return nil, fmt.Errorf("elevation: %w: %d x %d cells", ErrGridTooLarge, nx, ny)
	}
	res.Rows, res.Cols = nx, ny
	cells := nx * ny

	if ref.Grid != nil && cells > 0 {
		if r, c := ref.Grid.Dims(); r != nx || c != ny {
			return nil, fmt.Errorf("%w: reference %dx%d, grid %dx%d", ErrReferenceShape, r, c, nx, ny)
		}
	}

	// Pass 1: per-cell minimum height.
	shift := maxY / 2
	cellOf := make([]int, len(kept))
	mins := make([]float64, cells)
	for c := range mins {
		mins[c] = math.Inf(1)
	}
	for k, i := range kept {
		pt := points[i]
		ix := int(math.Floor(float64(pt.X) / p.BinSize))
		iy := int(math.Floor((float64(pt.Y) + shift) / p.BinSize))
		if ix < 0 || ix >= nx || iy < 0 || iy >= ny {
			cellOf[k] = -1
			res.OutOfGrid++
			continue
		}
		c := ix*ny + iy
		cellOf[k] = c
		mins[c] = math.Min(mins[c], float64(pt.Z))
	}

	// Pass 2: average the points near their own cell's floor.
	sums := make([]float64, cells)
	res.Counts = make([]int, cells)
	if p.SaveAboveGround {
		res.AirPoints = make([]l2frames.Point, 0)
	}
	for k, i := range kept {
		c := cellOf[k]
		if c < 0 {
			continue
		}
		z := float64(points[i].Z)
		if z <= mins[c]+p.MinThreshold {
			sums[c] += z
			res.Counts[c]++
			continue
		}
		res.AboveGround++
		if p.SaveAboveGround {
			res.AirPoints = append(res.AirPoints, points[i])
		}
	}

	if cells == 0 {
		return res, nil
	}
	data := make([]float64, cells)
	for c := range data {
		if res.Counts[c] == 0 {
			continue
		}
		avg := sums[c] / float64(res.Counts[c])
		if ref.Grid != nil {
			avg -= ref.Grid.At(c/ny, c%ny)
		} else {
			avg -= ref.Scalar
		}
		if math.IsNaN(avg) {
			continue
		}
		data[c] = avg
	}
	res.Grid = mat.NewDense(nx, ny, data)
	return res, nil
}
