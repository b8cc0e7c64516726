package l3grid

import (
	"math"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/snowpack.report/internal/lidar/l2frames"
)

// twoByTwo places points in a 2x2 grid of 1m cells covering x in [0,2) and
// y in (-1,1). Cell (0,0) holds a floor point at 1.0 and a second at 1.2.
func twoByTwo() []l2frames.Point {
	return []l2frames.Point{
		{X: 0.5, Y: -0.5, Z: 1.0},
		{X: 0.5, Y: -0.5, Z: 1.2},
		{X: 0.5, Y: 0.5, Z: 2.0},
		{X: 0.5, Y: 0.5, Z: 2.0},
		{X: 1.5, Y: -0.5, Z: 3.0},
		{X: 1.5, Y: -0.5, Z: 3.5},
		{X: 1.5, Y: 0.5, Z: 0.5},
	}
}

func cappedParams(thresh float64) ElevationParams {
	return ElevationParams{
		BinSize:         1,
		MinThreshold:    thresh,
		UseDistanceCaps: true,
		MaxX:            2,
		MaxY:            2,
		SaveAboveGround: true,
	}
}

func TestReduceElevationZeroTolerance(t *testing.T) {
	t.Parallel()

	res, err := ReduceElevation(twoByTwo(), ScalarReference(0.25), cappedParams(0))
	require.NoError(t, err)
	require.Equal(t, 2, res.Rows)
	require.Equal(t, 2, res.Cols)

	want := mat.NewDense(2, 2, []float64{
		0.75, 1.75,
		2.75, 0.25,
	})
	assert.True(t, mat.Equal(want, res.Grid), "grid = %v", mat.Formatted(res.Grid))
	assert.Equal(t, []int{1, 2, 1, 1}, res.Counts)
	assert.Equal(t, []l2frames.Point{
		{X: 0.5, Y: -0.5, Z: 1.2},
		{X: 1.5, Y: -0.5, Z: 3.5},
	}, res.AirPoints)
}

func TestReduceElevationTolerance(t *testing.T) {
	t.Parallel()

	res, err := ReduceElevation(twoByTwo(), ScalarReference(0), cappedParams(0.3))
	require.NoError(t, err)

	assert.InDelta(t, 1.1, res.Grid.At(0, 0), 1e-6)
	assert.Equal(t, 2.0, res.Grid.At(0, 1))
	assert.Equal(t, 3.0, res.Grid.At(1, 0))
	assert.Equal(t, 0.5, res.Grid.At(1, 1))
	assert.Len(t, res.AirPoints, 1)
	assert.Equal(t, 1, res.AboveGround)
}

func TestReduceElevationEmptyCellsAreZero(t *testing.T) {
	t.Parallel()

	pts := []l2frames.Point{
		{X: 0.5, Y: -1.0, Z: 4},
		{X: 2.5, Y: 1.0, Z: 5},
	}
	p := ElevationParams{BinSize: 1, UseDistanceCaps: true, MaxX: 3, MaxY: 3}

	for _, ref := range []GroundReference{ScalarReference(0), ScalarReference(3)} {
		res, err := ReduceElevation(pts, ref, p)
		require.NoError(t, err)
		require.Equal(t, 3, res.Rows)
		require.Equal(t, 3, res.Cols)

		empty := 0
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				v := res.Grid.At(i, j)
				require.False(t, math.IsNaN(v), "cell (%d,%d) is NaN", i, j)
				require.False(t, math.IsInf(v, 0), "cell (%d,%d) is the sentinel", i, j)
				if res.Counts[i*3+j] == 0 {
					assert.Equal(t, 0.0, v)
					empty++
				}
			}
		}
		assert.Equal(t, 7, empty)
		assert.Equal(t, 4-ref.Scalar, res.Grid.At(0, 0))
		assert.Equal(t, 5-ref.Scalar, res.Grid.At(2, 2))
	}
}

func TestReduceElevationAccounting(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(42))
	pts := make([]l2frames.Point, 5000)
	for i := range pts {
		pts[i] = l2frames.Point{
			X: float32(rng.Float64() * 12),
			Y: float32(rng.Float64()*12 - 6),
			Z: float32(rng.Float64() * 2),
		}
	}
	p := ElevationParams{
		BinSize:         0.5,
		MinThreshold:    0.2,
		UseDistanceCaps: true,
		MaxX:            10,
		MaxY:            10,
		SaveAboveGround: true,
	}

	res, err := ReduceElevation(pts, ScalarReference(0), p)
	require.NoError(t, err)
	assert.Positive(t, res.OutsideCaps)
	assert.Equal(t, len(pts), len(res.AirPoints)+res.GroundPoints()+res.OutsideCaps+res.OutOfGrid)
	assert.Equal(t, len(res.AirPoints), res.AboveGround)

	// Every air point sits above its cell floor by more than the threshold.
	for _, a := range res.AirPoints {
		ix := int(math.Floor(float64(a.X) / p.BinSize))
		iy := int(math.Floor((float64(a.Y) + p.MaxY/2) / p.BinSize))
		floor := math.Inf(1)
		for _, q := range pts {
			qx := int(math.Floor(float64(q.X) / p.BinSize))
			qy := int(math.Floor((float64(q.Y) + p.MaxY/2) / p.BinSize))
			if qx == ix && qy == iy && float64(q.X) < p.MaxX && math.Abs(float64(q.Y)) < p.MaxY/2 {
				floor = math.Min(floor, float64(q.Z))
			}
		}
		require.Greater(t, float64(a.Z), floor+p.MinThreshold)
	}
}

func TestReduceElevationNoAirWhenDisabled(t *testing.T) {
	t.Parallel()

	p := cappedParams(0)
	p.SaveAboveGround = false
	res, err := ReduceElevation(twoByTwo(), ScalarReference(0), p)
	require.NoError(t, err)
	assert.Nil(t, res.AirPoints)
	assert.Equal(t, 2, res.AboveGround)
}

func TestReduceElevationCapBoundary(t *testing.T) {
	t.Parallel()

	p := cappedParams(0)
	tests := []struct {
		name string
		pt   l2frames.Point
		keep bool
	}{
		{"x at cap", l2frames.Point{X: 2, Y: 0, Z: 1}, false},
		{"y at upper cap", l2frames.Point{X: 1, Y: 1, Z: 1}, false},
		{"y at lower cap", l2frames.Point{X: 1, Y: -1, Z: 1}, false},
		{"inside", l2frames.Point{X: 1.99, Y: 0.99, Z: 1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := ReduceElevation([]l2frames.Point{tt.pt}, ScalarReference(0), p)
			require.NoError(t, err)
			if tt.keep {
				assert.Equal(t, 0, res.OutsideCaps)
				assert.Equal(t, 1, res.GroundPoints())
			} else {
				assert.Equal(t, 1, res.OutsideCaps)
				assert.Equal(t, 0, res.GroundPoints())
			}
		})
	}
}

func TestReduceElevationDerivedExtents(t *testing.T) {
	t.Parallel()

	pts := []l2frames.Point{
		{X: 0.2, Y: -1.4, Z: 1},
		{X: 3.6, Y: 0.3, Z: 1},
		{X: 1.0, Y: 0.1, Z: 1},
	}
	res, err := ReduceElevation(pts, ScalarReference(0), ElevationParams{BinSize: 1})
	require.NoError(t, err)
	assert.InDelta(t, 3.6, res.MaxX, 1e-6)
	assert.InDelta(t, 2.8, res.MaxY, 1e-6)
	assert.Equal(t, 3, res.Rows)
	assert.Equal(t, 2, res.Cols)
	assert.Equal(t, 0, res.OutsideCaps)
	// The furthest point lies beyond the last whole cell.
	assert.Equal(t, 1, res.OutOfGrid)
	assert.Equal(t, 2, res.GroundPoints())
}

func TestReduceElevationGridReference(t *testing.T) {
	t.Parallel()

	ref := mat.NewDense(2, 2, []float64{1, 1, 2, 0})
	res, err := ReduceElevation(twoByTwo(), GridReference(ref), cappedParams(0))
	require.NoError(t, err)
	want := mat.NewDense(2, 2, []float64{0, 1, 1, 0.5})
	assert.True(t, mat.Equal(want, res.Grid))

	_, err = ReduceElevation(twoByTwo(), GridReference(mat.NewDense(3, 2, nil)), cappedParams(0))
	assert.ErrorIs(t, err, ErrReferenceShape)
}

func TestReduceElevationDegenerate(t *testing.T) {
	t.Parallel()

	t.Run("no points", func(t *testing.T) {
		res, err := ReduceElevation(nil, ScalarReference(3), ElevationParams{BinSize: 0.1})
		require.NoError(t, err)
		assert.True(t, res.Empty())
		assert.Nil(t, res.Grid)
	})

	t.Run("bin larger than extent", func(t *testing.T) {
		res, err := ReduceElevation(twoByTwo(), ScalarReference(0), ElevationParams{BinSize: 10})
		require.NoError(t, err)
		assert.True(t, res.Empty())
		assert.Equal(t, len(twoByTwo()), res.OutOfGrid)
	})

	t.Run("invalid bin size", func(t *testing.T) {
		_, err := ReduceElevation(twoByTwo(), ScalarReference(0), ElevationParams{BinSize: 0})
		assert.ErrorIs(t, err, ErrInvalidBinSize)
		_, err = ReduceElevation(twoByTwo(), ScalarReference(0), ElevationParams{BinSize: math.NaN()})
		assert.ErrorIs(t, err, ErrInvalidBinSize)
	})

	t.Run("grid too large", func(t *testing.T) {
		pts := []l2frames.Point{{X: 1e6, Y: 1e6, Z: 0}}
		_, err := ReduceElevation(pts, ScalarReference(0), ElevationParams{BinSize: 0.01})
		assert.ErrorIs(t, err, ErrGridTooLarge)
	})
}

func TestReduceElevationIdempotent(t *testing.T) {
	t.Parallel()

	pts := twoByTwo()
	before := append([]l2frames.Point(nil), pts...)
	p := cappedParams(0.3)

	a, err := ReduceElevation(pts, ScalarReference(0.1), p)
	require.NoError(t, err)
	b, err := ReduceElevation(pts, ScalarReference(0.1), p)
	require.NoError(t, err)

	if diff := cmp.Diff(a.Grid.RawMatrix().Data, b.Grid.RawMatrix().Data); diff != "" {
		t.Errorf("grid differs between runs (-first +second):\n%s", diff)
	}
	if diff := cmp.Diff(a.AirPoints, b.AirPoints); diff != "" {
		t.Errorf("air points differ (-first +second):\n%s", diff)
	}
	if diff := cmp.Diff(before, pts); diff != "" {
		t.Errorf("input mutated (-before +after):\n%s", diff)
	}
}
