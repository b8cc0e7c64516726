package l3grid

import (
	"fmt"
	"math"
	"sort"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/floats"

	"github.com/banshee-data/snowpack.report/internal/lidar/l2frames"
)

// DensityParams configures ReduceDensity. Vector components map to the
// x, y and z axes.
type DensityParams struct {
	BinSize         r3.Vector // bin side per axis in meters
	UseDistanceCaps [3]bool   // true: use MaxDistance on that axis; false: derive
	MaxDistance     r3.Vector // keep coordinate <= cap on capped axes
}

// Validate checks the parameters before a reduction runs.
func (p DensityParams) Validate() error {
	for a, bs := range axes(p.BinSize) {
		if !(bs > 0) || math.IsInf(bs, 0) {
			return fmt.Errorf("density axis %d: %w (got %v)", a, ErrInvalidBinSize, bs)
		}
	}
	for a, m := range axes(p.MaxDistance) {
		if p.UseDistanceCaps[a] && (math.IsNaN(m) || math.IsInf(m, 0)) {
			return fmt.Errorf("density axis %d: cap must be finite, got %v", a, m)
		}
	}
	return nil
}

// Histogram is a dense 3D count array in C order (x slowest, z fastest).
type Histogram struct {
	Shape  [3]int
	Edges  [3][]float64 // Shape[a]+1 bin edges per axis; nil when empty
	Counts []float64

	Dropped int // points removed by a configured cap or outside the edges
}

// Empty reports whether any axis has zero bins.
func (h *Histogram) Empty() bool {
	return h.Shape[0] == 0 || h.Shape[1] == 0 || h.Shape[2] == 0
}

// Index is the offset of bin (i, j, k) in Counts.
func (h *Histogram) Index(i, j, k int) int {
	return (i*h.Shape[1]+j)*h.Shape[2] + k
}

// At returns the count of bin (i, j, k).
func (h *Histogram) At(i, j, k int) float64 {
	return h.Counts[h.Index(i, j, k)]
}

// Total is the number of binned points.
func (h *Histogram) Total() float64 {
	if len(h.Counts) == 0 {
		return 0
	}
	return floats.Sum(h.Counts)
}

// BinOf returns the bin holding p. Bins are half-open [e_i, e_i+1) except the
// last, which is closed so that a point exactly on the upper edge is kept.
func (h *Histogram) BinOf(p l2frames.Point) (i, j, k int, ok bool) {
	if h.Empty() {
		return 0, 0, 0, false
	}
	c := [3]float64{float64(p.X), float64(p.Y), float64(p.Z)}
	var idx [3]int
	for a := 0; a < 3; a++ {
		idx[a] = binIndex(h.Edges[a], c[a])
		if idx[a] < 0 {
			return 0, 0, 0, false
		}
	}
	return idx[0], idx[1], idx[2], true
}

func binIndex(edges []float64, v float64) int {
	n := len(edges) - 1
	if !(v >= edges[0]) || v > edges[n] {
		return -1
	}
	if v == edges[n] {
		return n - 1
	}
	return sort.Search(len(edges), func(i int) bool { return edges[i] > v }) - 1
}

func axes(v r3.Vector) [3]float64 {
	return [3]float64{v.X, v.Y, v.Z}
}

// ReduceDensity counts the frame's points into a 3D occupancy histogram.
//
// Per axis: a capped axis drops points whose coordinate exceeds the cap and
// uses the cap as its extent; a derived axis uses the largest observed
// coordinate. The bin count is floor(|extent| / binSize). Edges span
// [min(0, lowest kept coordinate), extent]; a zero-width range is widened by
// 0.5 on each side.
func ReduceDensity(points []l2frames.Point, p DensityParams) (*Histogram, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	binSize := axes(p.BinSize)
	caps := axes(p.MaxDistance)

	var extent [3]float64
	for a := 0; a < 3; a++ {
		if p.UseDistanceCaps[a] {
			extent[a] = caps[a]
			continue
		}
		if len(points) == 0 {
			continue
		}
		extent[a] = math.Inf(-1)
		for _, pt := range points {
			extent[a] = math.Max(extent[a], coord(pt, a))
		}
	}

	h := &Histogram{}
	kept := make([]l2frames.Point, 0, len(points))
	for _, pt := range points {
		inside := true
		for a := 0; a < 3; a++ {
			if p.UseDistanceCaps[a] && !(coord(pt, a) <= caps[a]) {
				inside = false
				break
			}
		}
		if inside {
			kept = append(kept, pt)
		} else {
			h.Dropped++
		}
	}

	cells := 1
	for a := 0; a < 3; a++ {
		h.Shape[a] = int(math.Floor(math.Abs(extent[a]) / binSize[a]))
		cells *= h.Shape[a]
		if cells > MaxGridCells {
			return nil, fmt.Errorf("density: %w: shape %v", ErrGridTooLarge, h.Shape)
		}
	}
	if cells == 0 {
		h.Dropped += len(kept)
		return h, nil
	}

	for a := 0; a < 3; a++ {
		lo, hi := 0.0, extent[a]
		for _, pt := range kept {
			lo = math.Min(lo, coord(pt, a))
		}
		if hi < lo {
			// Negative extent with nothing kept on this axis.
			lo, hi = hi, lo
		}
		if hi == lo {
			lo, hi = lo-0.5, hi+0.5
		}
		edges := make([]float64, h.Shape[a]+1)
		floats.Span(edges, lo, hi)
		edges[len(edges)-1] = hi
		h.Edges[a] = edges
	}

	h.Counts = make([]float64, cells)
	for _, pt := range kept {
		i, j, k, ok := h.BinOf(pt)
		if !ok {
			h.Dropped++
			continue
		}
		h.Counts[h.Index(i, j, k)]++
	}
	return h, nil
}

func coord(p l2frames.Point, axis int) float64 {
	switch axis {
	case 0:
		return float64(p.X)
	case 1:
		return float64(p.Y)
	default:
		return float64(p.Z)
	}
}
