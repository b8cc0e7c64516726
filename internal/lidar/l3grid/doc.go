// Package l3grid owns Layer 3 (Grid) of the snow-measurement data model.
//
// Responsibilities: reducing one frame of points into derived grids. The
// ground elevation reducer builds a per-cell ground height grid relative to a
// ground-truth reference; the density reducer builds a 3D occupancy
// histogram. Both are pure functions over a private point snapshot.
// Key types: ElevationParams, ElevationResult, DensityParams, Histogram,
// GroundTruthAccumulator.
//
// Dependency rule: L3 may depend on L1-L2, but never on L4+.
// No SQL/database or file I/O is allowed in this package.
package l3grid
