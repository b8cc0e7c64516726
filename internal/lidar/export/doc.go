// Package export writes per-frame derived products as NumPy .npy arrays:
// <label>_elevations_<n>.npy, <label>_air_pointcloud_<n>.npy and
// <label>_3d_density_<n>.npy, plus the calibration ground_truth.npy.
package export
