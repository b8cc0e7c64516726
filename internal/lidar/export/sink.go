package export

import (
	"errors"
	"fmt"
	"path/filepath"

	"go.uber.org/multierr"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/snowpack.report/internal/fsutil"
	"github.com/banshee-data/snowpack.report/internal/security"
)

// Kind names a derived product in artifact file names.
type Kind string

const (
	KindElevations    Kind = "elevations"
	KindAirPointcloud Kind = "air_pointcloud"
	KindDensity       Kind = "3d_density"
)

// GroundTruthFile is the calibration output name.
const GroundTruthFile = "ground_truth.npy"

// Artifact is one derived array of one frame.
type Artifact struct {
	Label string
	Kind  Kind
	Index int // zero-based frame index within the session
	Array Array
}

// FileName is <label>_<kind>_<index>.npy with the label sanitised.
func (a Artifact) FileName() string {
	return fmt.Sprintf("%s_%s_%d.npy", security.SanitizeFilename(a.Label), a.Kind, a.Index)
}

// DirSink writes artifacts as .npy files into one output directory. Each
// file is written under a temporary name and renamed into place.
type DirSink struct {
	fs  fsutil.FileSystem
	dir string

	// resolveSymlinks enables the on-disk symlink check; in-memory
	// filesystems only get the lexical check.
	resolveSymlinks bool
}

// NewDirSink creates dir if needed and returns a sink writing into it.
func NewDirSink(fsys fsutil.FileSystem, dir string) (*DirSink, error) {
	if fsys == nil {
		return nil, errors.New("export: nil filesystem")
	}
	if dir == "" {
		return nil, errors.New("export: empty output directory")
	}
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("export: create output directory: %w", err)
	}
	_, onDisk := fsys.(fsutil.OSFileSystem)
	return &DirSink{fs: fsys, dir: dir, resolveSymlinks: onDisk}, nil
}

// Dir is the output directory.
func (s *DirSink) Dir() string { return s.dir }

// Write stores one artifact and returns its path.
func (s *DirSink) Write(a Artifact) (string, error) {
	return s.WriteArray(a.FileName(), a.Array)
}

// WriteArray stores arr as name inside the output directory.
func (s *DirSink) WriteArray(name string, arr Array) (path string, err error) {
	path, err = security.JoinWithin(s.dir, name)
	if err != nil {
		return "", err
	}
	if s.resolveSymlinks {
		if err := security.ValidatePathWithinDirectory(path, s.dir); err != nil {
			return "", err
		}
	}

	tmp := path + ".tmp"
	w, err := s.fs.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("export: create %s: %w", tmp, err)
	}
	defer func() {
		if err != nil {
			_ = s.fs.Remove(tmp)
		}
	}()
	if err = multierr.Combine(WriteNPY(w, arr), w.Close()); err != nil {
		return "", fmt.Errorf("export: write %s: %w", filepath.Base(path), err)
	}
	if err = s.fs.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("export: finalise %s: %w", filepath.Base(path), err)
	}
	return path, nil
}

// WriteGroundTruth stores a calibration grid as ground_truth.npy.
func (s *DirSink) WriteGroundTruth(m *mat.Dense) (string, error) {
	if m == nil {
		return "", errors.New("export: nil ground truth")
	}
	r, c := m.Dims()
	return s.WriteArray(GroundTruthFile, DenseArray(m, r, c))
}

// ReadGroundTruth loads a 2-D .npy grid as a matrix for use as a per-cell
// ground reference.
func ReadGroundTruth(fsys fsutil.FileSystem, path string) (m *mat.Dense, err error) {
	f, err := fsys.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open ground truth: %w", err)
	}
	defer func() { err = multierr.Append(err, f.Close()) }()

	a, err := ReadNPY(f)
	if err != nil {
		return nil, fmt.Errorf("read ground truth %s: %w", path, err)
	}
	if len(a.Shape) != 2 || a.Shape[0] == 0 || a.Shape[1] == 0 {
		return nil, fmt.Errorf("ground truth %s: want a non-empty 2-D grid, got shape %v", path, a.Shape)
	}
	return mat.NewDense(a.Shape[0], a.Shape[1], a.Data), nil
}
