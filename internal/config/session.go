package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang/geo/r3"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/banshee-data/snowpack.report/internal/lidar/l2frames"
	"github.com/banshee-data/snowpack.report/internal/lidar/l3grid"
)

// maxFileSize bounds config files read from disk.
const maxFileSize = 1 * 1024 * 1024 // 1MB

// Label schemes for ScheduleConfig.Labels.
const (
	LabelsTimestamp = "timestamp"
	LabelsSequence  = "sequence"
)

// Duration is a time.Duration that reads and writes as a string like "500ms"
// in both JSON and YAML.
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"500ms\": %w", err)
	}
	return d.parse(s)
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// ScheduleConfig controls how many frames a session records and how.
type ScheduleConfig struct {
	Frames            int      `json:"frames" yaml:"frames"`                           // frames per session (default: 3)
	FrameDuration     Duration `json:"frame_duration" yaml:"frame_duration"`           // capture window per frame (default: 1s)
	TimeBetweenFrames Duration `json:"time_between_frames" yaml:"time_between_frames"` // idle gap after each frame (default: 0)
	Labels            string   `json:"labels" yaml:"labels"`                           // "timestamp" or "sequence" (default: timestamp)
	LabelPrefix       string   `json:"label_prefix" yaml:"label_prefix"`               // prefix for sequence labels (default: Frame_)
}

// SensorConfig describes the capture device.
type SensorConfig struct {
	PointsPerSecond int      `json:"points_per_second" yaml:"points_per_second"` // nominal point rate (default: 100000)
	ReturnMode      int      `json:"return_mode" yaml:"return_mode"`             // 0 first, 1 strongest, 2 dual (default: 0)
	Seed            int64    `json:"seed" yaml:"seed"`                           // simulated sensor seed (default: 1)
	CaptureGrace    Duration `json:"capture_grace" yaml:"capture_grace"`         // extra wait past frame_duration (default: 2s)
}

// HandoffConfig describes the shared frame buffer.
type HandoffConfig struct {
	WaitTimeout  Duration `json:"wait_timeout" yaml:"wait_timeout"`   // 0 waits forever (default: 0)
	SharedMemory bool     `json:"shared_memory" yaml:"shared_memory"` // back the buffer with /dev/shm (default: false)
	ShmName      string   `json:"shm_name" yaml:"shm_name"`           // shared memory object name (default: snowpack_frame)
}

// ElevationConfig configures the ground elevation reducer.
type ElevationConfig struct {
	Enable            bool    `json:"enable" yaml:"enable"`                           // (default: true)
	SaveAboveGround   bool    `json:"save_above_ground" yaml:"save_above_ground"`     // also export air points (default: false)
	BinSize           float64 `json:"bin_size" yaml:"bin_size"`                       // meters (default: 0.1)
	MinThreshold      float64 `json:"min_threshold" yaml:"min_threshold"`             // meters above cell minimum (default: 0.05)
	UseDistanceCaps   bool    `json:"use_distance_caps" yaml:"use_distance_caps"`     // (default: false)
	MaxDistanceX      float64 `json:"max_distance_x" yaml:"max_distance_x"`           // meters (default: 10)
	MaxDistanceY      float64 `json:"max_distance_y" yaml:"max_distance_y"`           // full width in meters (default: 10)
	GroundTruthPath   string  `json:"ground_truth_path" yaml:"ground_truth_path"`     // per-cell reference .npy (default: none)
	GroundTruthScalar float64 `json:"ground_truth_scalar" yaml:"ground_truth_scalar"` // scalar reference when no path (default: 0)
}

// DensityConfig configures the 3D density histogram reducer.
type DensityConfig struct {
	Enable           bool    `json:"enable" yaml:"enable"` // (default: false)
	BinSizeX         float64 `json:"bin_size_x" yaml:"bin_size_x"`
	BinSizeY         float64 `json:"bin_size_y" yaml:"bin_size_y"`
	BinSizeZ         float64 `json:"bin_size_z" yaml:"bin_size_z"` // meters (default: 0.5 on each axis)
	UseDistanceCapsX bool    `json:"use_distance_caps_x" yaml:"use_distance_caps_x"`
	UseDistanceCapsY bool    `json:"use_distance_caps_y" yaml:"use_distance_caps_y"`
	UseDistanceCapsZ bool    `json:"use_distance_caps_z" yaml:"use_distance_caps_z"`
	MaxDistanceX     float64 `json:"max_distance_x" yaml:"max_distance_x"`
	MaxDistanceY     float64 `json:"max_distance_y" yaml:"max_distance_y"`
	MaxDistanceZ     float64 `json:"max_distance_z" yaml:"max_distance_z"` // meters (default: 10, 5, 3)
}

// OutputConfig says where artifacts and the catalog go.
type OutputConfig struct {
	Dir       string `json:"dir" yaml:"dir"`               // artifact directory (default: output)
	CatalogDB string `json:"catalog_db" yaml:"catalog_db"` // sqlite path, empty disables (default: none)
}

// SessionConfig is the root configuration for a capture session.
type SessionConfig struct {
	Schedule        ScheduleConfig  `json:"schedule" yaml:"schedule"`
	Sensor          SensorConfig    `json:"sensor" yaml:"sensor"`
	Handoff         HandoffConfig   `json:"handoff" yaml:"handoff"`
	GroundElevation ElevationConfig `json:"ground_elevation" yaml:"ground_elevation"`
	Density3D       DensityConfig   `json:"density_3d" yaml:"density_3d"`
	Output          OutputConfig    `json:"output" yaml:"output"`
}

// DefaultSessionConfig returns a config with every field at its default.
func DefaultSessionConfig() *SessionConfig {
	return &SessionConfig{
		Schedule: ScheduleConfig{
			Frames:        3,
			FrameDuration: Duration(time.Second),
			Labels:        LabelsTimestamp,
			LabelPrefix:   "Frame_",
		},
		Sensor: SensorConfig{
			PointsPerSecond: l2frames.DefaultPointsPerSecond,
			Seed:            1,
			CaptureGrace:    Duration(2 * time.Second),
		},
		Handoff: HandoffConfig{ShmName: "snowpack_frame"},
		GroundElevation: ElevationConfig{
			Enable:       true,
			BinSize:      0.1,
			MinThreshold: 0.05,
			MaxDistanceX: 10,
			MaxDistanceY: 10,
		},
		Density3D: DensityConfig{
			BinSizeX:     0.5,
			BinSizeY:     0.5,
			BinSizeZ:     0.5,
			MaxDistanceX: 10,
			MaxDistanceY: 5,
			MaxDistanceZ: 3,
		},
		Output: OutputConfig{Dir: "output"},
	}
}

// LoadSessionConfig reads a SessionConfig from a .json, .yaml or .yml file.
// Fields omitted from the file keep their defaults, so partial configs are
// safe.
func LoadSessionConfig(path string) (*SessionConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultSessionConfig()
	if ext == ".json" {
		err = json.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", filepath.Base(cleanPath), err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration values are usable.
func (c *SessionConfig) Validate() error {
	var errs []error
	if c.Schedule.Frames < 1 {
		errs = append(errs, fmt.Errorf("schedule.frames must be at least 1, got %d", c.Schedule.Frames))
	}
	if c.Schedule.FrameDuration <= 0 {
		errs = append(errs, fmt.Errorf("schedule.frame_duration must be positive, got %s", c.Schedule.FrameDuration.D()))
	}
	if c.Schedule.TimeBetweenFrames < 0 {
		errs = append(errs, fmt.Errorf("schedule.time_between_frames must be non-negative"))
	}
	switch c.Schedule.Labels {
	case LabelsTimestamp, LabelsSequence:
	default:
		errs = append(errs, fmt.Errorf("schedule.labels must be %q or %q, got %q", LabelsTimestamp, LabelsSequence, c.Schedule.Labels))
	}

	if c.Sensor.PointsPerSecond <= 0 {
		errs = append(errs, fmt.Errorf("sensor.points_per_second must be positive, got %d", c.Sensor.PointsPerSecond))
	}
	if c.Sensor.ReturnMode < int(l2frames.ReturnFirst) || c.Sensor.ReturnMode > int(l2frames.ReturnDual) {
		errs = append(errs, fmt.Errorf("sensor.return_mode must be 0, 1 or 2, got %d", c.Sensor.ReturnMode))
	}
	if c.Sensor.CaptureGrace < 0 {
		errs = append(errs, fmt.Errorf("sensor.capture_grace must be non-negative"))
	}

	if c.Handoff.WaitTimeout < 0 {
		errs = append(errs, fmt.Errorf("handoff.wait_timeout must be non-negative"))
	}
	if c.Handoff.SharedMemory && c.Handoff.ShmName == "" {
		errs = append(errs, fmt.Errorf("handoff.shm_name is required with shared_memory"))
	}

	if !c.GroundElevation.Enable && !c.Density3D.Enable {
		errs = append(errs, errors.New("at least one of ground_elevation and density_3d must be enabled"))
	}
	if c.GroundElevation.Enable {
		if err := c.ElevationParams().Validate(); err != nil {
			errs = append(errs, fmt.Errorf("ground_elevation: %w", err))
		}
	}
	if c.Density3D.Enable {
		if err := c.DensityParams().Validate(); err != nil {
			errs = append(errs, fmt.Errorf("density_3d: %w", err))
		}
	}

	if c.Output.Dir == "" {
		errs = append(errs, errors.New("output.dir is required"))
	}
	return multierr.Combine(errs...)
}

// ElevationParams converts the ground_elevation section for the reducer.
func (c *SessionConfig) ElevationParams() l3grid.ElevationParams {
	e := c.GroundElevation
	return l3grid.ElevationParams{
		BinSize:         e.BinSize,
		MinThreshold:    e.MinThreshold,
		UseDistanceCaps: e.UseDistanceCaps,
		MaxX:            e.MaxDistanceX,
		MaxY:            e.MaxDistanceY,
		SaveAboveGround: e.SaveAboveGround,
	}
}

// DensityParams converts the density_3d section for the reducer.
func (c *SessionConfig) DensityParams() l3grid.DensityParams {
	d := c.Density3D
	return l3grid.DensityParams{
		BinSize:         r3.Vector{X: d.BinSizeX, Y: d.BinSizeY, Z: d.BinSizeZ},
		UseDistanceCaps: [3]bool{d.UseDistanceCapsX, d.UseDistanceCapsY, d.UseDistanceCapsZ},
		MaxDistance:     r3.Vector{X: d.MaxDistanceX, Y: d.MaxDistanceY, Z: d.MaxDistanceZ},
	}
}

// ReturnMode is the sensor return mode as a typed value.
func (c *SessionConfig) ReturnMode() l2frames.ReturnMode {
	return l2frames.ReturnMode(c.Sensor.ReturnMode)
}

// FrameCapacity is the shared buffer size in points for one frame.
func (c *SessionConfig) FrameCapacity() int {
	return l2frames.CapacityFor(c.Sensor.PointsPerSecond, c.ReturnMode(), c.Schedule.FrameDuration.D())
}
