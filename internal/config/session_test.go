package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang/geo/r3"

	"github.com/banshee-data/snowpack.report/internal/lidar/l2frames"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	return path
}

func TestDefaultSessionConfig(t *testing.T) {
	cfg := DefaultSessionConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if cfg.Schedule.Frames != 3 {
		t.Errorf("Frames = %d, want 3", cfg.Schedule.Frames)
	}
	if cfg.Schedule.FrameDuration.D() != time.Second {
		t.Errorf("FrameDuration = %s, want 1s", cfg.Schedule.FrameDuration.D())
	}
	if !cfg.GroundElevation.Enable || cfg.Density3D.Enable {
		t.Errorf("default reducers: elevation=%v density=%v", cfg.GroundElevation.Enable, cfg.Density3D.Enable)
	}
	if got := cfg.FrameCapacity(); got != 100_000 {
		t.Errorf("FrameCapacity() = %d, want 100000", got)
	}
}

func TestLoadSessionConfigJSON(t *testing.T) {
	path := writeConfig(t, "session.json", `{
  "schedule": {"frames": 5, "frame_duration": "250ms", "labels": "sequence", "label_prefix": "Ground_Elevation_"},
  "sensor": {"return_mode": 2},
  "ground_elevation": {"bin_size": 0.5, "use_distance_caps": true, "max_distance_x": 4, "max_distance_y": 2},
  "density_3d": {"enable": true, "bin_size_z": 0.2, "use_distance_caps_z": true, "max_distance_z": 1.5}
}`)

	cfg, err := LoadSessionConfig(path)
	if err != nil {
		t.Fatalf("LoadSessionConfig: %v", err)
	}
	if cfg.Schedule.Frames != 5 || cfg.Schedule.FrameDuration.D() != 250*time.Millisecond {
		t.Errorf("schedule = %+v", cfg.Schedule)
	}
	if cfg.Schedule.Labels != LabelsSequence || cfg.Schedule.LabelPrefix != "Ground_Elevation_" {
		t.Errorf("labels = %q %q", cfg.Schedule.Labels, cfg.Schedule.LabelPrefix)
	}
	// Omitted fields keep defaults.
	if cfg.GroundElevation.MinThreshold != 0.05 || !cfg.GroundElevation.Enable {
		t.Errorf("ground_elevation defaults lost: %+v", cfg.GroundElevation)
	}
	if cfg.ReturnMode() != l2frames.ReturnDual {
		t.Errorf("ReturnMode() = %v, want dual", cfg.ReturnMode())
	}
	// Dual return doubles the buffer: 100k pps * 2 * 0.25s.
	if got := cfg.FrameCapacity(); got != 50_000 {
		t.Errorf("FrameCapacity() = %d, want 50000", got)
	}

	ep := cfg.ElevationParams()
	if ep.BinSize != 0.5 || !ep.UseDistanceCaps || ep.MaxX != 4 || ep.MaxY != 2 {
		t.Errorf("ElevationParams() = %+v", ep)
	}
	dp := cfg.DensityParams()
	if dp.BinSize != (r3.Vector{X: 0.5, Y: 0.5, Z: 0.2}) {
		t.Errorf("DensityParams().BinSize = %v", dp.BinSize)
	}
	if dp.UseDistanceCaps != [3]bool{false, false, true} || dp.MaxDistance.Z != 1.5 {
		t.Errorf("DensityParams() caps = %v %v", dp.UseDistanceCaps, dp.MaxDistance)
	}
}

func TestLoadSessionConfigYAML(t *testing.T) {
	path := writeConfig(t, "session.yaml", `
schedule:
  frames: 2
  time_between_frames: 1m30s
handoff:
  wait_timeout: 45s
  shared_memory: true
output:
  dir: /var/snow
  catalog_db: /var/snow/catalog.db
`)
	cfg, err := LoadSessionConfig(path)
	if err != nil {
		t.Fatalf("LoadSessionConfig: %v", err)
	}
	if cfg.Schedule.TimeBetweenFrames.D() != 90*time.Second {
		t.Errorf("TimeBetweenFrames = %s", cfg.Schedule.TimeBetweenFrames.D())
	}
	if cfg.Handoff.WaitTimeout.D() != 45*time.Second || !cfg.Handoff.SharedMemory || cfg.Handoff.ShmName != "snowpack_frame" {
		t.Errorf("handoff = %+v", cfg.Handoff)
	}
	if cfg.Output.Dir != "/var/snow" || cfg.Output.CatalogDB != "/var/snow/catalog.db" {
		t.Errorf("output = %+v", cfg.Output)
	}
}

func TestExampleConfigLoads(t *testing.T) {
	cfg, err := LoadSessionConfig("../../config/snowscan.example.yaml")
	if err != nil {
		t.Fatalf("example config: %v", err)
	}
	if !cfg.Density3D.Enable || !cfg.GroundElevation.SaveAboveGround {
		t.Errorf("example should enable both reducers and air points")
	}
}

func TestLoadSessionConfigErrors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		body    string
		wantErr string
	}{
		{"wrong extension", "session.toml", "", "extension"},
		{"bad json", "session.json", "{", "failed to parse"},
		{"bad duration", "session.json", `{"schedule": {"frame_duration": "soon"}}`, "invalid duration"},
		{"numeric duration", "session.json", `{"schedule": {"frame_duration": 5}}`, "duration must be a string"},
		{"zero frames", "session.yaml", "schedule:\n  frames: 0\n", "schedule.frames"},
		{"bad labels", "session.yaml", "schedule:\n  labels: gps\n", "schedule.labels"},
		{"bad return mode", "session.yaml", "sensor:\n  return_mode: 3\n", "return_mode"},
		{"no reducers", "session.yaml", "ground_elevation:\n  enable: false\n", "at least one"},
		{"zero bin", "session.yaml", "ground_elevation:\n  bin_size: 0\n", "bin size"},
		{"negative density bin", "session.yaml", "density_3d:\n  enable: true\n  bin_size_y: -1\n", "density_3d"},
		{"shm without name", "session.yaml", "handoff:\n  shared_memory: true\n  shm_name: \"\"\n", "shm_name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.file, tt.body)
			_, err := LoadSessionConfig(path)
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadSessionConfigTooLarge(t *testing.T) {
	path := writeConfig(t, "big.json", `{"output": {"dir": "`+strings.Repeat("a", maxFileSize)+`"}}`)
	if _, err := LoadSessionConfig(path); err == nil || !strings.Contains(err.Error(), "too large") {
		t.Errorf("expected size error, got %v", err)
	}
}

func TestLoadSessionConfigMissing(t *testing.T) {
	if _, err := LoadSessionConfig(filepath.Join(t.TempDir(), "nope.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected not-exist error, got %v", err)
	}
}

func TestWatchReloads(t *testing.T) {
	path := writeConfig(t, "session.yaml", "schedule:\n  frames: 1\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan *SessionConfig, 16)
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, path, func(c *SessionConfig) { got <- c }) }()

	// The watcher may not be registered yet; keep rewriting until it fires.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case cfg := <-got:
			// A reload can observe the truncated file mid-write.
			if cfg.Schedule.Frames != 7 {
				continue
			}
			cancel()
			if err := <-done; err != nil {
				t.Errorf("Watch returned %v", err)
			}
			return
		case <-tick.C:
			if err := os.WriteFile(path, []byte("schedule:\n  frames: 7\n"), 0644); err != nil {
				t.Fatal(err)
			}
		case <-deadline:
			t.Fatal("no reload observed")
		}
	}
}

func TestWatchSkipsInvalidReload(t *testing.T) {
	path := writeConfig(t, "session.json", `{}`)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	called := false
	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = os.WriteFile(path, []byte(`{"schedule": {"frames": -1}}`), 0644)
	}()
	if err := Watch(ctx, path, func(*SessionConfig) { called = true }); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if called {
		t.Error("onChange must not run for an invalid config")
	}
}
