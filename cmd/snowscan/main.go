// Command snowscan records a LiDAR snow survey: it captures frames from the
// sensor, reduces each one to a ground elevation grid and/or a 3D density
// histogram, and writes the results as .npy files.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/banshee-data/snowpack.report/internal/config"
	"github.com/banshee-data/snowpack.report/internal/db"
	"github.com/banshee-data/snowpack.report/internal/fsutil"
	"github.com/banshee-data/snowpack.report/internal/lidar/export"
	"github.com/banshee-data/snowpack.report/internal/lidar/l1capture"
	"github.com/banshee-data/snowpack.report/internal/lidar/l2frames"
	"github.com/banshee-data/snowpack.report/internal/lidar/l3grid"
	"github.com/banshee-data/snowpack.report/internal/lidar/pipeline"
	"github.com/banshee-data/snowpack.report/internal/lidar/storage/sqlite"
	"github.com/banshee-data/snowpack.report/internal/monitoring"
	"github.com/banshee-data/snowpack.report/internal/version"
)

var (
	configFile  = flag.String("config", "", "Session config file (.json, .yaml or .yml); defaults are used when empty")
	outDir      = flag.String("out", "", "Artifact output directory (overrides output.dir)")
	dbFile      = flag.String("db", "", "SQLite frame catalog path (overrides output.catalog_db)")
	frames      = flag.Int("frames", 0, "Number of frames to capture (overrides schedule.frames)")
	calibrate   = flag.Bool("calibrate", false, "Run a ground calibration and write ground_truth.npy")
	groundTruth = flag.String("ground-truth", "", "Per-cell ground truth .npy (overrides ground_elevation.ground_truth_path)")
	shmName     = flag.String("shm", "", "Back the frame buffer with /dev/shm/<name> instead of the heap")
	watch       = flag.Bool("watch", false, "Reload reducer parameters when the config file changes")
	debugLog    = flag.String("debug-log", "", "Write diag and trace logs to this file")
	showVersion = flag.Bool("version", false, "Print the version and exit")
)

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println(version.String())
		return
	}
	if err := run(); err != nil {
		log.Printf("snowscan: %v", err)
		os.Exit(1)
	}
}

func run() error {
	closeLogs, err := setupLogging(*debugLog)
	if err != nil {
		return err
	}
	defer closeLogs()
	monitoring.Logf("%s", version.String())

	cfg := config.DefaultSessionConfig()
	if *configFile != "" {
		if cfg, err = config.LoadSessionConfig(*configFile); err != nil {
			return err
		}
	}
	applyOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	fsys := fsutil.OSFileSystem{}
	params, err := sessionParams(cfg, fsys, *calibrate)
	if err != nil {
		return err
	}
	sink, err := export.NewDirSink(fsys, cfg.Output.Dir)
	if err != nil {
		return err
	}

	var catalog pipeline.SessionCatalog
	if cfg.Output.CatalogDB != "" {
		database, err := db.Open(cfg.Output.CatalogDB)
		if err != nil {
			return fmt.Errorf("failed to open catalog: %w", err)
		}
		defer database.Close()
		catalog = sqlite.NewCatalogStore(database.DB)
	}

	rawConfig, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()

	sensor := l1capture.NewSimulatedSensor(l1capture.SimulatedSensorConfig{
		PointsPerSecond: cfg.Sensor.PointsPerSecond,
		ReturnMode:      cfg.ReturnMode(),
		Seed:            uint64(cfg.Sensor.Seed),
	})

	deps := pipeline.SessionDeps{
		Config:  sessionConfig(cfg, params, *calibrate, string(rawConfig)),
		Sensor:  sensor,
		Sink:    sink,
		Catalog: catalog,
		Labels:  labelSource(cfg, *calibrate),
	}
	if *watch && *configFile != "" {
		deps.OnProcessor = func(p *pipeline.Processor) {
			go watchParams(watchCtx, *configFile, p, *calibrate)
		}
	}

	sum, err := pipeline.RunSession(ctx, deps)
	if err != nil {
		return err
	}
	log.Printf("session complete: %d frames (%d degenerate, %d failed), %d artifacts in %s, elapsed %s",
		sum.FramesProcessed, sum.DegenerateFrames, sum.FailedFrames, sum.Artifacts, cfg.Output.Dir, sum.Elapsed)
	if sum.GroundTruthPath != "" {
		log.Printf("ground truth written to %s", sum.GroundTruthPath)
	}
	return nil
}

// setupLogging sends ops logs to stderr and diag/trace logs to path when set.
func setupLogging(path string) (func(), error) {
	var debug io.Writer
	closer := func() {}
	if path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open debug log: %w", err)
		}
		debug = f
		closer = func() { f.Close() }
	}
	pipeline.SetLogWriters(os.Stderr, debug, debug)
	l1capture.SetLogWriters(os.Stderr, debug, debug)
	l2frames.SetDebugLogger(debug)
	monitoring.SetOutput(os.Stderr, "")
	return closer, nil
}

func applyOverrides(cfg *config.SessionConfig) {
	if *outDir != "" {
		cfg.Output.Dir = *outDir
	}
	if *dbFile != "" {
		cfg.Output.CatalogDB = *dbFile
	}
	if *frames > 0 {
		cfg.Schedule.Frames = *frames
	}
	if *groundTruth != "" {
		cfg.GroundElevation.GroundTruthPath = *groundTruth
	}
	if *shmName != "" {
		cfg.Handoff.SharedMemory = true
		cfg.Handoff.ShmName = *shmName
	}
	if *calibrate {
		cfg.GroundElevation.Enable = true
	}
}

// sessionParams builds the reducer parameters, loading the per-cell ground
// truth when one is configured. Calibration always measures against zero.
func sessionParams(cfg *config.SessionConfig, fsys fsutil.FileSystem, calibrating bool) (pipeline.Params, error) {
	p := pipeline.Params{
		ElevationEnabled: cfg.GroundElevation.Enable,
		Elevation:        cfg.ElevationParams(),
		DensityEnabled:   cfg.Density3D.Enable,
		Density:          cfg.DensityParams(),
	}
	if calibrating || !p.ElevationEnabled {
		return p, nil
	}
	if path := cfg.GroundElevation.GroundTruthPath; path != "" {
		m, err := export.ReadGroundTruth(fsys, path)
		if err != nil {
			return p, err
		}
		p.Reference = l3grid.GridReference(m)
		return p, nil
	}
	p.Reference = l3grid.ScalarReference(cfg.GroundElevation.GroundTruthScalar)
	return p, nil
}

func sessionConfig(cfg *config.SessionConfig, params pipeline.Params, calibrating bool, raw string) pipeline.SessionConfig {
	return pipeline.SessionConfig{
		Frames:       cfg.Schedule.Frames,
		Capacity:     cfg.FrameCapacity(),
		SharedMemory: cfg.Handoff.SharedMemory,
		ShmName:      cfg.Handoff.ShmName,
		Handoff:      l2frames.HandoffConfig{WaitTimeout: cfg.Handoff.WaitTimeout.D()},
		Capture: l1capture.CoordinatorConfig{
			FrameDuration:     cfg.Schedule.FrameDuration.D(),
			TimeBetweenFrames: cfg.Schedule.TimeBetweenFrames.D(),
			CaptureGrace:      cfg.Sensor.CaptureGrace.D(),
		},
		Params:     params,
		Calibrate:  calibrating,
		ConfigJSON: raw,
	}
}

// labelSource returns nil for the session default: timestamps, or the
// calibration sequence when calibrating.
func labelSource(cfg *config.SessionConfig, calibrating bool) l1capture.LabelSource {
	if calibrating || cfg.Schedule.Labels != config.LabelsSequence {
		return nil
	}
	return l1capture.NewSequenceLabels(cfg.Schedule.LabelPrefix)
}

// watchParams applies reducer changes from the config file to p. The
// reference loaded at startup stays in place; a changed ground truth path
// takes effect on the next session.
func watchParams(ctx context.Context, path string, p *pipeline.Processor, calibrating bool) {
	err := config.Watch(ctx, path, func(c *config.SessionConfig) {
		next := pipeline.Params{
			ElevationEnabled: c.GroundElevation.Enable || calibrating,
			Elevation:        c.ElevationParams(),
			Reference:        p.Params().Reference,
			DensityEnabled:   c.Density3D.Enable,
			Density:          c.DensityParams(),
		}
		if err := p.UpdateParams(next); err != nil {
			monitoring.Logf("[snowscan] ignoring config change: %v", err)
			return
		}
		monitoring.Logf("[snowscan] reducer parameters reloaded from %s", path)
	})
	if err != nil {
		monitoring.Logf("[snowscan] config watch stopped: %v", err)
	}
}
