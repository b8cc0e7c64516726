package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/banshee-data/snowpack.report/internal/monitoring"
)

// Watch reloads the session config at path whenever it is written or
// replaced and passes the result to onChange. A reload that fails to load or
// validate is logged and skipped; the caller keeps its previous config.
// Watch blocks until ctx is cancelled.
//
// The parent directory is watched rather than the file itself so that
// editors which save by rename keep triggering reloads.
func Watch(ctx context.Context, path string, onChange func(*SessionConfig)) error {
	path = filepath.Clean(path)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}
	monitoring.Logf("[config] watching %s for changes", path)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			cfg, err := LoadSessionConfig(path)
			if err != nil {
				monitoring.Logf("[config] reload of %s failed, keeping previous config: %v", path, err)
				continue
			}
			monitoring.Logf("[config] reloaded %s", path)
			onChange(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			monitoring.Logf("[config] watcher error: %v", err)
		}
	}
}
