package metadata

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Reload replaces the catalog content with the points of a YAML file.
func (c *Catalog) Reload(path string) error {
	points, err := LoadFile(path)
	if err != nil {
		return err
	}
	return c.Replace(points)
}

// Watch reloads the catalog whenever the file at path changes, until ctx
// is done. A file that fails to load keeps the previous catalog.
func (c *Catalog) Watch(ctx context.Context, path string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "catalog", "path", path)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create catalog watcher: %w", err)
	}
	defer watcher.Close()

	// Editors replace files, so the directory is watched.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch catalog: %w", err)
	}

	target := filepath.Clean(path)
	var debounce <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				debounce = time.After(100 * time.Millisecond)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("Catalog watcher error", "error", err)
		case <-debounce:
			debounce = nil
			if err := c.Reload(path); err != nil {
				logger.Error("Catalog reload failed", "error", err)
				continue
			}
			logger.Info("Catalog reloaded", "points", c.Len(), "generation", c.Generation())
		}
	}
}
