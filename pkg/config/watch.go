package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watch reloads the file at path whenever it changes and hands each valid
// result to onChange. Invalid files are logged and skipped. Watch blocks
// until ctx is cancelled.
func Watch(ctx context.Context, path string, logger logrus.FieldLogger, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory so editors that replace the file by rename are seen
	target := filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}

	logger = logger.WithField("config_file", target)
	logger.Info("Watching configuration file")

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
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			cfg, err := LoadFile(target)
			if err != nil {
				logger.WithError(err).Warn("Ignoring invalid configuration change")
				continue
			}
			logger.Info("Configuration reloaded")
			onChange(cfg)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.WithError(err).Warn("Watcher error")
		}
	}
}
