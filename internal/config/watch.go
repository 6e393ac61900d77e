package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// DefaultReloadDebounce coalesces bursts of writes to the config file
const DefaultReloadDebounce = 500 * time.Millisecond

// Watch reloads path whenever it changes and hands the validated result to
// onChange. The parent directory is watched so editors that replace the
// file by rename are still seen. Invalid files are logged and ignored.
// Watch blocks until ctx is cancelled.
func Watch(ctx context.Context, path string, debounce time.Duration, onChange func(*Config)) error {
	if debounce <= 0 {
		debounce = DefaultReloadDebounce
	}
	logger := log.With().Str("component", "config").Str("file", path).Logger()

	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve config path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(absPath), err)
	}
	logger.Info().Msg("Watching configuration for changes")

	reload := make(chan struct{}, 1)
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != absPath {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.AfterFunc(debounce, func() {
					select {
					case reload <- struct{}{}:
					default:
					}
				})
			} else {
				timer.Reset(debounce)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(err).Msg("Config watcher error")

		case <-reload:
			if _, err := os.Stat(absPath); err != nil {
				logger.Warn().Err(err).Msg("Configuration file unavailable, keeping current settings")
				continue
			}
			cfg, err := LoadConfigFromFile(absPath)
			if err == nil {
				applyEnvOverrides(cfg)
				err = cfg.Validate()
			}
			if err != nil {
				logger.Error().Err(err).Msg("Ignoring invalid configuration change")
				continue
			}
			logger.Info().Msg("Configuration reloaded")
			onChange(cfg)
		}
	}
}
