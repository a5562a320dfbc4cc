package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounce absorbs the burst of fsnotify events editors emit per save.
const debounce = 250 * time.Millisecond

// Watch reloads reload-safe sections of c whenever the file at path
// changes, until ctx is cancelled. The parent directory is watched
// rather than the file, so atomic-rename saves keep working.
func Watch(ctx context.Context, path string, c *Config) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return err
	}

	log := slog.With("component", "config_watch")
	go func() {
		defer watcher.Close()
		var timer *time.Timer
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(debounce, func() {
					fresh, err := Load(path)
					if err != nil {
						log.Warn("config reload failed, keeping previous settings", "error", err)
						return
					}
					c.Overwrite(fresh)
					log.Info("config reloaded", "path", path)
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn("config watcher error", "error", err)
			}
		}
	}()
	return nil
}
