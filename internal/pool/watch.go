package pool

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 200 * time.Millisecond

// Watch reloads the manager when the config file is edited externally.
// Blocks until ctx is cancelled. The config's directory is watched rather
// than the file itself so atomic renames are seen.
func (m *Manager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(m.configPath)
	if err := watcher.Add(dir); err != nil {
		return err
	}
	target := filepath.Clean(m.configPath)

	var timer *time.Timer
	reload := make(chan struct{}, 1)
	schedule := func() {
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(watchDebounce, func() {
			select {
			case reload <- struct{}{}:
			default:
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				schedule()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			if m.logger != nil {
				m.logger.Warn(ctx, "config watch error", "error", err)
			}
		case <-reload:
			if err := m.Reload(); err != nil {
				if m.logger != nil {
					m.logger.Warn(ctx, "config reload failed", "error", err)
				}
				continue
			}
			if m.logger != nil {
				m.logger.Info(ctx, "pool config reloaded", "path", m.configPath)
			}
		}
	}
}
