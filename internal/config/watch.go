package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the client config at path whenever it changes and passes the
// result to onChange. Bursts of events within debounce are coalesced. The
// parent directory is watched so editors that replace the file by rename
// are picked up. Watch returns once the watcher is running; it stops when
// ctx is cancelled.
func Watch(ctx context.Context, path string, debounce time.Duration, onChange func(ClientConfig), logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "config", "path", path)

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		fsw.Close()
		return err
	}

	reload := make(chan struct{}, 1)
	go func() {
		defer fsw.Close()
		var timer *time.Timer
		defer func() {
			if timer != nil {
				timer.Stop()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				logger.Warn("watcher error", "error", err)
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(debounce, func() {
					select {
					case reload <- struct{}{}:
					default:
					}
				})
			case <-reload:
				cfg := DefaultClient()
				if err := LoadFile(abs, &cfg); err != nil {
					logger.Warn("ignoring config change", "error", err)
					continue
				}
				logger.Info("config reloaded")
				onChange(cfg)
			}
		}
	}()
	return nil
}
