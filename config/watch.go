package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/bep/debounce"
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// DefaultWatchDelay coalesces the burst of events editors produce on save
const DefaultWatchDelay = 250 * time.Millisecond

// Watch calls load whenever the settings file at path changes and passes the
// result to onChange. A nil load reads path with Load. Files that fail to
// load or validate are logged and skipped. onChange runs on a background
// goroutine. Watching stops when ctx is done.
func Watch(ctx context.Context, path string, delay time.Duration, load func() (Settings, error), logger *zap.SugaredLogger, onChange func(Settings)) error {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if delay <= 0 {
		delay = DefaultWatchDelay
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return errors.Wrapf(err, "resolving %s", path)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "creating settings watcher")
	}
	// Watch the directory, editors often replace the file instead of
	// writing it in place.
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return errors.Wrapf(err, "watching %s", filepath.Dir(abs))
	}

	if load == nil {
		load = func() (Settings, error) { return Load(abs) }
	}

	debounced := debounce.New(delay)
	reload := func() {
		s, err := load()
		if err != nil {
			logger.Warnw("settings reload failed, keeping previous settings", "path", abs, "error", err)
			return
		}
		logger.Infow("settings reloaded", "path", abs)
		onChange(s)
	}

	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					debounced(reload)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Warnw("settings watcher error", "error", err)
			}
		}
	}()
	return nil
}
