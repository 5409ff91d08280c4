package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce coalesces the bursts of write events most editors
// produce when saving a file.
const DefaultDebounce = 500 * time.Millisecond

// Watcher watches one configuration file and invokes a callback after
// it changes. Events are debounced; editors that replace the file via
// rename are handled by watching the containing directory.
type Watcher struct {
	logger   *zap.Logger
	path     string
	debounce time.Duration
	onChange func()
	fw       *fsnotify.Watcher
}

// NewWatcher creates a watcher for path. onChange runs on the watcher
// goroutine after each debounced change.
func NewWatcher(logger *zap.Logger, path string, onChange func()) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		fw.Close()
		return nil, err
	}

	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, err
	}

	return &Watcher{
		logger:   logger,
		path:     abs,
		debounce: DefaultDebounce,
		onChange: onChange,
		fw:       fw,
	}, nil
}

// Run processes events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	defer w.fw.Close()

	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(w.debounce)
			fire = timer.C

		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watch error", zap.Error(err))

		case <-fire:
			timer = nil
			fire = nil
			w.logger.Info("configuration file changed", zap.String("path", w.path))
			w.onChange()
		}
	}
}
