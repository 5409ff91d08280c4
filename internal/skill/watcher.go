package skill

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultReloadDebounce coalesces the event bursts a skill update
// produces (editors, git checkouts) into one reload.
const DefaultReloadDebounce = 500 * time.Millisecond

// Watcher watches the skills directory tree and reports which skill
// changed, debounced per skill. fsnotify does not recurse, so every
// skill subdirectory is watched individually and new ones picked up as
// they appear.
type Watcher struct {
	logger   *zap.Logger
	root     string
	debounce time.Duration
	onChange func(skill string)
	fw       *fsnotify.Watcher
}

// NewWatcher creates a watcher over the skills directory. onChange
// runs on the watcher goroutine with the changed skill's name.
func NewWatcher(logger *zap.Logger, dir string, onChange func(skill string)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		fw.Close()
		return nil, err
	}
	if err := fw.Add(abs); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{
		logger:   logger,
		root:     abs,
		debounce: DefaultReloadDebounce,
		onChange: onChange,
		fw:       fw,
	}
	w.addSkillDirs()
	return w, nil
}

// WithReloadDebounce overrides the per-skill debounce window.
func (w *Watcher) WithReloadDebounce(d time.Duration) *Watcher {
	if d > 0 {
		w.debounce = d
	}
	return w
}

func (w *Watcher) addSkillDirs() {
	entries, err := os.ReadDir(w.root)
	if err != nil {
		w.logger.Warn("read skills directory", zap.Error(err))
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(w.root, e.Name())
		if err := w.fw.Add(dir); err != nil {
			w.logger.Warn("watch skill directory", zap.String("dir", dir), zap.Error(err))
		}
	}
}

// skillFor maps an event path to the skill directory it belongs to.
func (w *Watcher) skillFor(path string) (string, bool) {
	rel, err := filepath.Rel(w.root, filepath.Clean(path))
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	parts := strings.Split(rel, string(filepath.Separator))
	return parts[0], true
}

// Run processes events until ctx is cancelled. Each skill gets its own
// debounce timer so one noisy skill cannot mask changes to another.
func (w *Watcher) Run(ctx context.Context) {
	defer w.fw.Close()

	timers := make(map[string]*time.Timer)
	fired := make(chan string)

	defer func() {
		for _, t := range timers {
			t.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			skill, ok := w.skillFor(ev.Name)
			if !ok {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Remove) {
				continue
			}

			// A new skill directory needs its own watch.
			if ev.Has(fsnotify.Create) && filepath.Dir(filepath.Clean(ev.Name)) == w.root {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := w.fw.Add(ev.Name); err != nil {
						w.logger.Warn("watch new skill directory", zap.Error(err))
					}
				}
			}

			if t, ok := timers[skill]; ok {
				t.Stop()
			}
			name := skill
			timers[skill] = time.AfterFunc(w.debounce, func() {
				select {
				case fired <- name:
				case <-ctx.Done():
				}
			})

		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("skill watch error", zap.Error(err))

		case skill := <-fired:
			delete(timers, skill)
			w.logger.Info("skill sources changed", zap.String("skill", skill))
			w.onChange(skill)
		}
	}
}
