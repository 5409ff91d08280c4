package skill

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"go.uber.org/zap"

	"github.com/fossabot/mycroft-core/internal/skill/store"
)

// Unresolved is a skill that cannot load this round and why.
type Unresolved struct {
	Info *Info
	Err  error
}

// Installer resolves skill dependencies and records install state.
type Installer struct {
	logger *zap.Logger
	store  *store.Store
	loader *Loader
	cron   *gronx.Gronx
}

// NewInstaller creates an installer backed by the skill store.
func NewInstaller(logger *zap.Logger, st *store.Store, loader *Loader) *Installer {
	return &Installer{
		logger: logger,
		store:  st,
		loader: loader,
		cron:   gronx.New(),
	}
}

// Resolve splits infos into loadable skills and skills with missing
// dependencies. A dependency counts as present when it is in this
// round's resolvable set or already installed. Failures cascade: a
// skill depending on an unresolvable skill is itself unresolvable.
func (i *Installer) Resolve(ctx context.Context, infos []*Info) ([]*Info, []Unresolved) {
	present := make(map[string]bool, len(infos))
	for _, info := range infos {
		present[info.Name] = true
	}
	if installs, err := i.store.Installs(ctx); err == nil {
		for _, rec := range installs {
			if rec.State == store.InstallStateInstalled {
				present[rec.Skill] = true
			}
		}
	} else {
		i.logger.Warn("read install records", zap.Error(err))
	}

	failed := make(map[string]error)
	for changed := true; changed; {
		changed = false
		for _, info := range infos {
			if failed[info.Name] != nil {
				continue
			}
			for _, dep := range info.Manifest.Dependencies {
				if !present[dep] || failed[dep] != nil {
					failed[info.Name] = fmt.Errorf("%w: %s needs %s", ErrMissingDependency, info.Name, dep)
					present[info.Name] = false
					changed = true
					break
				}
			}
		}
	}

	var ready []*Info
	var unresolved []Unresolved
	for _, info := range infos {
		if err := failed[info.Name]; err != nil {
			unresolved = append(unresolved, Unresolved{Info: info, Err: err})
			i.record(ctx, info, store.InstallStateFailed, err)
			continue
		}
		ready = append(ready, info)
		i.record(ctx, info, store.InstallStateInstalled, nil)
	}
	return ready, unresolved
}

func (i *Installer) record(ctx context.Context, info *Info, state store.InstallState, cause error) {
	rec := store.InstallRecord{
		Skill:   info.Name,
		Version: info.Manifest.Version,
		State:   state,
	}
	if cause != nil {
		rec.Error = cause.Error()
	}
	if err := i.store.RecordInstall(ctx, rec); err != nil {
		i.logger.Warn("record install", zap.String("skill", info.Name), zap.Error(err))
	}
}

// UpdateDue reports whether the cron update schedule fires now.
func (i *Installer) UpdateDue(schedule string) (bool, error) {
	return i.cron.IsDue(schedule, time.Now())
}

// ValidSchedule reports whether schedule is a parseable cron
// expression.
func (i *Installer) ValidSchedule(schedule string) bool {
	return i.cron.IsValid(schedule)
}

// RunUpdates re-discovers and reloads the fleet whenever the cron
// schedule fires, checked once a minute. An empty schedule disables
// updates.
func (m *Manager) RunUpdates(ctx context.Context, schedule string) error {
	if schedule == "" {
		return nil
	}
	if !m.installer.ValidSchedule(schedule) {
		return fmt.Errorf("invalid update schedule %q", schedule)
	}

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			due, err := m.installer.UpdateDue(schedule)
			if err != nil {
				m.logger.Warn("update schedule", zap.Error(err))
				continue
			}
			if due {
				m.logger.Info("scheduled skill update")
				m.LoadAll(ctx)
			}
		}
	}
}
