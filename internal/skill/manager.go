package skill

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fossabot/mycroft-core/internal/bus"
	"github.com/fossabot/mycroft-core/internal/intent"
	"github.com/fossabot/mycroft-core/internal/skill/store"
)

// Bus topics the manager consumes and emits.
const (
	TopicSkillLoaded   = bus.Topic("mycroft.skills.loaded")
	TopicSkillUnloaded = bus.Topic("mycroft.skills.unloaded")
	TopicSkillFailed   = bus.Topic("mycroft.skills.failed")
	TopicSkillLoadReq  = bus.Topic("mycroft.skills.load")
	TopicSkillListReq  = bus.Topic("mycroft.skills.list")
	TopicStopAll       = bus.Topic("mycroft.stop")
	TopicSettingsGet   = bus.Topic("skill.settings.get")
)

const managerOwner = "skill-manager"

// Default supervision parameters.
const (
	DefaultRestartBudget  = 3
	DefaultRestartBackoff = 2 * time.Second
)

// entry tracks one skill through its lifecycle.
type entry struct {
	info  *Info
	host  *Host
	state State

	restarts int
	backoff  time.Duration
	lastErr  error
	retry    *time.Timer
}

// Manager supervises the skill fleet: discovery, dependency
// resolution, loading, crash-limited restarts, and teardown.
type Manager struct {
	logger    *zap.Logger
	bus       bus.Bus
	registry  *intent.Registry
	tracker   *intent.Tracker
	store     *store.Store
	loader    *Loader
	installer *Installer

	restartBudget  int
	restartBackoff time.Duration
	handlerTimeout time.Duration

	mu     sync.Mutex
	skills map[string]*entry
	closed bool
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithRestartBudget sets how many automatic restarts a skill gets
// before it is parked in the failed state.
func WithRestartBudget(n int) ManagerOption {
	return func(m *Manager) {
		if n >= 0 {
			m.restartBudget = n
		}
	}
}

// WithRestartBackoff sets the first retry delay. It doubles per retry.
func WithRestartBackoff(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.restartBackoff = d
		}
	}
}

// WithHandlerTimeout bounds each skill handler invocation.
func WithHandlerTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.handlerTimeout = d
		}
	}
}

// NewManager creates a manager over the skills directory.
func NewManager(logger *zap.Logger, b bus.Bus, registry *intent.Registry, tracker *intent.Tracker, st *store.Store, dir string, opts ...ManagerOption) *Manager {
	m := &Manager{
		logger:         logger,
		bus:            b,
		registry:       registry,
		tracker:        tracker,
		store:          st,
		loader:         NewLoader(dir),
		restartBudget:  DefaultRestartBudget,
		restartBackoff: DefaultRestartBackoff,
		skills:         make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.installer = NewInstaller(logger, st, m.loader)
	return m
}

// Start discovers skills, resolves their dependencies, loads them, and
// wires the manager's bus endpoints.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.subscribe(); err != nil {
		return err
	}
	m.LoadAll(ctx)
	return nil
}

func (m *Manager) subscribe() error {
	subs := []struct {
		pattern bus.Topic
		handler bus.Handler
	}{
		{TopicSkillLoadReq, m.onLoadRequest},
		{TopicSkillListReq, m.onListRequest},
		{TopicStopAll, m.onStopAll},
		{TopicSettingsGet, m.onSettingsGet},
		{TopicHandlerFailure, m.onHandlerFault},
	}
	for _, s := range subs {
		if _, err := m.bus.Subscribe(s.pattern, s.handler, bus.WithOwner(managerOwner)); err != nil {
			m.bus.UnsubscribeOwner(managerOwner)
			return fmt.Errorf("subscribe %s: %w", s.pattern, err)
		}
	}
	return nil
}

// LoadAll discovers every skill and loads the ones whose dependencies
// resolve. Skills with missing dependencies are marked failed; the
// rest are unaffected.
func (m *Manager) LoadAll(ctx context.Context) {
	infos, errs := m.loader.Discover()
	for _, err := range errs {
		m.logger.Warn("skill discovery", zap.Error(err))
	}

	ready, failed := m.installer.Resolve(ctx, infos)
	for _, f := range failed {
		m.logger.Error("skill unresolvable", zap.String("skill", f.Info.Name), zap.Error(f.Err))
		m.markFailed(f.Info, f.Err)
	}
	for _, info := range ready {
		if err := m.load(ctx, info); err != nil {
			m.logger.Error("skill load failed", zap.String("skill", info.Name), zap.Error(err))
		}
	}
}

// Load loads one skill by name, discovering it first. A manual load
// resets a failed skill's restart budget.
func (m *Manager) Load(ctx context.Context, name string) error {
	info, err := m.loader.Find(name)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if e, ok := m.skills[name]; ok {
		e.restarts = 0
		e.backoff = 0
		if e.retry != nil {
			e.retry.Stop()
			e.retry = nil
		}
	}
	m.mu.Unlock()

	if _, failed := m.installer.Resolve(ctx, []*Info{info}); len(failed) > 0 {
		m.markFailed(info, failed[0].Err)
		return failed[0].Err
	}
	return m.load(ctx, info)
}

// load creates the skill's host and transitions it to running. An
// existing instance is torn down first, keeping its settings.
func (m *Manager) load(ctx context.Context, info *Info) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrNotLoaded
	}
	e, ok := m.skills[info.Name]
	if !ok {
		e = &entry{info: info}
		m.skills[info.Name] = e
	}
	reloading := e.host != nil
	if reloading {
		e.state = StateReloading
	} else {
		e.state = StateInstalling
	}
	old := e.host
	e.host = nil
	m.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			m.logger.Warn("close previous instance", zap.String("skill", info.Name), zap.Error(err))
		}
	}

	var opts []HostOption
	if m.handlerTimeout > 0 {
		opts = append(opts, WithHostHandlerTimeout(m.handlerTimeout))
	}
	host, err := NewHost(m.logger, m.bus, m.registry, m.tracker, m.store, info.Manifest, opts...)
	if err != nil {
		m.scheduleRetry(info, err)
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		host.Close()
		return ErrNotLoaded
	}
	e.info = info
	e.host = host
	e.state = StateRunning
	e.lastErr = nil
	m.mu.Unlock()

	m.logger.Info("skill running", zap.String("skill", info.Name), zap.Bool("reload", reloading))
	m.publish(TopicSkillLoaded, map[string]any{"skill": info.Name, "reload": reloading})
	return nil
}

// scheduleRetry burns one restart from the budget and arms the backoff
// timer, or parks the skill as failed when the budget is spent.
func (m *Manager) scheduleRetry(info *Info, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.skills[info.Name]
	if !ok || m.closed {
		return
	}
	e.lastErr = cause

	if e.restarts >= m.restartBudget {
		e.state = StateFailed
		m.logger.Error("skill failed, restart budget spent",
			zap.String("skill", info.Name),
			zap.Int("restarts", e.restarts),
			zap.Error(cause))
		m.publish(TopicSkillFailed, map[string]any{
			"skill": info.Name,
			"error": cause.Error(),
		})
		return
	}

	if e.backoff == 0 {
		e.backoff = m.restartBackoff
	} else {
		e.backoff *= 2
	}
	e.restarts++
	e.state = StateInstalling

	delay := e.backoff
	m.logger.Warn("skill restart scheduled",
		zap.String("skill", info.Name),
		zap.Int("attempt", e.restarts),
		zap.Duration("backoff", delay),
		zap.Error(cause))

	e.retry = time.AfterFunc(delay, func() {
		if err := m.load(context.Background(), info); err != nil {
			m.logger.Debug("retry failed", zap.String("skill", info.Name), zap.Error(err))
		}
	})
}

func (m *Manager) markFailed(info *Info, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.skills[info.Name]
	if !ok {
		e = &entry{info: info}
		m.skills[info.Name] = e
	}
	e.state = StateFailed
	e.lastErr = cause
	m.publish(TopicSkillFailed, map[string]any{
		"skill": info.Name,
		"error": cause.Error(),
	})
}

// Unload removes a skill from the runtime. Its settings stay in the
// store.
func (m *Manager) Unload(name string) error {
	m.mu.Lock()
	e, ok := m.skills[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSkillNotFound, name)
	}
	host := e.host
	e.host = nil
	e.state = StateRemoved
	if e.retry != nil {
		e.retry.Stop()
		e.retry = nil
	}
	delete(m.skills, name)
	m.mu.Unlock()

	if host != nil {
		if err := host.Close(); err != nil {
			return err
		}
	}
	m.publish(TopicSkillUnloaded, map[string]any{"skill": name})
	return nil
}

// Reload tears the skill down and loads it fresh. Used by the file
// watcher when a skill's sources change.
func (m *Manager) Reload(ctx context.Context, name string) error {
	info, err := m.loader.Find(name)
	if err != nil {
		return err
	}
	return m.load(ctx, info)
}

// State reports a skill's lifecycle state.
func (m *Manager) State(name string) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.skills[name]
	if !ok {
		return StateDiscovered, fmt.Errorf("%w: %s", ErrSkillNotFound, name)
	}
	return e.state, nil
}

// States returns the lifecycle state of every known skill.
func (m *Manager) States() map[string]State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]State, len(m.skills))
	for name, e := range m.skills {
		out[name] = e.state
	}
	return out
}

// Stop unloads every skill and removes the manager's bus endpoints.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	hosts := make([]*Host, 0, len(m.skills))
	for _, e := range m.skills {
		if e.retry != nil {
			e.retry.Stop()
		}
		if e.host != nil {
			hosts = append(hosts, e.host)
			e.host = nil
		}
		e.state = StateRemoved
	}
	m.mu.Unlock()

	var firstErr error
	for _, h := range hosts {
		if err := h.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := h.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.bus.UnsubscribeOwner(managerOwner)
	return firstErr
}

// --- bus endpoints

// onLoadRequest handles mycroft.skills.load: {"skill": name}. Manual
// loads reset the restart budget, reviving failed skills.
func (m *Manager) onLoadRequest(ctx context.Context, msg *bus.Message) error {
	name, _ := msg.Data["skill"].(string)
	if name == "" {
		m.LoadAll(ctx)
		return nil
	}
	if err := m.Load(ctx, name); err != nil {
		m.logger.Error("requested load failed", zap.String("skill", name), zap.Error(err))
		return err
	}
	return nil
}

// onListRequest answers mycroft.skills.list with each skill's state.
func (m *Manager) onListRequest(ctx context.Context, msg *bus.Message) error {
	states := m.States()
	names := make([]string, 0, len(states))
	for name := range states {
		names = append(names, name)
	}
	sort.Strings(names)

	skills := make([]any, 0, len(names))
	for _, name := range names {
		skills = append(skills, map[string]any{
			"skill": name,
			"state": states[name].String(),
		})
	}
	return m.bus.Publish(msg.Response(map[string]any{"skills": skills}))
}

// onHandlerFault contains a skill crash. The faulting skill is torn
// down immediately so it stops receiving dispatch, then restarted on
// the backoff schedule until the budget runs out. Other skills keep
// dispatching throughout.
func (m *Manager) onHandlerFault(ctx context.Context, msg *bus.Message) error {
	name, _ := msg.Data["skill"].(string)
	if name == "" {
		return nil
	}
	reason, _ := msg.Data["error"].(string)

	m.mu.Lock()
	e, ok := m.skills[name]
	if !ok || m.closed || e.state != StateRunning {
		m.mu.Unlock()
		return nil
	}
	host := e.host
	e.host = nil
	e.state = StateReloading
	info := e.info
	m.mu.Unlock()

	m.logger.Error("skill handler fault", zap.String("skill", name), zap.String("error", reason))
	if host != nil {
		if err := host.Close(); err != nil {
			m.logger.Warn("teardown after fault", zap.String("skill", name), zap.Error(err))
		}
	}
	m.scheduleRetry(info, fmt.Errorf("handler fault: %s", reason))
	return nil
}

// onStopAll relays the global stop to every running skill's stop hook.
func (m *Manager) onStopAll(ctx context.Context, msg *bus.Message) error {
	m.mu.Lock()
	hosts := make([]*Host, 0, len(m.skills))
	for _, e := range m.skills {
		if e.host != nil {
			hosts = append(hosts, e.host)
		}
	}
	m.mu.Unlock()

	for _, h := range hosts {
		if err := h.Stop(ctx); err != nil {
			m.logger.Warn("stop hook failed", zap.String("skill", h.Name()), zap.Error(err))
		}
	}
	return nil
}

// onSettingsGet answers skill.settings.get requests:
// {"skill": name} -> {"skill": name, "settings": {...}}.
func (m *Manager) onSettingsGet(ctx context.Context, msg *bus.Message) error {
	name, _ := msg.Data["skill"].(string)
	if name == "" {
		return m.bus.Publish(msg.Response(map[string]any{
			"error": "skill is required",
		}))
	}

	settings, err := m.store.Settings(ctx, name)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return m.bus.Publish(msg.Response(map[string]any{
			"skill": name,
			"error": err.Error(),
		}))
	}
	if settings == nil {
		settings = map[string]any{}
	}
	return m.bus.Publish(msg.Response(map[string]any{
		"skill":    name,
		"settings": settings,
	}))
}

func (m *Manager) publish(topic bus.Topic, data map[string]any) {
	if err := m.bus.Publish(bus.New(topic, data)); err != nil {
		m.logger.Debug("publish", zap.String("topic", string(topic)), zap.Error(err))
	}
}
