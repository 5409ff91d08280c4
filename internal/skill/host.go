package skill

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/fossabot/mycroft-core/internal/bus"
	"github.com/fossabot/mycroft-core/internal/intent"
	slua "github.com/fossabot/mycroft-core/internal/skill/lua"
	"github.com/fossabot/mycroft-core/internal/skill/store"
)

// Bus topics the host emits on behalf of skills.
const (
	TopicSpeak          = bus.Topic("speak")
	TopicHandlerStart   = bus.Topic("mycroft.skill.handler.start")
	TopicHandlerDone    = bus.Topic("mycroft.skill.handler.complete")
	TopicHandlerFailure = bus.Topic("mycroft.skill.handler.error")
)

// errorDialog is spoken when a skill handler fails.
const errorDialog = "An error occurred while processing a request in %s"

// Host runs one loaded skill: its Lua state, its intent registrations,
// its bus subscriptions and its scheduled events. Closing the host
// tears all of that down atomically.
type Host struct {
	logger   *zap.Logger
	bus      bus.Bus
	registry *intent.Registry
	tracker  *intent.Tracker
	store    *store.Store
	manifest *Manifest

	state  *slua.State
	bridge *slua.Bridge

	timersMu sync.Mutex
	timers   []*time.Timer
	closed   bool
}

// HostOption configures a Host.
type HostOption func(*hostConfig)

type hostConfig struct {
	handlerTimeout time.Duration
}

// WithHostHandlerTimeout bounds each Lua handler invocation.
func WithHostHandlerTimeout(d time.Duration) HostOption {
	return func(c *hostConfig) {
		if d > 0 {
			c.handlerTimeout = d
		}
	}
}

// NewHost loads the skill's entry script and registers everything it
// declares. On error the partially constructed host is torn down.
func NewHost(logger *zap.Logger, b bus.Bus, registry *intent.Registry, tracker *intent.Tracker, st *store.Store, manifest *Manifest, opts ...HostOption) (*Host, error) {
	if manifest == nil {
		return nil, ErrNilManifest
	}

	cfg := hostConfig{handlerTimeout: slua.DefaultHandlerTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}

	state, err := slua.NewState(manifest.Dir(), slua.WithHandlerTimeout(cfg.handlerTimeout))
	if err != nil {
		return nil, fmt.Errorf("create state for %s: %w", manifest.Name, err)
	}

	h := &Host{
		logger:   logger.With(zap.String("skill", manifest.Name)),
		bus:      b,
		registry: registry,
		tracker:  tracker,
		store:    st,
		manifest: manifest,
		state:    state,
		bridge:   slua.NewBridge(state.L),
	}

	for _, cap := range manifest.Capabilities {
		state.Sandbox().Grant(cap)
	}
	h.installAPI()

	if err := state.DoFile(manifest.EntryPath()); err != nil {
		h.Close()
		return nil, fmt.Errorf("load %s: %w", manifest.Name, err)
	}
	if state.Has("initialize") {
		if _, err := state.Call("initialize"); err != nil {
			h.Close()
			return nil, fmt.Errorf("initialize %s: %w", manifest.Name, err)
		}
	}

	return h, nil
}

// Name returns the skill's id.
func (h *Host) Name() string { return h.manifest.Name }

// Manifest returns the skill's manifest.
func (h *Host) Manifest() *Manifest { return h.manifest }

// owner is the bus subscription owner tag for this skill.
func (h *Host) owner() string { return "skill:" + h.manifest.Name }

// Stop invokes the skill's stop hook, if it defined one. Emitted when
// the user says "stop" or the runtime shuts the skill down.
func (h *Host) Stop(ctx context.Context) error {
	if !h.state.Has("stop") {
		return nil
	}
	_, err := h.state.Call("stop")
	return err
}

// Close tears the skill down: cancels scheduled events, removes its
// bus subscriptions and intent registrations, releases the
// conversation if it held it, and closes the Lua state. Settings are
// left in the store so they survive a reload.
func (h *Host) Close() error {
	h.timersMu.Lock()
	if h.closed {
		h.timersMu.Unlock()
		return nil
	}
	h.closed = true
	timers := h.timers
	h.timers = nil
	h.timersMu.Unlock()

	for _, t := range timers {
		t.Stop()
	}
	h.bus.UnsubscribeOwner(h.owner())
	h.registry.RemoveSkill(h.manifest.Name)
	h.tracker.ClearIfOwner(h.manifest.Name)
	return h.state.Close()
}

// installAPI exposes the mycroft module to the skill script.
func (h *Host) installAPI() {
	h.state.RegisterModule("mycroft", map[string]lua.LGFunction{
		"speak":                  h.luaSpeak,
		"speak_dialog":           h.luaSpeakDialog,
		"register_intent":        h.luaRegisterIntent,
		"register_phrase_intent": h.luaRegisterPhraseIntent,
		"register_fallback":      h.luaRegisterFallback,
		"converse":               h.luaConverse,
		"get_setting":            h.luaGetSetting,
		"set_setting":            h.luaSetSetting,
		"make_active":            h.luaMakeActive,
		"add_event":              h.luaAddEvent,
		"schedule_event":         h.luaScheduleEvent,
		"enable_intent":          h.luaEnableIntent,
		"disable_intent":         h.luaDisableIntent,
		"log":                    h.luaLog,
	})
}

// Speak publishes a speak message attributed to this skill.
func (h *Host) Speak(text string) error {
	msg := bus.New(TopicSpeak, map[string]any{
		"utterance": text,
		"skill":     h.manifest.Name,
	})
	return h.bus.Publish(msg)
}

// SpeakDialog picks a random line from dialog/<name>.dialog, fills
// {placeholders} from data, and speaks it.
func (h *Host) SpeakDialog(name string, data map[string]string) error {
	path := filepath.Join(h.manifest.Dir(), "dialog", name+".dialog")
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("dialog %s: %w", name, err)
	}

	var lines []string
	for _, line := range strings.Split(string(raw), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		return fmt.Errorf("dialog %s: empty file", name)
	}

	line := lines[rand.Intn(len(lines))]
	for key, val := range data {
		line = strings.ReplaceAll(line, "{"+key+"}", val)
	}
	return h.Speak(line)
}

// invokeHandler runs a Lua intent handler, wrapped in start/complete
// telemetry. A failing handler speaks a generic error line so the user
// is not left in silence.
func (h *Host) invokeHandler(ctx context.Context, name string, fn *lua.LFunction, data map[string]any) error {
	h.publishTelemetry(ctx, TopicHandlerStart, name, nil)

	_, err := h.state.CallValueGo(fn, data)
	if err != nil {
		if errors.Is(err, slua.ErrStateClosed) {
			return err
		}
		h.logger.Error("handler failed", zap.String("handler", name), zap.Error(err))
		h.publishTelemetry(ctx, TopicHandlerFailure, name, err)
		if serr := h.Speak(fmt.Sprintf(errorDialog, h.manifest.Name)); serr != nil {
			h.logger.Warn("speak error line", zap.Error(serr))
		}
		return err
	}

	h.publishTelemetry(ctx, TopicHandlerDone, name, nil)
	return nil
}

// publishTelemetry emits a handler lifecycle message. The triggering
// message's ident travels down through ctx, so a turn's start, complete
// and error events share its correlation chain.
func (h *Host) publishTelemetry(ctx context.Context, topic bus.Topic, handler string, cause error) {
	data := map[string]any{
		"skill":   h.manifest.Name,
		"handler": handler,
	}
	if cause != nil {
		data["error"] = cause.Error()
	}
	msg := bus.New(topic, data)
	if ident := bus.IdentFromContext(ctx); ident != "" {
		msg.Context[bus.CtxIdent] = ident
	}
	if err := h.bus.Publish(msg); err != nil {
		h.logger.Debug("publish telemetry", zap.Error(err))
	}
}

// intentHandler adapts a Lua function into an intent handler.
func (h *Host) intentHandler(name string, fn *lua.LFunction) intent.Handler {
	return func(ctx context.Context, data map[string]any) error {
		return h.invokeHandler(ctx, name, fn, data)
	}
}

// --- Lua-facing functions. These run on the script's goroutine while
// the state mutex is held, so they must not call locking State methods.

func (h *Host) luaSpeak(L *lua.LState) int {
	text := L.CheckString(1)
	if err := h.Speak(text); err != nil {
		L.RaiseError("speak: %s", err)
	}
	return 0
}

func (h *Host) luaSpeakDialog(L *lua.LState) int {
	name := L.CheckString(1)

	data := map[string]string{}
	if L.GetTop() >= 2 {
		tbl := L.CheckTable(2)
		tbl.ForEach(func(k, v lua.LValue) {
			data[lua.LVAsString(k)] = lua.LVAsString(v)
		})
	}

	if err := h.SpeakDialog(name, data); err != nil {
		L.RaiseError("speak_dialog: %s", err)
	}
	return 0
}

// mycroft.register_intent(name, {required={...}, optional={...},
// priority=n}, handler)
func (h *Host) luaRegisterIntent(L *lua.LState) int {
	name := L.CheckString(1)
	spec := L.CheckTable(2)
	fn := L.CheckFunction(3)

	in := intent.KeywordIntent{
		Skill:    h.manifest.Name,
		Name:     name,
		Required: h.bridge.TableStrings(spec, "required"),
		Optional: h.bridge.TableStrings(spec, "optional"),
		Handler:  h.intentHandler(name, fn),
	}
	if p, ok := h.bridge.TableInt(spec, "priority"); ok {
		in.Priority = p
	}

	if err := h.registry.RegisterKeyword(in); err != nil {
		L.RaiseError("register_intent %s: %s", name, err)
	}
	return 0
}

// mycroft.register_phrase_intent(name, {"example one", ...}, handler)
func (h *Host) luaRegisterPhraseIntent(L *lua.LState) int {
	name := L.CheckString(1)
	examples := L.CheckTable(2)
	fn := L.CheckFunction(3)

	in := intent.PhraseIntent{
		Skill:   h.manifest.Name,
		Name:    name,
		Handler: h.intentHandler(name, fn),
	}
	examples.ForEach(func(_, v lua.LValue) {
		if s := lua.LVAsString(v); s != "" {
			in.Examples = append(in.Examples, s)
		}
	})
	if p, ok := h.bridge.TableInt(examples, "priority"); ok {
		in.Priority = p
	}

	if err := h.registry.RegisterPhrase(in); err != nil {
		L.RaiseError("register_phrase_intent %s: %s", name, err)
	}
	return 0
}

// mycroft.register_fallback(name, priority, handler). The handler gets
// the utterance and returns true when it produced a response.
func (h *Host) luaRegisterFallback(L *lua.LState) int {
	name := L.CheckString(1)
	priority := L.CheckInt(2)
	fn := L.CheckFunction(3)

	fb := intent.Fallback{
		Skill:    h.manifest.Name,
		Name:     name,
		Priority: priority,
		Handler: func(ctx context.Context, utterance string) (bool, error) {
			results, err := h.state.CallValue(fn, lua.LString(utterance))
			if err != nil {
				return false, err
			}
			return len(results) > 0 && lua.LVAsBool(results[0]), nil
		},
	}
	if err := h.registry.RegisterFallback(fb); err != nil {
		L.RaiseError("register_fallback %s: %s", name, err)
	}
	return 0
}

// mycroft.converse(handler). The handler gets (utterance, lang) and
// returns true to consume the utterance.
func (h *Host) luaConverse(L *lua.LState) int {
	fn := L.CheckFunction(1)

	h.registry.RegisterConverse(h.manifest.Name, func(ctx context.Context, utterance, lang string) (bool, error) {
		results, err := h.state.CallValue(fn, lua.LString(utterance), lua.LString(lang))
		if err != nil {
			return false, err
		}
		return len(results) > 0 && lua.LVAsBool(results[0]), nil
	})
	return 0
}

func (h *Host) luaGetSetting(L *lua.LState) int {
	key := L.CheckString(1)

	value, _, err := h.store.Setting(context.Background(), h.manifest.Name, key)
	if err != nil {
		if prop, ok := h.manifest.SettingsSchema[key]; ok {
			L.Push(h.bridge.ToLuaValue(prop.Default))
			return 1
		}
		L.Push(lua.LNil)
		return 1
	}
	L.Push(h.bridge.ToLuaValue(value))
	return 1
}

func (h *Host) luaSetSetting(L *lua.LState) int {
	key := L.CheckString(1)
	value := h.bridge.ToGoValue(L.CheckAny(2))

	if err := h.store.SetSetting(context.Background(), h.manifest.Name, key, value); err != nil {
		L.RaiseError("set_setting %s: %s", key, err)
	}
	return 0
}

// mycroft.make_active() claims the conversation, so the skill's
// converse hook sees the next utterances.
func (h *Host) luaMakeActive(L *lua.LState) int {
	h.tracker.Set(h.manifest.Name)
	return 0
}

// mycroft.add_event(topic, handler) subscribes the skill to a bus
// topic. The subscription dies with the skill.
func (h *Host) luaAddEvent(L *lua.LState) int {
	pattern := L.CheckString(1)
	fn := L.CheckFunction(2)

	_, err := h.bus.Subscribe(bus.Topic(pattern), func(ctx context.Context, msg *bus.Message) error {
		return h.invokeHandler(ctx, "event:"+pattern, fn, msg.Data)
	}, bus.WithOwner(h.owner()))
	if err != nil {
		L.RaiseError("add_event %s: %s", pattern, err)
	}
	return 0
}

// mycroft.schedule_event(handler, delay_seconds) runs the handler once
// after the delay. Pending events are cancelled on unload.
func (h *Host) luaScheduleEvent(L *lua.LState) int {
	fn := L.CheckFunction(1)
	seconds := L.CheckNumber(2)
	if seconds < 0 {
		L.RaiseError("schedule_event: negative delay")
		return 0
	}

	delay := time.Duration(float64(seconds) * float64(time.Second))
	h.timersMu.Lock()
	defer h.timersMu.Unlock()
	if h.closed {
		return 0
	}

	timer := time.AfterFunc(delay, func() {
		if err := h.invokeHandler(context.Background(), "scheduled", fn, map[string]any{}); err != nil {
			h.logger.Warn("scheduled event failed", zap.Error(err))
		}
	})
	h.timers = append(h.timers, timer)
	return 0
}

func (h *Host) luaEnableIntent(L *lua.LState) int {
	name := L.CheckString(1)
	if err := h.registry.SetEnabled(h.manifest.Name, name, true); err != nil {
		L.RaiseError("enable_intent %s: %s", name, err)
	}
	return 0
}

func (h *Host) luaDisableIntent(L *lua.LState) int {
	name := L.CheckString(1)
	if err := h.registry.SetEnabled(h.manifest.Name, name, false); err != nil {
		L.RaiseError("disable_intent %s: %s", name, err)
	}
	return 0
}

func (h *Host) luaLog(L *lua.LState) int {
	h.logger.Info(L.CheckString(1))
	return 0
}
