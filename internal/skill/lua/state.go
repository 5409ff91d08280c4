// Package lua runs skill scripts in sandboxed gopher-lua states.
package lua

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// Default limits for a skill state.
const (
	// DefaultHandlerTimeout bounds one handler invocation. Enforced via
	// the state's context, so a runaway loop is interrupted at the next
	// VM instruction boundary.
	DefaultHandlerTimeout = 5 * time.Second

	// DefaultInstructionLimit is the advisory per-invocation instruction
	// budget tracked by the sandbox.
	DefaultInstructionLimit = 10_000_000
)

// State is one skill's Lua execution context. gopher-lua's LState is
// not goroutine-safe; the mutex serializes all access, so a skill's
// handlers run one at a time.
type State struct {
	L *lua.LState

	mu sync.Mutex

	handlerTimeout   time.Duration
	instructionLimit int64

	sandbox *Sandbox
	bridge  *Bridge
	closed  bool
}

// StateOption configures a State.
type StateOption func(*State)

// WithHandlerTimeout bounds a single handler invocation.
func WithHandlerTimeout(d time.Duration) StateOption {
	return func(s *State) {
		if d > 0 {
			s.handlerTimeout = d
		}
	}
}

// WithInstructionLimit sets the advisory instruction budget.
func WithInstructionLimit(limit int64) StateOption {
	return func(s *State) {
		s.instructionLimit = limit
	}
}

// NewState creates a sandboxed state for one skill. skillDir confines
// the script's file reads.
func NewState(skillDir string, opts ...StateOption) (*State, error) {
	state := &State{
		handlerTimeout:   DefaultHandlerTimeout,
		instructionLimit: DefaultInstructionLimit,
	}
	for _, opt := range opts {
		opt(state)
	}

	L := lua.NewState(lua.Options{
		SkipOpenLibs: true,
	})
	state.L = L

	openSafeLibraries(L)

	state.sandbox = NewSandbox(L, skillDir, state.instructionLimit)
	state.sandbox.Install()
	state.bridge = NewBridge(L)

	return state, nil
}

// openSafeLibraries opens the Lua standard libraries a skill script may
// use. io, os, debug and package stay closed; the host supplies the
// mycroft API instead.
func openSafeLibraries(L *lua.LState) {
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
}

// DoFile loads and executes the skill's entry script.
func (s *State) DoFile(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStateClosed
	}

	s.sandbox.ResetInstructionCount()
	return s.withDeadline(func() error {
		return s.L.DoFile(path)
	})
}

// DoString executes a Lua chunk. Used by tests and the installer's
// manifest probes.
func (s *State) DoString(code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStateClosed
	}

	s.sandbox.ResetInstructionCount()
	return s.withDeadline(func() error {
		return s.L.DoString(code)
	})
}

// Has reports whether the script defined a global function under name.
func (s *State) Has(fn string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	return s.L.GetGlobal(fn).Type() == lua.LTFunction
}

// Call invokes a global function defined by the skill script. The
// handler timeout applies; a timed-out handler leaves the state usable
// for the next invocation.
func (s *State) Call(fn string, args ...lua.LValue) ([]lua.LValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStateClosed
	}

	fnVal := s.L.GetGlobal(fn)
	if fnVal == lua.LNil {
		return nil, fmt.Errorf("%w: %q", ErrFunctionNotFound, fn)
	}
	if fnVal.Type() != lua.LTFunction {
		return nil, fmt.Errorf("%w: %q is a %s", ErrFunctionNotFound, fn, fnVal.Type())
	}

	return s.callLocked(fnVal, args)
}

// CallValue invokes a Lua function value the script handed to the host
// (an intent handler, a converse hook). Same timeout and stack rules as
// Call.
func (s *State) CallValue(fn *lua.LFunction, args ...lua.LValue) ([]lua.LValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStateClosed
	}
	if fn == nil {
		return nil, fmt.Errorf("%w: nil function value", ErrFunctionNotFound)
	}

	return s.callLocked(fn, args)
}

// CallValueGo is CallValue with Go arguments. Conversion to Lua values
// happens under the state lock, so callers never touch the VM from
// outside it.
func (s *State) CallValueGo(fn *lua.LFunction, args ...any) ([]lua.LValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStateClosed
	}
	if fn == nil {
		return nil, fmt.Errorf("%w: nil function value", ErrFunctionNotFound)
	}

	lvs := make([]lua.LValue, len(args))
	for i, a := range args {
		lvs[i] = s.bridge.ToLuaValue(a)
	}
	return s.callLocked(fn, lvs)
}

// callLocked pushes and runs fn. The caller holds s.mu.
func (s *State) callLocked(fn lua.LValue, args []lua.LValue) ([]lua.LValue, error) {
	s.sandbox.ResetInstructionCount()

	stackTop := s.L.GetTop()
	s.L.Push(fn)
	for _, arg := range args {
		s.L.Push(arg)
	}

	if err := s.withDeadline(func() error {
		return s.L.PCall(len(args), lua.MultRet, nil)
	}); err != nil {
		return nil, err
	}

	nRet := s.L.GetTop() - stackTop
	if nRet <= 0 {
		return []lua.LValue{}, nil
	}
	results := make([]lua.LValue, nRet)
	for i := 0; i < nRet; i++ {
		results[i] = s.L.Get(stackTop + i + 1)
	}
	s.L.Pop(nRet)

	return results, nil
}

// withDeadline runs fn with the state's context set to the handler
// timeout, recovering VM panics into errors.
func (s *State) withDeadline(fn func() error) (err error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.handlerTimeout)
	defer cancel()
	s.L.SetContext(ctx)
	defer s.L.RemoveContext()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua panic: %v", r)
		}
	}()

	err = fn()
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("handler exceeded %v: %w", s.handlerTimeout, err)
	}
	return err
}

// SetGlobal sets a global variable in the skill's environment.
func (s *State) SetGlobal(name string, value lua.LValue) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.L.SetGlobal(name, value)
}

// RegisterModule exposes a host module (table of Go functions) to the
// script under name.
func (s *State) RegisterModule(name string, funcs map[string]lua.LGFunction) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	mod := s.L.SetFuncs(s.L.NewTable(), funcs)
	s.L.SetGlobal(name, mod)
}

// RegisterFunc exposes a single Go function to the script.
func (s *State) RegisterFunc(name string, fn lua.LGFunction) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.L.SetGlobal(name, s.L.NewFunction(fn))
}

// Sandbox returns the sandbox for capability checks.
func (s *State) Sandbox() *Sandbox {
	return s.sandbox
}

// IsClosed reports whether Close has been called.
func (s *State) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close releases the VM. Safe to call twice.
func (s *State) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.L.Close()
	s.closed = true
	return nil
}
