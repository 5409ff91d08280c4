package lua

import (
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	lua "github.com/yuin/gopher-lua"
)

// Capability is a permission a skill manifest can request.
type Capability string

// Capabilities a skill may declare in its manifest.
const (
	// CapabilityFileRead allows reading files under the skill's own
	// directory (dialog files, vocab lists, bundled data).
	CapabilityFileRead Capability = "filesystem.read"

	// CapabilityNetwork marks skills that talk to external services.
	// The sandbox exposes no sockets; networked skills go through host
	// functions, and the flag is recorded so operators can audit them.
	CapabilityNetwork Capability = "network"
)

// Sandbox restricts what a skill script can reach. File access is
// confined to the skill's directory, module loading is whitelist-only,
// and an instruction counter tracks per-invocation work.
type Sandbox struct {
	L *lua.LState

	skillDir         string
	instructionLimit int64
	instructionCount atomic.Int64

	capabilities map[Capability]bool
}

// NewSandbox creates a sandbox rooted at skillDir.
func NewSandbox(L *lua.LState, skillDir string, instructionLimit int64) *Sandbox {
	return &Sandbox{
		L:                L,
		skillDir:         skillDir,
		instructionLimit: instructionLimit,
		capabilities:     make(map[Capability]bool),
	}
}

// Install removes escape hatches from the script environment.
func (s *Sandbox) Install() {
	// Chunk loaders would let a script pull in code the host never
	// reviewed.
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring"} {
		s.L.SetGlobal(name, lua.LNil)
	}

	s.installSafeRequire()
}

// installSafeRequire replaces require with a whitelist. Only the safe
// built-in modules resolve; everything else raises in the script.
func (s *Sandbox) installSafeRequire() {
	if pkg, ok := s.L.GetGlobal("package").(*lua.LTable); ok {
		s.L.SetField(pkg, "path", lua.LString(""))
		s.L.SetField(pkg, "cpath", lua.LString(""))
	}

	safeModules := map[string]bool{
		"string": true,
		"table":  true,
		"math":   true,
	}

	originalRequire := s.L.GetGlobal("require")

	s.L.SetGlobal("require", s.L.NewFunction(func(L *lua.LState) int {
		modName := L.CheckString(1)

		if safeModules[modName] {
			L.Push(originalRequire)
			L.Push(lua.LString(modName))
			L.Call(1, 1)
			return 1
		}

		switch modName {
		case "io", "os", "debug":
			L.RaiseError("module %q is not available to skills", modName)
		}

		L.RaiseError("module %q is not available", modName)
		return 0 // unreachable, required by the compiler
	}))
}

// Grant enables a capability and injects its API.
func (s *Sandbox) Grant(cap Capability) {
	s.capabilities[cap] = true

	if cap == CapabilityFileRead {
		s.injectFileReadAPI()
	}
}

// HasCapability reports whether cap was granted.
func (s *Sandbox) HasCapability(cap Capability) bool {
	return s.capabilities[cap]
}

// Capabilities returns the granted capabilities.
func (s *Sandbox) Capabilities() []Capability {
	caps := make([]Capability, 0, len(s.capabilities))
	for c, granted := range s.capabilities {
		if granted {
			caps = append(caps, c)
		}
	}
	return caps
}

// injectFileReadAPI exposes read_file and read_lines, both confined to
// the skill directory.
func (s *Sandbox) injectFileReadAPI() {
	s.L.SetGlobal("read_file", s.L.NewFunction(func(L *lua.LState) int {
		path, err := s.resolve(L.CheckString(1))
		if err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		content, err := os.ReadFile(path)
		if err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		L.Push(lua.LString(content))
		return 1
	}))

	s.L.SetGlobal("read_lines", s.L.NewFunction(func(L *lua.LState) int {
		path, err := s.resolve(L.CheckString(1))
		if err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		content, err := os.ReadFile(path)
		if err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}

		t := L.NewTable()
		for i, line := range strings.Split(strings.TrimRight(string(content), "\n"), "\n") {
			t.RawSetInt(i+1, lua.LString(strings.TrimRight(line, "\r")))
		}
		L.Push(t)
		return 1
	}))
}

// resolve joins a script-relative path with the skill directory and
// rejects anything escaping it.
func (s *Sandbox) resolve(rel string) (string, error) {
	path := filepath.Clean(filepath.Join(s.skillDir, rel))
	root := filepath.Clean(s.skillDir)
	if path != root && !strings.HasPrefix(path, root+string(filepath.Separator)) {
		return "", &PathError{Path: rel}
	}
	return path, nil
}

// ResetInstructionCount zeroes the counter before an invocation.
func (s *Sandbox) ResetInstructionCount() {
	s.instructionCount.Store(0)
}

// InstructionCount returns the current count.
func (s *Sandbox) InstructionCount() int64 {
	return s.instructionCount.Load()
}

// IncrementInstructions adds n and reports whether the budget is
// exceeded.
func (s *Sandbox) IncrementInstructions(n int64) bool {
	if s.instructionLimit <= 0 {
		return false
	}
	return s.instructionCount.Add(n) > s.instructionLimit
}

// PathError is returned when a script path escapes the skill directory.
type PathError struct {
	Path string
}

func (e *PathError) Error() string {
	return "path escapes skill directory: " + e.Path
}
