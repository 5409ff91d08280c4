package skill

// State is a skill's lifecycle state.
type State int

// Lifecycle states. The normal path is Discovered → Installing →
// Loaded → Running; Reloading loops back to Running; Failed and
// Removed are terminal until a manual load request.
const (
	// StateDiscovered - manifest found, nothing loaded yet.
	StateDiscovered State = iota

	// StateInstalling - dependencies being resolved.
	StateInstalling

	// StateLoaded - script executed, registrations collected, not yet
	// announced on the bus.
	StateLoaded

	// StateRunning - intents registered and handlers live.
	StateRunning

	// StateReloading - torn down for a hot reload.
	StateReloading

	// StateFailed - install or load failed, or the crash budget ran out.
	StateFailed

	// StateRemoved - skill directory disappeared; registrations dropped.
	StateRemoved
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateInstalling:
		return "installing"
	case StateLoaded:
		return "loaded"
	case StateRunning:
		return "running"
	case StateReloading:
		return "reloading"
	case StateFailed:
		return "failed"
	case StateRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// IsActive reports whether the skill is serving handlers.
func (s State) IsActive() bool {
	return s == StateRunning
}
