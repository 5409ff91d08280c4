package skill

import "errors"

// Errors for skill lifecycle operations.
var (
	// ErrNilManifest is returned when creating a host without a manifest.
	ErrNilManifest = errors.New("skill: manifest is nil")

	// ErrAlreadyLoaded is returned when loading a skill twice.
	ErrAlreadyLoaded = errors.New("skill: already loaded")

	// ErrNotLoaded is returned when operating on an unloaded skill.
	ErrNotLoaded = errors.New("skill: not loaded")

	// ErrSkillNotFound is returned when a named skill is unknown.
	ErrSkillNotFound = errors.New("skill: not found")

	// ErrMissingDependency is returned when a manifest dependency is not
	// present in the skills directory.
	ErrMissingDependency = errors.New("skill: missing dependency")

	// ErrBudgetExhausted is returned when a crashing skill has used up
	// its restart budget.
	ErrBudgetExhausted = errors.New("skill: restart budget exhausted")
)
