package lua

import "errors"

// Errors for skill script execution.
var (
	// ErrStateClosed is returned when operating on a closed state.
	ErrStateClosed = errors.New("lua state is closed")

	// ErrFunctionNotFound is returned when calling a handler the script
	// never defined.
	ErrFunctionNotFound = errors.New("lua function not found")

	// ErrInstructionLimit is returned when a script exceeds its
	// instruction budget.
	ErrInstructionLimit = errors.New("lua instruction limit exceeded")
)
