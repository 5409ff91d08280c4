package dispatch

import "errors"

var (
	// ErrNotRunning is returned when a queue operation is attempted before Start.
	ErrNotRunning = errors.New("dispatch queue is not running")

	// ErrAlreadyRunning is returned when Start is called twice.
	ErrAlreadyRunning = errors.New("dispatch queue is already running")

	// ErrQueueFull is returned when a queue is at capacity and the task was dropped.
	ErrQueueFull = errors.New("dispatch queue is full")
)
