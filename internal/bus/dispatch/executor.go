package dispatch

import (
	"context"
	"runtime/debug"
	"time"
)

// Handler is the type-erased message handler executed by the dispatcher.
type Handler func(ctx context.Context, msg any) error

// PanicHandler is invoked when a handler panics. It receives the message
// being delivered, the panic value, and the stack at the time of the panic.
type PanicHandler func(msg any, panicValue any, stack []byte)

// Result captures the outcome of a single handler execution.
type Result struct {
	Success    bool
	Skipped    bool
	Error      error
	Panicked   bool
	PanicValue any
	PanicStack []byte
	Duration   time.Duration
}

// Executor runs handlers with panic recovery and timing.
type Executor struct {
	panicHandler PanicHandler
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithExecutorPanicHandler sets the panic handler for the executor.
func WithExecutorPanicHandler(h PanicHandler) ExecutorOption {
	return func(e *Executor) {
		e.panicHandler = h
	}
}

// NewExecutor creates a new executor.
func NewExecutor(opts ...ExecutorOption) *Executor {
	e := &Executor{}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs a handler with the given message and returns the result.
// Panics are recovered and reported through the panic handler; they never
// propagate to the caller.
func (e *Executor) Execute(ctx context.Context, msg any, handler Handler) (result Result) {
	select {
	case <-ctx.Done():
		return Result{Error: ctx.Err(), Skipped: true}
	default:
	}

	start := time.Now()

	defer func() {
		result.Duration = time.Since(start)

		if r := recover(); r != nil {
			stack := debug.Stack()

			result.Success = false
			result.Panicked = true
			result.PanicValue = r
			result.PanicStack = stack

			if e.panicHandler != nil {
				func() {
					defer func() { _ = recover() }()
					e.panicHandler(msg, r, stack)
				}()
			}
		}
	}()

	if err := handler(ctx, msg); err != nil {
		result.Error = err
		return result
	}

	result.Success = true
	return result
}

// ExecuteWithTimeout runs a handler with a deadline. The handler must
// respect context cancellation for the timeout to take effect.
func (e *Executor) ExecuteWithTimeout(ctx context.Context, msg any, handler Handler, timeout time.Duration) Result {
	if timeout <= 0 {
		return e.Execute(ctx, msg, handler)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return e.Execute(ctx, msg, handler)
}
