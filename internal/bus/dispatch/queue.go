package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Default queue tuning.
const (
	DefaultQueueSize      = 1024
	DefaultHandlerTimeout = 30 * time.Second
)

// Queue is a serial delivery queue for a single subscriber. One worker
// goroutine drains the queue so messages are handled in enqueue order,
// and a subscriber that blocks only backs up its own queue.
type Queue struct {
	size    int
	timeout time.Duration

	mu      sync.Mutex
	tasks   chan task
	running atomic.Bool
	aborted atomic.Bool
	wg      sync.WaitGroup

	executor *Executor

	// Stats
	enqueued  atomic.Uint64
	processed atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
	panicked  atomic.Uint64
	dropped   atomic.Uint64
}

// task is one pending handler invocation.
type task struct {
	ctx     context.Context
	msg     any
	handler Handler
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithQueueSize sets the queue capacity.
func WithQueueSize(size int) QueueOption {
	return func(q *Queue) {
		if size > 0 {
			q.size = size
		}
	}
}

// WithHandlerTimeout sets the per-invocation timeout. Zero disables it.
func WithHandlerTimeout(d time.Duration) QueueOption {
	return func(q *Queue) {
		q.timeout = d
	}
}

// WithPanicHandler sets the panic handler for queue workers.
func WithPanicHandler(h PanicHandler) QueueOption {
	return func(q *Queue) {
		q.executor = NewExecutor(WithExecutorPanicHandler(h))
	}
}

// NewQueue creates a new serial delivery queue.
func NewQueue(opts ...QueueOption) *Queue {
	q := &Queue{
		size:     DefaultQueueSize,
		timeout:  DefaultHandlerTimeout,
		executor: NewExecutor(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Start launches the worker goroutine.
func (q *Queue) Start() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running.Load() {
		return ErrAlreadyRunning
	}

	q.tasks = make(chan task, q.size)
	q.running.Store(true)

	q.wg.Add(1)
	go q.worker()

	return nil
}

// Stop drains the queue and waits for the worker to exit, or until the
// context is cancelled.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.running.Load() {
		q.mu.Unlock()
		return ErrNotRunning
	}
	q.running.Store(false)
	close(q.tasks)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Abort stops the queue without processing pending tasks: anything still
// queued is discarded. Used for teardown where in-flight work must be
// dropped, not drained.
func (q *Queue) Abort() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.running.Load() {
		return
	}
	q.aborted.Store(true)
	q.running.Store(false)
	close(q.tasks)
}

// Enqueue adds a handler invocation. It never blocks; if the queue is at
// capacity the task is dropped and ErrQueueFull returned. The send is
// serialized with Stop and Abort, which close the task channel: an
// unguarded send could hit the closed channel and panic the publisher.
func (q *Queue) Enqueue(ctx context.Context, msg any, handler Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.running.Load() {
		return ErrNotRunning
	}

	select {
	case q.tasks <- task{ctx: ctx, msg: msg, handler: handler}:
		q.enqueued.Add(1)
		return nil
	default:
		q.dropped.Add(1)
		return ErrQueueFull
	}
}

// worker drains tasks in order.
func (q *Queue) worker() {
	defer q.wg.Done()

	for t := range q.tasks {
		if q.aborted.Load() {
			q.dropped.Add(1)
			continue
		}
		q.processed.Add(1)

		var result Result
		if q.timeout > 0 {
			result = q.executor.ExecuteWithTimeout(t.ctx, t.msg, t.handler, q.timeout)
		} else {
			result = q.executor.Execute(t.ctx, t.msg, t.handler)
		}

		switch {
		case result.Panicked:
			q.panicked.Add(1)
		case result.Error != nil:
			q.failed.Add(1)
		case result.Success:
			q.succeeded.Add(1)
		}
	}
}

// Depth returns the number of queued tasks.
func (q *Queue) Depth() int {
	if !q.running.Load() {
		return 0
	}
	return len(q.tasks)
}

// IsRunning reports whether the worker is active.
func (q *Queue) IsRunning() bool {
	return q.running.Load()
}

// Stats returns delivery counters for this queue.
func (q *Queue) Stats() QueueStats {
	return QueueStats{
		Enqueued:  q.enqueued.Load(),
		Processed: q.processed.Load(),
		Succeeded: q.succeeded.Load(),
		Failed:    q.failed.Load(),
		Panicked:  q.panicked.Load(),
		Dropped:   q.dropped.Load(),
		Depth:     q.Depth(),
	}
}

// QueueStats contains delivery counters for a queue.
type QueueStats struct {
	Enqueued  uint64
	Processed uint64
	Succeeded uint64
	Failed    uint64
	Panicked  uint64
	Dropped   uint64
	Depth     int
}
