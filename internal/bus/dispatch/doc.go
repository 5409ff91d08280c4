// Package dispatch provides handler execution for the message bus.
//
// An Executor runs a single handler with panic recovery, timing, and an
// optional timeout. A Queue gives one subscriber a serial delivery lane:
// messages enqueued for that subscriber are handled in order by a dedicated
// worker goroutine, so a slow or blocking handler backs up only its own
// queue and never delays delivery to other subscribers.
package dispatch
