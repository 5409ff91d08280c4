// Package bus implements the central message bus: named message types,
// wildcard subscriptions, and request/response emulation over async
// publish/subscribe.
//
// Every component of the assistant communicates exclusively through the
// bus. Messages are immutable once published. Delivery is at-least-once
// per matching subscription existing at publish time; each subscription
// drains its own serial queue, so publication order from one connection is
// preserved per subscriber while a blocking handler only delays itself.
//
// The in-process core (NewBus) backs the bus service; the ws subpackage
// extends the same contract across processes over a websocket connection.
package bus
