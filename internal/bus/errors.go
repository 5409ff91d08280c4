package bus

import "errors"

// Sentinel errors for the message bus.
var (
	// ErrBusNotRunning is returned when operations are attempted on a stopped bus.
	ErrBusNotRunning = errors.New("message bus is not running")

	// ErrBusAlreadyRunning is returned when Start is called on a running bus.
	ErrBusAlreadyRunning = errors.New("message bus is already running")

	// ErrInvalidType is returned when a message type is empty or malformed.
	ErrInvalidType = errors.New("invalid message type")

	// ErrNilHandler is returned when a nil handler is subscribed.
	ErrNilHandler = errors.New("handler cannot be nil")

	// ErrInvalidSubscription is returned when a subscription is nil or foreign.
	ErrInvalidSubscription = errors.New("invalid subscription")

	// ErrSubscriptionNotFound is returned when unsubscribing an unknown subscription.
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrRequestTimeout is returned when a Request gets no matching response
	// in time. A response arriving afterwards is dropped.
	ErrRequestTimeout = errors.New("request timed out waiting for response")

	// ErrMalformedMessage is returned when a wire record cannot be decoded.
	ErrMalformedMessage = errors.New("malformed message")

	// ErrConnectionClosed is returned by transport operations on a closed connection.
	ErrConnectionClosed = errors.New("bus connection closed")
)

// HandlerError wraps an error returned by a subscriber's handler.
type HandlerError struct {
	// SubscriptionID identifies the failing subscription.
	SubscriptionID string

	// Pattern is the subscription's topic pattern.
	Pattern string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *HandlerError) Error() string {
	return "handler error for subscription " + e.SubscriptionID + " on " + e.Pattern + ": " + e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *HandlerError) Unwrap() error {
	return e.Err
}
