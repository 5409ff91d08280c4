package bus

import (
	"context"
	"sync/atomic"

	"github.com/fossabot/mycroft-core/internal/bus/dispatch"
	"github.com/fossabot/mycroft-core/internal/bus/topic"
)

// Handler processes a delivered message. Delivery is at-least-once:
// handlers must be idempotent or track idents to detect duplicates.
type Handler func(ctx context.Context, msg *Message) error

// Subscription is a live (pattern, handler) registration on the bus.
type Subscription interface {
	// ID returns the unique subscription identifier.
	ID() string

	// Pattern returns the subscribed topic pattern.
	Pattern() topic.Topic

	// Owner returns the owner tag, or "" when untagged.
	Owner() string

	// IsActive reports whether the subscription receives messages.
	IsActive() bool

	// Cancel permanently cancels the subscription. The bus removes
	// cancelled subscriptions on Unsubscribe or owner teardown.
	Cancel()
}

// SubscriptionConfig holds per-subscription settings.
type SubscriptionConfig struct {
	// Owner tags the subscription so all of one component's subscriptions
	// can be released together (skill teardown, peer disconnect).
	Owner string

	// Once auto-cancels the subscription after its first delivery.
	Once bool

	// QueueSize overrides the delivery queue capacity. Zero keeps the default.
	QueueSize int
}

// SubscriptionOption configures a subscription.
type SubscriptionOption func(*SubscriptionConfig)

// WithOwner tags the subscription with an owner.
func WithOwner(owner string) SubscriptionOption {
	return func(c *SubscriptionConfig) {
		c.Owner = owner
	}
}

// WithOnce auto-cancels the subscription after the first delivery.
func WithOnce() SubscriptionOption {
	return func(c *SubscriptionConfig) {
		c.Once = true
	}
}

// WithSubscriptionQueueSize overrides the delivery queue capacity.
func WithSubscriptionQueueSize(size int) SubscriptionOption {
	return func(c *SubscriptionConfig) {
		c.QueueSize = size
	}
}

// subscription is the internal Subscription implementation. Each one owns
// a serial dispatch queue so blocking handlers isolate to themselves.
type subscription struct {
	id      string
	pattern topic.Topic
	handler Handler
	config  SubscriptionConfig
	queue   *dispatch.Queue

	cancelled atomic.Bool
}

func newSubscription(id string, pattern topic.Topic, handler Handler, queue *dispatch.Queue, cfg SubscriptionConfig) *subscription {
	return &subscription{
		id:      id,
		pattern: pattern,
		handler: handler,
		config:  cfg,
		queue:   queue,
	}
}

func (s *subscription) ID() string { return s.id }

func (s *subscription) Pattern() topic.Topic { return s.pattern }

func (s *subscription) Owner() string { return s.config.Owner }

func (s *subscription) IsActive() bool { return !s.cancelled.Load() }

func (s *subscription) Cancel() { s.cancelled.Store(true) }
