package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/fossabot/mycroft-core/internal/bus/dispatch"
	"github.com/fossabot/mycroft-core/internal/bus/topic"
)

// DefaultRequestTimeout bounds Request when the caller's context has no
// earlier deadline.
const DefaultRequestTimeout = 10 * time.Second

// Bus is the central message bus contract shared by the in-process core
// and the cross-process websocket client.
type Bus interface {
	// Publish hands the message to the transport and returns. It never
	// blocks on subscriber processing.
	Publish(msg *Message) error

	// Subscribe registers a handler for a topic pattern (exact type or
	// wildcard pattern).
	Subscribe(pattern topic.Topic, handler Handler, opts ...SubscriptionOption) (Subscription, error)

	// Unsubscribe removes a subscription. Pending deliveries are dropped.
	Unsubscribe(sub Subscription) error

	// UnsubscribeOwner removes every subscription tagged with owner and
	// returns how many were removed.
	UnsubscribeOwner(owner string) int

	// Request publishes msg with a fresh correlation ident and waits for
	// the conventional response type carrying the same ident. Exactly one
	// response is accepted; late and duplicate responses are dropped.
	Request(ctx context.Context, msg *Message) (*Message, error)

	// Lifecycle.
	Start() error
	Stop(ctx context.Context) error
	IsRunning() bool

	// Stats returns delivery counters.
	Stats() Stats
}

// Stats contains bus delivery counters.
type Stats struct {
	Published         uint64
	Delivered         uint64
	Dropped           uint64
	HandlerErrors     uint64
	HandlerPanics     uint64
	ActiveSubscribers int
}

// busConfig holds core bus tuning.
type busConfig struct {
	queueSize      int
	handlerTimeout time.Duration
	requestTimeout time.Duration
	panicHandler   dispatch.PanicHandler
}

// Option configures the core bus.
type Option func(*busConfig)

// WithQueueSize sets the default per-subscription delivery queue capacity.
func WithQueueSize(size int) Option {
	return func(c *busConfig) {
		if size > 0 {
			c.queueSize = size
		}
	}
}

// WithHandlerTimeout bounds each handler invocation. Zero disables it.
func WithHandlerTimeout(d time.Duration) Option {
	return func(c *busConfig) {
		c.handlerTimeout = d
	}
}

// WithRequestTimeout sets the default Request timeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *busConfig) {
		if d > 0 {
			c.requestTimeout = d
		}
	}
}

// WithPanicHandler sets the handler invoked when a subscriber panics.
func WithPanicHandler(h dispatch.PanicHandler) Option {
	return func(c *busConfig) {
		c.panicHandler = h
	}
}

// waiter is one outstanding Request.
type waiter struct {
	respType topic.Topic
	ch       chan *Message
}

// coreBus is the in-process Bus implementation.
type coreBus struct {
	registry *registry
	config   busConfig

	running atomic.Bool

	waiterMu sync.Mutex
	waiters  map[string]*waiter

	published     atomic.Uint64
	delivered     atomic.Uint64
	dropped       atomic.Uint64
	handlerErrors atomic.Uint64
	handlerPanics atomic.Uint64
}

// NewBus creates the in-process message bus.
func NewBus(opts ...Option) Bus {
	config := busConfig{
		queueSize:      dispatch.DefaultQueueSize,
		handlerTimeout: dispatch.DefaultHandlerTimeout,
		requestTimeout: DefaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(&config)
	}

	return &coreBus{
		registry: newRegistry(),
		config:   config,
		waiters:  make(map[string]*waiter),
	}
}

// Start marks the bus as running.
func (b *coreBus) Start() error {
	if b.running.Swap(true) {
		return ErrBusAlreadyRunning
	}
	return nil
}

// Stop stops delivery: every subscription queue is drained or the context
// expires.
func (b *coreBus) Stop(ctx context.Context) error {
	if !b.running.Swap(false) {
		return ErrBusNotRunning
	}

	for _, sub := range b.registry.all() {
		sub.Cancel()
		if err := sub.queue.Stop(ctx); err != nil {
			return err
		}
	}
	return nil
}

// IsRunning reports whether the bus accepts publishes.
func (b *coreBus) IsRunning() bool {
	return b.running.Load()
}

// Publish delivers msg to every matching subscription existing now.
// Each subscriber gets the message on its own serial queue, so ordering
// holds per subscriber and slow handlers cannot stall the others.
func (b *coreBus) Publish(msg *Message) error {
	if !b.running.Load() {
		return ErrBusNotRunning
	}
	if msg == nil || !msg.Type.IsValid() {
		return ErrInvalidType
	}

	b.published.Add(1)

	// Outstanding request waiters get first look: a response type carrying
	// a known ident releases exactly one waiter.
	b.resolveWaiter(msg)

	subs := b.registry.matchActive(msg.Type)
	hctx := ContextWithIdent(context.Background(), msg.Ident())
	for _, sub := range subs {
		sub := sub
		err := sub.queue.Enqueue(hctx, msg, func(ctx context.Context, m any) error {
			message := m.(*Message)
			if err := sub.handler(ctx, message); err != nil {
				b.handlerErrors.Add(1)
				return &HandlerError{SubscriptionID: sub.ID(), Pattern: sub.Pattern().String(), Err: err}
			}
			b.delivered.Add(1)
			return nil
		})
		if err != nil {
			b.dropped.Add(1)
			continue
		}

		if sub.config.Once {
			sub.Cancel()
			if removed, ok := b.registry.remove(sub.ID()); ok {
				// Let the queued delivery finish before the worker exits.
				go removed.queue.Stop(context.Background())
			}
		}
	}

	return nil
}

// Subscribe registers a handler for a topic pattern.
func (b *coreBus) Subscribe(pattern topic.Topic, handler Handler, opts ...SubscriptionOption) (Subscription, error) {
	if handler == nil {
		return nil, ErrNilHandler
	}
	if !pattern.IsValid() {
		return nil, ErrInvalidType
	}

	cfg := SubscriptionConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	queueSize := b.config.queueSize
	if cfg.QueueSize > 0 {
		queueSize = cfg.QueueSize
	}

	queue := dispatch.NewQueue(
		dispatch.WithQueueSize(queueSize),
		dispatch.WithHandlerTimeout(b.config.handlerTimeout),
		dispatch.WithPanicHandler(b.recordPanic),
	)
	if err := queue.Start(); err != nil {
		return nil, err
	}

	sub := newSubscription(uuid.NewString(), pattern, handler, queue, cfg)
	b.registry.add(sub)
	return sub, nil
}

// Unsubscribe removes a subscription; its pending deliveries are dropped.
func (b *coreBus) Unsubscribe(sub Subscription) error {
	if sub == nil {
		return ErrInvalidSubscription
	}

	sub.Cancel()
	removed, ok := b.registry.remove(sub.ID())
	if !ok {
		return ErrSubscriptionNotFound
	}
	removed.queue.Abort()
	return nil
}

// UnsubscribeOwner tears down every subscription tagged with owner.
func (b *coreBus) UnsubscribeOwner(owner string) int {
	removed := b.registry.removeOwner(owner)
	for _, sub := range removed {
		sub.Cancel()
		sub.queue.Abort()
	}
	return len(removed)
}

// Request emulates a synchronous call over the bus.
func (b *coreBus) Request(ctx context.Context, msg *Message) (*Message, error) {
	if !b.running.Load() {
		return nil, ErrBusNotRunning
	}
	if msg == nil || !msg.Type.IsValid() {
		return nil, ErrInvalidType
	}

	ident := msg.EnsureIdent()
	w := &waiter{
		respType: msg.Type.Response(),
		ch:       make(chan *Message, 1),
	}

	b.waiterMu.Lock()
	b.waiters[ident] = w
	b.waiterMu.Unlock()

	// Abandon the ident on exit so a late response is silently discarded.
	defer func() {
		b.waiterMu.Lock()
		delete(b.waiters, ident)
		b.waiterMu.Unlock()
	}()

	if err := b.Publish(msg); err != nil {
		return nil, err
	}

	timeout := b.config.requestTimeout
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-w.ch:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, ErrRequestTimeout
	}
}

// resolveWaiter releases the Request waiting on this message's ident, if
// any. Only the conventional response type releases a waiter; the first
// response wins and later ones find no waiter.
func (b *coreBus) resolveWaiter(msg *Message) {
	ident := msg.Ident()
	if ident == "" {
		return
	}

	b.waiterMu.Lock()
	w, ok := b.waiters[ident]
	if ok && msg.Type == w.respType {
		delete(b.waiters, ident)
	} else {
		ok = false
	}
	b.waiterMu.Unlock()

	if ok {
		w.ch <- msg
	}
}

// recordPanic counts subscriber panics for Stats.
func (b *coreBus) recordPanic(msg any, panicValue any, stack []byte) {
	b.handlerPanics.Add(1)
	if b.config.panicHandler != nil {
		b.config.panicHandler(msg, panicValue, stack)
	}
}

// Stats returns current delivery counters.
func (b *coreBus) Stats() Stats {
	return Stats{
		Published:         b.published.Load(),
		Delivered:         b.delivered.Load(),
		Dropped:           b.dropped.Load(),
		HandlerErrors:     b.handlerErrors.Load(),
		HandlerPanics:     b.handlerPanics.Load(),
		ActiveSubscribers: b.registry.countActive(),
	}
}
