package ws

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fossabot/mycroft-core/internal/bus"
)

// DefaultReconnectDelay is the pause between redial attempts after the
// hub connection drops.
const DefaultReconnectDelay = 2 * time.Second

type clientWaiter struct {
	respType bus.Topic
	ch       chan *bus.Message
}

// Client is a bus.Bus backed by a hub connection. Subscriptions are
// local; every frame received from the hub is dispatched to them, and
// every published message is written to the wire. The connection is
// redialed automatically until Stop is called.
type Client struct {
	logger         *zap.Logger
	url            string
	name           string
	local          bus.Bus
	requestTimeout time.Duration
	reconnectDelay time.Duration

	connMu  sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	waiterMu sync.Mutex
	waiters  map[string]*clientWaiter

	running bool
	runMu   sync.Mutex
	done    chan struct{}
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientRequestTimeout sets the default deadline for Request calls.
func WithClientRequestTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.requestTimeout = d
		}
	}
}

// WithReconnectDelay sets the pause between redial attempts.
func WithReconnectDelay(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.reconnectDelay = d
		}
	}
}

// NewClient creates a client that will connect to the hub at url,
// identifying itself under name. Local dispatch options are forwarded
// to the in-process bus that serves this client's subscriptions.
func NewClient(logger *zap.Logger, url, name string, opts ...ClientOption) *Client {
	c := &Client{
		logger:         logger,
		url:            url,
		name:           name,
		local:          bus.NewBus(),
		requestTimeout: bus.DefaultRequestTimeout,
		reconnectDelay: DefaultReconnectDelay,
		waiters:        make(map[string]*clientWaiter),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start dials the hub and begins dispatching inbound frames.
func (c *Client) Start() error {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.running {
		return bus.ErrBusAlreadyRunning
	}

	if err := c.local.Start(); err != nil {
		return err
	}

	conn, _, err := websocket.DefaultDialer.Dial(c.dialURL(), nil)
	if err != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		c.local.Stop(ctx)
		return err
	}
	c.setConn(conn)

	c.done = make(chan struct{})
	c.running = true
	go c.readLoop(c.done)
	return nil
}

// Stop closes the connection and tears down local subscriptions.
// Queued deliveries drain within the ctx deadline.
func (c *Client) Stop(ctx context.Context) error {
	c.runMu.Lock()
	if !c.running {
		c.runMu.Unlock()
		return bus.ErrBusNotRunning
	}
	c.running = false
	close(c.done)
	c.runMu.Unlock()

	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()

	return c.local.Stop(ctx)
}

// IsRunning reports whether the client has been started.
func (c *Client) IsRunning() bool {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	return c.running
}

// Publish sends msg to the hub and delivers it to local subscribers.
// The hub forwards it to every other connected peer.
func (c *Client) Publish(msg *bus.Message) error {
	if msg == nil || !msg.Type.IsValid() {
		return bus.ErrInvalidType
	}
	if !c.IsRunning() {
		return bus.ErrBusNotRunning
	}

	if msg.Source() == "" {
		msg.Context[bus.CtxSource] = c.name
	}

	raw, err := msg.Serialize()
	if err != nil {
		return err
	}
	if err := c.write(raw); err != nil {
		return err
	}
	return c.local.Publish(msg)
}

// Subscribe registers a handler for messages matching pattern.
func (c *Client) Subscribe(pattern bus.Topic, handler bus.Handler, opts ...bus.SubscriptionOption) (bus.Subscription, error) {
	return c.local.Subscribe(pattern, handler, opts...)
}

// Unsubscribe cancels a subscription.
func (c *Client) Unsubscribe(sub bus.Subscription) error {
	return c.local.Unsubscribe(sub)
}

// UnsubscribeOwner cancels every subscription registered under owner.
func (c *Client) UnsubscribeOwner(owner string) int {
	return c.local.UnsubscribeOwner(owner)
}

// Stats reports counters from the local dispatch side.
func (c *Client) Stats() bus.Stats {
	return c.local.Stats()
}

// Request publishes msg and waits for the correlated response from
// anywhere on the bus. A response arriving after the deadline is
// dropped.
func (c *Client) Request(ctx context.Context, msg *bus.Message) (*bus.Message, error) {
	if msg == nil || !msg.Type.IsValid() {
		return nil, bus.ErrInvalidType
	}
	if !c.IsRunning() {
		return nil, bus.ErrBusNotRunning
	}

	ident := msg.EnsureIdent()
	w := &clientWaiter{
		respType: msg.Type.Response(),
		ch:       make(chan *bus.Message, 1),
	}

	c.waiterMu.Lock()
	c.waiters[ident] = w
	c.waiterMu.Unlock()
	defer func() {
		c.waiterMu.Lock()
		delete(c.waiters, ident)
		c.waiterMu.Unlock()
	}()

	if err := c.Publish(msg); err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.requestTimeout)
	defer timer.Stop()

	select {
	case resp := <-w.ch:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, bus.ErrRequestTimeout
	}
}

func (c *Client) dialURL() string {
	return c.url + "?name=" + c.name
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
}

func (c *Client) currentConn() *websocket.Conn {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn
}

func (c *Client) write(raw []byte) error {
	conn := c.currentConn()
	if conn == nil {
		return bus.ErrConnectionClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return bus.ErrConnectionClosed
	}
	return nil
}

// readLoop reads frames until Stop. A dropped connection is redialed
// with a fixed delay between attempts.
func (c *Client) readLoop(done chan struct{}) {
	for {
		conn := c.currentConn()
		if conn == nil {
			return
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-done:
				return
			default:
			}
			c.logger.Warn("hub connection lost, reconnecting", zap.Error(err))
			if !c.redial(done) {
				return
			}
			continue
		}

		c.dispatch(raw)
	}
}

// redial reconnects until success or shutdown. Reports false when the
// client was stopped while waiting.
func (c *Client) redial(done chan struct{}) bool {
	for {
		conn, _, err := websocket.DefaultDialer.Dial(c.dialURL(), nil)
		if err == nil {
			c.setConn(conn)
			c.logger.Info("reconnected to hub", zap.String("url", c.url))
			return true
		}

		select {
		case <-done:
			return false
		case <-time.After(c.reconnectDelay):
		}
	}
}

// dispatch resolves a pending Request waiter, or delivers the frame to
// local subscribers.
func (c *Client) dispatch(raw []byte) {
	msg, err := bus.Deserialize(raw)
	if err != nil {
		c.logger.Warn("dropping malformed frame", zap.Error(err))
		return
	}

	if ident := msg.Ident(); ident != "" {
		c.waiterMu.Lock()
		w, ok := c.waiters[ident]
		if ok && msg.Type == w.respType {
			delete(c.waiters, ident)
			c.waiterMu.Unlock()
			w.ch <- msg
			return
		}
		c.waiterMu.Unlock()
	}

	if err := c.local.Publish(msg); err != nil {
		c.logger.Warn("local dispatch failed",
			zap.String("type", string(msg.Type)),
			zap.Error(err))
	}
}
