package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fossabot/mycroft-core/internal/bus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxFrameSize   = 64 * 1024
	peerSendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The hub binds to loopback by default; clients on the same
		// host are trusted.
		return true
	},
}

// peer is one connected client. Frames queued on send are written by
// the peer's writePump; a full buffer disconnects the peer rather than
// stalling the hub.
type peer struct {
	name string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
}

type inboundFrame struct {
	from *peer
	raw  []byte
}

// Hub relays message frames between connected peers. Every valid frame
// is forwarded to all other peers, unless it names a destination, in
// which case only peers registered under that name receive it. When a
// local bus is attached, frames are also published on it so the hub
// process can subscribe to traffic itself.
type Hub struct {
	logger     *zap.Logger
	local      bus.Bus
	peers      map[*peer]struct{}
	byName     map[string]map[*peer]struct{}
	register   chan *peer
	unregister chan *peer
	inbound    chan inboundFrame
	outbound   chan []byte
	done       chan struct{}
	mu         sync.RWMutex
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithLocalBus attaches an in-process bus that receives a copy of
// every relayed frame.
func WithLocalBus(b bus.Bus) HubOption {
	return func(h *Hub) {
		h.local = b
	}
}

// NewHub creates a hub with no connected peers.
func NewHub(logger *zap.Logger, opts ...HubOption) *Hub {
	h := &Hub{
		logger:     logger,
		peers:      make(map[*peer]struct{}),
		byName:     make(map[string]map[*peer]struct{}),
		register:   make(chan *peer),
		unregister: make(chan *peer),
		inbound:    make(chan inboundFrame, 256),
		outbound:   make(chan []byte, 256),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run drives the hub until ctx is cancelled. All peer bookkeeping and
// routing happens on this goroutine.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			// Closing done releases peer goroutines blocked on the
			// register/unregister/inbound channels, which nothing
			// drains after this returns.
			close(h.done)
			h.mu.Lock()
			for p := range h.peers {
				close(p.send)
			}
			h.peers = make(map[*peer]struct{})
			h.byName = make(map[string]map[*peer]struct{})
			h.mu.Unlock()
			return

		case p := <-h.register:
			h.mu.Lock()
			h.peers[p] = struct{}{}
			named, ok := h.byName[p.name]
			if !ok {
				named = make(map[*peer]struct{})
				h.byName[p.name] = named
			}
			named[p] = struct{}{}
			count := len(h.peers)
			h.mu.Unlock()
			h.logger.Info("peer connected",
				zap.String("peer", p.name),
				zap.Int("peers", count))

		case p := <-h.unregister:
			h.removePeer(p)

		case frame := <-h.inbound:
			h.route(frame)

		case raw := <-h.outbound:
			h.fanOut(raw, nil, "")
		}
	}
}

// Emit broadcasts a locally-originated message to every peer.
func (h *Hub) Emit(msg *bus.Message) error {
	raw, err := msg.Serialize()
	if err != nil {
		return err
	}
	select {
	case h.outbound <- raw:
		return nil
	default:
		return bus.ErrConnectionClosed
	}
}

// PeerCount reports the number of connected peers.
func (h *Hub) PeerCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

// HandleWebSocket upgrades the HTTP request and registers the peer.
// Peers identify themselves with a ?name= query parameter; anonymous
// peers get a generated name and only receive broadcast traffic.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	name := r.URL.Query().Get("name")
	if name == "" {
		name = "client-" + uuid.NewString()[:8]
	}

	p := &peer{
		name: name,
		conn: conn,
		send: make(chan []byte, peerSendBuffer),
		hub:  h,
	}

	select {
	case h.register <- p:
	case <-h.done:
		conn.Close()
		return
	}

	go p.writePump()
	go p.readPump()
}

// route validates an inbound frame and forwards it. Frames without a
// readable type are logged and dropped; they never reach other peers.
// Routing only peeks at the type and destination fields, the full
// decode is deferred to the receiving peers.
func (h *Hub) route(frame inboundFrame) {
	raw := stampSource(frame.raw, frame.from.name)

	if peekType(raw) == "" {
		h.logger.Warn("dropping malformed frame",
			zap.String("peer", frame.from.name))
		return
	}

	h.fanOut(raw, frame.from, peekDestination(raw))

	if h.local != nil {
		msg, err := bus.Deserialize(raw)
		if err != nil {
			h.logger.Warn("dropping malformed frame",
				zap.String("peer", frame.from.name),
				zap.Error(err))
			return
		}
		if err := h.local.Publish(msg); err != nil {
			h.logger.Warn("local publish failed",
				zap.String("type", string(msg.Type)),
				zap.Error(err))
		}
	}
}

// fanOut queues raw on each eligible peer. A peer whose send buffer is
// full is disconnected so one slow reader cannot back up the hub.
func (h *Hub) fanOut(raw []byte, from *peer, destination string) {
	h.mu.RLock()
	targets := make([]*peer, 0, len(h.peers))
	if destination != "" {
		for p := range h.byName[destination] {
			targets = append(targets, p)
		}
	} else {
		for p := range h.peers {
			if p != from {
				targets = append(targets, p)
			}
		}
	}
	h.mu.RUnlock()

	var dropped []*peer
	for _, p := range targets {
		select {
		case p.send <- raw:
		default:
			dropped = append(dropped, p)
		}
	}
	for _, p := range dropped {
		h.logger.Warn("disconnecting slow peer", zap.String("peer", p.name))
		h.removePeer(p)
	}
}

func (h *Hub) removePeer(p *peer) {
	h.mu.Lock()
	if _, ok := h.peers[p]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.peers, p)
	if named, ok := h.byName[p.name]; ok {
		delete(named, p)
		if len(named) == 0 {
			delete(h.byName, p.name)
		}
	}
	close(p.send)
	count := len(h.peers)
	h.mu.Unlock()
	h.logger.Info("peer disconnected",
		zap.String("peer", p.name),
		zap.Int("peers", count))
}

func (p *peer) readPump() {
	defer func() {
		select {
		case p.hub.unregister <- p:
		case <-p.hub.done:
		}
		p.conn.Close()
	}()

	p.conn.SetReadLimit(maxFrameSize)
	p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		p.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		select {
		case p.hub.inbound <- inboundFrame{from: p, raw: raw}:
		case <-p.hub.done:
			return
		}
	}
}

func (p *peer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.conn.Close()
	}()

	for {
		select {
		case raw, ok := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				p.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}

		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
