package hub

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// InboundFunc receives a text message read from a client.
type InboundFunc func(c *Client, data []byte)

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) { h.logger = l }
}

// WithInbound registers a handler for messages sent by clients. It runs on
// the client's read goroutine.
func WithInbound(fn InboundFunc) Option {
	return func(h *Hub) { h.inbound = fn }
}

// WithOnConnect registers a callback run on the hub goroutine right after a
// client registers, before any later broadcast reaches it.
func WithOnConnect(fn func(c *Client)) Option {
	return func(h *Hub) { h.onConnect = fn }
}

// WithKeepalive sets the ping period; the pong wait is derived from it.
func WithKeepalive(ping time.Duration) Option {
	return func(h *Hub) {
		if ping > 0 {
			h.keepalive.pingPeriod = ping
			h.keepalive.pongWait = ping * 10 / 9
		}
	}
}

type keepalive struct {
	writeWait  time.Duration
	pongWait   time.Duration
	pingPeriod time.Duration
	readLimit  int64
}

// Stats is a snapshot of hub activity.
type Stats struct {
	Name    string `json:"name"`
	Running bool   `json:"running"`
	Clients int    `json:"clients"`
	Sent    uint64 `json:"sent"`

	// Dropped counts broadcasts discarded on a full queue, Evicted the
	// clients removed for being too slow.
	Dropped uint64 `json:"dropped"`
	Evicted uint64 `json:"evicted"`
}

// Hub owns a set of clients and broadcasts to all of them. Only Run
// mutates the set.
type Hub struct {
	name      string
	logger    *slog.Logger
	inbound   InboundFunc
	onConnect func(c *Client)
	keepalive keepalive

	clients    map[*Client]bool
	broadcast  chan Message
	register   chan *Client
	unregister chan *Client

	quit      chan struct{}
	closeOnce sync.Once

	mu      sync.RWMutex // guards clients and running for readers
	running bool

	sent    atomic.Uint64
	dropped atomic.Uint64
	evicted atomic.Uint64
}

// New creates a hub. Call Run on its own goroutine.
func New(name string, opts ...Option) *Hub {
	h := &Hub{
		name:   name,
		logger: slog.Default().With("component", "hub", "hub", name),
		keepalive: keepalive{
			writeWait:  DefaultWriteWait,
			pongWait:   DefaultPongWait,
			pingPeriod: DefaultPingPeriod,
			readLimit:  DefaultReadLimit,
		},
		clients:    make(map[*Client]bool),
		broadcast:  make(chan Message, sendBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		quit:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run serves registrations and broadcasts until Close.
func (h *Hub) Run() {
	h.mu.Lock()
	h.running = true
	h.mu.Unlock()

	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client connected", "client", c.id, "remote", c.remote, "clients", n)
			if h.onConnect != nil {
				h.onConnect(c)
			}

		case c := <-h.unregister:
			h.mu.Lock()
			h.removeLocked(c)
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client disconnected", "client", c.id, "clients", n)

		case msg := <-h.broadcast:
			h.fanOut(msg)

		case <-h.quit:
			h.mu.Lock()
			for c := range h.clients {
				h.removeLocked(c)
			}
			h.running = false
			h.mu.Unlock()
			return
		}
	}
}

func (h *Hub) fanOut(msg Message) {
	var slow []*Client
	h.mu.Lock()
	for c := range h.clients {
		select {
		case c.send <- msg:
			h.sent.Add(1)
		default:
			h.removeLocked(c)
			slow = append(slow, c)
		}
	}
	h.mu.Unlock()
	for _, c := range slow {
		h.evicted.Add(1)
		h.logger.Warn("dropped slow client", "client", c.id)
	}
}

func (h *Hub) removeLocked(c *Client) {
	if h.clients[c] {
		delete(h.clients, c)
		close(c.send)
	}
}

// Close disconnects every client and stops Run. It is safe to call more
// than once.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.quit) })
}

// Broadcast queues msg for every client. It never blocks; a full queue
// drops the message.
func (h *Hub) Broadcast(msg Message) {
	select {
	case <-h.quit:
		return
	default:
	}
	select {
	case h.broadcast <- msg:
	default:
		h.dropped.Add(1)
		h.logger.Warn("broadcast queue full, dropping message")
	}
}

// BroadcastJSON encodes v and broadcasts it.
func (h *Hub) BroadcastJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	h.Broadcast(NewJSONMessage(data))
	return nil
}

// BroadcastBinary broadcasts raw bytes such as camera frames.
func (h *Hub) BroadcastBinary(data []byte) {
	h.Broadcast(NewBinaryMessage(data))
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Clients describes the connected clients.
func (h *Hub) Clients() []ClientInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]ClientInfo, 0, len(h.clients))
	for c := range h.clients {
		out = append(out, c.Info())
	}
	return out
}

// IsRunning reports whether Run is serving.
func (h *Hub) IsRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// Stats returns activity counters.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	n, running := len(h.clients), h.running
	h.mu.RUnlock()
	return Stats{
		Name:    h.name,
		Running: running,
		Clients: n,
		Sent:    h.sent.Load(),
		Dropped: h.dropped.Load(),
		Evicted: h.evicted.Load(),
	}
}
