// Package bridge connects the harness to the browser page that hosts the
// vendor JavaScript SDK. The page dials /ws/sdk and relays commands, results
// and callbacks as protocol messages; the Bridge exposes it as a
// callback-registration SDK and as a camera source.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/teslashibe/go-gazecal/pkg/camera"
	"github.com/teslashibe/go-gazecal/pkg/protocol"
)

// DriverName is the adapter registry name of the browser SDK.
const DriverName = "browser"

// DefaultTimeout bounds how long a command waits for the page's result.
const DefaultTimeout = 10 * time.Second

// writeWait bounds a single write to the page, so a stuck socket cannot hold
// page.mu and block Close.
const writeWait = 10 * time.Second

// DefaultEventBacklog is how many gaze and debug events may wait for the
// dispatcher before new ones are dropped.
const DefaultEventBacklog = 1024

var (
	ErrNotConnected = errors.New("bridge: no SDK page connected")
	ErrTimeout      = errors.New("bridge: command timed out")
	ErrDisconnected = errors.New("bridge: page disconnected")
	ErrClosed       = errors.New("bridge: closed")
)

// PageError is an exception raised by the page while running a command.
type PageError struct {
	Command string
	Name    string // JS error name, e.g. "NotAllowedError"
	Message string
}

func (e *PageError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("bridge: %s: %s", e.Command, e.Message)
	}
	return fmt.Sprintf("bridge: %s: %s: %s", e.Command, e.Name, e.Message)
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) { b.logger = l }
}

// WithTimeout sets the per-command result timeout.
func WithTimeout(d time.Duration) Option {
	return func(b *Bridge) { b.timeout = d }
}

// WithFrameSink registers a callback for every preview frame the page sends.
func WithFrameSink(sink camera.FrameSink) Option {
	return func(b *Bridge) { b.sink = sink }
}

// page is the connected SDK page. Once its handler has returned the conn
// belongs to the upgrader's pool again, so every use of conn outside the
// read loop goes through p.mu and checks gone.
type page struct {
	conn      *websocket.Conn
	connected time.Time
	hello     protocol.HelloData

	mu       sync.Mutex
	lastSeen time.Time
	gone     bool
}

// send writes msg to the page
func (p *page) send(msg *protocol.Message) error {
	data, err := msg.Bytes()
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gone {
		return ErrDisconnected
	}
	p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

// hangUp closes the connection unless its handler has already returned.
// The read loop then fails and the handler cleans up.
func (p *page) hangUp() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.gone {
		p.conn.Close()
	}
}

// release marks the handler as finished. After it returns conn is never
// touched again.
func (p *page) release() {
	p.mu.Lock()
	p.gone = true
	p.mu.Unlock()
}

// Bridge owns the page connection. One page is served at a time; a new
// connection replaces the previous one.
type Bridge struct {
	logger  *slog.Logger
	timeout time.Duration
	sink    camera.FrameSink

	mu        sync.RWMutex
	page      *page
	connected chan struct{} // closed while a page is connected
	pending   map[string]chan *protocol.ResultData

	callbacks *callbacks

	// Vendor callbacks waiting for the dispatcher, in arrival order. Only
	// gaze and debug events count against maxLossy; calibration events are
	// never dropped.
	eventMu  sync.Mutex
	events   []event
	lossy    int
	maxLossy int
	wake     chan struct{}

	quit      chan struct{}
	closeOnce sync.Once

	frameMu     sync.RWMutex
	latestFrame []byte

	// Stats
	messagesReceived atomic.Uint64
	messagesSent     atomic.Uint64
	framesReceived   atomic.Uint64
	eventsDropped    atomic.Uint64
}

// New creates a bridge and starts its event dispatcher.
func New(opts ...Option) *Bridge {
	b := &Bridge{
		logger:    slog.Default().With("component", "bridge"),
		timeout:   DefaultTimeout,
		connected: make(chan struct{}),
		pending:   make(map[string]chan *protocol.ResultData),
		callbacks: newCallbacks(),
		maxLossy:  DefaultEventBacklog,
		wake:      make(chan struct{}, 1),
		quit:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	go b.dispatch()
	return b
}

// Close stops the dispatcher and fails pending commands.
func (b *Bridge) Close() {
	b.closeOnce.Do(func() {
		close(b.quit)
		b.mu.Lock()
		b.failPendingLocked()
		p := b.page
		b.mu.Unlock()
		if p != nil {
			p.hangUp()
		}
	})
}

// event is a queued callback delivery
type event struct {
	fn    func()
	lossy bool
}

// lossyKind reports whether events of kind may be dropped under backlog.
func lossyKind(kind string) bool {
	return kind == protocol.EventGaze || kind == protocol.EventDebug
}

// dispatch delivers vendor callbacks off the read loop, so a handler may
// issue a command and wait for its result.
func (b *Bridge) dispatch() {
	for {
		select {
		case <-b.wake:
		case <-b.quit:
			return
		}
		for {
			ev, ok := b.nextEvent()
			if !ok {
				break
			}
			ev.fn()
			select {
			case <-b.quit:
				return
			default:
			}
		}
	}
}

func (b *Bridge) nextEvent() (event, bool) {
	b.eventMu.Lock()
	defer b.eventMu.Unlock()
	if len(b.events) == 0 {
		return event{}, false
	}
	ev := b.events[0]
	b.events[0] = event{}
	b.events = b.events[1:]
	if ev.lossy {
		b.lossy--
	}
	return ev, true
}

// enqueue queues fn for the dispatcher. It never blocks. A lossy event is
// dropped while maxLossy of them are already waiting.
func (b *Bridge) enqueue(lossy bool, fn func()) {
	b.eventMu.Lock()
	if lossy && b.lossy >= b.maxLossy {
		b.eventMu.Unlock()
		if n := b.eventsDropped.Add(1); n == 1 || n%100 == 0 {
			b.logger.Warn("event backlog full, dropping gaze events", "dropped", n)
		}
		return
	}
	b.events = append(b.events, event{fn: fn, lossy: lossy})
	if lossy {
		b.lossy++
	}
	b.eventMu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// RegisterRoutes registers the page WebSocket route on a Fiber app
func (b *Bridge) RegisterRoutes(app fiber.Router) {
	app.Use("/ws/sdk", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/sdk", websocket.New(b.handlePage))
}

// handlePage serves one page connection
func (b *Bridge) handlePage(c *websocket.Conn) {
	p := &page{conn: c, connected: time.Now(), lastSeen: time.Now()}

	b.mu.Lock()
	old := b.page
	if old != nil {
		b.failPendingLocked()
	} else {
		close(b.connected)
	}
	b.page = p
	b.mu.Unlock()

	if old != nil {
		b.logger.Warn("page replaced by a new connection")
		old.hangUp()
	}
	b.logger.Info("page connected", "remote", c.RemoteAddr().String())

	defer func() {
		p.release()
		b.mu.Lock()
		if b.page == p {
			b.page = nil
			b.connected = make(chan struct{})
			b.failPendingLocked()
		}
		b.mu.Unlock()
		b.logger.Info("page disconnected")
	}()

	// Read loop
	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			b.logger.Debug("page read error", "error", err)
			return
		}

		p.mu.Lock()
		p.lastSeen = time.Now()
		p.mu.Unlock()

		b.messagesReceived.Add(1)
		b.handleMessage(p, data)
	}
}

// handleMessage processes an incoming message from the page
func (b *Bridge) handleMessage(p *page, data []byte) {
	msg, err := protocol.ParseMessage(data)
	if err != nil {
		b.logger.Debug("parse error", "error", err)
		return
	}

	switch msg.Type {
	case protocol.TypeHello:
		hello, err := msg.GetHelloData()
		if err != nil {
			return
		}
		b.mu.Lock()
		p.hello = *hello
		b.mu.Unlock()
		b.logger.Info("page hello", "sdk_version", hello.SDKVersion, "origin", hello.Origin)

	case protocol.TypeResult:
		res, err := msg.GetResultData()
		if err != nil {
			b.logger.Debug("bad result", "error", err)
			return
		}
		b.mu.Lock()
		ch, ok := b.pending[res.ID]
		delete(b.pending, res.ID)
		b.mu.Unlock()
		if !ok {
			b.logger.Debug("result for unknown command", "id", res.ID)
			return
		}
		ch <- res

	case protocol.TypeEvent:
		ev, err := msg.GetEventData()
		if err != nil {
			b.logger.Debug("bad event", "error", err)
			return
		}
		b.enqueue(lossyKind(ev.Kind), func() { b.callbacks.deliver(ev) })

	case protocol.TypeFrame:
		b.framesReceived.Add(1)
		frame, err := msg.GetFrameData()
		if err != nil {
			return
		}
		jpeg, err := frame.DecodeFrameData()
		if err != nil {
			return
		}
		b.frameMu.Lock()
		b.latestFrame = jpeg
		b.frameMu.Unlock()
		if b.sink != nil {
			b.sink(jpeg)
		}

	case protocol.TypePing:
		// Respond with pong
		pong, err := protocol.NewPongMessage("", msg.Timestamp, time.Now().UnixMilli())
		if err == nil {
			p.send(pong)
		}
	}
}

// failPendingLocked wakes every waiting command with a nil result.
// Caller must hold b.mu.
func (b *Bridge) failPendingLocked() {
	for id, ch := range b.pending {
		close(ch)
		delete(b.pending, id)
	}
}

// request sends a command and waits for its result
func (b *Bridge) request(ctx context.Context, name string, args ...any) (*protocol.ResultData, error) {
	id := uuid.NewString()
	msg, err := protocol.NewCommandMessage(id, name, args...)
	if err != nil {
		return nil, err
	}

	ch := make(chan *protocol.ResultData, 1)
	b.mu.Lock()
	select {
	case <-b.quit:
		b.mu.Unlock()
		return nil, ErrClosed
	default:
	}
	p := b.page
	if p == nil {
		b.mu.Unlock()
		return nil, ErrNotConnected
	}
	b.pending[id] = ch
	b.mu.Unlock()

	forget := func() {
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
	}

	b.messagesSent.Add(1)
	if err := p.send(msg); err != nil {
		forget()
		return nil, fmt.Errorf("bridge: send %s: %w", name, err)
	}

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case res, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("%w during %s", ErrDisconnected, name)
		}
		if res.Error != "" {
			return res, &PageError{Command: name, Name: res.Name, Message: res.Error}
		}
		return res, nil
	case <-timer.C:
		forget()
		return nil, fmt.Errorf("%w: %s after %v", ErrTimeout, name, b.timeout)
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	}
}

// WaitConnected blocks until a page is connected or ctx is done.
func (b *Bridge) WaitConnected(ctx context.Context) error {
	b.mu.RLock()
	ch := b.connected
	b.mu.RUnlock()

	select {
	case <-ch:
		return nil
	case <-b.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connected reports whether a page is connected.
func (b *Bridge) Connected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.page != nil
}

// LatestJPEG returns the most recent preview frame sent by the page.
func (b *Bridge) LatestJPEG() []byte {
	b.frameMu.RLock()
	defer b.frameMu.RUnlock()

	if b.latestFrame == nil {
		return nil
	}
	frame := make([]byte, len(b.latestFrame))
	copy(frame, b.latestFrame)
	return frame
}

// Stats contains bridge statistics
type Stats struct {
	Connected        bool   `json:"connected"`
	MessagesReceived uint64 `json:"messages_received"`
	MessagesSent     uint64 `json:"messages_sent"`
	FramesReceived   uint64 `json:"frames_received"`
	EventsDropped    uint64 `json:"events_dropped"`
}

// GetStats returns bridge statistics
func (b *Bridge) GetStats() Stats {
	return Stats{
		Connected:        b.Connected(),
		MessagesReceived: b.messagesReceived.Load(),
		MessagesSent:     b.messagesSent.Load(),
		FramesReceived:   b.framesReceived.Load(),
		EventsDropped:    b.eventsDropped.Load(),
	}
}

// PageInfo contains info about the connected page
type PageInfo struct {
	Connected  time.Time `json:"connected"`
	LastSeen   time.Time `json:"last_seen"`
	SDKVersion string    `json:"sdk_version,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
	Origin     string    `json:"origin,omitempty"`
}

// GetPageInfo returns info about the connected page, or nil.
func (b *Bridge) GetPageInfo() *PageInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p := b.page
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return &PageInfo{
		Connected:  p.connected,
		LastSeen:   p.lastSeen,
		SDKVersion: p.hello.SDKVersion,
		UserAgent:  p.hello.UserAgent,
		Origin:     p.hello.Origin,
	}
}

// RegisterAPIRoutes registers API routes for page inspection
func (b *Bridge) RegisterAPIRoutes(api fiber.Router) {
	api.Get("/bridge", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"page":  b.GetPageInfo(),
			"stats": b.GetStats(),
		})
	})
}
