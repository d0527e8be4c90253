package hub

import (
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
)

// Keepalive defaults. The ping period must stay below the pong wait.
const (
	DefaultWriteWait  = 10 * time.Second
	DefaultPongWait   = 60 * time.Second
	DefaultPingPeriod = (DefaultPongWait * 9) / 10
	DefaultReadLimit  = 512 * 1024
	sendBuffer        = 256
)

// Client is one websocket connection registered with a hub.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan Message
	done   chan struct{} // closed when writePump exits
	id     string
	remote string
	since  time.Time
}

// ClientInfo describes a connected client.
type ClientInfo struct {
	ID          string    `json:"id"`
	Remote      string    `json:"remote,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
}

// NewClient registers conn with hub. It returns nil once the hub is closed.
func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	c := &Client{
		hub:   hub,
		conn:  conn,
		send:  make(chan Message, sendBuffer),
		done:  make(chan struct{}),
		id:    uuid.NewString(),
		since: time.Now(),
	}
	if conn != nil {
		if addr := conn.RemoteAddr(); addr != nil {
			c.remote = addr.String()
		}
	}
	select {
	case hub.register <- c:
		return c
	case <-hub.quit:
		return nil
	}
}

// ID returns the client's connection id.
func (c *Client) ID() string { return c.id }

// Info returns a description of the client.
func (c *Client) Info() ClientInfo {
	return ClientInfo{ID: c.id, Remote: c.remote, ConnectedAt: c.since}
}

// Send queues msg for this client only. It reports false when the client
// is gone or its queue is full.
func (c *Client) Send(msg Message) bool {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if !c.hub.clients[c] {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Run pumps the connection until it closes. Call it from the websocket
// handler; it blocks until both pumps have stopped, since the handler's
// return hands the connection back to the upgrader's pool.
func (c *Client) Run() {
	go c.writePump()
	c.readPump()
	<-c.done
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.quit:
		}
		c.conn.Close()
	}()

	k := c.hub.keepalive
	c.conn.SetReadLimit(k.readLimit)
	c.conn.SetReadDeadline(time.Now().Add(k.pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(k.pongWait))
	})

	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if mt == websocket.TextMessage && c.hub.inbound != nil {
			c.hub.inbound(c, data)
		}
	}
}

// writePump is the only writer on the connection.
func (c *Client) writePump() {
	k := c.hub.keepalive
	ping := time.NewTicker(k.pingPeriod)
	defer func() {
		ping.Stop()
		c.conn.Close()
		close(c.done)
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.write(websocket.CloseMessage, nil)
				return
			}
			if err := c.write(msg.Type.frame(), msg.Data); err != nil {
				return
			}
		case <-ping.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) write(frame int, data []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(c.hub.keepalive.writeWait))
	return c.conn.WriteMessage(frame, data)
}
