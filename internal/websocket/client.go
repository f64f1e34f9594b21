package websocket

import (
	"context"
	"log/slog"
	"sync"
	"time"

	ws "github.com/coder/websocket"

	"github.com/dukerupert/eventful/internal/model"
	"github.com/dukerupert/eventful/internal/validate"
)

const (
	sendBufferSize = 64
	pingInterval   = 30 * time.Second
	maxFrameBytes  = 4096
)

// Authorizer decides whether a user may subscribe to a resource's rooms.
type Authorizer interface {
	CanView(ctx context.Context, userID model.ID, res model.Resource) (bool, error)
}

// Client represents a single WebSocket connection.
type Client struct {
	hub    *Hub
	conn   *ws.Conn
	send   chan []byte
	user   model.ID
	authz  Authorizer
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

// NewClient creates a Client for user tied to the given hub and connection.
// An empty user is an unauthenticated session that cannot join any room.
func NewClient(hub *Hub, conn *ws.Conn, user model.ID, authz Authorizer, logger *slog.Logger) *Client {
	return &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		user:   user,
		authz:  authz,
		logger: logger,
	}
}

func (c *Client) UserID() model.ID { return c.user }

// Deliver queues a frame for writing. It never blocks: a full buffer drops
// the frame, and a closed client ignores it.
func (c *Client) Deliver(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		c.logger.Warn("client send buffer full, dropping frame", "user", c.user)
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Run registers the client, starts the write pump, and runs the read pump.
// It blocks until the connection is closed, then releases every room.
func (c *Client) Run(ctx context.Context) {
	c.hub.Register(c)
	defer c.close()
	defer c.hub.Unregister(c)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.conn.SetReadLimit(maxFrameBytes)
	go c.writePump(ctx)
	c.readPump(ctx)
}

// readPump handles subscription messages until the connection closes.
func (c *Client) readPump(ctx context.Context) {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != ws.MessageText {
			continue
		}
		c.handle(ctx, data)
	}
}

// handle applies one client message. Malformed and unauthorized requests are
// ignored without a reply.
func (c *Client) handle(ctx context.Context, data []byte) {
	var msg ClientMessage
	if err := validate.Unmarshal(data, &msg); err != nil {
		c.logger.Debug("ignoring malformed message", "user", c.user, "error", err)
		return
	}
	addrs, err := msg.Addresses()
	if err != nil {
		c.logger.Debug("ignoring message", "user", c.user, "error", err)
		return
	}

	if !msg.Joining() {
		for _, addr := range addrs {
			c.hub.Leave(c, addr)
		}
		return
	}

	// every address of one message belongs to the same resource
	res := addrs[0].Resource()
	ok, err := c.authz.CanView(ctx, c.user, res)
	if err != nil {
		c.logger.Warn("authorize join", "user", c.user, "resource", res.String(), "error", err)
		return
	}
	if !ok {
		c.logger.Debug("join denied", "user", c.user, "resource", res.String())
		return
	}
	for _, addr := range addrs {
		c.hub.Join(c, addr)
	}
}

// writePump drains the send channel and writes messages to the WebSocket.
// It also sends periodic pings to detect stale connections.
func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.Write(ctx, ws.MessageText, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.Ping(ctx); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
