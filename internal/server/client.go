// Package server manages individual WebSocket clients, handling read/write
// pumps, per-frame rate limiting, and lifecycle control for each connection.
package server

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Tyrowin/gomessenger/internal/apperr"
	"github.com/Tyrowin/gomessenger/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	sendBufferSlop = 256
)

// Client represents one WebSocket connection. Once authenticated it is bound
// to a user and registered with the presence registry as a live connection.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
	srv  *Server
	addr string
	// limitKey is the rate-limit origin: the peer's IP address.
	limitKey string

	mu     sync.Mutex
	closed bool
	userID string
}

// NewClient creates a new Client for conn. addr is logged, limitKey is
// charged for every inbound frame. The send buffer holds a full pending queue
// plus headroom so a reconnecting user can always take its backlog.
func NewClient(conn *websocket.Conn, hub *Hub, srv *Server, addr, limitKey string) *Client {
	if conn != nil {
		conn.SetReadLimit(srv.cfg.MaxMessageSize)
	}

	return &Client{
		id:       uuid.NewString(),
		conn:     conn,
		send:     make(chan []byte, srv.cfg.MaxPendingEvents+sendBufferSlop),
		hub:      hub,
		srv:      srv,
		addr:     addr,
		limitKey: limitKey,
	}
}

// ID identifies the connection in logs.
func (c *Client) ID() string {
	return c.id
}

// Send queues frames for the write pump. It never blocks: when the client is
// closed or the buffer cannot take every frame, nothing is queued.
func (c *Client) Send(frames ...[]byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || len(c.send)+len(frames) > cap(c.send) {
		return false
	}
	for _, frame := range frames {
		c.send <- frame
	}
	return true
}

// Close stops the write pump, which then closes the socket. It is idempotent.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *Client) user() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// reply encodes frame and queues it for this connection only.
func (c *Client) reply(frame any) {
	if !c.Send(protocol.Encode(frame)) {
		log.Printf("Dropped reply to %s: send buffer full or connection closed", c.addr)
	}
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		log.Printf("Error setting initial read deadline for %s: %v", c.addr, err)
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			log.Printf("Error setting read deadline in pong handler for %s: %v", c.addr, err)
		}
		return nil
	})
}

// handleReadError logs appropriate error messages based on the error type
// and returns true if the read loop should break
func (c *Client) handleReadError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, websocket.ErrReadLimit) {
		log.Printf("Message from %s exceeded maximum size of %d bytes", c.addr, c.srv.cfg.MaxMessageSize)
		return true
	}

	// Check for expected close scenarios
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure) {
		log.Printf("Client %s disconnected: %v", c.addr, err)
		return true
	}

	// Check for network errors
	if errors.Is(err, io.EOF) || isExpectedCloseError(err) {
		log.Printf("Client %s connection closed: %v", c.addr, err)
		return true
	}

	if websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig) {
		log.Printf("Unexpected WebSocket error from %s: %v", c.addr, err)
		return true
	}

	log.Printf("WebSocket read error from %s: %v", c.addr, err)
	return true
}

// checkRateLimit charges the frame to the client's address and reports
// whether it may be processed. Refused frames get an error reply with the
// remaining cooldown.
func (c *Client) checkRateLimit() bool {
	res := c.srv.limiter.Allow(c.limitKey)
	if res.Allowed {
		return true
	}
	log.Printf("Rate limit exceeded for %s; discarding frame", c.addr)
	c.reply(protocol.NewError(apperr.TooManyRequests(res.RetryAfter)))
	return false
}

// readPump reads frames until the socket fails. Its deferred cleanup always
// unregisters the connection, whatever ended the loop.
func (c *Client) readPump() {
	defer func() {
		c.detach()
		c.hub.remove(c)
		if err := c.conn.Close(); err != nil {
			if !isExpectedCloseError(err) {
				log.Printf("Error closing connection in readPump: %v", err)
			}
		}
	}()

	c.setupReadConnection()

	for {
		_, rawMessage, err := c.conn.ReadMessage()
		if c.handleReadError(err) {
			break
		}

		if !c.checkRateLimit() {
			continue
		}

		c.handleFrame(c.hub.Context(), rawMessage)
	}
}

// detach removes the connection from the presence registry. It runs on a
// context that outlives hub shutdown so the offline transition is persisted.
func (c *Client) detach() {
	userID := c.user()
	if userID == "" {
		return
	}
	c.srv.registry.Unregister(context.WithoutCancel(c.hub.Context()), userID, c)
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message, ok := <-c.send:
		return c.handleMessage(message, ok)
	case <-ticker.C:
		return c.handlePing()
	}
}

// closeConnection safely closes the WebSocket connection with proper error handling
func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil {
		if !isExpectedCloseError(err) {
			log.Printf("Error closing connection in writePump: %v", err)
		}
	}
}

// handleMessage writes one outgoing frame and returns false if the connection should be closed
func (c *Client) handleMessage(message []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		log.Printf("Error setting write deadline for %s: %v", c.addr, err)
		return false
	}

	if !ok {
		return c.writeCloseMessage()
	}

	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			log.Printf("Error writing message to %s: %v", c.addr, err)
		}
		return false
	}
	return true
}

// writeCloseMessage sends a close message to the client
func (c *Client) writeCloseMessage() bool {
	if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
		if !isExpectedCloseError(err) {
			log.Printf("Error writing close message to %s: %v", c.addr, err)
		}
	}
	return false
}

// handlePing sends a ping message to keep the connection alive
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		log.Printf("Error setting write deadline for ping to %s: %v", c.addr, err)
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		log.Printf("Error writing ping message to %s: %v", c.addr, err)
		return false
	}
	return true
}
