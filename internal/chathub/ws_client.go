package chathub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"strangertalk/backend/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 25 * time.Second
	maxMessageSize = 16384

	// sendBufferSize bounds the outbound queue per connection.
	sendBufferSize = 64
)

// WebSocketClient implements Client over a gorilla/websocket connection.
type WebSocketClient struct {
	userID  string
	conn    *websocket.Conn
	hub     *ManagerService
	session *SessionController
	log     zerolog.Logger

	send chan models.SignalMessage

	mu     sync.Mutex
	closed bool
}

func NewWebSocketClient(userID string, conn *websocket.Conn, hub *ManagerService, log zerolog.Logger) *WebSocketClient {
	return &WebSocketClient{
		userID: userID,
		conn:   conn,
		hub:    hub,
		log:    log.With().Str("user", userID).Logger(),
		send:   make(chan models.SignalMessage, sendBufferSize),
	}
}

// Bind attaches the session controller after construction; the client and
// its controller reference each other.
func (c *WebSocketClient) Bind(session *SessionController) {
	c.session = session
}

func (c *WebSocketClient) GetUserID() string { return c.userID }

// Send queues a frame without blocking.
func (c *WebSocketClient) Send(msg models.SignalMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Buffered reports frames queued but not yet written out.
func (c *WebSocketClient) Buffered() int {
	return len(c.send)
}

// Run starts the read and write pumps.
func (c *WebSocketClient) Run() {
	go c.writePump()
	go c.readPump()
}

// Close stops accepting frames and closes the send channel; buffered
// frames are still flushed by the write pump before the connection goes
// away.
func (c *WebSocketClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// readPump delivers inbound frames to the session controller in arrival
// order. It owns the disconnect transition: whatever ends the read loop
// (peer close, keepalive timeout, write failure) funnels through the
// deferred teardown exactly once.
func (c *WebSocketClient) readPump() {
	defer func() {
		c.session.Disconnect(context.Background())
		c.hub.Unregister(c.userID)
		c.Close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Warn().Err(err).Msg("read error")
			}
			return
		}

		var msg models.SignalMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Debug().Err(err).Msg("malformed frame")
			c.Send(models.ErrorMessage("malformed message"))
			continue
		}
		c.session.HandleMessage(context.Background(), msg)
	}
}

// writePump serializes all writes to the connection: queued frames and
// keepalive pings.
func (c *WebSocketClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				c.log.Warn().Err(err).Msg("write error")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
