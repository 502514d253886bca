package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"otsync/protocol"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// pingPeriod is how often pings are sent. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum inbound message size in bytes.
	maxMessageSize = 512 * 1024

	// sendBufferSize is the outbound queue depth per connection.
	sendBufferSize = 256
)

// conn wraps a WebSocket connection with a buffered outbound queue and
// a write pump. Reads happen on the owning goroutine via readPump;
// writes come from any goroutine via enqueue.
type conn struct {
	ws     *websocket.Conn
	send   chan []byte
	logger *zap.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

func newConn(ws *websocket.Conn, logger *zap.Logger) *conn {
	return &conn{
		ws:     ws,
		send:   make(chan []byte, sendBufferSize),
		logger: logger,
		closed: make(chan struct{}),
	}
}

// enqueue serializes msg onto the outbound queue. It returns false when
// the queue is full or the connection is closed; callers treat a full
// queue as a slow consumer and disconnect it.
func (c *conn) enqueue(msg protocol.Message) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("failed to encode outbound message",
			zap.String("type", string(msg.Type)),
			zap.Error(err))
		return true
	}
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	case <-c.closed:
		return false
	default:
		return false
	}
}

// writePump drains the outbound queue and keeps the connection alive
// with periodic pings. It exits when the connection closes or a write
// fails.
func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case <-c.closed:
			return
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump reads messages until the connection fails or closes and
// hands each payload to handle. The read deadline is refreshed by pongs.
func (c *conn) readPump(handle func(data []byte)) {
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}
		handle(data)
	}
}

// close sends a close frame with the given code and tears down the
// connection. Safe to call from any goroutine, repeatedly.
func (c *conn) close(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.closed)
		deadline := time.Now().Add(writeWait)
		message := websocket.FormatCloseMessage(code, reason)
		c.ws.WriteControl(websocket.CloseMessage, message, deadline)
		c.ws.Close()
	})
}
