package signaling

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pairlane/pairlane/internal/v1/logging"
	"github.com/pairlane/pairlane/internal/v1/metrics"
)

// AnswererState is the queue state of a receiver.
type AnswererState string

const (
	StateWaiting AnswererState = "waiting"
	StateActive  AnswererState = "active"
	StateDone    AnswererState = "done"
)

// wsConnection abstracts the gorilla connection so tests can supply fakes.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

// Client is one signalling socket attached to a room. The role, state and
// replaced fields are owned by the room and only touched under its mutex; the
// pumps never read them.
type Client struct {
	conn wsConnection
	room *Room

	Cid      string
	role     string
	state    AnswererState
	joinedAt time.Time
	replaced bool

	mu         sync.RWMutex
	closed     bool
	closeOnce  sync.Once
	closeFrame []byte

	send chan []byte
}

func newClient(conn wsConnection, room *Room, cid string) *Client {
	return &Client{
		conn: conn,
		room: room,
		Cid:  cid,
		send: make(chan []byte, 64),
	}
}

// Role returns the role assigned on admission.
func (c *Client) Role() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.role
}

// Disconnect closes the send channel, which drives the writePump to emit a
// close frame and tear the connection down. Safe to call more than once.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.closeOnce.Do(func() { close(c.send) })
}

// evict marks the socket replaced and closes it with a graceful close frame
// so the old endpoint knows a newer socket took over its cid.
func (c *Client) evict(reason string) {
	c.mu.Lock()
	c.closeFrame = websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	c.mu.Unlock()
	c.Disconnect()
}

// sendFrame marshals and queues a frame. A full buffer means the socket is
// not draining; the frame is dropped and the client will recover via its own
// state machine.
func (c *Client) sendFrame(frame *ServerFrame) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return
	}
	c.mu.RUnlock()

	data, err := json.Marshal(frame)
	if err != nil {
		logging.Error(context.Background(), "Failed to marshal signalling frame", zap.Error(err))
		return
	}

	defer func() {
		if r := recover(); r != nil {
			logging.Warn(context.Background(), "Recovered from send to closing client", zap.String("clientId", c.Cid), zap.Any("panic", r))
		}
	}()

	select {
	case c.send <- data:
	default:
		logging.Warn(context.Background(), "Client send channel full, dropping frame",
			zap.String("clientId", c.Cid), zap.String("frameType", frame.Type))
	}
}

// readPump reads client frames and hands them to the room actor.
func (c *Client) readPump() {
	defer func() {
		c.room.handleClientDisconnect(c)
		c.conn.Close()
		metrics.DecConnection()
	}()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var frame ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			logging.Warn(context.Background(), "Dropping malformed signalling frame",
				zap.String("clientId", c.Cid), zap.Error(err))
			continue
		}

		c.room.handleFrame(c, &frame)
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()
	writeWait := 10 * time.Second

	for {
		message, ok := <-c.send
		if !ok {
			c.mu.RLock()
			closeFrame := c.closeFrame
			c.mu.RUnlock()
			if closeFrame == nil {
				closeFrame = websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, closeFrame)
			return
		}

		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			logging.Error(context.Background(), "error writing signalling frame", zap.Error(err))
			return
		}
	}
}
