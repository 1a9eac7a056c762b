// Package ws implements the WebSocket session layer: one goroutine pair
// per connection pumping frames, and a session wrapper that ties a
// connection's lifetime to presence registration and room membership.
package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second
	// pongWait is how long a connection may stay silent before the read
	// pump gives up on it.
	pongWait = 60 * time.Second
	// pingPeriod must be shorter than pongWait.
	pingPeriod = 54 * time.Second
	// maxFrameSize caps inbound frames. Voice uploads go over HTTP, so
	// socket frames stay small.
	maxFrameSize = 64 * 1024
	// sendBuffer is the per-connection outbound queue depth. Send drops
	// the frame once this fills; the peer is too slow to keep.
	sendBuffer = 256
)

// frame is the wire envelope in both directions.
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Client wraps one WebSocket connection. It satisfies presence.Conn: Send
// queues into a buffered channel drained by the write pump, so callers
// holding registry locks never block on the network.
type Client struct {
	id        string
	username  string
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	log       zerolog.Logger
}

// NewClient wraps conn for username. The connection ID is fresh per
// instance so stale-disconnect guards can tell reconnections apart.
func NewClient(conn *websocket.Conn, username string, log zerolog.Logger) *Client {
	id := uuid.New().String()
	return &Client{
		id:       id,
		username: username,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
		log:      log.With().Str("conn_id", id).Str("username", username).Logger(),
	}
}

// ID returns the connection instance identifier.
func (c *Client) ID() string { return c.id }

// Username returns the authenticated username bound to this connection.
func (c *Client) Username() string { return c.username }

// Send queues an event frame for the write pump. It returns false when
// the queue is full; the frame is dropped rather than blocking the
// caller, and the slow connection will be reaped by its deadlines.
func (c *Client) Send(event string, data any) bool {
	payload, err := json.Marshal(data)
	if err != nil {
		c.log.Error().Err(err).Str("event", event).Msg("marshaling outbound frame")
		return false
	}
	raw, err := json.Marshal(frame{Event: event, Data: payload})
	if err != nil {
		c.log.Error().Err(err).Str("event", event).Msg("marshaling outbound envelope")
		return false
	}
	select {
	case <-c.done:
		return false
	case c.send <- raw:
		return true
	default:
		c.log.Warn().Str("event", event).Msg("send buffer full, dropping frame")
		return false
	}
}

// readPump consumes inbound frames and hands them to handle until the
// connection dies. It runs on the session goroutine.
func (c *Client) readPump(handle func(frame)) {
	defer c.conn.Close()

	c.conn.SetReadLimit(maxFrameSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.Error().Err(err).Msg("setting read deadline")
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn().Err(err).Msg("unexpected close")
			}
			return
		}
		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			c.log.Debug().Err(err).Msg("discarding malformed frame")
			continue
		}
		handle(f)
	}
}

// writePump drains the send queue onto the wire and keeps the connection
// alive with pings. It owns all writes to the connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case raw := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// close stops the write pump, which closes the underlying connection.
// Safe to call more than once and concurrently with Send.
func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}
