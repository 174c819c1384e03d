package ws

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spiretalk/spiretalk/globals"
	"github.com/spiretalk/spiretalk/types"
)

const sendChannelSize = 1000

// Client is a middleman between one websocket connection and the room hub.
type Client struct {
	hub *Hub

	// The websocket connection. Nil in tests, which only exercise the hub
	// dispatch path.
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	Send chan []byte

	// ConnectionId is the relay routing key for this connection. Assigned by
	// the handler (client-supplied stable id or a fresh uuid).
	ConnectionId string

	// participant snapshot, set when the join is admitted
	participant types.Participant
	joined      bool

	lastActivity int64 // unix nano, atomic

	doneChan  chan struct{}
	closeOnce sync.Once

	// WaitGroup which keeps track of running read/write loops and write
	// access to Send. If the WaitGroup is done, it is safe to close the
	// channel.
	sync.WaitGroup
}

func NewClient(hub *Hub, conn *websocket.Conn, connectionId string, doneChan chan struct{}) *Client {
	c := &Client{
		hub:          hub,
		conn:         conn,
		Send:         make(chan []byte, sendChannelSize),
		ConnectionId: connectionId,
		doneChan:     doneChan,
	}
	c.touch()
	return c
}

// touch records connection activity for the idle sweep.
func (c *Client) touch() {
	atomic.StoreInt64(&c.lastActivity, time.Now().UnixNano())
}

// LastActivity returns the time of the last inbound frame.
func (c *Client) LastActivity() time.Time {
	return time.Unix(0, atomic.LoadInt64(&c.lastActivity))
}

// closeConn force-closes the underlying connection, which makes the read
// loop exit and run the regular unregister path.
func (c *Client) closeConn() {
	c.closeOnce.Do(func() {
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

// ReadLoop pumps messages from the websocket connection to the hub.
//
// The application runs ReadLoop in a per-connection goroutine. The
// application ensures that there is at most one reader on a connection by
// executing all reads from this goroutine.
func (c *Client) ReadLoop() {
	defer func() {
		c.closeConn()
		close(c.doneChan)
		c.Done()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.touch()
		return nil
	})
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				globals.AppLogger.Debug("ws closed unexpected", "error", err)
			}
			return
		}
		c.touch()
		env := &types.Envelope{}
		if err := json.Unmarshal(raw, env); err != nil {
			// a malformed frame gets a unicast error, the connection stays up
			c.hub.Inbound <- inbound{client: c, malformed: true}
			continue
		}
		c.hub.Inbound <- inbound{client: c, env: env}
	}
}

// WriteLoop pumps messages from the hub to the websocket connection.
//
// A goroutine running WriteLoop is started for each connection. The
// application ensures that there is at most one writer to a connection by
// executing all writes from this goroutine.
func (c *Client) WriteLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConn()
		c.Done()
	}()
	for {
		select {
		case message, ok := <-c.Send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)
			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.doneChan:
			return
		}
	}
}

// enqueue puts a marshalled envelope on the send channel. The relay is
// best-effort: when a client cannot drain its channel the frame is dropped
// rather than stalling the room loop.
func (c *Client) enqueue(data []byte) {
	select {
	case c.Send <- data:
	default:
		globals.AppLogger.Warn("send channel full, dropping frame", "connection", c.ConnectionId)
	}
}
