package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spiretalk/spiretalk/globals"
	"github.com/spiretalk/spiretalk/types"
)

const (
	signalWriteWait  = 10 * time.Second
	signalPingPeriod = time.Minute
)

// SignalConn is the client side of the signaling connection: one websocket
// per call session, carrying envelopes in both directions.
type SignalConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	roomId  string
}

// DialSignal connects to the relay endpoint of one room. The url is the
// server base, f.e. ws://host:8000.
func DialSignal(ctx context.Context, serverUrl, roomId, idToken, provider string) (*SignalConn, error) {
	endpoint := fmt.Sprintf("%s/rooms/%s/ws", serverUrl, roomId)
	if idToken != "" {
		endpoint = fmt.Sprintf("%s?id_token=%s&provider=%s", endpoint, idToken, provider)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("error dialing signaling endpoint: %w", err)
	}
	return &SignalConn{conn: conn, roomId: roomId}, nil
}

// Send writes one envelope. Safe for concurrent use; the sessions and the
// manager all funnel through here.
func (c *SignalConn) Send(env *types.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		globals.AppLogger.Error("could not marshal envelope", "error", err)
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(signalWriteWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		globals.AppLogger.Error("could not send envelope", "error", err)
	}
}

// Join announces this connection to the room.
func (c *SignalConn) Join(displayName string) {
	c.Send(types.NewEnvelope(types.MessageTypeJoinRoom, c.roomId, "", "",
		types.JoinPayload{DisplayName: displayName}))
}

// Run reads envelopes and hands them to handle until the context is
// cancelled or the connection drops. A ping ticker doubles as the heartbeat
// the server's idle sweep watches for.
func (c *SignalConn) Run(ctx context.Context, handle func(*types.Envelope)) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(signalPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.writeMu.Lock()
				c.conn.SetWriteDeadline(time.Now().Add(signalWriteWait))
				err := c.conn.WriteMessage(websocket.PingMessage, nil)
				c.writeMu.Unlock()
				if err != nil {
					return
				}
			case <-ctx.Done():
				c.conn.Close()
				return
			case <-done:
				return
			}
		}
	}()
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("signaling connection lost: %w", err)
		}
		env := &types.Envelope{}
		if err := json.Unmarshal(raw, env); err != nil {
			globals.AppLogger.Debug("dropping unparsable envelope", "error", err)
			continue
		}
		handle(env)
	}
}

// Close sends leave-room and closes the websocket.
func (c *SignalConn) Close() error {
	c.Send(types.NewEnvelope(types.MessageTypeLeaveRoom, c.roomId, "", "", nil))
	return c.conn.Close()
}
