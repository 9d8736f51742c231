package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teranos/segpulse/errors"
	"github.com/teranos/segpulse/logger"
)

// WebSocket timeout constants following Gorilla best practices
// See: https://github.com/gorilla/websocket/blob/master/examples/chat/client.go
const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 54 * time.Second

	// Maximum message size allowed from peer. Client messages are small.
	maxMessageSize = 4 * 1024
)

// Connection is one authenticated subscriber. Its room set is guarded by the
// hub's lock; send is closed exactly once, by the hub.
type Connection struct {
	id        string
	userID    string
	send      chan []byte
	rooms     map[string]struct{}
	closeOnce sync.Once
}

// ID returns the connection id
func (c *Connection) ID() string { return c.id }

// UserID returns the authenticated user
func (c *Connection) UserID() string { return c.userID }

// Messages returns the queue of encoded messages for this connection. It is
// closed on disconnect.
func (c *Connection) Messages() <-chan []byte { return c.send }

func (c *Connection) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// wsClient pumps a Connection over a WebSocket
type wsClient struct {
	server *Server
	conn   *Connection
	ws     *websocket.Conn
}

// readPump handles reading messages from the WebSocket connection
func (c *wsClient) readPump() {
	defer func() {
		c.server.hub.Disconnect(c.conn)
		c.ws.Close()
	}()

	// Configure connection limits and timeouts per Gorilla best practices
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, messageBytes, err := c.ws.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			c.server.logger.Warnw("JSON unmarshal error",
				logger.FieldError, err.Error(),
				logger.FieldConnectionID, c.conn.id,
			)
			continue
		}

		c.routeMessage(&msg)
	}
}

// handleReadError logs unexpected WebSocket read errors.
// Expected closure codes (going away, abnormal, no status) are silently ignored.
func (c *wsClient) handleReadError(err error) {
	if websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseNoStatusReceived,
	) {
		c.server.logger.Warnw("WebSocket read error",
			logger.FieldError, err,
			logger.FieldConnectionID, c.conn.id,
		)
	}
}

// routeMessage dispatches incoming WebSocket messages
func (c *wsClient) routeMessage(msg *ClientMessage) {
	hub := c.server.hub
	switch msg.Type {
	case msgJoinProject:
		ctx, cancel := context.WithTimeout(c.server.ctx, writeWait)
		err := hub.JoinScopeRoom(ctx, c.conn, msg.ProjectID)
		cancel()
		if err != nil {
			kind := errors.KindOf(err)
			if kind == errors.KindInternal {
				c.server.logger.Errorw("Join failed",
					logger.FieldConnectionID, c.conn.id,
					logger.FieldProjectID, msg.ProjectID,
					logger.FieldError, err)
			}
			hub.reply(c.conn, Message{Type: msgError, ProjectID: msg.ProjectID, Error: publicMessage(kind)})
			return
		}
		hub.reply(c.conn, Message{Type: msgJoined, ProjectID: msg.ProjectID})
	case msgLeaveProject:
		hub.LeaveScopeRoom(c.conn, msg.ProjectID)
		hub.reply(c.conn, Message{Type: msgLeft, ProjectID: msg.ProjectID})
	case msgPing:
		hub.reply(c.conn, Message{Type: msgPong})
	default:
		c.server.logger.Debugw("Unknown message type",
			"type", msg.Type,
			logger.FieldConnectionID, c.conn.id,
		)
	}
}

// writePump writes queued messages and keepalive pings
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case data, ok := <-c.conn.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.server.logger.Debugw("Message write error",
					logger.FieldError, err.Error(),
					logger.FieldConnectionID, c.conn.id,
				)
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
