package server

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rubato-io/rubato/store"
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

	// Maximum message size allowed from peer
	maxMessageSize = 4096
)

// Event types pushed on /ws/events.
const (
	EventRunStarted  = "run.started"
	EventRunFinished = "run.finished"
)

// Event is one run lifecycle edge. Subscribers only ever see runs of
// their own tenant.
type Event struct {
	Type string     `json:"type"`
	Run  *store.Run `json:"run"`
}

// Client is one websocket subscriber.
type Client struct {
	server    *Server
	conn      *websocket.Conn
	send      chan *Event
	id        string
	userID    string
	closeOnce sync.Once
}

// close shuts the send channel exactly once; writePump sees the closed
// channel and tears the connection down.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// handleEventsWebSocket upgrades GET /ws/events and registers the client
// with the hub.
func (s *Server) handleEventsWebSocket(w http.ResponseWriter, r *http.Request, userID string) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  2048,
		WriteBufferSize: 2048,
		CheckOrigin:     s.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Errorw("WebSocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	client := &Client{
		server: s,
		conn:   conn,
		send:   make(chan *Event, 32),
		id:     fmt.Sprintf("%s_%d", r.RemoteAddr, time.Now().UnixNano()),
		userID: userID,
	}

	s.register <- client

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		client.readPump()
	}()
	go func() {
		defer s.wg.Done()
		client.writePump()
	}()
}

// readPump drains the connection so pings and close frames are handled.
// The event stream is one-way; inbound payloads are discarded.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.server.unregister <- c:
		case <-c.server.ctx.Done():
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.server.log.Warnw("WebSocket read error",
					"client_id", c.id,
					"error", err,
				)
			}
			return
		}
	}
}

// writePump pushes events and keepalive pings to the peer.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.server.ctx.Done():
			return
		case ev, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				c.server.log.Debugw("WebSocket write failed",
					"client_id", c.id,
					"error", err,
				)
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
