package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/teranos/hone/logger"
	"github.com/teranos/hone/pipeline"
)

const (
	// writeTimeout bounds each outbound frame, keepalive pings included.
	writeTimeout = 10 * time.Second

	// pongTimeout is how long a silent peer stays connected. Every pong
	// pushes the read deadline out by this much.
	pongTimeout = 60 * time.Second

	// pingInterval must stay under pongTimeout or healthy clients get
	// disconnected between pings.
	pingInterval = 54 * time.Second

	// maxInboundBytes caps inbound frames. The progress socket is
	// broadcast-only, so inbound traffic is control frames and noise.
	maxInboundBytes = 512

	// Per-client send buffer, in events. A bursty iteration produces at
	// most a few dozen events, so overflow means the client stopped
	// reading.
	sendBuffer = 64
)

// expectedCloseCodes are the shutdown paths browsers take when a tab
// closes or navigates away. Anything else gets logged.
var expectedCloseCodes = []int{
	websocket.CloseGoingAway,
	websocket.CloseAbnormalClosure,
	websocket.CloseNoStatusReceived,
}

// Client is one websocket subscriber receiving every run's progress
// events.
type Client struct {
	server    *Server
	conn      *websocket.Conn
	send      chan pipeline.Event
	id        string
	closeOnce sync.Once
}

// close closes the send channel exactly once, ending the write pump.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

func (c *Client) resetReadDeadline() error {
	return c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
}

// handleWebSocket upgrades the connection and hands it to the hub.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  2048,
		WriteBufferSize: 2048,
		CheckOrigin:     s.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		s.logger.Warnw("WebSocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		server: s,
		conn:   conn,
		send:   make(chan pipeline.Event, sendBuffer),
		id:     "ws_" + uuid.New().String()[:8],
	}

	select {
	case s.register <- client:
	case <-s.ctx.Done():
		conn.Close()
		return
	}

	s.wg.Add(2)
	go client.writePump()
	go client.readPump()
}

// readPump drains the connection so close frames and pongs are
// processed. Clients don't send application messages on this socket;
// any payload is discarded.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.server.unregister <- c:
		case <-c.server.ctx.Done():
		}
		c.conn.Close()
		c.server.wg.Done()
	}()

	c.conn.SetReadLimit(maxInboundBytes)
	c.resetReadDeadline()
	c.conn.SetPongHandler(func(string) error { return c.resetReadDeadline() })

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, expectedCloseCodes...) {
				c.server.logger.Warnw("WebSocket read error",
					logger.FieldClientID, c.id,
					"error", err,
				)
			}
			return
		}
	}
}

// writeEvent sends one progress event under the write deadline.
func (c *Client) writeEvent(ev pipeline.Event) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(ev)
}

// writeControl sends a ping or close frame under the write deadline.
func (c *Client) writeControl(messageType int) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(messageType, nil)
}

// writePump serializes all writes to the connection: progress events
// from the hub and the keepalive pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.server.wg.Done()
	}()

	for {
		select {
		case <-c.server.ctx.Done():
			return
		case ev, ok := <-c.send:
			if !ok {
				c.writeControl(websocket.CloseMessage)
				return
			}
			if err := c.writeEvent(ev); err != nil {
				c.server.logger.Debugw("WebSocket write error",
					logger.FieldClientID, c.id,
					"error", err,
				)
				return
			}
		case <-ticker.C:
			if err := c.writeControl(websocket.PingMessage); err != nil {
				return
			}
		}
	}
}
