package runhub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"grouparchive/backend/internal/fetch"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

// WebSocketSubscriber streams one run's events to a browser or CLI client.
// The connection is read only to process control frames.
type WebSocketSubscriber struct {
	RunID string
	Conn  *websocket.Conn
	Hub   *Hub
	Send  chan fetch.Event
	Log   zerolog.Logger

	closeOnce sync.Once
}

func NewWebSocketSubscriber(runID string, conn *websocket.Conn, hub *Hub, log zerolog.Logger) *WebSocketSubscriber {
	return &WebSocketSubscriber{
		RunID: runID,
		Conn:  conn,
		Hub:   hub,
		Send:  make(chan fetch.Event, 64),
		Log:   log,
	}
}

func (c *WebSocketSubscriber) GetRunID() string                   { return c.RunID }
func (c *WebSocketSubscriber) GetSendChannel() chan<- fetch.Event { return c.Send }

func (c *WebSocketSubscriber) Run() {
	go c.writePump()
	go c.readPump()
}

// Close closes Send, which makes writePump send a close frame.
func (c *WebSocketSubscriber) Close() {
	c.closeOnce.Do(func() { close(c.Send) })
}

func (c *WebSocketSubscriber) readPump() {
	defer func() {
		c.Hub.Unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.Log.Debug().Err(err).Str("run_id", c.RunID).Msg("WebSocket read error")
			}
			return
		}
	}
}

func (c *WebSocketSubscriber) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"))
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				c.Log.Error().Err(err).Str("run_id", c.RunID).Msg("Error encoding run event")
				continue
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
