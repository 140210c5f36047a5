package stream

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/klingon-labs/htlc-swap/pkg/logging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsClient is one connected external subscriber.
type wsClient struct {
	conn   *websocket.Conn
	send   chan []byte
	unsub  func()
	log    *logging.Logger
}

// WebSocketHandler serves external subscribers of a Bus's progress
// events over a websocket. Every connected client gets its own Bus
// subscription and simply forwards every Event as JSON.
type WebSocketHandler struct {
	bus *Bus
	log *logging.Logger
}

// NewWebSocketHandler wraps bus for external subscribers.
func NewWebSocketHandler(bus *Bus) *WebSocketHandler {
	return &WebSocketHandler{bus: bus, log: logging.GetDefault().Component("stream-ws")}
}

// ServeHTTP upgrades the connection and streams bus events to it until
// the client disconnects.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("websocket upgrade failed", "error", err)
		return
	}

	events, unsubscribe := h.bus.Subscribe(256)
	client := &wsClient{conn: conn, send: make(chan []byte, 256), unsub: unsubscribe, log: h.log}

	go client.writePump()
	go client.forwardEvents(events)
	go client.readPump()
}

// forwardEvents marshals each Bus event onto the client's send channel.
// A client that cannot keep up has events dropped, same as any other Bus
// subscriber — the stream is best-effort, never blocking.
func (c *wsClient) forwardEvents(events <-chan Event) {
	for event := range events {
		data, err := json.Marshal(event)
		if err != nil {
			continue
		}
		select {
		case c.send <- data:
		default:
		}
	}
}

func (c *wsClient) readPump() {
	defer func() {
		c.unsub()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Debug("websocket read error", "error", err)
			}
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
