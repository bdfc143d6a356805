package server

import (
	"context"
	"sync"
	"time"

	"blockverse/internal/observability"

	"github.com/gofiber/websocket/v2"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 4096

	maxStreamClients = 64
)

// StreamMessage is one frame of the UI change stream.
type StreamMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Hub fans change notifications out to every connected stream client.
type Hub struct {
	mu      sync.RWMutex
	clients map[*streamClient]struct{}
	closed  bool
}

type streamClient struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func NewHub() *Hub {
	return &Hub{clients: make(map[*streamClient]struct{})}
}

// Publish encodes a frame and queues it for every client. Slow clients drop
// frames rather than stall the caches that produce them.
func (h *Hub) Publish(msgType string, data any) {
	frame := mustJSON(StreamMessage{Type: msgType, Data: data})
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- frame:
		default:
			select {
			case c.send <- []byte(`{"type":"messages_dropped","data":{"reason":"buffer_full"}}`):
			default:
			}
		}
	}
}

// deliver queues frame for one client if it is still registered.
func (h *Hub) deliver(c *streamClient, frame []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- frame:
	default:
	}
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) register(conn *websocket.Conn) (*streamClient, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || len(h.clients) >= maxStreamClients {
		return nil, false
	}
	c := &streamClient{conn: conn, send: make(chan []byte, 256)}
	h.clients[c] = struct{}{}
	observability.StreamConnections.Inc()
	return c, true
}

func (h *Hub) unregister(c *streamClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		observability.StreamConnections.Dec()
		c.close()
	}
}

func (c *streamClient) close() {
	c.once.Do(func() { close(c.send) })
}

// Shutdown closes every client's queue; their write pumps then send a close
// frame and exit.
func (h *Hub) Shutdown(_ context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		observability.StreamConnections.Dec()
		c.close()
	}
	return nil
}

// serve runs the pumps of one client until the peer goes away.
func (h *Hub) serve(c *streamClient) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.writePump()
	}()
	c.readPump()
	h.unregister(c)
	<-done
}

// readPump discards client frames; it exists to observe pongs and closure.
func (c *streamClient) readPump() {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { _ = c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *streamClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
