package comms

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360/nodeflow/metric"
	"github.com/c360/nodeflow/node"
)

const (
	writeWait   = 10 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = (pongWait * 9) / 10
	sendBuffer  = 256
	maxReadSize = 4096
)

// Hub is the editor comms endpoint. Each websocket client receives every
// event published after it connected, plus the last status of every node
// when it connects. A client that cannot keep up is disconnected.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger
	metrics  *metric.Metrics

	mu       sync.RWMutex
	clients  map[*client]struct{}
	retained map[string][]byte
	closed   bool
	wg       sync.WaitGroup
}

type client struct {
	conn      *websocket.Conn
	send      chan []byte
	closeOnce sync.Once
}

func (c *client) close() {
	c.closeOnce.Do(func() { close(c.send) })
}

// NewHub creates a hub. metrics may be nil.
func NewHub(logger *slog.Logger, metrics *metric.Metrics) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(*http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger:   logger.With("component", "comms"),
		metrics:  metrics,
		clients:  make(map[*client]struct{}),
		retained: make(map[string][]byte),
	}
}

// Publish implements Sink.
func (h *Hub) Publish(ev node.Event) {
	frame, err := encode(ev)
	h.metrics.RecordEvent("comms", ev.Topic, err)
	if err != nil {
		h.logger.Debug("Dropped unencodable event", "topic", ev.Topic, "error", err)
		return
	}

	h.mu.Lock()
	if ev.Topic == node.TopicStatus {
		if id := statusID(ev); id != "" {
			h.retained[id] = frame
		}
	}
	var slow []*client
	for c := range h.clients {
		select {
		case c.send <- frame:
		default:
			slow = append(slow, c)
		}
	}
	for _, c := range slow {
		delete(h.clients, c)
		c.close()
	}
	count := len(h.clients)
	h.mu.Unlock()

	if len(slow) > 0 {
		h.logger.Warn("Disconnected slow comms clients", "count", len(slow))
		h.setClients(count)
	}
}

func statusID(ev node.Event) string {
	data, ok := ev.Data.(map[string]any)
	if !ok {
		return ""
	}
	id, _ := data["id"].(string)
	return id
}

// ServeHTTP upgrades the request and registers the client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("Comms upgrade failed", "error", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	for _, frame := range h.retained {
		select {
		case c.send <- frame:
		default:
		}
	}
	h.clients[c] = struct{}{}
	count := len(h.clients)
	h.wg.Add(2)
	h.mu.Unlock()

	h.setClients(count)
	h.logger.Debug("Comms client connected", "remote", r.RemoteAddr, "clients", count)

	go h.writePump(c)
	go h.readPump(c)
}

// readPump discards client frames and detects disconnects.
func (h *Hub) readPump(c *client) {
	defer h.wg.Done()
	defer h.remove(c)

	c.conn.SetReadLimit(maxReadSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	defer h.wg.Done()
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				h.remove(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(c)
				return
			}
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	count := len(h.clients)
	h.mu.Unlock()
	if !ok {
		return
	}
	c.close()
	h.setClients(count)
}

func (h *Hub) setClients(n int) {
	if h.metrics != nil {
		h.metrics.CommsClients.Set(float64(n))
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and waits for their goroutines to exit.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
	h.mu.Unlock()
	h.wg.Wait()
}
