package server

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/NicolasHaas/skylink/pkg/model"
	"github.com/NicolasHaas/skylink/pkg/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// conn is one client WebSocket connection on this node.
type conn struct {
	id   string
	ip   string
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once

	mu       sync.RWMutex
	username string
	role     model.Role
}

// identity returns the username and role bound to the connection, if any.
func (c *conn) identity() (string, model.Role) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.username, c.role
}

func (c *conn) bind(username string, role model.Role) (previous string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	previous = c.username
	c.username = username
	c.role = role
	return previous
}

// unbind clears the identity if it is still username.
func (c *conn) unbind(username string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.username != username {
		return false
	}
	c.username = ""
	c.role = ""
	return true
}

func (c *conn) close() {
	c.once.Do(func() { close(c.done) })
}

// Hub manages the client connections of this node and implements
// cluster.LocalHub for the fan-out adapter.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*conn // connID -> connection

	queue   int
	metrics *Metrics
	log     *slog.Logger
}

// NewHub creates a hub buffering up to queue outbound frames per connection.
func NewHub(queue int, metrics *Metrics, log *slog.Logger) *Hub {
	if queue <= 0 {
		queue = 64
	}
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		conns:   make(map[string]*conn),
		queue:   queue,
		metrics: metrics,
		log:     log,
	}
}

// add registers ws under a fresh connection id.
func (h *Hub) add(ws *websocket.Conn, ip string) *conn {
	c := &conn{
		id:   uuid.NewString(),
		ip:   ip,
		ws:   ws,
		send: make(chan []byte, h.queue),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
	return c
}

func (h *Hub) get(id string) *conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.conns[id]
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	delete(h.conns, id)
	h.mu.Unlock()
}

// Count returns the number of open connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Send queues event for connID. It reports whether connID lives on this
// node, even when the frame had to be dropped.
func (h *Hub) Send(connID, event string, data json.RawMessage) bool {
	c := h.get(connID)
	if c == nil {
		return false
	}
	frame, err := protocol.EncodeRaw(event, data)
	if err != nil {
		h.log.Error("encode frame", "event", event, "err", err)
		return true
	}
	h.enqueue(c, frame)
	return true
}

// SendAll queues event for every connection of this node.
func (h *Hub) SendAll(event string, data json.RawMessage) {
	frame, err := protocol.EncodeRaw(event, data)
	if err != nil {
		h.log.Error("encode frame", "event", event, "err", err)
		return
	}
	h.mu.RLock()
	all := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		all = append(all, c)
	}
	h.mu.RUnlock()
	for _, c := range all {
		h.enqueue(c, frame)
	}
}

// sendTo encodes payload and queues it on c.
func (h *Hub) sendTo(c *conn, event string, payload any) {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		h.log.Error("encode frame", "event", event, "err", err)
		return
	}
	h.enqueue(c, frame)
}

func (h *Hub) enqueue(c *conn, frame []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- frame:
		h.metrics.FramesOut.Add(1)
	default:
		h.metrics.FramesDropped.Add(1)
		h.log.Warn("send queue full, frame dropped", "conn", c.id)
	}
}

// CloseAll closes every connection; their read loops then run the normal
// disconnect path.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	all := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		all = append(all, c)
	}
	h.mu.RUnlock()
	for _, c := range all {
		c.close()
		_ = c.ws.Close()
	}
}

// writePump is the only writer of c.ws.
func (h *Hub) writePump(c *conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case <-c.done:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				h.log.Debug("write failed", "conn", c.id, "err", err)
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}
