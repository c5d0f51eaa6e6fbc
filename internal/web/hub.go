package web

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/sweeney/flow-sensor/internal/flow"
	"github.com/sweeney/flow-sensor/internal/status"
)

const (
	writeWait = 5 * time.Second
	sendQueue = 8 // frames buffered per client
)

// LiveJSON is the message pushed to websocket clients after every cycle.
type LiveJSON struct {
	Timestamp string               `json:"timestamp"`
	Units     string               `json:"units"`
	RateUnits string               `json:"rate_units"`
	Channels  []status.ChannelJSON `json:"channels"`
}

func formatLive(r flow.Reading) []byte {
	data, _ := json.Marshal(LiveJSON{
		Timestamp: r.Time.UTC().Format(time.RFC3339),
		Units:     string(r.Units),
		RateUnits: r.RateUnits,
		Channels:  status.Channels(r),
	})
	return data
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // status page may be served behind a proxy under another host
	},
}

// client owns one connection. Frames are queued on send and written by
// writeLoop, so a slow peer never blocks Broadcast.
type client struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newClient(conn *websocket.Conn) *client {
	return &client{
		conn: conn,
		send: make(chan []byte, sendQueue),
		done: make(chan struct{}),
	}
}

// queue reports false when the client's queue is full.
func (c *client) queue(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

// Hub pushes live readings to websocket clients.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]bool
	latest  []byte
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*client]bool)}
}

// Broadcast queues r for every connected client. A client whose queue is
// full misses this frame.
func (h *Hub) Broadcast(r flow.Reading) {
	data := formatLive(r)

	h.mu.Lock()
	h.latest = data
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		if !c.queue(data) {
			log.Debugf("web: websocket client busy, frame dropped")
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// add registers c and queues the latest reading for it.
func (h *Hub) add(c *client) {
	h.mu.Lock()
	h.clients[c] = true
	if h.latest != nil {
		c.queue(h.latest)
	}
	h.mu.Unlock()
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
}

// writeLoop writes queued frames until the client is removed or a write fails.
func (h *Hub) writeLoop(c *client) {
	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debugf("web: websocket write failed, dropping client: %v", err)
				h.remove(c)
				return
			}
		case <-c.done:
			return
		}
	}
}

// ServeHTTP upgrades the request and keeps the connection registered until
// the peer goes away. The latest reading is sent straight after connecting.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("web: websocket upgrade: %v", err)
		return
	}

	c := newClient(conn)
	h.add(c)
	go h.writeLoop(c)

	// Drain reads so close frames and pings are processed.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.remove(c)
			return
		}
	}
}
