// Package ws broadcasts run-snapshot updates to subscribed websocket
// clients; the API publishes a snapshot after each request that changes a
// run.
package ws

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub fans out one run's snapshot updates to every client subscribed to it.
type Hub struct {
	log zerolog.Logger

	mu          sync.Mutex
	subscribers map[int64]map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{log: log, subscribers: make(map[int64]map[*client]struct{})}
}

// Serve upgrades r to a websocket connection and streams runID's snapshot
// updates to it until the client disconnects.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, runID int64) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	c := &client{conn: conn, send: make(chan []byte, 16)}

	h.mu.Lock()
	if h.subscribers[runID] == nil {
		h.subscribers[runID] = make(map[*client]struct{})
	}
	h.subscribers[runID][c] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.subscribers[runID], c)
		if len(h.subscribers[runID]) == 0 {
			delete(h.subscribers, runID)
		}
		h.mu.Unlock()
		close(c.send)
		_ = conn.Close()
	}()

	go h.writeLoop(c)
	return h.readLoop(conn)
}

func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop drains and discards inbound frames; the feed is one-directional,
// but a connection must still read to observe the client closing. It
// returns nil when the client closes or drops the connection.
func (h *Hub) readLoop(conn *websocket.Conn) error {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived, websocket.CloseAbnormalClosure) {
				return nil
			}
			return err
		}
	}
}

// Broadcast fans payload out to every subscriber of runID. A subscriber
// whose send buffer is full misses this payload (it stays subscribed)
// rather than blocking the caller.
func (h *Hub) Broadcast(runID int64, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.log.Warn().Err(err).Msg("failed to marshal broadcast payload")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.subscribers[runID] {
		select {
		case c.send <- data:
		default:
			h.log.Warn().Int64("run_id", runID).Msg("dropping slow websocket subscriber")
		}
	}
}
