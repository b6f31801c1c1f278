// Package web streams live estimates to browsers over websockets
package web

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"ble-tracker/internal/tracker"
)

const (
	writeWait  = 5 * time.Second
	sendBuffer = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// estimateMessage is the JSON pushed to clients
type estimateMessage struct {
	Session string  `json:"session"`
	Cycle   uint64  `json:"cycle"`
	TS      int64   `json:"ts"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans estimates out to every connected client. Slow clients lose
// messages instead of blocking the tracker.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	last    []byte
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{clients: make(map[*client]struct{})}
}

// Publish implements tracker.Publisher
func (h *Hub) Publish(est tracker.Estimate) error {
	b, err := json.Marshal(estimateMessage{
		Session: est.Session,
		Cycle:   est.Cycle,
		TS:      est.Time.UnixMilli(),
		X:       est.Position.X,
		Y:       est.Position.Y,
	})
	if err != nil {
		return err
	}
	h.Broadcast(b)
	return nil
}

// Broadcast queues msg for every client
func (h *Hub) Broadcast(msg []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last = msg
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			// client too slow, drop this message
		}
	}
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
	if h.last != nil {
		c.send <- h.last
	}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// ServeHTTP upgrades the request and streams estimates until the client leaves
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Web: upgrade failed: %v", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	h.register(c)

	go c.writePump()
	c.readPump(h)
}

// readPump discards client messages and detects disconnects
func (c *client) readPump(h *Hub) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump() {
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.conn.Close()
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// Server serves the hub on /ws
type Server struct {
	Hub  *Hub
	http *http.Server
}

// NewServer creates a server for the hub listening on addr
func NewServer(addr string, hub *Hub) *Server {
	mux := http.NewServeMux()
	mux.Handle("/ws", hub)
	return &Server{
		Hub:  hub,
		http: &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second},
	}
}

// Run serves until ctx is done
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		log.Printf("Web: listening on %s", s.http.Addr)
		errc <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}
