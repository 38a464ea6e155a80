package api

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/zezudoo/wa-download-guard/internal/messaging"
)

// ErrNoClients is returned when a command has nobody to deliver it to
var ErrNoClients = errors.New("no browser connected")

// ErrHubClosed is returned once the hub's event loop has stopped
var ErrHubClosed = errors.New("hub closed")

type registration struct {
	conn    *websocket.Conn
	initial []byte
}

// Hub fans pushed messages out to connected browser shims and pages
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan registration
	unregister chan *websocket.Conn
	done       chan struct{}
	closeOnce  sync.Once
	mu         sync.RWMutex
}

// NewHub creates a hub
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan registration),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's event loop; all writes happen here
func (h *Hub) Run(ctx context.Context) {
	defer h.closeOnce.Do(func() { close(h.done) })

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			return

		case reg := <-h.register:
			h.mu.Lock()
			h.clients[reg.conn] = true
			if reg.initial != nil {
				if err := reg.conn.WriteMessage(websocket.TextMessage, reg.initial); err != nil {
					reg.conn.Close()
					delete(h.clients, reg.conn)
				}
			}
			h.mu.Unlock()

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.Lock()
			for conn := range h.clients {
				if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
					conn.Close()
					delete(h.clients, conn)
				}
			}
			h.mu.Unlock()
		}
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues env for every connected client
func (h *Hub) Broadcast(env messaging.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	select {
	case <-h.done:
		return ErrHubClosed
	default:
	}
	select {
	case h.broadcast <- data:
		return nil
	case <-h.done:
		return ErrHubClosed
	}
}

func (h *Hub) add(reg registration) error {
	select {
	case h.register <- reg:
		return nil
	case <-h.done:
		return ErrHubClosed
	}
}

func (h *Hub) remove(conn *websocket.Conn) {
	select {
	case h.unregister <- conn:
	case <-h.done:
	}
}

// Push encodes data under typ and broadcasts it
func (h *Hub) Push(typ messaging.PushType, data interface{}) error {
	env, err := messaging.NewEnvelope(typ, data)
	if err != nil {
		return err
	}
	return h.Broadcast(env)
}
