// Package feed pushes order and broker activity to websocket clients.
// It is strictly observational: nothing here feeds back into the
// trading path, and a slow or dead client only ever loses its own
// frames.
package feed

import (
	"context"
	"sync"

	"order_pipeline/internal/core"
)

const clientBuffer = 256

// Client is one connected websocket consumer.
type Client struct {
	id     string
	send   chan Message
	mu     sync.Mutex
	closed bool
}

func NewClient(id string) *Client {
	return &Client{
		id:   id,
		send: make(chan Message, clientBuffer),
	}
}

// Send queues a frame without blocking; false means the client's
// buffer is full or the client is closed.
func (c *Client) Send(msg Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Client) Frames() <-chan Message {
	return c.send
}

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Hub fans broadcast frames out to every registered client.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan Message
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     core.ILogger
}

func NewHub(logger core.ILogger) *Hub {
	h := &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan Message, clientBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
	if logger != nil {
		h.logger = logger.WithField("component", "feed_hub")
	}
	return h
}

// Run owns the client map. On shutdown every client is closed so
// pumps unwind cleanly.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				client.Close()
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			if h.logger != nil {
				h.logger.Info("feed client registered", "client_id", client.id, "total", total)
			}

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			if h.logger != nil {
				h.logger.Info("feed client unregistered", "client_id", client.id, "total", total)
			}

		case msg := <-h.broadcast:
			h.mu.RLock()
			targets := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				targets = append(targets, client)
			}
			h.mu.RUnlock()

			// Send outside the lock; a full buffer evicts the client.
			for _, client := range targets {
				if !client.Send(msg) {
					select {
					case h.unregister <- client:
					default:
					}
				}
			}
		}
	}
}

func (h *Hub) Register(client *Client) {
	h.register <- client
}

func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Broadcast queues a frame for every client; a full hub queue drops
// the frame rather than blocking the publisher.
func (h *Hub) Broadcast(msg Message) {
	select {
	case h.broadcast <- msg:
	default:
		if h.logger != nil {
			h.logger.Warn("feed broadcast queue full, dropping frame", "type", msg.Type)
		}
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
