package capture

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/gofiber/websocket/v2"
)

// Notification is the envelope for messages pushed over WebSocket.
type Notification struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// Client represents a connected WebSocket observer.
type Client struct {
	conn *websocket.Conn
	send chan []byte
}

// WebSocketHub manages observer connections and broadcasts coordinator
// notifications to all of them. Delivery is fire-and-forget: slow clients
// are dropped rather than back-pressuring the coordinator.
type WebSocketHub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
}

func NewWebSocketHub() *WebSocketHub {
	return &WebSocketHub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 16),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

// Run starts the hub's message processing loop.
func (h *WebSocketHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			log.Printf("WebSocket: client registered (%d connected)", h.clientCount())

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			log.Printf("WebSocket: client unregistered (%d connected)", h.clientCount())

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Publish broadcasts a named event to all connected observers. There is no
// delivery guarantee; observers missing an event catch up by polling the
// state and session endpoints.
func (h *WebSocketHub) Publish(event string, payload interface{}) {
	message, err := json.Marshal(Notification{Type: event, Payload: payload})
	if err != nil {
		log.Printf("WebSocket: error marshaling %s notification: %v", event, err)
		return
	}
	select {
	case h.broadcast <- message:
	default:
		log.Printf("WebSocket: broadcast queue full, dropping %s notification", event)
	}
}

func (h *WebSocketHub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS handles an upgraded WebSocket connection's lifecycle.
func (h *WebSocketHub) ServeWS(c *websocket.Conn) {
	client := &Client{
		conn: c,
		send: make(chan []byte, 256),
	}
	h.register <- client

	go client.writePump()
	client.readPump(h)
}

// readPump discards inbound messages; the channel is push-only. It exists to
// notice disconnects.
func (c *Client) readPump(h *WebSocketHub) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}

// writePump pumps notifications from the hub to the connection.
func (c *Client) writePump() {
	defer c.conn.Close()
	for message := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			log.Printf("WebSocket: write error: %v", err)
			return
		}
	}
}
