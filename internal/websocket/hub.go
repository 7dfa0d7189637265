package websocket

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/renderfleet/api/internal/model"
)

// Client represents a WebSocket client
type Client struct {
	RenderID string
	Conn     *websocket.Conn
	Send     chan []byte
}

// Hub maintains active WebSocket connections
type Hub struct {
	// Clients grouped by render ID
	clients map[string]map[*Client]bool

	// Register requests
	register chan *Client

	// Unregister requests
	unregister chan *Client

	// Broadcast messages to render subscribers
	broadcast chan *BroadcastMessage

	mu sync.RWMutex
}

// BroadcastMessage represents a message to broadcast
type BroadcastMessage struct {
	RenderID string
	Message  []byte
}

// NewHub creates a new Hub
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *BroadcastMessage, 256),
	}
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.RenderID] == nil {
				h.clients[client.RenderID] = make(map[*Client]bool)
			}
			h.clients[client.RenderID][client] = true
			h.mu.Unlock()
			log.Printf("Client registered for render %s", client.RenderID)

		case client := <-h.unregister:
			h.mu.Lock()
			if clients, ok := h.clients[client.RenderID]; ok {
				if _, ok := clients[client]; ok {
					delete(clients, client)
					close(client.Send)
					if len(clients) == 0 {
						delete(h.clients, client.RenderID)
					}
				}
			}
			h.mu.Unlock()
			log.Printf("Client unregistered from render %s", client.RenderID)

		case msg := <-h.broadcast:
			h.mu.RLock()
			if clients, ok := h.clients[msg.RenderID]; ok {
				for client := range clients {
					select {
					case client.Send <- msg.Message:
					default:
						close(client.Send)
						delete(clients, client)
					}
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Register adds a new client
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// BroadcastProgress sends a chunk-progress update to all render subscribers
func (h *Hub) BroadcastProgress(renderID string, status model.JobStatus, counts model.ChunkCounts, overall float64) {
	msg := model.WSProgressMessage{
		Type:     model.WSMessageTypeProgress,
		RenderID: renderID,
		Status:   status,
		Chunks:   counts,
		Progress: overall,
	}

	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("Failed to marshal progress message: %v", err)
		return
	}

	h.broadcast <- &BroadcastMessage{
		RenderID: renderID,
		Message:  data,
	}
}

// BroadcastComplete sends a completion message to all render subscribers
func (h *Hub) BroadcastComplete(renderID string, artifact *model.ArtifactInfo) {
	msg := model.WSCompleteMessage{
		Type:     model.WSMessageTypeComplete,
		RenderID: renderID,
		Artifact: artifact,
	}

	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("Failed to marshal complete message: %v", err)
		return
	}

	h.broadcast <- &BroadcastMessage{
		RenderID: renderID,
		Message:  data,
	}
}

// BroadcastError sends a terminal error message to all render subscribers
func (h *Hub) BroadcastError(renderID string, status model.JobStatus, code, message string) {
	msg := model.WSErrorMessage{
		Type:     model.WSMessageTypeError,
		RenderID: renderID,
		Status:   status,
		Code:     code,
		Message:  message,
	}

	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("Failed to marshal error message: %v", err)
		return
	}

	h.broadcast <- &BroadcastMessage{
		RenderID: renderID,
		Message:  data,
	}
}

// HandleConnection handles a WebSocket connection
func (h *Hub) HandleConnection(c *websocket.Conn, renderID string) {
	client := &Client{
		RenderID: renderID,
		Conn:     c,
		Send:     make(chan []byte, 256),
	}

	h.Register(client)
	defer h.Unregister(client)

	// Start writer goroutine
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case message, ok := <-client.Send:
				if !ok {
					c.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
				if err := c.WriteMessage(websocket.TextMessage, message); err != nil {
					return
				}

			case <-ticker.C:
				// Send ping for keep-alive
				if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	// Reader loop
	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}

		// Handle client messages (ping/pong)
		var msg model.WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		if msg.Type == model.WSMessageTypePing {
			pong := model.WSMessage{Type: model.WSMessageTypePong}
			data, _ := json.Marshal(pong)
			client.Send <- data
		}
	}
}
