package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"

	"github.com/clipforge/api/internal/logger"
	"github.com/clipforge/api/internal/model"
)

// Client represents a WebSocket client subscribed to one task
type Client struct {
	TaskID string
	Conn   *websocket.Conn
	Send   chan []byte
}

// Hub fans applied task projections out to WebSocket subscribers. The
// projector notifies it after every task mutation.
type Hub struct {
	// Clients grouped by task ID
	clients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage

	log *logger.Logger
	mu  sync.RWMutex
}

// BroadcastMessage represents a message to broadcast
type BroadcastMessage struct {
	TaskID  string
	Message []byte
}

// NewHub creates a new Hub
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *BroadcastMessage, 256),
		log:        log,
	}
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.TaskID] == nil {
				h.clients[client.TaskID] = make(map[*Client]bool)
			}
			h.clients[client.TaskID][client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if clients, ok := h.clients[client.TaskID]; ok {
				if _, ok := clients[client]; ok {
					delete(clients, client)
					close(client.Send)
					if len(clients) == 0 {
						delete(h.clients, client.TaskID)
					}
				}
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.RLock()
			if clients, ok := h.clients[msg.TaskID]; ok {
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

// NotifyTaskUpdate implements the projector's Notifier: pushes one applied
// projection to all subscribers of the task.
func (h *Hub) NotifyTaskUpdate(task *model.Task, message string) {
	jobID := ""
	if task.JobID != nil {
		jobID = *task.JobID
	}
	msg := model.WSTaskUpdateMessage{
		Type:     model.WSMessageTypeTaskUpdate,
		TaskID:   task.ID,
		JobID:    jobID,
		Status:   task.Status,
		Progress: task.Progress,
		Message:  message,
		Terminal: task.Status.IsTerminal(),
	}

	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Errorw("hub_marshal_failed", "taskId", task.ID, "error", err)
		return
	}

	h.broadcast <- &BroadcastMessage{
		TaskID:  task.ID,
		Message: data,
	}
}

// HandleConnection handles a WebSocket connection subscribed to one task
func (h *Hub) HandleConnection(c *websocket.Conn, taskID string) {
	client := &Client{
		TaskID: taskID,
		Conn:   c,
		Send:   make(chan []byte, 256),
	}

	h.Register(client)
	defer h.Unregister(client)

	// Writer goroutine with keep-alive pings; exits when Unregister closes
	// the Send channel.
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
				if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	// Reader loop: discard inbound frames, exit on close
	for {
		if _, _, err := c.ReadMessage(); err != nil {
			break
		}
	}
}
