package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/your-org/reid/internal/events"
	"github.com/your-org/reid/internal/observability"
	"github.com/your-org/reid/pkg/dto"
)

const (
	TypeDetections = "detections"
	TypeStreams    = "streams"
	TypeJobs       = "jobs"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for development
	},
}

// Client represents a connected WebSocket client.
type Client struct {
	conn     *websocket.Conn
	send     chan []byte
	cameraID string // optional filter
	jobID    string // optional filter
}

func (c *Client) wants(msg *dto.WSMessage) bool {
	if c.cameraID != "" && msg.CameraID != c.cameraID {
		return false
	}
	if c.jobID != "" && msg.JobID != c.jobID {
		return false
	}
	return true
}

type outbound struct {
	msg  *dto.WSMessage
	data []byte
}

// Hub maintains active WebSocket clients and broadcasts events.
// It implements events.Sink for deployments without a message bus.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan outbound
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
}

var _ events.Sink = (*Hub)(nil)

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan outbound, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run starts the hub event loop until ctx is cancelled. Call this in a goroutine.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			observability.WSConnections.Inc()
			slog.Debug("ws client connected", "camera_id", client.cameraID, "job_id", client.jobID)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				observability.WSConnections.Dec()
			}
			h.mu.Unlock()
			slog.Debug("ws client disconnected")

		case out := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				if !client.wants(out.msg) {
					continue
				}
				select {
				case client.send <- out.data:
				default:
					// Client buffer full, disconnect
					delete(h.clients, client)
					close(client.send)
					observability.WSConnections.Dec()
				}
			}
			h.mu.Unlock()
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues a message for every interested client. Messages are
// dropped when the hub is saturated.
func (h *Hub) Broadcast(msg *dto.WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("marshal ws message", "error", err)
		return
	}
	select {
	case h.broadcast <- outbound{msg: msg, data: data}:
	default:
		slog.Warn("ws hub saturated, dropping message", "type", msg.Type)
	}
}

// BroadcastRaw wraps an already encoded event of the given type.
func (h *Hub) BroadcastRaw(msgType string, payload []byte) error {
	var ids struct {
		CameraID string `json:"camera_id"`
		JobID    string `json:"job_id"`
	}
	if err := json.Unmarshal(payload, &ids); err != nil {
		return err
	}
	h.Broadcast(&dto.WSMessage{
		Type:     msgType,
		CameraID: ids.CameraID,
		JobID:    ids.JobID,
		Data:     payload,
	})
	return nil
}

func (h *Hub) DetectionUpdate(_ context.Context, ev events.DetectionUpdate) {
	h.send(TypeDetections, ev.CameraID, "", ev)
}

func (h *Hub) StreamState(_ context.Context, ev events.StreamStateChange) {
	h.send(TypeStreams, ev.CameraID, "", ev)
}

func (h *Hub) JobProgress(_ context.Context, ev events.JobProgress) {
	h.send(TypeJobs, "", ev.JobID, ev)
}

func (h *Hub) send(msgType, cameraID, jobID string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("marshal ws event", "type", msgType, "error", err)
		return
	}
	h.Broadcast(&dto.WSMessage{Type: msgType, CameraID: cameraID, JobID: jobID, Data: data})
}

// HandleWS handles WebSocket upgrade requests.
func (h *Hub) HandleWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "error", err)
		return
	}

	client := &Client{
		conn:     conn,
		send:     make(chan []byte, 64),
		cameraID: c.Query("camera_id"),
		jobID:    c.Query("job_id"),
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump(h)
}

func (c *Client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (c *Client) readPump(h *Hub) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()

	for {
		_, _, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		// We don't process incoming messages from clients.
		// This loop exists to detect disconnection.
	}
}
