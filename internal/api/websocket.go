package api

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/thereceipt/printlink/internal/command"
	"github.com/thereceipt/printlink/internal/logging"
	"github.com/thereceipt/printlink/internal/printer"
)

// WebSocket message types
const (
	EventStatus         = "status"
	EventJob            = "job"
	EventPrinterAdded   = "printer_added"
	EventPrinterRemoved = "printer_removed"
	EventCommand        = "command"
	EventResponse       = "response"
	EventError          = "error"
)

// WSMessage represents a WebSocket message
type WSMessage struct {
	Event string                 `json:"event"`
	Data  map[string]interface{} `json:"data"`
}

// Hub fans events out to every connected websocket client. Broadcasts never
// block: a client whose buffer is full misses the message.
type Hub struct {
	log *slog.Logger

	mu      sync.RWMutex
	clients map[*WSClient]bool
	closed  bool
}

// NewHub creates an empty hub
func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		log:     logging.For(log, logging.ComponentAPI).With("part", "ws"),
		clients: make(map[*WSClient]bool),
	}
}

// WSClient represents a connected WebSocket client
type WSClient struct {
	conn     *websocket.Conn
	send     chan WSMessage
	hub      *Hub
	executor *command.Executor
	once     sync.Once
}

func (h *Hub) add(c *WSClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = true
	return true
}

func (h *Hub) remove(c *WSClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		c.close()
	}
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := h.clients
	h.clients = make(map[*WSClient]bool)
	h.mu.Unlock()

	for c := range clients {
		c.close()
	}
}

// Broadcast sends msg to every client.
func (h *Hub) Broadcast(msg WSMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		select {
		case client.send <- msg:
		default:
			// Client send buffer full, skip
		}
	}
}

// BroadcastStatus is a printer.StatusBus subscriber.
func (h *Hub) BroadcastStatus(state printer.ConnectionState, err error) {
	data := map[string]interface{}{
		"status":  state.Status.String(),
		"attempt": state.Attempt,
	}
	if state.Reason != "" {
		data["reason"] = state.Reason
	}
	if err != nil {
		data["error"] = err.Error()
	}
	h.Broadcast(WSMessage{Event: EventStatus, Data: data})
}

// BroadcastJob reports a print job update.
func (h *Hub) BroadcastJob(job printer.PrintJob) {
	data := map[string]interface{}{
		"id":      job.ID,
		"status":  string(job.Status),
		"retries": job.Retries,
	}
	if job.Error != "" {
		data["error"] = job.Error
	}
	h.Broadcast(WSMessage{Event: EventJob, Data: data})
}

// BroadcastPrinterAdded broadcasts a printer added event to all connected clients
func (h *Hub) BroadcastPrinterAdded(d printer.Descriptor) {
	h.Broadcast(WSMessage{Event: EventPrinterAdded, Data: descriptorData(d)})
	h.log.Debug("broadcast printer added", "device", d.String())
}

// BroadcastPrinterRemoved broadcasts a printer removed event to all connected clients
func (h *Hub) BroadcastPrinterRemoved(d printer.Descriptor) {
	h.Broadcast(WSMessage{Event: EventPrinterRemoved, Data: descriptorData(d)})
	h.log.Debug("broadcast printer removed", "device", d.String())
}

func descriptorData(d printer.Descriptor) map[string]interface{} {
	return map[string]interface{}{
		"vendorId":    d.VendorID,
		"productId":   d.ProductID,
		"displayName": d.DisplayName,
	}
}

// handleWebSocket handles WebSocket connections
func (s *Server) handleWebSocket(c *gin.Context) {
	if s.hub == nil {
		c.JSON(503, gin.H{"error": "event stream disabled"})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &WSClient{
		conn:     conn,
		send:     make(chan WSMessage, 256),
		hub:      s.hub,
		executor: s.executor,
	}
	if !s.hub.add(client) {
		conn.Close()
		return
	}
	s.hub.log.Info("websocket client connected", "remote", conn.RemoteAddr().String())

	// Start goroutines
	go client.writePump()
	go client.readPump()

	// Greet with the current state so clients do not wait for a transition
	snap := s.manager.Snapshot()
	client.enqueue(WSMessage{Event: EventStatus, Data: map[string]interface{}{
		"status": snap.State.Status.String(),
		"ready":  snap.Ready,
	}})
}

func (c *WSClient) close() {
	c.once.Do(func() {
		close(c.send)
	})
}

func (c *WSClient) enqueue(msg WSMessage) {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if !c.hub.clients[c] {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

func (c *WSClient) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			c.hub.log.Debug("websocket write failed", "error", err)
			c.hub.remove(c)
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (c *WSClient) readPump() {
	defer func() {
		c.hub.remove(c)
		c.hub.log.Info("websocket client disconnected")
	}()

	for {
		var msg WSMessage
		err := c.conn.ReadJSON(&msg)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn("websocket read failed", "error", err)
			}
			return
		}

		c.handleMessage(&msg)
	}
}

func (c *WSClient) handleMessage(msg *WSMessage) {
	switch msg.Event {
	case EventCommand:
		cmd, _ := msg.Data["command"].(string)
		if cmd == "" || c.executor == nil {
			c.sendError("command is required")
			return
		}
		result := c.executor.Execute(context.Background(), cmd)
		if !result.Success {
			c.sendError(result.Error)
			return
		}
		data := map[string]interface{}{"success": true, "message": result.Message}
		for k, v := range result.Data {
			data[k] = v
		}
		c.enqueue(WSMessage{Event: EventResponse, Data: data})
	default:
		c.sendError(fmt.Sprintf("unknown event: %s", msg.Event))
	}
}

func (c *WSClient) sendError(message string) {
	c.enqueue(WSMessage{
		Event: EventError,
		Data: map[string]interface{}{
			"error": message,
		},
	})
}
