package api

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Hub broadcasts job transitions, Path C telemetry, and session events to
// every connected operator dashboard.
type Hub struct {
	clients   map[*websocket.Conn]bool
	broadcast chan []byte
	mutex     sync.Mutex
}

func NewHub() *Hub {
	return &Hub{
		broadcast: make(chan []byte, 256),
		clients:   make(map[*websocket.Conn]bool),
	}
}

func (h *Hub) Run() {
	for message := range h.broadcast {
		h.mutex.Lock()
		for client := range h.clients {
			_ = client.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("[Hub] write error: %v", err)
				client.Close()
				delete(h.clients, client)
			}
		}
		h.mutex.Unlock()
	}
}

// Subscribe upgrades the request to a websocket and registers the
// connection as a broadcast recipient.
func (h *Hub) Subscribe(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[Hub] upgrade failed: %v", err)
		return
	}

	h.mutex.Lock()
	h.clients[conn] = true
	h.mutex.Unlock()

	go func() {
		defer func() {
			h.mutex.Lock()
			delete(h.clients, conn)
			h.mutex.Unlock()
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					log.Printf("[Hub] read error: %v", err)
				}
				break
			}
		}
	}()
}

// Broadcast sends a pre-encoded JSON message to every connected client.
func (h *Hub) Broadcast(data []byte) {
	h.broadcast <- data
}

// event is the envelope every operator-facing push is wrapped in, so the
// dashboard can dispatch on "type" without per-message schemas.
type event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// BroadcastEvent wraps payload in the {type, data} envelope and
// broadcasts it. Marshal failures are logged, not surfaced, since a
// dropped dashboard push never affects job processing.
func (h *Hub) BroadcastEvent(eventType string, payload any) {
	b, err := json.Marshal(event{Type: eventType, Data: payload})
	if err != nil {
		log.Printf("[Hub] failed to marshal %s event: %v", eventType, err)
		return
	}
	h.Broadcast(b)
}
