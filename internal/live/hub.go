// Package live fans committed diffs out to collaborators connected
// over websockets. One room per project; dead connections are dropped
// on the first failed write.
package live

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 5 * time.Second

type client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

type Hub struct {
	mu       sync.Mutex
	rooms    map[string]map[*client]struct{}
	upgrader websocket.Upgrader
}

func NewHub() *Hub {
	return &Hub{
		rooms: make(map[string]map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origin is enforced by the HTTP layer's CORS policy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Subscribe upgrades the request and joins the caller to the project's
// room until the connection closes.
func (h *Hub) Subscribe(w http.ResponseWriter, r *http.Request, projectID string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("upgrade websocket: %w", err)
	}

	c := &client{conn: conn}
	h.join(projectID, c)

	go h.readLoop(projectID, c)
	return nil
}

// Broadcast sends payload to every member of the project's room.
func (h *Hub) Broadcast(projectID string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("live: marshal broadcast for %s: %v", projectID, err)
		return
	}

	h.mu.Lock()
	members := make([]*client, 0, len(h.rooms[projectID]))
	for c := range h.rooms[projectID] {
		members = append(members, c)
	}
	h.mu.Unlock()

	for _, c := range members {
		if err := c.write(data); err != nil {
			h.leave(projectID, c)
		}
	}
}

// RoomSize reports how many connections a project room holds.
func (h *Hub) RoomSize(projectID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[projectID])
}

func (c *client) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop drains inbound frames so pings and close frames are
// processed; subscribers never send application messages.
func (h *Hub) readLoop(projectID string, c *client) {
	defer h.leave(projectID, c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) join(projectID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[projectID]
	if !ok {
		room = make(map[*client]struct{})
		h.rooms[projectID] = room
	}
	room[c] = struct{}{}
}

func (h *Hub) leave(projectID string, c *client) {
	h.mu.Lock()
	room, ok := h.rooms[projectID]
	if ok {
		if _, member := room[c]; member {
			delete(room, c)
			if len(room) == 0 {
				delete(h.rooms, projectID)
			}
		}
	}
	h.mu.Unlock()
	_ = c.conn.Close()
}
