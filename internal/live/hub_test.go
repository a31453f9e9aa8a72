package live

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dialHub(t *testing.T, hub *Hub, projectID string) *websocket.Conn {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := hub.Subscribe(w, r, projectID); err != nil {
			t.Errorf("subscribe: %v", err)
		}
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestBroadcastReachesSubscribers(t *testing.T) {
	hub := NewHub()
	conn := dialHub(t, hub, "prj_1")

	waitForRoomSize(t, hub, "prj_1", 1)

	hub.Broadcast("prj_1", map[string]any{"type": "diff_committed", "project": map[string]any{"key": "shapes"}})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg["type"] != "diff_committed" {
		t.Fatalf("type = %v, want diff_committed", msg["type"])
	}
}

func TestBroadcastIsScopedToProject(t *testing.T) {
	hub := NewHub()
	conn := dialHub(t, hub, "prj_a")

	waitForRoomSize(t, hub, "prj_a", 1)

	hub.Broadcast("prj_b", map[string]any{"type": "diff_committed"})

	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("received a message for another project's room")
	}
}

func TestClosedConnectionLeavesRoom(t *testing.T) {
	hub := NewHub()
	conn := dialHub(t, hub, "prj_1")

	waitForRoomSize(t, hub, "prj_1", 1)
	conn.Close()
	waitForRoomSize(t, hub, "prj_1", 0)
}

func waitForRoomSize(t *testing.T, hub *Hub, projectID string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.RoomSize(projectID) == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("room %s size = %d, want %d", projectID, hub.RoomSize(projectID), want)
}
