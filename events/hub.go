// Package events pushes deliveries and state changes to local UI clients
// over WebSocket.
package events

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/hoppyshare/hoppyshare-ble/inbox"
	"github.com/hoppyshare/hoppyshare-ble/logger"
)

const writeWait = 100 * time.Millisecond

type Event struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

type Hub struct {
	prefix   string
	upgrader websocket.Upgrader

	// sendMu keeps one writer per connection.
	sendMu sync.Mutex

	mu      sync.Mutex
	clients map[*websocket.Conn]bool
}

func NewHub(deviceID string) *Hub {
	return &Hub{
		prefix: logger.Prefix(deviceID, "events"),
		upgrader: websocket.Upgrader{
			// Only local UI processes connect.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]bool),
	}
}

// ServeHTTP upgrades the request and keeps the client until it goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn(h.prefix, "upgrade failed: %v", err)
		return
	}
	h.AddClient(conn)

	// Clients never send anything we act on; reading detects the close.
	go func() {
		defer h.RemoveClient(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *Hub) AddClient(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[conn] = true
	logger.Debug(h.prefix, "client %s connected, %d total", conn.RemoteAddr(), len(h.clients))
}

func (h *Hub) RemoveClient(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
}

func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast writes event to every client in parallel. Clients that cannot
// take it within writeWait are dropped.
func (h *Hub) Broadcast(event Event) {
	h.sendMu.Lock()
	defer h.sendMu.Unlock()

	h.mu.Lock()
	clients := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		clients = append(clients, conn)
	}
	h.mu.Unlock()

	var (
		wg       sync.WaitGroup
		failedMu sync.Mutex
		failed   []*websocket.Conn
	)
	for _, conn := range clients {
		wg.Add(1)
		go func(c *websocket.Conn) {
			defer wg.Done()
			c.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.WriteJSON(event); err != nil {
				failedMu.Lock()
				failed = append(failed, c)
				failedMu.Unlock()
			}
		}(conn)
	}
	wg.Wait()

	for _, conn := range failed {
		logger.Debug(h.prefix, "dropping client %s", conn.RemoteAddr())
		h.RemoveClient(conn)
	}
}

func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
		delete(h.clients, conn)
	}
}

// MessageEvent describes a delivery. Text payloads are inlined; anything
// else is announced by size only.
func MessageEvent(e inbox.Entry) Event {
	payload := map[string]interface{}{
		"mime_type": e.MimeType,
		"filename":  e.Filename,
		"sender":    e.Sender,
		"size":      len(e.Payload),
		"received":  e.Received,
	}
	if strings.HasPrefix(e.MimeType, "text/") {
		payload["text"] = string(e.Payload)
	}
	return Event{Type: "message", Payload: payload}
}

func StateEvent(state string) Event {
	return Event{Type: "ble_state", Payload: map[string]string{"state": state}}
}

func NetworkEvent(online bool) Event {
	status := "offline"
	if online {
		status = "online"
	}
	return Event{Type: "network_status", Payload: map[string]string{"status": status}}
}

// SnapshotEvent carries a transport snapshot in its protojson form.
func SnapshotEvent(st *structpb.Struct) (Event, error) {
	data, err := protojson.Marshal(st)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: "snapshot", Payload: json.RawMessage(data)}, nil
}
