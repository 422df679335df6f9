package cli

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/cts/internal/engine"
	"github.com/roach88/cts/internal/ir"
)

// feedBuffer is how many messages a client may fall behind before it is
// dropped.
const feedBuffer = 64

const feedWriteWait = 5 * time.Second

// FeedMessage is sent to feed subscribers for every resolved commit.
type FeedMessage struct {
	Type  string          `json:"type"`
	Entry ir.JournalEntry `json:"entry"`
}

type feedClient struct {
	conn *websocket.Conn
	send chan []byte
}

// feedHub streams resolved transforms to websocket clients. Observe runs
// on the forrest's owner goroutine, so broadcasting never blocks: a
// client whose buffer is full is disconnected.
type feedHub struct {
	mu       sync.RWMutex
	clients  map[*feedClient]bool
	upgrader websocket.Upgrader
}

func newFeedHub() *feedHub {
	return &feedHub{
		clients: make(map[*feedClient]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Observe is an engine.Listener. Only final commit states are streamed.
func (h *feedHub) Observe(evt engine.Event) {
	if evt.Kind != engine.EventTransformState || evt.Transform == nil {
		return
	}
	if s := evt.Transform.State; s != ir.StateSuccess && s != ir.StateFailed {
		return
	}
	data, err := json.Marshal(FeedMessage{Type: "transform", Entry: evt.Transform.Entry()})
	if err != nil {
		slog.Warn("feed message encode failed", "guid", evt.Transform.GUID, "error", err)
		return
	}
	h.broadcast(data)
}

func (h *feedHub) broadcast(data []byte) {
	h.mu.RLock()
	var slow []*feedClient
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		slog.Warn("dropping slow feed client", "remote", c.conn.RemoteAddr().String())
		h.remove(c)
	}
}

// ServeHTTP upgrades the request and streams messages until the client
// goes away.
func (h *feedHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &feedClient{conn: conn, send: make(chan []byte, feedBuffer)}

	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()

	go h.writeLoop(c)

	// Clients send nothing; reading detects disconnects.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.remove(c)
}

func (h *feedHub) writeLoop(c *feedClient) {
	for data := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.remove(c)
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.conn.Close()
}

// remove unregisters c and ends its write loop. Safe to call repeatedly.
func (h *feedHub) remove(c *feedClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.clients[c] {
		return
	}
	delete(h.clients, c)
	close(c.send)
}

// ClientCount returns the number of connected clients.
func (h *feedHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *feedHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}
