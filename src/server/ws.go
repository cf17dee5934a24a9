package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	logger "github.com/sirupsen/logrus"
)

const (
	wsWriteWait  = 10 * time.Second
	wsSendBuffer = 32
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The UI is served from elsewhere, authentication happens at the
	// API key layer.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub fans order and trade updates out to connected websocket clients.
// It satisfies the controller's Broadcaster contract.
type Hub struct {
	mu      sync.RWMutex
	clients map[*wsClient]bool
}

func NewHub() *Hub {
	return &Hub{clients: make(map[*wsClient]bool)}
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Broadcast serializes v and queues it on every connected client. Slow
// clients are dropped rather than blocking the caller.
func (h *Hub) Broadcast(v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		logger.WithError(err).Error("failed to marshal websocket broadcast")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		select {
		case client.send <- payload:
		default:
			logger.Warn("Dropping slow websocket client")
			go h.remove(client)
		}
	}
}

// Handler upgrades the request and registers the client with the hub.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.WithError(err).Error("websocket upgrade failed")
			return
		}

		client := &wsClient{conn: conn, send: make(chan []byte, wsSendBuffer)}

		h.mu.Lock()
		h.clients[client] = true
		h.mu.Unlock()
		logger.WithFields(map[string]interface{}{
			"remote": conn.RemoteAddr().String(),
		}).Info("Websocket client connected")

		go h.writeLoop(client)
		go h.readLoop(client)
	}
}

func (h *Hub) remove(client *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	h.mu.Unlock()
}

// writeLoop drains the send channel onto the connection until the channel
// closes or a write fails.
func (h *Hub) writeLoop(client *wsClient) {
	defer func() {
		if err := client.conn.Close(); err != nil {
			logger.WithError(err).Debug("websocket close")
		}
	}()

	for payload := range client.send {
		if err := client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
			return
		}
		if err := client.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			logger.WithError(err).Debug("websocket write failed")
			h.remove(client)
			return
		}
	}
}

// readLoop discards inbound messages, the stream is one way. Its real job
// is noticing client disconnects.
func (h *Hub) readLoop(client *wsClient) {
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			h.remove(client)
			return
		}
	}
}
