package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/technosupport/ts-utm/internal/eventbus"
	"github.com/technosupport/ts-utm/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	clientSendSize = 64
)

type streamClient struct {
	send    chan []byte
	droneID string
	topics  map[eventbus.Topic]bool
	once    sync.Once
}

func (c *streamClient) wants(topic eventbus.Topic, droneID string) bool {
	if c.droneID != "" && droneID != "" && c.droneID != droneID {
		return false
	}
	return len(c.topics) == 0 || c.topics[topic]
}

func (c *streamClient) close() {
	c.once.Do(func() { close(c.send) })
}

// StreamHub pushes bus events to websocket clients. Clients may filter with
// ?droneId= and ?topics=a,b. A client that cannot keep up is disconnected
// rather than slowing the bus.
type StreamHub struct {
	log      *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*streamClient]struct{}
	closed  bool
}

func NewStreamHub(log *zap.Logger) *StreamHub {
	if log == nil {
		log = zap.NewNop()
	}
	return &StreamHub{
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*streamClient]struct{}),
	}
}

// Broadcast is registered with Bus.SubscribeAll.
func (h *StreamHub) Broadcast(_ context.Context, evt eventbus.Event) {
	droneID := eventbus.DroneIDOf(evt.Payload)

	h.mu.RLock()
	if len(h.clients) == 0 {
		h.mu.RUnlock()
		return
	}
	msg, err := json.Marshal(evt)
	if err != nil {
		h.mu.RUnlock()
		h.log.Error("encode stream event failed", zap.String("topic", string(evt.Topic)), zap.Error(err))
		return
	}

	var slow []*streamClient
	for c := range h.clients {
		if !c.wants(evt.Topic, droneID) {
			continue
		}
		select {
		case c.send <- msg:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.log.Warn("dropping slow stream client", zap.String("drone_filter", c.droneID))
		h.remove(c)
	}
}

func (h *StreamHub) add(c *streamClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	metrics.StreamClients.Set(float64(len(h.clients)))
	return true
}

func (h *StreamHub) remove(c *streamClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		metrics.StreamClients.Set(float64(len(h.clients)))
	}
	h.mu.Unlock()
	c.close()
}

func (h *StreamHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *StreamHub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := h.clients
	h.clients = make(map[*streamClient]struct{})
	metrics.StreamClients.Set(0)
	h.mu.Unlock()
	for c := range clients {
		c.close()
	}
}

// GET /api/v1/emergency/stream
func (h *StreamHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &streamClient{
		send:    make(chan []byte, clientSendSize),
		droneID: r.URL.Query().Get("droneId"),
	}
	if raw := r.URL.Query().Get("topics"); raw != "" {
		c.topics = make(map[eventbus.Topic]bool)
		for _, t := range strings.Split(raw, ",") {
			c.topics[eventbus.Topic(strings.TrimSpace(t))] = true
		}
	}
	if !h.add(c) {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(writeWait))
		conn.Close()
		return
	}

	go h.readLoop(conn, c)
	h.writeLoop(conn, c)
}

// readLoop only services control frames; clients do not send data.
func (h *StreamHub) readLoop(conn *websocket.Conn, c *streamClient) {
	defer h.remove(c)
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *StreamHub) writeLoop(conn *websocket.Conn, c *streamClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
		h.remove(c)
	}()

	for {
		select {
		case msg, ok := <-c.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
