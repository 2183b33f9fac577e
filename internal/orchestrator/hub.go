package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/turnstile-dev/turnstile/internal/protocol"
)

// MessageHandler receives inbound worker messages
type MessageHandler interface {
	OnHandshakeComplete(workerID string)
	OnTaskCompleted(msg protocol.TaskCompletedMessage)
	OnWorkerLog(workerID, message string)
	OnWorkerGone(workerID string)
}

// HubConfig configures the worker hub
type HubConfig struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
}

// Hub accepts worker WebSocket connections and routes messages between
// them and the orchestrator. It implements Sender.
type Hub struct {
	config   HubConfig
	handler  MessageHandler
	upgrader websocket.Upgrader

	mu      sync.Mutex
	workers map[string]*workerConn
}

type workerConn struct {
	id          string
	conn        *websocket.Conn
	connectedAt time.Time
	writeMu     sync.Mutex
}

// NewHub creates a Hub routing messages to handler
func NewHub(config HubConfig, handler MessageHandler) *Hub {
	if config.HeartbeatInterval == 0 {
		config.HeartbeatInterval = 30 * time.Second
	}
	if config.HeartbeatTimeout == 0 {
		config.HeartbeatTimeout = 90 * time.Second
	}
	return &Hub{
		config:  config,
		handler: handler,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		workers: make(map[string]*workerConn),
	}
}

// Workers returns connected worker ids, oldest connection first
func (h *Hub) Workers() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	conns := make([]*workerConn, 0, len(h.workers))
	for _, w := range h.workers {
		conns = append(conns, w)
	}
	sort.Slice(conns, func(i, j int) bool { return conns[i].connectedAt.Before(conns[j].connectedAt) })

	ids := make([]string, len(conns))
	for i, w := range conns {
		ids[i] = w.id
	}
	return ids
}

// Send delivers one message to a worker
func (h *Hub) Send(workerID, msgType string, payload interface{}) error {
	h.mu.Lock()
	w := h.workers[workerID]
	h.mu.Unlock()

	if w == nil {
		return fmt.Errorf("worker %s not connected", workerID)
	}

	data, err := protocol.MarshalEnvelope(msgType, payload)
	if err != nil {
		return err
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

// HandleWebSocket handles incoming WebSocket connections from workers
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("upgrade failed: %v", err)
		return
	}
	go h.handleWorkerConnection(conn)
}

func (h *Hub) handleWorkerConnection(conn *websocket.Conn) {
	var workerID string
	defer func() {
		conn.Close()
		if workerID != "" {
			h.mu.Lock()
			delete(h.workers, workerID)
			h.mu.Unlock()
			h.handler.OnWorkerGone(workerID)
		}
	}()

	conn.SetReadDeadline(time.Now().Add(h.config.HeartbeatTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(h.config.HeartbeatTimeout))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("read error: %v", err)
			}
			return
		}

		conn.SetReadDeadline(time.Now().Add(h.config.HeartbeatTimeout))

		var env protocol.EnvelopeRaw
		if err := json.Unmarshal(message, &env); err != nil {
			log.Printf("invalid message: %v", err)
			continue
		}

		switch env.Type {
		case protocol.TypeRegister:
			var reg protocol.RegisterMessage
			if err := json.Unmarshal(env.Payload, &reg); err != nil {
				log.Printf("invalid register: %v", err)
				continue
			}
			workerID = reg.WorkerID
			h.mu.Lock()
			h.workers[workerID] = &workerConn{id: workerID, conn: conn, connectedAt: time.Now()}
			h.mu.Unlock()
			log.Printf("worker %s registered", workerID)

		case protocol.TypeHandshakeComplete:
			h.handler.OnHandshakeComplete(workerID)

		case protocol.TypeTaskCompleted:
			var msg protocol.TaskCompletedMessage
			if err := json.Unmarshal(env.Payload, &msg); err != nil {
				log.Printf("failed to unmarshal %s message: %v", env.Type, err)
				continue
			}
			h.handler.OnTaskCompleted(msg)

		case protocol.TypeLog:
			var msg protocol.LogMessage
			if err := json.Unmarshal(env.Payload, &msg); err != nil {
				log.Printf("failed to unmarshal %s message: %v", env.Type, err)
				continue
			}
			h.handler.OnWorkerLog(workerID, msg.Message)
		}
	}
}

// RunHeartbeat pings workers until ctx is cancelled
func (h *Hub) RunHeartbeat(ctx context.Context) error {
	ticker := time.NewTicker(h.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			h.sendHeartbeats()
		}
	}
}

func (h *Hub) sendHeartbeats() {
	h.mu.Lock()
	conns := make([]*workerConn, 0, len(h.workers))
	for _, w := range h.workers {
		conns = append(conns, w)
	}
	h.mu.Unlock()

	for _, w := range conns {
		w.writeMu.Lock()
		w.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		err := w.conn.WriteMessage(websocket.PingMessage, nil)
		w.conn.SetWriteDeadline(time.Time{})
		w.writeMu.Unlock()

		if err != nil {
			log.Printf("ping to %s failed: %v", w.id, err)
			// Connection is broken; the read loop handles cleanup
			w.conn.Close()
		}
	}
}
