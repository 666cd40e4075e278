package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/tcmartin/flowengine/pkg/events"
	"github.com/tcmartin/flowengine/pkg/logging"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPingInterval = 30 * time.Second
	wsPongWait     = wsPingInterval + 10*time.Second
)

// WebSocketMessage represents incoming WebSocket messages
type WebSocketMessage struct {
	Type        string `json:"type"` // "subscribe", "unsubscribe", "ping"
	Stream      string `json:"stream,omitempty"`
	ExecutionID string `json:"execution_id,omitempty"`
	WorkflowID  string `json:"workflow_id,omitempty"`
}

// stream resolves the stream key named by the message
func (m WebSocketMessage) stream() string {
	switch {
	case m.ExecutionID != "":
		return events.ExecutionStream(m.ExecutionID)
	case m.WorkflowID != "":
		return events.WorkflowStream(m.WorkflowID)
	default:
		return m.Stream
	}
}

// ControlMessage is a reply to a client message; events are sent as events.Event
type ControlMessage struct {
	Type      string    `json:"type"` // "subscribed", "unsubscribed", "stream_closed", "pong", "error"
	Stream    string    `json:"stream,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// wsClient is one connection and its stream subscriptions
type wsClient struct {
	conn        *websocket.Conn
	connectedAt time.Time

	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[string]*events.Subscription
}

func (c *wsClient) send(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsClient) control(typ, stream, msg string) error {
	return c.send(ControlMessage{Type: typ, Stream: stream, Message: msg, Timestamp: time.Now().UTC()})
}

func (c *wsClient) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

// WebSocketManager manages WebSocket connections for real-time updates
type WebSocketManager struct {
	// upgrader for upgrading HTTP connections to WebSocket
	upgrader websocket.Upgrader

	bus      *events.Bus
	finished func(ctx context.Context, key string) bool
	logger   logging.Logger

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
}

// NewWebSocketManager creates a new WebSocket manager. finished, when set, reports
// streams of executions that have already ended; subscriptions to them close at once.
func NewWebSocketManager(bus *events.Bus, finished func(ctx context.Context, key string) bool, logger logging.Logger) *WebSocketManager {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &WebSocketManager{
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		bus:      bus,
		finished: finished,
		logger:   logger.WithFields(logging.F("component", "websocket")),
		clients:  make(map[*wsClient]struct{}),
	}
}

// HandleWebSocket upgrades the connection and serves subscribe/unsubscribe/ping messages
func (m *WebSocketManager) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if m.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event streaming is disabled")
		return
	}
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Warn("websocket upgrade failed", logging.Err(err))
		return
	}

	client := &wsClient{
		conn:        conn,
		connectedAt: time.Now(),
		subs:        make(map[string]*events.Subscription),
	}
	m.mu.Lock()
	m.clients[client] = struct{}{}
	m.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		m.remove(client)
	}()

	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go m.pingRoutine(ctx, client)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				m.logger.Debug("websocket closed", logging.Err(err))
			}
			return
		}

		var msg WebSocketMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = client.control("error", "", "invalid message")
			continue
		}
		m.handleMessage(ctx, client, msg)
	}
}

// handleMessage processes one incoming message
func (m *WebSocketManager) handleMessage(ctx context.Context, client *wsClient, msg WebSocketMessage) {
	switch msg.Type {
	case "subscribe":
		key := msg.stream()
		if !validStream(key) {
			_ = client.control("error", key, "stream must be execution:<id> or workflow:<id>")
			return
		}
		m.subscribe(ctx, client, key)
	case "unsubscribe":
		key := msg.stream()
		m.unsubscribe(client, key)
		_ = client.control("unsubscribed", key, "")
	case "ping":
		_ = client.control("pong", "", "")
	default:
		_ = client.control("error", "", "unknown message type: "+msg.Type)
	}
}

// subscribe attaches the client to a stream; the acknowledgement precedes any event
func (m *WebSocketManager) subscribe(ctx context.Context, client *wsClient, key string) {
	client.mu.Lock()
	if _, ok := client.subs[key]; ok {
		client.mu.Unlock()
		_ = client.control("subscribed", key, "")
		return
	}
	sub := m.bus.Subscribe(key)
	client.subs[key] = sub
	client.mu.Unlock()

	if err := client.control("subscribed", key, ""); err != nil {
		m.unsubscribe(client, key)
		return
	}
	// the execution may have ended before the subscription existed
	if m.finished != nil && m.finished(ctx, key) {
		sub.Close()
	}
	go m.forward(ctx, client, key, sub)
}

// forward writes the events of one subscription to the client
func (m *WebSocketManager) forward(ctx context.Context, client *wsClient, key string, sub *events.Subscription) {
	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, events.ErrStreamClosed) {
				client.mu.Lock()
				if client.subs[key] == sub {
					delete(client.subs, key)
					client.mu.Unlock()
					_ = client.control("stream_closed", key, "")
				} else {
					client.mu.Unlock()
				}
			}
			return
		}
		if err := client.send(ev); err != nil {
			m.logger.Debug("failed to send websocket event", logging.Err(err))
			return
		}
	}
}

func (m *WebSocketManager) unsubscribe(client *wsClient, key string) {
	client.mu.Lock()
	sub, ok := client.subs[key]
	delete(client.subs, key)
	client.mu.Unlock()
	if ok {
		sub.Close()
	}
}

// remove drops a client and all of its subscriptions
func (m *WebSocketManager) remove(client *wsClient) {
	m.mu.Lock()
	delete(m.clients, client)
	m.mu.Unlock()

	client.mu.Lock()
	subs := client.subs
	client.subs = make(map[string]*events.Subscription)
	client.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
	_ = client.conn.Close()
}

// pingRoutine sends periodic ping messages to keep connection alive
func (m *WebSocketManager) pingRoutine(ctx context.Context, client *wsClient) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := client.ping(); err != nil {
				_ = client.conn.Close()
				return
			}
		}
	}
}

// GetConnectedClients returns the number of connected clients
func (m *WebSocketManager) GetConnectedClients() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// Close disconnects every client
func (m *WebSocketManager) Close() {
	m.mu.RLock()
	clients := make([]*wsClient, 0, len(m.clients))
	for c := range m.clients {
		clients = append(clients, c)
	}
	m.mu.RUnlock()

	for _, c := range clients {
		_ = c.conn.Close()
	}
}
