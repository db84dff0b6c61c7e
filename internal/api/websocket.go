package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/printbridge/internal/device"
	"github.com/nerrad567/printbridge/internal/infrastructure/logging"
)

// WebSocket constants.
const (
	// wsSendBufferSize is the per-client outbound message buffer size.
	wsSendBufferSize = 256

	defaultPingInterval   = 30 * time.Second
	defaultPongTimeout    = 10 * time.Second
	defaultMaxMessageSize = 64 << 10
)

// Notification methods pushed to clients.
const (
	methodNotifyStatusUpdate     = "notify_status_update"
	methodNotifyKlippyReady      = "notify_klippy_ready"
	methodNotifyKlippyDisconnect = "notify_klippy_disconnected"
	methodNotifyFilelistChanged  = "notify_filelist_changed"
	methodNotifyHistoryChanged   = "notify_history_changed"
)

// rpcNotification is a server-initiated JSON-RPC message.
type rpcNotification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

// wsHub tracks connected WebSocket clients.
type wsHub struct {
	logger  *logging.Logger
	clients map[*wsClient]struct{}
	mu      sync.RWMutex
	nextID  atomic.Int64
}

// wsClient is one connected WebSocket client.
type wsClient struct {
	server *Server
	conn   *websocket.Conn
	send   chan []byte
	id     int64

	mu         sync.Mutex
	subscribed objectQuery
	sent       status
	identity   map[string]any
}

func newWSHub(logger *logging.Logger) *wsHub {
	return &wsHub{
		logger:  logger,
		clients: make(map[*wsClient]struct{}),
	}
}

// register adds a client to the hub.
func (h *wsHub) register(client *wsClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "connection_id", client.id, "clients", h.clientCount())
}

// unregister removes a client from the hub.
// Only the goroutine that successfully removes the client from the map
// closes the send channel, preventing double-close panics during shutdown.
func (h *wsHub) unregister(client *wsClient) {
	h.mu.Lock()
	_, existed := h.clients[client]
	delete(h.clients, client)
	h.mu.Unlock()

	if existed {
		close(client.send)
	}
	h.logger.Debug("websocket client disconnected", "connection_id", client.id, "clients", h.clientCount())
}

// snapshot returns the current clients without holding the lock.
func (h *wsHub) snapshot() []*wsClient {
	h.mu.RLock()
	defer h.mu.RUnlock()
	clients := make([]*wsClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	return clients
}

// broadcast sends a notification to every client.
func (h *wsHub) broadcast(method string, params ...any) {
	data, err := json.Marshal(rpcNotification{JSONRPC: "2.0", Method: method, Params: params})
	if err != nil {
		h.logger.Error("failed to marshal notification", "method", method, "error", err)
		return
	}
	clients := h.snapshot()
	for _, client := range clients {
		client.trySend(data)
	}
	if len(clients) > 0 {
		h.logger.Debug("notification sent", "method", method, "recipients", len(clients))
	}
}

// clientCount returns the number of connected clients.
func (h *wsHub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// closeAll disconnects all clients and closes their send channels
// so writePump goroutines can exit cleanly.
func (h *wsHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		if client.conn != nil {
			client.conn.Close()
		}
		delete(h.clients, client)
	}
}

type wsTimings struct {
	pingInterval time.Duration
	pongWait     time.Duration
	maxMessage   int64
}

func (s *Server) wsTimings() wsTimings {
	t := wsTimings{
		pingInterval: time.Duration(s.wsCfg.PingInterval) * time.Second,
		pongWait:     time.Duration(s.wsCfg.PongTimeout) * time.Second,
		maxMessage:   int64(s.wsCfg.MaxMessageSize),
	}
	if t.pingInterval <= 0 {
		t.pingInterval = defaultPingInterval
	}
	if t.pongWait <= 0 {
		t.pongWait = defaultPongTimeout
	}
	if t.maxMessage <= 0 {
		t.maxMessage = defaultMaxMessageSize
	}
	return t
}

// handleWebSocket upgrades the connection. When an API key is configured
// the client must present it or a oneshot token.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeUnauthorized(w, "missing or invalid credentials")
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.isAllowedOrigin(origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &wsClient{
		server: s,
		conn:   conn,
		send:   make(chan []byte, wsSendBufferSize),
		id:     s.ws.nextID.Add(1),
	}
	s.ws.register(client)

	timings := s.wsTimings()
	go client.writePump(timings)
	go client.readPump(timings)

	if klippy, _ := klippyState(s.snapshot().ConnectionStatus); klippy == "ready" {
		client.notify(methodNotifyKlippyReady)
	}
}

// readPump reads messages from the WebSocket connection.
func (c *wsClient) readPump(t wsTimings) {
	defer func() {
		c.server.ws.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(t.maxMessage)
	//nolint:errcheck // Best-effort deadline on connection setup
	c.conn.SetReadDeadline(time.Now().Add(t.pingInterval + t.pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(t.pingInterval + t.pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.Warn("websocket read error", "error", err)
			} else {
				c.server.logger.Debug("websocket closed", "error", err)
			}
			return
		}
		// Any client message resets the read deadline (keeps connection alive
		// even if browser doesn't respond to protocol-level pings).
		//nolint:errcheck // Best-effort deadline reset
		c.conn.SetReadDeadline(time.Now().Add(t.pingInterval + t.pongWait))
		if reply := c.handleMessage(message); reply != nil {
			c.trySend(reply)
		}
	}
}

// writePump writes messages to the WebSocket connection.
func (c *wsClient) writePump(t wsTimings) {
	ticker := time.NewTicker(t.pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				// Hub closed the channel
				//nolint:errcheck // Best-effort close message
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			//nolint:errcheck // Best-effort deadline; write error caught below
			c.conn.SetWriteDeadline(time.Now().Add(t.pongWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			c.conn.SetWriteDeadline(time.Now().Add(t.pongWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// trySend queues data for the client. It reports false when the client
// has gone or its buffer is full.
func (c *wsClient) trySend(data []byte) (sent bool) {
	defer func() {
		if recover() != nil { // send on a channel closed by unregister
			sent = false
		}
	}()

	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *wsClient) notify(method string, params ...any) bool {
	data, err := json.Marshal(rpcNotification{JSONRPC: "2.0", Method: method, Params: params})
	if err != nil {
		return false
	}
	return c.trySend(data)
}

// subscribe replaces the client's object subscription and returns the
// current values of the subscribed objects.
func (c *wsClient) subscribe(q objectQuery, current status) status {
	picked := current.pick(q)
	c.mu.Lock()
	c.subscribed = q
	c.sent = picked
	c.mu.Unlock()
	return picked
}

// pushStatus sends the subscribed fields that changed since the last
// update the client received.
func (c *wsClient) pushStatus(current status, eventTime float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.subscribed) == 0 {
		return
	}
	picked := current.pick(c.subscribed)
	changed := picked.diff(c.sent)
	if len(changed) == 0 {
		return
	}
	if c.notify(methodNotifyStatusUpdate, changed, eventTime) {
		c.sent = picked
	}
}

// relayState turns hub change-sets into client notifications until ctx
// ends.
func (s *Server) relayState(ctx context.Context) {
	sub := s.hub.Subscribe()
	defer sub.Cancel()

	lastKlippy, _ := klippyState(s.snapshot().ConnectionStatus)
	for {
		select {
		case <-ctx.Done():
			return
		case cs, ok := <-sub.C():
			if !ok {
				return
			}
			snap := cs.Snapshot
			if snap == nil {
				snap = s.snapshot()
			}

			if cs.Full() || cs.Has(device.PathConnectionStatus) {
				klippy, _ := klippyState(snap.ConnectionStatus)
				if klippy != lastKlippy {
					switch klippy {
					case "ready":
						s.ws.broadcast(methodNotifyKlippyReady)
					case "shutdown":
						s.ws.broadcast(methodNotifyKlippyDisconnect)
					}
					lastKlippy = klippy
				}
			}

			current := newObjectModel(s.commands).status(snap, s.clock.Now())
			eventTime := s.eventTime()
			for _, client := range s.ws.snapshot() {
				client.pushStatus(current, eventTime)
			}
		}
	}
}
