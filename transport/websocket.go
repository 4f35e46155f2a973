package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mcpwire/mcpwire/protocol"
)

// WebSocket implements MCP transport over long-lived WebSocket connections.
// Each accepted connection runs its own read loop; Send fans server-originated
// messages out to every connected client.
type WebSocket struct {
	core

	upgrader websocket.Upgrader

	mu         sync.RWMutex
	server     *http.Server
	listener   net.Listener
	listenAddr string
	clients    map[*wsClient]struct{}
}

// wsClient is one accepted connection. Writes are serialized per connection.
type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// WebSocketOption configures a WebSocket transport.
type WebSocketOption func(*WebSocket)

// WithCheckOrigin sets the origin check applied during the upgrade.
func WithCheckOrigin(fn func(r *http.Request) bool) WebSocketOption {
	return func(ws *WebSocket) { ws.upgrader.CheckOrigin = fn }
}

// NewWebSocket creates a new WebSocket transport.
func NewWebSocket(opts ...WebSocketOption) *WebSocket {
	ws := &WebSocket{
		core: newCore("websocket"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*wsClient]struct{}),
	}
	for _, opt := range opts {
		opt(ws)
	}
	return ws
}

// Addr returns the configured address.
func (ws *WebSocket) Addr() string {
	cfg := ws.config()
	return fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
}

// ListenAddr returns the actual address the server is listening on.
func (ws *WebSocket) ListenAddr() string {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	return ws.listenAddr
}

// Initialize merges defaults and validates configuration.
func (ws *WebSocket) Initialize(cfg Config) error {
	driverDefaults := Config{
		Timeout: 60 * time.Second,
		Port:    8081,
	}
	return ws.init(cfg, driverDefaults)
}

// Start binds the listener and begins accepting connections. Idempotent.
func (ws *WebSocket) Start(ctx context.Context) error {
	return ws.startWith(ws.Addr(), func() error {
		cfg := ws.config()

		listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port))
		if err != nil {
			return err
		}

		mux := http.NewServeMux()
		mux.HandleFunc("/", ws.handleUpgrade)
		srv := &http.Server{Handler: mux}

		ws.mu.Lock()
		ws.listener = listener
		ws.server = srv
		ws.listenAddr = listener.Addr().String()
		ws.mu.Unlock()

		go func() {
			if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				_ = ws.fail("serve", err)
			}
		}()
		return nil
	})
}

// Stop closes every client connection and shuts the server down. Idempotent;
// connection state is cleared even when shutdown fails.
func (ws *WebSocket) Stop() error {
	return ws.stopWith(ws.Addr(), func() error {
		ws.mu.Lock()
		srv := ws.server
		clients := make([]*wsClient, 0, len(ws.clients))
		for c := range ws.clients {
			clients = append(clients, c)
		}
		ws.clients = make(map[*wsClient]struct{})
		ws.mu.Unlock()

		for _, c := range clients {
			c.close()
		}
		if srv == nil {
			return nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), ws.config().Timeout)
		defer cancel()
		return srv.Shutdown(ctx)
	})
}

// Send writes the message to every connected client.
func (ws *WebSocket) Send(ctx context.Context, msg *protocol.Message) error {
	if !ws.Connected() {
		return ErrClosed
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return ws.fail("send", err)
	}

	ws.mu.RLock()
	clients := make([]*wsClient, 0, len(ws.clients))
	for c := range ws.clients {
		clients = append(clients, c)
	}
	ws.mu.RUnlock()

	var errs []error
	for _, c := range clients {
		if err := c.write(data); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return ws.fail("send", errors.Join(errs...))
	}
	ws.stats.MessagesSent.Add(int64(len(clients)))
	ws.stats.BytesSent.Add(int64(len(data) * len(clients)))
	ws.stats.Touch()
	return nil
}

// Receive always reports no data: messages arrive through per-connection
// read loops, not a pull loop.
func (ws *WebSocket) Receive(ctx context.Context) (*protocol.Message, error) {
	return nil, nil
}

// Healthy implements the pool's driver-specific probe.
func (ws *WebSocket) Healthy() bool {
	if ws.Connected() {
		return true
	}
	cfg := ws.config()
	probe, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port))
	if err != nil {
		return false
	}
	_ = probe.Close()
	return true
}

// handleUpgrade accepts one WebSocket connection and runs its read loop.
func (ws *WebSocket) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := &wsClient{conn: conn}
	ws.mu.Lock()
	ws.clients[client] = struct{}{}
	ws.mu.Unlock()

	defer func() {
		ws.mu.Lock()
		delete(ws.clients, client)
		ws.mu.Unlock()
		_ = conn.Close()
	}()

	ctx := protocol.ContextWithClientID(r.Context(), r.RemoteAddr)
	timeout := ws.config().Timeout

	for {
		if timeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(timeout))
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			// Close errors are normal client disconnects.
			return
		}
		ws.stats.BytesReceived.Add(int64(len(data)))
		ws.stats.Touch()

		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = client.writeJSON(protocol.NewErrorResponse(nil, protocol.NewParseError(err.Error())))
			continue
		}
		ws.stats.MessagesReceived.Add(1)

		if resp := ws.dispatch(ctx, &msg); resp != nil {
			_ = client.writeJSON(resp)
		}
	}
}

// dispatch validates and routes one message, returning the response to write
// or nil for notifications. Per-message failures become error responses.
func (ws *WebSocket) dispatch(ctx context.Context, msg *protocol.Message) *protocol.Message {
	if err := msg.Validate(); err != nil {
		var perr *protocol.Error
		if !errors.As(err, &perr) {
			perr = protocol.NewInvalidRequest(err.Error())
		}
		return protocol.NewErrorResponse(msg.ID, perr)
	}

	handler := ws.boundHandler()
	if handler == nil {
		return protocol.NewErrorResponse(msg.ID, protocol.NewInternalError("no message handler bound"))
	}

	resp, err := handler.HandleMessage(ctx, msg)
	if msg.IsNotification() {
		return nil
	}
	if err != nil {
		var perr *protocol.Error
		if !errors.As(err, &perr) {
			perr = protocol.NewInternalError(err.Error())
		}
		return protocol.NewErrorResponse(msg.ID, perr)
	}
	return resp
}

func (c *wsClient) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsClient) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *wsClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = c.conn.Close()
}
