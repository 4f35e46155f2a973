package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mcpwire/mcpwire/protocol"
)

// Broadcaster fans a server-originated message out to connected event
// streams. The notification layer provides the implementation.
type Broadcaster interface {
	Broadcast(data []byte) error
}

// HTTP implements MCP transport over HTTP with SSE support. Message
// handling is stateless per request: each inbound request is a
// self-contained unit of work, so concurrent requests share nothing but the
// transport's atomic counters.
type HTTP struct {
	core

	mu          sync.RWMutex
	server      *http.Server
	listener    net.Listener
	listenAddr  string
	events      http.Handler
	broadcaster Broadcaster
	shutdown    *ShutdownManager
	serveErr    chan error
}

// HTTPOption configures the HTTP transport.
type HTTPOption func(*HTTP)

// WithEventsHandler mounts the SSE notification stream at GET /{prefix}/events.
func WithEventsHandler(h http.Handler) HTTPOption {
	return func(t *HTTP) { t.events = h }
}

// WithBroadcaster routes Send through the given event-stream broadcaster.
func WithBroadcaster(b Broadcaster) HTTPOption {
	return func(t *HTTP) { t.broadcaster = b }
}

// NewHTTP creates a new HTTP transport.
func NewHTTP(opts ...HTTPOption) *HTTP {
	t := &HTTP{
		core: newCore("http"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Addr returns the configured address.
func (t *HTTP) Addr() string {
	cfg := t.config()
	return fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
}

// ListenAddr returns the actual address the server is listening on.
func (t *HTTP) ListenAddr() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.listenAddr
}

// Initialize merges defaults and validates configuration.
func (t *HTTP) Initialize(cfg Config) error {
	driverDefaults := Config{
		Timeout: 30 * time.Second,
		Port:    8080,
	}
	return t.init(cfg, driverDefaults)
}

// Start binds the listener and begins serving. Idempotent; returns once the
// listener is bound.
func (t *HTTP) Start(ctx context.Context) error {
	return t.startWith(t.Addr(), func() error {
		cfg := t.config()

		listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port))
		if err != nil {
			return err
		}

		srv := &http.Server{
			Handler:      t.routes(cfg),
			ReadTimeout:  cfg.Timeout,
			WriteTimeout: cfg.Timeout,
		}

		t.mu.Lock()
		t.listener = listener
		t.server = srv
		t.listenAddr = listener.Addr().String()
		t.shutdown = NewShutdownManager(ShutdownConfig{Timeout: cfg.Timeout})
		t.serveErr = make(chan error, 1)
		serveErr := t.serveErr
		t.mu.Unlock()

		go func() {
			var err error
			if cfg.SSLCertFile != "" {
				err = srv.ServeTLS(listener, cfg.SSLCertFile, cfg.SSLKeyFile)
			} else {
				err = srv.Serve(listener)
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- t.fail("serve", err)
			}
			close(serveErr)
		}()
		return nil
	})
}

// Stop drains in-flight requests and shuts the server down. Idempotent;
// connection state is cleared even when shutdown fails.
func (t *HTTP) Stop() error {
	return t.stopWith(t.Addr(), func() error {
		t.mu.RLock()
		srv := t.server
		sd := t.shutdown
		t.mu.RUnlock()
		if srv == nil {
			return nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), t.config().Timeout)
		defer cancel()

		drainErr := sd.Shutdown(ctx)
		stopErr := srv.Shutdown(ctx)
		return errors.Join(drainErr, stopErr)
	})
}

// Send pushes a server-originated message onto the event stream. There is no
// per-request connection to write to, so Send requires a broadcaster.
func (t *HTTP) Send(ctx context.Context, msg *protocol.Message) error {
	if !t.Connected() {
		return ErrClosed
	}
	t.mu.RLock()
	b := t.broadcaster
	t.mu.RUnlock()
	if b == nil {
		return t.fail("send", fmt.Errorf("no event broadcaster attached"))
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return t.fail("send", err)
	}
	if err := b.Broadcast(data); err != nil {
		return t.fail("send", err)
	}
	t.stats.MessagesSent.Add(1)
	t.stats.BytesSent.Add(int64(len(data)))
	t.stats.Touch()
	return nil
}

// Receive always reports no data: HTTP messages arrive through the request
// handler, not a pull loop.
func (t *HTTP) Receive(ctx context.Context) (*protocol.Message, error) {
	return nil, nil
}

// Healthy implements the pool's driver-specific probe. It checks the started
// flag, the SSL material when configured, and port availability only when
// not already started (probing a live listener would report a false
// negative).
func (t *HTTP) Healthy() bool {
	cfg := t.config()

	if cfg.SSLCertFile != "" {
		if _, err := os.Stat(cfg.SSLCertFile); err != nil {
			return false
		}
		if _, err := os.Stat(cfg.SSLKeyFile); err != nil {
			return false
		}
	}

	if t.Connected() {
		return true
	}

	probe, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port))
	if err != nil {
		return false
	}
	_ = probe.Close()
	return true
}

// routes builds the transport's HTTP surface under the configured prefix:
// POST /{prefix}/, GET /{prefix}/events, GET /{prefix}/health,
// GET /{prefix}/info, with CORS (and OPTIONS preflight) around everything.
func (t *HTTP) routes(cfg Config) http.Handler {
	prefix := "/" + strings.Trim(cfg.Prefix, "/")
	mux := http.NewServeMux()

	mux.HandleFunc(prefix, t.HandleRequest)
	mux.HandleFunc(prefix+"/", t.HandleRequest)
	mux.HandleFunc(prefix+"/health", t.handleHealth)
	mux.HandleFunc(prefix+"/info", t.handleInfo)
	if t.events != nil {
		mux.Handle(prefix+"/events", t.events)
	}

	cors := DefaultCORSConfig()
	if cfg.CORS != nil {
		cors = *cfg.CORS
	}
	return CORSHandler(cors, mux)
}

// HandleRequest ingests one HTTP request carrying a JSON-RPC payload:
// a single message or a batch array. Malformed payloads are rejected here
// with parse/invalid-request codes and never reach the protocol state
// machine.
func (t *HTTP) HandleRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	t.mu.RLock()
	sd := t.shutdown
	t.mu.RUnlock()
	if sd != nil {
		if !sd.TrackRequest() {
			http.Error(w, "shutting down", http.StatusServiceUnavailable)
			return
		}
		defer sd.CompleteRequest()
	}

	if ct := r.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		writeRPCError(w, http.StatusBadRequest,
			protocol.NewErrorResponse(nil, protocol.NewInvalidRequest("Content-Type must be application/json")))
		return
	}

	var body json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		t.stats.Errors.Add(1)
		writeRPCError(w, http.StatusBadRequest,
			protocol.NewErrorResponse(nil, protocol.NewParseError("invalid JSON")))
		return
	}
	t.stats.BytesReceived.Add(int64(len(body)))
	t.stats.Touch()

	trimmed := strings.TrimSpace(string(body))
	switch {
	case strings.HasPrefix(trimmed, "["):
		t.handleBatch(w, r, body)
	case strings.HasPrefix(trimmed, "{"):
		t.handleSingle(w, r, body)
	default:
		writeRPCError(w, http.StatusBadRequest,
			protocol.NewErrorResponse(nil, protocol.NewInvalidRequest("payload must be an object or array")))
	}
}

func (t *HTTP) handleSingle(w http.ResponseWriter, r *http.Request, body json.RawMessage) {
	var msg protocol.Message
	if err := json.Unmarshal(body, &msg); err != nil {
		writeRPCError(w, http.StatusBadRequest,
			protocol.NewErrorResponse(nil, protocol.NewParseError(err.Error())))
		return
	}

	resp := t.process(r.Context(), &msg)
	if resp == nil {
		// Notification with no response body.
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeRPC(w, http.StatusOK, resp)
}

// handleBatch fans a JSON-RPC batch array out item by item. A malformed
// item produces a per-item error object; it never fails the whole batch.
func (t *HTTP) handleBatch(w http.ResponseWriter, r *http.Request, body json.RawMessage) {
	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err != nil {
		writeRPCError(w, http.StatusBadRequest,
			protocol.NewErrorResponse(nil, protocol.NewParseError(err.Error())))
		return
	}
	if len(items) == 0 {
		writeRPCError(w, http.StatusBadRequest,
			protocol.NewErrorResponse(nil, protocol.NewInvalidRequest("empty batch")))
		return
	}

	responses := make([]*protocol.Message, 0, len(items))
	for _, item := range items {
		var msg protocol.Message
		if err := json.Unmarshal(item, &msg); err != nil {
			responses = append(responses,
				protocol.NewErrorResponse(nil, protocol.NewInvalidRequest("invalid batch item")))
			continue
		}
		if resp := t.process(r.Context(), &msg); resp != nil {
			responses = append(responses, resp)
		}
	}

	if len(responses) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeRPC(w, http.StatusOK, responses)
}

// process validates and dispatches one message, returning the response to
// write or nil for notifications.
func (t *HTTP) process(ctx context.Context, msg *protocol.Message) *protocol.Message {
	if err := msg.Validate(); err != nil {
		var perr *protocol.Error
		if !errors.As(err, &perr) {
			perr = protocol.NewInvalidRequest(err.Error())
		}
		return protocol.NewErrorResponse(msg.ID, perr)
	}

	handler := t.boundHandler()
	if handler == nil {
		return protocol.NewErrorResponse(msg.ID, protocol.NewInternalError("no message handler bound"))
	}

	t.stats.MessagesReceived.Add(1)
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

// handleHealth reports liveness plus the driver-specific probe result.
func (t *HTTP) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	status := "ok"
	code := http.StatusOK
	if !t.Healthy() {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
}

// handleInfo exposes the transport's state and counters.
func (t *HTTP) handleInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	state := t.State()
	info := map[string]any{
		"transport": t.driver,
		"connected": state.Connected,
		"stats":     t.stats.Snapshot(),
	}
	if !state.ConnectedAt.IsZero() {
		info["connected_at"] = state.ConnectedAt.UTC().Format(time.RFC3339)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(info)
}

func writeRPC(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeRPCError(w http.ResponseWriter, code int, resp *protocol.Message) {
	writeRPC(w, code, resp)
}
