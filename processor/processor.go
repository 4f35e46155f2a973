package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mcpwire/mcpwire/middleware"
	"github.com/mcpwire/mcpwire/protocol"
)

// RequestHandler produces the result for one request method. Returned errors
// of type *protocol.Error keep their code; anything else becomes an internal
// error.
type RequestHandler func(ctx context.Context, params json.RawMessage) (any, error)

// NotificationHandler consumes one notification method.
type NotificationHandler func(ctx context.Context, params json.RawMessage) error

// Sender is the outbound half of a transport, used for server-initiated
// requests.
type Sender interface {
	Send(ctx context.Context, msg *protocol.Message) error
}

// gated lists the methods that require a completed handshake.
var gated = map[string]bool{
	protocol.MethodToolsList:             true,
	protocol.MethodToolsCall:             true,
	protocol.MethodResourcesList:         true,
	protocol.MethodResourcesRead:         true,
	protocol.MethodResourceTemplatesList: true,
	protocol.MethodPromptsList:           true,
	protocol.MethodPromptsGet:            true,
}

// Processor is the protocol state machine. It implements
// transport.MessageHandler and is safe for concurrent use.
type Processor struct {
	info       Info
	caps       Capabilities
	negotiator Negotiator
	registries Registries
	logger     *slog.Logger

	mu            sync.Mutex
	sessions      map[string]*Session
	requests      map[string]RequestHandler
	notifications map[string]NotificationHandler
	pending       map[string]chan *protocol.Message
	mw            []middleware.Middleware
	pipeline      middleware.HandlerFunc
}

// Option configures a Processor.
type Option func(*Processor)

// WithNegotiator replaces the default capability negotiator.
func WithNegotiator(n Negotiator) Option {
	return func(p *Processor) { p.negotiator = n }
}

// WithCapabilities overrides the capability set derived from the registries.
func WithCapabilities(caps Capabilities) Option {
	return func(p *Processor) { p.caps = caps }
}

// WithLogger sets the processor's logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Processor) { p.logger = l }
}

// New creates a processor serving the given registries, with the built-in
// MCP methods pre-registered.
func New(info Info, registries Registries, opts ...Option) *Processor {
	p := &Processor{
		info:          info,
		caps:          registries.Capabilities(),
		negotiator:    defaultNegotiator{},
		registries:    registries,
		logger:        slog.Default(),
		sessions:      make(map[string]*Session),
		requests:      make(map[string]RequestHandler),
		notifications: make(map[string]NotificationHandler),
		pending:       make(map[string]chan *protocol.Message),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.OnRequest(protocol.MethodInitialize, p.handleInitialize)
	p.OnRequest(protocol.MethodPing, p.handlePing)
	p.OnRequest(protocol.MethodToolsList, p.listHandler(func() Registry { return p.registries.Tools }, "tools"))
	p.OnRequest(protocol.MethodToolsCall, p.handleToolsCall)
	p.OnRequest(protocol.MethodResourcesList, p.listHandler(func() Registry { return p.registries.Resources }, "resources"))
	p.OnRequest(protocol.MethodResourcesRead, p.handleResourcesRead)
	p.OnRequest(protocol.MethodResourceTemplatesList, p.handleResourceTemplates)
	p.OnRequest(protocol.MethodPromptsList, p.listHandler(func() Registry { return p.registries.Prompts }, "prompts"))
	p.OnRequest(protocol.MethodPromptsGet, p.handlePromptsGet)
	p.OnNotification(protocol.MethodInitialized, p.handleInitialized)

	return p
}

// OnRequest registers (or replaces) the handler for a request method.
func (p *Processor) OnRequest(method string, h RequestHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests[method] = h
	p.pipeline = nil
}

// OnNotification registers (or replaces) the handler for a notification
// method.
func (p *Processor) OnNotification(method string, h NotificationHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notifications[method] = h
}

// Use appends interceptors around request dispatch. Interceptors run in
// registration order.
func (p *Processor) Use(mw ...middleware.Middleware) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mw = append(p.mw, mw...)
	p.pipeline = nil
}

// Session returns the handshake state for the client carried by ctx,
// creating it un-initialized on first sight.
func (p *Processor) Session(ctx context.Context) *Session {
	key := protocol.ClientIDFromContext(ctx)
	p.mu.Lock()
	defer p.mu.Unlock()
	sess, ok := p.sessions[key]
	if !ok {
		sess = &Session{}
		p.sessions[key] = sess
	}
	return sess
}

// initialized reports whether the client carried by ctx has completed the
// handshake.
func (p *Processor) initialized(ctx context.Context) bool {
	sess := p.Session(ctx)
	p.mu.Lock()
	defer p.mu.Unlock()
	return sess.Initialized
}

// HandleMessage validates and routes one inbound message. Requests return a
// response message; notifications and responses return nil. Handler panics
// and errors become internal-error responses carrying the request id.
func (p *Processor) HandleMessage(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	if err := msg.Validate(); err != nil {
		var perr *protocol.Error
		if !errors.As(err, &perr) {
			perr = protocol.NewInvalidRequest(err.Error())
		}
		return protocol.NewErrorResponse(msg.ID, perr), nil
	}

	switch msg.Kind() {
	case protocol.KindRequest:
		return p.handlePipeline(ctx, msg), nil
	case protocol.KindNotification:
		p.dispatchNotification(ctx, msg)
		return nil, nil
	case protocol.KindResponse:
		p.correlate(msg)
		return nil, nil
	default:
		return protocol.NewErrorResponse(msg.ID,
			protocol.NewInvalidRequest("unrecognized message shape")), nil
	}
}

// handlePipeline runs one request through the interceptor chain.
func (p *Processor) handlePipeline(ctx context.Context, msg *protocol.Message) *protocol.Message {
	p.mu.Lock()
	if p.pipeline == nil {
		p.pipeline = middleware.Chain(p.mw...)(p.dispatchRequest)
	}
	pipeline := p.pipeline
	p.mu.Unlock()

	resp, err := pipeline(ctx, msg)
	if err != nil {
		return protocol.NewErrorResponse(msg.ID, toProtocolError(err))
	}
	if resp == nil {
		return protocol.NewErrorResponse(msg.ID,
			protocol.NewInternalError("handler produced no response"))
	}
	return resp
}

// dispatchRequest is the innermost request handler: gate check, method
// lookup, invoke, envelope.
func (p *Processor) dispatchRequest(ctx context.Context, msg *protocol.Message) (resp *protocol.Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("handler panic", "method", msg.Method, "panic", fmt.Sprint(r))
			resp = protocol.NewErrorResponse(msg.ID,
				protocol.NewInternalError(fmt.Sprintf("panic: %v", r)))
			err = nil
		}
	}()

	if gated[msg.Method] && !p.initialized(ctx) {
		return protocol.NewErrorResponse(msg.ID,
			protocol.NewServerNotInitialized("session not initialized: complete the initialize handshake first")), nil
	}

	p.mu.Lock()
	handler, ok := p.requests[msg.Method]
	p.mu.Unlock()
	if !ok {
		return protocol.NewErrorResponse(msg.ID,
			protocol.NewMethodNotFound(fmt.Sprintf("method %q not found", msg.Method))), nil
	}

	result, err := handler(ctx, msg.Params)
	if err != nil {
		return protocol.NewErrorResponse(msg.ID, toProtocolError(err)), nil
	}
	return protocol.NewResponse(msg.ID, result), nil
}

// dispatchNotification invokes the notification handler, if any. Failures are
// logged; notifications never produce responses.
func (p *Processor) dispatchNotification(ctx context.Context, msg *protocol.Message) {
	p.mu.Lock()
	handler, ok := p.notifications[msg.Method]
	p.mu.Unlock()
	if !ok {
		p.logger.Debug("unhandled notification", "method", msg.Method)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("notification handler panic", "method", msg.Method, "panic", fmt.Sprint(r))
		}
	}()
	if err := handler(ctx, msg.Params); err != nil {
		p.logger.Warn("notification handler failed", "method", msg.Method, "err", err)
	}
}

// SendRequest issues a server-initiated request over the sender and waits for
// the correlated response or ctx expiry.
func (p *Processor) SendRequest(ctx context.Context, s Sender, method string, params json.RawMessage) (*protocol.Message, error) {
	id := uuid.NewString()
	idRaw, _ := json.Marshal(id)

	ch := make(chan *protocol.Message, 1)
	p.mu.Lock()
	p.pending[id] = ch
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
	}()

	if err := s.Send(ctx, protocol.NewRequest(idRaw, method, params)); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case resp := <-ch:
		return resp, nil
	}
}

// correlate resolves an inbound response against a waiting server-initiated
// request. Unmatched responses are logged and dropped.
func (p *Processor) correlate(msg *protocol.Message) {
	var id string
	if err := json.Unmarshal(msg.ID, &id); err != nil {
		id = string(msg.ID)
	}

	p.mu.Lock()
	ch, ok := p.pending[id]
	if ok {
		delete(p.pending, id)
	}
	p.mu.Unlock()

	if !ok {
		p.logger.Debug("uncorrelated response dropped", "id", id)
		return
	}
	ch <- msg
}

// OnConnect implements transport.MessageHandler.
func (p *Processor) OnConnect(addr string) {
	p.logger.Info("transport connected", "addr", addr)
}

// OnDisconnect resets every session: a new handshake is required per
// connection.
func (p *Processor) OnDisconnect(addr string) {
	p.mu.Lock()
	for _, sess := range p.sessions {
		sess.reset()
	}
	p.mu.Unlock()
	p.logger.Info("transport disconnected", "addr", addr)
}

// HandleError implements transport.MessageHandler.
func (p *Processor) HandleError(err error) {
	p.logger.Error("transport error", "err", err)
}

// --- built-in method handlers ---

func (p *Processor) handleInitialize(ctx context.Context, params json.RawMessage) (any, error) {
	var req initializeParams
	if err := rawParams(params, &req); err != nil {
		return nil, protocol.NewInvalidParams(err.Error())
	}

	sess := p.Session(ctx)
	p.mu.Lock()
	sess.ClientInfo = req.ClientInfo
	sess.ClientCapabilities = req.Capabilities
	sess.Negotiated = p.negotiator.Negotiate(req.Capabilities, p.caps)
	negotiated := sess.Negotiated
	p.mu.Unlock()

	p.logger.Info("initialize handshake",
		"client", req.ClientInfo.Name,
		"client_version", req.ClientInfo.Version,
		"protocol_version", req.ProtocolVersion)

	return initializeResult{
		ProtocolVersion: protocol.MCPVersion,
		Capabilities:    negotiated,
		ServerInfo:      p.info,
	}, nil
}

func (p *Processor) handleInitialized(ctx context.Context, _ json.RawMessage) error {
	sess := p.Session(ctx)
	p.mu.Lock()
	sess.Initialized = true
	p.mu.Unlock()
	p.logger.Debug("session initialized")
	return nil
}

// handlePing answers regardless of session state.
func (p *Processor) handlePing(context.Context, json.RawMessage) (any, error) {
	return struct{}{}, nil
}

// listHandler builds the list handler for one registry, keying the result
// under field.
func (p *Processor) listHandler(reg func() Registry, field string) RequestHandler {
	return func(ctx context.Context, _ json.RawMessage) (any, error) {
		r := reg()
		if r == nil {
			return nil, protocol.NewMethodNotFound(field + " are not supported by this server")
		}
		entries, err := r.List(ctx)
		if err != nil {
			return nil, err
		}
		if entries == nil {
			entries = []Entry{}
		}
		return map[string]any{field: entries}, nil
	}
}

func (p *Processor) handleToolsCall(ctx context.Context, params json.RawMessage) (any, error) {
	if p.registries.Tools == nil {
		return nil, protocol.NewMethodNotFound("tools are not supported by this server")
	}
	var req struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := rawParams(params, &req); err != nil {
		return nil, protocol.NewInvalidParams(err.Error())
	}
	if req.Name == "" {
		return nil, protocol.NewInvalidParams("missing tool name")
	}
	return p.registries.Tools.Invoke(ctx, req.Name, req.Arguments)
}

func (p *Processor) handleResourcesRead(ctx context.Context, params json.RawMessage) (any, error) {
	if p.registries.Resources == nil {
		return nil, protocol.NewMethodNotFound("resources are not supported by this server")
	}
	var req struct {
		URI string `json:"uri"`
	}
	if err := rawParams(params, &req); err != nil {
		return nil, protocol.NewInvalidParams(err.Error())
	}
	if req.URI == "" {
		return nil, protocol.NewInvalidParams("missing resource uri")
	}
	return p.registries.Resources.Invoke(ctx, req.URI, params)
}

func (p *Processor) handleResourceTemplates(ctx context.Context, _ json.RawMessage) (any, error) {
	if p.registries.Resources == nil {
		return nil, protocol.NewMethodNotFound("resources are not supported by this server")
	}
	lister, ok := p.registries.Resources.(TemplateLister)
	if !ok {
		return map[string]any{"resourceTemplates": []Entry{}}, nil
	}
	entries, err := lister.ListTemplates(ctx)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []Entry{}
	}
	return map[string]any{"resourceTemplates": entries}, nil
}

func (p *Processor) handlePromptsGet(ctx context.Context, params json.RawMessage) (any, error) {
	if p.registries.Prompts == nil {
		return nil, protocol.NewMethodNotFound("prompts are not supported by this server")
	}
	var req struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := rawParams(params, &req); err != nil {
		return nil, protocol.NewInvalidParams(err.Error())
	}
	if req.Name == "" {
		return nil, protocol.NewInvalidParams("missing prompt name")
	}
	return p.registries.Prompts.Invoke(ctx, req.Name, req.Arguments)
}

// toProtocolError converts any error into a JSON-RPC error, preserving
// existing codes.
func toProtocolError(err error) *protocol.Error {
	var perr *protocol.Error
	if errors.As(err, &perr) {
		return perr
	}
	return protocol.NewInternalError(err.Error())
}

// SendRequestTimeout is a convenience wrapper bounding SendRequest with an
// explicit deadline.
func (p *Processor) SendRequestTimeout(s Sender, method string, params json.RawMessage, timeout time.Duration) (*protocol.Message, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return p.SendRequest(ctx, s, method, params)
}
