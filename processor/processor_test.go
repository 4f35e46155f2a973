package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mcpwire/mcpwire/middleware"
	"github.com/mcpwire/mcpwire/protocol"
)

// fakeRegistry is a scripted Registry for routing tests.
type fakeRegistry struct {
	entries []Entry
	invoked []string
	result  any
	err     error
}

func (r *fakeRegistry) List(context.Context) ([]Entry, error) {
	return r.entries, nil
}

func (r *fakeRegistry) Invoke(_ context.Context, name string, _ json.RawMessage) (any, error) {
	r.invoked = append(r.invoked, name)
	if r.err != nil {
		return nil, r.err
	}
	return r.result, nil
}

func newTestProcessor(opts ...Option) (*Processor, *fakeRegistry) {
	tools := &fakeRegistry{
		entries: []Entry{{Name: "echo", Description: "echoes input"}},
		result:  map[string]string{"echoed": "yes"},
	}
	p := New(Info{Name: "test-server", Version: "0.1.0"}, Registries{Tools: tools}, opts...)
	return p, tools
}

func request(id int, method string, params string) *protocol.Message {
	var raw json.RawMessage
	if params != "" {
		raw = json.RawMessage(params)
	}
	return protocol.NewRequest(json.RawMessage(fmt.Sprint(id)), method, raw)
}

func handle(t *testing.T, p *Processor, msg *protocol.Message) *protocol.Message {
	t.Helper()
	resp, err := p.HandleMessage(context.Background(), msg)
	if err != nil {
		t.Fatalf("handle %s: %v", msg.Method, err)
	}
	return resp
}

// initializeSession walks a processor through the full handshake.
func initializeSession(t *testing.T, p *Processor) {
	t.Helper()
	resp := handle(t, p, request(1, protocol.MethodInitialize,
		`{"protocolVersion":"2024-11-05","clientInfo":{"name":"client","version":"1.0"},"capabilities":{}}`))
	if resp.Error != nil {
		t.Fatalf("initialize failed: %v", resp.Error)
	}
	handle(t, p, protocol.NewNotification(protocol.MethodInitialized, nil))
}

func TestProcessor_Handshake(t *testing.T) {
	t.Run("initialize returns server info and negotiated capabilities", func(t *testing.T) {
		p, _ := newTestProcessor()

		resp := handle(t, p, request(1, protocol.MethodInitialize,
			`{"protocolVersion":"2024-11-05","clientInfo":{"name":"client","version":"1.0"},"capabilities":{"sampling":{}}}`))
		if resp.Error != nil {
			t.Fatalf("initialize error: %v", resp.Error)
		}

		var result initializeResult
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			t.Fatalf("decode result: %v", err)
		}
		if result.ProtocolVersion != protocol.MCPVersion {
			t.Errorf("protocolVersion = %q, want %q", result.ProtocolVersion, protocol.MCPVersion)
		}
		if result.ServerInfo.Name != "test-server" {
			t.Errorf("serverInfo.name = %q, want test-server", result.ServerInfo.Name)
		}
		if _, ok := result.Capabilities["tools"]; !ok {
			t.Error("expected tools capability")
		}
	})

	t.Run("gated methods fail before initialized", func(t *testing.T) {
		p, _ := newTestProcessor()

		for _, method := range []string{
			protocol.MethodToolsList,
			protocol.MethodToolsCall,
			protocol.MethodResourcesList,
			protocol.MethodResourcesRead,
			protocol.MethodResourceTemplatesList,
			protocol.MethodPromptsList,
			protocol.MethodPromptsGet,
		} {
			resp := handle(t, p, request(1, method, ""))
			if resp.Error == nil || resp.Error.Code != protocol.CodeServerNotInitialized {
				t.Errorf("%s error = %v, want server-not-initialized", method, resp.Error)
			}
		}
	})

	t.Run("initialize alone does not open the gate", func(t *testing.T) {
		p, _ := newTestProcessor()

		handle(t, p, request(1, protocol.MethodInitialize, `{"clientInfo":{"name":"c"}}`))
		resp := handle(t, p, request(2, protocol.MethodToolsList, ""))
		if resp.Error == nil || resp.Error.Code != protocol.CodeServerNotInitialized {
			t.Errorf("error = %v, want server-not-initialized before the initialized notification", resp.Error)
		}
	})

	t.Run("gated methods succeed after the handshake", func(t *testing.T) {
		p, _ := newTestProcessor()
		initializeSession(t, p)

		resp := handle(t, p, request(2, protocol.MethodToolsList, ""))
		if resp.Error != nil {
			t.Fatalf("tools/list error: %v", resp.Error)
		}
		var result struct {
			Tools []Entry `json:"tools"`
		}
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(result.Tools) != 1 || result.Tools[0].Name != "echo" {
			t.Errorf("tools = %v, want [echo]", result.Tools)
		}
	})

	t.Run("ping is never gated", func(t *testing.T) {
		p, _ := newTestProcessor()

		resp := handle(t, p, request(1, protocol.MethodPing, ""))
		if resp.Error != nil {
			t.Errorf("ping error: %v", resp.Error)
		}
		if string(resp.Result) != "{}" {
			t.Errorf("ping result = %s, want {}", resp.Result)
		}
	})

	t.Run("sessions are keyed per client", func(t *testing.T) {
		p, _ := newTestProcessor()

		alice := protocol.ContextWithClientID(context.Background(), "alice")
		bob := protocol.ContextWithClientID(context.Background(), "bob")

		// Alice completes the handshake.
		if _, err := p.HandleMessage(alice, request(1, protocol.MethodInitialize, `{}`)); err != nil {
			t.Fatal(err)
		}
		if _, err := p.HandleMessage(alice, protocol.NewNotification(protocol.MethodInitialized, nil)); err != nil {
			t.Fatal(err)
		}

		resp, _ := p.HandleMessage(alice, request(2, protocol.MethodToolsList, ""))
		if resp.Error != nil {
			t.Errorf("alice tools/list error: %v", resp.Error)
		}

		resp, _ = p.HandleMessage(bob, request(2, protocol.MethodToolsList, ""))
		if resp.Error == nil || resp.Error.Code != protocol.CodeServerNotInitialized {
			t.Errorf("bob error = %v, want server-not-initialized", resp.Error)
		}
	})

	t.Run("disconnect resets sessions", func(t *testing.T) {
		p, _ := newTestProcessor()
		initializeSession(t, p)

		p.OnDisconnect("stdio")

		resp := handle(t, p, request(3, protocol.MethodToolsList, ""))
		if resp.Error == nil || resp.Error.Code != protocol.CodeServerNotInitialized {
			t.Errorf("error = %v, want server-not-initialized after disconnect", resp.Error)
		}
	})
}

func TestProcessor_Dispatch(t *testing.T) {
	t.Run("unknown method yields method-not-found", func(t *testing.T) {
		p, _ := newTestProcessor()
		initializeSession(t, p)

		resp := handle(t, p, request(2, "no/such/method", ""))
		if resp.Error == nil || resp.Error.Code != protocol.CodeMethodNotFound {
			t.Errorf("error = %v, want method-not-found", resp.Error)
		}
	})

	t.Run("tools/call routes to the registry", func(t *testing.T) {
		p, tools := newTestProcessor()
		initializeSession(t, p)

		resp := handle(t, p, request(2, protocol.MethodToolsCall,
			`{"name":"echo","arguments":{"x":1}}`))
		if resp.Error != nil {
			t.Fatalf("tools/call error: %v", resp.Error)
		}
		if len(tools.invoked) != 1 || tools.invoked[0] != "echo" {
			t.Errorf("invoked = %v, want [echo]", tools.invoked)
		}
	})

	t.Run("tools/call without a name fails with invalid params", func(t *testing.T) {
		p, _ := newTestProcessor()
		initializeSession(t, p)

		resp := handle(t, p, request(2, protocol.MethodToolsCall, `{}`))
		if resp.Error == nil || resp.Error.Code != protocol.CodeInvalidParams {
			t.Errorf("error = %v, want invalid params", resp.Error)
		}
	})

	t.Run("registry errors keep their protocol code", func(t *testing.T) {
		p, tools := newTestProcessor()
		initializeSession(t, p)
		tools.err = protocol.NewNotFound("no such tool")

		resp := handle(t, p, request(2, protocol.MethodToolsCall, `{"name":"missing"}`))
		if resp.Error == nil || resp.Error.Code != protocol.CodeNotFound {
			t.Errorf("error = %v, want not-found", resp.Error)
		}
	})

	t.Run("plain errors become internal errors", func(t *testing.T) {
		p, tools := newTestProcessor()
		initializeSession(t, p)
		tools.err = errors.New("backend exploded")

		resp := handle(t, p, request(2, protocol.MethodToolsCall, `{"name":"echo"}`))
		if resp.Error == nil || resp.Error.Code != protocol.CodeInternalError {
			t.Errorf("error = %v, want internal error", resp.Error)
		}
	})

	t.Run("handler panics become internal errors", func(t *testing.T) {
		p, _ := newTestProcessor()
		p.OnRequest("explode", func(context.Context, json.RawMessage) (any, error) {
			panic("boom")
		})

		resp := handle(t, p, request(1, "explode", ""))
		if resp.Error == nil || resp.Error.Code != protocol.CodeInternalError {
			t.Errorf("error = %v, want internal error from panic", resp.Error)
		}
	})

	t.Run("absent registries report method-not-found after handshake", func(t *testing.T) {
		p := New(Info{Name: "bare"}, Registries{})
		initializeSession(t, p)

		resp := handle(t, p, request(2, protocol.MethodResourcesList, ""))
		if resp.Error == nil || resp.Error.Code != protocol.CodeMethodNotFound {
			t.Errorf("error = %v, want method-not-found", resp.Error)
		}
	})

	t.Run("invalid envelope yields an error response", func(t *testing.T) {
		p, _ := newTestProcessor()

		resp := handle(t, p, &protocol.Message{JSONRPC: "1.0", Method: "ping"})
		if resp.Error == nil || resp.Error.Code != protocol.CodeInvalidRequest {
			t.Errorf("error = %v, want invalid request", resp.Error)
		}
	})

	t.Run("notifications produce no response", func(t *testing.T) {
		p, _ := newTestProcessor()
		var seen json.RawMessage
		p.OnNotification("custom/event", func(_ context.Context, params json.RawMessage) error {
			seen = params
			return nil
		})

		resp := handle(t, p, protocol.NewNotification("custom/event", json.RawMessage(`{"k":"v"}`)))
		if resp != nil {
			t.Errorf("resp = %v, want nil", resp)
		}
		if string(seen) != `{"k":"v"}` {
			t.Errorf("params = %s, want {\"k\":\"v\"}", seen)
		}
	})
}

func TestProcessor_Middleware(t *testing.T) {
	t.Run("interceptors run in registration order around dispatch", func(t *testing.T) {
		p, _ := newTestProcessor()
		var order []string

		tag := func(name string) middleware.Middleware {
			return func(next middleware.HandlerFunc) middleware.HandlerFunc {
				return func(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
					order = append(order, name)
					return next(ctx, msg)
				}
			}
		}
		p.Use(tag("first"), tag("second"))

		handle(t, p, request(1, protocol.MethodPing, ""))
		if len(order) != 2 || order[0] != "first" || order[1] != "second" {
			t.Errorf("order = %v, want [first second]", order)
		}
	})

	t.Run("interceptor errors become error responses", func(t *testing.T) {
		p, _ := newTestProcessor()
		p.Use(func(middleware.HandlerFunc) middleware.HandlerFunc {
			return func(context.Context, *protocol.Message) (*protocol.Message, error) {
				return nil, protocol.NewInvalidRequest("rejected")
			}
		})

		resp := handle(t, p, request(1, protocol.MethodPing, ""))
		if resp.Error == nil || resp.Error.Code != protocol.CodeInvalidRequest {
			t.Errorf("error = %v, want invalid request", resp.Error)
		}
	})
}

// channelSender loops outbound requests back for correlation tests.
type channelSender struct {
	sent chan *protocol.Message
}

func (s *channelSender) Send(_ context.Context, msg *protocol.Message) error {
	s.sent <- msg
	return nil
}

func TestProcessor_SendRequest(t *testing.T) {
	t.Run("correlates the response by id", func(t *testing.T) {
		p, _ := newTestProcessor()
		sender := &channelSender{sent: make(chan *protocol.Message, 1)}

		done := make(chan *protocol.Message, 1)
		go func() {
			resp, err := p.SendRequest(context.Background(), sender, "sampling/createMessage", nil)
			if err != nil {
				t.Errorf("send request: %v", err)
			}
			done <- resp
		}()

		// Answer the outbound request with a matching id.
		req := <-sender.sent
		if req.Method != "sampling/createMessage" {
			t.Errorf("method = %q, want sampling/createMessage", req.Method)
		}
		answer := protocol.NewResponse(req.ID, map[string]string{"role": "assistant"})
		if _, err := p.HandleMessage(context.Background(), answer); err != nil {
			t.Fatalf("handle response: %v", err)
		}

		select {
		case resp := <-done:
			if resp == nil || resp.Result == nil {
				t.Errorf("resp = %v, want correlated result", resp)
			}
		case <-time.After(time.Second):
			t.Fatal("correlation never resolved")
		}
	})

	t.Run("times out without a response", func(t *testing.T) {
		p, _ := newTestProcessor()
		sender := &channelSender{sent: make(chan *protocol.Message, 1)}

		_, err := p.SendRequestTimeout(sender, "roots/list", nil, 20*time.Millisecond)
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("error = %v, want deadline exceeded", err)
		}
	})

	t.Run("uncorrelated responses are dropped", func(t *testing.T) {
		p, _ := newTestProcessor()

		resp, err := p.HandleMessage(context.Background(),
			protocol.NewResponse(json.RawMessage(`"stranger"`), "ok"))
		if err != nil {
			t.Fatalf("handle: %v", err)
		}
		if resp != nil {
			t.Errorf("resp = %v, want nil", resp)
		}
	})
}
