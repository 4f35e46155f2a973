// Package testutil provides an in-memory test client for exercising an MCP
// message processor without a transport.
//
// Example usage:
//
//	func TestMyServer(t *testing.T) {
//	    engine := mcpwire.New(mcpwire.Info{Name: "test", Version: "1.0.0"},
//	        mcpwire.Registries{Tools: myTools})
//
//	    tc := testutil.NewTestClient(t, engine.Processor())
//	    names, err := tc.ListTools()
//	    ...
//	}
package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/mcpwire/mcpwire/protocol"
	"github.com/mcpwire/mcpwire/transport"
)

// TestClient drives a message handler through the MCP protocol in-memory.
// NewTestClient completes the initialize handshake before returning.
type TestClient struct {
	t       testing.TB
	handler transport.MessageHandler

	mu    sync.Mutex
	reqID int64
}

// NewTestClient creates a client bound to the handler and performs the
// initialize handshake.
func NewTestClient(t testing.TB, h transport.MessageHandler) *TestClient {
	t.Helper()
	tc := NewRawClient(t, h)
	if _, err := tc.Initialize(); err != nil {
		t.Fatalf("testutil: initialize handshake failed: %v", err)
	}
	return tc
}

// NewRawClient creates a client without performing the handshake, for tests
// that exercise pre-initialization behavior.
func NewRawClient(t testing.TB, h transport.MessageHandler) *TestClient {
	t.Helper()
	return &TestClient{t: t, handler: h}
}

func (tc *TestClient) nextID() json.RawMessage {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.reqID++
	return json.RawMessage(fmt.Sprintf("%d", tc.reqID))
}

// Send issues one request and returns the raw response message.
func (tc *TestClient) Send(method string, params any) (*protocol.Message, error) {
	tc.t.Helper()

	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	resp, err := tc.handler.HandleMessage(context.Background(),
		protocol.NewRequest(tc.nextID(), method, raw))
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, fmt.Errorf("testutil: request %q produced no response", method)
	}
	return resp, nil
}

// Notify issues one notification; notifications produce no response.
func (tc *TestClient) Notify(method string, params any) error {
	tc.t.Helper()

	raw, err := marshalParams(params)
	if err != nil {
		return err
	}
	_, err = tc.handler.HandleMessage(context.Background(),
		protocol.NewNotification(method, raw))
	return err
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("testutil: marshal params: %w", err)
	}
	return data, nil
}

// result unwraps a successful response into a generic map.
func (tc *TestClient) result(method string, params any) (map[string]any, error) {
	resp, err := tc.Send(method, params)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	var out map[string]any
	if err := json.Unmarshal(resp.Result, &out); err != nil {
		return nil, fmt.Errorf("testutil: decode %s result: %w", method, err)
	}
	return out, nil
}

// Initialize performs the full handshake: the initialize request followed by
// the initialized notification. It returns the initialize result.
func (tc *TestClient) Initialize() (map[string]any, error) {
	tc.t.Helper()

	result, err := tc.result(protocol.MethodInitialize, map[string]any{
		"protocolVersion": protocol.MCPVersion,
		"clientInfo": map[string]any{
			"name":    "test-client",
			"version": "1.0.0",
		},
		"capabilities": map[string]any{},
	})
	if err != nil {
		return nil, err
	}
	if err := tc.Notify(protocol.MethodInitialized, nil); err != nil {
		return nil, err
	}
	return result, nil
}

// Ping sends a ping request and reports any protocol error.
func (tc *TestClient) Ping() error {
	tc.t.Helper()
	resp, err := tc.Send(protocol.MethodPing, nil)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}
	return nil
}

// listNames extracts the name field of each item under the given result key.
func listNames(result map[string]any, field string) ([]string, error) {
	items, ok := result[field].([]any)
	if !ok {
		return nil, fmt.Errorf("testutil: unexpected %s type %T", field, result[field])
	}
	names := make([]string, 0, len(items))
	for _, item := range items {
		m, _ := item.(map[string]any)
		name, _ := m["name"].(string)
		names = append(names, name)
	}
	return names, nil
}

// ListTools returns the names of the registered tools.
func (tc *TestClient) ListTools() ([]string, error) {
	tc.t.Helper()
	result, err := tc.result(protocol.MethodToolsList, nil)
	if err != nil {
		return nil, err
	}
	return listNames(result, "tools")
}

// CallTool invokes a tool and decodes the result into out when out is
// non-nil.
func (tc *TestClient) CallTool(name string, args any, out any) error {
	tc.t.Helper()
	return tc.call(protocol.MethodToolsCall, map[string]any{
		"name":      name,
		"arguments": args,
	}, out)
}

// ListResources returns the names of the registered resources.
func (tc *TestClient) ListResources() ([]string, error) {
	tc.t.Helper()
	result, err := tc.result(protocol.MethodResourcesList, nil)
	if err != nil {
		return nil, err
	}
	return listNames(result, "resources")
}

// ReadResource reads a resource by URI and decodes the result into out when
// out is non-nil.
func (tc *TestClient) ReadResource(uri string, out any) error {
	tc.t.Helper()
	return tc.call(protocol.MethodResourcesRead, map[string]any{"uri": uri}, out)
}

// ListPrompts returns the names of the registered prompts.
func (tc *TestClient) ListPrompts() ([]string, error) {
	tc.t.Helper()
	result, err := tc.result(protocol.MethodPromptsList, nil)
	if err != nil {
		return nil, err
	}
	return listNames(result, "prompts")
}

// GetPrompt fetches a prompt by name and decodes the result into out when
// out is non-nil.
func (tc *TestClient) GetPrompt(name string, args map[string]string, out any) error {
	tc.t.Helper()
	return tc.call(protocol.MethodPromptsGet, map[string]any{
		"name":      name,
		"arguments": args,
	}, out)
}

func (tc *TestClient) call(method string, params, out any) error {
	resp, err := tc.Send(method, params)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("testutil: decode %s result: %w", method, err)
	}
	return nil
}

// AssertErrorCode fails the test unless err is a *protocol.Error carrying
// the given code.
func AssertErrorCode(t testing.TB, err error, code int) {
	t.Helper()
	perr, ok := err.(*protocol.Error)
	if !ok {
		t.Fatalf("error = %v (%T), want *protocol.Error", err, err)
	}
	if perr.Code != code {
		t.Errorf("error code = %d, want %d", perr.Code, code)
	}
}
