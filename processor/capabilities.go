package processor

import "encoding/json"

// Capabilities is an MCP capability set: a map of capability names to their
// (possibly nested) option objects, e.g. {"tools": {"listChanged": true}}.
type Capabilities map[string]any

// Clone returns a shallow copy.
func (c Capabilities) Clone() Capabilities {
	out := make(Capabilities, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Info identifies one side of the protocol handshake.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Negotiator reconciles the client's and server's capability sets into the
// agreed set returned from initialize.
type Negotiator interface {
	Negotiate(client, server Capabilities) Capabilities
}

// NegotiatorFunc adapts a function to the Negotiator interface.
type NegotiatorFunc func(client, server Capabilities) Capabilities

func (f NegotiatorFunc) Negotiate(client, server Capabilities) Capabilities {
	return f(client, server)
}

// defaultNegotiator advertises the server's capability set unchanged. Client
// capabilities (sampling, roots) describe what the client offers and do not
// narrow what the server exposes.
type defaultNegotiator struct{}

func (defaultNegotiator) Negotiate(_, server Capabilities) Capabilities {
	return server.Clone()
}

// initializeParams is the payload of the initialize request.
type initializeParams struct {
	ProtocolVersion string       `json:"protocolVersion"`
	ClientInfo      Info         `json:"clientInfo"`
	Capabilities    Capabilities `json:"capabilities"`
}

// initializeResult is the payload of the initialize response.
type initializeResult struct {
	ProtocolVersion string       `json:"protocolVersion"`
	Capabilities    Capabilities `json:"capabilities"`
	ServerInfo      Info         `json:"serverInfo"`
}

// Session tracks one logical connection's handshake state.
type Session struct {
	Initialized        bool
	ClientInfo         Info
	ClientCapabilities Capabilities
	Negotiated         Capabilities
}

// reset returns the session to the un-initialized state; a new handshake is
// required.
func (s *Session) reset() {
	s.Initialized = false
	s.ClientInfo = Info{}
	s.ClientCapabilities = nil
	s.Negotiated = nil
}

// rawParams unmarshals params into v, tolerating absent params.
func rawParams(params json.RawMessage, v any) error {
	if len(params) == 0 {
		return nil
	}
	return json.Unmarshal(params, v)
}
