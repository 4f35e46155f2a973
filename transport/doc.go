// Package transport provides MCP transport implementations.
//
// A Transport owns one connection's lifecycle and moves framed JSON-RPC
// messages. The lifecycle is a small state machine: Initialize validates and
// freezes configuration, Start and Stop are idempotent, Send fails once the
// transport is no longer connected, and Receive returns nil rather than an
// error when no data is currently available.
//
// Two primary drivers are provided: Stdio (cooperative single-threaded loop
// over stdin/stdout) and HTTP (stateless request/response with SSE for
// server push). A WebSocket driver is included for long-lived socket
// clients. The Pool caches transports per connection key with configurable
// eviction, and the Manager is a named-driver factory that memoizes one
// instance per driver name.
package transport
