// Package processor implements the MCP protocol state machine.
//
// A Processor validates JSON-RPC envelopes, performs the
// initialize/initialized handshake with capability negotiation, routes
// requests and notifications to registered method handlers, and correlates
// responses to server-initiated requests. It implements
// transport.MessageHandler, so it binds directly to any transport driver.
//
// Capability-gated methods (tools/*, resources/*, prompts/*) fail with the
// server-not-initialized error until the client completes the handshake;
// ping always answers regardless of session state.
package processor
