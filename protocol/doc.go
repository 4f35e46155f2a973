// Package protocol implements the MCP protocol layer including JSON-RPC 2.0.
//
// The central type is Message, a unified JSON-RPC 2.0 envelope that can hold
// a request, a notification, or a response. Kind reports which of the three a
// given message is; Validate enforces the envelope invariants before a
// message is allowed to reach the dispatch layer.
//
// Error values returned by this package carry JSON-RPC error codes and
// convert cleanly to wire-format error objects.
package protocol
