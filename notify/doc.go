// Package notify delivers server-originated MCP notifications to subscribed
// clients.
//
// A Handler tracks Subscriptions per client. Broadcast fans a typed
// notification out to every matching subscriber; Notify targets one client.
// Subscribers without an attached sender accumulate notifications in a
// bounded pending buffer that is flushed when a sender attaches, for example
// on SSE reconnection. Delivery status is tracked per notification id per
// client.
//
// Delivery can run inline or through a Scheduler, keeping Broadcast
// non-blocking when a queue is configured.
package notify
