// Package rpc implements JSON-RPC 2.0 request/reply correlation over a WebSocket connection.
//
// Requests are issued with SendRequest and resolved with AwaitReply, or both at once with Call.
// Each request gets the next id from an atomic counter; a pending-request table maps ids to waiters.
// One reader goroutine owns the connection: replies go to their waiter, notifications go to
// subscriptions through unbounded per-subscriber queues, and requests from the peer are served on
// their own goroutines. When the connection fails, every pending request is failed with
// ErrDisconnected rather than left hanging.
package rpc
