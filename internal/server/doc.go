// Package server implements the HTTP and WebSocket transports of the
// messenger.
//
// The implementation is organized into specialized files for configuration,
// hub management, clients, frame dispatch, routing, and HTTP handlers. The
// messaging semantics live in the account, delivery, presence and attachment
// packages; this package only adapts them to the wire.
package server
