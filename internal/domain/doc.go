// Package domain defines the core domain types and interfaces.
//
// This package contains the member/roster model, the wire envelopes exchanged
// over the WebSocket transport, and the Conn interface the hub and protocol
// layers share.
package domain
