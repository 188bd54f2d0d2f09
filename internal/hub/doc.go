// Package hub implements the group broadcast engine using the actor pattern.
//
// A single goroutine owns the group -> connection map and consumes typed
// commands from a channel (no mutexes). Payloads are serialized once by the
// caller and fanned out to every connection tagged with the group;
// per-connection write goroutines absorb slow clients, and a full write
// buffer means the delivery is skipped, never queued or retried.
package hub
