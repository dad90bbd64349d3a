// Package remote defines the transport contract the cache consumes.
//
// The cache never speaks a wire protocol directly. It calls a Client to
// load objects, apply actions and execute functions, and a StreamSubscriber
// to receive push updates for list queries. Both are interfaces so the
// transport can be swapped; this package ships a websocket StreamSubscriber
// and a ResilientClient that wraps any Client with retry, a circuit breaker,
// a concurrency bulkhead and a per-request timeout.
//
// # Errors
//
// Transport failures are reported as *Error, which carries an HTTP-like
// status and whether the failure is worth retrying. Object lookups that
// find nothing return ErrNotFound. Actions rejected before any edit return
// *ValidationError.
//
// # Testing
//
// The remotetest subpackage provides an in-memory Client with call counting
// and request gating.
package remote
