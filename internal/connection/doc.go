// Package connection implements the per-process connection registry.
//
// The Registry:
//   - Holds at most one Entry per client name
//   - Evicts the previous entry when a name registers again
//   - Drains every entry on shutdown (CloseAll)
//
// Each Entry owns one server-push Transport (SSE or WebSocket), runs its own
// heartbeat, and closes exactly once on the first of: peer disconnect,
// heartbeat failure, send failure, eviction, or shutdown.
package connection
