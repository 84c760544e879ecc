// Package monitor is the session and live-state coordination core of the
// fabric console. It owns four shared collections and the background work
// that keeps them consistent:
//
//	SessionRegistry  -> one dedicated fabric connection per console session,
//	                    created lazily, evicted after an idle retention window
//	ServiceCache     -> process-wide view of the fabric's service registry,
//	                    wholesale-refreshed on a timer and patched by events
//	PendingMessages  -> per-session FIFO buffers of inbound fabric messages
//	LiveRegistry     -> per-session push channels used to signal "re-poll"
//
// The Monitor facade wires these together with the service refresh loop,
// the session eviction loop, and the fabric event dispatcher, and exposes
// the operations thin HTTP/WebSocket handlers consume. Each collection
// guards its own state with a single mutex; no raw maps escape a component.
package monitor
