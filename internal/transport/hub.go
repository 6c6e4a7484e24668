// Package transport holds the shared live-connection registry used by both
// the WebSocket and long-poll wire-protocol handlers to satisfy
// relay.Transport: whichever transport currently owns a connection id
// registers a Sink for it, and the Relay Router's Send calls route through
// whichever Sink is live without needing to know which transport it is.
package transport

import "sync"

// Sink delivers one payload to a specific live connection. It must return
// promptly; the Relay Router never blocks on a slow recipient. ok=false,
// deferred=true signals transport saturation (the router falls back to
// buffering); ok=false, deferred=false signals a hard failure (the
// connection is gone).
type Sink interface {
	Send(payload []byte) (ok bool, deferred bool)
}

// Hub is a process-wide map from (tenantId, connectionId) to the Sink
// currently serving that connection, shared across transports. It
// satisfies relay.Transport directly.
type Hub struct {
	mu    sync.Mutex
	sinks map[string]Sink
}

// NewHub constructs an empty Hub.
func NewHub() *Hub {
	return &Hub{sinks: make(map[string]Sink)}
}

func key(tenantID, connectionID string) string { return tenantID + "|" + connectionID }

// Register associates sink with (tenantID, connectionID), replacing any
// previous registration for the same key.
func (h *Hub) Register(tenantID, connectionID string, sink Sink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sinks[key(tenantID, connectionID)] = sink
}

// Unregister removes whatever Sink is registered for (tenantID,
// connectionID), if any.
func (h *Hub) Unregister(tenantID, connectionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sinks, key(tenantID, connectionID))
}

// Send implements relay.Transport by forwarding to the registered Sink, if
// any is currently live for (tenantID, connectionID).
func (h *Hub) Send(tenantID, connectionID string, payload []byte) (ok bool, deferred bool) {
	h.mu.Lock()
	sink, found := h.sinks[key(tenantID, connectionID)]
	h.mu.Unlock()
	if !found {
		return false, false
	}
	return sink.Send(payload)
}
