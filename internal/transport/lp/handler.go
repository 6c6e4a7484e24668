// Package lp implements the long-poll fallback transport: clients without a
// usable WebSocket connection establish a connection id once, then repeatedly
// GET a poll endpoint that blocks until a message arrives or a timeout
// elapses, batching whatever else is immediately available into the same
// response body.
package lp

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/relaycore/core/internal/domain/connection"
	"github.com/relaycore/core/internal/domain/tenant"
	"github.com/relaycore/core/internal/transport"
)

// PollTimeout is how long Poll blocks waiting for a message before replying
// 204.
const PollTimeout = 30 * time.Second

// maxBatch bounds how many additional queued messages Poll drains into a
// single response after the first arrives.
const maxBatch = 15

// chanSink implements transport.Sink over a buffered channel, so the
// goroutine serving an in-flight Poll request can receive deliveries without
// the Relay Router blocking on a stalled long-poll client.
type chanSink struct {
	ch chan []byte
}

func newChanSink(depth int) *chanSink {
	return &chanSink{ch: make(chan []byte, depth)}
}

func (s *chanSink) Send(payload []byte) (ok bool, deferred bool) {
	select {
	case s.ch <- payload:
		return true, false
	default:
		return false, true
	}
}

// Handler serves the long-poll connect and poll endpoints. It keeps its own
// map of live chanSinks alongside the shared transport.Hub registration
// because Hub only exposes Send, not sink lookup, and Poll needs the concrete
// channel to block on.
type Handler struct {
	manager     *connection.Manager
	hub         *transport.Hub
	queueDepth  int
	pollTimeout time.Duration

	mu    sync.RWMutex
	conns map[string]*chanSink
}

// Option configures a Handler at construction.
type Option func(*Handler)

// WithQueueDepth overrides the per-connection buffered channel depth.
func WithQueueDepth(n int) Option {
	return func(h *Handler) { h.queueDepth = n }
}

// WithPollTimeout overrides the default long-poll wait.
func WithPollTimeout(d time.Duration) Option {
	return func(h *Handler) { h.pollTimeout = d }
}

// New constructs a Handler bound to manager for admission and hub for
// delivery registration. The caller must ensure the Relay Router was
// constructed with hub as its relay.Transport.
func New(manager *connection.Manager, hub *transport.Hub, opts ...Option) *Handler {
	h := &Handler{
		manager:     manager,
		hub:         hub,
		queueDepth:  64,
		pollTimeout: PollTimeout,
		conns:       make(map[string]*chanSink),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type connectResponse struct {
	ConnectionID string   `json:"connectionId"`
	Flushed      [][]byte `json:"flushed,omitempty"`
}

// Connect admits a new long-poll connection for the tenant in the URL and
// registers its delivery channel with the shared transport Hub, returning
// the assigned connection id plus any messages buffered for it.
func (h *Handler) Connect(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant")

	sink := newChanSink(h.queueDepth)
	var flushed [][]byte
	connID, err := h.manager.Connect(tenantID, func(_, _ string, msg tenant.BufferedMessage) {
		flushed = append(flushed, msg.Payload)
	})
	if err != nil {
		writeAdmissionError(w, err)
		return
	}

	h.hub.Register(tenantID, connID, sink)
	h.mu.Lock()
	h.conns[key(tenantID, connID)] = sink
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, connectResponse{ConnectionID: connID, Flushed: flushed})
}

// Poll blocks until a message is delivered to (tenant, connection) or
// PollTimeout elapses, batching any further immediately-available messages
// into the same response.
func (h *Handler) Poll(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant")
	connID := chi.URLParam(r, "connection")

	sink, ok := h.sinkFor(tenantID, connID)
	if !ok {
		http.Error(w, "unknown connection", http.StatusNotFound)
		return
	}

	var messages [][]byte
	select {
	case <-r.Context().Done():
		return
	case <-time.After(h.pollTimeout):
		w.WriteHeader(http.StatusNoContent)
		return
	case payload, ok := <-sink.ch:
		if !ok {
			return
		}
		messages = append(messages, payload)
	drainLoop:
		for range maxBatch {
			select {
			case next, ok := <-sink.ch:
				if !ok {
					break drainLoop
				}
				messages = append(messages, next)
			default:
				break drainLoop
			}
		}
	}

	_ = h.manager.Touch(tenantID, connID, totalBytes(messages))
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

// Disconnect tears down a long-poll connection, unregistering its sink from
// the Hub and releasing it from the Connection Manager.
func (h *Handler) Disconnect(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant")
	connID := chi.URLParam(r, "connection")

	h.hub.Unregister(tenantID, connID)
	h.mu.Lock()
	delete(h.conns, key(tenantID, connID))
	h.mu.Unlock()

	if err := h.manager.Disconnect(tenantID, connID, "client_bye"); err != nil && !errors.Is(err, connection.ErrNotFound) {
		writeAdmissionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) sinkFor(tenantID, connID string) (*chanSink, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.conns[key(tenantID, connID)]
	return s, ok
}

func key(tenantID, connID string) string { return tenantID + "|" + connID }

func writeAdmissionError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, connection.ErrUnknownTenant):
		status = http.StatusNotFound
	case errors.Is(err, connection.ErrRateLimited), errors.Is(err, connection.ErrCapExceeded):
		status = http.StatusTooManyRequests
	case errors.Is(err, connection.ErrDraining):
		status = http.StatusServiceUnavailable
	case errors.Is(err, connection.ErrNotFound):
		status = http.StatusNotFound
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func totalBytes(messages [][]byte) int {
	n := 0
	for _, m := range messages {
		n += len(m)
	}
	return n
}
