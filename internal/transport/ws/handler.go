// Package ws implements the client-facing wire protocol over
// gorilla/websocket: JSON control and data frames (HELLO, PING, PONG, BYE,
// RELAY / WELCOME, DELIVER, ERROR), with tenant-scoped HELLO admission
// through the Connection Manager.
package ws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaycore/core/internal/domain/connection"
	"github.com/relaycore/core/internal/domain/relay"
	"github.com/relaycore/core/internal/domain/tenant"
	"github.com/relaycore/core/internal/transport"
)

// Frame type discriminators.
const (
	FrameHello = "HELLO"
	FramePing  = "PING"
	FramePong  = "PONG"
	FrameBye   = "BYE"
	FrameRelay = "RELAY"

	FrameWelcome = "WELCOME"
	FrameDeliver = "DELIVER"
	FrameError   = "ERROR"
)

// Frame is the JSON envelope exchanged over the socket, one frame per
// WebSocket text message.
// Only the fields relevant to Type are populated by either side.
type Frame struct {
	Type          string `json:"type"`
	TenantID      string `json:"tenantId,omitempty"`
	ClientVersion string `json:"clientVersion,omitempty"`
	Reason        string `json:"reason,omitempty"`
	Target        string `json:"target,omitempty"`
	From          string `json:"from,omitempty"`
	Payload       []byte `json:"payload,omitempty"`
	ConnectionID  string `json:"connectionId,omitempty"`
	ServerTime    int64  `json:"serverTime,omitempty"`
	Code          string `json:"code,omitempty"`
	Message       string `json:"message,omitempty"`
}

// sink implements transport.Sink by writing a DELIVER frame directly to a
// live *websocket.Conn, with a short write deadline so a stalled client is
// reported as deferred rather than blocking the router. gorilla/websocket
// connections are not safe for concurrent writes, so every frame the
// handler emits (WELCOME, PONG, ERROR, flushed DELIVERs) goes through the
// same per-connection mutex via writeFrame.
type sink struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *sink) writeFrame(f Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *sink) Send(payload []byte) (ok bool, deferred bool) {
	if err := s.writeFrame(Frame{Type: FrameDeliver, Payload: payload}); err != nil {
		if netErr, isTimeout := err.(interface{ Timeout() bool }); isTimeout && netErr.Timeout() {
			return false, true
		}
		return false, false
	}
	return true, false
}

// Handler upgrades incoming HTTP requests to WebSocket, reads the HELLO
// handshake, admits the connection through the Connection Manager, flushes
// any buffered messages, then pumps RELAY frames to the Relay Router and
// DELIVER frames back out via Transport.
type Handler struct {
	manager  *connection.Manager
	router   *relay.Router
	hub      *transport.Hub
	logger   *slog.Logger
	upgrader websocket.Upgrader

	maxBufferBytes func(tenantID string) int64
}

// Option configures a Handler at construction.
type Option func(*Handler)

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

func WithMaxBufferBytes(fn func(tenantID string) int64) Option {
	return func(h *Handler) { h.maxBufferBytes = fn }
}

// New constructs a Handler bound to the given domain components and the
// shared transport Hub. The caller must ensure router was constructed with
// hub as its relay.Transport.
func New(manager *connection.Manager, router *relay.Router, hub *transport.Hub, opts ...Option) *Handler {
	h := &Handler{
		manager:        manager,
		router:         router,
		hub:            hub,
		logger:         slog.Default(),
		maxBufferBytes: func(string) int64 { return 10 << 20 },
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	out := &sink{conn: conn}

	var hello Frame
	if err := conn.ReadJSON(&hello); err != nil || hello.Type != FrameHello {
		_ = out.writeFrame(Frame{Type: FrameError, Code: "BadHandshake", Message: "expected HELLO frame first"})
		return
	}

	var flushed []Frame
	connID, err := h.manager.Connect(hello.TenantID, func(tenantID, connectionID string, msg tenant.BufferedMessage) {
		flushed = append(flushed, Frame{Type: FrameDeliver, Payload: msg.Payload})
	})
	if err != nil {
		_ = out.writeFrame(Frame{Type: FrameError, Code: admissionErrorCode(err), Message: err.Error()})
		return
	}

	h.hub.Register(hello.TenantID, connID, out)
	defer h.hub.Unregister(hello.TenantID, connID)
	defer h.manager.Disconnect(hello.TenantID, connID, "closed")

	if err := out.writeFrame(Frame{Type: FrameWelcome, ConnectionID: connID, ServerTime: time.Now().UnixMilli()}); err != nil {
		return
	}
	for _, f := range flushed {
		if err := out.writeFrame(f); err != nil {
			return
		}
	}

	h.pump(r, conn, out, hello.TenantID, connID)
}

func (h *Handler) pump(r *http.Request, conn *websocket.Conn, out *sink, tenantID, connID string) {
	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		switch frame.Type {
		case FramePing:
			_ = out.writeFrame(Frame{Type: FramePong})
		case FrameBye:
			return
		case FrameRelay:
			h.relay(tenantID, connID, out, frame)
		}
		if r.Context().Err() != nil {
			return
		}
	}
}

func (h *Handler) relay(tenantID, connID string, out *sink, frame Frame) {
	_, err := h.router.Relay(tenantID, connID, frame.Payload, frame.Target, h.maxBufferBytes(tenantID))
	if err != nil {
		h.logger.Warn("relay failed", "tenantId", tenantID, "sender", connID, "error", err)
		_ = out.writeFrame(Frame{Type: FrameError, Code: relayErrorCode(err), Message: err.Error()})
	}
}

func admissionErrorCode(err error) string {
	switch err {
	case connection.ErrUnknownTenant:
		return "UnknownTenant"
	case connection.ErrRateLimited:
		return "RateLimited"
	case connection.ErrCapExceeded:
		return "CapExceeded"
	case connection.ErrDraining:
		return "Draining"
	default:
		return "AdmissionError"
	}
}

func relayErrorCode(err error) string {
	switch err {
	case relay.ErrUnknownSender:
		return "UnknownSender"
	case relay.ErrPayloadTooLarge:
		return "PayloadTooLarge"
	case relay.ErrBufferFull:
		return "BufferFull"
	case relay.ErrRateLimited:
		return "RateLimited"
	default:
		return "RelayError"
	}
}
