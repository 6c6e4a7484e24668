// Package relay implements the Relay Router: dispatching a message to a
// specific connection or broadcasting it to every other connection in the
// sender's tenant, with buffered fallback for absent targets.
package relay

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/relaycore/core/internal/domain/lifecycle"
	"github.com/relaycore/core/internal/domain/ratelimit"
	"github.com/relaycore/core/internal/domain/tenant"
)

var (
	ErrUnknownSender   = errors.New("relay: unknown sender")
	ErrUnknownTenant   = errors.New("relay: unknown tenant")
	ErrPayloadTooLarge = errors.New("relay: payload too large")
	ErrRateLimited     = errors.New("relay: rate limited")
	ErrBufferFull      = errors.New("relay: tenant buffer full")
)

// MaxPayloadBytes is the wire-protocol ceiling for a single RELAY payload.
const MaxPayloadBytes = 1 << 20

// Outcome reports what happened to a relayed message.
type Outcome struct {
	Delivered []string // connection ids the payload was handed to directly
	Buffered  bool     // true if the payload was enqueued for an absent target
	Broadcast bool     // true if this was a broadcast (no target supplied)
	ByteSize  int
}

// Transport hands a payload to a live connection. It must return promptly;
// if it reports saturation (ok=false, deferred=true) the router treats the
// attempt as a deferred delivery and falls back to buffering when possible.
type Transport interface {
	Send(tenantID, connectionID string, payload []byte) (ok bool, deferred bool)
}

// Router dispatches messages against a shared tenant.Registry.
type Router struct {
	registry      *tenant.Registry
	transport     Transport
	limiter       *ratelimit.Limiter
	bufferTTL     time.Duration
	messageWindow MessageWindow
	sink          lifecycle.Sink

	deliveryDeferred uint64
}

// MessageWindow records (timestamp, size) samples for the messages/bytes
// sliding window that feeds Metrics & Telemetry. ringwindow.Window satisfies
// this directly.
type MessageWindow interface {
	Add(atUnixNano int64, size int)
}

// Option configures a Router at construction.
type Option func(*Router)

func WithBufferTTL(d time.Duration) Option {
	return func(r *Router) { r.bufferTTL = d }
}

func WithMessageWindow(w MessageWindow) Option {
	return func(r *Router) { r.messageWindow = w }
}

func WithSink(s lifecycle.Sink) Option {
	return func(r *Router) { r.sink = s }
}

// WithLimiter gates each relay through the tenant's publish token bucket;
// an exhausted bucket rejects the message and emits tenant-throttled.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(r *Router) { r.limiter = l }
}

// NewRouter constructs a Router bound to registry and transport.
func NewRouter(registry *tenant.Registry, transport Transport, opts ...Option) *Router {
	r := &Router{
		registry:  registry,
		transport: transport,
		bufferTTL: 5 * time.Minute,
		sink:      lifecycle.Discard,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Relay resolves the sender, then either delivers to targetConnectionID
// (buffering if it is absent) or, when targetConnectionID is empty,
// broadcasts to every other connection in the tenant.
func (r *Router) Relay(tenantID, senderConnectionID string, payload []byte, targetConnectionID string, maxBufferBytes int64) (Outcome, error) {
	if len(payload) > MaxPayloadBytes {
		return Outcome{}, ErrPayloadTooLarge
	}

	t, err := r.registry.Get(tenantID)
	if err != nil {
		return Outcome{}, ErrUnknownTenant
	}
	if _, ok := t.Connection(senderConnectionID); !ok {
		return Outcome{}, ErrUnknownSender
	}
	if r.limiter != nil && !r.limiter.Allow(tenantID, ratelimit.BucketPublish) {
		r.sink.Emit(lifecycle.TenantThrottled, map[string]any{
			"tenantId": tenantID,
			"reason":   "rate",
		})
		return Outcome{}, ErrRateLimited
	}

	size := len(payload)
	out := Outcome{ByteSize: size}

	switch {
	case targetConnectionID != "":
		var err error
		out.Delivered, out.Buffered, err = r.relayDirect(t, tenantID, targetConnectionID, payload, maxBufferBytes)
		if err != nil {
			return Outcome{ByteSize: size}, err
		}
	default:
		out.Broadcast = true
		out.Delivered = r.broadcast(t, tenantID, senderConnectionID, payload)
	}

	t.RecordRelay(size)
	if conn, ok := t.Connection(senderConnectionID); ok {
		conn.Touch(size)
	}
	if r.messageWindow != nil {
		r.messageWindow.Add(time.Now().UnixNano(), size)
	}
	r.sink.Emit(lifecycle.MessageRelayed, map[string]any{
		"tenantId": tenantID,
		"sender":   senderConnectionID,
		"bytes":    size,
	})

	return out, nil
}

// relayDirect delivers to a present target, or enqueues into the tenant
// buffer under the byte ceiling when the target is absent or saturated.
// Overflowing the ceiling rejects the whole message with ErrBufferFull.
func (r *Router) relayDirect(t *tenant.Tenant, tenantID, targetID string, payload []byte, maxBufferBytes int64) (delivered []string, buffered bool, err error) {
	if _, ok := t.Connection(targetID); ok {
		if ok, deferred := r.transport.Send(tenantID, targetID, payload); ok {
			return []string{targetID}, false, nil
		} else if deferred {
			atomic.AddUint64(&r.deliveryDeferred, 1)
			buffered, err = r.enqueue(t, tenantID, targetID, payload, maxBufferBytes)
			return nil, buffered, err
		}
		return nil, false, nil
	}
	buffered, err = r.enqueue(t, tenantID, targetID, payload, maxBufferBytes)
	return nil, buffered, err
}

func (r *Router) enqueue(t *tenant.Tenant, tenantID, targetID string, payload []byte, maxBufferBytes int64) (bool, error) {
	accepted, overflow := t.EnqueueBuffered(tenant.BufferedMessage{
		TargetConnectionID: targetID,
		Payload:            payload,
		EnqueuedAt:         time.Now(),
	}, maxBufferBytes)
	if !accepted {
		r.sink.Emit(lifecycle.BufferOverflow, map[string]any{
			"tenantId":     tenantID,
			"connectionId": targetID,
			"droppedBytes": overflow,
		})
		return false, ErrBufferFull
	}
	return true, nil
}

// DeliveryDeferred reports how many direct deliveries were re-routed into
// the buffer after the transport signalled saturation.
func (r *Router) DeliveryDeferred() uint64 {
	return atomic.LoadUint64(&r.deliveryDeferred)
}

// broadcast fans the payload out to every connection in the tenant except
// the sender, best-effort, in sorted connection-id order.
func (r *Router) broadcast(t *tenant.Tenant, tenantID, senderID string, payload []byte) (delivered []string) {
	for _, connID := range t.ConnectionIDsSorted() {
		if connID == senderID {
			continue
		}
		if ok, _ := r.transport.Send(tenantID, connID, payload); ok {
			delivered = append(delivered, connID)
		}
	}
	return delivered
}

// SweepExpiredBuffers evicts buffer entries older than bufferTTL across
// every tenant, emitting buffer-expired per tenant with a non-zero count.
func (r *Router) SweepExpiredBuffers() {
	cutoff := time.Now().Add(-r.bufferTTL)
	for _, tenantID := range r.registry.List() {
		t, err := r.registry.Get(tenantID)
		if err != nil {
			continue
		}
		evicted, bytes := t.EvictExpired(cutoff)
		if evicted > 0 {
			r.sink.Emit(lifecycle.BufferExpired, map[string]any{
				"tenantId": tenantID,
				"count":    evicted,
				"bytes":    bytes,
			})
		}
	}
}
