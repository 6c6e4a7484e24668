// Package connection implements the Connection Manager: admission,
// disconnection, activity tracking and idle sweeping of client connections
// within their owning Tenant. Admission is gated by a per-tenant rate
// limiter and the tenant's tier connection cap.
package connection

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/relaycore/core/internal/domain/lifecycle"
	"github.com/relaycore/core/internal/domain/ratelimit"
	"github.com/relaycore/core/internal/domain/tenant"
)

// Admission errors returned by Connect.
var (
	ErrUnknownTenant = errors.New("connection: unknown tenant")
	ErrRateLimited   = errors.New("connection: rate limited")
	ErrCapExceeded   = errors.New("connection: tier cap exceeded")
	ErrDraining      = errors.New("connection: relay is draining")
	ErrNotFound      = errors.New("connection: not found")
)

// FlushFunc delivers a single buffered message to a freshly (re)connected
// target, in enqueue order. It is supplied by the transport layer; the
// Connection Manager never touches the wire itself.
type FlushFunc func(tenantID, connectionID string, msg tenant.BufferedMessage)

// Manager implements connect/disconnect/touch/sweepIdle against a shared
// tenant.Registry, admitting new connections through a ratelimit.Limiter
// and each tenant's tier cap.
type Manager struct {
	registry    *tenant.Registry
	limiter     *ratelimit.Limiter
	idleTimeout time.Duration
	sink        lifecycle.Sink
	draining    func() bool
}

// Option configures a Manager at construction.
type Option func(*Manager)

// WithIdleTimeout overrides the default idle-sweep threshold.
func WithIdleTimeout(d time.Duration) Option {
	return func(m *Manager) { m.idleTimeout = d }
}

// WithSink wires the lifecycle.Sink used to emit connection-scoped events.
func WithSink(s lifecycle.Sink) Option {
	return func(m *Manager) { m.sink = s }
}

// WithDrainingCheck wires a predicate consulted by Connect; when it returns
// true, new admission is rejected with ErrDraining. The Orchestrator wires
// this to its own state machine.
func WithDrainingCheck(fn func() bool) Option {
	return func(m *Manager) { m.draining = fn }
}

// NewManager constructs a Manager bound to registry and limiter.
func NewManager(registry *tenant.Registry, limiter *ratelimit.Limiter, opts ...Option) *Manager {
	m := &Manager{
		registry:    registry,
		limiter:     limiter,
		idleTimeout: 5 * time.Minute,
		sink:        lifecycle.Discard,
		draining:    func() bool { return false },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Connect admits a new connection for tenantID: rate limit first, then the
// tier cap, then id allocation. On success any buffered messages addressed
// to the new connection id are flushed through flush, in enqueue order.
func (m *Manager) Connect(tenantID string, flush FlushFunc) (connectionID string, err error) {
	if m.draining() {
		return "", ErrDraining
	}

	t, err := m.registry.Get(tenantID)
	if err != nil {
		return "", ErrUnknownTenant
	}

	if !m.limiter.Allow(tenantID, ratelimit.BucketConnect) {
		m.sink.Emit(lifecycle.TenantThrottled, map[string]any{
			"tenantId": tenantID,
			"reason":   "rate",
		})
		return "", ErrRateLimited
	}

	limit := m.registry.TierLimit(t.Tier())
	if t.ConnectionCount() >= limit {
		m.sink.Emit(lifecycle.TenantThrottled, map[string]any{
			"tenantId": tenantID,
			"reason":   "max_connections",
			"limit":    limit,
		})
		return "", ErrCapExceeded
	}

	id, genErr := newConnectionID()
	if genErr != nil {
		return "", genErr
	}
	t.AddConnection(id)

	m.sink.Emit(lifecycle.ClientConnected, map[string]any{
		"tenantId":     tenantID,
		"connectionId": id,
	})

	if flush != nil {
		for _, msg := range t.FlushForTarget(id) {
			flush(tenantID, id, msg)
			if conn, ok := t.Connection(id); ok {
				conn.Touch(len(msg.Payload))
			}
		}
	}

	return id, nil
}

func newConnectionID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Disconnect removes connectionID from tenantID, reporting whether it
// existed, and emits client-disconnected with the given reason.
func (m *Manager) Disconnect(tenantID, connectionID, reason string) error {
	t, err := m.registry.Get(tenantID)
	if err != nil {
		return ErrUnknownTenant
	}
	if !t.RemoveConnection(connectionID) {
		return ErrNotFound
	}
	m.sink.Emit(lifecycle.ClientDisconnected, map[string]any{
		"tenantId":     tenantID,
		"connectionId": connectionID,
		"reason":       reason,
	})
	return nil
}

// Touch records delivered-message activity against connectionID.
func (m *Manager) Touch(tenantID, connectionID string, byteSize int) error {
	t, err := m.registry.Get(tenantID)
	if err != nil {
		return ErrUnknownTenant
	}
	c, ok := t.Connection(connectionID)
	if !ok {
		return ErrNotFound
	}
	c.Touch(byteSize)
	return nil
}

// SweepIdle disconnects every connection, across every tenant, whose last
// activity age exceeds the configured idle timeout.
func (m *Manager) SweepIdle() (swept int) {
	now := time.Now()
	for _, tenantID := range m.registry.List() {
		t, err := m.registry.Get(tenantID)
		if err != nil {
			continue
		}
		for _, connID := range t.ConnectionIDsSorted() {
			c, ok := t.Connection(connID)
			if !ok {
				continue
			}
			if now.Sub(c.LastActivity()) > m.idleTimeout {
				if t.RemoveConnection(connID) {
					swept++
					m.sink.Emit(lifecycle.ClientDisconnected, map[string]any{
						"tenantId":     tenantID,
						"connectionId": connID,
						"reason":       "idle",
					})
				}
			}
		}
	}
	return swept
}
