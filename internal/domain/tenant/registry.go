package tenant

import (
	"errors"
	"sort"
	"sync"

	"github.com/relaycore/core/internal/domain/lifecycle"
)

// ErrNotFound is returned by Get/Remove when the tenant id is unknown.
var ErrNotFound = errors.New("tenant: not found")

// Registry maps tenant id to Tenant. The Registry lock guards only the map
// structure; each Tenant still owns its own fields under its own monitor.
type Registry struct {
	mu      sync.RWMutex
	tenants map[string]*Tenant
	limits  Limits
	// maxConnectionsPerTenant is the fallback cap for a tier absent from
	// limits.
	maxConnectionsPerTenant int
	sink                    lifecycle.Sink
}

// Option configures a Registry at construction.
type Option func(*Registry)

// WithLimits overrides the default per-tier connection caps.
func WithLimits(l Limits) Option {
	return func(r *Registry) { r.limits = l }
}

// WithMaxConnectionsPerTenant sets the fallback cap used when a tenant's
// tier has no entry in the configured limits.
func WithMaxConnectionsPerTenant(n int) Option {
	return func(r *Registry) { r.maxConnectionsPerTenant = n }
}

// WithSink wires the lifecycle.Sink used to emit tenant-scoped events.
func WithSink(s lifecycle.Sink) Option {
	return func(r *Registry) { r.sink = s }
}

// NewRegistry constructs an empty Registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		tenants:                 make(map[string]*Tenant),
		limits:                  DefaultLimits(),
		maxConnectionsPerTenant: 100,
		sink:                    lifecycle.Discard,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetLimits replaces the per-tier connection caps, used by configuration
// live-reload. Connections already admitted above a lowered cap stay open;
// the new cap applies to subsequent admissions only.
func (r *Registry) SetLimits(l Limits) {
	r.mu.Lock()
	r.limits = l
	r.mu.Unlock()
}

// TierLimit resolves the connection cap for tier, falling back to
// maxConnectionsPerTenant when the tier has no explicit entry.
func (r *Registry) TierLimit(tier Tier) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if n, ok := r.limits[tier]; ok {
		return n
	}
	return r.maxConnectionsPerTenant
}

// Register is idempotent: registering an already-known tenant with the same
// tier is a no-op; with a different tier it updates the tier in place and
// emits tenant-tier-changed.
func (r *Registry) Register(tenantID string, tier Tier) *Tenant {
	r.mu.Lock()
	t, exists := r.tenants[tenantID]
	if !exists {
		t = newTenant(tenantID, tier)
		r.tenants[tenantID] = t
		r.mu.Unlock()
		return t
	}
	r.mu.Unlock()

	if t.Tier() != tier {
		previous := t.Tier()
		t.setTier(tier)
		r.sink.Emit(lifecycle.TenantTierChanged, map[string]any{
			"tenantId": tenantID,
			"from":     string(previous),
			"to":       string(tier),
		})
	}
	return t
}

// Get returns the tenant for tenantID, or ErrNotFound.
func (r *Registry) Get(tenantID string) (*Tenant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tenants[tenantID]
	if !ok {
		return nil, ErrNotFound
	}
	return t, nil
}

// List returns every tenant id, sorted ascending.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.tenants))
	for id := range r.tenants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Metrics returns a point-in-time snapshot for tenantID.
func (r *Registry) Metrics(tenantID string) (Snapshot, error) {
	t, err := r.Get(tenantID)
	if err != nil {
		return Snapshot{}, err
	}
	return t.Metrics(), nil
}

// CloseFunc disconnects a single connection; the Connection Manager supplies
// this so Remove can drive disconnection without the tenant package
// depending on it.
type CloseFunc func(tenantID, connectionID string)

// Remove closes every connection belonging to tenantID in deterministic id
// order, drops its buffered queue, and emits one client-disconnected per
// connection followed by one tenant-removed.
func (r *Registry) Remove(tenantID string, closeConn CloseFunc) error {
	r.mu.Lock()
	t, ok := r.tenants[tenantID]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	delete(r.tenants, tenantID)
	r.mu.Unlock()

	for _, connID := range t.ConnectionIDsSorted() {
		if closeConn != nil {
			closeConn(tenantID, connID)
		}
		r.sink.Emit(lifecycle.ClientDisconnected, map[string]any{
			"tenantId":     tenantID,
			"connectionId": connID,
			"reason":       "tenant_removed",
		})
	}
	t.clearBuffer()

	r.sink.Emit(lifecycle.TenantRemoved, map[string]any{"tenantId": tenantID})
	return nil
}
