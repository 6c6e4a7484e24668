// Package metrics aggregates relay telemetry: a sliding-window snapshot
// (msgs/s, bytes/s, buffer utilization, DLQ sizes, webhook stats) plus
// OpenTelemetry instruments mirroring the same numbers for external
// scraping. Window pruning happens on read and on write, never on a
// separate goroutine.
package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/relaycore/core/internal/domain/eventbus"
	"github.com/relaycore/core/internal/domain/ringwindow"
	"github.com/relaycore/core/internal/domain/tenant"
	"github.com/relaycore/core/internal/domain/webhook"
)

// Window is the sliding-window interval messages/s and bytes/s are computed
// over.
const Window = 60 * time.Second

// Snapshot is a point-in-time view of the whole relay.
type Snapshot struct {
	Status            string
	TotalConnections  int
	TotalTenants      int
	MessagesPerSecond float64
	BytesPerSecond    float64
	BufferUtilization float64
	UptimeMs          int64
	DLQByCategory     map[string]int
	WebhookStats      []webhook.Stats
	BusStats          eventbus.Stats
}

// registrySource is the narrow tenant.Registry surface the collector needs.
type registrySource interface {
	List() []string
	Get(id string) (*tenant.Tenant, error)
}

// webhookSource is the narrow webhook.Dispatcher surface the collector needs.
type webhookSource interface {
	ListStats() []webhook.Stats
}

// busSource is the narrow eventbus.Bus surface the collector needs.
type busSource interface {
	Stats() eventbus.Stats
}

// dlqSource is the narrow deadletter.Ring surface the collector needs. Both
// the Event Bus's and the Webhook Dispatcher's DLQ rings are tallied
// separately and merged in Snapshot.
type dlqSource interface {
	CountsByKind() map[string]int
}

// StatusFunc reports the Orchestrator's current state-machine status string.
type StatusFunc func() string

// Collector aggregates state from the other components into Snapshot on
// demand. It holds no state of its own beyond the message window and start
// time; every other number is read live from its source at snapshot time.
type Collector struct {
	registry      registrySource
	messageWindow *ringwindow.Window
	busDLQ        dlqSource
	webhookDLQ    dlqSource
	bus           busSource
	webhooks      webhookSource
	status        StatusFunc
	startedAt     time.Time
	bufferCeiling int64

	inst *instruments
}

// Option configures a Collector at construction.
type Option func(*Collector)

func WithStatusFunc(fn StatusFunc) Option {
	return func(c *Collector) { c.status = fn }
}

func WithMeter(m metric.Meter) Option {
	return func(c *Collector) {
		if inst, err := newInstruments(m); err == nil {
			c.inst = inst
		}
	}
}

// New constructs a Collector. bufferCeiling is the per-tenant buffer byte
// limit; buffer utilization is sum(bufferedBytes) across every tenant
// divided by (tenant count * bufferCeiling).
func New(registry registrySource, window *ringwindow.Window, busDLQ, webhookDLQ dlqSource, bus busSource, webhooks webhookSource, bufferCeiling int64, opts ...Option) *Collector {
	c := &Collector{
		registry:      registry,
		messageWindow: window,
		busDLQ:        busDLQ,
		webhookDLQ:    webhookDLQ,
		bus:           bus,
		webhooks:      webhooks,
		status:        func() string { return "running" },
		startedAt:     time.Now(),
		bufferCeiling: bufferCeiling,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Snapshot computes and returns the current point-in-time metrics, also
// recording them into the OTel instruments if WithMeter was supplied.
func (c *Collector) Snapshot() Snapshot {
	now := time.Now()
	windowStart := now.Add(-Window)
	count, totalBytes, elapsed := c.messageWindow.Stats(now.UnixNano(), windowStart.UnixNano())

	elapsedSeconds := float64(elapsed) / float64(time.Second)
	if elapsedSeconds <= 0 {
		elapsedSeconds = 1
	}

	totalConnections := 0
	totalBufferedBytes := int64(0)
	tenantIDs := c.registry.List()
	for _, id := range tenantIDs {
		t, err := c.registry.Get(id)
		if err != nil {
			continue
		}
		m := t.Metrics()
		totalConnections += m.ActiveConnections
		totalBufferedBytes += m.BufferedBytes
	}

	var bufferUtilization float64
	if len(tenantIDs) > 0 && c.bufferCeiling > 0 {
		bufferUtilization = float64(totalBufferedBytes) / float64(int64(len(tenantIDs))*c.bufferCeiling)
	}

	dlqByCategory := make(map[string]int)
	if c.busDLQ != nil {
		for k, v := range c.busDLQ.CountsByKind() {
			dlqByCategory[k] += v
		}
	}
	if c.webhookDLQ != nil {
		for k, v := range c.webhookDLQ.CountsByKind() {
			dlqByCategory[k] += v
		}
	}

	var webhookStats []webhook.Stats
	if c.webhooks != nil {
		webhookStats = c.webhooks.ListStats()
	}

	var busStats eventbus.Stats
	if c.bus != nil {
		busStats = c.bus.Stats()
	}

	snap := Snapshot{
		Status:            c.status(),
		TotalConnections:  totalConnections,
		TotalTenants:      len(tenantIDs),
		MessagesPerSecond: float64(count) / elapsedSeconds,
		BytesPerSecond:    float64(totalBytes) / elapsedSeconds,
		BufferUtilization: bufferUtilization,
		UptimeMs:          now.Sub(c.startedAt).Milliseconds(),
		DLQByCategory:     dlqByCategory,
		WebhookStats:      webhookStats,
		BusStats:          busStats,
	}

	if c.inst != nil {
		c.inst.record(context.Background(), snap)
	}
	return snap
}

// instruments wraps the OTel instruments populated on every Snapshot call,
// so an external scraper's pull also sees current numbers even without
// going through Collector.Snapshot directly.
type instruments struct {
	connections metric.Int64Gauge
	tenants     metric.Int64Gauge
	msgsPerSec  metric.Float64Gauge
	bytesPerSec metric.Float64Gauge
	bufferUtil  metric.Float64Gauge
	dlqSize     metric.Int64Gauge
}

func newInstruments(m metric.Meter) (*instruments, error) {
	var (
		inst instruments
		err  error
	)
	if inst.connections, err = m.Int64Gauge("relay.connections.total"); err != nil {
		return nil, err
	}
	if inst.tenants, err = m.Int64Gauge("relay.tenants.total"); err != nil {
		return nil, err
	}
	if inst.msgsPerSec, err = m.Float64Gauge("relay.messages.per_second"); err != nil {
		return nil, err
	}
	if inst.bytesPerSec, err = m.Float64Gauge("relay.bytes.per_second"); err != nil {
		return nil, err
	}
	if inst.bufferUtil, err = m.Float64Gauge("relay.buffer.utilization"); err != nil {
		return nil, err
	}
	if inst.dlqSize, err = m.Int64Gauge("relay.dlq.size"); err != nil {
		return nil, err
	}
	return &inst, nil
}

func (i *instruments) record(ctx context.Context, s Snapshot) {
	i.connections.Record(ctx, int64(s.TotalConnections))
	i.tenants.Record(ctx, int64(s.TotalTenants))
	i.msgsPerSec.Record(ctx, s.MessagesPerSecond)
	i.bytesPerSec.Record(ctx, s.BytesPerSecond)
	i.bufferUtil.Record(ctx, s.BufferUtilization)
	for kind, n := range s.DLQByCategory {
		i.dlqSize.Record(ctx, int64(n), metric.WithAttributes(attribute.String("kind", kind)))
	}
}
