package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmmessage "github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"

	"github.com/relaycore/core/config"
	grpcsrv "github.com/relaycore/core/infra/server/grpc"
	"github.com/relaycore/core/internal/domain/connection"
	"github.com/relaycore/core/internal/domain/deadletter"
	"github.com/relaycore/core/internal/domain/event"
	"github.com/relaycore/core/internal/domain/eventbus"
	"github.com/relaycore/core/internal/domain/lifecycle"
	"github.com/relaycore/core/internal/domain/ratelimit"
	"github.com/relaycore/core/internal/domain/relay"
	"github.com/relaycore/core/internal/domain/ringwindow"
	"github.com/relaycore/core/internal/domain/tenant"
	"github.com/relaycore/core/internal/domain/trigger"
	"github.com/relaycore/core/internal/domain/webhook"
	"github.com/relaycore/core/internal/metrics"
	"github.com/relaycore/core/internal/orchestrator"
	"github.com/relaycore/core/internal/transport"
	"github.com/relaycore/core/internal/transport/httpapi"
	lphandler "github.com/relaycore/core/internal/transport/lp"
	wshandler "github.com/relaycore/core/internal/transport/ws"

	logging "github.com/relaycore/core/infra/logging"
)

// busSink implements lifecycle.Sink by republishing every emitted event onto
// two independent fan-outs: the Event Bus under "lifecycle.<category>" (so
// any bus subscriber observes admission, relay, webhook, and lifecycle
// events uniformly, with replay and DLQ semantics attached), and a watermill
// gochannel pub/sub that feeds the Trigger Engine bridge in newRelayCore. It
// closes over a *eventbus.Bus accessor rather than holding the bus directly
// because the bus itself is constructed with this sink wired in (its
// dead-letter hand-off also emits through it); the accessor is assigned
// once construction completes.
type busSink struct {
	bus func() *eventbus.Bus
	wm  wmmessage.Publisher
}

var _ lifecycle.Sink = (*busSink)(nil)

func (s *busSink) Emit(category string, fields map[string]any) {
	b := s.bus()
	if b == nil {
		return
	}
	payload, err := json.Marshal(fields)
	if err != nil {
		return
	}
	var metadata map[string]string
	if tid, ok := fields["tenantId"].(string); ok && tid != "" {
		metadata = map[string]string{"tenantId": tid}
	}
	b.Publish("lifecycle."+category, payload, "application/json", metadata)

	if s.wm != nil {
		msg := wmmessage.NewMessage(watermill.NewUUID(), payload)
		msg.Metadata.Set("category", category)
		if metadata != nil {
			msg.Metadata.Set("tenantId", metadata["tenantId"])
		}
		_ = s.wm.Publish(triggerIngestTopic, msg)
	}
}

// triggerIngestTopic is the watermill topic every lifecycle event is
// republished onto for the Trigger Engine bridge (see newRelayCore),
// independent of the in-process Event Bus's own "lifecycle.<category>"
// topic space.
const triggerIngestTopic = "lifecycle"

// dlqRetention bounds how long a dead-letter entry may sit before the age
// sweep evicts it.
const dlqRetention = time.Hour

// relayCore bundles every constructed domain/infra component the cli
// commands and lifecycle hooks need, avoiding a long fx.Invoke parameter
// list for each piece.
type relayCore struct {
	cfg *config.Config

	registry   *tenant.Registry
	manager    *connection.Manager
	router     *relay.Router
	bus        *eventbus.Bus
	webhooks   *webhook.Dispatcher
	engine     *trigger.Engine
	collector  *metrics.Collector
	orch       *orchestrator.Orchestrator
	grpcServer *grpcsrv.Server
	httpServer *http.Server
	meterProv  *sdkmetric.MeterProvider

	wmRouter *wmmessage.Router

	inFlight sync.WaitGroup
}

// newRelayCore wires every domain and infra component against cfg: pure
// constructors, a single place that knows how the pieces connect.
func newRelayCore(cfg *config.Config, logger *slog.Logger) *relayCore {
	var bus *eventbus.Bus
	wmPubSub := gochannel.NewGoChannel(
		gochannel.Config{OutputChannelBuffer: int64(cfg.SubscriptionQueueDepth)},
		logging.NewWatermillLogger(logger),
	)
	sink := &busSink{bus: func() *eventbus.Bus { return bus }, wm: wmPubSub}

	limiter := ratelimit.New(map[ratelimit.Bucket]ratelimit.Config{
		ratelimit.BucketConnect: {RatePerSecond: 50, Burst: 100},
		ratelimit.BucketPublish: {RatePerSecond: 500, Burst: 1000},
		ratelimit.BucketWebhook: {RatePerSecond: 50, Burst: 100},
	})

	busDLQ := deadletter.New(cfg.DLQCapacity)
	webhookDLQ := deadletter.New(cfg.DLQCapacity)

	registry := tenant.NewRegistry(
		tenant.WithLimits(tenant.Limits{
			tenant.TierFree:       cfg.TierLimits.Free,
			tenant.TierPro:        cfg.TierLimits.Pro,
			tenant.TierEnterprise: cfg.TierLimits.Enterprise,
		}),
		tenant.WithMaxConnectionsPerTenant(cfg.MaxConnectionsPerTenant),
		tenant.WithSink(sink),
	)

	hub := transport.NewHub()
	messageWindow := ringwindow.New(100_000)

	router := relay.NewRouter(registry, hub,
		relay.WithBufferTTL(cfg.BufferTTL()),
		relay.WithMessageWindow(messageWindow),
		relay.WithLimiter(limiter),
		relay.WithSink(sink),
	)

	var orch *orchestrator.Orchestrator
	manager := connection.NewManager(registry, limiter,
		connection.WithIdleTimeout(cfg.IdleTimeout()),
		connection.WithSink(sink),
		connection.WithDrainingCheck(func() bool { return orch != nil && orch.Draining() }),
	)

	webhooks := webhook.New(webhookDLQ,
		webhook.WithHTTPClient(&http.Client{Timeout: time.Duration(cfg.Webhook.TimeoutMs) * time.Millisecond}),
		webhook.WithCircuitPolicy(webhook.CircuitPolicy{
			WindowMs:      cfg.CircuitBreaker.WindowMs,
			MinSamples:    cfg.CircuitBreaker.MinSamples,
			ErrorRatePct:  cfg.CircuitBreaker.ErrorRatePct,
			CooldownMs:    cfg.CircuitBreaker.CooldownMs,
			MaxCooldownMs: cfg.CircuitBreaker.MaxCooldownMs,
		}),
		webhook.WithAdmission(func(ev *event.Event) bool {
			tid := ev.Metadata["tenantId"]
			if tid == "" {
				return true
			}
			return limiter.Allow(tid, ratelimit.BucketWebhook)
		}),
		webhook.WithSink(sink),
	)

	bus = eventbus.New(busDLQ,
		eventbus.WithReplayCapacity(cfg.ReplayRingSize),
		eventbus.WithDefaultQueueDepth(cfg.SubscriptionQueueDepth),
		eventbus.WithSink(sink),
	)

	engine := trigger.New(webhooks, bus, trigger.WithSink(sink))

	core := &relayCore{cfg: cfg, registry: registry, manager: manager, router: router, bus: bus, webhooks: webhooks, engine: engine}

	// Bridge every lifecycle event into the Trigger Engine over a watermill
	// pub/sub (gochannel transport, message.Router dispatch). The Event Bus
	// keeps its own bounded-mailbox delivery because subscribers need the
	// evict-oldest-on-overflow guarantee, which watermill's router does not
	// provide.
	wmRouter, _ := wmmessage.NewRouter(wmmessage.RouterConfig{}, logging.NewWatermillLogger(logger))
	wmRouter.AddNoPublisherHandler("trigger-ingest", triggerIngestTopic, wmPubSub, func(msg *wmmessage.Message) error {
		ev := event.New("lifecycle."+msg.Metadata.Get("category"), msg.Payload, "application/json")
		if tid := msg.Metadata.Get("tenantId"); tid != "" {
			ev.Metadata["tenantId"] = tid
		}
		core.inFlight.Add(1)
		defer core.inFlight.Done()
		engine.Ingest(context.Background(), ev)
		return nil
	})
	core.wmRouter = wmRouter

	meterProvider := sdkmetric.NewMeterProvider()
	otel.SetMeterProvider(meterProvider)
	core.meterProv = meterProvider

	collector := metrics.New(registry, messageWindow, busDLQ, webhookDLQ, bus, webhooks, cfg.MessageBufferBytes,
		metrics.WithStatusFunc(func() string {
			if orch == nil {
				return "starting"
			}
			return orch.State().String()
		}),
		metrics.WithMeter(meterProvider.Meter("relaycore")),
	)
	core.collector = collector

	orch = orchestrator.New(
		orchestrator.WithTask(orchestrator.Task{
			Name:     "idle-sweep",
			Interval: cfg.IdleTimeout() / 2,
			Run:      func(ctx context.Context) { manager.SweepIdle() },
		}),
		orchestrator.WithTask(orchestrator.Task{
			Name:     "buffer-ttl-sweep",
			Interval: cfg.BufferTTL() / 2,
			Run:      func(ctx context.Context) { router.SweepExpiredBuffers() },
		}),
		orchestrator.WithTask(orchestrator.Task{
			Name:     "metrics-aggregation",
			Interval: 15 * time.Second,
			Run:      func(ctx context.Context) { core.collector.Snapshot() },
		}),
		orchestrator.WithTask(orchestrator.Task{
			Name:     "dlq-age-sweep",
			Interval: 10 * time.Minute,
			Run: func(ctx context.Context) {
				cutoff := time.Now().Add(-dlqRetention)
				busDLQ.EvictOlderThan(cutoff)
				webhookDLQ.EvictOlderThan(cutoff)
			},
		}),
		orchestrator.WithTask(orchestrator.Task{
			Name:     "health-check",
			Interval: cfg.HealthCheckInterval(),
			Run: func(ctx context.Context) {
				snap := core.collector.Snapshot()
				sink.Emit(lifecycle.HealthCheck, map[string]any{
					"status":      snap.Status,
					"connections": snap.TotalConnections,
					"tenants":     snap.TotalTenants,
				})
			},
		}),
		orchestrator.WithDrain(func(ctx context.Context) error {
			done := make(chan struct{})
			go func() {
				core.inFlight.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}),
		orchestrator.WithCloseAll(func() {
			for _, id := range registry.List() {
				_ = registry.Remove(id, func(tenantID, connectionID string) {
					hub.Unregister(tenantID, connectionID)
				})
			}
		}),
	)
	core.orch = orch

	core.grpcServer = grpcsrv.New(grpcsrv.Options{Addr: fmt.Sprintf(":%d", cfg.Port+1), Logger: logger})

	wsHandler := wshandler.New(manager, router, hub, wshandler.WithLogger(logger),
		wshandler.WithMaxBufferBytes(func(string) int64 { return cfg.MessageBufferBytes }))
	lpHandler := lphandler.New(manager, hub, lphandler.WithQueueDepth(cfg.SubscriptionQueueDepth))
	admin := httpapi.New(registry, webhooks, collector, wsHandler, lpHandler, logger)

	core.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: admin.Routes(),
	}

	return core
}

func (c *relayCore) start(ctx context.Context) error {
	if err := c.orch.Start(ctx); err != nil {
		return err
	}
	go func() {
		if err := c.wmRouter.Run(context.Background()); err != nil {
			slog.Default().Error("watermill router stopped", "error", err)
		}
	}()
	go func() {
		if err := c.grpcServer.Start(); err != nil {
			slog.Default().Error("grpc server stopped", "error", err)
		}
	}()
	lis, err := net.Listen("tcp", c.httpServer.Addr)
	if err != nil {
		return err
	}
	go func() {
		var serveErr error
		if c.cfg.TLS.Enabled() {
			serveErr = c.httpServer.ServeTLS(lis, c.cfg.TLS.Cert, c.cfg.TLS.Key)
		} else {
			serveErr = c.httpServer.Serve(lis)
		}
		if serveErr != nil && serveErr != http.ErrServerClosed {
			slog.Default().Error("http server stopped", "error", serveErr)
		}
	}()
	return nil
}

// applyReload applies the live-reloadable subset of a changed
// configuration: tier limits and circuit-breaker policy. Everything else
// requires a restart.
func (c *relayCore) applyReload(cfg *config.Config) {
	c.registry.SetLimits(tenant.Limits{
		tenant.TierFree:       cfg.TierLimits.Free,
		tenant.TierPro:        cfg.TierLimits.Pro,
		tenant.TierEnterprise: cfg.TierLimits.Enterprise,
	})
	c.webhooks.SetCircuitPolicy(webhook.CircuitPolicy{
		WindowMs:      cfg.CircuitBreaker.WindowMs,
		MinSamples:    cfg.CircuitBreaker.MinSamples,
		ErrorRatePct:  cfg.CircuitBreaker.ErrorRatePct,
		CooldownMs:    cfg.CircuitBreaker.CooldownMs,
		MaxCooldownMs: cfg.CircuitBreaker.MaxCooldownMs,
	})
}

func (c *relayCore) stop(ctx context.Context) error {
	_ = c.httpServer.Shutdown(ctx)
	_ = c.grpcServer.Stop(ctx)
	err := c.orch.Stop(ctx)
	c.bus.Shutdown()
	_ = c.wmRouter.Close()
	_ = c.meterProv.Shutdown(ctx)
	return err
}

// NewApp assembles the fx.App wiring config, logging, and every domain/infra
// component behind lifecycle hooks that start/stop the gRPC operational
// surface, the admin HTTP surface, and the Orchestrator's cooperative tasks.
// v, when non-nil, enables configuration live-reload for tier limits and
// circuit-breaker policy.
func NewApp(cfg *config.Config, v *viper.Viper) *fx.App {
	return fx.New(
		fx.Provide(
			func() *config.Config { return cfg },
			func() *slog.Logger { return logging.New(logging.Options{ServiceName: ServiceName}) },
			newRelayCore,
		),
		fx.Invoke(func(lc fx.Lifecycle, core *relayCore) {
			lc.Append(fx.Hook{
				OnStart: func(ctx context.Context) error {
					if err := core.start(ctx); err != nil {
						return err
					}
					if v != nil {
						config.WatchReload(v, core.applyReload)
					}
					return nil
				},
				OnStop: core.stop,
			})
		}),
	)
}
