package trigger

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/relaycore/core/internal/domain/event"
	"github.com/relaycore/core/internal/domain/lifecycle"
)

type fakeWebhooks struct {
	dispatched int32
}

func (f *fakeWebhooks) Dispatch(ctx context.Context, ev *event.Event) {
	atomic.AddInt32(&f.dispatched, 1)
}

type fakeBus struct {
	mu        sync.Mutex
	published []string
}

func (f *fakeBus) Publish(topic string, payload []byte, contentType string, metadata map[string]string) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, topic)
	return uint64(len(f.published))
}

func TestIngestRoutesMatchedEventToWebhook(t *testing.T) {
	wh := &fakeWebhooks{}
	bus := &fakeBus{}
	e := New(wh, bus)
	e.InstallRule(Rule{ID: "r1", Pattern: "orders.*", Action: Action{Webhook: "wh-1"}})

	ev := event.New("orders.created", []byte("p"), "text/plain")
	e.Ingest(context.Background(), ev)

	if atomic.LoadInt32(&wh.dispatched) != 1 {
		t.Fatalf("dispatched = %d, want 1", wh.dispatched)
	}
}

func TestIngestRoutesMatchedEventToBus(t *testing.T) {
	wh := &fakeWebhooks{}
	bus := &fakeBus{}
	e := New(wh, bus)
	e.InstallRule(Rule{ID: "r1", Pattern: "orders.*", Action: Action{Bus: "orders.mirrored"}})

	e.Ingest(context.Background(), event.New("orders.created", []byte("p"), "text/plain"))

	bus.mu.Lock()
	defer bus.mu.Unlock()
	if len(bus.published) != 1 || bus.published[0] != "orders.mirrored" {
		t.Fatalf("published = %+v, want one orders.mirrored", bus.published)
	}
}

func TestIngestSkipsNonMatchingRule(t *testing.T) {
	wh := &fakeWebhooks{}
	e := New(wh, &fakeBus{})
	e.InstallRule(Rule{ID: "r1", Pattern: "billing.*", Action: Action{Webhook: "wh-1"}})

	e.Ingest(context.Background(), event.New("orders.created", []byte("p"), "text/plain"))

	if atomic.LoadInt32(&wh.dispatched) != 0 {
		t.Fatalf("dispatched = %d, want 0", wh.dispatched)
	}
}

// TestIngestDisablesRuleOnPanickingPredicate verifies a throwing predicate
// disables its rule and emits rule-disabled rather than propagating, and
// that the rule no longer fires on subsequent events.
func TestIngestDisablesRuleOnPanickingPredicate(t *testing.T) {
	var mu sync.Mutex
	var disabledEvents []string
	sink := recordingSink(func(category string, fields map[string]any) {
		mu.Lock()
		defer mu.Unlock()
		if category == lifecycle.RuleDisabled {
			disabledEvents = append(disabledEvents, fields["ruleId"].(string))
		}
	})

	wh := &fakeWebhooks{}
	e := New(wh, &fakeBus{}, WithSink(sink))
	e.InstallRule(Rule{
		ID:      "panicky",
		Pattern: "x",
		Match:   func(ev *event.Event) bool { panic("boom") },
		Action:  Action{Webhook: "wh-1"},
	})

	e.Ingest(context.Background(), event.New("x", []byte("p"), "text/plain"))
	e.Ingest(context.Background(), event.New("x", []byte("p"), "text/plain"))

	mu.Lock()
	defer mu.Unlock()
	if len(disabledEvents) != 1 {
		t.Fatalf("rule-disabled emitted %d times, want 1", len(disabledEvents))
	}
	if atomic.LoadInt32(&wh.dispatched) != 0 {
		t.Fatalf("dispatched = %d, want 0 (rule disabled, never fires)", wh.dispatched)
	}
}

func TestIngestDropsEventsExceedingFanOutDepth(t *testing.T) {
	wh := &fakeWebhooks{}
	e := New(wh, &fakeBus{}, WithMaxFanOutDepth(1))
	e.InstallRule(Rule{ID: "r1", Pattern: "x", Action: Action{Webhook: "wh-1"}})

	ev := event.New("x", []byte("p"), "text/plain")
	ev = ev.WithIncrementedHop().WithIncrementedHop()

	e.Ingest(context.Background(), ev)

	if atomic.LoadInt32(&wh.dispatched) != 0 {
		t.Fatalf("dispatched = %d, want 0 (fan-out depth exceeded)", wh.dispatched)
	}
	if e.FanOutDepthExceeded() != 1 {
		t.Fatalf("FanOutDepthExceeded() = %d, want 1", e.FanOutDepthExceeded())
	}
}

func TestIngestEvaluatesRulesInInstallationOrder(t *testing.T) {
	bus := &fakeBus{}
	e := New(&fakeWebhooks{}, bus)
	e.InstallRule(Rule{ID: "r1", Pattern: "x", Action: Action{Bus: "mirror.one"}})
	e.InstallRule(Rule{ID: "r2", Pattern: "x", Action: Action{Bus: "mirror.two"}})
	e.InstallRule(Rule{ID: "r3", Pattern: "x", Action: Action{Bus: "mirror.three"}})

	e.Ingest(context.Background(), event.New("x", []byte("p"), "text/plain"))

	bus.mu.Lock()
	defer bus.mu.Unlock()
	want := []string{"mirror.one", "mirror.two", "mirror.three"}
	if len(bus.published) != len(want) {
		t.Fatalf("published = %v, want %v", bus.published, want)
	}
	for i := range want {
		if bus.published[i] != want[i] {
			t.Fatalf("published = %v, want installation order %v", bus.published, want)
		}
	}
}

type recordingSink func(category string, fields map[string]any)

func (f recordingSink) Emit(category string, fields map[string]any) { f(category, fields) }
