package relay

import (
	"testing"
	"time"

	"github.com/relaycore/core/internal/domain/lifecycle"
	"github.com/relaycore/core/internal/domain/ratelimit"
	"github.com/relaycore/core/internal/domain/tenant"
)

type fakeTransport struct {
	present map[string]bool
	sent    map[string][][]byte
}

func newFakeTransport(present ...string) *fakeTransport {
	p := make(map[string]bool)
	for _, id := range present {
		p[id] = true
	}
	return &fakeTransport{present: p, sent: make(map[string][][]byte)}
}

func (f *fakeTransport) Send(_ string, connectionID string, payload []byte) (ok bool, deferred bool) {
	if !f.present[connectionID] {
		return false, false
	}
	f.sent[connectionID] = append(f.sent[connectionID], payload)
	return true, false
}

type recordingSink struct {
	names []string
	last  map[string]any
}

func (s *recordingSink) Emit(category string, fields map[string]any) {
	s.names = append(s.names, category)
	s.last = fields
}

func setup(t *testing.T) (*tenant.Registry, *tenant.Tenant) {
	t.Helper()
	reg := tenant.NewRegistry()
	tn := reg.Register("acme", tenant.TierFree)
	return reg, tn
}

func TestRelayFailsForUnknownSender(t *testing.T) {
	reg, _ := setup(t)
	router := NewRouter(reg, newFakeTransport())
	_, err := router.Relay("acme", "ghost", []byte("x"), "", 1024)
	if err != ErrUnknownSender {
		t.Fatalf("err = %v, want ErrUnknownSender", err)
	}
}

func TestRelayDirectDeliversWhenTargetPresent(t *testing.T) {
	reg, tn := setup(t)
	sender := tn.AddConnection("c1")
	target := tn.AddConnection("c2")
	transport := newFakeTransport(sender.ID, target.ID)
	router := NewRouter(reg, transport)

	out, err := router.Relay("acme", sender.ID, []byte("hi"), target.ID, 1024)
	if err != nil {
		t.Fatalf("relay: %v", err)
	}
	if out.Buffered || len(out.Delivered) != 1 || out.Delivered[0] != target.ID {
		t.Fatalf("out = %+v, want direct delivery to %s", out, target.ID)
	}
	if len(transport.sent[target.ID]) != 1 {
		t.Fatalf("target did not receive the payload")
	}
}

// TestRelayBufferFlushOrder: relay from c1 to absent c2 with "a" then "bb";
// metrics show 2 buffered; after c2 connects and flushes, it observes "a"
// then "bb" in that order and 0 buffered remain.
func TestRelayBufferFlushOrder(t *testing.T) {
	reg, tn := setup(t)
	sender := tn.AddConnection("c1")
	transport := newFakeTransport(sender.ID)
	router := NewRouter(reg, transport)

	targetID := "c2"
	if _, err := router.Relay("acme", sender.ID, []byte("a"), targetID, 1024); err != nil {
		t.Fatalf("relay a: %v", err)
	}
	if _, err := router.Relay("acme", sender.ID, []byte("bb"), targetID, 1024); err != nil {
		t.Fatalf("relay bb: %v", err)
	}

	if snap := tn.Metrics(); snap.BufferedMessages != 2 {
		t.Fatalf("buffered messages = %d, want 2", snap.BufferedMessages)
	}

	tn.AddConnection(targetID)
	flushed := tn.FlushForTarget(targetID)
	if len(flushed) != 2 || string(flushed[0].Payload) != "a" || string(flushed[1].Payload) != "bb" {
		t.Fatalf("flushed = %+v, want [a bb] in order", flushed)
	}
	if snap := tn.Metrics(); snap.BufferedMessages != 0 {
		t.Fatalf("buffered messages after flush = %d, want 0", snap.BufferedMessages)
	}
}

// TestRelayBufferOverflowRejectsWithoutPartialBuffering: with a 4-byte
// ceiling, two 2-byte payloads fit exactly; a third 1-byte payload
// overflows and is rejected while the existing two remain intact.
func TestRelayBufferOverflowRejectsWithoutPartialBuffering(t *testing.T) {
	reg, tn := setup(t)
	sender := tn.AddConnection("c1")
	transport := newFakeTransport(sender.ID)
	sink := &recordingSink{}
	router := NewRouter(reg, transport, WithSink(sink))

	const ceiling = 4
	if _, err := router.Relay("acme", sender.ID, []byte("aa"), "ghost", ceiling); err != nil {
		t.Fatalf("relay 1: %v", err)
	}
	if _, err := router.Relay("acme", sender.ID, []byte("bb"), "ghost", ceiling); err != nil {
		t.Fatalf("relay 2: %v", err)
	}
	if _, err := router.Relay("acme", sender.ID, []byte("c"), "ghost", ceiling); err != ErrBufferFull {
		t.Fatalf("relay 3 err = %v, want ErrBufferFull", err)
	}

	found := false
	for _, name := range sink.names {
		if name == lifecycle.BufferOverflow {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a buffer-overflow event, got %v", sink.names)
	}
	if snap := tn.Metrics(); snap.BufferedMessages != 2 || snap.BufferedBytes != 4 {
		t.Fatalf("snapshot = %+v, want 2 messages / 4 bytes intact", snap)
	}
}

type saturatedTransport struct{}

func (saturatedTransport) Send(string, string, []byte) (bool, bool) { return false, true }

func TestRelayDefersToBufferWhenTransportSaturated(t *testing.T) {
	reg, tn := setup(t)
	sender := tn.AddConnection("c1")
	target := tn.AddConnection("c2")
	router := NewRouter(reg, saturatedTransport{})

	out, err := router.Relay("acme", sender.ID, []byte("hi"), target.ID, 1024)
	if err != nil {
		t.Fatalf("relay: %v", err)
	}
	if !out.Buffered || len(out.Delivered) != 0 {
		t.Fatalf("out = %+v, want buffered fallback with no direct delivery", out)
	}
	if router.DeliveryDeferred() != 1 {
		t.Fatalf("DeliveryDeferred() = %d, want 1", router.DeliveryDeferred())
	}
	if snap := tn.Metrics(); snap.BufferedMessages != 1 {
		t.Fatalf("buffered = %d, want 1", snap.BufferedMessages)
	}
}

func TestRelayBroadcastExcludesSender(t *testing.T) {
	reg, tn := setup(t)
	sender := tn.AddConnection("c1")
	peerA := tn.AddConnection("c2")
	peerB := tn.AddConnection("c3")
	transport := newFakeTransport(sender.ID, peerA.ID, peerB.ID)
	router := NewRouter(reg, transport)

	out, err := router.Relay("acme", sender.ID, []byte("hello"), "", 1024)
	if err != nil {
		t.Fatalf("relay: %v", err)
	}
	if !out.Broadcast {
		t.Fatalf("expected Broadcast=true")
	}
	if len(out.Delivered) != 2 {
		t.Fatalf("delivered = %v, want 2 recipients excluding sender", out.Delivered)
	}
	for _, id := range out.Delivered {
		if id == sender.ID {
			t.Fatalf("sender must not receive its own broadcast")
		}
	}
}

func TestRelayRejectsWhenPublishBucketExhausted(t *testing.T) {
	reg, tn := setup(t)
	sender := tn.AddConnection("c1")
	sink := &recordingSink{}
	limiter := ratelimit.New(map[ratelimit.Bucket]ratelimit.Config{
		ratelimit.BucketPublish: {RatePerSecond: 1, Burst: 1},
	})
	router := NewRouter(reg, newFakeTransport(sender.ID), WithLimiter(limiter), WithSink(sink))

	if _, err := router.Relay("acme", sender.ID, []byte("x"), "", 1024); err != nil {
		t.Fatalf("first relay within burst: %v", err)
	}
	if _, err := router.Relay("acme", sender.ID, []byte("x"), "", 1024); err != ErrRateLimited {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
	found := false
	for _, name := range sink.names {
		if name == lifecycle.TenantThrottled {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected tenant-throttled event, got %v", sink.names)
	}
}

func TestSweepExpiredBuffersEmitsBufferExpired(t *testing.T) {
	reg, tn := setup(t)
	sender := tn.AddConnection("c1")
	tn.EnqueueBuffered(tenant.BufferedMessage{
		TargetConnectionID: "ghost",
		Payload:            []byte("old"),
		EnqueuedAt:         time.Now().Add(-time.Hour),
	}, 1024)
	sink := &recordingSink{}
	router := NewRouter(reg, newFakeTransport(sender.ID), WithBufferTTL(time.Minute), WithSink(sink))

	router.SweepExpiredBuffers()

	found := false
	for _, name := range sink.names {
		if name == lifecycle.BufferExpired {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected buffer-expired event, got %v", sink.names)
	}
	if snap := tn.Metrics(); snap.BufferedMessages != 0 {
		t.Fatalf("expired buffer should be gone, got %+v", snap)
	}
}
