// Package eventbus implements the Event Bus: typed topic pub/sub with
// wildcard pattern matching, synchronous and queued-async delivery,
// per-subscription FIFO ordering, error isolation, bounded replay, and a
// dead-letter hand-off. The subscriber list is copy-on-write so publication
// never blocks on subscribe churn.
package eventbus

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/relaycore/core/internal/domain/deadletter"
	"github.com/relaycore/core/internal/domain/event"
	"github.com/relaycore/core/internal/domain/lifecycle"
	"github.com/relaycore/core/internal/domain/ringwindow"
)

// DeliveryMode selects synchronous (publisher's call stack) or queued-async
// (dedicated drain goroutine) handler invocation.
type DeliveryMode int

const (
	Synchronous DeliveryMode = iota
	QueuedAsync
)

// Handler receives a matched event. It must not retain the pointer beyond
// the call for synchronous subscriptions (the same *Event is reused across
// a publish's fan-out).
type Handler func(ev *event.Event)

// Filter is a pure predicate over event metadata; a panic is treated as
// "does not match" and counted under filter-error.
type Filter func(ev *event.Event) bool

// SubscribeOptions configures a subscription.
type SubscribeOptions struct {
	Mode          DeliveryMode
	Filter        Filter
	MaxQueueDepth int // queued-async only; 0 uses the bus default
}

type subscription struct {
	id      string
	pattern string
	handler Handler
	filter  Filter
	mode    DeliveryMode

	mailbox chan *event.Event // queued-async only
	doneCh  chan struct{}
	closed  int32 // atomic
}

// Bus implements publish/subscribe/unsubscribe/replay.
type Bus struct {
	subsMu sync.Mutex // serializes subscribe/unsubscribe; publish reads the slice without locking
	subs   atomic.Pointer[[]*subscription]

	seqMu     sync.Mutex
	sequences map[string]uint64

	replayMu  sync.Mutex
	replay    map[string]*ringwindow.EventRing[event.Event]
	replayCap int

	defaultQueueDepth int
	dlq               *deadletter.Ring
	sink              lifecycle.Sink

	droppedByQueuePressure uint64
	filterErrors           uint64
}

// Option configures a Bus at construction.
type Option func(*Bus)

func WithReplayCapacity(n int) Option {
	return func(b *Bus) { b.replayCap = n }
}

func WithDefaultQueueDepth(n int) Option {
	return func(b *Bus) { b.defaultQueueDepth = n }
}

func WithSink(s lifecycle.Sink) Option {
	return func(b *Bus) { b.sink = s }
}

// New constructs a Bus backed by dlq for terminal delivery failures.
func New(dlq *deadletter.Ring, opts ...Option) *Bus {
	b := &Bus{
		sequences:         make(map[string]uint64),
		replay:            make(map[string]*ringwindow.EventRing[event.Event]),
		replayCap:         10000,
		defaultQueueDepth: 1024,
		dlq:               dlq,
		sink:              lifecycle.Discard,
	}
	empty := make([]*subscription, 0)
	b.subs.Store(&empty)
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish assigns the next per-topic sequence, retains the event in the
// topic's replay ring, and fans out to every currently matching
// subscription. The returned sequence is valid even if every subscriber
// later fails: publication success only promises sequence assignment.
func (b *Bus) Publish(topic string, payload []byte, contentType string, metadata map[string]string) uint64 {
	seq := b.nextSequence(topic)

	ev := event.New(topic, payload, contentType)
	ev.Sequence = seq
	for k, v := range metadata {
		ev.Metadata[k] = v
	}

	b.retain(topic, *ev)

	subs := *b.subs.Load()
	for _, sub := range subs {
		if atomic.LoadInt32(&sub.closed) == 1 {
			continue
		}
		if !event.MatchTopic(sub.pattern, topic) {
			continue
		}
		if !b.passesFilter(sub, ev) {
			continue
		}
		switch sub.mode {
		case Synchronous:
			b.deliverSync(sub, ev)
		case QueuedAsync:
			b.deliverQueued(sub, ev)
		}
	}

	return seq
}

func (b *Bus) nextSequence(topic string) uint64 {
	b.seqMu.Lock()
	defer b.seqMu.Unlock()
	b.sequences[topic]++
	return b.sequences[topic]
}

func (b *Bus) retain(topic string, ev event.Event) {
	b.replayMu.Lock()
	ring, ok := b.replay[topic]
	if !ok {
		ring = ringwindow.NewEventRing[event.Event](b.replayCap)
		b.replay[topic] = ring
	}
	b.replayMu.Unlock()
	ring.Add(ev.Sequence, ev)
}

func (b *Bus) passesFilter(sub *subscription, ev *event.Event) (passed bool) {
	if sub.filter == nil {
		return true
	}
	defer func() {
		if r := recover(); r != nil {
			atomic.AddUint64(&b.filterErrors, 1)
			passed = false
		}
	}()
	return sub.filter(ev)
}

// deliverSync invokes the handler on the publisher's call stack; a panic is
// recovered, DLQ'd, and never propagated.
func (b *Bus) deliverSync(sub *subscription, ev *event.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.dlq.Add(sub.id, "HandlerError", *ev)
			b.sink.Emit(lifecycle.BusDLQ, map[string]any{
				"subscriptionId": sub.id,
				"topic":          ev.Topic,
				"sequence":       ev.Sequence,
				"kind":           "HandlerError",
			})
		}
	}()
	sub.handler(ev)
}

// deliverQueued enqueues ev into the subscription's bounded mailbox,
// evicting the oldest entry on overflow. Overflow is an operator problem,
// not a delivery failure: the evicted entry is counted, never DLQ'd.
func (b *Bus) deliverQueued(sub *subscription, ev *event.Event) {
	select {
	case sub.mailbox <- ev:
		return
	default:
	}

	select {
	case <-sub.mailbox:
	default:
	}
	select {
	case sub.mailbox <- ev:
	default:
	}
	atomic.AddUint64(&b.droppedByQueuePressure, 1)
}

// Subscribe registers pattern with handler under opts, returning a
// subscription id. The subscriber slice is copied (copy-on-write) so
// concurrent publication never observes a torn list.
func (b *Bus) Subscribe(pattern string, handler Handler, opts SubscribeOptions) string {
	depth := opts.MaxQueueDepth
	if depth <= 0 {
		depth = b.defaultQueueDepth
	}

	sub := &subscription{
		id:      uuid.NewString(),
		pattern: pattern,
		handler: handler,
		filter:  opts.Filter,
		mode:    opts.Mode,
	}
	if opts.Mode == QueuedAsync {
		sub.mailbox = make(chan *event.Event, depth)
		sub.doneCh = make(chan struct{})
		go b.drain(sub)
	}

	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	old := *b.subs.Load()
	next := make([]*subscription, len(old), len(old)+1)
	copy(next, old)
	next = append(next, sub)
	b.subs.Store(&next)

	return sub.id
}

// drain is the queued-async worker loop: take one event, drain whatever
// else is immediately available as a batch, then go back to waiting.
func (b *Bus) drain(sub *subscription) {
	for {
		select {
		case <-sub.doneCh:
			return
		case ev := <-sub.mailbox:
			b.invokeQueued(sub, ev)
			b.drainBatch(sub)
		}
	}
}

// drainBatch consumes up to one batch worth of already-queued events so a
// busy mailbox is worked off without starving the done signal forever.
func (b *Bus) drainBatch(sub *subscription) {
	for range 64 {
		select {
		case next := <-sub.mailbox:
			b.invokeQueued(sub, next)
		default:
			return
		}
	}
}

func (b *Bus) invokeQueued(sub *subscription, ev *event.Event) {
	if atomic.LoadInt32(&sub.closed) == 1 {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			b.dlq.Add(sub.id, "HandlerError", *ev)
			b.sink.Emit(lifecycle.BusDLQ, map[string]any{
				"subscriptionId": sub.id,
				"topic":          ev.Topic,
				"sequence":       ev.Sequence,
				"kind":           "HandlerError",
			})
		}
	}()
	sub.handler(ev)
}

// Unsubscribe makes the handler unreachable before returning: the
// subscriber list is swapped without sub's entry, and any queued-async
// worker is signaled to stop (queued entries are discarded, in-flight
// synchronous invocations already completed by definition of the call
// stack they ran on).
func (b *Bus) Unsubscribe(subscriptionID string) {
	b.subsMu.Lock()
	old := *b.subs.Load()
	next := make([]*subscription, 0, len(old))
	var removed *subscription
	for _, s := range old {
		if s.id == subscriptionID {
			removed = s
			continue
		}
		next = append(next, s)
	}
	b.subs.Store(&next)
	b.subsMu.Unlock()

	if removed == nil {
		return
	}
	if atomic.CompareAndSwapInt32(&removed.closed, 0, 1) && removed.doneCh != nil {
		close(removed.doneCh)
	}
}

// Replay returns events on topic within [fromSequence, toSequence]
// intersected with the retained window, and whether the window truncated
// because fromSequence predates the oldest retained sequence.
func (b *Bus) Replay(topic string, fromSequence, toSequence uint64) (events []event.Event, truncated bool) {
	b.replayMu.Lock()
	ring, ok := b.replay[topic]
	b.replayMu.Unlock()
	if !ok {
		return nil, false
	}
	return ring.Range(fromSequence, toSequence)
}

// Stats reports the bus-wide drop counters used by Metrics & Telemetry.
type Stats struct {
	DroppedByQueuePressure uint64
	FilterErrors           uint64
}

func (b *Bus) Stats() Stats {
	return Stats{
		DroppedByQueuePressure: atomic.LoadUint64(&b.droppedByQueuePressure),
		FilterErrors:           atomic.LoadUint64(&b.filterErrors),
	}
}

// Shutdown stops every queued-async worker. Synchronous subscriptions need
// no teardown.
func (b *Bus) Shutdown() {
	for _, sub := range *b.subs.Load() {
		if atomic.CompareAndSwapInt32(&sub.closed, 0, 1) && sub.doneCh != nil {
			close(sub.doneCh)
		}
	}
}
