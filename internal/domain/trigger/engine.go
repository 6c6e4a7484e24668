// Package trigger implements the Trigger Engine: a rule table evaluated in
// insertion order against incoming events, each rule's predicate deciding
// whether to hand the event off to the Webhook Dispatcher or re-publish it
// onto the Event Bus. Cycle prevention uses the hop counter carried on the
// event's metadata; a predicate panic disables its rule rather than
// crashing ingestion.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/relaycore/core/internal/domain/event"
	"github.com/relaycore/core/internal/domain/lifecycle"
)

// DefaultMaxFanOutDepth bounds how many rule-driven republishes an event's
// causal chain may accumulate before it is dropped.
const DefaultMaxFanOutDepth = 8

var ErrNotFound = errors.New("trigger: rule not found")

// Predicate is a pure function over the event; a panic disables the owning
// rule and is never allowed to escape Ingest.
type Predicate func(ev *event.Event) bool

// Action is performed for a matched event. Exactly one of Webhook or Bus is
// populated on a Rule.
type Action struct {
	// Webhook, when non-empty, hands the (optionally transformed) event off
	// to the Webhook Dispatcher's dispatch path for registration Webhook.
	Webhook string
	// Bus, when non-empty, re-publishes the event onto the Event Bus under
	// topic Bus.
	Bus string
	// Transform optionally rewrites the payload/content-type before hand-off.
	// A nil Transform passes the event through unchanged.
	Transform func(ev *event.Event) (payload []byte, contentType string)
}

// Rule is a declarative trigger: an event-match pattern plus a predicate,
// evaluated in installation order.
type Rule struct {
	ID      string
	Pattern string
	Match   Predicate
	Action  Action
	Enabled bool
}

// WebhookDispatch is the narrow Webhook Dispatcher surface the engine needs;
// satisfied directly by *webhook.Dispatcher.
type WebhookDispatch interface {
	Dispatch(ctx context.Context, ev *event.Event)
}

// BusPublish is the narrow Event Bus surface the engine needs; satisfied
// directly by *eventbus.Bus.
type BusPublish interface {
	Publish(topic string, payload []byte, contentType string, metadata map[string]string) uint64
}

type ruleEntry struct {
	rule    Rule
	enabled bool
}

// Engine owns the rule table and evaluates it against ingested events. Rule
// installation order is preserved by a slice (not a map) so rules fire in
// the order they were installed.
type Engine struct {
	mu    sync.RWMutex
	order []string
	rules map[string]*ruleEntry

	webhooks WebhookDispatch
	bus      BusPublish
	sink     lifecycle.Sink

	maxFanOutDepth int

	fanOutDepthExceeded uint64
}

// Option configures an Engine at construction.
type Option func(*Engine)

func WithMaxFanOutDepth(n int) Option {
	return func(e *Engine) { e.maxFanOutDepth = n }
}

func WithSink(s lifecycle.Sink) Option {
	return func(e *Engine) { e.sink = s }
}

// New constructs an Engine that hands matched events to webhooks and bus.
func New(webhooks WebhookDispatch, bus BusPublish, opts ...Option) *Engine {
	e := &Engine{
		rules:          make(map[string]*ruleEntry),
		webhooks:       webhooks,
		bus:            bus,
		sink:           lifecycle.Discard,
		maxFanOutDepth: DefaultMaxFanOutDepth,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// InstallRule appends rule to the end of the evaluation order, or replaces
// an existing rule with the same id in place (order preserved).
func (e *Engine) InstallRule(rule Rule) {
	rule.Enabled = true
	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.rules[rule.ID]; ok {
		existing.rule = rule
		existing.enabled = true
		return
	}
	e.order = append(e.order, rule.ID)
	e.rules[rule.ID] = &ruleEntry{rule: rule, enabled: true}
}

// RemoveRule deletes rule by id.
func (e *Engine) RemoveRule(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.rules[id]; !ok {
		return ErrNotFound
	}
	delete(e.rules, id)
	for i, rid := range e.order {
		if rid == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	return nil
}

// Ingest evaluates every enabled rule, in installation order, against ev.
// An event whose hop count already exceeds maxFanOutDepth is dropped before
// any rule runs.
func (e *Engine) Ingest(ctx context.Context, ev *event.Event) {
	if ev.HopCount() > e.maxFanOutDepth {
		atomic.AddUint64(&e.fanOutDepthExceeded, 1)
		return
	}

	e.mu.RLock()
	entries := make([]*ruleEntry, 0, len(e.order))
	for _, id := range e.order {
		if entry, ok := e.rules[id]; ok && entry.enabled {
			entries = append(entries, entry)
		}
	}
	e.mu.RUnlock()

	for _, entry := range entries {
		e.evaluate(ctx, entry, ev)
	}
}

// evaluate runs one rule's predicate against ev, recovering a panicking
// predicate into a disabled rule and a rule-disabled event rather than
// letting it escape ingestion.
func (e *Engine) evaluate(ctx context.Context, entry *ruleEntry, ev *event.Event) {
	matched, err := e.safeMatch(entry, ev)
	if err != nil {
		e.disable(entry, err)
		return
	}
	if !matched {
		return
	}
	e.perform(ctx, entry.rule, ev)
}

func (e *Engine) safeMatch(entry *ruleEntry, ev *event.Event) (matched bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("trigger: predicate panicked: %v", r)
		}
	}()
	if entry.rule.Match == nil {
		return event.MatchTopic(entry.rule.Pattern, ev.Topic), nil
	}
	if entry.rule.Pattern != "" && !event.MatchTopic(entry.rule.Pattern, ev.Topic) {
		return false, nil
	}
	return entry.rule.Match(ev), nil
}

func (e *Engine) disable(entry *ruleEntry, cause error) {
	e.mu.Lock()
	entry.enabled = false
	e.mu.Unlock()
	e.sink.Emit(lifecycle.RuleDisabled, map[string]any{
		"ruleId": entry.rule.ID,
		"error":  cause.Error(),
	})
}

func (e *Engine) perform(ctx context.Context, rule Rule, ev *event.Event) {
	next := ev.WithIncrementedHop()
	if rule.Action.Transform != nil {
		payload, contentType := rule.Action.Transform(ev)
		next.Payload = payload
		next.ContentType = contentType
	}

	switch {
	case rule.Action.Webhook != "" && e.webhooks != nil:
		e.webhooks.Dispatch(ctx, next)
	case rule.Action.Bus != "" && e.bus != nil:
		e.bus.Publish(rule.Action.Bus, next.Payload, next.ContentType, next.Metadata)
	}
}

// FanOutDepthExceeded reports how many ingested events were dropped for
// exceeding maxFanOutDepth.
func (e *Engine) FanOutDepthExceeded() uint64 {
	return atomic.LoadUint64(&e.fanOutDepthExceeded)
}

// Rules returns a snapshot of every installed rule in evaluation order.
func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Rule, 0, len(e.order))
	for _, id := range e.order {
		if entry, ok := e.rules[id]; ok {
			r := entry.rule
			r.Enabled = entry.enabled
			out = append(out, r)
		}
	}
	return out
}
