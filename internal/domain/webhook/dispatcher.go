package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/relaycore/core/internal/domain/deadletter"
	"github.com/relaycore/core/internal/domain/event"
	"github.com/relaycore/core/internal/domain/lifecycle"
)

// outboundBody is the JSON body POSTed to a registered endpoint.
type outboundBody struct {
	Sequence   uint64 `json:"sequence"`
	Topic      string `json:"topic"`
	Payload    []byte `json:"payload"`
	Timestamp  int64  `json:"timestamp"`
	DeliveryID string `json:"deliveryId"`
}

// Stats reports per-registration delivery counters for Metrics & Telemetry.
type Stats struct {
	RegistrationID string
	Sent           uint64
	Succeeded      uint64
	Failed         uint64
	DLQd           uint64
	CircuitState   string
}

type registrationEntry struct {
	reg Registration

	sent      uint64
	succeeded uint64
	failed    uint64
	dlqd      uint64
}

// Dispatcher exclusively owns Webhook Registrations and their circuit
// state. Registration lookups and stats go through the Dispatcher's lock;
// per-endpoint breaker escalation lives in breaker.go.
type Dispatcher struct {
	mu            sync.RWMutex
	registrations map[string]*registrationEntry

	breakers *lru.Cache[string, *circuitWrapper]
	sent     *lru.Cache[string, struct{}] // delivery-id dedup, see deliveryID

	client          *http.Client
	circuitPolicy   CircuitPolicy
	overallDeadline time.Duration
	admit           func(ev *event.Event) bool
	dlq             *deadletter.Ring
	sink            lifecycle.Sink

	idSeq uint64
}

// Option configures a Dispatcher at construction.
type Option func(*Dispatcher)

func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

func WithCircuitPolicy(p CircuitPolicy) Option {
	return func(d *Dispatcher) { d.circuitPolicy = p }
}

func WithOverallDeadline(dur time.Duration) Option {
	return func(d *Dispatcher) { d.overallDeadline = dur }
}

func WithSink(s lifecycle.Sink) Option {
	return func(d *Dispatcher) { d.sink = s }
}

// WithAdmission gates the whole fan-out for an event; a false return skips
// delivery entirely. Used to tie dispatch into the per-tenant webhook token
// bucket.
func WithAdmission(fn func(ev *event.Event) bool) Option {
	return func(d *Dispatcher) { d.admit = fn }
}

// New constructs a Dispatcher backed by dlq for terminal delivery failures.
func New(dlq *deadletter.Ring, opts ...Option) *Dispatcher {
	breakers, _ := lru.New[string, *circuitWrapper](4096)
	sent, _ := lru.New[string, struct{}](16384)
	d := &Dispatcher{
		registrations:   make(map[string]*registrationEntry),
		breakers:        breakers,
		sent:            sent,
		client:          &http.Client{},
		circuitPolicy:   DefaultCircuitPolicy(),
		overallDeadline: 60 * time.Second,
		dlq:             dlq,
		sink:            lifecycle.Discard,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register adds a Registration, returning its id (generated if reg.ID is
// empty). Re-registering an existing id replaces its configuration but
// keeps accumulated stats and circuit state.
func (d *Dispatcher) Register(reg Registration) (string, error) {
	if reg.ID == "" {
		d.mu.Lock()
		d.idSeq++
		reg.ID = fmt.Sprintf("wh-%d", d.idSeq)
		d.mu.Unlock()
	}
	if reg.Retry.MaxAttempts == 0 {
		reg.Retry = DefaultRetryPolicy()
	}
	if reg.Timeout == 0 {
		reg.Timeout = 10 * time.Second
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.registrations[reg.ID]
	if !ok {
		entry = &registrationEntry{}
		d.registrations[reg.ID] = entry
	}
	entry.reg = reg
	return reg.ID, nil
}

// SetCircuitPolicy replaces the policy used for breakers built from now on,
// used by configuration live-reload. Breakers already cached keep their
// current policy and state.
func (d *Dispatcher) SetCircuitPolicy(p CircuitPolicy) {
	d.mu.Lock()
	d.circuitPolicy = p
	d.mu.Unlock()
}

// Unregister removes a Registration and its cached breaker.
func (d *Dispatcher) Unregister(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.registrations[id]; !ok {
		return ErrNotFound
	}
	delete(d.registrations, id)
	d.breakers.Remove(id)
	return nil
}

func (d *Dispatcher) matching(topic string) []*registrationEntry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []*registrationEntry
	for _, entry := range d.registrations {
		if event.MatchTopic(entry.reg.TopicPattern, topic) {
			out = append(out, entry)
		}
	}
	return out
}

func (d *Dispatcher) breakerFor(entry *registrationEntry) *circuitWrapper {
	if w, ok := d.breakers.Get(entry.reg.ID); ok {
		return w
	}
	d.mu.RLock()
	policy := d.circuitPolicy
	d.mu.RUnlock()
	w := newCircuitWrapper(entry.reg.ID, policy)
	d.breakers.Add(entry.reg.ID, w)
	return w
}

// Dispatch delivers ev to every Registration whose pattern matches its
// topic, concurrently (errgroup fan-out, one registration's failure never
// blocks another's delivery).
func (d *Dispatcher) Dispatch(ctx context.Context, ev *event.Event) {
	if d.admit != nil && !d.admit(ev) {
		return
	}
	entries := d.matching(ev.Topic)
	if len(entries) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, entry := range entries {
		entry := entry
		g.Go(func() error {
			d.deliverOne(gctx, entry, ev)
			return nil
		})
	}
	_ = g.Wait()
}

func (d *Dispatcher) deliverOne(ctx context.Context, entry *registrationEntry, ev *event.Event) {
	reg := entry.reg
	id := deliveryID(ev.Sequence, reg.ID)
	if _, seen := d.sent.Get(id); seen {
		return
	}

	breaker := d.breakerFor(entry)

	overall, cancel := context.WithTimeout(ctx, d.overallDeadline)
	defer cancel()

	for attempt := 1; attempt <= reg.Retry.MaxAttempts; attempt++ {
		if overall.Err() != nil {
			d.finish(entry, ev, "DeadlineExceeded")
			return
		}

		atomic.AddUint64(&entry.sent, 1)
		err := breaker.Execute(func() error {
			return d.attempt(overall, reg, ev, id, attempt)
		})

		if err == nil {
			atomic.AddUint64(&entry.succeeded, 1)
			d.sent.Add(id, struct{}{})
			d.sink.Emit(lifecycle.WebhookSent, map[string]any{
				"registrationId": reg.ID,
				"topic":          ev.Topic,
				"sequence":       ev.Sequence,
				"attempt":        attempt,
			})
			return
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			d.finish(entry, ev, "CircuitOpen")
			return
		}

		var nonRetriable *errNonRetriable
		if errors.As(err, &nonRetriable) {
			d.finish(entry, ev, "ClientError")
			return
		}

		atomic.AddUint64(&entry.failed, 1)
		d.sink.Emit(lifecycle.WebhookFailed, map[string]any{
			"registrationId": reg.ID,
			"topic":          ev.Topic,
			"sequence":       ev.Sequence,
			"attempt":        attempt,
			"error":          err.Error(),
		})

		if attempt == reg.Retry.MaxAttempts {
			d.finish(entry, ev, "Exhausted")
			return
		}

		delay := backoffWithJitter(reg.Retry, attempt)
		select {
		case <-time.After(delay):
		case <-overall.Done():
			d.finish(entry, ev, "DeadlineExceeded")
			return
		}
	}
}

func (d *Dispatcher) finish(entry *registrationEntry, ev *event.Event, kind string) {
	atomic.AddUint64(&entry.dlqd, 1)
	d.dlq.Add(entry.reg.ID, kind, *ev)
	d.sink.Emit(lifecycle.WebhookDLQ, map[string]any{
		"registrationId": entry.reg.ID,
		"topic":          ev.Topic,
		"sequence":       ev.Sequence,
		"kind":           kind,
	})
}

// attempt performs one signed POST. Its error, when non-nil, is either an
// *errNonRetriable (definitive 4xx, must not trip the circuit) or a plain
// retriable error (5xx, 408/425/429, network failure).
func (d *Dispatcher) attempt(ctx context.Context, reg Registration, ev *event.Event, deliveryID string, attemptNo int) error {
	now := time.Now()
	body, err := json.Marshal(outboundBody{
		Sequence:   ev.Sequence,
		Topic:      ev.Topic,
		Payload:    ev.Payload,
		Timestamp:  now.UnixMilli(),
		DeliveryID: deliveryID,
	})
	if err != nil {
		return &errNonRetriable{cause: err}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, reg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, reg.EndpointURL, bytes.NewReader(body))
	if err != nil {
		return &errNonRetriable{cause: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Topic", ev.Topic)
	req.Header.Set("X-Sequence", fmt.Sprintf("%d", ev.Sequence))
	req.Header.Set("X-Delivery-Id", deliveryID)
	req.Header.Set("X-Signature", sign(reg.Secret, now.UnixMilli(), body))

	resp, err := d.client.Do(req)
	if err != nil {
		return err // network failure: retriable
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == 408 || resp.StatusCode == 425 || resp.StatusCode == 429:
		return fmt.Errorf("webhook: retriable status %d", resp.StatusCode)
	case resp.StatusCode >= 500:
		return fmt.Errorf("webhook: retriable status %d", resp.StatusCode)
	default:
		return &errNonRetriable{cause: fmt.Errorf("webhook: client error status %d", resp.StatusCode)}
	}
}

// backoffWithJitter computes min(base*2^(n-1), max) ± jitterPct.
func backoffWithJitter(policy RetryPolicy, attempt int) time.Duration {
	backoff := policy.BaseBackoff * time.Duration(1<<uint(attempt-1))
	if backoff > policy.MaxBackoff || backoff <= 0 {
		backoff = policy.MaxBackoff
	}
	if policy.JitterPct <= 0 {
		return backoff
	}
	jitter := float64(backoff) * policy.JitterPct
	delta := (rand.Float64()*2 - 1) * jitter
	result := time.Duration(float64(backoff) + delta)
	if result < 0 {
		result = 0
	}
	return result
}

// GetStats returns delivery counters for one registration.
func (d *Dispatcher) GetStats(id string) (Stats, error) {
	d.mu.RLock()
	entry, ok := d.registrations[id]
	d.mu.RUnlock()
	if !ok {
		return Stats{}, ErrNotFound
	}
	return d.statsFor(entry), nil
}

// ListStats returns delivery counters for every registration.
func (d *Dispatcher) ListStats() []Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Stats, 0, len(d.registrations))
	for _, entry := range d.registrations {
		out = append(out, d.statsFor(entry))
	}
	return out
}

func (d *Dispatcher) statsFor(entry *registrationEntry) Stats {
	state := "closed"
	if w, ok := d.breakers.Get(entry.reg.ID); ok {
		switch w.State() {
		case gobreaker.StateOpen:
			state = "open"
		case gobreaker.StateHalfOpen:
			state = "half-open"
		}
	}
	return Stats{
		RegistrationID: entry.reg.ID,
		Sent:           atomic.LoadUint64(&entry.sent),
		Succeeded:      atomic.LoadUint64(&entry.succeeded),
		Failed:         atomic.LoadUint64(&entry.failed),
		DLQd:           atomic.LoadUint64(&entry.dlqd),
		CircuitState:   state,
	}
}
