package webhook

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// errNonRetriable marks a dispatch outcome that must not count toward the
// circuit's trip ratio. Only 5xx/network/timeout failures trip the breaker;
// a definitive 4xx client error says nothing about endpoint health.
type errNonRetriable struct{ cause error }

func (e *errNonRetriable) Error() string { return e.cause.Error() }
func (e *errNonRetriable) Unwrap() error { return e.cause }

// circuitWrapper owns one gobreaker.CircuitBreaker per registration and
// layers on cooldown escalation, which gobreaker's fixed-Timeout Settings
// cannot express on its own: a half-open probe failure rebuilds the breaker
// with a doubled cooldown (capped at maxCooldown); a clean close resets it
// to the base.
type circuitWrapper struct {
	mu              sync.Mutex
	policy          CircuitPolicy
	name            string
	cb              *gobreaker.CircuitBreaker
	currentCooldown time.Duration
}

func newCircuitWrapper(name string, policy CircuitPolicy) *circuitWrapper {
	w := &circuitWrapper{
		policy:          policy,
		name:            name,
		currentCooldown: time.Duration(policy.CooldownMs) * time.Millisecond,
	}
	w.cb = w.build()
	return w
}

// build constructs a fresh breaker from the wrapper's current policy and
// cooldown. Callers must hold w.mu if currentCooldown may be concurrently
// mutated; the constructor call and OnStateChange's escalation path both
// satisfy that.
func (w *circuitWrapper) build() *gobreaker.CircuitBreaker {
	threshold := w.policy.ErrorRatePct / 100
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        w.name,
		MaxRequests: 1, // single probe admitted while half-open
		Interval:    time.Duration(w.policy.WindowMs) * time.Millisecond,
		Timeout:     w.currentCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if int(counts.Requests) < w.policy.MinSamples {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= threshold
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var nonRetriable *errNonRetriable
			return errors.As(err, &nonRetriable)
		},
		OnStateChange: func(_ string, from gobreaker.State, to gobreaker.State) {
			w.mu.Lock()
			defer w.mu.Unlock()
			switch {
			case from == gobreaker.StateHalfOpen && to == gobreaker.StateOpen:
				w.currentCooldown *= 2
				if max := time.Duration(w.policy.MaxCooldownMs) * time.Millisecond; w.currentCooldown > max {
					w.currentCooldown = max
				}
				w.cb = w.build()
			case to == gobreaker.StateClosed:
				w.currentCooldown = time.Duration(w.policy.CooldownMs) * time.Millisecond
				w.cb = w.build()
			}
		},
	})
}

// Execute runs fn under the breaker, returning gobreaker.ErrOpenState
// immediately (without calling fn) when the circuit is open or the
// cool-down has not elapsed.
func (w *circuitWrapper) Execute(fn func() error) error {
	w.mu.Lock()
	cb := w.cb
	w.mu.Unlock()
	_, err := cb.Execute(func() (any, error) {
		return nil, fn()
	})
	return err
}

// State reports the current circuit state for Stats.
func (w *circuitWrapper) State() gobreaker.State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cb.State()
}
