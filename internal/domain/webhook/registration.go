// Package webhook implements the Webhook Dispatcher: HMAC-signed outbound
// HTTP delivery with exponential-backoff retry, per-registration circuit
// breaking, and a dead-letter hand-off shared with the Event Bus.
package webhook

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("webhook: registration not found")

// RetryPolicy controls exponential-backoff-with-jitter retry.
type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	JitterPct   float64 // e.g. 0.2 for ±20%
}

// DefaultRetryPolicy returns the stock retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseBackoff: time.Second,
		MaxBackoff:  30 * time.Second,
		JitterPct:   0.2,
	}
}

// CircuitPolicy controls the per-registration breaker.
type CircuitPolicy struct {
	WindowMs      int64
	MinSamples    int
	ErrorRatePct  float64
	CooldownMs    int64
	MaxCooldownMs int64
}

// DefaultCircuitPolicy returns the stock breaker policy.
func DefaultCircuitPolicy() CircuitPolicy {
	return CircuitPolicy{
		WindowMs:      30_000,
		MinSamples:    10,
		ErrorRatePct:  50,
		CooldownMs:    60_000,
		MaxCooldownMs: 600_000,
	}
}

// Registration is a registered outbound webhook endpoint.
type Registration struct {
	ID           string
	EndpointURL  string
	TopicPattern string
	Secret       string
	Retry        RetryPolicy
	Timeout      time.Duration
}
