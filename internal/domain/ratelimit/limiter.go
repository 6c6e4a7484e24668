// Package ratelimit implements per-tenant token-bucket admission control for
// connect, publish, and webhook fan-out.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// Bucket identifies which admission gate a limiter guards.
type Bucket string

const (
	BucketConnect Bucket = "connect"
	BucketPublish Bucket = "publish"
	BucketWebhook Bucket = "webhook"
)

// Config controls the token-bucket rate and burst per Bucket kind.
type Config struct {
	RatePerSecond float64
	Burst         int
}

// DefaultConfig returns permissive defaults suitable for development.
func DefaultConfig() Config {
	return Config{RatePerSecond: 50, Burst: 100}
}

// Limiter grants or denies admission per (tenant, bucket) pair, backed by
// golang.org/x/time/rate token buckets created lazily on first use.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[string]*rate.Limiter
	configs  map[Bucket]Config
	fallback Config
}

// New creates a Limiter. cfg maps each Bucket kind to its own rate/burst;
// buckets absent from cfg fall back to DefaultConfig.
func New(cfg map[Bucket]Config) *Limiter {
	return &Limiter{
		buckets:  make(map[string]*rate.Limiter),
		configs:  cfg,
		fallback: DefaultConfig(),
	}
}

// Allow reports whether tenantID may proceed through bucket right now,
// consuming one token if so.
func (l *Limiter) Allow(tenantID string, bucket Bucket) bool {
	return l.get(tenantID, bucket).Allow()
}

func (l *Limiter) get(tenantID string, bucket Bucket) *rate.Limiter {
	key := string(bucket) + "|" + tenantID

	l.mu.Lock()
	defer l.mu.Unlock()

	if lim, ok := l.buckets[key]; ok {
		return lim
	}

	cfg, ok := l.configs[bucket]
	if !ok {
		cfg = l.fallback
	}
	lim := rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst)
	l.buckets[key] = lim
	return lim
}

// Reset discards all per-tenant bucket state, used when a tenant is removed.
func (l *Limiter) Reset(tenantID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, b := range []Bucket{BucketConnect, BucketPublish, BucketWebhook} {
		delete(l.buckets, string(b)+"|"+tenantID)
	}
}
