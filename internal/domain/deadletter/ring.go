// Package deadletter implements the shared dead-letter sink: a bounded ring
// of delivery failures keyed by (target, event sequence), used by both the
// Event Bus and the Webhook Dispatcher. All mutation goes through a single
// producer lock; readers get consistent snapshots via copy.
package deadletter

import (
	"fmt"
	"sync"
	"time"

	"github.com/relaycore/core/internal/domain/event"
)

// Entry records one terminal delivery failure.
type Entry struct {
	OriginalEvent event.Event
	Target        string // subscription id or webhook registration id
	ErrorKind     string
	AttemptCount  int
	FirstSeen     time.Time
	LastAttempt   time.Time
}

func key(target string, sequence uint64) string {
	return fmt.Sprintf("%s|%d", target, sequence)
}

// Ring is a fixed-capacity dead-letter store. All mutation goes through a
// single producer lock (Add); readers call Snapshot for a consistent,
// independently-mutable copy.
type Ring struct {
	mu       sync.Mutex
	entries  []Entry
	index    map[string]int // key -> slot in entries
	next     int
	count    int
	capacity int
}

// New constructs a Ring retaining at most capacity entries.
func New(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring{
		entries:  make([]Entry, capacity),
		index:    make(map[string]int),
		capacity: capacity,
	}
}

// Add records a failure. If an entry already exists for (target,
// event.Sequence), it is updated in place (attempt count incremented,
// last-attempt timestamp refreshed) rather than duplicated.
func (r *Ring) Add(target, errorKind string, ev event.Event) {
	k := key(target, ev.Sequence)
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if slot, ok := r.index[k]; ok {
		e := &r.entries[slot]
		e.AttemptCount++
		e.ErrorKind = errorKind
		e.LastAttempt = now
		return
	}

	if r.count == r.capacity {
		evictedKey := key(r.entries[r.next].Target, r.entries[r.next].OriginalEvent.Sequence)
		delete(r.index, evictedKey)
	} else {
		r.count++
	}

	r.entries[r.next] = Entry{
		OriginalEvent: ev,
		Target:        target,
		ErrorKind:     errorKind,
		AttemptCount:  1,
		FirstSeen:     now,
		LastAttempt:   now,
	}
	r.index[k] = r.next
	r.next = (r.next + 1) % r.capacity
}

// EvictOlderThan removes entries whose last attempt predates cutoff,
// returning how many were evicted. The surviving entries are compacted in
// retention order.
func (r *Ring) EvictOlderThan(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Once the ring has wrapped, the oldest entry sits at r.next.
	start := 0
	if r.count == r.capacity {
		start = r.next
	}
	survivors := make([]Entry, 0, r.count)
	for i := 0; i < r.count; i++ {
		e := r.entries[(start+i)%r.capacity]
		if e.LastAttempt.Before(cutoff) {
			continue
		}
		survivors = append(survivors, e)
	}
	evicted := r.count - len(survivors)
	if evicted == 0 {
		return 0
	}

	r.entries = make([]Entry, r.capacity)
	r.index = make(map[string]int, len(survivors))
	copy(r.entries, survivors)
	for i, e := range survivors {
		r.index[key(e.Target, e.OriginalEvent.Sequence)] = i
	}
	r.count = len(survivors)
	r.next = r.count % r.capacity
	return evicted
}

// Snapshot returns an independent copy of every retained entry.
func (r *Ring) Snapshot() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, r.count)
	for i := 0; i < r.count; i++ {
		out = append(out, r.entries[i])
	}
	return out
}

// CountsByKind tallies retained entries per ErrorKind, for Metrics &
// Telemetry's "dlq size per category".
func (r *Ring) CountsByKind() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[string]int)
	for i := 0; i < r.count; i++ {
		counts[r.entries[i].ErrorKind]++
	}
	return counts
}

// Len reports how many entries are currently retained.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}
