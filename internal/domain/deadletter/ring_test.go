package deadletter

import (
	"testing"
	"time"

	"github.com/relaycore/core/internal/domain/event"
)

func TestAddDeduplicatesByTargetAndSequence(t *testing.T) {
	r := New(10)
	ev := event.New("x.y", []byte("p"), "application/octet-stream")
	ev.Sequence = 5

	r.Add("sub-1", "HandlerError", *ev)
	r.Add("sub-1", "HandlerError", *ev)

	if r.Len() != 1 {
		t.Fatalf("len = %d, want 1 (second Add should update, not duplicate)", r.Len())
	}
	snap := r.Snapshot()
	if snap[0].AttemptCount != 2 {
		t.Fatalf("attempt count = %d, want 2", snap[0].AttemptCount)
	}
}

func TestAddEvictsOldestOnOverflow(t *testing.T) {
	r := New(2)
	for i := uint64(1); i <= 3; i++ {
		ev := event.New("x", []byte("p"), "text/plain")
		ev.Sequence = i
		r.Add("sub-1", "Exhausted", *ev)
	}
	if r.Len() != 2 {
		t.Fatalf("len = %d, want 2", r.Len())
	}
	for _, e := range r.Snapshot() {
		if e.OriginalEvent.Sequence == 1 {
			t.Fatalf("sequence 1 should have been evicted")
		}
	}
}

func TestEvictOlderThanRemovesAgedEntries(t *testing.T) {
	r := New(10)
	e1 := event.New("x", []byte("p"), "text/plain")
	e1.Sequence = 1
	r.Add("sub-1", "Exhausted", *e1)

	evicted := r.EvictOlderThan(time.Now().Add(time.Minute))
	if evicted != 1 {
		t.Fatalf("evicted = %d, want 1", evicted)
	}
	if r.Len() != 0 {
		t.Fatalf("len = %d, want 0 after age sweep", r.Len())
	}

	e2 := event.New("x", []byte("p"), "text/plain")
	e2.Sequence = 2
	r.Add("sub-1", "Exhausted", *e2)
	if r.EvictOlderThan(time.Now().Add(-time.Minute)) != 0 {
		t.Fatalf("fresh entry must survive the sweep")
	}
	if r.Len() != 1 {
		t.Fatalf("len = %d, want 1", r.Len())
	}
}

func TestCountsByKindTallies(t *testing.T) {
	r := New(10)
	e1 := event.New("x", []byte("p"), "text/plain")
	e1.Sequence = 1
	e2 := event.New("x", []byte("p"), "text/plain")
	e2.Sequence = 2
	r.Add("sub-1", "Exhausted", *e1)
	r.Add("sub-2", "CircuitOpen", *e2)

	counts := r.CountsByKind()
	if counts["Exhausted"] != 1 || counts["CircuitOpen"] != 1 {
		t.Fatalf("counts = %+v", counts)
	}
}
