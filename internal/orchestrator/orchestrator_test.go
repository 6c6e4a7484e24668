package orchestrator

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestStartIsIdempotentWhenRunning(t *testing.T) {
	o := New()
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("second start should be a no-op, got %v", err)
	}
	if o.State() != StateRunning {
		t.Fatalf("state = %s, want running", o.State())
	}
}

func TestStopDrainsThenClosesThenStops(t *testing.T) {
	var drained, closed int32
	o := New(
		WithDrain(func(ctx context.Context) error {
			atomic.AddInt32(&drained, 1)
			return nil
		}),
		WithCloseAll(func() {
			atomic.AddInt32(&closed, 1)
		}),
	)
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := o.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if atomic.LoadInt32(&drained) != 1 {
		t.Fatalf("drain not invoked")
	}
	if atomic.LoadInt32(&closed) != 1 {
		t.Fatalf("closeAll not invoked")
	}
	if o.State() != StateStopped {
		t.Fatalf("state = %s, want stopped", o.State())
	}
}

func TestStopWithoutStartReturnsErrNotStarted(t *testing.T) {
	o := New()
	if err := o.Stop(context.Background()); err != ErrNotStarted {
		t.Fatalf("err = %v, want ErrNotStarted", err)
	}
}

func TestDrainingRejectsNewAdmission(t *testing.T) {
	var o *Orchestrator
	o = New(WithDrain(func(ctx context.Context) error {
		if !o.Draining() {
			t.Errorf("expected Draining() true while draining")
		}
		return nil
	}))
	_ = o.Start(context.Background())
	_ = o.Stop(context.Background())
	if o.Draining() {
		t.Fatalf("Draining() should be false once stopped")
	}
}

func TestCooperativeTaskStopsOnDestroy(t *testing.T) {
	var ticks int32
	o := New(WithTask(Task{
		Name:     "test",
		Interval: time.Millisecond,
		Run:      func(ctx context.Context) { atomic.AddInt32(&ticks, 1) },
	}))
	_ = o.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	o.Destroy()
	seenAtDestroy := atomic.LoadInt32(&ticks)
	time.Sleep(20 * time.Millisecond)
	if atomic.LoadInt32(&ticks) != seenAtDestroy {
		t.Fatalf("task kept ticking after Destroy")
	}
	if seenAtDestroy == 0 {
		t.Fatalf("task never ran before Destroy")
	}
}

func TestDestroyAfterDestroyIsIdempotent(t *testing.T) {
	o := New()
	_ = o.Start(context.Background())
	o.Destroy()
	o.Destroy()
}

func TestStartAfterDestroyFails(t *testing.T) {
	o := New()
	o.Destroy()
	if err := o.Start(context.Background()); err != ErrDestroyed {
		t.Fatalf("err = %v, want ErrDestroyed", err)
	}
}
