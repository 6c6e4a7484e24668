package event

import "testing"

func TestMatchTopic(t *testing.T) {
	cases := []struct {
		pattern, topic string
		want           bool
	}{
		{"a.b.c", "a.b.c", true},
		{"a.b.c", "a.b.d", false},
		{"a.b.*", "a.b.c", true},
		{"a.b.*", "a.b.c.d", true},
		{"a.b.*", "a.c.d", false},
		{"a.*.c", "a.b.c", true},
		{"a.*.c", "a.b.d", false},
		{"a.*.c", "a.b.c.d", false},
	}
	for _, c := range cases {
		if got := MatchTopic(c.pattern, c.topic); got != c.want {
			t.Errorf("MatchTopic(%q, %q) = %v, want %v", c.pattern, c.topic, got, c.want)
		}
	}
}

func TestHopCountRoundTrip(t *testing.T) {
	e := New("x.y", []byte("p"), "application/octet-stream")
	if e.HopCount() != 0 {
		t.Fatalf("fresh event hop count = %d, want 0", e.HopCount())
	}
	e2 := e.WithIncrementedHop().WithIncrementedHop()
	if e2.HopCount() != 2 {
		t.Fatalf("hop count after two increments = %d, want 2", e2.HopCount())
	}
	if e.HopCount() != 0 {
		t.Fatalf("original event mutated, hop count = %d, want 0", e.HopCount())
	}
}
