package hlc

import (
	"math"
	"math/rand"
	"testing"
)

type fakeWall struct {
	now int64
}

func (f *fakeWall) read() int64 { return f.now }

func newTestClock(nodeID string, start int64) (*Clock, *fakeWall) {
	wall := &fakeWall{now: start}
	return New(nodeID, WithWallClock(wall.read)), wall
}

func TestHLC_NowSameMillisecond(t *testing.T) {
	clock, _ := newTestClock("A", 1000)

	t1 := clock.Now()
	t2 := clock.Now()

	if t1 != (Timestamp{Time: 1000, Counter: 0, NodeID: "A"}) {
		t.Fatalf("unexpected first timestamp: %v", t1)
	}
	if t2 != (Timestamp{Time: 1000, Counter: 1, NodeID: "A"}) {
		t.Fatalf("unexpected second timestamp: %v", t2)
	}
}

func TestHLC_NowWallAdvanceResetsCounter(t *testing.T) {
	clock, wall := newTestClock("A", 1000)
	clock.Now()
	clock.Now()

	wall.now = 1001
	ts := clock.Now()
	if ts.Time != 1001 || ts.Counter != 0 {
		t.Fatalf("expected counter reset on wall advance, got %v", ts)
	}
}

func TestHLC_NowWallGoesBackwards(t *testing.T) {
	clock, wall := newTestClock("A", 5000)
	t1 := clock.Now()

	wall.now = 10
	t2 := clock.Now()
	if Compare(t2, t1) <= 0 {
		t.Fatalf("时钟非单调递增: t1=%v, t2=%v", t1, t2)
	}
	if t2.Time != 5000 {
		t.Fatalf("physical part must not regress, got %v", t2)
	}
}

func TestHLC_ReceiveRules(t *testing.T) {
	tests := []struct {
		name    string
		wall    int64
		remote  Timestamp
		want    Timestamp
		prepare func(c *Clock, w *fakeWall)
	}{
		{
			name:   "all equal takes max counter plus one",
			wall:   1000,
			remote: Timestamp{Time: 1000, Counter: 7, NodeID: "B"},
			prepare: func(c *Clock, w *fakeWall) {
				c.Now() // 1000.0
				c.Now() // 1000.1
			},
			want: Timestamp{Time: 1000, Counter: 8, NodeID: "A"},
		},
		{
			name:   "local ahead increments local counter",
			wall:   1000,
			remote: Timestamp{Time: 900, Counter: 50, NodeID: "B"},
			prepare: func(c *Clock, w *fakeWall) {
				w.now = 2000
				c.Now() // 2000.0
				w.now = 1000
			},
			want: Timestamp{Time: 2000, Counter: 1, NodeID: "A"},
		},
		{
			name:   "remote ahead adopts remote counter plus one",
			wall:   1000,
			remote: Timestamp{Time: 3000, Counter: 4, NodeID: "B"},
			prepare: func(c *Clock, w *fakeWall) {
				c.Now()
			},
			want: Timestamp{Time: 3000, Counter: 5, NodeID: "A"},
		},
		{
			name:   "wall ahead resets counter",
			wall:   9000,
			remote: Timestamp{Time: 3000, Counter: 4, NodeID: "B"},
			prepare: func(c *Clock, w *fakeWall) {
				w.now = 1000
				c.Now()
				w.now = 9000
			},
			want: Timestamp{Time: 9000, Counter: 0, NodeID: "A"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock, wall := newTestClock("A", tt.wall)
			tt.prepare(clock, wall)

			got := clock.Receive(tt.remote)
			if got != tt.want {
				t.Fatalf("Receive(%v) = %v, want %v", tt.remote, got, tt.want)
			}
		})
	}
}

func TestHLC_Causality(t *testing.T) {
	clockA, _ := newTestClock("A", 1000)
	clockB, _ := newTestClock("B", 500)

	tsA := clockA.Now()
	clockB.Receive(tsA)
	tsB := clockB.Now()

	if Compare(tsB, tsA) <= 0 {
		t.Errorf("违反因果关系: tsB (%v) <= tsA (%v)", tsB, tsA)
	}
}

func TestHLC_MonotonicUnderRandomInterleaving(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	clock, wall := newTestClock("A", 1000)

	prev := clock.Now()
	for i := 0; i < 5000; i++ {
		wall.now += int64(rng.Intn(3)) - 1
		var ts Timestamp
		if rng.Intn(2) == 0 {
			ts = clock.Now()
		} else {
			remote := Timestamp{
				Time:    wall.now + int64(rng.Intn(200)) - 100,
				Counter: uint32(rng.Intn(10)),
				NodeID:  "B",
			}
			ts = clock.Receive(remote)
		}
		if Compare(ts, prev) <= 0 {
			t.Fatalf("step %d: %v not greater than %v", i, ts, prev)
		}
		prev = ts
	}
}

func TestCompare_TotalOrder(t *testing.T) {
	base := Timestamp{Time: 1000, Counter: 0, NodeID: "b"}

	if Compare(base, base) != 0 {
		t.Fatal("timestamp must equal itself")
	}
	if Compare(Timestamp{Time: 1001, NodeID: "a"}, base) != 1 {
		t.Fatal("time dominates")
	}
	if Compare(Timestamp{Time: 1000, Counter: 1, NodeID: "a"}, base) != 1 {
		t.Fatal("counter breaks time ties")
	}
	if Compare(Timestamp{Time: 1000, Counter: 0, NodeID: "z"}, base) != 1 {
		t.Fatal("node id breaks counter ties")
	}
	if !base.Less(Timestamp{Time: 1000, Counter: 0, NodeID: "c"}) {
		t.Fatal("Less should agree with Compare")
	}
}

func TestClock_LastDoesNotAdvance(t *testing.T) {
	clock, _ := newTestClock("A", 1000)
	ts := clock.Now()

	if got := clock.Last(); got != ts {
		t.Fatalf("Last() = %v, want %v", got, ts)
	}
	if got := clock.Last(); got != ts {
		t.Fatalf("Last() advanced the clock: %v", got)
	}
	if !(Timestamp{}).IsZero() || ts.IsZero() {
		t.Fatal("IsZero mismatch")
	}
}

func TestHLC_CounterOverflowCarries(t *testing.T) {
	t.Run("receive", func(t *testing.T) {
		clock, _ := newTestClock("a", 1000)
		first := clock.Now()

		remote := Timestamp{Time: 1000, Counter: math.MaxUint32, NodeID: "b"}
		got := clock.Receive(remote)
		if Compare(got, first) <= 0 || Compare(got, remote) <= 0 {
			t.Fatalf("Receive(%v) = %v, must exceed %v and the remote", remote, got, first)
		}
		if got != (Timestamp{Time: 1001, Counter: 0, NodeID: "a"}) {
			t.Fatalf("expected carry into physical time, got %v", got)
		}
	})

	t.Run("remote ahead", func(t *testing.T) {
		clock, _ := newTestClock("a", 1000)
		remote := Timestamp{Time: 5000, Counter: math.MaxUint32, NodeID: "b"}
		if got := clock.Receive(remote); got != (Timestamp{Time: 5001, Counter: 0, NodeID: "a"}) {
			t.Fatalf("Receive(%v) = %v", remote, got)
		}
	})

	t.Run("now", func(t *testing.T) {
		clock, _ := newTestClock("a", 1000)
		clock.Receive(Timestamp{Time: 1000, Counter: math.MaxUint32 - 1, NodeID: "b"})
		prev := clock.Last()
		if prev.Counter != math.MaxUint32 {
			t.Fatalf("setup: counter = %d", prev.Counter)
		}

		got := clock.Now()
		if Compare(got, prev) <= 0 || got.Time != 1001 || got.Counter != 0 {
			t.Fatalf("Now() after %v = %v, want 1001.0", prev, got)
		}
	})
}
