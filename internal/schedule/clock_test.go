package schedule

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestFakeAfterFuncRunsOnce(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	var n int
	c.AfterFunc(5*time.Second, func() { n++ })
	c.Advance(4 * time.Second)
	if n != 0 {
		t.Fatalf("fired early")
	}
	c.Advance(time.Second)
	c.Advance(time.Minute)
	if n != 1 {
		t.Fatalf("expected 1 run, got %d", n)
	}
	if c.Pending() != 0 {
		t.Fatalf("expected no pending timers")
	}
}

func TestFakeEveryAndStop(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	var n int
	tm := c.Every(time.Second, func() { n++ })
	c.Advance(3500 * time.Millisecond)
	if n != 3 {
		t.Fatalf("expected 3 ticks, got %d", n)
	}
	if !tm.Stop() {
		t.Fatalf("expected Stop to report pending timer")
	}
	if tm.Stop() {
		t.Fatalf("second Stop should report false")
	}
	c.Advance(10 * time.Second)
	if n != 3 {
		t.Fatalf("ticks after stop: %d", n)
	}
}

func TestFakeOrderAndNowDuringCallback(t *testing.T) {
	start := time.Unix(100, 0)
	c := NewFake(start)
	var order []string
	c.AfterFunc(2*time.Second, func() {
		order = append(order, "b")
		if got := c.Now().Sub(start); got != 2*time.Second {
			t.Errorf("now inside callback = %v", got)
		}
	})
	c.AfterFunc(time.Second, func() {
		order = append(order, "a")
		c.AfterFunc(500*time.Millisecond, func() { order = append(order, "a2") })
	})
	c.Advance(5 * time.Second)
	want := []string{"a", "a2", "b"}
	if len(order) != len(want) {
		t.Fatalf("order = %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestRealEveryStops(t *testing.T) {
	var n atomic.Int32
	tm := Real{}.Every(5*time.Millisecond, func() { n.Add(1) })
	time.Sleep(30 * time.Millisecond)
	tm.Stop()
	seen := n.Load()
	if seen == 0 {
		t.Fatalf("expected at least one tick")
	}
	time.Sleep(20 * time.Millisecond)
	if n.Load() > seen+1 {
		t.Fatalf("ticks continued after Stop")
	}
}
