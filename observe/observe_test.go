package observe

import (
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, d time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func TestWatch_CoalescesBurst(t *testing.T) {
	var feed Feed
	var calls atomic.Int32
	sub := Watch(&feed, Options{
		Window:   30 * time.Millisecond,
		Callback: func() { calls.Add(1) },
	})
	defer sub.Cancel()

	for range 25 {
		feed.Publish(Batch{Added: []Node{{Tag: "div"}}})
	}

	if !waitFor(t, time.Second, func() bool { return calls.Load() > 0 }) {
		t.Fatal("callback never fired")
	}
	time.Sleep(80 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Fatalf("callback fired %d times, want 1", got)
	}
}

func TestWatch_NeverSynchronous(t *testing.T) {
	var feed Feed
	var calls atomic.Int32
	sub := Watch(&feed, Options{
		Window:   20 * time.Millisecond,
		Callback: func() { calls.Add(1) },
	})
	defer sub.Cancel()

	feed.Publish(Batch{})
	if calls.Load() != 0 {
		t.Fatal("callback ran inside Publish")
	}
	if !sub.Pending() {
		t.Fatal("expected pending callback")
	}
}

func TestWatch_PredicateFilters(t *testing.T) {
	var feed Feed
	var calls atomic.Int32
	sub := Watch(&feed, Options{
		Window:    10 * time.Millisecond,
		Predicate: AnyWatched("YTD-VIDEO-RENDERER"),
		Callback:  func() { calls.Add(1) },
	})
	defer sub.Cancel()

	feed.Publish(Batch{Added: []Node{{Tag: "span"}}})
	time.Sleep(40 * time.Millisecond)
	if calls.Load() != 0 {
		t.Fatal("non-qualifying batch fired the callback")
	}

	feed.Publish(Batch{Added: []Node{{Tag: "ytd-video-renderer"}}})
	if !waitFor(t, time.Second, func() bool { return calls.Load() == 1 }) {
		t.Fatalf("qualifying batch: calls = %d, want 1", calls.Load())
	}

	feed.Publish(Batch{Added: []Node{{Tag: "p", Watched: true}}})
	if !waitFor(t, time.Second, func() bool { return calls.Load() == 2 }) {
		t.Fatalf("watched node: calls = %d, want 2", calls.Load())
	}
}

func TestWatch_CancelDropsPending(t *testing.T) {
	var feed Feed
	var calls atomic.Int32
	sub := Watch(&feed, Options{
		Window:   20 * time.Millisecond,
		Callback: func() { calls.Add(1) },
	})

	feed.Publish(Batch{})
	sub.Cancel()
	if feed.Len() != 0 {
		t.Fatal("subscription still attached after Cancel")
	}
	time.Sleep(60 * time.Millisecond)
	if calls.Load() != 0 {
		t.Fatal("callback fired after Cancel")
	}
	sub.Cancel() // idempotent
}

func TestDebouncer_Flush(t *testing.T) {
	var calls atomic.Int32
	d := NewDebouncer(time.Hour, func() { calls.Add(1) })

	if d.Flush() {
		t.Fatal("Flush with nothing pending reported true")
	}
	d.Trigger()
	d.Trigger()
	if !d.Flush() {
		t.Fatal("Flush did not run pending callback")
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
	if d.Pending() {
		t.Fatal("still pending after Flush")
	}
}

func TestDebouncer_StopDisablesTrigger(t *testing.T) {
	var calls atomic.Int32
	d := NewDebouncer(10*time.Millisecond, func() { calls.Add(1) })
	d.Stop()
	d.Trigger()
	time.Sleep(40 * time.Millisecond)
	if calls.Load() != 0 {
		t.Fatal("stopped debouncer fired")
	}
}

func TestDebouncer_CancelKeepsUsable(t *testing.T) {
	var calls atomic.Int32
	d := NewDebouncer(10*time.Millisecond, func() { calls.Add(1) })
	d.Trigger()
	d.Cancel()
	time.Sleep(30 * time.Millisecond)
	if calls.Load() != 0 {
		t.Fatal("cancelled trigger fired")
	}
	d.Trigger()
	if !waitFor(t, time.Second, func() bool { return calls.Load() == 1 }) {
		t.Fatal("debouncer unusable after Cancel")
	}
}
