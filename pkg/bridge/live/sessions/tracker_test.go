package sessions

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestTracker_RegisterUnregister_CountAndWait(t *testing.T) {
	tr := NewTracker()
	if tr.Count() != 0 {
		t.Fatalf("initial count=%d, want 0", tr.Count())
	}

	u1 := tr.Register("a1", Handle{})
	u2 := tr.Register("a2", Handle{})
	if tr.Count() != 2 {
		t.Fatalf("count=%d, want 2", tr.Count())
	}
	if tr.Oldest() <= 0 {
		t.Fatalf("oldest=%v, want > 0", tr.Oldest())
	}

	u1()
	u1()
	if tr.Count() != 1 {
		t.Fatalf("count=%d, want 1", tr.Count())
	}

	u2()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if ok := tr.Wait(ctx); !ok {
		t.Fatalf("expected Wait to return true")
	}
	if tr.Oldest() != 0 {
		t.Fatalf("oldest=%v, want 0", tr.Oldest())
	}
}

func TestTracker_ReRegisterReleasesOldEntry(t *testing.T) {
	tr := NewTracker()
	uOld := tr.Register("a1", Handle{})
	uNew := tr.Register("a1", Handle{})
	if tr.Count() != 1 {
		t.Fatalf("count=%d, want 1", tr.Count())
	}

	uOld()
	if tr.Count() != 1 {
		t.Fatalf("stale unregister removed the new entry")
	}
	uNew()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if !tr.Wait(ctx) {
		t.Fatalf("wait slots leaked")
	}
}

func TestTracker_WaitTimesOut(t *testing.T) {
	tr := NewTracker()
	tr.Register("a1", Handle{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if tr.Wait(ctx) {
		t.Fatalf("expected Wait to time out")
	}
}

func TestTracker_CancelAll_CallsCancel(t *testing.T) {
	tr := NewTracker()
	var c1, c2 atomic.Int64
	tr.Register("a1", Handle{Cancel: func() { c1.Add(1) }})
	tr.Register("a2", Handle{Cancel: func() { c2.Add(1) }})
	tr.Register("a3", Handle{})

	if n := tr.CancelAll(); n != 2 {
		t.Fatalf("canceled=%d, want 2", n)
	}
	if c1.Load() != 1 || c2.Load() != 1 {
		t.Fatalf("cancel calls=%d/%d, want 1/1", c1.Load(), c2.Load())
	}
}

func TestTracker_DisconnectAll(t *testing.T) {
	tr := NewTracker()
	var mu sync.Mutex
	var got []string
	record := func(reason, info string) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, reason+":"+info)
	}
	tr.Register("a1", Handle{Disconnect: record})
	tr.Register("a2", Handle{Disconnect: record})

	// A handle that unregisters itself while being disconnected must not
	// deadlock the tracker.
	var unregister func()
	unregister = tr.Register("a3", Handle{Disconnect: func(reason, info string) {
		record(reason, info)
		unregister()
	}})

	if sent := tr.DisconnectAll("completed", "Server shutting down"); sent != 3 {
		t.Fatalf("sent=%d, want 3", sent)
	}
	if len(got) != 3 || got[0] != "completed:Server shutting down" {
		t.Fatalf("disconnects=%v", got)
	}
	if tr.Count() != 2 {
		t.Fatalf("count=%d, want 2", tr.Count())
	}
}

func TestTracker_NilIsSafe(t *testing.T) {
	var tr *Tracker
	tr.Register("a1", Handle{})()
	if tr.Count() != 0 || tr.CancelAll() != 0 || tr.DisconnectAll("x", "y") != 0 {
		t.Fatalf("nil tracker should be inert")
	}
	if !tr.Wait(context.Background()) {
		t.Fatalf("nil tracker Wait should return true")
	}
}
