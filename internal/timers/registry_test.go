package timers

import (
	"sync/atomic"
	"testing"
	"time"

	logx "guardbot/pkg/logx"
)

func TestAfterFiresOnceAndRemovesItself(t *testing.T) {
	t.Parallel()
	r := New(logx.Nop())
	fired := make(chan struct{}, 2)
	r.After("once", 5*time.Millisecond, func() { fired <- struct{}{} })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatalf("timer did not fire")
	}
	time.Sleep(20 * time.Millisecond)
	if len(fired) != 0 {
		t.Fatalf("timer fired more than once")
	}
	if r.Len() != 0 {
		t.Fatalf("fired timer still tracked, len=%d", r.Len())
	}
}

func TestCancelPreventsFire(t *testing.T) {
	t.Parallel()
	r := New(logx.Nop())
	var n atomic.Int32
	h := r.After("x", 20*time.Millisecond, func() { n.Add(1) })
	if !h.Cancel() {
		t.Fatalf("Cancel should report pending timer")
	}
	if h.Cancel() {
		t.Fatalf("second Cancel should be a no-op")
	}
	time.Sleep(50 * time.Millisecond)
	if n.Load() != 0 {
		t.Fatalf("canceled timer fired")
	}
}

func TestCancelAllClosesRegistry(t *testing.T) {
	t.Parallel()
	r := New(logx.Nop())
	var n atomic.Int32
	for i := 0; i < 5; i++ {
		r.After("bulk", 30*time.Millisecond, func() { n.Add(1) })
	}
	if got := r.CancelAll(); got != 5 {
		t.Fatalf("CancelAll = %d, want 5", got)
	}
	h := r.After("late", time.Millisecond, func() { n.Add(1) })
	if h.Cancel() {
		t.Fatalf("handle from closed registry should be inert")
	}
	time.Sleep(60 * time.Millisecond)
	if n.Load() != 0 {
		t.Fatalf("timers fired after CancelAll: %d", n.Load())
	}
}

func TestPanicInCallbackIsContained(t *testing.T) {
	t.Parallel()
	r := New(logx.Nop())
	done := make(chan struct{})
	r.After("panics", time.Millisecond, func() { panic("boom") })
	r.After("ok", 10*time.Millisecond, func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("second timer did not fire")
	}
}

func TestSnapshotOrdered(t *testing.T) {
	t.Parallel()
	r := New(logx.Nop())
	defer r.CancelAll()
	r.After("late", time.Hour, func() {})
	r.After("soon", time.Minute, func() {})
	snap := r.Snapshot()
	if len(snap) != 2 || snap[0].Name != "soon" || snap[1].Name != "late" {
		t.Fatalf("snapshot = %+v", snap)
	}
}
