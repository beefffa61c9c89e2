package moderation

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestCooldownArmAndExpire(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	s := NewCooldownStore(clk.Now)

	s.Arm("u1", 60*time.Second)
	clk.Advance(10 * time.Second)
	rem, ok := s.IsActive("u1")
	if !ok || rem != 50*time.Second {
		t.Fatalf("IsActive = %v,%v want 50s,true", rem, ok)
	}

	clk.Advance(51 * time.Second)
	if _, ok := s.IsActive("u1"); ok {
		t.Fatalf("cooldown should have expired")
	}
	if s.Len() != 0 {
		t.Fatalf("stale record should be removed on lookup, len=%d", s.Len())
	}
}

func TestCooldownExactExpiryIsInactive(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	s := NewCooldownStore(clk.Now)
	s.Arm("u", time.Second)
	clk.Advance(time.Second)
	if _, ok := s.IsActive("u"); ok {
		t.Fatalf("expiry instant must count as expired")
	}
}

func TestCooldownArmOverwrites(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	s := NewCooldownStore(clk.Now)
	s.Arm("u", time.Hour)
	s.Arm("u", time.Second)
	rem, _ := s.IsActive("u")
	if rem != time.Second {
		t.Fatalf("re-arm should overwrite, remaining=%v", rem)
	}
	s.ArmAt("u", clk.Now().Add(5*time.Minute))
	rem, _ = s.IsActive("u")
	if rem != 5*time.Minute {
		t.Fatalf("ArmAt should overwrite, remaining=%v", rem)
	}
}

func TestCooldownReleaseAbsentIsNoop(t *testing.T) {
	t.Parallel()
	s := NewCooldownStore(nil)
	if s.Release("ghost") {
		t.Fatalf("Release of absent user should report false")
	}
	s.Arm("u", time.Minute)
	if !s.Release("u") {
		t.Fatalf("Release should report existing record")
	}
	if _, ok := s.IsActive("u"); ok {
		t.Fatalf("released user still active")
	}
}

func TestCooldownActiveLeavesStaleRecords(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	s := NewCooldownStore(clk.Now)
	s.Arm("a", 10*time.Second)
	s.Arm("b", 30*time.Second)
	s.Arm("c", 20*time.Second)
	clk.Advance(15 * time.Second)

	snap := s.Snapshot()
	if len(snap) != 2 || snap[0].UserID != "c" || snap[1].UserID != "b" {
		t.Fatalf("snapshot = %+v", snap)
	}
	if n := s.Active(); n != 2 {
		t.Fatalf("Active = %d, want 2", n)
	}
	if s.Len() != 3 {
		t.Fatalf("expired record must stay until looked up, len=%d", s.Len())
	}
	if _, ok := s.remaining("a"); ok || s.Len() != 3 {
		t.Fatalf("remaining must not delete, len=%d", s.Len())
	}
	if _, ok := s.IsActive("a"); ok || s.Len() != 2 {
		t.Fatalf("lookup should drop the stale record, len=%d", s.Len())
	}
}

func TestCooldownConcurrentAccess(t *testing.T) {
	t.Parallel()
	s := NewCooldownStore(nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				s.Arm("shared", time.Minute)
				s.IsActive("shared")
				s.Release("shared")
			}
		}()
	}
	wg.Wait()
}
