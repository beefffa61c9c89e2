package broadcast

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"guardbot/internal/render"
	"guardbot/internal/retract"
	"guardbot/internal/timers"
	"guardbot/internal/transport"
	logx "guardbot/pkg/logx"
)

type fakeSender struct {
	mu     sync.Mutex
	order  []int64
	failOn map[int64]bool
	gate   chan struct{} // when set, every send waits for a token
	nextID int
}

func (s *fakeSender) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return transport.MessageRef{}, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOn[to.ChatID] {
		return transport.MessageRef{}, errors.New("bot was blocked by the user")
	}
	s.order = append(s.order, to.ChatID)
	s.nextID++
	return transport.MessageRef{ChatID: to.ChatID, MessageID: s.nextID, SentAt: time.Now()}, nil
}

func (s *fakeSender) SendImage(ctx context.Context, to transport.ChatTarget, img transport.Image, opt *transport.SendOptions) (transport.MessageRef, error) {
	return s.SendText(ctx, to, img.Name, opt)
}

func (s *fakeSender) sent() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.order...)
}

type fakeDir struct {
	private []transport.Recipient
	groups  []transport.Recipient
	err     error
}

func (d fakeDir) PrivateChats(context.Context) ([]transport.Recipient, error) {
	return d.private, d.err
}
func (d fakeDir) GroupChats(context.Context) ([]transport.Recipient, error) { return d.groups, nil }

type nopDeleter struct{}

func (nopDeleter) Delete(context.Context, transport.MessageRef) error { return nil }

func users(ids ...int64) []transport.Recipient {
	out := make([]transport.Recipient, 0, len(ids))
	for _, id := range ids {
		out = append(out, transport.Recipient{ChatID: id, Kind: transport.ChatPrivate})
	}
	return out
}

func TestNextOccurrence(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("UTC+8", 8*3600)
	base := time.Date(2024, 5, 10, 9, 30, 0, 0, loc)
	cases := []struct {
		name   string
		hh, mm int
		want   time.Time
	}{
		{"later today", 12, 0, time.Date(2024, 5, 10, 12, 0, 0, 0, loc)},
		{"already passed", 8, 0, time.Date(2024, 5, 11, 8, 0, 0, 0, loc)},
		{"exactly now", 9, 30, time.Date(2024, 5, 11, 9, 30, 0, 0, loc)},
		{"one minute ahead", 9, 31, time.Date(2024, 5, 10, 9, 31, 0, 0, loc)},
	}
	for _, tc := range cases {
		if got := NextOccurrence(base, tc.hh, tc.mm, loc); !got.Equal(tc.want) {
			t.Fatalf("%s: got %v want %v", tc.name, got, tc.want)
		}
	}
	// month rollover
	got := NextOccurrence(time.Date(2024, 1, 31, 23, 0, 0, 0, time.UTC), 6, 0, time.UTC)
	if !got.Equal(time.Date(2024, 2, 1, 6, 0, 0, 0, time.UTC)) {
		t.Fatalf("rollover: %v", got)
	}
}

func TestParseClock(t *testing.T) {
	t.Parallel()
	if c, err := ParseClock(" 07:05 "); err != nil || c.Hour != 7 || c.Minute != 5 || c.String() != "07:05" {
		t.Fatalf("ParseClock = %+v, %v", c, err)
	}
	for _, bad := range []string{"", "7", "24:00", "12:60", "12:5", "ab:cd", "-1:10", "+8:00", "8:00", "08:+5", "008:00", "08:00:00", "０８:００"} {
		if _, err := ParseClock(bad); err == nil {
			t.Fatalf("ParseClock(%q) should fail", bad)
		}
	}
	if _, err := ParseClocks([]string{"08:00", "bad", "25:00"}); err == nil {
		t.Fatalf("ParseClocks should report bad entries")
	}
}

func TestCatalogPick(t *testing.T) {
	t.Parallel()
	c := NewCatalog([]string{"", "  ", "a", "b"}, nil, WithRand(rand.New(rand.NewPCG(1, 2))))
	if c.Len() != 2 {
		t.Fatalf("Len = %d", c.Len())
	}
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		m, err := c.PickAndRender()
		if err != nil {
			t.Fatalf("PickAndRender: %v", err)
		}
		seen[m.PlainText()] = true
	}
	if !seen["a"] || !seen["b"] || len(seen) != 2 {
		t.Fatalf("seen = %v", seen)
	}
	if _, err := NewCatalog(nil, nil).Pick(); !errors.Is(err, ErrNoMessages) {
		t.Fatalf("empty catalog err = %v", err)
	}
}

func newTestDispatcher(s *fakeSender, dir Directory, opts ...DispatcherOption) *Dispatcher {
	cat := NewCatalog([]string{"hello"}, &render.Renderer{})
	return NewDispatcher(s, dir, cat, append([]DispatcherOption{WithRate(1000)}, opts...)...)
}

func TestRunSkipsPacesAndRetracts(t *testing.T) {
	t.Parallel()
	s := &fakeSender{}
	dir := fakeDir{private: []transport.Recipient{
		{ChatID: 1}, {ChatID: 2, Username: "Quiet"}, {ChatID: 3},
	}}
	reg := timers.New(logx.Nop())
	defer reg.CancelAll()
	rs := retract.New(nopDeleter{}, reg)
	d := newTestDispatcher(s, dir, WithRetractor(rs))

	job := Job{ToFriends: true, Interval: 30 * time.Millisecond, RetractDelay: time.Hour, Skip: []string{"@quiet"}}
	start := time.Now()
	st, err := d.Run(context.Background(), job, "manual")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if el := time.Since(start); el < 30*time.Millisecond {
		t.Fatalf("no pacing between recipients: %v", el)
	}
	if st.Total != 3 || st.Sent != 2 || st.Skipped != 1 || st.Failed != 0 || st.Running {
		t.Fatalf("status = %+v", st)
	}
	if got := s.sent(); len(got) != 2 || got[0] != 1 || got[1] != 3 {
		t.Fatalf("sent order = %v", got)
	}
	if rs.Pending(retract.ClassPrivate) != 2 || rs.Pending(retract.ClassGroup) != 0 {
		t.Fatalf("pending retractions private=%d group=%d", rs.Pending(retract.ClassPrivate), rs.Pending(retract.ClassGroup))
	}
	if got, ok := d.Status(st.ID); !ok || got.Sent != 2 {
		t.Fatalf("Status(%s) = %+v, %v", st.ID, got, ok)
	}
}

func TestRunSequentialAudiences(t *testing.T) {
	t.Parallel()
	s := &fakeSender{}
	dir := fakeDir{private: users(1, 2), groups: []transport.Recipient{{ChatID: -100, Kind: transport.ChatGroup}}}
	d := newTestDispatcher(s, dir)
	st, err := d.Run(context.Background(), Job{ToFriends: true, ToGroups: true}, "daily")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := s.sent()
	if len(got) != 3 || got[2] != -100 || st.Sent != 3 {
		t.Fatalf("order = %v status = %+v", got, st)
	}
}

func TestRunAudienceFlags(t *testing.T) {
	t.Parallel()
	s := &fakeSender{}
	dir := fakeDir{private: users(1), groups: []transport.Recipient{{ChatID: -5}}}
	d := newTestDispatcher(s, dir)
	if _, err := d.Run(context.Background(), Job{ToGroups: true}, "manual"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := s.sent(); len(got) != 1 || got[0] != -5 {
		t.Fatalf("sent = %v", got)
	}
}

func TestRunSimultaneousAudiences(t *testing.T) {
	t.Parallel()
	s := &fakeSender{}
	dir := fakeDir{private: users(1, 2, 3), groups: []transport.Recipient{{ChatID: -1}, {ChatID: -2}, {ChatID: -3}}}
	d := newTestDispatcher(s, dir)
	job := Job{ToFriends: true, ToGroups: true, Simultaneous: true, Interval: 40 * time.Millisecond}
	start := time.Now()
	st, err := d.Run(context.Background(), job, "manual")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// two pauses per audience; sequential would take four
	if el := time.Since(start); el >= 160*time.Millisecond {
		t.Fatalf("audiences did not run concurrently: %v", el)
	}
	if st.Sent != 6 {
		t.Fatalf("status = %+v", st)
	}
}

func TestRunFailureDoesNotAbort(t *testing.T) {
	t.Parallel()
	s := &fakeSender{failOn: map[int64]bool{2: true}}
	d := newTestDispatcher(s, fakeDir{private: users(1, 2, 3)})
	st, err := d.Run(context.Background(), Job{ToFriends: true, LogFailure: true}, "manual")
	if err != nil {
		t.Fatalf("send failures must not surface as run error: %v", err)
	}
	if st.Sent != 2 || st.Failed != 1 {
		t.Fatalf("status = %+v", st)
	}
}

func TestRunDirectoryErrorKeepsOtherAudience(t *testing.T) {
	t.Parallel()
	s := &fakeSender{}
	d := newTestDispatcher(s, fakeDir{err: errors.New("db locked"), groups: []transport.Recipient{{ChatID: -9}}})
	st, err := d.Run(context.Background(), Job{ToFriends: true, ToGroups: true}, "manual")
	if err == nil {
		t.Fatalf("expected lookup error")
	}
	if st.Sent != 1 {
		t.Fatalf("group audience should still be served: %+v", st)
	}
}

func TestRunCancelStopsPacing(t *testing.T) {
	t.Parallel()
	s := &fakeSender{}
	d := newTestDispatcher(s, fakeDir{private: users(1, 2, 3)})
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	st, _ := d.Run(ctx, Job{ToFriends: true, Interval: 5 * time.Second}, "manual")
	if time.Since(start) > 2*time.Second {
		t.Fatalf("cancel did not interrupt pacing")
	}
	if st.Sent != 1 {
		t.Fatalf("already-sent recipients stay sent, nothing else: %+v", st)
	}
}

func TestOverlappingRunIsRejected(t *testing.T) {
	t.Parallel()
	s := &fakeSender{gate: make(chan struct{})}
	d := newTestDispatcher(s, fakeDir{private: users(1)})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = d.Run(context.Background(), Job{ToFriends: true}, "daily")
	}()
	deadline := time.Now().Add(time.Second)
	for !d.Running() {
		if time.Now().After(deadline) {
			t.Fatalf("first run never started")
		}
		time.Sleep(time.Millisecond)
	}
	if _, err := d.Run(context.Background(), Job{ToFriends: true}, "manual"); !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("err = %v, want ErrRunInProgress", err)
	}
	s.gate <- struct{}{}
	<-done
	if d.Running() {
		t.Fatalf("running flag not cleared")
	}
}

func TestRunEmptyCatalog(t *testing.T) {
	t.Parallel()
	d := NewDispatcher(&fakeSender{}, fakeDir{}, NewCatalog(nil, nil))
	if _, err := d.Run(context.Background(), Job{ToFriends: true}, "manual"); !errors.Is(err, ErrNoMessages) {
		t.Fatalf("err = %v", err)
	}
}

func TestScheduleDailyOneShot(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC)
	reg := timers.New(logx.Nop())
	defer reg.CancelAll()
	d := newTestDispatcher(&fakeSender{}, fakeDir{})
	s := NewScheduler(context.Background(), d, Job{DailyTimes: []string{"18:00", "08:00"}, Location: time.UTC}, reg,
		WithSchedulerClock(func() time.Time { return now }))

	fires, err := s.ScheduleDaily()
	if err != nil {
		t.Fatalf("ScheduleDaily: %v", err)
	}
	if len(fires) != 2 || fires[0].Clock.String() != "18:00" || !fires[1].At.Equal(time.Date(2024, 5, 11, 8, 0, 0, 0, time.UTC)) {
		t.Fatalf("fires = %+v", fires)
	}
	if reg.Len() != 2 {
		t.Fatalf("armed timers = %d", reg.Len())
	}
	up := s.Upcoming()
	if len(up) != 2 || up[0].Clock.String() != "18:00" || up[1].Clock.String() != "08:00" {
		t.Fatalf("upcoming = %+v", up)
	}

	again, err := s.ScheduleDaily()
	if err != nil || len(again) != 2 {
		t.Fatalf("second ScheduleDaily = %+v, %v", again, err)
	}
	if reg.Len() != 2 {
		t.Fatalf("second call armed duplicates: %d timers", reg.Len())
	}

	s.Stop(context.Background())
	if reg.Len() != 0 {
		t.Fatalf("Stop left %d timers", reg.Len())
	}
	if up := s.Upcoming(); len(up) != 0 {
		t.Fatalf("upcoming after Stop = %+v", up)
	}
	if _, err := s.ScheduleDaily(); err == nil {
		t.Fatalf("scheduling after Stop should fail")
	}
}

func TestScheduleDailyFires(t *testing.T) {
	t.Parallel()
	// Pick a wall time one minute ahead and pretend it is 59.95s earlier.
	target := time.Now().Add(time.Minute).Truncate(time.Minute)
	fake := target.Add(-50 * time.Millisecond)
	reg := timers.New(logx.Nop())
	defer reg.CancelAll()
	s := &fakeSender{}
	d := newTestDispatcher(s, fakeDir{private: users(7)})
	sch := NewScheduler(context.Background(), d, Job{
		DailyTimes: []string{target.Format("15:04")},
		ToFriends:  true,
		Location:   time.Local,
	}, reg, WithSchedulerClock(func() time.Time { return fake }))
	if _, err := sch.ScheduleDaily(); err != nil {
		t.Fatalf("ScheduleDaily: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(s.sent()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("daily trigger never fired")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if reg.Len() != 0 {
		t.Fatalf("one-shot trigger should not re-arm, pending = %d", reg.Len())
	}
	if up := sch.Upcoming(); len(up) != 0 {
		t.Fatalf("fired one-shot still reported as upcoming: %+v", up)
	}
}

func TestScheduleDailyRepeatIsIdempotent(t *testing.T) {
	t.Parallel()
	reg := timers.New(logx.Nop())
	defer reg.CancelAll()
	s := NewScheduler(context.Background(), newTestDispatcher(&fakeSender{}, fakeDir{}),
		Job{DailyTimes: []string{"03:15", "21:40"}, Location: time.UTC, RepeatDaily: true}, reg)
	defer s.Stop(context.Background())

	for i := 0; i < 2; i++ {
		if _, err := s.ScheduleDaily(); err != nil {
			t.Fatalf("ScheduleDaily #%d: %v", i+1, err)
		}
	}
	up := s.Upcoming()
	if len(up) != 2 {
		t.Fatalf("upcoming = %+v, want one entry per time", up)
	}
	for _, f := range up {
		if at := f.At.In(time.UTC); at.Hour() != f.Clock.Hour || at.Minute() != f.Clock.Minute {
			t.Fatalf("entry %s fires at %v", f.Clock, f.At)
		}
	}
	if reg.Len() != 0 {
		t.Fatalf("repeat mode must not use one-shot timers, got %d", reg.Len())
	}
}

func TestScheduleDailyRejectsBadTimes(t *testing.T) {
	t.Parallel()
	reg := timers.New(logx.Nop())
	s := NewScheduler(context.Background(), newTestDispatcher(&fakeSender{}, fakeDir{}), Job{DailyTimes: []string{"8am"}}, reg)
	if _, err := s.ScheduleDaily(); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestTriggerNow(t *testing.T) {
	t.Parallel()
	s := &fakeSender{}
	sch := NewScheduler(context.Background(), newTestDispatcher(s, fakeDir{private: users(1, 2)}), Job{ToFriends: true}, timers.New(logx.Nop()))
	st, err := sch.TriggerNow(context.Background(), "")
	if err != nil || st.Trigger != "manual" || st.Sent != 2 {
		t.Fatalf("TriggerNow = %+v, %v", st, err)
	}
}

func TestHistoryPrune(t *testing.T) {
	t.Parallel()
	h := newHistory()
	h.max = 2
	now := time.Now()
	h.put(&RunStatus{ID: "old", StartedAt: now.Add(-48 * time.Hour), DoneAt: now.Add(-47 * time.Hour)})
	h.put(&RunStatus{ID: "a", StartedAt: now.Add(-3 * time.Minute), DoneAt: now})
	h.put(&RunStatus{ID: "b", StartedAt: now.Add(-2 * time.Minute), DoneAt: now})
	h.put(&RunStatus{ID: "c", StartedAt: now.Add(-1 * time.Minute), Running: true})
	h.prune(now)
	if _, ok := h.get("old"); ok {
		t.Fatalf("expired run kept")
	}
	if _, ok := h.get("a"); ok {
		t.Fatalf("oldest run kept over max")
	}
	if r := h.recent(0); len(r) != 2 || r[0].ID != "c" {
		t.Fatalf("recent = %+v", r)
	}
}
