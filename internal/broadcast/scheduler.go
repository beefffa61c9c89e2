package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/robfig/cron/v3"

	"guardbot/internal/timers"
	logx "guardbot/pkg/logx"
)

const dailyTimerPrefix = "broadcast.daily."

// Scheduler fires the dispatcher at fixed daily times and on demand.
//
// Without RepeatDaily each configured time fires once per process lifetime:
// the next occurrence is armed at startup and never re-armed.
type Scheduler struct {
	mu      sync.Mutex
	ctx     context.Context
	disp    *Dispatcher
	job     Job
	timers  *timers.Registry
	log     logx.Logger
	now     func() time.Time
	handles []*timers.Handle
	cron    *cron.Cron
	entries map[cron.EntryID]ClockTime
	armed   bool
	stopped bool
}

type SchedulerOption func(*Scheduler)

func WithSchedulerLogger(log logx.Logger) SchedulerOption {
	return func(s *Scheduler) { s.log = log }
}

func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

// NewScheduler binds runs to ctx; canceling it stops in-flight runs between recipients.
func NewScheduler(ctx context.Context, disp *Dispatcher, job Job, reg *timers.Registry, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{ctx: ctx, disp: disp, job: job, timers: reg, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func (s *Scheduler) Job() Job { return s.job }

// Fire is one armed daily trigger.
type Fire struct {
	Clock ClockTime
	At    time.Time
}

// ParseClocks validates every entry and reports all bad ones together.
func ParseClocks(times []string) ([]ClockTime, error) {
	var (
		out  []ClockTime
		errs error
	)
	for _, raw := range times {
		c, err := ParseClock(raw)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		out = append(out, c)
	}
	return out, errs
}

// NextFires computes the next occurrence of each time, soonest first.
func NextFires(now time.Time, times []ClockTime, loc *time.Location) []Fire {
	out := make([]Fire, 0, len(times))
	for _, c := range times {
		out = append(out, Fire{Clock: c, At: NextOccurrence(now, c.Hour, c.Minute, loc)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}

// ScheduleDaily arms one trigger per configured time and returns the first
// fire of each. Later calls arm nothing and return what is still pending.
func (s *Scheduler) ScheduleDaily() ([]Fire, error) {
	clocks, err := ParseClocks(s.job.DailyTimes)
	if err != nil {
		return nil, err
	}
	loc := s.job.location()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil, errors.New("broadcast scheduler stopped")
	}
	if s.armed {
		return s.upcomingLocked(), nil
	}

	fires := NextFires(s.now(), clocks, loc)
	if s.job.RepeatDaily {
		c := cron.New(cron.WithLocation(loc))
		entries := make(map[cron.EntryID]ClockTime, len(fires))
		for _, f := range fires {
			spec := fmt.Sprintf("%d %d * * *", f.Clock.Minute, f.Clock.Hour)
			id, err := c.AddFunc(spec, func() { s.fire("daily") })
			if err != nil {
				return nil, fmt.Errorf("schedule %s: %w", f.Clock, err)
			}
			entries[id] = f.Clock
		}
		c.Start()
		s.cron, s.entries = c, entries
	} else {
		now := s.now()
		for _, f := range fires {
			h := s.timers.After(dailyTimerPrefix+f.Clock.String(), f.At.Sub(now), func() { s.fire("daily") })
			s.handles = append(s.handles, h)
		}
	}
	s.armed = true
	for _, f := range fires {
		s.log.Info("daily broadcast armed",
			logx.String("at", f.Clock.String()),
			logx.Time("next", f.At),
			logx.Bool("repeat", s.job.RepeatDaily),
		)
	}
	return fires, nil
}

// Upcoming lists armed daily triggers that have not fired yet, soonest
// first. A one-shot time drops out once it fires.
func (s *Scheduler) Upcoming() []Fire {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upcomingLocked()
}

func (s *Scheduler) upcomingLocked() []Fire {
	var out []Fire
	if s.cron != nil {
		for _, e := range s.cron.Entries() {
			if c, ok := s.entries[e.ID]; ok && !e.Next.IsZero() {
				out = append(out, Fire{Clock: c, At: e.Next})
			}
		}
	}
	for _, p := range s.timers.Snapshot() {
		name, ok := strings.CutPrefix(p.Name, dailyTimerPrefix)
		if !ok {
			continue
		}
		if c, err := ParseClock(name); err == nil {
			out = append(out, Fire{Clock: c, At: p.Due})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}

func (s *Scheduler) fire(trigger string) {
	_, err := s.disp.Run(s.ctx, s.job, trigger)
	switch {
	case errors.Is(err, ErrRunInProgress):
		s.log.Info("broadcast skipped; previous run still sending", logx.String("trigger", trigger))
	case err != nil:
		s.log.Warn("broadcast run error", logx.String("trigger", trigger), logx.Err(err))
	}
}

// TriggerNow runs the dispatch path immediately and waits for it.
func (s *Scheduler) TriggerNow(ctx context.Context, trigger string) (RunStatus, error) {
	if trigger == "" {
		trigger = "manual"
	}
	return s.disp.Run(ctx, s.job, trigger)
}

// Stop cancels pending daily triggers. In-flight runs stop when the context given
// to NewScheduler is canceled.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	s.stopped = true
	handles := s.handles
	s.handles = nil
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	for _, h := range handles {
		h.Cancel()
	}
	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
}
