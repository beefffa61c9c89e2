package broadcast

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"guardbot/internal/eventbus"
	"guardbot/internal/render"
	"guardbot/internal/retract"
	"guardbot/internal/transport"
	logx "guardbot/pkg/logx"
)

// ErrRunInProgress is returned when a run is requested while another is still sending.
var ErrRunInProgress = errors.New("broadcast: run already in progress")

const defaultRatePerSec = 10

// Directory lists the chats a broadcast can reach.
type Directory interface {
	PrivateChats(ctx context.Context) ([]transport.Recipient, error)
	GroupChats(ctx context.Context) ([]transport.Recipient, error)
}

type Dispatcher struct {
	sender  transport.Sender
	dir     Directory
	catalog *Catalog
	retract *retract.Scheduler

	log     logx.Logger
	bus     eventbus.Bus
	limiter *rate.Limiter
	now     func() time.Time

	running atomic.Bool
	hist    *history

	sends *prometheus.CounterVec
	runs  *prometheus.CounterVec
	took  prometheus.Histogram
}

type DispatcherOption func(*Dispatcher)

func WithLogger(log logx.Logger) DispatcherOption { return func(d *Dispatcher) { d.log = log } }
func WithBus(b eventbus.Bus) DispatcherOption     { return func(d *Dispatcher) { d.bus = b } }

// WithRetractor arms deletion of every message a run sends.
func WithRetractor(r *retract.Scheduler) DispatcherOption {
	return func(d *Dispatcher) { d.retract = r }
}

// WithRate caps sends across all audiences. rps <= 0 uses the default of 10.
func WithRate(rps int) DispatcherOption {
	return func(d *Dispatcher) {
		if rps <= 0 {
			rps = defaultRatePerSec
		}
		d.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	}
}

func WithClock(now func() time.Time) DispatcherOption { return func(d *Dispatcher) { d.now = now } }

// WithRegisterer exports send and run counters.
func WithRegisterer(reg prometheus.Registerer) DispatcherOption {
	return func(d *Dispatcher) {
		d.sends = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "guardbot",
			Subsystem: "broadcast",
			Name:      "sends_total",
			Help:      "Broadcast deliveries by audience and result.",
		}, []string{"audience", "result"})
		d.runs = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "guardbot",
			Subsystem: "broadcast",
			Name:      "runs_total",
			Help:      "Broadcast runs by trigger.",
		}, []string{"trigger"})
		d.took = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "guardbot",
			Subsystem: "broadcast",
			Name:      "run_duration_seconds",
			Help:      "Wall time of a broadcast run.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		})
		reg.MustRegister(d.sends, d.runs, d.took)
	}
}

func NewDispatcher(sender transport.Sender, dir Directory, catalog *Catalog, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		sender:  sender,
		dir:     dir,
		catalog: catalog,
		now:     time.Now,
		hist:    newHistory(),
	}
	WithRate(defaultRatePerSec)(d)
	for _, o := range opts {
		o(d)
	}
	if d.log.IsZero() {
		d.log = logx.Nop()
	}
	return d
}

// Running reports whether a run is in flight.
func (d *Dispatcher) Running() bool { return d.running.Load() }

// Status returns a copy of one run.
func (d *Dispatcher) Status(id string) (RunStatus, bool) { return d.hist.get(id) }

// Recent returns up to n runs, newest first.
func (d *Dispatcher) Recent(n int) []RunStatus { return d.hist.recent(n) }

// Run sends one rendered catalog message to every eligible recipient. Send
// failures are counted, never returned; the error reports an empty catalog,
// an overlapping run or directory lookups that failed. Canceling ctx stops
// the run between recipients.
func (d *Dispatcher) Run(ctx context.Context, job Job, trigger string) (RunStatus, error) {
	if d.catalog == nil || d.catalog.Len() == 0 {
		return RunStatus{}, ErrNoMessages
	}
	if !d.running.CompareAndSwap(false, true) {
		return RunStatus{}, ErrRunInProgress
	}
	defer d.running.Store(false)

	start := d.now()
	d.hist.prune(start)
	st := &RunStatus{ID: uuid.NewString(), Trigger: trigger, StartedAt: start, Running: true}
	d.hist.put(st)
	if d.runs != nil {
		d.runs.WithLabelValues(trigger).Inc()
	}
	log := d.log.With(logx.String("run", st.ID), logx.String("trigger", trigger))
	log.Info("broadcast run started",
		logx.Bool("to_friends", job.ToFriends),
		logx.Bool("to_groups", job.ToGroups),
		logx.Bool("simultaneous", job.Simultaneous),
	)
	eventbus.Emit(d.bus, eventbus.BroadcastStarted, st.ID)

	type audience struct {
		class retract.Class
		list  func(context.Context) ([]transport.Recipient, error)
	}
	var auds []audience
	if job.ToFriends {
		auds = append(auds, audience{retract.ClassPrivate, d.dir.PrivateChats})
	}
	if job.ToGroups {
		auds = append(auds, audience{retract.ClassGroup, d.dir.GroupChats})
	}

	skip := job.skipSet()
	var (
		errMu sync.Mutex
		errs  error
	)
	runAudience := func(a audience) {
		recipients, err := a.list(ctx)
		if err != nil {
			errMu.Lock()
			errs = multierror.Append(errs, fmt.Errorf("list %s recipients: %w", a.class, err))
			errMu.Unlock()
			log.Warn("recipient lookup failed", logx.String("audience", string(a.class)), logx.Err(err))
			return
		}
		d.hist.update(st.ID, func(s *RunStatus) { s.Total += len(recipients) })
		d.sendAudience(ctx, log, st.ID, job, a.class, recipients, skip)
	}

	if job.Simultaneous && len(auds) > 1 {
		var g errgroup.Group
		for _, a := range auds {
			g.Go(func() error {
				runAudience(a)
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for _, a := range auds {
			runAudience(a)
		}
	}

	done := d.now()
	d.hist.update(st.ID, func(s *RunStatus) {
		s.DoneAt = done
		s.Running = false
	})
	if d.took != nil {
		d.took.Observe(done.Sub(start).Seconds())
	}
	final, _ := d.hist.get(st.ID)
	fields := []logx.Field{
		logx.Int("total", final.Total),
		logx.Int("sent", final.Sent),
		logx.Int("failed", final.Failed),
		logx.Int("skipped", final.Skipped),
		logx.Duration("dur", done.Sub(start)),
	}
	if final.Failed > 0 || errs != nil {
		log.Warn("broadcast run finished with failures", fields...)
	} else {
		log.Info("broadcast run finished", fields...)
	}
	eventbus.Emit(d.bus, eventbus.BroadcastFinished, final)
	return final, errs
}

func (d *Dispatcher) sendAudience(ctx context.Context, log logx.Logger, runID string, job Job, class retract.Class, list []transport.Recipient, skip map[string]struct{}) {
	paced := false
	for _, r := range list {
		if ctx.Err() != nil {
			return
		}
		if skipped(r, skip) {
			d.hist.update(runID, func(s *RunStatus) { s.Skipped++ })
			continue
		}
		if paced && job.Interval > 0 {
			if err := sleepCtx(ctx, job.Interval); err != nil {
				return
			}
		}
		paced = true
		if err := d.limiter.Wait(ctx); err != nil {
			return
		}

		msg, err := d.catalog.PickAndRender()
		if err == nil && msg.IsEmpty() {
			err = errors.New("rendered message is empty")
		}
		var refs []transport.MessageRef
		if err == nil {
			refs, err = render.Deliver(ctx, d.sender, r.Target(), msg, nil)
		}
		d.retract.ArmAll(class, refs, job.RetractDelay)

		if err != nil {
			d.hist.update(runID, func(s *RunStatus) { s.Failed++ })
			d.count(class, "error")
			if job.LogFailure {
				log.Warn("broadcast send failed",
					logx.String("audience", string(class)),
					logx.Int64("chat_id", r.ChatID),
					logx.String("name", displayName(r)),
					logx.Err(err),
				)
			}
			continue
		}
		d.hist.update(runID, func(s *RunStatus) { s.Sent++ })
		d.count(class, "ok")
		if job.LogSuccess {
			log.Info("broadcast sent",
				logx.String("audience", string(class)),
				logx.Int64("chat_id", r.ChatID),
				logx.String("name", displayName(r)),
				logx.Int("segments", len(refs)),
			)
		}
	}
}

func (d *Dispatcher) count(class retract.Class, result string) {
	if d.sends != nil {
		d.sends.WithLabelValues(string(class), result).Inc()
	}
}

func skipped(r transport.Recipient, skip map[string]struct{}) bool {
	if len(skip) == 0 {
		return false
	}
	if _, ok := skip[strconv.FormatInt(r.ChatID, 10)]; ok {
		return true
	}
	if r.Username != "" {
		if _, ok := skip[strings.ToLower(r.Username)]; ok {
			return true
		}
	}
	return false
}

func displayName(r transport.Recipient) string {
	switch {
	case r.Title != "":
		return r.Title
	case r.Username != "":
		return "@" + r.Username
	default:
		return strconv.FormatInt(r.ChatID, 10)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
