// Package retract deletes bot messages after a per-class delay.
package retract

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"guardbot/internal/eventbus"
	"guardbot/internal/timers"
	"guardbot/internal/transport"
	logx "guardbot/pkg/logx"
)

// Class is an audience class. Each class keeps its own timeline.
type Class string

const (
	ClassModeration Class = "moderation"
	ClassPrivate    Class = "private"
	ClassGroup      Class = "group"
)

const deleteTimeout = 10 * time.Second

type Scheduler struct {
	del    transport.Deleter
	timers *timers.Registry
	log    logx.Logger
	bus    eventbus.Bus
	total  *prometheus.CounterVec
}

type Option func(*Scheduler)

func WithLogger(log logx.Logger) Option { return func(s *Scheduler) { s.log = log } }
func WithBus(b eventbus.Bus) Option     { return func(s *Scheduler) { s.bus = b } }

// WithRegisterer exports guardbot_retractions_total{class,result}.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *Scheduler) {
		s.total = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "guardbot",
			Name:      "retractions_total",
			Help:      "Scheduled message deletions by class and result.",
		}, []string{"class", "result"})
		reg.MustRegister(s.total)
	}
}

func New(del transport.Deleter, reg *timers.Registry, opts ...Option) *Scheduler {
	s := &Scheduler{del: del, timers: reg}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func timerName(c Class) string { return "retract." + string(c) }

// Arm schedules deletion of ref after delay. delay <= 0 disables retraction.
// A failed deletion is logged and never retried.
func (s *Scheduler) Arm(class Class, ref transport.MessageRef, delay time.Duration) bool {
	if s == nil || delay <= 0 || ref.MessageID == 0 {
		return false
	}
	s.timers.After(timerName(class), delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), deleteTimeout)
		defer cancel()
		err := s.del.Delete(ctx, ref)
		result := "ok"
		if err != nil {
			result = "error"
			s.log.Debug("retraction failed",
				logx.String("class", string(class)),
				logx.Int64("chat_id", ref.ChatID),
				logx.Int("message_id", ref.MessageID),
				logx.Err(err),
			)
		}
		if s.total != nil {
			s.total.WithLabelValues(string(class), result).Inc()
		}
		eventbus.Emit(s.bus, eventbus.RetractionFired, string(class))
	})
	return true
}

// ArmAll arms every ref under the same class and delay.
func (s *Scheduler) ArmAll(class Class, refs []transport.MessageRef, delay time.Duration) int {
	n := 0
	for _, r := range refs {
		if s.Arm(class, r, delay) {
			n++
		}
	}
	return n
}

// Pending counts deletions still waiting in class.
func (s *Scheduler) Pending(class Class) int {
	if s == nil {
		return 0
	}
	name := timerName(class)
	n := 0
	for _, p := range s.timers.Snapshot() {
		if p.Name == name {
			n++
		}
	}
	return n
}
