// Package timers tracks cancelable delayed callbacks so shutdown can stop all
// of them at once.
package timers

import (
	"runtime/debug"
	"sort"
	"sync"
	"time"

	logx "guardbot/pkg/logx"
)

type Registry struct {
	mu     sync.Mutex
	log    logx.Logger
	seq    uint64
	timers map[uint64]*entry
	closed bool
}

type entry struct {
	name string
	due  time.Time
	t    *time.Timer
}

// Handle cancels one timer. The zero Handle is already canceled.
type Handle struct {
	r  *Registry
	id uint64
}

func New(log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{log: log, timers: map[uint64]*entry{}}
}

// After runs fn once after d. The timer removes itself before fn runs.
// After CancelAll the registry is closed and After returns a canceled handle.
func (r *Registry) After(name string, d time.Duration, fn func()) *Handle {
	if fn == nil {
		return &Handle{}
	}
	if d < 0 {
		d = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		r.log.Debug("timer rejected (registry closed)", logx.String("name", name))
		return &Handle{}
	}
	r.seq++
	id := r.seq
	// Created under the lock: the callback cannot observe the map before the insert below.
	t := time.AfterFunc(d, func() {
		r.mu.Lock()
		e, ok := r.timers[id]
		if ok {
			delete(r.timers, id)
		}
		r.mu.Unlock()
		if !ok {
			return
		}
		r.run(e.name, fn)
	})
	r.timers[id] = &entry{name: name, due: time.Now().Add(d), t: t}
	return &Handle{r: r, id: id}
}

func (r *Registry) run(name string, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("timer callback panicked", logx.String("name", name), logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
		}
	}()
	fn()
}

// Cancel stops the timer. It reports whether the timer was still pending.
func (h *Handle) Cancel() bool {
	if h == nil || h.r == nil {
		return false
	}
	r := h.r
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.timers[h.id]
	if !ok {
		return false
	}
	e.t.Stop()
	delete(r.timers, h.id)
	return true
}

// CancelAll stops every pending timer and closes the registry.
func (r *Registry) CancelAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	n := 0
	for id, e := range r.timers {
		if e.t.Stop() {
			n++
		}
		delete(r.timers, id)
	}
	return n
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}

// Pending describes one outstanding timer.
type Pending struct {
	Name string
	Due  time.Time
}

// Snapshot lists pending timers ordered by due time.
func (r *Registry) Snapshot() []Pending {
	r.mu.Lock()
	out := make([]Pending, 0, len(r.timers))
	for _, e := range r.timers {
		out = append(out, Pending{Name: e.name, Due: e.due})
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Due.Before(out[j].Due) })
	return out
}
