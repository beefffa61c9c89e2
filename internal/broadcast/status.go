package broadcast

import (
	"sort"
	"sync"
	"time"
)

const (
	// Keep run history bounded; runs can be triggered often.
	defaultStatusMax = 200
	defaultStatusTTL = 24 * time.Hour
)

// RunStatus describes one dispatch run.
type RunStatus struct {
	ID        string
	Trigger   string // "daily", "manual", "admin"
	Total     int
	Sent      int
	Failed    int
	Skipped   int
	StartedAt time.Time
	DoneAt    time.Time
	Running   bool
}

type history struct {
	mu   sync.RWMutex
	runs map[string]*RunStatus
	max  int
	ttl  time.Duration
}

func newHistory() *history {
	return &history{runs: map[string]*RunStatus{}, max: defaultStatusMax, ttl: defaultStatusTTL}
}

func (h *history) put(st *RunStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.runs[st.ID] = st
}

func (h *history) update(id string, fn func(*RunStatus)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if st := h.runs[id]; st != nil {
		fn(st)
	}
}

func (h *history) get(id string) (RunStatus, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	st, ok := h.runs[id]
	if !ok {
		return RunStatus{}, false
	}
	return *st, true
}

// recent returns up to n runs, newest first.
func (h *history) recent(n int) []RunStatus {
	h.mu.RLock()
	out := make([]RunStatus, 0, len(h.runs))
	for _, st := range h.runs {
		out = append(out, *st)
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

func (h *history) prune(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, st := range h.runs {
		if !st.Running && !st.DoneAt.IsZero() && now.Sub(st.DoneAt) > h.ttl {
			delete(h.runs, id)
		}
	}
	if len(h.runs) <= h.max {
		return
	}

	type kv struct {
		id string
		t  time.Time
	}
	items := make([]kv, 0, len(h.runs))
	for id, st := range h.runs {
		items = append(items, kv{id: id, t: st.StartedAt})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].t.Before(items[j].t) })
	excess := len(h.runs) - h.max
	for i := 0; i < excess; i++ {
		delete(h.runs, items[i].id)
	}
}
