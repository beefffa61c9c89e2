// Package eventbus fans out in-process signals between guardbot components.
package eventbus

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by guardbot components.
const (
	ModerationTriggered = "moderation.triggered"
	ModerationBanned    = "moderation.banned"
	ModerationWarned    = "moderation.warned"
	ModerationOverride  = "moderation.override"
	BroadcastStarted    = "broadcast.started"
	BroadcastFinished   = "broadcast.finished"
	RetractionFired     = "retraction.fired"
	SubscriberAdded     = "subscription.added"
)

type Event struct {
	Type string
	Time time.Time
	Data any
}

// Bus delivers events to subscribers without ever blocking the publisher.
// A subscriber whose buffer is full misses the event.
type Bus interface {
	Publish(e Event)
	// Subscribe registers a listener. With types set only those event types
	// are delivered. unsubscribe closes ch and is safe to call twice.
	Subscribe(buffer int, types ...string) (ch <-chan Event, unsubscribe func())
}

// Emit publishes typ with data on b. A nil bus is a no-op.
func Emit(b Bus, typ string, data any) {
	if b == nil {
		return
	}
	b.Publish(Event{Type: typ, Data: data})
}

// Dropped reports how many deliveries b skipped because a subscriber was
// full. It is zero for buses not created by New.
func Dropped(b Bus) uint64 {
	if m, ok := b.(*fanout); ok {
		return m.dropped.Load()
	}
	return 0
}

func New() Bus { return &fanout{} }

type listener struct {
	ch     chan Event
	types  []string
	closed bool
}

func (l *listener) wants(typ string) bool {
	return len(l.types) == 0 || slices.Contains(l.types, typ)
}

type fanout struct {
	mu        sync.RWMutex
	listeners []*listener
	dropped   atomic.Uint64
}

func (b *fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, l := range b.listeners {
		if !l.wants(e.Type) {
			continue
		}
		select {
		case l.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *fanout) Subscribe(buffer int, types ...string) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 8
	}
	l := &listener{ch: make(chan Event, buffer), types: slices.Clone(types)}
	b.mu.Lock()
	b.listeners = append(b.listeners, l)
	b.mu.Unlock()

	return l.ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if l.closed {
			return
		}
		l.closed = true
		b.listeners = slices.DeleteFunc(b.listeners, func(x *listener) bool { return x == l })
		close(l.ch)
	}
}
