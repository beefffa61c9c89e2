package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memState is the in-memory model shared by the memory and file drivers.
type memState struct {
	Chats       map[int64]Chat       `json:"chats"`
	Users       map[int64]User       `json:"users"`
	Subscribers map[int64]Subscriber `json:"subscribers"`
}

func newMemState() *memState {
	return &memState{
		Chats:       map[int64]Chat{},
		Users:       map[int64]User{},
		Subscribers: map[int64]Subscriber{},
	}
}

func (m *memState) upsertChat(c Chat) {
	if c.SeenAt.IsZero() {
		c.SeenAt = time.Now()
	}
	if old, ok := m.Chats[c.ID]; ok {
		// Keep known details when an update carries less.
		if c.Title == "" {
			c.Title = old.Title
		}
		if c.Username == "" {
			c.Username = old.Username
		}
		if c.Kind == "" {
			c.Kind = old.Kind
		}
	}
	m.Chats[c.ID] = c
}

func (m *memState) listChats(kind string) []Chat {
	out := make([]Chat, 0, len(m.Chats))
	for _, c := range m.Chats {
		if kind == "" || c.Kind == kind {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *memState) upsertUser(u User) {
	if u.SeenAt.IsZero() {
		u.SeenAt = time.Now()
	}
	if old, ok := m.Users[u.ID]; ok {
		if u.Username == "" {
			u.Username = old.Username
		}
		if u.Name == "" {
			u.Name = old.Name
		}
	}
	m.Users[u.ID] = u
}

func (m *memState) findUser(username string) (User, bool) {
	want := normUsername(username)
	if want == "" {
		return User{}, false
	}
	var (
		best  User
		found bool
	)
	for _, u := range m.Users {
		if normUsername(u.Username) != want {
			continue
		}
		// usernames move between accounts; the latest sighting wins
		if !found || u.SeenAt.After(best.SeenAt) {
			best, found = u, true
		}
	}
	return best, found
}

func (m *memState) addSubscriber(s Subscriber) bool {
	if _, ok := m.Subscribers[s.UserID]; ok {
		return false
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	m.Subscribers[s.UserID] = s
	return true
}

// Memory keeps everything in process memory.
type Memory struct {
	mu     sync.RWMutex
	st     *memState
	audit  []AuditEntry
	closed bool
}

func NewMemory() *Memory { return &Memory{st: newMemState()} }

func (s *Memory) AppendAudit(_ context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.audit = append(s.audit, e)
	return nil
}

// Audit returns a copy of the audit trail.
func (s *Memory) Audit() []AuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]AuditEntry(nil), s.audit...)
}

func (s *Memory) UpsertChat(_ context.Context, c Chat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.st.upsertChat(c)
	return nil
}

func (s *Memory) ListChats(_ context.Context, kind string) ([]Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.st.listChats(kind), nil
}

func (s *Memory) UpsertUser(_ context.Context, u User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.st.upsertUser(u)
	return nil
}

func (s *Memory) FindUserByUsername(_ context.Context, username string) (User, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return User{}, false, ErrClosed
	}
	u, ok := s.st.findUser(username)
	return u, ok, nil
}

func (s *Memory) HasSubscriber(_ context.Context, userID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, ErrClosed
	}
	_, ok := s.st.Subscribers[userID]
	return ok, nil
}

func (s *Memory) AddSubscriber(_ context.Context, sub Subscriber) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	return s.st.addSubscriber(sub), nil
}

func (s *Memory) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
