package moderation

import (
	"sort"
	"sync"
	"time"
)

// CooldownStore maps a user key to the instant their suppression ends.
// Records expire lazily: a lookup past expiry deletes the record.
type CooldownStore struct {
	mu  sync.Mutex
	now func() time.Time
	m   map[string]time.Time
}

// Record is one active cooldown.
type Record struct {
	UserID    string
	ExpiresAt time.Time
}

func NewCooldownStore(now func() time.Time) *CooldownStore {
	if now == nil {
		now = time.Now
	}
	return &CooldownStore{now: now, m: map[string]time.Time{}}
}

// IsActive returns the remaining cooldown for user. A stale record is removed.
func (s *CooldownStore) IsActive(user string) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.m[user]
	if !ok {
		return 0, false
	}
	remaining := exp.Sub(s.now())
	if remaining <= 0 {
		delete(s.m, user)
		return 0, false
	}
	return remaining, true
}

// Arm sets the expiry to now+d, replacing any existing record.
func (s *CooldownStore) Arm(user string, d time.Duration) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp := s.now().Add(d)
	s.m[user] = exp
	return exp
}

// ArmAt sets an absolute expiry, replacing any existing record.
func (s *CooldownStore) ArmAt(user string, expiresAt time.Time) {
	s.mu.Lock()
	s.m[user] = expiresAt
	s.mu.Unlock()
}

// Release deletes the record. It reports whether one existed.
func (s *CooldownStore) Release(user string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.m[user]
	delete(s.m, user)
	return ok
}

// Len counts records, including ones that expired but were not looked up yet.
func (s *CooldownStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}

// Active counts unexpired records. Expired ones are left for the next lookup.
func (s *CooldownStore) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for _, exp := range s.m {
		if exp.After(now) {
			n++
		}
	}
	return n
}

// remaining is IsActive without the stale-record cleanup.
func (s *CooldownStore) remaining(user string) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.m[user]
	if !ok {
		return 0, false
	}
	d := exp.Sub(s.now())
	return d, d > 0
}

// Snapshot lists unexpired records, soonest expiry first.
func (s *CooldownStore) Snapshot() []Record {
	s.mu.Lock()
	now := s.now()
	out := make([]Record, 0, len(s.m))
	for u, exp := range s.m {
		if exp.After(now) {
			out = append(out, Record{UserID: u, ExpiresAt: exp})
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out
}
