package session

import (
	"sync"
	"time"
)

// Scheduler keeps at most one pending expiry timer per session. Extend and
// End supersede a pending timer by rescheduling or canceling it; the fire
// callback decides what to do based on the session's current state, never
// the end time captured at schedule time.
type Scheduler struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
	fire   func(sessionID string)
}

// NewScheduler creates a scheduler invoking fire when a session's timer
// elapses.
func NewScheduler(fire func(sessionID string)) *Scheduler {
	return &Scheduler{
		timers: make(map[string]*time.Timer),
		fire:   fire,
	}
}

// Schedule arms (or re-arms) the expiry timer for a session. A previously
// pending timer for the same session is stopped first.
func (s *Scheduler) Schedule(sessionID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[sessionID]; ok {
		t.Stop()
	}
	d := time.Until(at)
	if d < 0 {
		d = 0
	}
	s.timers[sessionID] = time.AfterFunc(d, func() {
		s.mu.Lock()
		delete(s.timers, sessionID)
		s.mu.Unlock()
		s.fire(sessionID)
	})
}

// Cancel stops and forgets the pending timer for a session, if any.
func (s *Scheduler) Cancel(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[sessionID]; ok {
		t.Stop()
		delete(s.timers, sessionID)
	}
}

// StopAll cancels every pending timer. Used on shutdown.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

// Pending reports whether a timer is currently armed for the session.
func (s *Scheduler) Pending(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[sessionID]
	return ok
}
