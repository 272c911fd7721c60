// Package timers provides a cancellable timer scheduler keyed by owning
// entity id, so "cancel all timers for X" is a single operation and a
// cancelled timer's callback never runs.
package timers

import (
	"sync"
	"time"
)

type entry struct {
	timer *time.Timer
}

// Scheduler arms and cancels named timers grouped under an owner key.
type Scheduler struct {
	mu      sync.Mutex
	owners  map[string]map[string]*entry
	stopped bool
}

// NewScheduler creates an empty Scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{owners: make(map[string]map[string]*entry)}
}

// Schedule arms a timer named id under owner. When d elapses, fn runs unless
// the entry was cancelled first: the callback re-checks registration under
// the scheduler lock, so cancellation and firing cannot both win. An
// existing timer with the same owner/id is replaced.
func (s *Scheduler) Schedule(owner, id string, d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	set, ok := s.owners[owner]
	if !ok {
		set = make(map[string]*entry)
		s.owners[owner] = set
	}
	if old, ok := set[id]; ok {
		old.timer.Stop()
	}
	e := &entry{}
	e.timer = time.AfterFunc(d, func() {
		s.mu.Lock()
		current, live := s.owners[owner][id]
		if live && current == e {
			delete(s.owners[owner], id)
			if len(s.owners[owner]) == 0 {
				delete(s.owners, owner)
			}
		}
		s.mu.Unlock()
		if live && current == e {
			fn()
		}
	})
	set[id] = e
}

// Cancel stops the timer named id under owner. Returns true if it was still
// armed.
func (s *Scheduler) Cancel(owner, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.owners[owner]
	if !ok {
		return false
	}
	e, ok := set[id]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(set, id)
	if len(set) == 0 {
		delete(s.owners, owner)
	}
	return true
}

// CancelOwner stops every timer under owner and returns how many were armed.
func (s *Scheduler) CancelOwner(owner string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.owners[owner]
	if !ok {
		return 0
	}
	for _, e := range set {
		e.timer.Stop()
	}
	n := len(set)
	delete(s.owners, owner)
	return n
}

// Pending returns how many timers are armed under owner.
func (s *Scheduler) Pending(owner string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.owners[owner])
}

// Stop cancels everything and refuses further scheduling.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for owner, set := range s.owners {
		for _, e := range set {
			e.timer.Stop()
		}
		delete(s.owners, owner)
	}
}
