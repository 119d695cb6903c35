// Package clock provides the time source and deadline timers used by the
// escalation engine.
package clock

import (
	"errors"
	"sync"
	"time"
)

// ErrAlreadyFired is returned by Cancel when the timer has fired or was
// never scheduled.
var ErrAlreadyFired = errors.New("clock: timer already fired")

// Payload identifies what a deadline belongs to.
type Payload struct {
	TicketID string
	Kind     string
	Deadline time.Time
}

// Handle identifies a scheduled timer.
type Handle uint64

// FireFunc receives expired payloads. It may be invoked more than once for
// the same payload; receivers must be idempotent.
type FireFunc func(Payload)

// Scheduler is the time source plus deadline timers.
type Scheduler interface {
	Now() time.Time
	Schedule(deadline time.Time, payload Payload) Handle
	Cancel(h Handle) error
	OnFire(fn FireFunc)
}

// TimerService schedules deadlines on the wall clock.
type TimerService struct {
	mu     sync.Mutex
	next   Handle
	timers map[Handle]*time.Timer
	fire   FireFunc
}

// NewTimerService returns a wall-clock scheduler.
func NewTimerService() *TimerService {
	return &TimerService{timers: make(map[Handle]*time.Timer)}
}

// Now returns the current UTC time.
func (s *TimerService) Now() time.Time {
	return time.Now().UTC()
}

// OnFire sets the expiry receiver. Timers that fire before a receiver is
// set are dropped.
func (s *TimerService) OnFire(fn FireFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fire = fn
}

// Schedule arms a timer for deadline. Past deadlines fire immediately.
func (s *TimerService) Schedule(deadline time.Time, payload Payload) Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	h := s.next
	delay := time.Until(deadline)
	if delay < 0 {
		delay = 0
	}
	s.timers[h] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		_, live := s.timers[h]
		delete(s.timers, h)
		fire := s.fire
		s.mu.Unlock()
		if live && fire != nil {
			fire(payload)
		}
	})
	return h
}

// Cancel stops a pending timer.
func (s *TimerService) Cancel(h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	timer, ok := s.timers[h]
	if !ok {
		return ErrAlreadyFired
	}
	delete(s.timers, h)
	if !timer.Stop() {
		return ErrAlreadyFired
	}
	return nil
}

// Pending reports how many timers are armed.
func (s *TimerService) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}
