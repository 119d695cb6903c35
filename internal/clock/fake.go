package clock

import (
	"sort"
	"sync"
	"time"
)

type fakeTimer struct {
	handle   Handle
	deadline time.Time
	payload  Payload
}

// Fake is a manually advanced Scheduler for tests.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	next   Handle
	timers map[Handle]fakeTimer
	fire   FireFunc
}

// NewFake returns a Fake frozen at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start, timers: make(map[Handle]fakeTimer)}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) OnFire(fn FireFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fire = fn
}

func (f *Fake) Schedule(deadline time.Time, payload Payload) Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	f.timers[f.next] = fakeTimer{handle: f.next, deadline: deadline, payload: payload}
	return f.next
}

func (f *Fake) Cancel(h Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.timers[h]; !ok {
		return ErrAlreadyFired
	}
	delete(f.timers, h)
	return nil
}

// Pending reports how many timers are armed.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.timers)
}

// Advance moves time forward by d and fires every due timer in deadline
// order on the calling goroutine.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	now := f.now
	var due []fakeTimer
	for h, t := range f.timers {
		if !t.deadline.After(now) {
			due = append(due, t)
			delete(f.timers, h)
		}
	}
	fire := f.fire
	f.mu.Unlock()

	sort.Slice(due, func(i, j int) bool {
		if due[i].deadline.Equal(due[j].deadline) {
			return due[i].handle < due[j].handle
		}
		return due[i].deadline.Before(due[j].deadline)
	})
	if fire == nil {
		return
	}
	for _, t := range due {
		fire(t.payload)
	}
}

// Redeliver fires payload again without touching timers, simulating an
// at-least-once duplicate.
func (f *Fake) Redeliver(payload Payload) {
	f.mu.Lock()
	fire := f.fire
	f.mu.Unlock()
	if fire != nil {
		fire(payload)
	}
}
