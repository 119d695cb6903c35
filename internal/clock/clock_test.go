package clock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeFiresInDeadlineOrder(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFake(start)
	var fired []string
	f.OnFire(func(p Payload) { fired = append(fired, p.TicketID) })

	f.Schedule(start.Add(2*time.Hour), Payload{TicketID: "late"})
	f.Schedule(start.Add(time.Hour), Payload{TicketID: "early"})
	keep := f.Schedule(start.Add(3*time.Hour), Payload{TicketID: "cancelled"})
	require.NoError(t, f.Cancel(keep))

	f.Advance(30 * time.Minute)
	assert.Empty(t, fired)

	f.Advance(4 * time.Hour)
	assert.Equal(t, []string{"early", "late"}, fired)
	assert.Equal(t, 0, f.Pending())
	assert.Equal(t, start.Add(270*time.Minute), f.Now())
}

func TestFakeCancelAfterFire(t *testing.T) {
	start := time.Now()
	f := NewFake(start)
	h := f.Schedule(start.Add(time.Minute), Payload{TicketID: "t"})
	f.Advance(time.Minute)

	assert.ErrorIs(t, f.Cancel(h), ErrAlreadyFired)
	assert.ErrorIs(t, f.Cancel(Handle(999)), ErrAlreadyFired)
}

func TestTimerServiceFiresAndCancels(t *testing.T) {
	s := NewTimerService()
	var mu sync.Mutex
	var fired []Payload
	s.OnFire(func(p Payload) {
		mu.Lock()
		defer mu.Unlock()
		fired = append(fired, p)
	})

	cancelled := s.Schedule(s.Now().Add(time.Hour), Payload{TicketID: "later"})
	s.Schedule(s.Now().Add(-time.Second), Payload{TicketID: "overdue", Kind: "RESPONSE"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(fired) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Cancel(cancelled))
	assert.ErrorIs(t, s.Cancel(cancelled), ErrAlreadyFired)
	assert.Equal(t, 0, s.Pending())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "overdue", fired[0].TicketID)
	assert.Equal(t, "RESPONSE", fired[0].Kind)
}
