package backlog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spec-kit/ticket-routing/internal/domain"
)

func titles(entries []Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.TicketID)
	}
	return out
}

func TestMemoryQueueOrdering(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	t0 := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, q.Push(ctx, domain.TierOne, Entry{TicketID: "late-critical", Priority: domain.TicketPriorityCritical, CreatedAt: t0.Add(time.Minute)}))
	require.NoError(t, q.Push(ctx, domain.TierOne, Entry{TicketID: "tie-low", Priority: domain.TicketPriorityLow, CreatedAt: t0}))
	require.NoError(t, q.Push(ctx, domain.TierOne, Entry{TicketID: "tie-critical", Priority: domain.TicketPriorityCritical, CreatedAt: t0}))
	require.NoError(t, q.Push(ctx, domain.TierTwo, Entry{TicketID: "other-tier", Priority: domain.TicketPriorityLow, CreatedAt: t0}))

	entries, err := q.List(ctx, domain.TierOne)
	require.NoError(t, err)
	assert.Equal(t, []string{"tie-critical", "tie-low", "late-critical"}, titles(entries))

	require.NoError(t, q.Push(ctx, domain.TierOne, Entry{TicketID: "tie-low", Priority: domain.TicketPriorityHigh, CreatedAt: t0}))
	n, err := q.Len(ctx, domain.TierOne)
	require.NoError(t, err)
	assert.Equal(t, 3, n, "push is idempotent per ticket")

	require.NoError(t, q.Remove(ctx, domain.TierOne, "tie-critical"))
	require.NoError(t, q.Remove(ctx, domain.TierOne, "never-queued"))
	entries, err = q.List(ctx, domain.TierOne)
	require.NoError(t, err)
	assert.Equal(t, []string{"tie-low", "late-critical"}, titles(entries))
	assert.Equal(t, domain.TicketPriorityHigh, entries[0].Priority)
}

func TestRedisMemberEncodingSortsLikeLess(t *testing.T) {
	t0 := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	critical := Entry{TicketID: "b", Priority: domain.TicketPriorityCritical, CreatedAt: t0}
	low := Entry{TicketID: "a", Priority: domain.TicketPriorityLow, CreatedAt: t0}

	assert.True(t, Less(critical, low))
	assert.Less(t, encodeMember(critical), encodeMember(low), "same score members sort lexically")

	decoded, err := decodeMember(encodeMember(critical))
	require.NoError(t, err)
	assert.Equal(t, critical, decoded)

	_, err = decodeMember("garbage")
	assert.Error(t, err)
}
