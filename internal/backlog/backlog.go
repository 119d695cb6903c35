// Package backlog holds unassigned tickets per tier, oldest first with
// priority breaking ties.
package backlog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/spec-kit/ticket-routing/internal/domain"
)

// Entry is one queued ticket.
type Entry struct {
	TicketID  string
	Priority  domain.TicketPriority
	CreatedAt time.Time
}

// Queue is the per-tier backlog. Push is idempotent per ticket and
// replaces the stored entry, so a reprioritized ticket re-sorts.
type Queue interface {
	Push(ctx context.Context, tier domain.Tier, entry Entry) error
	Remove(ctx context.Context, tier domain.Tier, ticketID string) error
	List(ctx context.Context, tier domain.Tier) ([]Entry, error)
	Len(ctx context.Context, tier domain.Tier) (int, error)
}

// Less orders entries: creation time ascending, then priority descending,
// then ticket id.
func Less(a, b Entry) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	if a.Priority.Rank() != b.Priority.Rank() {
		return a.Priority.Rank() > b.Priority.Rank()
	}
	return a.TicketID < b.TicketID
}

type memoryQueue struct {
	mu    sync.Mutex
	tiers map[domain.Tier]map[string]Entry
}

// NewMemoryQueue returns a process-local Queue.
func NewMemoryQueue() Queue {
	return &memoryQueue{tiers: make(map[domain.Tier]map[string]Entry)}
}

func (q *memoryQueue) Push(_ context.Context, tier domain.Tier, entry Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	entries, ok := q.tiers[tier]
	if !ok {
		entries = make(map[string]Entry)
		q.tiers[tier] = entries
	}
	entries[entry.TicketID] = entry
	return nil
}

func (q *memoryQueue) Remove(_ context.Context, tier domain.Tier, ticketID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.tiers[tier], ticketID)
	return nil
}

func (q *memoryQueue) List(_ context.Context, tier domain.Tier) ([]Entry, error) {
	q.mu.Lock()
	entries := make([]Entry, 0, len(q.tiers[tier]))
	for _, e := range q.tiers[tier] {
		entries = append(entries, e)
	}
	q.mu.Unlock()
	sort.Slice(entries, func(i, j int) bool { return Less(entries[i], entries[j]) })
	return entries, nil
}

func (q *memoryQueue) Len(_ context.Context, tier domain.Tier) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tiers[tier]), nil
}
