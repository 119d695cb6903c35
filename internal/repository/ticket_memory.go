package repository

import (
	"context"
	"iter"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/spec-kit/ticket-routing/internal/domain"
	apperrors "github.com/spec-kit/ticket-routing/pkg/util/errorutil"
)

type memoryTicketRepository struct {
	mu      sync.RWMutex
	tickets map[string]*domain.Ticket
	seq     int64
	order   map[string]int64
}

// NewMemoryTicketRepository returns a process-local TicketRepository.
func NewMemoryTicketRepository() TicketRepository {
	return &memoryTicketRepository{
		tickets: make(map[string]*domain.Ticket),
		order:   make(map[string]int64),
	}
}

func (r *memoryTicketRepository) Create(ctx context.Context, ticket *domain.Ticket) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", apperrors.FromContext("ticket create", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if ticket.ID == "" {
		ticket.ID = uuid.NewString()
	}
	if _, exists := r.tickets[ticket.ID]; exists {
		return "", apperrors.NewConflict("ticket already exists", map[string]any{"ticket_id": ticket.ID})
	}
	ticket.Version = 1
	if ticket.UpdatedAt.IsZero() {
		ticket.UpdatedAt = ticket.CreatedAt
	}
	r.seq++
	r.order[ticket.ID] = r.seq
	r.tickets[ticket.ID] = ticket.Clone()
	return ticket.ID, nil
}

func (r *memoryTicketRepository) Get(ctx context.Context, id string) (*domain.Ticket, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.FromContext("ticket get", err)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	stored, ok := r.tickets[id]
	if !ok {
		return nil, ticketNotFound(id)
	}
	return stored.Clone(), nil
}

func (r *memoryTicketRepository) Update(ctx context.Context, ticket *domain.Ticket) (*domain.Ticket, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.FromContext("ticket update", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.tickets[ticket.ID]
	if !ok {
		return nil, ticketNotFound(ticket.ID)
	}
	if stored.Version != ticket.Version {
		return nil, versionConflict(ticket.ID, ticket.Version, stored.Version)
	}
	merged, err := mergeUpdate(stored, ticket)
	if err != nil {
		return nil, err
	}
	r.tickets[ticket.ID] = merged
	return merged.Clone(), nil
}

func (r *memoryTicketRepository) AppendEscalation(ctx context.Context, id string, record domain.EscalationRecord) (*domain.Ticket, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.FromContext("ticket append escalation", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.tickets[id]
	if !ok {
		return nil, ticketNotFound(id)
	}
	if err := checkEscalation(stored, record); err != nil {
		return nil, err
	}
	next := stored.Clone()
	next.Escalations = append(next.Escalations, record)
	next.Tier = record.ToTier
	next.UpdatedAt = record.Timestamp
	next.Version++
	r.tickets[id] = next
	return next.Clone(), nil
}

func (r *memoryTicketRepository) Query(ctx context.Context, filter TicketFilter) iter.Seq2[domain.Ticket, error] {
	return func(yield func(domain.Ticket, error) bool) {
		if err := ctx.Err(); err != nil {
			yield(domain.Ticket{}, apperrors.FromContext("ticket query", err))
			return
		}
		matched := r.snapshot(filter)
		for i, t := range matched {
			if filter.Limit > 0 && i >= filter.Limit {
				return
			}
			if !yield(*t, nil) {
				return
			}
		}
	}
}

func (r *memoryTicketRepository) snapshot(filter TicketFilter) []*domain.Ticket {
	r.mu.RLock()
	matched := make([]*domain.Ticket, 0, len(r.tickets))
	seqs := make(map[string]int64, len(r.tickets))
	for id, t := range r.tickets {
		if filter.matches(t) {
			matched = append(matched, t.Clone())
			seqs[id] = r.order[id]
		}
	}
	r.mu.RUnlock()

	// Insertion sequence breaks creation-time ties so ordering is total.
	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			if filter.Order == CreatedAsc {
				return a.CreatedAt.Before(b.CreatedAt)
			}
			return a.CreatedAt.After(b.CreatedAt)
		}
		if filter.Order == CreatedAsc {
			return seqs[a.ID] < seqs[b.ID]
		}
		return seqs[a.ID] > seqs[b.ID]
	})
	return matched
}
