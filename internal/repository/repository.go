package repository

import (
	"context"
	"iter"
	"strings"
	"time"

	"github.com/spec-kit/ticket-routing/internal/domain"
	apperrors "github.com/spec-kit/ticket-routing/pkg/util/errorutil"
)

// SortOrder selects query ordering by creation time.
type SortOrder int

const (
	CreatedDesc SortOrder = iota
	CreatedAsc
)

// TicketFilter narrows ticket queries. Set fields are AND-combined.
type TicketFilter struct {
	Tier            *domain.Tier
	Status          *domain.TicketStatus
	Priority        *domain.TicketPriority
	Platform        *string
	Text            *string
	AssignedAgentID *string
	OpenOnly        bool
	Order           SortOrder
	Limit           int
}

// TicketRepository is the durable ticket record.
type TicketRepository interface {
	Create(ctx context.Context, ticket *domain.Ticket) (string, error)
	Get(ctx context.Context, id string) (*domain.Ticket, error)
	// Update persists ticket if ticket.Version matches the stored version.
	Update(ctx context.Context, ticket *domain.Ticket) (*domain.Ticket, error)
	// AppendEscalation appends record and moves the ticket to record.ToTier.
	AppendEscalation(ctx context.Context, id string, record domain.EscalationRecord) (*domain.Ticket, error)
	// Query yields matching tickets. Each range over the sequence re-runs the query.
	Query(ctx context.Context, filter TicketFilter) iter.Seq2[domain.Ticket, error]
}

// AgentRegistry tracks agents and their capacity reservations.
type AgentRegistry interface {
	Upsert(ctx context.Context, agent *domain.Agent) (*domain.Agent, error)
	Get(ctx context.Context, id string) (*domain.Agent, error)
	// ListByTier lists agents at tier ordered by id; an empty tier lists all.
	ListByTier(ctx context.Context, tier domain.Tier) ([]domain.Agent, error)
	// Reserve takes one unit of capacity, failing with CapacityExceeded.
	Reserve(ctx context.Context, id string, at time.Time) (*domain.Agent, error)
	// Release returns one unit of capacity. Releasing at zero load is a no-op.
	Release(ctx context.Context, id string) (*domain.Agent, error)
	SetStatus(ctx context.Context, id string, status domain.AgentStatus) (*domain.Agent, error)
}

func ticketNotFound(id string) error {
	return apperrors.NewNotFound("ticket", map[string]any{"ticket_id": id})
}

func agentNotFound(id string) error {
	return apperrors.NewNotFound("agent", map[string]any{"agent_id": id})
}

func versionConflict(id string, expected, actual int64) error {
	return apperrors.NewConflict("ticket version mismatch", map[string]any{
		"ticket_id": id, "expected_version": expected, "actual_version": actual,
	})
}

// mergeUpdate applies the mutable fields of next onto stored, enforcing the
// fields that may never be rewritten through Update.
func mergeUpdate(stored, next *domain.Ticket) (*domain.Ticket, error) {
	if next.Tier.Rank() < stored.Tier.Rank() {
		return nil, apperrors.NewInvalidTransition("tier cannot decrease", map[string]any{
			"ticket_id": stored.ID, "from": stored.Tier, "to": next.Tier,
		})
	}
	if len(next.Breaches) < len(stored.Breaches) {
		return nil, apperrors.NewInvalidTransition("breaches are append-only", map[string]any{"ticket_id": stored.ID})
	}
	merged := next.Clone()
	merged.ID = stored.ID
	merged.CreatedAt = stored.CreatedAt
	merged.SLADeadline = stored.SLADeadline
	merged.ResolutionDeadline = stored.ResolutionDeadline
	merged.Escalations = stored.Clone().Escalations
	merged.Breaches = append(stored.Clone().Breaches, next.Breaches[len(stored.Breaches):]...)
	if stored.ResponseTime != nil {
		merged.ResponseTime = stored.Clone().ResponseTime
	}
	if stored.ResolutionTime != nil {
		merged.ResolutionTime = stored.Clone().ResolutionTime
	}
	merged.Version = stored.Version + 1
	return merged, nil
}

func checkEscalation(stored *domain.Ticket, record domain.EscalationRecord) error {
	if record.FromTier != stored.Tier {
		return apperrors.NewConflict("escalation does not start at current tier", map[string]any{
			"ticket_id": stored.ID, "tier": stored.Tier, "from_tier": record.FromTier,
		})
	}
	if !record.ToTier.Valid() || record.ToTier.Rank() < record.FromTier.Rank() {
		return apperrors.NewInvalidTransition("escalation cannot lower the tier", map[string]any{
			"ticket_id": stored.ID, "from_tier": record.FromTier, "to_tier": record.ToTier,
		})
	}
	return nil
}

// matches evaluates filter in memory.
func (f TicketFilter) matches(t *domain.Ticket) bool {
	if f.Tier != nil && t.Tier != *f.Tier {
		return false
	}
	if f.Status != nil && t.Status != *f.Status {
		return false
	}
	if f.Priority != nil && t.Priority != *f.Priority {
		return false
	}
	if f.Platform != nil && !strings.EqualFold(t.Platform, *f.Platform) {
		return false
	}
	if f.AssignedAgentID != nil && (t.AssignedAgentID == nil || *t.AssignedAgentID != *f.AssignedAgentID) {
		return false
	}
	if f.OpenOnly && t.Status.Terminal() {
		return false
	}
	if text := f.searchText(); text != "" {
		if !strings.Contains(strings.ToLower(t.Title), text) && !strings.Contains(strings.ToLower(t.Customer), text) {
			return false
		}
	}
	return true
}

func (f TicketFilter) searchText() string {
	if f.Text == nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(*f.Text))
}
