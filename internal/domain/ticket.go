package domain

import (
	"slices"
	"strings"
	"time"
)

// TicketStatus enumerates lifecycle states for tickets.
type TicketStatus string

const (
	TicketStatusOpen            TicketStatus = "OPEN"
	TicketStatusInProgress      TicketStatus = "IN_PROGRESS"
	TicketStatusPendingCustomer TicketStatus = "PENDING_CUSTOMER"
	TicketStatusUnassignable    TicketStatus = "UNASSIGNABLE"
	TicketStatusResolved        TicketStatus = "RESOLVED"
	TicketStatusClosed          TicketStatus = "CLOSED"
)

// Terminal reports whether no further work happens on the ticket.
func (s TicketStatus) Terminal() bool {
	return s == TicketStatusResolved || s == TicketStatusClosed
}

// Valid reports whether s is a known status.
func (s TicketStatus) Valid() bool {
	switch s {
	case TicketStatusOpen, TicketStatusInProgress, TicketStatusPendingCustomer,
		TicketStatusUnassignable, TicketStatusResolved, TicketStatusClosed:
		return true
	}
	return false
}

// TicketPriority enumerates SLA urgency.
type TicketPriority string

const (
	TicketPriorityLow      TicketPriority = "LOW"
	TicketPriorityMedium   TicketPriority = "MEDIUM"
	TicketPriorityHigh     TicketPriority = "HIGH"
	TicketPriorityCritical TicketPriority = "CRITICAL"
)

// Priorities lists every priority, most urgent first.
var Priorities = []TicketPriority{
	TicketPriorityCritical,
	TicketPriorityHigh,
	TicketPriorityMedium,
	TicketPriorityLow,
}

// Rank orders priorities; higher is more urgent. Unknown priorities rank 0.
func (p TicketPriority) Rank() int {
	switch p {
	case TicketPriorityCritical:
		return 4
	case TicketPriorityHigh:
		return 3
	case TicketPriorityMedium:
		return 2
	case TicketPriorityLow:
		return 1
	}
	return 0
}

// Valid reports whether p is a known priority.
func (p TicketPriority) Valid() bool {
	return p.Rank() > 0
}

// Tier is the competence level required to resolve a ticket.
type Tier string

const (
	TierOne       Tier = "TIER1"
	TierTwo       Tier = "TIER2"
	TierThree     Tier = "TIER3"
	TierEscalated Tier = "ESCALATED"
)

// Tiers lists every tier from lowest to highest.
var Tiers = []Tier{TierOne, TierTwo, TierThree, TierEscalated}

// Rank orders tiers; Tier1 is 1, Escalated is 4. Unknown tiers rank 0.
func (t Tier) Rank() int {
	return slices.Index(Tiers, t) + 1
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	return t.Rank() > 0
}

// Next returns the tier one step up. Escalated is its own successor.
func (t Tier) Next() Tier {
	idx := slices.Index(Tiers, t)
	if idx < 0 || idx == len(Tiers)-1 {
		return t
	}
	return Tiers[idx+1]
}

// Top reports whether no further upward transition exists.
func (t Tier) Top() bool {
	return t == TierEscalated
}

// SLAKind names which SLA clock a deadline or breach belongs to.
type SLAKind string

const (
	SLAKindResponse   SLAKind = "RESPONSE"
	SLAKindResolution SLAKind = "RESOLUTION"
)

// SLABreach records a deadline that passed before it was met.
type SLABreach struct {
	Kind       SLAKind   `json:"kind"`
	Deadline   time.Time `json:"deadline"`
	RecordedAt time.Time `json:"recorded_at"`
}

// AISuggestion is a classifier annotation. The engine never mutates it.
type AISuggestion struct {
	Title      string   `json:"title"`
	Content    string   `json:"content"`
	Tags       []string `json:"tags"`
	Confidence float64  `json:"confidence"`
	UsageCount int      `json:"usage_count"`
}

// Ticket is the aggregate for support requests.
type Ticket struct {
	ID                 string
	Title              string
	Description        string
	Status             TicketStatus
	Priority           TicketPriority
	Tier               Tier
	Source             string
	Platform           string
	Customer           string
	AssignedAgentID    *string
	Tags               []string
	Suggestions        []AISuggestion
	Escalations        []EscalationRecord
	Breaches           []SLABreach
	SLADeadline        time.Time
	ResolutionDeadline time.Time
	ResponseTime       *time.Duration
	ResolutionTime     *time.Duration
	CreatedAt          time.Time
	UpdatedAt          time.Time
	ResolvedAt         *time.Time
	ClosedAt           *time.Time
	Version            int64
}

// Assigned reports whether an agent currently holds the ticket.
func (t *Ticket) Assigned() bool {
	return t.AssignedAgentID != nil && *t.AssignedAgentID != ""
}

// Breached reports whether a breach of kind was already recorded.
func (t *Ticket) Breached(kind SLAKind) bool {
	for _, b := range t.Breaches {
		if b.Kind == kind {
			return true
		}
	}
	return false
}

// BestConfidence returns the highest suggestion confidence, and false when
// the ticket carries no suggestions.
func (t *Ticket) BestConfidence() (float64, bool) {
	if len(t.Suggestions) == 0 {
		return 0, false
	}
	best := t.Suggestions[0].Confidence
	for _, s := range t.Suggestions[1:] {
		best = max(best, s.Confidence)
	}
	return best, true
}

// Clone returns a deep copy so callers cannot alias store-owned slices.
func (t *Ticket) Clone() *Ticket {
	if t == nil {
		return nil
	}
	c := *t
	c.AssignedAgentID = clonePtr(t.AssignedAgentID)
	c.ResponseTime = clonePtr(t.ResponseTime)
	c.ResolutionTime = clonePtr(t.ResolutionTime)
	c.ResolvedAt = clonePtr(t.ResolvedAt)
	c.ClosedAt = clonePtr(t.ClosedAt)
	c.Tags = slices.Clone(t.Tags)
	c.Escalations = slices.Clone(t.Escalations)
	c.Breaches = slices.Clone(t.Breaches)
	if t.Suggestions != nil {
		c.Suggestions = make([]AISuggestion, len(t.Suggestions))
		for i, s := range t.Suggestions {
			s.Tags = slices.Clone(s.Tags)
			c.Suggestions[i] = s
		}
	}
	return &c
}

// NormalizeTags lowercases, trims and de-duplicates tags, keeping order.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
