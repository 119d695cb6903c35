package dto

import (
	"time"

	"github.com/spec-kit/ticket-routing/internal/domain"
)

// CreateTicketRequest payload.
type CreateTicketRequest struct {
	Title       string                `json:"title" validate:"required,max=200"`
	Description string                `json:"description" validate:"max=10000"`
	Priority    domain.TicketPriority `json:"priority" validate:"omitempty,oneof=CRITICAL HIGH MEDIUM LOW"`
	Tier        domain.Tier           `json:"tier" validate:"omitempty,oneof=TIER1 TIER2 TIER3 ESCALATED"`
	Source      string                `json:"source" validate:"max=64"`
	Platform    string                `json:"platform" validate:"max=64"`
	Customer    string                `json:"customer" validate:"max=200"`
	Tags        []string              `json:"tags" validate:"max=32,dive,max=64"`
}

// AssignRequest payload. A missing agent_id asks for auto-routing.
type AssignRequest struct {
	AgentID *string `json:"agent_id"`
}

// EscalateRequest payload.
type EscalateRequest struct {
	Reason domain.EscalationReason `json:"reason" validate:"required"`
	Actor  string                  `json:"actor" validate:"required,max=128"`
	Notes  *string                 `json:"notes" validate:"omitempty,max=2000"`
}

// StatusRequest payload.
type StatusRequest struct {
	Status domain.TicketStatus `json:"status" validate:"required"`
}

// PriorityRequest payload.
type PriorityRequest struct {
	Priority domain.TicketPriority `json:"priority" validate:"required,oneof=CRITICAL HIGH MEDIUM LOW"`
}

// SuggestionRequest is one classifier suggestion.
type SuggestionRequest struct {
	Title      string   `json:"title" validate:"required,max=200"`
	Content    string   `json:"content"`
	Tags       []string `json:"tags"`
	Confidence float64  `json:"confidence" validate:"gte=0,lte=1"`
	UsageCount int      `json:"usage_count" validate:"gte=0"`
}

// AttachSuggestionsRequest payload.
type AttachSuggestionsRequest struct {
	Suggestions []SuggestionRequest `json:"suggestions" validate:"required,min=1,dive"`
}

// TicketResponse is the full ticket view.
type TicketResponse struct {
	ID                 string                    `json:"id"`
	Title              string                    `json:"title"`
	Description        string                    `json:"description"`
	Status             domain.TicketStatus       `json:"status"`
	Priority           domain.TicketPriority     `json:"priority"`
	Tier               domain.Tier               `json:"tier"`
	Source             string                    `json:"source"`
	Platform           string                    `json:"platform"`
	Customer           string                    `json:"customer"`
	AssignedAgentID    *string                   `json:"assigned_agent_id"`
	Tags               []string                  `json:"tags"`
	Suggestions        []domain.AISuggestion     `json:"suggestions"`
	Escalations        []domain.EscalationRecord `json:"escalations"`
	Breaches           []domain.SLABreach        `json:"breaches"`
	SLADeadline        time.Time                 `json:"sla_deadline"`
	ResolutionDeadline time.Time                 `json:"resolution_deadline"`
	ResponseTimeMs     *int64                    `json:"response_time_ms"`
	ResolutionTimeMs   *int64                    `json:"resolution_time_ms"`
	CreatedAt          time.Time                 `json:"created_at"`
	UpdatedAt          time.Time                 `json:"updated_at"`
	ResolvedAt         *time.Time                `json:"resolved_at"`
	ClosedAt           *time.Time                `json:"closed_at"`
	Version            int64                     `json:"version"`
}

// TicketFromDomain converts a ticket for the wire.
func TicketFromDomain(t *domain.Ticket) TicketResponse {
	return TicketResponse{
		ID:                 t.ID,
		Title:              t.Title,
		Description:        t.Description,
		Status:             t.Status,
		Priority:           t.Priority,
		Tier:               t.Tier,
		Source:             t.Source,
		Platform:           t.Platform,
		Customer:           t.Customer,
		AssignedAgentID:    t.AssignedAgentID,
		Tags:               nonNil(t.Tags),
		Suggestions:        nonNil(t.Suggestions),
		Escalations:        nonNil(t.Escalations),
		Breaches:           nonNil(t.Breaches),
		SLADeadline:        t.SLADeadline,
		ResolutionDeadline: t.ResolutionDeadline,
		ResponseTimeMs:     millis(t.ResponseTime),
		ResolutionTimeMs:   millis(t.ResolutionTime),
		CreatedAt:          t.CreatedAt,
		UpdatedAt:          t.UpdatedAt,
		ResolvedAt:         t.ResolvedAt,
		ClosedAt:           t.ClosedAt,
		Version:            t.Version,
	}
}

func millis(d *time.Duration) *int64 {
	if d == nil {
		return nil
	}
	ms := d.Milliseconds()
	return &ms
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
