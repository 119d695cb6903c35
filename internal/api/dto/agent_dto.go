package dto

import (
	"time"

	"github.com/spec-kit/ticket-routing/internal/domain"
)

// UpsertAgentRequest payload. The agent id comes from the path.
type UpsertAgentRequest struct {
	Name        string             `json:"name" validate:"max=200"`
	Contact     string             `json:"contact" validate:"max=200"`
	Tier        domain.Tier        `json:"tier" validate:"required,oneof=TIER1 TIER2 TIER3 ESCALATED"`
	Status      domain.AgentStatus `json:"status" validate:"omitempty,oneof=ONLINE BUSY OFFLINE"`
	MaxCapacity int                `json:"max_capacity" validate:"gte=0,lte=1000"`
	Specialties []string           `json:"specialties" validate:"max=32,dive,max=64"`
}

// AgentStatusRequest payload.
type AgentStatusRequest struct {
	Status domain.AgentStatus `json:"status" validate:"required,oneof=ONLINE BUSY OFFLINE"`
}

// AgentResponse is the agent view.
type AgentResponse struct {
	ID             string             `json:"id"`
	Name           string             `json:"name"`
	Contact        string             `json:"contact"`
	Tier           domain.Tier        `json:"tier"`
	Status         domain.AgentStatus `json:"status"`
	CurrentLoad    int                `json:"current_load"`
	MaxCapacity    int                `json:"max_capacity"`
	Specialties    []string           `json:"specialties"`
	LastAssignedAt *time.Time         `json:"last_assigned_at"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// AgentFromDomain converts an agent for the wire.
func AgentFromDomain(a *domain.Agent) AgentResponse {
	return AgentResponse{
		ID:             a.ID,
		Name:           a.Name,
		Contact:        a.Contact,
		Tier:           a.Tier,
		Status:         a.Status,
		CurrentLoad:    a.CurrentLoad,
		MaxCapacity:    a.MaxCapacity,
		Specialties:    nonNil(a.Specialties),
		LastAssignedAt: a.LastAssignedAt,
		CreatedAt:      a.CreatedAt,
		UpdatedAt:      a.UpdatedAt,
	}
}
