package service

import (
	"context"
	"strings"

	"github.com/spec-kit/ticket-routing/internal/domain"
	"github.com/spec-kit/ticket-routing/internal/repository"
	apperrors "github.com/spec-kit/ticket-routing/pkg/util/errorutil"
)

// DrainRequester is notified when capacity may have opened up at a tier.
type DrainRequester interface {
	RequestDrain(tier domain.Tier)
}

// AgentService administers the agent registry.
type AgentService struct {
	agents repository.AgentRegistry
	drains DrainRequester
}

// AgentInput describes an agent upsert payload.
type AgentInput struct {
	ID          string
	Name        string
	Contact     string
	Tier        domain.Tier
	Status      domain.AgentStatus
	MaxCapacity int
	Specialties []string
}

// NewAgentService constructs the service. drains may be nil.
func NewAgentService(agents repository.AgentRegistry, drains DrainRequester) *AgentService {
	return &AgentService{agents: agents, drains: drains}
}

// UpsertAgent creates or replaces an agent's profile. Current load is
// owned by the engine and never written here.
func (s *AgentService) UpsertAgent(ctx context.Context, in AgentInput) (*domain.Agent, error) {
	in.ID = strings.TrimSpace(in.ID)
	if in.ID == "" {
		return nil, apperrors.NewValidationError("agent id is required", nil)
	}
	if !in.Tier.Valid() {
		return nil, apperrors.NewValidationError("invalid tier", map[string]any{"tier": in.Tier})
	}
	if in.Status == "" {
		in.Status = domain.AgentStatusOffline
	}
	if !in.Status.Valid() {
		return nil, apperrors.NewValidationError("invalid status", map[string]any{"status": in.Status})
	}
	if in.MaxCapacity < 0 {
		return nil, apperrors.NewValidationError("max capacity cannot be negative", nil)
	}

	agent, err := s.agents.Upsert(ctx, &domain.Agent{
		ID:          in.ID,
		Name:        in.Name,
		Contact:     in.Contact,
		Tier:        in.Tier,
		Status:      in.Status,
		MaxCapacity: in.MaxCapacity,
		Specialties: in.Specialties,
	})
	if err != nil {
		return nil, err
	}
	s.notify(agent)
	return agent, nil
}

// GetAgent returns one agent.
func (s *AgentService) GetAgent(ctx context.Context, id string) (*domain.Agent, error) {
	return s.agents.Get(ctx, id)
}

// ListAgents lists agents at tier, or all agents when tier is nil.
func (s *AgentService) ListAgents(ctx context.Context, tier *domain.Tier) ([]domain.Agent, error) {
	var t domain.Tier
	if tier != nil {
		if !tier.Valid() {
			return nil, apperrors.NewValidationError("invalid tier", map[string]any{"tier": *tier})
		}
		t = *tier
	}
	return s.agents.ListByTier(ctx, t)
}

// SetAgentStatus changes presence. Going online wakes the tier backlog.
func (s *AgentService) SetAgentStatus(ctx context.Context, id string, status domain.AgentStatus) (*domain.Agent, error) {
	if !status.Valid() {
		return nil, apperrors.NewValidationError("invalid status", map[string]any{"status": status})
	}
	agent, err := s.agents.SetStatus(ctx, id, status)
	if err != nil {
		return nil, err
	}
	s.notify(agent)
	return agent, nil
}

func (s *AgentService) notify(agent *domain.Agent) {
	if s.drains != nil && agent.Status == domain.AgentStatusOnline && agent.HasCapacity() {
		s.drains.RequestDrain(agent.Tier)
	}
}
