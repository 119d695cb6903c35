package handlers

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/ticket-routing/internal/api/dto"
	"github.com/spec-kit/ticket-routing/internal/domain"
	"github.com/spec-kit/ticket-routing/internal/service"
)

// AgentAdmin is the agent registry administration surface.
type AgentAdmin interface {
	UpsertAgent(ctx context.Context, in service.AgentInput) (*domain.Agent, error)
	GetAgent(ctx context.Context, id string) (*domain.Agent, error)
	ListAgents(ctx context.Context, tier *domain.Tier) ([]domain.Agent, error)
	SetAgentStatus(ctx context.Context, id string, status domain.AgentStatus) (*domain.Agent, error)
}

// AgentsHandler exposes agent endpoints.
type AgentsHandler struct {
	agents AgentAdmin
}

// NewAgentsHandler constructs handler.
func NewAgentsHandler(agents AgentAdmin) *AgentsHandler {
	return &AgentsHandler{agents: agents}
}

// UpsertAgent PUT /agents/:id.
func (h *AgentsHandler) UpsertAgent(c *fiber.Ctx) error {
	var req dto.UpsertAgentRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	agent, err := h.agents.UpsertAgent(c.UserContext(), service.AgentInput{
		ID:          c.Params("id"),
		Name:        req.Name,
		Contact:     req.Contact,
		Tier:        req.Tier,
		Status:      req.Status,
		MaxCapacity: req.MaxCapacity,
		Specialties: req.Specialties,
	})
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.AgentFromDomain(agent)})
}

// GetAgent GET /agents/:id.
func (h *AgentsHandler) GetAgent(c *fiber.Ctx) error {
	agent, err := h.agents.GetAgent(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.AgentFromDomain(agent)})
}

// ListAgents GET /agents.
func (h *AgentsHandler) ListAgents(c *fiber.Ctx) error {
	var tier *domain.Tier
	if v := strings.TrimSpace(c.Query("tier")); v != "" {
		t := domain.Tier(strings.ToUpper(v))
		tier = &t
	}
	agents, err := h.agents.ListAgents(c.UserContext(), tier)
	if err != nil {
		return err
	}
	items := make([]dto.AgentResponse, 0, len(agents))
	for i := range agents {
		items = append(items, dto.AgentFromDomain(&agents[i]))
	}
	return c.JSON(fiber.Map{"data": items})
}

// SetAgentStatus POST /agents/:id/status.
func (h *AgentsHandler) SetAgentStatus(c *fiber.Ctx) error {
	var req dto.AgentStatusRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	agent, err := h.agents.SetAgentStatus(c.UserContext(), c.Params("id"), req.Status)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.AgentFromDomain(agent)})
}
