package handlers

import (
	"context"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/ticket-routing/internal/api/dto"
	"github.com/spec-kit/ticket-routing/internal/domain"
	"github.com/spec-kit/ticket-routing/internal/repository"
	"github.com/spec-kit/ticket-routing/internal/service"
	apperrors "github.com/spec-kit/ticket-routing/pkg/util/errorutil"
)

// TicketEngine is the part of the engine the ticket endpoints drive.
type TicketEngine interface {
	CreateTicket(ctx context.Context, in service.CreateTicketInput) (*domain.Ticket, error)
	GetTicket(ctx context.Context, id string) (*domain.Ticket, error)
	ListTickets(ctx context.Context, filter repository.TicketFilter) ([]domain.Ticket, error)
	AssignAgent(ctx context.Context, ticketID string, agentID *string) (*domain.Ticket, error)
	Escalate(ctx context.Context, ticketID string, reason domain.EscalationReason, actorID string, notes *string) (*domain.Ticket, error)
	Resolve(ctx context.Context, ticketID string) (*domain.Ticket, error)
	Close(ctx context.Context, ticketID string) (*domain.Ticket, error)
	SetStatus(ctx context.Context, ticketID string, status domain.TicketStatus) (*domain.Ticket, error)
	Reprioritize(ctx context.Context, ticketID string, priority domain.TicketPriority) (*domain.Ticket, error)
	AttachSuggestions(ctx context.Context, ticketID string, suggestions []domain.AISuggestion) (*domain.Ticket, error)
}

// TicketsHandler manages ticket endpoints.
type TicketsHandler struct {
	engine TicketEngine
}

// NewTicketsHandler constructs handler.
func NewTicketsHandler(engine TicketEngine) *TicketsHandler {
	return &TicketsHandler{engine: engine}
}

// CreateTicket POST /tickets.
func (h *TicketsHandler) CreateTicket(c *fiber.Ctx) error {
	var req dto.CreateTicketRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	ticket, err := h.engine.CreateTicket(c.UserContext(), service.CreateTicketInput{
		Title:       req.Title,
		Description: req.Description,
		Priority:    req.Priority,
		Tier:        req.Tier,
		Source:      req.Source,
		Platform:    req.Platform,
		Customer:    req.Customer,
		Tags:        req.Tags,
	})
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"data": dto.TicketFromDomain(ticket)})
}

// ListTickets GET /tickets.
func (h *TicketsHandler) ListTickets(c *fiber.Ctx) error {
	filter, err := parseTicketQuery(c)
	if err != nil {
		return err
	}
	tickets, err := h.engine.ListTickets(c.UserContext(), filter)
	if err != nil {
		return err
	}
	items := make([]dto.TicketResponse, 0, len(tickets))
	for i := range tickets {
		items = append(items, dto.TicketFromDomain(&tickets[i]))
	}
	return c.JSON(fiber.Map{"data": items})
}

// GetTicket GET /tickets/:id.
func (h *TicketsHandler) GetTicket(c *fiber.Ctx) error {
	ticket, err := h.engine.GetTicket(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.TicketFromDomain(ticket)})
}

// AssignTicket POST /tickets/:id/assign.
func (h *TicketsHandler) AssignTicket(c *fiber.Ctx) error {
	var req dto.AssignRequest
	if len(c.Body()) > 0 {
		if err := parseBody(c, &req); err != nil {
			return err
		}
	}
	ticket, err := h.engine.AssignAgent(c.UserContext(), c.Params("id"), req.AgentID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.TicketFromDomain(ticket)})
}

// EscalateTicket POST /tickets/:id/escalate.
func (h *TicketsHandler) EscalateTicket(c *fiber.Ctx) error {
	var req dto.EscalateRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	ticket, err := h.engine.Escalate(c.UserContext(), c.Params("id"), req.Reason, req.Actor, req.Notes)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.TicketFromDomain(ticket)})
}

// ResolveTicket POST /tickets/:id/resolve.
func (h *TicketsHandler) ResolveTicket(c *fiber.Ctx) error {
	ticket, err := h.engine.Resolve(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.TicketFromDomain(ticket)})
}

// CloseTicket POST /tickets/:id/close.
func (h *TicketsHandler) CloseTicket(c *fiber.Ctx) error {
	ticket, err := h.engine.Close(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.TicketFromDomain(ticket)})
}

// SetStatus POST /tickets/:id/status.
func (h *TicketsHandler) SetStatus(c *fiber.Ctx) error {
	var req dto.StatusRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	ticket, err := h.engine.SetStatus(c.UserContext(), c.Params("id"), req.Status)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.TicketFromDomain(ticket)})
}

// Reprioritize POST /tickets/:id/priority.
func (h *TicketsHandler) Reprioritize(c *fiber.Ctx) error {
	var req dto.PriorityRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	ticket, err := h.engine.Reprioritize(c.UserContext(), c.Params("id"), req.Priority)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.TicketFromDomain(ticket)})
}

// AttachSuggestions POST /tickets/:id/suggestions.
func (h *TicketsHandler) AttachSuggestions(c *fiber.Ctx) error {
	var req dto.AttachSuggestionsRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	suggestions := make([]domain.AISuggestion, 0, len(req.Suggestions))
	for _, s := range req.Suggestions {
		suggestions = append(suggestions, domain.AISuggestion{
			Title:      s.Title,
			Content:    s.Content,
			Tags:       s.Tags,
			Confidence: s.Confidence,
			UsageCount: s.UsageCount,
		})
	}
	ticket, err := h.engine.AttachSuggestions(c.UserContext(), c.Params("id"), suggestions)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.TicketFromDomain(ticket)})
}

func parseBody(c *fiber.Ctx, out any) error {
	if err := c.BodyParser(out); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	return dto.Validate(out)
}

func parseTicketQuery(c *fiber.Ctx) (repository.TicketFilter, error) {
	filter := repository.TicketFilter{}
	if v := strings.TrimSpace(c.Query("tier")); v != "" {
		tier := domain.Tier(strings.ToUpper(v))
		if !tier.Valid() {
			return filter, apperrors.NewValidationError("invalid tier", map[string]any{"tier": v})
		}
		filter.Tier = &tier
	}
	if v := strings.TrimSpace(c.Query("status")); v != "" {
		status := domain.TicketStatus(strings.ToUpper(v))
		if !status.Valid() {
			return filter, apperrors.NewValidationError("invalid status", map[string]any{"status": v})
		}
		filter.Status = &status
	}
	if v := strings.TrimSpace(c.Query("priority")); v != "" {
		priority := domain.TicketPriority(strings.ToUpper(v))
		if !priority.Valid() {
			return filter, apperrors.NewValidationError("invalid priority", map[string]any{"priority": v})
		}
		filter.Priority = &priority
	}
	if v := strings.TrimSpace(c.Query("platform")); v != "" {
		filter.Platform = &v
	}
	if v := strings.TrimSpace(c.Query("text")); v != "" {
		filter.Text = &v
	}
	if v := strings.TrimSpace(c.Query("agent_id")); v != "" {
		filter.AssignedAgentID = &v
	}
	filter.OpenOnly = c.QueryBool("open", false)
	if strings.EqualFold(c.Query("order"), "asc") {
		filter.Order = repository.CreatedAsc
	}
	limit, err := parseLimit(c.Query("limit"))
	if err != nil {
		return filter, err
	}
	filter.Limit = limit
	return filter, nil
}

func parseLimit(val string) (int, error) {
	if val == "" {
		return 0, nil
	}
	parsed, err := strconv.Atoi(val)
	if err != nil || parsed < 0 {
		return 0, apperrors.NewValidationError("limit must be a non-negative integer", map[string]any{"limit": val})
	}
	return parsed, nil
}
