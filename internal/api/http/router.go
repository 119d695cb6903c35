package http

import (
	nethttp "net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"

	"github.com/spec-kit/ticket-routing/internal/api/http/handlers"
)

// RouteConfig bundles dependencies for route registration.
type RouteConfig struct {
	Health  *handlers.HealthHandler
	Tickets *handlers.TicketsHandler
	Agents  *handlers.AgentsHandler
	Events  *handlers.EventsHandler
	Metrics nethttp.Handler
}

// RegisterRoutes wires HTTP routes.
func RegisterRoutes(app *fiber.App, cfg RouteConfig) {
	if cfg.Health != nil {
		app.Get("/health/live", cfg.Health.Live)
		app.Get("/health/ready", cfg.Health.Ready)
	}
	if cfg.Metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(cfg.Metrics))
	}
	if cfg.Events != nil {
		app.Get("/events", cfg.Events.Stream)
	}

	tickets := app.Group("/tickets")
	tickets.Post("/", cfg.Tickets.CreateTicket)
	tickets.Get("/", cfg.Tickets.ListTickets)
	tickets.Get("/:id", cfg.Tickets.GetTicket)
	tickets.Post("/:id/assign", cfg.Tickets.AssignTicket)
	tickets.Post("/:id/escalate", cfg.Tickets.EscalateTicket)
	tickets.Post("/:id/resolve", cfg.Tickets.ResolveTicket)
	tickets.Post("/:id/close", cfg.Tickets.CloseTicket)
	tickets.Post("/:id/status", cfg.Tickets.SetStatus)
	tickets.Post("/:id/priority", cfg.Tickets.Reprioritize)
	tickets.Post("/:id/suggestions", cfg.Tickets.AttachSuggestions)

	agents := app.Group("/agents")
	agents.Get("/", cfg.Agents.ListAgents)
	agents.Put("/:id", cfg.Agents.UpsertAgent)
	agents.Get("/:id", cfg.Agents.GetAgent)
	agents.Post("/:id/status", cfg.Agents.SetAgentStatus)
}
