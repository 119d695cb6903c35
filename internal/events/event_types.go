package events

import (
	"time"

	"github.com/spec-kit/ticket-routing/internal/domain"
)

// EventType enumerates supported event identifiers.
type EventType string

const (
	EventTicketCreated         EventType = "ticket_created"
	EventTicketAssigned        EventType = "ticket_assigned"
	EventTicketEscalated       EventType = "ticket_escalated"
	EventSLABreached           EventType = "sla_breached"
	EventTicketResolved        EventType = "ticket_resolved"
	EventTicketClosed          EventType = "ticket_closed"
	EventTicketStatusChanged   EventType = "ticket_status_changed"
	EventTicketPriorityChanged EventType = "ticket_priority_changed"
	EventTicketUnassignable    EventType = "ticket_unassignable"
	EventEngineDegraded        EventType = "engine_degraded"
)

// TicketState is the ticket snapshot carried by every ticket event.
type TicketState struct {
	Status          domain.TicketStatus   `json:"status"`
	Tier            domain.Tier           `json:"tier"`
	Priority        domain.TicketPriority `json:"priority"`
	AssignedAgentID *string               `json:"assigned_agent_id,omitempty"`
	Version         int64                 `json:"version"`
}

// StateOf captures t.
func StateOf(t *domain.Ticket) *TicketState {
	if t == nil {
		return nil
	}
	var agent *string
	if t.AssignedAgentID != nil {
		id := *t.AssignedAgentID
		agent = &id
	}
	return &TicketState{
		Status:          t.Status,
		Tier:            t.Tier,
		Priority:        t.Priority,
		AssignedAgentID: agent,
		Version:         t.Version,
	}
}

// Event represents a domain event emitted by the engine.
type Event struct {
	ID        string       `json:"id"`
	Type      EventType    `json:"type"`
	TicketID  string       `json:"ticket_id,omitempty"`
	ActorID   string       `json:"actor_id,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
	State     *TicketState `json:"state,omitempty"`
	Payload   interface{}  `json:"payload,omitempty"`
}

// TicketCreatedPayload payload.
type TicketCreatedPayload struct {
	Title       string    `json:"title"`
	Source      string    `json:"source"`
	Platform    string    `json:"platform"`
	SLADeadline time.Time `json:"sla_deadline"`
}

// TicketAssignedPayload payload. Mode is "auto" or "manual".
type TicketAssignedPayload struct {
	AgentID string `json:"agent_id"`
	Mode    string `json:"mode"`
}

// TicketEscalatedPayload payload.
type TicketEscalatedPayload struct {
	Record domain.EscalationRecord `json:"record"`
}

// SLABreachedPayload payload.
type SLABreachedPayload struct {
	Kind          domain.SLAKind `json:"kind"`
	Deadline      time.Time      `json:"deadline"`
	AutoEscalated bool           `json:"auto_escalated"`
}

// TicketStatusChangedPayload payload.
type TicketStatusChangedPayload struct {
	OldStatus domain.TicketStatus `json:"old_status"`
	NewStatus domain.TicketStatus `json:"new_status"`
}

// TicketPriorityChangedPayload payload.
type TicketPriorityChangedPayload struct {
	OldPriority domain.TicketPriority `json:"old_priority"`
	NewPriority domain.TicketPriority `json:"new_priority"`
}

// EngineDegradedPayload reports an operation that exhausted its retries.
type EngineDegradedPayload struct {
	Operation string `json:"operation"`
	Attempts  int    `json:"attempts"`
	Error     string `json:"error"`
}
