package service

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/spec-kit/ticket-routing/internal/backlog"
	"github.com/spec-kit/ticket-routing/internal/domain"
	"github.com/spec-kit/ticket-routing/internal/events"
	apperrors "github.com/spec-kit/ticket-routing/pkg/util/errorutil"
)

// Escalate moves a ticket up one tier. Escalating an Escalated ticket is a
// no-op that returns it unchanged.
func (e *Engine) Escalate(ctx context.Context, ticketID string, reason domain.EscalationReason, actorID string, notes *string) (*domain.Ticket, error) {
	if !reason.Valid() {
		return nil, apperrors.NewValidationError("invalid escalation reason", map[string]any{"reason": reason})
	}
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return nil, apperrors.NewValidationError("actor is required", nil)
	}
	return e.run(ctx, "escalate", ticketID, func(ctx context.Context) (*domain.Ticket, error) {
		ticket, err := e.getTicket(ctx, ticketID)
		if err != nil {
			return nil, err
		}
		return e.escalate(ctx, ticket, reason, "", actorID, notes)
	})
}

func (e *Engine) escalate(ctx context.Context, ticket *domain.Ticket, reason domain.EscalationReason, detail, actorID string, notes *string) (*domain.Ticket, error) {
	if ticket.Status.Terminal() {
		return nil, apperrors.NewInvalidTransition("cannot escalate a resolved or closed ticket", map[string]any{
			"ticket_id": ticket.ID, "status": ticket.Status,
		})
	}
	if ticket.Tier.Top() {
		return ticket, nil
	}

	now := e.clock.Now()
	record := domain.EscalationRecord{
		Timestamp: now,
		FromTier:  ticket.Tier,
		ToTier:    ticket.Tier.Next(),
		Reason:    reason,
		Detail:    detail,
		ActorID:   actorID,
		Notes:     notes,
	}
	escalated, err := retry(ctx, e, "ticket append escalation", func(ctx context.Context) (*domain.Ticket, error) {
		return e.tickets.AppendEscalation(ctx, ticket.ID, record)
	})
	if apperrors.IsCode(err, apperrors.CodeConflict) {
		// A timed out attempt may have been applied before the retry.
		if current, gerr := e.getTicket(ctx, ticket.ID); gerr == nil && appliedEscalation(current, record) {
			escalated, err = current, nil
		}
	}
	if err != nil {
		return nil, err
	}
	e.removeFromBacklog(ctx, record.FromTier, ticket.ID)

	previous := escalated.AssignedAgentID
	next := escalated.Clone()
	next.AssignedAgentID = nil
	next.Status = domain.TicketStatusOpen
	next.UpdatedAt = now
	updated, err := e.updateTicket(ctx, next)
	if err != nil {
		return nil, err
	}
	if previous != nil {
		e.release(ctx, *previous)
	}

	e.metrics.TicketEscalated(reason)
	e.publish(ctx, events.EventTicketEscalated, updated, actorID, events.TicketEscalatedPayload{Record: record})
	e.logger.Info("ticket escalated",
		zap.String("ticket_id", updated.ID),
		zap.String("from_tier", string(record.FromTier)),
		zap.String("to_tier", string(record.ToTier)),
		zap.String("reason", string(reason)),
		zap.String("actor_id", actorID))

	return e.routeOrQueue(ctx, updated), nil
}

func appliedEscalation(ticket *domain.Ticket, record domain.EscalationRecord) bool {
	if ticket.Tier != record.ToTier || len(ticket.Escalations) == 0 {
		return false
	}
	last := ticket.Escalations[len(ticket.Escalations)-1]
	return last.FromTier == record.FromTier && last.Timestamp.Equal(record.Timestamp)
}

// Resolve marks a ticket resolved, frees its agent and stops its timers.
func (e *Engine) Resolve(ctx context.Context, ticketID string) (*domain.Ticket, error) {
	return e.run(ctx, "resolve", ticketID, func(ctx context.Context) (*domain.Ticket, error) {
		ticket, err := e.getTicket(ctx, ticketID)
		if err != nil {
			return nil, err
		}
		if ticket.Status.Terminal() {
			return nil, apperrors.NewInvalidTransition("ticket is already resolved or closed", map[string]any{
				"ticket_id": ticketID, "status": ticket.Status,
			})
		}

		now := e.clock.Now()
		next := ticket.Clone()
		next.Status = domain.TicketStatusResolved
		resolution := now.Sub(ticket.CreatedAt)
		next.ResolutionTime = &resolution
		next.ResolvedAt = &now
		next.UpdatedAt = now
		updated, err := e.updateTicket(ctx, next)
		if err != nil {
			return nil, err
		}

		e.cancelTimers(ticketID)
		e.removeFromBacklog(ctx, ticket.Tier, ticketID)
		if ticket.Assigned() {
			e.release(ctx, *ticket.AssignedAgentID)
		}
		e.metrics.TicketResolved()
		e.publish(ctx, events.EventTicketResolved, updated, "", events.TicketStatusChangedPayload{
			OldStatus: ticket.Status,
			NewStatus: updated.Status,
		})
		e.logger.Info("ticket resolved", zap.String("ticket_id", ticketID), zap.Duration("resolution_time", resolution))
		return updated, nil
	})
}

// Close moves a Resolved ticket to Closed.
func (e *Engine) Close(ctx context.Context, ticketID string) (*domain.Ticket, error) {
	return e.run(ctx, "close", ticketID, func(ctx context.Context) (*domain.Ticket, error) {
		ticket, err := e.getTicket(ctx, ticketID)
		if err != nil {
			return nil, err
		}
		if ticket.Status != domain.TicketStatusResolved {
			return nil, apperrors.NewInvalidTransition("only resolved tickets can be closed", map[string]any{
				"ticket_id": ticketID, "status": ticket.Status,
			})
		}
		now := e.clock.Now()
		next := ticket.Clone()
		next.Status = domain.TicketStatusClosed
		next.ClosedAt = &now
		next.UpdatedAt = now
		updated, err := e.updateTicket(ctx, next)
		if err != nil {
			return nil, err
		}
		e.cancelTimers(ticketID)
		e.publish(ctx, events.EventTicketClosed, updated, "", events.TicketStatusChangedPayload{
			OldStatus: ticket.Status,
			NewStatus: updated.Status,
		})
		return updated, nil
	})
}

// SetStatus toggles an assigned ticket between InProgress and
// PendingCustomer.
func (e *Engine) SetStatus(ctx context.Context, ticketID string, status domain.TicketStatus) (*domain.Ticket, error) {
	if status != domain.TicketStatusInProgress && status != domain.TicketStatusPendingCustomer {
		return nil, apperrors.NewValidationError("status must be IN_PROGRESS or PENDING_CUSTOMER", map[string]any{"status": status})
	}
	return e.run(ctx, "set_status", ticketID, func(ctx context.Context) (*domain.Ticket, error) {
		ticket, err := e.getTicket(ctx, ticketID)
		if err != nil {
			return nil, err
		}
		if ticket.Status == status {
			return ticket, nil
		}
		toggle := (ticket.Status == domain.TicketStatusInProgress && status == domain.TicketStatusPendingCustomer) ||
			(ticket.Status == domain.TicketStatusPendingCustomer && status == domain.TicketStatusInProgress)
		if !toggle {
			return nil, apperrors.NewInvalidTransition("illegal status change", map[string]any{
				"ticket_id": ticketID, "from": ticket.Status, "to": status,
			})
		}
		next := ticket.Clone()
		next.Status = status
		next.UpdatedAt = e.clock.Now()
		updated, err := e.updateTicket(ctx, next)
		if err != nil {
			return nil, err
		}
		e.publish(ctx, events.EventTicketStatusChanged, updated, "", events.TicketStatusChangedPayload{
			OldStatus: ticket.Status,
			NewStatus: updated.Status,
		})
		return updated, nil
	})
}

// Reprioritize changes a ticket's priority. Deadlines fixed at creation
// are not moved; only backlog ordering follows the new priority.
func (e *Engine) Reprioritize(ctx context.Context, ticketID string, priority domain.TicketPriority) (*domain.Ticket, error) {
	if !priority.Valid() {
		return nil, apperrors.NewValidationError("invalid priority", map[string]any{"priority": priority})
	}
	return e.run(ctx, "reprioritize", ticketID, func(ctx context.Context) (*domain.Ticket, error) {
		ticket, err := e.getTicket(ctx, ticketID)
		if err != nil {
			return nil, err
		}
		if ticket.Status.Terminal() {
			return nil, apperrors.NewInvalidTransition("cannot reprioritize a resolved or closed ticket", map[string]any{
				"ticket_id": ticketID, "status": ticket.Status,
			})
		}
		if ticket.Priority == priority {
			return ticket, nil
		}
		next := ticket.Clone()
		next.Priority = priority
		next.UpdatedAt = e.clock.Now()
		updated, err := e.updateTicket(ctx, next)
		if err != nil {
			return nil, err
		}
		if !updated.Assigned() {
			err := e.backlog.Push(ctx, updated.Tier, backlog.Entry{
				TicketID:  updated.ID,
				Priority:  updated.Priority,
				CreatedAt: updated.CreatedAt,
			})
			if err != nil {
				e.logger.Warn("backlog reorder failed", zap.String("ticket_id", ticketID), zap.Error(err))
			}
		}
		e.publish(ctx, events.EventTicketPriorityChanged, updated, "", events.TicketPriorityChangedPayload{
			OldPriority: ticket.Priority,
			NewPriority: updated.Priority,
		})
		return updated, nil
	})
}

// AttachSuggestions appends classifier suggestions. When the best
// confidence in the batch is under the configured threshold the ticket is
// escalated with reason low_confidence.
func (e *Engine) AttachSuggestions(ctx context.Context, ticketID string, suggestions []domain.AISuggestion) (*domain.Ticket, error) {
	if len(suggestions) == 0 {
		return nil, apperrors.NewValidationError("at least one suggestion is required", nil)
	}
	for i, s := range suggestions {
		if s.Confidence < 0 || s.Confidence > 1 {
			return nil, apperrors.NewValidationError("confidence must be within [0,1]", map[string]any{"index": i})
		}
		if strings.TrimSpace(s.Title) == "" {
			return nil, apperrors.NewValidationError("suggestion title is required", map[string]any{"index": i})
		}
	}
	best, _ := (&domain.Ticket{Suggestions: suggestions}).BestConfidence()

	return e.run(ctx, "attach_suggestions", ticketID, func(ctx context.Context) (*domain.Ticket, error) {
		ticket, err := e.getTicket(ctx, ticketID)
		if err != nil {
			return nil, err
		}
		if ticket.Status.Terminal() {
			return nil, apperrors.NewInvalidTransition("cannot annotate a resolved or closed ticket", map[string]any{
				"ticket_id": ticketID, "status": ticket.Status,
			})
		}
		next := ticket.Clone()
		batch := (&domain.Ticket{Suggestions: suggestions}).Clone().Suggestions
		next.Suggestions = append(next.Suggestions, batch...)
		next.UpdatedAt = e.clock.Now()
		updated, err := e.updateTicket(ctx, next)
		if err != nil {
			return nil, err
		}

		if best >= e.cfg.LowConfidenceThreshold || updated.Tier.Top() {
			return updated, nil
		}
		e.logger.Info("low classifier confidence; escalating",
			zap.String("ticket_id", ticketID), zap.Float64("confidence", best))
		return e.escalate(ctx, updated, domain.EscalationReasonLowConfidence,
			fmt.Sprintf("best confidence %.2f below %.2f", best, e.cfg.LowConfidenceThreshold),
			domain.SystemActor, nil)
	})
}
