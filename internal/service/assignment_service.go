package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/ticket-routing/internal/backlog"
	"github.com/spec-kit/ticket-routing/internal/domain"
	"github.com/spec-kit/ticket-routing/internal/events"
	"github.com/spec-kit/ticket-routing/internal/worker"
	apperrors "github.com/spec-kit/ticket-routing/pkg/util/errorutil"
)

// maxRouteAttempts bounds how often auto-routing re-picks an agent after
// losing a reservation race.
const maxRouteAttempts = 3

const (
	assignModeAuto   = "auto"
	assignModeManual = "manual"
)

// AssignAgent assigns ticketID to agentID, or auto-routes it when agentID
// is nil. An explicit agent may sit at any tier but must not be offline.
// Auto-routing that finds nobody queues the ticket and returns it together
// with a NoneAvailable error.
func (e *Engine) AssignAgent(ctx context.Context, ticketID string, agentID *string) (*domain.Ticket, error) {
	return e.run(ctx, "assign", ticketID, func(ctx context.Context) (*domain.Ticket, error) {
		ticket, err := e.getTicket(ctx, ticketID)
		if err != nil {
			return nil, err
		}
		if ticket.Status.Terminal() {
			return nil, apperrors.NewInvalidTransition("cannot assign a resolved or closed ticket", map[string]any{
				"ticket_id": ticketID, "status": ticket.Status,
			})
		}

		if agentID == nil || *agentID == "" {
			if ticket.Assigned() {
				return ticket, nil
			}
			return e.routeTicket(ctx, ticket)
		}

		if ticket.Assigned() && *ticket.AssignedAgentID == *agentID {
			return ticket, nil
		}
		agent, err := retry(ctx, e, "agent get", func(ctx context.Context) (*domain.Agent, error) {
			return e.agents.Get(ctx, *agentID)
		})
		if err != nil {
			return nil, err
		}
		if agent.Status == domain.AgentStatusOffline {
			return nil, apperrors.NewConflict("agent is offline", map[string]any{"agent_id": agent.ID})
		}
		return e.assignTo(ctx, ticket, agent.ID, assignModeManual)
	})
}

// routeTicket finds and reserves an agent at the ticket's tier. If nobody
// is available the ticket is queued and NoneAvailable is returned with it.
func (e *Engine) routeTicket(ctx context.Context, ticket *domain.Ticket) (*domain.Ticket, error) {
	for range maxRouteAttempts {
		agent, err := retry(ctx, e, "route", func(ctx context.Context) (*domain.Agent, error) {
			return e.router.FindAgent(ctx, ticket.Tier, ticket.Tags)
		})
		if apperrors.IsCode(err, apperrors.CodeNoneAvailable) {
			break
		}
		if err != nil {
			return ticket, err
		}
		assigned, err := e.assignTo(ctx, ticket, agent.ID, assignModeAuto)
		if apperrors.IsCode(err, apperrors.CodeCapacityExceeded) {
			continue
		}
		return assigned, err
	}

	queued := e.enqueue(ctx, ticket)
	return queued, apperrors.NewNoneAvailable(map[string]any{"ticket_id": ticket.ID, "tier": ticket.Tier})
}

// routeOrQueue routes ticket and always returns the latest known state.
// Failures other than NoneAvailable are logged and the ticket is queued so
// a later drain or sweep picks it up.
func (e *Engine) routeOrQueue(ctx context.Context, ticket *domain.Ticket) *domain.Ticket {
	routed, err := e.routeTicket(ctx, ticket)
	if err == nil || apperrors.IsCode(err, apperrors.CodeNoneAvailable) {
		return routed
	}
	e.logger.Warn("routing failed; queueing ticket", zap.String("ticket_id", ticket.ID), zap.Error(err))
	return e.enqueue(ctx, ticket)
}

// assignTo reserves capacity on agentID before writing the ticket and
// gives the reservation back if the write fails.
func (e *Engine) assignTo(ctx context.Context, ticket *domain.Ticket, agentID, mode string) (*domain.Ticket, error) {
	now := e.clock.Now()
	_, err := retry(ctx, e, "agent reserve", func(ctx context.Context) (*domain.Agent, error) {
		return e.agents.Reserve(ctx, agentID, now)
	})
	if err != nil {
		return nil, err
	}

	previous := ticket.AssignedAgentID
	next := ticket.Clone()
	next.AssignedAgentID = &agentID
	if next.Status == domain.TicketStatusOpen || next.Status == domain.TicketStatusUnassignable {
		next.Status = domain.TicketStatusInProgress
	}
	if next.ResponseTime == nil {
		responded := now.Sub(ticket.CreatedAt)
		next.ResponseTime = &responded
	}
	next.UpdatedAt = now

	updated, err := e.updateTicket(ctx, next)
	if err != nil {
		current, applied := e.appliedAssignment(ctx, ticket.ID, agentID)
		if !applied {
			e.unreserve(ctx, agentID)
			return nil, err
		}
		e.logger.Warn("ticket update reported failure but was applied",
			zap.String("ticket_id", ticket.ID), zap.String("agent_id", agentID), zap.Error(err))
		updated = current
	}
	if previous != nil && *previous != agentID {
		e.release(ctx, *previous)
	}

	e.removeFromBacklog(ctx, ticket.Tier, ticket.ID)
	e.cancelTimer(ticket.ID, domain.SLAKindResponse)
	e.metrics.TicketAssigned(mode)
	e.publish(ctx, events.EventTicketAssigned, updated, "", events.TicketAssignedPayload{AgentID: agentID, Mode: mode})
	e.logger.Info("ticket assigned",
		zap.String("ticket_id", updated.ID),
		zap.String("agent_id", agentID),
		zap.String("tier", string(updated.Tier)),
		zap.String("mode", mode))
	return updated, nil
}

// release returns one unit of capacity and wakes the agent's tier backlog.
func (e *Engine) release(ctx context.Context, agentID string) {
	if agent := e.unreserve(ctx, agentID); agent != nil {
		e.RequestDrain(agent.Tier)
	}
}

// unreserve returns one unit of capacity without waking the backlog. A
// failed assignment rolls back through here so a broken store does not
// keep the drain loop spinning.
func (e *Engine) unreserve(ctx context.Context, agentID string) *domain.Agent {
	ctx, cancel := e.detached(ctx)
	defer cancel()
	agent, err := retry(ctx, e, "agent release", func(ctx context.Context) (*domain.Agent, error) {
		return e.agents.Release(ctx, agentID)
	})
	if err != nil {
		e.logger.Error("release failed; agent load may be stale", zap.String("agent_id", agentID), zap.Error(err))
		return nil
	}
	return agent
}

// appliedAssignment re-reads a ticket after a failed assignment write. A
// write that timed out may still have committed, in which case the
// reservation belongs to the ticket and must be kept.
func (e *Engine) appliedAssignment(ctx context.Context, ticketID, agentID string) (*domain.Ticket, bool) {
	ctx, cancel := e.detached(ctx)
	defer cancel()
	current, err := e.getTicket(ctx, ticketID)
	if err != nil || current.Status.Terminal() || current.AssignedAgentID == nil || *current.AssignedAgentID != agentID {
		return nil, false
	}
	return current, true
}

// enqueue puts an unassigned ticket on its tier backlog. A ticket at the
// top tier that nobody can take becomes Unassignable.
func (e *Engine) enqueue(ctx context.Context, ticket *domain.Ticket) *domain.Ticket {
	err := e.backlog.Push(ctx, ticket.Tier, backlog.Entry{
		TicketID:  ticket.ID,
		Priority:  ticket.Priority,
		CreatedAt: ticket.CreatedAt,
	})
	if err != nil {
		e.logger.Warn("backlog push failed", zap.String("ticket_id", ticket.ID), zap.Error(err))
	}
	e.refreshBacklogDepth(ctx, ticket.Tier)

	if !ticket.Tier.Top() || ticket.Status != domain.TicketStatusOpen {
		return ticket
	}
	next := ticket.Clone()
	next.Status = domain.TicketStatusUnassignable
	next.UpdatedAt = e.clock.Now()
	updated, err := e.updateTicket(ctx, next)
	if err != nil {
		e.logger.Warn("mark unassignable failed", zap.String("ticket_id", ticket.ID), zap.Error(err))
		return ticket
	}
	e.publish(ctx, events.EventTicketUnassignable, updated, domain.SystemActor, events.TicketStatusChangedPayload{
		OldStatus: ticket.Status,
		NewStatus: updated.Status,
	})
	e.logger.Warn("escalated ticket has no available agent", zap.String("ticket_id", updated.ID))
	return updated
}

func (e *Engine) removeFromBacklog(ctx context.Context, tier domain.Tier, ticketID string) {
	if err := e.backlog.Remove(ctx, tier, ticketID); err != nil {
		e.logger.Warn("backlog remove failed", zap.String("ticket_id", ticketID), zap.Error(err))
	}
	e.refreshBacklogDepth(ctx, tier)
}

func (e *Engine) refreshBacklogDepth(ctx context.Context, tier domain.Tier) {
	if n, err := e.backlog.Len(ctx, tier); err == nil {
		e.metrics.BacklogDepth(tier, n)
	}
}

// RequestDrain asks the drain loop to re-route tier's backlog. Requests
// for a tier already pending are coalesced.
func (e *Engine) RequestDrain(tier domain.Tier) {
	e.drainMu.Lock()
	if e.drainPending[tier] {
		e.drainMu.Unlock()
		return
	}
	e.drainPending[tier] = true
	e.drainMu.Unlock()

	select {
	case e.drainCh <- tier:
	default:
		e.drainMu.Lock()
		delete(e.drainPending, tier)
		e.drainMu.Unlock()
	}
}

func (e *Engine) drainLoop() {
	defer e.loops.Done()
	for {
		select {
		case <-e.stop:
			return
		case tier := <-e.drainCh:
			e.drainMu.Lock()
			delete(e.drainPending, tier)
			e.drainMu.Unlock()

			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			if err := e.Drain(ctx, tier); err != nil {
				e.logger.Warn("backlog drain failed", zap.String("tier", string(tier)), zap.Error(err))
			}
			cancel()
		}
	}
}

// Drain tries to route every ticket queued at tier, oldest first. Stale
// entries for tickets that moved on are dropped.
func (e *Engine) Drain(ctx context.Context, tier domain.Tier) error {
	entries, err := e.backlog.List(ctx, tier)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		_, err := e.run(ctx, "drain", entry.TicketID, func(ctx context.Context) (*domain.Ticket, error) {
			ticket, err := e.getTicket(ctx, entry.TicketID)
			if apperrors.IsCode(err, apperrors.CodeNotFound) {
				e.removeFromBacklog(ctx, tier, entry.TicketID)
				return nil, nil
			}
			if err != nil {
				return nil, err
			}
			if ticket.Status.Terminal() || ticket.Assigned() || ticket.Tier != tier {
				e.removeFromBacklog(ctx, tier, ticket.ID)
				return ticket, nil
			}
			return e.routeTicket(ctx, ticket)
		})
		switch {
		case err == nil, apperrors.IsCode(err, apperrors.CodeNoneAvailable):
		case errors.Is(err, worker.ErrPoolClosed), ctx.Err() != nil:
			return err
		default:
			e.logger.Warn("drain entry failed", zap.String("ticket_id", entry.TicketID), zap.Error(err))
		}
	}
	e.refreshBacklogDepth(ctx, tier)
	return nil
}
