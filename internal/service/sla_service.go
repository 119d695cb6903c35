package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/ticket-routing/internal/backlog"
	"github.com/spec-kit/ticket-routing/internal/clock"
	"github.com/spec-kit/ticket-routing/internal/domain"
	"github.com/spec-kit/ticket-routing/internal/events"
	"github.com/spec-kit/ticket-routing/internal/repository"
	"github.com/spec-kit/ticket-routing/internal/worker"
	apperrors "github.com/spec-kit/ticket-routing/pkg/util/errorutil"
)

// breachTimeout bounds a breach command started by a timer or the sweep.
const breachTimeout = time.Minute

// armTimers schedules every SLA clock still relevant for ticket.
func (e *Engine) armTimers(ticket *domain.Ticket) {
	if ticket.Status.Terminal() {
		return
	}
	if ticket.ResponseTime == nil && !ticket.Breached(domain.SLAKindResponse) {
		e.armTimer(ticket.ID, domain.SLAKindResponse, ticket.SLADeadline)
	}
	if !ticket.Breached(domain.SLAKindResolution) {
		e.armTimer(ticket.ID, domain.SLAKindResolution, ticket.ResolutionDeadline)
	}
}

func (e *Engine) armTimer(ticketID string, kind domain.SLAKind, deadline time.Time) {
	e.timerMu.Lock()
	defer e.timerMu.Unlock()
	handles, ok := e.timers[ticketID]
	if !ok {
		handles = make(map[domain.SLAKind]clock.Handle, 2)
		e.timers[ticketID] = handles
	}
	if h, armed := handles[kind]; armed {
		_ = e.clock.Cancel(h)
	}
	handles[kind] = e.clock.Schedule(deadline, clock.Payload{
		TicketID: ticketID,
		Kind:     string(kind),
		Deadline: deadline,
	})
}

func (e *Engine) cancelTimer(ticketID string, kind domain.SLAKind) {
	e.timerMu.Lock()
	h, ok := e.timers[ticketID][kind]
	if ok {
		delete(e.timers[ticketID], kind)
		if len(e.timers[ticketID]) == 0 {
			delete(e.timers, ticketID)
		}
	}
	e.timerMu.Unlock()
	if ok {
		// Losing the race with a firing timer is fine; the breach command
		// sees the new state and does nothing.
		_ = e.clock.Cancel(h)
	}
}

func (e *Engine) cancelTimers(ticketID string) {
	e.cancelTimer(ticketID, domain.SLAKindResponse)
	e.cancelTimer(ticketID, domain.SLAKindResolution)
}

// ArmedTimers reports how many SLA timers the engine holds for ticketID.
func (e *Engine) ArmedTimers(ticketID string) int {
	e.timerMu.Lock()
	defer e.timerMu.Unlock()
	return len(e.timers[ticketID])
}

func (e *Engine) onFire(payload clock.Payload) {
	e.timerMu.Lock()
	if handles, ok := e.timers[payload.TicketID]; ok {
		delete(handles, domain.SLAKind(payload.Kind))
		if len(handles) == 0 {
			delete(e.timers, payload.TicketID)
		}
	}
	e.timerMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), breachTimeout)
	defer cancel()
	if err := e.HandleBreach(ctx, payload); err != nil {
		if errors.Is(err, worker.ErrPoolClosed) {
			e.logger.Debug("dropping breach after shutdown", zap.String("ticket_id", payload.TicketID))
			return
		}
		e.logger.Error("breach handling failed",
			zap.String("ticket_id", payload.TicketID),
			zap.String("kind", payload.Kind),
			zap.Error(err))
	}
}

// HandleBreach processes an expired SLA deadline. It is idempotent:
// deliveries for terminal tickets, already recorded breaches, met response
// deadlines and deadlines still in the future do nothing.
func (e *Engine) HandleBreach(ctx context.Context, payload clock.Payload) error {
	_, err := e.run(ctx, "breach", payload.TicketID, func(ctx context.Context) (*domain.Ticket, error) {
		return e.breach(ctx, payload.TicketID, domain.SLAKind(payload.Kind))
	})
	if apperrors.IsCode(err, apperrors.CodeNotFound) {
		return nil
	}
	return err
}

func (e *Engine) breach(ctx context.Context, ticketID string, kind domain.SLAKind) (*domain.Ticket, error) {
	ticket, err := e.getTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if ticket.Status.Terminal() {
		e.cancelTimers(ticketID)
		return ticket, nil
	}
	if ticket.Breached(kind) {
		return ticket, nil
	}

	var deadline time.Time
	switch kind {
	case domain.SLAKindResponse:
		if ticket.ResponseTime != nil {
			return ticket, nil
		}
		deadline = ticket.SLADeadline
	case domain.SLAKindResolution:
		deadline = ticket.ResolutionDeadline
	default:
		return nil, apperrors.NewValidationError("unknown SLA kind", map[string]any{"kind": kind})
	}
	now := e.clock.Now()
	if now.Before(deadline) {
		return ticket, nil
	}

	next := ticket.Clone()
	next.Breaches = append(next.Breaches, domain.SLABreach{Kind: kind, Deadline: deadline, RecordedAt: now})
	next.UpdatedAt = now
	updated, err := e.updateTicket(ctx, next)
	if err != nil {
		return nil, err
	}

	autoEscalate := !updated.Tier.Top() &&
		(!updated.Assigned() || updated.Tier.Rank() < domain.TierThree.Rank())
	e.metrics.SLABreached(kind)
	e.publish(ctx, events.EventSLABreached, updated, domain.SystemActor, events.SLABreachedPayload{
		Kind:          kind,
		Deadline:      deadline,
		AutoEscalated: autoEscalate,
	})
	e.logger.Warn("sla breached",
		zap.String("ticket_id", ticketID),
		zap.String("kind", string(kind)),
		zap.String("tier", string(updated.Tier)),
		zap.Bool("auto_escalate", autoEscalate))

	if !autoEscalate {
		return updated, nil
	}
	return e.escalate(ctx, updated, domain.EscalationReasonSLABreach, string(kind), domain.SystemActor, nil)
}

// dueBreaches lists the deadlines of ticket that have passed at now
// without a recorded breach.
func dueBreaches(ticket *domain.Ticket, now time.Time) []clock.Payload {
	if ticket.Status.Terminal() {
		return nil
	}
	var due []clock.Payload
	if ticket.ResponseTime == nil && !ticket.Breached(domain.SLAKindResponse) && !now.Before(ticket.SLADeadline) {
		due = append(due, clock.Payload{TicketID: ticket.ID, Kind: string(domain.SLAKindResponse), Deadline: ticket.SLADeadline})
	}
	if !ticket.Breached(domain.SLAKindResolution) && !now.Before(ticket.ResolutionDeadline) {
		due = append(due, clock.Payload{TicketID: ticket.ID, Kind: string(domain.SLAKindResolution), Deadline: ticket.ResolutionDeadline})
	}
	return due
}

// Sweep redelivers breaches whose timers were lost, re-queues unassigned
// open tickets and drains every tier.
func (e *Engine) Sweep(ctx context.Context) error {
	now := e.clock.Now()
	var due []clock.Payload
	for t, err := range e.tickets.Query(ctx, repository.TicketFilter{OpenOnly: true, Order: repository.CreatedAsc}) {
		if err != nil {
			return err
		}
		due = append(due, dueBreaches(&t, now)...)
	}
	for _, p := range due {
		if err := e.HandleBreach(ctx, p); err != nil {
			e.logger.Warn("sweep breach failed", zap.String("ticket_id", p.TicketID), zap.Error(err))
		}
	}

	// Breaches may have moved tickets, so the backlog is rebuilt afterwards.
	unassigned := 0
	for t, err := range e.tickets.Query(ctx, repository.TicketFilter{OpenOnly: true, Order: repository.CreatedAsc}) {
		if err != nil {
			return err
		}
		if t.Assigned() {
			continue
		}
		unassigned++
		if err := e.backlog.Push(ctx, t.Tier, backlog.Entry{TicketID: t.ID, Priority: t.Priority, CreatedAt: t.CreatedAt}); err != nil {
			e.logger.Warn("sweep backlog push failed", zap.String("ticket_id", t.ID), zap.Error(err))
		}
	}
	for _, tier := range domain.Tiers {
		e.refreshBacklogDepth(ctx, tier)
		e.RequestDrain(tier)
	}
	e.logger.Debug("sla sweep done", zap.Int("redelivered", len(due)), zap.Int("unassigned", unassigned))
	return nil
}

// Recover re-arms timers and backlog entries for every open ticket. It
// runs once at start, before commands are accepted.
func (e *Engine) Recover(ctx context.Context) error {
	count := 0
	for t, err := range e.tickets.Query(ctx, repository.TicketFilter{OpenOnly: true, Order: repository.CreatedAsc}) {
		if err != nil {
			return err
		}
		e.armTimers(&t)
		if !t.Assigned() {
			if err := e.backlog.Push(ctx, t.Tier, backlog.Entry{TicketID: t.ID, Priority: t.Priority, CreatedAt: t.CreatedAt}); err != nil {
				return err
			}
		}
		count++
	}
	for _, tier := range domain.Tiers {
		e.refreshBacklogDepth(ctx, tier)
		e.RequestDrain(tier)
	}
	e.logger.Info("open tickets recovered", zap.Int("count", count))
	return nil
}
