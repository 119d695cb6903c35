package repository

import (
	"context"
	"errors"
	"iter"
	"time"

	"github.com/sony/gobreaker"

	"github.com/spec-kit/ticket-routing/internal/config"
	"github.com/spec-kit/ticket-routing/internal/domain"
	apperrors "github.com/spec-kit/ticket-routing/pkg/util/errorutil"
)

// Guard bounds each store or registry call with a timeout and trips a
// circuit breaker on infrastructure failures. Timeouts and an open breaker
// surface as retryable Timeout errors.
type Guard struct {
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker
}

// NewGuard builds a Guard. A nil breaker disables circuit breaking.
func NewGuard(timeout time.Duration, breaker *gobreaker.CircuitBreaker) *Guard {
	return &Guard{timeout: timeout, breaker: breaker}
}

// BreakerFailure reports whether err should count against the breaker.
// Domain outcomes such as NotFound or CapacityExceeded are healthy replies.
func BreakerFailure(err error) bool {
	if err == nil {
		return false
	}
	var domainErr *apperrors.DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Code == apperrors.CodeTimeout || domainErr.Code == apperrors.CodeInternal
	}
	return true
}

func guardCall[T any](ctx context.Context, g *Guard, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	call := func() (any, error) {
		v, err := fn(ctx)
		return v, apperrors.FromContext(op, err)
	}
	var (
		out any
		err error
	)
	if g.breaker != nil {
		out, err = g.breaker.Execute(call)
	} else {
		out, err = call()
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return zero, apperrors.NewTimeout(op, err)
	}
	if err != nil {
		return zero, err
	}
	v, _ := out.(T)
	return v, nil
}

// NewBreaker builds the circuit breaker shared by the guarded stores.
func NewBreaker(name string, cfg config.BreakerConfig, onChange func(name string, from, to gobreaker.State)) *gobreaker.CircuitBreaker {
	minRequests := cfg.MinRequests
	if minRequests == 0 {
		minRequests = 1
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < minRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= cfg.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			return !BreakerFailure(err)
		},
		OnStateChange: onChange,
	})
}

type guardedTickets struct {
	inner TicketRepository
	guard *Guard
}

// GuardTickets wraps a TicketRepository with g.
func GuardTickets(inner TicketRepository, g *Guard) TicketRepository {
	return &guardedTickets{inner: inner, guard: g}
}

func (r *guardedTickets) Create(ctx context.Context, ticket *domain.Ticket) (string, error) {
	return guardCall(ctx, r.guard, "ticket create", func(ctx context.Context) (string, error) {
		return r.inner.Create(ctx, ticket)
	})
}

func (r *guardedTickets) Get(ctx context.Context, id string) (*domain.Ticket, error) {
	return guardCall(ctx, r.guard, "ticket get", func(ctx context.Context) (*domain.Ticket, error) {
		return r.inner.Get(ctx, id)
	})
}

func (r *guardedTickets) Update(ctx context.Context, ticket *domain.Ticket) (*domain.Ticket, error) {
	return guardCall(ctx, r.guard, "ticket update", func(ctx context.Context) (*domain.Ticket, error) {
		return r.inner.Update(ctx, ticket)
	})
}

func (r *guardedTickets) AppendEscalation(ctx context.Context, id string, record domain.EscalationRecord) (*domain.Ticket, error) {
	return guardCall(ctx, r.guard, "ticket append escalation", func(ctx context.Context) (*domain.Ticket, error) {
		return r.inner.AppendEscalation(ctx, id, record)
	})
}

// Query is not bounded as a whole since the consumer controls iteration
// pace; errors are still mapped to Timeout.
func (r *guardedTickets) Query(ctx context.Context, filter TicketFilter) iter.Seq2[domain.Ticket, error] {
	return func(yield func(domain.Ticket, error) bool) {
		for t, err := range r.inner.Query(ctx, filter) {
			if !yield(t, apperrors.FromContext("ticket query", err)) {
				return
			}
		}
	}
}

type guardedAgents struct {
	inner AgentRegistry
	guard *Guard
}

// GuardAgents wraps an AgentRegistry with g.
func GuardAgents(inner AgentRegistry, g *Guard) AgentRegistry {
	return &guardedAgents{inner: inner, guard: g}
}

func (r *guardedAgents) Upsert(ctx context.Context, agent *domain.Agent) (*domain.Agent, error) {
	return guardCall(ctx, r.guard, "agent upsert", func(ctx context.Context) (*domain.Agent, error) {
		return r.inner.Upsert(ctx, agent)
	})
}

func (r *guardedAgents) Get(ctx context.Context, id string) (*domain.Agent, error) {
	return guardCall(ctx, r.guard, "agent get", func(ctx context.Context) (*domain.Agent, error) {
		return r.inner.Get(ctx, id)
	})
}

func (r *guardedAgents) ListByTier(ctx context.Context, tier domain.Tier) ([]domain.Agent, error) {
	return guardCall(ctx, r.guard, "agent list", func(ctx context.Context) ([]domain.Agent, error) {
		return r.inner.ListByTier(ctx, tier)
	})
}

func (r *guardedAgents) Reserve(ctx context.Context, id string, at time.Time) (*domain.Agent, error) {
	return guardCall(ctx, r.guard, "agent reserve", func(ctx context.Context) (*domain.Agent, error) {
		return r.inner.Reserve(ctx, id, at)
	})
}

func (r *guardedAgents) Release(ctx context.Context, id string) (*domain.Agent, error) {
	return guardCall(ctx, r.guard, "agent release", func(ctx context.Context) (*domain.Agent, error) {
		return r.inner.Release(ctx, id)
	})
}

func (r *guardedAgents) SetStatus(ctx context.Context, id string, status domain.AgentStatus) (*domain.Agent, error) {
	return guardCall(ctx, r.guard, "agent set status", func(ctx context.Context) (*domain.Agent, error) {
		return r.inner.SetStatus(ctx, id, status)
	})
}
