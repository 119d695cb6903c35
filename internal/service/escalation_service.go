package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/spec-kit/ticket-routing/internal/backlog"
	"github.com/spec-kit/ticket-routing/internal/clock"
	"github.com/spec-kit/ticket-routing/internal/config"
	"github.com/spec-kit/ticket-routing/internal/domain"
	"github.com/spec-kit/ticket-routing/internal/events"
	"github.com/spec-kit/ticket-routing/internal/observability"
	"github.com/spec-kit/ticket-routing/internal/repository"
	"github.com/spec-kit/ticket-routing/internal/sla"
	"github.com/spec-kit/ticket-routing/internal/worker"
	apperrors "github.com/spec-kit/ticket-routing/pkg/util/errorutil"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000

	defaultCallTimeout = 2 * time.Second
)

// Engine is the ticket state machine. Every command that touches a ticket
// runs on the worker pool under the ticket's id, so commands for one
// ticket never interleave.
type Engine struct {
	tickets    repository.TicketRepository
	agents     repository.AgentRegistry
	router     *RoutingService
	backlog    backlog.Queue
	policies   *sla.Table
	clock      clock.Scheduler
	pool       *worker.Pool
	dispatcher events.Dispatcher
	metrics    *observability.Metrics
	logger     *zap.Logger
	cfg        config.EngineConfig

	timerMu sync.Mutex
	timers  map[string]map[domain.SLAKind]clock.Handle

	drainMu      sync.Mutex
	drainPending map[domain.Tier]bool
	drainCh      chan domain.Tier

	cron     *cron.Cron
	stop     chan struct{}
	stopOnce sync.Once
	loops    sync.WaitGroup
}

// EngineDependencies bundles collaborators. Only Tickets and Agents are
// required; the rest fall back to in-process defaults.
type EngineDependencies struct {
	Tickets    repository.TicketRepository
	Agents     repository.AgentRegistry
	Router     *RoutingService
	Backlog    backlog.Queue
	Policies   *sla.Table
	Clock      clock.Scheduler
	Pool       *worker.Pool
	Dispatcher events.Dispatcher
	Metrics    *observability.Metrics
	Logger     *zap.Logger
	Config     config.EngineConfig
}

// CreateTicketInput describes ticket creation payload.
type CreateTicketInput struct {
	Title       string
	Description string
	Priority    domain.TicketPriority
	Tier        domain.Tier
	Source      string
	Platform    string
	Customer    string
	Tags        []string
}

// NewEngine constructs the engine.
func NewEngine(deps EngineDependencies) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := deps.Config
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 1
	}
	if cfg.RetryInitialInterval <= 0 {
		cfg.RetryInitialInterval = 50 * time.Millisecond
	}
	if cfg.RetryMaxInterval < cfg.RetryInitialInterval {
		cfg.RetryMaxInterval = cfg.RetryInitialInterval
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	e := &Engine{
		tickets:      deps.Tickets,
		agents:       deps.Agents,
		router:       deps.Router,
		backlog:      deps.Backlog,
		policies:     deps.Policies,
		clock:        deps.Clock,
		pool:         deps.Pool,
		dispatcher:   deps.Dispatcher,
		metrics:      deps.Metrics,
		logger:       logger.With(zap.String("component", "engine")),
		cfg:          cfg,
		timers:       make(map[string]map[domain.SLAKind]clock.Handle),
		drainPending: make(map[domain.Tier]bool),
		drainCh:      make(chan domain.Tier, len(domain.Tiers)),
		stop:         make(chan struct{}),
	}
	if e.router == nil {
		e.router = NewRoutingService(deps.Agents)
	}
	if e.backlog == nil {
		e.backlog = backlog.NewMemoryQueue()
	}
	if e.policies == nil {
		e.policies = sla.DefaultTable()
	}
	if e.clock == nil {
		e.clock = clock.NewTimerService()
	}
	if e.pool == nil {
		e.pool = worker.NewPool(cfg.Workers, cfg.QueueDepth, logger)
	}
	if e.dispatcher == nil {
		e.dispatcher = events.NewInMemoryDispatcher(logger)
	}
	return e
}

// Start runs the worker pool and drain loop, re-arms timers for open
// tickets and schedules the SLA sweep.
func (e *Engine) Start(ctx context.Context) error {
	e.clock.OnFire(e.onFire)
	e.pool.Start()
	e.loops.Add(1)
	go e.drainLoop()

	if err := e.Recover(ctx); err != nil {
		return fmt.Errorf("recover open tickets: %w", err)
	}

	if e.cfg.SweepSchedule != "" {
		e.cron = cron.New()
		_, err := e.cron.AddFunc(e.cfg.SweepSchedule, func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if err := e.Sweep(ctx); err != nil {
				e.logger.Warn("sla sweep failed", zap.Error(err))
			}
		})
		if err != nil {
			return fmt.Errorf("schedule sla sweep %q: %w", e.cfg.SweepSchedule, err)
		}
		e.cron.Start()
	}
	e.logger.Info("engine started")
	return nil
}

// Stop halts the sweep and drain loop, then drains the worker pool.
func (e *Engine) Stop() error {
	if e.cron != nil {
		<-e.cron.Stop().Done()
	}
	e.stopOnce.Do(func() { close(e.stop) })
	e.loops.Wait()
	err := e.pool.Stop()
	e.logger.Info("engine stopped")
	return err
}

// Dispatcher exposes the event bus for subscribers.
func (e *Engine) Dispatcher() events.Dispatcher {
	return e.dispatcher
}

// CreateTicket stores a new ticket, arms its SLA timers and tries to route
// it. A ticket that cannot be routed is queued; that is not an error.
func (e *Engine) CreateTicket(ctx context.Context, in CreateTicketInput) (*domain.Ticket, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, apperrors.NewValidationError("title is required", nil)
	}
	priority := in.Priority
	if priority == "" {
		priority = domain.TicketPriorityMedium
	}
	if !priority.Valid() {
		return nil, apperrors.NewValidationError("invalid priority", map[string]any{"priority": in.Priority})
	}
	tier := in.Tier
	if tier == "" {
		tier = domain.TierOne
	}
	if !tier.Valid() {
		return nil, apperrors.NewValidationError("invalid tier", map[string]any{"tier": in.Tier})
	}

	id := uuid.NewString()
	return e.run(ctx, "create", id, func(ctx context.Context) (*domain.Ticket, error) {
		now := e.clock.Now()
		response, resolution := e.policies.Deadlines(priority, now)
		ticket := &domain.Ticket{
			ID:                 id,
			Title:              title,
			Description:        in.Description,
			Status:             domain.TicketStatusOpen,
			Priority:           priority,
			Tier:               tier,
			Source:             in.Source,
			Platform:           in.Platform,
			Customer:           in.Customer,
			Tags:               domain.NormalizeTags(in.Tags),
			SLADeadline:        response,
			ResolutionDeadline: resolution,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		_, err := retry(ctx, e, "ticket create", func(ctx context.Context) (string, error) {
			return e.tickets.Create(ctx, ticket.Clone())
		})
		// A retried create whose first attempt landed reports a conflict.
		if err != nil && !apperrors.IsCode(err, apperrors.CodeConflict) {
			return nil, err
		}
		created, err := e.getTicket(ctx, id)
		if err != nil {
			return nil, err
		}

		e.armTimers(created)
		e.metrics.TicketCreated(created.Priority)
		e.publish(ctx, events.EventTicketCreated, created, "", events.TicketCreatedPayload{
			Title:       created.Title,
			Source:      created.Source,
			Platform:    created.Platform,
			SLADeadline: created.SLADeadline,
		})
		e.logger.Info("ticket created",
			zap.String("ticket_id", created.ID),
			zap.String("priority", string(created.Priority)),
			zap.String("tier", string(created.Tier)))

		return e.routeOrQueue(ctx, created), nil
	})
}

// GetTicket reads a ticket.
func (e *Engine) GetTicket(ctx context.Context, id string) (*domain.Ticket, error) {
	return e.getTicket(ctx, id)
}

// ListTickets collects up to filter.Limit matching tickets.
func (e *Engine) ListTickets(ctx context.Context, filter repository.TicketFilter) ([]domain.Ticket, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	out := make([]domain.Ticket, 0, min(filter.Limit, 32))
	for t, err := range e.tickets.Query(ctx, filter) {
		if err != nil {
			return nil, err
		}
		out = append(out, t)
		if len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (e *Engine) getTicket(ctx context.Context, id string) (*domain.Ticket, error) {
	return retry(ctx, e, "ticket get", func(ctx context.Context) (*domain.Ticket, error) {
		return e.tickets.Get(ctx, id)
	})
}

func (e *Engine) updateTicket(ctx context.Context, next *domain.Ticket) (*domain.Ticket, error) {
	return retry(ctx, e, "ticket update", func(ctx context.Context) (*domain.Ticket, error) {
		return e.tickets.Update(ctx, next)
	})
}

// run executes fn on the ticket's shard.
func (e *Engine) run(ctx context.Context, command, ticketID string, fn func(context.Context) (*domain.Ticket, error)) (*domain.Ticket, error) {
	start := time.Now()
	var out *domain.Ticket
	err := e.pool.Do(ctx, ticketID, func(ctx context.Context) error {
		var err error
		out, err = fn(ctx)
		return err
	})
	e.metrics.ObserveCommand(command, time.Since(start))
	return out, err
}

// retry repeats fn while it fails with a retryable error, backing off
// exponentially. Exhausted retries are reported as EngineDegraded.
func retry[T any](ctx context.Context, e *Engine, op string, fn func(context.Context) (T, error)) (T, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = e.cfg.RetryInitialInterval
	policy.MaxInterval = e.cfg.RetryMaxInterval
	policy.MaxElapsedTime = 0
	policy.Reset()

	attempts := 0
	v, err := backoff.RetryNotifyWithData(func() (T, error) {
		attempts++
		v, err := fn(ctx)
		if err != nil && !apperrors.IsRetryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(e.cfg.RetryAttempts-1)), ctx),
		func(err error, wait time.Duration) {
			e.metrics.StoreRetry()
			e.logger.Warn("retrying store call",
				zap.String("operation", op),
				zap.Int("attempt", attempts),
				zap.Duration("backoff", wait),
				zap.Error(err))
		})
	if err != nil && (apperrors.IsRetryable(err) || errors.Is(err, context.DeadlineExceeded)) {
		e.degraded(ctx, op, attempts, err)
	}
	return v, err
}

// detached derives a context for compensating store calls, such as giving
// back a reservation, that must finish after the caller stopped waiting.
// It still allows a full retry cycle.
func (e *Engine) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	budget := time.Duration(e.cfg.RetryAttempts) * (e.cfg.CallTimeout + e.cfg.RetryMaxInterval)
	return context.WithTimeout(context.WithoutCancel(ctx), budget)
}

func (e *Engine) degraded(ctx context.Context, op string, attempts int, err error) {
	e.logger.Error("store call failed after retries",
		zap.String("operation", op),
		zap.Int("attempts", attempts),
		zap.Error(err))
	e.publish(ctx, events.EventEngineDegraded, nil, domain.SystemActor, events.EngineDegradedPayload{
		Operation: op,
		Attempts:  attempts,
		Error:     err.Error(),
	})
}

func (e *Engine) publish(ctx context.Context, eventType events.EventType, ticket *domain.Ticket, actor string, payload any) {
	event := events.Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		ActorID:   actor,
		Timestamp: e.clock.Now(),
		Payload:   payload,
	}
	if ticket != nil {
		event.TicketID = ticket.ID
		event.State = events.StateOf(ticket)
	}
	// Delivery must not depend on the caller still waiting.
	if err := e.dispatcher.Publish(context.WithoutCancel(ctx), event); err != nil {
		e.logger.Warn("publish event failed", zap.String("event_type", string(eventType)), zap.Error(err))
	}
}
