package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spec-kit/ticket-routing/internal/backlog"
	"github.com/spec-kit/ticket-routing/internal/clock"
	"github.com/spec-kit/ticket-routing/internal/config"
	"github.com/spec-kit/ticket-routing/internal/domain"
	"github.com/spec-kit/ticket-routing/internal/events"
	"github.com/spec-kit/ticket-routing/internal/repository"
	apperrors "github.com/spec-kit/ticket-routing/pkg/util/errorutil"
)

var testStart = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type eventRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *eventRecorder) handle(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *eventRecorder) of(eventType events.EventType, ticketID string) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Type == eventType && (ticketID == "" || e.TicketID == ticketID) {
			out = append(out, e)
		}
	}
	return out
}

type harness struct {
	engine   *Engine
	clock    *clock.Fake
	tickets  repository.TicketRepository
	agents   repository.AgentRegistry
	backlog  backlog.Queue
	recorder *eventRecorder
}

type harnessOption func(*EngineDependencies)

func withTickets(tickets repository.TicketRepository) harnessOption {
	return func(d *EngineDependencies) { d.Tickets = tickets }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	h := &harness{
		clock:    clock.NewFake(testStart),
		tickets:  repository.NewMemoryTicketRepository(),
		agents:   repository.NewMemoryAgentRegistry(),
		backlog:  backlog.NewMemoryQueue(),
		recorder: &eventRecorder{},
	}
	dispatcher := events.NewInMemoryDispatcher(nil)
	dispatcher.SubscribeAll(h.recorder.handle)

	deps := EngineDependencies{
		Tickets:    h.tickets,
		Agents:     h.agents,
		Backlog:    h.backlog,
		Clock:      h.clock,
		Dispatcher: dispatcher,
		Config: config.EngineConfig{
			Workers:                4,
			QueueDepth:             16,
			RetryAttempts:          3,
			RetryInitialInterval:   time.Millisecond,
			RetryMaxInterval:       2 * time.Millisecond,
			LowConfidenceThreshold: 0.3,
		},
	}
	for _, opt := range opts {
		opt(&deps)
	}
	h.tickets = deps.Tickets
	h.engine = NewEngine(deps)
	require.NoError(t, h.engine.Start(context.Background()))
	t.Cleanup(func() { _ = h.engine.Stop() })
	return h
}

func (h *harness) addAgent(t *testing.T, id string, tier domain.Tier, capacity int, specialties ...string) {
	t.Helper()
	_, err := h.agents.Upsert(context.Background(), &domain.Agent{
		ID:          id,
		Name:        id,
		Tier:        tier,
		Status:      domain.AgentStatusOnline,
		MaxCapacity: capacity,
		Specialties: specialties,
	})
	require.NoError(t, err)
}

func (h *harness) load(t *testing.T, id string) int {
	t.Helper()
	agent, err := h.agents.Get(context.Background(), id)
	require.NoError(t, err)
	return agent.CurrentLoad
}

func (h *harness) create(t *testing.T, in CreateTicketInput) *domain.Ticket {
	t.Helper()
	if in.Title == "" {
		in.Title = "printer on fire"
	}
	ticket, err := h.engine.CreateTicket(context.Background(), in)
	require.NoError(t, err)
	return ticket
}

func TestCreateTicketRoutesToMatchingAgent(t *testing.T) {
	h := newHarness(t)
	h.addAgent(t, "hardware", domain.TierOne, 2, "hardware")
	h.addAgent(t, "billing", domain.TierOne, 2, "billing")

	ticket := h.create(t, CreateTicketInput{
		Priority: domain.TicketPriorityHigh,
		Source:   "email",
		Platform: "Web",
		Customer: "ACME",
		Tags:     []string{" Billing "},
	})

	assert.Equal(t, domain.TicketStatusInProgress, ticket.Status)
	require.NotNil(t, ticket.AssignedAgentID)
	assert.Equal(t, "billing", *ticket.AssignedAgentID)
	require.NotNil(t, ticket.ResponseTime)
	assert.Zero(t, *ticket.ResponseTime)
	assert.Equal(t, testStart.Add(time.Hour), ticket.SLADeadline)
	assert.Equal(t, testStart.Add(8*time.Hour), ticket.ResolutionDeadline)
	assert.Equal(t, 1, h.load(t, "billing"))
	assert.Equal(t, 0, h.load(t, "hardware"))

	got, err := h.engine.GetTicket(context.Background(), ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, ticket.Priority, got.Priority)
	assert.Equal(t, ticket.Tier, got.Tier)
	assert.Equal(t, ticket.Status, got.Status)

	assert.Len(t, h.recorder.of(events.EventTicketCreated, ticket.ID), 1)
	assigned := h.recorder.of(events.EventTicketAssigned, ticket.ID)
	require.Len(t, assigned, 1)
	assert.Equal(t, domain.TicketStatusInProgress, assigned[0].State.Status)
	assert.Equal(t, 1, h.engine.ArmedTimers(ticket.ID), "response timer is cancelled once assigned")
}

func TestCreateTicketValidation(t *testing.T) {
	h := newHarness(t)

	_, err := h.engine.CreateTicket(context.Background(), CreateTicketInput{Title: "  "})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeValidation))

	_, err = h.engine.CreateTicket(context.Background(), CreateTicketInput{Title: "x", Priority: "URGENT"})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeValidation))

	ticket := h.create(t, CreateTicketInput{})
	assert.Equal(t, domain.TicketPriorityMedium, ticket.Priority)
	assert.Equal(t, domain.TierOne, ticket.Tier)
}

func TestCreateTicketQueuesWithoutAgents(t *testing.T) {
	h := newHarness(t)

	ticket := h.create(t, CreateTicketInput{Priority: domain.TicketPriorityLow})
	assert.Equal(t, domain.TicketStatusOpen, ticket.Status)
	assert.Nil(t, ticket.AssignedAgentID)

	queued, err := h.backlog.List(context.Background(), domain.TierOne)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, ticket.ID, queued[0].TicketID)

	agents := NewAgentService(h.agents, h.engine)
	_, err = agents.UpsertAgent(context.Background(), AgentInput{
		ID: "late", Tier: domain.TierOne, Status: domain.AgentStatusOnline, MaxCapacity: 1,
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		got, err := h.engine.GetTicket(context.Background(), ticket.ID)
		return err == nil && got.Assigned()
	}, time.Second, 5*time.Millisecond, "going online drains the backlog")
	n, err := h.backlog.Len(context.Background(), domain.TierOne)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestBacklogOrderAndDrain(t *testing.T) {
	h := newHarness(t)

	low := h.create(t, CreateTicketInput{Priority: domain.TicketPriorityLow})
	critical := h.create(t, CreateTicketInput{Priority: domain.TicketPriorityCritical})
	h.clock.Advance(time.Minute)
	medium := h.create(t, CreateTicketInput{Priority: domain.TicketPriorityMedium})

	queued, err := h.backlog.List(context.Background(), domain.TierOne)
	require.NoError(t, err)
	ids := []string{queued[0].TicketID, queued[1].TicketID, queued[2].TicketID}
	assert.Equal(t, []string{critical.ID, low.ID, medium.ID}, ids)

	h.addAgent(t, "solo", domain.TierOne, 1)
	require.NoError(t, h.engine.Drain(context.Background(), domain.TierOne))

	got, err := h.engine.GetTicket(context.Background(), critical.ID)
	require.NoError(t, err)
	assert.True(t, got.Assigned())
	assert.Equal(t, 1, h.load(t, "solo"))

	n, err := h.backlog.Len(context.Background(), domain.TierOne)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestEscalateAppendsRecordAndReroutes(t *testing.T) {
	h := newHarness(t)
	h.addAgent(t, "t1", domain.TierOne, 3)
	h.addAgent(t, "t2", domain.TierTwo, 3)

	ticket := h.create(t, CreateTicketInput{})
	require.Equal(t, "t1", *ticket.AssignedAgentID)

	notes := "needs database access"
	escalated, err := h.engine.Escalate(context.Background(), ticket.ID, domain.EscalationReasonComplexity, "operator-7", &notes)
	require.NoError(t, err)

	assert.Equal(t, domain.TierTwo, escalated.Tier)
	require.NotNil(t, escalated.AssignedAgentID)
	assert.Equal(t, "t2", *escalated.AssignedAgentID)
	assert.Equal(t, domain.TicketStatusInProgress, escalated.Status)
	require.Len(t, escalated.Escalations, 1)
	record := escalated.Escalations[0]
	assert.Equal(t, domain.TierOne, record.FromTier)
	assert.Equal(t, domain.TierTwo, record.ToTier)
	assert.Equal(t, "operator-7", record.ActorID)
	require.NotNil(t, record.Notes)
	assert.Equal(t, notes, *record.Notes)

	assert.Equal(t, 0, h.load(t, "t1"))
	assert.Equal(t, 1, h.load(t, "t2"))
	assert.Len(t, h.recorder.of(events.EventTicketEscalated, ticket.ID), 1)

	_, err = h.engine.Escalate(context.Background(), ticket.ID, "because", "operator-7", nil)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeValidation))
}

func TestEscalateAtTopTierIsNoop(t *testing.T) {
	h := newHarness(t)

	ticket := h.create(t, CreateTicketInput{Tier: domain.TierEscalated})
	assert.Equal(t, domain.TicketStatusUnassignable, ticket.Status)
	assert.Len(t, h.recorder.of(events.EventTicketUnassignable, ticket.ID), 1)

	again, err := h.engine.Escalate(context.Background(), ticket.ID, domain.EscalationReasonManual, "operator-1", nil)
	require.NoError(t, err)
	assert.Equal(t, ticket.Version, again.Version)
	assert.Equal(t, domain.TierEscalated, again.Tier)
	assert.Empty(t, again.Escalations)
	assert.Empty(t, h.recorder.of(events.EventTicketEscalated, ticket.ID))

	h.addAgent(t, "senior", domain.TierEscalated, 1)
	agentID := "senior"
	assigned, err := h.engine.AssignAgent(context.Background(), ticket.ID, &agentID)
	require.NoError(t, err)
	assert.Equal(t, domain.TicketStatusInProgress, assigned.Status)
}

func TestResolveAndCloseTransitions(t *testing.T) {
	h := newHarness(t)
	h.addAgent(t, "a1", domain.TierOne, 1)

	ticket := h.create(t, CreateTicketInput{})

	_, err := h.engine.Close(context.Background(), ticket.ID)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeInvalidTransition), "close requires resolved")

	h.clock.Advance(30 * time.Minute)
	resolved, err := h.engine.Resolve(context.Background(), ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TicketStatusResolved, resolved.Status)
	require.NotNil(t, resolved.ResolutionTime)
	assert.Equal(t, 30*time.Minute, *resolved.ResolutionTime)
	assert.Equal(t, 0, h.load(t, "a1"))
	assert.Zero(t, h.engine.ArmedTimers(ticket.ID))
	assert.Zero(t, h.clock.Pending())

	_, err = h.engine.Resolve(context.Background(), ticket.ID)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeInvalidTransition))

	closed, err := h.engine.Close(context.Background(), ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TicketStatusClosed, closed.Status)
	assert.NotNil(t, closed.ClosedAt)

	_, err = h.engine.Resolve(context.Background(), ticket.ID)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeInvalidTransition), "resolving a closed ticket fails")
	_, err = h.engine.Escalate(context.Background(), ticket.ID, domain.EscalationReasonManual, "op", nil)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeInvalidTransition))

	assert.Len(t, h.recorder.of(events.EventTicketResolved, ticket.ID), 1)
	assert.Len(t, h.recorder.of(events.EventTicketClosed, ticket.ID), 1)

	_, err = h.engine.Resolve(context.Background(), "missing")
	assert.True(t, apperrors.IsCode(err, apperrors.CodeNotFound))
}

func TestCriticalResolutionBreachEscalatesExactlyOnce(t *testing.T) {
	h := newHarness(t)
	h.addAgent(t, "t1", domain.TierOne, 5)
	h.addAgent(t, "t2", domain.TierTwo, 5)

	ticket := h.create(t, CreateTicketInput{Priority: domain.TicketPriorityCritical})
	require.True(t, ticket.Assigned())

	h.clock.Advance(2*time.Hour - time.Second)
	assert.Empty(t, h.recorder.of(events.EventSLABreached, ticket.ID))

	h.clock.Advance(time.Second)
	breaches := h.recorder.of(events.EventSLABreached, ticket.ID)
	require.Len(t, breaches, 1)
	payload, ok := breaches[0].Payload.(events.SLABreachedPayload)
	require.True(t, ok)
	assert.Equal(t, domain.SLAKindResolution, payload.Kind)
	assert.True(t, payload.AutoEscalated)

	got, err := h.engine.GetTicket(context.Background(), ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TierTwo, got.Tier)
	require.Len(t, got.Escalations, 1)
	assert.Equal(t, domain.EscalationReasonSLABreach, got.Escalations[0].Reason)
	assert.Equal(t, domain.SystemActor, got.Escalations[0].ActorID)
	require.Len(t, got.Breaches, 1)
	assert.Equal(t, 0, h.load(t, "t1"))
	assert.Equal(t, 1, h.load(t, "t2"))

	h.clock.Redeliver(clock.Payload{TicketID: ticket.ID, Kind: string(domain.SLAKindResolution), Deadline: got.ResolutionDeadline})
	h.clock.Advance(24 * time.Hour)
	assert.Len(t, h.recorder.of(events.EventSLABreached, ticket.ID), 1)
	assert.Len(t, h.recorder.of(events.EventTicketEscalated, ticket.ID), 1)
}

func TestUnassignedTicketBreachesBothClocks(t *testing.T) {
	h := newHarness(t)

	ticket := h.create(t, CreateTicketInput{Priority: domain.TicketPriorityHigh})
	h.clock.Advance(time.Hour)

	got, err := h.engine.GetTicket(context.Background(), ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TierTwo, got.Tier)
	assert.True(t, got.Breached(domain.SLAKindResponse))
	assert.Equal(t, testStart.Add(time.Hour), got.SLADeadline, "deadline is never moved")

	h.clock.Advance(7 * time.Hour)
	got, err = h.engine.GetTicket(context.Background(), ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TierThree, got.Tier)
	assert.Len(t, got.Breaches, 2)
	assert.Len(t, h.recorder.of(events.EventSLABreached, ticket.ID), 2)
}

func TestUnassignedCriticalTicketBreachesOncePerClock(t *testing.T) {
	h := newHarness(t)

	ticket := h.create(t, CreateTicketInput{Priority: domain.TicketPriorityCritical})
	require.False(t, ticket.Assigned())
	h.clock.Advance(2 * time.Hour)
	h.clock.Redeliver(clock.Payload{TicketID: ticket.ID, Kind: string(domain.SLAKindResolution), Deadline: ticket.ResolutionDeadline})
	h.clock.Redeliver(clock.Payload{TicketID: ticket.ID, Kind: string(domain.SLAKindResponse), Deadline: ticket.SLADeadline})
	h.clock.Advance(time.Hour)

	kinds := map[domain.SLAKind]int{}
	for _, e := range h.recorder.of(events.EventSLABreached, ticket.ID) {
		kinds[e.Payload.(events.SLABreachedPayload).Kind]++
	}
	assert.Equal(t, map[domain.SLAKind]int{domain.SLAKindResponse: 1, domain.SLAKindResolution: 1}, kinds)

	got, err := h.engine.GetTicket(context.Background(), ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TierThree, got.Tier)
	assert.Len(t, got.Escalations, 2)
}

func TestBreachAtTierThreeWithAgentOnlyReports(t *testing.T) {
	h := newHarness(t)
	h.addAgent(t, "expert", domain.TierThree, 1)

	ticket := h.create(t, CreateTicketInput{Priority: domain.TicketPriorityCritical, Tier: domain.TierThree})
	require.True(t, ticket.Assigned())
	h.clock.Advance(2 * time.Hour)

	breaches := h.recorder.of(events.EventSLABreached, ticket.ID)
	require.Len(t, breaches, 1)
	payload := breaches[0].Payload.(events.SLABreachedPayload)
	assert.False(t, payload.AutoEscalated)

	got, err := h.engine.GetTicket(context.Background(), ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TierThree, got.Tier)
	assert.Equal(t, "expert", *got.AssignedAgentID)
	assert.Empty(t, got.Escalations)
}

func TestBreachAfterResolveIsNoop(t *testing.T) {
	h := newHarness(t)

	ticket := h.create(t, CreateTicketInput{Priority: domain.TicketPriorityCritical})
	_, err := h.engine.Resolve(context.Background(), ticket.ID)
	require.NoError(t, err)

	h.clock.Redeliver(clock.Payload{TicketID: ticket.ID, Kind: string(domain.SLAKindResponse), Deadline: ticket.SLADeadline})
	h.clock.Advance(3 * time.Hour)
	h.clock.Redeliver(clock.Payload{TicketID: ticket.ID, Kind: string(domain.SLAKindResolution), Deadline: ticket.ResolutionDeadline})

	assert.Empty(t, h.recorder.of(events.EventSLABreached, ticket.ID))
	require.NoError(t, h.engine.HandleBreach(context.Background(), clock.Payload{TicketID: "gone", Kind: string(domain.SLAKindResolution)}))
}

func TestConcurrentAssignForLastSlot(t *testing.T) {
	h := newHarness(t)
	_, err := h.agents.Upsert(context.Background(), &domain.Agent{
		ID: "last", Tier: domain.TierTwo, Status: domain.AgentStatusOffline, MaxCapacity: 1,
	})
	require.NoError(t, err)

	first := h.create(t, CreateTicketInput{Tier: domain.TierTwo})
	second := h.create(t, CreateTicketInput{Tier: domain.TierTwo})
	_, err = h.agents.SetStatus(context.Background(), "last", domain.AgentStatusOnline)
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		refused   atomic.Int32
	)
	for _, id := range []string{first.ID, second.ID} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.engine.AssignAgent(context.Background(), id, nil)
			switch {
			case err == nil:
				successes.Add(1)
			case apperrors.IsCode(err, apperrors.CodeNoneAvailable), apperrors.IsCode(err, apperrors.CodeCapacityExceeded):
				refused.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load())
	assert.Equal(t, int32(1), refused.Load())
	assert.Equal(t, 1, h.load(t, "last"))

	assigned := 0
	for _, id := range []string{first.ID, second.ID} {
		got, err := h.engine.GetTicket(context.Background(), id)
		require.NoError(t, err)
		if got.Assigned() {
			assigned++
		}
	}
	assert.Equal(t, 1, assigned)
}

func TestAgentLoadMatchesOpenAssignments(t *testing.T) {
	h := newHarness(t)
	h.addAgent(t, "a", domain.TierOne, 2)
	h.addAgent(t, "b", domain.TierOne, 2)
	h.addAgent(t, "c", domain.TierTwo, 1)

	var ids []string
	for range 6 {
		ids = append(ids, h.create(t, CreateTicketInput{}).ID)
	}
	_, err := h.engine.Escalate(context.Background(), ids[0], domain.EscalationReasonManual, "op", nil)
	require.NoError(t, err)
	_, err = h.engine.Escalate(context.Background(), ids[1], domain.EscalationReasonManual, "op", nil)
	require.NoError(t, err)
	_, err = h.engine.Resolve(context.Background(), ids[2])
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		for _, agentID := range []string{"a", "b", "c"} {
			agent, err := h.agents.Get(context.Background(), agentID)
			if err != nil || agent.CurrentLoad > agent.MaxCapacity {
				return false
			}
			open, err := h.engine.ListTickets(context.Background(), repository.TicketFilter{AssignedAgentID: &agentID, OpenOnly: true})
			if err != nil || len(open) != agent.CurrentLoad {
				return false
			}
		}
		return true
	}, time.Second, 5*time.Millisecond)
}

func TestManualAssignment(t *testing.T) {
	h := newHarness(t)
	h.addAgent(t, "t1", domain.TierOne, 1)
	h.addAgent(t, "t2", domain.TierTwo, 1)
	_, err := h.agents.Upsert(context.Background(), &domain.Agent{ID: "away", Tier: domain.TierOne, Status: domain.AgentStatusOffline, MaxCapacity: 3})
	require.NoError(t, err)

	ticket := h.create(t, CreateTicketInput{})
	require.Equal(t, "t1", *ticket.AssignedAgentID)

	away := "away"
	_, err = h.engine.AssignAgent(context.Background(), ticket.ID, &away)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeConflict))

	cross := "t2"
	reassigned, err := h.engine.AssignAgent(context.Background(), ticket.ID, &cross)
	require.NoError(t, err)
	assert.Equal(t, "t2", *reassigned.AssignedAgentID)
	assert.Equal(t, domain.TierOne, reassigned.Tier, "cross assignment leaves the tier alone")
	assert.Equal(t, 0, h.load(t, "t1"))
	assert.Equal(t, 1, h.load(t, "t2"))

	other := h.create(t, CreateTicketInput{Title: "second"})
	_, err = h.engine.AssignAgent(context.Background(), other.ID, &cross)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeCapacityExceeded))

	missing := "nobody"
	_, err = h.engine.AssignAgent(context.Background(), other.ID, &missing)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeNotFound))
}

func TestSetStatusAndReprioritize(t *testing.T) {
	h := newHarness(t)
	h.addAgent(t, "a1", domain.TierOne, 1)
	ticket := h.create(t, CreateTicketInput{Priority: domain.TicketPriorityLow})

	pending, err := h.engine.SetStatus(context.Background(), ticket.ID, domain.TicketStatusPendingCustomer)
	require.NoError(t, err)
	assert.Equal(t, domain.TicketStatusPendingCustomer, pending.Status)

	back, err := h.engine.SetStatus(context.Background(), ticket.ID, domain.TicketStatusInProgress)
	require.NoError(t, err)
	assert.Equal(t, domain.TicketStatusInProgress, back.Status)

	_, err = h.engine.SetStatus(context.Background(), ticket.ID, domain.TicketStatusResolved)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeValidation))

	queued := h.create(t, CreateTicketInput{Priority: domain.TicketPriorityLow})
	_, err = h.engine.SetStatus(context.Background(), queued.ID, domain.TicketStatusPendingCustomer)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeInvalidTransition), "open tickets cannot pend on the customer")

	bumped, err := h.engine.Reprioritize(context.Background(), queued.ID, domain.TicketPriorityCritical)
	require.NoError(t, err)
	assert.Equal(t, domain.TicketPriorityCritical, bumped.Priority)
	assert.Equal(t, queued.SLADeadline, bumped.SLADeadline)
	assert.Equal(t, queued.ResolutionDeadline, bumped.ResolutionDeadline)

	entries, err := h.backlog.List(context.Background(), domain.TierOne)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.TicketPriorityCritical, entries[0].Priority)
	assert.Len(t, h.recorder.of(events.EventTicketPriorityChanged, queued.ID), 1)
}

func TestAttachSuggestions(t *testing.T) {
	h := newHarness(t)

	confident := h.create(t, CreateTicketInput{Title: "reset password"})
	got, err := h.engine.AttachSuggestions(context.Background(), confident.ID, []domain.AISuggestion{
		{Title: "Password reset guide", Confidence: 0.92, Tags: []string{"account"}},
	})
	require.NoError(t, err)
	assert.Len(t, got.Suggestions, 1)
	assert.Equal(t, domain.TierOne, got.Tier)

	unsure := h.create(t, CreateTicketInput{Title: "strange noise"})
	got, err = h.engine.AttachSuggestions(context.Background(), unsure.ID, []domain.AISuggestion{
		{Title: "Maybe hardware", Confidence: 0.12},
		{Title: "Maybe software", Confidence: 0.2},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.TierTwo, got.Tier)
	require.Len(t, got.Escalations, 1)
	assert.Equal(t, domain.EscalationReasonLowConfidence, got.Escalations[0].Reason)
	assert.Equal(t, domain.SystemActor, got.Escalations[0].ActorID)

	_, err = h.engine.AttachSuggestions(context.Background(), unsure.ID, []domain.AISuggestion{{Title: "bad", Confidence: 1.5}})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeValidation))
	_, err = h.engine.AttachSuggestions(context.Background(), unsure.ID, nil)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeValidation))
}

func TestListTicketsFilters(t *testing.T) {
	h := newHarness(t)

	a := h.create(t, CreateTicketInput{Title: "VPN down", Customer: "Globex", Platform: "ios"})
	h.clock.Advance(time.Minute)
	b := h.create(t, CreateTicketInput{Title: "vpn slow", Customer: "Initech", Platform: "web"})
	h.clock.Advance(time.Minute)
	h.create(t, CreateTicketInput{Title: "invoice", Customer: "Globex"})

	for _, id := range []string{a.ID, b.ID} {
		_, err := h.engine.Escalate(context.Background(), id, domain.EscalationReasonManual, "op", nil)
		require.NoError(t, err)
	}

	tier := domain.TierTwo
	status := domain.TicketStatusOpen
	got, err := h.engine.ListTickets(context.Background(), repository.TicketFilter{Tier: &tier, Status: &status})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, b.ID, got[0].ID, "newest first")
	assert.Equal(t, a.ID, got[1].ID)

	text := "GLOBEX"
	got, err = h.engine.ListTickets(context.Background(), repository.TicketFilter{Text: &text, Limit: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "invoice", got[0].Title)
}

type flakyTickets struct {
	repository.TicketRepository
	failUpdates atomic.Bool
	updates     atomic.Int32
}

func (f *flakyTickets) Update(ctx context.Context, ticket *domain.Ticket) (*domain.Ticket, error) {
	if f.failUpdates.Load() {
		f.updates.Add(1)
		return nil, apperrors.NewTimeout("ticket update", context.DeadlineExceeded)
	}
	return f.TicketRepository.Update(ctx, ticket)
}

func TestFailedAssignmentRollsBackAndReportsDegraded(t *testing.T) {
	flaky := &flakyTickets{TicketRepository: repository.NewMemoryTicketRepository()}
	flaky.failUpdates.Store(true)
	h := newHarness(t, withTickets(flaky))
	h.addAgent(t, "a1", domain.TierOne, 1)

	ticket := h.create(t, CreateTicketInput{})
	assert.False(t, ticket.Assigned())
	assert.Equal(t, domain.TicketStatusOpen, ticket.Status)
	assert.Equal(t, 0, h.load(t, "a1"), "reservation is given back")
	assert.GreaterOrEqual(t, flaky.updates.Load(), int32(3))

	degraded := h.recorder.of(events.EventEngineDegraded, "")
	require.NotEmpty(t, degraded)
	payload := degraded[0].Payload.(events.EngineDegradedPayload)
	assert.Equal(t, "ticket update", payload.Operation)
	assert.Equal(t, 3, payload.Attempts)

	n, err := h.backlog.Len(context.Background(), domain.TierOne)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	flaky.failUpdates.Store(false)
	require.NoError(t, h.engine.Drain(context.Background(), domain.TierOne))
	got, err := h.engine.GetTicket(context.Background(), ticket.ID)
	require.NoError(t, err)
	assert.True(t, got.Assigned())
	assert.Equal(t, 1, h.load(t, "a1"))
}

type stallingTickets struct {
	repository.TicketRepository
	stall atomic.Bool
}

func (s *stallingTickets) Update(ctx context.Context, ticket *domain.Ticket) (*domain.Ticket, error) {
	if s.stall.Load() {
		<-ctx.Done()
		return nil, apperrors.FromContext("ticket update", ctx.Err())
	}
	return s.TicketRepository.Update(ctx, ticket)
}

func TestExpiredRequestStillReturnsReservation(t *testing.T) {
	stalling := &stallingTickets{TicketRepository: repository.NewMemoryTicketRepository()}
	h := newHarness(t, withTickets(stalling))
	ticket := h.create(t, CreateTicketInput{})
	require.False(t, ticket.Assigned())
	h.addAgent(t, "a1", domain.TierOne, 1)

	stalling.stall.Store(true)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := h.engine.AssignAgent(ctx, ticket.ID, nil)
	require.Error(t, err)

	assert.Eventually(t, func() bool { return h.load(t, "a1") == 0 }, time.Second, 5*time.Millisecond)
	got, err := h.engine.GetTicket(context.Background(), ticket.ID)
	require.NoError(t, err)
	assert.False(t, got.Assigned())

	stalling.stall.Store(false)
	got, err = h.engine.AssignAgent(context.Background(), ticket.ID, nil)
	require.NoError(t, err)
	assert.True(t, got.Assigned())
	assert.Equal(t, 1, h.load(t, "a1"))
}

type lateAckTickets struct {
	repository.TicketRepository
	timeoutAfterWrite atomic.Bool
}

func (l *lateAckTickets) Update(ctx context.Context, ticket *domain.Ticket) (*domain.Ticket, error) {
	updated, err := l.TicketRepository.Update(ctx, ticket)
	if err == nil && l.timeoutAfterWrite.CompareAndSwap(true, false) {
		return nil, apperrors.NewTimeout("ticket update", context.DeadlineExceeded)
	}
	return updated, err
}

func TestCommittedAssignmentKeepsReservation(t *testing.T) {
	late := &lateAckTickets{TicketRepository: repository.NewMemoryTicketRepository()}
	h := newHarness(t, withTickets(late))
	ticket := h.create(t, CreateTicketInput{})
	h.addAgent(t, "a1", domain.TierOne, 2)

	late.timeoutAfterWrite.Store(true)
	got, err := h.engine.AssignAgent(context.Background(), ticket.ID, nil)
	require.NoError(t, err)
	require.True(t, got.Assigned())
	assert.Equal(t, "a1", *got.AssignedAgentID)
	assert.Equal(t, domain.TicketStatusInProgress, got.Status)
	assert.Equal(t, 1, h.load(t, "a1"), "load matches the one assigned ticket")

	n, err := h.backlog.Len(context.Background(), domain.TierOne)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, h.recorder.of(events.EventTicketAssigned, ticket.ID), 1)
}

func TestTaggedTicketSkipsAgentsWithoutSpecialties(t *testing.T) {
	h := newHarness(t)
	h.addAgent(t, "gen", domain.TierOne, 2)

	tagged := h.create(t, CreateTicketInput{Tags: []string{"billing"}})
	assert.False(t, tagged.Assigned())
	assert.Equal(t, 0, h.load(t, "gen"))

	untagged := h.create(t, CreateTicketInput{})
	require.True(t, untagged.Assigned())
	assert.Equal(t, "gen", *untagged.AssignedAgentID)
}

func TestSweepRedeliversLostBreach(t *testing.T) {
	h := newHarness(t)

	ticket := h.create(t, CreateTicketInput{Priority: domain.TicketPriorityCritical})
	h.engine.cancelTimers(ticket.ID)
	h.clock.Advance(20 * time.Minute)
	assert.Empty(t, h.recorder.of(events.EventSLABreached, ticket.ID))

	require.NoError(t, h.engine.Sweep(context.Background()))
	got, err := h.engine.GetTicket(context.Background(), ticket.ID)
	require.NoError(t, err)
	assert.True(t, got.Breached(domain.SLAKindResponse))
	assert.False(t, got.Breached(domain.SLAKindResolution))
	assert.Equal(t, domain.TierTwo, got.Tier)

	require.NoError(t, h.engine.Sweep(context.Background()))
	assert.Len(t, h.recorder.of(events.EventSLABreached, ticket.ID), 1)

	queued, err := h.backlog.List(context.Background(), domain.TierTwo)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, ticket.ID, queued[0].TicketID)
}

func TestStartRecoversOpenTickets(t *testing.T) {
	repo := repository.NewMemoryTicketRepository()
	seeded := &domain.Ticket{
		ID:                 "seeded",
		Title:              "left over",
		Status:             domain.TicketStatusOpen,
		Priority:           domain.TicketPriorityHigh,
		Tier:               domain.TierTwo,
		SLADeadline:        testStart.Add(time.Hour),
		ResolutionDeadline: testStart.Add(8 * time.Hour),
		CreatedAt:          testStart,
		UpdatedAt:          testStart,
	}
	_, err := repo.Create(context.Background(), seeded)
	require.NoError(t, err)
	done := *seeded
	done.ID = "done"
	done.Status = domain.TicketStatusResolved
	_, err = repo.Create(context.Background(), &done)
	require.NoError(t, err)

	h := newHarness(t, withTickets(repo))

	assert.Equal(t, 2, h.engine.ArmedTimers("seeded"))
	assert.Zero(t, h.engine.ArmedTimers("done"))
	queued, err := h.backlog.List(context.Background(), domain.TierTwo)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, "seeded", queued[0].TicketID)

	h.clock.Advance(time.Hour)
	got, err := h.engine.GetTicket(context.Background(), "seeded")
	require.NoError(t, err)
	assert.Equal(t, domain.TierThree, got.Tier)
}
