package repository

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spec-kit/ticket-routing/internal/domain"
	apperrors "github.com/spec-kit/ticket-routing/pkg/util/errorutil"
)

// agentEntry keeps load and capacity outside the profile lock, packed into
// one word (capacity in the high half, load in the low half), so Reserve,
// Release and a capacity change are each a single compare-and-swap.
type agentEntry struct {
	mu           sync.RWMutex
	profile      domain.Agent
	slots        atomic.Uint64
	lastAssigned atomic.Int64
}

func packSlots(load, capacity uint32) uint64 {
	return uint64(capacity)<<32 | uint64(load)
}

func unpackSlots(v uint64) (load, capacity uint32) {
	return uint32(v), uint32(v >> 32)
}

func (e *agentEntry) snapshot() domain.Agent {
	e.mu.RLock()
	a := *e.profile.Clone()
	e.mu.RUnlock()
	load, capacity := unpackSlots(e.slots.Load())
	a.CurrentLoad = int(load)
	a.MaxCapacity = int(capacity)
	if ns := e.lastAssigned.Load(); ns != 0 {
		at := time.Unix(0, ns).UTC()
		a.LastAssignedAt = &at
	}
	return a
}

type memoryAgentRegistry struct {
	mu     sync.RWMutex
	agents map[string]*agentEntry
	now    func() time.Time
}

// NewMemoryAgentRegistry returns a process-local AgentRegistry.
func NewMemoryAgentRegistry() AgentRegistry {
	return &memoryAgentRegistry{
		agents: make(map[string]*agentEntry),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (r *memoryAgentRegistry) entry(id string) (*agentEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.agents[id]
	if !ok {
		return nil, agentNotFound(id)
	}
	return e, nil
}

func (r *memoryAgentRegistry) Upsert(ctx context.Context, agent *domain.Agent) (*domain.Agent, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.FromContext("agent upsert", err)
	}
	if err := validateAgent(agent); err != nil {
		return nil, err
	}
	now := r.now()

	r.mu.Lock()
	e, exists := r.agents[agent.ID]
	if !exists {
		e = &agentEntry{}
		profile := agent.Clone()
		profile.CreatedAt = now
		profile.UpdatedAt = now
		e.profile = *profile
		e.slots.Store(packSlots(0, uint32(agent.MaxCapacity)))
		r.agents[agent.ID] = e
		r.mu.Unlock()
		a := e.snapshot()
		return &a, nil
	}
	r.mu.Unlock()

	e.mu.Lock()
	// Shrinking below the current load would break load <= capacity.
	for {
		old := e.slots.Load()
		load, _ := unpackSlots(old)
		if uint32(agent.MaxCapacity) < load {
			e.mu.Unlock()
			return nil, apperrors.NewConflict("capacity below current load", map[string]any{
				"agent_id": agent.ID, "current_load": load, "max_capacity": agent.MaxCapacity,
			})
		}
		if e.slots.CompareAndSwap(old, packSlots(load, uint32(agent.MaxCapacity))) {
			break
		}
	}
	createdAt := e.profile.CreatedAt
	profile := agent.Clone()
	profile.CreatedAt = createdAt
	profile.UpdatedAt = now
	e.profile = *profile
	e.mu.Unlock()

	a := e.snapshot()
	return &a, nil
}

func (r *memoryAgentRegistry) Get(ctx context.Context, id string) (*domain.Agent, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.FromContext("agent get", err)
	}
	e, err := r.entry(id)
	if err != nil {
		return nil, err
	}
	a := e.snapshot()
	return &a, nil
}

func (r *memoryAgentRegistry) ListByTier(ctx context.Context, tier domain.Tier) ([]domain.Agent, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.FromContext("agent list", err)
	}
	r.mu.RLock()
	entries := make([]*agentEntry, 0, len(r.agents))
	for _, e := range r.agents {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	result := make([]domain.Agent, 0, len(entries))
	for _, e := range entries {
		a := e.snapshot()
		if tier == "" || a.Tier == tier {
			result = append(result, a)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (r *memoryAgentRegistry) Reserve(ctx context.Context, id string, at time.Time) (*domain.Agent, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.FromContext("agent reserve", err)
	}
	e, err := r.entry(id)
	if err != nil {
		return nil, err
	}
	for {
		old := e.slots.Load()
		load, capacity := unpackSlots(old)
		if load >= capacity {
			return nil, apperrors.NewCapacityExceeded(id)
		}
		if e.slots.CompareAndSwap(old, packSlots(load+1, capacity)) {
			break
		}
	}
	e.lastAssigned.Store(at.UnixNano())
	a := e.snapshot()
	return &a, nil
}

func (r *memoryAgentRegistry) Release(ctx context.Context, id string) (*domain.Agent, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.FromContext("agent release", err)
	}
	e, err := r.entry(id)
	if err != nil {
		return nil, err
	}
	for {
		old := e.slots.Load()
		load, capacity := unpackSlots(old)
		if load == 0 || e.slots.CompareAndSwap(old, packSlots(load-1, capacity)) {
			break
		}
	}
	a := e.snapshot()
	return &a, nil
}

func (r *memoryAgentRegistry) SetStatus(ctx context.Context, id string, status domain.AgentStatus) (*domain.Agent, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.FromContext("agent set status", err)
	}
	if !status.Valid() {
		return nil, apperrors.NewValidationError("invalid agent status", map[string]any{"status": status})
	}
	e, err := r.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.profile.Status = status
	e.profile.UpdatedAt = r.now()
	e.mu.Unlock()
	a := e.snapshot()
	return &a, nil
}

func validateAgent(agent *domain.Agent) error {
	details := map[string]any{}
	if strings.TrimSpace(agent.ID) == "" {
		details["id"] = "required"
	}
	if !agent.Tier.Valid() {
		details["tier"] = "invalid"
	}
	if !agent.Status.Valid() {
		details["status"] = "invalid"
	}
	if agent.MaxCapacity < 0 || agent.MaxCapacity > math.MaxInt32 {
		details["max_capacity"] = "out of range"
	}
	if len(details) > 0 {
		return apperrors.NewValidationError("invalid agent", details)
	}
	agent.Specialties = domain.NormalizeTags(agent.Specialties)
	return nil
}
