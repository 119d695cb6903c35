package repository

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spec-kit/ticket-routing/internal/domain"
	apperrors "github.com/spec-kit/ticket-routing/pkg/util/errorutil"
)

func seedAgent(t *testing.T, reg AgentRegistry, id string, tier domain.Tier, capacity int) {
	t.Helper()
	_, err := reg.Upsert(context.Background(), &domain.Agent{
		ID:          id,
		Name:        id,
		Tier:        tier,
		Status:      domain.AgentStatusOnline,
		MaxCapacity: capacity,
		Specialties: []string{" Billing ", "billing", "Network"},
	})
	require.NoError(t, err)
}

func TestMemoryAgentUpsertAndList(t *testing.T) {
	reg := NewMemoryAgentRegistry()
	ctx := context.Background()
	seedAgent(t, reg, "b", domain.TierOne, 2)
	seedAgent(t, reg, "a", domain.TierOne, 2)
	seedAgent(t, reg, "c", domain.TierTwo, 2)

	tier1, err := reg.ListByTier(ctx, domain.TierOne)
	require.NoError(t, err)
	require.Len(t, tier1, 2)
	assert.Equal(t, "a", tier1[0].ID)
	assert.Equal(t, []string{"billing", "network"}, tier1[0].Specialties)

	all, err := reg.ListByTier(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	_, err = reg.Upsert(ctx, &domain.Agent{ID: "bad", Tier: "TIER9", Status: domain.AgentStatusOnline})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeValidation))
}

func TestMemoryAgentReserveRelease(t *testing.T) {
	reg := NewMemoryAgentRegistry()
	ctx := context.Background()
	seedAgent(t, reg, "a", domain.TierOne, 1)

	agent, err := reg.Reserve(ctx, "a", baseTime)
	require.NoError(t, err)
	assert.Equal(t, 1, agent.CurrentLoad)
	require.NotNil(t, agent.LastAssignedAt)
	assert.True(t, agent.LastAssignedAt.Equal(baseTime))

	_, err = reg.Reserve(ctx, "a", baseTime)
	assert.ErrorIs(t, err, apperrors.ErrCapacityExceeded)

	_, err = reg.Upsert(ctx, &domain.Agent{ID: "a", Tier: domain.TierOne, Status: domain.AgentStatusOnline, MaxCapacity: 0})
	assert.ErrorIs(t, err, apperrors.ErrConflict, "capacity cannot drop below load")

	agent, err = reg.Release(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 0, agent.CurrentLoad)

	agent, err = reg.Release(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 0, agent.CurrentLoad, "release at zero is a no-op")

	_, err = reg.Reserve(ctx, "missing", baseTime)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	_, err = reg.Release(ctx, "missing")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestMemoryAgentReserveIsAtomic(t *testing.T) {
	reg := NewMemoryAgentRegistry()
	ctx := context.Background()
	seedAgent(t, reg, "a", domain.TierOne, 5)

	var wg sync.WaitGroup
	var granted atomic.Int64
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := reg.Reserve(ctx, "a", baseTime); err == nil {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(5), granted.Load())
	agent, err := reg.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 5, agent.CurrentLoad)
}

func TestMemoryAgentShrinkRacingReserveKeepsLoadWithinCapacity(t *testing.T) {
	reg := NewMemoryAgentRegistry()
	ctx := context.Background()

	for round := 0; round < 200; round++ {
		seedAgent(t, reg, "a", domain.TierOne, 3)
		_, err := reg.Reserve(ctx, "a", baseTime)
		require.NoError(t, err)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = reg.Reserve(ctx, "a", baseTime)
		}()
		go func() {
			defer wg.Done()
			_, _ = reg.Upsert(ctx, &domain.Agent{ID: "a", Tier: domain.TierOne, Status: domain.AgentStatusOnline, MaxCapacity: 1})
		}()
		wg.Wait()

		agent, err := reg.Get(ctx, "a")
		require.NoError(t, err)
		require.LessOrEqual(t, agent.CurrentLoad, agent.MaxCapacity, "round %d", round)

		for agent.CurrentLoad > 0 {
			agent, err = reg.Release(ctx, "a")
			require.NoError(t, err)
		}
	}
}

func TestMemoryAgentCapacityOutOfRange(t *testing.T) {
	reg := NewMemoryAgentRegistry()
	_, err := reg.Upsert(context.Background(), &domain.Agent{
		ID: "huge", Tier: domain.TierOne, Status: domain.AgentStatusOnline, MaxCapacity: math.MaxInt32 + 1,
	})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeValidation))
}

func TestMemoryAgentSetStatus(t *testing.T) {
	reg := NewMemoryAgentRegistry()
	ctx := context.Background()
	seedAgent(t, reg, "a", domain.TierThree, 3)

	agent, err := reg.SetStatus(ctx, "a", domain.AgentStatusOffline)
	require.NoError(t, err)
	assert.Equal(t, domain.AgentStatusOffline, agent.Status)

	_, err = reg.SetStatus(ctx, "a", domain.AgentStatus("ASLEEP"))
	assert.True(t, apperrors.IsCode(err, apperrors.CodeValidation))
	_, err = reg.SetStatus(ctx, "missing", domain.AgentStatusOnline)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}
