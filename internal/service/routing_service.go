package service

import (
	"context"
	"slices"
	"sort"

	"github.com/spec-kit/ticket-routing/internal/domain"
	"github.com/spec-kit/ticket-routing/internal/repository"
	apperrors "github.com/spec-kit/ticket-routing/pkg/util/errorutil"
)

// AgentLister is the read side of the agent registry used for routing.
type AgentLister interface {
	ListByTier(ctx context.Context, tier domain.Tier) ([]domain.Agent, error)
}

var _ AgentLister = (repository.AgentRegistry)(nil)

// RoutingService picks agents for tickets. It never mutates the registry;
// reserving the chosen agent is the caller's job.
type RoutingService struct {
	agents AgentLister
}

// NewRoutingService creates the service.
func NewRoutingService(agents AgentLister) *RoutingService {
	return &RoutingService{agents: agents}
}

// Candidate is an eligible agent together with its specialty overlap.
type Candidate struct {
	Agent   domain.Agent
	Overlap int
}

// FindAgent returns the best eligible agent at tier for specialties, or a
// NoneAvailable error.
func (s *RoutingService) FindAgent(ctx context.Context, tier domain.Tier, specialties []string) (*domain.Agent, error) {
	ranked, err := s.Candidates(ctx, tier, specialties)
	if err != nil {
		return nil, err
	}
	if len(ranked) == 0 {
		return nil, apperrors.NewNoneAvailable(map[string]any{"tier": tier, "specialties": specialties})
	}
	return &ranked[0].Agent, nil
}

// Candidates lists every eligible agent at tier in assignment preference
// order.
func (s *RoutingService) Candidates(ctx context.Context, tier domain.Tier, specialties []string) ([]Candidate, error) {
	agents, err := s.agents.ListByTier(ctx, tier)
	if err != nil {
		return nil, err
	}
	return Rank(agents, tier, specialties), nil
}

// Rank filters agents down to online agents at tier with spare capacity
// and, when specialties are given, at least one shared specialty. The order is overlap descending, load ratio ascending, least recently
// assigned first, then id.
func Rank(agents []domain.Agent, tier domain.Tier, specialties []string) []Candidate {
	wanted := domain.NormalizeTags(specialties)
	out := make([]Candidate, 0, len(agents))
	for _, a := range agents {
		if a.Tier != tier || a.Status != domain.AgentStatusOnline || !a.HasCapacity() {
			continue
		}
		overlap := countOverlap(a.Specialties, wanted)
		if len(wanted) > 0 && overlap == 0 {
			continue
		}
		out = append(out, Candidate{Agent: *a.Clone(), Overlap: overlap})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return preferred(out[i], out[j])
	})
	return out
}

func preferred(a, b Candidate) bool {
	if a.Overlap != b.Overlap {
		return a.Overlap > b.Overlap
	}
	ra, rb := a.Agent.LoadRatio(), b.Agent.LoadRatio()
	if ra != rb {
		return ra < rb
	}
	la, lb := a.Agent.LastAssignedAt, b.Agent.LastAssignedAt
	switch {
	case la == nil && lb != nil:
		return true
	case la != nil && lb == nil:
		return false
	case la != nil && lb != nil && !la.Equal(*lb):
		return la.Before(*lb)
	}
	return a.Agent.ID < b.Agent.ID
}

func countOverlap(have, wanted []string) int {
	n := 0
	for _, w := range wanted {
		if slices.Contains(have, w) {
			n++
		}
	}
	return n
}
