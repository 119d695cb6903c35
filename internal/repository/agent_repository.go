package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/ticket-routing/internal/domain"
	apperrors "github.com/spec-kit/ticket-routing/pkg/util/errorutil"
)

const agentColumns = `id, name, contact, tier, status, current_load, max_capacity, specialties,
               last_assigned_at, created_at, updated_at`

type agentRegistry struct {
	pool *pgxpool.Pool
}

// NewAgentRegistry instantiates the Postgres-backed registry. Capacity is
// reserved with a conditional UPDATE so concurrent reservations serialize
// on the agent row.
func NewAgentRegistry(pool *pgxpool.Pool) AgentRegistry {
	return &agentRegistry{pool: pool}
}

func (r *agentRegistry) Upsert(ctx context.Context, agent *domain.Agent) (*domain.Agent, error) {
	if err := validateAgent(agent); err != nil {
		return nil, err
	}
	const query = `
        INSERT INTO agents (id, name, contact, tier, status, current_load, max_capacity, specialties, created_at, updated_at)
        VALUES ($1,$2,$3,$4,$5,0,$6,$7,NOW(),NOW())
        ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, contact=EXCLUDED.contact, tier=EXCLUDED.tier,
            status=EXCLUDED.status, max_capacity=EXCLUDED.max_capacity, specialties=EXCLUDED.specialties,
            updated_at=NOW()
        WHERE agents.current_load <= EXCLUDED.max_capacity
        RETURNING ` + agentColumns
	saved, err := scanAgent(r.pool.QueryRow(ctx, query,
		agent.ID,
		agent.Name,
		agent.Contact,
		agent.Tier,
		agent.Status,
		agent.MaxCapacity,
		nonNilStrings(agent.Specialties),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewConflict("capacity below current load", map[string]any{
				"agent_id": agent.ID, "max_capacity": agent.MaxCapacity,
			})
		}
		return nil, apperrors.FromContext("agent upsert", err)
	}
	return saved, nil
}

func (r *agentRegistry) Get(ctx context.Context, id string) (*domain.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE id=$1`
	agent, err := scanAgent(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, agentNotFound(id)
		}
		return nil, apperrors.FromContext("agent get", err)
	}
	return agent, nil
}

func (r *agentRegistry) ListByTier(ctx context.Context, tier domain.Tier) ([]domain.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents`
	args := []any{}
	if tier != "" {
		query += ` WHERE tier=$1`
		args = append(args, tier)
	}
	query += ` ORDER BY id ASC`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, apperrors.FromContext("agent list", err)
	}
	defer rows.Close()

	var result []domain.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, apperrors.FromContext("agent list", err)
		}
		result = append(result, *agent)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.FromContext("agent list", err)
	}
	return result, nil
}

func (r *agentRegistry) Reserve(ctx context.Context, id string, at time.Time) (*domain.Agent, error) {
	const query = `
        UPDATE agents SET current_load=current_load+1, last_assigned_at=$2, updated_at=NOW()
        WHERE id=$1 AND current_load < max_capacity
        RETURNING ` + agentColumns
	agent, err := scanAgent(r.pool.QueryRow(ctx, query, id, at))
	if err == nil {
		return agent, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.FromContext("agent reserve", err)
	}
	if _, getErr := r.Get(ctx, id); getErr != nil {
		return nil, getErr
	}
	return nil, apperrors.NewCapacityExceeded(id)
}

func (r *agentRegistry) Release(ctx context.Context, id string) (*domain.Agent, error) {
	const query = `
        UPDATE agents SET current_load=GREATEST(current_load-1, 0), updated_at=NOW()
        WHERE id=$1
        RETURNING ` + agentColumns
	agent, err := scanAgent(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, agentNotFound(id)
		}
		return nil, apperrors.FromContext("agent release", err)
	}
	return agent, nil
}

func (r *agentRegistry) SetStatus(ctx context.Context, id string, status domain.AgentStatus) (*domain.Agent, error) {
	if !status.Valid() {
		return nil, apperrors.NewValidationError("invalid agent status", map[string]any{"status": status})
	}
	const query = `
        UPDATE agents SET status=$2, updated_at=NOW()
        WHERE id=$1
        RETURNING ` + agentColumns
	agent, err := scanAgent(r.pool.QueryRow(ctx, query, id, status))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, agentNotFound(id)
		}
		return nil, apperrors.FromContext("agent set status", err)
	}
	return agent, nil
}

func scanAgent(row pgx.Row) (*domain.Agent, error) {
	var agent domain.Agent
	if err := row.Scan(
		&agent.ID,
		&agent.Name,
		&agent.Contact,
		&agent.Tier,
		&agent.Status,
		&agent.CurrentLoad,
		&agent.MaxCapacity,
		&agent.Specialties,
		&agent.LastAssignedAt,
		&agent.CreatedAt,
		&agent.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &agent, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
