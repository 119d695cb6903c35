package repository

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/ticket-routing/internal/domain"
	apperrors "github.com/spec-kit/ticket-routing/pkg/util/errorutil"
)

const ticketColumns = `id, title, description, status, priority, tier, source, platform, customer,
               assigned_agent_id, tags, suggestions, escalations, breaches, sla_deadline, resolution_deadline,
               response_time_ms, resolution_time_ms, created_at, updated_at, resolved_at, closed_at, version`

const queryPageSize = 100

type ticketRepository struct {
	pool *pgxpool.Pool
}

// NewTicketRepository instantiates the Postgres-backed repository.
func NewTicketRepository(pool *pgxpool.Pool) TicketRepository {
	return &ticketRepository{pool: pool}
}

func (r *ticketRepository) Create(ctx context.Context, ticket *domain.Ticket) (string, error) {
	const query = `
        INSERT INTO tickets (id, title, description, status, priority, tier, source, platform, customer,
            assigned_agent_id, tags, suggestions, escalations, breaches, sla_deadline, resolution_deadline,
            response_time_ms, resolution_time_ms, created_at, updated_at, resolved_at, closed_at, version)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,1)
        RETURNING version`
	if ticket.UpdatedAt.IsZero() {
		ticket.UpdatedAt = ticket.CreatedAt
	}
	err := r.pool.QueryRow(ctx, query,
		ticket.ID,
		ticket.Title,
		ticket.Description,
		ticket.Status,
		ticket.Priority,
		ticket.Tier,
		ticket.Source,
		ticket.Platform,
		ticket.Customer,
		ticket.AssignedAgentID,
		nonNilStrings(ticket.Tags),
		nonNilSlice(ticket.Suggestions),
		nonNilSlice(ticket.Escalations),
		nonNilSlice(ticket.Breaches),
		ticket.SLADeadline,
		ticket.ResolutionDeadline,
		durationMillis(ticket.ResponseTime),
		durationMillis(ticket.ResolutionTime),
		ticket.CreatedAt,
		ticket.UpdatedAt,
		ticket.ResolvedAt,
		ticket.ClosedAt,
	).Scan(&ticket.Version)
	if err != nil {
		if isUniqueViolation(err) {
			return "", apperrors.NewConflict("ticket already exists", map[string]any{"ticket_id": ticket.ID})
		}
		return "", apperrors.FromContext("ticket create", err)
	}
	return ticket.ID, nil
}

func (r *ticketRepository) Get(ctx context.Context, id string) (*domain.Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM tickets WHERE id=$1`
	ticket, err := scanTicket(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ticketNotFound(id)
		}
		return nil, apperrors.FromContext("ticket get", err)
	}
	return ticket, nil
}

func (r *ticketRepository) Update(ctx context.Context, ticket *domain.Ticket) (*domain.Ticket, error) {
	var merged *domain.Ticket
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		stored, err := lockTicket(ctx, tx, ticket.ID)
		if err != nil {
			return err
		}
		if stored.Version != ticket.Version {
			return versionConflict(ticket.ID, ticket.Version, stored.Version)
		}
		merged, err = mergeUpdate(stored, ticket)
		if err != nil {
			return err
		}
		const query = `
            UPDATE tickets SET title=$1, description=$2, status=$3, priority=$4, tier=$5, source=$6, platform=$7,
                customer=$8, assigned_agent_id=$9, tags=$10, suggestions=$11, breaches=$12, response_time_ms=$13,
                resolution_time_ms=$14, updated_at=$15, resolved_at=$16, closed_at=$17, version=$18
            WHERE id=$19 AND version=$20`
		cmd, err := tx.Exec(ctx, query,
			merged.Title,
			merged.Description,
			merged.Status,
			merged.Priority,
			merged.Tier,
			merged.Source,
			merged.Platform,
			merged.Customer,
			merged.AssignedAgentID,
			nonNilStrings(merged.Tags),
			nonNilSlice(merged.Suggestions),
			nonNilSlice(merged.Breaches),
			durationMillis(merged.ResponseTime),
			durationMillis(merged.ResolutionTime),
			merged.UpdatedAt,
			merged.ResolvedAt,
			merged.ClosedAt,
			merged.Version,
			merged.ID,
			stored.Version,
		)
		if err != nil {
			return err
		}
		if cmd.RowsAffected() == 0 {
			return versionConflict(ticket.ID, ticket.Version, stored.Version+1)
		}
		return nil
	})
	if err != nil {
		return nil, apperrors.FromContext("ticket update", err)
	}
	return merged, nil
}

func (r *ticketRepository) AppendEscalation(ctx context.Context, id string, record domain.EscalationRecord) (*domain.Ticket, error) {
	var next *domain.Ticket
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		stored, err := lockTicket(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := checkEscalation(stored, record); err != nil {
			return err
		}
		next = stored.Clone()
		next.Escalations = append(next.Escalations, record)
		next.Tier = record.ToTier
		next.UpdatedAt = record.Timestamp
		next.Version++
		const query = `
            UPDATE tickets SET escalations=$1, tier=$2, updated_at=$3, version=$4
            WHERE id=$5`
		_, err = tx.Exec(ctx, query, next.Escalations, next.Tier, next.UpdatedAt, next.Version, id)
		return err
	})
	if err != nil {
		return nil, apperrors.FromContext("ticket append escalation", err)
	}
	return next, nil
}

// Query pages through matches with a keyset cursor so callers that stop
// early never load the full result.
func (r *ticketRepository) Query(ctx context.Context, filter TicketFilter) iter.Seq2[domain.Ticket, error] {
	return func(yield func(domain.Ticket, error) bool) {
		var (
			cursorAt *time.Time
			cursorID string
			emitted  int
		)
		for {
			query, args := buildTicketQuery(filter, cursorAt, cursorID)
			rows, err := r.pool.Query(ctx, query, args...)
			if err != nil {
				yield(domain.Ticket{}, apperrors.FromContext("ticket query", err))
				return
			}
			page, err := scanTickets(rows)
			if err != nil {
				yield(domain.Ticket{}, apperrors.FromContext("ticket query", err))
				return
			}
			for i := range page {
				if filter.Limit > 0 && emitted >= filter.Limit {
					return
				}
				if !yield(page[i], nil) {
					return
				}
				emitted++
			}
			if len(page) < queryPageSize {
				return
			}
			last := page[len(page)-1]
			cursorAt, cursorID = &last.CreatedAt, last.ID
		}
	}
}

// likeEscaper makes search text match literally inside a LIKE pattern.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func buildTicketQuery(filter TicketFilter, cursorAt *time.Time, cursorID string) (string, []any) {
	clauses := []string{"1=1"}
	args := []any{}

	if filter.Tier != nil {
		args = append(args, *filter.Tier)
		clauses = append(clauses, fmt.Sprintf("tier=$%d", len(args)))
	}
	if filter.Status != nil {
		args = append(args, *filter.Status)
		clauses = append(clauses, fmt.Sprintf("status=$%d", len(args)))
	}
	if filter.Priority != nil {
		args = append(args, *filter.Priority)
		clauses = append(clauses, fmt.Sprintf("priority=$%d", len(args)))
	}
	if filter.Platform != nil {
		args = append(args, strings.ToLower(*filter.Platform))
		clauses = append(clauses, fmt.Sprintf("LOWER(platform)=$%d", len(args)))
	}
	if filter.AssignedAgentID != nil {
		args = append(args, *filter.AssignedAgentID)
		clauses = append(clauses, fmt.Sprintf("assigned_agent_id=$%d", len(args)))
	}
	if filter.OpenOnly {
		args = append(args, domain.TicketStatusResolved, domain.TicketStatusClosed)
		clauses = append(clauses, fmt.Sprintf("status NOT IN ($%d,$%d)", len(args)-1, len(args)))
	}
	if text := filter.searchText(); text != "" {
		args = append(args, "%"+likeEscaper.Replace(text)+"%")
		placeholder := fmt.Sprintf("$%d", len(args))
		clauses = append(clauses, fmt.Sprintf(`(LOWER(title) LIKE %s ESCAPE '\' OR LOWER(customer) LIKE %s ESCAPE '\')`, placeholder, placeholder))
	}

	direction, cmp := "DESC", "<"
	if filter.Order == CreatedAsc {
		direction, cmp = "ASC", ">"
	}
	if cursorAt != nil {
		args = append(args, *cursorAt, cursorID)
		clauses = append(clauses, fmt.Sprintf("(created_at, id) %s ($%d, $%d)", cmp, len(args)-1, len(args)))
	}

	query := fmt.Sprintf(`SELECT %s FROM tickets WHERE %s ORDER BY created_at %s, id %s LIMIT %d`,
		ticketColumns, strings.Join(clauses, " AND "), direction, direction, queryPageSize)
	return query, args
}

func lockTicket(ctx context.Context, tx pgx.Tx, id string) (*domain.Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM tickets WHERE id=$1 FOR UPDATE`
	ticket, err := scanTicket(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ticketNotFound(id)
		}
		return nil, err
	}
	return ticket, nil
}

func scanTicket(row pgx.Row) (*domain.Ticket, error) {
	var (
		ticket       domain.Ticket
		responseMs   *int64
		resolutionMs *int64
	)
	if err := row.Scan(
		&ticket.ID,
		&ticket.Title,
		&ticket.Description,
		&ticket.Status,
		&ticket.Priority,
		&ticket.Tier,
		&ticket.Source,
		&ticket.Platform,
		&ticket.Customer,
		&ticket.AssignedAgentID,
		&ticket.Tags,
		&ticket.Suggestions,
		&ticket.Escalations,
		&ticket.Breaches,
		&ticket.SLADeadline,
		&ticket.ResolutionDeadline,
		&responseMs,
		&resolutionMs,
		&ticket.CreatedAt,
		&ticket.UpdatedAt,
		&ticket.ResolvedAt,
		&ticket.ClosedAt,
		&ticket.Version,
	); err != nil {
		return nil, err
	}
	ticket.ResponseTime = millisDuration(responseMs)
	ticket.ResolutionTime = millisDuration(resolutionMs)
	return &ticket, nil
}

func scanTickets(rows pgx.Rows) ([]domain.Ticket, error) {
	defer rows.Close()
	var result []domain.Ticket
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *ticket)
	}
	return result, rows.Err()
}

func durationMillis(d *time.Duration) *int64 {
	if d == nil {
		return nil
	}
	ms := d.Milliseconds()
	return &ms
}

func millisDuration(ms *int64) *time.Duration {
	if ms == nil {
		return nil
	}
	d := time.Duration(*ms) * time.Millisecond
	return &d
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilSlice[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
