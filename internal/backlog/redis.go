package backlog

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/spec-kit/ticket-routing/internal/domain"
)

// redisQueue keeps one sorted set per tier scored by creation time in
// milliseconds. Members are "<createdNanos>|<5-rank>|<priority>|<ticketID>"
// so equal scores fall back to the full ordering lexically. A
// hash per tier maps ticket id to its current member.
type redisQueue struct {
	client *redis.Client
	prefix string
}

// NewRedisQueue returns a Queue stored in Redis under prefix.
func NewRedisQueue(client *redis.Client, prefix string) Queue {
	return &redisQueue{client: client, prefix: prefix}
}

func (q *redisQueue) zkey(tier domain.Tier) string {
	return fmt.Sprintf("%s:backlog:%s", q.prefix, strings.ToLower(string(tier)))
}

func (q *redisQueue) hkey(tier domain.Tier) string {
	return q.zkey(tier) + ":members"
}

func encodeMember(e Entry) string {
	return fmt.Sprintf("%019d|%d|%s|%s", e.CreatedAt.UnixNano(), 5-e.Priority.Rank(), e.Priority, e.TicketID)
}

func decodeMember(member string) (Entry, error) {
	parts := strings.SplitN(member, "|", 4)
	if len(parts) != 4 {
		return Entry{}, fmt.Errorf("backlog: malformed member %q", member)
	}
	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("backlog: malformed member %q: %w", member, err)
	}
	return Entry{
		TicketID:  parts[3],
		Priority:  domain.TicketPriority(parts[2]),
		CreatedAt: time.Unix(0, nanos).UTC(),
	}, nil
}

func (q *redisQueue) Push(ctx context.Context, tier domain.Tier, entry Entry) error {
	member := encodeMember(entry)
	previous, err := q.client.HGet(ctx, q.hkey(tier), entry.TicketID).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("backlog push: %w", err)
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if previous != "" && previous != member {
			pipe.ZRem(ctx, q.zkey(tier), previous)
		}
		pipe.ZAdd(ctx, q.zkey(tier), redis.Z{Score: float64(entry.CreatedAt.UnixMilli()), Member: member})
		pipe.HSet(ctx, q.hkey(tier), entry.TicketID, member)
		return nil
	})
	if err != nil {
		return fmt.Errorf("backlog push: %w", err)
	}
	return nil
}

func (q *redisQueue) Remove(ctx context.Context, tier domain.Tier, ticketID string) error {
	member, err := q.client.HGet(ctx, q.hkey(tier), ticketID).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("backlog remove: %w", err)
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.zkey(tier), member)
		pipe.HDel(ctx, q.hkey(tier), ticketID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("backlog remove: %w", err)
	}
	return nil
}

func (q *redisQueue) List(ctx context.Context, tier domain.Tier) ([]Entry, error) {
	members, err := q.client.ZRange(ctx, q.zkey(tier), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("backlog list: %w", err)
	}
	entries := make([]Entry, 0, len(members))
	for _, m := range members {
		e, err := decodeMember(m)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (q *redisQueue) Len(ctx context.Context, tier domain.Tier) (int, error) {
	n, err := q.client.ZCard(ctx, q.zkey(tier)).Result()
	if err != nil {
		return 0, fmt.Errorf("backlog len: %w", err)
	}
	return int(n), nil
}
