// Package worker runs ticket lifecycle commands on a fixed set of shards.
// Commands that share a key always land on the same shard, so they run one
// at a time in submission order; different keys run in parallel.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrPoolClosed is returned by Do once Stop has been called.
var ErrPoolClosed = errors.New("worker: pool closed")

// Command is one unit of work.
type Command func(ctx context.Context) error

type job struct {
	ctx  context.Context
	cmd  Command
	done chan error
}

// Pool is a keyed command queue.
type Pool struct {
	mu     sync.RWMutex
	closed bool
	shards []chan job
	group  *errgroup.Group
	logger *zap.Logger
}

// NewPool creates a pool with workers shards, each buffering depth
// commands. Start must be called before Do.
func NewPool(workers, depth int, logger *zap.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if depth <= 0 {
		depth = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	shards := make([]chan job, workers)
	for i := range shards {
		shards[i] = make(chan job, depth)
	}
	return &Pool{shards: shards, logger: logger.With(zap.String("component", "worker_pool"))}
}

// Start launches one goroutine per shard.
func (p *Pool) Start() {
	p.group = &errgroup.Group{}
	for i, ch := range p.shards {
		p.group.Go(func() error {
			for j := range ch {
				j.done <- p.run(i, j)
			}
			return nil
		})
	}
	p.logger.Info("worker pool started", zap.Int("shards", len(p.shards)))
}

// Stop rejects new commands, finishes queued ones and waits for the
// shards to exit.
func (p *Pool) Stop() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for _, ch := range p.shards {
		close(ch)
	}
	p.mu.Unlock()
	if p.group == nil {
		return nil
	}
	return p.group.Wait()
}

// Shard returns the shard index for key.
func (p *Pool) Shard(key string) int {
	return int(xxhash.Sum64String(key) % uint64(len(p.shards)))
}

// Do queues cmd on key's shard and waits for its result. It must not be
// called from inside a running command.
func (p *Pool) Do(ctx context.Context, key string, cmd Command) error {
	j := job{ctx: ctx, cmd: cmd, done: make(chan error, 1)}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrPoolClosed
	}
	select {
	case p.shards[p.Shard(key)] <- j:
	case <-ctx.Done():
		p.mu.RUnlock()
		return ctx.Err()
	}
	p.mu.RUnlock()

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) run(shard int, j job) (err error) {
	if err := j.ctx.Err(); err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("command panicked", zap.Int("shard", shard), zap.Any("panic", r))
			err = fmt.Errorf("worker: command panicked: %v", r)
		}
	}()
	return j.cmd(j.ctx)
}
