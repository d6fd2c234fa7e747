package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/agent462/drover/internal/model"
)

// Defaults used when options are not given.
const (
	DefaultTaskTTL      = 30 * time.Second
	DefaultStatsRefresh = 10 * time.Second
)

// TaskSource loads task definitions.
type TaskSource interface {
	FindTask(ctx context.Context, id uint) (*model.Task, error)
}

// StatsSource computes aggregate queue counts.
type StatsSource interface {
	CountQueueByStatus(ctx context.Context) (model.QueueStats, error)
}

// ExecutionCache caches task definitions and the queue status vector.
type ExecutionCache struct {
	tasks   *TTL[uint, *model.Task]
	taskSrc TaskSource

	statsSrc  StatsSource
	refresh   time.Duration
	mu        sync.RWMutex
	stats     model.QueueStats
	statsAt   time.Time
	populated bool
	gen       uint64 // bumped on invalidation

	logger *slog.Logger
}

// Option configures an ExecutionCache.
type Option func(*ExecutionCache)

// WithTaskTTL sets how long a loaded task stays fresh.
func WithTaskTTL(d time.Duration) Option {
	return func(c *ExecutionCache) {
		if d > 0 {
			c.tasks = NewTTL[uint, *model.Task](d)
		}
	}
}

// WithStatsRefresh sets the interval of the stats refresh loop.
func WithStatsRefresh(d time.Duration) Option {
	return func(c *ExecutionCache) {
		if d > 0 {
			c.refresh = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *ExecutionCache) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewExecutionCache creates a cache over the given sources.
func NewExecutionCache(tasks TaskSource, stats StatsSource, opts ...Option) *ExecutionCache {
	c := &ExecutionCache{
		tasks:    NewTTL[uint, *model.Task](DefaultTaskTTL),
		taskSrc:  tasks,
		statsSrc: stats,
		refresh:  DefaultStatsRefresh,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetTask returns the task, loading it from storage when the cached copy is
// missing or stale. A missing task is reported by the source's error and is
// not cached.
func (c *ExecutionCache) GetTask(ctx context.Context, id uint) (*model.Task, error) {
	return c.tasks.Get(ctx, id, c.taskSrc.FindTask)
}

// InvalidateTask forces the next GetTask for id to hit storage.
func (c *ExecutionCache) InvalidateTask(id uint) {
	c.tasks.Invalidate(id)
}

// QueueStats returns the cached status vector. When the cache has never been
// populated, or was invalidated, it queries storage directly.
func (c *ExecutionCache) QueueStats(ctx context.Context) (model.QueueStats, error) {
	c.mu.RLock()
	if c.populated {
		stats := c.stats
		c.mu.RUnlock()
		return stats, nil
	}
	c.mu.RUnlock()
	return c.RefreshStats(ctx)
}

// InvalidateQueueStats marks the status vector stale.
func (c *ExecutionCache) InvalidateQueueStats() {
	c.mu.Lock()
	c.populated = false
	c.gen++
	c.mu.Unlock()
}

// RefreshStats recomputes the status vector from storage. A result computed
// across an invalidation is returned but not kept as fresh.
func (c *ExecutionCache) RefreshStats(ctx context.Context) (model.QueueStats, error) {
	c.mu.RLock()
	gen := c.gen
	c.mu.RUnlock()

	stats, err := c.statsSrc.CountQueueByStatus(ctx)
	if err != nil {
		return stats, err
	}
	c.mu.Lock()
	if c.gen == gen {
		c.stats = stats
		c.statsAt = time.Now()
		c.populated = true
	}
	c.mu.Unlock()
	return stats, nil
}

// StatsAge returns how long ago the status vector was computed, and false
// if it is not currently populated.
func (c *ExecutionCache) StatsAge() (time.Duration, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.populated {
		return 0, false
	}
	return time.Since(c.statsAt), true
}

// Run refreshes the status vector on a fixed interval until ctx is done.
func (c *ExecutionCache) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.refresh)
	defer ticker.Stop()

	if _, err := c.RefreshStats(ctx); err != nil && ctx.Err() == nil {
		c.logger.Warn("refresh queue stats", "err", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := c.RefreshStats(ctx); err != nil && ctx.Err() == nil {
				c.logger.Warn("refresh queue stats", "err", err)
			}
		}
	}
}
