// Package queue owns the durable queue lifecycle and the scheduler that
// dispatches waiting items under a global concurrency ceiling.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/agent462/drover/internal/logging"
	"github.com/agent462/drover/internal/model"
)

// ErrNoServers is returned when an item is enqueued without target servers.
var ErrNoServers = errors.New("queue item needs at least one server")

// Store persists queue items. *store.Store implements it.
type Store interface {
	CreateQueueItem(ctx context.Context, item *model.QueueItem) error
	FindQueueItem(ctx context.Context, id uint) (*model.QueueItem, error)
	SetQueueStatus(ctx context.Context, id uint, status model.QueueStatus, at time.Time) error
	FinishQueueItem(ctx context.Context, id uint, status model.QueueStatus, at time.Time) (bool, error)
	MarkQueueProcessing(ctx context.Context, ids []uint, at time.Time) ([]uint, error)
	FindWaiting(ctx context.Context, limit int) ([]model.QueueItem, error)
	ResetProcessing(ctx context.Context) (int64, error)
}

// StatsCache holds the aggregate status counts. *cache.ExecutionCache implements it.
type StatsCache interface {
	QueueStats(ctx context.Context) (model.QueueStats, error)
	InvalidateQueueStats()
}

// Manager performs queue item status transitions and keeps the stats cache
// honest about them.
type Manager struct {
	store  Store
	stats  StatsCache
	logger *slog.Logger
	now    func() time.Time
}

// NewManager creates a Manager. A nil logger uses slog.Default().
func NewManager(store Store, stats StatsCache, logger *slog.Logger) *Manager {
	return &Manager{
		store:  store,
		stats:  stats,
		logger: logging.OrDefault(logger),
		now:    time.Now,
	}
}

// Enqueue creates a waiting item and returns its ID without waiting for it to run.
func (m *Manager) Enqueue(ctx context.Context, taskID uint, serverIDs []uint, priority int) (uint, error) {
	if len(serverIDs) == 0 {
		return 0, ErrNoServers
	}
	item := &model.QueueItem{
		TaskID:   taskID,
		Priority: priority,
		Status:   model.QueueWaiting,
	}
	if err := item.SetServers(serverIDs); err != nil {
		return 0, fmt.Errorf("encode servers: %w", err)
	}
	if err := m.store.CreateQueueItem(ctx, item); err != nil {
		return 0, fmt.Errorf("enqueue task %d: %w", taskID, err)
	}
	m.stats.InvalidateQueueStats()
	m.logger.Info("task enqueued", "queue_id", item.ID, "task_id", taskID, "servers", len(serverIDs), "priority", priority)
	return item.ID, nil
}

// Cancel marks the item cancelled whatever its current status. A waiting
// item drops out of the next claim; a processing item keeps running and its
// results are still recorded.
func (m *Manager) Cancel(ctx context.Context, id uint) error {
	if err := m.UpdateStatus(ctx, id, model.QueueCancelled); err != nil {
		return err
	}
	m.logger.Info("queue item cancelled", "queue_id", id)
	return nil
}

// UpdateStatus records a transition, stamping started_at for processing and
// completed_at for terminal statuses.
func (m *Manager) UpdateStatus(ctx context.Context, id uint, status model.QueueStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid queue status %q", status)
	}
	defer m.stats.InvalidateQueueStats()
	if err := m.store.SetQueueStatus(ctx, id, status, m.now()); err != nil {
		return fmt.Errorf("set queue item %d %s: %w", id, status, err)
	}
	return nil
}

// Finish moves a processing item to a terminal status. An item that already
// reached a terminal status, typically because it was cancelled while
// running, keeps it.
func (m *Manager) Finish(ctx context.Context, id uint, status model.QueueStatus) error {
	if !status.IsTerminal() {
		return fmt.Errorf("finish queue item %d: %q is not a terminal status", id, status)
	}
	defer m.stats.InvalidateQueueStats()
	ok, err := m.store.FinishQueueItem(ctx, id, status, m.now())
	if err != nil {
		return fmt.Errorf("finish queue item %d %s: %w", id, status, err)
	}
	if !ok {
		m.logger.Info("queue item already terminal, keeping its status", "queue_id", id, "outcome", status)
	}
	return nil
}

// MarkAsProcessing moves the ids that are still waiting to processing in one
// statement.
func (m *Manager) MarkAsProcessing(ctx context.Context, ids []uint) error {
	if len(ids) == 0 {
		return nil
	}
	defer m.stats.InvalidateQueueStats()
	if _, err := m.store.MarkQueueProcessing(ctx, ids, m.now()); err != nil {
		return fmt.Errorf("mark %d queue items processing: %w", len(ids), err)
	}
	return nil
}

// ClaimWaiting fetches up to limit waiting items in dispatch order and marks
// them processing. Items cancelled between the read and the claim are
// dropped. The returned items reflect the new status.
func (m *Manager) ClaimWaiting(ctx context.Context, limit int) ([]model.QueueItem, error) {
	items, err := m.store.FindWaiting(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("find waiting items: %w", err)
	}
	if len(items) == 0 {
		return nil, nil
	}
	ids := make([]uint, len(items))
	for i := range items {
		ids[i] = items[i].ID
	}
	at := m.now()
	claimedIDs, err := m.store.MarkQueueProcessing(ctx, ids, at)
	if err != nil {
		return nil, fmt.Errorf("claim %d queue items: %w", len(ids), err)
	}
	m.stats.InvalidateQueueStats()

	claimed := make(map[uint]bool, len(claimedIDs))
	for _, id := range claimedIDs {
		claimed[id] = true
	}
	out := items[:0]
	for _, item := range items {
		if !claimed[item.ID] {
			m.logger.Debug("queue item left waiting before it was claimed", "queue_id", item.ID)
			continue
		}
		item.Status = model.QueueProcessing
		item.StartedAt = &at
		out = append(out, item)
	}
	return out, nil
}

// Recover returns items stranded in processing by an unclean shutdown to
// waiting so they run again.
func (m *Manager) Recover(ctx context.Context) (int64, error) {
	n, err := m.store.ResetProcessing(ctx)
	if err != nil {
		return 0, fmt.Errorf("recover processing items: %w", err)
	}
	if n > 0 {
		m.stats.InvalidateQueueStats()
		m.logger.Warn("requeued items left processing by previous run", "count", n)
	}
	return n, nil
}

// Get returns one queue item.
func (m *Manager) Get(ctx context.Context, id uint) (*model.QueueItem, error) {
	return m.store.FindQueueItem(ctx, id)
}

// Status returns the per-status counts, served from the stats cache.
func (m *Manager) Status(ctx context.Context) (model.QueueStats, error) {
	return m.stats.QueueStats(ctx)
}
