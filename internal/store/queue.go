package store

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/agent462/drover/internal/model"
)

// CreateQueueItem inserts a queue item.
func (s *Store) CreateQueueItem(ctx context.Context, item *model.QueueItem) error {
	return s.db.WithContext(ctx).Create(item).Error
}

// FindQueueItem returns the queue item with the given ID or ErrNotFound.
func (s *Store) FindQueueItem(ctx context.Context, id uint) (*model.QueueItem, error) {
	var item model.QueueItem
	if err := s.db.WithContext(ctx).First(&item, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &item, nil
}

// SetQueueStatus sets the status of a queue item. Entering processing stamps
// started_at; entering a terminal status stamps completed_at.
func (s *Store) SetQueueStatus(ctx context.Context, id uint, status model.QueueStatus, at time.Time) error {
	updates := map[string]any{"status": status}
	switch {
	case status == model.QueueProcessing:
		updates["started_at"] = at
	case status.IsTerminal():
		updates["completed_at"] = at
	}
	res := s.db.WithContext(ctx).Model(&model.QueueItem{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// FinishQueueItem moves a processing item to a terminal status. It reports
// false, without error, when the item has already left processing; only an
// explicit SetQueueStatus overwrites a terminal status.
func (s *Store) FinishQueueItem(ctx context.Context, id uint, status model.QueueStatus, at time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&model.QueueItem{}).
		Where("id = ? AND status = ?", id, model.QueueProcessing).
		Updates(map[string]any{"status": status, "completed_at": at})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 1 {
		return true, nil
	}
	if _, err := s.FindQueueItem(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// MarkQueueProcessing moves the given items that are still waiting to
// processing with a single statement and returns the IDs it moved. Items
// cancelled since they were read are left alone.
func (s *Store) MarkQueueProcessing(ctx context.Context, ids []uint, at time.Time) ([]uint, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var claimed []uint
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.QueueItem{}).
			Where("id IN ? AND status = ?", ids, model.QueueWaiting).
			Updates(map[string]any{"status": model.QueueProcessing, "started_at": at})
		if res.Error != nil || res.RowsAffected == 0 {
			return res.Error
		}
		return tx.Model(&model.QueueItem{}).
			Where("id IN ? AND status = ? AND started_at = ?", ids, model.QueueProcessing, at).
			Pluck("id", &claimed).Error
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// FindWaiting returns up to limit waiting items, highest priority first and
// oldest first within a priority.
func (s *Store) FindWaiting(ctx context.Context, limit int) ([]model.QueueItem, error) {
	var items []model.QueueItem
	if limit <= 0 {
		return items, nil
	}
	err := s.db.WithContext(ctx).
		Where("status = ?", model.QueueWaiting).
		Order("priority DESC").
		Order("created_at ASC").
		Order("id ASC").
		Limit(limit).
		Find(&items).Error
	return items, err
}

// ResetProcessing returns items left in processing by an unclean shutdown
// to waiting and clears their started_at.
func (s *Store) ResetProcessing(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Model(&model.QueueItem{}).
		Where("status = ?", model.QueueProcessing).
		Updates(map[string]any{"status": model.QueueWaiting, "started_at": gorm.Expr("NULL")})
	return res.RowsAffected, res.Error
}

// CountQueueByStatus groups queue items by status.
func (s *Store) CountQueueByStatus(ctx context.Context) (model.QueueStats, error) {
	var rows []struct {
		Status model.QueueStatus
		Count  int64
	}
	var stats model.QueueStats
	err := s.db.WithContext(ctx).Model(&model.QueueItem{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return stats, err
	}
	for _, r := range rows {
		stats.Add(r.Status, r.Count)
	}
	return stats, nil
}
