package store

import (
	"context"

	"gorm.io/gorm"

	"github.com/agent462/drover/internal/model"
)

// CreateExecutions inserts all executions in one transaction: either every
// row is written or none is.
func (s *Store) CreateExecutions(ctx context.Context, execs []*model.Execution) error {
	if len(execs) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&execs).Error
	})
}

// CompleteExecution writes the final state of an execution.
func (s *Store) CompleteExecution(ctx context.Context, exec *model.Execution) error {
	res := s.db.WithContext(ctx).Model(&model.Execution{}).
		Where("id = ?", exec.ID).
		Updates(map[string]any{
			"status":       exec.Status,
			"output":       exec.Output,
			"exit_code":    exec.ExitCode,
			"completed_at": exec.CompletedAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ExecutionsByTask lists the most recent executions of a task.
func (s *Store) ExecutionsByTask(ctx context.Context, taskID uint, limit int) ([]model.Execution, error) {
	return s.executions(ctx, "task_id = ?", taskID, limit)
}

// ExecutionsByServer lists the most recent executions on a server.
func (s *Store) ExecutionsByServer(ctx context.Context, serverID uint, limit int) ([]model.Execution, error) {
	return s.executions(ctx, "server_id = ?", serverID, limit)
}

// ExecutionsByQueue lists the executions created for one queue item.
func (s *Store) ExecutionsByQueue(ctx context.Context, queueID uint) ([]model.Execution, error) {
	return s.executions(ctx, "queue_id = ?", queueID, 0)
}

func (s *Store) executions(ctx context.Context, where string, arg any, limit int) ([]model.Execution, error) {
	var execs []model.Execution
	q := s.db.WithContext(ctx).Where(where, arg).Order("started_at DESC").Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&execs).Error
	return execs, err
}
