package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/agent462/drover/internal/model"
)

// CreateTask inserts a task.
func (s *Store) CreateTask(ctx context.Context, task *model.Task) error {
	return s.db.WithContext(ctx).Create(task).Error
}

// FindTask returns the task with the given ID or ErrNotFound.
func (s *Store) FindTask(ctx context.Context, id uint) (*model.Task, error) {
	var task model.Task
	if err := s.db.WithContext(ctx).First(&task, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &task, nil
}

// UpdateTask writes the editable fields of an existing task. Callers that
// cache tasks must invalidate task.ID afterwards.
func (s *Store) UpdateTask(ctx context.Context, task *model.Task) error {
	res := s.db.WithContext(ctx).Model(task).Select("name", "command", "timeout").Updates(task)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteTask removes a task together with its execution history. Both
// deletes happen in one transaction.
func (s *Store) DeleteTask(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("task_id = ?", id).Delete(&model.Execution{}).Error; err != nil {
			return fmt.Errorf("delete executions of task %d: %w", id, err)
		}
		res := tx.Delete(&model.Task{}, id)
		if res.Error != nil {
			return fmt.Errorf("delete task %d: %w", id, res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// CreateServer inserts a server after validating it.
func (s *Store) CreateServer(ctx context.Context, server *model.Server) error {
	if err := server.Validate(); err != nil {
		return fmt.Errorf("invalid server: %w", err)
	}
	if server.ConnectionType == "" {
		server.ConnectionType = model.ConnectionDirect
	}
	if server.Status == "" {
		server.Status = model.ServerUnknown
	}
	return s.db.WithContext(ctx).Create(server).Error
}

// FindServer returns the server with the given ID or ErrNotFound.
func (s *Store) FindServer(ctx context.Context, id uint) (*model.Server, error) {
	var server model.Server
	if err := s.db.WithContext(ctx).First(&server, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &server, nil
}

// UpdateServerStatus records the last observed reachability of a server.
func (s *Store) UpdateServerStatus(ctx context.Context, id uint, status model.ServerStatus) error {
	res := s.db.WithContext(ctx).Model(&model.Server{}).Where("id = ?", id).Update("status", status)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchProxy records that a proxy agent was seen at t, creating the proxy
// row when it does not exist yet.
func (s *Store) TouchProxy(ctx context.Context, id string, t time.Time) error {
	db := s.db.WithContext(ctx)
	res := db.Model(&model.Proxy{}).Where("id = ?", id).Update("last_seen", t)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	return db.Create(&model.Proxy{ID: id, Name: id, LastSeen: &t}).Error
}

// FindProxy returns the proxy with the given ID or ErrNotFound.
func (s *Store) FindProxy(ctx context.Context, id string) (*model.Proxy, error) {
	var proxy model.Proxy
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&proxy).Error; err != nil {
		return nil, notFound(err)
	}
	return &proxy, nil
}
