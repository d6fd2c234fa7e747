package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Task is a named shell command template.
type Task struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	Name      string    `json:"name" gorm:"type:varchar(255);not null"`
	Command   string    `json:"command" gorm:"type:text;not null"`
	Timeout   *int      `json:"timeout,omitempty"` // seconds
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TimeoutDuration returns the task timeout, or zero when none is set.
func (t *Task) TimeoutDuration() time.Duration {
	if t.Timeout == nil || *t.Timeout <= 0 {
		return 0
	}
	return time.Duration(*t.Timeout) * time.Second
}

// Server is a managed remote machine.
type Server struct {
	ID             uint           `json:"id" gorm:"primaryKey"`
	Name           string         `json:"name" gorm:"type:varchar(255)"`
	Host           string         `json:"host" gorm:"type:varchar(255);not null"`
	Port           int            `json:"port"`
	Username       string         `json:"username" gorm:"type:varchar(255)"`
	Password       string         `json:"-" gorm:"type:text"`
	PrivateKey     string         `json:"-" gorm:"type:text"`
	ConnectionType ConnectionType `json:"connection_type" gorm:"type:varchar(16);default:direct"`
	ProxyID        string         `json:"proxy_id,omitempty" gorm:"type:varchar(64);index"`
	Status         ServerStatus   `json:"status" gorm:"type:varchar(16);default:unknown"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Validate checks that the server can be connected to.
func (s *Server) Validate() error {
	if s.Host == "" {
		return errors.New("host is required")
	}
	if s.Password == "" && s.PrivateKey == "" {
		return errors.New("password or private key is required")
	}
	switch s.ConnectionType {
	case "", ConnectionDirect:
	case ConnectionProxy:
		if s.ProxyID == "" {
			return errors.New("proxy connection requires a proxy id")
		}
	default:
		return fmt.Errorf("unknown connection type %q", s.ConnectionType)
	}
	return nil
}

// Proxy is a relay agent running inside a private network. Whether it is
// online is decided by the relay hub; LastSeen is advisory.
type Proxy struct {
	ID        string     `json:"id" gorm:"type:varchar(64);primaryKey"`
	Name      string     `json:"name" gorm:"type:varchar(255)"`
	LastSeen  *time.Time `json:"last_seen,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// QueueItem is one scheduled run of a Task against a list of servers.
type QueueItem struct {
	ID          uint        `json:"id" gorm:"primaryKey"`
	TaskID      uint        `json:"task_id" gorm:"index;not null"`
	ServerIDs   string      `json:"-" gorm:"column:server_ids;type:text;not null"` // JSON array
	Priority    int         `json:"priority" gorm:"index:idx_queue_claim,priority:2;default:0"`
	Status      QueueStatus `json:"status" gorm:"type:varchar(16);index:idx_queue_claim,priority:1;not null"`
	CreatedAt   time.Time   `json:"created_at" gorm:"index:idx_queue_claim,priority:3"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

// Servers decodes the stored server ID list, preserving order.
func (q *QueueItem) Servers() ([]uint, error) {
	if q.ServerIDs == "" {
		return nil, nil
	}
	var ids []uint
	if err := json.Unmarshal([]byte(q.ServerIDs), &ids); err != nil {
		return nil, fmt.Errorf("decode server ids of queue item %d: %w", q.ID, err)
	}
	return ids, nil
}

// SetServers encodes ids into the stored server ID list.
func (q *QueueItem) SetServers(ids []uint) error {
	data, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	q.ServerIDs = string(data)
	return nil
}

// MarshalJSON exposes the server list as a real array.
func (q QueueItem) MarshalJSON() ([]byte, error) {
	type alias QueueItem
	ids, _ := q.Servers()
	return json.Marshal(struct {
		alias
		ServerIDs []uint `json:"server_ids"`
	}{alias(q), ids})
}

// Execution is the outcome of running a Task on one server.
type Execution struct {
	ID          uint            `json:"id" gorm:"primaryKey"`
	QueueID     uint            `json:"queue_id" gorm:"index"`
	TaskID      uint            `json:"task_id" gorm:"index;not null"`
	ServerID    uint            `json:"server_id" gorm:"index;not null"`
	Status      ExecutionStatus `json:"status" gorm:"type:varchar(16);not null"`
	Output      string          `json:"output" gorm:"type:text"`
	ExitCode    *int            `json:"exit_code,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// QueueStats counts queue items per status.
type QueueStats struct {
	Waiting    int64 `json:"waiting"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Cancelled  int64 `json:"cancelled"`
}

// Add increments the counter for status by n. Unknown statuses are ignored.
func (s *QueueStats) Add(status QueueStatus, n int64) {
	switch status {
	case QueueWaiting:
		s.Waiting += n
	case QueueProcessing:
		s.Processing += n
	case QueueCompleted:
		s.Completed += n
	case QueueFailed:
		s.Failed += n
	case QueueCancelled:
		s.Cancelled += n
	}
}
