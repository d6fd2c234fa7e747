package model

// QueueStatus is the lifecycle state of a QueueItem.
type QueueStatus string

const (
	QueueWaiting    QueueStatus = "waiting"
	QueueProcessing QueueStatus = "processing"
	QueueCompleted  QueueStatus = "completed"
	QueueFailed     QueueStatus = "failed"
	QueueCancelled  QueueStatus = "cancelled"
)

// IsTerminal reports whether s is a final state.
func (s QueueStatus) IsTerminal() bool {
	switch s {
	case QueueCompleted, QueueFailed, QueueCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known queue status.
func (s QueueStatus) Valid() bool {
	switch s {
	case QueueWaiting, QueueProcessing, QueueCompleted, QueueFailed, QueueCancelled:
		return true
	}
	return false
}

// ExecutionStatus is the state of a single per-host Execution.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// ConnectionType selects how commands reach a server.
type ConnectionType string

const (
	ConnectionDirect ConnectionType = "direct"
	ConnectionProxy  ConnectionType = "proxy"
)

// ServerStatus is the last observed reachability of a server. It is a
// best-effort cache written by probes, not an authoritative state.
type ServerStatus string

const (
	ServerOnline  ServerStatus = "online"
	ServerOffline ServerStatus = "offline"
	ServerUnknown ServerStatus = "unknown"
)
