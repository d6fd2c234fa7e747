package executor

import (
	"fmt"
	"time"
)

// HostResult holds the result of executing a command on a single server.
type HostResult struct {
	ServerID uint
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Duration time.Duration
	Err      error // connection/timeout errors
}

// Output renders the combined text stored on an execution record.
func (r *HostResult) Output() string {
	if r.Err != nil {
		return r.Err.Error()
	}
	return fmt.Sprintf("stdout:\n%s\nstderr:\n%s", r.Stdout, r.Stderr)
}
