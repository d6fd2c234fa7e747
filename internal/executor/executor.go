// Package executor runs one claimed queue item: it records an execution per
// target server, runs the task's command on all of them at once and writes
// each outcome back as it arrives.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agent462/drover/internal/logging"
	"github.com/agent462/drover/internal/model"
	"github.com/agent462/drover/internal/store"
)

// connectFailureCode is recorded when the transport could not run the command at all.
const connectFailureCode = -1

// ErrTaskNotFound is returned when the queue item's task no longer exists.
var ErrTaskNotFound = errors.New("task not found")

// Runner is the interface the command transport implements to execute a
// command on a single server.
type Runner interface {
	Run(ctx context.Context, serverID uint, command string, timeout time.Duration) *HostResult
}

// TaskSource loads task definitions, normally through the execution cache.
type TaskSource interface {
	GetTask(ctx context.Context, id uint) (*model.Task, error)
}

// ExecutionStore persists execution records.
type ExecutionStore interface {
	CreateExecutions(ctx context.Context, execs []*model.Execution) error
	CompleteExecution(ctx context.Context, exec *model.Execution) error
}

// QueueUpdater records the final status of a queue item. *queue.Manager
// implements it and leaves items that are already terminal untouched.
type QueueUpdater interface {
	Finish(ctx context.Context, id uint, status model.QueueStatus) error
}

// Executor fans a task out across the servers of a queue item.
type Executor struct {
	runner Runner
	tasks  TaskSource
	execs  ExecutionStore
	queue  QueueUpdater
	logger *slog.Logger
	now    func() time.Time
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the executor logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// New creates an Executor with the given collaborators and options.
func New(runner Runner, tasks TaskSource, execs ExecutionStore, queue QueueUpdater, opts ...Option) *Executor {
	e := &Executor{
		runner: runner,
		tasks:  tasks,
		execs:  execs,
		queue:  queue,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = logging.OrDefault(e.logger)
	return e
}

// ExecuteTask runs item to completion. A missing task returns ErrTaskNotFound
// without creating executions. Once every server has reported, the item is
// marked completed regardless of individual outcomes. A returned error means
// the pipeline itself failed and the caller should mark the item failed.
func (e *Executor) ExecuteTask(ctx context.Context, item model.QueueItem) error {
	log := e.logger.With("queue_id", item.ID, "task_id", item.TaskID)

	task, err := e.tasks.GetTask(ctx, item.TaskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Warn("task no longer exists")
			return fmt.Errorf("queue item %d: %w", item.ID, ErrTaskNotFound)
		}
		return fmt.Errorf("load task %d: %w", item.TaskID, err)
	}

	serverIDs, err := item.Servers()
	if err != nil {
		return err
	}

	started := e.now()
	execs := make([]*model.Execution, len(serverIDs))
	for i, id := range serverIDs {
		execs[i] = &model.Execution{
			QueueID:   item.ID,
			TaskID:    task.ID,
			ServerID:  id,
			Status:    model.ExecutionRunning,
			StartedAt: started,
		}
	}
	if err := e.execs.CreateExecutions(ctx, execs); err != nil {
		return fmt.Errorf("create executions for queue item %d: %w", item.ID, err)
	}

	log.Info("executing task", "servers", len(serverIDs))
	timeout := task.TimeoutDuration()

	// No per-item bound: the scheduler limits how many items run at once.
	var wg sync.WaitGroup
	for _, exec := range execs {
		wg.Add(1)
		go func(exec *model.Execution) {
			defer wg.Done()
			e.runOne(ctx, log, exec, task.Command, timeout)
		}(exec)
	}
	wg.Wait()

	if err := e.queue.Finish(ctx, item.ID, model.QueueCompleted); err != nil {
		return fmt.Errorf("mark queue item %d completed: %w", item.ID, err)
	}
	log.Info("queue item completed", "duration", e.now().Sub(started))
	return nil
}

// runOne executes on a single server and reconciles its execution record.
// A panic here fails only this server's execution.
func (e *Executor) runOne(ctx context.Context, log *slog.Logger, exec *model.Execution, command string, timeout time.Duration) {
	log = log.With("server_id", exec.ServerID)

	var result *HostResult
	func() {
		defer func() {
			if r := recover(); r != nil {
				result = &HostResult{ServerID: exec.ServerID, ExitCode: connectFailureCode, Err: fmt.Errorf("panic: %v", r)}
			}
		}()
		start := e.now()
		result = e.runner.Run(ctx, exec.ServerID, command, timeout)
		if result == nil {
			result = &HostResult{ExitCode: connectFailureCode, Err: errors.New("transport returned no result")}
		}
		result.ServerID = exec.ServerID
		result.Duration = e.now().Sub(start)
	}()

	Reconcile(exec, result, e.now())
	if exec.Status == model.ExecutionFailed {
		log.Warn("execution failed", "exit_code", *exec.ExitCode, "err", result.Err)
	} else {
		log.Debug("execution completed", "duration", result.Duration)
	}

	// The item's own context may be ending; the outcome is still written.
	if err := e.execs.CompleteExecution(context.WithoutCancel(ctx), exec); err != nil {
		log.Error("record execution result", "err", err)
	}
}

// Reconcile applies result to exec. Transport errors fail the execution
// with exit code -1 and the error text as output; otherwise the exit code
// decides.
func Reconcile(exec *model.Execution, result *HostResult, at time.Time) {
	code := result.ExitCode
	switch {
	case result.Err != nil:
		code = connectFailureCode
		exec.Status = model.ExecutionFailed
	case code == 0:
		exec.Status = model.ExecutionCompleted
	default:
		exec.Status = model.ExecutionFailed
	}
	exec.Output = result.Output()
	exec.ExitCode = &code
	exec.CompletedAt = &at
}
