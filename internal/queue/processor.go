package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agent462/drover/internal/logging"
	"github.com/agent462/drover/internal/model"
)

// Defaults used when options are not given.
const (
	DefaultConcurrency = 10
	DefaultInterval    = 3 * time.Second

	// cancelWait bounds how long Stop waits for executions after cancelling them.
	cancelWait = 5 * time.Second
)

// ErrBusy is returned by Trigger when a scheduling pass is already running.
var ErrBusy = errors.New("a scheduling pass is already running")

// Executor runs one claimed queue item to completion.
type Executor interface {
	ExecuteTask(ctx context.Context, item model.QueueItem) error
}

// Processor polls for waiting items and dispatches them without waiting for
// them to finish, keeping at most a fixed number running at once.
type Processor struct {
	manager  *Manager
	exec     Executor
	ceiling  int
	interval time.Duration
	logger   *slog.Logger

	running atomic.Int32
	ticking atomic.Bool
	wg      sync.WaitGroup

	execCtx    context.Context
	cancelExec context.CancelFunc

	mu       sync.Mutex
	stopTick context.CancelFunc
	tickDone chan struct{}
}

// Option configures a Processor.
type Option func(*Processor)

// WithConcurrency sets the ceiling on concurrently running queue items.
func WithConcurrency(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.ceiling = n
		}
	}
}

// WithInterval sets the tick interval.
func WithInterval(d time.Duration) Option {
	return func(p *Processor) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithLogger sets the processor logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Processor) { p.logger = l }
}

// NewProcessor creates a Processor. It does nothing until Start or Trigger.
func NewProcessor(manager *Manager, exec Executor, opts ...Option) *Processor {
	p := &Processor{
		manager:  manager,
		exec:     exec,
		ceiling:  DefaultConcurrency,
		interval: DefaultInterval,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = logging.OrDefault(p.logger)
	p.execCtx, p.cancelExec = context.WithCancel(context.Background())
	return p
}

// Start begins ticking in the background until ctx ends or Stop is called.
// Calling Start on a started processor does nothing.
func (p *Processor) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tickDone != nil {
		return
	}
	tickCtx, cancel := context.WithCancel(ctx)
	p.stopTick = cancel
	p.tickDone = make(chan struct{})
	go p.loop(tickCtx, p.tickDone)
	p.logger.Info("queue processor started", "interval", p.interval, "concurrency", p.ceiling)
}

func (p *Processor) loop(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.Tick(ctx); err != nil && ctx.Err() == nil {
				p.logger.Error("queue tick failed", "err", err)
			}
		}
	}
}

// Stop stops ticking and waits for running items until ctx ends. Items still
// running then are cancelled, and ctx's error is returned.
func (p *Processor) Stop(ctx context.Context) error {
	p.mu.Lock()
	stop, done := p.stopTick, p.tickDone
	p.mu.Unlock()
	if stop != nil {
		stop()
		<-done
	}

	idle := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(idle)
	}()

	select {
	case <-idle:
		p.logger.Info("queue processor stopped")
		return nil
	case <-ctx.Done():
	}

	p.logger.Warn("shutdown grace elapsed, cancelling running items", "running", p.Running())
	p.cancelExec()
	select {
	case <-idle:
	case <-time.After(cancelWait):
		p.logger.Error("running items did not stop after cancellation", "running", p.Running())
	}
	return ctx.Err()
}

// Tick runs one scheduling pass and returns how many items it dispatched.
// It is a no-op while another pass is in flight or the ceiling is reached.
func (p *Processor) Tick(ctx context.Context) (int, error) {
	n, err := p.tick(ctx)
	if errors.Is(err, ErrBusy) {
		return 0, nil
	}
	return n, err
}

// Trigger runs a scheduling pass now, outside the tick. It returns ErrBusy
// if a pass is already in flight.
func (p *Processor) Trigger(ctx context.Context) (int, error) {
	return p.tick(ctx)
}

func (p *Processor) tick(ctx context.Context) (int, error) {
	if !p.ticking.CompareAndSwap(false, true) {
		return 0, ErrBusy
	}
	defer p.ticking.Store(false)

	slots := p.availableSlots()
	if slots <= 0 {
		return 0, nil
	}

	items, err := p.manager.ClaimWaiting(ctx, slots)
	if err != nil {
		return 0, err
	}
	for _, item := range items {
		p.dispatch(item)
	}
	if len(items) > 0 {
		p.logger.Debug("dispatched queue items", "count", len(items), "running", p.Running())
	}
	return len(items), nil
}

func (p *Processor) availableSlots() int {
	return p.ceiling - int(p.running.Load())
}

// dispatch runs item in its own goroutine. The running counter is released
// however the execution ends.
func (p *Processor) dispatch(item model.QueueItem) {
	p.running.Add(1)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.running.Add(-1)
		p.supervise(item)
	}()
}

// supervise converts an error or panic escaping the executor into a failed item.
func (p *Processor) supervise(item model.QueueItem) {
	log := p.logger.With("queue_id", item.ID, "task_id", item.TaskID)
	defer func() {
		if r := recover(); r != nil {
			log.Error("executor panicked", "panic", fmt.Sprint(r))
			p.fail(item.ID, log)
		}
	}()

	if err := p.exec.ExecuteTask(p.execCtx, item); err != nil {
		log.Error("queue item failed", "err", err)
		p.fail(item.ID, log)
	}
}

func (p *Processor) fail(id uint, log *slog.Logger) {
	if err := p.manager.Finish(context.WithoutCancel(p.execCtx), id, model.QueueFailed); err != nil {
		log.Error("mark queue item failed", "err", err)
	}
}

// Running returns the number of queue items currently executing.
func (p *Processor) Running() int {
	return int(p.running.Load())
}
