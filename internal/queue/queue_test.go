package queue_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent462/drover/internal/cache"
	"github.com/agent462/drover/internal/executor"
	"github.com/agent462/drover/internal/logging"
	"github.com/agent462/drover/internal/model"
	"github.com/agent462/drover/internal/queue"
	"github.com/agent462/drover/internal/store"
)

func setup(t *testing.T) (*store.Store, *cache.ExecutionCache, *queue.Manager) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "drover.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	c := cache.NewExecutionCache(st, st, cache.WithLogger(logging.Discard()))
	return st, c, queue.NewManager(st, c, logging.Discard())
}

func enqueue(t *testing.T, m *queue.Manager, taskID uint, priority int) uint {
	t.Helper()
	id, err := m.Enqueue(context.Background(), taskID, []uint{1, 2}, priority)
	require.NoError(t, err)
	// Distinct created_at values keep FIFO order observable.
	time.Sleep(2 * time.Millisecond)
	return id
}

func TestEnqueue(t *testing.T) {
	st, _, m := setup(t)
	ctx := context.Background()

	id, err := m.Enqueue(ctx, 7, []uint{3, 1, 2}, 5)
	require.NoError(t, err)

	item, err := st.FindQueueItem(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.QueueWaiting, item.Status)
	assert.Equal(t, 5, item.Priority)
	assert.Nil(t, item.StartedAt)
	servers, err := item.Servers()
	require.NoError(t, err)
	assert.Equal(t, []uint{3, 1, 2}, servers, "server order must be preserved")
}

func TestEnqueueRejectsEmptyServerList(t *testing.T) {
	_, _, m := setup(t)
	_, err := m.Enqueue(context.Background(), 1, nil, 0)
	assert.ErrorIs(t, err, queue.ErrNoServers)
}

func TestEnqueueVisibleInStatus(t *testing.T) {
	_, c, m := setup(t)
	ctx := context.Background()

	stats, err := m.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Waiting)
	_, populated := c.StatsAge()
	require.True(t, populated)

	enqueue(t, m, 1, 0)

	stats, err = m.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Waiting)
}

func TestUpdateStatusTimestamps(t *testing.T) {
	st, _, m := setup(t)
	ctx := context.Background()
	id := enqueue(t, m, 1, 0)

	require.NoError(t, m.UpdateStatus(ctx, id, model.QueueProcessing))
	item, err := st.FindQueueItem(ctx, id)
	require.NoError(t, err)
	assert.NotNil(t, item.StartedAt)
	assert.Nil(t, item.CompletedAt)

	require.NoError(t, m.UpdateStatus(ctx, id, model.QueueCompleted))
	item, err = st.FindQueueItem(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.QueueCompleted, item.Status)
	assert.NotNil(t, item.CompletedAt)

	assert.Error(t, m.UpdateStatus(ctx, id, model.QueueStatus("paused")))
	assert.ErrorIs(t, m.UpdateStatus(ctx, 9999, model.QueueFailed), store.ErrNotFound)
}

func TestCancelWaitingRemovesFromClaim(t *testing.T) {
	_, _, m := setup(t)
	ctx := context.Background()
	first := enqueue(t, m, 1, 0)
	second := enqueue(t, m, 2, 0)

	require.NoError(t, m.Cancel(ctx, first))

	items, err := m.ClaimWaiting(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, second, items[0].ID)
}

func TestCancelOverwritesTerminalStatus(t *testing.T) {
	_, _, m := setup(t)
	ctx := context.Background()
	id := enqueue(t, m, 1, 0)
	require.NoError(t, m.UpdateStatus(ctx, id, model.QueueCompleted))

	require.NoError(t, m.Cancel(ctx, id))
	item, err := m.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.QueueCancelled, item.Status)
}

func TestClaimWaitingOrder(t *testing.T) {
	_, _, m := setup(t)
	ctx := context.Background()

	low := enqueue(t, m, 1, 1)
	highOld := enqueue(t, m, 2, 5)
	highNew := enqueue(t, m, 3, 5)
	mid := enqueue(t, m, 4, 3)

	items, err := m.ClaimWaiting(ctx, 3)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, []uint{highOld, highNew, mid}, []uint{items[0].ID, items[1].ID, items[2].ID})
	for _, it := range items {
		assert.Equal(t, model.QueueProcessing, it.Status)
		assert.NotNil(t, it.StartedAt)
	}

	rest, err := m.ClaimWaiting(ctx, 3)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, low, rest[0].ID)
}

func TestRecover(t *testing.T) {
	st, _, m := setup(t)
	ctx := context.Background()
	a := enqueue(t, m, 1, 0)
	b := enqueue(t, m, 2, 0)
	require.NoError(t, m.MarkAsProcessing(ctx, []uint{a, b}))
	require.NoError(t, m.UpdateStatus(ctx, b, model.QueueCompleted))

	n, err := m.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	item, err := st.FindQueueItem(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, model.QueueWaiting, item.Status)
	assert.Nil(t, item.StartedAt)

	stats, err := m.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.QueueStats{Waiting: 1, Completed: 1}, stats)
}

// fakeExecutor records dispatched items and blocks each until released.
type fakeExecutor struct {
	mu      sync.Mutex
	order   []uint
	release chan struct{}
	fn      func(ctx context.Context, item model.QueueItem) error
}

func (f *fakeExecutor) ExecuteTask(ctx context.Context, item model.QueueItem) error {
	f.mu.Lock()
	f.order = append(f.order, item.TaskID)
	f.mu.Unlock()
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.fn != nil {
		return f.fn(ctx, item)
	}
	return nil
}

func (f *fakeExecutor) dispatched() []uint {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint(nil), f.order...)
}

func TestTickRespectsCeiling(t *testing.T) {
	_, _, m := setup(t)
	ctx := context.Background()
	for i := 0; i < 25; i++ {
		_, err := m.Enqueue(ctx, uint(i+1), []uint{1}, 0)
		require.NoError(t, err)
	}

	exec := &fakeExecutor{release: make(chan struct{})}
	p := queue.NewProcessor(m, exec, queue.WithConcurrency(10), queue.WithLogger(logging.Discard()))

	n, err := p.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, 10, p.Running())

	n, err = p.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "no slots while the ceiling is reached")

	close(exec.release)
	require.Eventually(t, func() bool { return p.Running() == 0 }, 2*time.Second, 10*time.Millisecond)

	n, err = p.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	require.Eventually(t, func() bool { return p.Running() == 0 }, 2*time.Second, 10*time.Millisecond)

	n, err = p.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestTickPriorityOrder(t *testing.T) {
	_, _, m := setup(t)
	ctx := context.Background()
	enqueue(t, m, 1, 1)
	enqueue(t, m, 5, 5)

	exec := &fakeExecutor{}
	p := queue.NewProcessor(m, exec, queue.WithConcurrency(1), queue.WithLogger(logging.Discard()))

	_, err := p.Tick(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return p.Running() == 0 }, 2*time.Second, 10*time.Millisecond)
	_, err = p.Tick(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(exec.dispatched()) == 2 }, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []uint{5, 1}, exec.dispatched())
}

func TestExecutorFailureMarksItemFailed(t *testing.T) {
	st, _, m := setup(t)
	ctx := context.Background()
	errID := enqueue(t, m, 1, 0)
	panicID := enqueue(t, m, 2, 0)
	okID := enqueue(t, m, 3, 0)

	exec := &fakeExecutor{fn: func(ctx context.Context, item model.QueueItem) error {
		switch item.TaskID {
		case 1:
			return errors.New("storage exploded")
		case 2:
			panic("nil map")
		}
		return m.Finish(ctx, item.ID, model.QueueCompleted)
	}}
	p := queue.NewProcessor(m, exec, queue.WithLogger(logging.Discard()))

	n, err := p.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.Eventually(t, func() bool { return p.Running() == 0 }, 2*time.Second, 10*time.Millisecond)

	for id, want := range map[uint]model.QueueStatus{errID: model.QueueFailed, panicID: model.QueueFailed, okID: model.QueueCompleted} {
		item, err := st.FindQueueItem(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, item.Status, "queue item %d", id)
	}
}

// blockingStore stalls FindWaiting so a pass can be held in flight.
type blockingStore struct {
	*store.Store
	entered chan struct{}
	release chan struct{}
}

func (b *blockingStore) FindWaiting(ctx context.Context, limit int) ([]model.QueueItem, error) {
	close(b.entered)
	<-b.release
	return b.Store.FindWaiting(ctx, limit)
}

func TestTriggerSkippedWhileTickInFlight(t *testing.T) {
	st, c, _ := setup(t)
	bs := &blockingStore{Store: st, entered: make(chan struct{}), release: make(chan struct{})}
	m := queue.NewManager(bs, c, logging.Discard())
	p := queue.NewProcessor(m, &fakeExecutor{}, queue.WithLogger(logging.Discard()))

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Tick(context.Background())
	}()
	<-bs.entered

	_, err := p.Trigger(context.Background())
	assert.ErrorIs(t, err, queue.ErrBusy)
	n, err := p.Tick(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 0, n)

	close(bs.release)
	<-done
}

func TestStartDispatchesAndStopWaits(t *testing.T) {
	st, _, m := setup(t)
	ctx := context.Background()
	id := enqueue(t, m, 1, 0)

	exec := &fakeExecutor{fn: func(ctx context.Context, item model.QueueItem) error {
		time.Sleep(50 * time.Millisecond)
		return m.Finish(ctx, item.ID, model.QueueCompleted)
	}}
	p := queue.NewProcessor(m, exec, queue.WithInterval(10*time.Millisecond), queue.WithLogger(logging.Discard()))
	p.Start(ctx)

	require.Eventually(t, func() bool { return len(exec.dispatched()) == 1 }, 2*time.Second, 5*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, p.Stop(stopCtx))
	assert.Equal(t, 0, p.Running())

	item, err := st.FindQueueItem(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.QueueCompleted, item.Status)
}

func TestStopCancelsAfterGrace(t *testing.T) {
	st, _, m := setup(t)
	ctx := context.Background()
	id := enqueue(t, m, 1, 0)

	exec := &fakeExecutor{release: make(chan struct{})}
	p := queue.NewProcessor(m, exec, queue.WithLogger(logging.Discard()))
	_, err := p.Tick(ctx)
	require.NoError(t, err)

	stopCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err = p.Stop(stopCtx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, p.Running())

	item, err := st.FindQueueItem(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.QueueFailed, item.Status, "an item cut short by shutdown is failed")
}

// gatedRunner holds every command until release is closed.
type gatedRunner struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedRunner) Run(ctx context.Context, serverID uint, command string, timeout time.Duration) *executor.HostResult {
	g.once.Do(func() { close(g.started) })
	<-g.release
	return &executor.HostResult{Stdout: []byte("done\n")}
}

func TestCancelWhileProcessingStaysCancelled(t *testing.T) {
	st, c, m := setup(t)
	ctx := context.Background()

	task := &model.Task{Name: "deploy", Command: "deploy.sh"}
	require.NoError(t, st.CreateTask(ctx, task))
	id, err := m.Enqueue(ctx, task.ID, []uint{1, 2}, 0)
	require.NoError(t, err)

	runner := &gatedRunner{started: make(chan struct{}), release: make(chan struct{})}
	exec := executor.New(runner, c, st, m, executor.WithLogger(logging.Discard()))
	p := queue.NewProcessor(m, exec, queue.WithLogger(logging.Discard()))

	n, err := p.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	<-runner.started

	require.NoError(t, m.Cancel(ctx, id))
	close(runner.release)
	require.Eventually(t, func() bool { return p.Running() == 0 }, 2*time.Second, 10*time.Millisecond)

	item, err := st.FindQueueItem(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.QueueCancelled, item.Status, "completion must not overwrite a cancel")

	execs, err := st.ExecutionsByQueue(ctx, id)
	require.NoError(t, err)
	require.Len(t, execs, 2, "results of a cancelled item are still recorded")
	for _, e := range execs {
		assert.Equal(t, model.ExecutionCompleted, e.Status)
	}
}

func TestFailureDoesNotOverwriteCancel(t *testing.T) {
	st, _, m := setup(t)
	ctx := context.Background()
	id := enqueue(t, m, 1, 0)

	exec := &fakeExecutor{fn: func(ctx context.Context, item model.QueueItem) error {
		if err := m.Cancel(ctx, item.ID); err != nil {
			return err
		}
		return errors.New("pipeline broke after cancel")
	}}
	p := queue.NewProcessor(m, exec, queue.WithLogger(logging.Discard()))

	_, err := p.Tick(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return p.Running() == 0 }, 2*time.Second, 10*time.Millisecond)

	item, err := st.FindQueueItem(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.QueueCancelled, item.Status)
}

func TestFinishRejectsNonTerminalStatus(t *testing.T) {
	_, _, m := setup(t)
	id := enqueue(t, m, 1, 0)
	assert.Error(t, m.Finish(context.Background(), id, model.QueueProcessing))
	assert.ErrorIs(t, m.Finish(context.Background(), 9999, model.QueueFailed), store.ErrNotFound)
}

// cancellingStore cancels every item it reads as waiting, before the
// caller gets to claim it.
type cancellingStore struct {
	*store.Store
}

func (c *cancellingStore) FindWaiting(ctx context.Context, limit int) ([]model.QueueItem, error) {
	items, err := c.Store.FindWaiting(ctx, limit)
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		if err := c.Store.SetQueueStatus(ctx, item.ID, model.QueueCancelled, time.Now()); err != nil {
			return nil, err
		}
	}
	return items, nil
}

func TestCancelBetweenReadAndClaimIsHonoured(t *testing.T) {
	st, c, _ := setup(t)
	m := queue.NewManager(&cancellingStore{Store: st}, c, logging.Discard())
	ctx := context.Background()
	id := enqueue(t, m, 1, 0)

	exec := &fakeExecutor{}
	p := queue.NewProcessor(m, exec, queue.WithLogger(logging.Discard()))

	n, err := p.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, exec.dispatched())

	item, err := st.FindQueueItem(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.QueueCancelled, item.Status)
	assert.Nil(t, item.StartedAt)
}
