// Package pool executes resolution work at bounded parallelism. Tasks
// queue on a priority heap (critical > high > normal > low, FIFO within
// a class) and carry absolute deadlines checked both at dequeue and
// before the result callback fires.
package pool

import (
	"container/heap"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/idxr-io/idxr/internal/model"
	"github.com/idxr-io/idxr/internal/telemetry"
)

// Priority is the scheduling class of a task.
type Priority int

// Lower values dequeue first.
const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

// ParsePriority maps a wire name to a priority, defaulting to normal.
func ParsePriority(s string) Priority {
	switch s {
	case "critical":
		return PriorityCritical
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// Defaults per engine configuration.
const (
	DefaultWorkers      = 4
	DefaultQueueDepth   = 1000
	DefaultTaskTimeout  = 30 * time.Second
	submitBlockDuration = 50 * time.Millisecond
)

// Sentinel errors surfaced by Submit.
var (
	ErrQueueFull = model.NewError(model.ErrQueueFull, "worker pool queue is full")
	ErrClosed    = errors.New("pool: closed")
)

// Fn is the unit of work. It receives a context whose deadline is the
// task's deadline.
type Fn func(ctx context.Context) (model.MatchResult, error)

// Callback receives the task outcome. It is invoked at most once per
// task, from a worker goroutine.
type Callback func(res model.MatchResult, err error)

type task struct {
	fn       Fn
	cb       Callback
	priority Priority
	deadline time.Time
	seq      uint64 // FIFO order within a priority class
	done     atomic.Bool
}

// finish fires the callback at most once.
func (t *task) finish(res model.MatchResult, err error) {
	if t.cb != nil && t.done.CompareAndSwap(false, true) {
		t.cb(res, err)
	}
}

// taskHeap orders by priority, then submission sequence.
type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)   { *h = append(*h, x.(*task)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// Pool is the bounded worker pool.
type Pool struct {
	mu     sync.Mutex
	cond   *sync.Cond
	heap   taskHeap
	seq    uint64
	closed bool

	workers  int
	maxDepth int
	logger   *slog.Logger
	wg       sync.WaitGroup

	rejected  atomic.Int64
	timeouts  atomic.Int64
	completed atomic.Int64
}

// New creates and starts a pool. Non-positive sizes fall back to
// defaults.
func New(workers, queueDepth int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if queueDepth <= 0 {
		queueDepth = DefaultQueueDepth
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{workers: workers, maxDepth: queueDepth, logger: logger}
	p.cond = sync.NewCond(&p.mu)
	p.registerMetrics()

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker(i)
	}
	return p
}

// Submit enqueues a task. When the queue is full it blocks briefly for
// space, then rejects with queue_full, preferring to shed the lowest
// priority already queued when the newcomer outranks it.
func (p *Pool) Submit(fn Fn, cb Callback, priority Priority, deadline time.Time) error {
	if deadline.IsZero() {
		deadline = time.Now().Add(DefaultTaskTimeout)
	}
	t := &task{fn: fn, cb: cb, priority: priority, deadline: deadline}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if len(p.heap) >= p.maxDepth {
		// Shed the worst queued task if this one outranks it.
		if victim := p.worstLocked(); victim != nil && victim.priority > priority {
			p.removeLocked(victim)
			p.mu.Unlock()
			victim.finish(model.MatchResult{}, ErrQueueFull)
			p.rejected.Add(1)
			p.mu.Lock()
		} else {
			p.mu.Unlock()
			time.Sleep(submitBlockDuration)
			p.mu.Lock()
			if p.closed {
				p.mu.Unlock()
				return ErrClosed
			}
			if len(p.heap) >= p.maxDepth {
				p.mu.Unlock()
				p.rejected.Add(1)
				return ErrQueueFull
			}
		}
	}
	p.seq++
	t.seq = p.seq
	heap.Push(&p.heap, t)
	p.cond.Signal()
	p.mu.Unlock()
	return nil
}

// worstLocked returns the queued task that would be shed first: the
// lowest priority, newest submission.
func (p *Pool) worstLocked() *task {
	var worst *task
	for _, t := range p.heap {
		if worst == nil || t.priority > worst.priority ||
			(t.priority == worst.priority && t.seq > worst.seq) {
			worst = t
		}
	}
	return worst
}

func (p *Pool) removeLocked(victim *task) {
	for i, t := range p.heap {
		if t == victim {
			heap.Remove(&p.heap, i)
			return
		}
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.heap) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.heap) == 0 && p.closed {
			p.mu.Unlock()
			return
		}
		t := heap.Pop(&p.heap).(*task)
		p.mu.Unlock()

		// Deadline check on dequeue: expired tasks never run.
		if time.Now().After(t.deadline) {
			p.timeouts.Add(1)
			t.finish(model.MatchResult{Status: model.StatusError},
				model.NewError(model.ErrTimeout, "deadline exceeded before execution"))
			continue
		}

		ctx, cancel := context.WithDeadline(context.Background(), t.deadline)
		res, err := p.runTask(ctx, t)
		cancel()

		// Deadline check before emitting: late results become timeouts
		// without cancelling whatever downstream work already ran.
		if time.Now().After(t.deadline) {
			p.timeouts.Add(1)
			t.finish(model.MatchResult{Status: model.StatusError},
				model.NewError(model.ErrTimeout, "deadline exceeded during execution"))
			continue
		}
		p.completed.Add(1)
		t.finish(res, err)
	}
}

// runTask isolates panics so one bad task never kills a worker.
func (p *Pool) runTask(ctx context.Context, t *task) (res model.MatchResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("pool: task panicked", "panic", r)
			res = model.MatchResult{Status: model.StatusError}
			err = model.NewError(model.ErrInternal, "task panicked")
		}
	}()
	return t.fn(ctx)
}

// QueueDepth returns the number of queued (not yet running) tasks.
func (p *Pool) QueueDepth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.heap)
}

// Stats returns cumulative counters.
func (p *Pool) Stats() (completed, timeouts, rejected int64) {
	return p.completed.Load(), p.timeouts.Load(), p.rejected.Load()
}

// Shutdown stops accepting work, drains the queue, and joins all
// workers. Queued tasks still execute; ctx bounds the wait.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) registerMetrics() {
	meter := telemetry.Meter("idxr/pool")
	_, _ = meter.Int64ObservableGauge("idxr.pool.queue_depth",
		metric.WithDescription("Tasks waiting on the priority queue"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(p.QueueDepth()))
			return nil
		}),
	)
	_, _ = meter.Int64ObservableGauge("idxr.pool.rejected_total",
		metric.WithDescription("Submissions rejected with queue_full"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(p.rejected.Load())
			return nil
		}),
	)
}
