package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idxr-io/idxr/internal/model"
)

// gate blocks the single worker so queue contents can be staged
// deterministically.
type gate struct {
	release chan struct{}
	running chan struct{}
}

func newGate() *gate {
	return &gate{release: make(chan struct{}), running: make(chan struct{})}
}

func (g *gate) fn(ctx context.Context) (model.MatchResult, error) {
	close(g.running)
	<-g.release
	return model.MatchResult{}, nil
}

func TestParsePriority(t *testing.T) {
	assert.Equal(t, PriorityCritical, ParsePriority("critical"))
	assert.Equal(t, PriorityHigh, ParsePriority("high"))
	assert.Equal(t, PriorityLow, ParsePriority("low"))
	assert.Equal(t, PriorityNormal, ParsePriority("normal"))
	assert.Equal(t, PriorityNormal, ParsePriority(""))
	assert.Equal(t, PriorityNormal, ParsePriority("bogus"))
}

func TestPriorityOrderWithFIFOTies(t *testing.T) {
	p := New(1, 100, nil)
	defer p.Shutdown(context.Background())

	g := newGate()
	require.NoError(t, p.Submit(g.fn, nil, PriorityNormal, time.Time{}))
	<-g.running

	var mu sync.Mutex
	var order []string
	record := func(name string) Fn {
		return func(ctx context.Context) (model.MatchResult, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return model.MatchResult{}, nil
		}
	}

	// Enqueued while the worker is busy, mixed classes.
	require.NoError(t, p.Submit(record("low-1"), nil, PriorityLow, time.Time{}))
	require.NoError(t, p.Submit(record("normal-1"), nil, PriorityNormal, time.Time{}))
	require.NoError(t, p.Submit(record("critical-1"), nil, PriorityCritical, time.Time{}))
	require.NoError(t, p.Submit(record("normal-2"), nil, PriorityNormal, time.Time{}))
	require.NoError(t, p.Submit(record("high-1"), nil, PriorityHigh, time.Time{}))
	require.NoError(t, p.Submit(record("critical-2"), nil, PriorityCritical, time.Time{}))

	close(g.release)
	require.NoError(t, p.Shutdown(context.Background()))

	assert.Equal(t, []string{"critical-1", "critical-2", "high-1", "normal-1", "normal-2", "low-1"}, order)
}

func TestSubmitQueueFull(t *testing.T) {
	p := New(1, 2, nil)
	defer p.Shutdown(context.Background())

	g := newGate()
	require.NoError(t, p.Submit(g.fn, nil, PriorityNormal, time.Time{}))
	<-g.running

	noop := func(ctx context.Context) (model.MatchResult, error) { return model.MatchResult{}, nil }
	require.NoError(t, p.Submit(noop, nil, PriorityNormal, time.Time{}))
	require.NoError(t, p.Submit(noop, nil, PriorityNormal, time.Time{}))

	err := p.Submit(noop, nil, PriorityNormal, time.Time{})
	require.Error(t, err)
	assert.Equal(t, model.ErrQueueFull, model.KindOf(err))

	_, _, rejected := p.Stats()
	assert.Equal(t, int64(1), rejected)
	close(g.release)
}

func TestSubmitShedsLowerPriorityWhenFull(t *testing.T) {
	p := New(1, 2, nil)
	defer p.Shutdown(context.Background())

	g := newGate()
	require.NoError(t, p.Submit(g.fn, nil, PriorityNormal, time.Time{}))
	<-g.running

	shed := make(chan error, 1)
	noop := func(ctx context.Context) (model.MatchResult, error) { return model.MatchResult{}, nil }
	require.NoError(t, p.Submit(noop, func(_ model.MatchResult, err error) { shed <- err }, PriorityLow, time.Time{}))
	require.NoError(t, p.Submit(noop, nil, PriorityNormal, time.Time{}))

	// Queue is full of lower-priority work; a critical submit displaces
	// the low task instead of being rejected.
	require.NoError(t, p.Submit(noop, nil, PriorityCritical, time.Time{}))

	select {
	case err := <-shed:
		assert.Equal(t, model.ErrQueueFull, model.KindOf(err))
	case <-time.After(time.Second):
		t.Fatal("shed task callback never fired")
	}
	close(g.release)
}

func TestDeadlineCheckedAtDequeue(t *testing.T) {
	p := New(1, 100, nil)
	defer p.Shutdown(context.Background())

	g := newGate()
	require.NoError(t, p.Submit(g.fn, nil, PriorityNormal, time.Time{}))
	<-g.running

	var ran atomic.Bool
	done := make(chan error, 1)
	fn := func(ctx context.Context) (model.MatchResult, error) {
		ran.Store(true)
		return model.MatchResult{}, nil
	}
	require.NoError(t, p.Submit(fn, func(_ model.MatchResult, err error) { done <- err },
		PriorityNormal, time.Now().Add(20*time.Millisecond)))

	// Hold the worker past the queued task's deadline.
	time.Sleep(50 * time.Millisecond)
	close(g.release)

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Equal(t, model.ErrTimeout, model.KindOf(err))
	case <-time.After(time.Second):
		t.Fatal("callback never fired")
	}
	assert.False(t, ran.Load(), "expired task must not execute")
}

func TestDeadlineCheckedBeforeEmit(t *testing.T) {
	p := New(1, 100, nil)
	defer p.Shutdown(context.Background())

	done := make(chan error, 1)
	fn := func(ctx context.Context) (model.MatchResult, error) {
		time.Sleep(60 * time.Millisecond)
		return model.MatchResult{Status: model.StatusSuccess}, nil
	}
	require.NoError(t, p.Submit(fn, func(_ model.MatchResult, err error) { done <- err },
		PriorityNormal, time.Now().Add(20*time.Millisecond)))

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Equal(t, model.ErrTimeout, model.KindOf(err))
	case <-time.After(time.Second):
		t.Fatal("callback never fired")
	}
	_, timeouts, _ := p.Stats()
	assert.Equal(t, int64(1), timeouts)
}

func TestCallbackAtMostOnce(t *testing.T) {
	p := New(2, 100, nil)
	defer p.Shutdown(context.Background())

	var fired atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		require.NoError(t, p.Submit(
			func(ctx context.Context) (model.MatchResult, error) { return model.MatchResult{}, nil },
			func(_ model.MatchResult, _ error) { fired.Add(1); wg.Done() },
			PriorityNormal, time.Time{}))
	}
	wg.Wait()
	assert.Equal(t, int32(20), fired.Load())
}

func TestTaskPanicIsIsolated(t *testing.T) {
	p := New(1, 100, nil)
	defer p.Shutdown(context.Background())

	done := make(chan error, 1)
	require.NoError(t, p.Submit(
		func(ctx context.Context) (model.MatchResult, error) { panic("boom") },
		func(_ model.MatchResult, err error) { done <- err },
		PriorityNormal, time.Time{}))

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Equal(t, model.ErrInternal, model.KindOf(err))
	case <-time.After(time.Second):
		t.Fatal("callback never fired")
	}

	// The worker survives and keeps serving.
	ok := make(chan struct{})
	require.NoError(t, p.Submit(
		func(ctx context.Context) (model.MatchResult, error) { return model.MatchResult{}, nil },
		func(_ model.MatchResult, _ error) { close(ok) },
		PriorityNormal, time.Time{}))
	select {
	case <-ok:
	case <-time.After(time.Second):
		t.Fatal("worker died after panic")
	}
}

func TestShutdownDrainsQueue(t *testing.T) {
	p := New(1, 100, nil)

	g := newGate()
	require.NoError(t, p.Submit(g.fn, nil, PriorityNormal, time.Time{}))
	<-g.running

	var completed atomic.Int32
	for i := 0; i < 5; i++ {
		require.NoError(t, p.Submit(
			func(ctx context.Context) (model.MatchResult, error) { return model.MatchResult{}, nil },
			func(_ model.MatchResult, _ error) { completed.Add(1) },
			PriorityNormal, time.Time{}))
	}
	close(g.release)

	require.NoError(t, p.Shutdown(context.Background()))
	assert.Equal(t, int32(5), completed.Load())

	err := p.Submit(func(ctx context.Context) (model.MatchResult, error) { return model.MatchResult{}, nil },
		nil, PriorityNormal, time.Time{})
	assert.ErrorIs(t, err, ErrClosed)
}
