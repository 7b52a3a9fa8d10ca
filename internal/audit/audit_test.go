package audit

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memFlusher collects flushed events and can be told to fail.
type memFlusher struct {
	mu     sync.Mutex
	events []Event
	fail   bool
}

func (f *memFlusher) Flush(_ context.Context, events []Event) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return 0, errors.New("sink unavailable")
	}
	f.events = append(f.events, events...)
	return len(events), nil
}

func (f *memFlusher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func (f *memFlusher) setFail(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = v
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestBufferFlushesOnSize(t *testing.T) {
	sink := &memFlusher{}
	buf := NewBuffer(sink, testLogger(), 3, time.Hour)
	buf.Start(context.Background())
	defer drain(t, buf)

	for i := 0; i < 3; i++ {
		buf.Record(Event{Kind: KindResolve, Outcome: "success"})
	}

	require.Eventually(t, func() bool { return sink.count() == 3 },
		2*time.Second, 5*time.Millisecond)
}

func TestBufferFlushesOnInterval(t *testing.T) {
	sink := &memFlusher{}
	buf := NewBuffer(sink, testLogger(), 100, 20*time.Millisecond)
	buf.Start(context.Background())
	defer drain(t, buf)

	buf.Record(Event{Kind: KindRateBlock, ClientID: "client-1"})

	require.Eventually(t, func() bool { return sink.count() == 1 },
		2*time.Second, 5*time.Millisecond)
}

func TestBufferStampsEvents(t *testing.T) {
	sink := &memFlusher{}
	buf := NewBuffer(sink, testLogger(), 1, time.Hour)
	buf.Start(context.Background())
	defer drain(t, buf)

	buf.Record(Event{Kind: KindResolve})
	require.Eventually(t, func() bool { return sink.count() == 1 },
		2*time.Second, 5*time.Millisecond)

	sink.mu.Lock()
	ev := sink.events[0]
	sink.mu.Unlock()
	assert.NotZero(t, ev.ID)
	assert.False(t, ev.OccurredAt.IsZero())
}

func TestBufferRetriesAfterFlushFailure(t *testing.T) {
	sink := &memFlusher{}
	sink.setFail(true)
	buf := NewBuffer(sink, testLogger(), 1, 20*time.Millisecond)
	buf.Start(context.Background())
	defer drain(t, buf)

	buf.Record(Event{Kind: KindBatchSubmit})

	// While flushing fails the event stays buffered.
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 0, sink.count())
	assert.GreaterOrEqual(t, buf.Len(), 1)

	sink.setFail(false)
	require.Eventually(t, func() bool { return sink.count() == 1 },
		2*time.Second, 5*time.Millisecond)
}

func TestDrainFlushesRemainder(t *testing.T) {
	sink := &memFlusher{}
	buf := NewBuffer(sink, testLogger(), 100, time.Hour)
	buf.Start(context.Background())

	for i := 0; i < 5; i++ {
		buf.Record(Event{Kind: KindResolve})
	}
	drain(t, buf)

	assert.Equal(t, 5, sink.count())
	assert.Equal(t, 0, buf.Len())
}

func TestDoubleStartIsNoop(t *testing.T) {
	sink := &memFlusher{}
	buf := NewBuffer(sink, testLogger(), 100, 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	buf.Start(ctx)
	buf.Start(ctx) // no second goroutine, no panic on Drain

	drain(t, buf)
}

func TestSlogFlusher(t *testing.T) {
	f := NewSlogFlusher(testLogger())
	n, err := f.Flush(context.Background(), []Event{{Kind: KindAuthFailure}, {Kind: KindResolve}})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func drain(t *testing.T, buf *Buffer) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	buf.Drain(ctx)
}
