// Package audit provides a buffered, non-blocking audit event sink.
// Callers record events on the request path; a background loop flushes
// them in batches so audit persistence never adds latency to matching.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/idxr-io/idxr/internal/telemetry"
)

// Event kinds.
const (
	KindResolve     = "resolve"
	KindBatchSubmit = "batch_submit"
	KindBatchState  = "batch_state"
	KindRateBlock   = "rate_block"
	KindAuthFailure = "auth_failure"
)

// Event is one audit record.
type Event struct {
	ID         uuid.UUID      `json:"id"`
	Kind       string         `json:"kind"`
	ClientID   string         `json:"client_id,omitempty"`
	RequestID  string         `json:"request_id,omitempty"`
	Outcome    string         `json:"outcome,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Sink accepts audit events without blocking the caller.
type Sink interface {
	Record(ev Event)
}

// Flusher persists a batch of events. Returns the number written.
type Flusher interface {
	Flush(ctx context.Context, events []Event) (int, error)
}

// NopSink discards events.
type NopSink struct{}

func (NopSink) Record(Event) {}

// maxBufferCapacity is the hard upper limit on buffered events. Audit
// is advisory: when the buffer is full, new events are dropped and
// counted rather than stalling request handling.
const maxBufferCapacity = 100_000

// Buffer accumulates events in memory and flushes them through a
// Flusher when either the batch size or the flush interval is reached.
type Buffer struct {
	flusher      Flusher
	logger       *slog.Logger
	maxSize      int
	flushTimeout time.Duration

	mu     sync.Mutex
	events []Event

	dropped atomic.Int64
	started atomic.Bool

	flushCh    chan struct{}
	done       chan struct{}
	cancelLoop context.CancelFunc
	drainCtx   context.Context // set by Drain so the final flush respects the caller's deadline
}

// NewBuffer creates a buffered sink. Call Start to begin flushing.
func NewBuffer(flusher Flusher, logger *slog.Logger, maxSize int, flushTimeout time.Duration) *Buffer {
	if maxSize <= 0 {
		maxSize = 500
	}
	if flushTimeout <= 0 {
		flushTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Buffer{
		flusher:      flusher,
		logger:       logger,
		maxSize:      maxSize,
		flushTimeout: flushTimeout,
		flushCh:      make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

// Start begins the background flush loop and registers OTEL metrics.
// Call Drain to stop.
func (b *Buffer) Start(ctx context.Context) {
	if !b.started.CompareAndSwap(false, true) {
		b.logger.Warn("audit: Start called more than once, ignoring")
		return
	}
	b.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	b.cancelLoop = cancel
	go b.flushLoop(loopCtx)
}

// Record implements Sink. Events are stamped and buffered; a full
// buffer drops the event instead of blocking.
func (b *Buffer) Record(ev Event) {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}

	b.mu.Lock()
	if len(b.events) >= maxBufferCapacity {
		b.mu.Unlock()
		b.dropped.Add(1)
		return
	}
	b.events = append(b.events, ev)
	full := len(b.events) >= b.maxSize
	b.mu.Unlock()

	if full {
		select {
		case b.flushCh <- struct{}{}:
		default:
		}
	}
}

func (b *Buffer) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(b.flushTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final flush needs a live context because ctx is done;
			// prefer the drain context with the caller's deadline.
			if b.drainCtx != nil {
				b.flush(b.drainCtx)
			} else {
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				b.flush(fallbackCtx)
				cancel()
			}
			close(b.done)
			return
		case <-ticker.C:
			b.flush(ctx)
		case <-b.flushCh:
			b.flush(ctx)
		}
	}
}

func (b *Buffer) flush(ctx context.Context) {
	b.mu.Lock()
	if len(b.events) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.events
	b.events = nil
	b.mu.Unlock()

	start := time.Now()
	count, err := b.flusher.Flush(ctx, batch)
	duration := time.Since(start)

	if err != nil {
		b.logger.Error("audit: flush failed", "error", err, "batch_size", len(batch))
		// Put events back for retry, but respect the capacity limit.
		b.mu.Lock()
		if len(b.events)+len(batch) <= maxBufferCapacity {
			b.events = append(batch, b.events...)
		} else {
			b.dropped.Add(int64(len(batch)))
			b.logger.Error("audit: dropping events, buffer at capacity after flush failure", "dropped", len(batch))
		}
		b.mu.Unlock()
		return
	}

	b.logger.Debug("audit: batch flushed",
		"batch_size", count,
		"flush_duration_ms", duration.Milliseconds(),
	)
}

// Drain signals the flush loop to stop, waits for its final flush, and
// returns. ctx bounds the wait and scopes the final flush.
func (b *Buffer) Drain(ctx context.Context) {
	b.drainCtx = ctx
	if b.cancelLoop != nil {
		b.cancelLoop()
	}
	select {
	case <-b.done:
	case <-ctx.Done():
		b.logger.Warn("audit: drain timed out waiting for flush loop")
	}
}

// Len returns the current number of buffered events.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// Dropped returns the total events discarded because the buffer was
// full. A non-zero value indicates audit data loss.
func (b *Buffer) Dropped() int64 {
	return b.dropped.Load()
}

func (b *Buffer) registerMetrics() {
	meter := telemetry.Meter("idxr/audit")

	_, _ = meter.Int64ObservableGauge("idxr.audit.depth",
		metric.WithDescription("Events waiting in the audit buffer"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(b.Len()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("idxr.audit.dropped_total",
		metric.WithDescription("Audit events dropped due to buffer capacity exhaustion"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(b.Dropped())
			return nil
		}),
	)
}
