package semantic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/idxr-io/idxr/internal/model"
	"github.com/idxr-io/idxr/internal/store"
	"github.com/idxr-io/idxr/internal/telemetry"
)

const maxOutboxAttempts = 10

// outboxEntry is one pending row from embed_outbox.
type outboxEntry struct {
	IdentityKey string
	Attempts    int
}

// Indexer drains the embed_outbox table into the Qdrant index. Upsert
// versus delete is decided by the current state of the identity row:
// active identities are re-embedded and upserted, inactive or missing
// ones are removed from the index. A LISTEN subscription on the embed
// channel wakes the poll loop so new writes index promptly; the ticker
// remains the safety net.
type Indexer struct {
	db           *store.DB
	index        *Index
	embedder     Embedder
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int

	started     atomic.Bool
	cancelLoop  context.CancelFunc
	done        chan struct{}
	once        sync.Once
	lastCleanup time.Time
	wake        chan struct{}
	drainCh     chan context.Context // carries the drain context to pollLoop for the final poll
}

// NewIndexer creates an indexer. Call Start to begin processing.
func NewIndexer(db *store.DB, index *Index, embedder Embedder, logger *slog.Logger, pollInterval time.Duration, batchSize int) *Indexer {
	if pollInterval <= 0 {
		pollInterval = 15 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Indexer{
		db:           db,
		index:        index,
		embedder:     embedder,
		logger:       logger,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		done:         make(chan struct{}),
		wake:         make(chan struct{}, 1),
		drainCh:      make(chan context.Context, 1),
	}
}

// Start begins the background poll and listen loops. Safe to call only
// once; subsequent calls are no-ops and log a warning.
func (w *Indexer) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		w.logger.Warn("embed outbox: Start called more than once, ignoring")
		return
	}
	w.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancelLoop = cancel
	go w.listenLoop(loopCtx)
	go w.pollLoop(loopCtx)
}

// Drain signals the poll loop to stop, processes remaining entries, and
// blocks until done or the context expires.
func (w *Indexer) Drain(ctx context.Context) {
	// Send the drain context before cancelLoop so pollLoop can receive
	// it on ctx.Done().
	select {
	case w.drainCh <- ctx:
	default:
	}
	if w.cancelLoop != nil {
		w.cancelLoop()
	}
	select {
	case <-w.done:
	case <-ctx.Done():
		w.logger.Warn("embed outbox: drain timed out")
	}
}

// listenLoop subscribes to the embed channel and converts notifications
// into wake signals. Errors back off and re-subscribe.
func (w *Indexer) listenLoop(ctx context.Context) {
	for ctx.Err() == nil {
		if err := w.db.Listen(ctx, store.ChannelEmbedOutbox); err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Warn("embed outbox: listen failed, retrying", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}
		for {
			_, _, err := w.db.WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				w.logger.Warn("embed outbox: notification wait failed", "error", err)
				break
			}
			select {
			case w.wake <- struct{}{}:
			default:
			}
		}
	}
}

func (w *Indexer) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final drain: prefer the drain context so the last pass
			// respects the caller's deadline.
			var drainCtx context.Context
			select {
			case drainCtx = <-w.drainCh:
			default:
			}
			if drainCtx != nil {
				w.processBatch(drainCtx)
			} else {
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				w.processBatch(fallbackCtx)
				cancel()
			}
			w.once.Do(func() { close(w.done) })
			return
		case <-w.wake:
		case <-ticker.C:
		}
		batchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		w.processBatch(batchCtx)
		cancel()
	}
}

func (w *Indexer) processBatch(ctx context.Context) {
	pool := w.db.Pool()
	tx, err := pool.Begin(ctx)
	if err != nil {
		w.logger.Error("embed outbox: begin tx", "error", err)
		return
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx,
		`SELECT identity_key, attempts
		 FROM embed_outbox
		 WHERE processed_at IS NULL
		   AND (locked_until IS NULL OR locked_until < now())
		   AND attempts < $1
		 ORDER BY enqueued_at ASC
		 LIMIT $2
		 FOR UPDATE SKIP LOCKED`,
		maxOutboxAttempts, w.batchSize,
	)
	if err != nil {
		w.logger.Error("embed outbox: select pending", "error", err)
		return
	}

	var entries []outboxEntry
	for rows.Next() {
		var e outboxEntry
		if err := rows.Scan(&e.IdentityKey, &e.Attempts); err != nil {
			rows.Close()
			w.logger.Error("embed outbox: scan entry", "error", err)
			return
		}
		entries = append(entries, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		w.logger.Error("embed outbox: scan entries", "error", err)
		return
	}
	if len(entries) == 0 {
		return
	}

	// Lock the entries for 60 seconds (longer than the 30s batch
	// timeout so a second indexer cannot pick them up mid-flight).
	keys := entryKeys(entries)
	if _, err := tx.Exec(ctx,
		`UPDATE embed_outbox SET locked_until = now() + interval '60 seconds' WHERE identity_key = ANY($1)`,
		keys,
	); err != nil {
		w.logger.Error("embed outbox: lock entries", "error", err)
		return
	}
	if err := tx.Commit(ctx); err != nil {
		w.logger.Error("embed outbox: commit lock", "error", err)
		return
	}

	w.processEntries(ctx, entries)

	// Periodically prune processed rows and dead letters.
	if time.Since(w.lastCleanup) > time.Hour {
		w.cleanup(ctx)
		w.lastCleanup = time.Now()
	}
}

// processEntries splits locked entries into upserts (active identities)
// and deletes (inactive or missing), then applies both to the index.
func (w *Indexer) processEntries(ctx context.Context, entries []outboxEntry) {
	identities, err := w.fetchIdentities(ctx, entryKeys(entries))
	if err != nil {
		w.logger.Error("embed outbox: fetch identities", "error", err, "count", len(entries))
		w.failEntries(ctx, entries, err.Error())
		return
	}

	var upserts, deletes []outboxEntry
	for _, e := range entries {
		if _, ok := identities[e.IdentityKey]; ok {
			upserts = append(upserts, e)
		} else {
			deletes = append(deletes, e)
		}
	}

	if len(upserts) > 0 {
		texts := make([]string, len(upserts))
		for i, e := range upserts {
			texts[i] = Text(identities[e.IdentityKey].Normalized)
		}

		vecs, err := w.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			w.logger.Error("embed outbox: embed batch", "error", err, "count", len(texts))
			w.failEntries(ctx, upserts, err.Error())
		} else {
			points := make([]Point, len(upserts))
			for i, e := range upserts {
				points[i] = Point{
					IdentityKey:  e.IdentityKey,
					SourceSystem: firstSource(identities[e.IdentityKey]),
					Embedding:    vecs[i].Slice(),
				}
			}
			if err := w.index.Upsert(ctx, points); err != nil {
				w.logger.Error("embed outbox: qdrant upsert", "error", err, "count", len(points))
				w.failEntries(ctx, upserts, err.Error())
			} else {
				w.succeedEntries(ctx, upserts)
				w.logger.Info("embed outbox: indexed", "count", len(points))
			}
		}
	}

	if len(deletes) > 0 {
		if err := w.index.Delete(ctx, entryKeys(deletes)); err != nil {
			w.logger.Error("embed outbox: qdrant delete", "error", err, "count", len(deletes))
			w.failEntries(ctx, deletes, err.Error())
			return
		}
		w.succeedEntries(ctx, deletes)
		w.logger.Info("embed outbox: removed", "count", len(deletes))
	}
}

func (w *Indexer) fetchIdentities(ctx context.Context, keys []string) (map[string]model.StoredIdentity, error) {
	out := make(map[string]model.StoredIdentity, len(keys))
	for _, key := range keys {
		id, err := w.db.Get(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("embed outbox: get %s: %w", key, err)
		}
		if id.Active {
			out[key] = id
		}
	}
	return out, nil
}

func (w *Indexer) succeedEntries(ctx context.Context, entries []outboxEntry) {
	if _, err := w.db.Pool().Exec(ctx,
		`UPDATE embed_outbox SET processed_at = now(), last_error = NULL WHERE identity_key = ANY($1)`,
		entryKeys(entries),
	); err != nil {
		w.logger.Error("embed outbox: mark processed", "error", err)
	}
}

func (w *Indexer) failEntries(ctx context.Context, entries []outboxEntry, errMsg string) {
	// Exponential backoff: locked_until = now() + 2^attempts seconds,
	// capped at 5 minutes, so a Qdrant or embeddings outage cannot
	// turn into a tight retry loop.
	if _, err := w.db.Pool().Exec(ctx,
		`UPDATE embed_outbox
		 SET attempts = attempts + 1,
		     last_error = $1,
		     locked_until = now() + LEAST(POWER(2, attempts + 1), 300) * interval '1 second'
		 WHERE identity_key = ANY($2)`,
		errMsg, entryKeys(entries),
	); err != nil {
		w.logger.Error("embed outbox: update failed entries", "error", err)
	}

	for _, e := range entries {
		if e.Attempts+1 >= maxOutboxAttempts {
			w.logger.Warn("embed outbox: dead-letter entry",
				"identity_key", e.IdentityKey,
				"attempts", e.Attempts+1,
			)
		}
	}
}

// cleanup removes processed rows and dead letters older than 7 days.
func (w *Indexer) cleanup(ctx context.Context) {
	tag, err := w.db.Pool().Exec(ctx,
		`DELETE FROM embed_outbox
		 WHERE (processed_at IS NOT NULL AND processed_at < now() - interval '7 days')
		    OR (attempts >= $1 AND enqueued_at < now() - interval '7 days')`,
		maxOutboxAttempts,
	)
	if err != nil {
		w.logger.Error("embed outbox: cleanup failed", "error", err)
		return
	}
	if tag.RowsAffected() > 0 {
		w.logger.Info("embed outbox: cleaned entries", "deleted", tag.RowsAffected())
	}
}

func (w *Indexer) registerMetrics() {
	meter := telemetry.Meter("idxr/semantic")

	_, _ = meter.Int64ObservableGauge("idxr.embed_outbox.depth",
		metric.WithDescription("Pending entries in the embed outbox"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			var count int64
			err := w.db.Pool().QueryRow(ctx,
				`SELECT COUNT(*) FROM embed_outbox WHERE processed_at IS NULL AND attempts < $1`,
				maxOutboxAttempts).Scan(&count)
			if err != nil {
				return nil // Non-fatal: skip this observation.
			}
			o.Observe(count)
			return nil
		}),
	)
}

func entryKeys(entries []outboxEntry) []string {
	keys := make([]string, len(entries))
	for i, e := range entries {
		keys[i] = e.IdentityKey
	}
	return keys
}

func firstSource(id model.StoredIdentity) string {
	if len(id.SourceSystems) == 0 {
		return ""
	}
	return id.SourceSystems[0]
}
