package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SlogFlusher writes audit events to structured logs. The default
// flusher when no database is configured.
type SlogFlusher struct {
	logger *slog.Logger
}

// NewSlogFlusher creates a log-backed flusher.
func NewSlogFlusher(logger *slog.Logger) *SlogFlusher {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogFlusher{logger: logger}
}

// Flush implements Flusher.
func (f *SlogFlusher) Flush(_ context.Context, events []Event) (int, error) {
	for _, ev := range events {
		f.logger.Info("audit event",
			"audit_id", ev.ID,
			"kind", ev.Kind,
			"client_id", ev.ClientID,
			"request_id", ev.RequestID,
			"outcome", ev.Outcome,
			"occurred_at", ev.OccurredAt,
			"details", ev.Details,
		)
	}
	return len(events), nil
}

// PostgresFlusher bulk-inserts audit events via COPY.
type PostgresFlusher struct {
	pool *pgxpool.Pool
}

// NewPostgresFlusher creates a Postgres-backed flusher over the store's
// pool.
func NewPostgresFlusher(pool *pgxpool.Pool) *PostgresFlusher {
	return &PostgresFlusher{pool: pool}
}

var auditColumns = []string{"id", "kind", "client_id", "request_id", "outcome", "details", "occurred_at"}

// Flush implements Flusher.
func (f *PostgresFlusher) Flush(ctx context.Context, events []Event) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	rows := make([][]any, len(events))
	for i, ev := range events {
		details := ev.Details
		if details == nil {
			details = map[string]any{}
		}
		detailsJSON, err := json.Marshal(details)
		if err != nil {
			return 0, fmt.Errorf("audit: marshal details: %w", err)
		}
		rows[i] = []any{ev.ID, ev.Kind, ev.ClientID, ev.RequestID, ev.Outcome, detailsJSON, ev.OccurredAt}
	}

	n, err := f.pool.CopyFrom(ctx, pgx.Identifier{"audit_events"}, auditColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, fmt.Errorf("audit: copy events: %w", err)
	}
	return int(n), nil
}
