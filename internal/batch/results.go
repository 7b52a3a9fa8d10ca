package batch

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/idxr-io/idxr/internal/model"
)

// flushEvery is the per-job buffer size before outcomes hit disk.
const flushEvery = 100

const resultsSchema = `
CREATE TABLE IF NOT EXISTS job_results (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id        TEXT    NOT NULL,
	record_id     TEXT    NOT NULL,
	identity_key  TEXT,
	confidence    REAL,
	match_type    TEXT,
	status        TEXT    NOT NULL,
	error         TEXT,
	processing_ms INTEGER,
	details       TEXT
);
CREATE INDEX IF NOT EXISTS job_results_job_idx ON job_results (job_id, id);
`

// Results is the append-only per-record outcome stream, backed by an
// embedded SQLite database so large jobs never hold their output in
// memory.
type Results struct {
	db *sql.DB

	mu      sync.Mutex
	pending map[uuid.UUID][]model.RecordOutcome
}

// OpenResults opens (or creates) the results database under dir.
func OpenResults(dir string) (*Results, error) {
	path := filepath.Join(dir, "results.db")
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("batch: open results db: %w", err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent runners.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(resultsSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("batch: init results schema: %w", err)
	}
	return &Results{db: db, pending: make(map[uuid.UUID][]model.RecordOutcome)}, nil
}

// Append buffers one outcome, flushing to disk every flushEvery
// records per job.
func (r *Results) Append(ctx context.Context, jobID uuid.UUID, out model.RecordOutcome) error {
	r.mu.Lock()
	r.pending[jobID] = append(r.pending[jobID], out)
	full := len(r.pending[jobID]) >= flushEvery
	r.mu.Unlock()

	if full {
		return r.Flush(ctx, jobID)
	}
	return nil
}

// Flush writes a job's buffered outcomes in one transaction.
func (r *Results) Flush(ctx context.Context, jobID uuid.UUID) error {
	r.mu.Lock()
	batch := r.pending[jobID]
	delete(r.pending, jobID)
	r.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("batch: flush results: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO job_results
			(job_id, record_id, identity_key, confidence, match_type, status, error, processing_ms, details)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("batch: flush results: %w", err)
	}
	defer stmt.Close()

	for _, out := range batch {
		var details []byte
		if out.Details != nil {
			details, _ = json.Marshal(out.Details)
		}
		if _, err := stmt.ExecContext(ctx,
			jobID.String(), out.RecordID, nullStr(out.IdentityKey), out.Confidence,
			nullStr(string(out.MatchType)), string(out.Status), nullStr(out.Error),
			out.ProcessingTimeMS, nullBytes(details)); err != nil {
			return fmt.Errorf("batch: flush results: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("batch: flush results: %w", err)
	}
	return nil
}

// Page returns one page of a job's outcomes in insertion order,
// optionally filtered by record status. Pages are 1-based.
func (r *Results) Page(ctx context.Context, jobID uuid.UUID, page, limit int, status model.RecordStatus) (model.JobResultsPage, error) {
	if err := r.Flush(ctx, jobID); err != nil {
		return model.JobResultsPage{}, err
	}
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 1000 {
		limit = 100
	}

	where := "job_id = ?"
	args := []any{jobID.String()}
	if status != "" {
		where += " AND status = ?"
		args = append(args, string(status))
	}

	var total int
	if err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM job_results WHERE "+where, args...).Scan(&total); err != nil {
		return model.JobResultsPage{}, fmt.Errorf("batch: count results: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT record_id, identity_key, confidence, match_type, status, error, processing_ms, details
		FROM job_results WHERE `+where+` ORDER BY id LIMIT ? OFFSET ?`,
		append(args, limit, (page-1)*limit)...)
	if err != nil {
		return model.JobResultsPage{}, fmt.Errorf("batch: query results: %w", err)
	}
	defer rows.Close()

	out := model.JobResultsPage{JobID: jobID, Page: page, Limit: limit, Total: total}
	for rows.Next() {
		var (
			rec        model.RecordOutcome
			identity   sql.NullString
			confidence sql.NullFloat64
			matchType  sql.NullString
			errMsg     sql.NullString
			details    []byte
		)
		if err := rows.Scan(&rec.RecordID, &identity, &confidence, &matchType,
			&rec.Status, &errMsg, &rec.ProcessingTimeMS, &details); err != nil {
			return model.JobResultsPage{}, fmt.Errorf("batch: scan result: %w", err)
		}
		rec.IdentityKey = identity.String
		if confidence.Valid && confidence.Float64 != 0 {
			c := confidence.Float64
			rec.Confidence = &c
		}
		rec.MatchType = model.MatchType(matchType.String)
		rec.Error = errMsg.String
		if len(details) > 0 {
			_ = json.Unmarshal(details, &rec.Details)
		}
		out.Results = append(out.Results, rec)
	}
	return out, rows.Err()
}

// All streams every outcome of a job to fn in insertion order. Used by
// the exporters.
func (r *Results) All(ctx context.Context, jobID uuid.UUID, fn func(model.RecordOutcome) error) error {
	page := 1
	for {
		p, err := r.Page(ctx, jobID, page, 500, "")
		if err != nil {
			return err
		}
		for _, rec := range p.Results {
			if err := fn(rec); err != nil {
				return err
			}
		}
		if page*p.Limit >= p.Total {
			return nil
		}
		page++
	}
}

// Drop removes a job's stored outcomes.
func (r *Results) Drop(ctx context.Context, jobID uuid.UUID) error {
	r.mu.Lock()
	delete(r.pending, jobID)
	r.mu.Unlock()
	_, err := r.db.ExecContext(ctx, "DELETE FROM job_results WHERE job_id = ?", jobID.String())
	if err != nil {
		return fmt.Errorf("batch: drop results: %w", err)
	}
	return nil
}

// Close flushes nothing; callers flush per job on completion.
func (r *Results) Close() error {
	return r.db.Close()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
