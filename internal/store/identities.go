package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/idxr-io/idxr/internal/model"
	"github.com/idxr-io/idxr/internal/normalize"
)

// identityColumns is the select list shared by every identity query.
const identityColumns = `identity_key, raw, normalized, source_systems, active, created_at, updated_at`

// FindCandidates implements CandidateStore over Postgres. The blocking
// keys are stored as dedicated indexed columns so the union of buckets
// is one indexed OR; the DOB window is applied in SQL so oversized
// corpora never cross the wire.
func (db *DB) FindCandidates(ctx context.Context, q model.Identity, limit int) ([]model.StoredIdentity, error) {
	keys := KeysFor(q)
	if keys.Empty() {
		return nil, nil
	}
	limit = clampLimit(limit)

	where := `active AND (
		(tax_last4 <> '' AND tax_last4 = $1) OR
		(surname_soundex <> '' AND surname_soundex = $2) OR
		(phone_last7 <> '' AND phone_last7 = $3) OR
		(postal5 <> '' AND postal5 = $4))`
	args := []any{keys.TaxIDLast4, keys.SurnameSoundex, keys.PhoneLast7, keys.Postal5}

	if lo, hi, ok := DOBWindow(q); ok {
		where += ` AND (dob IS NULL OR dob BETWEEN $5 AND $6)`
		args = append(args, lo, hi)
	}

	query := fmt.Sprintf(`SELECT %s FROM identities WHERE %s ORDER BY identity_key LIMIT %d`,
		identityColumns, where, limit)

	var out []model.StoredIdentity
	err := WithRetry(ctx, 3, 50*time.Millisecond, func() error {
		rows, err := db.pool.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("store: find candidates: %w", err)
		}
		defer rows.Close()
		out, err = scanIdentities(rows)
		return err
	})
	return out, err
}

// Get implements CandidateStore.
func (db *DB) Get(ctx context.Context, identityKey string) (model.StoredIdentity, error) {
	row := db.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM identities WHERE identity_key = $1`, identityColumns),
		identityKey)
	id, err := scanIdentity(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.StoredIdentity{}, ErrNotFound
	}
	if err != nil {
		return model.StoredIdentity{}, fmt.Errorf("store: get %s: %w", identityKey, err)
	}
	return id, nil
}

// Count implements CandidateStore.
func (db *DB) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := db.pool.QueryRow(ctx, `SELECT count(*) FROM identities`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count: %w", err)
	}
	return n, nil
}

// Upsert writes a stored identity, normalizing the raw record when the
// caller did not. Writes come from ingest tooling and seed scripts; the
// matching core never calls this. Inserting enqueues the identity on
// the embed outbox so the semantic index picks it up.
func (db *DB) Upsert(ctx context.Context, id model.StoredIdentity) error {
	if id.Normalized.Empty() {
		id.Normalized, _ = normalize.Record(id.Raw)
	}
	rawJSON, err := json.Marshal(id.Raw)
	if err != nil {
		return fmt.Errorf("store: marshal raw: %w", err)
	}
	normJSON, err := json.Marshal(id.Normalized)
	if err != nil {
		return fmt.Errorf("store: marshal normalized: %w", err)
	}

	keys := KeysFor(id.Normalized)
	var dob *string
	if id.Normalized.DOB != "" {
		if _, ok := id.Normalized.DOBTime(); ok {
			dob = &id.Normalized.DOB
		}
	}

	return WithRetry(ctx, 3, 50*time.Millisecond, func() error {
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("store: begin: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		_, err = tx.Exec(ctx, `
			INSERT INTO identities
				(identity_key, raw, normalized, surname_soundex, tax_last4, phone_last7, postal5, dob,
				 source_systems, active, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now(), now())
			ON CONFLICT (identity_key) DO UPDATE SET
				raw = EXCLUDED.raw,
				normalized = EXCLUDED.normalized,
				surname_soundex = EXCLUDED.surname_soundex,
				tax_last4 = EXCLUDED.tax_last4,
				phone_last7 = EXCLUDED.phone_last7,
				postal5 = EXCLUDED.postal5,
				dob = EXCLUDED.dob,
				source_systems = EXCLUDED.source_systems,
				active = EXCLUDED.active,
				updated_at = now()`,
			id.IdentityKey, rawJSON, normJSON,
			keys.SurnameSoundex, keys.TaxIDLast4, keys.PhoneLast7, keys.Postal5, dob,
			id.SourceSystems, id.Active)
		if err != nil {
			return fmt.Errorf("store: upsert %s: %w", id.IdentityKey, err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO embed_outbox (identity_key, enqueued_at)
			VALUES ($1, now())
			ON CONFLICT (identity_key) DO UPDATE SET enqueued_at = now(), processed_at = NULL`,
			id.IdentityKey)
		if err != nil {
			return fmt.Errorf("store: enqueue embed: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("store: commit: %w", err)
		}
		_ = db.Notify(ctx, ChannelEmbedOutbox, id.IdentityKey)
		return nil
	})
}

func scanIdentities(rows pgx.Rows) ([]model.StoredIdentity, error) {
	var out []model.StoredIdentity
	for rows.Next() {
		id, err := scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func scanIdentity(row pgx.Row) (model.StoredIdentity, error) {
	var (
		id                model.StoredIdentity
		rawJSON, normJSON []byte
		created, updated  time.Time
	)
	if err := row.Scan(&id.IdentityKey, &rawJSON, &normJSON, &id.SourceSystems,
		&id.Active, &created, &updated); err != nil {
		return model.StoredIdentity{}, err
	}
	if err := json.Unmarshal(rawJSON, &id.Raw); err != nil {
		return model.StoredIdentity{}, fmt.Errorf("store: unmarshal raw: %w", err)
	}
	if err := json.Unmarshal(normJSON, &id.Normalized); err != nil {
		return model.StoredIdentity{}, fmt.Errorf("store: unmarshal normalized: %w", err)
	}
	id.CreatedAt, id.UpdatedAt = created, updated
	return id, nil
}
