package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/idxr-io/idxr/internal/model"
	"github.com/idxr-io/idxr/internal/normalize"
)

// Memory is an in-process CandidateStore used by unit tests, demo
// corpora, and embedded callers. Lookups go through the same blocking
// keys as the Postgres store so the two return comparable candidate
// sets.
type Memory struct {
	mu         sync.RWMutex
	byKey      map[string]model.StoredIdentity
	bySoundex  map[string][]string
	byTaxLast4 map[string][]string
	byPhone7   map[string][]string
	byPostal   map[string][]string
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		byKey:      make(map[string]model.StoredIdentity),
		bySoundex:  make(map[string][]string),
		byTaxLast4: make(map[string][]string),
		byPhone7:   make(map[string][]string),
		byPostal:   make(map[string][]string),
	}
}

// Put inserts or replaces a stored identity. The normalized form is
// derived here when the caller left it empty, so fixtures can seed raw
// records directly.
func (m *Memory) Put(id model.StoredIdentity) {
	if id.Normalized.Empty() {
		id.Normalized, _ = normalize.Record(id.Raw)
	}
	if id.CreatedAt.IsZero() {
		id.CreatedAt = time.Now().UTC()
	}
	id.UpdatedAt = time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byKey[id.IdentityKey]; exists {
		m.removeFromIndexes(id.IdentityKey)
	}
	m.byKey[id.IdentityKey] = id

	k := KeysFor(id.Normalized)
	if k.SurnameSoundex != "" {
		m.bySoundex[k.SurnameSoundex] = append(m.bySoundex[k.SurnameSoundex], id.IdentityKey)
	}
	if k.TaxIDLast4 != "" {
		m.byTaxLast4[k.TaxIDLast4] = append(m.byTaxLast4[k.TaxIDLast4], id.IdentityKey)
	}
	if k.PhoneLast7 != "" {
		m.byPhone7[k.PhoneLast7] = append(m.byPhone7[k.PhoneLast7], id.IdentityKey)
	}
	if k.Postal5 != "" {
		m.byPostal[k.Postal5] = append(m.byPostal[k.Postal5], id.IdentityKey)
	}
}

func (m *Memory) removeFromIndexes(identityKey string) {
	drop := func(idx map[string][]string) {
		for k, keys := range idx {
			out := keys[:0]
			for _, kk := range keys {
				if kk != identityKey {
					out = append(out, kk)
				}
			}
			idx[k] = out
		}
	}
	drop(m.bySoundex)
	drop(m.byTaxLast4)
	drop(m.byPhone7)
	drop(m.byPostal)
}

// FindCandidates implements CandidateStore. Candidates are the union
// of all blocking-key buckets, restricted to active identities inside
// the DOB pre-filter window, ordered by identity key for determinism,
// and truncated to the clamped limit.
func (m *Memory) FindCandidates(ctx context.Context, q model.Identity, limit int) ([]model.StoredIdentity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	keys := KeysFor(q)
	if keys.Empty() {
		return nil, nil
	}
	limit = clampLimit(limit)

	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]bool)
	var hits []string
	gather := func(bucket []string) {
		for _, k := range bucket {
			if !seen[k] {
				seen[k] = true
				hits = append(hits, k)
			}
		}
	}
	gather(m.byTaxLast4[keys.TaxIDLast4])
	gather(m.bySoundex[keys.SurnameSoundex])
	gather(m.byPhone7[keys.PhoneLast7])
	gather(m.byPostal[keys.Postal5])

	sort.Strings(hits)

	lo, hi, hasWindow := DOBWindow(q)
	out := make([]model.StoredIdentity, 0, min(len(hits), limit))
	for _, k := range hits {
		id := m.byKey[k]
		if !id.Active {
			continue
		}
		if hasWindow && !withinDOBWindow(lo, hi, id.Normalized.DOB) {
			continue
		}
		out = append(out, id)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// Get implements CandidateStore.
func (m *Memory) Get(ctx context.Context, identityKey string) (model.StoredIdentity, error) {
	if err := ctx.Err(); err != nil {
		return model.StoredIdentity{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byKey[identityKey]
	if !ok {
		return model.StoredIdentity{}, ErrNotFound
	}
	return id, nil
}

// Count implements CandidateStore.
func (m *Memory) Count(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.byKey)), nil
}

// Ping implements CandidateStore; the memory store is always up.
func (m *Memory) Ping(ctx context.Context) error { return ctx.Err() }
