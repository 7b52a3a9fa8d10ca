package resolve

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idxr-io/idxr/internal/match"
	"github.com/idxr-io/idxr/internal/model"
	"github.com/idxr-io/idxr/internal/store"
)

func seedStore(t *testing.T) *store.Memory {
	t.Helper()
	mem := store.NewMemory()
	mem.Put(model.StoredIdentity{
		IdentityKey: "IDX001234567",
		Raw: model.Identity{
			GivenName: "John", Surname: "Doe", DOB: "1990-01-15", TaxID: "123456789",
			Phone: "(303) 555-0199", Email: "john.doe@example.com",
			Address: model.Address{Street: "100 Main Street", City: "Denver", State: "CO", PostalCode: "80202"},
		},
		Active: true,
	})
	mem.Put(model.StoredIdentity{
		IdentityKey: "IDX002345678",
		Raw: model.Identity{
			GivenName: "Jon", Surname: "Doe", DOB: "1990-01-16", TaxIDLast4: "6789",
		},
		Active: true,
	})
	mem.Put(model.StoredIdentity{
		IdentityKey: "IDX003456789",
		Raw: model.Identity{
			GivenName: "Johnny", Surname: "Doe", Phone: "(303) 555-0100",
		},
		Active: true,
	})
	return mem
}

func newResolver(t *testing.T, cs store.CandidateStore) *Service {
	t.Helper()
	return New(cs, DefaultMatchers(nil, nil), Config{}, nil)
}

func TestResolveExactShortCircuit(t *testing.T) {
	svc := newResolver(t, seedStore(t))

	res, err := svc.Resolve(context.Background(), model.ResolveRequest{
		Demographics: model.Identity{GivenName: "John", Surname: "Doe", DOB: "1990-01-15", TaxID: "123456789"},
	})
	require.NoError(t, err)
	require.Equal(t, model.StatusSuccess, res.Status)
	require.Len(t, res.Matches, 1)

	best := res.Matches[0]
	assert.Equal(t, "IDX001234567", best.IdentityKey)
	assert.InDelta(t, 0.99, best.Confidence, 1e-9)
	assert.Equal(t, model.MatchEnsemble, best.MatchType)
	assert.Contains(t, best.MatchedFields, "ssn")
	assert.Contains(t, best.MatchedFields, "dob")
	assert.Contains(t, best.Details, string(model.MatchExact))
}

func TestResolveProbabilisticNearMiss(t *testing.T) {
	svc := newResolver(t, seedStore(t))

	res, err := svc.Resolve(context.Background(), model.ResolveRequest{
		Demographics: model.Identity{GivenName: "Jon", Surname: "Doe", DOB: "1990-01-16", TaxIDLast4: "6789"},
	})
	require.NoError(t, err)
	require.Equal(t, model.StatusSuccess, res.Status)
	require.NotEmpty(t, res.Matches)

	best := res.Matches[0]
	assert.Equal(t, "IDX002345678", best.IdentityKey)
	assert.GreaterOrEqual(t, best.Confidence, 0.90)
	assert.Equal(t, model.MatchEnsemble, best.MatchType)
}

func TestResolveFuzzyNickname(t *testing.T) {
	svc := newResolver(t, seedStore(t))

	res, err := svc.Resolve(context.Background(), model.ResolveRequest{
		Demographics: model.Identity{GivenName: "Johnny", Surname: "Doe", Phone: "(303) 555-0100"},
		Options:      model.ResolveOptions{MatchThreshold: 0.7},
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.Matches)

	best := res.Matches[0]
	assert.Equal(t, "IDX003456789", best.IdentityKey)
	assert.GreaterOrEqual(t, best.Confidence, 0.70)
	assert.LessOrEqual(t, best.Confidence, 0.85)
}

func TestResolveNoCandidates(t *testing.T) {
	svc := newResolver(t, store.NewMemory())

	res, err := svc.Resolve(context.Background(), model.ResolveRequest{
		Demographics: model.Identity{GivenName: "Zelda", Surname: "Quixote", DOB: "1970-02-02"},
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusNoMatch, res.Status)
	assert.Empty(t, res.Matches)
}

func TestResolveDOBWindowExcludes(t *testing.T) {
	mem := store.NewMemory()
	mem.Put(model.StoredIdentity{
		IdentityKey: "IDX9",
		Raw:         model.Identity{GivenName: "John", Surname: "Doe", DOB: "1950-01-15", TaxID: "123456789"},
		Active:      true,
	})
	svc := newResolver(t, mem)

	res, err := svc.Resolve(context.Background(), model.ResolveRequest{
		Demographics: model.Identity{GivenName: "John", Surname: "Doe", DOB: "1990-01-15", TaxID: "123456789"},
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusNoMatch, res.Status)
}

func TestResolveInvalidInput(t *testing.T) {
	svc := newResolver(t, seedStore(t))

	_, err := svc.Resolve(context.Background(), model.ResolveRequest{})
	require.Error(t, err)
	assert.Equal(t, model.ErrInvalidInput, model.KindOf(err))
}

type brokenStore struct{}

func (brokenStore) FindCandidates(context.Context, model.Identity, int) ([]model.StoredIdentity, error) {
	return nil, errors.New("connection refused")
}
func (brokenStore) Get(context.Context, string) (model.StoredIdentity, error) {
	return model.StoredIdentity{}, store.ErrNotFound
}
func (brokenStore) Count(context.Context) (int64, error) { return 0, nil }
func (brokenStore) Ping(context.Context) error           { return nil }

func TestResolveStoreFailure(t *testing.T) {
	svc := newResolver(t, brokenStore{})

	res, err := svc.Resolve(context.Background(), model.ResolveRequest{
		Demographics: model.Identity{GivenName: "John", Surname: "Doe", DOB: "1990-01-15"},
	})
	require.Error(t, err)
	assert.Equal(t, model.ErrDependencyUnavailable, model.KindOf(err))
	assert.Equal(t, model.StatusError, res.Status)
}

func TestResolveOrderingInvariant(t *testing.T) {
	mem := store.NewMemory()
	for _, key := range []string{"IDXA", "IDXB", "IDXC"} {
		mem.Put(model.StoredIdentity{
			IdentityKey: key,
			Raw:         model.Identity{GivenName: "Maria", Surname: "Garcia", DOB: "1985-03-03", TaxID: "456789123"},
			Active:      true,
		})
	}
	svc := New(mem, DefaultMatchers(nil, nil), Config{}, nil)

	res, err := svc.Resolve(context.Background(), model.ResolveRequest{
		Demographics: model.Identity{GivenName: "Maria", Surname: "Garcia", DOB: "1985-03-03", TaxID: "456789123"},
		Options:      model.ResolveOptions{RequireHighConfidence: true},
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.Matches)
	assert.LessOrEqual(t, len(res.Matches), 10)
	for i := range res.Matches {
		m := res.Matches[i]
		assert.GreaterOrEqual(t, m.Confidence, 0.6)
		assert.LessOrEqual(t, m.Confidence, 0.99)
		if i > 0 {
			prev := res.Matches[i-1]
			assert.GreaterOrEqual(t, prev.Confidence, m.Confidence)
			if prev.Confidence == m.Confidence && len(prev.MatchedFields) == len(m.MatchedFields) {
				assert.Less(t, prev.IdentityKey, m.IdentityKey)
			}
		}
	}
}

// Disabling an algorithm never increases a surviving match's confidence.
func TestResolveDisableMatcherMonotone(t *testing.T) {
	mem := seedStore(t)
	full := New(mem, DefaultMatchers(nil, nil), Config{}, nil)

	reducedCfg := Config{Ensemble: match.DefaultEnsembleConfig()}
	delete(reducedCfg.Ensemble.Weights, model.MatchFuzzy)
	reduced := New(mem, []match.Matcher{
		match.NewExact(), match.NewDeterministic(), match.NewProbabilistic(), match.NewHybrid(nil, nil),
	}, reducedCfg, nil)

	req := model.ResolveRequest{
		Demographics: model.Identity{GivenName: "Jon", Surname: "Doe", DOB: "1990-01-16", TaxIDLast4: "6789"},
		Options:      model.ResolveOptions{RequireHighConfidence: true},
	}
	a, err := full.Resolve(context.Background(), req)
	require.NoError(t, err)
	b, err := reduced.Resolve(context.Background(), req)
	require.NoError(t, err)

	require.NotEmpty(t, a.Matches)
	for _, rb := range b.Matches {
		for _, ra := range a.Matches {
			if ra.IdentityKey == rb.IdentityKey {
				assert.LessOrEqual(t, rb.Confidence, ra.Confidence)
			}
		}
	}
}
