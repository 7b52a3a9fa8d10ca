package semantic

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"golang.org/x/sync/singleflight"

	"github.com/idxr-io/idxr/internal/model"
)

// pointNamespace seeds deterministic point IDs so the same identity
// key always maps to the same Qdrant point.
var pointNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// PointID derives the Qdrant point UUID for an identity key.
func PointID(identityKey string) uuid.UUID {
	return uuid.NewSHA1(pointNamespace, []byte(identityKey))
}

// QdrantConfig holds configuration for connecting to Qdrant.
type QdrantConfig struct {
	URL        string // e.g. "https://xyz.cloud.qdrant.io:6333" or "http://localhost:6333"
	APIKey     string
	Collection string
	Dims       uint64
}

// Point is the data needed to upsert one identity into the index.
type Point struct {
	IdentityKey  string
	SourceSystem string
	Embedding    []float32
}

// Index is the identity vector index backed by Qdrant. It satisfies
// the hybrid matcher's scoring port.
type Index struct {
	client     *qdrant.Client
	embedder   Embedder
	collection string
	dims       uint64
	logger     *slog.Logger

	healthGroup singleflight.Group
	healthErr   atomic.Value // stores *error (pointer-to-error, never nil pointer; inner error may be nil)
	healthAt    atomic.Int64 // unix nanos of last check
}

// parseQdrantURL extracts host, port, and TLS flag from a Qdrant URL.
// Accepts forms like "https://host:6333", "http://host:6333", or "host:6334".
func parseQdrantURL(rawURL string) (host string, port int, useTLS bool, err error) {
	u, parseErr := url.Parse(rawURL)
	if parseErr != nil || u.Host == "" {
		return "", 0, false, fmt.Errorf("semantic: invalid qdrant URL: %q", rawURL)
	}

	useTLS = u.Scheme == "https"
	host = u.Hostname()

	if portStr := u.Port(); portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, false, fmt.Errorf("semantic: invalid port in qdrant URL: %q", portStr)
		}
		// If the user specified the REST port (6333), use the gRPC port (6334).
		if p == 6333 {
			port = 6334
		} else {
			port = p
		}
	} else {
		port = 6334
	}

	return host, port, useTLS, nil
}

// NewIndex connects to Qdrant via gRPC.
func NewIndex(cfg QdrantConfig, embedder Embedder, logger *slog.Logger) (*Index, error) {
	host, port, useTLS, err := parseQdrantURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("semantic: connect to qdrant at %s:%d: %w", host, port, err)
	}

	if logger == nil {
		logger = slog.Default()
	}
	return &Index{
		client:     client,
		embedder:   embedder,
		collection: cfg.Collection,
		dims:       cfg.Dims,
		logger:     logger,
	}, nil
}

// EnsureCollection creates the collection if it doesn't already exist
// and ensures payload indexes are present. CreateFieldIndex is
// idempotent on Qdrant, so this safely backfills indexes added after
// the collection was first created.
func (q *Index) EnsureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("semantic: check collection exists: %w", err)
	}

	if !exists {
		m := uint64(16)
		efConstruct := uint64(128)

		if err := q.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: q.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     q.dims,
				Distance: qdrant.Distance_Cosine,
				HnswConfig: &qdrant.HnswConfigDiff{
					M:           &m,
					EfConstruct: &efConstruct,
				},
			}),
		}); err != nil {
			return fmt.Errorf("semantic: create collection %q: %w", q.collection, err)
		}
		q.logger.Info("qdrant: created collection", "collection", q.collection, "dims", q.dims)
	} else {
		q.logger.Info("qdrant: collection already exists", "collection", q.collection)
	}

	keywordType := qdrant.FieldType_FieldTypeKeyword
	for _, field := range []string{"identity_key", "source_system"} {
		if _, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: q.collection,
			FieldName:      field,
			FieldType:      &keywordType,
		}); err != nil {
			return fmt.Errorf("semantic: ensure index on %q: %w", field, err)
		}
	}

	return nil
}

// Scores embeds the query record and returns per-candidate cosine
// similarity, restricted to the supplied identity keys. Candidates
// missing from the index simply do not appear in the result map.
func (q *Index) Scores(ctx context.Context, query model.Identity, keys []string) (map[string]float64, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	text := Text(query)
	if text == "" {
		return nil, nil
	}

	vec, err := q.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("semantic: embed query: %w", err)
	}

	byPoint := make(map[string]string, len(keys))
	for _, key := range keys {
		byPoint[PointID(key).String()] = key
	}

	limit := uint64(len(keys)) //nolint:gosec
	scored, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQueryDense(vec.Slice()),
		Filter: &qdrant.Filter{Must: []*qdrant.Condition{
			qdrant.NewMatchKeywords("identity_key", keys...),
		}},
		Limit:       &limit,
		WithPayload: qdrant.NewWithPayload(false),
	})
	if err != nil {
		return nil, fmt.Errorf("semantic: qdrant query: %w", err)
	}

	scores := make(map[string]float64, len(scored))
	for _, sp := range scored {
		idStr := sp.Id.GetUuid()
		key, ok := byPoint[idStr]
		if !ok {
			q.logger.Warn("qdrant: unexpected point in filtered query", "id", idStr)
			continue
		}
		s := float64(sp.Score)
		if s < 0 {
			s = 0
		}
		if s > 1 {
			s = 1
		}
		scores[key] = s
	}
	return scores, nil
}

// Upsert inserts or updates identity points.
func (q *Index) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	qdrantPoints := make([]*qdrant.PointStruct, len(points))
	for i, p := range points {
		payload := map[string]any{
			"identity_key": p.IdentityKey,
		}
		if p.SourceSystem != "" {
			payload["source_system"] = p.SourceSystem
		}
		qdrantPoints[i] = &qdrant.PointStruct{
			Id:      qdrant.NewID(PointID(p.IdentityKey).String()),
			Vectors: qdrant.NewVectorsDense(p.Embedding),
			Payload: qdrant.NewValueMap(payload),
		}
	}

	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         qdrantPoints,
	})
	if err != nil {
		return fmt.Errorf("semantic: qdrant upsert %d points: %w", len(points), err)
	}
	return nil
}

// Delete removes identity points by key.
func (q *Index) Delete(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}

	pointIDs := make([]*qdrant.PointId, len(keys))
	for i, key := range keys {
		pointIDs[i] = qdrant.NewID(PointID(key).String())
	}

	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{
					Ids: pointIDs,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("semantic: qdrant delete %d points: %w", len(keys), err)
	}
	return nil
}

// Healthy returns nil if Qdrant is reachable. Results are cached for
// 5 seconds; concurrent checks after expiry collapse into one gRPC
// call via singleflight.
func (q *Index) Healthy(ctx context.Context) error {
	if time.Since(time.Unix(0, q.healthAt.Load())) < 5*time.Second {
		return q.loadHealthErr()
	}

	// Use context.Background() instead of the caller's ctx because
	// singleflight reuses the first caller's context; if that caller
	// cancels, all waiters would get a stale error.
	result, _, _ := q.healthGroup.Do("health", func() (any, error) {
		checkCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		_, err := q.client.HealthCheck(checkCtx)
		if err != nil {
			q.storeHealthErr(fmt.Errorf("semantic: qdrant unhealthy: %w", err))
		} else {
			q.storeHealthErr(nil)
		}
		q.healthAt.Store(time.Now().UnixNano())
		return q.loadHealthErr(), nil
	})
	if result == nil {
		return nil
	}
	return result.(error)
}

// storeHealthErr stores an error (or nil) in the atomic.Value.
// atomic.Value cannot store nil directly, so we wrap it in a pointer.
func (q *Index) storeHealthErr(err error) {
	q.healthErr.Store(&err)
}

func (q *Index) loadHealthErr() error {
	v := q.healthErr.Load()
	if v == nil {
		return nil
	}
	return *v.(*error)
}

// Close shuts down the Qdrant gRPC connection.
func (q *Index) Close() error {
	return q.client.Close()
}
