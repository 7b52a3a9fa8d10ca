package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idxr-io/idxr/internal/model"
	"github.com/idxr-io/idxr/internal/normalize"
)

func TestFingerprintNormalizationCollision(t *testing.T) {
	a, _ := normalize.Record(model.Identity{GivenName: "John", Surname: "Doe"})
	b, _ := normalize.Record(model.Identity{GivenName: "  JOHN ", Surname: "doe"})
	c, _ := normalize.Record(model.Identity{GivenName: "Jane", Surname: "Doe"})

	assert.Equal(t, Fingerprint(a), Fingerprint(b))
	assert.NotEqual(t, Fingerprint(a), Fingerprint(c))
}

func TestPutGetRoundTrip(t *testing.T) {
	c := New(time.Minute, 10)
	defer c.Close()

	want := model.MatchResult{RequestID: "r1", Status: model.StatusSuccess, QualityScore: 88}
	c.Put("k1", want)

	got, ok := c.Get("k1")
	require.True(t, ok)
	assert.Equal(t, want, got)

	_, ok = c.Get("absent")
	assert.False(t, ok)
}

func TestExpiry(t *testing.T) {
	c := New(20*time.Millisecond, 10)
	defer c.Close()

	c.Put("k", model.MatchResult{RequestID: "r"})
	_, ok := c.Get("k")
	require.True(t, ok)

	time.Sleep(30 * time.Millisecond)
	_, ok = c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestLRUEviction(t *testing.T) {
	c := New(time.Minute, 3)
	defer c.Close()

	for i := 1; i <= 3; i++ {
		c.Put(fmt.Sprintf("k%d", i), model.MatchResult{RequestID: fmt.Sprintf("r%d", i)})
	}
	// Touch k1 so k2 becomes the eviction victim.
	_, ok := c.Get("k1")
	require.True(t, ok)

	c.Put("k4", model.MatchResult{RequestID: "r4"})

	_, ok = c.Get("k2")
	assert.False(t, ok, "least recently used entry should be evicted")
	for _, k := range []string{"k1", "k3", "k4"} {
		_, ok := c.Get(k)
		assert.True(t, ok, k)
	}
}

func TestSingleFlight(t *testing.T) {
	c := New(time.Minute, 10)
	defer c.Close()

	var calls atomic.Int32
	compute := func(ctx context.Context) (model.MatchResult, error) {
		calls.Add(1)
		time.Sleep(30 * time.Millisecond)
		return model.MatchResult{RequestID: "shared"}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, _, err := c.GetOrCompute(context.Background(), "hot", compute)
			assert.NoError(t, err)
			assert.Equal(t, "shared", res.RequestID)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load(), "concurrent identical fingerprints must share one computation")
}

func TestSingleFlightWaiterCancellation(t *testing.T) {
	c := New(time.Minute, 10)
	defer c.Close()

	computeStarted := make(chan struct{})
	computeDone := make(chan struct{})
	compute := func(ctx context.Context) (model.MatchResult, error) {
		close(computeStarted)
		time.Sleep(50 * time.Millisecond)
		close(computeDone)
		return model.MatchResult{RequestID: "r"}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-computeStarted
		cancel()
	}()

	_, _, err := c.GetOrCompute(ctx, "k", compute)
	require.ErrorIs(t, err, context.Canceled)

	// The underlying computation still completes and lands in the cache.
	select {
	case <-computeDone:
	case <-time.After(time.Second):
		t.Fatal("computation was cancelled along with the waiter")
	}
	require.Eventually(t, func() bool {
		_, ok := c.Get("k")
		return ok
	}, time.Second, 10*time.Millisecond)
}

func TestGetOrComputeCacheHitFlag(t *testing.T) {
	c := New(time.Minute, 10)
	defer c.Close()

	compute := func(ctx context.Context) (model.MatchResult, error) {
		return model.MatchResult{RequestID: "r"}, nil
	}

	_, hit, err := c.GetOrCompute(context.Background(), "k", compute)
	require.NoError(t, err)
	assert.False(t, hit)

	res, hit, err := c.GetOrCompute(context.Background(), "k", compute)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.True(t, res.CacheHit)
}
