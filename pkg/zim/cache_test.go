package zim

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCacheGetOrPutMiss(t *testing.T) {
	t.Parallel()

	c := NewCache(0, nil)
	v, err := c.GetOrPut("a", func() (any, error) { return "value-a", nil })
	require.NoError(t, err)
	require.Equal(t, "value-a", v)
	require.Equal(t, 1, c.Len())

	got, ok := c.Get("a")
	require.True(t, ok)
	require.Equal(t, "value-a", got)
}

func TestCacheGetOrPutPropagatesFactoryError(t *testing.T) {
	t.Parallel()

	c := NewCache(0, nil)
	wantErr := ErrNotFound
	_, err := c.GetOrPut("k", func() (any, error) { return nil, wantErr })
	require.ErrorIs(t, err, wantErr)
	require.Equal(t, 0, c.Len()) // a failed factory must not populate the cache
}

func TestCacheAtMostOneMaterialization(t *testing.T) {
	t.Parallel()

	c := NewCache(0, nil)
	var calls int32

	factory := func() (any, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(100 * time.Millisecond)
		return "x", nil
	}

	var wg sync.WaitGroup
	results := make([]any, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.GetOrPut("42", factory)
			require.NoError(t, err)
			results[i] = v
		}(i)
	}
	wg.Wait()

	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for _, v := range results {
		require.Equal(t, "x", v)
	}
}

func TestCacheEvictionByCost(t *testing.T) {
	t.Parallel()

	estimate := func(v any) uint64 { return uint64(v.(int)) }
	c := NewCache(10, estimate)

	_, err := c.GetOrPut("a", func() (any, error) { return 6, nil })
	require.NoError(t, err)
	_, err = c.GetOrPut("b", func() (any, error) { return 6, nil })
	require.NoError(t, err)

	// Adding b (cost 6) on top of a (cost 6) exceeds maxCost 10, so the
	// least-recently-used entry (a) must be evicted.
	_, ok := c.Get("a")
	require.False(t, ok)
	_, ok = c.Get("b")
	require.True(t, ok)
	require.LessOrEqual(t, c.CurrentCost(), uint64(10))
}

func TestCacheRecentlyUsedSurvivesEviction(t *testing.T) {
	t.Parallel()

	estimate := func(v any) uint64 { return uint64(v.(int)) }
	c := NewCache(20, estimate)

	_, err := c.GetOrPut("a", func() (any, error) { return 6, nil })
	require.NoError(t, err)
	_, err = c.GetOrPut("b", func() (any, error) { return 6, nil })
	require.NoError(t, err)
	// Touch "a" so it becomes most-recently-used, leaving "b" as the
	// least-recently-used entry when "c" pushes the total past 20.
	_, ok := c.Get("a")
	require.True(t, ok)

	_, err = c.GetOrPut("c", func() (any, error) { return 10, nil })
	require.NoError(t, err)

	_, ok = c.Get("a")
	require.True(t, ok)
	_, ok = c.Get("b")
	require.False(t, ok)
}

func TestCacheDrop(t *testing.T) {
	t.Parallel()

	c := NewCache(0, nil)
	_, err := c.GetOrPut("a", func() (any, error) { return 1, nil })
	require.NoError(t, err)

	c.Drop("a")
	_, ok := c.Get("a")
	require.False(t, ok)
}

func TestCacheSetMaxCostEvictsImmediately(t *testing.T) {
	t.Parallel()

	estimate := func(v any) uint64 { return uint64(v.(int)) }
	c := NewCache(100, estimate)

	_, err := c.GetOrPut("a", func() (any, error) { return 50, nil })
	require.NoError(t, err)
	_, err = c.GetOrPut("b", func() (any, error) { return 50, nil })
	require.NoError(t, err)
	require.Equal(t, 2, c.Len())

	c.SetMaxCost(50)
	require.LessOrEqual(t, c.CurrentCost(), uint64(50))
	require.Equal(t, 1, c.Len())
}

func TestClusterCostEstimatorIgnoresOtherTypes(t *testing.T) {
	t.Parallel()

	require.Equal(t, uint64(0), ClusterCostEstimator("not a cluster"))
}
