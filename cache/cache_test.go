package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/kpulse/logger"
	"github.com/saiset-co/kpulse/metrics"
	"github.com/saiset-co/kpulse/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 13, 9, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newTestCache(t *testing.T) (*Cache, *fakeClock) {
	t.Helper()

	clock := newFakeClock()
	c, err := NewCache(context.Background(), logger.NewNop(), metrics.NewNop(), DefaultPolicies(), WithClock(clock.Now))
	require.NoError(t, err)
	require.NoError(t, c.Start())
	t.Cleanup(func() { _ = c.Stop() })

	return c, clock
}

// countingRefresh returns a refresh that yields value and counts invocations.
func countingRefresh(calls *int32, value any) RefreshFunc {
	return func(ctx context.Context) (any, error) {
		atomic.AddInt32(calls, 1)
		return value, nil
	}
}

func TestConcurrentMissesShareOneRefresh(t *testing.T) {
	c, _ := newTestCache(t)

	var calls int32
	release := make(chan struct{})
	refresh := func(ctx context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return "blackpink", nil
	}

	const callers = 20
	var wg sync.WaitGroup
	results := make([]Result[any], callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Get(context.Background(), "search:blackpink", ContentSearchResults, refresh)
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "blackpink", results[i].Value)
		assert.False(t, results[i].IsStale)
	}
}

func TestFreshEntryServedWithoutRefresh(t *testing.T) {
	c, clock := newTestCache(t)

	var calls int32
	res, err := c.Get(context.Background(), "news:aespa", ContentNews, countingRefresh(&calls, "v1"))
	require.NoError(t, err)
	assert.Equal(t, SourceFresh, res.Source)

	for _, step := range []time.Duration{time.Minute, 4 * time.Minute, 5 * time.Minute} {
		clock.Advance(step)
		res, err = c.Get(context.Background(), "news:aespa", ContentNews, countingRefresh(&calls, "v2"))
		require.NoError(t, err)
		assert.Equal(t, "v1", res.Value)
		assert.False(t, res.IsStale)
		assert.Equal(t, SourceCache, res.Source)
	}

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestStaleEntryTriggersSingleBackgroundRefresh(t *testing.T) {
	c, clock := newTestCache(t)

	require.NoError(t, c.Set("trending:kr", "old", ContentTrending))
	clock.Advance(6 * time.Minute)

	var calls int32
	release := make(chan struct{})
	refresh := func(ctx context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return "new", nil
	}

	for i := 0; i < 10; i++ {
		res, err := c.Get(context.Background(), "trending:kr", ContentTrending, refresh)
		require.NoError(t, err)
		assert.Equal(t, "old", res.Value)
		assert.True(t, res.IsStale)
		assert.Equal(t, SourceCache, res.Source)
	}

	assert.Equal(t, 1, c.Stats().Revalidating)

	close(release)
	c.bg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	res, err := c.Get(context.Background(), "trending:kr", ContentTrending, refresh)
	require.NoError(t, err)
	assert.Equal(t, "new", res.Value)
	assert.False(t, res.IsStale)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestBackgroundFailureKeepsStaleEntry(t *testing.T) {
	c, clock := newTestCache(t)

	require.NoError(t, c.Set("videos:ive", "clips", ContentVideoMetadata))
	clock.Advance(20 * time.Minute)

	var calls int32
	failing := func(ctx context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.New("quota exhausted")
	}

	res, err := c.Get(context.Background(), "videos:ive", ContentVideoMetadata, failing)
	require.NoError(t, err)
	assert.Equal(t, "clips", res.Value)
	assert.True(t, res.IsStale)
	c.bg.Wait()

	res, err = c.Get(context.Background(), "videos:ive", ContentVideoMetadata, failing)
	require.NoError(t, err)
	assert.Equal(t, "clips", res.Value)
	assert.True(t, res.IsStale)
	c.bg.Wait()

	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Equal(t, uint64(2), c.Stats().Failures)
	assert.Equal(t, 0, c.Stats().Revalidating)
}

func TestExpiredEntryIsRefetchedSynchronously(t *testing.T) {
	c, clock := newTestCache(t)

	require.NoError(t, c.Set("search:itzy", "old", ContentSearchResults))
	clock.Advance(31 * time.Minute)

	var calls int32
	res, err := c.Get(context.Background(), "search:itzy", ContentSearchResults, countingRefresh(&calls, "new"))
	require.NoError(t, err)
	assert.Equal(t, "new", res.Value)
	assert.False(t, res.IsStale)
	assert.Equal(t, SourceFresh, res.Source)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestArtistDataLifecycle(t *testing.T) {
	c, clock := newTestCache(t)
	ctx := context.Background()

	var calls int32
	refresh := func(ctx context.Context) (any, error) {
		n := atomic.AddInt32(&calls, 1)
		if n == 2 {
			return nil, errors.New("catalog unavailable")
		}
		return n, nil
	}

	res, err := c.Get(ctx, "artist:newjeans", ContentArtistData, refresh)
	require.NoError(t, err)
	assert.Equal(t, int32(1), res.Value)

	clock.Advance(29 * time.Minute)
	res, err = c.Get(ctx, "artist:newjeans", ContentArtistData, refresh)
	require.NoError(t, err)
	assert.Equal(t, int32(1), res.Value)
	assert.False(t, res.IsStale)

	clock.Advance(2 * time.Minute)
	res, err = c.Get(ctx, "artist:newjeans", ContentArtistData, refresh)
	require.NoError(t, err)
	assert.Equal(t, int32(1), res.Value)
	assert.True(t, res.IsStale)
	c.bg.Wait()

	clock.Advance(90 * time.Minute)
	res, err = c.Get(ctx, "artist:newjeans", ContentArtistData, refresh)
	require.NoError(t, err)
	assert.Equal(t, int32(3), res.Value)
	assert.False(t, res.IsStale)
	assert.Equal(t, SourceFresh, res.Source)
}

func TestStaleArtistIsReplacedByBackgroundRefresh(t *testing.T) {
	c, clock := newTestCache(t)
	ctx := context.Background()

	var calls int32
	refresh := func(ctx context.Context) (any, error) {
		return fmt.Sprintf("X%d", atomic.AddInt32(&calls, 1)), nil
	}

	res, err := c.Get(ctx, "artist:ive", ContentArtistData, refresh)
	require.NoError(t, err)
	assert.Equal(t, "X1", res.Value)

	clock.Advance(10 * time.Minute)
	res, err = c.Get(ctx, "artist:ive", ContentArtistData, refresh)
	require.NoError(t, err)
	assert.Equal(t, "X1", res.Value)
	assert.False(t, res.IsStale)

	clock.Advance(40 * time.Minute)
	res, err = c.Get(ctx, "artist:ive", ContentArtistData, refresh)
	require.NoError(t, err)
	assert.Equal(t, "X1", res.Value)
	assert.True(t, res.IsStale)
	c.bg.Wait()

	clock.Advance(time.Minute)
	res, err = c.Get(ctx, "artist:ive", ContentArtistData, refresh)
	require.NoError(t, err)
	assert.Equal(t, "X2", res.Value)
	assert.False(t, res.IsStale)
	assert.Equal(t, SourceCache, res.Source)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestSynchronousFailureReachesEveryWaiter(t *testing.T) {
	c, _ := newTestCache(t)

	upstreamErr := errors.New("502 from scrobble api")
	release := make(chan struct{})
	var calls int32
	refresh := func(ctx context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return nil, upstreamErr
	}

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Get(context.Background(), "stats:twice", ContentArtistData, refresh)
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, err := range errs {
		require.Error(t, err)
		assert.ErrorIs(t, err, types.ErrFetchFailed)
		assert.ErrorIs(t, err, upstreamErr)

		var fetchErr *FetchError
		require.ErrorAs(t, err, &fetchErr)
		assert.Equal(t, "stats:twice", fetchErr.Key)
	}
	assert.Equal(t, 0, c.Len())
}

func TestCallerCancellationDoesNotAbortSharedFetch(t *testing.T) {
	c, _ := newTestCache(t)

	release := make(chan struct{})
	refreshCtxErr := make(chan error, 1)
	refresh := func(ctx context.Context) (any, error) {
		<-release
		refreshCtxErr <- ctx.Err()
		return "tracks", nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Get(ctx, "tracks:seventeen", ContentTrackList, refresh)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	close(release)
	assert.NoError(t, <-refreshCtxErr)

	require.Eventually(t, func() bool { return c.Len() == 1 }, time.Second, 5*time.Millisecond)

	var calls int32
	res, err := c.Get(context.Background(), "tracks:seventeen", ContentTrackList, countingRefresh(&calls, "other"))
	require.NoError(t, err)
	assert.Equal(t, "tracks", res.Value)
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestRefreshPanicBecomesFetchError(t *testing.T) {
	c, _ := newTestCache(t)

	_, err := c.Get(context.Background(), "related:exo", ContentRelatedArtists, func(ctx context.Context) (any, error) {
		panic("nil decoder")
	})
	assert.ErrorIs(t, err, types.ErrFetchFailed)
	assert.Contains(t, err.Error(), "nil decoder")
}

func TestContentTypeIsFixedAtCreation(t *testing.T) {
	c, clock := newTestCache(t)

	require.NoError(t, c.Set("mixed", "a", ContentIdentityMapping))
	require.NoError(t, c.Set("mixed", "b", ContentSearchResults))

	clock.Advance(time.Hour)

	var calls int32
	res, err := c.Get(context.Background(), "mixed", ContentSearchResults, countingRefresh(&calls, "c"))
	require.NoError(t, err)
	assert.Equal(t, "b", res.Value)
	assert.False(t, res.IsStale)
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestNewerWriteWinsOverSlowRefresh(t *testing.T) {
	c, clock := newTestCache(t)

	require.NoError(t, c.Set("artist:aespa", "v1", ContentArtistData))
	clock.Advance(45 * time.Minute)

	release := make(chan struct{})
	res, err := c.Get(context.Background(), "artist:aespa", ContentArtistData, func(ctx context.Context) (any, error) {
		<-release
		return "from-upstream", nil
	})
	require.NoError(t, err)
	assert.True(t, res.IsStale)

	clock.Advance(time.Second)
	require.NoError(t, c.Set("artist:aespa", "manual", ContentArtistData))

	close(release)
	c.bg.Wait()

	var calls int32
	res, err = c.Get(context.Background(), "artist:aespa", ContentArtistData, countingRefresh(&calls, "x"))
	require.NoError(t, err)
	assert.Equal(t, "manual", res.Value)
}

func TestKeptNewerEntryCanRevalidateAgain(t *testing.T) {
	c, clock := newTestCache(t)
	ctx := context.Background()
	key := "artist:itzy"

	require.NoError(t, c.Set(key, "v0", ContentArtistData))
	clock.Advance(40 * time.Minute)

	release := make(chan struct{})
	var slowCalls int32
	slow := func(ctx context.Context) (any, error) {
		atomic.AddInt32(&slowCalls, 1)
		<-release
		return "from-upstream", nil
	}

	res, err := c.Get(ctx, key, ContentArtistData, slow)
	require.NoError(t, err)
	assert.True(t, res.IsStale)

	clock.Advance(time.Minute)
	require.NoError(t, c.Set(key, "v1", ContentArtistData))

	// v1 goes stale while the first refresh is still running; this
	// revalidation joins it.
	clock.Advance(40 * time.Minute)
	res, err = c.Get(ctx, key, ContentArtistData, slow)
	require.NoError(t, err)
	assert.Equal(t, "v1", res.Value)
	assert.True(t, res.IsStale)

	time.Sleep(50 * time.Millisecond)
	close(release)
	c.bg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&slowCalls))
	assert.Equal(t, 0, c.Stats().Revalidating)

	var calls int32
	res, err = c.Get(ctx, key, ContentArtistData, countingRefresh(&calls, "v2"))
	require.NoError(t, err)
	assert.Equal(t, "v1", res.Value)
	assert.True(t, res.IsStale)
	c.bg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	res, err = c.Get(ctx, key, ContentArtistData, countingRefresh(&calls, "v3"))
	require.NoError(t, err)
	assert.Equal(t, "v2", res.Value)
	assert.False(t, res.IsStale)
}

func TestSweepRemovesOnlyExpired(t *testing.T) {
	c, clock := newTestCache(t)

	require.NoError(t, c.Set("search:a", 1, ContentSearchResults))
	require.NoError(t, c.Set("related:a", 2, ContentRelatedArtists))
	require.NoError(t, c.Set("mapping:a", 3, ContentIdentityMapping))

	clock.Advance(30 * time.Minute)
	assert.Equal(t, 0, c.Sweep())

	clock.Advance(time.Second)
	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, 2, c.Len())

	clock.Advance(24 * time.Hour)
	assert.Equal(t, 1, c.Sweep())

	stats := c.Stats()
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, 1, stats.Stale)
}

func TestFetchTyped(t *testing.T) {
	c, _ := newTestCache(t)

	type artist struct{ Name string }

	res, err := Fetch(context.Background(), c, "artist:1", ContentArtistData, func(ctx context.Context) (artist, error) {
		return artist{Name: "LE SSERAFIM"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "LE SSERAFIM", res.Value.Name)

	_, err = Fetch(context.Background(), c, "artist:1", ContentArtistData, func(ctx context.Context) ([]string, error) {
		return nil, nil
	})
	assert.ErrorIs(t, err, types.ErrCacheValueType)
}

func TestGetValidation(t *testing.T) {
	c, _ := newTestCache(t)
	noop := func(ctx context.Context) (any, error) { return nil, nil }

	_, err := c.Get(context.Background(), "", ContentNews, noop)
	assert.ErrorIs(t, err, types.ErrCacheKeyEmpty)

	_, err = c.Get(context.Background(), "k", ContentNews, nil)
	assert.ErrorIs(t, err, types.ErrCacheRefreshIsNil)

	_, err = c.Get(context.Background(), "k", ContentType(42), noop)
	assert.ErrorIs(t, err, types.ErrCacheContentType)

	require.NoError(t, c.Stop())
	_, err = c.Get(context.Background(), "k", ContentNews, noop)
	assert.ErrorIs(t, err, types.ErrCacheNotRunning)
	require.NoError(t, c.Start())
}
